// Package truncate fits a conversation history into a token budget.
package truncate

import (
	"fmt"
	"slices"

	"github.com/casualjim/hoot/messages"
	"github.com/casualjim/hoot/tokens"
)

// SafetyMargin is the share of the budget that may be spent on messages. The
// rest is left for provider side formatting overhead.
const SafetyMargin = 0.8

// Truncate returns the subset of history that fits in budget tokens, in the
// original chronological order.
//
// System messages and the most recent user message are always kept. The other
// user and assistant messages are considered newest first and each one is
// admitted if it still fits; a message that does not fit does not stop older,
// smaller ones from being admitted.
//
// Truncate does not modify history. Histories of zero or one message are
// returned as is. An error is returned only when the estimator fails, in which
// case callers are expected to send the history untouched.
func Truncate(history []messages.Message, budget int, est tokens.Estimator) ([]messages.Message, error) {
	if len(history) <= 1 {
		return history, nil
	}

	cost := func(i int) (int, error) {
		n, err := est.Estimate(history[i].Content)
		if err != nil {
			return 0, fmt.Errorf("estimate message %s: %w", history[i].ID, err)
		}
		return max(n, 0), nil
	}

	latestUser := -1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == messages.RoleUser {
			latestUser = i
			break
		}
	}

	keep := make([]bool, len(history))
	used := 0
	var candidates []int
	for i, msg := range history {
		if msg.Role.IsChat() && i != latestUser {
			candidates = append(candidates, i)
			continue
		}
		n, err := cost(i)
		if err != nil {
			return nil, err
		}
		used += n
		keep[i] = true
	}

	available := int(float64(budget)*SafetyMargin) - used
	for _, i := range slices.Backward(candidates) {
		n, err := cost(i)
		if err != nil {
			return nil, err
		}
		if used+n <= available {
			used += n
			keep[i] = true
		}
	}

	result := make([]messages.Message, 0, len(history))
	for i, msg := range history {
		if keep[i] {
			result = append(result, msg)
		}
	}
	return result, nil
}
