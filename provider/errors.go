package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// ErrCancelled marks a completion that was aborted by its caller. It is not a
// failure: the orchestrator turns it into a paused message.
var ErrCancelled = errors.New("completion cancelled")

const (
	KindCancelled = "cancelled"
	KindNetwork   = "network"
	KindProvider  = "provider"
	KindUnknown   = "unknown"
)

// NetworkError wraps connectivity failures: refused connections, resets, DNS
// failures and transport level timeouts.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ProviderError is a failure reported by the remote API, usually a 4xx or 5xx
// response. Message holds the human readable part extracted from Body.
type ProviderError struct {
	StatusCode int
	Message    string
	Body       string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider error (%d): %s", e.StatusCode, msg)
	}
	return fmt.Sprintf("provider error: %s", msg)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError builds a ProviderError from a status code and a raw response body.
func NewProviderError(statusCode int, body string, cause error) *ProviderError {
	msg := ExtractMessage(body)
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	return &ProviderError{
		StatusCode: statusCode,
		Message:    msg,
		Body:       body,
		Err:        cause,
	}
}

// Kind names the taxonomy bucket err falls into.
func Kind(err error) string {
	var (
		nerr *NetworkError
		perr *ProviderError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.As(err, &perr):
		return KindProvider
	case errors.As(err, &nerr):
		return KindNetwork
	case isNetwork(err):
		return KindNetwork
	default:
		return KindUnknown
	}
}

// Classify maps an arbitrary error onto the taxonomy. Errors that already belong
// to it are returned unchanged, context cancellation becomes ErrCancelled and
// transport failures become NetworkError. Anything else is treated as a provider
// failure.
func Classify(err error) error {
	switch Kind(err) {
	case "":
		return nil
	case KindCancelled:
		if errors.Is(err, ErrCancelled) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	case KindProvider:
		return err
	case KindNetwork:
		var nerr *NetworkError
		if errors.As(err, &nerr) {
			return err
		}
		return &NetworkError{Err: err}
	default:
		return &ProviderError{Message: err.Error(), Err: err}
	}
}

func isNetwork(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded)
}

var messagePaths = []string{
	"error.message",
	"error.error.message",
	"message",
	"error",
	"detail",
	"msg",
	"errors.0.message",
	"0.error.message",
}

// ExtractMessage pulls a human readable message out of a provider error payload.
// Providers disagree on the shape, so a list of known paths is tried in order
// and the raw body (trimmed) is the last resort.
func ExtractMessage(body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return ""
	}
	if !gjson.Valid(body) {
		return truncateSummary(body)
	}
	for _, path := range messagePaths {
		v := gjson.Get(body, path)
		if v.Exists() && v.Type == gjson.String && strings.TrimSpace(v.String()) != "" {
			return truncateSummary(v.String())
		}
	}
	return truncateSummary(body)
}

// Summary renders err as a short message suitable for storing on a failed message.
func Summary(err error) string {
	if err == nil {
		return ""
	}
	var perr *ProviderError
	if errors.As(err, &perr) && perr.Message != "" {
		if perr.StatusCode > 0 {
			return fmt.Sprintf("%d: %s", perr.StatusCode, perr.Message)
		}
		return perr.Message
	}
	return truncateSummary(err.Error())
}

const maxSummaryLen = 512

func truncateSummary(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxSummaryLen {
		return s
	}
	cut := maxSummaryLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
