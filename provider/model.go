package provider

import (
	"context"

	"github.com/casualjim/hoot/messages"
)

// Provider defines the interface for model providers (OpenAI, OpenAI compatible
// gateways, local servers, recorded replays).
//
// ChatCompletion returns a channel of stream events. Streaming providers emit one
// Chunk per upstream delta, non-streaming providers emit a single Response. Either
// way the channel is closed when the completion ends. Cancelling ctx must stop the
// producer promptly; the producer reports the cancellation as an Error event
// wrapping ctx.Err() before closing the channel.
type Provider interface {
	ChatCompletion(context.Context, CompletionParams) (<-chan StreamEvent, error)
}

// Message is the provider-facing view of a conversation turn.
type Message struct {
	Role    messages.Role
	Content string
}

// CompletionParams encapsulates all parameters needed for a chat completion request.
type CompletionParams struct {
	// RequestID correlates the request with the user message that triggered it
	RequestID string

	// Model is the provider specific model name
	Model string

	// SystemPrompt is sent ahead of the messages when not empty
	SystemPrompt string

	// Messages is the (possibly truncated) history in chronological order
	Messages []Message

	// Temperature and TopP are sent only when set
	Temperature *float64
	TopP        *float64

	// MaxTokens caps the completion length, 0 means provider default
	MaxTokens int64

	// Stream indicates whether to receive responses as a stream of chunks
	Stream bool

	// Prevents unkeyed literals
	_ struct{}
}

// FromHistory converts stored messages into provider messages. Messages without
// content are skipped, providers reject empty turns.
func FromHistory(history []messages.Message) []Message {
	result := make([]Message, 0, len(history))
	for _, msg := range history {
		if msg.Content == "" {
			continue
		}
		result = append(result, Message{Role: msg.Role, Content: msg.Content})
	}
	return result
}

func Float(v float64) *float64 {
	return &v
}
