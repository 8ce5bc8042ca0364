package events

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/casualjim/hoot/messages"
	"github.com/casualjim/hoot/pkg/slogx"
)

// Hook receives the live updates of a conversation. There is no no-op base
// implementation; embedders decide explicitly what to do with every event.
type Hook interface {
	OnMessageUpdated(context.Context, messages.Message)

	OnMessageSettled(context.Context, messages.Message)

	OnError(context.Context, error)
}

// Dispatch calls the hook method matching event. Unknown events are ignored.
func Dispatch(ctx context.Context, hook Hook, event Event) {
	switch e := event.(type) {
	case MessageUpdated:
		hook.OnMessageUpdated(ctx, e.Message)
	case MessageSettled:
		hook.OnMessageSettled(ctx, e.Message)
	case Error:
		hook.OnError(ctx, e)
	default:
		slog.WarnContext(ctx, "dropping unknown event", slog.String("type", fmt.Sprintf("%T", event)))
	}
}

func LoggingHook() Hook {
	return loggingHook{}
}

type loggingHook struct{}

func (loggingHook) OnMessageUpdated(ctx context.Context, msg messages.Message) {
	slog.DebugContext(ctx, "message updated",
		slogx.Conversation(msg.ConversationID),
		slogx.Message(msg.ID),
		slog.String("status", string(msg.Status)),
		slog.Int("content_len", len(msg.Content)),
	)
}

func (loggingHook) OnMessageSettled(ctx context.Context, msg messages.Message) {
	slog.InfoContext(ctx, "message settled",
		slogx.Conversation(msg.ConversationID),
		slogx.Message(msg.ID),
		slog.String("status", string(msg.Status)),
		slog.String("finish_reason", msg.FinishReason),
	)
}

func (loggingHook) OnError(ctx context.Context, err error) {
	slog.ErrorContext(ctx, "completion error", slogx.Error(err))
}

func NewCompositeHook(hooks ...Hook) Hook {
	return CompositeHook(hooks)
}

// CompositeHook fans every event out to all of its hooks in order.
type CompositeHook []Hook

func (c CompositeHook) OnMessageUpdated(ctx context.Context, msg messages.Message) {
	for h := range slices.Values(c) {
		h.OnMessageUpdated(ctx, msg)
	}
}

func (c CompositeHook) OnMessageSettled(ctx context.Context, msg messages.Message) {
	for h := range slices.Values(c) {
		h.OnMessageSettled(ctx, msg)
	}
}

func (c CompositeHook) OnError(ctx context.Context, err error) {
	for h := range slices.Values(c) {
		h.OnError(ctx, err)
	}
}
