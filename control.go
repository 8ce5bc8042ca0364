package hoot

import (
	"context"
	"errors"

	"github.com/casualjim/hoot/events"
	"github.com/casualjim/hoot/messages"
	"github.com/casualjim/hoot/pkg/slogx"
)

// Subscription is a live update feed for one conversation.
type Subscription interface {
	ID() string
	Unsubscribe()
}

// Pause stops the reply with the given id. The content streamed so far is kept
// and the reply settles as paused. It reports false when the reply is not in
// flight, for example because it already completed or its stream has ended and
// the reply is being committed.
func (o *Orchestrator) Pause(messageID string) bool {
	track, ok := o.inflight.Get(messageID)
	if !ok {
		return false
	}
	if !track.pause(func() bool { return o.cancels.Cancel(track.askID) }) {
		return false
	}

	latest := track.latest.Load()
	if latest == nil {
		return true
	}
	snapshot := latest.Clone()
	snapshot.Status = messages.StatusPaused
	snapshot.FinishReason = messages.FinishCancelled
	o.log.Debug("paused reply", slogx.Conversation(snapshot.ConversationID), slogx.Message(snapshot.ID))
	o.publish(context.Background(), events.MessageUpdated{Message: snapshot, Timestamp: o.now()})
	return true
}

// PauseConversation pauses whatever reply is currently streaming in the
// conversation.
func (o *Orchestrator) PauseConversation(conversationID string) bool {
	var target string
	o.inflight.ForEach(func(id string, track *inflight) bool {
		if latest := track.latest.Load(); latest != nil && latest.ConversationID == conversationID {
			target = id
			return false
		}
		return true
	})
	if target == "" {
		return false
	}
	return o.Pause(target)
}

// InFlight reports whether the reply with the given id is still being produced.
func (o *Orchestrator) InFlight(messageID string) bool {
	_, ok := o.inflight.Get(messageID)
	return ok
}

// Subscribe delivers the live updates of a conversation to hook until ctx is
// done or the subscription is cancelled.
func (o *Orchestrator) Subscribe(ctx context.Context, conversationID string, hook events.Hook) (Subscription, error) {
	if conversationID == "" {
		return nil, errors.New("subscribe: conversation id is required")
	}
	if hook == nil {
		return nil, errors.New("subscribe: hook is required")
	}
	return o.broker.Topic(ctx, conversationID).Subscribe(ctx, hook)
}

// Idle blocks until no work is queued or running for the conversation.
func (o *Orchestrator) Idle(ctx context.Context, conversationID string) error {
	return o.queue.Idle(ctx, conversationID)
}

// Pending returns the number of sends and resends queued or running for the
// conversation.
func (o *Orchestrator) Pending(conversationID string) int {
	return o.queue.Pending(conversationID)
}
