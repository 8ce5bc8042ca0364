package hoot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/casualjim/hoot/assistant"
	"github.com/casualjim/hoot/events"
	"github.com/casualjim/hoot/internal/cancellation"
	"github.com/casualjim/hoot/internal/merger"
	"github.com/casualjim/hoot/internal/taskqueue"
	"github.com/casualjim/hoot/internal/truncate"
	"github.com/casualjim/hoot/messages"
	"github.com/casualjim/hoot/pkg/slogx"
	"github.com/casualjim/hoot/provider"
	"github.com/go-openapi/strfmt"
	"golang.org/x/time/rate"
)

// inflight tracks a reply that is being produced so Pause can find its
// cancellation key and last published state.
type inflight struct {
	askID  string
	latest atomic.Pointer[messages.Message]

	mu     sync.Mutex
	done   bool
	paused bool
}

// pause marks the reply paused unless its stream already ended.
func (t *inflight) pause(cancel func() bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done || !cancel() {
		return false
	}
	t.paused = true
	return true
}

// finish closes the reply to Pause and reports whether a pause got in first.
func (t *inflight) finish() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = true
	return t.paused
}

// Send appends user to the conversation and streams the reply of a. The returned
// future resolves with the committed reply in its terminal status. Provider
// failures, cancellation and timeouts settle the reply (error or paused) instead
// of failing the future; the future fails only when the reply could not be
// created or committed.
func (o *Orchestrator) Send(ctx context.Context, conversationID string, user messages.Message, a *assistant.Assistant) Future[messages.Message] {
	if err := o.checkSend(conversationID, user, a); err != nil {
		return taskqueue.Rejected[messages.Message](err)
	}
	user = user.Clone()
	user.ConversationID = conversationID

	return o.queue.Enqueue(ctx, conversationID, func(ctx context.Context) (messages.Message, error) {
		if err := o.store.AppendOrReplace(ctx, conversationID, user); err != nil {
			return o.reject(ctx, conversationID, "", fmt.Errorf("append user message: %w", err))
		}
		o.publish(ctx, events.MessageUpdated{Message: user, Timestamp: o.now()})
		return o.complete(ctx, conversationID, user, a, "")
	})
}

// Resend produces a new reply for msg. For a user message that is the message
// itself, for an assistant message it's the user message it answered. The new
// reply takes the place of the first earlier reply to that user message and the
// other earlier replies are deleted. The work is queued behind anything already
// running for the conversation.
func (o *Orchestrator) Resend(ctx context.Context, msg messages.Message, a *assistant.Assistant) Future[messages.Message] {
	conversationID := msg.ConversationID
	if conversationID == "" {
		return taskqueue.Rejected[messages.Message](errors.New("resend: message has no conversation id"))
	}
	if a == nil {
		return taskqueue.Rejected[messages.Message](errors.New("resend: assistant is required"))
	}
	if err := a.Validate(); err != nil {
		return taskqueue.Rejected[messages.Message](err)
	}

	return o.queue.Enqueue(ctx, conversationID, func(ctx context.Context) (messages.Message, error) {
		user, err := o.resolveUser(ctx, msg)
		if err != nil {
			return o.reject(ctx, conversationID, msg.ID, err)
		}
		slot, err := o.deleteReplies(ctx, conversationID, user.ID)
		if err != nil {
			return o.reject(ctx, conversationID, msg.ID, err)
		}
		return o.complete(ctx, conversationID, user, a, slot)
	})
}

func (o *Orchestrator) checkSend(conversationID string, user messages.Message, a *assistant.Assistant) error {
	var errs []error
	if conversationID == "" {
		errs = append(errs, errors.New("conversation id is required"))
	}
	if user.ID == "" {
		errs = append(errs, errors.New("user message id is required"))
	}
	if user.Role != messages.RoleUser {
		errs = append(errs, fmt.Errorf("expected a user message, got role %q", user.Role))
	}
	if a == nil {
		errs = append(errs, errors.New("assistant is required"))
	} else if err := a.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("send: %w", errors.Join(errs...))
	}
	return nil
}

func (o *Orchestrator) resolveUser(ctx context.Context, msg messages.Message) (messages.Message, error) {
	id := msg.ID
	if msg.Role == messages.RoleAssistant {
		if msg.AskID == "" {
			return messages.Message{}, fmt.Errorf("resend: assistant message %s has no ask id", msg.ID)
		}
		id = msg.AskID
	}
	user, err := o.store.GetMessage(ctx, msg.ConversationID, id)
	if err != nil {
		return messages.Message{}, fmt.Errorf("resend: %w", err)
	}
	if user.Role != messages.RoleUser {
		return messages.Message{}, fmt.Errorf("resend: message %s is a %s message", user.ID, user.Role)
	}
	return user, nil
}

// deleteReplies removes the replies to askID except the first one, whose id it
// returns so the next reply can be written in its place.
func (o *Orchestrator) deleteReplies(ctx context.Context, conversationID, askID string) (string, error) {
	history, err := o.store.GetHistory(ctx, conversationID)
	if err != nil {
		return "", fmt.Errorf("resend: load history: %w", err)
	}
	var slot string
	for _, m := range history {
		if m.Role != messages.RoleAssistant || m.AskID != askID {
			continue
		}
		if slot == "" {
			slot = m.ID
			continue
		}
		if err := o.store.DeleteMessage(ctx, conversationID, m.ID); err != nil {
			return "", fmt.Errorf("resend: delete reply %s: %w", m.ID, err)
		}
	}
	return slot, nil
}

// complete runs one completion for user inside the conversation's queue slot.
// A non-empty replyID overwrites that stored reply instead of appending a new one.
func (o *Orchestrator) complete(ctx context.Context, conversationID string, user messages.Message, a *assistant.Assistant, replyID string) (messages.Message, error) {
	started := o.clock()
	log := o.log.With(slogx.Conversation(conversationID), slog.String("ask_id", user.ID))
	// commits must land even when the caller gave up on the future
	commitCtx := context.WithoutCancel(ctx)

	handle := o.cancels.Register(ctx, user.ID, a.Timeout())
	defer o.cancels.Release(handle)

	reply := messages.NewAssistant(conversationID, user.ID, a.Model())
	if replyID != "" {
		reply.ID = replyID
	}
	reply.CreatedAt = o.now()
	track := &inflight{askID: user.ID}
	track.latest.Store(&reply)
	o.inflight.Set(reply.ID, track)
	defer o.inflight.Del(reply.ID)

	log = log.With(slogx.Message(reply.ID))
	log.DebugContext(ctx, "starting completion", slog.String("model", a.Model()), slog.String("provider", a.Provider()))

	if err := o.store.AppendOrReplace(commitCtx, conversationID, reply); err != nil {
		return o.reject(ctx, conversationID, reply.ID, fmt.Errorf("append reply placeholder: %w", err))
	}
	o.publish(ctx, events.MessageUpdated{Message: reply, Timestamp: o.now()})

	history, err := o.store.GetHistory(commitCtx, conversationID)
	if err != nil {
		track.finish()
		return o.settle(commitCtx, log, failed(reply, fmt.Errorf("load history: %w", err)))
	}
	history = o.fit(log, prefix(history, user.ID), a)

	reply = o.search(ctx, log, handle, track, reply, user, a)

	stream, err := o.open(handle, history, user, a)
	if err != nil {
		if handle.Cancelled() {
			// the stream was never opened; the merger settles it as paused
			stream = closedStream()
		} else {
			log.ErrorContext(ctx, "provider request failed", slogx.Error(err))
			track.finish()
			return o.settle(commitCtx, log, failed(reply, err))
		}
	}

	persist := o.throttle()
	m := merger.New(reply,
		merger.WithClock(o.clock),
		merger.WithOnUpdate(func(snapshot messages.Message) {
			track.latest.Store(&snapshot)
			o.publish(ctx, events.MessageUpdated{Message: snapshot, Timestamp: o.now()})
			persist.Do(func() {
				if err := o.store.AppendOrReplace(commitCtx, conversationID, snapshot); err != nil {
					log.WarnContext(ctx, "failed to persist partial reply", slogx.Error(err))
				}
			})
		}),
	)
	final, err := m.Run(handle.Context(), stream)
	if err != nil {
		log.WarnContext(ctx, "completion failed", slogx.Error(err))
	}
	if track.finish() && final.Status == messages.StatusSuccess {
		// Pause won the race with the end of the stream
		final.Status = messages.StatusPaused
		final.FinishReason = messages.FinishCancelled
	}
	o.inflight.Del(reply.ID)
	o.cancels.Release(handle)

	o.backfillUsage(log, &final, history)
	return o.settle(commitCtx, log.With(slogx.Millis("elapsed_ms", o.clock().Sub(started))), final)
}

// fit truncates history to the assistant's context budget. Estimator failures
// fall back to sending everything.
func (o *Orchestrator) fit(log *slog.Logger, history []messages.Message, a *assistant.Assistant) []messages.Message {
	if a.Unlimited() {
		return history
	}
	budget := a.ContextCount() * o.tokensPerTurn
	truncated, err := truncate.Truncate(history, budget, o.estimator)
	if err != nil {
		log.Warn("truncation failed, sending full history", slogx.Error(err))
		return history
	}
	return truncated
}

// search attaches web search results to the reply while it is in the searching
// status. Searcher failures are logged and skipped.
func (o *Orchestrator) search(ctx context.Context, log *slog.Logger, handle *cancellation.Handle, track *inflight, reply, user messages.Message, a *assistant.Assistant) messages.Message {
	if !a.WebSearch() || o.searcher == nil {
		return reply
	}

	reply.Status = messages.StatusSearching
	o.update(ctx, log, track, reply)

	result, err := o.searcher.Search(handle.Context(), user.Content)
	switch {
	case err != nil:
		log.WarnContext(ctx, "web search failed", slogx.Error(err))
	case result != nil:
		if reply.Metadata == nil {
			reply.Metadata = &messages.Metadata{}
		}
		reply.Metadata.WebSearch = result
	}

	reply.Status = messages.StatusPending
	o.update(ctx, log, track, reply)
	return reply
}

func (o *Orchestrator) update(ctx context.Context, log *slog.Logger, track *inflight, msg messages.Message) {
	snapshot := msg.Clone()
	track.latest.Store(&snapshot)
	if err := o.store.AppendOrReplace(context.WithoutCancel(ctx), msg.ConversationID, snapshot); err != nil {
		log.WarnContext(ctx, "failed to persist reply status", slogx.Error(err))
	}
	o.publish(ctx, events.MessageUpdated{Message: snapshot, Timestamp: o.now()})
}

func (o *Orchestrator) open(handle *cancellation.Handle, history []messages.Message, user messages.Message, a *assistant.Assistant) (<-chan provider.StreamEvent, error) {
	if handle.Cancelled() {
		return nil, handle.Cause()
	}
	p, ok := o.providers.Get(a.Provider())
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", a.Provider())
	}
	system, err := a.RenderPrompt(o.clock())
	if err != nil {
		return nil, err
	}
	return p.ChatCompletion(handle.Context(), provider.CompletionParams{
		RequestID:    user.ID,
		Model:        a.Model(),
		SystemPrompt: system,
		Messages:     provider.FromHistory(history),
		Temperature:  a.Temperature(),
		TopP:         a.TopP(),
		MaxTokens:    a.MaxTokens(),
		Stream:       a.Stream(),
	})
}

// backfillUsage estimates the usage a provider didn't report.
func (o *Orchestrator) backfillUsage(log *slog.Logger, msg *messages.Message, sent []messages.Message) {
	usage := messages.Usage{}
	if msg.Usage != nil {
		usage = *msg.Usage
	}

	if usage.CompletionTokens == 0 && (msg.Content != "" || msg.ReasoningContent != "") {
		n, err := o.estimator.Estimate(msg.ReasoningContent + msg.Content)
		if err != nil {
			log.Debug("could not estimate completion tokens", slogx.Error(err))
		} else {
			usage.CompletionTokens = int64(n)
		}
	}
	if usage.PromptTokens == 0 {
		for _, m := range sent {
			n, err := o.estimator.Estimate(m.Content)
			if err != nil {
				log.Debug("could not estimate prompt tokens", slogx.Error(err))
				break
			}
			usage.PromptTokens += int64(n)
		}
	}
	if usage.TotalTokens < usage.PromptTokens+usage.CompletionTokens {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	msg.Usage = &usage
	if msg.Metrics == nil {
		msg.Metrics = &messages.Metrics{}
	}
	msg.Metrics.CompletionTokens = usage.CompletionTokens
}

// settle commits a reply in its terminal status and announces it.
func (o *Orchestrator) settle(ctx context.Context, log *slog.Logger, final messages.Message) (messages.Message, error) {
	if err := o.store.AppendOrReplace(ctx, final.ConversationID, final); err != nil {
		return o.reject(ctx, final.ConversationID, final.ID, fmt.Errorf("commit reply: %w", err))
	}
	o.publish(ctx, events.MessageSettled{Message: final, Timestamp: o.now()})
	log.DebugContext(ctx, "completion settled",
		slog.String("status", string(final.Status)),
		slog.String("finish_reason", final.FinishReason),
	)
	return final, nil
}

// reject reports a failure that left no committed reply and fails the future.
func (o *Orchestrator) reject(ctx context.Context, conversationID, messageID string, err error) (messages.Message, error) {
	o.log.ErrorContext(ctx, "completion aborted", slogx.Conversation(conversationID), slogx.Message(messageID), slogx.Error(err))
	o.publish(context.WithoutCancel(ctx), events.Error{Conversation: conversationID, MessageID: messageID, Err: err, Timestamp: o.now()})
	return messages.Message{}, err
}

func (o *Orchestrator) publish(ctx context.Context, event events.Event) {
	if err := o.broker.Topic(ctx, event.ConversationID()).Publish(ctx, event); err != nil {
		o.log.WarnContext(ctx, "failed to publish event", slogx.Conversation(event.ConversationID()), slogx.Error(err))
	}
}

func (o *Orchestrator) throttle() *rate.Sometimes {
	if o.persistInterval <= 0 {
		return &rate.Sometimes{Every: 1}
	}
	return &rate.Sometimes{Interval: o.persistInterval}
}

func (o *Orchestrator) now() strfmt.DateTime {
	return strfmt.DateTime(o.clock())
}

// prefix returns the history up to and including the user message. Replies
// that come after it belong to later turns.
func prefix(history []messages.Message, userID string) []messages.Message {
	idx := slices.IndexFunc(history, func(m messages.Message) bool { return m.ID == userID })
	if idx < 0 {
		return history
	}
	return history[:idx+1]
}

func failed(reply messages.Message, err error) messages.Message {
	reply.Status = messages.StatusError
	reply.FinishReason = messages.FinishError
	reply.Error = provider.Summary(err)
	return reply
}

func closedStream() <-chan provider.StreamEvent {
	ch := make(chan provider.StreamEvent)
	close(ch)
	return ch
}
