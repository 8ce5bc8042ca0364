package hoot

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/casualjim/hoot/assistant"
	"github.com/casualjim/hoot/internal/taskqueue"
	"github.com/casualjim/hoot/messages"
	"github.com/casualjim/hoot/provider"
	"github.com/casualjim/hoot/store"
	"github.com/casualjim/hoot/store/memory"
	"github.com/casualjim/hoot/tokens"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type script func(ctx context.Context, params provider.CompletionParams, out chan<- provider.StreamEvent)

// scriptedProvider records every request and plays script for it.
type scriptedProvider struct {
	mu     sync.Mutex
	calls  []provider.CompletionParams
	script script
	err    error
}

func (p *scriptedProvider) ChatCompletion(ctx context.Context, params provider.CompletionParams) (<-chan provider.StreamEvent, error) {
	p.mu.Lock()
	p.calls = append(p.calls, params)
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}

	out := make(chan provider.StreamEvent)
	go func() {
		defer close(out)
		p.script(ctx, params, out)
	}()
	return out, nil
}

func (p *scriptedProvider) Calls() []provider.CompletionParams {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provider.CompletionParams(nil), p.calls...)
}

// emit sends events until ctx is cancelled, then reports the cancellation the
// way real providers do.
func emit(ctx context.Context, out chan<- provider.StreamEvent, events ...provider.StreamEvent) bool {
	for _, e := range events {
		select {
		case out <- e:
		case <-ctx.Done():
			select {
			case out <- provider.Error{Err: ctx.Err()}:
			case <-time.After(waitFor):
			}
			return false
		}
	}
	return true
}

func chunks(texts ...string) script {
	return func(ctx context.Context, params provider.CompletionParams, out chan<- provider.StreamEvent) {
		for _, text := range texts {
			if !emit(ctx, out, provider.Chunk{RequestID: params.RequestID, TextDelta: text}) {
				return
			}
		}
	}
}

// stall sends text and then waits for the request to be cancelled.
func stall(text string) script {
	return func(ctx context.Context, params provider.CompletionParams, out chan<- provider.StreamEvent) {
		if !emit(ctx, out, provider.Chunk{RequestID: params.RequestID, TextDelta: text}) {
			return
		}
		<-ctx.Done()
		select {
		case out <- provider.Error{RequestID: params.RequestID, Err: ctx.Err()}:
		case <-time.After(waitFor):
		}
	}
}

var wordCount = tokens.EstimatorFunc(func(s string) (int, error) {
	return len(strings.Fields(s)), nil
})

type recordingHook struct {
	mu      sync.Mutex
	updated []messages.Message
	settled []messages.Message
	errs    []error
}

func (h *recordingHook) OnMessageUpdated(_ context.Context, msg messages.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updated = append(h.updated, msg)
}

func (h *recordingHook) OnMessageSettled(_ context.Context, msg messages.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.settled = append(h.settled, msg)
}

func (h *recordingHook) OnError(_ context.Context, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, err)
}

func (h *recordingHook) Updated() []messages.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]messages.Message(nil), h.updated...)
}

func (h *recordingHook) Settled() []messages.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]messages.Message(nil), h.settled...)
}

func (h *recordingHook) Errors() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.errs...)
}

// updatedWith returns the first update matching pred.
func (h *recordingHook) updatedWith(pred func(messages.Message) bool) (messages.Message, bool) {
	for _, m := range h.Updated() {
		if pred(m) {
			return m, true
		}
	}
	return messages.Message{}, false
}

func newOrchestrator(t *testing.T, p provider.Provider) *Orchestrator {
	t.Helper()
	o := New(
		WithStore(memory.New()),
		WithEstimator(wordCount),
		WithPersistInterval(0),
		WithProvider(assistant.DefaultProvider, p),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = o.Close(ctx)
	})
	return o
}

func subscribe(t *testing.T, o *Orchestrator, conversationID string) *recordingHook {
	t.Helper()
	hook := &recordingHook{}
	sub, err := o.Subscribe(context.Background(), conversationID, hook)
	require.NoError(t, err)
	t.Cleanup(sub.Unsubscribe)
	return hook
}

func await(t *testing.T, f Future[messages.Message]) (messages.Message, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	return f.Await(ctx)
}

func TestOrchestrator_Send(t *testing.T) {
	p := &scriptedProvider{script: chunks("Hello ", "there ", "friend")}
	o := newOrchestrator(t, p)
	hook := subscribe(t, o, "topic")

	user := messages.NewUser("topic", "say hi please")
	reply, err := await(t, o.Send(context.Background(), "topic", user, assistant.New()))
	require.NoError(t, err)

	assert.Equal(t, messages.RoleAssistant, reply.Role)
	assert.Equal(t, messages.StatusSuccess, reply.Status)
	assert.Equal(t, messages.FinishStop, reply.FinishReason)
	assert.Equal(t, "Hello there friend", reply.Content)
	assert.Equal(t, user.ID, reply.AskID)
	assert.Equal(t, assistant.DefaultModel, reply.Model)

	require.NotNil(t, reply.Usage)
	assert.Equal(t, int64(3), reply.Usage.CompletionTokens)
	assert.Equal(t, int64(3), reply.Usage.PromptTokens)
	assert.Equal(t, int64(6), reply.Usage.TotalTokens)
	require.NotNil(t, reply.Metrics)
	assert.Equal(t, reply.Usage.CompletionTokens, reply.Metrics.CompletionTokens)

	calls := p.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, user.ID, calls[0].RequestID)
	assert.Equal(t, assistant.DefaultModel, calls[0].Model)
	assert.True(t, calls[0].Stream)
	assert.Equal(t, []provider.Message{{Role: messages.RoleUser, Content: "say hi please"}}, calls[0].Messages)

	history, err := o.Store().GetHistory(context.Background(), "topic")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, user.ID, history[0].ID)
	assert.Equal(t, reply.ID, history[1].ID)
	assert.Equal(t, messages.StatusSuccess, history[1].Status)
	assert.Equal(t, "Hello there friend", history[1].Content)

	require.Eventually(t, func() bool { return len(hook.Settled()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, reply.ID, hook.Settled()[0].ID)
	_, sawPlaceholder := hook.updatedWith(func(m messages.Message) bool {
		return m.ID == reply.ID && m.Status == messages.StatusPending && m.Content == ""
	})
	assert.True(t, sawPlaceholder)
	_, sawUser := hook.updatedWith(func(m messages.Message) bool { return m.ID == user.ID })
	assert.True(t, sawUser)
	assert.False(t, o.InFlight(reply.ID))
}

func TestOrchestrator_Send_Rejected(t *testing.T) {
	o := newOrchestrator(t, &scriptedProvider{script: chunks("x")})

	tests := []struct {
		name         string
		conversation string
		user         messages.Message
		assistant    *assistant.Assistant
		want         string
	}{
		{"no conversation", "", messages.NewUser("", "hi"), assistant.New(), "conversation id is required"},
		{"not a user message", "topic", messages.NewSystem("topic", "hi"), assistant.New(), "expected a user message"},
		{"no message id", "topic", messages.Message{Role: messages.RoleUser, Content: "hi"}, assistant.New(), "user message id is required"},
		{"no assistant", "topic", messages.NewUser("topic", "hi"), nil, "assistant is required"},
		{"invalid assistant", "topic", messages.NewUser("topic", "hi"), assistant.New(assistant.ContextCount(-1)), "context count"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := await(t, o.Send(context.Background(), tt.conversation, tt.user, tt.assistant))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	history, err := o.Store().GetHistory(context.Background(), "topic")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestOrchestrator_SerializesConversation(t *testing.T) {
	gate := make(chan struct{})
	var n atomic.Int32
	p := &scriptedProvider{}
	p.script = func(ctx context.Context, params provider.CompletionParams, out chan<- provider.StreamEvent) {
		if n.Add(1) == 1 {
			<-gate
			emit(ctx, out, provider.Chunk{TextDelta: "first answer"})
			return
		}
		emit(ctx, out, provider.Chunk{TextDelta: "second answer"})
	}
	o := newOrchestrator(t, p)
	a := assistant.New()

	first := messages.NewUser("topic", "one")
	second := messages.NewUser("topic", "two")
	f1 := o.Send(context.Background(), "topic", first, a)
	f2 := o.Send(context.Background(), "topic", second, a)

	require.Eventually(t, func() bool { return len(p.Calls()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 2, o.Pending("topic"))

	// the second user message is not visible until the first reply committed
	history, err := o.Store().GetHistory(context.Background(), "topic")
	require.NoError(t, err)
	for _, m := range history {
		assert.NotEqual(t, second.ID, m.ID)
	}
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, p.Calls(), 1)

	close(gate)
	r1, err := await(t, f1)
	require.NoError(t, err)
	r2, err := await(t, f2)
	require.NoError(t, err)

	calls := p.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []provider.Message{
		{Role: messages.RoleUser, Content: "one"},
		{Role: messages.RoleAssistant, Content: "first answer"},
		{Role: messages.RoleUser, Content: "two"},
	}, calls[1].Messages)

	history, err = o.Store().GetHistory(context.Background(), "topic")
	require.NoError(t, err)
	var ids []string
	for _, m := range history {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{first.ID, r1.ID, second.ID, r2.ID}, ids)

	require.NoError(t, o.Idle(context.Background(), "topic"))
	assert.Zero(t, o.Pending("topic"))
}

func TestOrchestrator_ConversationsRunConcurrently(t *testing.T) {
	var started sync.WaitGroup
	started.Add(2)
	both := make(chan struct{})
	go func() {
		started.Wait()
		close(both)
	}()

	p := &scriptedProvider{}
	p.script = func(ctx context.Context, params provider.CompletionParams, out chan<- provider.StreamEvent) {
		started.Done()
		select {
		case <-both:
			emit(ctx, out, provider.Chunk{TextDelta: "ok"})
		case <-time.After(waitFor):
			out <- provider.Error{Err: errors.New("conversations were serialized")}
		}
	}
	o := newOrchestrator(t, p)
	a := assistant.New()

	f1 := o.Send(context.Background(), "a", messages.NewUser("a", "hi"), a)
	f2 := o.Send(context.Background(), "b", messages.NewUser("b", "hi"), a)

	for _, f := range []Future[messages.Message]{f1, f2} {
		reply, err := f.Await(context.Background())
		require.NoError(t, err)
		assert.Equal(t, messages.StatusSuccess, reply.Status)
		assert.Equal(t, "ok", reply.Content)
	}
}

func TestOrchestrator_Pause(t *testing.T) {
	p := &scriptedProvider{script: stall("partial")}
	o := newOrchestrator(t, p)
	hook := subscribe(t, o, "topic")

	f := o.Send(context.Background(), "topic", messages.NewUser("topic", "tell me a story"), assistant.New())

	var streaming messages.Message
	require.Eventually(t, func() bool {
		var ok bool
		streaming, ok = hook.updatedWith(func(m messages.Message) bool {
			return m.Role == messages.RoleAssistant && m.Content == "partial"
		})
		return ok
	}, waitFor, 5*time.Millisecond)
	assert.True(t, o.InFlight(streaming.ID))

	require.Eventually(t, func() bool {
		stored, err := o.Store().GetMessage(context.Background(), "topic", streaming.ID)
		return err == nil && stored.Content == "partial"
	}, waitFor, 5*time.Millisecond, "partial content is persisted while streaming")

	require.True(t, o.Pause(streaming.ID))

	reply, err := await(t, f)
	require.NoError(t, err)
	assert.Equal(t, streaming.ID, reply.ID)
	assert.Equal(t, messages.StatusPaused, reply.Status)
	assert.Equal(t, messages.FinishCancelled, reply.FinishReason)
	assert.Equal(t, "partial", reply.Content)
	assert.Empty(t, reply.Error)

	stored, err := o.Store().GetMessage(context.Background(), "topic", reply.ID)
	require.NoError(t, err)
	assert.Equal(t, messages.StatusPaused, stored.Status)
	assert.Equal(t, "partial", stored.Content)

	_, sawPaused := hook.updatedWith(func(m messages.Message) bool {
		return m.ID == reply.ID && m.Status == messages.StatusPaused
	})
	assert.True(t, sawPaused)

	assert.False(t, o.Pause(reply.ID), "a settled reply can't be paused")
	assert.False(t, o.InFlight(reply.ID))
}

func TestOrchestrator_PauseConversation(t *testing.T) {
	p := &scriptedProvider{script: stall("partial")}
	o := newOrchestrator(t, p)
	hook := subscribe(t, o, "topic")

	assert.False(t, o.PauseConversation("topic"))

	f := o.Send(context.Background(), "topic", messages.NewUser("topic", "hi"), assistant.New())
	require.Eventually(t, func() bool {
		_, ok := hook.updatedWith(func(m messages.Message) bool { return m.Content == "partial" })
		return ok
	}, waitFor, 5*time.Millisecond)

	assert.False(t, o.PauseConversation("other"))
	require.True(t, o.PauseConversation("topic"))

	reply, err := await(t, f)
	require.NoError(t, err)
	assert.Equal(t, messages.StatusPaused, reply.Status)
}

func TestOrchestrator_Pause_Unknown(t *testing.T) {
	o := newOrchestrator(t, &scriptedProvider{script: chunks("x")})
	assert.False(t, o.Pause("missing"))
}

func TestOrchestrator_Pause_AfterCompletion(t *testing.T) {
	o := newOrchestrator(t, &scriptedProvider{script: chunks("done")})

	reply, err := await(t, o.Send(context.Background(), "topic", messages.NewUser("topic", "hi"), assistant.New()))
	require.NoError(t, err)

	assert.False(t, o.Pause(reply.ID))
	stored, err := o.Store().GetMessage(context.Background(), "topic", reply.ID)
	require.NoError(t, err)
	assert.Equal(t, messages.StatusSuccess, stored.Status)
	assert.Equal(t, "done", stored.Content)
}

func TestOrchestrator_Timeout(t *testing.T) {
	o := newOrchestrator(t, &scriptedProvider{script: stall("slow")})

	a := assistant.New(assistant.Timeout(50 * time.Millisecond))
	reply, err := await(t, o.Send(context.Background(), "topic", messages.NewUser("topic", "hi"), a))
	require.NoError(t, err)

	assert.Equal(t, messages.StatusPaused, reply.Status)
	assert.Equal(t, messages.FinishTimeout, reply.FinishReason)
	assert.Equal(t, "slow", reply.Content)
}

func TestOrchestrator_ProviderErrors(t *testing.T) {
	boom := provider.NewProviderError(502, `{"error":{"message":"upstream crashed"}}`, nil)

	tests := []struct {
		name        string
		provider    *scriptedProvider
		assistant   *assistant.Assistant
		wantContent string
		wantError   string
	}{
		{
			name: "error mid stream",
			provider: &scriptedProvider{script: func(ctx context.Context, params provider.CompletionParams, out chan<- provider.StreamEvent) {
				emit(ctx, out, provider.Chunk{TextDelta: "one "}, provider.Error{Err: boom})
			}},
			assistant:   assistant.New(),
			wantContent: "one ",
			wantError:   "502: upstream crashed",
		},
		{
			name:      "request rejected",
			provider:  &scriptedProvider{err: boom},
			assistant: assistant.New(),
			wantError: "502: upstream crashed",
		},
		{
			name:      "unknown provider",
			provider:  &scriptedProvider{script: chunks("never")},
			assistant: assistant.New(assistant.Provider("nope")),
			wantError: `unknown provider "nope"`,
		},
		{
			name:      "broken prompt",
			provider:  &scriptedProvider{script: chunks("never")},
			assistant: assistant.New(assistant.Prompt("{{.Missing}}")),
			wantError: "render prompt",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newOrchestrator(t, tt.provider)
			hook := subscribe(t, o, "topic")

			reply, err := await(t, o.Send(context.Background(), "topic", messages.NewUser("topic", "hi"), tt.assistant))
			require.NoError(t, err)

			assert.Equal(t, messages.StatusError, reply.Status)
			assert.Equal(t, messages.FinishError, reply.FinishReason)
			assert.Equal(t, tt.wantContent, reply.Content)
			assert.Contains(t, reply.Error, tt.wantError)

			stored, err := o.Store().GetMessage(context.Background(), "topic", reply.ID)
			require.NoError(t, err)
			assert.Equal(t, messages.StatusError, stored.Status)

			require.Eventually(t, func() bool { return len(hook.Settled()) == 1 }, waitFor, 5*time.Millisecond)
			assert.Equal(t, messages.StatusError, hook.Settled()[0].Status)
		})
	}
}

func TestOrchestrator_Truncation(t *testing.T) {
	long := strings.Repeat("word ", 20)
	seed := func(t *testing.T, o *Orchestrator) {
		t.Helper()
		ctx := context.Background()
		old := messages.NewUser("topic", long)
		require.NoError(t, o.Store().AppendOrReplace(ctx, "topic", old))
		answer := messages.NewAssistant("topic", old.ID, "m")
		answer.Status = messages.StatusSuccess
		answer.Content = long
		require.NoError(t, o.Store().AppendOrReplace(ctx, "topic", answer))
	}

	tests := []struct {
		name      string
		estimator tokens.Estimator
		assistant *assistant.Assistant
		wantSent  int
	}{
		{"budget drops old turns", wordCount, assistant.New(assistant.ContextCount(1)), 1},
		{"unlimited sends everything", wordCount, assistant.New(assistant.ContextCount(assistant.UnlimitedContextCount)), 3},
		{
			"estimator failure sends everything",
			tokens.EstimatorFunc(func(string) (int, error) { return 0, errors.New("no tokenizer") }),
			assistant.New(assistant.ContextCount(1)),
			3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &scriptedProvider{script: chunks("ok")}
			o := New(
				WithStore(memory.New()),
				WithEstimator(tt.estimator),
				WithTokensPerTurn(10),
				WithProvider(assistant.DefaultProvider, p),
			)
			seed(t, o)

			reply, err := await(t, o.Send(context.Background(), "topic", messages.NewUser("topic", "hi"), tt.assistant))
			require.NoError(t, err)
			assert.Equal(t, messages.StatusSuccess, reply.Status)

			calls := p.Calls()
			require.Len(t, calls, 1)
			require.Len(t, calls[0].Messages, tt.wantSent)
			assert.Equal(t, provider.Message{Role: messages.RoleUser, Content: "hi"}, calls[0].Messages[len(calls[0].Messages)-1])
		})
	}
}

func TestOrchestrator_Resend(t *testing.T) {
	var n atomic.Int32
	p := &scriptedProvider{}
	p.script = func(ctx context.Context, params provider.CompletionParams, out chan<- provider.StreamEvent) {
		answers := []string{"first", "second", "third"}
		emit(ctx, out, provider.Chunk{TextDelta: answers[n.Add(1)-1]})
	}
	o := newOrchestrator(t, p)
	a := assistant.New()

	user := messages.NewUser("topic", "question")
	original, err := await(t, o.Send(context.Background(), "topic", user, a))
	require.NoError(t, err)
	assert.Equal(t, "first", original.Content)

	t.Run("from the assistant reply", func(t *testing.T) {
		again, err := await(t, o.Resend(context.Background(), original, a))
		require.NoError(t, err)
		assert.Equal(t, original.ID, again.ID, "the new reply takes the old one's place")
		assert.Equal(t, user.ID, again.AskID)
		assert.Equal(t, "second", again.Content)

		stored, err := o.Store().GetMessage(context.Background(), "topic", original.ID)
		require.NoError(t, err)
		assert.Equal(t, "second", stored.Content)

		// the old reply is not part of the context of the new one
		calls := p.Calls()
		assert.Equal(t, []provider.Message{{Role: messages.RoleUser, Content: "question"}}, calls[len(calls)-1].Messages)
	})

	t.Run("from the user message", func(t *testing.T) {
		stored, err := o.Store().GetMessage(context.Background(), "topic", user.ID)
		require.NoError(t, err)

		again, err := await(t, o.Resend(context.Background(), stored, a))
		require.NoError(t, err)
		assert.Equal(t, "third", again.Content)

		history, err := o.Store().GetHistory(context.Background(), "topic")
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, user.ID, history[0].ID)
		assert.Equal(t, again.ID, history[1].ID)
	})

	t.Run("unknown message", func(t *testing.T) {
		_, err := await(t, o.Resend(context.Background(), messages.NewUser("topic", "ghost"), a))
		require.Error(t, err)
	})

	t.Run("no conversation", func(t *testing.T) {
		_, err := await(t, o.Resend(context.Background(), messages.Message{ID: "x", Role: messages.RoleUser}, a))
		require.Error(t, err)
	})
}

func TestOrchestrator_Resend_KeepsPosition(t *testing.T) {
	p := &scriptedProvider{}
	p.script = func(ctx context.Context, params provider.CompletionParams, out chan<- provider.StreamEvent) {
		last := params.Messages[len(params.Messages)-1]
		emit(ctx, out, provider.Chunk{TextDelta: "re: " + last.Content + " #" + strconv.Itoa(len(p.Calls()))})
	}
	o := newOrchestrator(t, p)
	a := assistant.New(assistant.ContextCount(assistant.UnlimitedContextCount))
	send := func(content string) messages.Message {
		t.Helper()
		reply, err := await(t, o.Send(context.Background(), "topic", messages.NewUser("topic", content), a))
		require.NoError(t, err)
		return reply
	}

	first := send("one")
	second := send("two")

	again, err := await(t, o.Resend(context.Background(), first, a))
	require.NoError(t, err)
	assert.Equal(t, "re: one #3", again.Content)

	third := send("three")

	history, err := o.Store().GetHistory(context.Background(), "topic")
	require.NoError(t, err)
	var got []string
	for _, m := range history {
		got = append(got, string(m.Role)+":"+m.Content)
	}
	assert.Equal(t, []string{
		"user:one", "assistant:re: one #3",
		"user:two", "assistant:" + second.Content,
		"user:three", "assistant:" + third.Content,
	}, got)

	calls := p.Calls()
	assert.Equal(t, []provider.Message{
		{Role: messages.RoleUser, Content: "one"},
		{Role: messages.RoleAssistant, Content: "re: one #3"},
		{Role: messages.RoleUser, Content: "two"},
		{Role: messages.RoleAssistant, Content: second.Content},
		{Role: messages.RoleUser, Content: "three"},
	}, calls[len(calls)-1].Messages)

	t.Run("duplicate replies collapse into one", func(t *testing.T) {
		extra := messages.NewAssistant("topic", first.AskID, assistant.DefaultModel)
		extra.Content = "stale"
		extra.Status = messages.StatusSuccess
		require.NoError(t, o.Store().AppendOrReplace(context.Background(), "topic", extra))

		_, err := await(t, o.Resend(context.Background(), again, a))
		require.NoError(t, err)

		history, err := o.Store().GetHistory(context.Background(), "topic")
		require.NoError(t, err)
		require.Len(t, history, 6)
		assert.Equal(t, first.ID, history[1].ID)
		for _, m := range history {
			assert.NotEqual(t, extra.ID, m.ID)
		}
	})
}

// gatedStore holds the commit of a successful reply until release is closed.
type gatedStore struct {
	store.Store
	blocked chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gatedStore) AppendOrReplace(ctx context.Context, conversationID string, msg messages.Message) error {
	if msg.Role == messages.RoleAssistant && msg.Status == messages.StatusSuccess {
		s.once.Do(func() { close(s.blocked) })
		<-s.release
	}
	return s.Store.AppendOrReplace(ctx, conversationID, msg)
}

func TestOrchestrator_Pause_DuringCommit(t *testing.T) {
	gate := &gatedStore{Store: memory.New(), blocked: make(chan struct{}), release: make(chan struct{})}
	o := New(
		WithStore(gate),
		WithEstimator(wordCount),
		WithPersistInterval(0),
		WithProvider(assistant.DefaultProvider, &scriptedProvider{script: chunks("all ", "done")}),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = o.Close(ctx)
	})
	hook := subscribe(t, o, "topic")

	f := o.Send(context.Background(), "topic", messages.NewUser("topic", "hi"), assistant.New())

	select {
	case <-gate.blocked:
	case <-time.After(waitFor):
		close(gate.release)
		t.Fatal("the reply was never committed")
	}

	var streamed messages.Message
	require.Eventually(t, func() bool {
		var ok bool
		streamed, ok = hook.updatedWith(func(m messages.Message) bool { return m.Content == "all done" })
		return ok
	}, waitFor, 5*time.Millisecond)

	assert.False(t, o.InFlight(streamed.ID))
	assert.False(t, o.Pause(streamed.ID), "a reply whose stream ended can't be paused")
	assert.False(t, o.PauseConversation("topic"))
	close(gate.release)

	reply, err := await(t, f)
	require.NoError(t, err)
	assert.Equal(t, messages.StatusSuccess, reply.Status)
	assert.Equal(t, "all done", reply.Content)

	stored, err := o.Store().GetMessage(context.Background(), "topic", reply.ID)
	require.NoError(t, err)
	assert.Equal(t, messages.StatusSuccess, stored.Status)

	_, sawPaused := hook.updatedWith(func(m messages.Message) bool { return m.Status == messages.StatusPaused })
	assert.False(t, sawPaused)
}

func TestInflight_Pause(t *testing.T) {
	tests := []struct {
		name       string
		finished   bool
		cancelled  bool
		wantPause  bool
		wantPaused bool
	}{
		{name: "while streaming", cancelled: true, wantPause: true, wantPaused: true},
		{name: "no cancellation handle", cancelled: false},
		{name: "after the stream ended", finished: true, cancelled: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			track := &inflight{askID: "ask"}
			if tt.finished {
				assert.False(t, track.finish())
			}
			var calls int
			got := track.pause(func() bool {
				calls++
				return tt.cancelled
			})
			assert.Equal(t, tt.wantPause, got)
			if tt.finished {
				assert.Zero(t, calls, "nothing is cancelled once the stream ended")
			}
			assert.Equal(t, tt.wantPaused, track.finish())
		})
	}
}

func TestOrchestrator_WebSearch(t *testing.T) {
	tests := []struct {
		name     string
		searcher WebSearcherFunc
		want     *messages.WebSearch
	}{
		{
			name: "attaches results",
			searcher: func(_ context.Context, query string) (*messages.WebSearch, error) {
				return &messages.WebSearch{Query: query, Source: "test"}, nil
			},
			want: &messages.WebSearch{Query: "latest go release", Source: "test"},
		},
		{
			name: "failure is skipped",
			searcher: func(context.Context, string) (*messages.WebSearch, error) {
				return nil, errors.New("search is down")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &scriptedProvider{script: chunks("answer")}
			o := New(
				WithStore(memory.New()),
				WithEstimator(wordCount),
				WithWebSearcher(tt.searcher),
				WithProvider(assistant.DefaultProvider, p),
			)
			hook := subscribe(t, o, "topic")

			a := assistant.New(assistant.WebSearch(true))
			reply, err := await(t, o.Send(context.Background(), "topic", messages.NewUser("topic", "latest go release"), a))
			require.NoError(t, err)
			assert.Equal(t, messages.StatusSuccess, reply.Status)
			assert.Equal(t, "answer", reply.Content)

			if tt.want != nil {
				require.NotNil(t, reply.Metadata)
				assert.Equal(t, tt.want, reply.Metadata.WebSearch)
			} else {
				assert.True(t, reply.Metadata.Empty())
			}

			require.Eventually(t, func() bool {
				_, ok := hook.updatedWith(func(m messages.Message) bool { return m.Status == messages.StatusSearching })
				return ok
			}, waitFor, 5*time.Millisecond)
		})
	}
}

func TestOrchestrator_NonStreaming(t *testing.T) {
	p := &scriptedProvider{}
	p.script = func(ctx context.Context, params provider.CompletionParams, out chan<- provider.StreamEvent) {
		emit(ctx, out, provider.Response{
			RequestID: params.RequestID,
			Text:      "the whole answer",
			Usage:     &messages.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10},
		})
	}
	o := newOrchestrator(t, p)

	a := assistant.New(assistant.Stream(false))
	reply, err := await(t, o.Send(context.Background(), "topic", messages.NewUser("topic", "hi"), a))
	require.NoError(t, err)

	assert.Equal(t, messages.StatusSuccess, reply.Status)
	assert.Equal(t, "the whole answer", reply.Content)
	assert.Equal(t, &messages.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10}, reply.Usage)
	assert.Equal(t, int64(3), reply.Metrics.CompletionTokens)
	assert.Zero(t, reply.Metrics.TimeFirstTokenMs)
	assert.False(t, p.Calls()[0].Stream)
}

func TestOrchestrator_SystemPrompt(t *testing.T) {
	p := &scriptedProvider{script: chunks("ok")}
	now := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	o := New(
		WithStore(memory.New()),
		WithEstimator(wordCount),
		WithClock(func() time.Time { return now }),
		WithProvider(assistant.DefaultProvider, p),
	)

	a := assistant.New(
		assistant.Name("owl"),
		assistant.Prompt("You are {{.Assistant}} on {{.Model}}. Today is {{.Date}}."),
		assistant.Temperature(0.2),
		assistant.MaxTokens(256),
	)
	_, err := await(t, o.Send(context.Background(), "topic", messages.NewUser("topic", "hi"), a))
	require.NoError(t, err)

	calls := p.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "You are owl on gpt-4o-mini. Today is 2025-03-04.", calls[0].SystemPrompt)
	require.NotNil(t, calls[0].Temperature)
	assert.InDelta(t, 0.2, *calls[0].Temperature, 1e-9)
	assert.Nil(t, calls[0].TopP)
	assert.Equal(t, int64(256), calls[0].MaxTokens)
}

func TestOrchestrator_Close(t *testing.T) {
	o := newOrchestrator(t, &scriptedProvider{script: chunks("ok")})
	_, err := await(t, o.Send(context.Background(), "topic", messages.NewUser("topic", "hi"), assistant.New()))
	require.NoError(t, err)

	require.NoError(t, o.Close(context.Background()))

	_, err = await(t, o.Send(context.Background(), "topic", messages.NewUser("topic", "again"), assistant.New()))
	require.ErrorIs(t, err, taskqueue.ErrClosed)
}

func TestOrchestrator_Providers(t *testing.T) {
	o := New(
		WithProvider("openai", &scriptedProvider{}),
		WithProvider("local", &scriptedProvider{}),
	)
	assert.Equal(t, []string{"local", "openai"}, o.Providers())
}
