// Package storetest holds the behaviour every store.Store implementation shares.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/casualjim/hoot/messages"
	"github.com/casualjim/hoot/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory creates an empty store for a single test.
type Factory func(t *testing.T) store.Store

type acceptanceTest struct {
	name string
	test func(t *testing.T, s store.Store)
}

// Run runs the acceptance tests against the stores created by factory.
func Run(t *testing.T, factory Factory) {
	tests := []acceptanceTest{
		{"unknown conversation has empty history", testEmptyHistory},
		{"appends in order", testAppendOrder},
		{"replaces in place", testReplaceInPlace},
		{"deletes messages", testDelete},
		{"gets single messages", testGetMessage},
		{"isolates conversations", testIsolation},
		{"scopes message ids to their conversation", testSharedIDs},
		{"returns copies", testCopies},
		{"saves and lists topics", testTopics},
		{"handles concurrent writers", testConcurrentWriters},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := factory(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.test(t, s)
		})
	}
}

func ids(msgs []messages.Message) []string {
	result := make([]string, len(msgs))
	for i, m := range msgs {
		result[i] = m.ID
	}
	return result
}

func testEmptyHistory(t *testing.T, s store.Store) {
	history, err := s.GetHistory(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func testAppendOrder(t *testing.T, s store.Store) {
	ctx := context.Background()
	user := messages.NewUser("topic", "hello")
	reply := messages.NewAssistant("topic", user.ID, "gpt")
	next := messages.NewUser("topic", "again")

	for _, m := range []messages.Message{user, reply, next} {
		require.NoError(t, s.AppendOrReplace(ctx, "topic", m))
	}

	history, err := s.GetHistory(ctx, "topic")
	require.NoError(t, err)
	assert.Equal(t, []string{user.ID, reply.ID, next.ID}, ids(history))
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, user.ID, history[1].AskID)
	assert.Equal(t, "topic", history[2].ConversationID)
}

func testReplaceInPlace(t *testing.T, s store.Store) {
	ctx := context.Background()
	user := messages.NewUser("topic", "hello")
	reply := messages.NewAssistant("topic", user.ID, "gpt")
	later := messages.NewUser("topic", "later")
	for _, m := range []messages.Message{user, reply, later} {
		require.NoError(t, s.AppendOrReplace(ctx, "topic", m))
	}

	reply.Content = "streamed"
	reply.Status = messages.StatusSuccess
	reply.Usage = &messages.Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3}
	reply.Metadata = &messages.Metadata{Citations: []messages.Citation{{Number: 1, URL: "https://a"}}}
	require.NoError(t, s.AppendOrReplace(ctx, "topic", reply))

	history, err := s.GetHistory(ctx, "topic")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, reply.ID, history[1].ID)
	assert.Equal(t, "streamed", history[1].Content)
	assert.Equal(t, messages.StatusSuccess, history[1].Status)
	assert.Equal(t, reply.Usage, history[1].Usage)
	assert.Equal(t, "https://a", history[1].Metadata.Citations[0].URL)
}

func testDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	user := messages.NewUser("topic", "hello")
	reply := messages.NewAssistant("topic", user.ID, "gpt")
	require.NoError(t, s.AppendOrReplace(ctx, "topic", user))
	require.NoError(t, s.AppendOrReplace(ctx, "topic", reply))

	require.NoError(t, s.DeleteMessage(ctx, "topic", reply.ID))
	history, err := s.GetHistory(ctx, "topic")
	require.NoError(t, err)
	assert.Equal(t, []string{user.ID}, ids(history))

	err = s.DeleteMessage(ctx, "topic", reply.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	err = s.DeleteMessage(ctx, "other", user.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testGetMessage(t *testing.T, s store.Store) {
	ctx := context.Background()
	user := messages.NewUser("topic", "hello")
	require.NoError(t, s.AppendOrReplace(ctx, "topic", user))

	got, err := s.GetMessage(ctx, "topic", user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
	assert.Equal(t, messages.RoleUser, got.Role)
	assert.WithinDuration(t, time.Time(user.CreatedAt), time.Time(got.CreatedAt), time.Millisecond)

	_, err = s.GetMessage(ctx, "topic", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testIsolation(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := messages.NewUser("a", "for a")
	b := messages.NewUser("b", "for b")
	require.NoError(t, s.AppendOrReplace(ctx, "a", a))
	require.NoError(t, s.AppendOrReplace(ctx, "b", b))

	history, err := s.GetHistory(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, ids(history))

	_, err = s.GetMessage(ctx, "a", b.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testSharedIDs(t *testing.T, s store.Store) {
	ctx := context.Background()
	first := messages.NewUser("a", "first in a")
	require.NoError(t, s.AppendOrReplace(ctx, "a", first))
	other := messages.NewUser("a", "second in a")
	require.NoError(t, s.AppendOrReplace(ctx, "a", other))

	same := first.Clone()
	same.Content = "in b"
	require.NoError(t, s.AppendOrReplace(ctx, "b", same))

	inA, err := s.GetMessage(ctx, "a", first.ID)
	require.NoError(t, err)
	assert.Equal(t, "first in a", inA.Content)
	assert.Equal(t, "a", inA.ConversationID)

	inB, err := s.GetMessage(ctx, "b", first.ID)
	require.NoError(t, err)
	assert.Equal(t, "in b", inB.Content)
	assert.Equal(t, "b", inB.ConversationID)

	history, err := s.GetHistory(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{first.ID, other.ID}, ids(history), "the copy in b does not move the message out of a")

	require.NoError(t, s.DeleteMessage(ctx, "b", first.ID))
	_, err = s.GetMessage(ctx, "a", first.ID)
	require.NoError(t, err, "deleting from b leaves a alone")
}

func testCopies(t *testing.T, s store.Store) {
	ctx := context.Background()
	msg := messages.NewUser("topic", "original")
	require.NoError(t, s.AppendOrReplace(ctx, "topic", msg))

	msg.Content = "mutated after save"
	history, err := s.GetHistory(ctx, "topic")
	require.NoError(t, err)
	assert.Equal(t, "original", history[0].Content)

	history[0].Content = "mutated after load"
	again, err := s.GetHistory(ctx, "topic")
	require.NoError(t, err)
	assert.Equal(t, "original", again[0].Content)
}

func testTopics(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.GetTopic(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	first := messages.NewTopic("first")
	require.NoError(t, s.SaveTopic(ctx, first))
	time.Sleep(5 * time.Millisecond)
	second := messages.NewTopic("second")
	require.NoError(t, s.SaveTopic(ctx, second))

	topics, err := s.ListTopics(ctx)
	require.NoError(t, err)
	require.Len(t, topics, 2)
	assert.Equal(t, second.ID, topics[0].ID)

	time.Sleep(5 * time.Millisecond)
	msg := messages.NewUser(first.ID, "bump")
	require.NoError(t, s.AppendOrReplace(ctx, first.ID, msg))

	topics, err = s.ListTopics(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, topics[0].ID, "writing a message bumps the topic")
	assert.Equal(t, "first", topics[0].Name)
	assert.Empty(t, topics[0].Messages)

	got, err := s.GetTopic(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Name)
	assert.Equal(t, []string{msg.ID}, ids(got.Messages))
	assert.False(t, time.Time(got.UpdatedAt).Before(time.Time(got.CreatedAt)))

	first.Name = "renamed"
	require.NoError(t, s.SaveTopic(ctx, first))
	got, err = s.GetTopic(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Len(t, got.Messages, 1, "renaming keeps the messages")
}

func testConcurrentWriters(t *testing.T, s store.Store) {
	ctx := context.Background()
	const conversations, perConversation = 4, 10

	var wg sync.WaitGroup
	for c := range conversations {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("topic-%d", c)
			for i := range perConversation {
				assert.NoError(t, s.AppendOrReplace(ctx, id, messages.NewUser(id, fmt.Sprintf("msg %d", i))))
			}
		}()
	}
	wg.Wait()

	for c := range conversations {
		history, err := s.GetHistory(ctx, fmt.Sprintf("topic-%d", c))
		require.NoError(t, err)
		require.Len(t, history, perConversation)
		for i, m := range history {
			assert.Equal(t, fmt.Sprintf("msg %d", i), m.Content)
		}
	}
}
