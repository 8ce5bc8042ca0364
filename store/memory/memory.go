// Package memory is an in-process Store, used by tests and by the CLI when no
// database is configured.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/casualjim/hoot/messages"
	"github.com/casualjim/hoot/store"
	"github.com/go-openapi/strfmt"
)

type Store struct {
	mu     sync.RWMutex
	topics map[string]*messages.Topic
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{topics: make(map[string]*messages.Topic)}
}

func (s *Store) GetHistory(_ context.Context, conversationID string) ([]messages.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	topic, ok := s.topics[conversationID]
	if !ok {
		return []messages.Message{}, nil
	}
	return cloneAll(topic.Messages), nil
}

func (s *Store) GetMessage(_ context.Context, conversationID, messageID string) (messages.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if topic, ok := s.topics[conversationID]; ok {
		if idx := indexOf(topic.Messages, messageID); idx >= 0 {
			return topic.Messages[idx].Clone(), nil
		}
	}
	return messages.Message{}, fmt.Errorf("message %s in %s: %w", messageID, conversationID, store.ErrNotFound)
}

func (s *Store) AppendOrReplace(_ context.Context, conversationID string, msg messages.Message) error {
	if conversationID == "" {
		return fmt.Errorf("conversation id is required")
	}
	if msg.ID == "" {
		return fmt.Errorf("message id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	topic := s.topic(conversationID)
	msg = msg.Clone()
	msg.ConversationID = conversationID
	if idx := indexOf(topic.Messages, msg.ID); idx >= 0 {
		topic.Messages[idx] = msg
	} else {
		topic.Messages = append(topic.Messages, msg)
	}
	topic.UpdatedAt = strfmt.DateTime(time.Now())
	return nil
}

func (s *Store) DeleteMessage(_ context.Context, conversationID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	topic, ok := s.topics[conversationID]
	if !ok {
		return fmt.Errorf("topic %s: %w", conversationID, store.ErrNotFound)
	}
	idx := indexOf(topic.Messages, messageID)
	if idx < 0 {
		return fmt.Errorf("message %s in %s: %w", messageID, conversationID, store.ErrNotFound)
	}
	topic.Messages = slices.Delete(topic.Messages, idx, idx+1)
	topic.UpdatedAt = strfmt.DateTime(time.Now())
	return nil
}

func (s *Store) SaveTopic(_ context.Context, t messages.Topic) error {
	if t.ID == "" {
		return fmt.Errorf("topic id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	topic := s.topic(t.ID)
	topic.Name = t.Name
	if !time.Time(t.CreatedAt).IsZero() {
		topic.CreatedAt = t.CreatedAt
	}
	topic.UpdatedAt = strfmt.DateTime(time.Now())
	return nil
}

func (s *Store) GetTopic(_ context.Context, id string) (messages.Topic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	topic, ok := s.topics[id]
	if !ok {
		return messages.Topic{}, fmt.Errorf("topic %s: %w", id, store.ErrNotFound)
	}
	result := *topic
	result.Messages = cloneAll(topic.Messages)
	return result, nil
}

func (s *Store) ListTopics(_ context.Context) ([]messages.Topic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]messages.Topic, 0, len(s.topics))
	for _, topic := range s.topics {
		t := *topic
		t.Messages = nil
		result = append(result, t)
	}
	slices.SortFunc(result, func(a, b messages.Topic) int {
		return time.Time(b.UpdatedAt).Compare(time.Time(a.UpdatedAt))
	})
	return result, nil
}

func (s *Store) Close() error {
	return nil
}

// topic returns the topic for id, creating it when missing. Callers hold the write lock.
func (s *Store) topic(id string) *messages.Topic {
	topic, ok := s.topics[id]
	if !ok {
		now := strfmt.DateTime(time.Now())
		topic = &messages.Topic{ID: id, CreatedAt: now, UpdatedAt: now}
		s.topics[id] = topic
	}
	return topic
}

func indexOf(msgs []messages.Message, id string) int {
	return slices.IndexFunc(msgs, func(m messages.Message) bool { return m.ID == id })
}

func cloneAll(msgs []messages.Message) []messages.Message {
	result := make([]messages.Message, len(msgs))
	for i, m := range msgs {
		result[i] = m.Clone()
	}
	return result
}
