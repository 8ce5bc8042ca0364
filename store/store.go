// Package store defines the persistence boundary for topics and their messages.
//
// Implementations keep messages of a topic in insertion order. Replacing a
// message keeps its original position, so a placeholder that is rewritten while
// it streams stays where it was appended.
package store

import (
	"context"
	"errors"

	"github.com/casualjim/hoot/messages"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	// GetHistory returns the messages of a conversation in order. An unknown
	// conversation has an empty history.
	GetHistory(ctx context.Context, conversationID string) ([]messages.Message, error)

	// GetMessage returns a single message or ErrNotFound.
	GetMessage(ctx context.Context, conversationID, messageID string) (messages.Message, error)

	// AppendOrReplace stores msg, replacing the message with the same id in place
	// or appending it. The conversation is created when it doesn't exist yet.
	AppendOrReplace(ctx context.Context, conversationID string, msg messages.Message) error

	// DeleteMessage removes a message, returning ErrNotFound when it doesn't exist.
	DeleteMessage(ctx context.Context, conversationID, messageID string) error

	// SaveTopic creates or renames a topic.
	SaveTopic(ctx context.Context, topic messages.Topic) error

	// GetTopic returns the topic with its messages.
	GetTopic(ctx context.Context, id string) (messages.Topic, error)

	// ListTopics returns all topics without their messages, most recently updated first.
	ListTopics(ctx context.Context) ([]messages.Topic, error)

	Close() error
}
