package broker

import (
	"context"

	"github.com/casualjim/hoot/events"
)

type Broker interface {
	Topic(context.Context, string) Topic
}

// Topic carries the live updates of a single conversation.
type Topic interface {
	Publish(context.Context, events.Event) error
	Subscribe(context.Context, events.Hook) (Subscription, error)
}

type Subscription interface {
	ID() string
	Unsubscribe()
}
