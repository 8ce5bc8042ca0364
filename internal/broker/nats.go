package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/hoot/events"
	"github.com/casualjim/hoot/pkg/slogx"
	"github.com/casualjim/hoot/pkg/uuidx"
	"github.com/nats-io/nats.go"
)

// SubjectPrefix is prepended to the conversation id to form the NATS subject.
const SubjectPrefix = "hoot.topics."

type NATSBroker struct {
	client *nats.Conn
	topics *haxmap.Map[string, *natsTopic]
}

func NATS(client *nats.Conn) *NATSBroker {
	return &NATSBroker{
		client: client,
		topics: haxmap.New[string, *natsTopic](),
	}
}

func (b *NATSBroker) Topic(_ context.Context, id string) Topic {
	top, _ := b.topics.GetOrCompute(id, func() *natsTopic {
		return &natsTopic{
			subject: SubjectPrefix + id,
			client:  b.client,
		}
	})
	return top
}

type natsTopic struct {
	client  *nats.Conn
	subject string
}

func (t *natsTopic) Publish(ctx context.Context, event events.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	eb, err := events.ToJSON(event)
	if err != nil {
		return err
	}
	return t.client.Publish(t.subject, eb)
}

func (t *natsTopic) Subscribe(ctx context.Context, hook events.Hook) (Subscription, error) {
	if hook == nil {
		return nil, fmt.Errorf("hook is required")
	}

	sub := &natsSubscription{
		id:      uuidx.NewString(),
		ctx:     ctx,
		channel: make(chan events.Event, subscriptionBuffer),
		done:    make(chan struct{}),
	}
	nsub, err := t.client.Subscribe(t.subject, func(msg *nats.Msg) {
		event, err := events.FromJSON(msg.Data)
		if err != nil {
			slog.Error("failed to unmarshal event", slogx.LoggerName("broker"), slogx.Error(err))
			return
		}

		select {
		case sub.channel <- event:
		case <-sub.done:
		case <-ctx.Done():
		}

		if msg.Reply != "" {
			if nerr := msg.Ack(); nerr != nil {
				slog.Error("failed to ack message", slogx.LoggerName("broker"), slogx.Error(nerr))
			}
		}
	})
	if err != nil {
		return nil, err
	}
	sub.sub = nsub

	go sub.forwardToHook(hook)
	return sub, nil
}

type natsSubscription struct {
	id      string
	ctx     context.Context
	sub     *nats.Subscription
	channel chan events.Event
	done    chan struct{}
	once    sync.Once
}

func (n *natsSubscription) ID() string {
	return n.id
}

func (n *natsSubscription) Unsubscribe() {
	n.once.Do(func() {
		close(n.done)
		if err := n.sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe", slogx.Error(err), slog.String("subscription", n.id))
		}
	})
}

func (n *natsSubscription) forwardToHook(hook events.Hook) {
	for {
		select {
		case event := <-n.channel:
			events.Dispatch(n.ctx, hook, event)
		case <-n.done:
			return
		case <-n.ctx.Done():
			n.Unsubscribe()
			return
		}
	}
}
