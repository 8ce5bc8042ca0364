package hoot

import (
	"context"
	"log/slog"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/hoot/internal/broker"
	"github.com/casualjim/hoot/internal/cancellation"
	"github.com/casualjim/hoot/internal/registry"
	"github.com/casualjim/hoot/internal/taskqueue"
	"github.com/casualjim/hoot/messages"
	"github.com/casualjim/hoot/pkg/slogx"
	"github.com/casualjim/hoot/provider"
	"github.com/casualjim/hoot/store"
	"github.com/casualjim/hoot/store/memory"
	"github.com/casualjim/hoot/tokens"
	"github.com/fogfish/opts"
	"github.com/nats-io/nats.go"
)

const (
	DefaultTokensPerTurn   = 1000
	DefaultPersistInterval = 250 * time.Millisecond
)

// WebSearcher looks up context for a user message before the provider is called.
type WebSearcher interface {
	Search(ctx context.Context, query string) (*messages.WebSearch, error)
}

type WebSearcherFunc func(ctx context.Context, query string) (*messages.WebSearch, error)

func (f WebSearcherFunc) Search(ctx context.Context, query string) (*messages.WebSearch, error) {
	return f(ctx, query)
}

// Orchestrator turns user messages into streamed assistant replies. Work for a
// conversation is serialized: a send or resend starts only after every earlier
// one for the same conversation committed its reply. Different conversations
// proceed independently.
type Orchestrator struct {
	store           store.Store
	broker          broker.Broker
	estimator       tokens.Estimator
	searcher        WebSearcher
	clock           func() time.Time
	tokensPerTurn   int
	persistInterval time.Duration
	providers       registry.Registry[provider.Provider]

	queue    *taskqueue.Queue[messages.Message]
	cancels  *cancellation.Registry
	inflight *haxmap.Map[string, *inflight]
	log      *slog.Logger
}

var (
	WithStore           = opts.ForName[Orchestrator, store.Store]("store")
	WithEstimator       = opts.ForName[Orchestrator, tokens.Estimator]("estimator")
	WithWebSearcher     = opts.ForName[Orchestrator, WebSearcher]("searcher")
	WithClock           = opts.ForName[Orchestrator, func() time.Time]("clock")
	WithTokensPerTurn   = opts.ForName[Orchestrator, int]("tokensPerTurn")
	WithPersistInterval = opts.ForName[Orchestrator, time.Duration]("persistInterval")
	WithBroker          = opts.ForName[Orchestrator, broker.Broker]("broker")
)

// WithProvider registers p under name. Assistants select it by that name.
func WithProvider(name string, p provider.Provider) opts.Option[Orchestrator] {
	return opts.Type[Orchestrator](func(o *Orchestrator) error {
		o.providers.Add(name, p)
		return nil
	})
}

// WithNATS publishes live updates on NATS instead of in process.
func WithNATS(conn *nats.Conn) opts.Option[Orchestrator] {
	return opts.Type[Orchestrator](func(o *Orchestrator) error {
		o.broker = broker.NATS(conn)
		return nil
	})
}

// New creates an orchestrator. Without options it keeps conversations in memory,
// delivers live updates in process and estimates tokens with tiktoken.
func New(options ...opts.Option[Orchestrator]) *Orchestrator {
	o := &Orchestrator{
		store:           memory.New(),
		broker:          broker.Local(),
		estimator:       tokens.Default(),
		clock:           time.Now,
		tokensPerTurn:   DefaultTokensPerTurn,
		persistInterval: DefaultPersistInterval,
		providers:       registry.New[provider.Provider](),
		queue:           taskqueue.New[messages.Message](),
		cancels:         cancellation.New(),
		inflight:        haxmap.New[string, *inflight](),
		log:             slog.Default().With(slogx.LoggerName("orchestrator")),
	}
	if err := opts.Apply(o, options); err != nil {
		panic(err)
	}
	return o
}

// Store returns the store the orchestrator commits to.
func (o *Orchestrator) Store() store.Store {
	return o.store
}

// Providers lists the registered provider names.
func (o *Orchestrator) Providers() []string {
	return o.providers.Names()
}

// Close stops accepting work and waits for queued completions to finish.
func (o *Orchestrator) Close(ctx context.Context) error {
	return o.queue.Close(ctx)
}
