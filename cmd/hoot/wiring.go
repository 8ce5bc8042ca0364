package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/casualjim/hoot"
	"github.com/casualjim/hoot/assistant"
	"github.com/casualjim/hoot/config"
	"github.com/casualjim/hoot/pkg/natsx"
	"github.com/casualjim/hoot/provider"
	"github.com/casualjim/hoot/provider/openai"
	"github.com/casualjim/hoot/provider/replay"
	"github.com/casualjim/hoot/store"
	"github.com/casualjim/hoot/store/memory"
	"github.com/casualjim/hoot/store/sqlite"
	"github.com/fogfish/opts"
	"github.com/openai/openai-go/option"
)

// replayDelay paces replayed events so streaming stays visible.
const replayDelay = 15 * time.Millisecond

// app holds everything a command needs and knows how to tear it down.
type app struct {
	orchestrator *hoot.Orchestrator
	assistant    *assistant.Assistant
	store        store.Store
	closers      []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{assistant: cfg.NewAssistant()}
	defer func() {
		if err != nil {
			err = errors.Join(err, a.closeResources())
		}
	}()

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, st.Close)

	p, err := a.newProvider(cfg.Provider)
	if err != nil {
		return nil, err
	}

	options := []opts.Option[hoot.Orchestrator]{
		hoot.WithStore(st),
		hoot.WithProvider(cfg.Provider.Name, p),
		hoot.WithTokensPerTurn(cfg.Orchestrator.TokensPerTurn),
		hoot.WithPersistInterval(cfg.Orchestrator.PersistInterval),
	}
	if cfg.Broker.Driver == config.BrokerNATS {
		conn, err := natsx.NewClient(cfg.Broker.URL)
		if err != nil {
			return nil, fmt.Errorf("connect to nats: %w", err)
		}
		a.closers = append(a.closers, conn.Drain)
		options = append(options, hoot.WithNATS(conn))
	}

	a.orchestrator = hoot.New(options...)
	return a, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.StoreSQLite:
		return sqlite.Open(ctx, cfg.Path)
	case config.StoreMemory, "":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func (a *app) newProvider(cfg config.ProviderConfig) (provider.Provider, error) {
	if replayPath != "" {
		p, err := replay.Open(replayPath)
		if err != nil {
			return nil, err
		}
		return p.WithDelay(replayDelay), nil
	}

	var options []option.RequestOption
	if cfg.APIKey != "" {
		options = append(options, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	options = append(options, option.WithMaxRetries(cfg.MaxRetries))
	var p provider.Provider = openai.New(options...)

	if recordPath != "" {
		f, err := os.OpenFile(recordPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open recording: %w", err)
		}
		a.closers = append(a.closers, f.Close)
		p = replay.NewRecorder(p, f)
	}
	return p, nil
}

// Close waits for in-flight replies and releases the store and connections.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.orchestrator != nil {
		errs = append(errs, a.orchestrator.Close(ctx))
	}
	errs = append(errs, a.closeResources())
	return errors.Join(errs...)
}

func (a *app) closeResources() error {
	var errs []error
	for _, closeFn := range slices.Backward(a.closers) {
		errs = append(errs, closeFn())
	}
	a.closers = nil
	return errors.Join(errs...)
}
