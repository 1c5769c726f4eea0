package main

import (
	"context"
	"fmt"

	"github.com/seantiz/stellarsim/internal/archive"
	"github.com/seantiz/stellarsim/internal/config"
	"github.com/seantiz/stellarsim/internal/engine"
	"github.com/seantiz/stellarsim/internal/events"
	"github.com/seantiz/stellarsim/internal/store"
)

// app holds the wired components shared by serve and sweep.
type app struct {
	store  store.Store
	broker *events.Broker
	engine *engine.Engine
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	db, err := store.Open(ctx, cfg.StoreOptions())
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	sink, err := cfg.ArchiveSink()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("opening archive: %w", err)
	}

	opts := engine.Options{
		TimeUnit:      cfg.Engine.TimeUnit,
		MaxConcurrent: cfg.Engine.MaxConcurrent,
	}
	if sink != nil {
		opts.Sink = archive.New(sink)
	}

	broker := events.NewBroker()
	s := store.WithNotifications(db, broker)

	return &app{
		store:  s,
		broker: broker,
		engine: engine.New(s, log, opts),
	}, nil
}

func (a *app) Close() {
	a.engine.Wait()
	a.broker.Close()
	if err := a.store.Close(); err != nil {
		log.WithError(err).Warn("Failed to close store")
	}
}
