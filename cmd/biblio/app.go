package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/gafsiahmed/biblio-managment-system/internal/cache"
	"github.com/gafsiahmed/biblio-managment-system/internal/config"
	"github.com/gafsiahmed/biblio-managment-system/internal/lending"
	"github.com/gafsiahmed/biblio-managment-system/internal/notify"
	"github.com/gafsiahmed/biblio-managment-system/internal/store/pg"
	"github.com/gafsiahmed/biblio-managment-system/internal/stream"
)

// app holds the wired core shared by the commands.
type app struct {
	store   lending.Store
	pinger  interface{ Ping(context.Context) error }
	svc     *lending.Service
	hub     *stream.Hub
	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

// buildApp opens the store and wires the notifiers and the position cache.
func buildApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{hub: stream.New()}

	if cfg.PGDSN != "" {
		st, err := pg.Open(cfg.PGDSN, pg.WithLockTimeout(cfg.LockTimeout))
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := st.Ping(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		a.store, a.pinger = st, st
		a.closers = append(a.closers, st.Close)
		logger.Info("using postgres store")
	} else {
		mem := lending.NewMemoryStore(lending.WithLockTimeout(cfg.LockTimeout))
		a.store = mem
		logger.Warn("BIBLIO_PG_DSN not set, using the in-memory store")
	}

	notifiers := notify.Fanout{notify.NewLog(logger), a.hub}
	if len(cfg.Kafka.Brokers) > 0 {
		k, err := notify.NewKafka(cfg.Kafka, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		notifiers = append(notifiers, k)
		a.closers = append(a.closers, k.Close)
	}

	positions := cache.New(ctx, cfg.Redis, logger)
	if c, ok := positions.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}

	a.svc = lending.NewService(a.store,
		lending.WithPolicy(cfg.Policy),
		lending.WithNotifier(notifiers),
		lending.WithPositionCache(positions, cfg.PositionTTL),
		lending.WithLogger(logger),
	)
	return a, nil
}
