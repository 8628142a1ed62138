// Package app assembles a store, the artifact graph and the deployment
// coordinator from a Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"confgraph/internal/compiler"
	"confgraph/internal/config"
	"confgraph/internal/deploy"
	"confgraph/internal/graph"
	"confgraph/internal/store"
	"confgraph/internal/workerpool"
)

// ErrNotWatchable is returned by Watch when the store has no directory to
// observe.
var ErrNotWatchable = errors.New("store does not support watching")

type App struct {
	cfg         *config.Config
	store       *openedStore
	grammars    *compiler.GrammarPool
	coordinator *deploy.Coordinator
	logger      *slog.Logger
}

// New opens the configured store, loads and validates the whole graph and
// publishes it through a fresh coordinator.
func New(ctx context.Context, cfg *config.Config, opts ...deploy.Option) (*App, error) {
	logger := slog.Default().With("component", "app.App")

	opened, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	grammars, err := compiler.NewGrammarPool(cfg.GrammarCacheSize, cfg.GrammarWait)
	if err != nil {
		closeStore(opened, logger)
		return nil, fmt.Errorf("failed to create grammar pool: %w", err)
	}

	fs := graph.New(opened.store,
		graph.WithCompilers(compiler.Default(grammars)),
		graph.WithPool(workerpool.New(cfg.ValidationWorkers)),
		graph.WithCatalog(cfg.CatalogPrefix),
	)
	start := time.Now()
	n, err := fs.Load(ctx)
	if err != nil {
		closeStore(opened, logger)
		return nil, fmt.Errorf("failed to load artifacts: %w", err)
	}
	if err := fs.ValidateAll(ctx); err != nil {
		closeStore(opened, logger)
		return nil, fmt.Errorf("failed to validate artifacts: %w", err)
	}
	dehydrated := fs.DehydrateArtifacts()
	logger.Info("artifact graph ready", "artifacts", n, "dehydrated", dehydrated, "duration", time.Since(start))

	opts = append([]deploy.Option{deploy.WithLockTimeout(cfg.LockTimeout)}, opts...)
	return &App{
		cfg:         cfg,
		store:       opened,
		grammars:    grammars,
		coordinator: deploy.NewCoordinator(fs, opts...),
		logger:      logger,
	}, nil
}

func (a *App) Coordinator() *deploy.Coordinator { return a.coordinator }

func (a *App) GrammarStats() compiler.GrammarStats { return a.grammars.Stats() }

// StoreMetrics reports content cache counters. ok is false when the store is
// not cached.
func (a *App) StoreMetrics() (m store.MetricsSnapshot, ok bool) {
	cached, ok := a.store.store.(*store.CachedStore)
	if !ok {
		return m, false
	}
	return cached.Metrics(), true
}

// Watch feeds changes under the directory store root into the coordinator
// until ctx is done. Each debounced batch becomes one transaction; a failed
// batch is logged and the live graph stays as it was.
func (a *App) Watch(ctx context.Context, debounce time.Duration) error {
	if a.store.dir == nil {
		return ErrNotWatchable
	}
	return a.store.dir.Watch(ctx, debounce, func(batch []store.FileEvent) {
		events := make([]deploy.Event, 0, len(batch))
		for _, fe := range batch {
			events = append(events, deploy.Event{URI: fe.URI, Content: fe.Content, Delete: fe.Removed})
		}
		res, err := a.coordinator.Sync(ctx, events)
		if err != nil {
			a.logger.Warn("watched changes rejected", "events", len(events), "error", err)
			return
		}
		a.logger.Info("watched changes deployed", "tx", res.TxID, "changes", res.Changes)
	})
}

func (a *App) Close() error {
	if a.store.closer == nil {
		return nil
	}
	return a.store.closer.Close()
}

func closeStore(s *openedStore, logger *slog.Logger) {
	if s.closer == nil {
		return
	}
	if err := s.closer.Close(); err != nil {
		logger.Warn("failed to close store", "error", err)
	}
}
