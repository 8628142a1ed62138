package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"confgraph/internal/config"
	"confgraph/internal/graph"
	"confgraph/internal/store"
)

// openedStore is the backing store plus whatever must be closed with it.
type openedStore struct {
	store  graph.Store
	dir    *store.DirStore
	closer io.Closer
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*openedStore, error) {
	var (
		origin graph.Store
		opened = &openedStore{}
	)
	switch cfg.Store {
	case config.StoreMemory:
		origin = store.NewMemoryStore()
	case config.StorePostgres:
		pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL, cfg.Env)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		origin, opened.closer = pg, pg
	case config.StoreS3:
		s3, err := store.NewS3Store(cfg.S3, cfg.Env)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize s3 store: %w", err)
		}
		origin = s3
	case config.StoreBadger:
		bcfg := store.DefaultBadgerConfig(cfg.BadgerPath)
		bcfg.Logger = logger
		bs, err := store.OpenBadger(bcfg, cfg.Env)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger store: %w", err)
		}
		origin, opened.closer = bs, bs
	case config.StoreDir:
		ds, err := store.NewDirStore(cfg.DirRoot)
		if err != nil {
			return nil, fmt.Errorf("failed to open directory store: %w", err)
		}
		origin, opened.dir = ds, ds
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
	logger.Info("artifact store opened", "store", cfg.Store, "environment", cfg.Env)

	// The memory store is its own cache.
	if cfg.Store == config.StoreMemory {
		opened.store = origin
		return opened, nil
	}
	opened.store = store.NewCachedStore(origin, cfg.Cache)
	return opened, nil
}
