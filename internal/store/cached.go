package store

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"confgraph/internal/graph"
)

type CacheConfig struct {
	TTL        time.Duration
	MaxEntries int
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:        5 * time.Minute,
		MaxEntries: 1024,
	}
}

type MetricsSnapshot struct {
	Hits           uint64
	Misses         uint64
	OriginReads    uint64
	OriginWrites   uint64
	OriginReadErr  uint64
	OriginWriteErr uint64
}

type Metrics struct {
	hits           atomic.Uint64
	misses         atomic.Uint64
	originReads    atomic.Uint64
	originWrites   atomic.Uint64
	originReadErr  atomic.Uint64
	originWriteErr atomic.Uint64
}

func (m *Metrics) snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	return MetricsSnapshot{
		Hits:           m.hits.Load(),
		Misses:         m.misses.Load(),
		OriginReads:    m.originReads.Load(),
		OriginWrites:   m.originWrites.Load(),
		OriginReadErr:  m.originReadErr.Load(),
		OriginWriteErr: m.originWriteErr.Load(),
	}
}

// CachedStore puts a read-through content cache in front of another store so
// that rehydrating a dehydrated node rarely reaches the origin.
type CachedStore struct {
	origin  graph.Store
	content *expirable.LRU[string, []byte]
	metrics Metrics
}

func NewCachedStore(origin graph.Store, cfg CacheConfig) *CachedStore {
	def := DefaultCacheConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	return &CachedStore{
		origin:  origin,
		content: expirable.NewLRU[string, []byte](cfg.MaxEntries, nil, cfg.TTL),
	}
}

// Load always reads the origin; the cache only serves reloads.
func (s *CachedStore) Load(ctx context.Context) ([]graph.Record, error) {
	s.metrics.originReads.Add(1)
	records, err := s.origin.Load(ctx)
	if err != nil {
		s.metrics.originReadErr.Add(1)
		return nil, err
	}
	s.content.Purge()
	return records, nil
}

func (s *CachedStore) ReloadContent(ctx context.Context, uri string) ([]byte, error) {
	if raw, ok := s.content.Get(uri); ok {
		s.metrics.hits.Add(1)
		return append([]byte(nil), raw...), nil
	}
	s.metrics.misses.Add(1)
	s.metrics.originReads.Add(1)

	raw, err := s.origin.ReloadContent(ctx, uri)
	if err != nil {
		s.metrics.originReadErr.Add(1)
		return nil, err
	}
	copied := append([]byte(nil), raw...)
	s.content.Add(uri, copied)
	return append([]byte(nil), copied...), nil
}

func (s *CachedStore) WriteBackChanges(ctx context.Context, changes []graph.Change) error {
	s.metrics.originWrites.Add(1)
	if err := s.origin.WriteBackChanges(ctx, changes); err != nil {
		s.metrics.originWriteErr.Add(1)
		for _, c := range changes {
			s.content.Remove(c.URI)
		}
		return err
	}
	for _, c := range changes {
		if c.Kind == graph.ChangeDelete {
			s.content.Remove(c.URI)
			continue
		}
		s.content.Add(c.URI, append([]byte(nil), c.Content...))
	}
	return nil
}

func (s *CachedStore) Metrics() MetricsSnapshot {
	if s == nil {
		return MetricsSnapshot{}
	}
	return s.metrics.snapshot()
}
