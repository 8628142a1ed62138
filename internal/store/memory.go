package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"confgraph/internal/graph"
)

type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]graph.Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]graph.Record),
	}
}

// Put seeds the store outside of a transaction.
func (s *MemoryStore) Put(uri string, content []byte, modified time.Time) {
	uri = graph.CleanURI(uri)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[uri] = graph.Record{URI: uri, Content: append([]byte(nil), content...), Modified: modified}
}

func (s *MemoryStore) Load(_ context.Context) ([]graph.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]graph.Record, 0, len(s.data))
	for _, rec := range s.data {
		rec.Content = append([]byte(nil), rec.Content...)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out, nil
}

func (s *MemoryStore) ReloadContent(_ context.Context, uri string) ([]byte, error) {
	uri = graph.CleanURI(uri)
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.data[uri]
	if !ok {
		return nil, &graph.NotFoundError{URI: uri}
	}
	return append([]byte(nil), rec.Content...), nil
}

func (s *MemoryStore) WriteBackChanges(_ context.Context, changes []graph.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range changes {
		uri := graph.CleanURI(c.URI)
		if c.Kind == graph.ChangeDelete {
			delete(s.data, uri)
			continue
		}
		s.data[uri] = graph.Record{URI: uri, Content: append([]byte(nil), c.Content...), Modified: c.Modified}
	}
	return nil
}
