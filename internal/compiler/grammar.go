package compiler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Ref is a reference found in an artifact and the line it was found on.
type Ref struct {
	Target string
	Line   int
}

type GrammarStats struct {
	Hits     uint64
	Misses   uint64
	Timeouts uint64
}

// GrammarPool caches the reference lists of compiled grammars by uri and
// fingerprint. Concurrent compiles of the same grammar share one producer.
// The caller that starts the producer waits for it; any other caller gives
// up after the configured wait and compiles inline.
type GrammarPool struct {
	cache  *lru.Cache[string, []Ref]
	group  singleflight.Group
	wait   time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	leading map[string]*grammarLeader

	hits     atomic.Uint64
	misses   atomic.Uint64
	timeouts atomic.Uint64
}

// grammarLeader marks the caller whose producer is running for a key.
type grammarLeader struct {
	uri string
}

// NewGrammarPool returns a pool holding up to size grammars. A wait of zero
// or less waits for the shared producer indefinitely.
func NewGrammarPool(size int, wait time.Duration) (*GrammarPool, error) {
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, []Ref](size)
	if err != nil {
		return nil, fmt.Errorf("grammar cache: %w", err)
	}
	return &GrammarPool{
		cache:   cache,
		wait:    wait,
		logger:  slog.Default().With("component", "compiler.GrammarPool"),
		leading: make(map[string]*grammarLeader),
	}, nil
}

func (p *GrammarPool) Stats() GrammarStats {
	return GrammarStats{
		Hits:     p.hits.Load(),
		Misses:   p.misses.Load(),
		Timeouts: p.timeouts.Load(),
	}
}

// Refs returns the cached references for uri at fingerprint, running produce
// on a miss.
func (p *GrammarPool) Refs(ctx context.Context, uri string, fingerprint uint32, produce func() ([]Ref, error)) ([]Ref, error) {
	key := fmt.Sprintf("%s@%08x", uri, fingerprint)
	if refs, ok := p.cache.Get(key); ok {
		p.hits.Add(1)
		return refs, nil
	}
	p.misses.Add(1)

	// The call is registered with the group while mu is held, so a caller
	// that finds key in leading always joins the running producer.
	p.mu.Lock()
	_, waiter := p.leading[key]
	token := &grammarLeader{uri: uri}
	if !waiter {
		p.leading[key] = token
	}
	release := func() {
		p.mu.Lock()
		if p.leading[key] == token {
			delete(p.leading, key)
		}
		p.mu.Unlock()
	}
	ch := p.group.DoChan(key, func() (any, error) {
		defer release()
		refs, err := produce()
		if err != nil {
			return nil, err
		}
		p.cache.Add(key, refs)
		return refs, nil
	})
	p.mu.Unlock()
	if !waiter {
		// A call that was already finishing may have been joined instead.
		defer release()
	}

	var timeout <-chan time.Time
	if waiter && p.wait > 0 {
		timer := time.NewTimer(p.wait)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]Ref), nil
	case <-timeout:
		p.timeouts.Add(1)
		p.logger.Warn("grammar wait timed out, compiling inline", "uri", uri, "wait", p.wait)
		return produce()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
