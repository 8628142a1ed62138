// Package deploy runs deployment transactions against the live artifact
// graph. One transaction runs at a time; readers load the live graph without
// locking and never see a graph that is still being changed.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"confgraph/internal/graph"
)

// ErrDeploymentBusy is returned when the deployment lock could not be taken
// within the lock timeout.
var ErrDeploymentBusy = errors.New("deployment busy")

const DefaultLockTimeout = 30 * time.Second

// Result summarizes a committed transaction.
type Result struct {
	TxID           string
	Op             string
	Changes        int
	Services       []string
	Infrastructure []string
	Deleted        []string
	Swept          []string
	RootEmpty      bool
	Dehydrated     int
	Duration       time.Duration
}

// Event is one change from an external source such as a watched directory.
type Event struct {
	URI     string
	Content []byte
	Delete  bool
}

type Coordinator struct {
	lock        *semaphore.Weighted
	lockTimeout time.Duration
	live        atomic.Pointer[graph.FileSystem]
	binder      Binder
	logger      *slog.Logger
}

type Option func(*Coordinator)

func WithLockTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.lockTimeout = d
		}
	}
}

func WithBinder(b Binder) Option {
	return func(c *Coordinator) {
		if b != nil {
			c.binder = b
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCoordinator publishes live as the initial graph.
func NewCoordinator(live *graph.FileSystem, opts ...Option) *Coordinator {
	c := &Coordinator{
		lock:        semaphore.NewWeighted(1),
		lockTimeout: DefaultLockTimeout,
		logger:      slog.Default().With("component", "deploy.Coordinator"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.binder == nil {
		c.binder = LogBinder{Logger: c.logger}
	}
	c.live.Store(live)
	return c
}

// Live returns the published graph. Callers must treat it as read-only.
func (c *Coordinator) Live() *graph.FileSystem {
	return c.live.Load()
}

func (c *Coordinator) DeployBundle(ctx context.Context, r io.ReaderAt, size int64) (*Result, error) {
	return c.run(ctx, "bundle", false, func(ctx context.Context, fs *graph.FileSystem) (*graph.ChangeSet, error) {
		return fs.CreateChangeSetFromBundle(ctx, r, size)
	})
}

func (c *Coordinator) Upsert(ctx context.Context, uri string, content []byte) (*Result, error) {
	return c.run(ctx, "upsert", false, func(ctx context.Context, fs *graph.FileSystem) (*graph.ChangeSet, error) {
		return fs.CreateChangeSetFromUpsert(ctx, uri, content)
	})
}

func (c *Coordinator) Delete(ctx context.Context, uri string) (*Result, error) {
	return c.run(ctx, "delete", false, func(ctx context.Context, fs *graph.FileSystem) (*graph.ChangeSet, error) {
		return fs.CreateChangeSetFromDelete(ctx, uri)
	})
}

// Tidy sweeps every artifact no service needs.
func (c *Coordinator) Tidy(ctx context.Context) (*Result, error) {
	return c.run(ctx, "tidy", true, func(ctx context.Context, fs *graph.FileSystem) (*graph.ChangeSet, error) {
		return fs.ValidateChanges(ctx)
	})
}

// Sync applies a batch of events as one transaction. Deletes of unknown
// uris are skipped.
func (c *Coordinator) Sync(ctx context.Context, events []Event) (*Result, error) {
	return c.run(ctx, "sync", false, func(ctx context.Context, fs *graph.FileSystem) (*graph.ChangeSet, error) {
		for _, ev := range events {
			if ev.Delete {
				if err := fs.StageDelete(ev.URI); err != nil {
					if errors.Is(err, graph.ErrNotFound) {
						continue
					}
					return nil, err
				}
				continue
			}
			if _, err := fs.Stage(ev.URI, ev.Content, time.Now()); err != nil {
				return nil, fmt.Errorf("stage %s: %w", ev.URI, err)
			}
		}
		return fs.ValidateChanges(ctx)
	})
}

func (c *Coordinator) acquire(ctx context.Context, op string) error {
	lockCtx, cancel := context.WithTimeout(ctx, c.lockTimeout)
	defer cancel()
	if err := c.lock.Acquire(lockCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		recordLockTimeout(ctx, op)
		return fmt.Errorf("%w: lock not acquired within %s", ErrDeploymentBusy, c.lockTimeout)
	}
	return nil
}

type mutation func(ctx context.Context, fs *graph.FileSystem) (*graph.ChangeSet, error)

// run executes one transaction: copy the live graph, mutate and validate the
// copy, optionally tidy it, bind, persist and publish. Any failure before
// publishing discards the copy.
func (c *Coordinator) run(ctx context.Context, op string, tidy bool, mutate mutation) (res *Result, err error) {
	txID := uuid.NewString()
	start := time.Now()
	ctx, span := startSpan(ctx, op, txID)
	logger := c.logger.With("tx", txID, "op", op)
	defer func() {
		endSpan(span, res, err)
		recordTransaction(ctx, op, time.Since(start), res, err)
		if err == nil {
			return
		}
		var inv *graph.InvariantViolationError
		if errors.As(err, &inv) {
			logger.Error("transaction aborted on invariant violation", "uri", inv.URI, "detail", inv.Detail)
			return
		}
		logger.Warn("transaction aborted", "error", err, "duration", time.Since(start))
	}()

	if err := c.acquire(ctx, op); err != nil {
		return nil, err
	}
	defer c.lock.Release(1)
	logger.Info("transaction begin")

	work := c.live.Load().Copy()
	cs, err := mutate(ctx, work)
	if err != nil {
		return nil, err
	}
	services, err := cs.Await(ctx)
	if err != nil {
		return nil, err
	}

	res = &Result{TxID: txID, Op: op}
	if tidy || cs.TidyOut {
		empty, err := work.TidyOut()
		if err != nil {
			return nil, fmt.Errorf("tidy out: %w", err)
		}
		res.RootEmpty = empty
		res.Swept = work.Swept()
	}

	binding := &Binding{
		TxID:           txID,
		Services:       services,
		Infrastructure: cs.Infrastructure,
		Deleted:        cs.Deleted,
		Swept:          res.Swept,
	}
	if err := c.binder.Apply(ctx, binding); err != nil {
		return nil, fmt.Errorf("bind: %w", err)
	}
	if err := work.WriteBackChanges(ctx); err != nil {
		return nil, err
	}

	c.live.Store(work)
	res.Dehydrated = work.DehydrateArtifacts()
	res.Changes = work.Changes().Len()
	res.Services = uris(services)
	res.Infrastructure = uris(cs.Infrastructure)
	res.Deleted = uris(cs.Deleted)
	res.Duration = time.Since(start)

	logger.Info("transaction committed",
		"changes", res.Changes,
		"services", len(res.Services),
		"infrastructure", len(res.Infrastructure),
		"deleted", len(res.Deleted),
		"swept", len(res.Swept),
		"dehydrated", res.Dehydrated,
		"duration", res.Duration,
	)
	return res, nil
}

func uris(nodes []*graph.Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.URI())
	}
	return out
}
