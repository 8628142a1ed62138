package deploy

import (
	"context"
	"log/slog"

	"confgraph/internal/graph"
)

// Binding is what a transaction hands to the runtime before the new graph is
// published.
type Binding struct {
	TxID string
	// Services were (re)validated and need their listeners bound.
	Services []*graph.Node
	// Infrastructure definitions were revalidated and may need rebuilding.
	Infrastructure []*graph.Node
	// Deleted units need their listeners or objects released.
	Deleted []*graph.Node
	// Swept lists the uris removed by tidy out.
	Swept []string
}

// Binder binds and unbinds runtime objects for a transaction. An error
// aborts the transaction before anything is published.
type Binder interface {
	Apply(ctx context.Context, b *Binding) error
}

type BinderFunc func(ctx context.Context, b *Binding) error

func (f BinderFunc) Apply(ctx context.Context, b *Binding) error { return f(ctx, b) }

// LogBinder only logs what a runtime would bind.
type LogBinder struct {
	Logger *slog.Logger
}

func (l LogBinder) Apply(ctx context.Context, b *Binding) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default().With("component", "deploy.LogBinder")
	}
	for _, n := range b.Deleted {
		logger.InfoContext(ctx, "unbind", "tx", b.TxID, "uri", n.URI(), "kind", n.Kind().String())
	}
	for _, uri := range b.Swept {
		logger.InfoContext(ctx, "unbind swept", "tx", b.TxID, "uri", uri)
	}
	for _, n := range b.Infrastructure {
		logger.InfoContext(ctx, "rebuild", "tx", b.TxID, "uri", n.URI(), "kind", n.Kind().String())
	}
	for _, n := range b.Services {
		logger.InfoContext(ctx, "bind", "tx", b.TxID, "uri", n.URI())
	}
	return nil
}
