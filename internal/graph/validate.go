package graph

import (
	"context"
	"errors"
	"fmt"

	"confgraph/internal/workerpool"
)

// ErrStillReferenced is the cause of a ValidationError raised when a unit
// that others depend on is deleted.
var ErrStillReferenced = errors.New("artifact is still referenced")

// Validate validates the node at uri, taking ownership of it first.
func (fs *FileSystem) Validate(ctx context.Context, uri string) error {
	n, err := fs.mutable(uri)
	if err != nil {
		return err
	}
	return fs.validate(ctx, n)
}

// validate runs the compiler for n at most once until n is invalidated.
// Concurrent callers wait for the first one and share its outcome. A caller
// already compiling n further up the same call path returns immediately, so
// reference cycles terminate.
func (fs *FileSystem) validate(ctx context.Context, n *Node) error {
	n.mu.Lock()
	switch {
	case n.state == stateValidated:
		n.mu.Unlock()
		return nil
	case n.state == stateDeleted:
		n.mu.Unlock()
		return &ValidationError{URI: n.uri, Err: errors.New("artifact was deleted")}
	case onChain(ctx, n.uri):
		n.mu.Unlock()
		return nil
	case n.inflight != nil:
		v := n.inflight
		n.mu.Unlock()
		select {
		case <-v.done:
			return v.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	v := &validation{done: make(chan struct{})}
	n.inflight = v
	n.state = stateValidating
	n.mu.Unlock()

	cctx := withChain(ctx, n.uri)
	compiler := fs.compilerFor(n.kind)
	u := &Unit{fs: fs, node: n}
	err := compiler.Compile(cctx, u)
	if err != nil {
		err = asValidationError(n.uri, err)
		// Edges linked before the failure do not describe a valid unit.
		if derr := fs.detachFromReferenced(n); derr != nil {
			err = joinErrors([]error{err, derr})
		}
	}

	n.mu.Lock()
	if err == nil {
		n.state = stateValidated
	} else {
		n.state = stateUnvalidated
	}
	v.err = err
	n.inflight = nil
	close(v.done)
	n.mu.Unlock()

	if err != nil {
		return err
	}
	u.phase = phasePost
	return fs.postValidate(cctx, u, compiler)
}

func (fs *FileSystem) postValidate(ctx context.Context, u *Unit, compiler Compiler) error {
	if pv, ok := compiler.(PostValidator); ok {
		return pv.PostValidate(ctx, u)
	}
	var errs []error
	for _, uri := range u.node.Referenced() {
		dep, err := fs.mutable(uri)
		if err != nil {
			errs = append(errs, &ValidationError{URI: u.node.uri, Err: err})
			continue
		}
		if err := fs.validate(ctx, dep); err != nil {
			errs = append(errs, err)
		}
	}
	return joinErrors(errs)
}

func asValidationError(uri string, err error) error {
	var ve *ValidationError
	if errors.As(err, &ve) && ve.URI == uri {
		return err
	}
	out := &ValidationError{URI: uri, Err: err}
	var le *LineError
	if errors.As(err, &le) {
		out.Line = le.Line
		out.Err = le.Err
	}
	return out
}

// Invalidate clears the validated flag of the node at uri and cascades to the
// dependencies nothing else keeps referenced.
func (fs *FileSystem) Invalidate(uri string) error {
	n, err := fs.mutable(uri)
	if err != nil {
		return err
	}
	return fs.invalidate(n)
}

// invalidate consumes n's outgoing edges. A target whose incoming set becomes
// empty is invalidated as well. Every edge is consumed exactly once, which
// makes the walk terminate on reference cycles.
func (fs *FileSystem) invalidate(n *Node) error {
	n.mu.Lock()
	if n.state == stateValidated {
		n.state = stateUnvalidated
	}
	n.mu.Unlock()

	for _, uri := range n.takeReferenced() {
		target, err := fs.mutable(uri)
		if err != nil {
			return &InvariantViolationError{URI: n.uri, Detail: fmt.Sprintf("referenced %s is missing", uri)}
		}
		present, remaining := target.removeReferencedBy(n.uri)
		if !present {
			return &InvariantViolationError{URI: uri, Detail: fmt.Sprintf("referencedBy lacks %s", n.uri)}
		}
		if remaining == 0 {
			if err := fs.invalidate(target); err != nil {
				return err
			}
		}
	}
	return nil
}

// detachFromReferenced removes n from the incoming set of everything it
// references.
func (fs *FileSystem) detachFromReferenced(n *Node) error {
	for _, uri := range n.takeReferenced() {
		target, err := fs.mutable(uri)
		if err != nil {
			return &InvariantViolationError{URI: n.uri, Detail: fmt.Sprintf("referenced %s is missing", uri)}
		}
		if present, _ := target.removeReferencedBy(n.uri); !present {
			return &InvariantViolationError{URI: uri, Detail: fmt.Sprintf("referencedBy lacks %s", n.uri)}
		}
	}
	return nil
}

// deleteNode removes n if nothing references it. n must be owned by fs.
func (fs *FileSystem) deleteNode(n *Node) (bool, error) {
	if n.IsReferenced() {
		return false, nil
	}
	if err := fs.detachFromReferenced(n); err != nil {
		return false, err
	}
	fs.mu.Lock()
	if n.parent != nil {
		if cur, ok := n.parent.Child(n.name); ok && cur == Entry(n) {
			n.parent.remove(n.name)
		}
	}
	fs.mu.Unlock()

	n.mu.Lock()
	n.state = stateDeleted
	n.mu.Unlock()
	return true, nil
}

// ValidateAll validates every node, services on the pool and everything else
// inline, and reports all failures together.
func (fs *FileSystem) ValidateAll(ctx context.Context) error {
	var (
		futures []*workerpool.Future[*Node]
		errs    []error
	)
	for _, n := range fs.Nodes() {
		owned, err := fs.mutable(n.uri)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if owned.kind.IsService() {
			futures = append(futures, fs.submit(ctx, owned))
			continue
		}
		if err := fs.validate(ctx, owned); err != nil {
			errs = append(errs, err)
		}
	}
	for _, f := range futures {
		if _, err := f.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return joinErrors(errs)
}

func (fs *FileSystem) submit(ctx context.Context, n *Node) *workerpool.Future[*Node] {
	return workerpool.Submit(ctx, fs.pool, func(ctx context.Context) (*Node, error) {
		if err := fs.validate(ctx, n); err != nil {
			return nil, err
		}
		return n, nil
	})
}
