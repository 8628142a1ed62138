package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"confgraph/internal/workerpool"
)

// ValidateChanges revalidates everything affected by the pending change log:
// the upward closure of updated units is invalidated as a whole before any
// of it is validated again, created units are validated, and deletions are
// applied once validation has settled.
func (fs *FileSystem) ValidateChanges(ctx context.Context) (*ChangeSet, error) {
	visited := fs.upwardClosure(fs.changes.OfKind(ChangeUpdate))
	for _, uri := range visited {
		n, err := fs.mutable(uri)
		if err != nil {
			return nil, err
		}
		if err := fs.invalidate(n); err != nil {
			return nil, err
		}
	}

	cs := &ChangeSet{}
	var errs []error
	seen := make(map[string]struct{}, len(visited))
	revalidate := func(uri string) {
		if _, ok := seen[uri]; ok {
			return
		}
		seen[uri] = struct{}{}
		n, err := fs.mutable(uri)
		if err != nil {
			errs = append(errs, err)
			return
		}
		if n.kind.IsService() {
			cs.Services = append(cs.Services, fs.submit(ctx, n))
			return
		}
		if err := fs.validate(ctx, n); err != nil {
			errs = append(errs, err)
			return
		}
		if n.kind.IsInfrastructure() {
			cs.Infrastructure = append(cs.Infrastructure, n)
		}
	}
	for _, uri := range visited {
		revalidate(uri)
	}
	for _, uri := range fs.changes.OfKind(ChangeCreate) {
		revalidate(uri)
	}

	// Deleting while services are still linking could drop a node that a
	// late Link is about to reference.
	workerpool.Settle(cs.Services)

	if len(errs) > 0 {
		for _, f := range cs.Services {
			if _, err := f.Wait(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return nil, joinErrors(errs)
	}

	for _, uri := range fs.changes.OfKind(ChangeDelete) {
		n, err := fs.mutable(uri)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		ok, err := fs.deleteNode(n)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, stillReferenced(n)
		}
		fs.deleted = append(fs.deleted, n)
	}
	cs.Deleted = append(cs.Deleted, fs.deleted...)

	fs.logger.Debug("changes validated",
		"updated", len(visited),
		"services", len(cs.Services),
		"infrastructure", len(cs.Infrastructure),
		"deleted", len(cs.Deleted),
	)
	return cs, nil
}

// upwardClosure returns start plus every unit that transitively references a
// unit in start, in discovery order.
func (fs *FileSystem) upwardClosure(start []string) []string {
	var (
		order []string
		queue []string
	)
	visited := make(map[string]struct{})
	for _, uri := range start {
		if _, ok := visited[uri]; !ok {
			visited[uri] = struct{}{}
			queue = append(queue, uri)
		}
	}
	for len(queue) > 0 {
		uri := queue[0]
		queue = queue[1:]
		n, err := fs.Lookup(uri)
		if err != nil {
			continue
		}
		order = append(order, uri)
		for _, by := range n.ReferencedBy() {
			if _, ok := visited[by]; ok {
				continue
			}
			visited[by] = struct{}{}
			queue = append(queue, by)
		}
	}
	return order
}

// Stage writes content at uri. An existing unit whose fingerprint differs is
// updated; one with identical content only has it made resident again; a new
// uri is created with the kind implied by its suffix.
func (fs *FileSystem) Stage(uri string, content []byte, modified time.Time) (ChangeKind, error) {
	uri = CleanURI(uri)
	if modified.IsZero() {
		modified = time.Now()
	}
	fs.mu.Lock()
	e, _, exists := fs.findLocked(uri)
	if !exists {
		_, err := fs.createLocked(uri, content, modified)
		fs.mu.Unlock()
		if err != nil {
			return 0, err
		}
		fs.changes.Record(uri, ChangeCreate)
		return ChangeCreate, nil
	}
	fs.mu.Unlock()

	existing, ok := e.(*Node)
	if !ok {
		return 0, fmt.Errorf("%s is a directory", uri)
	}
	n, err := fs.mutable(uri)
	if err != nil {
		return 0, err
	}
	if existing.Fingerprint() == Fingerprint(content) && existing.ContentLength() == int64(len(content)) {
		n.rehydrate(content)
		return 0, nil
	}
	n.setContent(content, modified)
	fs.changes.Record(uri, ChangeUpdate)
	return ChangeUpdate, nil
}

// StageDelete marks the unit at uri for deletion by the next
// ValidateChanges. A pending update of uri is replaced by the delete; a unit
// created in the same transaction cannot be deleted by it.
func (fs *FileSystem) StageDelete(uri string) error {
	uri = CleanURI(uri)
	if _, err := fs.Lookup(uri); err != nil {
		return err
	}
	if kind, ok := fs.changes.Get(uri); ok && kind == ChangeCreate {
		return fmt.Errorf("delete %s: created in the same transaction", uri)
	}
	fs.changes.RecordRemoval(uri)
	return nil
}

// CreateChangeSetFromUpsert creates or updates a single unit and validates
// the consequences.
func (fs *FileSystem) CreateChangeSetFromUpsert(ctx context.Context, uri string, content []byte) (*ChangeSet, error) {
	if _, err := fs.Stage(uri, content, time.Now()); err != nil {
		return nil, err
	}
	return fs.ValidateChanges(ctx)
}

// CreateChangeSetFromDelete removes the unit at uri. It fails without
// touching the graph if something still references the unit.
func (fs *FileSystem) CreateChangeSetFromDelete(ctx context.Context, uri string) (*ChangeSet, error) {
	uri = CleanURI(uri)
	n, err := fs.Lookup(uri)
	if err != nil {
		return nil, err
	}
	if n.IsReferenced() {
		return nil, stillReferenced(n)
	}
	n, err = fs.mutable(uri)
	if err != nil {
		return nil, err
	}
	ok, err := fs.deleteNode(n)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, stillReferenced(n)
	}
	fs.changes.Record(uri, ChangeDelete)
	fs.deleted = append(fs.deleted, n)
	return fs.ValidateChanges(ctx)
}

func stillReferenced(n *Node) error {
	return &ValidationError{
		URI: n.uri,
		Err: fmt.Errorf("%w by %v", ErrStillReferenced, n.ReferencedBy()),
	}
}
