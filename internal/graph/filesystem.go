package graph

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"confgraph/internal/workerpool"
)

// DefaultCatalog is the sub-tree of well-known shared schemas that TidyOut
// never sweeps.
const DefaultCatalog = "/catalog"

// FileSystem is a graph of artifacts rooted at a Directory. A FileSystem is
// either the published, read-only graph or a private copy owned by a single
// transaction.
type FileSystem struct {
	mu   sync.Mutex
	root *Directory
	gen  *generation

	store     Store
	compilers CompilerSet
	pool      *workerpool.Pool
	catalog   string
	logger    *slog.Logger

	changes *ChangeLog
	deleted []*Node
	swept   []string
}

type Option func(*FileSystem)

func WithCompilers(c CompilerSet) Option {
	return func(fs *FileSystem) {
		if c != nil {
			fs.compilers = c
		}
	}
}

// WithPool shares p for concurrent service validation.
func WithPool(p *workerpool.Pool) Option {
	return func(fs *FileSystem) {
		if p != nil {
			fs.pool = p
		}
	}
}

func WithCatalog(prefix string) Option {
	return func(fs *FileSystem) {
		if strings.TrimSpace(prefix) != "" {
			fs.catalog = CleanURI(prefix)
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(fs *FileSystem) {
		if l != nil {
			fs.logger = l
		}
	}
}

// New returns an empty FileSystem backed by store. store may be nil for a
// purely in-memory graph whose content is never dehydrated.
func New(store Store, opts ...Option) *FileSystem {
	fs := &FileSystem{
		root:      newDirectory("", "/", nil),
		gen:       newGeneration(),
		store:     store,
		compilers: acceptAll{},
		catalog:   DefaultCatalog,
		logger:    slog.Default().With("component", "graph.FileSystem"),
		changes:   NewChangeLog(),
	}
	for _, opt := range opts {
		opt(fs)
	}
	if fs.pool == nil {
		fs.pool = workerpool.New(0)
	}
	return fs
}

func (fs *FileSystem) Root() *Directory { return fs.root }

// Changes is the pending change log of the transaction working on fs.
func (fs *FileSystem) Changes() *ChangeLog { return fs.changes }

// Swept lists the uris removed by the last TidyOut.
func (fs *FileSystem) Swept() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.swept...)
}

// Copy returns a private working copy. Directories are cloned; leaf nodes are
// shared until the copy first writes to them.
func (fs *FileSystem) Copy() *FileSystem {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return &FileSystem{
		root:      fs.root.clone(nil),
		gen:       newGeneration(),
		store:     fs.store,
		compilers: fs.compilers,
		pool:      fs.pool,
		catalog:   fs.catalog,
		logger:    fs.logger,
		changes:   NewChangeLog(),
	}
}

// Load populates an empty FileSystem from its store.
func (fs *FileSystem) Load(ctx context.Context) (int, error) {
	if fs.store == nil {
		return 0, fmt.Errorf("load: no backing store")
	}
	records, err := fs.store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load: %w", err)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, rec := range records {
		if _, err := fs.createLocked(CleanURI(rec.URI), rec.Content, rec.Modified); err != nil {
			return 0, fmt.Errorf("load %s: %w", rec.URI, err)
		}
	}
	fs.logger.Info("graph loaded", "artifacts", len(records))
	return len(records), nil
}

// Lookup returns the node at uri without taking ownership of it.
func (fs *FileSystem) Lookup(uri string) (*Node, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, _, err := fs.findNodeLocked(CleanURI(uri))
	return n, err
}

// Nodes returns every node sorted by uri.
func (fs *FileSystem) Nodes() []*Node {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []*Node
	walkNodes(fs.root, func(n *Node) { out = append(out, n) })
	return out
}

// Walk calls fn for every node in uri order and stops at the first error.
func (fs *FileSystem) Walk(fn func(*Node) error) error {
	for _, n := range fs.Nodes() {
		if err := fn(n); err != nil {
			return err
		}
	}
	return nil
}

// NodeInfo is a point-in-time description of a node.
type NodeInfo struct {
	URI          string
	Kind         Kind
	Validated    bool
	Resident     bool
	Length       int64
	Fingerprint  uint32
	Referenced   []string
	ReferencedBy []string
}

// Dump describes every node in stable uri order.
func (fs *FileSystem) Dump() []NodeInfo {
	nodes := fs.Nodes()
	out := make([]NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, NodeInfo{
			URI:          n.uri,
			Kind:         n.kind,
			Validated:    n.Validated(),
			Resident:     n.Resident(),
			Length:       n.ContentLength(),
			Fingerprint:  n.Fingerprint(),
			Referenced:   n.Referenced(),
			ReferencedBy: n.ReferencedBy(),
		})
	}
	return out
}

// DehydrateArtifacts drops the content of every node outside the change log.
// It returns the number of nodes dehydrated.
func (fs *FileSystem) DehydrateArtifacts() int {
	count := 0
	for _, n := range fs.Nodes() {
		if fs.changes.Contains(n.uri) {
			continue
		}
		if n.dehydrate() {
			count++
		}
	}
	return count
}

// WriteBackChanges persists the change log through the store.
func (fs *FileSystem) WriteBackChanges(ctx context.Context) error {
	if fs.store == nil || fs.changes.Len() == 0 {
		return nil
	}
	changes := make([]Change, 0, fs.changes.Len())
	for _, e := range fs.changes.Entries() {
		c := Change{URI: e.URI, Kind: e.Kind}
		if e.Kind != ChangeDelete {
			n, err := fs.Lookup(e.URI)
			if err != nil {
				// created and removed within the same transaction
				continue
			}
			content, err := n.Content(ctx)
			if err != nil {
				return err
			}
			c.Content = content
			c.Modified = n.Modified()
		}
		changes = append(changes, c)
	}
	if err := fs.store.WriteBackChanges(ctx, changes); err != nil {
		return fmt.Errorf("write back %d changes: %w", len(changes), err)
	}
	return nil
}

func (fs *FileSystem) inCatalog(uri string) bool {
	if fs.catalog == "" || fs.catalog == "/" {
		return false
	}
	return uri == fs.catalog || strings.HasPrefix(uri, fs.catalog+"/")
}

func (fs *FileSystem) compilerFor(k Kind) Compiler {
	if c := fs.compilers.CompilerFor(k); c != nil {
		return c
	}
	return acceptAll{}.CompilerFor(k)
}

// mutable returns the node at uri owned by fs, cloning a shared node into
// fs's tree first.
func (fs *FileSystem) mutable(uri string) (*Node, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, parent, err := fs.findNodeLocked(CleanURI(uri))
	if err != nil {
		return nil, err
	}
	if n.gen == fs.gen {
		return n, nil
	}
	c := n.cloneInto(fs.gen, parent)
	parent.put(c)
	return c, nil
}

func (fs *FileSystem) findNodeLocked(uri string) (*Node, *Directory, error) {
	e, parent, ok := fs.findLocked(uri)
	if !ok {
		return nil, nil, &NotFoundError{URI: uri}
	}
	n, ok := e.(*Node)
	if !ok {
		return nil, nil, &NotFoundError{URI: uri}
	}
	return n, parent, nil
}

func (fs *FileSystem) findLocked(uri string) (Entry, *Directory, bool) {
	if uri == "/" {
		return fs.root, nil, true
	}
	dir := fs.root
	parts := strings.Split(strings.TrimPrefix(uri, "/"), "/")
	for i, part := range parts {
		child, ok := dir.Child(part)
		if !ok {
			return nil, nil, false
		}
		if i == len(parts)-1 {
			return child, dir, true
		}
		next, ok := child.(*Directory)
		if !ok {
			return nil, nil, false
		}
		dir = next
	}
	return nil, nil, false
}

// createLocked adds a new node at uri, creating intermediate directories.
func (fs *FileSystem) createLocked(uri string, content []byte, modified time.Time) (*Node, error) {
	if uri == "/" {
		return nil, fmt.Errorf("cannot create an artifact at the root")
	}
	parts := strings.Split(strings.TrimPrefix(uri, "/"), "/")
	dir := fs.root
	for _, part := range parts[:len(parts)-1] {
		child, ok := dir.Child(part)
		if !ok {
			next := newDirectory(part, dir.childURI(part), dir)
			dir.put(next)
			dir = next
			continue
		}
		next, ok := child.(*Directory)
		if !ok {
			return nil, fmt.Errorf("%s is an artifact, not a directory", child.URI())
		}
		dir = next
	}
	name := parts[len(parts)-1]
	if _, exists := dir.Child(name); exists {
		return nil, fmt.Errorf("%s already exists", uri)
	}
	n := newNode(name, uri, dir, fs.gen, fs.store)
	n.setContent(content, modified)
	dir.put(n)
	return n, nil
}

func walkNodes(d *Directory, fn func(*Node)) {
	for _, child := range d.Children() {
		switch v := child.(type) {
		case *Directory:
			walkNodes(v, fn)
		case *Node:
			fn(v)
		}
	}
}
