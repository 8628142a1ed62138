package graph

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/crc32"
)

// CleanURI canonicalizes p into an absolute, slash-separated uri.
func CleanURI(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	return path.Clean("/" + p)
}

// Fingerprint is the checksum used to decide whether incoming content differs
// from what a node already holds.
func Fingerprint(content []byte) uint32 {
	return crc32.ChecksumIEEE(content)
}

// Entry is either a *Node or a *Directory.
type Entry interface {
	Name() string
	URI() string
	Parent() *Directory
}

type entry struct {
	name   string
	uri    string
	parent *Directory
}

func (e *entry) Name() string       { return e.name }
func (e *entry) URI() string        { return e.uri }
func (e *entry) Parent() *Directory { return e.parent }

type nodeState int

const (
	stateUnvalidated nodeState = iota
	stateValidating
	stateValidated
	stateDeleted
)

func (s nodeState) String() string {
	switch s {
	case stateValidating:
		return "validating"
	case stateValidated:
		return "validated"
	case stateDeleted:
		return "deleted"
	default:
		return "unvalidated"
	}
}

// generation identifies the FileSystem a node was cloned into. Nodes keep a
// generation rather than the FileSystem itself so a published graph does not
// pin the trees of the graphs it was copied from.
type generation struct {
	id uint64
}

var generations atomic.Uint64

func newGeneration() *generation {
	return &generation{id: generations.Add(1)}
}

type validation struct {
	done chan struct{}
	err  error
}

// Node is a single deployable configuration unit.
type Node struct {
	entry
	kind   Kind
	gen    *generation
	source ContentSource

	contentMu   sync.Mutex
	content     []byte
	resident    bool
	length      int64
	fingerprint uint32
	modified    time.Time

	refMu        sync.Mutex
	referenced   map[string]struct{}
	referencedBy map[string]struct{}

	mu       sync.Mutex
	state    nodeState
	inflight *validation
}

func newNode(name, uri string, parent *Directory, gen *generation, source ContentSource) *Node {
	return &Node{
		entry:        entry{name: name, uri: uri, parent: parent},
		kind:         KindForPath(name),
		gen:          gen,
		source:       source,
		referenced:   make(map[string]struct{}),
		referencedBy: make(map[string]struct{}),
	}
}

func (n *Node) Kind() Kind { return n.kind }

func (n *Node) String() string { return fmt.Sprintf("%s(%s)", n.uri, n.kind) }

// Validated reports whether the last validation succeeded and has not been
// invalidated since.
func (n *Node) Validated() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state == stateValidated
}

// Deleted reports whether the node has been removed from its graph.
func (n *Node) Deleted() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state == stateDeleted
}

func (n *Node) Fingerprint() uint32 {
	n.contentMu.Lock()
	defer n.contentMu.Unlock()
	return n.fingerprint
}

func (n *Node) ContentLength() int64 {
	n.contentMu.Lock()
	defer n.contentMu.Unlock()
	return n.length
}

func (n *Node) Modified() time.Time {
	n.contentMu.Lock()
	defer n.contentMu.Unlock()
	return n.modified
}

// Resident reports whether the content is held in memory.
func (n *Node) Resident() bool {
	n.contentMu.Lock()
	defer n.contentMu.Unlock()
	return n.resident
}

// Content returns the node's bytes, reloading them from the backing store if
// they were dehydrated. The returned slice must not be modified.
func (n *Node) Content(ctx context.Context) ([]byte, error) {
	n.contentMu.Lock()
	defer n.contentMu.Unlock()
	if n.resident {
		return n.content, nil
	}
	if n.source == nil {
		return nil, fmt.Errorf("reload %s: no backing store", n.uri)
	}
	raw, err := n.source.ReloadContent(ctx, n.uri)
	if err != nil {
		return nil, fmt.Errorf("reload %s: %w", n.uri, err)
	}
	n.content = raw
	n.resident = true
	return raw, nil
}

func (n *Node) setContent(content []byte, modified time.Time) {
	if content == nil {
		content = []byte{}
	}
	n.contentMu.Lock()
	defer n.contentMu.Unlock()
	n.content = content
	n.resident = true
	n.length = int64(len(content))
	n.fingerprint = Fingerprint(content)
	n.modified = modified
}

// rehydrate makes identical content resident again without touching the
// modification metadata.
func (n *Node) rehydrate(content []byte) {
	n.contentMu.Lock()
	defer n.contentMu.Unlock()
	if !n.resident {
		n.content = content
		n.resident = true
	}
}

func (n *Node) dehydrate() bool {
	if n.source == nil {
		return false
	}
	n.contentMu.Lock()
	defer n.contentMu.Unlock()
	if !n.resident {
		return false
	}
	n.content = nil
	n.resident = false
	return true
}

// AddReference records that n depends on other. Self references are ignored.
func (n *Node) AddReference(other *Node) {
	if other == nil || other == n || other.uri == n.uri {
		return
	}
	other.refMu.Lock()
	other.referencedBy[n.uri] = struct{}{}
	other.refMu.Unlock()

	n.refMu.Lock()
	n.referenced[other.uri] = struct{}{}
	n.refMu.Unlock()
}

// Referenced returns the sorted uris n depends on.
func (n *Node) Referenced() []string {
	n.refMu.Lock()
	defer n.refMu.Unlock()
	return sortedKeys(n.referenced)
}

// ReferencedBy returns the sorted uris that depend on n.
func (n *Node) ReferencedBy() []string {
	n.refMu.Lock()
	defer n.refMu.Unlock()
	return sortedKeys(n.referencedBy)
}

func (n *Node) IsReferenced() bool {
	n.refMu.Lock()
	defer n.refMu.Unlock()
	return len(n.referencedBy) > 0
}

func (n *Node) references(uri string) bool {
	n.refMu.Lock()
	defer n.refMu.Unlock()
	_, ok := n.referenced[uri]
	return ok
}

// takeReferenced empties the outgoing set and returns what it held.
func (n *Node) takeReferenced() []string {
	n.refMu.Lock()
	defer n.refMu.Unlock()
	out := sortedKeys(n.referenced)
	n.referenced = make(map[string]struct{})
	return out
}

// removeReferencedBy drops uri from the incoming set. It reports whether uri
// was present and how many incoming references remain.
func (n *Node) removeReferencedBy(uri string) (bool, int) {
	n.refMu.Lock()
	defer n.refMu.Unlock()
	_, ok := n.referencedBy[uri]
	delete(n.referencedBy, uri)
	return ok, len(n.referencedBy)
}

// cloneInto returns a copy of n owned by gen and parented by parent. Content
// bytes are shared; reference sets and state are copied.
func (n *Node) cloneInto(gen *generation, parent *Directory) *Node {
	c := &Node{
		entry:  entry{name: n.name, uri: n.uri, parent: parent},
		kind:   n.kind,
		gen:    gen,
		source: n.source,
	}

	n.contentMu.Lock()
	c.content = n.content
	c.resident = n.resident
	c.length = n.length
	c.fingerprint = n.fingerprint
	c.modified = n.modified
	n.contentMu.Unlock()

	n.refMu.Lock()
	c.referenced = copySet(n.referenced)
	c.referencedBy = copySet(n.referencedBy)
	n.refMu.Unlock()

	n.mu.Lock()
	if n.state == stateValidated {
		c.state = stateValidated
	}
	n.mu.Unlock()
	return c
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func copySet(m map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}
