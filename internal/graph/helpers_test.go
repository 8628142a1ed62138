package graph

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"confgraph/internal/workerpool"
)

var testTime = time.Unix(1700000000, 0)

type fakeStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	reloads int
	written []Change
}

func newFakeStore(files map[string]string) *fakeStore {
	s := &fakeStore{data: map[string][]byte{}}
	for uri, content := range files {
		s.data[CleanURI(uri)] = []byte(content)
	}
	return s
}

func (s *fakeStore) Load(context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.data))
	for uri, raw := range s.data {
		out = append(out, Record{URI: uri, Content: append([]byte(nil), raw...), Modified: time.Unix(0, 0)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out, nil
}

func (s *fakeStore) ReloadContent(_ context.Context, uri string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloads++
	raw, ok := s.data[uri]
	if !ok {
		return nil, &NotFoundError{URI: uri}
	}
	return append([]byte(nil), raw...), nil
}

func (s *fakeStore) WriteBackChanges(_ context.Context, changes []Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range changes {
		s.written = append(s.written, c)
		if c.Kind == ChangeDelete {
			delete(s.data, c.URI)
			continue
		}
		s.data[c.URI] = append([]byte(nil), c.Content...)
	}
	return nil
}

// refCompiler links every "ref <uri>" line and fails on a "fail" line. Units
// whose content contains "slow" take a while to compile.
type refCompiler struct {
	mu    sync.Mutex
	calls map[string]int
}

func newRefCompiler() *refCompiler {
	return &refCompiler{calls: map[string]int{}}
}

func (c *refCompiler) CompilerFor(Kind) Compiler { return c }

func (c *refCompiler) Compile(ctx context.Context, u *Unit) error {
	c.mu.Lock()
	c.calls[u.URI()]++
	c.mu.Unlock()

	raw, err := u.Content(ctx)
	if err != nil {
		return err
	}
	for i, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "ref "):
			if _, err := u.Link(ctx, strings.TrimPrefix(line, "ref ")); err != nil {
				return AtLine(i+1, err)
			}
		case line == "slow":
			time.Sleep(20 * time.Millisecond)
		case line == "fail":
			return AtLine(i+1, errors.New("broken unit"))
		}
	}
	return nil
}

func (c *refCompiler) count(uri string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[uri]
}

func (c *refCompiler) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = map[string]int{}
}

// loadGraph builds, loads and validates a graph over files.
func loadGraph(t *testing.T, files map[string]string) (*FileSystem, *refCompiler, *fakeStore) {
	t.Helper()
	store := newFakeStore(files)
	compiler := newRefCompiler()
	fs := New(store, WithCompilers(compiler), WithPool(workerpool.New(4)))
	_, err := fs.Load(context.Background())
	require.NoError(t, err)
	require.NoError(t, fs.ValidateAll(context.Background()))
	compiler.reset()
	return fs, compiler, store
}

func mustLookup(t *testing.T, fs *FileSystem, uri string) *Node {
	t.Helper()
	n, err := fs.Lookup(uri)
	require.NoError(t, err)
	return n
}

// requireSymmetric checks that referenced and referencedBy mirror each other.
func requireSymmetric(t *testing.T, fs *FileSystem) {
	t.Helper()
	for _, n := range fs.Nodes() {
		for _, ref := range n.Referenced() {
			target, err := fs.Lookup(ref)
			require.NoErrorf(t, err, "%s references missing %s", n.URI(), ref)
			require.Containsf(t, target.ReferencedBy(), n.URI(), "%s -> %s not mirrored", n.URI(), ref)
		}
		for _, by := range n.ReferencedBy() {
			source, err := fs.Lookup(by)
			require.NoErrorf(t, err, "%s referenced by missing %s", n.URI(), by)
			require.Containsf(t, source.Referenced(), n.URI(), "%s <- %s not mirrored", n.URI(), by)
		}
	}
}

func buildBundle(t *testing.T, manifest string, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	if manifest != "" {
		w, err := zw.Create(ManifestPath)
		require.NoError(t, err)
		_, err = w.Write([]byte(manifest))
		require.NoError(t, err)
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(files[name]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}
