package graph

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddReferenceIsSymmetricAndIgnoresSelf(t *testing.T) {
	gen := newGeneration()
	a := newNode("a.xsd", "/a.xsd", nil, gen, nil)
	b := newNode("b.xsd", "/b.xsd", nil, gen, nil)

	a.AddReference(b)
	a.AddReference(a)

	assert.Equal(t, []string{"/b.xsd"}, a.Referenced())
	assert.Equal(t, []string{"/a.xsd"}, b.ReferencedBy())
	assert.Empty(t, a.ReferencedBy())
	assert.True(t, b.IsReferenced())
}

func TestAddReferenceConcurrent(t *testing.T) {
	gen := newGeneration()
	shared := newNode("shared.xsd", "/shared.xsd", nil, gen, nil)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n := newNode("s.svc", CleanURI("/svc/"+string(rune('a'+i))+".svc"), nil, gen, nil)
			n.AddReference(shared)
		}(i)
	}
	wg.Wait()
	assert.Len(t, shared.ReferencedBy(), 32)
}

func TestInvalidateCascadesThroughUnreferencedDependencies(t *testing.T) {
	fs, _, _ := loadGraph(t, map[string]string{
		"/a.xsd": "ref b.xsd",
		"/b.xsd": "ref c.xsd",
		"/c.xsd": "",
	})
	require.NoError(t, fs.Invalidate("/a.xsd"))

	assert.False(t, mustLookup(t, fs, "/a.xsd").Validated())
	assert.False(t, mustLookup(t, fs, "/b.xsd").Validated())
	assert.False(t, mustLookup(t, fs, "/c.xsd").Validated())
	assert.Empty(t, mustLookup(t, fs, "/b.xsd").ReferencedBy())
	requireSymmetric(t, fs)
}

func TestInvalidateStopsAtSharedDependency(t *testing.T) {
	fs, _, _ := loadGraph(t, map[string]string{
		"/a.xsd": "ref b.xsd",
		"/b.xsd": "ref c.xsd",
		"/c.xsd": "",
		"/d.xsd": "ref c.xsd",
	})
	require.NoError(t, fs.Invalidate("/a.xsd"))

	assert.False(t, mustLookup(t, fs, "/b.xsd").Validated())
	c := mustLookup(t, fs, "/c.xsd")
	assert.True(t, c.Validated())
	assert.Equal(t, []string{"/d.xsd"}, c.ReferencedBy())
	requireSymmetric(t, fs)
}

func TestValidateIsMemoized(t *testing.T) {
	fs, compiler, _ := loadGraph(t, map[string]string{
		"/a.xsd": "ref b.xsd",
		"/b.xsd": "",
	})
	require.NoError(t, fs.Validate(context.Background(), "/a.xsd"))
	require.NoError(t, fs.Validate(context.Background(), "/a.xsd"))
	assert.Equal(t, 0, compiler.count("/a.xsd"))

	require.NoError(t, fs.Invalidate("/a.xsd"))
	require.NoError(t, fs.Validate(context.Background(), "/a.xsd"))
	require.NoError(t, fs.Validate(context.Background(), "/a.xsd"))
	assert.Equal(t, 1, compiler.count("/a.xsd"))
	assert.Equal(t, 1, compiler.count("/b.xsd"))
	assert.Equal(t, []string{"/b.xsd"}, mustLookup(t, fs, "/a.xsd").Referenced())
}

func TestConcurrentValidationCompilesSharedDependencyOnce(t *testing.T) {
	files := map[string]string{"/z/shared.xsd": "slow"}
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		files["/svc/"+name+".svc"] = "ref /z/shared.xsd"
	}
	compiler := newRefCompiler()
	fs := New(newFakeStore(files), WithCompilers(compiler))
	_, err := fs.Load(context.Background())
	require.NoError(t, err)

	require.NoError(t, fs.ValidateAll(context.Background()))
	assert.Equal(t, 1, compiler.count("/z/shared.xsd"))
	assert.Len(t, mustLookup(t, fs, "/z/shared.xsd").ReferencedBy(), 5)
	requireSymmetric(t, fs)
}

func TestValidateReportsLineAndUnit(t *testing.T) {
	fs := New(nil, WithCompilers(newRefCompiler()))
	_, err := fs.Stage("/bad.xsd", []byte("ok\nfail"), testTime)
	require.NoError(t, err)

	err = fs.Validate(context.Background(), "/bad.xsd")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "/bad.xsd", ve.URI)
	assert.Equal(t, 2, ve.Line)
	assert.False(t, mustLookup(t, fs, "/bad.xsd").Validated())
}

func TestFailedValidateDropsPartialReferences(t *testing.T) {
	fs := New(nil, WithCompilers(newRefCompiler()))
	_, err := fs.Stage("/dep.xsd", []byte(""), testTime)
	require.NoError(t, err)
	_, err = fs.Stage("/bad.xsd", []byte("ref dep.xsd\nfail"), testTime)
	require.NoError(t, err)

	require.Error(t, fs.ValidateAll(context.Background()))
	bad := mustLookup(t, fs, "/bad.xsd")
	assert.False(t, bad.Validated())
	assert.Empty(t, bad.Referenced())
	assert.Empty(t, mustLookup(t, fs, "/dep.xsd").ReferencedBy())
	requireSymmetric(t, fs)
}

func TestValidateUnresolvedReference(t *testing.T) {
	fs := New(nil, WithCompilers(newRefCompiler()))
	_, err := fs.Stage("/svc/A.svc", []byte("ref missing.xsd"), testTime)
	require.NoError(t, err)

	err = fs.Validate(context.Background(), "/svc/A.svc")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "/svc/A.svc", ve.URI)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestValidateDependencyRejectedDuringCompile(t *testing.T) {
	var got error
	compilers := compilerSetFunc(func(ctx context.Context, u *Unit) error {
		got = u.ValidateDependency(ctx, u.Node())
		return nil
	})
	fs := New(nil, WithCompilers(compilers))
	_, err := fs.Stage("/a.xsd", nil, testTime)
	require.NoError(t, err)
	require.NoError(t, fs.Validate(context.Background(), "/a.xsd"))
	assert.ErrorIs(t, got, errValidateDuringCompile)
}

func TestResolverLinksWhileOwnerAlive(t *testing.T) {
	fs := New(nil)
	_, err := fs.Stage("/a.xsd", nil, testTime)
	require.NoError(t, err)
	_, err = fs.Stage("/b.xsd", nil, testTime)
	require.NoError(t, err)

	a, err := fs.mutable("/a.xsd")
	require.NoError(t, err)
	r := (&Unit{fs: fs, node: a}).Resolver()

	b, err := r.Resolve(context.Background(), "b.xsd")
	require.NoError(t, err)
	assert.Equal(t, "/b.xsd", b.URI())
	assert.Equal(t, []string{"/b.xsd"}, a.Referenced())
}

func TestResolverFailsOnceOwnerReclaimed(t *testing.T) {
	r := func() *Resolver {
		fs := New(nil)
		n := newNode("tmp.xsd", "/tmp.xsd", fs.root, fs.gen, nil)
		return (&Unit{fs: fs, node: n}).Resolver()
	}()
	for i := 0; i < 5; i++ {
		runtime.GC()
	}
	_, err := r.Resolve(context.Background(), "other.xsd")
	assert.ErrorIs(t, err, ErrResolverReclaimed)
}

type compilerSetFunc func(ctx context.Context, u *Unit) error

func (f compilerSetFunc) CompilerFor(Kind) Compiler { return CompilerFunc(f) }

func TestDetachReportsBrokenBookkeeping(t *testing.T) {
	fs, _, _ := loadGraph(t, map[string]string{
		"/a.xsd": "ref b.xsd",
		"/b.xsd": "",
	})
	b := mustLookup(t, fs, "/b.xsd")
	b.removeReferencedBy("/a.xsd")

	a, err := fs.mutable("/a.xsd")
	require.NoError(t, err)
	err = fs.detachFromReferenced(a)
	var inv *InvariantViolationError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, "/b.xsd", inv.URI)
}
