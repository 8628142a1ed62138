package deploy

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confgraph/internal/compiler"
	"confgraph/internal/graph"
	"confgraph/internal/store"
)

const (
	commonXSD = `<xs:schema xmlns:xs="http://www.w3.org/2001/XMLSchema"/>`
	orderXSD  = `<xs:schema xmlns:xs="http://www.w3.org/2001/XMLSchema">
  <xs:include schemaLocation="common.xsd"/>
</xs:schema>`
	orderSvc = `<service><schema href="../schemas/order.xsd"/></service>`
)

type recordingBinder struct {
	mu       sync.Mutex
	bindings []*Binding
	err      error
	during   func(*Binding)
}

func (b *recordingBinder) Apply(_ context.Context, binding *Binding) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindings = append(b.bindings, binding)
	if b.during != nil {
		b.during(binding)
	}
	return b.err
}

func newCoordinator(t *testing.T, files map[string]string, opts ...Option) (*Coordinator, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	for uri, content := range files {
		s.Put(uri, []byte(content), time.Unix(1700000000, 0))
	}
	fs := graph.New(s, graph.WithCompilers(compiler.Default(nil)))
	_, err := fs.Load(context.Background())
	require.NoError(t, err)
	require.NoError(t, fs.ValidateAll(context.Background()))
	return NewCoordinator(fs, opts...), s
}

func storedContent(t *testing.T, s *store.MemoryStore, uri string) (string, bool) {
	t.Helper()
	raw, err := s.ReloadContent(context.Background(), uri)
	if errors.Is(err, graph.ErrNotFound) {
		return "", false
	}
	require.NoError(t, err)
	return string(raw), true
}

func baseFiles() map[string]string {
	return map[string]string{
		"/schemas/common.xsd": commonXSD,
		"/schemas/order.xsd":  orderXSD,
		"/services/Order.svc": orderSvc,
	}
}

func TestUpsertPublishesNewGraph(t *testing.T) {
	binder := &recordingBinder{}
	c, s := newCoordinator(t, baseFiles(), WithBinder(binder))
	before := c.Live()
	updated := `<xs:schema xmlns:xs="http://www.w3.org/2001/XMLSchema" version="2"/>`

	binder.during = func(*Binding) {
		assert.Same(t, before, c.Live(), "readers see the old graph until publish")
	}
	res, err := c.Upsert(context.Background(), "/schemas/common.xsd", []byte(updated))
	require.NoError(t, err)

	assert.NotEmpty(t, res.TxID)
	assert.Equal(t, "upsert", res.Op)
	assert.Equal(t, []string{"/services/Order.svc"}, res.Services)
	assert.Equal(t, 1, res.Changes)
	assert.NotSame(t, before, c.Live())

	content, ok := storedContent(t, s, "/schemas/common.xsd")
	require.True(t, ok)
	assert.Equal(t, updated, content)

	order, err := c.Live().Lookup("/schemas/order.xsd")
	require.NoError(t, err)
	assert.True(t, order.Validated())
	assert.False(t, order.Resident(), "untouched artifacts are dehydrated after publish")

	old, err := before.Lookup("/schemas/common.xsd")
	require.NoError(t, err)
	raw, err := old.Content(context.Background())
	require.NoError(t, err)
	assert.Equal(t, commonXSD, string(raw))

	require.Len(t, binder.bindings, 1)
	assert.Equal(t, res.TxID, binder.bindings[0].TxID)
}

func TestFailedValidationLeavesLiveAndStoreUntouched(t *testing.T) {
	binder := &recordingBinder{}
	c, s := newCoordinator(t, baseFiles(), WithBinder(binder))
	before := c.Live()

	_, err := c.Upsert(context.Background(), "/services/Broken.svc", []byte(`<service>
  <schema href="../schemas/missing.xsd"/>
</service>`))
	var ve *graph.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "/services/Broken.svc", ve.URI)
	assert.Equal(t, 2, ve.Line)

	assert.Same(t, before, c.Live())
	_, ok := storedContent(t, s, "/services/Broken.svc")
	assert.False(t, ok)
	assert.Empty(t, binder.bindings)
}

func TestAggregatedServiceFailures(t *testing.T) {
	c, _ := newCoordinator(t, baseFiles())
	bundle := buildBundle(t, "", map[string]string{
		"services/A.svc": `<service><schema href="nope-a.xsd"/></service>`,
		"services/B.svc": `<service><schema href="nope-b.xsd"/></service>`,
	})
	_, err := c.DeployBundle(context.Background(), bytes.NewReader(bundle), int64(len(bundle)))
	var agg *graph.AggregateError
	require.ErrorAs(t, err, &agg)
	assert.Len(t, agg.Errs, 2)
	assert.NotNil(t, agg.Primary())
	assert.Len(t, agg.Suppressed(), 1)
}

func TestDeleteReferencedSchemaFails(t *testing.T) {
	c, s := newCoordinator(t, baseFiles())
	before := c.Live()
	_, err := c.Delete(context.Background(), "/schemas/order.xsd")
	var ve *graph.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "/schemas/order.xsd", ve.URI)
	assert.ErrorIs(t, err, graph.ErrStillReferenced)

	assert.Same(t, before, c.Live())
	_, ok := storedContent(t, s, "/schemas/order.xsd")
	assert.True(t, ok)
}

func TestDeleteService(t *testing.T) {
	binder := &recordingBinder{}
	c, s := newCoordinator(t, baseFiles(), WithBinder(binder))
	res, err := c.Delete(context.Background(), "/services/Order.svc")
	require.NoError(t, err)
	assert.Equal(t, []string{"/services/Order.svc"}, res.Deleted)
	_, ok := storedContent(t, s, "/services/Order.svc")
	assert.False(t, ok)
	require.Len(t, binder.bindings, 1)
	require.Len(t, binder.bindings[0].Deleted, 1)
}

func TestBundleDeleteWithTidyOut(t *testing.T) {
	files := baseFiles()
	files["/old/Legacy.svc"] = `<service><schema href="legacyOnly.xsd"/><schema href="/schemas/common.xsd"/></service>`
	files["/old/legacyOnly.xsd"] = commonXSD
	files["/infra/main.pool"] = "name: main\nmaxSize: 5\n"
	c, s := newCoordinator(t, files)

	bundle := buildBundle(t, "delete: /old/Legacy.svc\ntidyOut: true\n", nil)
	res, err := c.DeployBundle(context.Background(), bytes.NewReader(bundle), int64(len(bundle)))
	require.NoError(t, err)

	assert.Equal(t, []string{"/old/Legacy.svc"}, res.Deleted)
	assert.Equal(t, []string{"/old/legacyOnly.xsd"}, res.Swept)
	assert.False(t, res.RootEmpty)

	for _, uri := range []string{"/old/Legacy.svc", "/old/legacyOnly.xsd"} {
		_, err := c.Live().Lookup(uri)
		assert.ErrorIs(t, err, graph.ErrNotFound)
		_, ok := storedContent(t, s, uri)
		assert.Falsef(t, ok, "%s removed from store", uri)
	}
	for _, uri := range []string{"/schemas/common.xsd", "/infra/main.pool"} {
		_, err := c.Live().Lookup(uri)
		assert.NoError(t, err)
	}
}

func TestTidyRemovesEverythingWithoutServices(t *testing.T) {
	c, s := newCoordinator(t, map[string]string{
		"/schemas/a.xsd": commonXSD,
	})
	res, err := c.Tidy(context.Background())
	require.NoError(t, err)
	assert.True(t, res.RootEmpty)
	assert.Equal(t, []string{"/schemas/a.xsd"}, res.Swept)
	_, ok := storedContent(t, s, "/schemas/a.xsd")
	assert.False(t, ok)
}

func TestBusyLockTimesOut(t *testing.T) {
	c, _ := newCoordinator(t, baseFiles(), WithLockTimeout(20*time.Millisecond))
	require.NoError(t, c.lock.Acquire(context.Background(), 1))
	defer c.lock.Release(1)

	start := time.Now()
	_, err := c.Upsert(context.Background(), "/schemas/common.xsd", []byte("<x/>"))
	assert.ErrorIs(t, err, ErrDeploymentBusy)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCancelledCallerIsNotReportedBusy(t *testing.T) {
	c, _ := newCoordinator(t, baseFiles())
	require.NoError(t, c.lock.Acquire(context.Background(), 1))
	defer c.lock.Release(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Upsert(ctx, "/schemas/common.xsd", []byte("<x/>"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrDeploymentBusy)
}

func TestTransactionsAreSerialized(t *testing.T) {
	c, s := newCoordinator(t, baseFiles())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			content := []byte(`<xs:schema xmlns:xs="http://www.w3.org/2001/XMLSchema" id="` + string(rune('a'+i)) + `"/>`)
			_, err := c.Upsert(context.Background(), "/schemas/common.xsd", content)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	live, err := c.Live().Lookup("/schemas/common.xsd")
	require.NoError(t, err)
	raw, err := live.Content(context.Background())
	require.NoError(t, err)
	stored, _ := storedContent(t, s, "/schemas/common.xsd")
	assert.Equal(t, stored, string(raw))
}

func TestBinderFailureAborts(t *testing.T) {
	binder := &recordingBinder{err: errors.New("port in use")}
	c, s := newCoordinator(t, baseFiles(), WithBinder(binder))
	before := c.Live()
	_, err := c.Upsert(context.Background(), "/services/New.svc", []byte(`<service/>`))
	assert.ErrorContains(t, err, "port in use")
	assert.Same(t, before, c.Live())
	_, ok := storedContent(t, s, "/services/New.svc")
	assert.False(t, ok)
}

func TestSyncAppliesBatch(t *testing.T) {
	c, s := newCoordinator(t, baseFiles())
	res, err := c.Sync(context.Background(), []Event{
		{URI: "/services/Extra.svc", Content: []byte(`<service><schema href="/schemas/common.xsd"/></service>`)},
		{URI: "/services/Order.svc", Delete: true},
		{URI: "/services/Ghost.svc", Delete: true},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/services/Extra.svc"}, res.Services)
	assert.Equal(t, []string{"/services/Order.svc"}, res.Deleted)
	_, ok := storedContent(t, s, "/services/Extra.svc")
	assert.True(t, ok)
	_, ok = storedContent(t, s, "/services/Order.svc")
	assert.False(t, ok)
}

func buildBundle(t *testing.T, manifest string, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	if manifest != "" {
		w, err := zw.Create(graph.ManifestPath)
		require.NoError(t, err)
		_, err = w.Write([]byte(manifest))
		require.NoError(t, err)
	}
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}
