package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var configKeys = []string{
	"CONFGRAPH_ENV", "CONFGRAPH_STORE", "CONFGRAPH_DATABASE_URL",
	"CONFGRAPH_S3_ENDPOINT", "CONFGRAPH_S3_REGION", "CONFGRAPH_S3_ACCESS_KEY",
	"CONFGRAPH_S3_SECRET_KEY", "CONFGRAPH_S3_BUCKET", "CONFGRAPH_S3_USE_SSL",
	"CONFGRAPH_BADGER_PATH", "CONFGRAPH_DIR_ROOT", "CONFGRAPH_LOCK_TIMEOUT",
	"CONFGRAPH_VALIDATION_WORKERS", "CONFGRAPH_GRAMMAR_CACHE_SIZE",
	"CONFGRAPH_CONTENT_CACHE_ENTRIES", "CONFGRAPH_CONTENT_CACHE_TTL",
	"CONFGRAPH_CATALOG_PREFIX", "CONFGRAPH_GRAMMAR_WAIT",
	"MINIO_ROOT_USER", "MINIO_ROOT_PASSWORD",
}

// isolate clears the variables Load reads and runs it from an empty
// directory so no .env file leaks in.
func isolate(t *testing.T) {
	t.Helper()
	for _, key := range configKeys {
		t.Setenv(key, "")
	}
	t.Chdir(t.TempDir())
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.Env)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, 30*time.Second, cfg.LockTimeout)
	assert.Equal(t, 5*time.Second, cfg.GrammarWait)
	assert.Equal(t, runtime.GOMAXPROCS(0), cfg.ValidationWorkers)
	assert.Equal(t, "/catalog", cfg.CatalogPrefix)
	assert.Equal(t, 1024, cfg.Cache.MaxEntries)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, "minio:9000", cfg.S3.Endpoint)
	assert.False(t, cfg.S3.UseSSL)
}

func TestLoadOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("CONFGRAPH_ENV", "prod")
	t.Setenv("CONFGRAPH_STORE", "Postgres")
	t.Setenv("CONFGRAPH_DATABASE_URL", "postgres://u:p@db/confgraph")
	t.Setenv("CONFGRAPH_LOCK_TIMEOUT", "250ms")
	t.Setenv("CONFGRAPH_VALIDATION_WORKERS", "3")
	t.Setenv("CONFGRAPH_CATALOG_PREFIX", "shared/")
	t.Setenv("CONFGRAPH_CONTENT_CACHE_TTL", "1m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.Env)
	assert.Equal(t, StorePostgres, cfg.Store)
	assert.Equal(t, 250*time.Millisecond, cfg.LockTimeout)
	assert.Equal(t, 3, cfg.ValidationWorkers)
	assert.Equal(t, "/shared", cfg.CatalogPrefix)
	assert.Equal(t, time.Minute, cfg.Cache.TTL)
	assert.Empty(t, cfg.S3.Endpoint)
	assert.True(t, cfg.S3.UseSSL)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	cases := map[string]string{
		"CONFGRAPH_LOCK_TIMEOUT":          "soon",
		"CONFGRAPH_VALIDATION_WORKERS":    "0",
		"CONFGRAPH_CONTENT_CACHE_ENTRIES": "many",
		"CONFGRAPH_S3_USE_SSL":            "maybe",
		"CONFGRAPH_GRAMMAR_WAIT":          "5",
		"CONFGRAPH_STORE":                 "floppy",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			isolate(t)
			t.Setenv(key, value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadRequiresStoreSettings(t *testing.T) {
	isolate(t)
	t.Setenv("CONFGRAPH_STORE", "postgres")
	_, err := Load()
	assert.ErrorContains(t, err, "CONFGRAPH_DATABASE_URL")
}

func TestLoadReadsDotEnv(t *testing.T) {
	isolate(t)
	dir, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("CONFGRAPH_STORE=dir\nCONFGRAPH_DIR_ROOT=/srv/artifacts\n"), 0o644))
	// godotenv does not override variables that are already set.
	require.NoError(t, os.Unsetenv("CONFGRAPH_STORE"))
	require.NoError(t, os.Unsetenv("CONFGRAPH_DIR_ROOT"))
	t.Cleanup(func() {
		os.Unsetenv("CONFGRAPH_STORE")
		os.Unsetenv("CONFGRAPH_DIR_ROOT")
	})

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StoreDir, cfg.Store)
	assert.Equal(t, "/srv/artifacts", cfg.DirRoot)
}
