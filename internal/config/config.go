// Package config loads runtime settings from the environment and an optional
// .env file.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"confgraph/internal/graph"
	"confgraph/internal/store"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreS3       = "s3"
	StoreBadger   = "badger"
	StoreDir      = "dir"
)

type Config struct {
	Env         string
	Store       string
	DatabaseURL string
	S3          store.S3Config
	BadgerPath  string
	DirRoot     string

	LockTimeout       time.Duration
	ValidationWorkers int
	CatalogPrefix     string
	GrammarWait       time.Duration
	GrammarCacheSize  int
	Cache             store.CacheConfig
}

// Load reads .env when present, then the CONFGRAPH_* variables. Malformed
// values are reported rather than replaced by defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	env := firstNonEmpty(getenv("CONFGRAPH_ENV"), "local")
	cfg := &Config{
		Env:           env,
		Store:         strings.ToLower(firstNonEmpty(getenv("CONFGRAPH_STORE"), StoreMemory)),
		DatabaseURL:   getenv("CONFGRAPH_DATABASE_URL"),
		S3:            loadS3Config(env),
		BadgerPath:    firstNonEmpty(getenv("CONFGRAPH_BADGER_PATH"), "data/badger"),
		DirRoot:       firstNonEmpty(getenv("CONFGRAPH_DIR_ROOT"), "artifacts"),
		CatalogPrefix: graph.CleanURI(firstNonEmpty(getenv("CONFGRAPH_CATALOG_PREFIX"), graph.DefaultCatalog)),
		Cache:         store.DefaultCacheConfig(),
	}

	var err error
	if cfg.S3.UseSSL, err = parseBool("CONFGRAPH_S3_USE_SSL", !strings.EqualFold(env, "local")); err != nil {
		return nil, err
	}
	if cfg.LockTimeout, err = parseDuration("CONFGRAPH_LOCK_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.GrammarWait, err = parseDuration("CONFGRAPH_GRAMMAR_WAIT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.ValidationWorkers, err = parsePositiveInt("CONFGRAPH_VALIDATION_WORKERS", runtime.GOMAXPROCS(0)); err != nil {
		return nil, err
	}
	if cfg.GrammarCacheSize, err = parsePositiveInt("CONFGRAPH_GRAMMAR_CACHE_SIZE", 256); err != nil {
		return nil, err
	}
	if cfg.Cache.MaxEntries, err = parsePositiveInt("CONFGRAPH_CONTENT_CACHE_ENTRIES", cfg.Cache.MaxEntries); err != nil {
		return nil, err
	}
	if cfg.Cache.TTL, err = parseDuration("CONFGRAPH_CONTENT_CACHE_TTL", cfg.Cache.TTL); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the selected store has what it needs.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: store %q requires CONFGRAPH_DATABASE_URL", c.Store)
		}
	case StoreS3:
		if c.S3.Endpoint == "" || c.S3.Bucket == "" {
			return fmt.Errorf("config: store %q requires CONFGRAPH_S3_ENDPOINT and CONFGRAPH_S3_BUCKET", c.Store)
		}
	case StoreBadger:
		if c.BadgerPath == "" {
			return fmt.Errorf("config: store %q requires CONFGRAPH_BADGER_PATH", c.Store)
		}
	case StoreDir:
		if c.DirRoot == "" {
			return fmt.Errorf("config: store %q requires CONFGRAPH_DIR_ROOT", c.Store)
		}
	default:
		return fmt.Errorf("config: unknown store %q", c.Store)
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("config: lock timeout must be positive, got %s", c.LockTimeout)
	}
	return nil
}

func loadS3Config(env string) store.S3Config {
	endpoint := getenv("CONFGRAPH_S3_ENDPOINT")
	if strings.EqualFold(env, "local") {
		endpoint = firstNonEmpty(endpoint, "minio:9000")
	}
	return store.S3Config{
		Endpoint:  endpoint,
		Region:    firstNonEmpty(getenv("CONFGRAPH_S3_REGION"), "us-east-1"),
		AccessKey: firstNonEmpty(getenv("CONFGRAPH_S3_ACCESS_KEY"), getenv("MINIO_ROOT_USER")),
		SecretKey: firstNonEmpty(getenv("CONFGRAPH_S3_SECRET_KEY"), getenv("MINIO_ROOT_PASSWORD")),
		Bucket:    firstNonEmpty(getenv("CONFGRAPH_S3_BUCKET"), "confgraph-artifacts"),
	}
}

func getenv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func parseBool(key string, def bool) (bool, error) {
	raw := getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("config: %s: %w", key, err)
	}
	return v, nil
}

func parseDuration(key string, def time.Duration) (time.Duration, error) {
	raw := getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return v, nil
}

func parsePositiveInt(key string, def int) (int, error) {
	raw := getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("config: %s must be positive, got %d", key, v)
	}
	return v, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
