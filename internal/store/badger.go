package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"

	"confgraph/internal/graph"
)

type BadgerConfig struct {
	// Path is ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	// Logger receives badger's internal logging. Nil disables it.
	Logger *slog.Logger
}

func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{Path: path, SyncWrites: true}
}

// InMemoryBadgerConfig is meant for tests.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// badgerRecord is the CBOR value stored under each artifact key.
type badgerRecord struct {
	Modified int64  `cbor:"1,keyasint"`
	Content  []byte `cbor:"2,keyasint"`
}

var recordEncMode = func() cbor.EncMode {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("store: CBOR encoder initialization failed: " + err.Error())
	}
	return mode
}()

// BadgerStore keeps artifacts in an embedded badger database under
// "artifact/<environment><uri>" keys.
type BadgerStore struct {
	db          *badger.DB
	environment string
}

func OpenBadger(cfg BadgerConfig, environment string) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &BadgerStore{db: db, environment: environmentOrDefault(environment)}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) prefix() []byte {
	return []byte("artifact/" + s.environment)
}

func (s *BadgerStore) key(uri string) []byte {
	return append(s.prefix(), graph.CleanURI(uri)...)
}

func (s *BadgerStore) Load(_ context.Context) ([]graph.Record, error) {
	var records []graph.Record
	prefix := append(s.prefix(), '/')
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			uri := string(item.Key()[len(prefix)-1:])
			var rec badgerRecord
			if err := item.Value(func(val []byte) error {
				return cbor.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", uri, err)
			}
			records = append(records, graph.Record{
				URI:      uri,
				Content:  rec.Content,
				Modified: time.Unix(0, rec.Modified),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *BadgerStore) ReloadContent(_ context.Context, uri string) ([]byte, error) {
	var rec badgerRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key(uri))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return cbor.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, &graph.NotFoundError{URI: uri}
	}
	if err != nil {
		return nil, err
	}
	return rec.Content, nil
}

// WriteBackChanges applies the change log in a single badger transaction.
func (s *BadgerStore) WriteBackChanges(_ context.Context, changes []graph.Change) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, c := range changes {
			if c.Kind == graph.ChangeDelete {
				if err := txn.Delete(s.key(c.URI)); err != nil {
					return fmt.Errorf("delete %s: %w", c.URI, err)
				}
				continue
			}
			modified := c.Modified
			if modified.IsZero() {
				modified = time.Now()
			}
			val, err := recordEncMode.Marshal(badgerRecord{Modified: modified.UnixNano(), Content: c.Content})
			if err != nil {
				return fmt.Errorf("encode %s: %w", c.URI, err)
			}
			if err := txn.Set(s.key(c.URI), val); err != nil {
				return fmt.Errorf("%s %s: %w", c.Kind, c.URI, err)
			}
		}
		return nil
	})
}
