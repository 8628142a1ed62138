package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"confgraph/internal/graph"
)

// PostgresStore keeps artifacts in a single table keyed by (uri, environment).
type PostgresStore struct {
	db          *sql.DB
	environment string

	schemaOnce sync.Once
	schemaErr  error
}

func NewPostgresStore(db *sql.DB, environment string) *PostgresStore {
	return &PostgresStore{db: db, environment: environmentOrDefault(environment)}
}

// OpenPostgres connects through the pgx driver and checks the connection.
func OpenPostgres(ctx context.Context, dsn, environment string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return NewPostgresStore(db, environment), nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("db is nil")
	}
	s.schemaOnce.Do(func() {
		_, s.schemaErr = s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS artifacts (
    uri TEXT NOT NULL,
    environment TEXT NOT NULL,
    modified TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    content BYTEA NOT NULL DEFAULT ''::bytea,
    UNIQUE(uri, environment)
);
CREATE INDEX IF NOT EXISTS idx_artifacts_environment ON artifacts(environment);
`)
	})
	return s.schemaErr
}

// Load reads every artifact of the environment inside one read-only
// transaction and fails if the row count disagrees with what was read.
func (s *PostgresStore) Load(ctx context.Context) ([]graph.Record, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var expected int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM artifacts WHERE environment=$1`, s.environment).Scan(&expected); err != nil {
		return nil, fmt.Errorf("count artifacts: %w", err)
	}
	rows, err := tx.QueryContext(ctx, `SELECT uri, modified, content FROM artifacts WHERE environment=$1 ORDER BY uri`, s.environment)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]graph.Record, 0, expected)
	for rows.Next() {
		var rec graph.Record
		if err := rows.Scan(&rec.URI, &rec.Modified, &rec.Content); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := checkRowCount(expected, len(records)); err != nil {
		return nil, err
	}
	return records, nil
}

func checkRowCount(expected, actual int) error {
	if expected != actual {
		return &graph.StoreCorruptionError{Expected: expected, Actual: actual}
	}
	return nil
}

func (s *PostgresStore) ReloadContent(ctx context.Context, uri string) ([]byte, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	var content []byte
	err := s.db.QueryRowContext(ctx, `SELECT content FROM artifacts WHERE uri=$1 AND environment=$2`, uri, s.environment).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &graph.NotFoundError{URI: uri}
	}
	return content, err
}

// WriteBackChanges applies the whole change log in one transaction.
func (s *PostgresStore) WriteBackChanges(ctx context.Context, changes []graph.Change) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range changes {
		if c.Kind == graph.ChangeDelete {
			if _, err := tx.ExecContext(ctx, `DELETE FROM artifacts WHERE uri=$1 AND environment=$2`, c.URI, s.environment); err != nil {
				return fmt.Errorf("delete %s: %w", c.URI, err)
			}
			continue
		}
		content := c.Content
		if content == nil {
			content = []byte{}
		}
		modified := c.Modified
		if modified.IsZero() {
			modified = time.Now()
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO artifacts (uri, environment, modified, content)
VALUES ($1, $2, $3, $4)
ON CONFLICT (uri, environment)
DO UPDATE SET content=EXCLUDED.content, modified=EXCLUDED.modified
`, c.URI, s.environment, modified, content)
		if err != nil {
			return fmt.Errorf("%s %s: %w", c.Kind, c.URI, err)
		}
	}
	return tx.Commit()
}
