// Package store is the transactional persistence layer backing master
// tokens, API keys, and tasks. It is the sole owner of their rows; every
// mutation in the engine flows through it. A single *sql.DB sits behind a
// narrow method set, PRAGMAs are applied once at open, migrations are
// tracked in a schema_migrations table, and state transitions are expressed
// as single conditional UPDATEs instead of read-modify-write round trips.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"transcribeengine/internal/domain"
	"transcribeengine/internal/logging"
)

// Store is the persistence layer for master tokens, API keys, and tasks.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

// Open creates (if absent) and migrates the SQLite database at path, and
// configures WAL journaling with NORMAL synchronous durability and foreign
// key enforcement.
func Open(ctx context.Context, path string, logger logging.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: empty database path")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, wrapf(err, "create database directory %q", dir)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, wrapf(err, "open sqlite3 %q", path)
	}
	// SQLite serializes writers regardless; a single connection avoids
	// "database is locked" churn under the driver's own mutex.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logging.OrNop(logger)}
	if err := s.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.applyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenWithDB wraps an already-open database handle (used by tests to share
// an in-memory database across a single connection pool).
func OpenWithDB(ctx context.Context, db *sql.DB, logger logging.Logger) (*Store, error) {
	s := &Store{db: db, logger: logging.OrNop(logger)}
	if err := s.configurePragmas(ctx); err != nil {
		return nil, err
	}
	if err := s.applyMigrations(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, stmt := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA synchronous=NORMAL`,
		`PRAGMA foreign_keys=ON`,
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return wrapf(err, "set pragma %q", stmt)
		}
	}
	return nil
}

func wrapf(err error, format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// --- Master tokens ---

// CreateMasterToken inserts a new master token. Older tokens remain valid
// until explicitly deleted.
func (s *Store) CreateMasterToken(ctx context.Context, token string, createdAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO master_tokens (token, created_at) VALUES (?, ?)`, token, createdAt.UTC())
	if err != nil {
		return wrapf(err, "create master token")
	}
	return nil
}

// HasMasterToken reports whether at least one master token row exists.
func (s *Store) HasMasterToken(ctx context.Context) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM master_tokens`).Scan(&count); err != nil {
		return false, wrapf(err, "count master tokens")
	}
	return count > 0, nil
}

// LatestMasterToken returns the most recently created master token.
func (s *Store) LatestMasterToken(ctx context.Context) (domain.MasterToken, error) {
	var mt domain.MasterToken
	err := s.db.QueryRowContext(ctx,
		`SELECT token, created_at FROM master_tokens ORDER BY created_at DESC, rowid DESC LIMIT 1`,
	).Scan(&mt.Token, &mt.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.MasterToken{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.MasterToken{}, wrapf(err, "latest master token")
	}
	return mt, nil
}

// AllMasterTokens returns every master token on record. KeyManager uses
// this (rather than a `WHERE token = ?` lookup) so verification can compare
// every candidate in constant time instead of branching the query itself on
// secret bytes.
func (s *Store) AllMasterTokens(ctx context.Context) ([]domain.MasterToken, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT token, created_at FROM master_tokens`)
	if err != nil {
		return nil, wrapf(err, "list master tokens")
	}
	defer rows.Close()

	var out []domain.MasterToken
	for rows.Next() {
		var mt domain.MasterToken
		if err := rows.Scan(&mt.Token, &mt.CreatedAt); err != nil {
			return nil, wrapf(err, "scan master token")
		}
		out = append(out, mt)
	}
	return out, rows.Err()
}
