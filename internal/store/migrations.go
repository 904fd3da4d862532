package store

import "context"

// migration is one forward-only schema step, applied at most once and
// recorded in schema_migrations. tasks.started_at was added after the
// initial schema, so it lives in its own step instead of the initial table.
type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "initial_schema",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS master_tokens (
				token TEXT PRIMARY KEY,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE TABLE IF NOT EXISTS api_keys (
				key TEXT PRIMARY KEY,
				client_name TEXT NOT NULL,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				active INTEGER NOT NULL DEFAULT 1,
				last_used DATETIME,
				total_requests INTEGER NOT NULL DEFAULT 0,
				successful_requests INTEGER NOT NULL DEFAULT 0,
				failed_requests INTEGER NOT NULL DEFAULT 0,
				total_processing_time_seconds REAL NOT NULL DEFAULT 0,
				notes TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_api_keys_active ON api_keys (active)`,
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				api_key TEXT NOT NULL REFERENCES api_keys(key),
				filename TEXT NOT NULL,
				model_size TEXT NOT NULL,
				has_diarization INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				completed_at DATETIME,
				duration_seconds REAL,
				result_json TEXT,
				error_message TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_api_key ON tasks (api_key)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks (created_at)`,
		},
	},
	{
		version: 2,
		name:    "tasks_started_at",
		stmts: []string{
			`ALTER TABLE tasks ADD COLUMN started_at DATETIME`,
		},
	},
}

func (s *Store) applyMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return wrapf(err, "create schema_migrations")
	}

	for _, m := range migrations {
		applied, err := s.migrationApplied(ctx, m.version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) migrationApplied(ctx context.Context, version int) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&count)
	if err != nil {
		return false, wrapf(err, "check migration %d", version)
	}
	return count > 0, nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapf(err, "begin migration %d", m.version)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return wrapf(err, "apply migration %d (%s)", m.version, m.name)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, m.version, m.name); err != nil {
		return wrapf(err, "record migration %d", m.version)
	}
	return tx.Commit()
}
