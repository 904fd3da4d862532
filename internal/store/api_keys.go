package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"transcribeengine/internal/domain"
)

// CreateAPIKey inserts a new, active API key with zeroed counters.
func (s *Store) CreateAPIKey(ctx context.Context, key domain.APIKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (key, client_name, created_at, active, notes)
		VALUES (?, ?, ?, ?, ?)`,
		key.Key, key.ClientName, key.CreatedAt.UTC(), boolToInt(key.Active), key.Notes)
	if err != nil {
		return wrapf(err, "create api key")
	}
	return nil
}

// GetAPIKey returns the row for key, or domain.ErrNotFound.
func (s *Store) GetAPIKey(ctx context.Context, key string) (domain.APIKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, client_name, created_at, active, last_used, total_requests,
		       successful_requests, failed_requests, total_processing_time_seconds, notes
		FROM api_keys WHERE key = ?`, key)
	return scanAPIKey(row.Scan)
}

// ListAPIKeys returns every API key, optionally restricted to active ones.
// Used both by admin listings and by KeyManager's constant-time verify.
func (s *Store) ListAPIKeys(ctx context.Context, activeOnly bool) ([]domain.APIKey, error) {
	query := `SELECT key, client_name, created_at, active, last_used, total_requests,
	                 successful_requests, failed_requests, total_processing_time_seconds, notes
	          FROM api_keys`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, wrapf(err, "list api keys")
	}
	defer rows.Close()

	var out []domain.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// SetAPIKeyActive flips the active flag. Returns domain.ErrNotFound if key
// does not exist.
func (s *Store) SetAPIKeyActive(ctx context.Context, key string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET active = ? WHERE key = ?`, boolToInt(active), key)
	if err != nil {
		return wrapf(err, "set api key active")
	}
	return requireOneRow(res, "set api key active")
}

// UpdateAPIKeyNotes replaces the notes field.
func (s *Store) UpdateAPIKeyNotes(ctx context.Context, key, notes string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET notes = ? WHERE key = ?`, notes, key)
	if err != nil {
		return wrapf(err, "update api key notes")
	}
	return requireOneRow(res, "update api key notes")
}

// DeleteAPIKey removes key. Returns domain.ErrNotFound if it did not exist.
func (s *Store) DeleteAPIKey(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE key = ?`, key)
	if err != nil {
		return wrapf(err, "delete api key")
	}
	return requireOneRow(res, "delete api key")
}

// LogUsage performs the usage-counter update as a single UPDATE with
// `col = col + const` arithmetic, never a read-modify-write, so concurrent
// calls for the same key commute.
func (s *Store) LogUsage(ctx context.Context, key string, success bool, processingTimeSeconds float64, when time.Time) error {
	successInc, failInc := 0, 1
	if success {
		successInc, failInc = 1, 0
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE api_keys
		SET last_used = ?,
		    total_requests = total_requests + 1,
		    successful_requests = successful_requests + ?,
		    failed_requests = failed_requests + ?,
		    total_processing_time_seconds = total_processing_time_seconds + ?
		WHERE key = ?`,
		when.UTC(), successInc, failInc, processingTimeSeconds, key)
	if err != nil {
		return wrapf(err, "log usage")
	}
	return requireOneRow(res, "log usage")
}

func scanAPIKey(scan func(dest ...any) error) (domain.APIKey, error) {
	var k domain.APIKey
	var lastUsed sql.NullTime
	var active int
	err := scan(&k.Key, &k.ClientName, &k.CreatedAt, &active, &lastUsed,
		&k.TotalRequests, &k.SuccessfulRequests, &k.FailedRequests, &k.TotalProcessingTimeSeconds, &k.Notes)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.APIKey{}, wrapf(err, "scan api key")
	}
	k.Active = active != 0
	if lastUsed.Valid {
		t := lastUsed.Time
		k.LastUsed = &t
	}
	return k, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireOneRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrapf(err, "%s: rows affected", op)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
