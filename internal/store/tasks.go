package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"transcribeengine/internal/domain"
)

// legalTransitions encodes the task state machine: queued may move to
// processing or cancelled, processing may move to completed or failed, and
// the terminal states accept no further transitions.
var legalTransitions = map[domain.TaskStatus]map[domain.TaskStatus]bool{
	domain.TaskQueued: {
		domain.TaskProcessing: true,
		domain.TaskCancelled:  true,
	},
	domain.TaskProcessing: {
		domain.TaskCompleted: true,
		domain.TaskFailed:    true,
	},
}

func legalTransition(from, to domain.TaskStatus) bool {
	return legalTransitions[from][to]
}

// CreateTask inserts t in domain.TaskQueued status. Fails with
// domain.ErrUnknownAPIKey if t.APIKey does not reference an existing row,
// or domain.ErrTaskExists on an id collision.
func (s *Store) CreateTask(ctx context.Context, t domain.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, api_key, filename, model_size, has_diarization, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.APIKey, t.Filename, string(t.ModelSize), boolToInt(t.HasDiarization),
		string(domain.TaskQueued), t.CreatedAt.UTC())
	if err != nil {
		return classifyCreateTaskError(err)
	}
	return nil
}

func classifyCreateTaskError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %v", domain.ErrTaskExists, err)
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return fmt.Errorf("%w: %v", domain.ErrUnknownAPIKey, err)
	default:
		return wrapf(err, "create task")
	}
}

// GetTask returns the row for id, or domain.ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelectColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row.Scan)
}

const taskSelectColumns = `SELECT id, api_key, filename, model_size, has_diarization, status,
	created_at, started_at, completed_at, duration_seconds, result_json, error_message`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var modelSize, status string
	var hasDiarization int
	var startedAt, completedAt sql.NullTime
	var duration sql.NullFloat64
	var resultJSON, errMsg sql.NullString

	err := scan(&t.ID, &t.APIKey, &t.Filename, &modelSize, &hasDiarization, &status,
		&t.CreatedAt, &startedAt, &completedAt, &duration, &resultJSON, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Task{}, wrapf(err, "scan task")
	}

	t.ModelSize = domain.ModelSize(modelSize)
	t.Status = domain.TaskStatus(status)
	t.HasDiarization = hasDiarization != 0
	if startedAt.Valid {
		v := startedAt.Time
		t.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}
	if duration.Valid {
		v := duration.Float64
		t.DurationSeconds = &v
	}
	if resultJSON.Valid {
		v := resultJSON.String
		t.ResultJSON = &v
	}
	if errMsg.Valid {
		v := errMsg.String
		t.ErrorMessage = &v
	}
	return t, nil
}

// transition performs a single conditional UPDATE guarded by the current
// status, so concurrent callers racing the same task commute to exactly one
// winner -- the same discipline as ClaimForProcessing, generalized to every
// legal edge in the state machine.
func (s *Store) transition(ctx context.Context, id string, to domain.TaskStatus, mutate func(now time.Time) (setClause string, args []any)) (bool, error) {
	var current string
	if err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, domain.ErrNotFound
		}
		return false, wrapf(err, "transition: select status")
	}
	from := domain.TaskStatus(current)
	if !legalTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", domain.ErrIllegalTransition, from, to)
	}

	now := time.Now().UTC()
	setClause, args := mutate(now)
	query := fmt.Sprintf(`UPDATE tasks SET status = ?, %s WHERE id = ? AND status = ?`, setClause)
	execArgs := append([]any{string(to)}, args...)
	execArgs = append(execArgs, id, current)

	res, err := s.db.ExecContext(ctx, query, execArgs...)
	if err != nil {
		return false, wrapf(err, "transition update")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapf(err, "transition rows affected")
	}
	return n == 1, nil
}

// UpdateTaskStatus performs a generic state transition, setting started_at
// the first time status becomes processing and completed_at on any terminal
// state, and recording errMsg when provided. Illegal transitions are
// rejected with domain.ErrIllegalTransition.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, to domain.TaskStatus, errMsg *string) error {
	ok, err := s.transition(ctx, id, to, func(now time.Time) (string, []any) {
		switch {
		case to == domain.TaskProcessing:
			return "started_at = ?", []any{now}
		case to.Terminal():
			if errMsg != nil {
				return "completed_at = ?, error_message = ?", []any{now, *errMsg}
			}
			return "completed_at = ?", []any{now}
		default:
			return "status = status", nil // unreachable: cancelled/queued carry no extra columns
		}
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: task %s not in a state that allows -> %s", domain.ErrIllegalTransition, id, to)
	}
	return nil
}

// ClaimForProcessing atomically moves a queued task to processing. Of K
// concurrent callers racing the same task, exactly one returns true, which
// also leaves a clean seam for multi-process deployments even though the
// single-process worker pool already gets mutual exclusion from the queue.
func (s *Store) ClaimForProcessing(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, started_at = ?
		WHERE id = ? AND status = ?`,
		string(domain.TaskProcessing), now, id, string(domain.TaskQueued))
	if err != nil {
		return false, wrapf(err, "claim for processing")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapf(err, "claim for processing: rows affected")
	}
	return n == 1, nil
}

// MarkCompleted transitions a processing task to completed, recording its
// audio duration and serialized result.
func (s *Store) MarkCompleted(ctx context.Context, id string, durationSeconds *float64, resultJSON string) error {
	ok, err := s.transition(ctx, id, domain.TaskCompleted, func(now time.Time) (string, []any) {
		return "completed_at = ?, duration_seconds = ?, result_json = ?", []any{now, durationSeconds, resultJSON}
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: task %s not processing", domain.ErrIllegalTransition, id)
	}
	return nil
}

// MarkFailed transitions a processing task to failed with errMsg, truncated
// to domain.MaxErrorMessageLen.
func (s *Store) MarkFailed(ctx context.Context, id string, errMsg string) error {
	if len(errMsg) > domain.MaxErrorMessageLen {
		errMsg = errMsg[:domain.MaxErrorMessageLen]
	}
	ok, err := s.transition(ctx, id, domain.TaskFailed, func(now time.Time) (string, []any) {
		return "completed_at = ?, error_message = ?", []any{now, errMsg}
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: task %s not processing", domain.ErrIllegalTransition, id)
	}
	return nil
}

// CancelTask transitions a queued task to cancelled. Returns
// domain.ErrIllegalTransition if the task is not currently queued.
func (s *Store) CancelTask(ctx context.Context, id string) error {
	ok, err := s.transition(ctx, id, domain.TaskCancelled, func(now time.Time) (string, []any) {
		return "completed_at = ?", []any{now}
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: task %s not queued", domain.ErrIllegalTransition, id)
	}
	return nil
}

// DeleteTask removes a task row outright. Used only by intake to back out a
// freshly created row whose handle lost the admission race; every other exit
// from the state machine goes through a terminal transition instead.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return wrapf(err, "delete task")
	}
	return requireOneRow(res, "delete task")
}

// ListTasksByKeyPaginated returns up to limit tasks for key (newest first)
// plus the total count of rows matching key and status, before limit and
// offset are applied. limit is capped at domain.MaxListLimit.
func (s *Store) ListTasksByKeyPaginated(ctx context.Context, key string, status *domain.TaskStatus, limit, offset int) ([]domain.Task, int, error) {
	if limit <= 0 || limit > domain.MaxListLimit {
		limit = domain.MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	whereClause := `WHERE api_key = ?`
	args := []any{key}
	if status != nil {
		whereClause += ` AND status = ?`
		args = append(args, string(*status))
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM tasks ` + whereClause
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, wrapf(err, "count tasks by key")
	}

	query := taskSelectColumns + ` FROM tasks ` + whereClause + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, wrapf(err, "list tasks by key")
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

// ListAllTasks returns up to limit tasks across every key, newest first,
// optionally filtered by status. Used by admin listings (QueryAPI.ListAllTasks).
func (s *Store) ListAllTasks(ctx context.Context, status *domain.TaskStatus, limit int) ([]domain.Task, error) {
	if limit <= 0 || limit > domain.MaxListLimit {
		limit = domain.MaxListLimit
	}
	query := taskSelectColumns + ` FROM tasks`
	var args []any
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapf(err, "list all tasks")
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TaskStatistics is the fleet-wide task aggregate surfaced on /health and
// admin listings.
type TaskStatistics struct {
	Total             int
	Queued            int
	Processing        int
	Completed         int
	Failed            int
	Cancelled         int
	TotalDurationSecs float64
}

// AvgDurationSecs is the mean duration across completed tasks, 0 if none.
func (s TaskStatistics) AvgDurationSecs() float64 {
	if s.Completed == 0 {
		return 0
	}
	return s.TotalDurationSecs / float64(s.Completed)
}

// Statistics computes the fleet-wide task aggregate, optionally scoped to
// one API key.
func (s *Store) Statistics(ctx context.Context, key *string) (TaskStatistics, error) {
	query := `SELECT status, COUNT(*), COALESCE(SUM(duration_seconds), 0) FROM tasks`
	var args []any
	if key != nil {
		query += ` WHERE api_key = ?`
		args = append(args, *key)
	}
	query += ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return TaskStatistics{}, wrapf(err, "task statistics")
	}
	defer rows.Close()

	var stats TaskStatistics
	for rows.Next() {
		var status string
		var count int
		var duration float64
		if err := rows.Scan(&status, &count, &duration); err != nil {
			return TaskStatistics{}, wrapf(err, "scan task statistics")
		}
		stats.Total += count
		switch domain.TaskStatus(status) {
		case domain.TaskQueued:
			stats.Queued = count
		case domain.TaskProcessing:
			stats.Processing = count
		case domain.TaskCompleted:
			stats.Completed = count
			stats.TotalDurationSecs += duration
		case domain.TaskFailed:
			stats.Failed = count
		case domain.TaskCancelled:
			stats.Cancelled = count
		}
	}
	return stats, rows.Err()
}

// RecoverInterruptedTasks is the startup recovery pass: every task found in
// processing status is an artifact of a crash (the external transcriber was
// interrupted mid-call), so each is transitioned to failed with a stable
// "interrupted" message. Returns the number recovered.
func (s *Store) RecoverInterruptedTasks(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM tasks WHERE status = ?`, string(domain.TaskProcessing))
	if err != nil {
		return 0, wrapf(err, "select interrupted tasks")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, wrapf(err, "scan interrupted task id")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	recovered := 0
	for _, id := range ids {
		if err := s.MarkFailed(ctx, id, domain.InterruptedErrorMessage); err != nil {
			return recovered, wrapf(err, "recover task %s", id)
		}
		recovered++
	}
	return recovered, nil
}
