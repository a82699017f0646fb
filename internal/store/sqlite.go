package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/drover/internal/model"

	_ "modernc.org/sqlite"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id           TEXT PRIMARY KEY,
    round_id     TEXT NOT NULL,
    status       TEXT NOT NULL,
    payload      BLOB NOT NULL,
    assigned_to  TEXT NOT NULL DEFAULT '',
    result       BLOB,
    created_at   DATETIME NOT NULL,
    updated_at   DATETIME NOT NULL,
    assigned_at  DATETIME,
    completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_tasks_round ON tasks(round_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks(status, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks(assigned_to, status)`

const taskColumns = `id, round_id, status, payload, assigned_to, result,
	created_at, updated_at, assigned_at, completed_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite. Conditional UPDATEs carry the
// check-and-set semantics: a transition only fires when the WHERE clause still
// sees the expected prior state, so racing callers cannot both win.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createTasksTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tasks table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateBatch inserts one pending task per payload under the given round ID,
// all in a single transaction. Returns the new task IDs in payload order.
func (s *SQLiteStore) CreateBatch(ctx context.Context, roundID string, payloads [][]byte) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO tasks (id, round_id, status, payload, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	ids := make([]string, 0, len(payloads))
	for _, payload := range payloads {
		id := model.NewID()
		if _, err := stmt.ExecContext(ctx, id, roundID, model.StatusPending, payload, now, now); err != nil {
			return nil, fmt.Errorf("insert task: %w", err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit batch: %w", err)
	}
	return ids, nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// OldestPending returns up to limit pending tasks, oldest first. The ID is
// the tiebreaker for tasks created in the same instant.
func (s *SQLiteStore) OldestPending(ctx context.Context, limit int) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT ?`,
		model.StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// Assign transitions a task from pending to assigned and records the
// assignee. Returns ErrConflict if the task is no longer pending.
func (s *SQLiteStore) Assign(ctx context.Context, taskID, clientID string) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, assigned_to = ?, updated_at = ?, assigned_at = ?
		 WHERE id = ? AND status = ?`,
		model.StatusAssigned, clientID, now, now, taskID, model.StatusPending)
	if err != nil {
		return fmt.Errorf("assign task: %w", err)
	}
	return s.checkTransition(ctx, result, taskID, nil)
}

// Complete transitions a task from assigned to completed and stores the
// result payload. The assignee check is part of the same atomic UPDATE:
// a result posted by anyone but the current assignee returns ErrForbidden,
// and a task that is already terminal (or reaped back to pending) returns
// ErrConflict. A nil result is stored as an empty blob so that a completed
// task always carries a non-nil result.
func (s *SQLiteStore) Complete(ctx context.Context, taskID, clientID string, resultPayload []byte) error {
	if resultPayload == nil {
		resultPayload = []byte{}
	}
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, result = ?, updated_at = ?, completed_at = ?
		 WHERE id = ? AND status = ? AND assigned_to = ?`,
		model.StatusCompleted, resultPayload, now, now, taskID, model.StatusAssigned, clientID)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return s.checkTransition(ctx, result, taskID, func(t *model.Task) error {
		if t.Status == model.StatusAssigned && t.AssignedTo != clientID {
			return ErrForbidden
		}
		return ErrConflict
	})
}

// Reap forces an assigned task back to pending with the assignee cleared,
// making it claimable by another client. Returns ErrConflict if the task is
// not currently assigned.
func (s *SQLiteStore) Reap(ctx context.Context, taskID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, assigned_to = '', updated_at = ?, assigned_at = NULL
		 WHERE id = ? AND status = ?`,
		model.StatusPending, time.Now().UTC(), taskID, model.StatusAssigned)
	if err != nil {
		return fmt.Errorf("reap task: %w", err)
	}
	return s.checkTransition(ctx, result, taskID, nil)
}

// ReapAssignedTo reaps every task currently assigned to the given client,
// returning the IDs of the tasks that went back to pending.
func (s *SQLiteStore) ReapAssignedTo(ctx context.Context, clientID string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	ids, err := collectIDs(tx.QueryContext(ctx,
		`SELECT id FROM tasks WHERE assigned_to = ? AND status = ?`,
		clientID, model.StatusAssigned))
	if err != nil {
		return nil, fmt.Errorf("list assigned tasks: %w", err)
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, assigned_to = '', updated_at = ?, assigned_at = NULL
		 WHERE assigned_to = ? AND status = ?`,
		model.StatusPending, time.Now().UTC(), clientID, model.StatusAssigned); err != nil {
		return nil, fmt.Errorf("reap assigned tasks: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reap: %w", err)
	}
	return ids, nil
}

// Expire forces a non-terminal task to expired. Returns ErrConflict if the
// task is already terminal.
func (s *SQLiteStore) Expire(ctx context.Context, taskID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		model.StatusExpired, time.Now().UTC(), taskID, model.StatusPending, model.StatusAssigned)
	if err != nil {
		return fmt.Errorf("expire task: %w", err)
	}
	return s.checkTransition(ctx, result, taskID, nil)
}

// ExpireOlderThan expires every non-terminal task created at or before
// cutoff, returning the affected task IDs.
func (s *SQLiteStore) ExpireOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	ids, err := collectIDs(tx.QueryContext(ctx,
		`SELECT id FROM tasks WHERE status IN (?, ?) AND created_at <= ?`,
		model.StatusPending, model.StatusAssigned, cutoff))
	if err != nil {
		return nil, fmt.Errorf("list overdue tasks: %w", err)
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ?
		 WHERE status IN (?, ?) AND created_at <= ?`,
		model.StatusExpired, time.Now().UTC(),
		model.StatusPending, model.StatusAssigned, cutoff); err != nil {
		return nil, fmt.Errorf("expire overdue tasks: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit expiry: %w", err)
	}
	return ids, nil
}

// ExpireRound expires every non-terminal task in the round, returning how
// many tasks were affected.
func (s *SQLiteStore) ExpireRound(ctx context.Context, roundID string) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ?
		 WHERE round_id = ? AND status IN (?, ?)`,
		model.StatusExpired, time.Now().UTC(), roundID,
		model.StatusPending, model.StatusAssigned)
	if err != nil {
		return 0, fmt.Errorf("expire round: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(n), nil
}

// GetCompleted returns the result payloads of every completed task in the
// round, oldest task first. Expired tasks are excluded.
func (s *SQLiteStore) GetCompleted(ctx context.Context, roundID string) ([]TaskResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, result FROM tasks
		 WHERE round_id = ? AND status = ? ORDER BY created_at ASC, id ASC`,
		roundID, model.StatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("list completed tasks: %w", err)
	}
	defer rows.Close()

	results := []TaskResult{}
	for rows.Next() {
		var tr TaskResult
		if err := rows.Scan(&tr.TaskID, &tr.Result); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if tr.Result == nil {
			tr.Result = []byte{}
		}
		results = append(results, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return results, nil
}

// RoundStatus returns per-status task counts for the round. Returns
// ErrNotFound for a round that never existed.
func (s *SQLiteStore) RoundStatus(ctx context.Context, roundID string) (*RoundStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks WHERE round_id = ? GROUP BY status`,
		roundID)
	if err != nil {
		return nil, fmt.Errorf("count round tasks: %w", err)
	}
	defer rows.Close()

	rs := &RoundStatus{RoundID: roundID, Counts: make(map[string]int)}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		rs.Counts[status] = count
		rs.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	if rs.Total == 0 {
		return nil, ErrNotFound
	}
	return rs, nil
}

// AssignedTo returns the task currently assigned to the client, or
// ErrNotFound when the client holds none.
func (s *SQLiteStore) AssignedTo(ctx context.Context, clientID string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE assigned_to = ? AND status = ? LIMIT 1`,
		clientID, model.StatusAssigned)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get assigned task: %w", err)
	}
	return t, nil
}

// AssignedClients returns the set of client IDs currently holding a task.
func (s *SQLiteStore) AssignedClients(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT assigned_to FROM tasks WHERE status = ?`, model.StatusAssigned)
	if err != nil {
		return nil, fmt.Errorf("list assigned clients: %w", err)
	}
	defer rows.Close()

	clients := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan client id: %w", err)
		}
		clients[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clients: %w", err)
	}
	return clients, nil
}

// TaskStats returns aggregate counts across all rounds.
func (s *SQLiteStore) TaskStats(ctx context.Context) (*TaskStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &TaskStats{CountByStatus: make(map[string]int)}

	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT round_id) FROM tasks`).
		Scan(&stats.Total, &stats.Rounds); err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return stats, nil
}

// checkTransition interprets the outcome of a conditional UPDATE. Zero rows
// affected means the WHERE clause no longer matched: the task is gone
// (ErrNotFound) or its state moved underneath us. classify, when non-nil,
// distinguishes ErrForbidden from plain ErrConflict off the task's current
// state; otherwise ErrConflict is assumed.
func (s *SQLiteStore) checkTransition(ctx context.Context, result sql.Result, taskID string, classify func(*model.Task) error) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if classify != nil {
		return classify(t)
	}
	return ErrConflict
}

// scanner abstracts *sql.Row and *sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*model.Task, error) {
	t := &model.Task{}
	err := row.Scan(
		&t.ID, &t.RoundID, &t.Status, &t.Payload, &t.AssignedTo, &t.Result,
		&t.CreatedAt, &t.UpdatedAt, &t.AssignedAt, &t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if t.Status == model.StatusCompleted && t.Result == nil {
		t.Result = []byte{}
	}
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]*model.Task, error) {
	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

func collectIDs(rows *sql.Rows, err error) ([]string, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
