package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/drover/internal/model"
)

// ErrNotFound is returned when a task or round does not exist.
var ErrNotFound = errors.New("task not found")

// ErrConflict is returned when a check-and-set transition loses a race:
// assigning a task that is no longer pending, or completing a task that is
// already terminal or has been reaped back to pending. Callers treat it as
// benign and move on.
var ErrConflict = errors.New("task state conflict")

// ErrForbidden is returned when a completion is posted by a client that is
// not the task's current assignee. The stale result is discarded.
var ErrForbidden = errors.New("client is not the current assignee")

// TaskResult pairs a completed task with the result payload its client posted.
type TaskResult struct {
	TaskID string `json:"task_id"`
	Result []byte `json:"result"`
}

// RoundStatus holds per-status task counts for one round.
type RoundStatus struct {
	RoundID string         `json:"round_id"`
	Total   int            `json:"total"`
	Counts  map[string]int `json:"counts"`
}

// Done reports whether every task in the round is terminal.
func (rs *RoundStatus) Done() bool {
	return rs.Counts[model.StatusPending] == 0 && rs.Counts[model.StatusAssigned] == 0
}

// TaskStats holds aggregate task statistics across all rounds.
type TaskStats struct {
	Total         int            `json:"total"`
	Rounds        int            `json:"rounds"`
	CountByStatus map[string]int `json:"count_by_status"`
}

// Store defines the persistence operations for the task lifecycle. Every
// mutating transition is an atomic check-and-set: concurrent callers racing
// on the same task see exactly one winner, the rest get ErrConflict.
type Store interface {
	CreateBatch(ctx context.Context, roundID string, payloads [][]byte) ([]string, error)
	GetTask(ctx context.Context, id string) (*model.Task, error)
	OldestPending(ctx context.Context, limit int) ([]*model.Task, error)
	Assign(ctx context.Context, taskID, clientID string) error
	Complete(ctx context.Context, taskID, clientID string, result []byte) error
	Reap(ctx context.Context, taskID string) error
	ReapAssignedTo(ctx context.Context, clientID string) ([]string, error)
	Expire(ctx context.Context, taskID string) error
	ExpireOlderThan(ctx context.Context, cutoff time.Time) ([]string, error)
	ExpireRound(ctx context.Context, roundID string) (int, error)
	GetCompleted(ctx context.Context, roundID string) ([]TaskResult, error)
	RoundStatus(ctx context.Context, roundID string) (*RoundStatus, error)
	AssignedTo(ctx context.Context, clientID string) (*model.Task, error)
	AssignedClients(ctx context.Context) (map[string]struct{}, error)
	TaskStats(ctx context.Context) (*TaskStats, error)
	Close() error
}
