package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/drover/internal/model"
	"github.com/seantiz/drover/internal/registry"
	"github.com/seantiz/drover/internal/store"
)

// Defaults applied when a Config field is zero.
const (
	DefaultHeartbeatTimeout = 30 * time.Second
	DefaultSweepInterval    = 5 * time.Second
	DefaultTaskDeadline     = 10 * time.Minute
	DefaultAssignRetries    = 3
)

// clientRetention is how many heartbeat timeouts a disconnected client stays
// in the registry before the sweep drops it. Long enough that a node riding
// out a transient outage keeps its record; a purged node that comes back is
// simply re-admitted on its next register.
const clientRetention = 10

// Config holds the coordinator's timing and retry knobs.
type Config struct {
	// HeartbeatTimeout is how long a client may go silent before its tasks
	// are reaped.
	HeartbeatTimeout time.Duration
	// SweepInterval is the cadence of the background reconciliation and
	// deadline sweeps. It bounds how long an abandoned task can stay stuck.
	SweepInterval time.Duration
	// TaskDeadline is the maximum age of a non-terminal task.
	TaskDeadline time.Duration
	// AssignRetries bounds how many pending candidates one poll attempts to
	// claim before giving up with "no task".
	AssignRetries int
}

func (c Config) withDefaults() Config {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.TaskDeadline <= 0 {
		c.TaskDeadline = DefaultTaskDeadline
	}
	if c.AssignRetries <= 0 {
		c.AssignRetries = DefaultAssignRetries
	}
	return c
}

// Coordinator owns task assignment and the background sweeps. It holds no
// task state of its own; the store and registry are the only shared state,
// and every transition goes through their atomic operations.
type Coordinator struct {
	store    store.Store
	registry *registry.Registry
	events   *EventBroker
	cfg      Config
	logger   *slog.Logger
}

// New creates a coordinator over the given store and registry.
func New(s store.Store, reg *registry.Registry, cfg Config, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:    s,
		registry: reg,
		events:   NewEventBroker(),
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// Events returns the broker streaming task lifecycle events per round.
func (c *Coordinator) Events() *EventBroker {
	return c.events
}

// RegisterClient registers or reconnects a client and returns its identity.
func (c *Coordinator) RegisterClient(id string) string {
	issued := c.registry.Register(id)
	if id == "" {
		c.logger.Info("client registered", "client_id", issued)
	} else {
		c.logger.Debug("client reconnected", "client_id", issued)
	}
	clientsConnected.Set(float64(c.registry.ConnectedCount()))
	return issued
}

// HeartbeatClient refreshes a client's liveness.
func (c *Coordinator) HeartbeatClient(id string) error {
	return c.registry.Heartbeat(id)
}

// Clients returns all known clients.
func (c *Coordinator) Clients() []model.Client {
	return c.registry.List()
}

// PollTask handles one client poll: refresh the heartbeat, then hand out the
// oldest pending task. A client already holding an assigned task gets that
// task redelivered, which makes polls idempotent against lost responses.
// Returns (nil, nil) when no task is available; the client retries later.
func (c *Coordinator) PollTask(ctx context.Context, clientID string) (*model.Task, error) {
	if err := c.registry.Heartbeat(clientID); err != nil {
		return nil, err
	}

	held, err := c.store.AssignedTo(ctx, clientID)
	if err == nil {
		c.logger.Debug("redelivering held task", "client_id", clientID, "task_id", held.ID)
		return held, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("look up held task: %w", err)
	}

	candidates, err := c.store.OldestPending(ctx, c.cfg.AssignRetries)
	if err != nil {
		return nil, fmt.Errorf("list pending tasks: %w", err)
	}

	for _, task := range candidates {
		err := c.store.Assign(ctx, task.ID, clientID)
		if errors.Is(err, store.ErrConflict) {
			// Lost the race to a concurrent poll; try the next-oldest.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("assign task: %w", err)
		}
		tasksAssignedTotal.Inc()
		c.logger.Debug("task assigned", "task_id", task.ID, "client_id", clientID)
		task.Status = model.StatusAssigned
		task.AssignedTo = clientID
		c.events.Publish(task.RoundID, Event{
			Type:     EventAssigned,
			RoundID:  task.RoundID,
			TaskID:   task.ID,
			ClientID: clientID,
		})
		return task, nil
	}

	return nil, nil
}

// PushResult records a client's result for a task. ErrForbidden and
// ErrConflict mean the client lost a race (reaped, expired, or already
// completed); callers surface them quietly, not as failures.
func (c *Coordinator) PushResult(ctx context.Context, clientID, taskID string, result []byte) error {
	if err := c.store.Complete(ctx, taskID, clientID, result); err != nil {
		return err
	}
	tasksCompletedTotal.Inc()
	c.logger.Debug("task completed", "task_id", taskID, "client_id", clientID)
	c.announce(ctx, taskID, EventCompleted, clientID)
	return nil
}

// announce publishes a lifecycle event for the task's round. Terminal
// transitions also close the round's event stream once nothing is left
// pending or assigned.
func (c *Coordinator) announce(ctx context.Context, taskID, eventType, clientID string) {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		c.logger.Error("look up task for event", "task_id", taskID, "error", err)
		return
	}
	c.events.Publish(task.RoundID, Event{
		Type:     eventType,
		RoundID:  task.RoundID,
		TaskID:   taskID,
		ClientID: clientID,
	})
	if eventType != EventCompleted && eventType != EventExpired {
		return
	}
	status, err := c.store.RoundStatus(ctx, task.RoundID)
	if err != nil {
		c.logger.Error("round status for event stream", "round_id", task.RoundID, "error", err)
		return
	}
	if status.Done() {
		c.events.Close(task.RoundID)
	}
}

// SubmitRound creates one pending task per payload and returns the new round
// ID with its task IDs.
func (c *Coordinator) SubmitRound(ctx context.Context, payloads [][]byte) (string, []string, error) {
	roundID := model.NewID()
	taskIDs, err := c.store.CreateBatch(ctx, roundID, payloads)
	if err != nil {
		return "", nil, fmt.Errorf("create round: %w", err)
	}
	c.logger.Info("round submitted", "round_id", roundID, "tasks", len(taskIDs))
	return roundID, taskIDs, nil
}

// RoundSnapshot returns the round's status counts together with the results
// completed so far. Safe to call repeatedly while the driver polls.
func (c *Coordinator) RoundSnapshot(ctx context.Context, roundID string) (*store.RoundStatus, []store.TaskResult, error) {
	status, err := c.store.RoundStatus(ctx, roundID)
	if err != nil {
		return nil, nil, err
	}
	results, err := c.store.GetCompleted(ctx, roundID)
	if err != nil {
		return nil, nil, fmt.Errorf("collect round results: %w", err)
	}
	return status, results, nil
}

// CloseRound expires every non-terminal task in the round and returns the
// final status counts.
func (c *Coordinator) CloseRound(ctx context.Context, roundID string) (*store.RoundStatus, error) {
	if _, err := c.store.RoundStatus(ctx, roundID); err != nil {
		return nil, err
	}
	n, err := c.store.ExpireRound(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("expire round: %w", err)
	}
	if n > 0 {
		tasksExpiredTotal.Add(float64(n))
		c.logger.Info("round closed", "round_id", roundID, "expired", n)
	}
	c.events.Publish(roundID, Event{Type: EventClosed, RoundID: roundID})
	c.events.Close(roundID)
	return c.store.RoundStatus(ctx, roundID)
}

// Run drives the background sweeps until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	c.logger.Info("coordinator sweeps started",
		"sweep_interval", c.cfg.SweepInterval.String(),
		"heartbeat_timeout", c.cfg.HeartbeatTimeout.String(),
		"task_deadline", c.cfg.TaskDeadline.String(),
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("coordinator sweeps stopped")
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation plus deadline-enforcement pass. Run calls it
// on a timer; tests call it directly.
func (c *Coordinator) Sweep(ctx context.Context) {
	c.reconcile(ctx)
	c.enforceDeadlines(ctx)
	clientsConnected.Set(float64(c.registry.ConnectedCount()))
}

// reconcile marks silent clients disconnected and reaps their tasks back to
// pending so other clients can pick them up.
func (c *Coordinator) reconcile(ctx context.Context) {
	for _, id := range c.registry.Stale(c.cfg.HeartbeatTimeout) {
		c.registry.MarkDisconnected(id)
		reaped, err := c.store.ReapAssignedTo(ctx, id)
		if err != nil {
			c.logger.Error("reap tasks of stale client", "client_id", id, "error", err)
			continue
		}
		tasksReapedTotal.Add(float64(len(reaped)))
		c.logger.Info("client marked disconnected", "client_id", id, "tasks_reaped", len(reaped))
		for _, taskID := range reaped {
			c.announce(ctx, taskID, EventReaped, id)
		}
	}

	// Registry entries for long-gone clients are dropped so the client map
	// does not grow without bound under churn.
	if purged := c.registry.Purge(clientRetention * c.cfg.HeartbeatTimeout); len(purged) > 0 {
		c.logger.Info("disconnected clients purged", "count", len(purged))
	}
}

// enforceDeadlines expires non-terminal tasks older than the task deadline.
func (c *Coordinator) enforceDeadlines(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-c.cfg.TaskDeadline)
	expired, err := c.store.ExpireOlderThan(ctx, cutoff)
	if err != nil {
		c.logger.Error("expire overdue tasks", "error", err)
		return
	}
	if len(expired) > 0 {
		tasksExpiredTotal.Add(float64(len(expired)))
		c.logger.Info("tasks expired past deadline", "count", len(expired))
		for _, taskID := range expired {
			c.announce(ctx, taskID, EventExpired, "")
		}
	}
}
