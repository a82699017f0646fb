package model

import "time"

// Task status constants.
const (
	StatusPending   = "pending"
	StatusAssigned  = "assigned"
	StatusCompleted = "completed"
	StatusExpired   = "expired"
)

// Statuses lists every task status, in lifecycle order.
var Statuses = []string{StatusPending, StatusAssigned, StatusCompleted, StatusExpired}

// validTransitions maps each status to the set of statuses it may transition to.
// "assigned" may return to "pending" when a task is reaped from a dead client.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusAssigned: true,
		StatusExpired:  true,
	},
	StatusAssigned: {
		StatusPending:   true,
		StatusCompleted: true,
		StatusExpired:   true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether a status is terminal.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusExpired
}

// Task is a unit of work delivered to exactly one client at a time. The
// payload and result are opaque byte blobs; the engine never interprets them.
type Task struct {
	ID          string     `json:"id"`
	RoundID     string     `json:"round_id"`
	Status      string     `json:"status"`
	Payload     []byte     `json:"payload,omitempty"`
	AssignedTo  string     `json:"assigned_to,omitempty"`
	Result      []byte     `json:"result,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
