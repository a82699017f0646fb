package e2e

import (
	"testing"
	"time"
)

// Client churn: the first client completes one task and then goes silent
// while holding the second. The reconciliation sweep must hand the held
// task to a fresh client, and the round must finish with both results.
func TestClientChurnRecovery(t *testing.T) {
	binary := getBinary(t)
	sp := startServer(t, binary,
		"DROVER_HEARTBEAT_TIMEOUT=300ms",
		"DROVER_SWEEP_INTERVAL=100ms",
	)

	round := submitRound(t, sp, []byte("task-a"), []byte("task-b"))

	c1 := register(t, sp)
	taskA := poll(t, sp, c1)
	if taskA == nil {
		t.Fatal("c1 got no task")
	}
	if status := pushResult(t, sp, c1, taskA.ID, []byte("done-a")); status != 200 {
		t.Fatalf("push result status = %d, want 200", status)
	}

	// c1 picks up the second task and then stops heartbeating.
	taskB := poll(t, sp, c1)
	if taskB == nil {
		t.Fatal("c1 got no second task")
	}

	// Wait out the heartbeat timeout so the sweep reaps c1's task.
	time.Sleep(500 * time.Millisecond)

	c2 := register(t, sp)
	var recovered *taskResp
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if recovered = poll(t, sp, c2); recovered != nil {
			break
		}
		time.Sleep(pollInterval)
	}
	if recovered == nil {
		t.Fatal("c2 never received the reaped task")
	}
	if recovered.ID != taskB.ID {
		t.Fatalf("c2 got %s, want the reaped task %s", recovered.ID, taskB.ID)
	}

	if status := pushResult(t, sp, c2, recovered.ID, []byte("done-b")); status != 200 {
		t.Fatalf("push result status = %d, want 200", status)
	}

	// c1 comes back and tries to submit its stale result. Benign rejection.
	if status := pushResult(t, sp, c1, taskB.ID, []byte("stale-b")); status != 403 && status != 409 {
		t.Errorf("stale result status = %d, want 403 or 409", status)
	}

	got := waitForRoundDone(t, sp, round.RoundID, 5*time.Second)
	if got.Counts["completed"] != 2 {
		t.Errorf("completed = %d, want 2", got.Counts["completed"])
	}
	seen := map[string]bool{}
	for _, r := range got.Results {
		seen[string(r.Result)] = true
	}
	if !seen["done-a"] || !seen["done-b"] {
		t.Errorf("results = %v, want done-a and done-b", seen)
	}
	if seen["stale-b"] {
		t.Error("stale result from the dead client was recorded")
	}
}

// With no clients at all, the task deadline expires the round.
func TestDeadlineExpiryWithoutClients(t *testing.T) {
	binary := getBinary(t)
	sp := startServer(t, binary,
		"DROVER_TASK_DEADLINE=300ms",
		"DROVER_SWEEP_INTERVAL=100ms",
	)

	round := submitRound(t, sp, []byte("orphan"))

	got := waitForRoundDone(t, sp, round.RoundID, 5*time.Second)
	if got.Counts["expired"] != 1 {
		t.Errorf("expired = %d, want 1", got.Counts["expired"])
	}
	if len(got.Results) != 0 {
		t.Errorf("len(Results) = %d, want 0", len(got.Results))
	}
}

// Closing a round expires what is left but keeps completed results.
func TestCloseRoundKeepsCompleted(t *testing.T) {
	binary := getBinary(t)
	sp := startServer(t, binary)

	round := submitRound(t, sp, []byte("a"), []byte("b"), []byte("c"))

	clientID := register(t, sp)
	task := poll(t, sp, clientID)
	if task == nil {
		t.Fatal("no task")
	}
	if status := pushResult(t, sp, clientID, task.ID, []byte("kept")); status != 200 {
		t.Fatalf("push result status = %d, want 200", status)
	}

	status := deleteRound(t, sp, round.RoundID)
	if status != 200 {
		t.Fatalf("close round status = %d, want 200", status)
	}

	got := getRound(t, sp, round.RoundID)
	if !got.Done {
		t.Error("Done = false, want true")
	}
	if got.Counts["completed"] != 1 {
		t.Errorf("completed = %d, want 1", got.Counts["completed"])
	}
	if got.Counts["expired"] != 2 {
		t.Errorf("expired = %d, want 2", got.Counts["expired"])
	}
	if len(got.Results) != 1 || string(got.Results[0].Result) != "kept" {
		t.Errorf("Results = %v, want the one kept result", got.Results)
	}
}
