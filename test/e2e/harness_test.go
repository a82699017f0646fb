package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// serverProc holds the running coordinator subprocess and its output.
type serverProc struct {
	cmd    *exec.Cmd
	stdout *lockedBuffer
	url    string
}

var (
	builtBinary string
	buildOnce   sync.Once
	buildErr    error
)

func getBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "drover-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		binary := filepath.Join(dir, "drover")
		cmd := exec.Command("go", "build", "-o", binary, "./cmd/drover")
		cmd.Dir = findRepoRoot(t)
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("go build failed: %w\n%s", err, out)
			return
		}
		builtBinary = binary
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return builtBinary
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

// startServer spawns a coordinator on a free port. extraEnv entries are
// KEY=VALUE pairs appended after the defaults, so tests can shorten the
// heartbeat timeout, sweep interval, or task deadline.
func startServer(t *testing.T, binary string, extraEnv ...string) *serverProc {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	dbPath := filepath.Join(t.TempDir(), "test.db")

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary)
	cmd.Env = append(os.Environ(),
		"DROVER_LISTEN_ADDR="+addr,
		"DROVER_DB_PATH="+dbPath,
		"DROVER_LOG_LEVEL=info",
	)
	cmd.Env = append(cmd.Env, extraEnv...)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	sp := &serverProc{
		cmd:    cmd,
		stdout: stdout,
		url:    "http://" + addr,
	}

	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == 200 {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\nstdout:\n%s", startupTimeout, stdout.String())
	return nil
}

// postJSON posts body to path and decodes the JSON response into out when
// it is non-nil. Returns the HTTP status code.
func postJSON(t *testing.T, sp *serverProc, path string, body, out any) int {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(sp.url+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s response: %v", path, err)
		}
	}
	return resp.StatusCode
}

type registerResp struct {
	ClientID string `json:"client_id"`
}

type pollResp struct {
	Task *taskResp `json:"task"`
}

type taskResp struct {
	ID      string `json:"id"`
	RoundID string `json:"round_id"`
	Status  string `json:"status"`
	Payload []byte `json:"payload"`
}

type createRoundResp struct {
	RoundID string   `json:"round_id"`
	TaskIDs []string `json:"task_ids"`
}

type roundResp struct {
	RoundID string         `json:"round_id"`
	Total   int            `json:"total"`
	Counts  map[string]int `json:"counts"`
	Done    bool           `json:"done"`
	Results []struct {
		TaskID string `json:"task_id"`
		Result []byte `json:"result"`
	} `json:"results"`
}

func register(t *testing.T, sp *serverProc) string {
	t.Helper()
	var resp registerResp
	status := postJSON(t, sp, "/v1/fleet/register", map[string]string{}, &resp)
	if status != 200 {
		t.Fatalf("register status = %d, want 200", status)
	}
	if resp.ClientID == "" {
		t.Fatal("register returned empty client_id")
	}
	return resp.ClientID
}

func submitRound(t *testing.T, sp *serverProc, payloads ...[]byte) createRoundResp {
	t.Helper()
	var resp createRoundResp
	status := postJSON(t, sp, "/v1/rounds", map[string]any{"payloads": payloads}, &resp)
	if status != 201 {
		t.Fatalf("create round status = %d, want 201", status)
	}
	return resp
}

func poll(t *testing.T, sp *serverProc, clientID string) *taskResp {
	t.Helper()
	var resp pollResp
	status := postJSON(t, sp, "/v1/fleet/poll", map[string]string{"client_id": clientID}, &resp)
	if status != 200 {
		t.Fatalf("poll status = %d, want 200", status)
	}
	return resp.Task
}

func pushResult(t *testing.T, sp *serverProc, clientID, taskID string, result []byte) int {
	t.Helper()
	return postJSON(t, sp, "/v1/fleet/result", map[string]any{
		"client_id": clientID,
		"task_id":   taskID,
		"result":    result,
	}, nil)
}

func getRound(t *testing.T, sp *serverProc, roundID string) roundResp {
	t.Helper()
	resp, err := http.Get(sp.url + "/v1/rounds/" + roundID)
	if err != nil {
		t.Fatalf("GET round: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("get round status = %d, want 200", resp.StatusCode)
	}
	var round roundResp
	if err := json.NewDecoder(resp.Body).Decode(&round); err != nil {
		t.Fatalf("decode round: %v", err)
	}
	return round
}

func deleteRound(t *testing.T, sp *serverProc, roundID string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, sp.url+"/v1/rounds/"+roundID, nil)
	if err != nil {
		t.Fatalf("build DELETE request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE round: %v", err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

// waitForRoundDone polls the round until Done or the deadline passes.
func waitForRoundDone(t *testing.T, sp *serverProc, roundID string, timeout time.Duration) roundResp {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var round roundResp
	for time.Now().Before(deadline) {
		round = getRound(t, sp, roundID)
		if round.Done {
			return round
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("round %s never finished: counts=%v", roundID, round.Counts)
	return round
}
