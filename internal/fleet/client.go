// Package fleet is the client-side library for nodes that participate in
// training rounds. It wraps the coordinator's fleet HTTP endpoints and
// provides a Run loop that polls for tasks, invokes a handler on each
// payload, and pushes the result back.
package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/seantiz/drover/internal/model"
)

const (
	defaultPollInterval      = time.Second
	defaultHeartbeatInterval = 10 * time.Second
	requestTimeout           = 30 * time.Second
)

// ErrNotRegistered signals that the coordinator no longer knows this
// client and a fresh Register is required.
var ErrNotRegistered = errors.New("client is not registered")

// ErrResultRejected signals that the coordinator refused a result because
// the task was reassigned or already settled. The race is benign: another
// client owns the task now and no retry will change that.
var ErrResultRejected = errors.New("result rejected by coordinator")

// Handler processes one task payload and returns the result bytes.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Client talks to a coordinator's fleet endpoints on behalf of one node.
type Client struct {
	baseURL           string
	httpClient        *http.Client
	clientID          string
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	logger            *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithPollInterval sets how often the Run loop asks for work.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// WithHeartbeatInterval sets how often the Run loop reports liveness.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Client) { c.heartbeatInterval = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithClientID resumes a previously issued identity instead of minting
// a new one on Register.
func WithClientID(id string) Option {
	return func(c *Client) { c.clientID = id }
}

// New creates a fleet client for the coordinator at baseURL.
func New(baseURL string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:           baseURL,
		httpClient:        &http.Client{Timeout: requestTimeout},
		pollInterval:      defaultPollInterval,
		heartbeatInterval: defaultHeartbeatInterval,
		logger:            logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ClientID returns the identity issued by the coordinator, or "" before
// the first successful Register.
func (c *Client) ClientID() string {
	return c.clientID
}

type registerRequest struct {
	ClientID string `json:"client_id"`
}

type registerResponse struct {
	ClientID string `json:"client_id"`
}

type clientRequest struct {
	ClientID string `json:"client_id"`
}

type pollResponse struct {
	Task *model.Task `json:"task"`
}

type resultRequest struct {
	ClientID string `json:"client_id"`
	TaskID   string `json:"task_id"`
	Result   []byte `json:"result"`
}

// Register obtains (or refreshes) this node's identity with the coordinator.
func (c *Client) Register(ctx context.Context) error {
	var resp registerResponse
	if err := c.post(ctx, "/v1/fleet/register", registerRequest{ClientID: c.clientID}, &resp); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	c.clientID = resp.ClientID
	return nil
}

// Heartbeat reports liveness. Returns ErrNotRegistered when the
// coordinator does not recognize this client anymore.
func (c *Client) Heartbeat(ctx context.Context) error {
	if err := c.post(ctx, "/v1/fleet/heartbeat", clientRequest{ClientID: c.clientID}, nil); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// Poll asks the coordinator for a task. A nil task means nothing is
// pending right now.
func (c *Client) Poll(ctx context.Context) (*model.Task, error) {
	var resp pollResponse
	if err := c.post(ctx, "/v1/fleet/poll", clientRequest{ClientID: c.clientID}, &resp); err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	return resp.Task, nil
}

// PushResult uploads the result for a task this client holds.
func (c *Client) PushResult(ctx context.Context, taskID string, result []byte) error {
	err := c.post(ctx, "/v1/fleet/result", resultRequest{
		ClientID: c.clientID,
		TaskID:   taskID,
		Result:   result,
	}, nil)
	if err != nil {
		return fmt.Errorf("push result: %w", err)
	}
	return nil
}

// Run registers and then loops until ctx is cancelled: heartbeating on
// one ticker, polling for tasks on another, and invoking handler on each
// payload. A 404 from the coordinator (restart, or this client was purged
// as dead) triggers a transparent re-register.
func (c *Client) Run(ctx context.Context, handler Handler) error {
	if err := c.Register(ctx); err != nil {
		return err
	}
	c.logger.Info("registered with coordinator", "client_id", c.clientID)

	heartbeat := time.NewTicker(c.heartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(c.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeat.C:
			if err := c.Heartbeat(ctx); err != nil {
				if !c.recover(ctx, err) {
					c.logger.Warn("heartbeat failed", "error", err)
				}
			}
		case <-poll.C:
			if err := c.pollOnce(ctx, handler); err != nil {
				if !c.recover(ctx, err) {
					c.logger.Warn("poll failed", "error", err)
				}
			}
		}
	}
}

// pollOnce fetches at most one task and runs it to completion.
func (c *Client) pollOnce(ctx context.Context, handler Handler) error {
	task, err := c.Poll(ctx)
	if err != nil {
		return err
	}
	if task == nil {
		return nil
	}

	c.logger.Info("task received", "task_id", task.ID, "round_id", task.RoundID)
	result, err := handler(ctx, task.Payload)
	if err != nil {
		// The task stays assigned until the coordinator reaps it.
		c.logger.Error("handler failed", "task_id", task.ID, "error", err)
		return nil
	}

	if err := c.PushResult(ctx, task.ID, result); err != nil {
		if errors.Is(err, ErrResultRejected) {
			// The task was reassigned or already settled while we worked.
			c.logger.Debug("result discarded", "task_id", task.ID, "error", err)
			return nil
		}
		return err
	}
	c.logger.Info("result pushed", "task_id", task.ID)
	return nil
}

// recover re-registers when err is ErrNotRegistered. Reports whether the
// error was handled.
func (c *Client) recover(ctx context.Context, err error) bool {
	if !errors.Is(err, ErrNotRegistered) {
		return false
	}
	c.logger.Info("identity lost, re-registering", "client_id", c.clientID)
	if regErr := c.Register(ctx); regErr != nil {
		c.logger.Warn("re-register failed", "error", regErr)
	}
	return true
}

// post sends a JSON request and decodes the response into out when it is
// non-nil. Status 404 maps to ErrNotRegistered, 403 and 409 map to
// ErrResultRejected, and other non-2xx statuses surface the server's
// error message.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotRegistered
	}
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusConflict {
		io.Copy(io.Discard, resp.Body)
		return ErrResultRejected
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s (status %d)", path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
