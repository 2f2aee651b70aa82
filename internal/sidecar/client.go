package sidecar

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/frumu-ai/tandem/internal/common/logger"
)

// Agent event types emitted by the sidecar on its SSE stream.
const (
	AgentEventMessageDelta = "message.delta"
	AgentEventToolRequest  = "tool.request"
	AgentEventRunCompleted = "run.completed"
	AgentEventRunFailed    = "run.failed"
	AgentEventIdle         = "session.idle"
)

// AgentEvent is one event from the sidecar's SSE stream.
type AgentEvent struct {
	Type       string          `json:"type"`
	SessionID  string          `json:"sessionId,omitempty"`
	RunID      string          `json:"runId,omitempty"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// AgentEventHandler is called for each event from the SSE stream.
type AgentEventHandler func(event *AgentEvent)

// HealthResponse is the sidecar health probe body.
type HealthResponse struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version,omitempty"`
}

// PromptRequest is the body for starting a run on the sidecar.
type PromptRequest struct {
	RunID  string `json:"runId"`
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
}

// ToolDecisionRequest is the body for answering a tool permission request.
type ToolDecisionRequest struct {
	Decision string `json:"decision"` // "allow" or "deny"
	Message  string `json:"message,omitempty"`
}

// Client manages HTTP communication with the sidecar process.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger

	// SSE connection tracking - prevents multiple concurrent connections
	sseCancel context.CancelFunc
	sseActive bool

	mu     sync.RWMutex
	closed bool
}

// NewClient creates a sidecar HTTP client for the given base URL.
func NewClient(baseURL string, log *logger.Logger) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: log.WithFields(zap.String("component", "sidecar-client")),
	}
}

// BaseURL returns the sidecar base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

// Health probes the sidecar health endpoint once.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return fmt.Errorf("health request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read health response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check HTTP %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var health HealthResponse
	if err := json.Unmarshal(bodyBytes, &health); err != nil {
		return fmt.Errorf("parse health response (got: %q): %w", string(bodyBytes), err)
	}
	if !health.Healthy {
		return fmt.Errorf("sidecar unhealthy (version %s)", health.Version)
	}
	return nil
}

// CreateSession creates a backing session on the sidecar and returns its id.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/session", map[string]any{})
	if err != nil {
		return "", fmt.Errorf("create session request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("create session failed: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var session struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", fmt.Errorf("parse session response: %w", err)
	}
	return session.ID, nil
}

// Prompt starts a run on the sidecar. The sidecar acknowledges and
// streams progress on the SSE channel; this call does not wait for the
// run to finish.
func (c *Client) Prompt(ctx context.Context, sessionID string, req PromptRequest) error {
	path := fmt.Sprintf("/session/%s/prompt", sessionID)
	resp, err := c.doRequest(ctx, http.MethodPost, path, req)
	if err != nil {
		return fmt.Errorf("prompt request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("prompt failed: HTTP %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// Abort asks the sidecar to stop the active run for a session.
// Abort failures are ignored: the run reaper handles a sidecar that
// does not answer.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	abortCtx, cancel := context.WithTimeout(ctx, 800*time.Millisecond)
	defer cancel()

	path := fmt.Sprintf("/session/%s/abort", sessionID)
	resp, err := c.doRequest(abortCtx, http.MethodPost, path, nil)
	if err != nil {
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	_, _ = io.ReadAll(resp.Body)
	return nil
}

// ReplyToolDecision answers a pending tool permission request.
func (c *Client) ReplyToolDecision(ctx context.Context, requestID string, req ToolDecisionRequest) error {
	if req.Message == "" && req.Decision == "deny" {
		req.Message = "Tool use was denied"
	}

	path := fmt.Sprintf("/permission/%s/reply", requestID)
	resp, err := c.doRequest(ctx, http.MethodPost, path, req)
	if err != nil {
		return fmt.Errorf("tool decision request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	_, _ = io.ReadAll(resp.Body)
	return nil
}

// StartEventStream opens the sidecar SSE stream and dispatches parsed
// events to the handler in a background goroutine. Only one stream is
// kept open at a time to prevent duplicate event processing.
func (c *Client) StartEventStream(ctx context.Context, handler AgentEventHandler) error {
	c.mu.Lock()
	if c.sseActive {
		c.mu.Unlock()
		c.logger.Debug("SSE stream already active, skipping duplicate connection")
		return nil
	}
	c.sseActive = true
	c.mu.Unlock()

	sseCtx, sseCancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.sseCancel = sseCancel
	c.mu.Unlock()

	fail := func(err error) error {
		c.mu.Lock()
		c.sseActive = false
		c.sseCancel = nil
		c.mu.Unlock()
		sseCancel()
		return err
	}

	req, err := http.NewRequestWithContext(sseCtx, http.MethodGet, c.baseURL+"/event", nil)
	if err != nil {
		return fail(fmt.Errorf("create event stream request: %w", err))
	}
	req.Header.Set("Accept", "text/event-stream")

	// Use a client without timeout for SSE
	sseClient := &http.Client{}
	resp, err := sseClient.Do(req)
	if err != nil {
		return fail(fmt.Errorf("connect event stream: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return fail(fmt.Errorf("event stream failed: HTTP %d: %s", resp.StatusCode, string(body)))
	}

	c.logger.Debug("SSE stream connected")

	go c.processEventStream(sseCtx, resp.Body, handler)
	return nil
}

func (c *Client) processEventStream(ctx context.Context, body io.ReadCloser, handler AgentEventHandler) {
	defer func() {
		_ = body.Close()
		c.mu.Lock()
		c.sseActive = false
		c.sseCancel = nil
		c.mu.Unlock()
		c.logger.Debug("SSE stream ended")
	}()

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	var dataBuffer strings.Builder

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()

		if strings.HasPrefix(line, "data: ") {
			dataBuffer.WriteString(strings.TrimPrefix(line, "data: "))
			continue
		}

		if line == "" && dataBuffer.Len() > 0 {
			data := strings.TrimSpace(dataBuffer.String())
			dataBuffer.Reset()

			if data == "" {
				continue
			}

			var event AgentEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				c.logger.Warn("failed to parse agent event", zap.Error(err))
				continue
			}

			if handler != nil {
				handler(&event)
			}
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.logger.Error("event stream error", zap.Error(err))
	}
}

// Close terminates any active SSE connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	if c.sseCancel != nil {
		c.sseCancel()
		c.sseCancel = nil
	}
	c.sseActive = false
}
