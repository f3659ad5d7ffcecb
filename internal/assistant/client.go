// ABOUTME: HTTP client for the remote agent service (thread + run endpoints).
// ABOUTME: OpenRunStream returns the raw body for the Decoder to consume.

package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Client talks to the agent service's REST API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a client for the agent service at baseURL. The apiKey may
// be empty for unauthenticated deployments.
func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		// No overall timeout here: run streams are long-lived. Callers bound
		// them with a context deadline instead.
		http:   &http.Client{},
		logger: logger.With("component", "assistant"),
	}
}

// RunMessage is one input message for a run.
type RunMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RunRequest describes a streaming run against a thread.
type RunRequest struct {
	ThreadID string
	AgentID  string
	Input    []RunMessage
	Metadata map[string]any
	Config   map[string]any
}

type createThreadRequest struct {
	AgentID  string         `json:"assistant_id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type createThreadResponse struct {
	ThreadID string `json:"thread_id"`
}

type runStreamRequest struct {
	AgentID string `json:"assistant_id"`
	Input   struct {
		Messages []RunMessage `json:"messages"`
	} `json:"input"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
	StreamMode []string       `json:"stream_mode"`
}

// CreateThread creates a new remote conversation thread for the given agent
// and returns its id.
func (c *Client) CreateThread(ctx context.Context, agentID string, metadata map[string]any) (string, error) {
	body, err := json.Marshal(createThreadRequest{
		AgentID:  agentID,
		Metadata: metadata,
	})
	if err != nil {
		return "", fmt.Errorf("encoding thread request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/threads", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating thread request: %w", err)
	}
	c.setHeaders(req)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("creating thread: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("creating thread: unexpected status %d", resp.StatusCode)
	}

	var created createThreadResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decoding thread response: %w", err)
	}
	if created.ThreadID == "" {
		return "", fmt.Errorf("thread response missing thread_id")
	}

	c.logger.Debug("thread created",
		"thread_id", created.ThreadID,
		"agent_id", agentID,
		"elapsed", time.Since(start),
	)
	return created.ThreadID, nil
}

// OpenRunStream starts a streaming run and returns the raw response body.
// The caller owns the body and must close it; feed it to a Decoder to consume
// the event frames.
func (c *Client) OpenRunStream(ctx context.Context, run *RunRequest) (io.ReadCloser, error) {
	payload := runStreamRequest{
		AgentID:    run.AgentID,
		Metadata:   run.Metadata,
		Config:     run.Config,
		StreamMode: []string{"updates"},
	}
	payload.Input.Messages = run.Input

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding run request: %w", err)
	}

	url := fmt.Sprintf("%s/threads/%s/runs/stream", c.baseURL, run.ThreadID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating run request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("opening run stream: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("opening run stream: unexpected status %d", resp.StatusCode)
	}

	c.logger.Debug("run stream opened",
		"thread_id", run.ThreadID,
		"agent_id", run.AgentID,
	)
	return resp.Body, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
}
