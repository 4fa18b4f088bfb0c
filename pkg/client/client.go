// Package client talks to the shepherd control API. External dispatchers use
// it to obtain runners and report task completion.
package client

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
)

// ErrNotFound is returned when the API answers 404, e.g. resetting an
// unknown runner.
var ErrNotFound = errors.New("not found")

// Client provides HTTP client functionality to communicate with shepherd
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8765/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a new shepherd API client
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the control API answers its health endpoint
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/health", nil, nil)
	if err != nil {
		c.logger.Debug("control API unreachable", "error", err)
		return false
	}
	return true
}

// Status returns the health of every supervised service.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

// Pool returns the runner pool summary.
func (c *Client) Pool(ctx context.Context) (PoolSummary, error) {
	var s PoolSummary
	err := c.do(ctx, http.MethodGet, "/pool", nil, &s)
	return s, err
}

// Assign asks for a runner. It returns (nil, nil) when no runner is free.
func (c *Client) Assign(ctx context.Context, req AssignRequest) (*Runner, error) {
	c.logger.Debug("requesting runner", "task", req.TaskID, "profile", req.Profile)
	var resp assignResponse
	if err := c.do(ctx, http.MethodPost, "/pool/assign", req, &resp); err != nil {
		return nil, err
	}
	if !resp.Assigned {
		return nil, nil
	}
	return resp.Runner, nil
}

// Complete reports the end of the task running on a runner.
func (c *Client) Complete(ctx context.Context, req CompleteRequest) error {
	return c.do(ctx, http.MethodPost, "/pool/complete", req, nil)
}

// Reset returns a runner in error to idle.
func (c *Client) Reset(ctx context.Context, runnerID string) error {
	return c.do(ctx, http.MethodPost, "/pool/reset", resetRequest{RunnerID: runnerID}, nil)
}

// do performs a request and decodes a JSON response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, errorResp.Error)
	}
	return fmt.Errorf("API error: %s", errorResp.Error)
}
