// Package client talks to a running deskhost over its control API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client provides HTTP client functionality to communicate with a deskhost instance
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string // e.g. http://127.0.0.1:5000/api
	Token   string // bearer token when the instance enforces one
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8080/api",
		Timeout: 10 * time.Second,
	}
}

func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   config.Token,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

// IsReachable checks if the instance is running and answering
func (c *Client) IsReachable(ctx context.Context) bool {
	var st BackendStatus
	err := c.do(ctx, http.MethodGet, "/backend/status", &st)
	if err == nil {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status != http.StatusNotFound {
		return true
	}
	c.logger.Debug("instance unreachable", "error", err)
	return false
}

func (c *Client) Status(ctx context.Context) (BackendStatus, error) {
	var st BackendStatus
	err := c.do(ctx, http.MethodGet, "/backend/status", &st)
	return st, err
}

func (c *Client) Info(ctx context.Context) (BackendInfo, error) {
	var info BackendInfo
	err := c.do(ctx, http.MethodGet, "/backend/info", &info)
	return info, err
}

// Restart asks the instance to restart its backend. The API reports success
// even when the restart itself failed; check Info afterwards.
func (c *Client) Restart(ctx context.Context) (RestartResult, error) {
	var res RestartResult
	err := c.do(ctx, http.MethodPost, "/backend/restart", &res)
	return res, err
}

// Logs returns up to n recent backend output lines (n <= 0 uses the server default).
func (c *Client) Logs(ctx context.Context, n int) ([]string, error) {
	path := "/backend/logs"
	if n > 0 {
		path += "?" + url.Values{"lines": {strconv.Itoa(n)}}.Encode()
	}
	var res logsResponse
	if err := c.do(ctx, http.MethodGet, path, &res); err != nil {
		return nil, err
	}
	return res.Lines, nil
}

// Activate brings the running instance's window to the front.
func (c *Client) Activate(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/window/activate", nil)
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// APIError is returned for non-2xx responses.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("API error (HTTP %d): %s", e.Status, e.Message)
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		c.logger.Debug("failed to decode error response", "status", resp.StatusCode)
		return &APIError{Status: resp.StatusCode}
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{Status: resp.StatusCode, Message: errorResp.Error}
}
