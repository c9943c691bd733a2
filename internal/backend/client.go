package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	relay "robot-relay/internal/relay/domain"
)

const (
	pathPendingCommands = "/commands/pending"
	pathRobotFeedback   = "/robot/feedback"
)

// TokenSource supplies a bearer token for each backend request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client is a thin, stateless HTTP client for the command backend.
type Client struct {
	baseURL string
	tokens  TokenSource
	client  *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the underlying http client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// WithTimeout sets a per-request timeout. Zero keeps transport defaults.
// The http client is copied first, so a shared client such as
// http.DefaultClient is never modified.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			cloned := *c.client
			cloned.Timeout = timeout
			c.client = &cloned
		}
	}
}

// WithTokenSource attaches an Authorization bearer token to every request.
func WithTokenSource(tokens TokenSource) Option {
	return func(c *Client) {
		c.tokens = tokens
	}
}

// NewClient constructs a backend client.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("backend: empty base url")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("backend: invalid base url: %w", err)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// StatusError is returned for any non-2xx backend response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend: %s %s: http %d", e.Method, e.Path, e.StatusCode)
}

// Retryable reports whether repeating the request may succeed. Client errors
// other than timeouts and rate limiting will not.
func (e *StatusError) Retryable() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return false
	}
	return true
}

// PendingCommands fetches commands awaiting dispatch, in backend order. Every
// entry must carry id, tag_id and floor; a malformed body is an error.
func (c *Client) PendingCommands(ctx context.Context) ([]relay.PendingCommand, error) {
	var raw json.RawMessage
	if err := c.GetJSON(ctx, pathPendingCommands, &raw); err != nil {
		return nil, err
	}
	cmds, err := relay.DecodePendingCommands(raw)
	if err != nil {
		return nil, fmt.Errorf("backend: decode GET %s: %w", pathPendingCommands, err)
	}
	return cmds, nil
}

// CompleteCommand marks the command identified by id as complete.
func (c *Client) CompleteCommand(ctx context.Context, id string) error {
	_, err := c.CompleteTag(ctx, id)
	return err
}

// CompleteTag posts a completion addressed by a robot tag id and returns the
// backend status code.
func (c *Client) CompleteTag(ctx context.Context, tagID string) (int, error) {
	if tagID == "" {
		return 0, errors.New("backend: empty command id")
	}
	return c.PostEmpty(ctx, completePath(tagID))
}

// PostFeedback forwards robot feedback as JSON and returns the backend status
// code.
func (c *Client) PostFeedback(ctx context.Context, fb relay.RobotFeedback) (int, error) {
	return c.PostJSON(ctx, pathRobotFeedback, fb)
}

// GetJSON issues a GET and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	_, err := c.do(ctx, http.MethodGet, path, nil, out)
	return err
}

// PostEmpty issues a POST without a body.
func (c *Client) PostEmpty(ctx context.Context, path string) (int, error) {
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// PostJSON issues a POST with body encoded as JSON.
func (c *Client) PostJSON(ctx context.Context, path string, body any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("backend: encode body: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, payload, nil)
}

func completePath(id string) string {
	return "/commands/" + url.PathEscape(id) + "/complete"
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) (int, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if out != nil {
		req.Header.Set("Accept", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return 0, fmt.Errorf("backend: token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("backend: decode %s %s: %w", method, path, err)
	}
	return resp.StatusCode, nil
}
