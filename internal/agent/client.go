package agent

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
)

// ErrUnhealthy is returned when the agent does not become healthy in time.
var ErrUnhealthy = errors.New("remote agent unhealthy")

// Config configures a remote agent client.
type Config struct {
	BaseURL        string
	AgentName      string
	RequestTimeout time.Duration
	Headers        map[string]string
}

// Client talks to one remote execution agent's session API.
type Client struct {
	base      string
	agentName string
	headers   map[string]string
	client    *http.Client
}

type promptPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type promptRequest struct {
	Agent string       `json:"agent,omitempty"`
	Parts []promptPart `json:"parts"`
}

// NewClient creates a client for the agent at cfg.BaseURL.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("agent base URL is empty")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid agent base URL %q: %w", base, err)
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base:      base,
		agentName: cfg.AgentName,
		headers:   cfg.Headers,
		client:    &http.Client{Timeout: timeout},
	}, nil
}

// Health checks the agent once.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/health", nil)
	return err
}

// WaitHealthy polls Health until it succeeds, timeout elapses, or ctx ends.
func (c *Client) WaitHealthy(ctx context.Context, timeout, interval time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	deadline := time.Now().Add(timeout)
	var lastErr error
	for {
		if lastErr = c.Health(ctx); lastErr == nil {
			return nil
		}
		if time.Now().Add(interval).After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrUnhealthy, ctx.Err())
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("%w after %s: %v", ErrUnhealthy, timeout, lastErr)
}

// CreateSession creates a session and returns its id.
func (c *Client) CreateSession(ctx context.Context, title string) (string, error) {
	body := map[string]string{}
	if title != "" {
		body["title"] = title
	}
	data, err := c.do(ctx, http.MethodPost, "/session", body)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		return "", fmt.Errorf("decode created session: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("create session: response has no id")
	}
	return created.ID, nil
}

// PromptAsync hands text to the session and returns once the agent accepts it.
func (c *Client) PromptAsync(ctx context.Context, sessionID, text string) error {
	if _, err := c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/prompt_async", c.prompt(text)); err != nil {
		return fmt.Errorf("prompt_async %s: %w", sessionID, err)
	}
	return nil
}

// Prompt sends text and waits for the agent's reply message.
func (c *Client) Prompt(ctx context.Context, sessionID, text string) (json.RawMessage, error) {
	data, err := c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/message", c.prompt(text))
	if err != nil {
		return nil, fmt.Errorf("prompt %s: %w", sessionID, err)
	}
	return json.RawMessage(data), nil
}

// SessionStatus returns the agent's status map keyed by session id. Values
// are left raw for InterpretStatus.
func (c *Client) SessionStatus(ctx context.Context) (map[string]json.RawMessage, error) {
	data, err := c.do(ctx, http.MethodGet, "/session/status", nil)
	if err != nil {
		return nil, fmt.Errorf("session status: %w", err)
	}
	out := map[string]json.RawMessage{}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return out, nil
	}
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return nil, fmt.Errorf("decode session status: %w", err)
	}
	return out, nil
}

// Messages returns the session history both decoded and raw.
func (c *Client) Messages(ctx context.Context, sessionID string) ([]Message, json.RawMessage, error) {
	data, err := c.do(ctx, http.MethodGet, "/session/"+url.PathEscape(sessionID)+"/message", nil)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch messages %s: %w", sessionID, err)
	}
	msgs, err := DecodeMessages(data)
	if err != nil {
		return nil, json.RawMessage(data), err
	}
	return msgs, json.RawMessage(data), nil
}

// Abort stops the session's current task. History is kept by the agent.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	if _, err := c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/abort", nil); err != nil {
		return fmt.Errorf("abort %s: %w", sessionID, err)
	}
	return nil
}

func (c *Client) prompt(text string) promptRequest {
	return promptRequest{
		Agent: c.agentName,
		Parts: []promptPart{{Type: "text", Text: text}},
	}
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode >= 300 {
		snippet := strings.TrimSpace(string(data))
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return nil, fmt.Errorf("%s %s failed with status %s: %s", method, path, resp.Status, snippet)
	}
	return data, nil
}
