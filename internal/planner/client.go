package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"autoresponder/pkg/models"
)

// ErrMalformedResponse is returned when the planner reply carries no usable plan.
var ErrMalformedResponse = errors.New("malformed planner response")

// Config configures the planner client.
type Config struct {
	URL         string
	Timeout     time.Duration
	Temperature *float64
	MaxTokens   int
	Headers     map[string]string
}

// Client calls the external planning service.
type Client struct {
	url         string
	headers     map[string]string
	temperature *float64
	maxTokens   int
	client      *http.Client
}

type planRequest struct {
	Alert       string   `json:"alert"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

type planResponse struct {
	Plans          []models.Plan `json:"plans"`
	ExecutorHostIP string        `json:"executor_host_ip"`
	Plan           string        `json:"plan"`
}

// NewClient creates a planner client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("planner URL is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		url:         cfg.URL,
		headers:     cfg.Headers,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		client:      &http.Client{Timeout: timeout},
	}, nil
}

// GeneratePlan posts the formatted alert and returns the plans in the reply.
func (c *Client) GeneratePlan(ctx context.Context, alertText string) ([]models.Plan, error) {
	body, err := json.Marshal(planRequest{
		Alert:       alertText,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal plan request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("planner request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read planner response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("planner request failed with status %s: %s", resp.Status, truncate(string(respBody), 256))
	}

	return ParseResponse(respBody)
}

// ParseResponse accepts {"plans": [...]} or the single-plan shape and drops
// plans missing either field.
func ParseResponse(data []byte) ([]models.Plan, error) {
	var parsed planResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	candidates := parsed.Plans
	if len(candidates) == 0 && (parsed.ExecutorHostIP != "" || parsed.Plan != "") {
		candidates = []models.Plan{{ExecutorHostIP: parsed.ExecutorHostIP, Text: parsed.Plan}}
	}

	plans := make([]models.Plan, 0, len(candidates))
	for _, p := range candidates {
		p.ExecutorHostIP = strings.TrimSpace(p.ExecutorHostIP)
		p.Text = strings.TrimSpace(p.Text)
		if p.ExecutorHostIP == "" || p.Text == "" {
			continue
		}
		plans = append(plans, p)
	}
	if len(plans) == 0 {
		return nil, fmt.Errorf("%w: no plan with executor_host_ip and plan", ErrMalformedResponse)
	}
	return plans, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
