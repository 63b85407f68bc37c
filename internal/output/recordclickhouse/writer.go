package recordclickhouse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"autoresponder/pkg/models"
)

const timeLayout = "2006-01-02 15:04:05.000"

// Config configures the ClickHouse HTTP writer.
type Config struct {
	URL      string
	Database string
	Table    string
	Username string
	Password string
	Timeout  time.Duration
	Headers  map[string]string
}

// Writer sends execution records to ClickHouse via HTTP JSONEachRow.
type Writer struct {
	endpoint string
	headers  map[string]string
	client   *http.Client
}

// Row is the flattened table layout of one execution record.
type Row struct {
	AlertIdentity string   `json:"alert_identity"`
	ExecutionID   string   `json:"execution_id"`
	TargetIP      string   `json:"target_ip"`
	Machine       string   `json:"machine"`
	Role          string   `json:"role"`
	SessionID     string   `json:"session_id"`
	DispatchedAt  string   `json:"dispatched_at"`
	FinishedAt    *string  `json:"finished_at"`
	Outcome       string   `json:"outcome"`
	Error         string   `json:"error"`
	LLMCalls      int      `json:"llm_calls"`
	ToolCalls     []string `json:"tool_calls"`
	TokensInput   int64    `json:"tokens_input"`
	TokensOutput  int64    `json:"tokens_output"`
	TokensTotal   int64    `json:"tokens_total"`
	Cost          float64  `json:"cost"`
	FinalOutput   string   `json:"final_output"`
}

// NewWriter creates a ClickHouse HTTP writer.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("clickhouse URL is empty")
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.Table == "" {
		cfg.Table = "execution_records"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	q := fmt.Sprintf("INSERT INTO %s.%s FORMAT JSONEachRow", quoteIdent(cfg.Database), quoteIdent(cfg.Table))
	base := strings.TrimRight(cfg.URL, "/")
	endpoint := base + "/?query=" + url.QueryEscape(q)

	headers := map[string]string{}
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if cfg.Username != "" {
		headers["X-ClickHouse-User"] = cfg.Username
	}
	if cfg.Password != "" {
		headers["X-ClickHouse-Key"] = cfg.Password
	}

	return &Writer{
		endpoint: endpoint,
		headers:  headers,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// ToRow flattens a record.
func ToRow(rec *models.ExecutionRecord) Row {
	row := Row{
		AlertIdentity: rec.AlertIdentity,
		ExecutionID:   rec.ExecutionID,
		TargetIP:      rec.TargetIP,
		Machine:       rec.Machine,
		Role:          string(rec.Role),
		SessionID:     rec.SessionID,
		DispatchedAt:  rec.DispatchedAt.UTC().Format(timeLayout),
		Outcome:       string(rec.Outcome),
		Error:         rec.Error,
		ToolCalls:     []string{},
	}
	if rec.FinishedAt != nil {
		s := rec.FinishedAt.UTC().Format(timeLayout)
		row.FinishedAt = &s
	}
	if m := rec.Metrics; m != nil {
		row.LLMCalls = m.Steps
		if m.ToolCalls != nil {
			row.ToolCalls = m.ToolCalls
		}
		row.TokensInput = m.Tokens.Input
		row.TokensOutput = m.Tokens.Output
		row.TokensTotal = m.Tokens.Total()
		row.Cost = m.Cost
		row.FinalOutput = m.FinalOutput
	}
	return row
}

// WriteRecords inserts a batch of records.
func (w *Writer) WriteRecords(records []*models.ExecutionRecord) error {
	if len(records) == 0 {
		return nil
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, rec := range records {
		if err := enc.Encode(ToRow(rec)); err != nil {
			return fmt.Errorf("failed to marshal execution record: %w", err)
		}
	}

	req, err := http.NewRequest(http.MethodPost, w.endpoint, &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("clickhouse request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("clickhouse request failed with status %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	return nil
}

// Close releases resources.
func (w *Writer) Close() error {
	return nil
}

func quoteIdent(v string) string {
	if v == "" {
		return ""
	}
	v = strings.ReplaceAll(v, "`", "")
	return "`" + v + "`"
}
