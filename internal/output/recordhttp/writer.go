package recordhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"autoresponder/pkg/models"
)

// Header names sent with every batch.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderRunID          = "X-Run-ID"
	HeaderRecordCount    = "X-Record-Count"
)

// Config configures the HTTP writer.
type Config struct {
	URL     string
	RunID   string
	Timeout time.Duration
	Headers map[string]string
}

// StatusError is a non-2xx reply from the collector.
type StatusError struct {
	Code   int
	Status string
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("record collector replied %s", e.Status)
	}
	return fmt.Sprintf("record collector replied %s: %s", e.Status, e.Body)
}

// Permanent reports whether resending the same batch cannot succeed. Client
// errors are permanent except timeouts and rate limiting.
func (e *StatusError) Permanent() bool {
	if e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests {
		return false
	}
	return e.Code >= 400 && e.Code < 500
}

// Writer posts execution record batches to a collector. Each batch carries
// an idempotency key derived from its (execution id, outcome) pairs so a
// retried batch can be recognised by the receiver.
type Writer struct {
	url     string
	runID   string
	timeout time.Duration
	headers map[string]string
	client  *http.Client
}

// NewWriter creates an HTTP writer.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("http record URL is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Writer{
		url:     cfg.URL,
		runID:   cfg.RunID,
		timeout: timeout,
		headers: cfg.Headers,
		client:  &http.Client{},
	}, nil
}

// BatchKey identifies a batch by its records' execution ids and outcomes.
func BatchKey(records []*models.ExecutionRecord) string {
	h := xxhash.New()
	for _, rec := range records {
		h.WriteString(rec.ExecutionID)
		h.WriteString("/")
		h.WriteString(string(rec.Outcome))
		h.WriteString("\n")
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// WriteRecords posts one batch as a JSON array.
func (w *Writer) WriteRecords(records []*models.ExecutionRecord) error {
	if len(records) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	return w.post(ctx, records)
}

func (w *Writer) post(ctx context.Context, records []*models.ExecutionRecord) error {
	body, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to marshal records: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderIdempotencyKey, BatchKey(records))
	req.Header.Set(HeaderRecordCount, strconv.Itoa(len(records)))
	if w.runID != "" {
		req.Header.Set(HeaderRunID, w.runID)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %d records: %w", len(records), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(snippet))}
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Close releases idle connections.
func (w *Writer) Close() error {
	w.client.CloseIdleConnections()
	return nil
}
