package planner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoresponder/pkg/models"
)

func TestGeneratePlanMultiPlanShape(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"plans":[{"executor_host_ip":"172.31.0.10","plan":"block 10.0.0.5"},{"executor_host_ip":"","plan":"dropped"},{"executor_host_ip":"172.30.0.10","plan":"kill scanner"}]}`))
	}))
	defer srv.Close()

	temp := 0.2
	c, err := NewClient(Config{URL: srv.URL, Temperature: &temp, MaxTokens: 800, Headers: map[string]string{"X-Token": "secret"}})
	require.NoError(t, err)

	plans, err := c.GeneratePlan(context.Background(), "alert text")
	require.NoError(t, err)
	assert.Equal(t, []models.Plan{
		{ExecutorHostIP: "172.31.0.10", Text: "block 10.0.0.5"},
		{ExecutorHostIP: "172.30.0.10", Text: "kill scanner"},
	}, plans)
	assert.Equal(t, "alert text", got["alert"])
	assert.Equal(t, 0.2, got["temperature"])
	assert.Equal(t, float64(800), got["max_tokens"])
}

func TestParseResponseLegacyShape(t *testing.T) {
	plans, err := ParseResponse([]byte(`{"executor_host_ip":"10.0.0.9","plan":"drop traffic"}`))
	require.NoError(t, err)
	assert.Equal(t, []models.Plan{{ExecutorHostIP: "10.0.0.9", Text: "drop traffic"}}, plans)
}

func TestParseResponseMalformed(t *testing.T) {
	for _, body := range []string{`not json`, `{}`, `{"plans":[]}`, `{"executor_host_ip":"10.0.0.9"}`} {
		_, err := ParseResponse([]byte(body))
		assert.True(t, errors.Is(err, ErrMalformedResponse), "body %q: %v", body, err)
	}
}

func TestGeneratePlanHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := NewClient(Config{URL: srv.URL, Timeout: time.Second})
	require.NoError(t, err)
	_, err = c.GeneratePlan(context.Background(), "x")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrMalformedResponse))
	assert.Contains(t, err.Error(), "502")
}

func TestFormatAlert(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	structured := models.Alert{
		"timestamp":   "2026-04-30T10:00:00Z",
		"sourceip":    "10.0.0.5",
		"destip":      "10.0.0.9",
		"attackid":    "port_scan",
		"proto":       "TCP",
		"description": "Horizontal port scan",
	}
	assert.Equal(t, "2026-04-30T10:00:00Z 10.0.0.5 port_scan (TCP) targeting 10.0.0.9 - Horizontal port scan",
		FormatAlert(structured, now))

	raw := models.Alert{"raw": "2026-04-30T10:01:02 Src IP 172.30.0.10. Vertical port scan to IP 172.31.0.10 TCP. Confidence: 1"}
	assert.Equal(t,
		"2026-04-30T10:01:02+00:00 172.30.0.10 vertical_port_scan (TCP) targeting 172.31.0.10 - "+raw.Field("raw"),
		FormatAlert(raw, now))

	assert.Equal(t, "2026-05-01T00:00:00Z unknown unknown (unknown) targeting unknown", FormatAlert(models.Alert{}, now))
}
