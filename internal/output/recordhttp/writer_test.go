package recordhttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoresponder/pkg/models"
)

func TestWriteRecordsPostsBatchWithKeys(t *testing.T) {
	var (
		mu     sync.Mutex
		got    []models.ExecutionRecord
		header http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		header = r.Header.Clone()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	w, err := NewWriter(Config{URL: srv.URL, RunID: "exp_01", Headers: map[string]string{"Authorization": "Bearer x"}})
	require.NoError(t, err)
	defer w.Close()

	batch := []*models.ExecutionRecord{
		{ExecutionID: "e1", Outcome: models.OutcomeDispatched},
		{ExecutionID: "e2", Outcome: models.OutcomeDispatchFailed, Error: "agent unhealthy"},
	}
	require.NoError(t, w.WriteRecords(batch))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, "e2", got[1].ExecutionID)
	assert.Equal(t, "Bearer x", header.Get("Authorization"))
	assert.Equal(t, "exp_01", header.Get(HeaderRunID))
	assert.Equal(t, "2", header.Get(HeaderRecordCount))
	assert.Equal(t, BatchKey(batch), header.Get(HeaderIdempotencyKey))
}

func TestBatchKeyDependsOnOutcome(t *testing.T) {
	a := []*models.ExecutionRecord{{ExecutionID: "e1", Outcome: models.OutcomeDispatched}}
	b := []*models.ExecutionRecord{{ExecutionID: "e1", Outcome: models.OutcomeCompleted}}
	assert.Equal(t, BatchKey(a), BatchKey([]*models.ExecutionRecord{{ExecutionID: "e1", Outcome: models.OutcomeDispatched}}))
	assert.NotEqual(t, BatchKey(a), BatchKey(b))
}

func TestClientErrorsArePermanent(t *testing.T) {
	cases := []struct {
		code      int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnprocessableEntity, true},
		{http.StatusTooManyRequests, false},
		{http.StatusRequestTimeout, false},
		{http.StatusBadGateway, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.code)
		}))
		w, err := NewWriter(Config{URL: srv.URL})
		require.NoError(t, err)

		err = w.WriteRecords([]*models.ExecutionRecord{{ExecutionID: "e1"}})
		srv.Close()

		var se *StatusError
		require.True(t, errors.As(err, &se), "code %d: %v", tc.code, err)
		assert.Equal(t, tc.code, se.Code)
		assert.Equal(t, tc.permanent, se.Permanent(), "code %d", tc.code)
		assert.Equal(t, "nope", se.Body)
	}
}

func TestEmptyBatchAndMissingURL(t *testing.T) {
	_, err := NewWriter(Config{})
	assert.Error(t, err)

	w, err := NewWriter(Config{URL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	assert.NoError(t, w.WriteRecords(nil))
}
