package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoresponder/internal/agent/agenttest"
	"autoresponder/pkg/models"
)

type rejectedErr struct{ permanent bool }

func (e rejectedErr) Error() string   { return "sink rejected batch" }
func (e rejectedErr) Permanent() bool { return e.permanent }

type failingWriter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (w *failingWriter) WriteRecords([]*models.ExecutionRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	return w.err
}

func (w *failingWriter) Close() error { return nil }

func runOneFailedDispatch(t *testing.T, w *failingWriter) {
	t.Helper()
	fake := agenttest.New()
	defer fake.Close()
	fake.SetFailCreate(true)

	d := newTestDispatcher(t, fake, w, nil)
	require.NoError(t, d.DispatchAll([]Job{testJob("a", "10.0.0.9")}))
	drainUntil(t, d, 1)
	require.NoError(t, d.Shutdown(context.Background()))
}

func TestRecordLoopDropsPermanentFailureWithoutRetry(t *testing.T) {
	w := &failingWriter{err: rejectedErr{permanent: true}}
	runOneFailedDispatch(t, w)
	assert.Equal(t, 1, w.calls)
}

func TestRecordLoopRetriesTransientFailure(t *testing.T) {
	w := &failingWriter{err: rejectedErr{permanent: false}}
	runOneFailedDispatch(t, w)
	assert.Equal(t, recordWriteAttempts, w.calls)
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, isPermanent(rejectedErr{permanent: true}))
	assert.True(t, isPermanent(errors.Join(errors.New("ctx"), rejectedErr{permanent: true})))
	assert.False(t, isPermanent(rejectedErr{}))
	assert.False(t, isPermanent(errors.New("connection refused")))
}
