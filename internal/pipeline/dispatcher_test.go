package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoresponder/internal/agent"
	"autoresponder/internal/agent/agenttest"
	"autoresponder/internal/normalize"
	"autoresponder/internal/poller"
	"autoresponder/internal/session"
	"autoresponder/pkg/models"
)

type memWriter struct {
	mu      sync.Mutex
	records []models.ExecutionRecord
	closed  bool
}

func (w *memWriter) WriteRecords(records []*models.ExecutionRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, r := range records {
		w.records = append(w.records, *r)
	}
	return nil
}

func (w *memWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *memWriter) outcomes() []models.Outcome {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]models.Outcome, len(w.records))
	for i, r := range w.records {
		out[i] = r.Outcome
	}
	return out
}

type memTimeline struct {
	mu      sync.Mutex
	entries []models.TimelineEntry
}

func (m *memTimeline) Log(e models.TimelineEntry) {
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
}

func newTestDispatcher(t *testing.T, fake *agenttest.Agent, w RecordWriter, tl Timeline) *Dispatcher {
	t.Helper()
	factory := func(target models.TargetInfo) (AgentAPI, error) {
		return agent.NewClient(agent.Config{BaseURL: fake.URL(), AgentName: "soc_god", RequestTimeout: time.Second})
	}
	return NewDispatcher(
		Config{Workers: 2, HealthTimeout: time.Second, HealthInterval: 10 * time.Millisecond, ExecutionTimeout: 2 * time.Second},
		factory,
		session.NewRegistry(session.Config{AbortPause: time.Millisecond}),
		poller.New(poller.Config{Interval: 10 * time.Millisecond, MinGoneElapsed: 20 * time.Millisecond}),
		normalize.New(nil),
		tl, nil, w,
	)
}

func testJob(alertID, target string) Job {
	return Job{
		AlertID:  alertID,
		ThreatID: "threat-" + alertID,
		Alert:    models.Alert{"sourceip": "10.0.0.5", "destip": target, "attackid": "vertical_port_scan"},
		Plan:     models.Plan{ExecutorHostIP: target, Text: "block 10.0.0.5"},
		Target:   models.TargetInfo{TargetIP: target, Role: models.RoleServer, Machine: "server"},
	}
}

func drainUntil(t *testing.T, d *Dispatcher, n int) []Outcome {
	t.Helper()
	var got []Outcome
	require.Eventually(t, func() bool {
		got = append(got, d.Drain()...)
		return len(got) >= n
	}, 3*time.Second, 5*time.Millisecond)
	return got
}

func TestDispatchAllReturnsBeforeCompletion(t *testing.T) {
	fake := agenttest.New()
	defer fake.Close()
	fake.OnPromptAsync(func(id string) { fake.SetStatus(id, `{"type":"busy"}`) })
	w := &memWriter{}
	tl := &memTimeline{}
	d := newTestDispatcher(t, fake, w, tl)

	require.NoError(t, d.DispatchAll([]Job{testJob("alert-1", "10.0.0.9")}))

	outcomes := drainUntil(t, d, 1)
	require.True(t, outcomes[0].Dispatched, "err: %v", outcomes[0].Err)
	sessionID := outcomes[0].SessionID
	assert.Equal(t, []string{sessionID}, fake.Created())

	require.Eventually(t, func() bool {
		units := d.InFlight()
		return len(units) == 1 && units[0].Stage == StagePolling
	}, 2*time.Second, 5*time.Millisecond)

	prompts := fake.Prompts(sessionID)
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "PLAN: block 10.0.0.5")

	fake.ClearStatus(sessionID)
	require.Eventually(t, func() bool { return len(d.InFlight()) == 0 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, d.Shutdown(context.Background()))
	assert.Equal(t, []models.Outcome{models.OutcomeDispatched, models.OutcomeCompleted}, w.outcomes())
	assert.True(t, w.closed)
	assert.NotEmpty(t, tl.entries)
}

func TestDispatchFailureIsReported(t *testing.T) {
	fake := agenttest.New()
	defer fake.Close()
	fake.SetFailCreate(true)
	w := &memWriter{}
	d := newTestDispatcher(t, fake, w, nil)

	require.NoError(t, d.DispatchAll([]Job{testJob("alert-2", "10.0.0.9")}))
	outcomes := drainUntil(t, d, 1)
	assert.False(t, outcomes[0].Dispatched)
	assert.Error(t, outcomes[0].Err)

	require.NoError(t, d.Shutdown(context.Background()))
	assert.Equal(t, []models.Outcome{models.OutcomeDispatchFailed}, w.outcomes())
	assert.Zero(t, fake.PromptCount())
}

func TestSameTargetJobsShareOneSession(t *testing.T) {
	fake := agenttest.New()
	defer fake.Close()
	d := newTestDispatcher(t, fake, &memWriter{}, nil)

	require.NoError(t, d.DispatchAll([]Job{testJob("a", "10.0.0.9"), testJob("b", "10.0.0.9")}))
	outcomes := drainUntil(t, d, 2)
	require.True(t, outcomes[0].Dispatched)
	require.True(t, outcomes[1].Dispatched)
	assert.Equal(t, outcomes[0].SessionID, outcomes[1].SessionID)
	assert.Len(t, fake.Created(), 1)
	assert.Equal(t, 2, fake.PromptCount())

	require.NoError(t, d.Shutdown(context.Background()))
}

func TestShutdownGraceExpiryCancelsUnits(t *testing.T) {
	fake := agenttest.New()
	defer fake.Close()
	fake.OnPromptAsync(func(id string) { fake.SetStatus(id, `{"type":"busy"}`) })
	w := &memWriter{}
	d := newTestDispatcher(t, fake, w, nil)
	d.cfg.ExecutionTimeout = time.Minute

	require.NoError(t, d.DispatchAll([]Job{testJob("slow", "10.0.0.9")}))
	drainUntil(t, d, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := d.Shutdown(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Empty(t, d.InFlight())
	assert.Equal(t, []models.Outcome{models.OutcomeDispatched, models.OutcomeTimeout}, w.outcomes())

	assert.ErrorIs(t, d.DispatchAll([]Job{testJob("late", "10.0.0.9")}), ErrClosed)
}

func TestBuildPrompt(t *testing.T) {
	job := testJob("x", "172.31.0.10")
	job.Target.TargetIP = "172.31.0.10"
	prompt := BuildPrompt(job)

	assert.True(t, strings.HasPrefix(prompt, "Execute this security remediation plan immediately:\n\nPLAN: block 10.0.0.5"))
	assert.Contains(t, prompt, "- Alert Source IP: 10.0.0.5")
	assert.Contains(t, prompt, "- Attack Type: vertical_port_scan")
	assert.Contains(t, prompt, "- Target Machine: server (172.31.0.10)")
}
