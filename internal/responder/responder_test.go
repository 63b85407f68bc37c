package responder

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoresponder/internal/agent"
	"autoresponder/internal/agent/agenttest"
	"autoresponder/internal/dedup"
	"autoresponder/internal/input/file"
	"autoresponder/internal/normalize"
	"autoresponder/internal/output/artifacts"
	"autoresponder/internal/pipeline"
	"autoresponder/internal/planner"
	"autoresponder/internal/poller"
	"autoresponder/internal/rules"
	"autoresponder/internal/session"
	"autoresponder/internal/target"
	"autoresponder/pkg/models"
)

type sliceSource struct {
	batches [][]models.Alert
}

func (s *sliceSource) Poll(context.Context) ([]models.Alert, error) {
	if len(s.batches) == 0 {
		return nil, nil
	}
	b := s.batches[0]
	s.batches = s.batches[1:]
	return b, nil
}

func (s *sliceSource) Close() error { return nil }

type countingPlanner struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (p *countingPlanner) GeneratePlan(_ context.Context, text string) ([]models.Plan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, text)
	if p.err != nil {
		return nil, p.err
	}
	return []models.Plan{{ExecutorHostIP: "172.31.0.10", Text: "block the scanner"}}, nil
}

// instantDispatcher reports every job as dispatched (or failed) immediately.
type instantDispatcher struct {
	fail   bool
	jobs   []pipeline.Job
	outbox []pipeline.Outcome
}

func (d *instantDispatcher) DispatchAll(jobs []pipeline.Job) error {
	for _, j := range jobs {
		d.jobs = append(d.jobs, j)
		o := pipeline.Outcome{Job: j, Dispatched: !d.fail}
		if d.fail {
			o.Err = errors.New("agent unhealthy")
		}
		d.outbox = append(d.outbox, o)
	}
	return nil
}

func (d *instantDispatcher) Drain() []pipeline.Outcome {
	out := d.outbox
	d.outbox = nil
	return out
}

func scanAlert(ts string) models.Alert {
	return models.Alert{
		"timestamp":   ts,
		"sourceip":    "172.30.0.10",
		"destip":      "172.31.0.10",
		"attackid":    "PortScanType.VERTICAL_PORT_SCAN",
		"proto":       "tcp",
		"description": "Vertical port scan to 172.31.0.10 from 172.30.0.10, confidence: 1",
	}
}

func newTestResponder(t *testing.T, src Source, p Planner, d Dispatcher, maxRetries int) (*Responder, *dedup.Index, string) {
	t.Helper()
	statePath := filepath.Join(t.TempDir(), "processed_alerts.json")
	index := dedup.NewIndex(300*time.Second, dedup.NewFileStore(statePath))
	r, err := New(Config{PollInterval: 10 * time.Millisecond, MaxRetries: maxRetries}, Deps{
		Source:     src,
		Classifier: rules.NewClassifier(nil),
		Index:      index,
		Planner:    p,
		Resolver:   target.NewResolver(nil, "", 4096),
		Dispatcher: d,
	})
	require.NoError(t, err)
	return r, index, statePath
}

func TestDuplicateThreatIsSuppressed(t *testing.T) {
	first := scanAlert("2025-01-01T10:00:00")
	second := scanAlert("2025-01-01T10:00:30")
	src := &sliceSource{batches: [][]models.Alert{{first, second}}}
	p := &countingPlanner{}
	d := &instantDispatcher{}
	r, index, statePath := newTestResponder(t, src, p, d, 3)

	require.NoError(t, r.RunOnce(context.Background()))
	// The second alert waits for the first one's dispatch to report.
	require.NoError(t, r.RunOnce(context.Background()))

	assert.Len(t, p.calls, 1)
	assert.Len(t, d.jobs, 1)
	assert.True(t, index.IsProcessed(first))
	assert.True(t, index.IsProcessed(second))
	assert.True(t, index.IsDuplicateThreat(second))

	data, err := os.ReadFile(statePath)
	require.NoError(t, err)
	var state dedup.State
	require.NoError(t, json.Unmarshal(data, &state))
	assert.Len(t, state.ProcessedHashes, 2)
	assert.Len(t, state.ThreatHistory, 1)
}

func TestNonActionableAlertsAreDropped(t *testing.T) {
	src := &sliceSource{batches: [][]models.Alert{{
		{"note": "heartbeat", "timestamp": "2025-01-01T10:00:00"},
		{"sourceip": "10.0.0.1", "destip": "10.0.0.2", "description": "low confidence flow, confidence: 0.3"},
	}}}
	p := &countingPlanner{}
	r, _, statePath := newTestResponder(t, src, p, &instantDispatcher{}, 3)

	require.NoError(t, r.RunOnce(context.Background()))
	assert.Empty(t, p.calls)
	_, err := os.Stat(statePath)
	assert.True(t, os.IsNotExist(err), "nothing changed, nothing persisted")
}

func TestPlannerFailureHonoursRetryBudget(t *testing.T) {
	alert := scanAlert("2025-01-01T10:00:00")
	src := &sliceSource{batches: [][]models.Alert{{alert}}}
	p := &countingPlanner{err: planner.ErrMalformedResponse}
	d := &instantDispatcher{}
	r, index, _ := newTestResponder(t, src, p, d, 2)

	require.NoError(t, r.RunOnce(context.Background()))
	assert.False(t, index.IsProcessed(alert), "first failure is retried")

	require.NoError(t, r.RunOnce(context.Background()))
	assert.True(t, index.IsProcessed(alert), "abandoned after the budget")

	require.NoError(t, r.RunOnce(context.Background()))
	assert.Len(t, p.calls, 2)
	assert.Empty(t, d.jobs)
	assert.False(t, index.IsDuplicateThreat(alert), "abandoned alerts do not record the threat")
}

func TestDispatchFailureIsRetried(t *testing.T) {
	alert := scanAlert("2025-01-01T10:00:00")
	src := &sliceSource{batches: [][]models.Alert{{alert}}}
	p := &countingPlanner{}
	d := &instantDispatcher{fail: true}
	r, index, _ := newTestResponder(t, src, p, d, 3)

	require.NoError(t, r.RunOnce(context.Background()))
	assert.False(t, index.IsProcessed(alert))
	assert.Zero(t, r.Pending())

	d.fail = false
	require.NoError(t, r.RunOnce(context.Background()))
	assert.True(t, index.IsProcessed(alert))
	assert.True(t, index.IsDuplicateThreat(alert))
	assert.Len(t, p.calls, 2)
}

func TestEndToEndWithFileInputAndAgent(t *testing.T) {
	dir := t.TempDir()
	alertPath := filepath.Join(dir, "defender_alerts.ndjson")
	lines := []string{
		`{"note":"heartbeat"}`,
		`not json at all`,
		`{"timestamp":"2025-01-01T10:00:00","sourceip":"172.30.0.10","destip":"172.31.0.10","attackid":"PortScanType.VERTICAL_PORT_SCAN","proto":"tcp","description":"vertical port scan, confidence: 1"}`,
	}
	require.NoError(t, os.WriteFile(alertPath, []byte(strings.Join(lines, "\n")+"\n"), 0644))

	var plannerCalls atomic.Int32
	plannerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		plannerCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"plans":[{"executor_host_ip":"172.31.0.10","plan":"iptables -A INPUT -s 172.30.0.10 -j DROP"}]}`))
	}))
	defer plannerSrv.Close()

	fake := agenttest.New()
	defer fake.Close()
	fake.OnPromptAsync(func(id string) {
		fake.SetMessages(id, `[
  {"info":{"id":"msg_a1","sessionID":"`+id+`","role":"assistant","time":{"created":1700000001000}},
   "parts":[
     {"id":"p1","type":"step-start","time":{"start":1700000001100}},
     {"id":"p2","type":"tool","tool":"bash","time":{"start":1700000002000,"end":1700000003000},"state":{"status":"completed"}},
     {"id":"p3","type":"text","text":"Blocked 172.30.0.10 with iptables."}
   ]}
]`)
	})

	reader, err := file.NewReader(alertPath)
	require.NoError(t, err)
	pc, err := planner.NewClient(planner.Config{URL: plannerSrv.URL, Timeout: time.Second})
	require.NoError(t, err)
	resolver := target.NewResolver([]target.Rule{
		{Prefix: "172.31.0.", Role: models.RoleServer, TargetIP: "172.31.0.10", Machine: "server"},
	}, fake.URL(), 0)

	store, err := artifacts.NewStore(filepath.Join(dir, "run"))
	require.NoError(t, err)
	dispatcher := pipeline.NewDispatcher(
		pipeline.Config{Workers: 2, HealthTimeout: time.Second, HealthInterval: 10 * time.Millisecond, ExecutionTimeout: 2 * time.Second},
		func(ti models.TargetInfo) (pipeline.AgentAPI, error) {
			return agent.NewClient(agent.Config{BaseURL: ti.AgentURL, AgentName: "soc_god", RequestTimeout: time.Second})
		},
		session.NewRegistry(session.Config{AbortPause: time.Millisecond}),
		poller.New(poller.Config{Interval: 10 * time.Millisecond, MinGoneElapsed: 10 * time.Millisecond}),
		normalize.New(store),
		nil, nil, nil,
	)

	statePath := filepath.Join(dir, "processed_alerts.json")
	index := dedup.NewIndex(300*time.Second, dedup.NewFileStore(statePath))
	r, err := New(Config{PollInterval: 10 * time.Millisecond}, Deps{
		Source:     reader,
		Classifier: rules.NewClassifier(nil),
		Index:      index,
		Planner:    pc,
		Resolver:   resolver,
		Dispatcher: dispatcher,
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, r.RunOnce(ctx))
	require.Eventually(t, func() bool {
		if err := r.RunOnce(ctx); err != nil {
			return false
		}
		return r.Pending() == 0
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, dispatcher.Shutdown(ctx))
	require.NoError(t, r.Flush(ctx))

	assert.EqualValues(t, 1, plannerCalls.Load())
	require.Len(t, fake.Created(), 1)
	prompts := fake.Prompts(fake.Created()[0])
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "iptables -A INPUT -s 172.30.0.10 -j DROP")

	data, err := os.ReadFile(filepath.Join(dir, "run", "server", "opencode_events.jsonl"))
	require.NoError(t, err)
	var types []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var ev models.ExecutionEvent
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		assert.Equal(t, fake.Created()[0], ev.SessionID)
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{models.EventStepStart, models.EventToolUse, models.EventText}, types)

	reloaded := dedup.NewIndex(300*time.Second, dedup.NewFileStore(statePath))
	require.NoError(t, reloaded.Load(ctx))
	processed, threats := reloaded.Counts()
	assert.Equal(t, 1, processed)
	assert.Equal(t, 1, threats)

	// A restart over the same file replays nothing.
	reader2, err := file.NewReader(alertPath)
	require.NoError(t, err)
	alerts, err := reader2.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.True(t, reloaded.IsProcessed(alerts[1]))
}
