package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"autoresponder/internal/agent"
	"autoresponder/internal/logger"
	"autoresponder/internal/metrics"
	"autoresponder/internal/normalize"
	"autoresponder/internal/output/timeline"
	"autoresponder/internal/poller"
	"autoresponder/internal/session"
	"autoresponder/pkg/models"
)

// ErrClosed is returned by DispatchAll after Shutdown.
var ErrClosed = errors.New("dispatcher is shut down")

// AgentAPI is the remote agent surface one dispatch unit needs.
type AgentAPI interface {
	WaitHealthy(ctx context.Context, timeout, interval time.Duration) error
	CreateSession(ctx context.Context, title string) (string, error)
	SessionStatus(ctx context.Context) (map[string]json.RawMessage, error)
	Abort(ctx context.Context, sessionID string) error
	PromptAsync(ctx context.Context, sessionID, text string) error
	Messages(ctx context.Context, sessionID string) ([]agent.Message, json.RawMessage, error)
}

// AgentFactory returns the agent client for a target.
type AgentFactory func(target models.TargetInfo) (AgentAPI, error)

// Job is one plan to run on one target.
type Job struct {
	AlertID  string
	ThreatID string
	Alert    models.Alert
	Plan     models.Plan
	Target   models.TargetInfo
}

// Outcome reports whether a job's plan was accepted by the remote agent.
type Outcome struct {
	Job         Job
	ExecutionID string
	SessionID   string
	Dispatched  bool
	Err         error
}

// Unit stages.
const (
	StageQueued    = "queued"
	StageHealth    = "waiting_health"
	StageSession   = "acquiring_session"
	StageDispatch  = "dispatching"
	StagePolling   = "polling"
	StageCollected = "collecting"
)

// InFlightUnit describes a running dispatch unit.
type InFlightUnit struct {
	ExecutionID string    `json:"execution_id"`
	AlertID     string    `json:"alert_id"`
	TargetIP    string    `json:"target_ip"`
	Machine     string    `json:"machine"`
	SessionID   string    `json:"session_id,omitempty"`
	Stage       string    `json:"stage"`
	StartedAt   time.Time `json:"started_at"`
}

// Config configures the dispatcher.
type Config struct {
	Workers          int
	HealthTimeout    time.Duration
	HealthInterval   time.Duration
	ExecutionTimeout time.Duration
}

// Dispatcher runs each job in its own goroutine. At most Workers units
// are in the health/session/prompt phase at once; completion polling and
// log collection run outside that bound.
type Dispatcher struct {
	cfg        Config
	agents     AgentFactory
	sessions   *session.Registry
	poller     *poller.Poller
	normalizer *normalize.Normalizer
	timeline   Timeline
	metrics    *metrics.Metrics
	writer     RecordWriter

	sem         chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	records     chan *models.ExecutionRecord
	recordsDone chan struct{}

	mu       sync.Mutex
	closed   bool
	inflight map[string]*InFlightUnit
	outbox   []Outcome

	newID func() string
	now   func() time.Time
}

// NewDispatcher creates a dispatcher and starts its record writer loop.
// tl, m and writer may be nil.
func NewDispatcher(cfg Config, agents AgentFactory, sessions *session.Registry, p *poller.Poller, n *normalize.Normalizer, tl Timeline, m *metrics.Metrics, writer RecordWriter) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 60 * time.Second
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 2 * time.Second
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = 300 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:         cfg,
		agents:      agents,
		sessions:    sessions,
		poller:      p,
		normalizer:  n,
		timeline:    tl,
		metrics:     m,
		writer:      writer,
		sem:         make(chan struct{}, cfg.Workers),
		ctx:         ctx,
		cancel:      cancel,
		records:     make(chan *models.ExecutionRecord, 256),
		recordsDone: make(chan struct{}),
		inflight:    make(map[string]*InFlightUnit),
		newID:       uuid.NewString,
		now:         time.Now,
	}
	go d.recordLoop(d.records)
	return d
}

// DispatchAll starts one unit per job and returns without waiting for any
// of them. Results are collected with Drain.
func (d *Dispatcher) DispatchAll(jobs []Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	for _, job := range jobs {
		execID := d.newID()
		d.inflight[execID] = &InFlightUnit{
			ExecutionID: execID,
			AlertID:     job.AlertID,
			TargetIP:    job.Target.TargetIP,
			Machine:     job.Target.Machine,
			Stage:       StageQueued,
			StartedAt:   d.now(),
		}
		d.wg.Add(1)
		go d.run(job, execID)
	}
	d.metrics.SetInFlight(len(d.inflight))
	return nil
}

// Drain returns and clears the dispatch outcomes reported so far.
func (d *Dispatcher) Drain() []Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.outbox
	d.outbox = nil
	return out
}

// InFlight returns a snapshot of running units ordered by start time.
func (d *Dispatcher) InFlight() []InFlightUnit {
	d.mu.Lock()
	out := make([]InFlightUnit, 0, len(d.inflight))
	for _, u := range d.inflight {
		out = append(out, *u)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ExecutionID < out[j].ExecutionID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Shutdown stops accepting jobs and waits for running units. When ctx
// ends first, remaining units are cancelled and ctx's error is returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warnf("Shutdown grace expired with %d units running; cancelling", len(d.InFlight()))
		d.cancel()
		<-done
		err = ctx.Err()
	}
	d.cancel()

	close(d.records)
	<-d.recordsDone
	if d.writer != nil {
		if cerr := d.writer.Close(); cerr != nil {
			logger.Errorf("Failed to close record writer: %v", cerr)
		}
	}
	return err
}

func (d *Dispatcher) run(job Job, execID string) {
	defer d.wg.Done()
	defer d.finish(execID)

	rec := &models.ExecutionRecord{
		AlertIdentity: job.AlertID,
		ExecutionID:   execID,
		TargetIP:      job.Target.TargetIP,
		Machine:       job.Target.Machine,
		Role:          job.Target.Role,
	}

	api, sessionID, err := d.dispatch(job, execID)
	rec.DispatchedAt = d.now().UTC()
	rec.SessionID = sessionID
	d.report(Outcome{Job: job, ExecutionID: execID, SessionID: sessionID, Dispatched: err == nil, Err: err})
	d.metrics.ObserveDispatch(job.Target.Machine, err == nil)
	if err != nil {
		rec.Outcome = models.OutcomeDispatchFailed
		rec.Error = err.Error()
		d.emit(rec)
		d.log(timeline.LevelError, job, execID, fmt.Sprintf("Dispatch to %s failed: %v", job.Target.Machine, err), nil)
		return
	}
	rec.Outcome = models.OutcomeDispatched
	d.emit(cloneRecord(rec))
	d.log(timeline.LevelDispatch, job, execID, fmt.Sprintf("Plan sent to %s (%s)", job.Target.Machine, job.Target.TargetIP),
		map[string]interface{}{"session_id": sessionID, "target_ip": job.Target.TargetIP, "plan": job.Plan.Text})

	d.setStage(execID, StagePolling, sessionID)
	res := d.poller.WaitForIdle(d.ctx, api, sessionID, d.cfg.ExecutionTimeout)

	d.setStage(execID, StageCollected, sessionID)
	collectCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	runMetrics := d.normalizer.FetchAndNormalize(collectCtx, api, job.Target, sessionID)
	cancel()

	finished := d.now().UTC()
	rec.FinishedAt = &finished
	rec.Metrics = &runMetrics
	switch {
	case res.Completed && res.Status == agent.StatusError:
		rec.Outcome = models.OutcomeCompletedWithError
		rec.Error = "remote session reported an error"
	case res.Completed:
		rec.Outcome = models.OutcomeCompleted
	default:
		rec.Outcome = models.OutcomeTimeout
		if d.ctx.Err() != nil {
			rec.Error = "cancelled during shutdown"
		}
	}
	d.emit(rec)
	d.metrics.ObserveCompletion(string(rec.Outcome), finished.Sub(rec.DispatchedAt).Seconds())

	level := timeline.LevelExec
	if rec.Outcome == models.OutcomeTimeout {
		level = timeline.LevelWarning
	}
	d.log(level, job, execID, fmt.Sprintf("Execution on %s %s after %s", job.Target.Machine, rec.Outcome, res.Elapsed.Round(time.Second)),
		map[string]interface{}{
			"session_id":   sessionID,
			"outcome":      rec.Outcome,
			"polls":        res.Polls,
			"llm_calls":    runMetrics.Steps,
			"tool_calls":   runMetrics.ToolCalls,
			"final_output": runMetrics.FinalOutput,
			"tokens":       runMetrics.Tokens.Total(),
			"cost":         runMetrics.Cost,
		})
}

// dispatch waits for the agent, acquires the target's session and hands
// over the prompt. The session lease is held only until the prompt is sent.
func (d *Dispatcher) dispatch(job Job, execID string) (AgentAPI, string, error) {
	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-d.ctx.Done():
		return nil, "", d.ctx.Err()
	}

	api, err := d.agents(job.Target)
	if err != nil {
		return nil, "", fmt.Errorf("agent client for %s: %w", job.Target.TargetIP, err)
	}

	d.setStage(execID, StageHealth, "")
	if err := api.WaitHealthy(d.ctx, d.cfg.HealthTimeout, d.cfg.HealthInterval); err != nil {
		return nil, "", err
	}

	d.setStage(execID, StageSession, "")
	lease, err := d.sessions.Acquire(d.ctx, job.Target.TargetIP, api)
	if err != nil {
		return nil, "", err
	}
	defer lease.Release()
	sessionID := lease.Session.SessionID

	d.setStage(execID, StageDispatch, sessionID)
	if err := api.PromptAsync(d.ctx, sessionID, BuildPrompt(job)); err != nil {
		return nil, sessionID, err
	}
	logger.Infof("Dispatched execution %s to %s session %s (%s)", execID, job.Target.TargetIP, sessionID, lease.Action)
	return api, sessionID, nil
}

func (d *Dispatcher) report(o Outcome) {
	d.mu.Lock()
	d.outbox = append(d.outbox, o)
	d.mu.Unlock()
}

func (d *Dispatcher) setStage(execID, stage, sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.inflight[execID]; ok {
		u.Stage = stage
		if sessionID != "" {
			u.SessionID = sessionID
		}
	}
}

func (d *Dispatcher) finish(execID string) {
	d.mu.Lock()
	delete(d.inflight, execID)
	n := len(d.inflight)
	d.mu.Unlock()
	d.metrics.SetInFlight(n)
}

func (d *Dispatcher) emit(rec *models.ExecutionRecord) {
	d.records <- rec
}

func (d *Dispatcher) log(level string, job Job, execID, msg string, data map[string]interface{}) {
	if d.timeline == nil {
		return
	}
	d.timeline.Log(models.TimelineEntry{
		Level:   level,
		Message: msg,
		Alert:   job.AlertID,
		Exec:    execID,
		Machine: job.Target.Machine,
		Data:    data,
	})
}

func cloneRecord(rec *models.ExecutionRecord) *models.ExecutionRecord {
	c := *rec
	return &c
}
