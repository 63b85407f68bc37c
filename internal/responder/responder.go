package responder

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"autoresponder/internal/dedup"
	"autoresponder/internal/logger"
	"autoresponder/internal/metrics"
	"autoresponder/internal/output/timeline"
	"autoresponder/internal/pipeline"
	"autoresponder/internal/planner"
	"autoresponder/pkg/models"
)

// Source yields newly observed alerts.
type Source interface {
	Poll(ctx context.Context) ([]models.Alert, error)
	Close() error
}

// Classifier decides whether an alert deserves a response.
type Classifier interface {
	IsActionable(alert models.Alert) bool
}

// Planner turns alert text into remediation plans.
type Planner interface {
	GeneratePlan(ctx context.Context, alertText string) ([]models.Plan, error)
}

// Resolver maps a plan's executor IP to a target.
type Resolver interface {
	Resolve(ip string) models.TargetInfo
}

// Dispatcher starts jobs and reports their dispatch outcomes.
type Dispatcher interface {
	DispatchAll(jobs []pipeline.Job) error
	Drain() []pipeline.Outcome
}

// Config configures the polling loop.
type Config struct {
	PollInterval time.Duration
	// MaxRetries is the number of failed planner or dispatch attempts
	// after which an alert is abandoned.
	MaxRetries int
	// AttemptCacheSize bounds the per-alert attempt counters.
	AttemptCacheSize int
}

// Deps are the collaborators of a Responder. Timeline and Metrics may be nil.
type Deps struct {
	Source     Source
	Classifier Classifier
	Index      *dedup.Index
	Planner    Planner
	Resolver   Resolver
	Dispatcher Dispatcher
	Timeline   pipeline.Timeline
	Metrics    *metrics.Metrics
}

type pendingAlert struct {
	alert     models.Alert
	threatID  string
	expected  int
	reported  int
	succeeded int
}

// Responder is the single polling goroutine: it reads alerts, filters and
// deduplicates them, asks the planner for plans and hands them to the
// dispatcher. Dedup state is only mutated and persisted from here.
type Responder struct {
	cfg Config
	Deps

	attempts *lru.Cache[string, int]
	// pending holds alerts whose dispatches have not all reported yet.
	pending        map[string]*pendingAlert
	pendingThreats map[string]string
	// backlog holds alerts to retry on the next cycle.
	backlog []models.Alert
	dirty   bool

	now func() time.Time
}

// New creates a Responder.
func New(cfg Config, deps Deps) (*Responder, error) {
	if deps.Source == nil || deps.Index == nil || deps.Planner == nil || deps.Resolver == nil || deps.Dispatcher == nil {
		return nil, errors.New("responder: missing dependency")
	}
	if deps.Classifier == nil {
		return nil, errors.New("responder: missing classifier")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.AttemptCacheSize <= 0 {
		cfg.AttemptCacheSize = 10000
	}
	attempts, err := lru.New[string, int](cfg.AttemptCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create attempt cache: %w", err)
	}
	return &Responder{
		cfg:            cfg,
		Deps:           deps,
		attempts:       attempts,
		pending:        make(map[string]*pendingAlert),
		pendingThreats: make(map[string]string),
		now:            time.Now,
	}, nil
}

// Run polls until ctx is done. Errors from a cycle are logged and never
// end the loop.
func (r *Responder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := r.RunOnce(ctx); err != nil {
			if errors.Is(err, pipeline.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			logger.Debugf("Polling cycle ended with error: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs one polling cycle.
func (r *Responder) RunOnce(ctx context.Context) error {
	r.collect()

	batch := r.backlog
	r.backlog = nil
	alerts, err := r.Source.Poll(ctx)
	if err != nil {
		logger.Warnf("Failed to read alerts: %v", err)
	}
	r.Metrics.IncAlertsRead(len(alerts))
	batch = append(batch, alerts...)

	var cycleErr error
	for i, alert := range batch {
		if ctx.Err() != nil {
			r.backlog = append(r.backlog, batch[i:]...)
			break
		}
		if err := r.handle(ctx, alert); err != nil {
			// The dispatcher is gone; keep the rest for a later run.
			r.backlog = append(r.backlog, batch[i:]...)
			cycleErr = err
			break
		}
	}

	r.collect()
	if err := r.persist(ctx); err != nil && cycleErr == nil {
		cycleErr = err
	}
	return cycleErr
}

// Flush collects pending outcomes and persists dedup state. Call it after
// the dispatcher has shut down.
func (r *Responder) Flush(ctx context.Context) error {
	r.collect()
	r.dirty = true
	return r.persist(ctx)
}

// Pending returns the number of alerts with unreported dispatches.
func (r *Responder) Pending() int {
	return len(r.pending)
}

func (r *Responder) handle(ctx context.Context, alert models.Alert) error {
	if !r.Classifier.IsActionable(alert) {
		r.Metrics.IncFiltered()
		return nil
	}

	alertID := dedup.AlertIdentity(alert)
	if r.Index.IsProcessedID(alertID) {
		r.Metrics.IncSkipped("processed")
		return nil
	}
	if _, ok := r.pending[alertID]; ok {
		r.Metrics.IncSkipped("in_flight")
		return nil
	}

	threatID := dedup.ThreatIdentity(alert)
	if r.Index.IsDuplicateThreatID(threatID) {
		r.Metrics.IncSkipped("duplicate_threat")
		r.Index.MarkProcessedID(alertID)
		r.dirty = true
		logger.Debugf("Suppressed duplicate threat %s for alert %s", threatID, alertID)
		return nil
	}
	if _, ok := r.pendingThreats[threatID]; ok {
		// Same threat is being dispatched; decide once that one reports.
		r.Metrics.IncSkipped("threat_in_flight")
		r.backlog = append(r.backlog, alert)
		return nil
	}

	text := planner.FormatAlert(alert, r.now())
	r.log(timeline.LevelAlert, alertID, fmt.Sprintf("New alert: %s", text), nil)

	plans, err := r.Planner.GeneratePlan(ctx, text)
	r.Metrics.ObservePlanner(err, len(plans))
	if err != nil {
		r.log(timeline.LevelError, alertID, fmt.Sprintf("Planner failed: %v", err), nil)
		r.fail(alertID, alert, "planner failed")
		return nil
	}

	jobs := make([]pipeline.Job, 0, len(plans))
	targets := make([]string, 0, len(plans))
	for _, plan := range plans {
		target := r.Resolver.Resolve(plan.ExecutorHostIP)
		jobs = append(jobs, pipeline.Job{
			AlertID:  alertID,
			ThreatID: threatID,
			Alert:    alert,
			Plan:     plan,
			Target:   target,
		})
		targets = append(targets, target.Machine+"@"+target.TargetIP)
	}
	r.log(timeline.LevelPlan, alertID, fmt.Sprintf("Received %d plan(s)", len(plans)),
		map[string]interface{}{"targets": targets})

	r.pending[alertID] = &pendingAlert{alert: alert, threatID: threatID, expected: len(jobs)}
	r.pendingThreats[threatID] = alertID
	if err := r.Dispatcher.DispatchAll(jobs); err != nil {
		delete(r.pending, alertID)
		delete(r.pendingThreats, threatID)
		return fmt.Errorf("dispatch alert %s: %w", alertID, err)
	}
	return nil
}

// collect applies the dispatch outcomes reported since the last call. An
// alert is settled once every one of its plans has reported.
func (r *Responder) collect() {
	for _, o := range r.Dispatcher.Drain() {
		p, ok := r.pending[o.Job.AlertID]
		if !ok {
			continue
		}
		p.reported++
		if o.Dispatched {
			p.succeeded++
		} else {
			logger.WithFields(map[string]interface{}{
				"alert":  o.Job.AlertID,
				"target": o.Job.Target.TargetIP,
			}).Warnf("Dispatch failed: %v", o.Err)
		}
		if p.reported < p.expected {
			continue
		}

		alertID := o.Job.AlertID
		delete(r.pending, alertID)
		delete(r.pendingThreats, p.threatID)
		if p.succeeded == 0 {
			r.log(timeline.LevelError, alertID, "All dispatches failed", nil)
			r.fail(alertID, p.alert, "dispatch failed")
			continue
		}
		r.Index.RecordThreatID(p.threatID)
		r.Index.MarkProcessedID(alertID)
		r.attempts.Remove(alertID)
		r.dirty = true
		r.log(timeline.LevelDone, alertID, fmt.Sprintf("Alert dispatched to %d/%d target(s)", p.succeeded, p.expected), nil)
	}
}

// fail counts a failed attempt. Within budget the alert is retried next
// cycle; past it the alert is marked processed and abandoned.
func (r *Responder) fail(alertID string, alert models.Alert, reason string) {
	n, _ := r.attempts.Get(alertID)
	n++
	if n < r.cfg.MaxRetries {
		r.attempts.Add(alertID, n)
		r.backlog = append(r.backlog, alert)
		logger.Warnf("Alert %s %s (attempt %d/%d); will retry", alertID, reason, n, r.cfg.MaxRetries)
		return
	}
	r.attempts.Remove(alertID)
	r.Index.MarkProcessedID(alertID)
	r.dirty = true
	r.Metrics.IncSkipped("abandoned")
	r.log(timeline.LevelWarning, alertID, fmt.Sprintf("Abandoned after %d attempts: %s", n, reason), nil)
}

func (r *Responder) persist(ctx context.Context) error {
	if !r.dirty {
		return nil
	}
	if err := r.Index.Persist(ctx); err != nil {
		// Logged by the index; in-memory state stays authoritative.
		r.Metrics.IncPersistErrors()
		return err
	}
	r.dirty = false
	return nil
}

func (r *Responder) log(level, alertID, msg string, data map[string]interface{}) {
	if r.Timeline == nil {
		return
	}
	r.Timeline.Log(models.TimelineEntry{Level: level, Message: msg, Alert: alertID, Data: data})
}
