package poller

import (
	"context"
	"encoding/json"
	"time"

	"autoresponder/internal/agent"
	"autoresponder/internal/logger"
)

// StatusAPI reports the remote agent's session status map.
type StatusAPI interface {
	SessionStatus(ctx context.Context) (map[string]json.RawMessage, error)
}

// Config configures the completion poller.
type Config struct {
	Interval       time.Duration
	MinGoneElapsed time.Duration
}

// Result is the outcome of WaitForIdle.
type Result struct {
	Completed bool
	// Status is StatusError when the session finished with an error marker.
	Status  agent.Status
	Gone    bool
	Polls   int
	Elapsed time.Duration
}

// Poller waits for remote sessions to finish.
type Poller struct {
	interval time.Duration
	minGone  time.Duration
	now      func() time.Time
}

// New creates a poller.
func New(cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	if cfg.MinGoneElapsed < 0 {
		cfg.MinGoneElapsed = 0
	}
	return &Poller{interval: cfg.Interval, minGone: cfg.MinGoneElapsed, now: time.Now}
}

// WaitForIdle polls until the session is done, fails, or timeout passes.
//
// In order: a session no longer listed after MinGoneElapsed is complete; an
// idle marker is complete; an error marker is complete with error; a status
// with no known marker is confirmed by one more poll before it counts as
// idle. On timeout the remote session is left running.
func (p *Poller) WaitForIdle(ctx context.Context, api StatusAPI, sessionID string, timeout time.Duration) Result {
	start := p.now()
	var res Result
	unconfirmed := false

	for {
		res.Polls++
		statuses, err := api.SessionStatus(ctx)
		res.Elapsed = p.now().Sub(start)
		if err != nil {
			logger.Warnf("Status poll for session %s failed: %v", sessionID, err)
			unconfirmed = false
		} else if done := p.evaluate(statuses, sessionID, &res, &unconfirmed); done {
			return res
		}

		if timeout > 0 && res.Elapsed >= timeout {
			return p.timedOut(sessionID, timeout, res, start)
		}
		wait := p.interval
		if timeout > 0 && timeout-res.Elapsed < wait {
			wait = timeout - res.Elapsed
		}
		if !sleepCtx(ctx, wait) {
			res.Elapsed = p.now().Sub(start)
			logger.Warnf("Status poll for session %s cancelled after %s", sessionID, res.Elapsed.Round(time.Millisecond))
			return res
		}
	}
}

func (p *Poller) evaluate(statuses map[string]json.RawMessage, sessionID string, res *Result, unconfirmed *bool) bool {
	raw, listed := statuses[sessionID]
	if !listed {
		if res.Elapsed >= p.minGone {
			res.Completed, res.Gone, res.Status = true, true, agent.StatusIdle
			return true
		}
		return false
	}
	switch st := agent.InterpretStatus(raw); st {
	case agent.StatusIdle, agent.StatusError:
		res.Completed, res.Status = true, st
		return true
	case agent.StatusBusy:
		*unconfirmed = false
	default:
		if *unconfirmed {
			res.Completed, res.Status = true, agent.StatusIdle
			return true
		}
		*unconfirmed = true
	}
	return false
}

func (p *Poller) timedOut(sessionID string, timeout time.Duration, res Result, start time.Time) Result {
	res.Elapsed = p.now().Sub(start)
	res.Status = agent.StatusBusy
	logger.Warnf("Session %s did not finish within %s; leaving it running", sessionID, timeout)
	return res
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
