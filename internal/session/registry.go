package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"autoresponder/internal/agent"
	"autoresponder/internal/logger"
)

// API is the subset of the remote agent used to manage sessions.
type API interface {
	CreateSession(ctx context.Context, title string) (string, error)
	SessionStatus(ctx context.Context) (map[string]json.RawMessage, error)
	Abort(ctx context.Context, sessionID string) error
}

// Action describes how a lease obtained its session.
type Action string

const (
	ActionCreated       Action = "created"
	ActionReused        Action = "reused"
	ActionAbortedReused Action = "aborted_reused"
)

// Session is the active session for one target.
type Session struct {
	TargetIP  string    `json:"target_ip"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used"`
	Uses      int       `json:"uses"`
}

// Config configures a Registry.
type Config struct {
	// AbortPause is waited after aborting a busy session.
	AbortPause time.Duration
	// OnAction, if set, is called for every successful acquire.
	OnAction func(targetIP string, action Action)
}

// Registry owns one active session per target IP.
//
// The map lock guards lookups and updates only. Each target also has a
// one-slot gate held from Acquire until Lease.Release, so prompts for one
// host are never sent concurrently.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	gates    map[string]chan struct{}

	abortPause time.Duration
	onAction   func(string, Action)
	now        func() time.Time
}

// Lease is exclusive use of a target's session until Release.
type Lease struct {
	Session Session
	Action  Action

	once    sync.Once
	release func()
}

// Release gives the target back. Safe to call more than once.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(l.release)
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.AbortPause < 0 {
		cfg.AbortPause = 0
	}
	return &Registry{
		sessions:   make(map[string]*Session),
		gates:      make(map[string]chan struct{}),
		abortPause: cfg.AbortPause,
		onAction:   cfg.OnAction,
		now:        time.Now,
	}
}

// Acquire returns a lease on the target's session, creating one when none
// is tracked. A tracked session that the agent reports busy is aborted and
// reused after a short pause. Abort or status failures are logged and the
// session is reused anyway.
func (r *Registry) Acquire(ctx context.Context, targetIP string, api API) (*Lease, error) {
	gate := r.gate(targetIP)
	select {
	case gate <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for target %s: %w", targetIP, ctx.Err())
	}
	release := func() { <-gate }

	sess, action, err := r.acquireLocked(ctx, targetIP, api)
	if err != nil {
		release()
		return nil, err
	}
	if r.onAction != nil {
		r.onAction(targetIP, action)
	}
	return &Lease{Session: sess, Action: action, release: release}, nil
}

// acquireLocked runs with the target gate held; the map lock is taken only
// around map access.
func (r *Registry) acquireLocked(ctx context.Context, targetIP string, api API) (Session, Action, error) {
	existing, ok := r.lookup(targetIP)
	if !ok {
		id, err := api.CreateSession(ctx, "remediation "+targetIP)
		if err != nil {
			return Session{}, "", fmt.Errorf("create session for %s: %w", targetIP, err)
		}
		logger.Infof("Created session %s for target %s", id, targetIP)
		return r.store(targetIP, id, true), ActionCreated, nil
	}

	action := ActionReused
	statuses, err := api.SessionStatus(ctx)
	if err != nil {
		logger.Warnf("Session status query for %s failed, reusing %s without abort: %v", targetIP, existing.SessionID, err)
	} else if raw, listed := statuses[existing.SessionID]; listed && agent.InterpretStatus(raw) == agent.StatusBusy {
		logger.Infof("Session %s on %s is busy, aborting before reuse", existing.SessionID, targetIP)
		if err := api.Abort(ctx, existing.SessionID); err != nil {
			logger.Warnf("Abort of session %s on %s failed, sending anyway: %v", existing.SessionID, targetIP, err)
		}
		action = ActionAbortedReused
		if err := sleepCtx(ctx, r.abortPause); err != nil {
			return Session{}, "", fmt.Errorf("pause after abort on %s: %w", targetIP, err)
		}
	}
	return r.store(targetIP, existing.SessionID, false), action, nil
}

// Snapshot returns copies of the tracked sessions ordered by target.
func (r *Registry) Snapshot() []Session {
	r.mu.Lock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TargetIP < out[j].TargetIP })
	return out
}

// Lookup returns the tracked session for a target.
func (r *Registry) Lookup(targetIP string) (Session, bool) {
	return r.lookup(targetIP)
}

func (r *Registry) gate(targetIP string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gates[targetIP]
	if !ok {
		g = make(chan struct{}, 1)
		r.gates[targetIP] = g
	}
	return g
}

func (r *Registry) lookup(targetIP string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[targetIP]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

func (r *Registry) store(targetIP, sessionID string, created bool) Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	s, ok := r.sessions[targetIP]
	if !ok || created || s.SessionID != sessionID {
		s = &Session{TargetIP: targetIP, SessionID: sessionID, CreatedAt: now}
		r.sessions[targetIP] = s
	}
	s.LastUsed = now
	s.Uses++
	return *s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
