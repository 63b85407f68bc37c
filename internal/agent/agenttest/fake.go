// Package agenttest provides an in-process fake of the remote agent's
// session API for tests.
package agenttest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/go-chi/chi/v5"
)

// Agent is a fake remote agent. Sessions are absent from /session/status
// unless a status is set, which the completion poller reads as finished.
type Agent struct {
	Server *httptest.Server

	mu            sync.Mutex
	nextID        int
	unhealthy     bool
	failCreate    bool
	failPrompt    bool
	failAbort     bool
	created       []string
	prompts       map[string][]string
	syncPrompts   map[string][]string
	aborts        []string
	statuses      map[string]json.RawMessage
	messages      map[string]json.RawMessage
	statusCalls   int
	onPromptAsync func(sessionID string)
}

// New starts a fake agent.
func New() *Agent {
	a := &Agent{
		prompts:     map[string][]string{},
		syncPrompts: map[string][]string{},
		statuses:    map[string]json.RawMessage{},
		messages:    map[string]json.RawMessage{},
	}

	r := chi.NewRouter()
	r.Get("/health", a.handleHealth)
	r.Post("/session", a.handleCreate)
	r.Get("/session/status", a.handleStatus)
	r.Post("/session/{id}/prompt_async", a.handlePromptAsync)
	r.Post("/session/{id}/message", a.handlePrompt)
	r.Get("/session/{id}/message", a.handleMessages)
	r.Post("/session/{id}/abort", a.handleAbort)
	a.Server = httptest.NewServer(r)
	return a
}

// URL returns the base URL.
func (a *Agent) URL() string { return a.Server.URL }

// Close shuts the server down.
func (a *Agent) Close() { a.Server.Close() }

// SetHealthy toggles /health.
func (a *Agent) SetHealthy(ok bool) {
	a.mu.Lock()
	a.unhealthy = !ok
	a.mu.Unlock()
}

// SetFailCreate makes POST /session fail.
func (a *Agent) SetFailCreate(fail bool) {
	a.mu.Lock()
	a.failCreate = fail
	a.mu.Unlock()
}

// SetFailPrompt makes prompt_async fail.
func (a *Agent) SetFailPrompt(fail bool) {
	a.mu.Lock()
	a.failPrompt = fail
	a.mu.Unlock()
}

// SetFailAbort makes abort fail.
func (a *Agent) SetFailAbort(fail bool) {
	a.mu.Lock()
	a.failAbort = fail
	a.mu.Unlock()
}

// SetStatus sets the raw status reported for a session.
func (a *Agent) SetStatus(sessionID, raw string) {
	a.mu.Lock()
	a.statuses[sessionID] = json.RawMessage(raw)
	a.mu.Unlock()
}

// ClearStatus removes a session from /session/status.
func (a *Agent) ClearStatus(sessionID string) {
	a.mu.Lock()
	delete(a.statuses, sessionID)
	a.mu.Unlock()
}

// SetMessages sets the history returned for a session.
func (a *Agent) SetMessages(sessionID, raw string) {
	a.mu.Lock()
	a.messages[sessionID] = json.RawMessage(raw)
	a.mu.Unlock()
}

// OnPromptAsync registers a hook run after each accepted prompt_async.
func (a *Agent) OnPromptAsync(fn func(sessionID string)) {
	a.mu.Lock()
	a.onPromptAsync = fn
	a.mu.Unlock()
}

// Created returns created session ids in order.
func (a *Agent) Created() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.created...)
}

// Prompts returns prompt_async texts for a session.
func (a *Agent) Prompts(sessionID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.prompts[sessionID]...)
}

// SyncPrompts returns synchronous prompt texts for a session.
func (a *Agent) SyncPrompts(sessionID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.syncPrompts[sessionID]...)
}

// PromptCount returns the total number of prompt_async calls.
func (a *Agent) PromptCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, p := range a.prompts {
		n += len(p)
	}
	return n
}

// Aborts returns aborted session ids in order.
func (a *Agent) Aborts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.aborts...)
}

// StatusCalls returns the number of /session/status requests.
func (a *Agent) StatusCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.statusCalls
}

func (a *Agent) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	unhealthy := a.unhealthy
	a.mu.Unlock()
	if unhealthy {
		http.Error(w, "starting", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]bool{"healthy": true})
}

func (a *Agent) handleCreate(w http.ResponseWriter, r *http.Request) {
	io.Copy(io.Discard, r.Body)
	a.mu.Lock()
	if a.failCreate {
		a.mu.Unlock()
		http.Error(w, "cannot create", http.StatusInternalServerError)
		return
	}
	a.nextID++
	id := fmt.Sprintf("ses_%03d", a.nextID)
	a.created = append(a.created, id)
	a.mu.Unlock()
	writeJSON(w, map[string]string{"id": id})
}

func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	a.statusCalls++
	out := make(map[string]json.RawMessage, len(a.statuses))
	for k, v := range a.statuses {
		out[k] = v
	}
	a.mu.Unlock()
	writeJSON(w, out)
}

func (a *Agent) handlePromptAsync(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	text, err := promptText(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	a.mu.Lock()
	if a.failPrompt {
		a.mu.Unlock()
		http.Error(w, "rejected", http.StatusInternalServerError)
		return
	}
	a.prompts[id] = append(a.prompts[id], text)
	hook := a.onPromptAsync
	a.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Agent) handlePrompt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	text, err := promptText(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	a.mu.Lock()
	a.syncPrompts[id] = append(a.syncPrompts[id], text)
	a.mu.Unlock()
	writeJSON(w, map[string]interface{}{
		"info":  map[string]string{"id": "msg_reply", "sessionID": id, "role": "assistant"},
		"parts": []map[string]string{{"type": "text", "text": "ack"}},
	})
}

func (a *Agent) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a.mu.Lock()
	raw, ok := a.messages[id]
	a.mu.Unlock()
	if !ok {
		raw = json.RawMessage(`[]`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}

func (a *Agent) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a.mu.Lock()
	a.aborts = append(a.aborts, id)
	fail := a.failAbort
	if !fail {
		delete(a.statuses, id)
	}
	a.mu.Unlock()
	if fail {
		http.Error(w, "abort failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, true)
}

func promptText(r *http.Request) (string, error) {
	var body struct {
		Parts []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"parts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return "", err
	}
	text := ""
	for _, p := range body.Parts {
		if p.Type == "text" {
			text += p.Text
		}
	}
	return text, nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
