package artifacts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"autoresponder/pkg/models"
)

const (
	rawMessagesFile = "opencode_api_messages.json"
	eventsFile      = "opencode_events.jsonl"
)

// Store writes per-machine execution artifacts under <run dir>/<machine>/.
type Store struct {
	runDir string
	mu     sync.Mutex
}

// NewStore creates the run directory if needed.
func NewStore(runDir string) (*Store, error) {
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}
	return &Store{runDir: runDir}, nil
}

// MachineDir returns the artifact directory for a machine.
func (s *Store) MachineDir(machine string) string {
	if machine == "" {
		machine = "unknown"
	}
	return filepath.Join(s.runDir, filepath.Base(machine))
}

// WriteRawMessages replaces the machine's raw archive with the latest
// fetched history, keyed by session id.
func (s *Store) WriteRawMessages(machine, sessionID string, raw json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.MachineDir(machine)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create machine directory: %w", err)
	}
	path := filepath.Join(dir, rawMessagesFile)

	archive := map[string]json.RawMessage{}
	if existing, err := os.ReadFile(path); err == nil && len(bytes.TrimSpace(existing)) > 0 {
		if err := json.Unmarshal(existing, &archive); err != nil {
			archive = map[string]json.RawMessage{}
		}
	}
	if !json.Valid(raw) {
		quoted, _ := json.Marshal(string(raw))
		raw = quoted
	}
	archive[sessionID] = raw

	data, err := json.MarshalIndent(archive, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode raw messages: %w", err)
	}
	return writeAtomic(path, data)
}

// AppendEvents appends normalized events as JSON lines.
func (s *Store) AppendEvents(machine string, events []models.ExecutionEvent) error {
	if len(events) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.MachineDir(machine)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create machine directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, eventsFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open events file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for i := range events {
		if err := enc.Encode(&events[i]); err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
