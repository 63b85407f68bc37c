package timeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"autoresponder/internal/logger"
	"autoresponder/pkg/models"
)

// Timeline levels.
const (
	LevelInit     = "INIT"
	LevelAlert    = "ALERT"
	LevelPlan     = "PLAN"
	LevelDispatch = "DISPATCH"
	LevelExec     = "EXEC"
	LevelDone     = "DONE"
	LevelError    = "ERROR"
	LevelWarning  = "WARNING"
)

const fileName = "auto_responder_timeline.jsonl"

// Writer appends orchestrator events to the run timeline and, for entries
// tied to a machine, to that machine's timeline as well.
type Writer struct {
	runDir string
	mu     sync.Mutex
	files  map[string]*os.File
	now    func() time.Time
}

// NewWriter opens the run-level timeline.
func NewWriter(runDir string) (*Writer, error) {
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create timeline directory: %w", err)
	}
	w := &Writer{runDir: runDir, files: map[string]*os.File{}, now: time.Now}
	if _, err := w.file(""); err != nil {
		return nil, err
	}
	return w, nil
}

// Log writes one entry and mirrors it to the process log.
func (w *Writer) Log(entry models.TimelineEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = w.now().UTC()
	}
	entry.Alert = short(entry.Alert)
	entry.Exec = short(entry.Exec)

	msg := entry.Message
	if entry.Alert != "" {
		msg += " #" + entry.Alert
	}
	if entry.Exec != "" {
		msg += " @" + entry.Exec
	}
	switch entry.Level {
	case LevelError:
		logger.Errorf("%s", msg)
	case LevelWarning:
		logger.Warnf("%s", msg)
	default:
		logger.Infof("[%s] %s", entry.Level, msg)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		logger.Warnf("Timeline entry not encodable: %v", err)
		return
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	w.write("", data)
	if entry.Machine != "" {
		w.write(entry.Machine, data)
	}
}

// Logf is a shorthand for entries without data.
func (w *Writer) Logf(level, alert, exec, machine, format string, args ...interface{}) {
	w.Log(models.TimelineEntry{
		Level:   level,
		Message: fmt.Sprintf(format, args...),
		Alert:   alert,
		Exec:    exec,
		Machine: machine,
	})
}

// Close closes all open timeline files.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var firstErr error
	for key, f := range w.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(w.files, key)
	}
	return firstErr
}

func (w *Writer) write(machine string, data []byte) {
	f, err := w.file(machine)
	if err != nil {
		logger.Warnf("Timeline for %q unavailable: %v", machine, err)
		return
	}
	if _, err := f.Write(data); err != nil {
		logger.Warnf("Timeline write for %q failed: %v", machine, err)
	}
}

// file must be called with mu held, except from NewWriter.
func (w *Writer) file(machine string) (*os.File, error) {
	if f, ok := w.files[machine]; ok {
		return f, nil
	}
	dir := w.runDir
	if machine != "" {
		dir = filepath.Join(w.runDir, filepath.Base(machine))
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create machine directory: %w", err)
		}
	}
	f, err := os.OpenFile(filepath.Join(dir, fileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open timeline: %w", err)
	}
	w.files[machine] = f
	return f, nil
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
