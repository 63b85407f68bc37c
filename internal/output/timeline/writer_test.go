package timeline

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoresponder/internal/logger"
	"autoresponder/pkg/models"
)

func readEntries(t *testing.T, path string) []models.TimelineEntry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var out []models.TimelineEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e models.TimelineEntry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		out = append(out, e)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestWriterMirrorsMachineEntries(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)

	w.Logf(LevelInit, "", "", "", "started")
	w.Log(models.TimelineEntry{
		Level:   LevelDispatch,
		Message: "plan sent",
		Alert:   "0123456789abcdef",
		Exec:    "fedcba9876543210",
		Machine: "server",
		Data:    map[string]interface{}{"session_id": "ses_1"},
	})
	require.NoError(t, w.Close())

	run := readEntries(t, filepath.Join(dir, fileName))
	require.Len(t, run, 2)
	assert.Equal(t, LevelInit, run[0].Level)
	assert.Equal(t, "01234567", run[1].Alert)
	assert.Equal(t, "fedcba98", run[1].Exec)
	assert.False(t, run[1].Timestamp.IsZero())

	machine := readEntries(t, filepath.Join(dir, "server", fileName))
	require.Len(t, machine, 1)
	assert.Equal(t, "plan sent", machine[0].Message)
	assert.Equal(t, "ses_1", machine[0].Data["session_id"])
}

func TestWriterMirrorsEntriesToLog(t *testing.T) {
	require.NoError(t, logger.Init(logger.Options{Enabled: true, Level: "info", Console: true}))
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { _ = logger.Init(logger.Options{}) })

	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)
	defer w.Close()

	w.Logf(LevelDispatch, "0123456789abcdef", "fedcba9876543210", "server", "plan sent")
	w.Logf(LevelWarning, "", "", "", "agent slow")

	out := buf.String()
	assert.Contains(t, out, "[DISPATCH] plan sent #01234567 @fedcba98")
	assert.Contains(t, out, "level=warning")
	assert.Contains(t, out, "agent slow")
}
