package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendLines(t *testing.T, path, text string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(text)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestPollMissingFileReturnsNothing(t *testing.T) {
	r, err := NewReader(filepath.Join(t.TempDir(), "missing.ndjson"))
	require.NoError(t, err)

	alerts, err := r.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestPollSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.ndjson")
	appendLines(t, path, `{"sourceip":"10.0.0.5","attackid":"a"}`+"\n"+
		"not json at all\n"+
		"\n"+
		`["array","is","not","an","alert"]`+"\n"+
		`{"sourceip":"10.0.0.6","attackid":"b"}`+"\n")

	r, err := NewReader(path)
	require.NoError(t, err)

	alerts, err := r.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "10.0.0.5", alerts[0].Field("sourceip"))
	assert.Equal(t, "10.0.0.6", alerts[1].Field("sourceip"))
}

func TestPollReturnsOnlyAppendedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.ndjson")
	appendLines(t, path, `{"n":1}`+"\n")

	r, err := NewReader(path)
	require.NoError(t, err)

	first, err := r.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 1)

	again, err := r.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, again)

	appendLines(t, path, `{"n":2}`+"\n"+`{"n":3`)
	second, err := r.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "2", second[0].Field("n"))

	appendLines(t, path, `}`+"\n")
	third, err := r.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, third, 1)
	assert.Equal(t, "3", third[0].Field("n"))
}

func TestPollRereadsAfterTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.ndjson")
	appendLines(t, path, `{"n":1}`+"\n"+`{"n":2}`+"\n")

	r, err := NewReader(path)
	require.NoError(t, err)
	_, err = r.Poll(context.Background())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"n":9}`+"\n"), 0644))
	alerts, err := r.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "9", alerts[0].Field("n"))
}
