package file

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"

	"autoresponder/internal/logger"
	"autoresponder/pkg/models"
)

// Reader tails an append-only NDJSON alert file by byte offset.
type Reader struct {
	path   string
	mu     sync.Mutex
	offset int64
}

// NewReader creates a reader starting at the beginning of path.
func NewReader(path string) (*Reader, error) {
	if path == "" {
		return nil, fmt.Errorf("alert file path is empty")
	}
	return &Reader{path: path}, nil
}

// Poll returns alerts from complete lines appended since the previous call.
// A trailing line without a newline is left for the next poll.
func (r *Reader) Poll(ctx context.Context) ([]models.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.Open(r.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open alert file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat alert file: %w", err)
	}
	if info.Size() < r.offset {
		logger.Warnf("Alert file %s shrank (%d < %d), rereading from start", r.path, info.Size(), r.offset)
		r.offset = 0
	}
	if info.Size() == r.offset {
		return nil, nil
	}

	if _, err := f.Seek(r.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek alert file: %w", err)
	}
	data, err := io.ReadAll(io.LimitReader(f, info.Size()-r.offset))
	if err != nil {
		return nil, fmt.Errorf("read alert file: %w", err)
	}

	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return nil, nil
	}
	consumed := data[:end+1]

	var alerts []models.Alert
	for len(consumed) > 0 {
		if ctx.Err() != nil {
			break
		}
		idx := bytes.IndexByte(consumed, '\n')
		line := bytes.TrimSpace(consumed[:idx])
		consumed = consumed[idx+1:]
		r.offset += int64(idx + 1)
		if len(line) == 0 {
			continue
		}
		alert, err := models.ParseAlert(line)
		if err != nil {
			logger.Debugf("Skipping malformed alert line (offset %d): %v", r.offset, err)
			continue
		}
		alerts = append(alerts, alert)
	}
	return alerts, ctx.Err()
}

// Close is a no-op; the file is opened per poll.
func (r *Reader) Close() error {
	return nil
}
