package pipeline

import (
	"errors"
	"time"

	"autoresponder/internal/logger"
	"autoresponder/pkg/models"
)

const (
	recordBatchSize     = 50
	recordFlushInterval = time.Second
	recordWriteAttempts = 3
)

// recordLoop batches execution records and flushes them to the writer
// until in is closed.
func (d *Dispatcher) recordLoop(in <-chan *models.ExecutionRecord) {
	defer close(d.recordsDone)

	ticker := time.NewTicker(recordFlushInterval)
	defer ticker.Stop()

	var batch []*models.ExecutionRecord
	flush := func() {
		if len(batch) == 0 || d.writer == nil {
			batch = nil
			return
		}
		for attempt := 1; ; attempt++ {
			err := d.writer.WriteRecords(batch)
			if err == nil {
				break
			}
			if isPermanent(err) {
				logger.Errorf("Dropping %d execution records, sink rejected them: %v", len(batch), err)
				break
			}
			if attempt >= recordWriteAttempts {
				logger.Errorf("Dropping %d execution records after %d attempts: %v", len(batch), attempt, err)
				break
			}
			logger.Errorf("Failed to write execution records: %v", err)
			time.Sleep(time.Duration(attempt) * 200 * time.Millisecond)
		}
		batch = nil
	}

	for {
		select {
		case <-ticker.C:
			flush()
		case rec, ok := <-in:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= recordBatchSize {
				flush()
			}
		}
	}
}

// isPermanent reports whether err says a retry of the same batch cannot
// succeed.
func isPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}
