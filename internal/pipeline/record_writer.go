package pipeline

import "autoresponder/pkg/models"

// RecordWriter writes execution audit records.
type RecordWriter interface {
	WriteRecords(records []*models.ExecutionRecord) error
	Close() error
}

// Timeline receives orchestrator events for the run timeline.
type Timeline interface {
	Log(entry models.TimelineEntry)
}
