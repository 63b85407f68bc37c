package recordnats

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"autoresponder/internal/logger"
	"autoresponder/pkg/models"
)

// Publisher is the subset of *nats.Conn the writer uses.
type Publisher interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
	Close()
}

// Config configures the NATS writer.
type Config struct {
	URL     string
	Subject string
	Name    string
}

// Writer publishes each execution record as one NATS message.
type Writer struct {
	conn    Publisher
	subject string
}

// NewWriter connects to NATS.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats URL is empty")
	}
	name := cfg.Name
	if name == "" {
		name = "autoresponder"
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect failed: %w", err)
	}
	logger.Infof("Execution record NATS writer initialized: %s subject=%s", cfg.URL, cfg.Subject)
	return NewWriterWithConn(nc, cfg.Subject)
}

// NewWriterWithConn wraps an existing connection.
func NewWriterWithConn(conn Publisher, subject string) (*Writer, error) {
	if subject == "" {
		return nil, fmt.Errorf("nats subject is empty")
	}
	return &Writer{conn: conn, subject: subject}, nil
}

// WriteRecords publishes a batch and flushes it to the server.
func (w *Writer) WriteRecords(records []*models.ExecutionRecord) error {
	if len(records) == 0 {
		return nil
	}
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal execution record: %w", err)
		}
		if err := w.conn.Publish(w.subject, data); err != nil {
			return fmt.Errorf("nats publish failed: %w", err)
		}
	}
	if err := w.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush failed: %w", err)
	}
	return nil
}

// Close closes the connection.
func (w *Writer) Close() error {
	w.conn.Close()
	return nil
}
