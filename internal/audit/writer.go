package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"
)

// Writer emits audit entries as JSON lines on a logger.
type Writer struct {
	logger *log.Logger
}

// NewWriter constructs an audit writer.
func NewWriter(logger *log.Logger) *Writer {
	if logger == nil {
		return nil
	}
	return &Writer{logger: logger}
}

// Log writes an audit entry.
func (w *Writer) Log(_ context.Context, entry Entry) error {
	if w == nil || w.logger == nil {
		return errors.New("audit writer: nil logger")
	}
	if entry.ID == "" {
		entry.ID = NewID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.PayloadDigest == "" {
		entry.PayloadDigest = DigestJSON(entry.Metadata)
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	w.logger.Printf("audit %s", payload)
	return nil
}
