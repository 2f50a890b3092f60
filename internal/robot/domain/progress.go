package robot

import (
	"context"
	"fmt"
	"time"
)

// DiagnosticKind classifies non-fatal run lifecycle problems.
type DiagnosticKind string

const (
	DiagnosticPlayRejected  DiagnosticKind = "play_rejected"
	DiagnosticUnknownStatus DiagnosticKind = "unknown_status"
)

// Diagnostic is a non-fatal lifecycle error attached to a progress event.
type Diagnostic struct {
	Kind       DiagnosticKind `json:"kind"`
	Detail     string         `json:"detail,omitempty"`
	StatusCode int            `json:"status_code,omitempty"`
}

func (d Diagnostic) Error() string {
	if d.StatusCode != 0 {
		return fmt.Sprintf("%s: http %d %s", d.Kind, d.StatusCode, d.Detail)
	}
	return fmt.Sprintf("%s: %s", d.Kind, d.Detail)
}

// ProgressEvent is emitted once per poll of a run.
type ProgressEvent struct {
	RunID       string       `json:"run_id"`
	Status      RunStatus    `json:"status"`
	Message     string       `json:"message,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
	Terminal    bool         `json:"terminal"`
	Record      *RunRecord   `json:"record,omitempty"`
	OccurredAt  time.Time    `json:"occurred_at"`
}

// ProgressSink receives progress events from a host-facing operation.
type ProgressSink interface {
	Report(ctx context.Context, event ProgressEvent)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(ctx context.Context, event ProgressEvent)

// Report implements ProgressSink.
func (f ProgressFunc) Report(ctx context.Context, event ProgressEvent) {
	if f != nil {
		f(ctx, event)
	}
}

// MultiSink fans progress out to several sinks.
type MultiSink []ProgressSink

// Report implements ProgressSink.
func (m MultiSink) Report(ctx context.Context, event ProgressEvent) {
	for _, sink := range m {
		if sink != nil {
			sink.Report(ctx, event)
		}
	}
}
