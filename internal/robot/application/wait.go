package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ot2-driver/internal/observability/metrics"
	robot "ot2-driver/internal/robot/domain"
)

// ErrCancelled is returned when a wait loop honored a cancellation request.
var ErrCancelled = errors.New("application: run cancelled")

const diagnosticUnexpectedTransition = "unexpected_transition"

// WaitOptions tunes a wait loop.
type WaitOptions struct {
	// Sink receives one event per poll. Nil discards events.
	Sink robot.ProgressSink
	// Cancelled is checked before every poll alongside ctx.
	Cancelled func() bool
	// PollInterval overrides the driver interval when positive.
	PollInterval time.Duration
}

// Wait polls a run until it reaches a terminal status.
func (d *Driver) Wait(ctx context.Context, runID string, opts WaitOptions) (robot.RunRecord, error) {
	return d.wait(ctx, runID, opts, nil)
}

func (d *Driver) wait(ctx context.Context, runID string, opts WaitOptions, pending []robot.Diagnostic) (robot.RunRecord, error) {
	interval := d.interval(opts)
	var previous robot.RunStatus
	for polls := 0; ; polls++ {
		if polls > 0 {
			sleep(ctx, interval)
		}
		if cancelRequested(ctx, opts) {
			return d.cancelRun(ctx, runID, opts, interval, previous)
		}
		run, err := d.client.GetRun(ctx, runID)
		if err != nil {
			if ctx.Err() != nil {
				return d.cancelRun(ctx, runID, opts, interval, previous)
			}
			return robot.RunRecord{}, err
		}
		metrics.IncRunPoll()
		previous = d.checkTransition(previous, run)
		diagnostics := append(pending, d.statusDiagnostics(run)...)
		pending = nil
		if run.Status.Terminal() {
			return d.finish(ctx, run, opts, diagnostics)
		}
		report(ctx, opts, robot.ProgressEvent{
			RunID:       run.ID,
			Status:      run.Status,
			Diagnostics: diagnostics,
			OccurredAt:  time.Now().UTC(),
		})
	}
}

// cancelRun posts stop once and polls until the run has stopped. The caller
// always gets ErrCancelled.
func (d *Driver) cancelRun(ctx context.Context, runID string, opts WaitOptions, interval time.Duration, previous robot.RunStatus) (robot.RunRecord, error) {
	metrics.IncRunCancelled()
	ctx = context.WithoutCancel(ctx)

	result, err := d.client.PostAction(ctx, runID, robot.ActionStop)
	if err != nil {
		d.logger.Printf("driver cancel: stop failed: run_id=%s err=%v", runID, err)
		return robot.RunRecord{}, errors.Join(ErrCancelled, err)
	}
	metrics.IncActionResult(string(robot.ActionStop), result.Accepted)
	if !result.Accepted {
		d.logger.Printf("driver cancel: stop rejected: run_id=%s status=%d detail=%s", runID, result.StatusCode, result.Detail)
		return robot.RunRecord{}, errors.Join(ErrCancelled, fmt.Errorf("application: stop rejected: http %d: %s", result.StatusCode, result.Detail))
	}
	d.logger.Printf("driver cancel: stop posted: run_id=%s", runID)

	for polls := 0; ; polls++ {
		if polls > 0 {
			sleep(ctx, interval)
		}
		run, err := d.client.GetRun(ctx, runID)
		if err != nil {
			return robot.RunRecord{}, errors.Join(ErrCancelled, err)
		}
		metrics.IncRunPoll()
		previous = d.checkTransition(previous, run)
		diagnostics := d.statusDiagnostics(run)
		if run.Status.Terminal() {
			record, err := d.finish(ctx, run, opts, diagnostics)
			if err != nil {
				return record, errors.Join(ErrCancelled, err)
			}
			return record, ErrCancelled
		}
		report(ctx, opts, robot.ProgressEvent{
			RunID:       run.ID,
			Status:      run.Status,
			Diagnostics: diagnostics,
			OccurredAt:  time.Now().UTC(),
		})
	}
}

// finish fetches the command log once and emits the terminal event.
func (d *Driver) finish(ctx context.Context, run robot.Run, opts WaitOptions, diagnostics []robot.Diagnostic) (robot.RunRecord, error) {
	metrics.IncRunOutcome(string(run.Status))
	record := robot.RunRecord{Run: run}
	if run.Status == robot.RunFailed {
		record.Error = run.ErrorMessage()
	}
	commands, err := d.client.GetCommands(ctx, run.ID)
	if err == nil {
		record.Commands = commands
	}
	report(ctx, opts, robot.ProgressEvent{
		RunID:       run.ID,
		Status:      run.Status,
		Message:     record.Error,
		Diagnostics: diagnostics,
		Terminal:    true,
		Record:      &record,
		OccurredAt:  time.Now().UTC(),
	})
	return record, err
}

func (d *Driver) statusDiagnostics(run robot.Run) []robot.Diagnostic {
	if _, known := robot.ParseRunStatus(run.RawStatus); known {
		return nil
	}
	d.logger.Printf("driver unknown run status: run_id=%s status=%q", run.ID, run.RawStatus)
	metrics.IncDiagnostic(string(robot.DiagnosticUnknownStatus))
	return []robot.Diagnostic{{Kind: robot.DiagnosticUnknownStatus, Detail: run.RawStatus}}
}

// checkTransition logs a status change the run state machine does not allow
// and returns the status to compare the next poll against. Unknown statuses
// are left to statusDiagnostics.
func (d *Driver) checkTransition(previous robot.RunStatus, run robot.Run) robot.RunStatus {
	if _, known := robot.ParseRunStatus(run.RawStatus); !known {
		return previous
	}
	if previous != "" && !previous.CanReach(run.Status) {
		d.logger.Printf("driver unexpected run transition: run_id=%s from=%s to=%s", run.ID, previous, run.Status)
		metrics.IncDiagnostic(diagnosticUnexpectedTransition)
	}
	return run.Status
}

func (d *Driver) interval(opts WaitOptions) time.Duration {
	if opts.PollInterval > 0 {
		return opts.PollInterval
	}
	return d.pollInterval
}

func cancelRequested(ctx context.Context, opts WaitOptions) bool {
	if ctx.Err() != nil {
		return true
	}
	return opts.Cancelled != nil && opts.Cancelled()
}

func report(ctx context.Context, opts WaitOptions, event robot.ProgressEvent) {
	if opts.Sink != nil {
		opts.Sink.Report(ctx, event)
	}
}

// sleep returns early when ctx is done.
func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
