package application

import (
	"context"
	"errors"

	robot "ot2-driver/internal/robot/domain"
)

// StreamRequest is a single command issued outside a protocol file.
type StreamRequest struct {
	CommandType string
	Params      map[string]any
	// RunID targets an existing run. Empty creates a run with no protocol.
	RunID string
	// Execute posts play after the command is enqueued.
	Execute bool
	// Intent defaults to setup.
	Intent robot.Intent
}

// Stream enqueues one command and returns the run id it was enqueued on. It
// does not poll; callers compose with Status or Wait. A run created here does
// not become the current run.
func (d *Driver) Stream(ctx context.Context, req StreamRequest) (string, error) {
	if req.CommandType == "" {
		return "", errors.New("application: command type required")
	}
	runID := req.RunID
	if runID == "" {
		run, err := d.client.CreateRun(ctx, "")
		if err != nil {
			return "", err
		}
		runID = run.ID
	}
	commandID, err := d.client.EnqueueCommand(ctx, runID, req.CommandType, req.Params, req.Intent)
	if err != nil {
		return runID, err
	}
	if req.Execute {
		result, err := d.postAction(ctx, runID, robot.ActionPlay)
		if err != nil {
			return runID, err
		}
		if !result.Accepted {
			d.logger.Printf("driver stream: play rejected: run_id=%s status=%d detail=%s", runID, result.StatusCode, result.Detail)
		}
	}
	d.logger.Printf("driver stream: run_id=%s command_id=%s command_type=%s", runID, commandID, req.CommandType)
	return runID, nil
}
