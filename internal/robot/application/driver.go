package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ot2-driver/internal/observability/metrics"
	robot "ot2-driver/internal/robot/domain"
	"ot2-driver/internal/robot/infrastructure/ot2api"
)

// DefaultPollInterval is the wait-loop poll interval when none is configured.
const DefaultPollInterval = time.Second

// Driver drives runs on a single OT-2. It is not safe for concurrent
// operations on the same run id.
type Driver struct {
	client       *ot2api.Client
	logger       *log.Logger
	pollInterval time.Duration

	mu           sync.Mutex
	currentRunID string
}

// NewDriver constructs a driver.
func NewDriver(client *ot2api.Client, pollInterval time.Duration, logger *log.Logger) (*Driver, error) {
	if client == nil {
		return nil, errors.New("application: nil client")
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Driver{client: client, logger: logger, pollInterval: pollInterval}, nil
}

// NewDriverFromConfig builds the transport, client and driver for cfg.
func NewDriverFromConfig(cfg Config, logger *log.Logger) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	transport, err := ot2api.NewTransport(cfg.TransportConfig())
	if err != nil {
		return nil, err
	}
	client, err := ot2api.NewClient(transport)
	if err != nil {
		return nil, err
	}
	return NewDriver(client, cfg.PollInterval(), logger)
}

// Client exposes the resource client for passthrough operations.
func (d *Driver) Client() *ot2api.Client {
	return d.client
}

// CurrentRunID returns the most recently created run id, if any.
func (d *Driver) CurrentRunID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentRunID
}

// SetCurrentRunID replaces the current run id.
func (d *Driver) SetCurrentRunID(runID string) {
	d.mu.Lock()
	d.currentRunID = runID
	d.mu.Unlock()
}

// Transfer uploads the protocol at path and creates a run for it. When the
// run cannot be created the protocol id is returned with the error and the
// uploaded protocol stays on the robot.
func (d *Driver) Transfer(ctx context.Context, path string) (protocolID, runID string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("application: read protocol: %w", err)
	}
	protocolID, err = d.client.UploadProtocol(ctx, data, filepath.Base(path))
	if err != nil {
		return "", "", err
	}
	run, err := d.client.CreateRun(ctx, protocolID)
	if err != nil {
		return protocolID, "", err
	}
	d.SetCurrentRunID(run.ID)
	d.logger.Printf("driver transfer: protocol_id=%s run_id=%s file=%s", protocolID, run.ID, filepath.Base(path))
	return protocolID, run.ID, nil
}

// Execute posts play and waits for the run to finish. A rejected play is
// reported on the first progress event and polling continues.
func (d *Driver) Execute(ctx context.Context, runID string, opts WaitOptions) (robot.RunRecord, error) {
	result, err := d.client.PostAction(ctx, runID, robot.ActionPlay)
	if err != nil {
		return robot.RunRecord{}, err
	}
	metrics.IncActionResult(string(robot.ActionPlay), result.Accepted)
	var pending []robot.Diagnostic
	if !result.Accepted {
		diag := robot.Diagnostic{Kind: robot.DiagnosticPlayRejected, Detail: result.Detail, StatusCode: result.StatusCode}
		metrics.IncDiagnostic(string(diag.Kind))
		d.logger.Printf("driver play rejected: run_id=%s status=%d detail=%s", runID, result.StatusCode, result.Detail)
		pending = append(pending, diag)
	}
	return d.wait(ctx, runID, opts, pending)
}

// Pause posts pause.
func (d *Driver) Pause(ctx context.Context, runID string) (ot2api.ActionResult, error) {
	return d.postAction(ctx, runID, robot.ActionPause)
}

// Resume posts play.
func (d *Driver) Resume(ctx context.Context, runID string) (ot2api.ActionResult, error) {
	return d.postAction(ctx, runID, robot.ActionPlay)
}

// Cancel posts stop.
func (d *Driver) Cancel(ctx context.Context, runID string) (ot2api.ActionResult, error) {
	return d.postAction(ctx, runID, robot.ActionStop)
}

func (d *Driver) postAction(ctx context.Context, runID string, action robot.Action) (ot2api.ActionResult, error) {
	result, err := d.client.PostAction(ctx, runID, action)
	if err != nil {
		return ot2api.ActionResult{}, err
	}
	metrics.IncActionResult(string(action), result.Accepted)
	return result, nil
}

// Status returns the parsed status of a run with a single GET.
func (d *Driver) Status(ctx context.Context, runID string) (robot.RunStatus, error) {
	run, err := d.client.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if _, known := robot.ParseRunStatus(run.RawStatus); !known {
		d.logger.Printf("driver unknown run status: run_id=%s status=%q", runID, run.RawStatus)
	}
	return run.Status, nil
}

// Reset deletes every failed run and returns the deleted ids. The current
// run id is cleared when its run is deleted.
func (d *Driver) Reset(ctx context.Context) ([]string, error) {
	runs, err := d.client.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	var deleted []string
	for _, run := range runs {
		if robot.RunStatus(run.Status) != robot.RunFailed {
			continue
		}
		if err := d.client.DeleteRun(ctx, run.ID); err != nil {
			return deleted, fmt.Errorf("application: delete run %s: %w", run.ID, err)
		}
		deleted = append(deleted, run.ID)
		d.mu.Lock()
		if d.currentRunID == run.ID {
			d.currentRunID = ""
		}
		d.mu.Unlock()
	}
	if len(deleted) > 0 {
		d.logger.Printf("driver reset: deleted=%d", len(deleted))
	}
	return deleted, nil
}

// RobotStatus derives the whole-robot status from the run list. A failed
// listing reports offline.
func (d *Driver) RobotStatus(ctx context.Context) robot.RobotStatus {
	runs, err := d.client.ListRuns(ctx)
	if err != nil {
		d.logger.Printf("driver robot status: list runs failed: %v", err)
	}
	return robot.DeriveRobotStatus(runs, err)
}
