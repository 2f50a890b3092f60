package tasks

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"ot2-driver/internal/robot/application"
	robot "ot2-driver/internal/robot/domain"
	"ot2-driver/internal/robot/infrastructure/ot2api"
)

var (
	// ErrNoActiveRun is returned when an operation needs a current run id.
	ErrNoActiveRun = errors.New("tasks: no active run")
	// ErrProtocolNotFound is returned when a protocol name does not resolve.
	ErrProtocolNotFound = errors.New("tasks: protocol not found")
)

// ProtocolResolver maps a protocol name onto a file path.
type ProtocolResolver interface {
	Resolve(name string) (string, error)
}

// DirResolver resolves names to files inside a single directory.
type DirResolver struct {
	Dir        string
	Extensions []string
}

// DefaultExtensions are tried in order when a name has no extension.
var DefaultExtensions = []string{".py", ".json"}

// Resolve implements ProtocolResolver.
func (r DirResolver) Resolve(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrProtocolNotFound, name)
	}
	candidates := []string{name}
	if filepath.Ext(name) == "" {
		exts := r.Extensions
		if len(exts) == 0 {
			exts = DefaultExtensions
		}
		for _, ext := range exts {
			candidates = append(candidates, name+ext)
		}
	}
	for _, candidate := range candidates {
		path := filepath.Join(r.Dir, candidate)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrProtocolNotFound, name)
}

// Operations are the named operations a host invokes on one robot.
type Operations struct {
	driver   *application.Driver
	resolver ProtocolResolver
	logger   *log.Logger
}

// NewOperations constructs the operation surface.
func NewOperations(driver *application.Driver, resolver ProtocolResolver, logger *log.Logger) (*Operations, error) {
	if driver == nil {
		return nil, errors.New("tasks: nil driver")
	}
	if resolver == nil {
		return nil, errors.New("tasks: nil resolver")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Operations{driver: driver, resolver: resolver, logger: logger}, nil
}

// Driver returns the underlying driver.
func (o *Operations) Driver() *application.Driver {
	return o.driver
}

// RunNamedProtocol resolves name, uploads it, runs it and waits for the
// terminal status. Progress goes to opts.Sink.
func (o *Operations) RunNamedProtocol(ctx context.Context, name string, opts application.WaitOptions) (robot.RunRecord, error) {
	path, err := o.resolver.Resolve(name)
	if err != nil {
		return robot.RunRecord{}, err
	}
	_, runID, err := o.driver.Transfer(ctx, path)
	if err != nil {
		return robot.RunRecord{}, err
	}
	o.driver.SetCurrentRunID(runID)
	o.logger.Printf("tasks run_named_protocol: name=%s run_id=%s", name, runID)
	return o.driver.Execute(ctx, runID, opts)
}

// GetCurrentStatus returns the status of the current run.
func (o *Operations) GetCurrentStatus(ctx context.Context) (robot.RunStatus, error) {
	runID := o.driver.CurrentRunID()
	if runID == "" {
		return "", ErrNoActiveRun
	}
	return o.driver.Status(ctx, runID)
}

// StopCurrent posts stop on the current run.
func (o *Operations) StopCurrent(ctx context.Context) (ot2api.ActionResult, error) {
	runID := o.driver.CurrentRunID()
	if runID == "" {
		return ot2api.ActionResult{}, ErrNoActiveRun
	}
	return o.driver.Cancel(ctx, runID)
}

// SetLights switches the rail lights.
func (o *Operations) SetLights(ctx context.Context, on bool) (ot2api.Lights, error) {
	return o.driver.Client().SetLights(ctx, on)
}

// Home homes the robot using the given pipette mount.
func (o *Operations) Home(ctx context.Context, mount string) error {
	parsed, ok := robot.ParseMount(mount)
	if !ok {
		return fmt.Errorf("%w: invalid mount %q", ErrInvalidArgs, mount)
	}
	return o.driver.Client().Home(ctx, parsed)
}

// StreamCommand issues a single command. The current run id is left alone,
// so get_current_status and stop_current keep targeting the protocol run.
func (o *Operations) StreamCommand(ctx context.Context, req application.StreamRequest) (string, error) {
	return o.driver.Stream(ctx, req)
}

// Reset purges failed runs.
func (o *Operations) Reset(ctx context.Context) ([]string, error) {
	return o.driver.Reset(ctx)
}

// RobotStatus reports the whole-robot status.
func (o *Operations) RobotStatus(ctx context.Context) robot.RobotStatus {
	return o.driver.RobotStatus(ctx)
}
