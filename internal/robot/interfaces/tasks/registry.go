package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"ot2-driver/internal/observability/metrics"
	"ot2-driver/internal/robot/application"
	robot "ot2-driver/internal/robot/domain"
)

// Task names.
const (
	TaskRunNamedProtocol = "run_named_protocol"
	TaskGetCurrentStatus = "get_current_status"
	TaskStopCurrent      = "stop_current"
	TaskSetLights        = "set_lights"
	TaskHome             = "home"
	TaskStreamCommand    = "stream_command"
	TaskReset            = "reset"
	TaskRobotStatus      = "robot_status"
)

var (
	// ErrUnknownTask is returned for names that are not registered.
	ErrUnknownTask = errors.New("tasks: unknown task")
	// ErrInvalidArgs wraps argument decoding failures.
	ErrInvalidArgs = errors.New("tasks: invalid args")
)

// Invocation carries host-supplied context for one task call.
type Invocation struct {
	Sink      robot.ProgressSink
	Cancelled func() bool
}

// HandlerFunc runs one task with raw JSON args.
type HandlerFunc func(ctx context.Context, args json.RawMessage, inv Invocation) (any, error)

// Info describes a registered task.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	ReadOnly    bool   `json:"read_only"`
}

type entry struct {
	info    Info
	handler HandlerFunc
}

// Registry maps task names onto operations.
type Registry struct {
	tasks  map[string]entry
	logger *log.Logger
}

// NewRegistry registers every operation of ops.
func NewRegistry(ops *Operations, logger *log.Logger) (*Registry, error) {
	if ops == nil {
		return nil, errors.New("tasks: nil operations")
	}
	if logger == nil {
		logger = log.Default()
	}
	r := &Registry{tasks: make(map[string]entry), logger: logger}

	r.Register(Info{Name: TaskRunNamedProtocol, Description: "upload a named protocol, run it and wait for completion"},
		func(ctx context.Context, raw json.RawMessage, inv Invocation) (any, error) {
			var args struct {
				Name string `json:"name"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return nil, err
			}
			if args.Name == "" {
				return nil, fmt.Errorf("%w: name required", ErrInvalidArgs)
			}
			record, err := ops.RunNamedProtocol(ctx, args.Name, application.WaitOptions{Sink: inv.Sink, Cancelled: inv.Cancelled})
			if err != nil && record.Run.ID == "" {
				return nil, err
			}
			return record, err
		})
	r.Register(Info{Name: TaskGetCurrentStatus, Description: "status of the current run", ReadOnly: true},
		func(ctx context.Context, _ json.RawMessage, _ Invocation) (any, error) {
			status, err := ops.GetCurrentStatus(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"run_id": ops.Driver().CurrentRunID(), "status": status}, nil
		})
	r.Register(Info{Name: TaskStopCurrent, Description: "post stop on the current run"},
		func(ctx context.Context, _ json.RawMessage, _ Invocation) (any, error) {
			result, err := ops.StopCurrent(ctx)
			if err != nil {
				return nil, err
			}
			return actionPayload(result.Accepted, result.StatusCode, result.Detail), nil
		})
	r.Register(Info{Name: TaskSetLights, Description: "switch the rail lights"},
		func(ctx context.Context, raw json.RawMessage, _ Invocation) (any, error) {
			var args struct {
				On *bool `json:"on"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return nil, err
			}
			if args.On == nil {
				return nil, fmt.Errorf("%w: on required", ErrInvalidArgs)
			}
			return ops.SetLights(ctx, *args.On)
		})
	r.Register(Info{Name: TaskHome, Description: "home the robot"},
		func(ctx context.Context, raw json.RawMessage, _ Invocation) (any, error) {
			args := struct {
				Mount string `json:"mount"`
			}{Mount: string(robot.MountRight)}
			if err := decodeArgs(raw, &args); err != nil {
				return nil, err
			}
			if err := ops.Home(ctx, args.Mount); err != nil {
				return nil, err
			}
			return map[string]string{"mount": args.Mount}, nil
		})
	r.Register(Info{Name: TaskStreamCommand, Description: "enqueue a single command, creating a run when needed"},
		func(ctx context.Context, raw json.RawMessage, _ Invocation) (any, error) {
			var args struct {
				CommandType string         `json:"command_type"`
				Params      map[string]any `json:"params"`
				RunID       string         `json:"run_id"`
				Execute     *bool          `json:"execute"`
				Intent      robot.Intent   `json:"intent"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return nil, err
			}
			if args.CommandType == "" {
				return nil, fmt.Errorf("%w: command_type required", ErrInvalidArgs)
			}
			switch args.Intent {
			case "", robot.IntentSetup, robot.IntentProtocol:
			default:
				return nil, fmt.Errorf("%w: invalid intent %q", ErrInvalidArgs, args.Intent)
			}
			execute := args.Execute == nil || *args.Execute
			runID, err := ops.StreamCommand(ctx, application.StreamRequest{
				CommandType: args.CommandType,
				Params:      args.Params,
				RunID:       args.RunID,
				Execute:     execute,
				Intent:      args.Intent,
			})
			if err != nil {
				return nil, err
			}
			return map[string]string{"run_id": runID}, nil
		})
	r.Register(Info{Name: TaskReset, Description: "delete failed runs"},
		func(ctx context.Context, _ json.RawMessage, _ Invocation) (any, error) {
			deleted, err := ops.Reset(ctx)
			if err != nil {
				return nil, err
			}
			if deleted == nil {
				deleted = []string{}
			}
			return map[string]any{"deleted": deleted}, nil
		})
	r.Register(Info{Name: TaskRobotStatus, Description: "whole-robot status derived from the run list", ReadOnly: true},
		func(ctx context.Context, _ json.RawMessage, _ Invocation) (any, error) {
			return map[string]any{"status": ops.RobotStatus(ctx)}, nil
		})
	return r, nil
}

// Register adds or replaces a task.
func (r *Registry) Register(info Info, handler HandlerFunc) {
	if info.Name == "" || handler == nil {
		return
	}
	r.tasks[info.Name] = entry{info: info, handler: handler}
}

// List returns registered tasks sorted by name.
func (r *Registry) List() []Info {
	out := make([]Info, 0, len(r.tasks))
	for _, e := range r.tasks {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns task info by name.
func (r *Registry) Lookup(name string) (Info, bool) {
	e, ok := r.tasks[name]
	return e.info, ok
}

// Invoke runs a task by name.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage, inv Invocation) (any, error) {
	e, ok := r.tasks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	start := time.Now()
	result, err := e.handler(ctx, args, inv)
	outcome := metrics.ResultSuccess
	if err != nil {
		outcome = metrics.ResultError
		r.logger.Printf("tasks invoke failed: task=%s err=%v", name, err)
	}
	metrics.ObserveTask(name, outcome, time.Since(start))
	return result, err
}

func decodeArgs(raw json.RawMessage, out any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	return nil
}

func actionPayload(accepted bool, statusCode int, detail string) map[string]any {
	out := map[string]any{"accepted": accepted, "status_code": statusCode}
	if detail != "" {
		out["detail"] = detail
	}
	return out
}
