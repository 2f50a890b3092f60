package application

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	robot "ot2-driver/internal/robot/domain"
	"ot2-driver/internal/robot/infrastructure/ot2api"
	"ot2-driver/internal/robot/ot2test"
)

type recordingSink struct {
	mu      sync.Mutex
	events  []robot.ProgressEvent
	onEvent func(robot.ProgressEvent)
}

func (s *recordingSink) Report(_ context.Context, event robot.ProgressEvent) {
	s.mu.Lock()
	s.events = append(s.events, event)
	hook := s.onEvent
	s.mu.Unlock()
	if hook != nil {
		hook(event)
	}
}

func (s *recordingSink) Events() []robot.ProgressEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]robot.ProgressEvent(nil), s.events...)
}

func (s *recordingSink) terminalCount() int {
	count := 0
	for _, event := range s.Events() {
		if event.Terminal {
			count++
		}
	}
	return count
}

func newTestDriver(t *testing.T, srv *ot2test.Server, retries int, backoff float64) *Driver {
	t.Helper()
	return newLoggedDriver(t, srv, retries, backoff, log.New(io.Discard, "", 0))
}

func newLoggedDriver(t *testing.T, srv *ot2test.Server, retries int, backoff float64, logger *log.Logger) *Driver {
	t.Helper()
	transport, err := ot2api.NewTransport(ot2api.Config{
		BaseURL:        srv.URL,
		Retries:        retries,
		BackoffFactor:  backoff,
		RequestTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	client, err := ot2api.NewClient(transport)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	driver, err := NewDriver(client, 5*time.Millisecond, logger)
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}
	return driver
}

func writeProtocol(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "abc.py")
	if err := os.WriteFile(path, []byte("metadata = {'apiLevel': '2.13'}\n"), 0o644); err != nil {
		t.Fatalf("write protocol: %v", err)
	}
	return path
}

func TestDriverHappyPath(t *testing.T) {
	srv := ot2test.NewServer()
	defer srv.Close()
	driver := newTestDriver(t, srv, 2, 0.001)
	ctx := context.Background()

	srv.Robot.QueueProtocolIDs("protocol_abc")
	srv.Robot.QueueRunIDs("run_xyz")
	srv.Robot.ScriptStatuses("run_xyz", "running", "running", "finishing", "succeeded")

	protocolID, runID, err := driver.Transfer(ctx, writeProtocol(t))
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if protocolID != "protocol_abc" || runID != "run_xyz" {
		t.Fatalf("unexpected ids %s %s", protocolID, runID)
	}
	if driver.CurrentRunID() != "run_xyz" {
		t.Fatalf("expected current run id to be set")
	}

	sink := &recordingSink{}
	record, err := driver.Execute(ctx, runID, WaitOptions{Sink: sink})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !record.Succeeded() || record.Run.ID != "run_xyz" {
		t.Fatalf("unexpected record %+v", record.Run)
	}
	events := sink.Events()
	want := []robot.RunStatus{robot.RunRunning, robot.RunRunning, robot.RunFinishing, robot.RunSucceeded}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, event := range events {
		if event.Status != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], event.Status)
		}
		if event.Terminal != (i == len(events)-1) {
			t.Fatalf("event %d: unexpected terminal flag", i)
		}
	}
	if events[len(events)-1].Record == nil {
		t.Fatalf("terminal event must carry the run record")
	}
	if got := srv.Robot.CountRequests(http.MethodGet, "/runs/run_xyz/commands"); got != 1 {
		t.Fatalf("expected commands fetched once, got %d", got)
	}
}

func TestDriverPlayRejected(t *testing.T) {
	srv := ot2test.NewServer()
	defer srv.Close()
	driver := newTestDriver(t, srv, 2, 0.001)

	srv.Robot.AddRun("run_xyz", "", "idle")
	srv.Robot.RejectAction(robot.ActionPlay, http.StatusConflict, 1)
	srv.Robot.ScriptStatuses("run_xyz", "running", "succeeded")

	sink := &recordingSink{}
	record, err := driver.Execute(context.Background(), "run_xyz", WaitOptions{Sink: sink})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !record.Succeeded() {
		t.Fatalf("expected succeeded, got %s", record.Run.Status)
	}
	events := sink.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if len(events[0].Diagnostics) != 1 || events[0].Diagnostics[0].Kind != robot.DiagnosticPlayRejected {
		t.Fatalf("expected play_rejected on first event, got %+v", events[0].Diagnostics)
	}
	if events[0].Diagnostics[0].StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on diagnostic, got %d", events[0].Diagnostics[0].StatusCode)
	}
	if len(events[1].Diagnostics) != 0 {
		t.Fatalf("diagnostic must be attached once")
	}
}

func TestDriverTransientNetworkDuringWait(t *testing.T) {
	srv := ot2test.NewServer()
	defer srv.Close()
	driver := newTestDriver(t, srv, 5, 0.01)

	srv.Robot.AddRun("run_xyz", "", "running")
	srv.Robot.ScriptStatuses("run_xyz", "running", "succeeded")
	srv.Robot.DropConnections(http.MethodGet, "/runs/run_xyz", 2)

	sink := &recordingSink{}
	record, err := driver.Wait(context.Background(), "run_xyz", WaitOptions{Sink: sink})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !record.Succeeded() {
		t.Fatalf("expected succeeded, got %s", record.Run.Status)
	}
	if got := srv.Robot.CountRequests(http.MethodGet, "/runs/run_xyz"); got != 4 {
		t.Fatalf("expected 4 attempts, got %d", got)
	}
	if got := len(sink.Events()); got != 2 {
		t.Fatalf("retries must not emit events, got %d", got)
	}
}

func TestDriverCancellationPredicate(t *testing.T) {
	srv := ot2test.NewServer()
	defer srv.Close()
	driver := newTestDriver(t, srv, 2, 0.001)

	srv.Robot.AddRun("run_xyz", "", "idle")
	srv.Robot.ScriptStatuses("run_xyz", "running")

	var cancelled atomic.Bool
	sink := &recordingSink{onEvent: func(event robot.ProgressEvent) {
		if event.Status == robot.RunRunning {
			cancelled.Store(true)
		}
	}}
	record, err := driver.Execute(context.Background(), "run_xyz", WaitOptions{Sink: sink, Cancelled: cancelled.Load})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if record.Run.Status != robot.RunStopped {
		t.Fatalf("expected stopped record, got %s", record.Run.Status)
	}
	actions := srv.Robot.Actions("run_xyz")
	if len(actions) != 2 || actions[0] != "play" || actions[1] != "stop" {
		t.Fatalf("expected play then a single stop, got %v", actions)
	}
	events := sink.Events()
	want := []robot.RunStatus{robot.RunRunning, robot.RunStopRequested, robot.RunStopped}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, event := range events {
		if event.Status != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], event.Status)
		}
	}
	if sink.terminalCount() != 1 {
		t.Fatalf("expected exactly one terminal event")
	}
}

func TestDriverCancellationContext(t *testing.T) {
	srv := ot2test.NewServer()
	defer srv.Close()
	driver := newTestDriver(t, srv, 2, 0.001)

	srv.Robot.AddRun("run_xyz", "", "running")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &recordingSink{onEvent: func(event robot.ProgressEvent) {
		if event.Status == robot.RunRunning {
			cancel()
		}
	}}
	_, err := driver.Wait(ctx, "run_xyz", WaitOptions{Sink: sink})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if actions := srv.Robot.Actions("run_xyz"); len(actions) != 1 || actions[0] != "stop" {
		t.Fatalf("expected a single stop, got %v", actions)
	}
	if got := srv.Robot.RunStatus("run_xyz"); got != "stopped" {
		t.Fatalf("expected stopped, got %s", got)
	}
}

func TestDriverCancellationBeforeFirstPoll(t *testing.T) {
	srv := ot2test.NewServer()
	defer srv.Close()
	driver := newTestDriver(t, srv, 2, 0.001)

	srv.Robot.AddRun("run_xyz", "", "running")
	_, err := driver.Wait(context.Background(), "run_xyz", WaitOptions{Cancelled: func() bool { return true }})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	requests := srv.Robot.Requests()
	if len(requests) == 0 || requests[0].Method != http.MethodPost {
		t.Fatalf("expected stop before any poll, got %+v", requests)
	}
}

func TestDriverCancellationStopFails(t *testing.T) {
	srv := ot2test.NewServer()
	defer srv.Close()
	driver := newTestDriver(t, srv, 1, 0.001)

	srv.Robot.AddRun("run_xyz", "", "running")
	srv.Robot.DropConnections(http.MethodPost, "/runs/run_xyz/actions", 5)
	_, err := driver.Wait(context.Background(), "run_xyz", WaitOptions{Cancelled: func() bool { return true }})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if !ot2api.IsKind(err, ot2api.KindNetwork) {
		t.Fatalf("expected the stop failure to be joined, got %v", err)
	}
	if got := srv.Robot.CountRequests(http.MethodGet, "/runs/run_xyz"); got != 0 {
		t.Fatalf("inner loop must not poll after a failed stop, got %d", got)
	}
}

func TestDriverCancellationStopRejected(t *testing.T) {
	srv := ot2test.NewServer()
	defer srv.Close()
	driver := newTestDriver(t, srv, 1, 0.001)

	srv.Robot.AddRun("run_xyz", "", "running")
	srv.Robot.RejectAction(robot.ActionStop, http.StatusConflict, 1)
	_, err := driver.Wait(context.Background(), "run_xyz", WaitOptions{Cancelled: func() bool { return true }})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if got := len(srv.Robot.Actions("run_xyz")); got != 1 {
		t.Fatalf("expected a single stop post, got %d", got)
	}
}

func TestDriverWaitSurfacesTransportError(t *testing.T) {
	srv := ot2test.NewServer()
	defer srv.Close()
	driver := newTestDriver(t, srv, 1, 0.001)

	srv.Robot.AddRun("run_xyz", "", "running")
	driver.SetCurrentRunID("run_xyz")
	srv.Robot.DropConnections(http.MethodGet, "/runs/run_xyz", 5)
	_, err := driver.Wait(context.Background(), "run_xyz", WaitOptions{})
	if errors.Is(err, ErrCancelled) || !ot2api.IsKind(err, ot2api.KindNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
	if driver.CurrentRunID() != "run_xyz" {
		t.Fatalf("transport failure must not change driver state")
	}
	if got := len(srv.Robot.Actions("run_xyz")); got != 0 {
		t.Fatalf("transport failure must not post actions, got %d", got)
	}
}

func TestDriverFailedRunIsReturnedState(t *testing.T) {
	srv := ot2test.NewServer()
	defer srv.Close()
	driver := newTestDriver(t, srv, 0, 0)

	srv.Robot.AddRun("run_f", "", "failed")
	srv.Robot.SetRunError("run_f", "Tip not attached")
	sink := &recordingSink{}
	record, err := driver.Wait(context.Background(), "run_f", WaitOptions{Sink: sink})
	if err != nil {
		t.Fatalf("failed run is not an error: %v", err)
	}
	if record.Succeeded() || record.Error != "Tip not attached" {
		t.Fatalf("unexpected record %+v", record)
	}
	events := sink.Events()
	if len(events) != 1 || !events[0].Terminal || events[0].Message != "Tip not attached" {
		t.Fatalf("unexpected terminal event %+v", events)
	}
}

func TestDriverUnknownStatusEndsAsFailed(t *testing.T) {
	srv := ot2test.NewServer()
	defer srv.Close()
	driver := newTestDriver(t, srv, 0, 0)

	srv.Robot.ScriptStatuses("run_u", "running", "awaiting-recovery")
	sink := &recordingSink{}
	record, err := driver.Wait(context.Background(), "run_u", WaitOptions{Sink: sink})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if record.Run.Status != robot.RunFailed || record.Run.RawStatus != "awaiting-recovery" {
		t.Fatalf("unexpected record %+v", record.Run)
	}
	events := sink.Events()
	last := events[len(events)-1]
	if !last.Terminal || len(last.Diagnostics) != 1 || last.Diagnostics[0].Kind != robot.DiagnosticUnknownStatus {
		t.Fatalf("expected unknown_status on terminal event, got %+v", last)
	}
	if sink.terminalCount() != 1 {
		t.Fatalf("expected exactly one terminal event")
	}
}

func TestDriverLogsUnexpectedTransition(t *testing.T) {
	srv := ot2test.NewServer()
	defer srv.Close()
	var logs bytes.Buffer
	driver := newLoggedDriver(t, srv, 0, 0, log.New(&logs, "", 0))

	srv.Robot.ScriptStatuses("run_t", "running", "idle", "running", "succeeded")
	record, err := driver.Wait(context.Background(), "run_t", WaitOptions{})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !record.Succeeded() {
		t.Fatalf("unexpected record %+v", record.Run)
	}
	if got := strings.Count(logs.String(), "driver unexpected run transition"); got != 1 {
		t.Fatalf("expected one transition log, got %d: %s", got, logs.String())
	}
	if !strings.Contains(logs.String(), "from=running to=idle") {
		t.Fatalf("expected running to idle logged, got %s", logs.String())
	}
}

func TestDriverSkippedStatusesAreNotLogged(t *testing.T) {
	srv := ot2test.NewServer()
	defer srv.Close()
	var logs bytes.Buffer
	driver := newLoggedDriver(t, srv, 0, 0, log.New(&logs, "", 0))

	srv.Robot.ScriptStatuses("run_s", "idle", "running", "succeeded")
	if _, err := driver.Wait(context.Background(), "run_s", WaitOptions{}); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if strings.Contains(logs.String(), "unexpected run transition") {
		t.Fatalf("unexpected transition log: %s", logs.String())
	}
}

func TestDriverTransferUploadFailure(t *testing.T) {
	srv := ot2test.NewServer()
	defer srv.Close()
	driver := newTestDriver(t, srv, 0, 0)
	driver.SetCurrentRunID("run_prev")

	srv.Robot.FailRequests(http.MethodPost, "/protocols", http.StatusInternalServerError, 1)
	protocolID, runID, err := driver.Transfer(context.Background(), writeProtocol(t))
	if err == nil || protocolID != "" || runID != "" {
		t.Fatalf("expected failure, got %q %q %v", protocolID, runID, err)
	}
	if srv.Robot.CountRequests(http.MethodPost, "/runs") != 0 {
		t.Fatalf("run must not be created after a failed upload")
	}
	if driver.CurrentRunID() != "run_prev" {
		t.Fatalf("current run id must be unchanged")
	}
}

func TestDriverTransferCreateFailure(t *testing.T) {
	srv := ot2test.NewServer()
	defer srv.Close()
	driver := newTestDriver(t, srv, 0, 0)
	driver.SetCurrentRunID("run_prev")

	srv.Robot.FailRequests(http.MethodPost, "/runs", http.StatusInternalServerError, 1)
	protocolID, runID, err := driver.Transfer(context.Background(), writeProtocol(t))
	if err == nil || protocolID == "" || runID != "" {
		t.Fatalf("expected protocol id with failure, got %q %q %v", protocolID, runID, err)
	}
	if !srv.Robot.HasProtocol(protocolID) {
		t.Fatalf("uploaded protocol is left on the robot")
	}
	if srv.Robot.CountRequests(http.MethodDelete, "/protocols/"+protocolID) != 0 {
		t.Fatalf("driver must not clean up the protocol")
	}
	if driver.CurrentRunID() != "run_prev" {
		t.Fatalf("current run id must be unchanged")
	}
}

func TestDriverReset(t *testing.T) {
	srv := ot2test.NewServer()
	defer srv.Close()
	driver := newTestDriver(t, srv, 0, 0)

	srv.Robot.AddRun("r1", "", "failed")
	srv.Robot.AddRun("r2", "", "succeeded")
	srv.Robot.AddRun("r3", "", "failed")
	driver.SetCurrentRunID("r3")

	deleted, err := driver.Reset(context.Background())
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if len(deleted) != 2 || deleted[0] != "r1" || deleted[1] != "r3" {
		t.Fatalf("unexpected deletes %v", deleted)
	}
	for _, req := range srv.Robot.Requests() {
		if req.Method == http.MethodDelete && req.Path != "/runs/r1" && req.Path != "/runs/r3" {
			t.Fatalf("unexpected delete %s", req.Path)
		}
	}
	if !srv.Robot.HasRun("r2") {
		t.Fatalf("successful runs are kept")
	}
	if driver.CurrentRunID() != "" {
		t.Fatalf("deleted current run must be cleared")
	}
}

func TestDriverStreamCreatesRun(t *testing.T) {
	srv := ot2test.NewServer()
	defer srv.Close()
	driver := newTestDriver(t, srv, 0, 0)
	driver.SetCurrentRunID("run_protocol")

	runID, err := driver.Stream(context.Background(), StreamRequest{
		CommandType: "pipette.pickUpTip",
		Params:      map[string]any{"pipetteId": "p", "labwareId": "l", "wellName": "A1"},
		Execute:     true,
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if runID != "run_1" {
		t.Fatalf("expected created run id, got %s", runID)
	}
	requests := srv.Robot.Requests()
	if len(requests) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(requests))
	}
	if requests[0].Path != "/runs" || len(requests[0].Body) != 0 {
		t.Fatalf("expected empty create, got %s %q", requests[0].Path, requests[0].Body)
	}
	if requests[1].Path != "/runs/run_1/commands" || requests[2].Path != "/runs/run_1/actions" {
		t.Fatalf("unexpected sequence %s then %s", requests[1].Path, requests[2].Path)
	}
	if actions := srv.Robot.Actions("run_1"); len(actions) != 1 || actions[0] != "play" {
		t.Fatalf("expected play, got %v", actions)
	}
	if driver.CurrentRunID() != "run_protocol" {
		t.Fatalf("stream must not replace the current run, got %s", driver.CurrentRunID())
	}
}

func TestDriverStreamExistingRunWithoutPlay(t *testing.T) {
	srv := ot2test.NewServer()
	defer srv.Close()
	driver := newTestDriver(t, srv, 0, 0)

	srv.Robot.AddRun("run_s", "", "idle")
	runID, err := driver.Stream(context.Background(), StreamRequest{CommandType: "home", RunID: "run_s"})
	if err != nil || runID != "run_s" {
		t.Fatalf("stream: %q %v", runID, err)
	}
	if srv.Robot.CountRequests(http.MethodPost, "/runs") != 0 || len(srv.Robot.Actions("run_s")) != 0 {
		t.Fatalf("existing run must be reused without play")
	}
}

func TestDriverPauseResumeCancel(t *testing.T) {
	srv := ot2test.NewServer()
	defer srv.Close()
	driver := newTestDriver(t, srv, 0, 0)
	ctx := context.Background()

	srv.Robot.AddRun("run_p", "", "running")
	if result, err := driver.Pause(ctx, "run_p"); err != nil || !result.Accepted {
		t.Fatalf("pause: %+v %v", result, err)
	}
	if status, err := driver.Status(ctx, "run_p"); err != nil || status != robot.RunPaused {
		t.Fatalf("expected paused, got %s %v", status, err)
	}
	if result, err := driver.Resume(ctx, "run_p"); err != nil || !result.Accepted {
		t.Fatalf("resume: %+v %v", result, err)
	}
	if result, err := driver.Cancel(ctx, "run_p"); err != nil || !result.Accepted {
		t.Fatalf("cancel: %+v %v", result, err)
	}
	if result, err := driver.Pause(ctx, "run_p"); err != nil || result.Accepted {
		t.Fatalf("pause after stop must be rejected: %+v %v", result, err)
	}
	if got := srv.Robot.CountRequests(http.MethodGet, "/runs/run_p"); got != 1 {
		t.Fatalf("actions must not poll, got %d gets", got)
	}
}

func TestDriverRobotStatus(t *testing.T) {
	srv := ot2test.NewServer()
	driver := newTestDriver(t, srv, 0, 0)
	ctx := context.Background()

	if got := driver.RobotStatus(ctx); got != robot.RobotOffline {
		t.Fatalf("empty list: expected offline, got %s", got)
	}
	srv.Robot.AddRun("r1", "", "succeeded")
	if got := driver.RobotStatus(ctx); got != robot.RobotIdle {
		t.Fatalf("expected idle, got %s", got)
	}
	srv.Robot.AddRun("r2", "", "running")
	if got := driver.RobotStatus(ctx); got != robot.RobotRunning {
		t.Fatalf("expected running, got %s", got)
	}
	srv.Close()
	if got := driver.RobotStatus(ctx); got != robot.RobotOffline {
		t.Fatalf("unreachable robot: expected offline, got %s", got)
	}
}
