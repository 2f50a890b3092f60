package cli

import (
	"bytes"
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ot2-driver/internal/robot/ot2test"
)

func runCLI(t *testing.T, srv *ot2test.Server, args ...string) (string, error) {
	t.Helper()
	t.Setenv("OT2_CONFIG", "")
	t.Setenv("OT2_HOST", "")
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	base := []string{"--host", u.Hostname(), "--port", u.Port(), "--retries", "1", "--backoff", "0.001", "--poll", "0.005"}
	root.SetArgs(append(base, args...))
	err = root.Execute()
	return out.String(), err
}

func TestCLIRequiresHost(t *testing.T) {
	t.Setenv("OT2_CONFIG", "")
	t.Setenv("OT2_HOST", "")
	root := NewRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"health"})
	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "ip required") {
		t.Fatalf("expected missing ip error, got %v", err)
	}
}

func TestCLILights(t *testing.T) {
	srv := ot2test.NewServer()
	defer srv.Close()

	out, err := runCLI(t, srv, "lights", "on")
	if err != nil {
		t.Fatalf("lights on: %v", err)
	}
	if strings.TrimSpace(out) != "on" || !srv.Robot.Lights() {
		t.Fatalf("expected lights on, got %q", out)
	}
	if _, err := runCLI(t, srv, "lights", "dim"); err == nil {
		t.Fatalf("expected invalid value error")
	}
}

func TestCLIPositions(t *testing.T) {
	srv := ot2test.NewServer()
	defer srv.Close()

	out, err := runCLI(t, srv, "positions")
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	var decoded map[string]map[string]any
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("decode output %q: %v", out, err)
	}
	if _, ok := decoded["positions"]["attach_tip"]; !ok {
		t.Fatalf("expected attach_tip position, got %v", decoded)
	}
}

func TestCLIRunFollowsToCompletion(t *testing.T) {
	srv := ot2test.NewServer()
	defer srv.Close()
	srv.Robot.SetAutoComplete(1)

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "pcr.py"), []byte("metadata = {}\n"), 0o644); err != nil {
		t.Fatalf("write protocol: %v", err)
	}
	out, err := runCLI(t, srv, "--protocol-dir", dir, "run", "pcr")
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	if !strings.Contains(out, "succeeded") {
		t.Fatalf("expected succeeded in output, got %q", out)
	}
}

func TestCLIRunReportsFailure(t *testing.T) {
	srv := ot2test.NewServer()
	defer srv.Close()
	srv.Robot.QueueRunIDs("run_f")
	srv.Robot.ScriptStatuses("run_f", "running", "failed")
	srv.Robot.SetRunError("run_f", "Tip not attached")

	path := filepath.Join(t.TempDir(), "pcr.py")
	if err := os.WriteFile(path, []byte("metadata = {}\n"), 0o644); err != nil {
		t.Fatalf("write protocol: %v", err)
	}
	out, err := runCLI(t, srv, "run", path)
	if err == nil || !strings.Contains(err.Error(), "Tip not attached") {
		t.Fatalf("expected failure with detail, got %v\n%s", err, out)
	}
}

func TestCLIStatusUsesCurrentRun(t *testing.T) {
	srv := ot2test.NewServer()
	defer srv.Close()

	if _, err := runCLI(t, srv, "status"); err == nil {
		t.Fatalf("expected error without a current run")
	}
	out, err := runCLI(t, srv, "stream", "home", "--no-execute")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	runID := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(out), "run "))
	if runID == "" {
		t.Fatalf("expected run id, got %q", out)
	}

	out, err = runCLI(t, srv, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, runID) || !strings.Contains(out, "home") {
		t.Fatalf("expected run and command in status, got %q", out)
	}
}

func TestCLIStopAndReport(t *testing.T) {
	srv := ot2test.NewServer()
	defer srv.Close()
	srv.Robot.AddRun("run_s", "", "running")

	if _, err := runCLI(t, srv, "stop", "run_s"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := srv.Robot.RunStatus("run_s"); got != "stop-requested" {
		t.Fatalf("expected stop-requested, got %s", got)
	}

	output := filepath.Join(t.TempDir(), "run.xlsx")
	if _, err := runCLI(t, srv, "report", "run_s", "--format", "xlsx", "-o", output); err != nil {
		t.Fatalf("report: %v", err)
	}
	if info, err := os.Stat(output); err != nil || info.Size() == 0 {
		t.Fatalf("expected report file, got %v", err)
	}
	if _, err := runCLI(t, srv, "report", "run_s", "--format", "doc"); err == nil {
		t.Fatalf("expected unsupported format error")
	}
}

func TestCLIResetAndRobotStatus(t *testing.T) {
	srv := ot2test.NewServer()
	defer srv.Close()
	srv.Robot.AddRun("run_a", "", "failed")
	srv.Robot.AddRun("run_b", "", "succeeded")

	out, err := runCLI(t, srv, "reset")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !strings.Contains(out, "deleted run_a") || strings.Contains(out, "run_b") {
		t.Fatalf("unexpected reset output %q", out)
	}
	out, err = runCLI(t, srv, "robot-status")
	if err != nil {
		t.Fatalf("robot-status: %v", err)
	}
	if strings.TrimSpace(out) != "idle" {
		t.Fatalf("expected idle, got %q", out)
	}
}
