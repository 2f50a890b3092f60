package ot2api

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	robot "ot2-driver/internal/robot/domain"
	"ot2-driver/internal/robot/ot2test"
)

func newTestClient(t *testing.T, srv *ot2test.Server, retries int, retriable ...int) *Client {
	t.Helper()
	transport, err := NewTransport(Config{
		BaseURL:              srv.URL,
		Retries:              retries,
		BackoffFactor:        0.001,
		RetriableStatusCodes: retriable,
		RequestTimeout:       2 * time.Second,
	})
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	client, err := NewClient(transport)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestTransportSendsVersionHeaderOnEveryRequest(t *testing.T) {
	srv := ot2test.NewServer()
	defer srv.Close()
	client := newTestClient(t, srv, 2)
	ctx := context.Background()

	if _, err := client.SetLights(ctx, true); err != nil {
		t.Fatalf("set lights: %v", err)
	}
	protocolID, err := client.UploadProtocol(ctx, []byte("metadata = {}"), "proto.py")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	run, err := client.CreateRun(ctx, protocolID)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := client.PostAction(ctx, run.ID, robot.ActionPlay); err != nil {
		t.Fatalf("play: %v", err)
	}
	if _, err := client.GetCommands(ctx, run.ID); err != nil {
		t.Fatalf("commands: %v", err)
	}
	if _, err := client.Transport().Request(ctx, http.MethodGet, "/robot/positions", nil, nil); err != nil {
		t.Fatalf("raw request: %v", err)
	}

	requests := srv.Robot.Requests()
	if len(requests) != 6 {
		t.Fatalf("expected 6 requests, got %d", len(requests))
	}
	for _, req := range requests {
		if req.Version != DefaultVersion {
			t.Fatalf("%s %s missing version header, got %q", req.Method, req.Path, req.Version)
		}
	}
}

func TestTransportRetriesDroppedConnections(t *testing.T) {
	srv := ot2test.NewServer()
	defer srv.Close()
	client := newTestClient(t, srv, 5)

	srv.Robot.DropConnections(http.MethodGet, "/robot/lights", 2)
	lights, err := client.GetLights(context.Background())
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if lights.On {
		t.Fatalf("expected lights off")
	}
	if got := srv.Robot.CountRequests(http.MethodGet, "/robot/lights"); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestTransportRetryBudgetExhausted(t *testing.T) {
	srv := ot2test.NewServer()
	defer srv.Close()
	client := newTestClient(t, srv, 2)

	srv.Robot.DropConnections(http.MethodGet, "/robot/lights", 10)
	_, err := client.GetLights(context.Background())
	if !IsKind(err, KindNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
	if got := srv.Robot.CountRequests(http.MethodGet, "/robot/lights"); got != 3 {
		t.Fatalf("expected retries+1 attempts, got %d", got)
	}
}

func TestTransportDoesNotRetryUnlistedStatus(t *testing.T) {
	srv := ot2test.NewServer()
	defer srv.Close()
	client := newTestClient(t, srv, 5, http.StatusServiceUnavailable)

	srv.Robot.FailRequests(http.MethodGet, "/robot/lights", http.StatusBadRequest, 3)
	_, err := client.GetLights(context.Background())
	var terr *TransportError
	if !errors.As(err, &terr) || terr.Kind != KindHTTPStatus || terr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected http_status 400, got %v", err)
	}
	if len(terr.Body) == 0 {
		t.Fatalf("expected server body on error")
	}
	if got := srv.Robot.CountRequests(http.MethodGet, "/robot/lights"); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestTransportRetriesListedStatusForGet(t *testing.T) {
	srv := ot2test.NewServer()
	defer srv.Close()
	client := newTestClient(t, srv, 5, http.StatusServiceUnavailable)

	srv.Robot.FailRequests(http.MethodGet, "/robot/lights", http.StatusServiceUnavailable, 2)
	if _, err := client.GetLights(context.Background()); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if got := srv.Robot.CountRequests(http.MethodGet, "/robot/lights"); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestTransportDoesNotRetryStatusForPost(t *testing.T) {
	srv := ot2test.NewServer()
	defer srv.Close()
	client := newTestClient(t, srv, 5, http.StatusServiceUnavailable)

	srv.Robot.FailRequests(http.MethodPost, "/robot/lights", http.StatusServiceUnavailable, 2)
	_, err := client.SetLights(context.Background(), true)
	if StatusCode(err) != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %v", err)
	}
	if got := srv.Robot.CountRequests(http.MethodPost, "/robot/lights"); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestTransportRetriesPostOnNetworkError(t *testing.T) {
	srv := ot2test.NewServer()
	defer srv.Close()
	client := newTestClient(t, srv, 3)

	srv.Robot.DropConnections(http.MethodPost, "/robot/lights", 1)
	lights, err := client.SetLights(context.Background(), true)
	if err != nil || !lights.On {
		t.Fatalf("expected lights on after retry, got %+v %v", lights, err)
	}
	if got := srv.Robot.CountRequests(http.MethodPost, "/robot/lights"); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestTransportNeverRetriesDelete(t *testing.T) {
	srv := ot2test.NewServer()
	defer srv.Close()
	client := newTestClient(t, srv, 5, http.StatusServiceUnavailable)

	srv.Robot.AddRun("run_d", "", "failed")
	srv.Robot.DropConnections(http.MethodDelete, "/runs/run_d", 1)
	if err := client.DeleteRun(context.Background(), "run_d"); !IsKind(err, KindNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
	if got := srv.Robot.CountRequests(http.MethodDelete, "/runs/run_d"); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
	if !srv.Robot.HasRun("run_d") {
		t.Fatalf("run must survive a dropped delete")
	}
}

func TestTransportDecodeError(t *testing.T) {
	srv := ot2test.NewServer()
	defer srv.Close()
	client := newTestClient(t, srv, 0)

	var out []string
	err := client.Transport().Get(context.Background(), "/robot/lights", &out)
	if !IsKind(err, KindDecode) {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestTransportHonorsContextDuringBackoff(t *testing.T) {
	srv := ot2test.NewServer()
	defer srv.Close()
	transport, err := NewTransport(Config{BaseURL: srv.URL, Retries: 5, BackoffFactor: 10})
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	srv.Robot.DropConnections(http.MethodGet, "/robot/lights", 10)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = transport.Get(ctx, "/robot/lights", nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("backoff ignored context, took %s", elapsed)
	}
}

func TestExponentialBackoff(t *testing.T) {
	backoff := exponentialBackoff(0.5)
	for attempt, want := range []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second} {
		if got := backoff(0, 0, attempt, nil); got != want {
			t.Fatalf("attempt %d: expected %s, got %s", attempt, want, got)
		}
	}
}

func TestNewTransportRequiresBaseURL(t *testing.T) {
	if _, err := NewTransport(Config{}); err == nil {
		t.Fatalf("expected error for empty base url")
	}
}
