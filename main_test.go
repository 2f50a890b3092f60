package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	robot "ot2-driver/internal/robot/domain"
)

func TestShutdownWaitsForNotifications(t *testing.T) {
	var delivered atomic.Int32
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		time.Sleep(100 * time.Millisecond)
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer webhook.Close()

	logger := log.New(io.Discard, "", 0)
	notifier, err := buildNotifier(config{NotifyWebhookURL: webhook.URL, NotifyStatuses: "succeeded, failed"}, logger)
	if err != nil {
		t.Fatalf("build notifier: %v", err)
	}
	record := robot.RunRecord{Run: robot.Run{ID: "run_xyz", Status: robot.RunSucceeded, RawStatus: "succeeded"}}
	notifier.Report(context.Background(), robot.ProgressEvent{
		RunID:      "run_xyz",
		Status:     robot.RunSucceeded,
		Terminal:   true,
		Record:     &record,
		OccurredAt: time.Now().UTC(),
	})

	shutdown(&http.Server{}, time.Second, notifier, logger)
	if got := delivered.Load(); got != 1 {
		t.Fatalf("expected notification delivered before shutdown returned, got %d", got)
	}
}

func TestShutdownWithoutNotifier(t *testing.T) {
	shutdown(&http.Server{}, time.Second, nil, log.New(io.Discard, "", 0))
}

func TestReportURLResolver(t *testing.T) {
	if reportURLResolver("") != nil {
		t.Fatalf("expected nil resolver without base url")
	}
	resolve := reportURLResolver("https://lab.example/")
	if got := resolve("run_xyz"); got != "https://lab.example/api/v1/runs/run_xyz/report.pdf" {
		t.Fatalf("unexpected report url %s", got)
	}
}
