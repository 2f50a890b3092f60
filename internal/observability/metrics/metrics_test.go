package metrics

import (
	"io"
	"log"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func counterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			matched := 0
			for _, pair := range m.GetLabel() {
				if labels[pair.GetName()] == pair.GetValue() {
					matched++
				}
			}
			if matched == len(labels) {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
				return m.GetGauge().GetValue()
			}
		}
	}
	return 0
}

func TestHelpersBeforeInitAreNoops(t *testing.T) {
	if httpRequests != nil {
		t.Skip("metrics already registered")
	}
	ObserveHTTP("GET", ResultSuccess, time.Millisecond)
	IncRunPoll()
	SetProgressSubscribers(3)
}

func TestInitRegistersOnce(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	Init(logger)
	Init(logger)

	before := counterValue(t, "ot2_http_requests_total", map[string]string{"method": "GET", "result": "network"})
	ObserveHTTP("GET", HTTPResultNetwork, 5*time.Millisecond)
	if got := counterValue(t, "ot2_http_requests_total", map[string]string{"method": "GET", "result": "network"}); got != before+1 {
		t.Fatalf("expected %v, got %v", before+1, got)
	}

	ObserveHTTPAttempt("POST", 0)
	ObserveHTTPAttempt("POST", 1)
	if got := counterValue(t, "ot2_http_retries_total", map[string]string{"method": "POST"}); got != 1 {
		t.Fatalf("only retries are counted, got %v", got)
	}

	IncActionResult("play", false)
	if got := counterValue(t, "ot2_action_results_total", map[string]string{"action": "play", "result": "rejected"}); got != 1 {
		t.Fatalf("expected rejected play, got %v", got)
	}

	SetProgressSubscribers(2)
	if got := counterValue(t, "ot2_progress_subscribers", nil); got != 2 {
		t.Fatalf("expected gauge 2, got %v", got)
	}
}

func TestHTTPStatusResult(t *testing.T) {
	if got := HTTPStatusResult(503); got != "http_status_503" {
		t.Fatalf("unexpected label %s", got)
	}
}
