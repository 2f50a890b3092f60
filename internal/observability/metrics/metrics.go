package metrics

import (
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "ot2_"

	resultSuccess = "success"
	resultError   = "error"

	httpResultNetwork = "network"
	httpResultStatus  = "http_status"

	actionResultAccepted = "accepted"
	actionResultRejected = "rejected"
)

var (
	registerOnce sync.Once

	httpRequests *prometheus.CounterVec
	httpRetries  *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	runPolls       prometheus.Counter
	runOutcomes    *prometheus.CounterVec
	runCancels     prometheus.Counter
	runDiagnostics *prometheus.CounterVec
	actionResults  *prometheus.CounterVec

	taskInvocations *prometheus.CounterVec
	taskLatency     *prometheus.HistogramVec

	progressSubscribers prometheus.Gauge
)

// Init registers driver metrics with the default registry.
func Init(logger *log.Logger) {
	registerOnce.Do(func() {
		httpRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "http_requests_total",
				Help: "Total HTTP calls against the robot by method and final result",
			},
			[]string{"method", "result"},
		)
		httpRetries = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "http_retries_total",
				Help: "Total HTTP retries by method",
			},
			[]string{"method"},
		)
		httpLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "http_latency_seconds",
				Help:    "HTTP call latency in seconds, retries included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		)

		runPolls = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "run_polls_total",
				Help: "Total run status polls",
			},
		)
		runOutcomes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "run_outcomes_total",
				Help: "Total runs observed reaching a terminal status",
			},
			[]string{"status"},
		)
		runCancels = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "run_cancellations_total",
				Help: "Total cooperative cancellations honored by the wait loop",
			},
		)
		runDiagnostics = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "run_diagnostics_total",
				Help: "Total non-fatal run lifecycle diagnostics by kind",
			},
			[]string{"kind"},
		)
		actionResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "action_results_total",
				Help: "Total run actions by action and result",
			},
			[]string{"action", "result"},
		)

		taskInvocations = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "task_invocations_total",
				Help: "Total task invocations by task and result",
			},
			[]string{"task", "result"},
		)
		taskLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "task_latency_seconds",
				Help:    "Task latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 30, 60, 300, 900, 3600},
			},
			[]string{"task", "result"},
		)

		progressSubscribers = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "progress_subscribers",
				Help: "Connected progress stream subscribers",
			},
		)

		prometheus.MustRegister(
			httpRequests,
			httpRetries,
			httpLatency,
			runPolls,
			runOutcomes,
			runCancels,
			runDiagnostics,
			actionResults,
			taskInvocations,
			taskLatency,
			progressSubscribers,
		)
		if logger != nil {
			logger.Printf("metrics registered: prefix=%s", metricPrefix)
		}
	})
}

// ObserveHTTPAttempt counts retries. attempt is zero for the first try.
func ObserveHTTPAttempt(method string, attempt int) {
	if method == "" {
		method = "unknown"
	}
	if attempt > 0 && httpRetries != nil {
		httpRetries.WithLabelValues(method).Inc()
	}
}

// ObserveHTTP records the outcome of an HTTP call after retries.
func ObserveHTTP(method, result string, duration time.Duration) {
	if method == "" {
		method = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if httpRequests != nil {
		httpRequests.WithLabelValues(method, result).Inc()
	}
	if httpLatency != nil {
		httpLatency.WithLabelValues(method).Observe(duration.Seconds())
	}
}

// IncRunPoll counts a wait-loop poll.
func IncRunPoll() {
	if runPolls != nil {
		runPolls.Inc()
	}
}

// IncRunOutcome counts a terminal status.
func IncRunOutcome(status string) {
	if status == "" {
		status = "unknown"
	}
	if runOutcomes != nil {
		runOutcomes.WithLabelValues(status).Inc()
	}
}

// IncRunCancelled counts an honored cancellation.
func IncRunCancelled() {
	if runCancels != nil {
		runCancels.Inc()
	}
}

// IncDiagnostic counts a lifecycle diagnostic.
func IncDiagnostic(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	if runDiagnostics != nil {
		runDiagnostics.WithLabelValues(kind).Inc()
	}
}

// IncActionResult counts an action post.
func IncActionResult(action string, accepted bool) {
	result := actionResultRejected
	if accepted {
		result = actionResultAccepted
	}
	if actionResults != nil {
		actionResults.WithLabelValues(action, result).Inc()
	}
}

// ObserveTask records task latency and result.
func ObserveTask(task, result string, duration time.Duration) {
	if task == "" {
		task = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if taskInvocations != nil {
		taskInvocations.WithLabelValues(task, result).Inc()
	}
	if taskLatency != nil {
		taskLatency.WithLabelValues(task, result).Observe(duration.Seconds())
	}
}

// SetProgressSubscribers sets the connected subscriber gauge.
func SetProgressSubscribers(count int) {
	if progressSubscribers != nil {
		progressSubscribers.Set(float64(count))
	}
}

// HTTPStatusResult labels a non-2xx response.
func HTTPStatusResult(code int) string {
	return httpResultStatus + "_" + strconv.Itoa(code)
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError

	HTTPResultNetwork = httpResultNetwork
	HTTPResultStatus  = httpResultStatus
)
