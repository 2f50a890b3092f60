package main

import (
	"bufio"
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"ot2-driver/internal/audit"
	"ot2-driver/internal/auth"
	"ot2-driver/internal/notify"
	"ot2-driver/internal/observability/metrics"
	"ot2-driver/internal/robot/application"
	robot "ot2-driver/internal/robot/domain"
	"ot2-driver/internal/robot/infrastructure/discovery"
	robothttp "ot2-driver/internal/robot/interfaces/http"
	"ot2-driver/internal/robot/interfaces/tasks"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)
	metrics.Init(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	robotCfg, err := application.LoadConfigUnvalidated()
	if err != nil {
		logger.Fatalf("robot config: %v", err)
	}
	if robotCfg.IP == "" && cfg.Discover {
		robotCfg.IP, robotCfg.Port, err = discoverRobot(ctx, cfg.DiscoverTimeout, logger)
		if err != nil {
			logger.Fatalf("robot discovery: %v", err)
		}
	}
	if err := robotCfg.Validate(); err != nil {
		logger.Fatalf("robot config: %v", err)
	}

	driver, err := application.NewDriverFromConfig(robotCfg, logger)
	if err != nil {
		logger.Fatalf("driver init: %v", err)
	}
	ops, err := tasks.NewOperations(driver, tasks.DirResolver{Dir: robotCfg.ProtocolDir}, logger)
	if err != nil {
		logger.Fatalf("operations init: %v", err)
	}
	registry, err := tasks.NewRegistry(ops, logger)
	if err != nil {
		logger.Fatalf("registry init: %v", err)
	}

	broker := robothttp.NewProgressBroker()
	sinks := robot.MultiSink{broker}
	var notifier *notify.Notifier
	if cfg.NotifyWebhookURL != "" {
		notifier, err = buildNotifier(cfg, logger)
		if err != nil {
			logger.Fatalf("notifier init: %v", err)
		}
		sinks = append(sinks, notifier)
	}
	auditWriter := audit.NewWriter(logger)
	taskHandler, err := robothttp.NewTaskHandler(registry, sinks, auditWriter, logger)
	if err != nil {
		logger.Fatalf("task handler init: %v", err)
	}
	runHandler, err := robothttp.NewRunHandler(driver.Client())
	if err != nil {
		logger.Fatalf("run handler init: %v", err)
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil).
		WithTaskRole(tasks.TaskRobotStatus, auth.RoleViewer).
		WithTaskRole(tasks.TaskGetCurrentStatus, auth.RoleViewer).
		WithTaskRole(tasks.TaskReset, auth.RoleAdmin)
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/tasks", taskHandler)
	mux.Handle("/api/v1/tasks/", taskHandler)
	mux.Handle("/api/v1/runs/", runHandler)
	mux.Handle("/api/v1/progress/stream", robothttp.NewStreamHandler(broker))
	mux.Handle("/api/v1/progress/ws", robothttp.NewWebSocketHandler(broker))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(authMiddleware.Wrap(mux), logger)}
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdown(server, cfg.ShutdownTimeout, notifier, logger)
	}()

	logger.Printf("http listening on %s robot=%s", cfg.HTTPAddr, robotCfg.BaseURL())
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal(err)
	}
	<-stopped
}

// shutdown drains HTTP requests, then waits for run notifications still being
// delivered.
func shutdown(server *http.Server, timeout time.Duration, notifier *notify.Notifier, logger *log.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
	notifier.Wait()
	logger.Printf("shutdown complete")
}

type config struct {
	HTTPAddr         string
	JWTSecret        string
	Discover         bool
	DiscoverTimeout  time.Duration
	ShutdownTimeout  time.Duration
	NotifyWebhookURL string
	NotifyTemplate   string
	NotifyStatuses   string
	NotifyRetries    int
	PublicBaseURL    string
}

func loadConfig() config {
	cfg := config{
		HTTPAddr:         getenvDefault("HTTP_ADDR", ":8080"),
		JWTSecret:        getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
		Discover:         getenvBool("OT2_DISCOVER", false),
		DiscoverTimeout:  getenvDuration("OT2_DISCOVER_TIMEOUT", discovery.DefaultTimeout),
		ShutdownTimeout:  getenvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		NotifyWebhookURL: getenvDefault("RUN_NOTIFY_WEBHOOK_URL", ""),
		NotifyTemplate:   getenvDefault("RUN_NOTIFY_TEMPLATE", ""),
		NotifyStatuses:   getenvDefault("RUN_NOTIFY_STATUSES", ""),
		NotifyRetries:    getenvIntDefault("RUN_NOTIFY_RETRIES", 2),
		PublicBaseURL:    getenvDefault("PUBLIC_BASE_URL", ""),
	}
	if cfg.JWTSecret == "" {
		log.Fatal("AUTH_JWT_SECRET is required")
	}
	return cfg
}

func discoverRobot(ctx context.Context, timeout time.Duration, logger *log.Logger) (string, int, error) {
	robots, err := discovery.Discover(ctx, timeout)
	if err != nil {
		return "", 0, err
	}
	if len(robots) == 0 {
		return "", 0, errors.New("discovery: no robot found")
	}
	logger.Printf("discovered robot: name=%s ip=%s port=%d", robots[0].Name, robots[0].IP, robots[0].Port)
	return robots[0].IP, robots[0].Port, nil
}

func buildNotifier(cfg config, logger *log.Logger) (*notify.Notifier, error) {
	channel, err := notify.NewWebhookChannel(cfg.NotifyWebhookURL, cfg.NotifyRetries)
	if err != nil {
		return nil, err
	}
	tpl, err := notify.NewTemplate(cfg.NotifyTemplate)
	if err != nil {
		return nil, err
	}
	var statuses []robot.RunStatus
	for _, part := range strings.Split(cfg.NotifyStatuses, ",") {
		if part = strings.TrimSpace(part); part != "" {
			statuses = append(statuses, robot.RunStatus(part))
		}
	}
	return notify.NewNotifier(channel, tpl, logger,
		notify.WithStatuses(statuses...),
		notify.WithReportURL(reportURLResolver(cfg.PublicBaseURL)))
}

func reportURLResolver(baseURL string) notify.ReportURLResolver {
	if baseURL == "" {
		return nil
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return func(runID string) string {
		return baseURL + "/api/v1/runs/" + runID + "/report.pdf"
	}
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush keeps the progress stream working behind the middleware.
func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("http: hijack unsupported")
	}
	w.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
