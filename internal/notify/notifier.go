// Package notify sends a message when a run reaches a terminal status.
package notify

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	robot "ot2-driver/internal/robot/domain"
)

// ReportURLResolver returns a report link for a finished run, or "".
type ReportURLResolver func(runID string) string

// Notifier is a progress sink that announces finished runs on a channel.
type Notifier struct {
	channel   Channel
	template  *Template
	logger    *log.Logger
	reportURL ReportURLResolver
	only      map[robot.RunStatus]struct{}
	timeout   time.Duration

	mu   sync.Mutex
	sent map[string]struct{}
	wg   sync.WaitGroup
}

// Option configures the notifier.
type Option func(*Notifier)

// WithReportURL attaches report links to messages.
func WithReportURL(resolver ReportURLResolver) Option {
	return func(n *Notifier) {
		n.reportURL = resolver
	}
}

// WithStatuses limits notifications to the given terminal statuses.
func WithStatuses(statuses ...robot.RunStatus) Option {
	return func(n *Notifier) {
		if len(statuses) == 0 {
			return
		}
		n.only = make(map[robot.RunStatus]struct{}, len(statuses))
		for _, status := range statuses {
			n.only[status] = struct{}{}
		}
	}
}

// WithTimeout bounds a single delivery.
func WithTimeout(timeout time.Duration) Option {
	return func(n *Notifier) {
		if timeout > 0 {
			n.timeout = timeout
		}
	}
}

// NewNotifier constructs a notifier.
func NewNotifier(channel Channel, tpl *Template, logger *log.Logger, opts ...Option) (*Notifier, error) {
	if channel == nil {
		return nil, errors.New("notifier: nil channel")
	}
	if tpl == nil {
		var err error
		if tpl, err = NewTemplate(""); err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = log.Default()
	}
	n := &Notifier{
		channel:  channel,
		template: tpl,
		logger:   logger,
		timeout:  10 * time.Second,
		sent:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Report implements robot.ProgressSink. Delivery happens in the background
// and each run is announced at most once.
func (n *Notifier) Report(ctx context.Context, event robot.ProgressEvent) {
	if n == nil || !event.Terminal || event.RunID == "" {
		return
	}
	if n.only != nil {
		if _, ok := n.only[event.Status]; !ok {
			return
		}
	}
	n.mu.Lock()
	if _, done := n.sent[event.RunID]; done {
		n.mu.Unlock()
		return
	}
	n.sent[event.RunID] = struct{}{}
	n.mu.Unlock()

	content, err := n.template.Render(n.templateData(event))
	if err != nil {
		n.logger.Printf("notify render failed: run_id=%s err=%v", event.RunID, err)
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
		defer cancel()
		if err := n.channel.Send(sendCtx, strings.TrimSpace(content)); err != nil {
			n.logger.Printf("notify send failed: run_id=%s err=%v", event.RunID, err)
			return
		}
		n.logger.Printf("notify sent: run_id=%s status=%s", event.RunID, event.Status)
	}()
}

// Wait blocks until in-flight deliveries finish.
func (n *Notifier) Wait() {
	if n != nil {
		n.wg.Wait()
	}
}

func (n *Notifier) templateData(event robot.ProgressEvent) TemplateData {
	data := TemplateData{
		RunID:      event.RunID,
		Status:     string(event.Status),
		Error:      event.Message,
		FinishedAt: event.OccurredAt.UTC().Format(time.RFC3339),
	}
	if record := event.Record; record != nil {
		data.ProtocolID = record.Run.ProtocolID
		data.RawStatus = record.Run.RawStatus
		data.Commands = len(record.Commands)
		if data.Error == "" {
			data.Error = record.Error
		}
	}
	if n.reportURL != nil {
		data.ReportURL = n.reportURL(event.RunID)
	}
	return data
}
