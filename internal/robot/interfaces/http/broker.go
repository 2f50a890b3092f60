package http

import (
	"context"
	"encoding/json"
	"sync"

	"ot2-driver/internal/observability/metrics"
	robot "ot2-driver/internal/robot/domain"
)

// ProgressBroker fans out run progress events to connected clients.
type ProgressBroker struct {
	mu      sync.Mutex
	clients map[chan []byte]struct{}
}

// NewProgressBroker constructs a broker.
func NewProgressBroker() *ProgressBroker {
	return &ProgressBroker{clients: make(map[chan []byte]struct{})}
}

// Report implements robot.ProgressSink.
func (b *ProgressBroker) Report(_ context.Context, event robot.ProgressEvent) {
	if b == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	b.broadcast(payload)
}

// Subscribe registers a new client channel.
func (b *ProgressBroker) Subscribe() chan []byte {
	if b == nil {
		return nil
	}
	ch := make(chan []byte, 16)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	count := len(b.clients)
	b.mu.Unlock()
	metrics.SetProgressSubscribers(count)
	return ch
}

// Unsubscribe removes a client channel.
func (b *ProgressBroker) Unsubscribe(ch chan []byte) {
	if b == nil || ch == nil {
		return
	}
	b.mu.Lock()
	if _, ok := b.clients[ch]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.clients, ch)
	close(ch)
	count := len(b.clients)
	b.mu.Unlock()
	metrics.SetProgressSubscribers(count)
}

// Subscribers returns the number of connected clients.
func (b *ProgressBroker) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// broadcast sends under the lock so Unsubscribe cannot close a channel
// mid-send. Slow clients drop events.
func (b *ProgressBroker) broadcast(payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
		}
	}
}
