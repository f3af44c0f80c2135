// Package broadcast delivers committed events to matching connections'
// outbound buffers. Buffers are bounded and pushes never block: a slow
// reader loses events and gets flagged for shedding instead of throttling
// the commit path or other readers.
package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/relaystone/nostrd/pkg/event"
	"github.com/relaystone/nostrd/pkg/observability"
	"github.com/relaystone/nostrd/pkg/subscription"
)

// Delivery is one event routed to one subscription.
type Delivery struct {
	Sub   subscription.ID
	Event *event.Event
}

// Engine owns the per-connection outbound buffers.
type Engine struct {
	mu       sync.RWMutex
	buffers  map[string]chan Delivery
	capacity int

	// onOverflow is told which connection to shed after a dropped
	// delivery. Called at most once per Deliver per connection.
	onOverflow func(connID string)
	logger     *slog.Logger
	metrics    *observability.Metrics
}

func NewEngine(capacity int, onOverflow func(connID string), logger *slog.Logger, metrics *observability.Metrics) *Engine {
	if capacity <= 0 {
		capacity = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		buffers:    make(map[string]chan Delivery),
		capacity:   capacity,
		onOverflow: onOverflow,
		logger:     logger,
		metrics:    metrics,
	}
}

// Attach creates the outbound buffer for a connection and returns its read
// side for the transport to drain. Attaching an existing id replaces the
// old buffer.
func (e *Engine) Attach(connID string) <-chan Delivery {
	ch := make(chan Delivery, e.capacity)
	e.mu.Lock()
	if old, ok := e.buffers[connID]; ok {
		close(old)
	}
	e.buffers[connID] = ch
	e.mu.Unlock()
	return ch
}

// Detach releases a connection's buffer and closes its read side.
// Idempotent; in-flight deliveries to the connection are simply dropped.
func (e *Engine) Detach(connID string) {
	e.mu.Lock()
	if ch, ok := e.buffers[connID]; ok {
		delete(e.buffers, connID)
		close(ch)
	}
	e.mu.Unlock()
}

// Deliver pushes the event to every target's buffer without blocking.
// Called from the single commit path, so each connection observes events in
// commit order. Returns the number of successful pushes.
func (e *Engine) Deliver(ev *event.Event, targets []subscription.ID) int {
	if len(targets) == 0 {
		return 0
	}
	ctx := context.Background()
	delivered := 0
	var overflowed []string

	e.mu.RLock()
	for _, sub := range targets {
		ch, ok := e.buffers[sub.ConnID]
		if !ok {
			continue
		}
		select {
		case ch <- Delivery{Sub: sub, Event: ev}:
			delivered++
		default:
			e.metrics.Dropped(ctx)
			overflowed = append(overflowed, sub.ConnID)
		}
	}
	e.mu.RUnlock()

	if len(overflowed) > 0 {
		seen := make(map[string]bool, len(overflowed))
		for _, connID := range overflowed {
			if seen[connID] {
				continue
			}
			seen[connID] = true
			e.logger.Warn("dropping event for slow reader",
				"conn", connID, "event", ev.ShortID())
			if e.onOverflow != nil {
				e.onOverflow(connID)
			}
		}
	}
	e.metrics.Delivered(ctx, delivered)
	return delivered
}
