// Package events fans run transitions out to interested observers: websocket
// subscribers in this process and other processes over redis pub/sub.
package events

import (
	"sync"

	"go.uber.org/zap"

	"vaultflow/internal/models"
)

const subscriberBuffer = 64

// Hub delivers each run's events to that run's subscribers
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	logger *zap.Logger
}

type subscription struct {
	ch     chan models.Event
	closed bool
}

// NewHub creates an empty hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		subs:   make(map[string]map[*subscription]struct{}),
		logger: logger.Named("events"),
	}
}

// Subscribe returns a channel of runID's future events and a func that
// detaches it. The channel closes after a terminal event or on cancel.
func (h *Hub) Subscribe(runID string) (<-chan models.Event, func()) {
	sub := &subscription{ch: make(chan models.Event, subscriberBuffer)}

	h.mu.Lock()
	if h.subs[runID] == nil {
		h.subs[runID] = make(map[*subscription]struct{})
	}
	h.subs[runID][sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.detach(runID, sub)
	}
	return sub.ch, cancel
}

// Publish implements orchestrator.EventSink. A subscriber whose buffer is
// full loses the event rather than stalling the run.
func (h *Hub) Publish(event models.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[event.RunID] {
		select {
		case sub.ch <- event:
		default:
			h.logger.Warn("Dropping event for slow subscriber",
				zap.String("run_id", event.RunID),
				zap.String("step", string(event.NewStep)))
		}
		if event.NewStep.Terminal() {
			h.detach(event.RunID, sub)
		}
	}
}

// Subscribers returns the number of live subscriptions for runID
func (h *Hub) Subscribers(runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[runID])
}

// detach must be called with h.mu held
func (h *Hub) detach(runID string, sub *subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	delete(h.subs[runID], sub)
	if len(h.subs[runID]) == 0 {
		delete(h.subs, runID)
	}
}
