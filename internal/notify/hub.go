package notify

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Hub fans events out to subscribers without blocking the publisher.
// Events are dropped for subscribers whose buffer is full.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	dropped atomic.Int64
	logger  *logrus.Logger
}

// NewHub creates an empty hub
func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		subs:   make(map[int]chan Event),
		logger: logger,
	}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// function unsubscribes and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish implements Notifier
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
			h.logger.WithFields(logrus.Fields{
				"subscriber": id,
				"event":      ev.String(),
			}).Debug("Subscriber buffer full, dropping event")
		}
	}
}

// Dropped returns the number of events dropped so far
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
