package notify

import (
	"context"
	"sync"

	"github.com/andresmejia3/facewatch/internal/types"
)

// subscriberBuffer is the per-listener queue depth. Slow listeners lose events
// rather than stalling the detection session.
const subscriberBuffer = 16

// Hub broadcasts events to in-process listeners such as SSE clients.
type Hub struct {
	mu        sync.Mutex
	listeners map[chan types.IdentityAppeared]struct{}
	dropped   uint64
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{listeners: make(map[chan types.IdentityAppeared]struct{})}
}

// Subscribe registers a listener. Call the returned function to unsubscribe;
// it closes the channel.
func (h *Hub) Subscribe() (<-chan types.IdentityAppeared, func()) {
	ch := make(chan types.IdentityAppeared, subscriberBuffer)
	h.mu.Lock()
	h.listeners[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Notify delivers event to every listener without blocking.
func (h *Hub) Notify(_ context.Context, event types.IdentityAppeared) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.listeners {
		select {
		case ch <- event:
		default:
			h.dropped++
		}
	}
	return nil
}

// Listeners returns the number of active subscribers.
func (h *Hub) Listeners() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

// Dropped returns how many deliveries were discarded because a listener was full.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}
