package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gafsiahmed/biblio-managment-system/internal/lending"
)

// Hub fans notifications out to live subscribers (SSE clients). A
// subscriber sees the notifications of one user, or of everyone when it
// subscribes with an empty user id. Slow subscribers lose messages instead
// of blocking delivery.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]subscriber
	next    int
	dropped atomic.Int64
}

type subscriber struct {
	userID string
	ch     chan lending.Notification
}

var _ lending.Notifier = (*Hub)(nil)

func New() *Hub {
	return &Hub{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber for userID. The channel is closed when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, userID string) <-chan lending.Notification {
	ch := make(chan lending.Notification, 16)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = subscriber{userID: userID, ch: ch}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Notify publishes n to every matching subscriber. It never fails.
func (h *Hub) Notify(_ context.Context, n lending.Notification) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if s.userID != "" && s.userID != n.Recipient {
			continue
		}
		select {
		case s.ch <- n:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribers reports the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped counts notifications lost to full subscriber buffers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }
