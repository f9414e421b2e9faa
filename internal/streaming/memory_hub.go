package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
)

const defaultChannelBuffer = 64

type subscriber struct {
	ch     chan StreamEvent
	filter EventFilter
	once   sync.Once
	done   chan struct{}
}

// DropFunc is called whenever an event is dropped for a slow subscriber.
type DropFunc func(event StreamEvent)

// MemoryHub is an in-memory EventHub. Subscribers are indexed by session so a
// publish only touches the subscribers that can match it.
type MemoryHub struct {
	mu        sync.RWMutex
	bySession map[string]map[uint64]*subscriber
	seq       atomic.Uint64
	buffer    int
	onDrop    DropFunc
}

// HubOption configures a MemoryHub.
type HubOption func(*MemoryHub)

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) HubOption {
	return func(h *MemoryHub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithDropHandler registers a callback for events dropped by backpressure.
func WithDropHandler(fn DropFunc) HubOption {
	return func(h *MemoryHub) { h.onDrop = fn }
}

func NewMemoryHub(opts ...HubOption) *MemoryHub {
	h := &MemoryHub{
		bySession: make(map[string]map[uint64]*subscriber),
		buffer:    defaultChannelBuffer,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Publish delivers event to every matching subscriber without blocking.
// A full subscriber channel drops the event for that subscriber only.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	h.deliver(h.bySession[event.SessionID], event)
	if event.SessionID != "" {
		// Wildcard subscribers see every session.
		h.deliver(h.bySession[""], event)
	}
	return nil
}

func (h *MemoryHub) deliver(subs map[uint64]*subscriber, event StreamEvent) {
	for _, sub := range subs {
		if !matchTypes(sub.filter, event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			if h.onDrop != nil {
				h.onDrop(event)
			}
		}
	}
}

// Subscribe registers a subscriber. The returned cancel func detaches it and
// closes the channel; it is safe to call more than once. The subscription is
// also cancelled when ctx ends.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	sub := &subscriber{
		ch:     make(chan StreamEvent, h.buffer),
		filter: filter,
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	subs, ok := h.bySession[filter.SessionID]
	if !ok {
		subs = make(map[uint64]*subscriber)
		h.bySession[filter.SessionID] = subs
	}
	subs[id] = sub
	h.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			h.mu.Lock()
			delete(h.bySession[filter.SessionID], id)
			if len(h.bySession[filter.SessionID]) == 0 {
				delete(h.bySession, filter.SessionID)
			}
			h.mu.Unlock()
			close(sub.ch)
			close(sub.done)
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-sub.done:
		}
	}()

	return sub.ch, cancel, nil
}

// SubscriberCount returns the number of subscribers attached to a session,
// excluding wildcard subscribers.
func (h *MemoryHub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.bySession[sessionID])
}

func matchTypes(f EventFilter, e StreamEvent) bool {
	return len(f.EventTypes) == 0 || slices.Contains(f.EventTypes, e.EventType)
}
