// Package bus carries variable changes between tabs. The primary transport
// is an in-process fan-out for tabs hosted by one process; the fallback is a
// broadcast file watched by sibling processes.
//
// The bus guarantees no ordering: receivers reconcile by the message
// timestamp (last write wins), never by arrival order.
package bus

import "sync"

// Message is one broadcast variable change.
type Message struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
	TabID     string `json:"tabId"`
}

// Handler receives foreign messages. Called from the publisher's goroutine
// (memory transport) or the watcher goroutine (file transport).
type Handler func(Message)

// Bus is the transport contract. Subscribers never observe messages carrying
// their own tab id.
type Bus interface {
	Publish(msg Message)
	// Subscribe registers h for messages from tabs other than tabID and
	// returns an unsubscribe func.
	Subscribe(tabID string, h Handler) func()
	Close() error
}

// MemoryBus is the primary transport: a subscriber registry shared by every
// tab in the process.
type MemoryBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]subscriber
}

type subscriber struct {
	tabID string
	h     Handler
}

// NewMemoryBus builds an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]subscriber)}
}

// Publish implements Bus. Delivery is synchronous and self-filtered.
func (b *MemoryBus) Publish(msg Message) {
	b.mu.Lock()
	targets := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.tabID != msg.TabID {
			targets = append(targets, s.h)
		}
	}
	b.mu.Unlock()
	for _, h := range targets {
		h(msg)
	}
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(tabID string, h Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = subscriber{tabID: tabID, h: h}
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Close implements Bus.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.subs = make(map[int]subscriber)
	b.mu.Unlock()
	return nil
}
