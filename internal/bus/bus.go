// Package bus fans out integrity notifications from the audit core to
// interested sinks (structured logs, the WebSocket live feed, alerting).
//
// Subscriptions filter on notification kind with glob patterns, so a
// sink can ask for "audit.*" or just "audit.chain_broken". Dispatch runs
// on a single goroutine fed by a buffered channel: publishing never
// blocks the append path, and a slow subscriber delays other sinks but
// never the chain.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gobwas/glob"
)

// Notification kinds emitted by the audit core.
const (
	KindWriteFailed = "audit.write_failed"
	KindChainBroken = "audit.chain_broken"
)

// Notification is a single integrity event. Kind determines which of the
// optional fields are populated.
type Notification struct {
	Kind string    `json:"kind"`
	Time time.Time `json:"time"`

	// Write-failure fields.
	Error     string `json:"error,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Module    string `json:"module,omitempty"`

	// Chain-broken fields.
	EntryID      string `json:"entry_id,omitempty"`
	ExpectedHash string `json:"expected_hash,omitempty"`
	ActualHash   string `json:"actual_hash,omitempty"`
}

type subscription struct {
	pattern glob.Glob
	fn      func(Notification)
}

// Bus is the notification dispatcher. It implements audit.Notifier.
type Bus struct {
	mu   sync.RWMutex
	subs []subscription

	ch   chan Notification
	done chan struct{}
}

// New creates a Bus and starts its dispatch goroutine.
func New() *Bus {
	b := &Bus{
		ch:   make(chan Notification, 256),
		done: make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Subscribe registers a callback for notifications whose kind matches
// the glob pattern. Callbacks run on the dispatch goroutine and should
// return quickly.
func (b *Bus) Subscribe(pattern string, fn func(Notification)) error {
	g, err := glob.Compile(pattern)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.subs = append(b.subs, subscription{pattern: g, fn: fn})
	b.mu.Unlock()
	return nil
}

// Publish enqueues a notification for dispatch. Non-blocking: if the
// queue is full the notification is dropped and logged — notifications
// are advisory, the authoritative record is the ledger itself.
func (b *Bus) Publish(n Notification) {
	if n.Time.IsZero() {
		n.Time = time.Now().UTC()
	}
	select {
	case b.ch <- n:
	default:
		slog.Warn("notification bus full, dropping", "kind", n.Kind)
	}
}

// Close stops the dispatch goroutine. Pending notifications are dropped.
// Safe to call multiple times.
func (b *Bus) Close() {
	select {
	case <-b.done:
	default:
		close(b.done)
	}
}

func (b *Bus) dispatch() {
	for {
		select {
		case n := <-b.ch:
			b.mu.RLock()
			subs := b.subs
			b.mu.RUnlock()
			for _, s := range subs {
				if s.pattern.Match(n.Kind) {
					s.fn(n)
				}
			}
		case <-b.done:
			return
		}
	}
}

// WriteFailed implements audit.Notifier.
func (b *Bus) WriteFailed(err error, eventType, module string) {
	b.Publish(Notification{
		Kind:      KindWriteFailed,
		Error:     err.Error(),
		EventType: eventType,
		Module:    module,
	})
}

// ChainBroken implements audit.Notifier.
func (b *Bus) ChainBroken(entryID, expectedHash, actualHash string) {
	b.Publish(Notification{
		Kind:         KindChainBroken,
		EntryID:      entryID,
		ExpectedHash: expectedHash,
		ActualHash:   actualHash,
	})
}
