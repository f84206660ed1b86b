package audit

import (
	"context"
	"time"

	"github.com/ledgertrail/ledgertrail/internal/canonical"
)

// Entry is a single persisted audit record. Entries are immutable once
// written: the only mutation path in the whole system is append, and
// retention/archival is external policy.
type Entry struct {
	ID            string          `json:"id"`
	EventType     string          `json:"event_type"`
	Module        string          `json:"module"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Details       canonical.Value `json:"details"`
	PreviousHash  string          `json:"previous_hash"`
	CurrentHash   string          `json:"current_hash"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Record is the caller-supplied portion of an append. The Appender
// assigns everything else (timestamp, chain hashes) at commit time; the
// repository assigns the ID.
type Record struct {
	EventType     string
	Module        string
	CorrelationID string
	Details       canonical.Value
}

// Repository is the persistent store collaborator. Implementations must
// order entries by creation time and persist atomically: a failed Create
// leaves no partial write visible to subsequent reads.
type Repository interface {
	// FindLast returns the most recently created entry, or nil if the
	// log is empty.
	FindLast(ctx context.Context) (*Entry, error)

	// FindJustBefore returns the latest entry with CreatedAt strictly
	// before t, or nil if none exists.
	FindJustBefore(ctx context.Context, t time.Time) (*Entry, error)

	// FindByDateRange returns entries with CreatedAt in [start, end],
	// ascending by CreatedAt.
	FindByDateRange(ctx context.Context, start, end time.Time) ([]Entry, error)

	// Create durably persists one entry and returns it with its
	// repository-assigned ID.
	Create(ctx context.Context, e *Entry) (*Entry, error)
}

// Notifier receives integrity-related notifications from the core. The
// event bus implements this; sinks (logging, live feed, alerting) hang
// off the bus.
type Notifier interface {
	// WriteFailed fires when an append's persistence step fails. The
	// entry was discarded entirely; the chain is as if it never happened.
	WriteFailed(err error, eventType, module string)

	// ChainBroken fires when verification finds a structural break or
	// content tamper. Both mean the same thing to consumers: do not
	// trust data from this point forward.
	ChainBroken(entryID, expectedHash, actualHash string)
}
