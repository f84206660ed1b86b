package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// memRepo is an in-memory Repository for tests. Entries are kept in
// insertion order, which matches CreatedAt order because the Appender's
// writer goroutine assigns non-decreasing timestamps.
type memRepo struct {
	mu       sync.Mutex
	entries  []Entry
	nextID   int
	failNext error // returned (once) by the next Create
	failAll  error // returned by every call when set
}

func (r *memRepo) FindLast(ctx context.Context) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return nil, r.failAll
	}
	if len(r.entries) == 0 {
		return nil, nil
	}
	e := r.entries[len(r.entries)-1]
	return &e, nil
}

func (r *memRepo) FindJustBefore(ctx context.Context, t time.Time) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return nil, r.failAll
	}
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].CreatedAt.Before(t) {
			e := r.entries[i]
			return &e, nil
		}
	}
	return nil, nil
}

func (r *memRepo) FindByDateRange(ctx context.Context, start, end time.Time) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return nil, r.failAll
	}
	var out []Entry
	for _, e := range r.entries {
		if !e.CreatedAt.Before(start) && !e.CreatedAt.After(end) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memRepo) Create(ctx context.Context, e *Entry) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return nil, r.failAll
	}
	if r.failNext != nil {
		err := r.failNext
		r.failNext = nil
		return nil, err
	}
	r.nextID++
	stored := *e
	stored.ID = fmt.Sprintf("entry-%d", r.nextID)
	r.entries = append(r.entries, stored)
	out := stored
	return &out, nil
}

// mutate applies fn to the stored entry at index i, simulating an
// out-of-band edit of persisted data.
func (r *memRepo) mutate(i int, fn func(*Entry)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.entries[i])
}

// memNotifier records notifications for assertions.
type memNotifier struct {
	mu           sync.Mutex
	writeFailed  []string // "eventType/module"
	chainBroken  []string // entry IDs
	lastExpected string
	lastActual   string
}

func (n *memNotifier) WriteFailed(err error, eventType, module string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.writeFailed = append(n.writeFailed, eventType+"/"+module)
}

func (n *memNotifier) ChainBroken(entryID, expectedHash, actualHash string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.chainBroken = append(n.chainBroken, entryID)
	n.lastExpected = expectedHash
	n.lastActual = actualHash
}

var errOutage = errors.New("storage unavailable")
