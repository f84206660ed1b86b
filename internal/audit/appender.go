package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrClosed is returned by Append after the Appender has been closed.
var ErrClosed = errors.New("audit: appender closed")

// DefaultQueueSize is the append queue capacity used when the configured
// size is zero or negative.
const DefaultQueueSize = 256

// Appender owns the in-memory tip hash and serializes all appends
// through a single dedicated writer goroutine fed by a bounded channel.
// The goroutine is the only code that reads or writes the tip, so the
// read-tip → compute → persist → advance-tip sequence can never
// interleave across concurrent callers: request k+1 does not touch the
// tip until request k has fully resolved. This is what prevents two
// racing appends from both claiming the same previous hash (a fork).
//
// A failed append never advances the tip — the computed link is
// discarded entirely, leaving a missing business event rather than a
// broken chain. Chain validity is never sacrificed to avoid losing an
// event.
type Appender struct {
	repo     Repository
	notifier Notifier

	requests chan request
	done     chan struct{}
	stopped  chan struct{}

	// tip and tipSet are owned exclusively by the run goroutine.
	tip    string
	tipSet bool
}

type request struct {
	ctx   context.Context
	rec   Record
	init  bool
	reply chan result
}

type result struct {
	entry *Entry
	err   error
}

// NewAppender creates an Appender and starts its writer goroutine.
// Call Close to stop it; pending requests are drained first.
func NewAppender(repo Repository, notifier Notifier, queueSize int) *Appender {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	a := &Appender{
		repo:     repo,
		notifier: notifier,
		requests: make(chan request, queueSize),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go a.run()
	return a
}

// Initialize eagerly resolves the tip hash from storage: the most
// recently created entry's CurrentHash, or the genesis value if the log
// is empty. Failure here should be logged by the caller but must not
// block startup — the tip is lazily resolved on first append if still
// unset.
func (a *Appender) Initialize(ctx context.Context) error {
	reply := make(chan result, 1)
	select {
	case a.requests <- request{ctx: ctx, init: true, reply: reply}:
	case <-a.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case res := <-reply:
		return res.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Append queues one record and waits for it to commit. The context
// governs only how long the caller waits: enqueueing respects ctx, but
// once a request is admitted to the writer the commit runs to completion
// regardless — cancelling mid-commit could discard a tip advancement
// whose persistence actually succeeded, reintroducing fork risk.
//
// Returns the persisted entry on success. On persistence failure the tip
// is unchanged, a write-failure notification is emitted, and the
// underlying error is returned. Failures are isolated per call: one
// failed append never blocks or corrupts subsequent appends.
func (a *Appender) Append(ctx context.Context, rec Record) (*Entry, error) {
	if rec.EventType == "" {
		return nil, fmt.Errorf("audit: event type is required")
	}
	if rec.Module == "" {
		return nil, fmt.Errorf("audit: module is required")
	}

	reply := make(chan result, 1)
	select {
	case a.requests <- request{ctx: ctx, rec: rec, reply: reply}:
	case <-a.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-reply:
		return res.entry, res.err
	case <-ctx.Done():
		// The commit still runs to completion in the writer goroutine;
		// the caller just stops waiting for the outcome.
		return nil, ctx.Err()
	}
}

// Close stops the writer goroutine after draining queued requests.
// Safe to call multiple times.
func (a *Appender) Close() {
	select {
	case <-a.done:
		return
	default:
		close(a.done)
	}
	<-a.stopped
}

// run is the single-owner writer loop. All tip reads and writes happen
// here.
func (a *Appender) run() {
	defer close(a.stopped)
	for {
		select {
		case req := <-a.requests:
			a.handle(req)
		case <-a.done:
			// Drain whatever was queued before shutdown so callers
			// already enqueued still get a resolution.
			for {
				select {
				case req := <-a.requests:
					a.handle(req)
				default:
					return
				}
			}
		}
	}
}

// handle processes one queued request inside the critical section.
func (a *Appender) handle(req request) {
	// The commit is not cancellable once admitted; detach from the
	// caller's cancellation while keeping its values.
	ctx := context.WithoutCancel(req.ctx)

	if req.init {
		req.reply <- result{err: a.loadTip(ctx)}
		return
	}

	// Step 1: resolve the tip, lazily loading from storage if Initialize
	// failed or was never called.
	if !a.tipSet {
		if err := a.loadTip(ctx); err != nil {
			req.reply <- result{err: fmt.Errorf("resolving chain tip: %w", err)}
			return
		}
	}

	// Steps 2-3: assign the commit timestamp and compute the link hash.
	now := time.Now().UTC()
	hash, err := ComputeHash(a.tip, req.rec.EventType, now, req.rec.Details)
	if err != nil {
		// Unencodable payload — programming error, fail fast.
		req.reply <- result{err: err}
		return
	}

	entry := &Entry{
		EventType:     req.rec.EventType,
		Module:        req.rec.Module,
		CorrelationID: req.rec.CorrelationID,
		Details:       req.rec.Details,
		PreviousHash:  a.tip,
		CurrentHash:   hash,
		CreatedAt:     now,
	}

	// Step 4: persist.
	created, err := a.repo.Create(ctx, entry)
	if err != nil {
		// Step 6: tip untouched, link discarded, failure surfaced. The
		// chain looks exactly as if this append was never attempted.
		slog.Error("audit append failed",
			"event_type", req.rec.EventType,
			"module", req.rec.Module,
			"error", err)
		if a.notifier != nil {
			a.notifier.WriteFailed(err, req.rec.EventType, req.rec.Module)
		}
		req.reply <- result{err: fmt.Errorf("persisting audit entry: %w", err)}
		return
	}

	// Step 5: advance the tip only on confirmed persistence.
	a.tip = created.CurrentHash
	req.reply <- result{entry: created}
}

// loadTip reads the chain tip from storage. Only called from the run
// goroutine.
func (a *Appender) loadTip(ctx context.Context) error {
	last, err := a.repo.FindLast(ctx)
	if err != nil {
		return fmt.Errorf("loading last entry: %w", err)
	}
	if last == nil {
		a.tip = GenesisHash
	} else {
		a.tip = last.CurrentHash
	}
	a.tipSet = true
	slog.Debug("audit chain tip resolved", "tip", a.tip)
	return nil
}
