package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// VerifyResult is the outcome of a chain verification over a time range.
// The two mismatch kinds — a structural break (PreviousHash disagrees
// with the prior entry) and a content tamper (the entry's own recomputed
// hash disagrees with its stored CurrentHash) — share this shape and are
// distinguished only by which hashes are reported.
type VerifyResult struct {
	Valid          bool      `json:"valid"`
	EntriesChecked int       `json:"entries_checked"`
	BrokenAtID     string    `json:"broken_at_id,omitempty"`
	BrokenAt       time.Time `json:"broken_at,omitzero"`
	ExpectedHash   string    `json:"expected_hash,omitempty"`
	ActualHash     string    `json:"actual_hash,omitempty"`
}

// Verifier re-derives the expected chain from storage and proves or
// disproves integrity over an arbitrary time range. It holds no secret
// and no lock: verification may run concurrently with appends, and at
// worst does not observe the newest entry yet — it can never report a
// false negative for entries it does see.
type Verifier struct {
	repo     Repository
	notifier Notifier
}

// NewVerifier creates a Verifier over the given repository. notifier may
// be nil if break notifications are not wanted (e.g. ad-hoc CLI runs).
func NewVerifier(repo Repository, notifier Notifier) *Verifier {
	return &Verifier{repo: repo, notifier: notifier}
}

// VerifyChain checks every entry with CreatedAt in [start, end].
//
// The expected incoming hash is the CurrentHash of the entry immediately
// preceding start, or the genesis value if none exists. Each entry must
// link from the expected hash AND re-hash to its stored CurrentHash.
// Storage errors are returned to the caller — verification is a forensic
// operation and must never silently report false confidence.
func (v *Verifier) VerifyChain(ctx context.Context, start, end time.Time) (VerifyResult, error) {
	entries, err := v.repo.FindByDateRange(ctx, start, end)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("loading entries for verification: %w", err)
	}

	// An empty range is vacuously valid.
	if len(entries) == 0 {
		return VerifyResult{Valid: true, EntriesChecked: 0}, nil
	}

	expected := GenesisHash
	prev, err := v.repo.FindJustBefore(ctx, start)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("loading entry preceding range: %w", err)
	}
	if prev != nil {
		expected = prev.CurrentHash
	}

	for i := range entries {
		e := &entries[i]

		// Structural break: a gap, reorder, or out-of-band edit of the
		// link field itself.
		if e.PreviousHash != expected {
			return v.broken(i+1, e, expected, e.PreviousHash), nil
		}

		// Content tamper: the entry's own fields changed after being
		// written.
		recomputed, err := recomputeHash(e)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("recomputing hash for entry %s: %w", e.ID, err)
		}
		if recomputed != e.CurrentHash {
			return v.broken(i+1, e, recomputed, e.CurrentHash), nil
		}

		expected = e.CurrentHash
	}

	return VerifyResult{Valid: true, EntriesChecked: len(entries)}, nil
}

// broken builds the invalid result and emits the chain-broken
// notification. position is the entry's 1-based index in the walked set.
func (v *Verifier) broken(position int, e *Entry, expectedHash, actualHash string) VerifyResult {
	slog.Warn("audit chain integrity violation",
		"entry_id", e.ID,
		"created_at", FormatTime(e.CreatedAt),
		"expected_hash", expectedHash,
		"actual_hash", actualHash)

	if v.notifier != nil {
		v.notifier.ChainBroken(e.ID, expectedHash, actualHash)
	}

	return VerifyResult{
		Valid:          false,
		EntriesChecked: position,
		BrokenAtID:     e.ID,
		BrokenAt:       e.CreatedAt,
		ExpectedHash:   expectedHash,
		ActualHash:     actualHash,
	}
}
