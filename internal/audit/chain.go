// Package audit implements the tamper-evident, hash-chained audit trail.
//
// Every significant domain event (order placement, risk override,
// reconciliation discrepancy) is appended as an Entry whose hash is
// computed as SHA-256(prev_hash | event_type | timestamp | canonical
// details), forming a chain where tampering with any persisted entry
// breaks verification from that point forward.
//
// The package has three actors: the Appender (single writer that owns
// the in-memory tip hash and serializes all appends), the Verifier
// (read-only re-derivation of the chain over a time range), and the
// Repository collaborator that provides ordered persistent storage.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ledgertrail/ledgertrail/internal/canonical"
)

// GenesisHash is the previous-hash value of the very first entry ever
// appended to the log, and the assumed incoming hash of a verification
// range with no preceding entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// TimeLayout is the timestamp format used both inside the hash input and
// for the created_at storage column. It is fixed-width (nanoseconds are
// never trimmed, always UTC) so that lexicographic ordering of stored
// text equals chronological ordering, and so formatting the same instant
// always yields the same bytes.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders a timestamp in the chain's canonical form.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a timestamp previously produced by FormatTime.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing chain timestamp %q: %w", s, err)
	}
	return t, nil
}

// ComputeHash calculates the SHA-256 link hash for an entry.
//
// The pipe-delimited input format is a bit-exact external contract:
// forensic re-verification tooling must be able to reproduce
//
//	SHA-256(prev_hash | event_type | timestamp | canonical_details)
//
// Returns the lowercase hex digest. An unencodable details payload is a
// programming error and fails rather than hashing a degenerate string.
func ComputeHash(prevHash, eventType string, createdAt time.Time, details canonical.Value) (string, error) {
	enc, err := canonical.Encode(details)
	if err != nil {
		return "", fmt.Errorf("encoding details for hashing: %w", err)
	}

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s", prevHash, eventType, FormatTime(createdAt), enc)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// recomputeHash re-derives an entry's CurrentHash from its stored fields.
func recomputeHash(e *Entry) (string, error) {
	return ComputeHash(e.PreviousHash, e.EventType, e.CreatedAt, e.Details)
}
