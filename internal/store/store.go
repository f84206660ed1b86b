// Package store persists audit entries in SQLite. It is the concrete
// repository behind the audit core: append-only inserts keyed by UUID,
// with range and point lookups ordered by creation time.
//
// created_at is stored as fixed-width UTC text (audit.TimeLayout), so
// SQLite's lexicographic TEXT comparison is chronological and the bytes
// hashed at append time are exactly the bytes re-hashed at verify time.
// Ties on created_at fall back to rowid, which reflects insert order.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/gobwas/glob"
	"github.com/google/uuid"

	"github.com/ledgertrail/ledgertrail/internal/audit"
	"github.com/ledgertrail/ledgertrail/internal/canonical"
)

// Store is a SQLite-backed audit.Repository.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the ledger database at the given path.
// WAL mode allows the CLI to read while the service writes.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening ledger database %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			id             TEXT PRIMARY KEY,
			event_type     TEXT NOT NULL,
			module         TEXT NOT NULL,
			correlation_id TEXT NOT NULL DEFAULT '',
			details        TEXT NOT NULL DEFAULT 'null',
			previous_hash  TEXT NOT NULL,
			current_hash   TEXT NOT NULL,
			created_at     TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_entries_created_at ON entries(created_at);
		CREATE INDEX IF NOT EXISTS idx_entries_module ON entries(module);
		CREATE INDEX IF NOT EXISTS idx_entries_correlation ON entries(correlation_id);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating ledger schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const entryColumns = `id, event_type, module, correlation_id, details, previous_hash, current_hash, created_at`

// Create durably persists one entry. The ID is assigned here; the insert
// is a single statement, so it is atomic — a failure leaves no partial
// write visible to subsequent reads.
func (s *Store) Create(ctx context.Context, e *audit.Entry) (*audit.Entry, error) {
	details, err := canonical.Encode(e.Details)
	if err != nil {
		return nil, fmt.Errorf("encoding entry details: %w", err)
	}

	stored := *e
	stored.ID = uuid.NewString()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entries (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.ID, stored.EventType, stored.Module, stored.CorrelationID,
		details, stored.PreviousHash, stored.CurrentHash,
		audit.FormatTime(stored.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting audit entry: %w", err)
	}

	return &stored, nil
}

// FindLast returns the most recently created entry, or nil if the ledger
// is empty.
func (s *Store) FindLast(ctx context.Context) (*audit.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM entries ORDER BY created_at DESC, rowid DESC LIMIT 1`)
	return scanOne(row)
}

// FindJustBefore returns the latest entry created strictly before t, or
// nil if none exists.
func (s *Store) FindJustBefore(ctx context.Context, t time.Time) (*audit.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE created_at < ?
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		audit.FormatTime(t))
	return scanOne(row)
}

// FindByDateRange returns entries with created_at in [start, end],
// ascending.
func (s *Store) FindByDateRange(ctx context.Context, start, end time.Time) ([]audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM entries
		 WHERE created_at >= ? AND created_at <= ?
		 ORDER BY created_at ASC, rowid ASC`,
		audit.FormatTime(start), audit.FormatTime(end))
	if err != nil {
		return nil, fmt.Errorf("querying entry range: %w", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

// QueryParams filters ledger queries. Empty/zero fields mean no filter.
type QueryParams struct {
	EventType     string // Glob pattern, e.g. "order.*".
	Module        string // Exact match.
	CorrelationID string // Exact match.
	Since         string // ISO timestamp or Go duration string (e.g. "24h").
	Limit         int    // Maximum entries to return (most recent first).
}

// Query retrieves entries matching the given filters, most recent first.
// Exact filters are pushed into SQL; the event-type glob is applied in
// memory after the fetch.
func (s *Store) Query(ctx context.Context, params QueryParams) ([]audit.Entry, error) {
	var typeGlob glob.Glob
	if params.EventType != "" {
		g, err := glob.Compile(params.EventType)
		if err != nil {
			return nil, fmt.Errorf("invalid event type pattern %q: %w", params.EventType, err)
		}
		typeGlob = g
	}

	query := `SELECT ` + entryColumns + ` FROM entries WHERE 1=1`
	var args []any

	if params.Module != "" {
		query += " AND module = ?"
		args = append(args, params.Module)
	}
	if params.CorrelationID != "" {
		query += " AND correlation_id = ?"
		args = append(args, params.CorrelationID)
	}
	if params.Since != "" {
		cutoff, err := resolveSince(params.Since)
		if err != nil {
			return nil, err
		}
		query += " AND created_at >= ?"
		args = append(args, cutoff)
	}

	query += " ORDER BY created_at DESC, rowid DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying entries: %w", err)
	}
	defer rows.Close()

	entries, err := scanAll(rows)
	if err != nil {
		return nil, err
	}

	if typeGlob != nil {
		filtered := entries[:0]
		for _, e := range entries {
			if typeGlob.Match(e.EventType) {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	if params.Limit > 0 && len(entries) > params.Limit {
		entries = entries[:params.Limit]
	}
	return entries, nil
}

// Stats summarizes the ledger contents.
type Stats struct {
	TotalEntries int       `json:"total_entries"`
	FirstEntry   time.Time `json:"first_entry,omitzero"`
	LastEntry    time.Time `json:"last_entry,omitzero"`
}

// Stats returns entry count and the creation times bounding the ledger.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var count int
	var first, last sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(created_at), MAX(created_at) FROM entries`).
		Scan(&count, &first, &last)
	if err != nil {
		return Stats{}, fmt.Errorf("querying ledger stats: %w", err)
	}

	st := Stats{TotalEntries: count}
	if first.Valid {
		if st.FirstEntry, err = audit.ParseTime(first.String); err != nil {
			return Stats{}, err
		}
	}
	if last.Valid {
		if st.LastEntry, err = audit.ParseTime(last.String); err != nil {
			return Stats{}, err
		}
	}
	return st, nil
}

// resolveSince converts a "since" value (duration like "24h", or a
// timestamp) into a created_at comparison string.
func resolveSince(since string) (string, error) {
	if !strings.Contains(since, "T") {
		d, err := time.ParseDuration(since)
		if err != nil {
			return "", fmt.Errorf("invalid since value %q: %w", since, err)
		}
		return audit.FormatTime(time.Now().UTC().Add(-d)), nil
	}
	t, err := time.Parse(time.RFC3339Nano, since)
	if err != nil {
		return "", fmt.Errorf("invalid since timestamp %q: %w", since, err)
	}
	return audit.FormatTime(t), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc rowScanner) (audit.Entry, error) {
	var e audit.Entry
	var details, createdAt string
	err := sc.Scan(&e.ID, &e.EventType, &e.Module, &e.CorrelationID,
		&details, &e.PreviousHash, &e.CurrentHash, &createdAt)
	if err != nil {
		return audit.Entry{}, err
	}

	if e.Details, err = canonical.FromJSON([]byte(details)); err != nil {
		return audit.Entry{}, fmt.Errorf("parsing stored details for entry %s: %w", e.ID, err)
	}
	if e.CreatedAt, err = audit.ParseTime(createdAt); err != nil {
		return audit.Entry{}, fmt.Errorf("parsing created_at for entry %s: %w", e.ID, err)
	}
	return e, nil
}

func scanOne(row *sql.Row) (*audit.Entry, error) {
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning entry: %w", err)
	}
	return &e, nil
}

func scanAll(rows *sql.Rows) ([]audit.Entry, error) {
	var entries []audit.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entry row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
