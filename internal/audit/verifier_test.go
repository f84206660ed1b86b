package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// seedChain appends n entries through a real Appender and returns the
// repo and the persisted entries in order.
func seedChain(t *testing.T, n int) (*memRepo, []Entry) {
	t.Helper()
	repo := &memRepo{}
	a := NewAppender(repo, &memNotifier{}, 0)
	defer a.Close()

	entries := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		e, err := a.Append(context.Background(), orderFilled(fmt.Sprintf("A%d", i)))
		if err != nil {
			t.Fatal(err)
		}
		entries = append(entries, *e)
	}
	return repo, entries
}

func fullRange(entries []Entry) (time.Time, time.Time) {
	return entries[0].CreatedAt.Add(-time.Second),
		entries[len(entries)-1].CreatedAt.Add(time.Second)
}

func TestVerifyChain_EmptyRangeIsVacuouslyValid(t *testing.T) {
	v := NewVerifier(&memRepo{}, nil)
	res, err := v.VerifyChain(context.Background(), time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.EntriesChecked != 0 {
		t.Errorf("VerifyChain = %+v, want valid with 0 entries", res)
	}
}

func TestVerifyChain_ValidChain(t *testing.T) {
	repo, entries := seedChain(t, 5)
	start, end := fullRange(entries)

	res, err := NewVerifier(repo, nil).VerifyChain(context.Background(), start, end)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.EntriesChecked != 5 {
		t.Errorf("VerifyChain = %+v, want valid with 5 entries", res)
	}
}

func TestVerifyChain_PartialRangeUsesPrecedingEntry(t *testing.T) {
	repo, entries := seedChain(t, 5)

	// Verify only entries 3-5: the expected incoming hash must come from
	// entry 2, not genesis.
	start := entries[2].CreatedAt
	end := entries[4].CreatedAt.Add(time.Second)

	res, err := NewVerifier(repo, nil).VerifyChain(context.Background(), start, end)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.EntriesChecked != 3 {
		t.Errorf("VerifyChain = %+v, want valid with 3 entries", res)
	}
}

func TestVerifyChain_ContentTamper(t *testing.T) {
	repo, entries := seedChain(t, 4)
	notifier := &memNotifier{}

	// Mutate the stored current hash of the third entry out-of-band.
	repo.mutate(2, func(e *Entry) { e.CurrentHash = strings.Repeat("f", 64) })

	start, end := fullRange(entries)
	res, err := NewVerifier(repo, notifier).VerifyChain(context.Background(), start, end)
	if err != nil {
		t.Fatal(err)
	}

	if res.Valid {
		t.Fatal("tampered chain reported valid")
	}
	if res.EntriesChecked != 3 {
		t.Errorf("entries checked = %d, want 3 (1-based position of tampered entry)", res.EntriesChecked)
	}
	if res.BrokenAtID != entries[2].ID {
		t.Errorf("broken at %s, want %s", res.BrokenAtID, entries[2].ID)
	}
	// A content tamper reports recomputed-vs-stored.
	if res.ActualHash != strings.Repeat("f", 64) {
		t.Errorf("actual hash = %s, want the mutated stored hash", res.ActualHash)
	}
	if res.ExpectedHash != entries[2].CurrentHash {
		t.Errorf("expected hash = %s, want the original recomputable hash", res.ExpectedHash)
	}

	notifier.mu.Lock()
	if len(notifier.chainBroken) != 1 || notifier.chainBroken[0] != entries[2].ID {
		t.Errorf("chain-broken notifications = %v", notifier.chainBroken)
	}
	notifier.mu.Unlock()
}

func TestVerifyChain_StructuralBreak(t *testing.T) {
	repo, entries := seedChain(t, 4)
	notifier := &memNotifier{}

	// Rewriting an entry's previous hash simulates a gap or reorder.
	forged := strings.Repeat("a", 64)
	repo.mutate(1, func(e *Entry) { e.PreviousHash = forged })

	start, end := fullRange(entries)
	res, err := NewVerifier(repo, notifier).VerifyChain(context.Background(), start, end)
	if err != nil {
		t.Fatal(err)
	}

	if res.Valid {
		t.Fatal("broken chain reported valid")
	}
	if res.EntriesChecked != 2 {
		t.Errorf("entries checked = %d, want 2", res.EntriesChecked)
	}
	// A structural break reports expected-link-vs-stored-link.
	if res.ExpectedHash != entries[0].CurrentHash {
		t.Errorf("expected hash = %s, want prior entry's current hash", res.ExpectedHash)
	}
	if res.ActualHash != forged {
		t.Errorf("actual hash = %s, want the forged previous hash", res.ActualHash)
	}
}

func TestVerifyChain_TamperedPayload(t *testing.T) {
	repo, entries := seedChain(t, 3)

	// Changing a business field after the fact must surface as a content
	// tamper on that entry.
	repo.mutate(1, func(e *Entry) { e.EventType = "order.cancelled" })

	start, end := fullRange(entries)
	res, err := NewVerifier(repo, nil).VerifyChain(context.Background(), start, end)
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid || res.EntriesChecked != 2 || res.BrokenAtID != entries[1].ID {
		t.Errorf("VerifyChain = %+v, want invalid at entry 2", res)
	}
}

func TestVerifyChain_StorageErrorPropagates(t *testing.T) {
	repo := &memRepo{failAll: errOutage}
	_, err := NewVerifier(repo, nil).VerifyChain(context.Background(),
		time.Now().Add(-time.Hour), time.Now())
	if !errors.Is(err, errOutage) {
		t.Errorf("expected storage error to propagate, got %v", err)
	}
}
