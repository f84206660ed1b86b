package bus

import (
	"errors"
	"testing"
	"time"
)

func waitFor(t *testing.T, ch <-chan Notification) Notification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return Notification{}
	}
}

func TestSubscribe_WildcardReceivesAllKinds(t *testing.T) {
	b := New()
	defer b.Close()

	got := make(chan Notification, 2)
	if err := b.Subscribe("audit.*", func(n Notification) { got <- n }); err != nil {
		t.Fatal(err)
	}

	b.WriteFailed(errors.New("disk full"), "order.filled", "execution")
	b.ChainBroken("entry-7", "aaa", "bbb")

	first := waitFor(t, got)
	if first.Kind != KindWriteFailed || first.Error != "disk full" ||
		first.EventType != "order.filled" || first.Module != "execution" {
		t.Errorf("write-failure notification = %+v", first)
	}
	if first.Time.IsZero() {
		t.Error("notification time should be stamped")
	}

	second := waitFor(t, got)
	if second.Kind != KindChainBroken || second.EntryID != "entry-7" ||
		second.ExpectedHash != "aaa" || second.ActualHash != "bbb" {
		t.Errorf("chain-broken notification = %+v", second)
	}
}

func TestSubscribe_PatternFilters(t *testing.T) {
	b := New()
	defer b.Close()

	breaks := make(chan Notification, 2)
	if err := b.Subscribe(KindChainBroken, func(n Notification) { breaks <- n }); err != nil {
		t.Fatal(err)
	}

	b.WriteFailed(errors.New("x"), "e", "m")
	b.ChainBroken("entry-1", "a", "b")

	n := waitFor(t, breaks)
	if n.Kind != KindChainBroken {
		t.Errorf("filtered subscriber got %s", n.Kind)
	}

	select {
	case n := <-breaks:
		t.Errorf("unexpected extra notification %+v", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribe_InvalidPattern(t *testing.T) {
	b := New()
	defer b.Close()

	if err := b.Subscribe("[bad", func(Notification) {}); err == nil {
		t.Error("expected error for invalid glob pattern")
	}
}
