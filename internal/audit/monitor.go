package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Monitor periodically verifies a trailing window of the chain so that
// tampering is noticed without waiting for an operator to run an ad-hoc
// verification. Break notifications flow through the Verifier's
// notifier; the monitor itself only schedules runs and logs outcomes.
//
// Interval and window are hot-updatable (the config watcher calls Update
// when config.yaml changes); the new interval takes effect after the
// currently scheduled run.
type Monitor struct {
	verifier *Verifier

	mu       sync.Mutex
	interval time.Duration
	window   time.Duration
}

// NewMonitor creates a monitor that verifies the last `window` of the
// chain every `interval`.
func NewMonitor(verifier *Verifier, interval, window time.Duration) *Monitor {
	return &Monitor{verifier: verifier, interval: interval, window: window}
}

// Update changes the monitor's schedule. Zero or negative values are
// ignored for the field in question.
func (m *Monitor) Update(interval, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if interval > 0 {
		m.interval = interval
	}
	if window > 0 {
		m.window = window
	}
	slog.Info("integrity monitor settings updated",
		"interval", m.interval, "window", m.window)
}

func (m *Monitor) settings() (time.Duration, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval, m.window
}

// Run executes the verification loop until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	for {
		interval, _ := m.settings()
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		m.runOnce(ctx)
	}
}

// runOnce verifies the trailing window ending now.
func (m *Monitor) runOnce(ctx context.Context) {
	_, window := m.settings()
	end := time.Now().UTC()
	start := end.Add(-window)

	res, err := m.verifier.VerifyChain(ctx, start, end)
	if err != nil {
		slog.Error("scheduled verification failed", "error", err)
		return
	}

	if res.Valid {
		slog.Info("scheduled verification passed", "entries_checked", res.EntriesChecked)
	} else {
		slog.Error("scheduled verification found a broken chain",
			"entry_id", res.BrokenAtID,
			"entries_checked", res.EntriesChecked)
	}
}
