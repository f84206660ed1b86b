package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ledgertrail/ledgertrail/internal/audit"
	"github.com/ledgertrail/ledgertrail/internal/bus"
	"github.com/ledgertrail/ledgertrail/internal/store"
)

// entryJSON mirrors audit.Entry for decoding API responses. Details is
// kept raw because audit.Entry holds it behind an interface.
type entryJSON struct {
	ID            string          `json:"id"`
	EventType     string          `json:"event_type"`
	Module        string          `json:"module"`
	CorrelationID string          `json:"correlation_id"`
	Details       json.RawMessage `json:"details"`
	PreviousHash  string          `json:"previous_hash"`
	CurrentHash   string          `json:"current_hash"`
	CreatedAt     time.Time       `json:"created_at"`
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	b := bus.New()
	t.Cleanup(b.Close)

	appender := audit.NewAppender(st, b, 0)
	t.Cleanup(appender.Close)
	if err := appender.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	srv := New(Options{
		Appender: appender,
		Verifier: audit.NewVerifier(st, b),
		Store:    st,
		Bus:      b,
		Version:  "test",
	})
	t.Cleanup(srv.Close)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postEntry(t *testing.T, ts *httptest.Server, body string) entryJSON {
	t.Helper()
	resp, err := http.Post(ts.URL+"/api/v1/entries", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("append status = %d, want 201", resp.StatusCode)
	}
	var e entryJSON
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		t.Fatal(err)
	}
	return e
}

func TestAppendAndQuery(t *testing.T) {
	_, ts := newTestServer(t)

	first := postEntry(t, ts, `{"event_type":"order.filled","module":"execution","details":{"qty":5}}`)
	if first.PreviousHash != audit.GenesisHash {
		t.Errorf("first entry previous_hash = %s, want genesis", first.PreviousHash)
	}
	if len(first.CurrentHash) != 64 {
		t.Errorf("current_hash length = %d, want 64", len(first.CurrentHash))
	}
	var details map[string]json.Number
	if err := json.Unmarshal(first.Details, &details); err != nil {
		t.Fatal(err)
	}
	if details["qty"] != "5" {
		t.Errorf("details = %s", first.Details)
	}

	second := postEntry(t, ts, `{"event_type":"order.cancelled","module":"execution"}`)
	if second.PreviousHash != first.CurrentHash {
		t.Errorf("second entry does not chain from first")
	}

	resp, err := http.Get(ts.URL + "/api/v1/entries?event_type=order.*")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query status = %d", resp.StatusCode)
	}
	var entries []entryJSON
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("query returned %d entries, want 2", len(entries))
	}
	// Most recent first.
	if entries[0].ID != second.ID {
		t.Errorf("query order: first result = %s, want newest", entries[0].EventType)
	}
}

func TestAppend_Validation(t *testing.T) {
	_, ts := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{not json`},
		{"missing event type", `{"module":"execution"}`},
		{"missing module", `{"event_type":"order.filled"}`},
		{"invalid details", `{"event_type":"e","module":"m","details":"{broken"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/api/v1/entries", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestVerifyEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	postEntry(t, ts, `{"event_type":"e1","module":"m"}`)
	postEntry(t, ts, `{"event_type":"e2","module":"m"}`)

	resp, err := http.Post(ts.URL+"/api/v1/verify", "application/json", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status = %d", resp.StatusCode)
	}

	var result audit.VerifyResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if !result.Valid || result.EntriesChecked != 2 {
		t.Errorf("verify result = %+v, want valid with 2 checked", result)
	}
}

func TestStatsEndpoint(t *testing.T) {
	_, ts := newTestServer(t)
	postEntry(t, ts, `{"event_type":"e1","module":"m"}`)

	resp, err := http.Get(ts.URL + "/api/v1/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var st store.Stats
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.TotalEntries != 1 {
		t.Errorf("stats total = %d, want 1", st.TotalEntries)
	}
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}

	var health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "ok" || health.Version != "test" {
		t.Errorf("health = %+v", health)
	}
}

func TestShutdownEndpoint(t *testing.T) {
	srv, ts := newTestServer(t)

	// GET is rejected.
	resp, err := http.Get(ts.URL + "/shutdown")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /shutdown status = %d, want 405", resp.StatusCode)
	}

	// POST from loopback triggers the shutdown signal.
	resp, err = http.Post(ts.URL+"/shutdown", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("POST /shutdown status = %d, want 200", resp.StatusCode)
	}

	select {
	case <-srv.ShutdownRequested():
	case <-time.After(2 * time.Second):
		t.Error("shutdown signal not delivered")
	}
}

func TestLiveFeed(t *testing.T) {
	_, ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// The hub registers clients asynchronously; give it a moment before
	// appending, or the broadcast can race past an unregistered client.
	time.Sleep(50 * time.Millisecond)

	appended := postEntry(t, ts, `{"event_type":"order.filled","module":"execution"}`)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}

	var feed struct {
		Kind    string    `json:"kind"`
		Payload entryJSON `json:"payload"`
	}
	if err := json.Unmarshal(msg, &feed); err != nil {
		t.Fatal(err)
	}
	if feed.Kind != "entry.appended" {
		t.Errorf("feed kind = %s", feed.Kind)
	}
	if feed.Payload.ID != appended.ID {
		t.Errorf("feed payload = %+v, want entry %s", feed.Payload, appended.ID)
	}
}

func TestIsLoopback(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:54321", true},
		{"[::1]:54321", true},
		{"192.168.1.10:80", false},
		{"10.0.0.5:443", false},
	}
	for _, tt := range tests {
		if got := isLoopback(tt.addr); got != tt.want {
			t.Errorf("isLoopback(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}
