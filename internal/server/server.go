// Package server exposes the LedgerTrail HTTP API.
//
// The API is mounted on a single loopback port:
//
//   - REST API:   POST /api/v1/entries  — Append an entry to the chain
//                 GET  /api/v1/entries  — Query entries with filters
//                 POST /api/v1/verify   — Verify chain integrity over a range
//                 GET  /api/v1/stats    — Ledger summary
//   - WebSocket:  GET  /ws              — Live feed of entries + alerts
//   - Lifecycle:  GET  /health          — Health check (used by `ledgertrail status`)
//                 POST /shutdown        — Graceful shutdown (used by `ledgertrail stop`)
package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ledgertrail/ledgertrail/internal/audit"
	"github.com/ledgertrail/ledgertrail/internal/bus"
	"github.com/ledgertrail/ledgertrail/internal/canonical"
	"github.com/ledgertrail/ledgertrail/internal/store"
)

// Options holds the dependencies injected into the server.
type Options struct {
	Appender *audit.Appender
	Verifier *audit.Verifier
	Store    *store.Store
	Bus      *bus.Bus
	Version  string
}

// Server routes API requests to the audit core. Create with New, mount
// via Handler.
type Server struct {
	appender *audit.Appender
	verifier *audit.Verifier
	store    *store.Store
	version  string

	hub        *wsHub
	shutdownCh chan struct{}
}

// New creates a Server and starts its WebSocket hub. If a bus is given,
// integrity notifications are relayed to the live feed.
func New(opts Options) *Server {
	s := &Server{
		appender:   opts.Appender,
		verifier:   opts.Verifier,
		store:      opts.Store,
		version:    opts.Version,
		hub:        newWSHub(),
		shutdownCh: make(chan struct{}, 1),
	}
	go s.hub.run()

	if opts.Bus != nil {
		// Relay every integrity notification to connected feed clients.
		// Subscription errors only occur for invalid patterns, and
		// "audit.*" is not one.
		_ = opts.Bus.Subscribe("audit.*", func(n bus.Notification) {
			s.broadcast(n.Kind, n)
		})
	}
	return s
}

// ShutdownRequested is signalled when a valid POST /shutdown arrives.
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.shutdownCh
}

// Close stops the WebSocket hub. Safe to call multiple times.
func (s *Server) Close() {
	s.hub.close()
}

// Handler returns the full route table as an http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/entries", s.handleEntries)
	mux.HandleFunc("/api/v1/verify", s.handleVerify)
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	mux.HandleFunc("/ws", s.handleWebSocket)

	// Health check endpoint — used by `ledgertrail status` to detect a
	// running service.
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","version":"%s"}`, s.version)
	})

	// Shutdown endpoint — used by `ledgertrail stop` to trigger graceful
	// shutdown. This is the cross-platform way to stop the service
	// (works on Windows where Unix signals are not available).
	// Only accepts POST from loopback addresses to prevent remote shutdown.
	mux.HandleFunc("/shutdown", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		if !isLoopback(r.RemoteAddr) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"shutting_down"}`)
		select {
		case s.shutdownCh <- struct{}{}:
		default:
			// Already shutting down.
		}
	})

	return mux
}

// appendRequest is the POST /api/v1/entries body. Details is kept raw so
// the canonical decoder controls number handling, not encoding/json's
// default float64 conversion.
type appendRequest struct {
	EventType     string          `json:"event_type"`
	Module        string          `json:"module"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Details       json.RawMessage `json:"details,omitempty"`
}

// handleEntries handles appending and querying.
// POST /api/v1/entries  { "event_type": "...", "module": "...", "details": {...} }
// GET  /api/v1/entries?event_type=order.*&module=execution&since=24h&limit=50
func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req appendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if req.EventType == "" {
			http.Error(w, "event_type field required", http.StatusBadRequest)
			return
		}
		if req.Module == "" {
			http.Error(w, "module field required", http.StatusBadRequest)
			return
		}

		details := canonical.Value(canonical.Null{})
		if len(req.Details) > 0 {
			v, err := canonical.FromJSON(req.Details)
			if err != nil {
				http.Error(w, fmt.Sprintf("invalid details: %v", err), http.StatusBadRequest)
				return
			}
			details = v
		}

		entry, err := s.appender.Append(r.Context(), audit.Record{
			EventType:     req.EventType,
			Module:        req.Module,
			CorrelationID: req.CorrelationID,
			Details:       details,
		})
		if err != nil {
			slog.Error("append via API failed", "event_type", req.EventType, "error", err)
			http.Error(w, "append failed", http.StatusInternalServerError)
			return
		}

		s.broadcast("entry.appended", entry)
		writeJSON(w, http.StatusCreated, entry)

	case http.MethodGet:
		params := store.QueryParams{
			EventType:     r.URL.Query().Get("event_type"),
			Module:        r.URL.Query().Get("module"),
			CorrelationID: r.URL.Query().Get("correlation_id"),
			Since:         r.URL.Query().Get("since"),
			Limit:         50,
		}
		if l := r.URL.Query().Get("limit"); l != "" {
			if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
				params.Limit = parsed
			}
		}

		entries, err := s.store.Query(r.Context(), params)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if entries == nil {
			entries = []audit.Entry{}
		}
		writeJSON(w, http.StatusOK, entries)

	default:
		http.Error(w, "GET or POST only", http.StatusMethodNotAllowed)
	}
}

// verifyRequest bounds a verification run. Missing start means "from the
// beginning"; missing end means "until now".
type verifyRequest struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// handleVerify runs chain verification over a time range.
// POST /api/v1/verify  { "start": "2026-03-01T00:00:00Z", "end": "..." }
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	// An empty body means "verify everything up to now".
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	start := time.Time{}
	if req.Start != "" {
		t, err := time.Parse(time.RFC3339Nano, req.Start)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid start: %v", err), http.StatusBadRequest)
			return
		}
		start = t
	}
	end := time.Now().UTC()
	if req.End != "" {
		t, err := time.Parse(time.RFC3339Nano, req.End)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid end: %v", err), http.StatusBadRequest)
			return
		}
		end = t
	}

	result, err := s.verifier.VerifyChain(r.Context(), start, end)
	if err != nil {
		slog.Error("verification via API failed", "error", err)
		http.Error(w, "verification failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleStats returns the ledger summary.
// GET /api/v1/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	st, err := s.store.Stats(r.Context())
	if err != nil {
		slog.Error("stats query failed", "error", err)
		http.Error(w, "stats query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// broadcast wraps a payload in a feed envelope and sends it to all
// connected WebSocket clients. Non-blocking, best-effort.
func (s *Server) broadcast(kind string, payload any) {
	data, err := json.Marshal(struct {
		Kind    string `json:"kind"`
		Payload any    `json:"payload"`
	}{Kind: kind, Payload: payload})
	if err != nil {
		slog.Error("failed to marshal feed message", "kind", kind, "error", err)
		return
	}
	s.hub.broadcast(data)
}

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

// isLoopback checks if a remote address is a loopback address (127.x.x.x
// or ::1). Used to restrict the /shutdown endpoint to local-only access.
func isLoopback(remoteAddr string) bool {
	// remoteAddr is "ip:port" — strip the port.
	host := remoteAddr
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		host = remoteAddr[:idx]
	}
	// Strip brackets from IPv6 addresses like [::1].
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")

	return host == "127.0.0.1" || host == "::1" || strings.HasPrefix(host, "127.")
}
