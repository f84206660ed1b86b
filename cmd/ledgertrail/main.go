// Package main is the CLI entry point for LedgerTrail — a tamper-evident
// audit trail service for financial automation engines.
//
// LedgerTrail records business events (orders, fills, risk overrides,
// config changes) in an append-only SQLite ledger where every entry is
// hash-chained to its predecessor. Any after-the-fact modification of a
// stored entry breaks the chain and is detected by verification.
//
// Architecture overview:
//
//	Trading engine --> LedgerTrail API (:3600) --> SQLite ledger (hash-chained)
//	                    |                           |
//	                    +-- serialize appends -------+
//	                    |-- compute link hash (SHA-256)
//	                    |-- broadcast to live feed (WebSocket)
//	                    |-- background integrity monitor
//	                    +-- notify on write failure / chain break
//
// CLI commands (cobra):
//
//	ledgertrail          - First-run setup (creates data dir + config)
//	ledgertrail start    - Start the service (foreground)
//	ledgertrail stop     - Stop the service
//	ledgertrail status   - Show service status + ledger summary
//	ledgertrail append   - Append an entry to the ledger
//	ledgertrail verify   - Verify hash chain integrity
//	ledgertrail tail     - Show recent entries (use -f to follow live)
//	ledgertrail query    - Query entries with filters
//	ledgertrail export   - Export the ledger (jsonl, json, csv)
//	ledgertrail config   - View/edit service configuration
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/ledgertrail/ledgertrail/internal/audit"
	"github.com/ledgertrail/ledgertrail/internal/bus"
	"github.com/ledgertrail/ledgertrail/internal/canonical"
	"github.com/ledgertrail/ledgertrail/internal/config"
	"github.com/ledgertrail/ledgertrail/internal/server"
	"github.com/ledgertrail/ledgertrail/internal/store"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-08-24"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// defaultDataDir returns the path to ~/.ledgertrail/ where all runtime
// state lives: config.yaml, the SQLite ledger, and the PID file.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fall back to current directory if home dir can't be determined.
		return ".ledgertrail"
	}
	return filepath.Join(home, ".ledgertrail")
}

// main is the entry point. It builds the cobra command tree and executes it.
// All commands share a common data directory (--data-dir flag on root).
func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// dataDir is the global flag for the LedgerTrail data/state directory.
// Defaults to ~/.ledgertrail/ but can be overridden for testing or
// custom setups.
var dataDir string

// rootCmd is the top-level cobra command. When run with no subcommand,
// it runs the first-time setup.
var rootCmd = &cobra.Command{
	Use:   "ledgertrail",
	Short: "LedgerTrail — Tamper-evident audit trail for trading systems",
	Long: `LedgerTrail is an append-only, hash-chained audit trail service.
Every recorded entry carries the SHA-256 hash of its predecessor, so any
modification of stored history is detectable by verification.

Run 'ledgertrail start' to start the service, or run 'ledgertrail' with
no arguments for first-run setup.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFirstTimeSetup(cmd, args)
	},
}

func init() {
	// --data-dir: Override the default ~/.ledgertrail/ directory.
	// This flag is persistent so all subcommands inherit it.
	rootCmd.PersistentFlags().StringVar(
		&dataDir,
		"data-dir",
		defaultDataDir(),
		"Path to LedgerTrail data and state directory",
	)

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(configCmd)
}

// configPath returns the path to config.yaml inside the data directory.
func configPath() string {
	return filepath.Join(dataDir, "config.yaml")
}

// ledgerPath resolves the configured storage path against the data
// directory. Absolute paths are used as-is.
func ledgerPath(cfg *config.Config) string {
	if filepath.IsAbs(cfg.Storage.Path) {
		return cfg.Storage.Path
	}
	return filepath.Join(dataDir, cfg.Storage.Path)
}

// serviceAddr returns the HTTP base URL of the (possibly running) service.
func serviceAddr(cfg *config.Config) string {
	return fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
}

// ============================================================================
// ledgertrail start — Start the service
// ============================================================================

// startCmd starts the LedgerTrail service in the foreground. The service
// listens on the host:port from config.yaml (default 127.0.0.1:3600) and
// serves the REST API, the WebSocket live feed, and lifecycle endpoints
// on the same port.
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the LedgerTrail service",
	Long: `Start the LedgerTrail service. The service accepts append and query
requests over HTTP, broadcasts appended entries on a WebSocket live
feed, and runs a background integrity monitor that periodically
re-verifies a trailing window of the chain.

The service binds to the address configured in ~/.ledgertrail/config.yaml
(default: 127.0.0.1:3600).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart(cmd, args)
	},
}

// runStart initializes all subsystems and starts the HTTP server.
// This is where the entire LedgerTrail stack gets wired together:
//
//  1. Load config from ~/.ledgertrail/config.yaml
//  2. Open the SQLite ledger store
//  3. Start the notification bus (write failures, chain breaks)
//  4. Start the appender and resolve the chain tip
//  5. Record a lifecycle entry in the chain
//  6. Start the background integrity monitor (if enabled)
//  7. Mount the HTTP API + WebSocket feed
//  8. Write PID file, start the config watcher for hot-reload
//  9. Block until SIGINT/SIGTERM or HTTP shutdown
func runStart(cmd *cobra.Command, args []string) error {
	// Ensure the data directory exists (~/.ledgertrail/).
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}

	// --- Step 1: Load configuration ---
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// --- Step 2: Open the ledger store ---
	// SQLite in WAL mode so CLI queries can read while the service writes.
	st, err := store.Open(ledgerPath(cfg))
	if err != nil {
		return fmt.Errorf("failed to open ledger store: %w", err)
	}
	defer st.Close()

	// --- Step 3: Start the notification bus ---
	// Write-failure and chain-broken notifications fan out through the
	// bus to the WebSocket live feed (wired inside the server).
	notifBus := bus.New()
	defer notifBus.Close()

	// --- Step 4: Start the appender ---
	// The appender serializes all appends through a single writer
	// goroutine so concurrent callers can never fork the chain.
	appender := audit.NewAppender(st, notifBus, cfg.Storage.QueueSize)
	defer appender.Close()

	initCtx, cancelInit := context.WithTimeout(context.Background(), 10*time.Second)
	if err := appender.Initialize(initCtx); err != nil {
		// Not fatal — the tip is lazily resolved on first append.
		fmt.Fprintf(os.Stderr, "[ledgertrail] Warning: failed to resolve chain tip: %v\n", err)
	}
	cancelInit()

	verifier := audit.NewVerifier(st, notifBus)

	// --- Step 5: Record service startup in the chain ---
	startDetails, err := canonical.FromAny(map[string]any{
		"version": version,
		"commit":  commit,
		"host":    cfg.Server.Host,
		"port":    cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("failed to encode startup details: %w", err)
	}
	if _, err := appender.Append(context.Background(), audit.Record{
		EventType: "service.started",
		Module:    "lifecycle",
		Details:   startDetails,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "[ledgertrail] Warning: failed to record startup: %v\n", err)
	}

	// --- Step 6: Start the background integrity monitor ---
	var monitor *audit.Monitor
	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()
	if cfg.Monitor.Enabled {
		monitor = audit.NewMonitor(verifier, cfg.Monitor.Interval(), cfg.Monitor.Window())
		go monitor.Run(monitorCtx)
		fmt.Printf("[ledgertrail] Integrity monitor: every %s over a %s window\n",
			cfg.Monitor.Interval(), cfg.Monitor.Window())
	}

	// --- Step 7: Mount the HTTP API ---
	srv := server.New(server.Options{
		Appender: appender,
		Verifier: verifier,
		Store:    st,
		Bus:      notifBus,
		Version:  version,
	})
	defer srv.Close()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// --- Step 8: PID file + config watcher ---
	// The PID file allows `ledgertrail stop` to find the running process.
	pidFile := filepath.Join(dataDir, "ledgertrail.pid")
	if err := writePIDFile(pidFile); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer removePIDFile(pidFile)

	// The watcher monitors config.yaml for changes and pushes the new
	// monitor schedule into the running monitor without a restart.
	watcher, err := config.NewWatcher(dataDir, config.WatchTargets{
		OnConfigChange: func() {
			newCfg, loadErr := config.Load(configPath())
			if loadErr != nil {
				fmt.Fprintf(os.Stderr, "[ledgertrail] Warning: failed to reload config: %v\n", loadErr)
				return
			}
			if monitor != nil {
				monitor.Update(newCfg.Monitor.Interval(), newCfg.Monitor.Window())
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer watcher.Close()

	// --- Step 9: Graceful shutdown on SIGINT/SIGTERM or HTTP /shutdown ---
	// Three ways the service can shut down:
	//   1. SIGINT (Ctrl+C) — user stops foreground process
	//   2. SIGTERM — sent by `ledgertrail stop` on Unix via PID file
	//   3. POST /shutdown — sent by `ledgertrail stop` cross-platform via HTTP
	// All three trigger the same path: stop accepting requests, drain
	// queued appends, record the stop entry, close the store.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("[ledgertrail] Service listening on http://%s\n", addr)
		fmt.Printf("[ledgertrail] Live feed at ws://%s/ws\n", addr)
		fmt.Println("[ledgertrail] Press Ctrl+C to stop")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\n[ledgertrail] Shutting down (signal received)...")
	case <-srv.ShutdownRequested():
		fmt.Println("[ledgertrail] Shutting down (stop command received)...")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Give in-flight requests 10 seconds to drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		fmt.Fprintf(os.Stderr, "[ledgertrail] Shutdown error: %v\n", shutdownErr)
	}

	// Record service shutdown in the chain. The deferred appender.Close
	// drains anything still queued before the store closes.
	if _, err := appender.Append(context.Background(), audit.Record{
		EventType: "service.stopped",
		Module:    "lifecycle",
		Details:   canonical.Null{},
	}); err != nil {
		fmt.Fprintf(os.Stderr, "[ledgertrail] Warning: failed to record shutdown: %v\n", err)
	}

	fmt.Println("[ledgertrail] Stopped")
	return nil
}

// writePIDFile writes the current process ID to the given file path.
// Used by `ledgertrail stop` to find the running service process.
func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// removePIDFile removes the PID file if it exists. Called on shutdown.
func removePIDFile(path string) {
	os.Remove(path)
}

// ============================================================================
// ledgertrail stop — Stop the service
// ============================================================================

// stopCmd sends a stop signal to a running LedgerTrail service.
//
// Uses two strategies (in order):
//  1. HTTP POST to /shutdown — works cross-platform (Windows + Unix)
//  2. PID file + SIGTERM — Unix fallback if HTTP fails
//
// On Windows, only the HTTP strategy works because Windows doesn't have
// Unix signals. The /shutdown endpoint is restricted to localhost.
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running LedgerTrail service",
	Long: `Stop a running LedgerTrail service. Tries HTTP shutdown first
(cross-platform), then falls back to PID file + SIGTERM on Unix systems.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd, args)
	},
}

// runStop attempts to stop the running service via HTTP, then falls back
// to PID-based signal delivery on Unix.
func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	addr := serviceAddr(cfg)
	pidFile := filepath.Join(dataDir, "ledgertrail.pid")

	// --- Strategy 1: HTTP shutdown (cross-platform) ---
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(addr+"/shutdown", "application/json", nil)
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			fmt.Println("[ledgertrail] Stop signal sent to service")
			os.Remove(pidFile)
			return nil
		}
	}

	// --- Strategy 2: PID file + SIGTERM (Unix only) ---
	if runtime.GOOS == "windows" {
		return fmt.Errorf("service is not responding at %s — cannot stop", addr)
	}

	pidBytes, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("service is not running (no PID file and HTTP unreachable)")
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
	if err != nil {
		return fmt.Errorf("invalid PID in %s: %w", pidFile, err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		// Process might already be dead — clean up PID file.
		os.Remove(pidFile)
		return fmt.Errorf("failed to stop service (PID %d): %w", pid, err)
	}

	os.Remove(pidFile)
	fmt.Printf("[ledgertrail] Sent stop signal to service (PID %d)\n", pid)
	return nil
}

// ============================================================================
// ledgertrail status — Show service status
// ============================================================================

// statusCmd displays whether the service is running and a ledger summary.
// Queries the running service via HTTP (/health and /api/v1/stats) for
// live data rather than opening the database directly.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show service status and ledger summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd, args)
	},
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	addr := serviceAddr(cfg)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(addr + "/health")
	if err != nil {
		fmt.Println("[ledgertrail] Status: NOT RUNNING")
		fmt.Printf("[ledgertrail] Expected at: %s\n", addr)
		return nil
	}
	resp.Body.Close()

	fmt.Println("[ledgertrail] Status: RUNNING")
	fmt.Printf("[ledgertrail] Listening on: %s\n", addr)

	statsResp, err := client.Get(addr + "/api/v1/stats")
	if err != nil {
		fmt.Println("[ledgertrail] Could not query ledger stats")
		return nil
	}
	defer statsResp.Body.Close()

	var st store.Stats
	if err := json.NewDecoder(statsResp.Body).Decode(&st); err != nil {
		fmt.Println("[ledgertrail] Could not parse ledger stats")
		return nil
	}

	fmt.Printf("[ledgertrail] Entries: %d\n", st.TotalEntries)
	if st.TotalEntries > 0 {
		fmt.Printf("[ledgertrail] First entry: %s\n", st.FirstEntry.Format(time.RFC3339))
		fmt.Printf("[ledgertrail] Last entry:  %s\n", st.LastEntry.Format(time.RFC3339))
	}
	return nil
}

// ============================================================================
// ledgertrail append — Append an entry to the ledger
// ============================================================================

// Append flags.
var (
	appendEventType   string
	appendModule      string
	appendCorrelation string
	appendDetails     string
)

// appendCmd appends one entry to the chain. If the service is running,
// the append goes through its API so the service's serialized writer
// owns the chain tip. Only when no service is reachable does the CLI
// open the ledger directly — two writers advancing the tip concurrently
// could fork the chain.
var appendCmd = &cobra.Command{
	Use:   "append",
	Short: "Append an entry to the ledger",
	Long: `Append a single entry to the hash chain.

If the service is running, the entry is submitted via its API. Otherwise
the ledger is opened directly.

Example:
  ledgertrail append --type order.filled --module execution \
    --correlation ord-123 --details '{"qty":5,"px":101.50}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAppend(cmd, args)
	},
}

func init() {
	appendCmd.Flags().StringVar(&appendEventType, "type", "", "Event type (required)")
	appendCmd.Flags().StringVar(&appendModule, "module", "", "Originating module (required)")
	appendCmd.Flags().StringVar(&appendCorrelation, "correlation", "", "Correlation ID")
	appendCmd.Flags().StringVar(&appendDetails, "details", "", "Details as a JSON document")
	appendCmd.MarkFlagRequired("type")
	appendCmd.MarkFlagRequired("module")
}

func runAppend(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	details := canonical.Value(canonical.Null{})
	if appendDetails != "" {
		details, err = canonical.FromJSON([]byte(appendDetails))
		if err != nil {
			return fmt.Errorf("invalid details JSON: %w", err)
		}
	}

	// --- Strategy 1: submit through the running service ---
	body, err := json.Marshal(map[string]any{
		"event_type":     appendEventType,
		"module":         appendModule,
		"correlation_id": appendCorrelation,
		"details":        json.RawMessage(orNullJSON(appendDetails)),
	})
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(serviceAddr(cfg)+"/api/v1/entries", "application/json", strings.NewReader(string(body)))
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			return fmt.Errorf("service rejected append: %s", resp.Status)
		}
		var e struct {
			ID          string `json:"id"`
			CurrentHash string `json:"current_hash"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
			return fmt.Errorf("failed to parse service response: %w", err)
		}
		fmt.Printf("[ledgertrail] Appended entry %s (hash %s)\n", e.ID, e.CurrentHash[:12])
		return nil
	}

	// --- Strategy 2: no service running — open the ledger directly ---
	st, err := store.Open(ledgerPath(cfg))
	if err != nil {
		return fmt.Errorf("failed to open ledger store: %w", err)
	}
	defer st.Close()

	appender := audit.NewAppender(st, nil, 1)
	defer appender.Close()

	entry, err := appender.Append(context.Background(), audit.Record{
		EventType:     appendEventType,
		Module:        appendModule,
		CorrelationID: appendCorrelation,
		Details:       details,
	})
	if err != nil {
		return fmt.Errorf("append failed: %w", err)
	}

	fmt.Printf("[ledgertrail] Appended entry %s (hash %s)\n", entry.ID, entry.CurrentHash[:12])
	return nil
}

// orNullJSON returns the given JSON document, or "null" if empty.
func orNullJSON(s string) string {
	if s == "" {
		return "null"
	}
	return s
}

// ============================================================================
// ledgertrail verify — Verify hash chain integrity
// ============================================================================

// Verify flags.
var (
	verifyStart string
	verifyEnd   string
)

// verifyCmd re-derives the expected chain over a time range and reports
// the first break, if any. Exits non-zero on a broken chain so scripts
// and monitoring can alert on it.
var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity",
	Long: `Verify the integrity of the ledger hash chain over a time range.
Each entry's hash is computed as SHA-256(prev_hash | event_type |
timestamp | details). If any stored entry has been modified, the chain
breaks and this command reports where.

Bounds accept an RFC 3339 timestamp or a duration before now (e.g. 24h).

Examples:
  ledgertrail verify
  ledgertrail verify --start 24h
  ledgertrail verify --start 2026-03-01T00:00:00Z --end 2026-03-02T00:00:00Z`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVerify(cmd, args)
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyStart, "start", "", "Range start (RFC 3339 or duration before now); default: beginning")
	verifyCmd.Flags().StringVar(&verifyEnd, "end", "", "Range end (RFC 3339 or duration before now); default: now")
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	start := time.Time{}
	if verifyStart != "" {
		if start, err = parseTimeArg(verifyStart); err != nil {
			return fmt.Errorf("invalid --start: %w", err)
		}
	}
	end := time.Now().UTC()
	if verifyEnd != "" {
		if end, err = parseTimeArg(verifyEnd); err != nil {
			return fmt.Errorf("invalid --end: %w", err)
		}
	}

	st, err := store.Open(ledgerPath(cfg))
	if err != nil {
		return fmt.Errorf("failed to open ledger store: %w", err)
	}
	defer st.Close()

	// Ad-hoc runs don't notify — the result goes straight to the operator.
	verifier := audit.NewVerifier(st, nil)
	result, err := verifier.VerifyChain(context.Background(), start, end)
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}

	if result.Valid {
		fmt.Printf("[ledgertrail] Hash chain VALID (%d entries verified)\n", result.EntriesChecked)
		return nil
	}

	fmt.Printf("[ledgertrail] Hash chain BROKEN at entry %s (%s)\n",
		result.BrokenAtID, audit.FormatTime(result.BrokenAt))
	fmt.Printf("  Expected hash: %s\n", result.ExpectedHash)
	fmt.Printf("  Actual hash:   %s\n", result.ActualHash)
	return fmt.Errorf("ledger integrity violation detected")
}

// parseTimeArg accepts an RFC 3339 timestamp or a duration before now.
func parseTimeArg(s string) (time.Time, error) {
	if strings.Contains(s, "T") {
		return time.Parse(time.RFC3339Nano, s)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, err
	}
	return time.Now().UTC().Add(-d), nil
}

// ============================================================================
// ledgertrail tail — Show recent entries
// ============================================================================

// Tail flags.
var (
	tailFollowMode bool
	tailLimit      int
)

// tailCmd shows recent ledger entries, optionally following new ones in
// real time via the service's WebSocket feed.
var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent ledger entries",
	Long:  `Show the most recent ledger entries. Use -f to follow in real-time (like tail -f); following requires a running service.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTail(cmd, args)
	},
}

func init() {
	tailCmd.Flags().BoolVarP(&tailFollowMode, "follow", "f", false, "Follow new entries in real-time")
	tailCmd.Flags().IntVarP(&tailLimit, "limit", "n", 20, "Number of recent entries to show")
}

func runTail(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	st, err := store.Open(ledgerPath(cfg))
	if err != nil {
		return fmt.Errorf("failed to open ledger store: %w", err)
	}

	entries, err := st.Query(context.Background(), store.QueryParams{Limit: tailLimit})
	st.Close()
	if err != nil {
		return fmt.Errorf("failed to read ledger: %w", err)
	}

	// Query returns newest first; tail prints oldest first.
	for i := len(entries) - 1; i >= 0; i-- {
		printEntry(entries[i])
	}

	if !tailFollowMode {
		return nil
	}

	// -f: attach to the running service's live feed.
	wsURL := fmt.Sprintf("ws://%s:%d/ws", cfg.Server.Host, cfg.Server.Port)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("cannot follow — is the service running? (%w)", err)
	}
	defer conn.Close()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return nil
		}
		// Entry details arrive as canonical JSON; keep them raw here
		// since audit.Entry holds details behind an interface.
		var raw struct {
			Kind    string `json:"kind"`
			Payload struct {
				ID           string          `json:"id"`
				EventType    string          `json:"event_type"`
				Module       string          `json:"module"`
				Details      json.RawMessage `json:"details"`
				PreviousHash string          `json:"previous_hash"`
				CurrentHash  string          `json:"current_hash"`
				CreatedAt    time.Time       `json:"created_at"`
			} `json:"payload"`
		}
		if err := json.Unmarshal(msg, &raw); err != nil {
			continue
		}
		switch raw.Kind {
		case "entry.appended":
			entry := audit.Entry{
				ID:           raw.Payload.ID,
				EventType:    raw.Payload.EventType,
				Module:       raw.Payload.Module,
				PreviousHash: raw.Payload.PreviousHash,
				CurrentHash:  raw.Payload.CurrentHash,
				CreatedAt:    raw.Payload.CreatedAt,
				Details:      canonical.Null{},
			}
			if v, err := canonical.FromJSON(raw.Payload.Details); err == nil {
				entry.Details = v
			}
			printEntry(entry)
		case bus.KindWriteFailed, bus.KindChainBroken:
			fmt.Printf("[%s] ALERT %s: %s\n",
				time.Now().UTC().Format(time.RFC3339), raw.Kind, string(msg))
		}
	}
}

// printEntry formats and prints a single ledger entry to stdout.
func printEntry(e audit.Entry) {
	details, err := canonical.Encode(e.Details)
	if err != nil {
		details = "<unencodable>"
	}
	fmt.Printf("[%s] %-24s module=%-12s hash=%s details=%s\n",
		audit.FormatTime(e.CreatedAt), e.EventType, e.Module,
		e.CurrentHash[:12], details)
}

// ============================================================================
// ledgertrail query — Query entries with filters
// ============================================================================

// Query filter flags.
var (
	queryEventType   string
	queryModule      string
	queryCorrelation string
	querySince       string
	queryLimit       int
)

// queryCmd queries the ledger with filters (event type glob, module,
// correlation ID, time range).
var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query ledger entries with filters",
	Long: `Query the ledger with filters. Supports filtering by event type
(glob pattern), module, correlation ID, and time range.

Examples:
  ledgertrail query --type 'order.*' --module execution --since 1h
  ledgertrail query --correlation ord-123 --limit 100`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery(cmd, args)
	},
}

func init() {
	queryCmd.Flags().StringVar(&queryEventType, "type", "", "Filter by event type (glob pattern, e.g. 'order.*')")
	queryCmd.Flags().StringVar(&queryModule, "module", "", "Filter by module")
	queryCmd.Flags().StringVar(&queryCorrelation, "correlation", "", "Filter by correlation ID")
	queryCmd.Flags().StringVar(&querySince, "since", "", "Show entries since duration (e.g. 1h, 30m) or timestamp")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 50, "Maximum number of entries to return")
}

func runQuery(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	st, err := store.Open(ledgerPath(cfg))
	if err != nil {
		return fmt.Errorf("failed to open ledger store: %w", err)
	}
	defer st.Close()

	entries, err := st.Query(context.Background(), store.QueryParams{
		EventType:     queryEventType,
		Module:        queryModule,
		CorrelationID: queryCorrelation,
		Since:         querySince,
		Limit:         queryLimit,
	})
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("No matching entries found.")
		return nil
	}

	for _, e := range entries {
		printEntry(e)
	}
	fmt.Printf("\n%d entries found.\n", len(entries))
	return nil
}

// ============================================================================
// ledgertrail export — Export the ledger
// ============================================================================

// exportFormat controls the export output format (csv, json, jsonl).
var exportFormat string

// exportCmd writes the full ledger to stdout in the specified format,
// oldest entry first so the chain order is preserved in the output.
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the ledger",
	Long: `Export the full ledger to stdout in the specified format.
Supported formats: csv, json, jsonl.

Example:
  ledgertrail export --format csv > ledger_export.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExport(cmd, args)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "jsonl", "Export format: csv, json, jsonl")
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	st, err := store.Open(ledgerPath(cfg))
	if err != nil {
		return fmt.Errorf("failed to open ledger store: %w", err)
	}
	defer st.Close()

	// The full range, chain order.
	entries, err := st.FindByDateRange(context.Background(), time.Time{}, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to read ledger: %w", err)
	}

	switch exportFormat {
	case "jsonl":
		enc := json.NewEncoder(os.Stdout)
		for i := range entries {
			if err := enc.Encode(&entries[i]); err != nil {
				return err
			}
		}
		return nil

	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)

	case "csv":
		w := csv.NewWriter(os.Stdout)
		header := []string{"id", "event_type", "module", "correlation_id",
			"details", "previous_hash", "current_hash", "created_at"}
		if err := w.Write(header); err != nil {
			return err
		}
		for i := range entries {
			e := &entries[i]
			details, err := canonical.Encode(e.Details)
			if err != nil {
				return fmt.Errorf("encoding details for entry %s: %w", e.ID, err)
			}
			row := []string{e.ID, e.EventType, e.Module, e.CorrelationID,
				details, e.PreviousHash, e.CurrentHash, audit.FormatTime(e.CreatedAt)}
			if err := w.Write(row); err != nil {
				return err
			}
		}
		w.Flush()
		return w.Error()

	default:
		return fmt.Errorf("unknown export format %q (use csv, json, or jsonl)", exportFormat)
	}
}

// ============================================================================
// ledgertrail config — Configuration management
// ============================================================================

// configCmd is the parent command for configuration operations.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and edit service configuration",
	Long: `Manage the LedgerTrail configuration. The config file lives at
~/.ledgertrail/config.yaml and defines the server bind address, the
ledger storage path, and the integrity monitor schedule.`,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	configCmd.AddCommand(configInitCmd)
}

// configShowCmd prints the current configuration to stdout.
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(configPath())
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("No config file found at %s\n", configPath())
				fmt.Println("Run 'ledgertrail config init' to create one with defaults.")
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}

// configEditCmd opens the config file in the user's preferred editor.
// Uses $EDITOR or $VISUAL env vars, falling back to platform defaults.
var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config in editor",
	Long:  `Open the LedgerTrail config file in your default editor ($EDITOR or $VISUAL).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = os.Getenv("VISUAL")
		}
		if editor == "" {
			if runtime.GOOS == "windows" {
				editor = "notepad"
			} else {
				editor = "vi"
			}
		}

		// Ensure the config file exists (create default if not).
		if _, err := os.Stat(configPath()); os.IsNotExist(err) {
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return fmt.Errorf("failed to create data directory: %w", err)
			}
			if err := config.WriteDefault(configPath()); err != nil {
				return fmt.Errorf("failed to create default config: %w", err)
			}
		}

		// Launch the editor using exec.Command for cross-platform PATH
		// resolution.
		fmt.Printf("[ledgertrail] Opening %s in %s...\n", configPath(), editor)
		editorCmd := exec.Command(editor, configPath())
		editorCmd.Stdin = os.Stdin
		editorCmd.Stdout = os.Stdout
		editorCmd.Stderr = os.Stderr
		return editorCmd.Run()
	},
}

// configInitCmd writes a default config.yaml.
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath()); err == nil {
			return fmt.Errorf("config already exists at %s", configPath())
		}
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		if err := config.WriteDefault(configPath()); err != nil {
			return fmt.Errorf("failed to write default config: %w", err)
		}
		fmt.Printf("[ledgertrail] Wrote default config to %s\n", configPath())
		return nil
	},
}

// ============================================================================
// First-run setup
// ============================================================================

// runFirstTimeSetup runs when 'ledgertrail' is invoked with no subcommand.
// It creates the data directory and a default config, then points the
// user at the next steps.
func runFirstTimeSetup(cmd *cobra.Command, args []string) error {
	fmt.Println("=== LedgerTrail — First-Time Setup ===")
	fmt.Println()

	if _, err := os.Stat(configPath()); err == nil {
		fmt.Printf("Config already exists at %s\n", configPath())
		fmt.Println("Use 'ledgertrail start' to start the service.")
		fmt.Println("Use 'ledgertrail config edit' to modify the configuration.")
		return nil
	}

	fmt.Printf("Creating data directory: %s\n", dataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	fmt.Println("Writing default config.yaml...")
	if err := config.WriteDefault(configPath()); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}

	fmt.Println()
	fmt.Println("Setup complete! Next steps:")
	fmt.Println()
	fmt.Println("  1. Start the service:")
	fmt.Println("     ledgertrail start")
	fmt.Println()
	fmt.Println("  2. Append entries from your trading engine:")
	fmt.Println("     POST http://127.0.0.1:3600/api/v1/entries")
	fmt.Println()
	fmt.Println("  3. Verify the chain at any time:")
	fmt.Println("     ledgertrail verify")
	fmt.Println()
	return nil
}
