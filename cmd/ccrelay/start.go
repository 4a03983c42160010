package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ccrelay/ccrelay/internal/classify"
	"github.com/ccrelay/ccrelay/internal/config"
	"github.com/ccrelay/ccrelay/internal/coordination"
	"github.com/ccrelay/ccrelay/internal/logsink"
	"github.com/ccrelay/ccrelay/internal/orchestrator"
	"github.com/ccrelay/ccrelay/internal/scheduler"
	"github.com/ccrelay/ccrelay/internal/upstream"
)

// daemonMode controls whether the proxy runs in the background (-d flag).
var daemonMode bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the ccrelay proxy server",
	Long: `Start the ccrelay proxy server. By default runs in the foreground.
Use -d for daemon/background mode.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart(cmd, args)
	},
}

func init() {
	startCmd.Flags().BoolVarP(&daemonMode, "daemon", "d", false, "Run proxy in daemon/background mode")
}

// configHolder is the process-wide swappable Config snapshot — the
// orchestrator and scheduler hold their own derived state and rebind to
// a new one on reload; this holder is only consulted by collaborators
// that need the raw Config (the coordination switch handler, the
// watcher callback itself).
type configHolder struct {
	mu  sync.RWMutex
	cfg *config.Config
}

func (h *configHolder) get() *config.Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

func (h *configHolder) set(cfg *config.Config) {
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
}

// runStart wires every collaborator together and blocks until shutdown.
//
//  1. Handle daemon mode (re-exec as background process if -d)
//  2. Load config from <configDir>/config.yaml
//  3. Initialize the request log sink (hash-chained, SQLite-indexed)
//  4. Build the classifier, transformers, scheduler, executor, orchestrator
//  5. Wire the leader/follower coordination channel, if enabled
//  6. Mount the HTTP mux and start listening
//  7. Write the PID file, start the config watcher
//  8. Block until SIGINT/SIGTERM or /ccrelay/api/shutdown, then drain
func runStart(cmd *cobra.Command, args []string) error {
	if daemonMode && os.Getenv("CCRELAY_DAEMONIZED") != "1" {
		return spawnDaemon()
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	holder := &configHolder{cfg: cfg}

	sink, err := logsink.Open(filepath.Join(configDir, "requests.db"))
	if err != nil {
		return fmt.Errorf("failed to initialize log sink: %w", err)
	}
	defer sink.Close()

	selector := classify.NewProviderSelector(cfg.DefaultProvider)
	sched := scheduler.NewManager(cfg.ConcurrencyFor)
	exec := upstream.New()

	orch, err := orchestrator.New(cfg, selector, sched, exec, sink)
	if err != nil {
		return fmt.Errorf("failed to initialize orchestrator: %w", err)
	}

	mux := http.NewServeMux()

	var stopCoordination func()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Coordination.Enabled {
		stopCoordination = wireCoordination(ctx, cfg, holder, selector, mux)
	}

	mux.HandleFunc("/ccrelay/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","version":"%s"}`, version)
	})

	shutdownCh := make(chan struct{}, 1)
	mux.HandleFunc("/ccrelay/api/shutdown", func(w http.ResponseWriter, r *http.Request) {
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
		case shutdownCh <- struct{}{}:
		default:
		}
	})

	// Everything that isn't the control surface is client traffic,
	// subject to classification.
	mux.Handle("/", orch)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout/ReadTimeout — streaming responses can run for
		// minutes; the scheduler's queue-wait timer is the only
		// first-class deadline.
	}

	pidFile := filepath.Join(configDir, "ccrelay.pid")
	if err := writePIDFile(pidFile); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer removePIDFile(pidFile)

	watcher, err := config.NewWatcher(configDir, config.WatchTargets{
		OnConfigChange: func() {
			newCfg, reloadErr := config.Load(filepath.Join(configDir, "config.yaml"))
			if reloadErr != nil {
				slog.Error("config reload failed, keeping previous snapshot", "error", reloadErr)
				return
			}
			if rebindErr := orch.Rebind(newCfg); rebindErr != nil {
				slog.Error("config rebind failed, keeping previous snapshot", "error", rebindErr)
				return
			}
			holder.set(newCfg)
			slog.Info("config reloaded")
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer watcher.Close()

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ccrelay listening", "addr", addr)
		if !daemonMode {
			fmt.Println("[ccrelay] Press Ctrl+C to stop")
		}
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-sigCtx.Done():
		slog.Info("shutting down (signal received)")
	case <-shutdownCh:
		slog.Info("shutting down (stop command received)")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	if stopCoordination != nil {
		stopCoordination()
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}

	slog.Info("ccrelay stopped")
	return nil
}

// wireCoordination sets up the leader hub or follower client per
// cfg.Coordination.Role and returns a stop function to call during
// shutdown. The caller is responsible for calling it exactly once.
func wireCoordination(ctx context.Context, cfg *config.Config, holder *configHolder, selector *classify.ProviderSelector, mux *http.ServeMux) func() {
	if cfg.Coordination.Role == "follower" {
		follower := coordination.NewFollower(cfg.Coordination.LeaderURL, coordination.Callbacks{
			OnProviderChanged: func(providerID, providerName string) {
				selector.Set(providerID)
				slog.Info("coordination: provider changed", "providerId", providerID, "providerName", providerName)
			},
			OnServerStopping: func() {
				slog.Warn("coordination: leader is stopping")
			},
			OnStateChange: func(s coordination.ConnState) {
				slog.Info("coordination: state changed", "state", s.String())
			},
		})
		go follower.Run(ctx)
		var once sync.Once
		return func() { once.Do(follower.Stop) }
	}

	onSwitch := func(providerID string) (string, error) {
		liveCfg := holder.get()
		p, ok := liveCfg.Providers[providerID]
		if !ok || !p.Enabled {
			return "", fmt.Errorf("unknown or disabled provider %q", providerID)
		}
		selector.Set(providerID)
		return p.Name, nil
	}

	hub := coordination.NewHub(cfg.DefaultProvider, onSwitch)
	go hub.Run()
	mux.Handle("/ccrelay/ws", hub)
	var once sync.Once
	return func() { once.Do(hub.Stop) }
}

// writePIDFile writes the current process ID to path.
func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// removePIDFile removes the PID file if present. Called on shutdown.
func removePIDFile(path string) {
	os.Remove(path)
}

// isLoopback restricts the /ccrelay/api/shutdown endpoint to localhost.
func isLoopback(remoteAddr string) bool {
	host := remoteAddr
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		host = remoteAddr[:idx]
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return host == "127.0.0.1" || host == "::1" || strings.HasPrefix(host, "127.")
}
