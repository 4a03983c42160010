package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/ccrelay/ccrelay/internal/config"
	"github.com/ccrelay/ccrelay/internal/logsink"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show proxy status and request log summary",
	Long: `Display whether the ccrelay proxy is running, its listen address, and a
summary of the request log (pending/completed row counts).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd, args)
	},
}

// statusColors picks ANSI color codes only when stdout is a terminal,
// to avoid polluting piped or redirected output with escape codes.
type statusColors struct {
	green, red, reset string
}

func newStatusColors() statusColors {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return statusColors{}
	}
	return statusColors{green: "\x1b[32m", red: "\x1b[31m", reset: "\x1b[0m"}
}

func runStatus(cmd *cobra.Command, args []string) error {
	colors := newStatusColors()

	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	addr := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(addr + "/ccrelay/api/health")
	if err != nil {
		fmt.Printf("[ccrelay] Status: %sNOT RUNNING%s\n", colors.red, colors.reset)
		fmt.Printf("[ccrelay] Expected at: %s\n", addr)
		return nil
	}
	resp.Body.Close()

	fmt.Printf("[ccrelay] Status: %sRUNNING%s\n", colors.green, colors.reset)
	fmt.Printf("[ccrelay] Listening on: %s\n", addr)

	dbPath := filepath.Join(configDir, "requests.db")
	if _, statErr := os.Stat(dbPath); statErr != nil {
		return nil
	}

	sink, err := logsink.Open(dbPath)
	if err != nil {
		fmt.Println("[ccrelay] Could not open request log for stats")
		return nil
	}
	defer sink.Close()

	total, completed, pending, err := sink.Counts()
	if err != nil {
		fmt.Println("[ccrelay] Could not read request log stats")
		return nil
	}

	fmt.Println()
	fmt.Printf("  Requests logged: %s (%s completed, %s pending)\n",
		humanize.Comma(total), humanize.Comma(completed), humanize.Comma(pending))
	return nil
}
