// Package main is the CLI entry point for ccrelay — a programmable
// reverse proxy for LLM API traffic that classifies, transforms, and
// admits requests through a bounded-concurrency scheduler before
// relaying them upstream.
//
// CLI commands (cobra):
//
//	ccrelay start [-d]  - Start the proxy (foreground or daemon)
//	ccrelay stop        - Stop the proxy
//	ccrelay status      - Show proxy status
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-02-10"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// defaultConfigDir returns ~/.ccrelay/, where config.yaml and the
// request log database live.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ccrelay"
	}
	return filepath.Join(home, ".ccrelay")
}

// configDir is the global flag for the ccrelay config/state directory.
var configDir string

var rootCmd = &cobra.Command{
	Use:     "ccrelay",
	Short:   "ccrelay — programmable reverse proxy for LLM API traffic",
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	Long: `ccrelay sits between an LLM client SDK and one or more upstream LLM
providers. It classifies every request against configured rules, remaps
model names and injects provider credentials, admits the request through
a bounded-concurrency scheduler, and relays the upstream response back —
buffered or streamed — to the client.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", defaultConfigDir(), "Path to ccrelay config and state directory")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
}
