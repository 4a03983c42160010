package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// spawnDaemon re-executes the ccrelay binary as a detached background
// process. The parent prints the child PID and exits immediately.
//
// Go can't fork() safely with a multi-threaded runtime, so this uses
// the standard re-exec-with-env-var trick: the child sets
// CCRELAY_DAEMONIZED=1 so runStart skips spawnDaemon and runs the proxy
// directly.
func spawnDaemon() error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to find executable path: %w", err)
	}

	logPath := filepath.Join(configDir, "ccrelay.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	daemonArgs := []string{"start"}
	if configDir != defaultConfigDir() {
		daemonArgs = append(daemonArgs, "--config-dir", configDir)
	}

	child := exec.Command(exePath, daemonArgs...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.Env = append(os.Environ(), "CCRELAY_DAEMONIZED=1")

	if err := child.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	fmt.Printf("[ccrelay] Proxy started in background (PID %d)\n", child.Process.Pid)
	fmt.Printf("[ccrelay] Log file: %s\n", logPath)
	fmt.Println("[ccrelay] Use 'ccrelay stop' to stop the proxy")

	if err := child.Process.Release(); err != nil {
		fmt.Fprintf(os.Stderr, "[ccrelay] Warning: failed to release child process: %v\n", err)
	}

	logFile.Close()
	return nil
}
