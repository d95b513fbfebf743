// ============================================================================
// Meeseeks - Main Entry Point
// ============================================================================
//
// File: cmd/meeseeks/main.go
// Purpose: Application entry point and CLI initialization
//
// Version Injection:
//   go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
//
// Usage:
//   ./meeseeks run -c box.yaml          # start a box
//   ./meeseeks submit --pool p -- cmd   # submit a job
//   ./meeseeks query state=running      # inspect jobs
//   ./meeseeks watch -c watch.yaml      # run the file watcher
//
// ============================================================================

package main

import (
	"fmt"
	"os"

	"github.com/meeseeks-io/meeseeks/internal/cli"
)

var (
	version = "1.0.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "Fatal error: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
