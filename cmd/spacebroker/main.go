// Package main provides the CLI entry point for spacebroker, the remote
// inference job broker.
//
// spacebroker accepts inference jobs over HTTP, pushes them to remote workers
// connected over a websocket, and drives third-party submit-then-poll image
// generation on behalf of requesters.
//
// # Basic Usage
//
// Start the broker:
//
//	spacebroker serve --config spacebroker.yaml
//
// Run a worker for a channel:
//
//	spacebroker worker --server ws://localhost:8080/ws/worker --channel voice
//
// Check a configuration file:
//
//	spacebroker config check --config spacebroker.yaml
//
// # Environment Variables
//
//   - SPACEBROKER_CONFIG: Path to the configuration file (default: spacebroker.yaml)
package main

import (
	"fmt"
	"log/slog"
	"os"
	_ "time/tzdata"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "spacebroker",
		Short: "spacebroker - remote inference job broker",
		Long: `spacebroker brokers inference jobs between HTTP requesters and remote workers.

Push channels dispatch jobs to a single websocket worker per channel and
correlate its results. Poll channels submit jobs to a third-party image API
and poll them to completion. Every submission is rate limited per requester
and counted against a daily usage quota.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildWorkerCmd(),
		buildConfigCmd(),
		buildTokenCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}
