package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that runs the broker.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the broker",
		Long: `Start the broker with the configured channels.

The server loads the configuration, opens the usage store and the artifact
store, starts the worker websocket endpoint and the HTTP API, and runs the
maintenance sweeps. The configuration file is watched; channel policies,
usage tiers and provider credentials are reloaded without a restart.

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with the default config
  spacebroker serve

  # Start with a custom config and debug logging
  spacebroker serve --config /etc/spacebroker/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// buildWorkerCmd creates the "worker" command, a reference worker that
// echoes each payload back as its result.
func buildWorkerCmd() *cobra.Command {
	var opts workerOptions
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run an echo worker for a push channel",
		Long: `Run a reference worker that registers for a push channel and answers every
inference request with its payload. With --artifact, the file is uploaded as
the request's result artifact and its URL is included in the result.`,
		Example: `  spacebroker worker --server ws://localhost:8080/ws/worker --channel voice
  spacebroker worker --server wss://broker.example.com/ws/worker --channel voice --artifact out.wav`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.server, "server", "ws://localhost:8080/ws/worker", "Broker worker endpoint")
	cmd.Flags().StringVar(&opts.channel, "channel", "", "Channel name to register for")
	cmd.Flags().StringVar(&opts.artifact, "artifact", "", "File uploaded as the result artifact of every request")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 4, "Maximum requests handled at once")
	cmd.Flags().DurationVar(&opts.delay, "delay", 0, "Artificial processing time per request")
	cmd.Flags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration files",
	}

	var configPath string
	check := &cobra.Command{
		Use:   "check",
		Short: "Validate a configuration file and print its channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigCheck(cmd, resolveConfigPath(configPath))
		},
	}
	check.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.AddCommand(check)
	return cmd
}

// buildTokenCmd creates the "token" command that signs a session JWT.
func buildTokenCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		tier       string
		admin      bool
		expiry     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token for a requester",
		Example: `  spacebroker token --user alice --tier pro
  spacebroker token --user ops --admin --expiry 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd, resolveConfigPath(configPath), userID, tier, admin, expiry)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().StringVar(&userID, "user", "", "Requester id")
	cmd.Flags().StringVar(&tier, "tier", "standard", "Usage tier")
	cmd.Flags().BoolVar(&admin, "admin", false, "Grant admin access")
	cmd.Flags().DurationVar(&expiry, "expiry", 0, "Token lifetime (defaults to auth.token_expiry)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "spacebroker %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
