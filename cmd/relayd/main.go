// Package main is the relayd entry point: an agent runtime serving the
// /v1/responses API over a configured LLM provider, with server-side
// tool execution, approval gating, durable session history, and a
// scheduler for periodic tasks.
//
// # Basic Usage
//
// Start the server:
//
//	relayd serve --config relay.yaml
//
// Inspect the configuration surface:
//
//	relayd config schema
//	relayd config check --config relay.yaml
//
// # Environment Variables
//
// Provider credentials and per-deployment tuning come from the
// environment:
//
//   - OPENAI_API_KEY / ANTHROPIC_API_KEY / GOOGLE_API_KEY: provider keys,
//     referenced from the config file as ${VAR}
//   - MAX_AGENT_ITERATIONS, SESSION_TTL_SECONDS, MAX_SESSIONS,
//     MAX_OVERFLOW_RETRIES, MAX_LLM_RETRIES, LLM_RETRY_BASE_DELAY,
//     CONTEXT_WINDOW_HARD_MIN_TOKENS, TOOL_CACHE_TTL: runtime option
//     overrides applied after the file
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
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

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relayd",
		Short: "relayd - agent runtime server",
		Long: `relayd serves an agent loop over HTTP: the /v1/responses endpoint
drives provider calls and server-side tool execution, sessions keep
durable history with automatic context compaction, and a scheduler
runs periodic tasks as headless turns.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildConfigCmd(),
	)

	return rootCmd
}
