// Package main provides the CLI entry point for the Kestrel
// orchestration server.
//
// Kestrel fronts a pool of LLM provider credentials with rate limiting,
// circuit breaking, and priority fallback, and runs an iterative agent
// loop with bounded-parallel tool execution.
//
// # Basic Usage
//
// Start the server:
//
//	kestrel serve --config kestrel.yaml
//
// Inspect the configured provider pool:
//
//	kestrel providers --config kestrel.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kestrel",
		Short: "Kestrel - LLM provider orchestration and agent engine",
		Long: `Kestrel routes chat and tool-use requests across a pool of LLM provider
credentials with sliding-window rate limits, circuit breakers, and
priority fallback. The agent loop streams progress events over SSE and
WebSocket while executing tool calls in bounded parallel.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildProvidersCmd(),
	)

	return rootCmd
}
