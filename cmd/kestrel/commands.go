// commands.go contains the cobra command definitions and their flag
// configurations. Each builder creates a command and wires it to its
// handler.
package main

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "kestrel.yaml"

// buildServeCmd creates the "serve" command that starts the API server.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Kestrel API server",
		Long: `Start the Kestrel API server with the configured provider pool.

The server will:
1. Load configuration from the specified file (or kestrel.yaml)
2. Initialize the credential pool with rate limiters and circuit breakers
3. Register the enabled tools (web search, web fetch, transcribe, image generation)
4. Start the HTTP server for chat, streaming, health, and metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  kestrel serve

  # Start with custom config
  kestrel serve --config /etc/kestrel/production.yaml

  # Start with debug logging
  kestrel serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML or JSON5 configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// buildProvidersCmd creates the "providers" command that lists the
// configured credential pool without starting the server.
func buildProvidersCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List the configured provider credentials",
		Long: `Print each configured credential's id, provider type, model, priority,
capabilities, and rate limits. API keys are never printed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProviders(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML or JSON5 configuration file")

	return cmd
}
