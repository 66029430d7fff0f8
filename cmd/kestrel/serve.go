// serve.go wires configuration into the running server: observability,
// the credential pool, the tool registry, the agent engine, and the
// HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kestrel-ai/kestrel/internal/config"
	"github.com/kestrel-ai/kestrel/internal/engine"
	"github.com/kestrel-ai/kestrel/internal/httpapi"
	"github.com/kestrel-ai/kestrel/internal/observability"
	"github.com/kestrel-ai/kestrel/internal/pool"
	"github.com/kestrel-ai/kestrel/internal/provider"
	"github.com/kestrel-ai/kestrel/internal/ratelimit"
	"github.com/kestrel-ai/kestrel/internal/sanitize"
	"github.com/kestrel-ai/kestrel/internal/tools"
	"github.com/kestrel-ai/kestrel/internal/tools/imagegen"
	"github.com/kestrel-ai/kestrel/internal/tools/transcribe"
	"github.com/kestrel-ai/kestrel/internal/tools/websearch"
)

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:     level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	metrics := observability.NewMetrics()
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "kestrel",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SampleRatio,
	})

	runtime := pool.NewRuntimeRegistry(cfg.Providers, metrics, logger)
	credentialPool := pool.New(cfg.Providers, runtime)
	factory := provider.NewFactory()

	registry, err := buildToolRegistry(cfg, credentialPool, factory)
	if err != nil {
		return fmt.Errorf("failed to build tool registry: %w", err)
	}
	executor := tools.NewExecutor(registry, tools.ExecConfig{
		Concurrency:    cfg.Tools.Concurrency,
		PerCallTimeout: cfg.Tools.Timeout,
	}, metrics, logger, tracer)

	eng := engine.New(credentialPool, factory, registry, executor,
		sanitize.New(logger), metrics, logger, tracer, cfg.Engine)

	server := httpapi.NewServer(cfg.Server, eng, credentialPool, metrics, logger, tracer)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := server.Start(ctx); err != nil {
		return err
	}
	logger.Info(ctx, "kestrel started",
		"addr", cfg.Server.Addr(),
		"providers", len(cfg.Providers),
		"tools", len(registry.Specs()),
	)

	<-ctx.Done()
	logger.Info(ctx, "shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	server.Shutdown(shutdownCtx)
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "tracer shutdown error", "error", err)
	}

	logger.Info(shutdownCtx, "kestrel stopped gracefully")
	return nil
}

// buildToolRegistry registers every enabled tool. Tools whose
// prerequisites are absent (no transcription key, no image-capable
// credential) stay unregistered rather than failing at call time.
func buildToolRegistry(cfg *config.Config, credentialPool *pool.CredentialPool, factory *provider.Factory) (*tools.Registry, error) {
	disabled := make(map[string]bool, len(cfg.Tools.Disabled))
	for _, name := range cfg.Tools.Disabled {
		disabled[name] = true
	}

	var candidates []tools.Tool
	candidates = append(candidates, websearch.New(cfg.Tools.WebSearch))
	candidates = append(candidates, websearch.NewFetchTool(cfg.Tools.WebFetch.MaxChars))
	if cfg.Tools.Transcribe.APIKey != "" {
		candidates = append(candidates, transcribe.New(cfg.Tools.Transcribe))
	}
	if hasCapability(cfg.Providers, provider.CapabilityImageGeneration) {
		candidates = append(candidates, imagegen.New(credentialPool, factory))
	}

	registry := tools.NewRegistry()
	for _, tool := range candidates {
		if disabled[tool.Name()] {
			continue
		}
		if err := registry.Register(tool); err != nil {
			return nil, fmt.Errorf("register %s: %w", tool.Name(), err)
		}
	}
	return registry, nil
}

func hasCapability(credentials []provider.Credential, capability provider.Capability) bool {
	for i := range credentials {
		if credentials[i].HasCapability(capability) {
			return true
		}
	}
	return false
}

func runProviders(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tMODEL\tPRIORITY\tCAPABILITIES\tLIMITS")
	for _, cred := range cfg.Providers {
		caps := make([]string, len(cred.Capabilities))
		for i, c := range cred.Capabilities {
			caps[i] = string(c)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			cred.ID, cred.Type, cred.Model, cred.Priority,
			strings.Join(caps, ","), formatLimits(cred.Limits))
	}
	return w.Flush()
}

func formatLimits(l ratelimit.Limits) string {
	if l.IsZero() {
		return "unlimited"
	}
	var parts []string
	if l.RequestsPerMinute > 0 {
		parts = append(parts, fmt.Sprintf("rpm=%d", l.RequestsPerMinute))
	}
	if l.RequestsPerDay > 0 {
		parts = append(parts, fmt.Sprintf("rpd=%d", l.RequestsPerDay))
	}
	if l.TokensPerMinute > 0 {
		parts = append(parts, fmt.Sprintf("tpm=%d", l.TokensPerMinute))
	}
	if l.TokensPerDay > 0 {
		parts = append(parts, fmt.Sprintf("tpd=%d", l.TokensPerDay))
	}
	return strings.Join(parts, " ")
}
