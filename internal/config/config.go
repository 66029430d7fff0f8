// Package config loads and validates the process configuration: server
// addresses, the credential pool, engine limits, tool settings, and
// observability wiring. Files are YAML or JSON5 with ${ENV} expansion
// and $include composition.
package config

import (
	"fmt"
	"time"

	"github.com/kestrel-ai/kestrel/internal/engine"
	"github.com/kestrel-ai/kestrel/internal/provider"
	"github.com/kestrel-ai/kestrel/internal/tools/transcribe"
	"github.com/kestrel-ai/kestrel/internal/tools/websearch"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig          `yaml:"server"`
	Providers []provider.Credential `yaml:"providers"`
	Engine    engine.Config         `yaml:"engine"`
	Tools     ToolsConfig           `yaml:"tools"`
	Logging   LoggingConfig         `yaml:"logging"`
	Tracing   TracingConfig         `yaml:"tracing"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type ToolsConfig struct {
	// Concurrency bounds parallel tool execution per model turn.
	Concurrency int `yaml:"concurrency"`

	// Timeout bounds each individual tool call.
	Timeout time.Duration `yaml:"timeout"`

	WebSearch  websearch.Config  `yaml:"web_search"`
	WebFetch   WebFetchConfig    `yaml:"web_fetch"`
	Transcribe transcribe.Config `yaml:"transcribe"`

	// Disabled lists tool names that stay unregistered.
	Disabled []string `yaml:"disabled"`
}

type WebFetchConfig struct {
	MaxChars int `yaml:"max_chars"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

type TracingConfig struct {
	Endpoint    string `yaml:"endpoint"`
	Environment string `yaml:"environment"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		// Streaming responses stay open well past a normal request.
		cfg.Server.WriteTimeout = 10 * time.Minute
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Engine.MaxIterations == 0 {
		cfg.Engine.MaxIterations = 15
	}
	if cfg.Tools.Concurrency == 0 {
		cfg.Tools.Concurrency = 5
	}
	if cfg.Tools.Timeout == 0 {
		cfg.Tools.Timeout = 30 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks the configuration for shapes defaults cannot fix.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider credential is required")
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, cred := range c.Providers {
		if cred.ID == "" {
			return fmt.Errorf("providers[%d]: id is required", i)
		}
		if seen[cred.ID] {
			return fmt.Errorf("providers[%d]: duplicate credential id %q", i, cred.ID)
		}
		seen[cred.ID] = true

		switch cred.Type {
		case provider.TypeOpenAI, provider.TypeAnthropic, provider.TypeGemini,
			provider.TypeGroq, provider.TypeTogether, provider.TypeReplicate:
		case provider.TypeOpenAICompatible:
			if cred.BaseURL == "" {
				return fmt.Errorf("providers[%d] (%s): openai-compatible requires base_url", i, cred.ID)
			}
		default:
			return fmt.Errorf("providers[%d] (%s): unknown provider type %q", i, cred.ID, cred.Type)
		}

		if cred.APIKey == "" {
			return fmt.Errorf("providers[%d] (%s): api_key is required", i, cred.ID)
		}
		if len(cred.Capabilities) == 0 {
			return fmt.Errorf("providers[%d] (%s): at least one capability is required", i, cred.ID)
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error; got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text; got %q", c.Logging.Format)
	}

	return nil
}
