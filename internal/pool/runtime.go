// Package pool selects credentials for provider operations and walks
// fallback candidates when they fail. Rate limiter and breaker state
// is process-local; limits are only approximately enforced across
// instances.
package pool

import (
	"context"

	"github.com/kestrel-ai/kestrel/internal/breaker"
	"github.com/kestrel-ai/kestrel/internal/observability"
	"github.com/kestrel-ai/kestrel/internal/provider"
	"github.com/kestrel-ai/kestrel/internal/ratelimit"
)

// RuntimeRegistry owns the mutable per-process state shared by every
// request: the rate limiter, the breaker registry, and metrics. It is
// constructed once at startup and injected; credentials themselves
// stay immutable.
type RuntimeRegistry struct {
	Limiter  *ratelimit.Limiter
	Breakers *breaker.Registry
	Metrics  *observability.Metrics
	Logger   *observability.Logger
}

// NewRuntimeRegistry builds the shared runtime for a credential set.
// Declared rate limits are registered per (credential, model), and
// breaker state changes feed metrics and the log.
func NewRuntimeRegistry(credentials []provider.Credential, metrics *observability.Metrics, logger *observability.Logger) *RuntimeRegistry {
	limiter := ratelimit.New()
	for _, cred := range credentials {
		if !cred.Limits.IsZero() {
			limiter.SetLimits(cred.ID, cred.Model, cred.Limits)
		}
	}

	breakers := breaker.NewRegistry(breaker.Config{
		OnStateChange: func(name, from, to string) {
			if metrics != nil {
				metrics.RecordBreakerTransition(name, to)
			}
			if logger != nil {
				logger.Warn(context.Background(), "circuit breaker state change",
					"breaker", name, "from", from, "to", to)
			}
		},
	})

	return &RuntimeRegistry{
		Limiter:  limiter,
		Breakers: breakers,
		Metrics:  metrics,
		Logger:   logger,
	}
}
