package pool

import (
	"context"
	"fmt"

	"github.com/kestrel-ai/kestrel/internal/breaker"
	"github.com/kestrel-ai/kestrel/internal/provider"
)

// Operation is one attempt against a single credential. Implementations
// must return promptly; streaming operations return their channel and
// report usage later through Result.Reconcile.
type Operation[T any] func(ctx context.Context, cred provider.Credential) (T, error)

// Result is a successful fallback walk outcome.
type Result[T any] struct {
	// Value is whatever the operation produced.
	Value T

	// Credential is the credential that served the request.
	Credential provider.Credential

	// Depth is the 1-based position of the winning candidate; 1 means
	// the preferred credential worked.
	Depth int

	// Excluded lists credential IDs that failed during this walk with
	// a reason that disqualifies the credential outright (auth,
	// billing). Callers making repeated walks for one request pass
	// these back as the excluding set so a dead key is never retried.
	Excluded []string

	reconcile func(actualTokens int)
	brk       *breaker.Breaker
}

// Reconcile replaces the limiter's optimistic token pre-charge with
// actual usage. Call it exactly once, when usage is known; pass 0 if
// the request produced nothing billable.
func (r *Result[T]) Reconcile(actualTokens int) {
	if r.reconcile != nil {
		r.reconcile(actualTokens)
		r.reconcile = nil
	}
}

// RecordStreamFailure notes that the stream failed after the initial
// call succeeded, so the breaker sees the failure.
func (r *Result[T]) RecordStreamFailure() {
	if r.brk != nil {
		r.brk.RecordFailure()
	}
}

// ExecuteWithFallback walks the candidates for a capability in
// preference order until one serves the operation. Per candidate:
// breaker admission, then rate limiter admission with an optimistic
// token charge, then the operation itself. Open breakers and exhausted
// limiters skip the candidate with no network attempt. A failure whose
// reason excludes the credential (auth, billing) is recorded in
// Result.Excluded; transient failures just move to the next candidate.
// When every candidate fails the walk returns
// *NoProvidersAvailableError with one reason per candidate in attempt
// order.
func ExecuteWithFallback[T any](ctx context.Context, p *CredentialPool, operation string, capability provider.Capability, estimatedTokens int, op Operation[T]) (*Result[T], error) {
	return walkCandidates(ctx, p, operation, capability, p.SelectCandidates(capability, nil), estimatedTokens, op)
}

// ExecuteWithFallbackPreferring is ExecuteWithFallback with a caller
// supplied preference and exclusion set: the named credentials are
// tried first, in the given order, before the pool's own ordering
// takes over, and credentials in excluding are never candidates.
// Unknown IDs are ignored.
func ExecuteWithFallbackPreferring[T any](ctx context.Context, p *CredentialPool, operation string, capability provider.Capability, preferred []string, excluding map[string]bool, estimatedTokens int, op Operation[T]) (*Result[T], error) {
	candidates := p.SelectCandidates(capability, excluding)
	if len(preferred) > 0 {
		reordered := make([]provider.Credential, 0, len(candidates))
		taken := make(map[string]bool, len(preferred))
		for _, id := range preferred {
			for _, cred := range candidates {
				if cred.ID == id && !taken[id] {
					reordered = append(reordered, cred)
					taken[id] = true
				}
			}
		}
		for _, cred := range candidates {
			if !taken[cred.ID] {
				reordered = append(reordered, cred)
			}
		}
		candidates = reordered
	}
	return walkCandidates(ctx, p, operation, capability, candidates, estimatedTokens, op)
}

func walkCandidates[T any](ctx context.Context, p *CredentialPool, operation string, capability provider.Capability, candidates []provider.Credential, estimatedTokens int, op Operation[T]) (*Result[T], error) {
	rt := p.Runtime()

	noneErr := &NoProvidersAvailableError{Capability: capability}
	depth := 0
	var excluded []string

	for _, cred := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		depth++

		brk := rt.Breakers.Get(cred.ID, operation)
		if err := brk.Allow(); err != nil {
			noneErr.Failures = append(noneErr.Failures, CandidateFailure{
				CredentialID: cred.ID,
				Reason:       "circuit open",
			})
			if rt.Metrics != nil {
				rt.Metrics.RecordBreakerRejection(breaker.Key(cred.ID, operation))
			}
			continue
		}

		admission := rt.Limiter.TryAdmit(cred.ID, cred.Model, estimatedTokens)
		if !admission.OK {
			brk.CancelTrial()
			noneErr.Failures = append(noneErr.Failures, CandidateFailure{
				CredentialID: cred.ID,
				Reason:       fmt.Sprintf("rate limited (%s), retry after %s", admission.Reason, admission.RetryAfter),
			})
			if rt.Metrics != nil {
				rt.Metrics.RecordRateLimitDenial(cred.ID, admission.Reason)
			}
			continue
		}

		value, err := op(ctx, cred)
		if err != nil {
			brk.RecordFailure()
			// Release the optimistic charge; nothing was consumed.
			rt.Limiter.Reconcile(cred.ID, cred.Model, estimatedTokens, 0)

			reason := provider.ReasonOf(err)
			if reason.ExcludesCredential() {
				excluded = append(excluded, cred.ID)
			}
			noneErr.Failures = append(noneErr.Failures, CandidateFailure{
				CredentialID: cred.ID,
				Reason:       err.Error(),
			})
			if rt.Metrics != nil {
				rt.Metrics.RecordError("pool", string(reason))
			}
			if rt.Logger != nil {
				rt.Logger.Warn(ctx, "candidate failed, falling back",
					"credential", cred.ID, "operation", operation, "reason", string(reason), "error", err.Error())
			}
			continue
		}

		brk.RecordSuccess()
		if rt.Metrics != nil {
			rt.Metrics.RecordFallbackDepth(operation, depth)
		}

		credID, model, estimate := cred.ID, cred.Model, estimatedTokens
		return &Result[T]{
			Value:      value,
			Credential: cred,
			Depth:      depth,
			Excluded:   excluded,
			brk:        brk,
			reconcile: func(actualTokens int) {
				rt.Limiter.Reconcile(credID, model, estimate, actualTokens)
			},
		}, nil
	}

	return nil, noneErr
}
