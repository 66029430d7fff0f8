package pool

import (
	"github.com/kestrel-ai/kestrel/internal/breaker"
	"github.com/kestrel-ai/kestrel/internal/provider"
)

// CredentialHealth is the availability of one credential for one
// capability, as reported by the health endpoint.
type CredentialHealth struct {
	CredentialID string        `json:"credential_id"`
	Provider     provider.Type `json:"provider"`
	Model        string        `json:"model"`
	Priority     int           `json:"priority"`
	Available    bool          `json:"available"`
	Reason       string        `json:"reason,omitempty"`
	BreakerState string        `json:"breaker_state"`
	RetryAfter   string        `json:"retry_after,omitempty"`
}

// Health reports per-credential availability for a capability without
// consuming quota or breaker trials. A candidate is unavailable when
// its chat breaker is open or any rate-limit window has no headroom
// for a nominal request.
func (p *CredentialPool) Health(capability provider.Capability, operation string) []CredentialHealth {
	rt := p.Runtime()
	candidates := p.SelectCandidates(capability, nil)

	health := make([]CredentialHealth, 0, len(candidates))
	for _, cred := range candidates {
		h := CredentialHealth{
			CredentialID: cred.ID,
			Provider:     cred.Type,
			Model:        cred.Model,
			Priority:     cred.Priority,
			Available:    true,
		}

		brk := rt.Breakers.Get(cred.ID, operation)
		h.BreakerState = brk.State()
		if h.BreakerState == breaker.StateOpen {
			h.Available = false
			h.Reason = "circuit open"
		}

		if h.Available {
			if exhausted, window, retryAfter := rt.Limiter.Exhausted(cred.ID, cred.Model, 1); exhausted {
				h.Available = false
				h.Reason = "rate limited (" + window + ")"
				h.RetryAfter = retryAfter.String()
			}
		}

		health = append(health, h)
	}

	return health
}
