package pool

import (
	"sort"

	"github.com/kestrel-ai/kestrel/internal/provider"
)

// CredentialPool holds the configured credentials and the shared
// runtime. Credentials are immutable after construction; many requests
// share them concurrently.
type CredentialPool struct {
	credentials []provider.Credential
	runtime     *RuntimeRegistry
}

// New creates a pool over the given credentials.
func New(credentials []provider.Credential, runtime *RuntimeRegistry) *CredentialPool {
	return &CredentialPool{
		credentials: credentials,
		runtime:     runtime,
	}
}

// Runtime returns the shared per-process runtime.
func (p *CredentialPool) Runtime() *RuntimeRegistry {
	return p.runtime
}

// Credential looks up a credential by ID.
func (p *CredentialPool) Credential(id string) (provider.Credential, bool) {
	for _, cred := range p.credentials {
		if cred.ID == id {
			return cred, true
		}
	}
	return provider.Credential{}, false
}

// Credentials returns all configured credentials.
func (p *CredentialPool) Credentials() []provider.Credential {
	return p.credentials
}

// SelectCandidates returns the credentials declaring a capability,
// minus any in the excluding set, ordered by priority (lower first)
// with input cost breaking ties. Breaker and limiter state is checked
// during the fallback walk, not here, so skipped candidates still
// produce a recorded reason.
func (p *CredentialPool) SelectCandidates(capability provider.Capability, excluding map[string]bool) []provider.Credential {
	var candidates []provider.Credential
	for _, cred := range p.credentials {
		if excluding[cred.ID] {
			continue
		}
		if !cred.HasCapability(capability) {
			continue
		}
		candidates = append(candidates, cred)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].CostPerMillionTokens.In < candidates[j].CostPerMillionTokens.In
	})

	return candidates
}
