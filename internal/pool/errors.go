package pool

import (
	"fmt"
	"strings"

	"github.com/kestrel-ai/kestrel/internal/provider"
)

// CandidateFailure records why one candidate could not serve a request.
type CandidateFailure struct {
	CredentialID string `json:"credential_id"`
	Reason       string `json:"reason"`
}

// NoProvidersAvailableError reports that every candidate was tried or
// skipped. Failures appear in attempt order, one per candidate, so the
// caller can see exactly why each was passed over.
type NoProvidersAvailableError struct {
	Capability provider.Capability
	Failures   []CandidateFailure
}

func (e *NoProvidersAvailableError) Error() string {
	if len(e.Failures) == 0 {
		return fmt.Sprintf("no providers available for capability %q: no credentials declare it", e.Capability)
	}

	reasons := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		reasons[i] = fmt.Sprintf("%s: %s", f.CredentialID, f.Reason)
	}
	return fmt.Sprintf("no providers available for capability %q: %s", e.Capability, strings.Join(reasons, "; "))
}
