// Package ratelimit enforces per-credential request and token quotas using
// sliding windows (requests per minute/day, tokens per minute/day).
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Limits declares the quota for one credential. Zero values mean unlimited
// for that window.
type Limits struct {
	RequestsPerMinute int `yaml:"rpm" json:"rpm"`
	RequestsPerDay    int `yaml:"rpd" json:"rpd"`
	TokensPerMinute   int `yaml:"tpm" json:"tpm"`
	TokensPerDay      int `yaml:"tpd" json:"tpd"`
}

// IsZero reports whether no limit is declared at all.
func (l Limits) IsZero() bool {
	return l.RequestsPerMinute == 0 && l.RequestsPerDay == 0 &&
		l.TokensPerMinute == 0 && l.TokensPerDay == 0
}

// Admission is the outcome of a TryAdmit call.
type Admission struct {
	// OK is true when all four windows had headroom and the request was
	// charged. Token windows are pre-charged with the caller's estimate and
	// must be reconciled once actual usage is known.
	OK bool

	// Reason names the window that denied admission (e.g. "rpm", "tpd").
	Reason string

	// RetryAfter is the shortest wait until some window frees enough
	// headroom for this request. Only set on denial.
	RetryAfter time.Duration
}

// key identifies one tracked quota bucket.
type key struct {
	credentialID string
	model        string
}

// entry records a single admitted request inside the sliding windows.
type entry struct {
	at     time.Time
	tokens int
}

// window holds the recent admissions for one (credential, model) pair. The
// minute and day windows share the same entry log; eviction keeps at most a
// day of history.
type window struct {
	limits  Limits
	entries []entry
}

// Limiter tracks sliding-window usage per (credential, model). It is shared
// by every request on a warm process and is safe for concurrent use. State is
// process-local by design; limits are only approximately enforced across
// instances.
type Limiter struct {
	mu      sync.Mutex
	windows map[key]*window
	now     func() time.Time // injectable clock for testing
}

// New creates an empty limiter.
func New() *Limiter {
	return &Limiter{
		windows: make(map[key]*window),
		now:     time.Now,
	}
}

const (
	minuteWindow = time.Minute
	dayWindow    = 24 * time.Hour
)

// SetLimits declares (or replaces) the quota for a credential+model pair.
// Typically called once at startup from the credential configuration.
func (l *Limiter) SetLimits(credentialID, model string, limits Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key{credentialID, model}
	if w, ok := l.windows[k]; ok {
		w.limits = limits
		return
	}
	l.windows[k] = &window{limits: limits}
}

// TryAdmit checks all four windows for headroom and, if every window admits,
// charges one request and estimatedTokens tokens. The token charge is
// optimistic: call Reconcile with the actual usage once the call resolves so
// concurrent admissions see a correct budget.
func (l *Limiter) TryAdmit(credentialID, model string, estimatedTokens int) Admission {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.getWindow(credentialID, model)
	w.evict(now)

	if w.limits.IsZero() {
		w.entries = append(w.entries, entry{at: now, tokens: estimatedTokens})
		return Admission{OK: true}
	}

	reqMin, reqDay, tokMin, tokDay := w.usage(now)

	type check struct {
		name  string
		limit int
		used  int
		cost  int
		span  time.Duration
	}
	checks := []check{
		{"rpm", w.limits.RequestsPerMinute, reqMin, 1, minuteWindow},
		{"rpd", w.limits.RequestsPerDay, reqDay, 1, dayWindow},
		{"tpm", w.limits.TokensPerMinute, tokMin, estimatedTokens, minuteWindow},
		{"tpd", w.limits.TokensPerDay, tokDay, estimatedTokens, dayWindow},
	}

	for _, c := range checks {
		if c.limit <= 0 {
			continue
		}
		if c.used+c.cost > c.limit {
			overflow := c.used + c.cost - c.limit
			return Admission{
				OK:         false,
				Reason:     c.name,
				RetryAfter: w.timeToFree(now, c.span, overflow, c.name),
			}
		}
	}

	w.entries = append(w.entries, entry{at: now, tokens: estimatedTokens})
	return Admission{OK: true}
}

// Reconcile replaces the optimistic token pre-charge for the most recent
// matching admission with the actual usage. Admitted calls must always be
// reconciled, even on failure or timeout, so the token budget does not leak.
func (l *Limiter) Reconcile(credentialID, model string, estimatedTokens, actualTokens int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.getWindow(credentialID, model)
	w.evict(l.now())

	// Walk backwards: the admission being reconciled is almost always the
	// most recent entry carrying the matching estimate.
	for i := len(w.entries) - 1; i >= 0; i-- {
		if w.entries[i].tokens == estimatedTokens {
			w.entries[i].tokens = actualTokens
			return
		}
	}
}

// Status summarizes current usage for one credential+model pair.
type Status struct {
	Limits         Limits `json:"limits"`
	RequestsMinute int    `json:"requests_minute"`
	RequestsDay    int    `json:"requests_day"`
	TokensMinute   int    `json:"tokens_minute"`
	TokensDay      int    `json:"tokens_day"`
}

// GetStatus returns a snapshot of the windows for a credential+model pair.
func (l *Limiter) GetStatus(credentialID, model string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.getWindow(credentialID, model)
	w.evict(now)
	reqMin, reqDay, tokMin, tokDay := w.usage(now)
	return Status{
		Limits:         w.limits,
		RequestsMinute: reqMin,
		RequestsDay:    reqDay,
		TokensMinute:   tokMin,
		TokensDay:      tokDay,
	}
}

// Exhausted reports whether an admission with the given token estimate would
// currently be denied, and if so why and for how long. It charges nothing;
// the candidate selector uses it to skip exhausted credentials.
func (l *Limiter) Exhausted(credentialID, model string, estimatedTokens int) (bool, string, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.getWindow(credentialID, model)
	w.evict(now)
	if w.limits.IsZero() {
		return false, "", 0
	}

	reqMin, reqDay, tokMin, tokDay := w.usage(now)
	switch {
	case w.limits.RequestsPerMinute > 0 && reqMin+1 > w.limits.RequestsPerMinute:
		return true, "rpm", w.timeToFree(now, minuteWindow, 1, "rpm")
	case w.limits.RequestsPerDay > 0 && reqDay+1 > w.limits.RequestsPerDay:
		return true, "rpd", w.timeToFree(now, dayWindow, 1, "rpd")
	case w.limits.TokensPerMinute > 0 && tokMin+estimatedTokens > w.limits.TokensPerMinute:
		overflow := tokMin + estimatedTokens - w.limits.TokensPerMinute
		return true, "tpm", w.timeToFree(now, minuteWindow, overflow, "tpm")
	case w.limits.TokensPerDay > 0 && tokDay+estimatedTokens > w.limits.TokensPerDay:
		overflow := tokDay + estimatedTokens - w.limits.TokensPerDay
		return true, "tpd", w.timeToFree(now, dayWindow, overflow, "tpd")
	}
	return false, "", 0
}

// getWindow returns the window for the pair, creating an unlimited one if the
// pair was never declared. Must be called with l.mu held.
func (l *Limiter) getWindow(credentialID, model string) *window {
	k := key{credentialID, model}
	w, ok := l.windows[k]
	if !ok {
		w = &window{}
		l.windows[k] = w
	}
	return w
}

// evict drops entries older than the day window. Eviction is lazy: it runs on
// every admit/reconcile/status call, so no background sweeper is needed.
func (w *window) evict(now time.Time) {
	cutoff := now.Add(-dayWindow)
	i := 0
	for i < len(w.entries) && !w.entries[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
}

// usage counts requests and tokens inside the minute and day windows.
func (w *window) usage(now time.Time) (reqMin, reqDay, tokMin, tokDay int) {
	minCutoff := now.Add(-minuteWindow)
	for _, e := range w.entries {
		reqDay++
		tokDay += e.tokens
		if e.at.After(minCutoff) {
			reqMin++
			tokMin += e.tokens
		}
	}
	return
}

// timeToFree computes how long until enough entries fall out of the given
// window span to free the requested headroom. Request windows count entries,
// token windows count tokens.
func (w *window) timeToFree(now time.Time, span time.Duration, needed int, kind string) time.Duration {
	cutoff := now.Add(-span)
	freed := 0
	for _, e := range w.entries {
		if !e.at.After(cutoff) {
			continue
		}
		switch kind {
		case "rpm", "rpd":
			freed++
		default:
			freed += e.tokens
		}
		if freed >= needed {
			wait := e.at.Add(span).Sub(now)
			if wait < 0 {
				wait = 0
			}
			return wait
		}
	}
	// Nothing inside the window can free the headroom; the estimate exceeds
	// the whole budget.
	return span
}

// DenialError is returned when an operation is refused by the limiter.
type DenialError struct {
	CredentialID string
	Model        string
	Reason       string
	RetryAfter   time.Duration
}

// Error implements the error interface.
func (e *DenialError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s/%s (%s window, retry in %s)",
		e.CredentialID, e.Model, e.Reason, e.RetryAfter.Round(time.Millisecond))
}
