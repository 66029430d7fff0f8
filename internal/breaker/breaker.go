package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Breaker states
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

var (
	// ErrOpen is returned when the breaker rejects a call without
	// attempting it.
	ErrOpen = errors.New("circuit breaker is open")
)

// Config configures a circuit breaker.
type Config struct {
	// Name identifies this breaker, typically "credentialID:operation".
	Name string

	// FailureThreshold is the number of failures within FailureWindow
	// before opening.
	FailureThreshold int

	// FailureWindow is the rolling span over which failures are counted.
	FailureWindow time.Duration

	// OpenTimeout is how long the circuit stays open before permitting
	// a single half-open trial.
	OpenTimeout time.Duration

	// OnStateChange is called when the breaker state changes.
	OnStateChange func(name, from, to string)
}

// Breaker rejects calls to an unhealthy provider operation until a
// probe succeeds. Failures are counted over a rolling window rather
// than as a running total, so sporadic errors spread over hours do
// not trip the circuit.
type Breaker struct {
	config Config

	mu          sync.Mutex
	state       string
	failures    []time.Time
	openedAt    time.Time
	trialActive bool
	now         func() time.Time
}

// New creates a breaker with the given config, applying defaults for
// zero fields.
func New(config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.FailureWindow <= 0 {
		config.FailureWindow = 10 * time.Minute
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 10 * time.Minute
	}

	return &Breaker{
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Allow reports whether a call may proceed. In the open state it
// returns ErrOpen until OpenTimeout has elapsed, then admits exactly
// one trial call and holds all others until that trial is resolved
// via RecordSuccess or RecordFailure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.config.OpenTimeout {
			b.transitionTo(StateHalfOpen)
			b.trialActive = true
			return nil
		}
		return ErrOpen

	case StateHalfOpen:
		if b.trialActive {
			return ErrOpen
		}
		b.trialActive = true
		return nil

	default:
		return nil
	}
}

// RecordSuccess records a successful call. A success closes a
// half-open breaker and clears the failure history of a closed one.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = b.failures[:0]

	case StateHalfOpen:
		b.trialActive = false
		b.transitionTo(StateClosed)
	}
}

// CancelTrial releases a half-open trial slot without recording an
// outcome. Callers use it when Allow admitted a trial but the call
// was never placed (e.g. a rate limiter denied it first).
func (b *Breaker) CancelTrial() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.trialActive = false
	}
}

// RecordFailure records a failed call. A half-open breaker reopens
// immediately; a closed breaker opens once the rolling window holds
// FailureThreshold failures.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	switch b.state {
	case StateClosed:
		b.failures = append(b.failures, now)
		b.prune(now)
		if len(b.failures) >= b.config.FailureThreshold {
			b.transitionTo(StateOpen)
			b.openedAt = now
		}

	case StateHalfOpen:
		b.trialActive = false
		b.transitionTo(StateOpen)
		b.openedAt = now
	}
}

// prune drops failures that have aged out of the rolling window.
// Caller holds b.mu.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.config.FailureWindow)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

// transitionTo changes state and notifies. Caller holds b.mu.
func (b *Breaker) transitionTo(newState string) {
	oldState := b.state
	if oldState == newState {
		return
	}
	b.state = newState
	if newState == StateClosed {
		b.failures = b.failures[:0]
	}

	if b.config.OnStateChange != nil {
		// Call asynchronously to avoid blocking under the lock.
		go b.config.OnStateChange(b.config.Name, oldState, newState)
	}
}

// State returns the current state.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot contains a point-in-time view of a breaker.
type Snapshot struct {
	Name          string    `json:"name"`
	State         string    `json:"state"`
	Failures      int       `json:"failures"`
	LastFailure   time.Time `json:"last_failure,omitzero"`
	OpenedAt      time.Time `json:"opened_at,omitzero"`
	RetryPermitAt time.Time `json:"retry_permit_at,omitzero"`
}

// Snapshot returns the breaker's current statistics.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prune(b.now())

	s := Snapshot{
		Name:     b.config.Name,
		State:    b.state,
		Failures: len(b.failures),
	}
	if n := len(b.failures); n > 0 {
		s.LastFailure = b.failures[n-1]
	}
	if b.state == StateOpen {
		s.OpenedAt = b.openedAt
		s.RetryPermitAt = b.openedAt.Add(b.config.OpenTimeout)
	}
	return s
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures = b.failures[:0]
	b.trialActive = false
}

// Execute runs fn under breaker protection.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil {
		b.RecordFailure()
	} else {
		b.RecordSuccess()
	}
	return err
}

// ExecuteWithResult runs a function that returns a value under
// breaker protection.
func ExecuteWithResult[T any](b *Breaker, ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.Allow(); err != nil {
		return zero, err
	}

	result, err := fn(ctx)
	if err != nil {
		b.RecordFailure()
	} else {
		b.RecordSuccess()
	}
	return result, err
}
