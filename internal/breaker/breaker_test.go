package breaker

import (
	"testing"
	"time"
)

func newTestBreaker(config Config) (*Breaker, *time.Time) {
	b := New(config)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 5})

	for i := 0; i < 5; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("call %d rejected while closed: %v", i, err)
		}
		b.RecordFailure()
	}

	if got := b.State(); got != StateOpen {
		t.Fatalf("expected open after 5 failures, got %s", got)
	}
	if err := b.Allow(); err != ErrOpen {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
}

func TestBreaker_FailuresAgeOutOfWindow(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 5, FailureWindow: 10 * time.Minute})

	// Four failures, then a long pause. These should no longer count.
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	*now = now.Add(11 * time.Minute)

	b.RecordFailure()
	if got := b.State(); got != StateClosed {
		t.Fatalf("stale failures tripped the breaker: state %s", got)
	}
}

func TestBreaker_SuccessClearsFailures(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 5})

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	b.RecordSuccess()
	b.RecordFailure()

	if got := b.State(); got != StateClosed {
		t.Fatalf("expected closed after success reset, got %s", got)
	}
}

func TestBreaker_HalfOpenSingleTrial(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, OpenTimeout: 10 * time.Minute})

	b.RecordFailure()
	if got := b.State(); got != StateOpen {
		t.Fatalf("expected open, got %s", got)
	}

	// Still inside the open timeout.
	*now = now.Add(9 * time.Minute)
	if err := b.Allow(); err != ErrOpen {
		t.Fatalf("expected ErrOpen before timeout, got %v", err)
	}

	// Timeout elapsed: exactly one trial is admitted.
	*now = now.Add(2 * time.Minute)
	if err := b.Allow(); err != nil {
		t.Fatalf("expected trial admission, got %v", err)
	}
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("expected half-open, got %s", got)
	}
	if err := b.Allow(); err != ErrOpen {
		t.Fatalf("expected second caller held during trial, got %v", err)
	}

	b.RecordSuccess()
	if got := b.State(); got != StateClosed {
		t.Fatalf("expected closed after trial success, got %s", got)
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("expected admission after close, got %v", err)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, OpenTimeout: time.Minute})

	b.RecordFailure()
	*now = now.Add(2 * time.Minute)
	if err := b.Allow(); err != nil {
		t.Fatalf("expected trial admission, got %v", err)
	}

	b.RecordFailure()
	if got := b.State(); got != StateOpen {
		t.Fatalf("expected reopen after trial failure, got %s", got)
	}
	if err := b.Allow(); err != ErrOpen {
		t.Fatalf("expected ErrOpen after reopen, got %v", err)
	}

	// A fresh timeout starts from the reopen.
	*now = now.Add(2 * time.Minute)
	if err := b.Allow(); err != nil {
		t.Fatalf("expected new trial after second timeout, got %v", err)
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	changes := make(chan [2]string, 4)
	b, now := newTestBreaker(Config{
		FailureThreshold: 1,
		OpenTimeout:      time.Minute,
		OnStateChange: func(name, from, to string) {
			changes <- [2]string{from, to}
		},
	})

	b.RecordFailure()
	*now = now.Add(2 * time.Minute)
	if err := b.Allow(); err != nil {
		t.Fatalf("expected trial admission, got %v", err)
	}
	b.RecordSuccess()

	want := [][2]string{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}
	for _, w := range want {
		select {
		case got := <-changes:
			if got != w {
				t.Fatalf("expected transition %v, got %v", w, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for transition %v", w)
		}
	}
}

func TestBreaker_Snapshot(t *testing.T) {
	b, now := newTestBreaker(Config{Name: "cred:chat", FailureThreshold: 2, OpenTimeout: 10 * time.Minute})

	b.RecordFailure()
	snap := b.Snapshot()
	if snap.Name != "cred:chat" || snap.State != StateClosed || snap.Failures != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	b.RecordFailure()
	snap = b.Snapshot()
	if snap.State != StateOpen {
		t.Fatalf("expected open snapshot, got %+v", snap)
	}
	if want := now.Add(10 * time.Minute); !snap.RetryPermitAt.Equal(want) {
		t.Errorf("expected retry permit at %s, got %s", want, snap.RetryPermitAt)
	}
}

func TestRegistry_KeysByCredentialAndOperation(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1})

	chat := r.Get("openai-a", "chat")
	chat.RecordFailure()

	if got := r.Get("openai-a", "chat").State(); got != StateOpen {
		t.Fatalf("expected same breaker on repeated Get, got state %s", got)
	}
	if got := r.Get("openai-a", "image-generation").State(); got != StateClosed {
		t.Fatalf("operations must not share breakers, got state %s", got)
	}
	if got := r.Get("openai-b", "chat").State(); got != StateClosed {
		t.Fatalf("credentials must not share breakers, got state %s", got)
	}

	open := r.OpenCircuits()
	if len(open) != 1 || open[0] != "openai-a:chat" {
		t.Fatalf("unexpected open circuits %v", open)
	}
}

func TestRegistry_ResetAll(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1})
	r.Get("a", "chat").RecordFailure()
	r.Get("b", "chat").RecordFailure()

	r.ResetAll()
	if open := r.OpenCircuits(); len(open) != 0 {
		t.Fatalf("expected no open circuits after reset, got %v", open)
	}
}
