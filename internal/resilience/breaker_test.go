package resilience

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func failing() error { return errBoom }
func succeeding() error { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{Name: "test", Threshold: 3, CoolDown: time.Hour})

	for i := 0; i < 3; i++ {
		if err := b.Do(failing); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: got %v, want errBoom", i, err)
		}
	}
	if got := b.State(); got != Open {
		t.Fatalf("state = %s, want open", got)
	}
	if err := b.Do(succeeding); !errors.Is(err, ErrOpen) {
		t.Errorf("open breaker let a call through: %v", err)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{Threshold: 3, CoolDown: time.Hour})

	_ = b.Do(failing)
	_ = b.Do(failing)
	_ = b.Do(succeeding)
	_ = b.Do(failing)
	_ = b.Do(failing)

	if got := b.State(); got != Closed {
		t.Errorf("state = %s, want closed (success must reset the streak)", got)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{Threshold: 1, CoolDown: 10 * time.Millisecond, ProbeMax: 2})

	_ = b.Do(failing)
	if got := b.State(); got != Open {
		t.Fatalf("state = %s, want open", got)
	}

	time.Sleep(20 * time.Millisecond)
	if got := b.State(); got != HalfOpen {
		t.Fatalf("state after cool-down = %s, want half-open", got)
	}

	// Enough successful probes close the breaker.
	if err := b.Do(succeeding); err != nil {
		t.Fatalf("probe 1: %v", err)
	}
	if err := b.Do(succeeding); err != nil {
		t.Fatalf("probe 2: %v", err)
	}
	if got := b.State(); got != Closed {
		t.Errorf("state = %s, want closed after successful probes", got)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{Threshold: 1, CoolDown: 10 * time.Millisecond})

	_ = b.Do(failing)
	time.Sleep(20 * time.Millisecond)

	if err := b.Do(failing); !errors.Is(err, errBoom) {
		t.Fatalf("probe: got %v, want errBoom", err)
	}
	if got := b.State(); got != Open {
		t.Errorf("state = %s, want open after failed probe", got)
	}
}

func TestBreakerReset(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{Threshold: 1, CoolDown: time.Hour})

	_ = b.Do(failing)
	if got := b.State(); got != Open {
		t.Fatalf("state = %s, want open", got)
	}
	b.Reset()
	if got := b.State(); got != Closed {
		t.Fatalf("state = %s, want closed after reset", got)
	}
	if err := b.Do(succeeding); err != nil {
		t.Errorf("call after reset failed: %v", err)
	}
}
