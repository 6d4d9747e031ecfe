// Package resilience provides the circuit breaker guarding calls to
// external hardware and services.
//
// [Breaker] is a classic three-state breaker (closed, open, half-open).
// When an endpoint fails repeatedly the breaker opens and rejects calls
// immediately, so a dead servo bridge cannot hold every decision fan-out
// hostage for a full HTTP timeout.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker is open and the
// cool-down has not yet elapsed.
var ErrOpen = errors.New("resilience: breaker open")

// State is the breaker's operating mode.
type State int

const (
	// Closed forwards all calls.
	Closed State = iota

	// Open rejects all calls until the cool-down elapses.
	Open

	// HalfOpen lets a limited number of probe calls through to test whether
	// the endpoint has recovered.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// BreakerConfig holds tuning knobs for a [Breaker]. Zero fields select the
// defaults.
type BreakerConfig struct {
	// Name labels the breaker in log messages.
	Name string

	// Threshold is the consecutive-failure count that opens the breaker.
	// Default: 5.
	Threshold int

	// CoolDown is how long the breaker stays open before probing again.
	// Default: 30s.
	CoolDown time.Duration

	// ProbeMax is the probe budget in the half-open state. Default: 3.
	ProbeMax int
}

// Breaker is a three-state circuit breaker.
type Breaker struct {
	name      string
	threshold int
	coolDown  time.Duration
	probeMax  int

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probes      int
	probeFails  int
}

// NewBreaker creates a Breaker from cfg, applying defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	if cfg.ProbeMax <= 0 {
		cfg.ProbeMax = 3
	}
	return &Breaker{
		name:      cfg.Name,
		threshold: cfg.Threshold,
		coolDown:  cfg.CoolDown,
		probeMax:  cfg.ProbeMax,
	}
}

// Do runs fn if the breaker allows it, returning [ErrOpen] otherwise. The
// outcome of fn feeds back into the breaker state.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.allow()
	if err != nil {
		return err
	}

	err = fn()
	if err != nil {
		b.fail(probe)
	} else {
		b.succeed(probe)
	}
	return err
}

// allow decides whether a call may proceed. The returned bool marks the call
// as a half-open probe.
func (b *Breaker) allow() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if time.Since(b.lastFailure) < b.coolDown {
			return false, ErrOpen
		}
		b.state = HalfOpen
		b.probes = 0
		b.probeFails = 0
		slog.Info("breaker half-open, probing", "name", b.name)

	case HalfOpen:
		if b.probes >= b.probeMax {
			return false, ErrOpen
		}
	}

	if b.state == HalfOpen {
		b.probes++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) fail(probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()
	if probe {
		b.probeFails++
		b.state = Open
		b.failures = b.threshold
		slog.Warn("breaker re-opened from half-open", "name", b.name)
		return
	}

	b.failures++
	if b.state == Closed && b.failures >= b.threshold {
		b.state = Open
		slog.Warn("breaker opened", "name", b.name, "consecutive_failures", b.failures)
	}
}

func (b *Breaker) succeed(probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		if b.probes-b.probeFails >= b.probeMax {
			b.state = Closed
			b.failures = 0
			slog.Info("breaker closed after successful probes", "name", b.name)
		}
		return
	}
	b.failures = 0
}

// State returns the breaker's current state. An open breaker whose cool-down
// has elapsed reports HalfOpen; the actual transition happens on the next Do.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open && time.Since(b.lastFailure) >= b.coolDown {
		return HalfOpen
	}
	return b.state
}

// Reset forces the breaker back to Closed, clearing all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = Closed
	b.failures = 0
	b.probes = 0
	b.probeFails = 0
}
