// Package actuator drives the physical sorting chute.
//
// The chute is a single servo reachable through an [Endpoint]. Commands are
// executed by one worker goroutine so motions never interleave; after an
// Accept or Reject motion the driver schedules an automatic return to
// Neutral, cancelled by any explicit follow-up command.
//
// Queue policy: at most one command may be pending behind the one in
// motion. A newer command replaces the pending one — the bin only ever cares
// about the most recent decision, and replaying a stale motion after a
// rapid double-trigger would physically contradict the newest outcome.
package actuator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Position is a named servo preset.
type Position string

const (
	// Accept opens the accept chute.
	Accept Position = "accept"

	// Reject opens the reject chute.
	Reject Position = "reject"

	// Neutral is the resting position the chute returns to between events.
	Neutral Position = "neutral"
)

// IsValid reports whether p is a recognised position.
func (p Position) IsValid() bool {
	return p == Accept || p == Reject || p == Neutral
}

// ErrClosed is returned by MoveTo after the driver has been stopped.
var ErrClosed = errors.New("actuator: driver closed")

// DefaultResetDelay is the auto-return delay when none is configured.
const DefaultResetDelay = 3 * time.Second

// moveTimeout bounds a single endpoint call so a wedged bridge cannot stall
// the worker forever.
const moveTimeout = 10 * time.Second

// Endpoint is the hardware boundary: something that can physically move the
// chute to a named position. Implementations must respect ctx cancellation.
type Endpoint interface {
	SetPosition(ctx context.Context, pos Position) error
}

// Driver serializes commands onto an [Endpoint] and manages the
// auto-return-to-neutral timer.
//
// MoveTo is asynchronous and never blocks on the hardware. Endpoint failures
// are logged and reported through OnError, never propagated as panics; the
// caller's decision fan-out continues regardless.
//
// All methods are safe for concurrent use.
type Driver struct {
	endpoint   Endpoint
	resetDelay time.Duration

	// OnError, if non-nil, is invoked with every endpoint failure. Set it
	// before Start. Used by the hub to count actuator faults.
	OnError func(error)

	mu      sync.Mutex
	pending *Position // at most one queued command; newest wins
	wake    chan struct{}
	closed  bool

	resetTimer *time.Timer

	done chan struct{}
}

// New creates a Driver for the given endpoint. A zero or negative resetDelay
// selects [DefaultResetDelay].
func New(endpoint Endpoint, resetDelay time.Duration) *Driver {
	if resetDelay <= 0 {
		resetDelay = DefaultResetDelay
	}
	return &Driver{
		endpoint:   endpoint,
		resetDelay: resetDelay,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Start launches the worker goroutine. The worker exits when ctx is
// cancelled or Close is called.
func (d *Driver) Start(ctx context.Context) {
	go d.run(ctx)
}

// MoveTo queues a motion to pos. If a command is already pending it is
// replaced. Any scheduled auto-return is cancelled; a fresh one is armed
// after the motion completes (unless pos is Neutral).
func (d *Driver) MoveTo(pos Position) error {
	if !pos.IsValid() {
		return errors.New("actuator: unknown position " + string(pos))
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if d.pending != nil {
		slog.Debug("actuator: replacing pending command",
			"replaced", *d.pending,
			"with", pos,
		)
	}
	p := pos
	d.pending = &p
	d.stopResetLocked()
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close stops the worker. Pending commands are dropped. Safe to call more
// than once.
func (d *Driver) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.pending = nil
	d.stopResetLocked()
	close(d.done)
	d.mu.Unlock()
}

// run is the worker loop: take the pending command, execute it, arm the
// auto-return, repeat.
func (d *Driver) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		case <-d.wake:
		}

		for {
			d.mu.Lock()
			if d.pending == nil || d.closed {
				d.mu.Unlock()
				break
			}
			pos := *d.pending
			d.pending = nil
			d.mu.Unlock()

			d.execute(ctx, pos)
		}
	}
}

// execute performs one motion and arms the auto-return timer.
func (d *Driver) execute(ctx context.Context, pos Position) {
	moveCtx, cancel := context.WithTimeout(ctx, moveTimeout)
	err := d.endpoint.SetPosition(moveCtx, pos)
	cancel()

	if err != nil {
		slog.Error("actuator: motion failed", "position", pos, "err", err)
		if d.OnError != nil {
			d.OnError(err)
		}
		return
	}
	slog.Info("actuator: moved", "position", pos)

	if pos == Neutral {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.stopResetLocked()
	d.resetTimer = time.AfterFunc(d.resetDelay, func() {
		d.autoReturn()
	})
}

// autoReturn fires from the reset timer: queue a Neutral motion unless a
// newer explicit command is already waiting.
func (d *Driver) autoReturn() {
	d.mu.Lock()
	if d.closed || d.pending != nil {
		d.mu.Unlock()
		return
	}
	n := Neutral
	d.pending = &n
	d.mu.Unlock()

	slog.Debug("actuator: auto-return to neutral")
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// stopResetLocked cancels a scheduled auto-return. Caller holds d.mu.
func (d *Driver) stopResetLocked() {
	if d.resetTimer != nil {
		d.resetTimer.Stop()
		d.resetTimer = nil
	}
}
