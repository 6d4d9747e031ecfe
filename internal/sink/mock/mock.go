// Package mock provides a test double for the sink package.
//
// Sink records every Put call so tests can assert exactly which decision
// records reached persistence, and can be configured to fail to exercise
// the hub's degraded-write path.
package mock

import (
	"context"
	"sync"

	"github.com/binsentry/binsentry/internal/sink"
)

// Sink is a mock implementation of sink.Sink.
type Sink struct {
	mu sync.Mutex

	// PutErr, if non-nil, is returned by every Put call.
	PutErr error

	// StatsResult is returned by Stats.
	StatsResult sink.Stats

	// StatsErr, if non-nil, is returned by Stats.
	StatsErr error

	// PutCalls records every record passed to Put, in order.
	PutCalls []sink.Record

	// StatsCallCount is the number of times Stats was called.
	StatsCallCount int
}

// Put records the call and returns PutErr.
func (s *Sink) Put(_ context.Context, rec sink.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PutCalls = append(s.PutCalls, rec)
	return s.PutErr
}

// Stats records the call and returns StatsResult, StatsErr.
func (s *Sink) Stats(context.Context) (sink.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StatsCallCount++
	return s.StatsResult, s.StatsErr
}

// Records returns a copy of all records written so far. Thread-safe.
func (s *Sink) Records() []sink.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sink.Record, len(s.PutCalls))
	copy(out, s.PutCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PutCalls = nil
	s.StatsCallCount = 0
}

// Compile-time check that Sink satisfies sink.Sink.
var _ sink.Sink = (*Sink)(nil)
