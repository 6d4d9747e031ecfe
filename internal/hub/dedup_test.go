package hub

import (
	"fmt"
	"testing"
	"time"
)

func TestCallSetSeen(t *testing.T) {
	t.Parallel()
	s := newCallSet(10, 0)

	if s.Seen("a") {
		t.Error("first sighting reported as seen")
	}
	if !s.Seen("a") {
		t.Error("second sighting not reported as seen")
	}
	if s.Seen("b") {
		t.Error("distinct id reported as seen")
	}
}

func TestCallSetCapacityEviction(t *testing.T) {
	t.Parallel()
	s := newCallSet(3, 0)

	for i := 0; i < 4; i++ {
		s.Seen(fmt.Sprintf("id-%d", i))
	}

	if s.Len() != 3 {
		t.Fatalf("len = %d, want 3", s.Len())
	}
	// id-0 was evicted, so it reads as fresh again.
	if s.Seen("id-0") {
		t.Error("evicted id still reported as seen")
	}
	// The newest survived.
	if !s.Seen("id-3") {
		t.Error("recent id was evicted")
	}
}

func TestCallSetTTLExpiry(t *testing.T) {
	t.Parallel()
	s := newCallSet(10, time.Minute)

	now := time.Now()
	s.now = func() time.Time { return now }

	s.Seen("old")
	now = now.Add(2 * time.Minute)

	if s.Seen("old") {
		t.Error("expired id still reported as seen")
	}
	if got := s.Len(); got != 1 {
		t.Errorf("len = %d, want 1 (only the re-inserted id)", got)
	}
}
