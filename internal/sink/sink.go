// Package sink defines the append-only store for disposal decision records.
//
// Every decision the hub accepts is written exactly once as a [Record],
// keyed by (SubjectID, Timestamp). Implementations must be safe for
// concurrent use; the hub calls Put from its dispatch goroutine but Stats
// may be called concurrently from HTTP handlers.
package sink

import (
	"context"
	"sync"
	"time"
)

// Record is one persisted disposal decision. Fields mirror the upstream
// decision event plus the Silent flag distinguishing recorded-but-not-acted
// outcomes, and a raw-payload backup for later reconciliation.
type Record struct {
	// SubjectID is the partition key, typically the deployment's bin id.
	SubjectID string

	// Timestamp is the sort key; assigned by the hub when the decision is
	// accepted.
	Timestamp time.Time

	// CallID is the upstream correlation id that deduplicated this decision.
	CallID string

	// SubjectLabel is the item category the upstream detected.
	SubjectLabel string

	// Accepted reports whether the item passed validation.
	Accepted bool

	// RejectionReason is set when Accepted is false (e.g. "has_cap").
	RejectionReason string

	// HasChange reports whether the upstream saw a meaningful change.
	HasChange bool

	// Silent marks records that produced no actuation and no audio feedback.
	Silent bool

	// Feedback is the free-text message spoken to the user.
	Feedback string

	// RawPayload is the unparsed upstream decision payload.
	RawPayload []byte
}

// Stats is an aggregate over stored records, served to the dashboard.
type Stats struct {
	Total            int            `json:"total"`
	Accepted         int            `json:"accepted"`
	Rejected         int            `json:"rejected"`
	Silent           int            `json:"silent"`
	RejectionReasons map[string]int `json:"rejection_reasons"`
}

// Sink is the append-only decision store. No update or delete contract is
// offered; Put must be idempotence-agnostic (the hub deduplicates upstream
// of the sink).
type Sink interface {
	// Put appends one record. It must respect ctx cancellation.
	Put(ctx context.Context, rec Record) error

	// Stats returns aggregate counts over all stored records.
	Stats(ctx context.Context) (Stats, error)
}

// Memory is a bounded in-memory Sink. It retains the most recent Capacity
// records and aggregates stats over everything ever written. Used as the
// fallback when no database is configured, and in tests.
//
// All methods are safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	capacity int
	records  []Record
	stats    Stats
}

// defaultMemoryCapacity bounds the record ring when the caller passes 0.
const defaultMemoryCapacity = 256

// NewMemory creates a Memory sink retaining at most capacity records.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &Memory{
		capacity: capacity,
		stats:    Stats{RejectionReasons: make(map[string]int)},
	}
}

// Put implements [Sink].
func (m *Memory) Put(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = append(m.records, rec)
	if len(m.records) > m.capacity {
		m.records = m.records[len(m.records)-m.capacity:]
	}

	m.stats.Total++
	if rec.Silent {
		m.stats.Silent++
	}
	if rec.Accepted {
		m.stats.Accepted++
	} else {
		m.stats.Rejected++
		if rec.RejectionReason != "" {
			m.stats.RejectionReasons[rec.RejectionReason]++
		}
	}
	return nil
}

// Stats implements [Sink].
func (m *Memory) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.stats
	out.RejectionReasons = make(map[string]int, len(m.stats.RejectionReasons))
	for k, v := range m.stats.RejectionReasons {
		out.RejectionReasons[k] = v
	}
	return out, nil
}

// Recent returns up to limit of the most recent records, newest first.
func (m *Memory) Recent(limit int) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	out := make([]Record, 0, limit)
	for i := len(m.records) - 1; i >= len(m.records)-limit; i-- {
		out = append(out, m.records[i])
	}
	return out
}

// Compile-time check that Memory satisfies Sink.
var _ Sink = (*Memory)(nil)
