// Package postgres implements the decision sink on top of PostgreSQL.
//
// Records land in the disposal_records table, keyed by (subject_id,
// timestamp). The store bootstraps its own schema on startup so a fresh
// database works without manual migration.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/binsentry/binsentry/internal/sink"
)

// Store is a PostgreSQL-backed [sink.Sink].
//
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// schema creates the disposal_records table and its lookup index.
const schema = `
CREATE TABLE IF NOT EXISTS disposal_records (
    subject_id       TEXT        NOT NULL,
    timestamp        TIMESTAMPTZ NOT NULL,
    call_id          TEXT        NOT NULL,
    subject_label    TEXT        NOT NULL DEFAULT '',
    accepted         BOOLEAN     NOT NULL,
    rejection_reason TEXT        NOT NULL DEFAULT '',
    has_change       BOOLEAN     NOT NULL,
    silent           BOOLEAN     NOT NULL,
    feedback         TEXT        NOT NULL DEFAULT '',
    raw_payload      BYTEA,
    PRIMARY KEY (subject_id, timestamp)
);

CREATE INDEX IF NOT EXISTS disposal_records_call_id_idx
    ON disposal_records (call_id);
`

// New connects to the database at dsn, verifies the connection, and ensures
// the schema exists. The caller owns the returned Store and must call Close.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres sink: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres sink: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres sink: init schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Put implements [sink.Sink]. It appends rec to disposal_records.
func (s *Store) Put(ctx context.Context, rec sink.Record) error {
	const q = `
		INSERT INTO disposal_records
		    (subject_id, timestamp, call_id, subject_label, accepted,
		     rejection_reason, has_change, silent, feedback, raw_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, q,
		rec.SubjectID,
		rec.Timestamp,
		rec.CallID,
		rec.SubjectLabel,
		rec.Accepted,
		rec.RejectionReason,
		rec.HasChange,
		rec.Silent,
		rec.Feedback,
		rec.RawPayload,
	)
	if err != nil {
		return fmt.Errorf("postgres sink: put: %w", err)
	}
	return nil
}

// Stats implements [sink.Sink]. Counts are aggregated server-side in a
// single round trip plus one grouped query for rejection reasons.
func (s *Store) Stats(ctx context.Context) (sink.Stats, error) {
	const totalsQ = `
		SELECT count(*),
		       count(*) FILTER (WHERE accepted),
		       count(*) FILTER (WHERE NOT accepted),
		       count(*) FILTER (WHERE silent)
		FROM   disposal_records`

	var st sink.Stats
	if err := s.pool.QueryRow(ctx, totalsQ).Scan(
		&st.Total, &st.Accepted, &st.Rejected, &st.Silent,
	); err != nil {
		return sink.Stats{}, fmt.Errorf("postgres sink: stats totals: %w", err)
	}

	const reasonsQ = `
		SELECT rejection_reason, count(*)
		FROM   disposal_records
		WHERE  NOT accepted AND rejection_reason <> ''
		GROUP  BY rejection_reason`

	rows, err := s.pool.Query(ctx, reasonsQ)
	if err != nil {
		return sink.Stats{}, fmt.Errorf("postgres sink: stats reasons: %w", err)
	}
	defer rows.Close()

	st.RejectionReasons = make(map[string]int)
	for rows.Next() {
		var reason string
		var n int
		if err := rows.Scan(&reason, &n); err != nil {
			return sink.Stats{}, fmt.Errorf("postgres sink: scan reason: %w", err)
		}
		st.RejectionReasons[reason] = n
	}
	if err := rows.Err(); err != nil {
		return sink.Stats{}, fmt.Errorf("postgres sink: stats reasons: %w", err)
	}
	return st, nil
}

// Ping probes the database, for use as a readiness checker.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Compile-time check that Store satisfies sink.Sink.
var _ sink.Sink = (*Store)(nil)
