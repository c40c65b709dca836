// Package audit persists a record of every rejected token verification
// attempt, so a tenant's security team can later answer "who tried to use a
// token against us and why did it fail".
package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Open creates a connection pool for the audit database. Grounded on the
// teacher's internal/db.Open: same ParseConfig -> pool overrides -> Ping
// sequence, with smaller pool limits sized for an audit sink.
func Open(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}

	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("audit postgres connection pool created")

	return pool, nil
}

// Entry is one recorded verification failure.
type Entry struct {
	OccurredAt    time.Time
	TenantID      string
	Reason        string
	Detail        string
	CorrelationID string
	ClientIP      string
}

// Store writes Entry rows to Postgres. A nil *Store is valid and every
// method becomes a no-op, so audit logging can be disabled entirely by not
// configuring a database URL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps an already-opened pool. Passing a nil pool yields a Store
// whose methods are no-ops.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS verification_failure (
	id              BIGSERIAL PRIMARY KEY,
	occurred_at     TIMESTAMPTZ NOT NULL,
	tenant_id       TEXT NOT NULL,
	reason          TEXT NOT NULL,
	detail          TEXT NOT NULL DEFAULT '',
	correlation_id  TEXT NOT NULL DEFAULT '',
	client_ip       TEXT NOT NULL DEFAULT ''
)`

// Migrate creates the verification_failure table if it doesn't already
// exist. Intended to run once at startup; not a general migration runner.
func (s *Store) Migrate(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// RecordFailure inserts one failed-verification entry. Errors are logged
// and swallowed: a broken audit sink must never fail the request that
// triggered it.
func (s *Store) RecordFailure(ctx context.Context, e Entry) {
	if s == nil || s.pool == nil {
		return
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO verification_failure
			(occurred_at, tenant_id, reason, detail, correlation_id, client_ip)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.OccurredAt, e.TenantID, e.Reason, e.Detail, e.CorrelationID, e.ClientIP)
	if err != nil {
		log.Error().Err(err).Str("reason", e.Reason).Msg("failed to record verification failure in audit store")
	}
}

// Close releases the underlying pool, if any.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
