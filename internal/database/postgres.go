// Package database is the Postgres implementation of the store interfaces.
// Sessions keep their timelines in a session_events table with a uniqueness
// constraint carrying the duplicate-suppression key; derived-field updates are
// compare-and-swap on the session version column.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"

	"github.com/proofmeet/backend/internal/store"
)

// PostgresStore implements store.Store on database/sql + lib/pq.
type PostgresStore struct {
	db     *sql.DB
	logger *log.Logger
}

var _ store.Store = (*PostgresStore)(nil)

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{
		db:     db,
		logger: log.New(log.Writer(), "[DATABASE] ", log.LstdFlags),
	}, nil
}

// Close releases the connection pool.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}

// Migrate creates the schema. Idempotent; run at startup.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	p.logger.Printf("Schema migrated (%d statements)", len(schema))
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS participants (
		id              TEXT PRIMARY KEY,
		email           TEXT NOT NULL UNIQUE,
		first_name      TEXT NOT NULL DEFAULT '',
		last_name       TEXT NOT NULL DEFAULT '',
		case_number     TEXT NOT NULL DEFAULT '',
		officer_id      TEXT NOT NULL DEFAULT '',
		timezone        TEXT NOT NULL DEFAULT '',
		password_hash   TEXT NOT NULL DEFAULT '',
		email_verified  BOOLEAN NOT NULL DEFAULT FALSE,
		is_active       BOOLEAN NOT NULL DEFAULT TRUE,
		created_at      TIMESTAMPTZ NOT NULL,
		deactivated_at  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_participants_officer ON participants (officer_id)`,

	`CREATE TABLE IF NOT EXISTS officers (
		id            TEXT PRIMARY KEY,
		email         TEXT NOT NULL UNIQUE,
		first_name    TEXT NOT NULL DEFAULT '',
		last_name     TEXT NOT NULL DEFAULT '',
		badge         TEXT NOT NULL DEFAULT '',
		organization  TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL DEFAULT '',
		is_active     BOOLEAN NOT NULL DEFAULT TRUE,
		created_at    TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS meetings (
		id                     TEXT PRIMARY KEY,
		provider_meeting_id    TEXT NOT NULL UNIQUE,
		name                   TEXT NOT NULL,
		program                TEXT NOT NULL DEFAULT '',
		scheduled_start        TIMESTAMPTZ NOT NULL,
		scheduled_duration_min INTEGER NOT NULL,
		timezone               TEXT NOT NULL DEFAULT '',
		join_url               TEXT NOT NULL DEFAULT '',
		passcode               TEXT NOT NULL DEFAULT '',
		tags                   JSONB,
		host_email             TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS requirements (
		id                      TEXT PRIMARY KEY,
		participant_id          TEXT NOT NULL,
		officer_id              TEXT NOT NULL,
		total_meetings_required INTEGER NOT NULL DEFAULT 0,
		meetings_per_week       INTEGER NOT NULL DEFAULT 0,
		required_programs       JSONB,
		minimum_duration_min    INTEGER NOT NULL DEFAULT 0,
		minimum_attendance_pct  DOUBLE PRECISION NOT NULL DEFAULT 0,
		active                  BOOLEAN NOT NULL DEFAULT TRUE,
		created_at              TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_requirements_one_active
		ON requirements (participant_id) WHERE active`,

	`CREATE TABLE IF NOT EXISTS sessions (
		id                  TEXT PRIMARY KEY,
		participant_id      TEXT NOT NULL,
		officer_id          TEXT NOT NULL,
		meeting_id          TEXT NOT NULL,
		join_time           TIMESTAMPTZ NOT NULL,
		leave_time          TIMESTAMPTZ,
		status              TEXT NOT NULL,
		totals              JSONB,
		attendance_pct      DOUBLE PRECISION NOT NULL DEFAULT 0,
		verification_method TEXT NOT NULL DEFAULT 'NONE',
		is_valid            BOOLEAN NOT NULL DEFAULT FALSE,
		metadata            JSONB,
		card_issued         BOOLEAN NOT NULL DEFAULT FALSE,
		last_event_time     TIMESTAMPTZ NOT NULL,
		version             BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions (status)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_meeting ON sessions (meeting_id, participant_id)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_participant ON sessions (participant_id)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_unissued
		ON sessions (status) WHERE status = 'COMPLETED' AND NOT card_issued`,

	`CREATE TABLE IF NOT EXISTS session_events (
		session_id TEXT NOT NULL REFERENCES sessions (id),
		seq        BIGINT NOT NULL,
		t          TIMESTAMPTZ NOT NULL,
		kind       TEXT NOT NULL,
		source     TEXT NOT NULL,
		data       JSONB,
		dedup_key  TEXT NOT NULL,
		PRIMARY KEY (session_id, seq),
		UNIQUE (session_id, dedup_key)
	)`,

	`CREATE TABLE IF NOT EXISTS cards (
		id               TEXT PRIMARY KEY,
		session_id       TEXT NOT NULL UNIQUE,
		number           TEXT NOT NULL UNIQUE,
		participant_id   TEXT NOT NULL,
		participant      JSONB NOT NULL,
		officer          JSONB NOT NULL,
		meeting          JSONB NOT NULL,
		join_time        TIMESTAMPTZ NOT NULL,
		leave_time       TIMESTAMPTZ NOT NULL,
		metrics          JSONB NOT NULL,
		verdict          TEXT NOT NULL,
		violations       JSONB,
		explanation      TEXT NOT NULL DEFAULT '',
		hash             TEXT NOT NULL,
		prev_hash        TEXT NOT NULL,
		chain_position   INTEGER NOT NULL,
		verification_url TEXT NOT NULL DEFAULT '',
		qr_payload       TEXT NOT NULL DEFAULT '',
		qr_ec            TEXT NOT NULL DEFAULT 'H',
		generated_at     TIMESTAMPTZ NOT NULL,
		tampered         BOOLEAN NOT NULL DEFAULT FALSE,
		UNIQUE (participant_id, chain_position)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cards_participant ON cards (participant_id, chain_position)`,
	`CREATE INDEX IF NOT EXISTS idx_cards_email ON cards ((participant ->> 'email'))`,
	`CREATE INDEX IF NOT EXISTS idx_cards_case ON cards ((participant ->> 'case_number'))`,

	`CREATE TABLE IF NOT EXISTS signatures (
		id          TEXT PRIMARY KEY,
		card_id     TEXT NOT NULL REFERENCES cards (id),
		signer_role TEXT NOT NULL,
		signer_id   TEXT NOT NULL DEFAULT '',
		signer_name TEXT NOT NULL DEFAULT '',
		signer_email TEXT NOT NULL DEFAULT '',
		auth_method TEXT NOT NULL,
		ts          TIMESTAMPTZ NOT NULL,
		signature   BYTEA NOT NULL,
		fingerprint TEXT NOT NULL DEFAULT '',
		metadata    JSONB,
		UNIQUE (card_id, signer_role)
	)`,

	`CREATE TABLE IF NOT EXISTS webcam_snapshots (
		id                  TEXT PRIMARY KEY,
		session_id          TEXT NOT NULL,
		captured_at         TIMESTAMPTZ NOT NULL,
		minute_into_meeting INTEGER NOT NULL,
		blob_ref            TEXT NOT NULL,
		face_detected       BOOLEAN,
		match_score         DOUBLE PRECISION
	)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshots_session ON webcam_snapshots (session_id)`,

	`CREATE TABLE IF NOT EXISTS digests (
		id          TEXT PRIMARY KEY,
		officer_id  TEXT NOT NULL,
		date        TEXT NOT NULL,
		session_ids JSONB NOT NULL DEFAULT '[]',
		status      TEXT NOT NULL DEFAULT 'PENDING',
		attempts    INTEGER NOT NULL DEFAULT 0,
		sent_at     TIMESTAMPTZ,
		UNIQUE (officer_id, date)
	)`,

	`CREATE TABLE IF NOT EXISTS card_counters (
		year        INTEGER NOT NULL,
		case_digits TEXT NOT NULL,
		seq         INTEGER NOT NULL,
		PRIMARY KEY (year, case_digits)
	)`,

	`CREATE TABLE IF NOT EXISTS chain_counters (
		participant_id TEXT PRIMARY KEY,
		position       INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS leases (
		name       TEXT PRIMARY KEY,
		holder     TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS nonces (
		nonce      TEXT PRIMARY KEY,
		card_id    TEXT NOT NULL,
		email      TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
}

// ============================================================================
// HELPERS
// ============================================================================

// uniqueViolation is the Postgres error code for a unique constraint.
const uniqueViolation = "23505"

// mapErr translates lib/pq errors onto the store error taxonomy.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%v: %w", pqErr.Constraint, store.ErrConflict)
	}
	return err
}

// jsonValue marshals v for a JSONB column; nil stays NULL.
func jsonValue(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// jsonScan unmarshals a JSONB column into dst, tolerating NULL.
func jsonScan(raw []byte, dst interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
