package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/proofmeet/backend/internal/model"
	"github.com/proofmeet/backend/internal/store"
)

// ============================================================================
// DIGESTS
// ============================================================================

func (p *PostgresStore) GetOrCreateDigest(ctx context.Context, officerID, date string) (*model.DigestBatch, error) {
	id := fmt.Sprintf("digest-%s-%s", officerID, date)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO digests (id, officer_id, date, session_ids, status, attempts)
		VALUES ($1, $2, $3, '[]', 'PENDING', 0)
		ON CONFLICT (officer_id, date) DO NOTHING`, id, officerID, date)
	if err != nil {
		return nil, mapErr(err)
	}

	row := p.db.QueryRowContext(ctx, `
		SELECT id, officer_id, date, session_ids, status, attempts, sent_at
		FROM digests WHERE officer_id = $1 AND date = $2`, officerID, date)
	return scanDigest(row)
}

func scanDigest(row interface{ Scan(...interface{}) error }) (*model.DigestBatch, error) {
	var d model.DigestBatch
	var sessionIDs []byte
	var sentAt sql.NullTime
	err := row.Scan(&d.ID, &d.OfficerID, &d.Date, &sessionIDs, &d.Status, &d.Attempts, &sentAt)
	if err != nil {
		return nil, mapErr(err)
	}
	if err := jsonScan(sessionIDs, &d.SessionIDs); err != nil {
		return nil, err
	}
	d.SentAt = timePtr(sentAt)
	return &d, nil
}

// AddDigestSessions unions session ids into the batch. A delivered batch
// never grows: sessions landing after the day's digest went out overflow into
// a follow-up batch for the same officer and day, keyed date#2, date#3, ...
func (p *PostgresStore) AddDigestSessions(ctx context.Context, id string, sessionIDs []string) error {
	add, err := jsonValue(sessionIDs)
	if err != nil {
		return err
	}
	n, err := p.unionDigestSessions(ctx, id, add)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var officerID, date string
	err = p.db.QueryRowContext(ctx,
		`SELECT officer_id, date FROM digests WHERE id = $1`, id).Scan(&officerID, &date)
	if err == sql.ErrNoRows {
		return fmt.Errorf("digest %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return mapErr(err)
	}
	day := date
	if i := strings.Index(day, "#"); i >= 0 {
		day = day[:i]
	}

	for part := 2; ; part++ {
		partDate := fmt.Sprintf("%s#%d", day, part)
		partID := fmt.Sprintf("digest-%s-%s", officerID, partDate)
		if _, err := p.db.ExecContext(ctx, `
			INSERT INTO digests (id, officer_id, date, session_ids, status, attempts)
			VALUES ($1, $2, $3, '[]', 'PENDING', 0)
			ON CONFLICT (officer_id, date) DO NOTHING`, partID, officerID, partDate); err != nil {
			return mapErr(err)
		}
		n, err := p.unionDigestSessions(ctx, partID, add)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
	}
}

// unionDigestSessions merges ids into an undelivered batch and reports the
// affected row count. Set-union in SQL so concurrent finalizers never drop
// each other's ids; a SENT batch matches no row.
func (p *PostgresStore) unionDigestSessions(ctx context.Context, id string, add interface{}) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE digests SET session_ids = (
			SELECT COALESCE(jsonb_agg(DISTINCT v), '[]'::jsonb)
			FROM jsonb_array_elements(session_ids || $2::jsonb) AS v
		)
		WHERE id = $1 AND status <> 'SENT'`, id, add)
	if err != nil {
		return 0, mapErr(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (p *PostgresStore) UpdateDigestStatus(ctx context.Context, id string, status model.DigestStatus, sentAt *time.Time) error {
	// A SENT batch never regresses; re-sending the same day is a no-op.
	res, err := p.db.ExecContext(ctx, `
		UPDATE digests SET status = $2, sent_at = $3, attempts = attempts + 1
		WHERE id = $1 AND status <> 'SENT'`, id, status, nullTime(sentAt))
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := p.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM digests WHERE id = $1`, id).Scan(&exists); err != nil {
			return mapErr(err)
		}
		if exists == 0 {
			return fmt.Errorf("digest %s: %w", id, store.ErrNotFound)
		}
	}
	return nil
}

func (p *PostgresStore) ListDigestsByStatus(ctx context.Context, status model.DigestStatus) ([]*model.DigestBatch, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, officer_id, date, session_ids, status, attempts, sent_at
		FROM digests WHERE status = $1 ORDER BY id`, status)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*model.DigestBatch
	for rows.Next() {
		d, err := scanDigest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ============================================================================
// COUNTERS
// ============================================================================

func (p *PostgresStore) NextCardSequence(ctx context.Context, year int, caseDigits string) (int, error) {
	var seq int
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO card_counters (year, case_digits, seq) VALUES ($1, $2, 1)
		ON CONFLICT (year, case_digits) DO UPDATE SET seq = card_counters.seq + 1
		RETURNING seq`, year, caseDigits).Scan(&seq)
	if err != nil {
		return 0, mapErr(err)
	}
	return seq, nil
}

func (p *PostgresStore) NextChainPosition(ctx context.Context, participantID string) (int, error) {
	var position int
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO chain_counters (participant_id, position) VALUES ($1, 1)
		ON CONFLICT (participant_id) DO UPDATE SET position = chain_counters.position + 1
		RETURNING position`, participantID).Scan(&position)
	if err != nil {
		return 0, mapErr(err)
	}
	return position, nil
}

// ============================================================================
// LEASES & NONCES
// ============================================================================

func (p *PostgresStore) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	expires := time.Now().UTC().Add(ttl)
	var got string
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO leases (name, holder, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		WHERE leases.holder = EXCLUDED.holder OR leases.expires_at < NOW()
		RETURNING holder`, name, holder, expires).Scan(&got)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, mapErr(err)
	}
	return got == holder, nil
}

func (p *PostgresStore) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM leases WHERE name = $1 AND holder = $2`, name, holder)
	return mapErr(err)
}

func (p *PostgresStore) PutNonce(ctx context.Context, nonce, cardID, email string, ttl time.Duration) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO nonces (nonce, card_id, email, expires_at)
		VALUES ($1, $2, $3, $4)`, nonce, cardID, email, time.Now().UTC().Add(ttl))
	return mapErr(err)
}

func (p *PostgresStore) ConsumeNonce(ctx context.Context, nonce string) (string, string, error) {
	var cardID, email string
	err := p.db.QueryRowContext(ctx, `
		DELETE FROM nonces WHERE nonce = $1 AND expires_at > NOW()
		RETURNING card_id, email`, nonce).Scan(&cardID, &email)
	if err != nil {
		return "", "", mapErr(err)
	}
	return cardID, email, nil
}
