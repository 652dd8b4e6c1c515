package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/proofmeet/backend/internal/model"
	"github.com/proofmeet/backend/internal/store"
)

// ============================================================================
// SESSIONS
// ============================================================================

func (p *PostgresStore) CreateSession(ctx context.Context, s *model.Session) error {
	totals, err := jsonValue(s.Totals)
	if err != nil {
		return err
	}
	metadata, err := jsonValue(s.Metadata)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO sessions
			(id, participant_id, officer_id, meeting_id, join_time, leave_time, status,
			 totals, attendance_pct, verification_method, is_valid, metadata,
			 card_issued, last_event_time, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		s.ID, s.ParticipantID, s.OfficerID, s.ExternalMeetingID,
		s.JoinTime, nullTime(s.LeaveTime), s.Status,
		totals, s.AttendancePct, s.VerificationMethod, s.IsValid, metadata,
		s.CardIssued, s.LastEventTime, s.Version)
	return mapErr(err)
}

const sessionColumns = `id, participant_id, officer_id, meeting_id, join_time, leave_time,
	status, totals, attendance_pct, verification_method, is_valid, metadata,
	card_issued, last_event_time, version`

func scanSession(row interface{ Scan(...interface{}) error }) (*model.Session, error) {
	var s model.Session
	var leave sql.NullTime
	var totals, metadata []byte
	err := row.Scan(&s.ID, &s.ParticipantID, &s.OfficerID, &s.ExternalMeetingID,
		&s.JoinTime, &leave, &s.Status, &totals, &s.AttendancePct,
		&s.VerificationMethod, &s.IsValid, &metadata,
		&s.CardIssued, &s.LastEventTime, &s.Version)
	if err != nil {
		return nil, mapErr(err)
	}
	s.LeaveTime = timePtr(leave)
	if err := jsonScan(totals, &s.Totals); err != nil {
		return nil, err
	}
	if err := jsonScan(metadata, &s.Metadata); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSession loads the session row and its ordered timeline.
func (p *PostgresStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT seq, t, kind, source, data
		FROM session_events WHERE session_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	for rows.Next() {
		var ev model.TimelineEvent
		var data []byte
		if err := rows.Scan(&ev.Seq, &ev.Time, &ev.Kind, &ev.Source, &data); err != nil {
			return nil, mapErr(err)
		}
		if err := jsonScan(data, &ev.Data); err != nil {
			return nil, err
		}
		s.Timeline = append(s.Timeline, ev)
	}
	return s, rows.Err()
}

// AppendEvent inserts one event under the per-session writer lock (the row
// lock taken by SELECT FOR UPDATE). The (session_id, dedup_key) uniqueness
// constraint absorbs duplicates without burning a sequence number.
func (p *PostgresStore) AppendEvent(ctx context.Context, sessionID string, ev model.TimelineEvent) (store.AppendResult, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return "", mapErr(err)
	}
	defer tx.Rollback()

	var exists string
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&exists); err != nil {
		return "", mapErr(err)
	}

	dedup := store.EventDedupKey(ev.Source, ev.Kind, ev.Time)
	var dup int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM session_events
		WHERE session_id = $1 AND dedup_key = $2`, sessionID, dedup).Scan(&dup); err != nil {
		return "", mapErr(err)
	}
	if dup > 0 {
		return store.AppendDuplicate, tx.Commit()
	}

	data, err := jsonValue(ev.Data)
	if err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_events (session_id, seq, t, kind, source, data, dedup_key)
		VALUES ($1,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM session_events WHERE session_id = $1),
			$2, $3, $4, $5, $6)`,
		sessionID, ev.Time, ev.Kind, ev.Source, data, dedup); err != nil {
		return "", mapErr(err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET last_event_time = GREATEST(last_event_time, $2) WHERE id = $1`,
		sessionID, ev.Time); err != nil {
		return "", mapErr(err)
	}
	return store.AppendAccepted, tx.Commit()
}

// UpdateDerived is the version CAS. A stale expectedVersion returns
// ErrVersionConflict; the timeline service re-reads and retries.
func (p *PostgresStore) UpdateDerived(ctx context.Context, sessionID string, expectedVersion int64, d store.DerivedFields) error {
	totals, err := jsonValue(d.Totals)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET
			status = $3, leave_time = $4, totals = $5, attendance_pct = $6,
			verification_method = $7, is_valid = $8, card_issued = $9,
			version = version + 1
		WHERE id = $1 AND version = $2`,
		sessionID, expectedVersion,
		d.Status, nullTime(d.LeaveTime), totals, d.AttendancePct,
		d.VerificationMethod, d.IsValid, d.CardIssued)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := p.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sessions WHERE id = $1`, sessionID).Scan(&exists); err != nil {
			return mapErr(err)
		}
		if exists == 0 {
			return store.ErrNotFound
		}
		return fmt.Errorf("session %s version %d: %w", sessionID, expectedVersion, store.ErrVersionConflict)
	}
	return nil
}

func (p *PostgresStore) SetMetadata(ctx context.Context, sessionID string, key string, value interface{}) error {
	patch, err := jsonValue(map[string]interface{}{key: value})
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET metadata = COALESCE(metadata, '{}'::jsonb) || $2::jsonb
		WHERE id = $1`, sessionID, patch)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (p *PostgresStore) FindInProgressByMeeting(ctx context.Context, externalMeetingID, participantID string) (*model.Session, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE meeting_id = $1 AND participant_id = $2 AND status = 'IN_PROGRESS'
		ORDER BY join_time DESC LIMIT 1`, externalMeetingID, participantID)
	s, err := scanSession(row)
	if err != nil {
		return nil, err
	}
	return p.GetSession(ctx, s.ID)
}

func (p *PostgresStore) ListSessionsByStatus(ctx context.Context, status model.SessionStatus) ([]*model.Session, error) {
	return p.listSessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = $1 ORDER BY join_time`, status)
}

func (p *PostgresStore) ListCompletedUnissued(ctx context.Context) ([]*model.Session, error) {
	return p.listSessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE status = 'COMPLETED' AND NOT card_issued ORDER BY join_time`)
}

func (p *PostgresStore) ListSessionsByParticipant(ctx context.Context, participantID string) ([]*model.Session, error) {
	return p.listSessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE participant_id = $1 ORDER BY join_time`, participantID)
}

// listSessions returns session rows without their timelines; list callers
// only read derived fields.
func (p *PostgresStore) listSessions(ctx context.Context, query string, args ...interface{}) ([]*model.Session, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
