package database

import (
	"context"
	"strings"

	"github.com/proofmeet/backend/internal/model"
	"github.com/proofmeet/backend/internal/store"
)

// ============================================================================
// COURT CARDS
// ============================================================================

func (p *PostgresStore) CreateCard(ctx context.Context, c *model.CourtCard) error {
	participant, err := jsonValue(c.ParticipantSnapshot)
	if err != nil {
		return err
	}
	officer, err := jsonValue(c.OfficerSnapshot)
	if err != nil {
		return err
	}
	meeting, err := jsonValue(c.MeetingSnapshot)
	if err != nil {
		return err
	}
	metrics, err := jsonValue(c.Metrics)
	if err != nil {
		return err
	}
	violations, err := jsonValue(c.Violations)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO cards
			(id, session_id, number, participant_id, participant, officer, meeting,
			 join_time, leave_time, metrics, verdict, violations, explanation,
			 hash, prev_hash, chain_position, verification_url, qr_payload, qr_ec,
			 generated_at, tampered)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21)`,
		c.ID, c.SessionID, c.Number, c.ParticipantID, participant, officer, meeting,
		c.JoinTime, c.LeaveTime, metrics, c.Verdict, violations, c.Explanation,
		c.Hash, c.PrevHash, c.ChainPosition, c.VerificationURL, c.QRPayload, c.QRErrorCorrection,
		c.GeneratedAt, c.Tampered)
	return mapErr(err)
}

const cardColumns = `id, session_id, number, participant_id, participant, officer, meeting,
	join_time, leave_time, metrics, verdict, violations, explanation,
	hash, prev_hash, chain_position, verification_url, qr_payload, qr_ec,
	generated_at, tampered`

func scanCard(row interface{ Scan(...interface{}) error }) (*model.CourtCard, error) {
	var c model.CourtCard
	var participant, officer, meeting, metrics, violations []byte
	err := row.Scan(&c.ID, &c.SessionID, &c.Number, &c.ParticipantID,
		&participant, &officer, &meeting,
		&c.JoinTime, &c.LeaveTime, &metrics, &c.Verdict, &violations, &c.Explanation,
		&c.Hash, &c.PrevHash, &c.ChainPosition, &c.VerificationURL, &c.QRPayload, &c.QRErrorCorrection,
		&c.GeneratedAt, &c.Tampered)
	if err != nil {
		return nil, mapErr(err)
	}
	for _, pair := range []struct {
		raw []byte
		dst interface{}
	}{
		{participant, &c.ParticipantSnapshot},
		{officer, &c.OfficerSnapshot},
		{meeting, &c.MeetingSnapshot},
		{metrics, &c.Metrics},
		{violations, &c.Violations},
	} {
		if err := jsonScan(pair.raw, pair.dst); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

func (p *PostgresStore) GetCard(ctx context.Context, id string) (*model.CourtCard, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id = $1`, id)
	return scanCard(row)
}

func (p *PostgresStore) GetCardByNumber(ctx context.Context, number string) (*model.CourtCard, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE number = $1`, number)
	return scanCard(row)
}

func (p *PostgresStore) GetCardBySession(ctx context.Context, sessionID string) (*model.CourtCard, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE session_id = $1`, sessionID)
	return scanCard(row)
}

func (p *PostgresStore) LastCardByParticipant(ctx context.Context, participantID string) (*model.CourtCard, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+cardColumns+` FROM cards
		WHERE participant_id = $1 ORDER BY chain_position DESC LIMIT 1`, participantID)
	return scanCard(row)
}

func (p *PostgresStore) ListCardsByParticipant(ctx context.Context, participantID string) ([]*model.CourtCard, error) {
	return p.listCards(ctx, `
		SELECT `+cardColumns+` FROM cards
		WHERE participant_id = $1 ORDER BY chain_position`, participantID)
}

func (p *PostgresStore) ListCardsByParticipantEmail(ctx context.Context, email string) ([]*model.CourtCard, error) {
	return p.listCards(ctx, `
		SELECT `+cardColumns+` FROM cards
		WHERE participant ->> 'email' = $1 ORDER BY generated_at`, strings.ToLower(email))
}

func (p *PostgresStore) ListCardsByCase(ctx context.Context, caseNumber string) ([]*model.CourtCard, error) {
	return p.listCards(ctx, `
		SELECT `+cardColumns+` FROM cards
		WHERE participant ->> 'case_number' = $1 ORDER BY generated_at`, caseNumber)
}

func (p *PostgresStore) SetTampered(ctx context.Context, id string, tampered bool) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE cards SET tampered = $2 WHERE id = $1`, id, tampered)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (p *PostgresStore) listCards(ctx context.Context, query string, args ...interface{}) ([]*model.CourtCard, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*model.CourtCard
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ============================================================================
// SIGNATURES
// ============================================================================

func (p *PostgresStore) CreateSignature(ctx context.Context, s *model.Signature) error {
	metadata, err := jsonValue(s.Metadata)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO signatures
			(id, card_id, signer_role, signer_id, signer_name, signer_email,
			 auth_method, ts, signature, fingerprint, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.ID, s.CardID, s.SignerRole, s.SignerID, s.SignerName, s.SignerEmail,
		s.AuthMethod, s.Timestamp, s.SignatureBytes, s.PublicKeyFingerprint, metadata)
	return mapErr(err)
}

func (p *PostgresStore) ListSignatures(ctx context.Context, cardID string) ([]*model.Signature, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, card_id, signer_role, signer_id, signer_name, signer_email,
			auth_method, ts, signature, fingerprint, metadata
		FROM signatures WHERE card_id = $1 ORDER BY ts`, cardID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*model.Signature
	for rows.Next() {
		var s model.Signature
		var metadata []byte
		if err := rows.Scan(&s.ID, &s.CardID, &s.SignerRole, &s.SignerID,
			&s.SignerName, &s.SignerEmail, &s.AuthMethod, &s.Timestamp,
			&s.SignatureBytes, &s.PublicKeyFingerprint, &metadata); err != nil {
			return nil, mapErr(err)
		}
		if err := jsonScan(metadata, &s.Metadata); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// ============================================================================
// WEBCAM SNAPSHOTS
// ============================================================================

func (p *PostgresStore) CreateSnapshot(ctx context.Context, s *model.WebcamSnapshot) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webcam_snapshots
			(id, session_id, captured_at, minute_into_meeting, blob_ref, face_detected, match_score)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ID, s.SessionID, s.CapturedAt, s.MinuteIntoMeeting, s.BlobRef, s.FaceDetected, s.MatchScore)
	return mapErr(err)
}

func (p *PostgresStore) ListSnapshots(ctx context.Context, sessionID string) ([]*model.WebcamSnapshot, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, session_id, captured_at, minute_into_meeting, blob_ref, face_detected, match_score
		FROM webcam_snapshots WHERE session_id = $1 ORDER BY captured_at`, sessionID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*model.WebcamSnapshot
	for rows.Next() {
		var s model.WebcamSnapshot
		if err := rows.Scan(&s.ID, &s.SessionID, &s.CapturedAt, &s.MinuteIntoMeeting,
			&s.BlobRef, &s.FaceDetected, &s.MatchScore); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}
