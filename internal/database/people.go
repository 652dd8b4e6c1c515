package database

import (
	"context"
	"database/sql"
	"strings"

	"github.com/proofmeet/backend/internal/model"
	"github.com/proofmeet/backend/internal/store"
)

// ============================================================================
// PARTICIPANTS
// ============================================================================

func (p *PostgresStore) CreateParticipant(ctx context.Context, participant *model.Participant) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO participants
			(id, email, first_name, last_name, case_number, officer_id, timezone,
			 password_hash, email_verified, is_active, created_at, deactivated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		participant.ID, strings.ToLower(participant.Email),
		participant.FirstName, participant.LastName, participant.CaseNumber,
		participant.SupervisingOfficerID, participant.Timezone,
		participant.PasswordHash, participant.EmailVerified, participant.IsActive,
		participant.CreatedAt, nullTime(participant.DeactivatedAt))
	return mapErr(err)
}

const participantColumns = `id, email, first_name, last_name, case_number, officer_id,
	timezone, password_hash, email_verified, is_active, created_at, deactivated_at`

func (p *PostgresStore) scanParticipant(row interface{ Scan(...interface{}) error }) (*model.Participant, error) {
	var out model.Participant
	var deactivated sql.NullTime
	err := row.Scan(&out.ID, &out.Email, &out.FirstName, &out.LastName, &out.CaseNumber,
		&out.SupervisingOfficerID, &out.Timezone, &out.PasswordHash,
		&out.EmailVerified, &out.IsActive, &out.CreatedAt, &deactivated)
	if err != nil {
		return nil, mapErr(err)
	}
	out.DeactivatedAt = timePtr(deactivated)
	return &out, nil
}

func (p *PostgresStore) GetParticipant(ctx context.Context, id string) (*model.Participant, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE id = $1`, id)
	return p.scanParticipant(row)
}

func (p *PostgresStore) GetParticipantByEmail(ctx context.Context, email string) (*model.Participant, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE email = $1`, strings.ToLower(email))
	return p.scanParticipant(row)
}

func (p *PostgresStore) UpdateParticipant(ctx context.Context, participant *model.Participant) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE participants SET
			email = $2, first_name = $3, last_name = $4, case_number = $5,
			officer_id = $6, timezone = $7, password_hash = $8,
			email_verified = $9, is_active = $10, deactivated_at = $11
		WHERE id = $1`,
		participant.ID, strings.ToLower(participant.Email),
		participant.FirstName, participant.LastName, participant.CaseNumber,
		participant.SupervisingOfficerID, participant.Timezone, participant.PasswordHash,
		participant.EmailVerified, participant.IsActive, nullTime(participant.DeactivatedAt))
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListParticipantsByOfficer(ctx context.Context, officerID string) ([]*model.Participant, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE officer_id = $1 ORDER BY email`, officerID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*model.Participant
	for rows.Next() {
		participant, err := p.scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, participant)
	}
	return out, rows.Err()
}

// ============================================================================
// OFFICERS
// ============================================================================

func (p *PostgresStore) CreateOfficer(ctx context.Context, o *model.Officer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO officers
			(id, email, first_name, last_name, badge, organization, password_hash, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		o.ID, strings.ToLower(o.Email), o.FirstName, o.LastName,
		o.Badge, o.Organization, o.PasswordHash, o.IsActive, o.CreatedAt)
	return mapErr(err)
}

const officerColumns = `id, email, first_name, last_name, badge, organization, password_hash, is_active, created_at`

func scanOfficer(row interface{ Scan(...interface{}) error }) (*model.Officer, error) {
	var out model.Officer
	err := row.Scan(&out.ID, &out.Email, &out.FirstName, &out.LastName,
		&out.Badge, &out.Organization, &out.PasswordHash, &out.IsActive, &out.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &out, nil
}

func (p *PostgresStore) GetOfficer(ctx context.Context, id string) (*model.Officer, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+officerColumns+` FROM officers WHERE id = $1`, id)
	return scanOfficer(row)
}

func (p *PostgresStore) GetOfficerByEmail(ctx context.Context, email string) (*model.Officer, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+officerColumns+` FROM officers WHERE email = $1`, strings.ToLower(email))
	return scanOfficer(row)
}

// ============================================================================
// MEETINGS
// ============================================================================

func (p *PostgresStore) CreateMeeting(ctx context.Context, m *model.ExternalMeeting) error {
	tags, err := jsonValue(m.Tags)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO meetings
			(id, provider_meeting_id, name, program, scheduled_start, scheduled_duration_min,
			 timezone, join_url, passcode, tags, host_email)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.ID, m.ProviderMeetingID, m.Name, m.Program,
		m.ScheduledStart, m.ScheduledDurationMin,
		m.Timezone, m.JoinURL, m.Passcode, tags, m.HostEmail)
	return mapErr(err)
}

const meetingColumns = `id, provider_meeting_id, name, program, scheduled_start,
	scheduled_duration_min, timezone, join_url, passcode, tags, host_email`

func scanMeeting(row interface{ Scan(...interface{}) error }) (*model.ExternalMeeting, error) {
	var out model.ExternalMeeting
	var tags []byte
	err := row.Scan(&out.ID, &out.ProviderMeetingID, &out.Name, &out.Program,
		&out.ScheduledStart, &out.ScheduledDurationMin,
		&out.Timezone, &out.JoinURL, &out.Passcode, &tags, &out.HostEmail)
	if err != nil {
		return nil, mapErr(err)
	}
	if err := jsonScan(tags, &out.Tags); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *PostgresStore) GetMeeting(ctx context.Context, id string) (*model.ExternalMeeting, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+meetingColumns+` FROM meetings WHERE id = $1`, id)
	return scanMeeting(row)
}

func (p *PostgresStore) GetMeetingByProviderID(ctx context.Context, providerMeetingID string) (*model.ExternalMeeting, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+meetingColumns+` FROM meetings WHERE provider_meeting_id = $1`, providerMeetingID)
	return scanMeeting(row)
}

func (p *PostgresStore) ListMeetings(ctx context.Context) ([]*model.ExternalMeeting, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+meetingColumns+` FROM meetings ORDER BY scheduled_start`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*model.ExternalMeeting
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ============================================================================
// REQUIREMENTS
// ============================================================================

func (p *PostgresStore) CreateRequirement(ctx context.Context, r *model.Requirement) error {
	programs, err := jsonValue(r.RequiredPrograms)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO requirements
			(id, participant_id, officer_id, total_meetings_required, meetings_per_week,
			 required_programs, minimum_duration_min, minimum_attendance_pct, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.ParticipantID, r.OfficerID, r.TotalMeetingsRequired, r.MeetingsPerWeek,
		programs, r.MinimumDurationMin, r.MinimumAttendancePct, r.Active, r.CreatedAt)
	return mapErr(err)
}

const requirementColumns = `id, participant_id, officer_id, total_meetings_required,
	meetings_per_week, required_programs, minimum_duration_min, minimum_attendance_pct,
	active, created_at`

func scanRequirement(row interface{ Scan(...interface{}) error }) (*model.Requirement, error) {
	var out model.Requirement
	var programs []byte
	err := row.Scan(&out.ID, &out.ParticipantID, &out.OfficerID,
		&out.TotalMeetingsRequired, &out.MeetingsPerWeek, &programs,
		&out.MinimumDurationMin, &out.MinimumAttendancePct, &out.Active, &out.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	if err := jsonScan(programs, &out.RequiredPrograms); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *PostgresStore) GetActiveRequirement(ctx context.Context, participantID string) (*model.Requirement, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+requirementColumns+` FROM requirements WHERE participant_id = $1 AND active`, participantID)
	return scanRequirement(row)
}

func (p *PostgresStore) DeactivateRequirement(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE requirements SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListRequirements(ctx context.Context, participantID string) ([]*model.Requirement, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+requirementColumns+` FROM requirements WHERE participant_id = $1 ORDER BY created_at DESC`,
		participantID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*model.Requirement
	for rows.Next() {
		r, err := scanRequirement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
