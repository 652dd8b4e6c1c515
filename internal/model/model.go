// Package model defines the persistent entities of the ProofMeet attendance
// system: participants, officers, requirements, attendance sessions with their
// event timelines, court cards with their hash chain, signatures, webcam
// snapshots and officer digest batches.
package model

import (
	"time"
)

// ============================================================================
// ENUMS
// ============================================================================

// SessionStatus is the lifecycle state of an attendance session.
type SessionStatus string

const (
	SessionInProgress SessionStatus = "IN_PROGRESS"
	SessionCompleted  SessionStatus = "COMPLETED"
	SessionAbandoned  SessionStatus = "ABANDONED"
)

// EventKind categorizes a timeline event.
type EventKind string

const (
	EventJoined   EventKind = "JOINED"
	EventLeft     EventKind = "LEFT"
	EventVideoOn  EventKind = "VIDEO_ON"
	EventVideoOff EventKind = "VIDEO_OFF"
	EventActive   EventKind = "ACTIVE"
	EventIdle     EventKind = "IDLE"
	EventMouse    EventKind = "MOUSE"
	EventKeyboard EventKind = "KEYBOARD"
	EventScroll   EventKind = "SCROLL"
	EventClick    EventKind = "CLICK"
)

// EventSource identifies which of the three independent producers emitted an
// event. Sources carry a priority used to break timestamp ties when folding
// the timeline: WEBHOOK > API > HEARTBEAT.
type EventSource string

const (
	SourceWebhook   EventSource = "WEBHOOK"
	SourceHeartbeat EventSource = "HEARTBEAT"
	SourceAPI       EventSource = "API"
)

// Priority returns the tie-break rank of the source (higher wins).
func (s EventSource) Priority() int {
	switch s {
	case SourceWebhook:
		return 3
	case SourceAPI:
		return 2
	case SourceHeartbeat:
		return 1
	default:
		return 0
	}
}

// VerificationMethod records which independent sources corroborated a session.
type VerificationMethod string

const (
	VerifyWebhook   VerificationMethod = "WEBHOOK"
	VerifyHeartbeat VerificationMethod = "HEARTBEAT"
	VerifyBoth      VerificationMethod = "BOTH"
	VerifyNone      VerificationMethod = "NONE"
)

// Verdict is the validation outcome recorded on a court card.
type Verdict string

const (
	VerdictPassed  Verdict = "PASSED"
	VerdictFailed  Verdict = "FAILED"
	VerdictPending Verdict = "PENDING"
)

// Severity grades a violation. Only CRITICAL violations flip the verdict.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityWarning  Severity = "WARNING"
	SeverityInfo     Severity = "INFO"
)

// SignerRole identifies who produced a card signature.
type SignerRole string

const (
	RoleParticipant SignerRole = "PARTICIPANT"
	RoleHost        SignerRole = "HOST"
	RoleSystem      SignerRole = "SYSTEM"
)

// AuthMethod records how a signer was authenticated.
type AuthMethod string

const (
	AuthPassword        AuthMethod = "PASSWORD"
	AuthEmailLink       AuthMethod = "EMAIL_LINK"
	AuthSystemGenerated AuthMethod = "SYSTEM_GENERATED"
)

// DigestStatus is the delivery state of an officer daily digest.
type DigestStatus string

const (
	DigestPending DigestStatus = "PENDING"
	DigestSent    DigestStatus = "SENT"
	DigestFailed  DigestStatus = "FAILED"
)

// ComplianceState summarizes a participant's standing against their
// requirement.
type ComplianceState string

const (
	ComplianceCompliant    ComplianceState = "COMPLIANT"
	ComplianceInProgress   ComplianceState = "IN_PROGRESS"
	ComplianceNotStarted   ComplianceState = "NOT_STARTED"
	ComplianceAtRisk       ComplianceState = "AT_RISK"
	ComplianceNonCompliant ComplianceState = "NON_COMPLIANT"
)

// ============================================================================
// PEOPLE & POLICY
// ============================================================================

// Participant is a court-ordered attendee. Email is stored lowercase and is
// unique. SupervisingOfficerID may be empty at registration but must be set
// before any session is created.
type Participant struct {
	ID                   string     `json:"id"`
	Email                string     `json:"email"`
	FirstName            string     `json:"first_name"`
	LastName             string     `json:"last_name"`
	CaseNumber           string     `json:"case_number"`
	SupervisingOfficerID string     `json:"supervising_officer_id,omitempty"`
	Timezone             string     `json:"timezone,omitempty"`
	PasswordHash         string     `json:"-"`
	EmailVerified        bool       `json:"email_verified"`
	IsActive             bool       `json:"is_active"`
	CreatedAt            time.Time  `json:"created_at"`
	DeactivatedAt        *time.Time `json:"deactivated_at,omitempty"`
}

// FullName returns "First Last" for card snapshots.
func (p *Participant) FullName() string {
	if p.FirstName == "" {
		return p.LastName
	}
	return p.FirstName + " " + p.LastName
}

// Officer is a supervising court representative. Email must belong to an
// approved organizational domain.
type Officer struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	Badge        string    `json:"badge"`
	Organization string    `json:"organization"`
	PasswordHash string    `json:"-"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// FullName returns "First Last" for card snapshots.
func (o *Officer) FullName() string {
	if o.FirstName == "" {
		return o.LastName
	}
	return o.FirstName + " " + o.LastName
}

// Requirement is the attendance policy assigned to a participant by their
// officer. At most one requirement per participant is active at any instant.
type Requirement struct {
	ID                    string    `json:"id"`
	ParticipantID         string    `json:"participant_id"`
	OfficerID             string    `json:"officer_id"`
	TotalMeetingsRequired int       `json:"total_meetings_required"`
	MeetingsPerWeek       int       `json:"meetings_per_week"`
	RequiredPrograms      []string  `json:"required_programs,omitempty"` // empty = any program
	MinimumDurationMin    int       `json:"minimum_duration_min"`
	MinimumAttendancePct  float64   `json:"minimum_attendance_pct"`
	Active                bool      `json:"active"`
	CreatedAt             time.Time `json:"created_at"`
}

// MatchesProgram reports whether a meeting program satisfies the requirement's
// program filter. An empty filter accepts any program.
func (r *Requirement) MatchesProgram(program string) bool {
	if len(r.RequiredPrograms) == 0 {
		return true
	}
	for _, p := range r.RequiredPrograms {
		if p == program {
			return true
		}
	}
	return false
}

// ============================================================================
// MEETINGS & SESSIONS
// ============================================================================

// ExternalMeeting is a recovery-meeting instance offered by the conference
// provider (AA/NA/SMART/... over video conference).
type ExternalMeeting struct {
	ID                   string    `json:"id"`
	ProviderMeetingID    string    `json:"provider_meeting_id"`
	Name                 string    `json:"name"`
	Program              string    `json:"program"` // e.g. "AA", "NA", "SMART"
	ScheduledStart       time.Time `json:"scheduled_start"`
	ScheduledDurationMin int       `json:"scheduled_duration_min"`
	Timezone             string    `json:"timezone,omitempty"`
	JoinURL              string    `json:"join_url,omitempty"`
	Passcode             string    `json:"-"`
	Tags                 []string  `json:"tags,omitempty"`
	HostEmail            string    `json:"host_email,omitempty"`
}

// ScheduledEnd returns the scheduled end instant of the meeting.
func (m *ExternalMeeting) ScheduledEnd() time.Time {
	return m.ScheduledStart.Add(time.Duration(m.ScheduledDurationMin) * time.Minute)
}

// TimelineEvent is one normalized entry in a session's append-only event log.
// Seq is monotonic per session. Data is an opaque bag whose shape depends on
// Kind; it is never schema-mixed across kinds.
type TimelineEvent struct {
	Seq    int64                  `json:"seq"`
	Time   time.Time              `json:"t"`
	Kind   EventKind              `json:"kind"`
	Source EventSource            `json:"source"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

// ProviderDurationSec extracts a provider-reported cumulative duration from a
// LEFT event, if present. The provider figure is authoritative downstream.
func (e *TimelineEvent) ProviderDurationSec() (int, bool) {
	if e.Kind != EventLeft || e.Data == nil {
		return 0, false
	}
	switch v := e.Data["provider_duration_sec"].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// SessionTotals are the derived duration metrics of a reconciled session.
// All figures are minutes.
type SessionTotals struct {
	TotalDurationMin   float64 `json:"total_duration_min"`
	ActiveDurationMin  float64 `json:"active_duration_min"`
	IdleDurationMin    float64 `json:"idle_duration_min"`
	VideoOnDurationMin float64 `json:"video_on_duration_min"`
}

// AwayPeriod is one leave/rejoin gap identified by the reconciler.
type AwayPeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Minutes returns the length of the away period in minutes.
func (a AwayPeriod) Minutes() float64 {
	return a.End.Sub(a.Start).Minutes()
}

// Session is a single participant's attendance instance at one external
// meeting. It owns the timeline and the derived fields; the owning participant
// references the supervising officer by ID only.
type Session struct {
	ID                 string                 `json:"id"`
	ParticipantID      string                 `json:"participant_id"`
	OfficerID          string                 `json:"officer_id"`
	ExternalMeetingID  string                 `json:"external_meeting_id"`
	JoinTime           time.Time              `json:"join_time"`
	LeaveTime          *time.Time             `json:"leave_time,omitempty"`
	Status             SessionStatus          `json:"status"`
	Timeline           []TimelineEvent        `json:"timeline,omitempty"`
	Totals             SessionTotals          `json:"totals"`
	AttendancePct      float64                `json:"attendance_pct"`
	VerificationMethod VerificationMethod     `json:"verification_method"`
	IsValid            bool                   `json:"is_valid"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	CardIssued         bool                   `json:"card_issued"`
	LastEventTime      time.Time              `json:"last_event_time"`

	// Version is the optimistic-concurrency counter for derived-field swaps.
	Version int64 `json:"version"`
}

// EngagementScore extracts the optional client-asserted engagement score from
// session metadata. A score of 90 or above downgrades the idle rule.
func (s *Session) EngagementScore() (float64, bool) {
	if s.Metadata == nil {
		return 0, false
	}
	switch v := s.Metadata["engagement_score"].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// ============================================================================
// COURT CARD & SIGNATURES
// ============================================================================

// ZeroHash is the prevHash of the first card in a participant's chain.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ParticipantSnapshot freezes participant identity fields at issue time.
type ParticipantSnapshot struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	CaseNumber string `json:"case_number"`
}

// OfficerSnapshot freezes officer identity fields at issue time.
type OfficerSnapshot struct {
	Name         string `json:"name"`
	Email        string `json:"email"`
	Badge        string `json:"badge,omitempty"`
	Organization string `json:"organization,omitempty"`
}

// MeetingSnapshot freezes meeting fields at issue time.
type MeetingSnapshot struct {
	MeetingID string    `json:"meeting_id"`
	Name      string    `json:"name"`
	Program   string    `json:"program"`
	Date      string    `json:"date"` // YYYY-MM-DD
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

// CardMetrics are the reconciled figures frozen onto the card.
type CardMetrics struct {
	TotalDurationMin   float64 `json:"total_duration_min"`
	ActiveDurationMin  float64 `json:"active_duration_min"`
	IdleDurationMin    float64 `json:"idle_duration_min"`
	VideoOnDurationMin float64 `json:"video_on_duration_min"`
	AttendancePct      float64 `json:"attendance_pct"`
	HeartbeatCoverage  float64 `json:"heartbeat_coverage"`
}

// Violation is one rule outcome attached to a card.
type Violation struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// CourtCard is the signed, hashed, chained artifact attesting to one
// attendance session. Immutable once created, except the Tampered flag which
// the verifier updates lazily, and the signatures collection.
type CourtCard struct {
	ID                  string              `json:"id"`
	SessionID           string              `json:"session_id"`
	Number              string              `json:"number"` // CC-YYYY-DDDDD-SSS
	ParticipantID       string              `json:"participant_id"`
	ParticipantSnapshot ParticipantSnapshot `json:"participant"`
	OfficerSnapshot     OfficerSnapshot     `json:"officer"`
	MeetingSnapshot     MeetingSnapshot     `json:"meeting"`
	JoinTime            time.Time           `json:"join_time"`
	LeaveTime           time.Time           `json:"leave_time"`
	Metrics             CardMetrics         `json:"metrics"`
	Verdict             Verdict             `json:"verdict"`
	Violations          []Violation         `json:"violations,omitempty"`
	Explanation         string              `json:"explanation,omitempty"`
	Hash                string              `json:"hash"`
	PrevHash            string              `json:"prev_hash"`
	ChainPosition       int                 `json:"chain_position"` // 1-based per participant
	VerificationURL     string              `json:"verification_url"`
	QRPayload           string              `json:"qr_payload"`
	QRErrorCorrection   string              `json:"qr_error_correction"` // always "H"
	GeneratedAt         time.Time           `json:"generated_at"`
	Tampered            bool                `json:"tampered"`
}

// Signature is one party's cryptographic endorsement of a card. At most one
// exists per (card, role); a card is fully signed once PARTICIPANT and HOST
// signatures both exist.
type Signature struct {
	ID                   string                 `json:"id"`
	CardID               string                 `json:"card_id"`
	SignerRole           SignerRole             `json:"signer_role"`
	SignerID             string                 `json:"signer_id,omitempty"`
	SignerName           string                 `json:"signer_name"`
	SignerEmail          string                 `json:"signer_email"`
	AuthMethod           AuthMethod             `json:"auth_method"`
	Timestamp            time.Time              `json:"timestamp"`
	SignatureBytes       []byte                 `json:"signature_bytes"`
	PublicKeyFingerprint string                 `json:"public_key_fingerprint"`
	Metadata             map[string]interface{} `json:"metadata,omitempty"` // ip, user agent
}

// WebcamSnapshot records one webcam capture during a session. Face-match
// fields record the client's assertion only; no biometric matching happens
// server-side.
type WebcamSnapshot struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"session_id"`
	CapturedAt        time.Time `json:"captured_at"`
	MinuteIntoMeeting int       `json:"minute_into_meeting"`
	BlobRef           string    `json:"blob_ref"`
	FaceDetected      *bool     `json:"face_detected,omitempty"`
	MatchScore        *float64  `json:"match_score,omitempty"`
}

// DigestBatch aggregates one officer's newly issued cards for one calendar
// day. Idempotency key: (OfficerID, Date).
type DigestBatch struct {
	ID         string       `json:"id"`
	OfficerID  string       `json:"officer_id"`
	Date       string       `json:"date"` // YYYY-MM-DD
	SessionIDs []string     `json:"session_ids"`
	Status     DigestStatus `json:"status"`
	Attempts   int          `json:"attempts"`
	SentAt     *time.Time   `json:"sent_at,omitempty"`
}
