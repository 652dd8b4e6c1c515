// Package store defines the repository interfaces for the ProofMeet entities
// and the common storage errors. Implementations: the in-memory store in this
// package (single-node and tests) and the Postgres store in internal/database.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/proofmeet/backend/internal/model"
)

// Common storage errors. Callers match with errors.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("uniqueness conflict")
	ErrVersionConflict = errors.New("version conflict")
)

// AppendResult reports the outcome of an idempotent timeline append.
type AppendResult string

const (
	AppendAccepted  AppendResult = "accepted"
	AppendDuplicate AppendResult = "duplicate"
)

// EventDedupKey is the duplicate-suppression key for timeline appends:
// (source, kind, timestamp rounded to the second). The session scoping is
// carried by the map the key lives in.
func EventDedupKey(source model.EventSource, kind model.EventKind, t time.Time) string {
	return fmt.Sprintf("%s|%s|%d", source, kind, t.UTC().Unix())
}

// DerivedFields is the reconciler/validator output swapped onto a session
// under optimistic concurrency.
type DerivedFields struct {
	Status             model.SessionStatus
	LeaveTime          *time.Time
	Totals             model.SessionTotals
	AttendancePct      float64
	VerificationMethod model.VerificationMethod
	IsValid            bool
	CardIssued         bool
}

// ParticipantStore persists participants. Email lookups are lowercase-exact.
type ParticipantStore interface {
	CreateParticipant(ctx context.Context, p *model.Participant) error
	GetParticipant(ctx context.Context, id string) (*model.Participant, error)
	GetParticipantByEmail(ctx context.Context, email string) (*model.Participant, error)
	UpdateParticipant(ctx context.Context, p *model.Participant) error
	ListParticipantsByOfficer(ctx context.Context, officerID string) ([]*model.Participant, error)
}

// OfficerStore persists officers.
type OfficerStore interface {
	CreateOfficer(ctx context.Context, o *model.Officer) error
	GetOfficer(ctx context.Context, id string) (*model.Officer, error)
	GetOfficerByEmail(ctx context.Context, email string) (*model.Officer, error)
}

// MeetingStore persists external meetings.
type MeetingStore interface {
	CreateMeeting(ctx context.Context, m *model.ExternalMeeting) error
	GetMeeting(ctx context.Context, id string) (*model.ExternalMeeting, error)
	GetMeetingByProviderID(ctx context.Context, providerMeetingID string) (*model.ExternalMeeting, error)
	ListMeetings(ctx context.Context) ([]*model.ExternalMeeting, error)
}

// RequirementStore persists attendance requirements. Activating a new
// requirement while another is active returns ErrConflict.
type RequirementStore interface {
	CreateRequirement(ctx context.Context, r *model.Requirement) error
	GetActiveRequirement(ctx context.Context, participantID string) (*model.Requirement, error)
	DeactivateRequirement(ctx context.Context, id string) error
	ListRequirements(ctx context.Context, participantID string) ([]*model.Requirement, error)
}

// SessionStore persists attendance sessions and their append-only timelines.
//
// AppendEvent is idempotent on EventDedupKey and assigns Seq monotonically
// under a per-session writer lock. UpdateDerived is a compare-and-swap on the
// session version; a stale version returns ErrVersionConflict and the caller
// re-reads and retries.
type SessionStore interface {
	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	AppendEvent(ctx context.Context, sessionID string, ev model.TimelineEvent) (AppendResult, error)
	UpdateDerived(ctx context.Context, sessionID string, expectedVersion int64, d DerivedFields) error
	SetMetadata(ctx context.Context, sessionID string, key string, value interface{}) error

	FindInProgressByMeeting(ctx context.Context, externalMeetingID, participantID string) (*model.Session, error)
	ListSessionsByStatus(ctx context.Context, status model.SessionStatus) ([]*model.Session, error)
	ListCompletedUnissued(ctx context.Context) ([]*model.Session, error)
	ListSessionsByParticipant(ctx context.Context, participantID string) ([]*model.Session, error)
}

// CardStore persists court cards. Cards are immutable except the tampered
// flag. CreateCard enforces uniqueness of (SessionID) and of
// (ParticipantID, ChainPosition).
type CardStore interface {
	CreateCard(ctx context.Context, c *model.CourtCard) error
	GetCard(ctx context.Context, id string) (*model.CourtCard, error)
	GetCardByNumber(ctx context.Context, number string) (*model.CourtCard, error)
	GetCardBySession(ctx context.Context, sessionID string) (*model.CourtCard, error)
	LastCardByParticipant(ctx context.Context, participantID string) (*model.CourtCard, error)
	ListCardsByParticipant(ctx context.Context, participantID string) ([]*model.CourtCard, error)
	ListCardsByParticipantEmail(ctx context.Context, email string) ([]*model.CourtCard, error)
	ListCardsByCase(ctx context.Context, caseNumber string) ([]*model.CourtCard, error)
	SetTampered(ctx context.Context, id string, tampered bool) error
}

// SignatureStore persists card signatures, unique per (cardID, role).
type SignatureStore interface {
	CreateSignature(ctx context.Context, s *model.Signature) error
	ListSignatures(ctx context.Context, cardID string) ([]*model.Signature, error)
}

// SnapshotStore persists webcam snapshots.
type SnapshotStore interface {
	CreateSnapshot(ctx context.Context, s *model.WebcamSnapshot) error
	ListSnapshots(ctx context.Context, sessionID string) ([]*model.WebcamSnapshot, error)
}

// DigestStore persists officer daily digest batches, idempotent on
// (officerID, date). Adding sessions to a batch that was already delivered
// opens a follow-up batch for the same officer and day instead of growing
// the delivered one.
type DigestStore interface {
	GetOrCreateDigest(ctx context.Context, officerID, date string) (*model.DigestBatch, error)
	AddDigestSessions(ctx context.Context, id string, sessionIDs []string) error
	UpdateDigestStatus(ctx context.Context, id string, status model.DigestStatus, sentAt *time.Time) error
	ListDigestsByStatus(ctx context.Context, status model.DigestStatus) ([]*model.DigestBatch, error)
}

// CounterStore hands out the two serialized counters of the card issuer: the
// per-(year, case) card sequence and the per-participant chain position. Both
// are CAS-guarded rows; no in-process global state.
type CounterStore interface {
	NextCardSequence(ctx context.Context, year int, caseDigits string) (int, error)
	NextChainPosition(ctx context.Context, participantID string) (int, error)
}

// LeaseStore backs the finalizer leader election. Acquire succeeds when the
// lease is free or already held by holder; the lease expires after ttl.
type LeaseStore interface {
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
}

// NonceStore backs single-use host email-link signature nonces.
type NonceStore interface {
	PutNonce(ctx context.Context, nonce, cardID, email string, ttl time.Duration) error
	ConsumeNonce(ctx context.Context, nonce string) (cardID, email string, err error)
}

// Store bundles all repositories behind one value; both the in-memory and the
// Postgres implementations satisfy it.
type Store interface {
	ParticipantStore
	OfficerStore
	MeetingStore
	RequirementStore
	SessionStore
	CardStore
	SignatureStore
	SnapshotStore
	DigestStore
	CounterStore
	LeaseStore
	NonceStore
}
