// Package timeline implements the per-session append-only event log service:
// idempotent appends, consistent reads, and the optimistic-concurrency swap of
// derived session fields.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/proofmeet/backend/internal/model"
	"github.com/proofmeet/backend/internal/store"
)

// ErrTransient is surfaced when a derived-field swap loses the CAS race more
// than maxSwapRetries times in a row. Callers treat it as retryable.
var ErrTransient = errors.New("transient store contention")

const maxSwapRetries = 3

// Service is the Timeline Store front. All pipeline stages go through it
// rather than the raw SessionStore.
type Service struct {
	sessions store.SessionStore
	logger   *log.Logger
}

// NewService creates a timeline service over the given session store.
func NewService(sessions store.SessionStore) *Service {
	return &Service{
		sessions: sessions,
		logger:   log.New(log.Writer(), "[TIMELINE] ", log.LstdFlags),
	}
}

// CreateSession opens a new IN_PROGRESS session at joinTime and appends the
// initial JOINED event from the given source.
func (s *Service) CreateSession(
	ctx context.Context,
	participantID, officerID, meetingID string,
	joinTime time.Time,
	source model.EventSource,
	metadata map[string]interface{},
) (*model.Session, error) {
	session := &model.Session{
		ID:                 uuid.NewString(),
		ParticipantID:      participantID,
		OfficerID:          officerID,
		ExternalMeetingID:  meetingID,
		JoinTime:           joinTime.UTC(),
		Status:             model.SessionInProgress,
		VerificationMethod: model.VerifyNone,
		Metadata:           metadata,
		LastEventTime:      joinTime.UTC(),
	}
	if err := s.sessions.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	if _, err := s.Append(ctx, session.ID, model.TimelineEvent{
		Time:   joinTime.UTC(),
		Kind:   model.EventJoined,
		Source: source,
	}); err != nil {
		return nil, err
	}

	s.logger.Printf("Session opened: %s (participant=%s meeting=%s source=%s)",
		session.ID, participantID, meetingID, source)
	return session, nil
}

// Append appends one normalized event. Idempotent on the duplicate-suppression
// key (source, kind, second-rounded timestamp).
func (s *Service) Append(ctx context.Context, sessionID string, ev model.TimelineEvent) (store.AppendResult, error) {
	ev.Time = ev.Time.UTC()
	res, err := s.sessions.AppendEvent(ctx, sessionID, ev)
	if err != nil {
		return "", fmt.Errorf("append event: %w", err)
	}
	if res == store.AppendDuplicate {
		s.logger.Printf("Duplicate event suppressed: session=%s kind=%s source=%s t=%s",
			sessionID, ev.Kind, ev.Source, ev.Time.Format(time.RFC3339))
	}
	return res, nil
}

// Get returns the session with a consistent snapshot of its timeline.
func (s *Service) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	return s.sessions.GetSession(ctx, sessionID)
}

// SwapDerived re-reads the session and applies mutate under compare-and-swap,
// retrying a bounded number of times. Concurrent finalizers losing the race
// re-read and retry; after maxSwapRetries the error is surfaced as transient.
func (s *Service) SwapDerived(
	ctx context.Context,
	sessionID string,
	mutate func(current *model.Session) store.DerivedFields,
) (*model.Session, error) {
	for attempt := 0; attempt < maxSwapRetries; attempt++ {
		current, err := s.sessions.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}

		derived := mutate(current)
		err = s.sessions.UpdateDerived(ctx, sessionID, current.Version, derived)
		if err == nil {
			return s.sessions.GetSession(ctx, sessionID)
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, err
		}
		s.logger.Printf("CAS conflict on session %s (attempt %d/%d), retrying",
			sessionID, attempt+1, maxSwapRetries)
	}
	return nil, fmt.Errorf("session %s derived swap: %w", sessionID, ErrTransient)
}

// SetMetadata stores one key in the session's opaque metadata bag.
func (s *Service) SetMetadata(ctx context.Context, sessionID, key string, value interface{}) error {
	return s.sessions.SetMetadata(ctx, sessionID, key, value)
}
