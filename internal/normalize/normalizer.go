// Package normalize maps the three heterogeneous event sources — provider
// webhooks, client heartbeats, and explicit join/leave API calls — onto
// canonical timeline events with provenance and a uniform clock policy.
package normalize

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/proofmeet/backend/internal/model"
	"github.com/proofmeet/backend/internal/store"
	"github.com/proofmeet/backend/internal/timeline"
)

// Dropped is returned when an event is intentionally discarded (unknown
// participant, no warranting requirement, stale heartbeat). Ingress handlers
// acknowledge dropped events; nothing retries them.
var Dropped = errors.New("event dropped")

const (
	// maxClockSkew bounds how far a source-provided timestamp may deviate
	// from server time before the server stamp wins.
	maxClockSkew = 10 * time.Minute

	// lateHeartbeatWindow is how long after completion engagement heartbeats
	// are still accepted. They adjust engagement but never totals.
	lateHeartbeatWindow = 10 * time.Minute

	// placeholderDurationMin is the assumed length of a meeting we only know
	// from a provider webhook.
	placeholderDurationMin = 60
)

// ProviderEvent is a typed conference-provider webhook event, already
// signature-verified by the ingress handler.
type ProviderEvent struct {
	Kind                  model.EventKind
	ProviderMeetingID     string
	ParticipantEmail      string
	Timestamp             time.Time
	CumulativeDurationSec int // > 0 only on LEFT events
}

// Normalizer resolves raw events to sessions and appends canonical
// TimelineEvents.
type Normalizer struct {
	timeline     *timeline.Service
	participants store.ParticipantStore
	meetings     store.MeetingStore
	requirements store.RequirementStore
	sessions     store.SessionStore
	logger       *log.Logger
	now          func() time.Time
}

// New creates a normalizer over the given stores.
func New(
	tl *timeline.Service,
	participants store.ParticipantStore,
	meetings store.MeetingStore,
	requirements store.RequirementStore,
	sessions store.SessionStore,
) *Normalizer {
	return &Normalizer{
		timeline:     tl,
		participants: participants,
		meetings:     meetings,
		requirements: requirements,
		sessions:     sessions,
		logger:       log.New(log.Writer(), "[NORMALIZE] ", log.LstdFlags),
		now:          time.Now,
	}
}

// resolveTimestamp applies the clock policy: trust the source timestamp when
// present and within the skew bound, otherwise stamp with server time and
// flag the substitution in the event data.
func (n *Normalizer) resolveTimestamp(sourceTime time.Time, data map[string]interface{}) (time.Time, map[string]interface{}) {
	now := n.now().UTC()
	if sourceTime.IsZero() {
		if data == nil {
			data = make(map[string]interface{})
		}
		data["server_stamped"] = true
		return now, data
	}
	skew := now.Sub(sourceTime.UTC())
	if skew < 0 {
		skew = -skew
	}
	if skew > maxClockSkew {
		if data == nil {
			data = make(map[string]interface{})
		}
		data["server_stamped"] = true
		data["source_time"] = sourceTime.UTC().Format(time.RFC3339)
		return now, data
	}
	return sourceTime.UTC(), data
}

// ============================================================================
// WEBHOOK INGRESS
// ============================================================================

// FromWebhook resolves a provider event to the most recent IN_PROGRESS
// session for (providerMeetingId, participantEmail), creating a new session —
// and a placeholder meeting if necessary — when the participant's active
// requirement warrants it. Unknown participants are logged and dropped.
func (n *Normalizer) FromWebhook(ctx context.Context, ev ProviderEvent) (*model.Session, error) {
	participant, err := n.participants.GetParticipantByEmail(ctx, ev.ParticipantEmail)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			n.logger.Printf("Webhook for unknown participant %s, dropping", ev.ParticipantEmail)
			return nil, Dropped
		}
		return nil, err
	}

	meeting, err := n.meetings.GetMeetingByProviderID(ctx, ev.ProviderMeetingID)
	if errors.Is(err, store.ErrNotFound) {
		// Placeholder meetings only ever come from provider webhooks, never
		// from heartbeats.
		meeting, err = n.createPlaceholderMeeting(ctx, ev)
	}
	if err != nil {
		return nil, err
	}

	var data map[string]interface{}
	t, data := n.resolveTimestamp(ev.Timestamp, nil)
	if ev.Kind == model.EventLeft && ev.CumulativeDurationSec > 0 {
		if data == nil {
			data = make(map[string]interface{})
		}
		data["provider_duration_sec"] = ev.CumulativeDurationSec
	}

	session, err := n.sessions.FindInProgressByMeeting(ctx, meeting.ID, participant.ID)
	if errors.Is(err, store.ErrNotFound) {
		if ev.Kind != model.EventJoined {
			n.logger.Printf("Webhook %s for %s without an open session, dropping", ev.Kind, ev.ParticipantEmail)
			return nil, Dropped
		}
		return n.openSessionFromWebhook(ctx, participant, meeting, t)
	}
	if err != nil {
		return nil, err
	}

	if _, err := n.timeline.Append(ctx, session.ID, model.TimelineEvent{
		Time:   t,
		Kind:   ev.Kind,
		Source: model.SourceWebhook,
		Data:   data,
	}); err != nil {
		return nil, err
	}
	return session, nil
}

func (n *Normalizer) openSessionFromWebhook(
	ctx context.Context,
	participant *model.Participant,
	meeting *model.ExternalMeeting,
	joinTime time.Time,
) (*model.Session, error) {
	req, err := n.requirements.GetActiveRequirement(ctx, participant.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			n.logger.Printf("No active requirement for %s, not opening a session", participant.Email)
			return nil, Dropped
		}
		return nil, err
	}
	if !req.MatchesProgram(meeting.Program) {
		n.logger.Printf("Meeting program %q does not match requirement for %s, not opening a session",
			meeting.Program, participant.Email)
		return nil, Dropped
	}
	return n.timeline.CreateSession(ctx,
		participant.ID, participant.SupervisingOfficerID, meeting.ID,
		joinTime, model.SourceWebhook, nil)
}

func (n *Normalizer) createPlaceholderMeeting(ctx context.Context, ev ProviderEvent) (*model.ExternalMeeting, error) {
	meeting := &model.ExternalMeeting{
		ID:                   uuid.NewString(),
		ProviderMeetingID:    ev.ProviderMeetingID,
		Name:                 fmt.Sprintf("Unverified meeting %s", ev.ProviderMeetingID),
		ScheduledStart:       n.now().UTC().Truncate(time.Minute),
		ScheduledDurationMin: placeholderDurationMin,
	}
	if err := n.meetings.CreateMeeting(ctx, meeting); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Lost a create race; the row is there now.
			return n.meetings.GetMeetingByProviderID(ctx, ev.ProviderMeetingID)
		}
		return nil, err
	}
	n.logger.Printf("Created placeholder meeting for provider id %s", ev.ProviderMeetingID)
	return meeting, nil
}

// ============================================================================
// HEARTBEAT INGRESS
// ============================================================================

// engagementKind reports whether the kind is a client engagement signal.
func engagementKind(kind model.EventKind) bool {
	switch kind {
	case model.EventActive, model.EventIdle,
		model.EventMouse, model.EventKeyboard, model.EventScroll, model.EventClick:
		return true
	}
	return false
}

// FromHeartbeat appends a client heartbeat to its session. Heartbeats carry
// the session id. ACTIVE/IDLE heartbeats arriving within ten minutes of
// completion are still appended; they adjust engagement, not totals.
func (n *Normalizer) FromHeartbeat(
	ctx context.Context,
	sessionID string,
	kind model.EventKind,
	clientTime time.Time,
	data map[string]interface{},
) (store.AppendResult, error) {
	if !engagementKind(kind) {
		return "", fmt.Errorf("kind %s is not a heartbeat kind", kind)
	}

	session, err := n.timeline.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	switch session.Status {
	case model.SessionInProgress:
		// normal path
	case model.SessionCompleted:
		late := kind == model.EventActive || kind == model.EventIdle
		cutoff := session.LastEventTime.Add(lateHeartbeatWindow)
		if session.LeaveTime != nil {
			cutoff = session.LeaveTime.Add(lateHeartbeatWindow)
		}
		if !late || n.now().UTC().After(cutoff) {
			n.logger.Printf("Late heartbeat for completed session %s, dropping", sessionID)
			return "", Dropped
		}
	default:
		return "", Dropped
	}

	t, data := n.resolveTimestamp(clientTime, data)
	return n.timeline.Append(ctx, sessionID, model.TimelineEvent{
		Time:   t,
		Kind:   kind,
		Source: model.SourceHeartbeat,
		Data:   data,
	})
}

// ============================================================================
// API INGRESS
// ============================================================================

// FromAPI appends an explicit join/leave/rejoin event carried by an
// authenticated API call. The session id is carried in the request.
func (n *Normalizer) FromAPI(
	ctx context.Context,
	sessionID string,
	kind model.EventKind,
	data map[string]interface{},
) (store.AppendResult, error) {
	session, err := n.timeline.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if session.Status != model.SessionInProgress {
		return "", fmt.Errorf("session %s is %s: %w", sessionID, session.Status, store.ErrConflict)
	}

	// API calls are stamped with server time; there is no client clock to
	// trust or distrust.
	return n.timeline.Append(ctx, sessionID, model.TimelineEvent{
		Time:   n.now().UTC(),
		Kind:   kind,
		Source: model.SourceAPI,
		Data:   data,
	})
}
