package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/proofmeet/backend/internal/finalizer"
	"github.com/proofmeet/backend/internal/middleware"
	"github.com/proofmeet/backend/internal/model"
	"github.com/proofmeet/backend/internal/monitoring"
	"github.com/proofmeet/backend/internal/normalize"
	"github.com/proofmeet/backend/internal/store"
	"github.com/proofmeet/backend/internal/timeline"
)

// SessionDeps bundles what the session endpoints need.
type SessionDeps struct {
	Timeline     *timeline.Service
	Normalizer   *normalize.Normalizer
	Pipeline     *finalizer.Pipeline
	Participants store.ParticipantStore
	Meetings     store.MeetingStore
	Requirements store.RequirementStore
	Sessions     store.SessionStore
	Snapshots    store.SnapshotStore
	Metrics      *monitoring.Metrics
}

// ownedSession loads the session and checks that the caller owns it.
// Officers and admins may read any session.
func (d SessionDeps) ownedSession(r *http.Request) (*model.Session, int, string, string) {
	sessionID := mux.Vars(r)["sessionId"]
	session, err := d.Timeline.Get(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, http.StatusNotFound, codeNotFound, "session not found"
		}
		return nil, http.StatusInternalServerError, codeInternal, "internal error"
	}
	principal, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		return nil, http.StatusUnauthorized, codeUnauthenticated, "not authenticated"
	}
	if principal.Role == middleware.RoleParticipant && principal.ID != session.ParticipantID {
		return nil, http.StatusForbidden, codeForbidden, "session belongs to another participant"
	}
	return session, 0, "", ""
}

type joinRequest struct {
	MeetingID string `json:"meeting_id"`
}

// HandleJoin opens a session for the authenticated participant on a known
// meeting, provided an active requirement warrants it.
func HandleJoin(d SessionDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, _ := middleware.PrincipalFrom(r.Context())
		var req joinRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MeetingID == "" {
			writeError(w, http.StatusBadRequest, codeBadRequest, "meeting_id is required")
			return
		}

		participant, err := d.Participants.GetParticipant(r.Context(), principal.ID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		meeting, err := d.Meetings.GetMeeting(r.Context(), req.MeetingID)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		requirement, err := d.Requirements.GetActiveRequirement(r.Context(), participant.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusConflict, codeStateInvalid, "no active attendance requirement")
				return
			}
			writeDomainError(w, err)
			return
		}
		if !requirement.MatchesProgram(meeting.Program) {
			writeError(w, http.StatusConflict, codeStateInvalid, "meeting program does not satisfy the active requirement")
			return
		}

		// An open session for the same meeting is resumed, not duplicated.
		if existing, err := d.Sessions.FindInProgressByMeeting(r.Context(), meeting.ID, participant.ID); err == nil {
			writeJSON(w, http.StatusOK, existing)
			return
		}

		session, err := d.Timeline.CreateSession(r.Context(),
			participant.ID, participant.SupervisingOfficerID, meeting.ID,
			time.Now().UTC(), model.SourceAPI, nil)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if d.Metrics != nil {
			d.Metrics.EventsIngested.WithLabelValues(string(model.SourceAPI), string(model.EventJoined)).Inc()
		}
		writeJSON(w, http.StatusCreated, session)
	}
}

// HandleLeave appends the final LEFT event and finalizes the session
// synchronously, returning the issued card.
func HandleLeave(d SessionDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, status, code, msg := d.ownedSession(r)
		if session == nil {
			writeError(w, status, code, msg)
			return
		}

		if _, err := d.Normalizer.FromAPI(r.Context(), session.ID, model.EventLeft, nil); err != nil {
			writeDomainError(w, err)
			return
		}
		crd, err := d.Pipeline.FinalizeSession(r.Context(), session.ID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"session_id": session.ID,
			"card":       crd,
		})
	}
}

// HandleLeaveTemp and HandleRejoin record explicit mid-meeting absence.
func HandleLeaveTemp(d SessionDeps) http.HandlerFunc {
	return apiEvent(d, model.EventLeft)
}

func HandleRejoin(d SessionDeps) http.HandlerFunc {
	return apiEvent(d, model.EventJoined)
}

func apiEvent(d SessionDeps, kind model.EventKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, status, code, msg := d.ownedSession(r)
		if session == nil {
			writeError(w, status, code, msg)
			return
		}
		res, err := d.Normalizer.FromAPI(r.Context(), session.ID, kind, nil)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if d.Metrics != nil {
			if res == store.AppendDuplicate {
				d.Metrics.DuplicateEvents.Inc()
			} else {
				d.Metrics.EventsIngested.WithLabelValues(string(model.SourceAPI), string(kind)).Inc()
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": string(res)})
	}
}

type activityEvent struct {
	Kind       model.EventKind        `json:"kind"`
	ClientTime time.Time              `json:"client_time"`
	Data       map[string]interface{} `json:"data"`
}

type activityRequest struct {
	Events          []activityEvent `json:"events"`
	EngagementScore *float64        `json:"engagement_score,omitempty"`
}

// HandleActivity ingests a batch of client heartbeats. Each event is
// idempotent; the response reports accepted and duplicate counts. An optional
// engagement score is recorded on the session metadata.
func HandleActivity(d SessionDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, status, code, msg := d.ownedSession(r)
		if session == nil {
			writeError(w, status, code, msg)
			return
		}

		var req activityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeBadRequest, "invalid request body")
			return
		}

		var accepted, duplicates, dropped int
		for _, ev := range req.Events {
			res, err := d.Normalizer.FromHeartbeat(r.Context(), session.ID, ev.Kind, ev.ClientTime, ev.Data)
			switch {
			case errors.Is(err, normalize.Dropped):
				dropped++
				if d.Metrics != nil {
					d.Metrics.EventsDropped.WithLabelValues(string(model.SourceHeartbeat), "stale").Inc()
				}
			case err != nil:
				writeDomainError(w, err)
				return
			case res == store.AppendDuplicate:
				duplicates++
				if d.Metrics != nil {
					d.Metrics.DuplicateEvents.Inc()
				}
			default:
				accepted++
				if d.Metrics != nil {
					d.Metrics.EventsIngested.WithLabelValues(string(model.SourceHeartbeat), string(ev.Kind)).Inc()
				}
			}
		}

		if req.EngagementScore != nil {
			if err := d.Timeline.SetMetadata(r.Context(), session.ID, "engagement_score", *req.EngagementScore); err != nil {
				writeDomainError(w, err)
				return
			}
		}

		writeJSON(w, http.StatusOK, map[string]int{
			"accepted":   accepted,
			"duplicates": duplicates,
			"dropped":    dropped,
		})
	}
}

type snapshotRequest struct {
	CapturedAt        time.Time `json:"captured_at"`
	MinuteIntoMeeting int       `json:"minute_into_meeting"`
	BlobRef           string    `json:"blob_ref"`
	FaceDetected      *bool     `json:"face_detected,omitempty"`
	MatchScore        *float64  `json:"match_score,omitempty"`
}

// HandleSnapshot records a webcam snapshot reference. Face-match fields are
// client assertions; nothing biometric happens server-side.
func HandleSnapshot(d SessionDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, status, code, msg := d.ownedSession(r)
		if session == nil {
			writeError(w, status, code, msg)
			return
		}
		var req snapshotRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BlobRef == "" {
			writeError(w, http.StatusBadRequest, codeBadRequest, "blob_ref is required")
			return
		}
		snap := &model.WebcamSnapshot{
			ID:                uuid.NewString(),
			SessionID:         session.ID,
			CapturedAt:        req.CapturedAt.UTC(),
			MinuteIntoMeeting: req.MinuteIntoMeeting,
			BlobRef:           req.BlobRef,
			FaceDetected:      req.FaceDetected,
			MatchScore:        req.MatchScore,
		}
		if snap.CapturedAt.IsZero() {
			snap.CapturedAt = time.Now().UTC()
		}
		if err := d.Snapshots.CreateSnapshot(r.Context(), snap); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, snap)
	}
}

// HandleGetSession returns one session with its timeline.
func HandleGetSession(d SessionDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, status, code, msg := d.ownedSession(r)
		if session == nil {
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, session)
	}
}
