package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/proofmeet/backend/internal/card"
	"github.com/proofmeet/backend/internal/middleware"
	"github.com/proofmeet/backend/internal/model"
	"github.com/proofmeet/backend/internal/notify"
	"github.com/proofmeet/backend/internal/requirement"
	"github.com/proofmeet/backend/internal/store"
)

// OfficerDeps bundles what the officer endpoints need.
type OfficerDeps struct {
	Participants store.ParticipantStore
	Sessions     store.SessionStore
	Cards        store.CardStore
	Requirements *requirement.Engine
	Digests      *notify.DigestSender
}

// HandleOfficerDashboard summarizes the officer's caseload: per-participant
// compliance and recent cards.
func HandleOfficerDashboard(d OfficerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, _ := middleware.PrincipalFrom(r.Context())
		participants, err := d.Participants.ListParticipantsByOfficer(r.Context(), principal.ID)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		type entry struct {
			Participant *model.Participant  `json:"participant"`
			Compliance  *requirement.Status `json:"compliance,omitempty"`
			Cards       int                 `json:"cards"`
		}
		out := make([]entry, 0, len(participants))
		for _, p := range participants {
			e := entry{Participant: p}
			if status, err := d.Requirements.Evaluate(r.Context(), p); err == nil {
				e.Compliance = status
			}
			if cards, err := d.Cards.ListCardsByParticipant(r.Context(), p.ID); err == nil {
				e.Cards = len(cards)
			}
			out = append(out, e)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"participants": out,
			"count":        len(out),
		})
	}
}

// HandleListParticipants lists the officer's supervised participants.
func HandleListParticipants(d OfficerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, _ := middleware.PrincipalFrom(r.Context())
		participants, err := d.Participants.ListParticipantsByOfficer(r.Context(), principal.ID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"participants": participants,
			"count":        len(participants),
		})
	}
}

type assignRequirementRequest struct {
	TotalMeetingsRequired int      `json:"total_meetings_required"`
	MeetingsPerWeek       int      `json:"meetings_per_week"`
	RequiredPrograms      []string `json:"required_programs"`
	MinimumDurationMin    int      `json:"minimum_duration_min"`
	MinimumAttendancePct  float64  `json:"minimum_attendance_pct"`
}

// HandleAssignRequirement activates a new attendance requirement for a
// participant, superseding any prior active one.
func HandleAssignRequirement(d OfficerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, _ := middleware.PrincipalFrom(r.Context())
		participantID := mux.Vars(r)["participantId"]

		participant, err := d.Participants.GetParticipant(r.Context(), participantID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if participant.SupervisingOfficerID != principal.ID && principal.Role != middleware.RoleAdmin {
			writeError(w, http.StatusForbidden, codeForbidden, "participant is supervised by another officer")
			return
		}

		var req assignRequirementRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeBadRequest, "invalid request body")
			return
		}
		if req.TotalMeetingsRequired <= 0 && req.MeetingsPerWeek <= 0 {
			writeError(w, http.StatusBadRequest, codeBadRequest, "either total_meetings_required or meetings_per_week must be positive")
			return
		}

		created, err := d.Requirements.Assign(r.Context(), &model.Requirement{
			ParticipantID:         participantID,
			OfficerID:             principal.ID,
			TotalMeetingsRequired: req.TotalMeetingsRequired,
			MeetingsPerWeek:       req.MeetingsPerWeek,
			RequiredPrograms:      req.RequiredPrograms,
			MinimumDurationMin:    req.MinimumDurationMin,
			MinimumAttendancePct:  req.MinimumAttendancePct,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

// HandleCompliance evaluates one participant against their active
// requirement.
func HandleCompliance(d OfficerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		participant, err := d.Participants.GetParticipant(r.Context(), mux.Vars(r)["participantId"])
		if err != nil {
			writeDomainError(w, err)
			return
		}
		status, err := d.Requirements.Evaluate(r.Context(), participant)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

// HandleChainAudit walks a participant's card chain and reports the first
// broken position, if any. Admin tooling for tamper investigations.
func HandleChainAudit(d OfficerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		participantID := mux.Vars(r)["participantId"]
		cards, err := d.Cards.ListCardsByParticipant(r.Context(), participantID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		broken := card.VerifyChain(cards)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"participant_id":  participantID,
			"cards":           len(cards),
			"chain_intact":    broken < 0,
			"broken_position": broken,
		})
	}
}

// HandleSendDigests triggers digest delivery outside the daily cutoff.
// Idempotent; already-sent batches are untouched.
func HandleSendDigests(d OfficerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Digests.SendDue(r.Context()); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
