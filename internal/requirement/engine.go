// Package requirement evaluates aggregate compliance for a participant from
// the stream of validated court cards.
package requirement

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/proofmeet/backend/internal/model"
	"github.com/proofmeet/backend/internal/store"
)

// Mode distinguishes the two compliance computations.
type Mode string

const (
	ModeCumulative Mode = "CUMULATIVE" // totalMeetingsRequired > 0
	ModeWeekly     Mode = "WEEKLY"
)

// Status is the rolling compliance picture for one participant.
type Status struct {
	ParticipantID string                `json:"participant_id"`
	Mode          Mode                  `json:"mode"`
	State         model.ComplianceState `json:"state"`
	ValidCards    int                   `json:"valid_cards"`
	Required      int                   `json:"required"`
	ThisWeek      int                   `json:"this_week,omitempty"`
	WeekStart     time.Time             `json:"week_start,omitempty"`
	EvaluatedAt   time.Time             `json:"evaluated_at"`
}

// Engine computes compliance from valid cards: verdict PASSED, not tampered,
// and matching the requirement's program filter.
type Engine struct {
	requirements store.RequirementStore
	cards        store.CardStore
	now          func() time.Time
}

// NewEngine creates a requirement engine.
func NewEngine(requirements store.RequirementStore, cards store.CardStore) *Engine {
	return &Engine{
		requirements: requirements,
		cards:        cards,
		now:          time.Now,
	}
}

// Assign activates a new requirement for a participant, deactivating the
// prior one first — at most one requirement is active per participant.
func (e *Engine) Assign(ctx context.Context, r *model.Requirement) (*model.Requirement, error) {
	if prior, err := e.requirements.GetActiveRequirement(ctx, r.ParticipantID); err == nil {
		if err := e.requirements.DeactivateRequirement(ctx, prior.ID); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Active = true
	r.CreatedAt = e.now().UTC()
	if err := e.requirements.CreateRequirement(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Evaluate computes the participant's standing against their active
// requirement. Week boundaries are Sunday 00:00 in the participant's
// timezone when known, UTC otherwise.
func (e *Engine) Evaluate(ctx context.Context, participant *model.Participant) (*Status, error) {
	req, err := e.requirements.GetActiveRequirement(ctx, participant.ID)
	if err != nil {
		return nil, err
	}

	cards, err := e.cards.ListCardsByParticipant(ctx, participant.ID)
	if err != nil {
		return nil, err
	}

	loc := time.UTC
	if participant.Timezone != "" {
		if l, err := time.LoadLocation(participant.Timezone); err == nil {
			loc = l
		}
	}
	now := e.now().In(loc)
	weekStart := startOfWeek(now)

	var valid, thisWeek int
	for _, c := range cards {
		if !cardCounts(c, req) {
			continue
		}
		valid++
		if !c.GeneratedAt.In(loc).Before(weekStart) {
			thisWeek++
		}
	}

	status := &Status{
		ParticipantID: participant.ID,
		ValidCards:    valid,
		ThisWeek:      thisWeek,
		WeekStart:     weekStart,
		EvaluatedAt:   e.now().UTC(),
	}

	if req.TotalMeetingsRequired > 0 {
		status.Mode = ModeCumulative
		status.Required = req.TotalMeetingsRequired
		switch {
		case valid >= req.TotalMeetingsRequired:
			status.State = model.ComplianceCompliant
		case valid > 0:
			status.State = model.ComplianceInProgress
		default:
			status.State = model.ComplianceNotStarted
		}
		return status, nil
	}

	status.Mode = ModeWeekly
	status.Required = req.MeetingsPerWeek
	switch {
	case thisWeek >= req.MeetingsPerWeek:
		status.State = model.ComplianceCompliant
	case thisWeek > 0:
		status.State = model.ComplianceAtRisk
	default:
		status.State = model.ComplianceNonCompliant
	}
	return status, nil
}

// cardCounts applies the validity filter: PASSED verdict, untampered, and —
// when the requirement names programs — a matching meeting program. Program
// matching filters compliance counting only; it never blocks card issuance.
func cardCounts(c *model.CourtCard, req *model.Requirement) bool {
	if c.Verdict != model.VerdictPassed || c.Tampered {
		return false
	}
	if len(req.RequiredPrograms) == 0 {
		return true
	}
	return req.MatchesProgram(c.MeetingSnapshot.Program)
}

// startOfWeek returns the preceding Sunday 00:00 in t's location.
func startOfWeek(t time.Time) time.Time {
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return midnight.AddDate(0, 0, -int(midnight.Weekday()))
}
