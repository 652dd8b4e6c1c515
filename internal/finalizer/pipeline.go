// Package finalizer drives a session from IN_PROGRESS to an issued court
// card: reconcile the timeline, judge the outcome, swap the derived fields
// under optimistic concurrency, issue the card, and queue the officer digest.
// The same pipeline serves the synchronous leave path and the background
// sweeps, so a crash between completion and issuance is always repaired by the
// next sweep.
package finalizer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/proofmeet/backend/internal/card"
	"github.com/proofmeet/backend/internal/events"
	"github.com/proofmeet/backend/internal/model"
	"github.com/proofmeet/backend/internal/monitoring"
	"github.com/proofmeet/backend/internal/reconcile"
	"github.com/proofmeet/backend/internal/store"
	"github.com/proofmeet/backend/internal/timeline"
	"github.com/proofmeet/backend/internal/validate"
)

// Pipeline finalizes sessions. Safe for concurrent use; per-session work is
// serialized in-process through a keyed mutex, and cross-process through the
// session version CAS plus the card's per-session uniqueness.
type Pipeline struct {
	timeline     *timeline.Service
	participants store.ParticipantStore
	officers     store.OfficerStore
	meetings     store.MeetingStore
	digests      store.DigestStore
	issuer       *card.Issuer

	reconCfg reconcile.Config
	valCfg   validate.Config

	bus     events.Emitter
	metrics *monitoring.Metrics
	logger  *log.Logger
	now     func() time.Time

	mu       sync.Mutex
	inFlight map[string]*sync.Mutex
}

// NewPipeline creates a finalization pipeline. metrics may be nil.
func NewPipeline(
	tl *timeline.Service,
	participants store.ParticipantStore,
	officers store.OfficerStore,
	meetings store.MeetingStore,
	digests store.DigestStore,
	issuer *card.Issuer,
	reconCfg reconcile.Config,
	valCfg validate.Config,
	bus events.Emitter,
	metrics *monitoring.Metrics,
) *Pipeline {
	return &Pipeline{
		timeline:     tl,
		participants: participants,
		officers:     officers,
		meetings:     meetings,
		digests:      digests,
		issuer:       issuer,
		reconCfg:     reconCfg,
		valCfg:       valCfg,
		bus:          bus,
		metrics:      metrics,
		logger:       log.New(log.Writer(), "[FINALIZER] ", log.LstdFlags),
		now:          time.Now,
	}
}

// lock returns the per-session mutex, creating it on first use.
func (p *Pipeline) lock(sessionID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight == nil {
		p.inFlight = make(map[string]*sync.Mutex)
	}
	m, ok := p.inFlight[sessionID]
	if !ok {
		m = &sync.Mutex{}
		p.inFlight[sessionID] = m
	}
	return m
}

// FinalizeSession runs the full reconcile → validate → complete → issue chain
// for one session. Idempotent: a session that already carries a card returns
// that card; concurrent callers converge on the same card through the store's
// uniqueness guarantees.
func (p *Pipeline) FinalizeSession(ctx context.Context, sessionID string) (*model.CourtCard, error) {
	m := p.lock(sessionID)
	m.Lock()
	defer m.Unlock()
	start := time.Now()

	session, err := p.timeline.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == model.SessionAbandoned {
		return nil, fmt.Errorf("session %s is abandoned: %w", sessionID, store.ErrConflict)
	}

	participant, err := p.participants.GetParticipant(ctx, session.ParticipantID)
	if err != nil {
		return nil, fmt.Errorf("load participant: %w", err)
	}
	officer, err := p.officers.GetOfficer(ctx, session.OfficerID)
	if err != nil {
		return nil, fmt.Errorf("load officer: %w", err)
	}
	meeting, err := p.meetings.GetMeeting(ctx, session.ExternalMeetingID)
	if err != nil {
		return nil, fmt.Errorf("load meeting: %w", err)
	}

	res := reconcile.Reconcile(session.Timeline, meeting.ScheduledDurationMin, p.reconCfg)
	score, hasScore := session.EngagementScore()
	outcome := validate.Judge(res, meeting.ScheduledStart, meeting.ScheduledDurationMin, score, hasScore, p.valCfg)

	// Completion swap. Another finalizer may have won the race; the re-read
	// inside SwapDerived makes this converge rather than conflict.
	leave := res.LeaveTime
	session, err = p.timeline.SwapDerived(ctx, sessionID, func(current *model.Session) store.DerivedFields {
		return store.DerivedFields{
			Status:             model.SessionCompleted,
			LeaveTime:          &leave,
			Totals:             res.Totals,
			AttendancePct:      res.AttendancePct,
			VerificationMethod: res.VerificationMethod,
			IsValid:            outcome.Verdict == model.VerdictPassed,
			CardIssued:         current.CardIssued,
		}
	})
	if err != nil {
		return nil, err
	}

	crd, err := p.issuer.Issue(ctx, card.Request{
		Session:     session,
		Participant: participant,
		Officer:     officer,
		Meeting:     meeting,
		Result:      res,
		Outcome:     outcome,
	})
	if errors.Is(err, store.ErrConflict) && crd != nil {
		// Card already exists for this session; adopt it.
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("issue card: %w", err)
	}

	if p.metrics != nil && !session.CardIssued {
		// First issuance only; re-finalizations adopt the existing card.
		p.metrics.RecordFinalized(string(crd.Verdict))
	}

	if !session.CardIssued {
		if _, err := p.timeline.SwapDerived(ctx, sessionID, func(current *model.Session) store.DerivedFields {
			return store.DerivedFields{
				Status:             current.Status,
				LeaveTime:          current.LeaveTime,
				Totals:             current.Totals,
				AttendancePct:      current.AttendancePct,
				VerificationMethod: current.VerificationMethod,
				IsValid:            current.IsValid,
				CardIssued:         true,
			}
		}); err != nil {
			// The card exists; the flag is repaired by the unissued sweep.
			p.logger.Printf("Card %s issued but flag swap failed for session %s: %v", crd.Number, sessionID, err)
		}
	}

	if err := p.enqueueDigest(ctx, session, crd); err != nil {
		p.logger.Printf("Digest enqueue failed for session %s: %v", sessionID, err)
	}

	if p.bus != nil {
		p.bus.Emit(events.TypeSessionCompleted, "/finalizer", sessionID, map[string]interface{}{
			"session_id":     sessionID,
			"participant_id": session.ParticipantID,
			"card_id":        crd.ID,
			"card_number":    crd.Number,
			"verdict":        string(crd.Verdict),
		})
	}

	if p.metrics != nil {
		p.metrics.FinalizeDuration.Observe(time.Since(start).Seconds())
	}
	p.logger.Printf("Finalized session %s: card=%s verdict=%s total=%.1fmin",
		sessionID, crd.Number, crd.Verdict, crd.Metrics.TotalDurationMin)
	return crd, nil
}

// enqueueDigest adds the session to the supervising officer's digest batch
// for the card's issue date. GetOrCreateDigest is idempotent on
// (officerID, date), so double finalization never produces a second batch.
func (p *Pipeline) enqueueDigest(ctx context.Context, session *model.Session, crd *model.CourtCard) error {
	date := crd.GeneratedAt.UTC().Format("2006-01-02")
	batch, err := p.digests.GetOrCreateDigest(ctx, session.OfficerID, date)
	if err != nil {
		return err
	}
	return p.digests.AddDigestSessions(ctx, batch.ID, []string{session.ID})
}
