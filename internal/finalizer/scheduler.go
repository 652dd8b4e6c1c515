package finalizer

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/proofmeet/backend/internal/events"
	"github.com/proofmeet/backend/internal/model"
	"github.com/proofmeet/backend/internal/monitoring"
	"github.com/proofmeet/backend/internal/store"
)

const (
	// leaseName is the shared lease key; one instance sweeps at a time.
	leaseName = "finalizer"

	// defaultMaxStaleGrace caps the per-meeting stale grace when the
	// deployment does not configure its own cap.
	defaultMaxStaleGrace = 15 * time.Minute

	// sweepBudget bounds one tick's worth of issuance work.
	sweepBudget = 30 * time.Second

	// issueRetries is how many times a failed finalization is retried within
	// one sweep before being left for the next tick.
	issueRetries = 3
)

// SchedulerConfig tunes the background sweeps.
type SchedulerConfig struct {
	// Tick is the sweep period. Zero means the 120 s default.
	Tick time.Duration

	// MaxStaleGrace caps the per-meeting stale grace. Zero means the
	// 15-minute default.
	MaxStaleGrace time.Duration
}

func (c SchedulerConfig) tick() time.Duration {
	if c.Tick <= 0 {
		return 120 * time.Second
	}
	return c.Tick
}

func (c SchedulerConfig) maxStaleGrace() time.Duration {
	if c.MaxStaleGrace <= 0 {
		return defaultMaxStaleGrace
	}
	return c.MaxStaleGrace
}

// Scheduler runs the periodic stale-session and unissued-card sweeps. Multiple
// instances may run; a store-backed lease elects one sweeper, and the lease
// TTL of three ticks lets a replacement take over after a crash.
type Scheduler struct {
	pipeline *Pipeline
	sessions store.SessionStore
	meetings store.MeetingStore
	leases   store.LeaseStore
	bus      events.Emitter
	metrics  *monitoring.Metrics

	cfg    SchedulerConfig
	holder string
	logger *log.Logger
	now    func() time.Time
}

// NewScheduler creates a scheduler around a pipeline. metrics may be nil.
func NewScheduler(
	pipeline *Pipeline,
	sessions store.SessionStore,
	meetings store.MeetingStore,
	leases store.LeaseStore,
	bus events.Emitter,
	cfg SchedulerConfig,
	metrics *monitoring.Metrics,
) *Scheduler {
	return &Scheduler{
		pipeline: pipeline,
		sessions: sessions,
		meetings: meetings,
		leases:   leases,
		bus:      bus,
		metrics:  metrics,
		cfg:      cfg,
		holder:   uuid.NewString(),
		logger:   log.New(log.Writer(), "[SCHEDULER] ", log.LstdFlags),
		now:      time.Now,
	}
}

// Run ticks until the context is cancelled. Blocking; callers run it in a
// goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	tick := s.cfg.tick()
	s.logger.Printf("Finalizer scheduler started (tick=%s holder=%s)", tick, s.holder)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := s.leases.ReleaseLease(context.Background(), leaseName, s.holder); err != nil {
				s.logger.Printf("Lease release: %v", err)
			}
			s.logger.Printf("Finalizer scheduler stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one leader-gated pass: mark stale sessions, then finalize
// completed-but-unissued ones. Exported so tests and admin endpoints can
// trigger a pass directly.
func (s *Scheduler) Sweep(ctx context.Context) {
	ok, err := s.leases.AcquireLease(ctx, leaseName, s.holder, 3*s.cfg.tick())
	if err != nil {
		s.logger.Printf("Lease acquire: %v", err)
		return
	}
	if !ok {
		return
	}

	budget, cancel := context.WithTimeout(ctx, sweepBudget)
	defer cancel()

	s.sweepStale(budget)
	s.sweepUnissued(budget)
}

// sweepStale closes IN_PROGRESS sessions whose meeting ended past its grace
// with no events arriving since, by synthesizing a LEFT event and finalizing.
// The synthetic leave lands at the last observed event, never at sweep time,
// so a crashed client is not credited for the gap.
func (s *Scheduler) sweepStale(ctx context.Context) {
	open, err := s.sessions.ListSessionsByStatus(ctx, model.SessionInProgress)
	if err != nil {
		s.logger.Printf("Stale sweep list: %v", err)
		return
	}
	now := s.now().UTC()

	for _, session := range open {
		if ctx.Err() != nil {
			return
		}
		meeting, err := s.meetings.GetMeeting(ctx, session.ExternalMeetingID)
		if err != nil {
			s.logger.Printf("Stale sweep: meeting %s: %v", session.ExternalMeetingID, err)
			continue
		}

		grace := staleGrace(meeting.ScheduledDurationMin, s.cfg.maxStaleGrace())
		deadline := meeting.ScheduledEnd().Add(grace)
		if now.Before(deadline) || now.Before(session.LastEventTime.Add(grace)) {
			continue
		}

		leaveAt := session.LastEventTime
		if !leaveAt.After(session.JoinTime) {
			leaveAt = session.JoinTime.Add(time.Duration(meeting.ScheduledDurationMin) * time.Minute)
		}
		if _, err := s.pipeline.timeline.Append(ctx, session.ID, model.TimelineEvent{
			Time:   leaveAt,
			Kind:   model.EventLeft,
			Source: model.SourceAPI,
			Data:   map[string]interface{}{"synthetic": true},
		}); err != nil {
			s.logger.Printf("Stale sweep: synthetic LEFT for %s: %v", session.ID, err)
			continue
		}
		s.logger.Printf("Session %s stale (meeting ended %s, last event %s), closing at %s",
			session.ID, meeting.ScheduledEnd().Format(time.RFC3339),
			session.LastEventTime.Format(time.RFC3339), leaveAt.Format(time.RFC3339))
		if s.metrics != nil {
			s.metrics.SessionsStale.Inc()
		}

		if s.bus != nil {
			s.bus.Emit(events.TypeSessionStale, "/finalizer", session.ID, map[string]interface{}{
				"session_id":     session.ID,
				"participant_id": session.ParticipantID,
				"leave_time":     leaveAt.Format(time.RFC3339),
			})
		}

		if err := s.finalizeWithRetry(ctx, session.ID); err != nil {
			s.logger.Printf("Stale sweep: finalize %s: %v", session.ID, err)
		}
	}
}

// sweepUnissued repairs sessions that completed without a card, e.g. after a
// crash between the completion swap and issuance.
func (s *Scheduler) sweepUnissued(ctx context.Context) {
	pending, err := s.sessions.ListCompletedUnissued(ctx)
	if err != nil {
		s.logger.Printf("Issuance sweep list: %v", err)
		return
	}
	for _, session := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := s.finalizeWithRetry(ctx, session.ID); err != nil {
			s.logger.Printf("Issuance sweep: finalize %s: %v", session.ID, err)
		}
	}
}

// finalizeWithRetry retries transient finalization failures with exponential
// backoff inside the sweep budget.
func (s *Scheduler) finalizeWithRetry(ctx context.Context, sessionID string) error {
	backoff := 500 * time.Millisecond
	var err error
	for attempt := 0; attempt < issueRetries; attempt++ {
		if _, err = s.pipeline.FinalizeSession(ctx, sessionID); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

// staleGrace is how long past its scheduled end a meeting may run before its
// silent sessions are considered stale: a quarter of the scheduled length,
// capped at the configured maximum.
func staleGrace(scheduledDurationMin int, max time.Duration) time.Duration {
	grace := time.Duration(scheduledDurationMin) * time.Minute / 4
	if grace > max {
		grace = max
	}
	return grace
}
