package notify

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/proofmeet/backend/internal/events"
	"github.com/proofmeet/backend/internal/model"
	"github.com/proofmeet/backend/internal/monitoring"
	"github.com/proofmeet/backend/internal/store"
)

// maxDigestAttempts bounds redelivery of a failed digest; after this many
// attempts the batch stays FAILED for manual follow-up.
const maxDigestAttempts = 5

// DigestSender mails officers their daily batch of newly issued cards.
// Sending is idempotent per (officer, date): a SENT batch is never re-sent.
type DigestSender struct {
	digests  store.DigestStore
	officers store.OfficerStore
	cards    store.CardStore
	mailer   Mailer
	bus      events.Emitter
	metrics  *monitoring.Metrics
	logger   *log.Logger
	now      func() time.Time
}

// NewDigestSender creates a digest sender. metrics may be nil.
func NewDigestSender(
	digests store.DigestStore,
	officers store.OfficerStore,
	cards store.CardStore,
	mailer Mailer,
	bus events.Emitter,
	metrics *monitoring.Metrics,
) *DigestSender {
	return &DigestSender{
		digests:  digests,
		officers: officers,
		cards:    cards,
		mailer:   mailer,
		bus:      bus,
		metrics:  metrics,
		logger:   log.New(log.Writer(), "[DIGEST] ", log.LstdFlags),
		now:      time.Now,
	}
}

// SendDue delivers every PENDING digest and retries FAILED ones that still
// have attempts left. Called from the daily cutoff tick and safe to call
// repeatedly.
func (s *DigestSender) SendDue(ctx context.Context) error {
	pending, err := s.digests.ListDigestsByStatus(ctx, model.DigestPending)
	if err != nil {
		return err
	}
	failed, err := s.digests.ListDigestsByStatus(ctx, model.DigestFailed)
	if err != nil {
		return err
	}

	for _, batch := range append(pending, failed...) {
		if batch.Status == model.DigestFailed && batch.Attempts >= maxDigestAttempts {
			continue
		}
		if len(batch.SessionIDs) == 0 {
			continue
		}
		if err := s.send(ctx, batch); err != nil {
			s.logger.Printf("Digest %s delivery failed: %v", batch.ID, err)
			if s.metrics != nil {
				s.metrics.DigestsSent.WithLabelValues("failed").Inc()
			}
			if uerr := s.digests.UpdateDigestStatus(ctx, batch.ID, model.DigestFailed, nil); uerr != nil {
				s.logger.Printf("Digest %s status update: %v", batch.ID, uerr)
			}
		} else if s.metrics != nil {
			s.metrics.DigestsSent.WithLabelValues("sent").Inc()
		}
	}
	return nil
}

func (s *DigestSender) send(ctx context.Context, batch *model.DigestBatch) error {
	officer, err := s.officers.GetOfficer(ctx, batch.OfficerID)
	if err != nil {
		return fmt.Errorf("load officer: %w", err)
	}

	body, count := s.compose(ctx, batch)
	if err := s.mailer.Send(ctx, Message{
		To:      officer.Email,
		Subject: fmt.Sprintf("ProofMeet daily digest for %s (%d card(s))", digestDay(batch.Date), count),
		Body:    body,
	}); err != nil {
		return err
	}

	sentAt := s.now().UTC()
	if err := s.digests.UpdateDigestStatus(ctx, batch.ID, model.DigestSent, &sentAt); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	s.logger.Printf("Digest %s sent to %s (%d sessions)", batch.ID, officer.Email, len(batch.SessionIDs))

	if s.bus != nil {
		s.bus.Emit(events.TypeDigestSent, "/digests", batch.ID, map[string]interface{}{
			"digest_id":  batch.ID,
			"officer_id": batch.OfficerID,
			"date":       digestDay(batch.Date),
			"sessions":   len(batch.SessionIDs),
		})
	}
	return nil
}

// compose builds the digest body, one line per card, sorted by card number.
// Sessions with no card yet (still being repaired by the sweep) are skipped;
// they surface in a later digest.
func (s *DigestSender) compose(ctx context.Context, batch *model.DigestBatch) (string, int) {
	var lines []string
	for _, sessionID := range batch.SessionIDs {
		c, err := s.cards.GetCardBySession(ctx, sessionID)
		if err != nil {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s  %s  %s  %.0f min (%.0f%%)  %s",
			c.Number, c.ParticipantSnapshot.Name, c.MeetingSnapshot.Name,
			c.Metrics.TotalDurationMin, c.Metrics.AttendancePct, c.Verdict))
	}
	sort.Strings(lines)

	var b strings.Builder
	fmt.Fprintf(&b, "Attendance summary for %s:\n\n", digestDay(batch.Date))
	for _, l := range lines {
		b.WriteString(l)
		b.WriteString("\n")
	}
	return b.String(), len(lines)
}

// digestDay strips the follow-up batch suffix from a stored digest date.
// Sessions arriving after a day's digest went out land in batches keyed
// "2006-01-02#2", "2006-01-02#3", ...; officers only ever see the day.
func digestDay(date string) string {
	if i := strings.Index(date, "#"); i >= 0 {
		return date[:i]
	}
	return date
}
