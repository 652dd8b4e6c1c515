// Package verify is the public read side of the card pipeline. Every read
// recomputes the card hash and reports tampering; responses carry snapshots,
// verdicts and signature roll-ups but never credentials or raw timelines.
package verify

import (
	"context"
	"log"
	"time"

	"github.com/proofmeet/backend/internal/card"
	"github.com/proofmeet/backend/internal/events"
	"github.com/proofmeet/backend/internal/model"
	"github.com/proofmeet/backend/internal/monitoring"
	"github.com/proofmeet/backend/internal/store"
)

// SignatureSummary is the public projection of one card signature.
type SignatureSummary struct {
	Role       model.SignerRole `json:"role"`
	SignerName string           `json:"signer_name"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Response is the public verification payload for one card.
type Response struct {
	CardID          string                    `json:"card_id"`
	Number          string                    `json:"number"`
	Participant     model.ParticipantSnapshot `json:"participant"`
	Officer         model.OfficerSnapshot     `json:"officer"`
	Meeting         model.MeetingSnapshot     `json:"meeting"`
	Metrics         model.CardMetrics         `json:"metrics"`
	Verdict         model.Verdict             `json:"verdict"`
	Violations      []model.Violation         `json:"violations,omitempty"`
	Signatures      []SignatureSummary        `json:"signatures"`
	FullySigned     bool                      `json:"fully_signed"`
	ChainPosition   int                       `json:"chain_position"`
	GeneratedAt     time.Time                 `json:"generated_at"`
	VerificationURL string                    `json:"verification_url"`
	Tampered        bool                      `json:"tampered"`
}

// Verifier serves unauthenticated card lookups with integrity checking.
type Verifier struct {
	cards   store.CardStore
	sigs    store.SignatureStore
	bus     events.Emitter
	metrics *monitoring.Metrics
	logger  *log.Logger
}

// New creates a verifier. metrics may be nil.
func New(cards store.CardStore, sigs store.SignatureStore, bus events.Emitter, metrics *monitoring.Metrics) *Verifier {
	return &Verifier{
		cards:   cards,
		sigs:    sigs,
		bus:     bus,
		metrics: metrics,
		logger:  log.New(log.Writer(), "[VERIFY] ", log.LstdFlags),
	}
}

// ByID verifies one card by id.
func (v *Verifier) ByID(ctx context.Context, cardID string) (*Response, error) {
	c, err := v.cards.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	return v.check(ctx, c)
}

// ByNumber verifies one card by its card number.
func (v *Verifier) ByNumber(ctx context.Context, number string) (*Response, error) {
	c, err := v.cards.GetCardByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	return v.check(ctx, c)
}

// ByParticipantEmail verifies every card snapshot bearing the email.
func (v *Verifier) ByParticipantEmail(ctx context.Context, email string) ([]*Response, error) {
	cards, err := v.cards.ListCardsByParticipantEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	return v.checkAll(ctx, cards)
}

// ByCase verifies every card for a case number.
func (v *Verifier) ByCase(ctx context.Context, caseNumber string) ([]*Response, error) {
	cards, err := v.cards.ListCardsByCase(ctx, caseNumber)
	if err != nil {
		return nil, err
	}
	return v.checkAll(ctx, cards)
}

func (v *Verifier) checkAll(ctx context.Context, cards []*model.CourtCard) ([]*Response, error) {
	out := make([]*Response, 0, len(cards))
	for _, c := range cards {
		resp, err := v.check(ctx, c)
		if err != nil {
			return nil, err
		}
		out = append(out, resp)
	}
	return out, nil
}

// check recomputes the hash and lazily flips the tampered flag. Tampering is
// non-recoverable at the card layer; only administrative re-issue supersedes
// a tampered card.
func (v *Verifier) check(ctx context.Context, c *model.CourtCard) (*Response, error) {
	recomputed, err := card.ComputeHash(c)
	if err != nil {
		return nil, err
	}
	if recomputed != c.Hash && !c.Tampered {
		v.logger.Printf("TAMPER DETECTED: card %s (%s) hash mismatch", c.ID, c.Number)
		if err := v.cards.SetTampered(ctx, c.ID, true); err != nil {
			return nil, err
		}
		c.Tampered = true
		if v.metrics != nil {
			v.metrics.TamperDetections.Inc()
		}
		if v.bus != nil {
			v.bus.Emit(events.TypeCardTampered, "/verify", c.ID, map[string]interface{}{
				"card_id":        c.ID,
				"card_number":    c.Number,
				"participant_id": c.ParticipantID,
			})
		}
	}

	sigs, err := v.sigs.ListSignatures(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	resp := &Response{
		CardID:          c.ID,
		Number:          c.Number,
		Participant:     c.ParticipantSnapshot,
		Officer:         c.OfficerSnapshot,
		Meeting:         c.MeetingSnapshot,
		Metrics:         c.Metrics,
		Verdict:         c.Verdict,
		Violations:      c.Violations,
		ChainPosition:   c.ChainPosition,
		GeneratedAt:     c.GeneratedAt,
		VerificationURL: c.VerificationURL,
		Tampered:        c.Tampered,
		Signatures:      make([]SignatureSummary, 0, len(sigs)),
	}
	var participant, host bool
	for _, s := range sigs {
		resp.Signatures = append(resp.Signatures, SignatureSummary{
			Role:       s.SignerRole,
			SignerName: s.SignerName,
			Timestamp:  s.Timestamp,
		})
		switch s.SignerRole {
		case model.RoleParticipant:
			participant = true
		case model.RoleHost:
			host = true
		}
	}
	resp.FullySigned = participant && host
	return resp, nil
}
