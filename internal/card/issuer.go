// Package card implements Court Card issuance: deterministic numbering,
// canonical content hashing, the per-participant hash chain, and the
// verification URL / QR payload. Cards are immutable once persisted.
package card

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/proofmeet/backend/internal/events"
	"github.com/proofmeet/backend/internal/model"
	"github.com/proofmeet/backend/internal/reconcile"
	"github.com/proofmeet/backend/internal/store"
	"github.com/proofmeet/backend/internal/validate"
)

// canonicalContent is the exact field set committed to by the card hash.
// Serialization is RFC 8785 canonical JSON (sorted keys, no insignificant
// whitespace, shortest-round-trip numbers); timestamps are RFC 3339 UTC to
// the second.
type canonicalContent struct {
	SessionID        string  `json:"sessionId"`
	ParticipantEmail string  `json:"participantEmail"`
	CaseNumber       string  `json:"caseNumber"`
	OfficerEmail     string  `json:"officerEmail"`
	MeetingID        string  `json:"meetingId"`
	MeetingName      string  `json:"meetingName"`
	MeetingDate      string  `json:"meetingDate"` // YYYY-MM-DD
	Join             string  `json:"join"`
	Leave            string  `json:"leave"`
	TotalMin         float64 `json:"totalMin"`
	ActiveMin        float64 `json:"activeMin"`
	IdleMin          float64 `json:"idleMin"`
	VideoOnMin       float64 `json:"videoOnMin"`
	AttendancePct    float64 `json:"attendancePct"`
	Verdict          string  `json:"verdict"`
}

func canonicalTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// ComputeHash recomputes the canonical SHA-256 of a card from its stored
// snapshot fields. The verifier compares this against the stored hash.
func ComputeHash(c *model.CourtCard) (string, error) {
	content := canonicalContent{
		SessionID:        c.SessionID,
		ParticipantEmail: c.ParticipantSnapshot.Email,
		CaseNumber:       c.ParticipantSnapshot.CaseNumber,
		OfficerEmail:     c.OfficerSnapshot.Email,
		MeetingID:        c.MeetingSnapshot.MeetingID,
		MeetingName:      c.MeetingSnapshot.Name,
		MeetingDate:      c.MeetingSnapshot.Date,
		Join:             canonicalTime(c.JoinTime),
		Leave:            canonicalTime(c.LeaveTime),
		TotalMin:         c.Metrics.TotalDurationMin,
		ActiveMin:        c.Metrics.ActiveDurationMin,
		IdleMin:          c.Metrics.IdleDurationMin,
		VideoOnMin:       c.Metrics.VideoOnDurationMin,
		AttendancePct:    c.Metrics.AttendancePct,
		Verdict:          string(c.Verdict),
	}

	raw, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("marshal card content: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize card content: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// qrPayload is the compact JSON embedded in the card's QR code.
type qrPayload struct {
	CardNumber string `json:"cn"`
	ID         string `json:"id"`
	Hash       string `json:"h"` // first 32 hex chars of the card hash
}

// Number formats a card number: CC-YYYY-DDDDD-SSS where DDDDD is the last
// five digits of the case number (left-padded with zeros) and SSS is the
// per-(year, case) sequence.
func Number(year int, caseNumber string, seq int) string {
	return fmt.Sprintf("CC-%d-%s-%03d", year, CaseDigits(caseNumber), seq)
}

// CaseDigits extracts the last five digits of a case number, left-padded
// with zeros. Non-digit characters are ignored.
func CaseDigits(caseNumber string) string {
	var digits []rune
	for _, r := range caseNumber {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
		}
	}
	if len(digits) > 5 {
		digits = digits[len(digits)-5:]
	}
	for len(digits) < 5 {
		digits = append([]rune{'0'}, digits...)
	}
	return string(digits)
}

// Issuer creates court cards for completed sessions.
type Issuer struct {
	cards    store.CardStore
	counters store.CounterStore

	publicBaseURL string
	bus           events.Emitter
	logger        *log.Logger
	now           func() time.Time
}

// NewIssuer creates a card issuer. publicBaseURL is the externally reachable
// base of the public verifier, without trailing slash.
func NewIssuer(cards store.CardStore, counters store.CounterStore, publicBaseURL string, bus events.Emitter) *Issuer {
	return &Issuer{
		cards:         cards,
		counters:      counters,
		publicBaseURL: publicBaseURL,
		bus:           bus,
		logger:        log.New(log.Writer(), "[ISSUER] ", log.LstdFlags),
		now:           time.Now,
	}
}

// Request carries everything the issuer snapshots onto a card.
type Request struct {
	Session     *model.Session
	Participant *model.Participant
	Officer     *model.Officer
	Meeting     *model.ExternalMeeting
	Result      reconcile.Result
	Outcome     validate.Outcome
}

// Issue creates the card for a completed session. At most one card exists per
// session; a second call returns the store's uniqueness conflict. Chain
// position and prevHash are assigned atomically through the counter store.
func (i *Issuer) Issue(ctx context.Context, req Request) (*model.CourtCard, error) {
	if req.Session.Status != model.SessionCompleted {
		return nil, fmt.Errorf("session %s is %s, not COMPLETED", req.Session.ID, req.Session.Status)
	}
	if existing, err := i.cards.GetCardBySession(ctx, req.Session.ID); err == nil {
		return existing, fmt.Errorf("session %s: %w", req.Session.ID, store.ErrConflict)
	}

	now := i.now().UTC()
	year := now.Year()
	seq, err := i.counters.NextCardSequence(ctx, year, CaseDigits(req.Participant.CaseNumber))
	if err != nil {
		return nil, fmt.Errorf("card sequence: %w", err)
	}

	prevHash := model.ZeroHash
	if last, err := i.cards.LastCardByParticipant(ctx, req.Participant.ID); err == nil {
		prevHash = last.Hash
	}
	position, err := i.counters.NextChainPosition(ctx, req.Participant.ID)
	if err != nil {
		return nil, fmt.Errorf("chain position: %w", err)
	}

	verdict := req.Outcome.Verdict
	if verdict != model.VerdictFailed {
		verdict = model.VerdictPassed
	}

	c := &model.CourtCard{
		ID:            uuid.NewString(),
		SessionID:     req.Session.ID,
		Number:        Number(year, req.Participant.CaseNumber, seq),
		ParticipantID: req.Participant.ID,
		ParticipantSnapshot: model.ParticipantSnapshot{
			Name:       req.Participant.FullName(),
			Email:      req.Participant.Email,
			CaseNumber: req.Participant.CaseNumber,
		},
		OfficerSnapshot: model.OfficerSnapshot{
			Name:         req.Officer.FullName(),
			Email:        req.Officer.Email,
			Badge:        req.Officer.Badge,
			Organization: req.Officer.Organization,
		},
		MeetingSnapshot: model.MeetingSnapshot{
			MeetingID: req.Meeting.ID,
			Name:      req.Meeting.Name,
			Program:   req.Meeting.Program,
			Date:      req.Meeting.ScheduledStart.UTC().Format("2006-01-02"),
			Start:     req.Meeting.ScheduledStart.UTC(),
			End:       req.Meeting.ScheduledEnd().UTC(),
		},
		JoinTime:  req.Result.JoinTime.UTC(),
		LeaveTime: req.Result.LeaveTime.UTC(),
		Metrics: model.CardMetrics{
			TotalDurationMin:   req.Result.Totals.TotalDurationMin,
			ActiveDurationMin:  req.Result.Totals.ActiveDurationMin,
			IdleDurationMin:    req.Result.Totals.IdleDurationMin,
			VideoOnDurationMin: req.Result.Totals.VideoOnDurationMin,
			AttendancePct:      req.Result.AttendancePct,
			HeartbeatCoverage:  req.Result.HeartbeatCoverage,
		},
		Verdict:           verdict,
		Violations:        req.Outcome.Violations,
		Explanation:       req.Outcome.Explanation,
		PrevHash:          prevHash,
		ChainPosition:     position,
		QRErrorCorrection: "H",
		GeneratedAt:       now,
	}

	c.Hash, err = ComputeHash(c)
	if err != nil {
		return nil, err
	}
	c.VerificationURL = fmt.Sprintf("%s/verify/%s", i.publicBaseURL, c.ID)

	qr, err := json.Marshal(qrPayload{CardNumber: c.Number, ID: c.ID, Hash: c.Hash[:32]})
	if err != nil {
		return nil, fmt.Errorf("qr payload: %w", err)
	}
	c.QRPayload = string(qr)

	if err := i.cards.CreateCard(ctx, c); err != nil {
		return nil, fmt.Errorf("persist card: %w", err)
	}

	i.logger.Printf("Issued card %s (session=%s participant=%s verdict=%s chain=%d)",
		c.Number, c.SessionID, c.ParticipantSnapshot.Email, c.Verdict, c.ChainPosition)

	if i.bus != nil {
		i.bus.Emit(events.TypeCardIssued, "/cards", c.ID, map[string]interface{}{
			"card_id":        c.ID,
			"card_number":    c.Number,
			"session_id":     c.SessionID,
			"participant_id": c.ParticipantID,
			"officer_email":  c.OfficerSnapshot.Email,
			"verdict":        string(c.Verdict),
		})
	}
	return c, nil
}

// VerifyChain walks a participant's cards by chain position and checks each
// prevHash commitment. Returns the first broken position, or -1.
func VerifyChain(cards []*model.CourtCard) int {
	prev := model.ZeroHash
	for idx, c := range cards {
		if c.ChainPosition != idx+1 {
			return c.ChainPosition
		}
		if c.PrevHash != prev {
			return c.ChainPosition
		}
		prev = c.Hash
	}
	return -1
}
