package signature

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/proofmeet/backend/internal/card"
	"github.com/proofmeet/backend/internal/events"
	"github.com/proofmeet/backend/internal/model"
	"github.com/proofmeet/backend/internal/monitoring"
	"github.com/proofmeet/backend/internal/store"
)

// Collector errors, matched with errors.Is by the HTTP layer.
var (
	ErrBadCredential = errors.New("credential rejected")
	ErrStateInvalid  = errors.New("STATE_INVALID")
	ErrRoleRejected  = errors.New("role not accepted from user input")
)

// DefaultNonceTTL is how long a host email-link nonce stays valid.
const DefaultNonceTTL = 7 * 24 * time.Hour

// Request is one signature attempt.
type Request struct {
	Role       model.SignerRole
	Method     model.AuthMethod
	Credential string // password for PARTICIPANT, nonce for HOST
	SignerName string
	IP         string
	UserAgent  string
}

// Collector accepts PARTICIPANT and HOST signatures on issued cards, enforces
// per-(card, role) uniqueness, and announces completeness.
type Collector struct {
	cards        store.CardStore
	sigs         store.SignatureStore
	participants store.ParticipantStore
	nonces       store.NonceStore
	signer       *Signer
	bus          events.Emitter
	nonceTTL     time.Duration
	metrics      *monitoring.Metrics
	logger       *log.Logger
}

// NewCollector creates a signature collector. A zero nonceTTL means the 7-day
// default; metrics may be nil.
func NewCollector(
	cards store.CardStore,
	sigs store.SignatureStore,
	participants store.ParticipantStore,
	nonces store.NonceStore,
	signer *Signer,
	bus events.Emitter,
	nonceTTL time.Duration,
	metrics *monitoring.Metrics,
) *Collector {
	if nonceTTL == 0 {
		nonceTTL = DefaultNonceTTL
	}
	return &Collector{
		cards:        cards,
		sigs:         sigs,
		participants: participants,
		nonces:       nonces,
		signer:       signer,
		bus:          bus,
		nonceTTL:     nonceTTL,
		metrics:      metrics,
		logger:       log.New(log.Writer(), "[SIGNATURES] ", log.LstdFlags),
	}
}

// CreateHostLink mints a single-use nonce bound to (cardID, hostEmail) for
// the HOST email-link flow. The caller mails the link; the nonce is the
// credential.
func (c *Collector) CreateHostLink(ctx context.Context, cardID, hostEmail string) (string, error) {
	if _, err := c.cards.GetCard(ctx, cardID); err != nil {
		return "", err
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("nonce entropy: %w", err)
	}
	nonce := hex.EncodeToString(buf)
	if err := c.nonces.PutNonce(ctx, nonce, cardID, strings.ToLower(hostEmail), c.nonceTTL); err != nil {
		return "", err
	}
	return nonce, nil
}

// Sign processes one signature attempt against a card. SYSTEM signatures are
// never accepted from user input; signing a tampered card returns
// ErrStateInvalid; a second signature for the same role returns the store's
// uniqueness conflict.
func (c *Collector) Sign(ctx context.Context, cardID string, req Request) (*model.Signature, error) {
	if req.Role != model.RoleParticipant && req.Role != model.RoleHost {
		return nil, fmt.Errorf("role %s: %w", req.Role, ErrRoleRejected)
	}

	crd, err := c.cards.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}

	// Integrity gate: a card whose recomputed hash no longer matches can not
	// collect signatures.
	recomputed, err := card.ComputeHash(crd)
	if err != nil {
		return nil, err
	}
	if crd.Tampered || recomputed != crd.Hash {
		if !crd.Tampered {
			_ = c.cards.SetTampered(ctx, crd.ID, true)
			if c.metrics != nil {
				c.metrics.TamperDetections.Inc()
			}
		}
		return nil, fmt.Errorf("card %s failed integrity check: %w", cardID, ErrStateInvalid)
	}

	var signerID, signerEmail string
	switch {
	case req.Role == model.RoleParticipant && req.Method == model.AuthPassword:
		participant, err := c.participants.GetParticipant(ctx, crd.ParticipantID)
		if err != nil {
			return nil, err
		}
		if bcrypt.CompareHashAndPassword([]byte(participant.PasswordHash), []byte(req.Credential)) != nil {
			return nil, fmt.Errorf("participant password: %w", ErrBadCredential)
		}
		signerID, signerEmail = participant.ID, participant.Email
		if req.SignerName == "" {
			req.SignerName = participant.FullName()
		}

	case req.Role == model.RoleHost && req.Method == model.AuthEmailLink:
		boundCard, email, err := c.nonces.ConsumeNonce(ctx, req.Credential)
		if err != nil {
			return nil, fmt.Errorf("host link: %w", ErrBadCredential)
		}
		if boundCard != cardID {
			return nil, fmt.Errorf("host link bound to another card: %w", ErrBadCredential)
		}
		signerEmail = email

	default:
		return nil, fmt.Errorf("method %s not valid for role %s: %w", req.Method, req.Role, ErrBadCredential)
	}

	sigBytes, fingerprint, err := c.signer.Sign(req.Role, crd.Hash)
	if err != nil {
		return nil, err
	}

	sig := &model.Signature{
		ID:                   uuid.NewString(),
		CardID:               cardID,
		SignerRole:           req.Role,
		SignerID:             signerID,
		SignerName:           req.SignerName,
		SignerEmail:          signerEmail,
		AuthMethod:           req.Method,
		Timestamp:            time.Now().UTC(),
		SignatureBytes:       sigBytes,
		PublicKeyFingerprint: fingerprint,
	}
	if req.IP != "" || req.UserAgent != "" {
		sig.Metadata = map[string]interface{}{"ip": req.IP, "user_agent": req.UserAgent}
	}

	if err := c.sigs.CreateSignature(ctx, sig); err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.SignaturesTotal.WithLabelValues(string(req.Role)).Inc()
	}
	c.logger.Printf("Signature recorded: card=%s role=%s signer=%s", crd.Number, req.Role, signerEmail)

	complete, err := c.FullySigned(ctx, cardID)
	if err == nil && complete && c.bus != nil {
		c.bus.Emit(events.TypeCardFullySigned, "/cards", cardID, map[string]interface{}{
			"card_id":        cardID,
			"card_number":    crd.Number,
			"participant_id": crd.ParticipantID,
		})
	}
	return sig, nil
}

// FullySigned reports whether PARTICIPANT and HOST signatures both exist.
func (c *Collector) FullySigned(ctx context.Context, cardID string) (bool, error) {
	sigs, err := c.sigs.ListSignatures(ctx, cardID)
	if err != nil {
		return false, err
	}
	var participant, host bool
	for _, s := range sigs {
		switch s.SignerRole {
		case model.RoleParticipant:
			participant = true
		case model.RoleHost:
			host = true
		}
	}
	return participant && host, nil
}
