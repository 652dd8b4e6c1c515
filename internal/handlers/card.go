package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/proofmeet/backend/internal/middleware"
	"github.com/proofmeet/backend/internal/model"
	"github.com/proofmeet/backend/internal/monitoring"
	"github.com/proofmeet/backend/internal/notify"
	"github.com/proofmeet/backend/internal/signature"
	"github.com/proofmeet/backend/internal/store"
)

// Renderer turns a card and its signatures into a printable document.
// The PDF renderer lives behind this interface so the HTTP layer stays
// renderer-agnostic.
type Renderer interface {
	Render(card *model.CourtCard, sigs []*model.Signature) ([]byte, string, error)
}

// CardDeps bundles what the card endpoints need.
type CardDeps struct {
	Cards      store.CardStore
	Signatures store.SignatureStore
	Collector  *signature.Collector
	Dispatcher *notify.Dispatcher
	Renderer   Renderer
	Metrics    *monitoring.Metrics
}

// HandleGetCard returns one card with its signatures. Participants may only
// read their own cards.
func HandleGetCard(d CardDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := d.Cards.GetCard(r.Context(), mux.Vars(r)["cardId"])
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if principal, ok := middleware.PrincipalFrom(r.Context()); ok {
			if principal.Role == middleware.RoleParticipant && principal.ID != c.ParticipantID {
				writeError(w, http.StatusForbidden, codeForbidden, "card belongs to another participant")
				return
			}
		}
		sigs, err := d.Signatures.ListSignatures(r.Context(), c.ID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"card":       c,
			"signatures": sigs,
		})
	}
}

type signRequest struct {
	Role       model.SignerRole `json:"role"`
	Method     model.AuthMethod `json:"method"`
	Credential string           `json:"credential"`
	SignerName string           `json:"signer_name"`
}

// HandleSignCard records one signature on a card.
func HandleSignCard(d CardDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req signRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeBadRequest, "invalid request body")
			return
		}
		sig, err := d.Collector.Sign(r.Context(), mux.Vars(r)["cardId"], signature.Request{
			Role:       req.Role,
			Method:     req.Method,
			Credential: req.Credential,
			SignerName: req.SignerName,
			IP:         r.RemoteAddr,
			UserAgent:  r.UserAgent(),
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sig)
	}
}

type hostLinkRequest struct {
	HostEmail string `json:"host_email"`
}

// HandleCreateHostLink mints a host signing link for a card and mails it to
// the meeting host.
func HandleCreateHostLink(d CardDeps, publicBaseURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cardID := mux.Vars(r)["cardId"]
		var req hostLinkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.HostEmail == "" {
			writeError(w, http.StatusBadRequest, codeBadRequest, "host_email is required")
			return
		}
		nonce, err := d.Collector.CreateHostLink(r.Context(), cardID, req.HostEmail)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		link := publicBaseURL + "/sign/" + cardID + "?token=" + nonce
		if d.Dispatcher != nil {
			d.Dispatcher.Enqueue(notify.Message{
				To:      req.HostEmail,
				Subject: "Attendance confirmation requested",
				Body:    "A participant has requested your signature on their attendance record.\n\nSign here: " + link + "\n",
			})
		}
		writeJSON(w, http.StatusCreated, map[string]string{"link": link})
	}
}

// HandleCardDocument renders the card as a document (PDF in production).
func HandleCardDocument(d CardDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Renderer == nil {
			writeError(w, http.StatusNotImplemented, codeInternal, "document rendering is not configured")
			return
		}
		c, err := d.Cards.GetCard(r.Context(), mux.Vars(r)["cardId"])
		if err != nil {
			writeDomainError(w, err)
			return
		}
		sigs, err := d.Signatures.ListSignatures(r.Context(), c.ID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		doc, contentType, err := d.Renderer.Render(c, sigs)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", `attachment; filename="`+c.Number+`"`)
		w.Write(doc)
	}
}
