package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/proofmeet/backend/internal/config"
	"github.com/proofmeet/backend/internal/middleware"
	"github.com/proofmeet/backend/internal/model"
	"github.com/proofmeet/backend/internal/store"
)

type registerParticipantRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	CaseNumber   string `json:"case_number"`
	OfficerEmail string `json:"officer_email"`
	Timezone     string `json:"timezone"`
}

// HandleRegisterParticipant creates a participant account bound to a
// supervising officer.
func HandleRegisterParticipant(participants store.ParticipantStore, officers store.OfficerStore, cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerParticipantRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeBadRequest, "invalid request body")
			return
		}
		if req.Email == "" || req.Password == "" || req.CaseNumber == "" || req.OfficerEmail == "" {
			writeError(w, http.StatusBadRequest, codeBadRequest, "email, password, case_number and officer_email are required")
			return
		}

		officer, err := officers.GetOfficerByEmail(r.Context(), req.OfficerEmail)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusBadRequest, codeBadRequest, "supervising officer not found")
				return
			}
			writeDomainError(w, err)
			return
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		participant := &model.Participant{
			ID:                   uuid.NewString(),
			Email:                strings.ToLower(req.Email),
			FirstName:            req.FirstName,
			LastName:             req.LastName,
			CaseNumber:           req.CaseNumber,
			SupervisingOfficerID: officer.ID,
			Timezone:             req.Timezone,
			PasswordHash:         string(hash),
			EmailVerified:        cfg.Auth.BypassEmailVerification,
			IsActive:             true,
			CreatedAt:            time.Now().UTC(),
		}
		if err := participants.CreateParticipant(r.Context(), participant); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, participant)
	}
}

type registerOfficerRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Badge        string `json:"badge"`
	Organization string `json:"organization"`
}

// HandleRegisterOfficer creates an officer account. The email domain must be
// on the approved list.
func HandleRegisterOfficer(officers store.OfficerStore, cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerOfficerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeBadRequest, "invalid request body")
			return
		}
		if req.Email == "" || req.Password == "" {
			writeError(w, http.StatusBadRequest, codeBadRequest, "email and password are required")
			return
		}
		if !cfg.OfficerDomainApproved(req.Email) {
			writeError(w, http.StatusForbidden, codeForbidden, "email domain is not approved for officer accounts")
			return
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		officer := &model.Officer{
			ID:           uuid.NewString(),
			Email:        strings.ToLower(req.Email),
			FirstName:    req.FirstName,
			LastName:     req.LastName,
			Badge:        req.Badge,
			Organization: req.Organization,
			PasswordHash: string(hash),
			IsActive:     true,
			CreatedAt:    time.Now().UTC(),
		}
		if err := officers.CreateOfficer(r.Context(), officer); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, officer)
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string          `json:"token"`
	Role  middleware.Role `json:"role"`
	ID    string          `json:"id"`
}

// HandleLogin authenticates a participant or officer by email and password
// and returns a bearer token. Officer accounts win on an email collision;
// registration constraints keep the namespaces disjoint in practice.
func HandleLogin(participants store.ParticipantStore, officers store.OfficerStore, auth *middleware.Auth) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeBadRequest, "invalid request body")
			return
		}

		if officer, err := officers.GetOfficerByEmail(r.Context(), req.Email); err == nil {
			if bcrypt.CompareHashAndPassword([]byte(officer.PasswordHash), []byte(req.Password)) == nil && officer.IsActive {
				token, err := auth.IssueToken(officer.ID, officer.Email, middleware.RoleOfficer)
				if err != nil {
					writeDomainError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, loginResponse{Token: token, Role: middleware.RoleOfficer, ID: officer.ID})
				return
			}
		}

		if participant, err := participants.GetParticipantByEmail(r.Context(), req.Email); err == nil {
			if bcrypt.CompareHashAndPassword([]byte(participant.PasswordHash), []byte(req.Password)) == nil && participant.IsActive {
				token, err := auth.IssueToken(participant.ID, participant.Email, middleware.RoleParticipant)
				if err != nil {
					writeDomainError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, loginResponse{Token: token, Role: middleware.RoleParticipant, ID: participant.ID})
				return
			}
		}

		writeError(w, http.StatusUnauthorized, codeUnauthenticated, "invalid credentials")
	}
}
