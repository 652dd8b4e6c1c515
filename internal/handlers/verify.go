package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/proofmeet/backend/internal/verify"
)

// Public verification endpoints. No authentication; every read re-checks
// card integrity.

func HandleVerifyByID(v *verify.Verifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := v.ByID(r.Context(), mux.Vars(r)["cardId"])
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func HandleVerifyByNumber(v *verify.Verifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := v.ByNumber(r.Context(), mux.Vars(r)["cardNumber"])
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func HandleVerifyByParticipant(v *verify.Verifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email := r.URL.Query().Get("email")
		if email == "" {
			writeError(w, http.StatusBadRequest, codeBadRequest, "email query parameter is required")
			return
		}
		resp, err := v.ByParticipantEmail(r.Context(), email)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"cards": resp, "count": len(resp)})
	}
}

func HandleVerifyByCase(v *verify.Verifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := v.ByCase(r.Context(), mux.Vars(r)["caseNumber"])
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"cards": resp, "count": len(resp)})
	}
}
