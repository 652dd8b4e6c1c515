// Package handlers implements the HTTP surface: participant and officer
// auth, session ingress (join/leave/heartbeats/snapshots), provider webhooks,
// card signing, the public verifier, and officer dashboards.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/proofmeet/backend/internal/normalize"
	"github.com/proofmeet/backend/internal/signature"
	"github.com/proofmeet/backend/internal/store"
	"github.com/proofmeet/backend/internal/timeline"
)

// Stable error codes surfaced in the error envelope.
const (
	codeBadRequest      = "BAD_REQUEST"
	codeUnauthenticated = "UNAUTHENTICATED"
	codeForbidden       = "FORBIDDEN"
	codeNotFound        = "NOT_FOUND"
	codeConflict        = "CONFLICT"
	codeStateInvalid    = "STATE_INVALID"
	codeTransient       = "TRANSIENT"
	codeInternal        = "INTERNAL"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

// writeDomainError maps service errors onto the HTTP error envelope. Internal
// detail never leaks; the message is the top-level error text only.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, "resource not found")
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrVersionConflict):
		writeError(w, http.StatusConflict, codeConflict, "conflicting state")
	case errors.Is(err, signature.ErrStateInvalid):
		writeError(w, http.StatusConflict, codeStateInvalid, "card cannot accept signatures in its current state")
	case errors.Is(err, signature.ErrBadCredential), errors.Is(err, signature.ErrRoleRejected):
		writeError(w, http.StatusForbidden, codeForbidden, "signature rejected")
	case errors.Is(err, timeline.ErrTransient):
		writeError(w, http.StatusServiceUnavailable, codeTransient, "temporary contention, retry")
	case errors.Is(err, normalize.Dropped):
		// Dropped events are acknowledged; ingress sources must not retry.
		writeJSON(w, http.StatusOK, map[string]string{"status": "dropped"})
	default:
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
	}
}
