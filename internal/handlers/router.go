package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/proofmeet/backend/internal/config"
	"github.com/proofmeet/backend/internal/middleware"
	"github.com/proofmeet/backend/internal/monitoring"
	"github.com/proofmeet/backend/internal/normalize"
	"github.com/proofmeet/backend/internal/store"
	"github.com/proofmeet/backend/internal/verify"
	ws "github.com/proofmeet/backend/internal/websocket"
)

// RouterDeps collects everything the HTTP surface needs. The composition
// root fills this in; tests can wire partial sets.
type RouterDeps struct {
	Config     *config.Config
	Auth       *middleware.Auth
	Limiter    *middleware.RateLimiter
	Session    SessionDeps
	Card       CardDeps
	Officer    OfficerDeps
	Officers   store.OfficerStore
	Normalizer *normalize.Normalizer
	Verifier   *verify.Verifier
	Feed       *ws.Feed
	Metrics    *monitoring.Metrics
	Health     func() map[string]interface{}
}

// NewRouter builds the full route table.
func NewRouter(d RouterDeps) *mux.Router {
	router := mux.NewRouter()

	// Infrastructure endpoints stay outside auth and rate limiting.
	router.HandleFunc("/health", handleHealth(d)).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	if d.Feed != nil {
		router.HandleFunc("/ws", d.Feed.HandleWebSocket)
	}

	// Provider callbacks authenticate with an HMAC signature, not a token.
	router.HandleFunc("/webhooks/provider",
		HandleProviderWebhook(d.Normalizer, d.Config.Pipeline.WebhookSecret, d.Metrics)).Methods("POST")

	api := router.PathPrefix("/api/v1").Subrouter()
	if d.Limiter != nil {
		api.Use(d.Limiter.Middleware)
	}

	// Registration and login.
	api.HandleFunc("/auth/register/participant",
		HandleRegisterParticipant(d.Session.Participants, d.Officers, d.Config)).Methods("POST")
	api.HandleFunc("/auth/register/officer",
		HandleRegisterOfficer(d.Officers, d.Config)).Methods("POST")
	api.HandleFunc("/auth/login",
		HandleLogin(d.Session.Participants, d.Officers, d.Auth)).Methods("POST")

	// Public card verification for courts and third parties.
	api.HandleFunc("/verify/card/{cardId}", HandleVerifyByID(d.Verifier)).Methods("GET")
	api.HandleFunc("/verify/number/{cardNumber}", HandleVerifyByNumber(d.Verifier)).Methods("GET")
	api.HandleFunc("/verify/participant", HandleVerifyByParticipant(d.Verifier)).Methods("GET")
	api.HandleFunc("/verify/case/{caseNumber}", HandleVerifyByCase(d.Verifier)).Methods("GET")

	// Session lifecycle: participants drive their own sessions, officers can
	// read them.
	sessions := api.PathPrefix("/sessions").Subrouter()
	sessions.Use(d.Auth.Require(middleware.RoleParticipant, middleware.RoleOfficer))
	sessions.HandleFunc("", HandleJoin(d.Session)).Methods("POST")
	sessions.HandleFunc("/{sessionId}", HandleGetSession(d.Session)).Methods("GET")
	sessions.HandleFunc("/{sessionId}/leave", HandleLeave(d.Session)).Methods("POST")
	sessions.HandleFunc("/{sessionId}/leave-temp", HandleLeaveTemp(d.Session)).Methods("POST")
	sessions.HandleFunc("/{sessionId}/rejoin", HandleRejoin(d.Session)).Methods("POST")
	sessions.HandleFunc("/{sessionId}/activity", HandleActivity(d.Session)).Methods("POST")
	sessions.HandleFunc("/{sessionId}/snapshots", HandleSnapshot(d.Session)).Methods("POST")

	// Cards: reads are ownership-checked inside the handler.
	cards := api.PathPrefix("/cards").Subrouter()
	cards.Use(d.Auth.Require(middleware.RoleParticipant, middleware.RoleOfficer))
	cards.HandleFunc("/{cardId}", HandleGetCard(d.Card)).Methods("GET")
	cards.HandleFunc("/{cardId}/signatures", HandleSignCard(d.Card)).Methods("POST")
	cards.HandleFunc("/{cardId}/host-link",
		HandleCreateHostLink(d.Card, d.Config.Cards.PublicBaseURL)).Methods("POST")
	cards.HandleFunc("/{cardId}/document", HandleCardDocument(d.Card)).Methods("GET")

	// Officer surface.
	officer := api.PathPrefix("/officer").Subrouter()
	officer.Use(d.Auth.Require(middleware.RoleOfficer))
	officer.HandleFunc("/dashboard", HandleOfficerDashboard(d.Officer)).Methods("GET")
	officer.HandleFunc("/participants", HandleListParticipants(d.Officer)).Methods("GET")
	officer.HandleFunc("/participants/{participantId}/requirement",
		HandleAssignRequirement(d.Officer)).Methods("POST")
	officer.HandleFunc("/participants/{participantId}/compliance",
		HandleCompliance(d.Officer)).Methods("GET")

	// Admin tooling.
	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(d.Auth.Require(middleware.RoleAdmin))
	admin.HandleFunc("/digests/send", HandleSendDigests(d.Officer)).Methods("POST")
	admin.HandleFunc("/participants/{participantId}/chain-audit",
		HandleChainAudit(d.Officer)).Methods("GET")

	return router
}

func handleHealth(d RouterDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]interface{}{
			"status":  "healthy",
			"service": "proofmeet-backend",
		}
		if d.Health != nil {
			for k, v := range d.Health() {
				body[k] = v
			}
		}
		if d.Feed != nil {
			body["websocket"] = d.Feed.Statistics()
		}
		writeJSON(w, http.StatusOK, body)
	}
}
