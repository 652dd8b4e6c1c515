package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/proofmeet/backend/internal/card"
	"github.com/proofmeet/backend/internal/config"
	"github.com/proofmeet/backend/internal/middleware"
	"github.com/proofmeet/backend/internal/model"
	"github.com/proofmeet/backend/internal/normalize"
	"github.com/proofmeet/backend/internal/reconcile"
	"github.com/proofmeet/backend/internal/store"
	"github.com/proofmeet/backend/internal/timeline"
	"github.com/proofmeet/backend/internal/validate"
	"github.com/proofmeet/backend/internal/verify"
)

const webhookSecret = "hook-secret"

func seedIngress(t *testing.T) (*store.MemoryStore, *normalize.Normalizer) {
	t.Helper()
	st := store.NewMemoryStore()
	tl := timeline.NewService(st)
	ctx := context.Background()

	if err := st.CreateParticipant(ctx, &model.Participant{
		ID: "p1", Email: "alice@example.com", SupervisingOfficerID: "o1", CaseNumber: "CR-1",
	}); err != nil {
		t.Fatalf("seed participant: %v", err)
	}
	if err := st.CreateMeeting(ctx, &model.ExternalMeeting{
		ID: "m1", ProviderMeetingID: "zoom-123", Name: "Tuesday Night AA", Program: "AA",
		ScheduledStart: time.Now().UTC(), ScheduledDurationMin: 60,
	}); err != nil {
		t.Fatalf("seed meeting: %v", err)
	}
	if err := st.CreateRequirement(ctx, &model.Requirement{
		ID: "r1", ParticipantID: "p1", OfficerID: "o1",
		TotalMeetingsRequired: 10, Active: true,
	}); err != nil {
		t.Fatalf("seed requirement: %v", err)
	}
	return st, normalize.New(tl, st, st, st, st)
}

func signBody(body []byte) string {
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(t *testing.T, h http.HandlerFunc, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/provider", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set("X-Provider-Signature", signature)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func joinedBody(email string) []byte {
	return eventBody("meeting.participant_joined", email)
}

func eventBody(event, email string) []byte {
	return []byte(fmt.Sprintf(`{
		"event": %q,
		"payload": {"object": {
			"meeting_id": "zoom-123",
			"participant": {"email": %q},
			"timestamp": %q
		}}
	}`, event, email, time.Now().UTC().Format(time.RFC3339)))
}

func TestProviderWebhook_RejectsBadSignature(t *testing.T) {
	_, n := seedIngress(t)
	h := HandleProviderWebhook(n, webhookSecret, nil)

	rec := postWebhook(t, h, joinedBody("alice@example.com"), "not-the-signature")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	var env errorEnvelope
	json.Unmarshal(rec.Body.Bytes(), &env)
	if env.Error.Code != codeUnauthenticated {
		t.Errorf("error code = %s", env.Error.Code)
	}
}

func TestProviderWebhook_AnswersURLValidation(t *testing.T) {
	_, n := seedIngress(t)
	h := HandleProviderWebhook(n, webhookSecret, nil)

	body := []byte(`{"event":"endpoint.url_validation","payload":{"plainToken":"tok-123"}}`)
	rec := postWebhook(t, h, body, signBody(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["plainToken"] != "tok-123" {
		t.Errorf("plainToken = %q", resp["plainToken"])
	}
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write([]byte("tok-123"))
	if resp["encryptedToken"] != hex.EncodeToString(mac.Sum(nil)) {
		t.Errorf("encryptedToken is not the HMAC of the plain token")
	}
}

func TestProviderWebhook_AcceptsJoinAndOpensSession(t *testing.T) {
	st, n := seedIngress(t)
	h := HandleProviderWebhook(n, webhookSecret, nil)

	body := joinedBody("alice@example.com")
	rec := postWebhook(t, h, body, signBody(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "accepted" {
		t.Errorf("status = %q, want accepted", resp["status"])
	}
	if _, err := st.FindInProgressByMeeting(context.Background(), "m1", "p1"); err != nil {
		t.Errorf("no open session after the join webhook: %v", err)
	}
}

func TestProviderWebhook_AcknowledgesDroppedAndUnknownEvents(t *testing.T) {
	_, n := seedIngress(t)
	h := HandleProviderWebhook(n, webhookSecret, nil)

	// Unknown participant: acknowledged so the provider stops retrying.
	body := joinedBody("stranger@example.com")
	rec := postWebhook(t, h, body, signBody(body))
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if rec.Code != http.StatusOK || resp["status"] != "dropped" {
		t.Errorf("dropped event: status = %d %q, want 200 dropped", rec.Code, resp["status"])
	}

	body = []byte(`{"event":"meeting.ended","payload":{}}`)
	rec = postWebhook(t, h, body, signBody(body))
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if rec.Code != http.StatusOK || resp["status"] != "ignored" {
		t.Errorf("unknown event: status = %d %q, want 200 ignored", rec.Code, resp["status"])
	}
}

func TestProviderWebhook_VideoTogglesAppendToOpenSession(t *testing.T) {
	st, n := seedIngress(t)
	h := HandleProviderWebhook(n, webhookSecret, nil)
	var resp map[string]string

	// Camera events before any join have no session to land in.
	body := eventBody("meeting.participant_video_started", "alice@example.com")
	rec := postWebhook(t, h, body, signBody(body))
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if rec.Code != http.StatusOK || resp["status"] != "dropped" {
		t.Fatalf("video before join: status = %d %q, want 200 dropped", rec.Code, resp["status"])
	}

	body = joinedBody("alice@example.com")
	rec = postWebhook(t, h, body, signBody(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("join status = %d", rec.Code)
	}

	for _, event := range []string{"meeting.participant_video_started", "meeting.participant_video_stopped"} {
		body = eventBody(event, "alice@example.com")
		rec = postWebhook(t, h, body, signBody(body))
		json.Unmarshal(rec.Body.Bytes(), &resp)
		if rec.Code != http.StatusOK || resp["status"] != "accepted" {
			t.Fatalf("%s: status = %d %q, want 200 accepted", event, rec.Code, resp["status"])
		}
	}

	s, err := st.FindInProgressByMeeting(context.Background(), "m1", "p1")
	if err != nil {
		t.Fatalf("no open session: %v", err)
	}
	got, _ := st.GetSession(context.Background(), s.ID)
	var on, off bool
	for _, ev := range got.Timeline {
		switch ev.Kind {
		case model.EventVideoOn:
			on = true
		case model.EventVideoOff:
			off = true
		}
	}
	if !on || !off {
		t.Errorf("timeline video events: on=%v off=%v, want both recorded", on, off)
	}
}

// =============================================================================
// Public verification endpoints
// =============================================================================

func verifyRouter(st *store.MemoryStore) *mux.Router {
	v := verify.New(st, st, nil, nil)
	r := mux.NewRouter()
	r.HandleFunc("/verify/number/{cardNumber}", HandleVerifyByNumber(v)).Methods("GET")
	r.HandleFunc("/verify/participant", HandleVerifyByParticipant(v)).Methods("GET")
	return r
}

func issueTestCard(t *testing.T, st *store.MemoryStore) *model.CourtCard {
	t.Helper()
	start := time.Date(2026, 3, 2, 19, 0, 0, 0, time.UTC)
	issuer := card.NewIssuer(st, st, "https://proofmeet.example.org", nil)
	crd, err := issuer.Issue(context.Background(), card.Request{
		Session: &model.Session{ID: "s1", ParticipantID: "p1", Status: model.SessionCompleted},
		Participant: &model.Participant{
			ID: "p1", Email: "alice@example.com", FirstName: "Alice", LastName: "Brown", CaseNumber: "CR-1",
		},
		Officer: &model.Officer{ID: "o1", Email: "officer@court.example.gov", LastName: "Reyes"},
		Meeting: &model.ExternalMeeting{
			ID: "m1", Name: "Tuesday Night AA", Program: "AA",
			ScheduledStart: start, ScheduledDurationMin: 60,
		},
		Result: reconcile.Result{
			JoinTime: start, LeaveTime: start.Add(time.Hour),
			Totals:        model.SessionTotals{TotalDurationMin: 60, ActiveDurationMin: 60},
			AttendancePct: 100, HeartbeatCoverage: 1,
		},
		Outcome: validate.Outcome{Verdict: model.VerdictPassed},
	})
	if err != nil {
		t.Fatalf("issue card: %v", err)
	}
	return crd
}

func TestVerifyByNumber_ReturnsCardPayload(t *testing.T) {
	st := store.NewMemoryStore()
	crd := issueTestCard(t, st)
	r := verifyRouter(st)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/verify/number/"+crd.Number, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp verify.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Number != crd.Number || resp.Tampered {
		t.Errorf("response = number %s tampered %v", resp.Number, resp.Tampered)
	}
}

func TestVerifyByNumber_UnknownCardIs404(t *testing.T) {
	r := verifyRouter(store.NewMemoryStore())
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/verify/number/CC-2026-00000-001", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var env errorEnvelope
	json.Unmarshal(rec.Body.Bytes(), &env)
	if env.Error.Code != codeNotFound {
		t.Errorf("error code = %s", env.Error.Code)
	}
}

func TestVerifyByParticipant_RequiresEmail(t *testing.T) {
	r := verifyRouter(store.NewMemoryStore())
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/verify/participant", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

// =============================================================================
// Registration and login
// =============================================================================

func postJSON(t *testing.T, h http.HandlerFunc, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf)))
	return rec
}

func TestRegisterAndLogin_ParticipantRoundTrip(t *testing.T) {
	st := store.NewMemoryStore()
	cfg := &config.Config{}
	cfg.Auth.ApprovedOfficerDomains = []string{"court.example.gov"}
	auth := middleware.NewAuth("test-secret", time.Hour)

	rec := postJSON(t, HandleRegisterOfficer(st, cfg), "/api/v1/auth/register/officer", map[string]string{
		"email": "reyes@court.example.gov", "password": "officer-pass", "last_name": "Reyes",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("officer register status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = postJSON(t, HandleRegisterParticipant(st, st, cfg), "/api/v1/auth/register/participant", map[string]string{
		"email": "Alice@Example.com", "password": "correct horse",
		"case_number": "CR-1", "officer_email": "reyes@court.example.gov",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("participant register status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = postJSON(t, HandleLogin(st, st, auth), "/api/v1/auth/login", map[string]string{
		"email": "alice@example.com", "password": "correct horse",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp loginResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Role != middleware.RoleParticipant || resp.Token == "" {
		t.Fatalf("login response = %+v", resp)
	}
	p, err := auth.Validate(resp.Token)
	if err != nil || p.Email != "alice@example.com" {
		t.Errorf("token validate = %+v, %v", p, err)
	}
}

func TestRegisterOfficer_UnapprovedDomainForbidden(t *testing.T) {
	cfg := &config.Config{}
	cfg.Auth.ApprovedOfficerDomains = []string{"court.example.gov"}

	rec := postJSON(t, HandleRegisterOfficer(store.NewMemoryStore(), cfg), "/api/v1/auth/register/officer", map[string]string{
		"email": "imposter@gmail.example.com", "password": "x",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestLogin_WrongPasswordUnauthorized(t *testing.T) {
	st := store.NewMemoryStore()
	cfg := &config.Config{}
	cfg.Auth.ApprovedOfficerDomains = []string{"court.example.gov"}
	auth := middleware.NewAuth("test-secret", time.Hour)

	postJSON(t, HandleRegisterOfficer(st, cfg), "/api/v1/auth/register/officer", map[string]string{
		"email": "reyes@court.example.gov", "password": "officer-pass",
	})
	rec := postJSON(t, HandleLogin(st, st, auth), "/api/v1/auth/login", map[string]string{
		"email": "reyes@court.example.gov", "password": "wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}
