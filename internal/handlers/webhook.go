package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/proofmeet/backend/internal/model"
	"github.com/proofmeet/backend/internal/monitoring"
	"github.com/proofmeet/backend/internal/normalize"
)

// providerWebhook is the conference provider's event envelope.
type providerWebhook struct {
	Event   string `json:"event"`
	Payload struct {
		PlainToken string `json:"plainToken"` // URL validation challenge
		Object     struct {
			MeetingID   string `json:"meeting_id"`
			Participant struct {
				Email string `json:"email"`
			} `json:"participant"`
			Timestamp   time.Time `json:"timestamp"`
			DurationSec int       `json:"duration_sec"`
		} `json:"object"`
	} `json:"payload"`
}

// webhookEventKinds maps provider event names onto timeline kinds.
var webhookEventKinds = map[string]model.EventKind{
	"meeting.participant_joined":        model.EventJoined,
	"meeting.participant_left":          model.EventLeft,
	"meeting.participant_video_started": model.EventVideoOn,
	"meeting.participant_video_stopped": model.EventVideoOff,
}

// HandleProviderWebhook verifies the provider's HMAC signature, answers
// URL-validation challenges, and feeds participant join/left and camera
// on/off events through the normalizer. Unknown event types and dropped
// events are acknowledged with 200 so the provider stops retrying.
func HandleProviderWebhook(n *normalize.Normalizer, secret string, metrics *monitoring.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, codeBadRequest, "unreadable body")
			return
		}

		if secret != "" && !verifyWebhookSignature(body, r.Header.Get("X-Provider-Signature"), secret) {
			writeError(w, http.StatusUnauthorized, codeUnauthenticated, "bad webhook signature")
			return
		}

		var hook providerWebhook
		if err := json.Unmarshal(body, &hook); err != nil {
			writeError(w, http.StatusBadRequest, codeBadRequest, "invalid webhook payload")
			return
		}

		// URL validation handshake: echo the token with an HMAC proof.
		if hook.Event == "endpoint.url_validation" {
			mac := hmac.New(sha256.New, []byte(secret))
			mac.Write([]byte(hook.Payload.PlainToken))
			writeJSON(w, http.StatusOK, map[string]string{
				"plainToken":     hook.Payload.PlainToken,
				"encryptedToken": hex.EncodeToString(mac.Sum(nil)),
			})
			return
		}

		kind, ok := webhookEventKinds[hook.Event]
		if !ok {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}

		_, err = n.FromWebhook(r.Context(), normalize.ProviderEvent{
			Kind:                  kind,
			ProviderMeetingID:     hook.Payload.Object.MeetingID,
			ParticipantEmail:      hook.Payload.Object.Participant.Email,
			Timestamp:             hook.Payload.Object.Timestamp,
			CumulativeDurationSec: hook.Payload.Object.DurationSec,
		})
		if metrics != nil {
			metrics.WebhookDuration.WithLabelValues(hook.Event).Observe(time.Since(start).Seconds())
		}
		switch {
		case errors.Is(err, normalize.Dropped):
			if metrics != nil {
				metrics.EventsDropped.WithLabelValues(string(model.SourceWebhook), "unresolvable").Inc()
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "dropped"})
		case err != nil:
			writeDomainError(w, err)
		default:
			if metrics != nil {
				metrics.EventsIngested.WithLabelValues(string(model.SourceWebhook), string(kind)).Inc()
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
		}
	}
}

// verifyWebhookSignature checks the hex HMAC-SHA256 of the raw body.
func verifyWebhookSignature(body []byte, header, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header))
}
