package controller

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/broadcast-pipeline/internal/errors"
	"github.com/unclebandit/broadcast-pipeline/internal/webhook"
)

const maxWebhookBody = 4 << 20

type WebhookController struct {
	Receiver    *webhook.Receiver
	VerifyToken string
	Log         *zap.Logger
}

// Verify answers the provider's subscription handshake.
func (c *WebhookController) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || c.VerifyToken == "" || q.Get("hub.verify_token") != c.VerifyToken {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, q.Get("hub.challenge"))
}

// Receive stores the callback for the ingestion run and acknowledges it.
func (c *WebhookController) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	ev, err := c.Receiver.Receive(r.Context(), body)
	if err != nil {
		if errors.Is(err, appErrors.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if c.Log != nil {
			c.Log.Error("store webhook", zap.Error(err))
		}
		writeError(w, http.StatusInternalServerError, "failed to store webhook")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "received", "id": ev.ID})
}
