package httpapi

import (
	"errors"
	"io"
	"net/http"

	"crmbridge.io/internal/webhook"
)

// handleWebhook receives one upstream delivery. Only transport-class failures
// get a non-2xx; everything the pipeline absorbed is acknowledged so the
// upstream does not redeliver.
func (a *API) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "unreadable body")
		return
	}
	signature := r.Header.Get("X-Signature")
	if signature == "" {
		signature = r.Header.Get("X-Wh-Signature")
	}

	res, err := a.pipeline.Process(r.Context(), body, signature)
	switch {
	case errors.Is(err, webhook.ErrBadSignature):
		writeError(w, r, http.StatusUnauthorized, "invalid signature")
		return
	case errors.Is(err, webhook.ErrMalformedPayload):
		writeError(w, r, http.StatusBadRequest, "malformed payload")
		return
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":     res.Err == nil,
		"event_id":    res.EventID,
		"event_type":  res.EventType,
		"entity_id":   res.EntityID,
		"action":      res.Action,
		"duration_ms": res.Duration.Milliseconds(),
	})
}
