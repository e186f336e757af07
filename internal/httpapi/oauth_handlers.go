package httpapi

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"crmbridge.io/internal/audit"
	"crmbridge.io/internal/auth"
	"crmbridge.io/internal/store"
)

// OAuth state carries the initiating scope through the provider round trip.
func encodeState(tenantID, locationID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(tenantID + "|" + locationID))
}

func decodeState(state string) (tenantID, locationID string, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		return "", "", errors.New("invalid state parameter")
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", "", errors.New("invalid state parameter")
	}
	return parts[0], parts[1], nil
}

// handleOAuthAuthorize returns the provider URL the tenant admin is sent to.
func (a *API) handleOAuthAuthorize(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	locationID := r.URL.Query().Get("locationId")

	state := encodeState(p.TenantID, locationID)
	writeJSON(w, http.StatusOK, map[string]any{
		"authorization_url": a.oauth.AuthorizationURL(state, a.oauthScopes),
		"state":             state,
	})
}

// handleOAuthCallback finishes the authorization flow: the provider redirects
// here with a code, which is exchanged and stored for the state's tenant.
func (a *API) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if msg := q.Get("error"); msg != "" {
		writeError(w, r, http.StatusBadRequest, "authorization denied: "+msg)
		return
	}
	code := q.Get("code")
	if code == "" {
		writeError(w, r, http.StatusBadRequest, "code is required")
		return
	}
	tenantID, _, err := decodeState(q.Get("state"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	if p.TenantID != tenantID {
		writeError(w, r, http.StatusForbidden, "state tenant does not match caller")
		return
	}

	cred, err := a.tokens.Exchange(r.Context(), tenantID, code)
	if err != nil {
		writeError(w, r, http.StatusBadGateway, "code exchange failed")
		return
	}

	_ = audit.LogEvent(r.Context(), "oauth.connected", map[string]any{
		"tenant_id":   tenantID,
		"location_id": cred.LocationID,
		"user_type":   cred.UserType,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"connected":   true,
		"tenant_id":   cred.TenantID,
		"location_id": cred.LocationID,
		"expires_at":  cred.ExpiresAt,
		"scopes":      cred.Scopes,
	})
}

type revokeRequest struct {
	LocationID string `json:"locationId,omitempty"`
}

func (a *API) handleOAuthRevoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())

	err := a.tokens.Revoke(r.Context(), p.TenantID, req.LocationID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "no credential for scope")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "revoke failed")
		return
	}

	_ = audit.LogEvent(r.Context(), "oauth.revoked", map[string]any{
		"tenant_id":   p.TenantID,
		"location_id": req.LocationID,
	})
	writeJSON(w, http.StatusOK, map[string]any{"revoked": true})
}

// handleCredentialStatus reports the scope's credential health without
// exposing token material.
func (a *API) handleCredentialStatus(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	locationID := r.URL.Query().Get("locationId")

	cred, err := a.tokens.Status(r.Context(), p.TenantID, locationID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]any{"connected": false})
		return
	}
	if err != nil {
		handleStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"connected":         true,
		"location_id":       cred.LocationID,
		"user_type":         cred.UserType,
		"scopes":            cred.Scopes,
		"expires_at":        cred.ExpiresAt,
		"last_refreshed_at": cred.LastRefreshedAt,
	})
}
