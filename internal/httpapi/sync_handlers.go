package httpapi

import (
	"errors"
	"net/http"

	"crmbridge.io/internal/audit"
	"crmbridge.io/internal/auth"
	"crmbridge.io/internal/store"
	syncer "crmbridge.io/internal/sync"
)

type syncTriggerRequest struct {
	TenantID   string `json:"tenantId,omitempty"`
	LocationID string `json:"locationId"`
	EntityType string `json:"entityType,omitempty"`
	FullSync   bool   `json:"fullSync,omitempty"`
}

// tenantFor resolves the tenant a sync request targets: an explicit body
// value wins, otherwise the caller's own tenant.
func tenantFor(r *http.Request, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p, ok := auth.PrincipalFromContext(r.Context()); ok {
		return p.TenantID
	}
	return ""
}

func (a *API) handleSyncTrigger(w http.ResponseWriter, r *http.Request) {
	var req syncTriggerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.LocationID == "" {
		writeError(w, r, http.StatusBadRequest, "locationId is required")
		return
	}
	tenantID := tenantFor(r, req.TenantID)

	summary, err := a.scheduler.Trigger(r.Context(), tenantID, req.LocationID, store.EntityType(req.EntityType), req.FullSync)
	if errors.Is(err, store.ErrInvalidInput) {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "sync trigger failed")
		return
	}

	_ = audit.LogEvent(r.Context(), "sync.trigger", map[string]any{
		"tenant_id":   tenantID,
		"location_id": req.LocationID,
		"entity_type": req.EntityType,
		"processed":   summary.Processed,
		"failed":      summary.Failed,
	})
	writeJSON(w, http.StatusOK, summary)
}

// handleSyncRun drains due tasks once, the way the external cron entrypoint
// would. The task limit and wall-clock budget come from configuration.
func (a *API) handleSyncRun(w http.ResponseWriter, r *http.Request) {
	summary, err := a.scheduler.RunDue(r.Context(), a.maxTasks, a.budget)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "sync run failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type initialSyncRequest struct {
	TenantID   string `json:"tenantId,omitempty"`
	LocationID string `json:"locationId"`
}

func (a *API) handleInitialSync(w http.ResponseWriter, r *http.Request) {
	var req initialSyncRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.LocationID == "" {
		writeError(w, r, http.StatusBadRequest, "locationId is required")
		return
	}
	tenantID := tenantFor(r, req.TenantID)

	progress, err := a.orchestrator.Start(r.Context(), tenantID, req.LocationID)
	if errors.Is(err, syncer.ErrSyncInProgress) {
		writeError(w, r, http.StatusConflict, "initial sync already in progress")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "initial sync start failed")
		return
	}

	_ = audit.LogEvent(r.Context(), "sync.initial_start", map[string]any{
		"tenant_id":   tenantID,
		"location_id": req.LocationID,
	})
	writeJSON(w, http.StatusAccepted, progress)
}

func (a *API) handleInitialProgress(w http.ResponseWriter, r *http.Request) {
	locationID := r.URL.Query().Get("locationId")
	if locationID == "" {
		writeError(w, r, http.StatusBadRequest, "locationId is required")
		return
	}
	tenantID := tenantFor(r, r.URL.Query().Get("tenantId"))

	progress, ok := a.orchestrator.Progress(tenantID, locationID)
	if !ok {
		writeError(w, r, http.StatusNotFound, "no initial sync run for location")
		return
	}
	writeJSON(w, http.StatusOK, progress)
}
