package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"crmbridge.io/internal/auth"
	"crmbridge.io/internal/rbac"
	"crmbridge.io/internal/store"
)

const defaultListLimit = 100

// handleListRecords lists synchronized records of one entity type, scoped to
// the caller's tenant and filtered down to what the caller's role may see.
func (a *API) handleListRecords(w http.ResponseWriter, r *http.Request) {
	et := store.EntityType(mux.Vars(r)["entityType"])
	if !store.ValidEntityType(et) {
		writeError(w, r, http.StatusBadRequest, "unknown entity type")
		return
	}
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	uc, err := a.engine.BuildContext(r.Context(), p.UserID)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	if d := a.engine.Check(uc, et, rbac.ActionRead, nil); !d.Allowed {
		writeError(w, r, http.StatusForbidden, d.Reason)
		return
	}

	q := r.URL.Query()
	limit := defaultListLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, r, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, "offset must be non-negative")
			return
		}
		offset = n
	}

	records, err := a.store.Records().List(r.Context(), et, store.RecordFilter{
		TenantID:       p.TenantID,
		LocationID:     q.Get("locationId"),
		AssignedTo:     q.Get("assignedTo"),
		IncludeDeleted: q.Get("includeDeleted") == "true",
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		handleStoreError(w, r, err)
		return
	}

	visible := a.engine.FilterByAccess(records, uc)
	writeJSON(w, http.StatusOK, map[string]any{
		"entity_type": et,
		"count":       len(visible),
		"records":     visible,
	})
}
