package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"crmbridge.io/internal/crm"
	"crmbridge.io/internal/obs"
	"crmbridge.io/internal/rbac"
	"crmbridge.io/internal/store"
	"crmbridge.io/internal/stream"
	syncer "crmbridge.io/internal/sync"
	"crmbridge.io/internal/tokens"
	"crmbridge.io/internal/webhook"
)

// ReadyProbe pings the database when one is configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options wires the API's collaborators.
type Options struct {
	Store        store.Store
	Tokens       *tokens.Manager
	OAuth        *crm.OAuthClient
	Pipeline     *webhook.Pipeline
	Scheduler    *syncer.Scheduler
	Orchestrator *syncer.Orchestrator
	Engine       *rbac.Engine
	Stream       *stream.Stream
	ReadyProbe   ReadyProbe
	Version      string
	OAuthScopes  []string
	MaxTasks     int
	Budget       time.Duration
	RateBurst    int
	RatePerSec   int
}

// API is the HTTP layer over the bridge core.
type API struct {
	router       *mux.Router
	store        store.Store
	tokens       *tokens.Manager
	oauth        *crm.OAuthClient
	pipeline     *webhook.Pipeline
	scheduler    *syncer.Scheduler
	orchestrator *syncer.Orchestrator
	engine       *rbac.Engine
	stream       *stream.Stream
	readyProbe   ReadyProbe
	version      string
	oauthScopes  []string
	maxTasks     int
	budget       time.Duration
}

func New(opts Options) *API {
	maxTasks := opts.MaxTasks
	if maxTasks <= 0 {
		maxTasks = 10
	}
	budget := opts.Budget
	if budget <= 0 {
		budget = 55 * time.Second
	}
	a := &API{
		router:       mux.NewRouter(),
		store:        opts.Store,
		tokens:       opts.Tokens,
		oauth:        opts.OAuth,
		pipeline:     opts.Pipeline,
		scheduler:    opts.Scheduler,
		orchestrator: opts.Orchestrator,
		engine:       opts.Engine,
		stream:       opts.Stream,
		readyProbe:   opts.ReadyProbe,
		version:      opts.Version,
		oauthScopes:  opts.OAuthScopes,
		maxTasks:     maxTasks,
		budget:       budget,
	}

	rateBurst := opts.RateBurst
	if rateBurst <= 0 {
		rateBurst = 50
	}
	ratePerSec := opts.RatePerSec
	if ratePerSec <= 0 {
		ratePerSec = 25
	}

	r := a.router
	r.Use(RequestID, Recoverer, Logging)
	r.Use(RateLimit(rateBurst, ratePerSec))
	r.Use(MaxBodyBytes(1 << 20))

	r.HandleFunc("/healthz", a.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.Ready).Methods(http.MethodGet)
	r.HandleFunc("/v1/info", a.Info).Methods(http.MethodGet)
	r.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/v1/auth/login", a.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/v1/webhooks/crm", a.handleWebhook).Methods(http.MethodPost)

	r.HandleFunc("/v1/sync/trigger", a.requireRole(rbac.RoleAdmin, a.handleSyncTrigger)).Methods(http.MethodPost)
	r.HandleFunc("/v1/sync/run", a.requireRole(rbac.RoleAdmin, a.handleSyncRun)).Methods(http.MethodPost)
	r.HandleFunc("/v1/sync/initial", a.requireRole(rbac.RoleAdmin, a.handleInitialSync)).Methods(http.MethodPost)
	r.HandleFunc("/v1/sync/initial/progress", a.requireRole(rbac.RoleAdmin, a.handleInitialProgress)).Methods(http.MethodGet)
	r.HandleFunc("/v1/sync/stream", a.requireRole(rbac.RoleAdmin, a.handleStream)).Methods(http.MethodGet)

	r.HandleFunc("/v1/oauth/authorize", a.requireRole(rbac.RoleAdmin, a.handleOAuthAuthorize)).Methods(http.MethodGet)
	r.HandleFunc("/v1/oauth/callback", a.requireRole(rbac.RoleAdmin, a.handleOAuthCallback)).Methods(http.MethodGet)
	r.HandleFunc("/v1/oauth/revoke", a.requireRole(rbac.RoleAdmin, a.handleOAuthRevoke)).Methods(http.MethodPost)
	r.HandleFunc("/v1/credentials/status", a.requireRole(rbac.RoleAdmin, a.handleCredentialStatus)).Methods(http.MethodGet)

	r.HandleFunc("/v1/records/{entityType}", a.requireAuth(a.handleListRecords)).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the instrumented root handler.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router)
}

// --- probes ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "crmbridge-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "crmbridge-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrConflict):
		writeError(w, r, http.StatusConflict, "conflict")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
