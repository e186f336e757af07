package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"crmbridge.io/internal/config"
	"crmbridge.io/internal/crm"
	"crmbridge.io/internal/httpapi"
	"crmbridge.io/internal/logs"
	"crmbridge.io/internal/obs"
	"crmbridge.io/internal/rbac"
	"crmbridge.io/internal/store"
	"crmbridge.io/internal/store/pg"
	"crmbridge.io/internal/stream"
	syncer "crmbridge.io/internal/sync"
	"crmbridge.io/internal/tokens"
	"crmbridge.io/internal/webhook"
)

var version = "0.3.1"

func main() {
	cfg := config.MustLoad()

	logs.Init(logs.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("GIT_COMMIT"))

	var (
		st store.Store
		db *sql.DB
	)
	if cfg.Database.DSN != "" {
		pgStore, err := pg.Open(cfg.Database.DSN)
		if err != nil {
			logs.Logger.WithError(err).Fatal("open database")
		}
		st = pgStore
		db = pgStore.DB()
		defer pgStore.Close()
	} else {
		logs.Logger.Warn("no database DSN configured, using in-memory store")
		st = store.NewMemory()
	}

	oauthClient := crm.NewOAuthClient(crm.OAuthOptions{
		AuthBaseURL:  cfg.Upstream.AuthBaseURL,
		APIBaseURL:   cfg.Upstream.BaseURL,
		ClientID:     cfg.Upstream.ClientID,
		ClientSecret: cfg.Upstream.ClientSecret,
		RedirectURI:  cfg.Upstream.RedirectURI,
	})
	tokenManager := tokens.NewManager(oauthClient, st.Credentials())

	client := crm.New(crm.Options{
		BaseURL:     cfg.Upstream.BaseURL,
		APIVersion:  cfg.Upstream.APIVersion,
		UserAgent:   "crmbridge/" + version,
		TokenSource: tokenManager,
		Limiter: crm.NewLimiter(crm.Limits{
			Burst:  cfg.RateLimit.Burst,
			Window: cfg.RateWindow(),
			Daily:  cfg.RateLimit.Daily,
		}),
	})

	pipeline := webhook.New(webhook.Options{
		Secret: []byte(cfg.Upstream.WebhookSecret),
		Store:  st,
	})

	scheduler := syncer.NewScheduler(syncer.Options{
		Upstream: client,
		Store:    st,
		PageSize: cfg.Sync.PageSize,
	})
	events := stream.New()
	orchestrator := syncer.NewOrchestrator(scheduler, st, events)

	api := httpapi.New(httpapi.Options{
		Store:        st,
		Tokens:       tokenManager,
		OAuth:        oauthClient,
		Pipeline:     pipeline,
		Scheduler:    scheduler,
		Orchestrator: orchestrator,
		Engine:       rbac.NewEngine(st.Users()),
		Stream:       events,
		ReadyProbe:   httpapi.ReadyProbe{DB: db},
		Version:      version,
		OAuthScopes:  defaultOAuthScopes,
		MaxTasks:     cfg.Sync.MaxTasks,
		Budget:       cfg.SyncBudget(),
	})

	srv := &http.Server{
		Addr:              cfg.Server.Address + ":" + cfg.Server.HTTPPort,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      0, // /v1/sync/stream holds the connection open
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logs.Logger.Infof("crmbridge-api %s listening on %s", version, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logs.Logger.WithError(err).Fatal("listen")
		}
	}()

	// Background poll loop: drain due sync tasks on a fixed cadence.
	pollCtx, stopPolling := context.WithCancel(context.Background())
	go pollLoop(pollCtx, scheduler, cfg.Sync.MaxTasks, cfg.SyncBudget())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logs.Logger.Info("shutting down")
	stopPolling()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logs.Logger.WithError(err).Warn("shutdown")
	}
	logs.Logger.Info("stopped")
}

var defaultOAuthScopes = []string{
	"locations.readonly",
	"contacts.readonly",
	"contacts.write",
	"opportunities.readonly",
	"opportunities.write",
	"calendars.readonly",
	"calendars/events.readonly",
	"conversations.readonly",
	"conversations/message.readonly",
	"invoices.readonly",
	"users.readonly",
	"oauth.readonly",
	"oauth.write",
}

func pollLoop(ctx context.Context, scheduler *syncer.Scheduler, maxTasks int, budget time.Duration) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := scheduler.RunDue(ctx, maxTasks, budget)
			if err != nil {
				logs.Logger.WithError(err).Warn("scheduled sync run")
				continue
			}
			if summary.Processed > 0 || summary.Failed > 0 {
				logs.Logger.Infof("scheduled sync run: %d ok, %d failed", summary.Processed, summary.Failed)
			}
		}
	}
}
