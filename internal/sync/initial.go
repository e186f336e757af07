package sync

import (
	"context"
	"errors"
	gosync "sync"
	"time"

	"github.com/sirupsen/logrus"

	"crmbridge.io/internal/logs"
	"crmbridge.io/internal/store"
	"crmbridge.io/internal/stream"
)

// ErrSyncInProgress means an initial sync for the (tenant, location) pair is
// already running; the second start is rejected, not queued.
var ErrSyncInProgress = errors.New("sync: initial sync already in progress")

// Step statuses inside an initial sync run.
const (
	StepPending   = "pending"
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
)

// Step is one weighted stage of the initial import.
type Step struct {
	Entity store.EntityType
	Weight int
}

// InitialSteps is the ordered import plan for a newly connected location.
// Weights sum to 100.
func InitialSteps() []Step {
	return []Step{
		{store.EntityLocation, 5},
		{store.EntityPipelines, 10},
		{store.EntityCalendars, 10},
		{store.EntityUsers, 10},
		{store.EntityContacts, 30},
		{store.EntityOpportunities, 20},
		{store.EntityAppointments, 10},
		{store.EntityInvoices, 5},
	}
}

// StepStatus is one step's published state.
type StepStatus struct {
	Entity  store.EntityType `json:"entity_type"`
	Status  string           `json:"status"`
	Records int              `json:"records"`
	Error   string           `json:"error,omitempty"`
}

// Progress is the published state of one initial sync run. UpdatedAt doubles
// as the run's heartbeat: a run whose heartbeat is older than the lease is
// considered abandoned and may be restarted.
type Progress struct {
	TenantID        string           `json:"tenant_id"`
	LocationID      string           `json:"location_id"`
	CurrentStep     store.EntityType `json:"current_step,omitempty"`
	PercentComplete int              `json:"percent_complete"`
	Steps           []StepStatus     `json:"steps"`
	StartedAt       time.Time        `json:"started_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	Done            bool             `json:"done"`
}

const defaultLease = 2 * time.Minute

// Orchestrator runs the one-shot multi-step initial import and publishes
// progress. The in-memory run table is best-effort; the SyncState rows it
// seeds on completion are the durable hand-off to the incremental scheduler.
type Orchestrator struct {
	sched  *Scheduler
	states store.SyncStateStore
	stream *stream.Stream
	lease  time.Duration
	now    func() time.Time

	mu   gosync.Mutex
	runs map[string]*Progress
}

type OrchestratorOption func(*Orchestrator)

// WithLease overrides the heartbeat lease after which a run counts as
// abandoned.
func WithLease(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.lease = d
		}
	}
}

func WithOrchestratorClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

func NewOrchestrator(sched *Scheduler, st store.Store, events *stream.Stream, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		sched:  sched,
		states: st.SyncStates(),
		stream: events,
		lease:  defaultLease,
		now:    time.Now,
		runs:   make(map[string]*Progress),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func runKey(tenantID, locationID string) string { return tenantID + "|" + locationID }

// Start claims the (tenant, location) slot and launches the import in the
// background. A fresh run already holding the slot yields ErrSyncInProgress;
// a run whose heartbeat exceeded the lease is taken over.
func (o *Orchestrator) Start(ctx context.Context, tenantID, locationID string) (Progress, error) {
	p, err := o.claim(tenantID, locationID)
	if err != nil {
		return Progress{}, err
	}
	go o.run(context.WithoutCancel(ctx), tenantID, locationID)
	return p, nil
}

func (o *Orchestrator) claim(tenantID, locationID string) (Progress, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	key := runKey(tenantID, locationID)
	now := o.now()
	if existing, ok := o.runs[key]; ok && !existing.Done && now.Sub(existing.UpdatedAt) < o.lease {
		return Progress{}, ErrSyncInProgress
	}

	steps := InitialSteps()
	p := &Progress{
		TenantID:   tenantID,
		LocationID: locationID,
		Steps:      make([]StepStatus, len(steps)),
		StartedAt:  now,
		UpdatedAt:  now,
	}
	for i, step := range steps {
		p.Steps[i] = StepStatus{Entity: step.Entity, Status: StepPending}
	}
	o.runs[key] = p
	return snapshot(p), nil
}

func (o *Orchestrator) run(ctx context.Context, tenantID, locationID string) {
	steps := InitialSteps()
	percent := 0

	for i, step := range steps {
		o.update(tenantID, locationID, func(p *Progress) {
			p.CurrentStep = step.Entity
			p.Steps[i].Status = StepRunning
		})
		o.publish(tenantID, locationID, "initial_sync_progress")

		n, err := o.sched.pullEntity(ctx, tenantID, locationID, step.Entity, store.SourceInitial)
		percent += step.Weight
		o.update(tenantID, locationID, func(p *Progress) {
			p.PercentComplete = percent
			p.Steps[i].Records = n
			if err != nil {
				// A broken step does not block the rest of the import.
				p.Steps[i].Status = StepFailed
				p.Steps[i].Error = err.Error()
			} else {
				p.Steps[i].Status = StepCompleted
			}
		})
		if err != nil {
			logs.Logger.WithError(err).WithFields(logrus.Fields{
				"tenant_id":   tenantID,
				"location_id": locationID,
				"entity_type": step.Entity,
			}).Warn("initial sync step failed")
		}
		o.publish(tenantID, locationID, "initial_sync_progress")
	}

	o.seedStates(ctx, tenantID, locationID)
	o.update(tenantID, locationID, func(p *Progress) {
		p.CurrentStep = ""
		p.Done = true
	})
	o.publish(tenantID, locationID, "initial_sync_completed")
}

// seedStates hands the location over to the incremental scheduler: one idle
// SyncState row per entity type, due after its regular interval.
func (o *Orchestrator) seedStates(ctx context.Context, tenantID, locationID string) {
	now := o.now()
	for _, step := range InitialSteps() {
		records := 0
		if p, ok := o.Progress(tenantID, locationID); ok {
			for _, st := range p.Steps {
				if st.Entity == step.Entity {
					records = st.Records
				}
			}
		}
		err := o.states.Upsert(ctx, store.SyncState{
			TenantID:      tenantID,
			LocationID:    locationID,
			EntityType:    step.Entity,
			Status:        store.SyncIdle,
			LastSyncAt:    &now,
			NextSyncAt:    now.Add(IntervalFor(step.Entity)),
			RecordsSynced: records,
		})
		if err != nil {
			logs.Logger.WithError(err).WithField("entity_type", step.Entity).Warn("seed sync state")
		}
	}
}

func (o *Orchestrator) update(tenantID, locationID string, fn func(*Progress)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.runs[runKey(tenantID, locationID)]
	if !ok {
		return
	}
	fn(p)
	p.UpdatedAt = o.now()
}

func (o *Orchestrator) publish(tenantID, locationID, eventType string) {
	if o.stream == nil {
		return
	}
	p, ok := o.Progress(tenantID, locationID)
	if !ok {
		return
	}
	o.stream.Publish(stream.Event{
		Type:       eventType,
		TenantID:   tenantID,
		LocationID: locationID,
		Payload:    p,
	})
}

// Progress returns the latest snapshot for the pair. The snapshot reflects
// this process only; external callers polling across restarts must fall back
// to the persisted SyncState rows.
func (o *Orchestrator) Progress(tenantID, locationID string) (Progress, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.runs[runKey(tenantID, locationID)]
	if !ok {
		return Progress{}, false
	}
	return snapshot(p), true
}

func snapshot(p *Progress) Progress {
	out := *p
	out.Steps = make([]StepStatus, len(p.Steps))
	copy(out.Steps, p.Steps)
	return out
}
