package store

import (
	"context"
	"time"
)

// CredentialStore persists upstream OAuth credentials.
type CredentialStore interface {
	// Save inserts the credential and, when it is valid, marks any prior
	// valid credential for the same (tenant, location) invalid in the same
	// transaction.
	Save(ctx context.Context, cred OAuthCredential) error
	// GetValid returns the single valid credential for the scope, trying
	// the exact (tenant, location) pair first and falling back to the
	// tenant-level credential. Returns ErrNotFound when none exists.
	GetValid(ctx context.Context, tenantID, locationID string) (OAuthCredential, error)
	GetByID(ctx context.Context, id string) (OAuthCredential, error)
	Invalidate(ctx context.Context, id string) error
	InvalidateScope(ctx context.Context, tenantID, locationID string) error
}

// SyncStateStore persists the incremental scheduler's task rows.
type SyncStateStore interface {
	Upsert(ctx context.Context, st SyncState) error
	Get(ctx context.Context, tenantID, locationID string, et EntityType) (SyncState, error)
	// Due returns rows not currently syncing whose nextSyncAt has elapsed,
	// ordered by due time. Errored rows stay due so they are retried.
	Due(ctx context.Context, now time.Time, limit int) ([]SyncState, error)
	// MarkSyncing transitions the row to syncing. Returns ErrConflict when
	// the row is already syncing, ErrNotFound when it does not exist.
	MarkSyncing(ctx context.Context, tenantID, locationID string, et EntityType) error
	// Complete transitions syncing→idle recording the outcome.
	Complete(ctx context.Context, tenantID, locationID string, et EntityType, records int, lastSyncAt, nextSyncAt time.Time) error
	// Fail transitions syncing→error keeping nextSyncAt unchanged so the
	// task stays due.
	Fail(ctx context.Context, tenantID, locationID string, et EntityType, msg string) error
}

// WebhookEventStore is the append-only webhook idempotency ledger.
type WebhookEventStore interface {
	// Insert claims the (eventId, locationId) slot. Returns ErrConflict
	// when the event was already recorded.
	Insert(ctx context.Context, rec WebhookEventRecord) error
	Get(ctx context.Context, eventID, locationID string) (WebhookEventRecord, error)
	// MarkProcessed finalises the ledger row; errMsg is empty on success.
	MarkProcessed(ctx context.Context, eventID, locationID string, processedAt time.Time, errMsg string) error
}

// SyncLogStore is the append-only mutation audit trail.
type SyncLogStore interface {
	// Append stores the entry, filling ID and CreatedAt when empty.
	Append(ctx context.Context, entry SyncLogEntry) (SyncLogEntry, error)
	List(ctx context.Context, locationID string, limit int) ([]SyncLogEntry, error)
}

// RecordStore is the CRUD collaborator contract for synchronized entity rows.
type RecordStore interface {
	Upsert(ctx context.Context, rec Record) error
	Get(ctx context.Context, et EntityType, id string) (Record, error)
	List(ctx context.Context, et EntityType, f RecordFilter) ([]Record, error)
	// SetDeleted flips the soft-delete flag without removing the row.
	SetDeleted(ctx context.Context, et EntityType, id string, deleted bool) error
	// Delete removes the row entirely.
	Delete(ctx context.Context, et EntityType, id string) error
}

// UserStore persists dashboard principals and their permission overrides.
type UserStore interface {
	Create(ctx context.Context, u AppUser) error
	GetByID(ctx context.Context, id string) (AppUser, error)
	GetByEmail(ctx context.Context, email string) (AppUser, error)
	OverridesFor(ctx context.Context, userID string) ([]PermissionOverride, error)
	SaveOverride(ctx context.Context, o PermissionOverride) error
}

// TenantStore persists tenants.
type TenantStore interface {
	Create(ctx context.Context, t Tenant) error
	Get(ctx context.Context, id string) (Tenant, error)
}

// Store aggregates all persistence concerns behind one constructor-injected
// dependency.
type Store interface {
	Credentials() CredentialStore
	SyncStates() SyncStateStore
	WebhookEvents() WebhookEventStore
	SyncLogs() SyncLogStore
	Records() RecordStore
	Users() UserStore
	Tenants() TenantStore
}
