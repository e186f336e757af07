package store

import (
	"encoding/json"
	"time"
)

// EntityType identifies one synchronized record kind.
type EntityType string

const (
	EntityLocation      EntityType = "location"
	EntityPipelines     EntityType = "pipelines"
	EntityCalendars     EntityType = "calendars"
	EntityUsers         EntityType = "users"
	EntityContacts      EntityType = "contacts"
	EntityOpportunities EntityType = "opportunities"
	EntityAppointments  EntityType = "appointments"
	EntityInvoices      EntityType = "invoices"
	EntityConversations EntityType = "conversations"
)

// KnownEntityTypes returns the closed set of entity types the bridge syncs,
// in initial-sync order.
func KnownEntityTypes() []EntityType {
	return []EntityType{
		EntityLocation,
		EntityPipelines,
		EntityCalendars,
		EntityUsers,
		EntityContacts,
		EntityOpportunities,
		EntityAppointments,
		EntityInvoices,
	}
}

// ValidEntityType reports whether the given value names a known entity type.
func ValidEntityType(et EntityType) bool {
	switch et {
	case EntityLocation, EntityPipelines, EntityCalendars, EntityUsers,
		EntityContacts, EntityOpportunities, EntityAppointments,
		EntityInvoices, EntityConversations:
		return true
	}
	return false
}

// OAuthCredential is one issued upstream credential. Superseded credentials
// stay in the table marked invalid.
type OAuthCredential struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	LocationID      string    `json:"location_id,omitempty"`
	CompanyID       string    `json:"company_id,omitempty"`
	AccessToken     string    `json:"-"`
	RefreshToken    string    `json:"-"`
	TokenType       string    `json:"token_type"`
	ExpiresAt       time.Time `json:"expires_at"`
	Scopes          []string  `json:"scopes,omitempty"`
	UserType        string    `json:"user_type,omitempty"`
	IsValid         bool      `json:"is_valid"`
	LastRefreshedAt time.Time `json:"last_refreshed_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// SyncStatus is the lifecycle state of one (tenant, location, entity) sync row.
type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncSyncing SyncStatus = "syncing"
	SyncError   SyncStatus = "error"
)

// SyncState drives the incremental scheduler. One row per
// (tenant, location, entityType); transitions idle→syncing→{idle,error}.
type SyncState struct {
	TenantID      string     `json:"tenant_id"`
	LocationID    string     `json:"location_id"`
	EntityType    EntityType `json:"entity_type"`
	Status        SyncStatus `json:"status"`
	LastSyncAt    *time.Time `json:"last_sync_at,omitempty"`
	NextSyncAt    time.Time  `json:"next_sync_at"`
	RecordsSynced int        `json:"records_synced"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// WebhookEventRecord is one row of the append-only idempotency ledger,
// keyed by (eventId, locationId).
type WebhookEventRecord struct {
	EventID      string          `json:"event_id"`
	TenantID     string          `json:"tenant_id,omitempty"`
	LocationID   string          `json:"location_id"`
	EventType    string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Processed    bool            `json:"processed"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ReceivedAt   time.Time       `json:"received_at"`
}

// Mutation actions recorded in the sync log.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionSync   = "sync"
)

// Mutation sources recorded in the sync log.
const (
	SourceWebhook = "webhook"
	SourcePoll    = "poll"
	SourceInitial = "initial"
)

// SyncLogEntry is one append-only audit trail row written by every mutation path.
type SyncLogEntry struct {
	ID         string          `json:"id"`
	LocationID string          `json:"location_id"`
	EntityType EntityType      `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Action     string          `json:"action"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Source     string          `json:"source"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Record is one synchronized entity row as the CRUD collaborator stores it.
// Canonical mapped fields live in Fields; unrecognized upstream fields are
// preserved in Extra.
type Record struct {
	EntityType EntityType     `json:"entity_type"`
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id,omitempty"`
	LocationID string         `json:"location_id"`
	AssignedTo string         `json:"assigned_to,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
	Deleted    bool           `json:"deleted"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// RecordFilter narrows record listings.
type RecordFilter struct {
	TenantID       string
	LocationID     string
	AssignedTo     string
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// Tenant is the top-level customer boundary.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CompanyID string    `json:"company_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AppUser is a dashboard principal evaluated by the permission engine.
type AppUser struct {
	ID                  string    `json:"id"`
	TenantID            string    `json:"tenant_id"`
	Email               string    `json:"email"`
	PasswordHash        string    `json:"-"`
	Role                string    `json:"role"`
	CRMUserID           string    `json:"crm_user_id,omitempty"`
	AssignedLocationIDs []string  `json:"assigned_location_ids,omitempty"`
	TeamMemberIDs       []string  `json:"team_member_ids,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// PermissionOverride is an explicit per-user exception to role defaults.
// An expired override no longer applies.
type PermissionOverride struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	EntityType EntityType `json:"entity_type"`
	Action     string     `json:"action"`
	Allowed    bool       `json:"allowed"`
	Reason     string     `json:"reason,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
