package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"crmbridge.io/internal/ids"
)

// Memory is an in-memory Store used by tests and by the service when no
// database is configured. Safe for concurrent use.
type Memory struct {
	mu sync.RWMutex

	creds         map[string]OAuthCredential
	syncStates    map[string]SyncState
	webhookEvents map[string]WebhookEventRecord
	syncLogs      []SyncLogEntry
	records       map[string]Record
	users         map[string]AppUser
	usersByEmail  map[string]string
	overrides     map[string][]PermissionOverride
	tenants       map[string]Tenant
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		creds:         make(map[string]OAuthCredential),
		syncStates:    make(map[string]SyncState),
		webhookEvents: make(map[string]WebhookEventRecord),
		records:       make(map[string]Record),
		users:         make(map[string]AppUser),
		usersByEmail:  make(map[string]string),
		overrides:     make(map[string][]PermissionOverride),
		tenants:       make(map[string]Tenant),
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) Credentials() CredentialStore    { return memCredentials{m} }
func (m *Memory) SyncStates() SyncStateStore      { return memSyncStates{m} }
func (m *Memory) WebhookEvents() WebhookEventStore { return memWebhookEvents{m} }
func (m *Memory) SyncLogs() SyncLogStore          { return memSyncLogs{m} }
func (m *Memory) Records() RecordStore            { return memRecords{m} }
func (m *Memory) Users() UserStore                { return memUsers{m} }
func (m *Memory) Tenants() TenantStore            { return memTenants{m} }

func stateKey(tenantID, locationID string, et EntityType) string {
	return tenantID + "|" + locationID + "|" + string(et)
}

func eventKey(eventID, locationID string) string {
	return eventID + "|" + locationID
}

func recordKey(et EntityType, id string) string {
	return string(et) + "|" + id
}

// --- credentials ---

type memCredentials struct{ m *Memory }

func (s memCredentials) Save(_ context.Context, cred OAuthCredential) error {
	if cred.ID == "" || cred.TenantID == "" {
		return ErrInvalidInput
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if cred.IsValid {
		for id, existing := range s.m.creds {
			if existing.IsValid && existing.TenantID == cred.TenantID && existing.LocationID == cred.LocationID && id != cred.ID {
				existing.IsValid = false
				s.m.creds[id] = existing
			}
		}
	}
	s.m.creds[cred.ID] = cred
	return nil
}

func (s memCredentials) GetValid(_ context.Context, tenantID, locationID string) (OAuthCredential, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var tenantLevel *OAuthCredential
	for _, cred := range s.m.creds {
		if !cred.IsValid || cred.TenantID != tenantID {
			continue
		}
		if cred.LocationID == locationID {
			return cred, nil
		}
		if cred.LocationID == "" {
			c := cred
			tenantLevel = &c
		}
	}
	if tenantLevel != nil {
		return *tenantLevel, nil
	}
	return OAuthCredential{}, ErrNotFound
}

func (s memCredentials) GetByID(_ context.Context, id string) (OAuthCredential, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	cred, ok := s.m.creds[id]
	if !ok {
		return OAuthCredential{}, ErrNotFound
	}
	return cred, nil
}

func (s memCredentials) Invalidate(_ context.Context, id string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	cred, ok := s.m.creds[id]
	if !ok {
		return ErrNotFound
	}
	cred.IsValid = false
	s.m.creds[id] = cred
	return nil
}

func (s memCredentials) InvalidateScope(_ context.Context, tenantID, locationID string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for id, cred := range s.m.creds {
		if cred.IsValid && cred.TenantID == tenantID && cred.LocationID == locationID {
			cred.IsValid = false
			s.m.creds[id] = cred
		}
	}
	return nil
}

// --- sync states ---

type memSyncStates struct{ m *Memory }

func (s memSyncStates) Upsert(_ context.Context, st SyncState) error {
	if st.TenantID == "" || st.LocationID == "" || st.EntityType == "" {
		return ErrInvalidInput
	}
	if st.Status == "" {
		st.Status = SyncIdle
	}
	st.UpdatedAt = time.Now().UTC()
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.syncStates[stateKey(st.TenantID, st.LocationID, st.EntityType)] = st
	return nil
}

func (s memSyncStates) Get(_ context.Context, tenantID, locationID string, et EntityType) (SyncState, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	st, ok := s.m.syncStates[stateKey(tenantID, locationID, et)]
	if !ok {
		return SyncState{}, ErrNotFound
	}
	return st, nil
}

func (s memSyncStates) Due(_ context.Context, now time.Time, limit int) ([]SyncState, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var due []SyncState
	for _, st := range s.m.syncStates {
		if st.Status != SyncSyncing && !st.NextSyncAt.After(now) {
			due = append(due, st)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextSyncAt.Before(due[j].NextSyncAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s memSyncStates) MarkSyncing(_ context.Context, tenantID, locationID string, et EntityType) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	key := stateKey(tenantID, locationID, et)
	st, ok := s.m.syncStates[key]
	if !ok {
		return ErrNotFound
	}
	if st.Status == SyncSyncing {
		return ErrConflict
	}
	st.Status = SyncSyncing
	st.ErrorMessage = ""
	st.UpdatedAt = time.Now().UTC()
	s.m.syncStates[key] = st
	return nil
}

func (s memSyncStates) Complete(_ context.Context, tenantID, locationID string, et EntityType, records int, lastSyncAt, nextSyncAt time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	key := stateKey(tenantID, locationID, et)
	st, ok := s.m.syncStates[key]
	if !ok {
		return ErrNotFound
	}
	st.Status = SyncIdle
	st.LastSyncAt = &lastSyncAt
	st.NextSyncAt = nextSyncAt
	st.RecordsSynced = records
	st.ErrorMessage = ""
	st.UpdatedAt = time.Now().UTC()
	s.m.syncStates[key] = st
	return nil
}

func (s memSyncStates) Fail(_ context.Context, tenantID, locationID string, et EntityType, msg string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	key := stateKey(tenantID, locationID, et)
	st, ok := s.m.syncStates[key]
	if !ok {
		return ErrNotFound
	}
	st.Status = SyncError
	st.ErrorMessage = msg
	st.UpdatedAt = time.Now().UTC()
	s.m.syncStates[key] = st
	return nil
}

// --- webhook events ---

type memWebhookEvents struct{ m *Memory }

func (s memWebhookEvents) Insert(_ context.Context, rec WebhookEventRecord) error {
	if rec.EventID == "" {
		return ErrInvalidInput
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	key := eventKey(rec.EventID, rec.LocationID)
	if _, ok := s.m.webhookEvents[key]; ok {
		return ErrConflict
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}
	s.m.webhookEvents[key] = rec
	return nil
}

func (s memWebhookEvents) Get(_ context.Context, eventID, locationID string) (WebhookEventRecord, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	rec, ok := s.m.webhookEvents[eventKey(eventID, locationID)]
	if !ok {
		return WebhookEventRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s memWebhookEvents) MarkProcessed(_ context.Context, eventID, locationID string, processedAt time.Time, errMsg string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	key := eventKey(eventID, locationID)
	rec, ok := s.m.webhookEvents[key]
	if !ok {
		return ErrNotFound
	}
	rec.Processed = true
	rec.ProcessedAt = &processedAt
	rec.ErrorMessage = errMsg
	s.m.webhookEvents[key] = rec
	return nil
}

// --- sync logs ---

type memSyncLogs struct{ m *Memory }

func (s memSyncLogs) Append(_ context.Context, entry SyncLogEntry) (SyncLogEntry, error) {
	if entry.LocationID == "" || entry.EntityType == "" {
		return SyncLogEntry{}, ErrInvalidInput
	}
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.syncLogs = append(s.m.syncLogs, entry)
	return entry, nil
}

func (s memSyncLogs) List(_ context.Context, locationID string, limit int) ([]SyncLogEntry, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var out []SyncLogEntry
	for i := len(s.m.syncLogs) - 1; i >= 0; i-- {
		entry := s.m.syncLogs[i]
		if locationID != "" && entry.LocationID != locationID {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- records ---

type memRecords struct{ m *Memory }

func (s memRecords) Upsert(_ context.Context, rec Record) error {
	if rec.ID == "" || rec.EntityType == "" {
		return ErrInvalidInput
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.records[recordKey(rec.EntityType, rec.ID)] = rec
	return nil
}

func (s memRecords) Get(_ context.Context, et EntityType, id string) (Record, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	rec, ok := s.m.records[recordKey(et, id)]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s memRecords) List(_ context.Context, et EntityType, f RecordFilter) ([]Record, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var out []Record
	for _, rec := range s.m.records {
		if rec.EntityType != et {
			continue
		}
		if !f.IncludeDeleted && rec.Deleted {
			continue
		}
		if f.TenantID != "" && rec.TenantID != f.TenantID {
			continue
		}
		if f.LocationID != "" && rec.LocationID != f.LocationID {
			continue
		}
		if f.AssignedTo != "" && rec.AssignedTo != f.AssignedTo {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s memRecords) SetDeleted(_ context.Context, et EntityType, id string, deleted bool) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	key := recordKey(et, id)
	rec, ok := s.m.records[key]
	if !ok {
		return ErrNotFound
	}
	rec.Deleted = deleted
	rec.UpdatedAt = time.Now().UTC()
	s.m.records[key] = rec
	return nil
}

func (s memRecords) Delete(_ context.Context, et EntityType, id string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	key := recordKey(et, id)
	if _, ok := s.m.records[key]; !ok {
		return ErrNotFound
	}
	delete(s.m.records, key)
	return nil
}

// --- users ---

type memUsers struct{ m *Memory }

func (s memUsers) Create(_ context.Context, u AppUser) error {
	if u.ID == "" || u.TenantID == "" || strings.TrimSpace(u.Email) == "" {
		return ErrInvalidInput
	}
	email := strings.ToLower(strings.TrimSpace(u.Email))
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.users[u.ID]; ok {
		return ErrConflict
	}
	if _, ok := s.m.usersByEmail[email]; ok {
		return ErrConflict
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	u.Email = email
	s.m.users[u.ID] = u
	s.m.usersByEmail[email] = u.ID
	return nil
}

func (s memUsers) GetByID(_ context.Context, id string) (AppUser, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	u, ok := s.m.users[id]
	if !ok {
		return AppUser{}, ErrNotFound
	}
	return u, nil
}

func (s memUsers) GetByEmail(_ context.Context, email string) (AppUser, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	id, ok := s.m.usersByEmail[email]
	if !ok {
		return AppUser{}, ErrNotFound
	}
	return s.m.users[id], nil
}

func (s memUsers) OverridesFor(_ context.Context, userID string) ([]PermissionOverride, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	src := s.m.overrides[userID]
	out := make([]PermissionOverride, len(src))
	copy(out, src)
	return out, nil
}

func (s memUsers) SaveOverride(_ context.Context, o PermissionOverride) error {
	if o.UserID == "" || o.EntityType == "" || o.Action == "" {
		return ErrInvalidInput
	}
	if o.ID == "" {
		o.ID = ids.New()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	existing := s.m.overrides[o.UserID]
	for i, prev := range existing {
		if prev.EntityType == o.EntityType && prev.Action == o.Action {
			existing[i] = o
			s.m.overrides[o.UserID] = existing
			return nil
		}
	}
	s.m.overrides[o.UserID] = append(existing, o)
	return nil
}

// --- tenants ---

type memTenants struct{ m *Memory }

func (s memTenants) Create(_ context.Context, t Tenant) error {
	if t.ID == "" {
		return ErrInvalidInput
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.tenants[t.ID]; ok {
		return ErrConflict
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	s.m.tenants[t.ID] = t
	return nil
}

func (s memTenants) Get(_ context.Context, id string) (Tenant, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	t, ok := s.m.tenants[id]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return t, nil
}
