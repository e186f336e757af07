package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCredentialSupersede(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	creds := m.Credentials()

	old := OAuthCredential{ID: "c1", TenantID: "t1", LocationID: "loc1", AccessToken: "a1", IsValid: true}
	if err := creds.Save(ctx, old); err != nil {
		t.Fatalf("save old: %v", err)
	}
	fresh := OAuthCredential{ID: "c2", TenantID: "t1", LocationID: "loc1", AccessToken: "a2", IsValid: true}
	if err := creds.Save(ctx, fresh); err != nil {
		t.Fatalf("save fresh: %v", err)
	}

	got, err := creds.GetValid(ctx, "t1", "loc1")
	if err != nil {
		t.Fatalf("get valid: %v", err)
	}
	if got.ID != "c2" {
		t.Fatalf("valid credential = %q, want c2", got.ID)
	}
	prev, err := creds.GetByID(ctx, "c1")
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if prev.IsValid {
		t.Fatalf("superseded credential still valid")
	}
}

func TestCredentialTenantFallback(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	creds := m.Credentials()

	agency := OAuthCredential{ID: "c1", TenantID: "t1", LocationID: "", AccessToken: "a1", IsValid: true}
	if err := creds.Save(ctx, agency); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := creds.GetValid(ctx, "t1", "loc9")
	if err != nil {
		t.Fatalf("get valid: %v", err)
	}
	if got.ID != "c1" {
		t.Fatalf("fallback credential = %q, want c1", got.ID)
	}

	if _, err := creds.GetValid(ctx, "t2", "loc9"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("other tenant err = %v, want ErrNotFound", err)
	}
}

func TestCredentialInvalidateScope(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	creds := m.Credentials()

	if err := creds.Save(ctx, OAuthCredential{ID: "c1", TenantID: "t1", LocationID: "loc1", IsValid: true}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := creds.InvalidateScope(ctx, "t1", "loc1"); err != nil {
		t.Fatalf("invalidate scope: %v", err)
	}
	if _, err := creds.GetValid(ctx, "t1", "loc1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSyncStateDue(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	states := m.SyncStates()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	seed := []SyncState{
		{TenantID: "t1", LocationID: "loc1", EntityType: EntityContacts, Status: SyncIdle, NextSyncAt: now.Add(-2 * time.Minute)},
		{TenantID: "t1", LocationID: "loc1", EntityType: EntityOpportunities, Status: SyncIdle, NextSyncAt: now.Add(-5 * time.Minute)},
		{TenantID: "t1", LocationID: "loc1", EntityType: EntityAppointments, Status: SyncSyncing, NextSyncAt: now.Add(-10 * time.Minute)},
		{TenantID: "t1", LocationID: "loc1", EntityType: EntityInvoices, Status: SyncError, NextSyncAt: now.Add(-1 * time.Minute)},
		{TenantID: "t1", LocationID: "loc1", EntityType: EntityCalendars, Status: SyncIdle, NextSyncAt: now.Add(time.Hour)},
	}
	for _, st := range seed {
		if err := states.Upsert(ctx, st); err != nil {
			t.Fatalf("upsert %s: %v", st.EntityType, err)
		}
	}

	due, err := states.Due(ctx, now, 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 3 {
		t.Fatalf("due count = %d, want 3", len(due))
	}
	want := []EntityType{EntityOpportunities, EntityContacts, EntityInvoices}
	for i, et := range want {
		if due[i].EntityType != et {
			t.Fatalf("due[%d] = %s, want %s", i, due[i].EntityType, et)
		}
	}

	limited, err := states.Due(ctx, now, 1)
	if err != nil {
		t.Fatalf("due limited: %v", err)
	}
	if len(limited) != 1 || limited[0].EntityType != EntityOpportunities {
		t.Fatalf("limited due = %+v, want single opportunities row", limited)
	}
}

func TestMarkSyncingConflict(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	states := m.SyncStates()

	st := SyncState{TenantID: "t1", LocationID: "loc1", EntityType: EntityContacts, Status: SyncIdle}
	if err := states.Upsert(ctx, st); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := states.MarkSyncing(ctx, "t1", "loc1", EntityContacts); err != nil {
		t.Fatalf("first mark: %v", err)
	}
	if err := states.MarkSyncing(ctx, "t1", "loc1", EntityContacts); !errors.Is(err, ErrConflict) {
		t.Fatalf("second mark err = %v, want ErrConflict", err)
	}
	if err := states.MarkSyncing(ctx, "t1", "loc1", EntityInvoices); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing row err = %v, want ErrNotFound", err)
	}
}

func TestMarkSyncingFromError(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	states := m.SyncStates()

	st := SyncState{TenantID: "t1", LocationID: "loc1", EntityType: EntityContacts, Status: SyncError, ErrorMessage: "boom"}
	if err := states.Upsert(ctx, st); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := states.MarkSyncing(ctx, "t1", "loc1", EntityContacts); err != nil {
		t.Fatalf("mark from error: %v", err)
	}
	got, err := states.Get(ctx, "t1", "loc1", EntityContacts)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != SyncSyncing || got.ErrorMessage != "" {
		t.Fatalf("state = %s/%q, want syncing with cleared error", got.Status, got.ErrorMessage)
	}
}

func TestCompleteAndFail(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	states := m.SyncStates()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	next := now.Add(15 * time.Minute)

	st := SyncState{TenantID: "t1", LocationID: "loc1", EntityType: EntityContacts, Status: SyncIdle, NextSyncAt: now.Add(-time.Minute)}
	if err := states.Upsert(ctx, st); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := states.MarkSyncing(ctx, "t1", "loc1", EntityContacts); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := states.Complete(ctx, "t1", "loc1", EntityContacts, 42, now, next); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, err := states.Get(ctx, "t1", "loc1", EntityContacts)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != SyncIdle || got.RecordsSynced != 42 {
		t.Fatalf("state = %s records=%d, want idle/42", got.Status, got.RecordsSynced)
	}
	if got.LastSyncAt == nil || !got.LastSyncAt.Equal(now) || !got.NextSyncAt.Equal(next) {
		t.Fatalf("timestamps = %v/%v, want %v/%v", got.LastSyncAt, got.NextSyncAt, now, next)
	}

	if err := states.MarkSyncing(ctx, "t1", "loc1", EntityContacts); err != nil {
		t.Fatalf("remark: %v", err)
	}
	if err := states.Fail(ctx, "t1", "loc1", EntityContacts, "upstream 500"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	got, err = states.Get(ctx, "t1", "loc1", EntityContacts)
	if err != nil {
		t.Fatalf("get after fail: %v", err)
	}
	if got.Status != SyncError || got.ErrorMessage != "upstream 500" {
		t.Fatalf("state = %s/%q, want error/upstream 500", got.Status, got.ErrorMessage)
	}
	if !got.NextSyncAt.Equal(next) {
		t.Fatalf("nextSyncAt changed on failure: %v, want %v", got.NextSyncAt, next)
	}
}

func TestWebhookEventDedup(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	events := m.WebhookEvents()

	rec := WebhookEventRecord{EventID: "evt-1", TenantID: "t1", LocationID: "loc1", EventType: "ContactCreate"}
	if err := events.Insert(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := events.Insert(ctx, rec); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate err = %v, want ErrConflict", err)
	}

	other := WebhookEventRecord{EventID: "evt-1", TenantID: "t1", LocationID: "loc2", EventType: "ContactCreate"}
	if err := events.Insert(ctx, other); err != nil {
		t.Fatalf("same event other location: %v", err)
	}

	when := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := events.MarkProcessed(ctx, "evt-1", "loc1", when, ""); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	got, err := events.Get(ctx, "evt-1", "loc1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Processed || got.ProcessedAt == nil || !got.ProcessedAt.Equal(when) {
		t.Fatalf("event not marked processed: %+v", got)
	}
}

func TestRecordListFilters(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	recs := m.Records()

	seed := []Record{
		{EntityType: EntityContacts, ID: "a", TenantID: "t1", LocationID: "loc1", AssignedTo: "u1"},
		{EntityType: EntityContacts, ID: "b", TenantID: "t1", LocationID: "loc1", AssignedTo: "u2"},
		{EntityType: EntityContacts, ID: "c", TenantID: "t1", LocationID: "loc2", AssignedTo: "u1"},
		{EntityType: EntityContacts, ID: "d", TenantID: "t1", LocationID: "loc1", AssignedTo: "u1", Deleted: true},
		{EntityType: EntityOpportunities, ID: "e", TenantID: "t1", LocationID: "loc1", AssignedTo: "u1"},
	}
	for _, r := range seed {
		if err := recs.Upsert(ctx, r); err != nil {
			t.Fatalf("upsert %s: %v", r.ID, err)
		}
	}

	got, err := recs.List(ctx, EntityContacts, RecordFilter{TenantID: "t1", LocationID: "loc1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("list = %+v, want [a b]", got)
	}

	got, err = recs.List(ctx, EntityContacts, RecordFilter{TenantID: "t1", LocationID: "loc1", IncludeDeleted: true})
	if err != nil {
		t.Fatalf("list deleted: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("list with deleted = %d rows, want 3", len(got))
	}

	got, err = recs.List(ctx, EntityContacts, RecordFilter{AssignedTo: "u1"})
	if err != nil {
		t.Fatalf("list assigned: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "c" {
		t.Fatalf("assigned list = %+v, want [a c]", got)
	}
}

func TestSoftAndHardDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	recs := m.Records()

	if err := recs.Upsert(ctx, Record{EntityType: EntityContacts, ID: "a", TenantID: "t1", LocationID: "loc1"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := recs.SetDeleted(ctx, EntityContacts, "a", true); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	got, err := recs.Get(ctx, EntityContacts, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Deleted {
		t.Fatalf("record not soft-deleted")
	}

	if err := recs.Upsert(ctx, Record{EntityType: EntityOpportunities, ID: "o", TenantID: "t1", LocationID: "loc1"}); err != nil {
		t.Fatalf("upsert opp: %v", err)
	}
	if err := recs.Delete(ctx, EntityOpportunities, "o"); err != nil {
		t.Fatalf("hard delete: %v", err)
	}
	if _, err := recs.Get(ctx, EntityOpportunities, "o"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := recs.Delete(ctx, EntityOpportunities, "o"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double delete err = %v, want ErrNotFound", err)
	}
}

func TestUsersAndOverrides(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	users := m.Users()

	u := AppUser{ID: "u1", TenantID: "t1", Email: " Agent@Example.COM ", Role: "agent"}
	if err := users.Create(ctx, u); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := users.Create(ctx, AppUser{ID: "u2", TenantID: "t1", Email: "agent@example.com"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate email err = %v, want ErrConflict", err)
	}
	got, err := users.GetByEmail(ctx, "AGENT@example.com")
	if err != nil {
		t.Fatalf("get by email: %v", err)
	}
	if got.ID != "u1" {
		t.Fatalf("user = %q, want u1", got.ID)
	}

	o := PermissionOverride{UserID: "u1", EntityType: EntityContacts, Action: ActionDelete, Allowed: true, Reason: "cleanup duty"}
	if err := users.SaveOverride(ctx, o); err != nil {
		t.Fatalf("save override: %v", err)
	}
	o.Allowed = false
	if err := users.SaveOverride(ctx, o); err != nil {
		t.Fatalf("replace override: %v", err)
	}
	list, err := users.OverridesFor(ctx, "u1")
	if err != nil {
		t.Fatalf("overrides: %v", err)
	}
	if len(list) != 1 || list[0].Allowed {
		t.Fatalf("overrides = %+v, want single denied entry", list)
	}
}

func TestSyncLogOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	logs := m.SyncLogs()

	for _, id := range []string{"first", "second", "third"} {
		if _, err := logs.Append(ctx, SyncLogEntry{LocationID: "loc1", EntityType: EntityContacts, EntityID: id, Action: ActionCreate, Source: SourceWebhook}); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}
	got, err := logs.List(ctx, "loc1", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].EntityID != "third" || got[1].EntityID != "second" {
		t.Fatalf("list = %+v, want newest first", got)
	}
}
