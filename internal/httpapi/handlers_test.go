package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	gosync "sync"
	"testing"
	"time"

	"crmbridge.io/internal/auth"
	"crmbridge.io/internal/crm"
	"crmbridge.io/internal/rbac"
	"crmbridge.io/internal/store"
	"crmbridge.io/internal/stream"
	syncer "crmbridge.io/internal/sync"
	"crmbridge.io/internal/tokens"
	"crmbridge.io/internal/webhook"
)

var webhookSecret = []byte("hook-secret")

type fakeUpstream struct {
	mu    gosync.Mutex
	pages map[store.EntityType][]json.RawMessage
	block chan struct{}
}

func (f *fakeUpstream) ListEntity(ctx context.Context, scope crm.Scope, et string, page crm.PageRequest) (crm.ListResult, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return crm.ListResult{}, ctx.Err()
		}
	}
	f.mu.Lock()
	items := f.pages[store.EntityType(et)]
	f.mu.Unlock()
	// Single short page per entity; cursor requests get nothing further.
	if page.StartAfterID != "" {
		items = nil
	}
	return crm.ListResult{Items: items}, nil
}

type fakeOAuth struct {
	token   *crm.TokenResponse
	err     error
	revoked []string
}

func (f *fakeOAuth) ExchangeCode(ctx context.Context, code string) (*crm.TokenResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.token, nil
}

func (f *fakeOAuth) Refresh(ctx context.Context, refreshToken string) (*crm.TokenResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.token, nil
}

func (f *fakeOAuth) RevokeToken(ctx context.Context, accessToken string) error {
	f.revoked = append(f.revoked, accessToken)
	return nil
}

type testEnv struct {
	srv      *httptest.Server
	store    store.Store
	upstream *fakeUpstream
	oauth    *fakeOAuth

	adminToken string
	agentToken string
}

func newTestAPI(t *testing.T) *testEnv {
	t.Helper()
	t.Setenv("CRMBRIDGE_AUTH_SECRET", "httpapi-test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	mem := store.NewMemory()
	ctx := context.Background()

	adminHash, err := auth.HashPassword("admin-pass-1")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if err := mem.Users().Create(ctx, store.AppUser{
		ID:           "u-admin",
		TenantID:     "t1",
		Email:        "admin@example.com",
		PasswordHash: adminHash,
		Role:         "admin",
	}); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	agentHash, err := auth.HashPassword("agent-pass-1")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if err := mem.Users().Create(ctx, store.AppUser{
		ID:                  "u-agent",
		TenantID:            "t1",
		Email:               "agent@example.com",
		PasswordHash:        agentHash,
		Role:                "agent",
		CRMUserID:           "crm-agent",
		AssignedLocationIDs: []string{"loc-1"},
	}); err != nil {
		t.Fatalf("seed agent: %v", err)
	}

	upstream := &fakeUpstream{pages: make(map[store.EntityType][]json.RawMessage)}
	sched := syncer.NewScheduler(syncer.Options{Upstream: upstream, Store: mem, PageSize: 50})
	events := stream.New()
	orch := syncer.NewOrchestrator(sched, mem, events)

	oauthFake := &fakeOAuth{token: &crm.TokenResponse{
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		ExpiresIn:    86400,
		Scope:        "contacts.readonly opportunities.readonly",
		LocationID:   "loc-1",
		UserType:     "Location",
	}}
	mgr := tokens.NewManager(oauthFake, mem.Credentials())

	api := New(Options{
		Store:    mem,
		Tokens:   mgr,
		OAuth:    crm.NewOAuthClient(crm.OAuthOptions{ClientID: "client-1", RedirectURI: "https://bridge.example.com/v1/oauth/callback"}),
		Pipeline: webhook.New(webhook.Options{Secret: webhookSecret, Store: mem, ResolveTenant: func(context.Context, string) string { return "t1" }}),
		Scheduler:    sched,
		Orchestrator: orch,
		Engine:       rbac.NewEngine(mem.Users()),
		Stream:       events,
		Version:      "test",
		OAuthScopes:  []string{"contacts.readonly"},
		MaxTasks:     10,
		Budget:       5 * time.Second,
		RateBurst:    1000,
		RatePerSec:   1000,
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	adminToken, err := auth.GenerateToken("u-admin", "t1", "admin", time.Hour)
	if err != nil {
		t.Fatalf("admin token: %v", err)
	}
	agentToken, err := auth.GenerateToken("u-agent", "t1", "agent", time.Hour)
	if err != nil {
		t.Fatalf("agent token: %v", err)
	}

	return &testEnv{
		srv:        srv,
		store:      mem,
		upstream:   upstream,
		oauth:      oauthFake,
		adminToken: adminToken,
		agentToken: agentToken,
	}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestLogin(t *testing.T) {
	e := newTestAPI(t)

	resp, out := e.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"email":    "Admin@Example.com",
		"password": "admin-pass-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, body %v", resp.StatusCode, out)
	}
	token, _ := out["token"].(string)
	if token == "" {
		t.Fatal("no token in login response")
	}
	if out["role"] != "admin" {
		t.Fatalf("role = %v", out["role"])
	}

	// The issued token opens an admin endpoint.
	resp, _ = e.do(t, http.MethodGet, "/v1/credentials/status", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("issued token rejected: %d", resp.StatusCode)
	}

	resp, _ = e.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"email":    "admin@example.com",
		"password": "wrong",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong password status = %d", resp.StatusCode)
	}

	resp, _ = e.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"email":    "nobody@example.com",
		"password": "admin-pass-1",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unknown user status = %d", resp.StatusCode)
	}
}

func TestAdminEndpointsRequireAdminRole(t *testing.T) {
	e := newTestAPI(t)

	resp, _ := e.do(t, http.MethodPost, "/v1/sync/run", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d", resp.StatusCode)
	}

	resp, _ = e.do(t, http.MethodPost, "/v1/sync/run", e.agentToken, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("agent status = %d", resp.StatusCode)
	}

	resp, out := e.do(t, http.MethodPost, "/v1/sync/run", e.adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin status = %d, body %v", resp.StatusCode, out)
	}
}

func TestWebhookDelivery(t *testing.T) {
	e := newTestAPI(t)
	body := []byte(`{"type":"ContactCreate","webhookId":"evt-1","locationId":"loc-1","id":"c1","firstName":"Ada"}`)
	sig := webhook.ComputeSignature(webhookSecret, body)

	post := func(payload []byte, signature string) (*http.Response, map[string]any) {
		req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/v1/webhooks/crm", bytes.NewReader(payload))
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("X-Signature", signature)
		resp, err := e.srv.Client().Do(req)
		if err != nil {
			t.Fatalf("post webhook: %v", err)
		}
		defer resp.Body.Close()
		var out map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&out)
		return resp, out
	}

	resp, out := post(body, sig)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %v", resp.StatusCode, out)
	}
	if out["action"] != webhook.ActionProcessed {
		t.Fatalf("action = %v", out["action"])
	}
	if _, err := e.store.Records().Get(context.Background(), store.EntityContacts, "c1"); err != nil {
		t.Fatalf("contact not stored: %v", err)
	}

	// Redelivery is acknowledged as a duplicate, not reprocessed.
	resp, out = post(body, sig)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("duplicate status = %d", resp.StatusCode)
	}
	if out["action"] != webhook.ActionSkippedDuplicate {
		t.Fatalf("duplicate action = %v", out["action"])
	}

	// Handler failures are absorbed and acknowledged, but flagged.
	noID := []byte(`{"type":"ContactCreate","webhookId":"evt-2","locationId":"loc-1","firstName":"NoID"}`)
	resp, out = post(noID, webhook.ComputeSignature(webhookSecret, noID))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("failed-handling status = %d", resp.StatusCode)
	}
	if out["action"] != webhook.ActionFailed {
		t.Fatalf("failed-handling action = %v", out["action"])
	}
	if out["success"] != false {
		t.Fatalf("failed-handling success = %v, want false", out["success"])
	}

	resp, _ = post(body, "deadbeef")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad signature status = %d", resp.StatusCode)
	}

	bad := []byte(`{not json`)
	resp, _ = post(bad, webhook.ComputeSignature(webhookSecret, bad))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed status = %d", resp.StatusCode)
	}
}

func TestSyncTrigger(t *testing.T) {
	e := newTestAPI(t)
	e.upstream.pages[store.EntityContacts] = []json.RawMessage{
		json.RawMessage(`{"id":"c1","firstName":"Ada","assignedTo":"crm-agent"}`),
		json.RawMessage(`{"id":"c2","firstName":"Grace"}`),
	}

	resp, out := e.do(t, http.MethodPost, "/v1/sync/trigger", e.adminToken, map[string]any{
		"locationId": "loc-1",
		"entityType": "contacts",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %v", resp.StatusCode, out)
	}
	if out["processed"] != float64(1) || out["failed"] != float64(0) {
		t.Fatalf("summary = %v", out)
	}

	records, err := e.store.Records().List(context.Background(), store.EntityContacts, store.RecordFilter{TenantID: "t1"})
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records synced = %d, want 2", len(records))
	}

	resp, _ = e.do(t, http.MethodPost, "/v1/sync/trigger", e.adminToken, map[string]any{
		"locationId": "loc-1",
		"entityType": "bogus",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown entity status = %d", resp.StatusCode)
	}
}

func TestInitialSyncLifecycle(t *testing.T) {
	e := newTestAPI(t)
	e.upstream.block = make(chan struct{})

	resp, out := e.do(t, http.MethodPost, "/v1/sync/initial", e.adminToken, map[string]any{"locationId": "loc-1"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start status = %d, body %v", resp.StatusCode, out)
	}

	// A second start while the first run holds the slot is rejected.
	resp, _ = e.do(t, http.MethodPost, "/v1/sync/initial", e.adminToken, map[string]any{"locationId": "loc-1"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("concurrent start status = %d", resp.StatusCode)
	}

	close(e.upstream.block)

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, out = e.do(t, http.MethodGet, "/v1/sync/initial/progress?locationId=loc-1", e.adminToken, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("progress status = %d", resp.StatusCode)
		}
		if done, _ := out["done"].(bool); done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("initial sync did not finish: %v", out)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if out["percent_complete"] != float64(100) {
		t.Fatalf("percent = %v", out["percent_complete"])
	}

	resp, _ = e.do(t, http.MethodGet, "/v1/sync/initial/progress?locationId=loc-unknown", e.adminToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown location progress status = %d", resp.StatusCode)
	}
}

func TestOAuthAuthorizeAndCallback(t *testing.T) {
	e := newTestAPI(t)

	resp, out := e.do(t, http.MethodGet, "/v1/oauth/authorize?locationId=loc-1", e.adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authorize status = %d", resp.StatusCode)
	}
	authURL, _ := out["authorization_url"].(string)
	state, _ := out["state"].(string)
	if authURL == "" || state == "" {
		t.Fatalf("authorize body = %v", out)
	}

	path := fmt.Sprintf("/v1/oauth/callback?code=auth-code&state=%s", state)
	resp, out = e.do(t, http.MethodGet, path, e.adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("callback status = %d, body %v", resp.StatusCode, out)
	}
	if out["connected"] != true || out["location_id"] != "loc-1" {
		t.Fatalf("callback body = %v", out)
	}

	cred, err := e.store.Credentials().GetValid(context.Background(), "t1", "loc-1")
	if err != nil {
		t.Fatalf("credential not persisted: %v", err)
	}
	if cred.AccessToken != "at-1" {
		t.Fatalf("access token = %q", cred.AccessToken)
	}

	// Tampered state: a caller from another tenant cannot finish the flow.
	otherHash, _ := auth.HashPassword("other-pass-1")
	if err := e.store.Users().Create(context.Background(), store.AppUser{
		ID: "u-other", TenantID: "t2", Email: "other@example.com",
		PasswordHash: otherHash, Role: "admin",
	}); err != nil {
		t.Fatalf("seed other admin: %v", err)
	}
	otherToken, err := auth.GenerateToken("u-other", "t2", "admin", time.Hour)
	if err != nil {
		t.Fatalf("other token: %v", err)
	}
	resp, _ = e.do(t, http.MethodGet, path, otherToken, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-tenant callback status = %d", resp.StatusCode)
	}
}

func TestCredentialStatusAndRevoke(t *testing.T) {
	e := newTestAPI(t)

	resp, out := e.do(t, http.MethodGet, "/v1/credentials/status?locationId=loc-1", e.adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if out["connected"] != false {
		t.Fatalf("unconnected scope reported connected: %v", out)
	}

	path := "/v1/oauth/callback?code=c&state=" + encodeState("t1", "loc-1")
	if resp, out := e.do(t, http.MethodGet, path, e.adminToken, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("connect: %d %v", resp.StatusCode, out)
	}

	resp, out = e.do(t, http.MethodGet, "/v1/credentials/status?locationId=loc-1", e.adminToken, nil)
	if resp.StatusCode != http.StatusOK || out["connected"] != true {
		t.Fatalf("connected status = %d body %v", resp.StatusCode, out)
	}
	for _, key := range []string{"access_token", "refresh_token"} {
		if _, ok := out[key]; ok {
			t.Fatalf("token material leaked under %q", key)
		}
	}

	resp, _ = e.do(t, http.MethodPost, "/v1/oauth/revoke", e.adminToken, map[string]any{"locationId": "loc-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke status = %d", resp.StatusCode)
	}
	if len(e.oauth.revoked) != 1 {
		t.Fatalf("upstream revoke calls = %d", len(e.oauth.revoked))
	}
	if _, err := e.store.Credentials().GetValid(context.Background(), "t1", "loc-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("credential still valid after revoke: %v", err)
	}
}

func TestListRecordsScopedByRole(t *testing.T) {
	e := newTestAPI(t)
	ctx := context.Background()
	seed := []store.Record{
		{EntityType: store.EntityContacts, ID: "c1", TenantID: "t1", LocationID: "loc-1", AssignedTo: "crm-agent"},
		{EntityType: store.EntityContacts, ID: "c2", TenantID: "t1", LocationID: "loc-1", AssignedTo: "crm-other"},
		{EntityType: store.EntityContacts, ID: "c3", TenantID: "t1", LocationID: "loc-2"},
	}
	for _, rec := range seed {
		if err := e.store.Records().Upsert(ctx, rec); err != nil {
			t.Fatalf("seed record %s: %v", rec.ID, err)
		}
	}

	resp, out := e.do(t, http.MethodGet, "/v1/records/contacts", e.adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin list status = %d", resp.StatusCode)
	}
	if out["count"] != float64(3) {
		t.Fatalf("admin sees %v records, want 3", out["count"])
	}

	// The agent is scoped to loc-1 and own assignments; c2 belongs to a
	// colleague and c3 sits in an unassigned location.
	resp, out = e.do(t, http.MethodGet, "/v1/records/contacts", e.agentToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("agent list status = %d", resp.StatusCode)
	}
	if out["count"] != float64(1) {
		t.Fatalf("agent sees %v records, want 1", out["count"])
	}

	resp, _ = e.do(t, http.MethodGet, "/v1/records/bogus", e.agentToken, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown entity status = %d", resp.StatusCode)
	}
}

func TestHealthAndInfo(t *testing.T) {
	e := newTestAPI(t)

	resp, out := e.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK || out["status"] != "ok" {
		t.Fatalf("healthz = %d %v", resp.StatusCode, out)
	}
	resp, out = e.do(t, http.MethodGet, "/readyz", "", nil)
	if resp.StatusCode != http.StatusOK || out["status"] != "ready" {
		t.Fatalf("readyz = %d %v", resp.StatusCode, out)
	}
	resp, _ = e.do(t, http.MethodGet, "/v1/nope", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("not found status = %d", resp.StatusCode)
	}
}
