package webhook

import (
	"context"
	"errors"
	"testing"

	"crmbridge.io/internal/store"
)

func newTestPipeline(t *testing.T, secret []byte) (*Pipeline, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	p := New(Options{
		Secret: secret,
		Store:  mem,
		ResolveTenant: func(context.Context, string) string {
			return "t1"
		},
	})
	return p, mem
}

func TestProcessContactCreate(t *testing.T) {
	p, mem := newTestPipeline(t, nil)
	body := []byte(`{"type":"ContactCreate","webhookId":"evt-1","locationId":"loc-1","id":"c1","firstName":"Ada","email":"ada@example.com","customField":"kept"}`)

	res, err := p.Process(context.Background(), body, "")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Action != ActionProcessed {
		t.Fatalf("action = %s, want processed", res.Action)
	}
	if res.EntityID != "c1" {
		t.Fatalf("entity id = %s, want c1", res.EntityID)
	}

	rec, err := mem.Records().Get(context.Background(), store.EntityContacts, "c1")
	if err != nil {
		t.Fatalf("Get record: %v", err)
	}
	if rec.Fields["first_name"] != "Ada" {
		t.Fatalf("mapped fields = %v", rec.Fields)
	}
	if rec.Extra["customField"] != "kept" {
		t.Fatalf("unrecognized field dropped: %v", rec.Extra)
	}
	if rec.TenantID != "t1" {
		t.Fatalf("tenant not resolved: %q", rec.TenantID)
	}

	evt, err := mem.WebhookEvents().Get(context.Background(), "evt-1", "loc-1")
	if err != nil {
		t.Fatalf("ledger row missing: %v", err)
	}
	if !evt.Processed || evt.ErrorMessage != "" {
		t.Fatalf("ledger row not finalised: %+v", evt)
	}
}

func TestProcessSkipsDuplicate(t *testing.T) {
	p, mem := newTestPipeline(t, nil)
	body := []byte(`{"type":"ContactCreate","webhookId":"evt-1","locationId":"loc-1","id":"c1","firstName":"Ada"}`)

	if _, err := p.Process(context.Background(), body, ""); err != nil {
		t.Fatalf("first Process: %v", err)
	}

	// Same delivery again, even with a changed payload body, is skipped on
	// the ledger key alone.
	body2 := []byte(`{"type":"ContactCreate","webhookId":"evt-1","locationId":"loc-1","id":"c1","firstName":"CHANGED"}`)
	res, err := p.Process(context.Background(), body2, "")
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if res.Action != ActionSkippedDuplicate {
		t.Fatalf("action = %s, want skipped_duplicate", res.Action)
	}

	rec, err := mem.Records().Get(context.Background(), store.EntityContacts, "c1")
	if err != nil {
		t.Fatalf("Get record: %v", err)
	}
	if rec.Fields["first_name"] != "Ada" {
		t.Fatalf("duplicate delivery mutated the record: %v", rec.Fields)
	}
}

func TestDigestFallbackDeduplicatesIdenticalBodies(t *testing.T) {
	p, _ := newTestPipeline(t, nil)
	body := []byte(`{"type":"ContactCreate","locationId":"loc-1","id":"c1","firstName":"Ada"}`)

	first, err := p.Process(context.Background(), body, "")
	if err != nil {
		t.Fatalf("first Process: %v", err)
	}
	if first.Action != ActionProcessed {
		t.Fatalf("first action = %s", first.Action)
	}

	second, err := p.Process(context.Background(), body, "")
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if second.Action != ActionSkippedDuplicate {
		t.Fatalf("identical redelivery not skipped: %s", second.Action)
	}
}

func TestSignatureVerification(t *testing.T) {
	secret := []byte("shhh")
	p, _ := newTestPipeline(t, secret)
	body := []byte(`{"type":"ContactCreate","webhookId":"evt-1","locationId":"loc-1","id":"c1"}`)

	if _, err := p.Process(context.Background(), body, "deadbeef"); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}

	sig := ComputeSignature(secret, body)
	if _, err := p.Process(context.Background(), body, sig); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	// The sha256= prefix some senders add is accepted.
	body2 := []byte(`{"type":"ContactCreate","webhookId":"evt-2","locationId":"loc-1","id":"c2"}`)
	if _, err := p.Process(context.Background(), body2, "sha256="+ComputeSignature(secret, body2)); err != nil {
		t.Fatalf("prefixed signature rejected: %v", err)
	}
}

func TestMalformedPayloadRejected(t *testing.T) {
	p, _ := newTestPipeline(t, nil)

	if _, err := p.Process(context.Background(), []byte(`{not json`), ""); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("err = %v, want ErrMalformedPayload", err)
	}
	if _, err := p.Process(context.Background(), []byte(`{"locationId":"loc-1"}`), ""); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("missing type: err = %v, want ErrMalformedPayload", err)
	}
}

func TestUnhandledEventTypeAcknowledged(t *testing.T) {
	p, _ := newTestPipeline(t, nil)
	body := []byte(`{"type":"CampaignStatusUpdate","webhookId":"evt-9","locationId":"loc-1"}`)

	res, err := p.Process(context.Background(), body, "")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Action != ActionUnhandled {
		t.Fatalf("action = %s, want unhandled_event_type", res.Action)
	}
}

func TestContactDeleteIsSoft(t *testing.T) {
	p, mem := newTestPipeline(t, nil)
	create := []byte(`{"type":"ContactCreate","webhookId":"evt-1","locationId":"loc-1","id":"c1","firstName":"Ada"}`)
	if _, err := p.Process(context.Background(), create, ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	del := []byte(`{"type":"ContactDelete","webhookId":"evt-2","locationId":"loc-1","id":"c1"}`)
	res, err := p.Process(context.Background(), del, "")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res.Action != ActionProcessed {
		t.Fatalf("action = %s", res.Action)
	}

	rec, err := mem.Records().Get(context.Background(), store.EntityContacts, "c1")
	if err != nil {
		t.Fatalf("soft-deleted contact row removed: %v", err)
	}
	if !rec.Deleted {
		t.Fatal("contact not flagged deleted")
	}
}

func TestOpportunityDeleteIsHard(t *testing.T) {
	p, mem := newTestPipeline(t, nil)
	create := []byte(`{"type":"OpportunityCreate","webhookId":"evt-1","locationId":"loc-1","id":"o1","name":"Deal"}`)
	if _, err := p.Process(context.Background(), create, ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	del := []byte(`{"type":"OpportunityDelete","webhookId":"evt-2","locationId":"loc-1","id":"o1"}`)
	if _, err := p.Process(context.Background(), del, ""); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := mem.Records().Get(context.Background(), store.EntityOpportunities, "o1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("opportunity row still present: err = %v", err)
	}
}

func TestHandlerFailureIsAcknowledged(t *testing.T) {
	p, mem := newTestPipeline(t, nil)
	// A mappable envelope whose payload the contact handler cannot map
	// (missing record id) is absorbed, not surfaced as a transport error.
	body := []byte(`{"type":"ContactCreate","webhookId":"evt-1","locationId":"loc-1","firstName":"NoID"}`)

	res, err := p.Process(context.Background(), body, "")
	if err != nil {
		t.Fatalf("application failure must not bubble: %v", err)
	}
	if res.Action != ActionFailed {
		t.Fatalf("action = %s, want failed", res.Action)
	}
	if res.Err == nil {
		t.Fatal("absorbed error not reported on the result")
	}

	evt, err := mem.WebhookEvents().Get(context.Background(), res.EventID, "loc-1")
	if err != nil {
		t.Fatalf("ledger row missing: %v", err)
	}
	if evt.ErrorMessage == "" {
		t.Fatal("failure not recorded in the ledger")
	}
}

func TestInboundMessageUpdatesConversation(t *testing.T) {
	p, mem := newTestPipeline(t, nil)
	body := []byte(`{"type":"InboundMessage","webhookId":"evt-1","locationId":"loc-1","conversationId":"conv-1","contactId":"c1","body":"hello","messageType":"SMS"}`)

	res, err := p.Process(context.Background(), body, "")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.EntityID != "conv-1" {
		t.Fatalf("entity id = %s, want conv-1", res.EntityID)
	}

	rec, err := mem.Records().Get(context.Background(), store.EntityConversations, "conv-1")
	if err != nil {
		t.Fatalf("conversation row missing: %v", err)
	}
	if rec.Fields["last_message_body"] != "hello" || rec.Fields["direction"] != "inbound" {
		t.Fatalf("conversation snapshot = %v", rec.Fields)
	}
}
