package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"crmbridge.io/internal/logs"
	"crmbridge.io/internal/obs"
	"crmbridge.io/internal/store"
)

// Transport-class failures. Only these bubble up to the HTTP layer as
// non-2xx so the upstream redelivers; everything past the ledger claim is
// acknowledged.
var (
	ErrBadSignature     = errors.New("webhook: invalid signature")
	ErrMalformedPayload = errors.New("webhook: malformed payload")
)

// Actions recorded per inbound event.
const (
	ActionProcessed        = "processed"
	ActionSkippedDuplicate = "skipped_duplicate"
	ActionUnhandled        = "unhandled_event_type"
	ActionFailed           = "failed"
)

// Event is the envelope every upstream webhook shares. Entity fields stay in
// the raw body for the handler to map.
type Event struct {
	Type       string `json:"type"`
	WebhookID  string `json:"webhookId"`
	LocationID string `json:"locationId"`
	ID         string `json:"id"`
}

// Result is the acknowledged outcome of one delivery. Err carries an
// application-level failure that was already absorbed.
type Result struct {
	EventID    string        `json:"event_id"`
	EventType  string        `json:"event_type"`
	LocationID string        `json:"location_id,omitempty"`
	EntityID   string        `json:"entity_id,omitempty"`
	Action     string        `json:"action"`
	Err        error         `json:"-"`
	Duration   time.Duration `json:"-"`
}

type handlerFunc func(ctx context.Context, tenantID string, evt Event, raw []byte) (string, error)

// Options configures the pipeline.
type Options struct {
	Secret []byte
	Store  store.Store
	// ResolveTenant attributes a location to a tenant for ledger rows and
	// mapped records. Optional.
	ResolveTenant func(ctx context.Context, locationID string) string
	Clock         func() time.Time
}

// Pipeline runs the per-event state machine: verify, claim, route, handle,
// record.
type Pipeline struct {
	secret        []byte
	events        store.WebhookEventStore
	records       store.RecordStore
	synclogs      store.SyncLogStore
	resolveTenant func(ctx context.Context, locationID string) string
	now           func() time.Time

	handlers map[string]handlerFunc
}

func New(opts Options) *Pipeline {
	p := &Pipeline{
		secret:        opts.Secret,
		events:        opts.Store.WebhookEvents(),
		records:       opts.Store.Records(),
		synclogs:      opts.Store.SyncLogs(),
		resolveTenant: opts.ResolveTenant,
		now:           opts.Clock,
	}
	if p.resolveTenant == nil {
		p.resolveTenant = func(context.Context, string) string { return "" }
	}
	if p.now == nil {
		p.now = time.Now
	}
	p.handlers = map[string]handlerFunc{
		"ContactCreate":           p.handleContactUpsert,
		"ContactUpdate":           p.handleContactUpsert,
		"ContactDndUpdate":        p.handleContactUpsert,
		"ContactTagUpdate":        p.handleContactUpsert,
		"ContactDelete":           p.handleContactDelete,
		"OpportunityCreate":       p.handleOpportunityUpsert,
		"OpportunityUpdate":       p.handleOpportunityUpsert,
		"OpportunityStatusUpdate": p.handleOpportunityUpsert,
		"OpportunityDelete":       p.handleOpportunityDelete,
		"AppointmentCreate":       p.handleAppointmentUpsert,
		"AppointmentUpdate":       p.handleAppointmentUpsert,
		"AppointmentDelete":       p.handleAppointmentDelete,
		"InboundMessage":          p.handleMessage,
		"OutboundMessage":         p.handleMessage,
		"InvoiceCreate":           p.handleInvoiceUpsert,
		"InvoiceUpdate":           p.handleInvoiceUpsert,
		"InvoicePaid":             p.handleInvoiceUpsert,
		"InvoiceVoid":             p.handleInvoiceUpsert,
	}
	return p
}

// EventID derives the ledger key for a delivery: the upstream webhookId when
// present, otherwise a digest of the raw body.
func EventID(evt Event, body []byte) string {
	if evt.WebhookID != "" {
		return evt.WebhookID
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Process runs one delivery through the state machine. It returns an error
// only for transport-class failures (signature, malformed envelope); every
// other outcome, including handler failures, is acknowledged via Result.
func (p *Pipeline) Process(ctx context.Context, body []byte, signature string) (Result, error) {
	start := p.now()
	if !VerifySignature(p.secret, body, signature) {
		return Result{}, ErrBadSignature
	}
	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return Result{}, ErrMalformedPayload
	}
	if evt.Type == "" {
		return Result{}, ErrMalformedPayload
	}

	eventID := EventID(evt, body)
	tenantID := p.resolveTenant(ctx, evt.LocationID)
	res := Result{
		EventID:    eventID,
		EventType:  evt.Type,
		LocationID: evt.LocationID,
	}

	claimed := true
	err := p.events.Insert(ctx, store.WebhookEventRecord{
		EventID:    eventID,
		TenantID:   tenantID,
		LocationID: evt.LocationID,
		EventType:  evt.Type,
		Payload:    body,
		ReceivedAt: start,
	})
	switch {
	case errors.Is(err, store.ErrConflict):
		res.Action = ActionSkippedDuplicate
		res.Duration = p.now().Sub(start)
		obs.ObserveWebhookEvent(evt.Type, res.Action)
		return res, nil
	case err != nil:
		claimed = false
		res.Err = err
	}

	if res.Err == nil {
		if handler, ok := p.handlers[evt.Type]; ok {
			res.EntityID, res.Err = handler(ctx, tenantID, evt, body)
			if res.Err == nil {
				res.Action = ActionProcessed
			}
		} else {
			res.Action = ActionUnhandled
		}
	}
	if res.Err != nil {
		res.Action = ActionFailed
		logs.Logger.WithError(res.Err).WithField("event_type", evt.Type).Warn("webhook handler failed")
	}

	if claimed {
		errMsg := ""
		if res.Err != nil {
			errMsg = res.Err.Error()
		}
		if err := p.events.MarkProcessed(ctx, eventID, evt.LocationID, p.now(), errMsg); err != nil {
			logs.Logger.WithError(err).Warn("finalize webhook ledger row")
		}
	}

	res.Duration = p.now().Sub(start)
	obs.ObserveWebhookEvent(evt.Type, res.Action)
	return res, nil
}
