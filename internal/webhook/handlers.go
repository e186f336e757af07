package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"crmbridge.io/internal/logs"
	"crmbridge.io/internal/mapper"
	"crmbridge.io/internal/store"
)

func actionFor(eventType string) string {
	switch {
	case strings.HasSuffix(eventType, "Create"):
		return store.ActionCreate
	case strings.HasSuffix(eventType, "Delete"):
		return store.ActionDelete
	default:
		return store.ActionUpdate
	}
}

func (p *Pipeline) upsertMapped(ctx context.Context, et store.EntityType, tenantID string, evt Event, raw []byte) (string, error) {
	rec, err := mapper.MapRecord(et, tenantID, evt.LocationID, raw)
	if err != nil {
		return "", err
	}
	if err := p.records.Upsert(ctx, rec); err != nil {
		return rec.ID, err
	}
	p.appendLog(ctx, rec.LocationID, et, rec.ID, actionFor(evt.Type), raw)
	return rec.ID, nil
}

func (p *Pipeline) handleContactUpsert(ctx context.Context, tenantID string, evt Event, raw []byte) (string, error) {
	return p.upsertMapped(ctx, store.EntityContacts, tenantID, evt, raw)
}

// Contact deletion is always a soft delete; the row keeps its history.
func (p *Pipeline) handleContactDelete(ctx context.Context, _ string, evt Event, raw []byte) (string, error) {
	if evt.ID == "" {
		return "", &mapper.Error{EntityType: store.EntityContacts, Reason: "missing id"}
	}
	err := p.records.SetDeleted(ctx, store.EntityContacts, evt.ID, true)
	if errors.Is(err, store.ErrNotFound) {
		return evt.ID, nil
	}
	if err != nil {
		return evt.ID, err
	}
	p.appendLog(ctx, evt.LocationID, store.EntityContacts, evt.ID, store.ActionDelete, raw)
	return evt.ID, nil
}

func (p *Pipeline) handleOpportunityUpsert(ctx context.Context, tenantID string, evt Event, raw []byte) (string, error) {
	return p.upsertMapped(ctx, store.EntityOpportunities, tenantID, evt, raw)
}

// Opportunity deletion removes the row entirely.
func (p *Pipeline) handleOpportunityDelete(ctx context.Context, _ string, evt Event, raw []byte) (string, error) {
	if evt.ID == "" {
		return "", &mapper.Error{EntityType: store.EntityOpportunities, Reason: "missing id"}
	}
	err := p.records.Delete(ctx, store.EntityOpportunities, evt.ID)
	if errors.Is(err, store.ErrNotFound) {
		return evt.ID, nil
	}
	if err != nil {
		return evt.ID, err
	}
	p.appendLog(ctx, evt.LocationID, store.EntityOpportunities, evt.ID, store.ActionDelete, raw)
	return evt.ID, nil
}

func (p *Pipeline) handleAppointmentUpsert(ctx context.Context, tenantID string, evt Event, raw []byte) (string, error) {
	return p.upsertMapped(ctx, store.EntityAppointments, tenantID, evt, raw)
}

func (p *Pipeline) handleAppointmentDelete(ctx context.Context, _ string, evt Event, raw []byte) (string, error) {
	if evt.ID == "" {
		return "", &mapper.Error{EntityType: store.EntityAppointments, Reason: "missing id"}
	}
	err := p.records.SetDeleted(ctx, store.EntityAppointments, evt.ID, true)
	if errors.Is(err, store.ErrNotFound) {
		return evt.ID, nil
	}
	if err != nil {
		return evt.ID, err
	}
	p.appendLog(ctx, evt.LocationID, store.EntityAppointments, evt.ID, store.ActionDelete, raw)
	return evt.ID, nil
}

// Messages fold into their conversation row: the latest message updates the
// conversation snapshot rather than storing each message separately.
func (p *Pipeline) handleMessage(ctx context.Context, tenantID string, evt Event, raw []byte) (string, error) {
	var msg struct {
		ConversationID string `json:"conversationId"`
		ContactID      string `json:"contactId"`
		Body           string `json:"body"`
		MessageType    string `json:"messageType"`
		Direction      string `json:"direction"`
		DateAdded      string `json:"dateAdded"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return "", &mapper.Error{EntityType: store.EntityConversations, Reason: "decode payload", Err: err}
	}
	if msg.ConversationID == "" {
		return "", &mapper.Error{EntityType: store.EntityConversations, Reason: "missing conversationId"}
	}
	direction := msg.Direction
	if direction == "" {
		if evt.Type == "InboundMessage" {
			direction = "inbound"
		} else {
			direction = "outbound"
		}
	}
	rec := store.Record{
		EntityType: store.EntityConversations,
		ID:         msg.ConversationID,
		TenantID:   tenantID,
		LocationID: evt.LocationID,
		Fields: map[string]any{
			"contact_id":        msg.ContactID,
			"last_message_body": msg.Body,
			"last_message_type": msg.MessageType,
			"direction":         direction,
			"date_added":        msg.DateAdded,
		},
	}
	if err := p.records.Upsert(ctx, rec); err != nil {
		return rec.ID, err
	}
	p.appendLog(ctx, evt.LocationID, store.EntityConversations, rec.ID, store.ActionUpdate, raw)
	return rec.ID, nil
}

func (p *Pipeline) handleInvoiceUpsert(ctx context.Context, tenantID string, evt Event, raw []byte) (string, error) {
	return p.upsertMapped(ctx, store.EntityInvoices, tenantID, evt, raw)
}

func (p *Pipeline) appendLog(ctx context.Context, locationID string, et store.EntityType, entityID, action string, payload []byte) {
	_, err := p.synclogs.Append(ctx, store.SyncLogEntry{
		LocationID: locationID,
		EntityType: et,
		EntityID:   entityID,
		Action:     action,
		Payload:    payload,
		Source:     store.SourceWebhook,
	})
	if err != nil {
		logs.Logger.WithError(err).Warn("append sync log")
	}
}
