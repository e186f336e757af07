package mapper

import (
	"encoding/json"
	"fmt"

	"crmbridge.io/internal/store"
)

// Error describes a payload the mapper could not translate.
type Error struct {
	EntityType store.EntityType
	Reason     string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mapper: %s: %s: %v", e.EntityType, e.Reason, e.Err)
	}
	return fmt.Sprintf("mapper: %s: %s", e.EntityType, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Per-entity translation table: upstream key → canonical field name.
// assignedKey names the upstream ownership field when the entity has one.
type schema struct {
	assignedKey string
	fields      map[string]string
}

var schemas = map[store.EntityType]schema{
	store.EntityContacts: {
		assignedKey: "assignedTo",
		fields: map[string]string{
			"firstName":   "first_name",
			"lastName":    "last_name",
			"email":       "email",
			"phone":       "phone",
			"companyName": "company_name",
			"tags":        "tags",
			"source":      "source",
			"dnd":         "dnd",
			"country":     "country",
			"dateAdded":   "date_added",
			"dateUpdated": "date_updated",
		},
	},
	store.EntityOpportunities: {
		assignedKey: "assignedTo",
		fields: map[string]string{
			"name":            "name",
			"monetaryValue":   "monetary_value",
			"pipelineId":      "pipeline_id",
			"pipelineStageId": "pipeline_stage_id",
			"status":          "status",
			"contactId":       "contact_id",
			"source":          "source",
			"createdAt":       "created_at",
			"updatedAt":       "updated_at",
		},
	},
	store.EntityAppointments: {
		assignedKey: "assignedUserId",
		fields: map[string]string{
			"title":             "title",
			"calendarId":        "calendar_id",
			"contactId":         "contact_id",
			"startTime":         "start_time",
			"endTime":           "end_time",
			"appointmentStatus": "status",
			"address":           "address",
			"notes":             "notes",
		},
	},
	store.EntityCalendars: {
		fields: map[string]string{
			"name":         "name",
			"description":  "description",
			"slug":         "slug",
			"slotDuration": "slot_duration",
			"isActive":     "is_active",
		},
	},
	store.EntityPipelines: {
		fields: map[string]string{
			"name":         "name",
			"stages":       "stages",
			"showInFunnel": "show_in_funnel",
		},
	},
	store.EntityUsers: {
		fields: map[string]string{
			"firstName":   "first_name",
			"lastName":    "last_name",
			"name":        "name",
			"email":       "email",
			"phone":       "phone",
			"roles":       "roles",
			"permissions": "permissions",
		},
	},
	store.EntityInvoices: {
		fields: map[string]string{
			"invoiceNumber":  "invoice_number",
			"name":           "name",
			"status":         "status",
			"total":          "total",
			"currency":       "currency",
			"contactDetails": "contact_details",
			"issueDate":      "issue_date",
			"dueDate":        "due_date",
		},
	},
	store.EntityConversations: {
		fields: map[string]string{
			"contactId":       "contact_id",
			"type":            "type",
			"unreadCount":     "unread_count",
			"lastMessageBody": "last_message_body",
			"lastMessageType": "last_message_type",
		},
	},
	store.EntityLocation: {
		fields: map[string]string{
			"name":       "name",
			"address":    "address",
			"city":       "city",
			"state":      "state",
			"country":    "country",
			"postalCode": "postal_code",
			"website":    "website",
			"timezone":   "timezone",
			"phone":      "phone",
			"email":      "email",
			"companyId":  "company_id",
		},
	},
}

// MapRecord translates one upstream object into the local row shape.
// Recognized keys land in Fields under canonical names; everything else is
// preserved untouched in Extra so round-trips lose nothing.
func MapRecord(et store.EntityType, tenantID, locationID string, payload []byte) (store.Record, error) {
	sc, ok := schemas[et]
	if !ok {
		return store.Record{}, &Error{EntityType: et, Reason: "unknown entity type"}
	}
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return store.Record{}, &Error{EntityType: et, Reason: "decode payload", Err: err}
	}

	id := stringField(raw, "id")
	if id == "" {
		// Some upstream resources key on _id instead.
		id = stringField(raw, "_id")
	}
	if id == "" {
		return store.Record{}, &Error{EntityType: et, Reason: "missing id"}
	}

	rec := store.Record{
		EntityType: et,
		ID:         id,
		TenantID:   tenantID,
		LocationID: locationID,
	}
	if loc := stringField(raw, "locationId"); loc != "" {
		rec.LocationID = loc
	}
	if sc.assignedKey != "" {
		rec.AssignedTo = stringField(raw, sc.assignedKey)
	}

	consumed := map[string]bool{"id": true, "_id": true, "locationId": true}
	if sc.assignedKey != "" {
		consumed[sc.assignedKey] = true
	}
	for upstream, canonical := range sc.fields {
		if v, ok := raw[upstream]; ok {
			if rec.Fields == nil {
				rec.Fields = make(map[string]any)
			}
			rec.Fields[canonical] = v
			consumed[upstream] = true
		}
	}
	for k, v := range raw {
		if consumed[k] {
			continue
		}
		if rec.Extra == nil {
			rec.Extra = make(map[string]any)
		}
		rec.Extra[k] = v
	}
	return rec, nil
}

func stringField(raw map[string]any, key string) string {
	v, ok := raw[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
