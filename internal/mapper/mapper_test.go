package mapper

import (
	"errors"
	"testing"

	"crmbridge.io/internal/store"
)

func TestMapContact(t *testing.T) {
	payload := []byte(`{
		"id": "con-1",
		"locationId": "loc-9",
		"firstName": "Ada",
		"lastName": "Lovelace",
		"email": "ada@example.com",
		"assignedTo": "user-3",
		"tags": ["vip"],
		"customFields": [{"id": "cf-1", "value": "gold"}]
	}`)
	rec, err := MapRecord(store.EntityContacts, "t1", "loc-fallback", payload)
	if err != nil {
		t.Fatalf("MapRecord: %v", err)
	}
	if rec.ID != "con-1" || rec.TenantID != "t1" {
		t.Fatalf("identity = %+v", rec)
	}
	if rec.LocationID != "loc-9" {
		t.Fatalf("locationId = %q, payload value must win", rec.LocationID)
	}
	if rec.AssignedTo != "user-3" {
		t.Fatalf("assignedTo = %q", rec.AssignedTo)
	}
	if rec.Fields["first_name"] != "Ada" || rec.Fields["email"] != "ada@example.com" {
		t.Fatalf("fields = %+v", rec.Fields)
	}
	if _, ok := rec.Extra["customFields"]; !ok {
		t.Fatalf("unrecognized key not preserved in extra: %+v", rec.Extra)
	}
	if _, ok := rec.Extra["firstName"]; ok {
		t.Fatalf("mapped key duplicated into extra")
	}
}

func TestMapUsesFallbackLocation(t *testing.T) {
	rec, err := MapRecord(store.EntityCalendars, "t1", "loc-7", []byte(`{"id":"cal-1","name":"Demos"}`))
	if err != nil {
		t.Fatalf("MapRecord: %v", err)
	}
	if rec.LocationID != "loc-7" {
		t.Fatalf("locationId = %q, want fallback", rec.LocationID)
	}
	if rec.AssignedTo != "" {
		t.Fatalf("calendars have no ownership, got %q", rec.AssignedTo)
	}
}

func TestMapInvoiceUnderscoreID(t *testing.T) {
	rec, err := MapRecord(store.EntityInvoices, "t1", "loc-1", []byte(`{"_id":"inv-1","status":"sent","total":125.5}`))
	if err != nil {
		t.Fatalf("MapRecord: %v", err)
	}
	if rec.ID != "inv-1" {
		t.Fatalf("id = %q, want _id fallback", rec.ID)
	}
	if rec.Fields["total"] != 125.5 {
		t.Fatalf("fields = %+v", rec.Fields)
	}
}

func TestMapAppointmentOwnership(t *testing.T) {
	rec, err := MapRecord(store.EntityAppointments, "t1", "loc-1", []byte(`{
		"id":"apt-1","assignedUserId":"user-5","appointmentStatus":"confirmed","startTime":"2025-06-01T10:00:00Z"
	}`))
	if err != nil {
		t.Fatalf("MapRecord: %v", err)
	}
	if rec.AssignedTo != "user-5" {
		t.Fatalf("assignedTo = %q", rec.AssignedTo)
	}
	if rec.Fields["status"] != "confirmed" {
		t.Fatalf("appointmentStatus not canonicalized: %+v", rec.Fields)
	}
}

func TestMapErrors(t *testing.T) {
	var mapErr *Error

	_, err := MapRecord(store.EntityContacts, "t1", "loc-1", []byte(`{"firstName":"NoID"}`))
	if !errors.As(err, &mapErr) || mapErr.Reason != "missing id" {
		t.Fatalf("err = %v, want missing id", err)
	}

	_, err = MapRecord(store.EntityContacts, "t1", "loc-1", []byte(`not json`))
	if !errors.As(err, &mapErr) || mapErr.Unwrap() == nil {
		t.Fatalf("err = %v, want decode error with cause", err)
	}

	_, err = MapRecord(store.EntityType("widgets"), "t1", "loc-1", []byte(`{"id":"w-1"}`))
	if !errors.As(err, &mapErr) || mapErr.Reason != "unknown entity type" {
		t.Fatalf("err = %v, want unknown entity type", err)
	}
}
