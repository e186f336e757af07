package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"crmbridge.io/internal/store"
)

type eventStore struct{ db *sql.DB }

func (s eventStore) Insert(ctx context.Context, rec store.WebhookEventRecord) error {
	if rec.EventID == "" {
		return store.ErrInvalidInput
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}
	payload := []byte(rec.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into webhook_events
			(event_id, location_id, tenant_id, event_type, payload, processed, error_message, received_at)
		values ($1,$2,$3,$4,$5,false,'',$6)
	`, rec.EventID, rec.LocationID, rec.TenantID, rec.EventType, payload, rec.ReceivedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s eventStore) Get(ctx context.Context, eventID, locationID string) (store.WebhookEventRecord, error) {
	var rec store.WebhookEventRecord
	var payload []byte
	var processedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		select event_id, location_id, tenant_id, event_type, payload, processed, processed_at, error_message, received_at
		from webhook_events
		where event_id = $1 and location_id = $2
	`, eventID, locationID).Scan(&rec.EventID, &rec.LocationID, &rec.TenantID, &rec.EventType,
		&payload, &rec.Processed, &processedAt, &rec.ErrorMessage, &rec.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.WebhookEventRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.WebhookEventRecord{}, err
	}
	rec.Payload = payload
	if processedAt.Valid {
		t := processedAt.Time
		rec.ProcessedAt = &t
	}
	return rec, nil
}

func (s eventStore) MarkProcessed(ctx context.Context, eventID, locationID string, processedAt time.Time, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		update webhook_events set processed = true, processed_at = $3, error_message = $4
		where event_id = $1 and location_id = $2
	`, eventID, locationID, processedAt, errMsg)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return store.ErrNotFound
	}
	return nil
}
