package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"crmbridge.io/internal/ids"
	"crmbridge.io/internal/store"
)

type logStore struct{ db *sql.DB }

func (s logStore) Append(ctx context.Context, entry store.SyncLogEntry) (store.SyncLogEntry, error) {
	if entry.LocationID == "" || entry.EntityType == "" {
		return store.SyncLogEntry{}, store.ErrInvalidInput
	}
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	payload := []byte(entry.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into sync_logs (id, location_id, entity_type, entity_id, action, payload, source, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.LocationID, entry.EntityType, entry.EntityID, entry.Action, payload, entry.Source, entry.CreatedAt)
	if err != nil {
		return store.SyncLogEntry{}, err
	}
	return entry, nil
}

func (s logStore) List(ctx context.Context, locationID string, limit int) ([]store.SyncLogEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var (
		where string
		args  []any
		idx   = 1
	)
	if locationID != "" {
		where = fmt.Sprintf(" where location_id = $%d", idx)
		args = append(args, locationID)
		idx++
	}
	query := fmt.Sprintf(`
		select id, location_id, entity_type, entity_id, action, payload, source, created_at
		from sync_logs%s
		order by created_at desc
		limit $%d
	`, where, idx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []store.SyncLogEntry
	for rows.Next() {
		var entry store.SyncLogEntry
		var payload []byte
		if err := rows.Scan(&entry.ID, &entry.LocationID, &entry.EntityType, &entry.EntityID,
			&entry.Action, &payload, &entry.Source, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Payload = payload
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
