package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"crmbridge.io/internal/store"
)

type stateStore struct{ db *sql.DB }

const stateColumns = `tenant_id, location_id, entity_type, status, last_sync_at, next_sync_at, records_synced, error_message, updated_at`

func scanSyncState(row rowScanner) (store.SyncState, error) {
	var st store.SyncState
	var last sql.NullTime
	if err := row.Scan(&st.TenantID, &st.LocationID, &st.EntityType, &st.Status,
		&last, &st.NextSyncAt, &st.RecordsSynced, &st.ErrorMessage, &st.UpdatedAt); err != nil {
		return store.SyncState{}, err
	}
	if last.Valid {
		t := last.Time
		st.LastSyncAt = &t
	}
	return st, nil
}

func (s stateStore) Upsert(ctx context.Context, st store.SyncState) error {
	if st.TenantID == "" || st.LocationID == "" || st.EntityType == "" {
		return store.ErrInvalidInput
	}
	if st.Status == "" {
		st.Status = store.SyncIdle
	}
	var last sql.NullTime
	if st.LastSyncAt != nil {
		last = sql.NullTime{Time: *st.LastSyncAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		insert into sync_states
			(tenant_id, location_id, entity_type, status, last_sync_at, next_sync_at, records_synced, error_message, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,now())
		on conflict (tenant_id, location_id, entity_type) do update set
			status = excluded.status,
			last_sync_at = excluded.last_sync_at,
			next_sync_at = excluded.next_sync_at,
			records_synced = excluded.records_synced,
			error_message = excluded.error_message,
			updated_at = now()
	`, st.TenantID, st.LocationID, st.EntityType, st.Status, last, st.NextSyncAt, st.RecordsSynced, st.ErrorMessage)
	return err
}

func (s stateStore) Get(ctx context.Context, tenantID, locationID string, et store.EntityType) (store.SyncState, error) {
	st, err := scanSyncState(s.db.QueryRowContext(ctx, `
		select `+stateColumns+` from sync_states
		where tenant_id = $1 and location_id = $2 and entity_type = $3
	`, tenantID, locationID, et))
	if errors.Is(err, sql.ErrNoRows) {
		return store.SyncState{}, store.ErrNotFound
	}
	return st, err
}

func (s stateStore) Due(ctx context.Context, now time.Time, limit int) ([]store.SyncState, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+stateColumns+` from sync_states
		where status <> 'syncing' and next_sync_at <= $1
		order by next_sync_at asc
		limit $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []store.SyncState
	for rows.Next() {
		st, err := scanSyncState(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return due, nil
}

func (s stateStore) MarkSyncing(ctx context.Context, tenantID, locationID string, et store.EntityType) error {
	res, err := s.db.ExecContext(ctx, `
		update sync_states set status = 'syncing', error_message = '', updated_at = now()
		where tenant_id = $1 and location_id = $2 and entity_type = $3 and status <> 'syncing'
	`, tenantID, locationID, et)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `
		select status from sync_states
		where tenant_id = $1 and location_id = $2 and entity_type = $3
	`, tenantID, locationID, et).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return store.ErrConflict
}

func (s stateStore) Complete(ctx context.Context, tenantID, locationID string, et store.EntityType, records int, lastSyncAt, nextSyncAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update sync_states set
			status = 'idle',
			last_sync_at = $4,
			next_sync_at = $5,
			records_synced = $6,
			error_message = '',
			updated_at = now()
		where tenant_id = $1 and location_id = $2 and entity_type = $3
	`, tenantID, locationID, et, lastSyncAt, nextSyncAt, records)
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

func (s stateStore) Fail(ctx context.Context, tenantID, locationID string, et store.EntityType, msg string) error {
	res, err := s.db.ExecContext(ctx, `
		update sync_states set status = 'error', error_message = $4, updated_at = now()
		where tenant_id = $1 and location_id = $2 and entity_type = $3
	`, tenantID, locationID, et, msg)
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
