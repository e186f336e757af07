package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"crmbridge.io/internal/store"
)

type recordStore struct{ db *sql.DB }

func (s recordStore) Upsert(ctx context.Context, rec store.Record) error {
	if rec.ID == "" || rec.EntityType == "" {
		return store.ErrInvalidInput
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	fields, err := encodeMap(rec.Fields)
	if err != nil {
		return err
	}
	extra, err := encodeMap(rec.Extra)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into records
			(entity_type, id, tenant_id, location_id, assigned_to, fields, extra, deleted, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		on conflict (entity_type, id) do update set
			tenant_id = excluded.tenant_id,
			location_id = excluded.location_id,
			assigned_to = excluded.assigned_to,
			fields = excluded.fields,
			extra = excluded.extra,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at
	`, rec.EntityType, rec.ID, rec.TenantID, rec.LocationID, rec.AssignedTo, fields, extra, rec.Deleted, rec.UpdatedAt)
	return err
}

func scanRecord(row rowScanner) (store.Record, error) {
	var rec store.Record
	var fields, extra []byte
	if err := row.Scan(&rec.EntityType, &rec.ID, &rec.TenantID, &rec.LocationID,
		&rec.AssignedTo, &fields, &extra, &rec.Deleted, &rec.UpdatedAt); err != nil {
		return store.Record{}, err
	}
	var err error
	if rec.Fields, err = decodeMap(fields); err != nil {
		return store.Record{}, err
	}
	if rec.Extra, err = decodeMap(extra); err != nil {
		return store.Record{}, err
	}
	return rec, nil
}

func (s recordStore) Get(ctx context.Context, et store.EntityType, id string) (store.Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, `
		select entity_type, id, tenant_id, location_id, assigned_to, fields, extra, deleted, updated_at
		from records
		where entity_type = $1 and id = $2
	`, et, id))
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	return rec, err
}

func (s recordStore) List(ctx context.Context, et store.EntityType, f store.RecordFilter) ([]store.Record, error) {
	conds := []string{"entity_type = $1"}
	args := []any{et}
	idx := 2
	if !f.IncludeDeleted {
		conds = append(conds, "not deleted")
	}
	if f.TenantID != "" {
		conds = append(conds, fmt.Sprintf("tenant_id = $%d", idx))
		args = append(args, f.TenantID)
		idx++
	}
	if f.LocationID != "" {
		conds = append(conds, fmt.Sprintf("location_id = $%d", idx))
		args = append(args, f.LocationID)
		idx++
	}
	if f.AssignedTo != "" {
		conds = append(conds, fmt.Sprintf("assigned_to = $%d", idx))
		args = append(args, f.AssignedTo)
		idx++
	}
	query := fmt.Sprintf(`
		select entity_type, id, tenant_id, location_id, assigned_to, fields, extra, deleted, updated_at
		from records
		where %s
		order by id
	`, strings.Join(conds, " and "))
	if f.Limit > 0 {
		query += fmt.Sprintf(" limit $%d", idx)
		args = append(args, f.Limit)
		idx++
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" offset $%d", idx)
		args = append(args, f.Offset)
		idx++
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []store.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

func (s recordStore) SetDeleted(ctx context.Context, et store.EntityType, id string, deleted bool) error {
	res, err := s.db.ExecContext(ctx, `
		update records set deleted = $3, updated_at = now()
		where entity_type = $1 and id = $2
	`, et, id, deleted)
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

func (s recordStore) Delete(ctx context.Context, et store.EntityType, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from records where entity_type = $1 and id = $2`, et, id)
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
