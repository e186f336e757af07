package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"crmbridge.io/internal/store"
)

type tenantStore struct{ db *sql.DB }

func (s tenantStore) Create(ctx context.Context, t store.Tenant) error {
	if t.ID == "" {
		return store.ErrInvalidInput
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into tenants (id, name, company_id, created_at)
		values ($1,$2,$3,$4)
	`, t.ID, t.Name, t.CompanyID, t.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s tenantStore) Get(ctx context.Context, id string) (store.Tenant, error) {
	var t store.Tenant
	err := s.db.QueryRowContext(ctx, `
		select id, name, company_id, created_at from tenants where id = $1
	`, id).Scan(&t.ID, &t.Name, &t.CompanyID, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Tenant{}, store.ErrNotFound
	}
	if err != nil {
		return store.Tenant{}, err
	}
	return t, nil
}
