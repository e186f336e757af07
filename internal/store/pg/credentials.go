package pg

import (
	"context"
	"database/sql"
	"errors"

	"crmbridge.io/internal/store"
)

type credStore struct{ db *sql.DB }

const credColumns = `id, tenant_id, location_id, company_id, access_token, refresh_token, token_type, expires_at, scopes, user_type, is_valid, last_refreshed_at, created_at`

func scanCredential(row rowScanner) (store.OAuthCredential, error) {
	var cred store.OAuthCredential
	var scopes []byte
	if err := row.Scan(&cred.ID, &cred.TenantID, &cred.LocationID, &cred.CompanyID,
		&cred.AccessToken, &cred.RefreshToken, &cred.TokenType, &cred.ExpiresAt,
		&scopes, &cred.UserType, &cred.IsValid, &cred.LastRefreshedAt, &cred.CreatedAt); err != nil {
		return store.OAuthCredential{}, err
	}
	list, err := decodeStrings(scopes)
	if err != nil {
		return store.OAuthCredential{}, err
	}
	cred.Scopes = list
	return cred, nil
}

func (s credStore) Save(ctx context.Context, cred store.OAuthCredential) error {
	if cred.ID == "" || cred.TenantID == "" {
		return store.ErrInvalidInput
	}
	scopes, err := encodeStrings(cred.Scopes)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if cred.IsValid {
		if _, err := tx.ExecContext(ctx, `
			update oauth_credentials set is_valid = false
			where tenant_id = $1 and location_id = $2 and is_valid and id <> $3
		`, cred.TenantID, cred.LocationID, cred.ID); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `
		insert into oauth_credentials
			(id, tenant_id, location_id, company_id, access_token, refresh_token,
			 token_type, expires_at, scopes, user_type, is_valid, last_refreshed_at, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		on conflict (id) do update set
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_type = excluded.token_type,
			expires_at = excluded.expires_at,
			scopes = excluded.scopes,
			user_type = excluded.user_type,
			is_valid = excluded.is_valid,
			last_refreshed_at = excluded.last_refreshed_at
	`, cred.ID, cred.TenantID, cred.LocationID, cred.CompanyID, cred.AccessToken, cred.RefreshToken,
		cred.TokenType, cred.ExpiresAt, scopes, cred.UserType, cred.IsValid, cred.LastRefreshedAt, cred.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (s credStore) GetValid(ctx context.Context, tenantID, locationID string) (store.OAuthCredential, error) {
	cred, err := scanCredential(s.db.QueryRowContext(ctx, `
		select `+credColumns+`
		from oauth_credentials
		where tenant_id = $1 and is_valid and (location_id = $2 or location_id = '')
		order by (location_id = $2) desc, created_at desc
		limit 1
	`, tenantID, locationID))
	if errors.Is(err, sql.ErrNoRows) {
		return store.OAuthCredential{}, store.ErrNotFound
	}
	return cred, err
}

func (s credStore) GetByID(ctx context.Context, id string) (store.OAuthCredential, error) {
	cred, err := scanCredential(s.db.QueryRowContext(ctx, `
		select `+credColumns+` from oauth_credentials where id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return store.OAuthCredential{}, store.ErrNotFound
	}
	return cred, err
}

func (s credStore) Invalidate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `update oauth_credentials set is_valid = false where id = $1`, id)
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

func (s credStore) InvalidateScope(ctx context.Context, tenantID, locationID string) error {
	_, err := s.db.ExecContext(ctx, `
		update oauth_credentials set is_valid = false
		where tenant_id = $1 and location_id = $2 and is_valid
	`, tenantID, locationID)
	return err
}
