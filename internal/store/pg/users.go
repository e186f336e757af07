package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"crmbridge.io/internal/ids"
	"crmbridge.io/internal/store"
)

type userStore struct{ db *sql.DB }

const userColumns = `id, tenant_id, email, password_hash, role, crm_user_id, assigned_location_ids, team_member_ids, created_at`

func scanUser(row rowScanner) (store.AppUser, error) {
	var u store.AppUser
	var assigned, team []byte
	if err := row.Scan(&u.ID, &u.TenantID, &u.Email, &u.PasswordHash, &u.Role,
		&u.CRMUserID, &assigned, &team, &u.CreatedAt); err != nil {
		return store.AppUser{}, err
	}
	var err error
	if u.AssignedLocationIDs, err = decodeStrings(assigned); err != nil {
		return store.AppUser{}, err
	}
	if u.TeamMemberIDs, err = decodeStrings(team); err != nil {
		return store.AppUser{}, err
	}
	return u, nil
}

func (s userStore) Create(ctx context.Context, u store.AppUser) error {
	if u.ID == "" || u.TenantID == "" || strings.TrimSpace(u.Email) == "" {
		return store.ErrInvalidInput
	}
	email := strings.ToLower(strings.TrimSpace(u.Email))
	assigned, err := encodeStrings(u.AssignedLocationIDs)
	if err != nil {
		return err
	}
	team, err := encodeStrings(u.TeamMemberIDs)
	if err != nil {
		return err
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		insert into app_users (id, tenant_id, email, password_hash, role, crm_user_id, assigned_location_ids, team_member_ids, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, u.ID, u.TenantID, email, u.PasswordHash, u.Role, u.CRMUserID, assigned, team, u.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return store.ErrConflict
			case pgErrForeignKeyViolation:
				return store.ErrNotFound
			}
		}
		return err
	}
	return nil
}

func (s userStore) GetByID(ctx context.Context, id string) (store.AppUser, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `
		select `+userColumns+` from app_users where id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return store.AppUser{}, store.ErrNotFound
	}
	return u, err
}

func (s userStore) GetByEmail(ctx context.Context, email string) (store.AppUser, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u, err := scanUser(s.db.QueryRowContext(ctx, `
		select `+userColumns+` from app_users where email = $1
	`, email))
	if errors.Is(err, sql.ErrNoRows) {
		return store.AppUser{}, store.ErrNotFound
	}
	return u, err
}

func (s userStore) OverridesFor(ctx context.Context, userID string) ([]store.PermissionOverride, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, entity_type, action, allowed, reason, expires_at, created_at
		from permission_overrides
		where user_id = $1
		order by created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var overrides []store.PermissionOverride
	for rows.Next() {
		var o store.PermissionOverride
		var expires sql.NullTime
		if err := rows.Scan(&o.ID, &o.UserID, &o.EntityType, &o.Action, &o.Allowed, &o.Reason, &expires, &o.CreatedAt); err != nil {
			return nil, err
		}
		if expires.Valid {
			t := expires.Time
			o.ExpiresAt = &t
		}
		overrides = append(overrides, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return overrides, nil
}

func (s userStore) SaveOverride(ctx context.Context, o store.PermissionOverride) error {
	if o.UserID == "" || o.EntityType == "" || o.Action == "" {
		return store.ErrInvalidInput
	}
	if o.ID == "" {
		o.ID = ids.New()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	var expires sql.NullTime
	if o.ExpiresAt != nil {
		expires = sql.NullTime{Time: *o.ExpiresAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		insert into permission_overrides (id, user_id, entity_type, action, allowed, reason, expires_at, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
		on conflict (user_id, entity_type, action) do update set
			allowed = excluded.allowed,
			reason = excluded.reason,
			expires_at = excluded.expires_at
	`, o.ID, o.UserID, o.EntityType, o.Action, o.Allowed, o.Reason, expires, o.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return store.ErrNotFound
		}
		return err
	}
	return nil
}
