package pg

import (
	"context"
	"database/sql"
	"errors"

	"tenantgate.org/internal/auth"
)

const userColumns = `id, tenant_id, email, name, password_hash, tier, first_login, active, deleted_at, created_at, updated_at`

type userStore struct{ db *sql.DB }

func scanUser(row interface{ Scan(...any) error }) (auth.User, error) {
	var (
		u       auth.User
		tenant  sql.NullString
		tier    string
		deleted sql.NullTime
	)
	err := row.Scan(&u.ID, &tenant, &u.Email, &u.Name, &u.PasswordHash, &tier,
		&u.FirstLogin, &u.Active, &deleted, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.User{}, err
	}
	u.TenantID = tenant.String
	u.Tier = auth.Tier(tier)
	u.DeletedAt = timePtr(deleted)
	return u, nil
}

func (s userStore) Find(ctx context.Context, id string) (auth.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id = $1`, id))
}

func (s userStore) FindByEmail(ctx context.Context, email string) (auth.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where lower(email) = lower($1)`, email))
}

func (s userStore) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	return s.exec(ctx, `
		update users set password_hash = $2, updated_at = now()
		where id = $1 and deleted_at is null
	`, userID, passwordHash)
}

func (s userStore) Activate(ctx context.Context, userID, passwordHash string) error {
	return s.exec(ctx, `
		update users set password_hash = $2, first_login = false, updated_at = now()
		where id = $1 and deleted_at is null
	`, userID, passwordHash)
}

func (s userStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}

type tenantStore struct{ db *sql.DB }

func (s tenantStore) Find(ctx context.Context, id string) (auth.Tenant, error) {
	var (
		t       auth.Tenant
		deleted sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, name, active, deleted_at
		from tenants
		where id = $1
	`, id).Scan(&t.ID, &t.Name, &t.Active, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Tenant{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Tenant{}, err
	}
	t.DeletedAt = timePtr(deleted)
	return t, nil
}
