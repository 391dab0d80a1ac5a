package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tenantgate.org/internal/auth"
)

type permissionStore struct{ db *sql.DB }

func scanPermission(row interface{ Scan(...any) error }) (auth.Permission, error) {
	var (
		p       auth.Permission
		deleted sql.NullTime
	)
	err := row.Scan(&p.ID, &p.FunctionName, &p.Level, &p.ApplicationID, &p.Label, &deleted, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Permission{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Permission{}, err
	}
	p.DeletedAt = timePtr(deleted)
	return p, nil
}

func (s permissionStore) Create(ctx context.Context, p auth.Permission) (auth.Permission, error) {
	row := s.db.QueryRowContext(ctx, `
		insert into permissions (id, function_name, level, application_id, label, created_at)
		values ($1, $2, $3, $4, $5, $6)
		returning id, function_name, level, application_id, label, deleted_at, created_at
	`, p.ID, p.FunctionName, p.Level, p.ApplicationID, p.Label, p.CreatedAt)
	created, err := scanPermission(row)
	if err != nil {
		return auth.Permission{}, mapWriteError(err)
	}
	return created, nil
}

func (s permissionStore) Find(ctx context.Context, id string) (auth.Permission, error) {
	return scanPermission(s.db.QueryRowContext(ctx, `
		select id, function_name, level, application_id, label, deleted_at, created_at
		from permissions
		where id = $1
	`, id))
}

func (s permissionStore) List(ctx context.Context, applicationID string) ([]auth.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, function_name, level, application_id, label, deleted_at, created_at
		from permissions
		where deleted_at is null and ($1 = '' or application_id = $1)
		order by function_name, level
	`, applicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type grantStore struct{ db *sql.DB }

func scanGrant(row interface{ Scan(...any) error }, extra ...any) (auth.Grant, error) {
	var (
		g  auth.Grant
		by sql.NullString
	)
	dest := append([]any{&g.ID, &g.UserID, &g.PermissionID, &g.Granted, &by, &g.CreatedAt, &g.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return auth.Grant{}, err
	}
	g.GrantedBy = by.String
	return g, nil
}

func (s grantStore) Upsert(ctx context.Context, g auth.Grant, now time.Time) (auth.Grant, error) {
	row := s.db.QueryRowContext(ctx, `
		insert into user_permissions (id, user_id, permission_id, granted, granted_by, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $6)
		on conflict (user_id, permission_id) do update
		set granted = excluded.granted,
		    granted_by = excluded.granted_by,
		    deleted_at = null,
		    updated_at = excluded.updated_at
		returning id, user_id, permission_id, granted, granted_by, created_at, updated_at
	`, g.ID, g.UserID, g.PermissionID, g.Granted, nullIfEmpty(g.GrantedBy), now)
	out, err := scanGrant(row)
	if err != nil {
		return auth.Grant{}, mapWriteError(err)
	}
	return out, nil
}

func (s grantStore) Matching(ctx context.Context, userID, functionName, level string) ([]auth.Grant, error) {
	rows, err := s.db.QueryContext(ctx, `
		select g.id, g.user_id, g.permission_id, g.granted, g.granted_by, g.created_at, g.updated_at
		from user_permissions g
		join permissions p on p.id = g.permission_id
		where g.user_id = $1
		  and g.deleted_at is null
		  and p.deleted_at is null
		  and p.function_name = $2
		  and p.level = $3
	`, userID, functionName, level)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, g)
	}
	return result, rows.Err()
}

func (s grantStore) ListByUser(ctx context.Context, userID string) ([]auth.GrantView, error) {
	rows, err := s.db.QueryContext(ctx, `
		select g.id, g.user_id, g.permission_id, g.granted, g.granted_by, g.created_at, g.updated_at,
		       p.function_name, p.level, p.application_id
		from user_permissions g
		join permissions p on p.id = g.permission_id
		where g.user_id = $1 and g.deleted_at is null and p.deleted_at is null
		order by g.created_at, g.id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.GrantView
	for rows.Next() {
		var v auth.GrantView
		g, err := scanGrant(rows, &v.FunctionName, &v.Level, &v.ApplicationID)
		if err != nil {
			return nil, err
		}
		v.Grant = g
		result = append(result, v)
	}
	return result, rows.Err()
}
