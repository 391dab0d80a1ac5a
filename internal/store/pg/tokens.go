package pg

import (
	"context"
	"database/sql"
	"errors"

	"tenantgate.org/internal/auth"
)

type refreshStore struct{ db *sql.DB }

func (s refreshStore) Replace(ctx context.Context, tok auth.RefreshToken) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `delete from refresh_tokens where user_id = $1`, tok.UserID); err != nil {
			return err
		}
		return insertRefresh(ctx, tx, tok)
	})
}

func (s refreshStore) Rotate(ctx context.Context, oldHash string, tok auth.RefreshToken) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`delete from refresh_tokens where token_hash = $1 and user_id = $2`, oldHash, tok.UserID)
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
		if _, err := tx.ExecContext(ctx, `delete from refresh_tokens where user_id = $1`, tok.UserID); err != nil {
			return err
		}
		return insertRefresh(ctx, tx, tok)
	})
}

func insertRefresh(ctx context.Context, tx *sql.Tx, tok auth.RefreshToken) error {
	_, err := tx.ExecContext(ctx, `
		insert into refresh_tokens (id, user_id, token_hash, issued_at, expires_at)
		values ($1, $2, $3, $4, $5)
	`, tok.ID, tok.UserID, tok.TokenHash, tok.IssuedAt, tok.ExpiresAt)
	return mapWriteError(err)
}

func (s refreshStore) FindByHash(ctx context.Context, tokenHash string) (auth.RefreshToken, error) {
	var (
		t       auth.RefreshToken
		revoked sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, token_hash, issued_at, expires_at, revoked_at
		from refresh_tokens
		where token_hash = $1
	`, tokenHash).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.IssuedAt, &t.ExpiresAt, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.RefreshToken{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.RefreshToken{}, err
	}
	t.RevokedAt = timePtr(revoked)
	return t, nil
}

func (s refreshStore) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	return execAffected(ctx, s.db, `delete from refresh_tokens where user_id = $1`, userID)
}

type recoveryStore struct{ db *sql.DB }

const recoveryColumns = `id, user_id, token_hash, code_hash, purpose, expires_at, created_at`

func scanRecovery(row *sql.Row) (auth.RecoveryToken, error) {
	var (
		t       auth.RecoveryToken
		purpose string
	)
	err := row.Scan(&t.ID, &t.UserID, &t.TokenHash, &t.CodeHash, &purpose, &t.ExpiresAt, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.RecoveryToken{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.RecoveryToken{}, err
	}
	t.Purpose = auth.RecoveryPurpose(purpose)
	return t, nil
}

func (s recoveryStore) Create(ctx context.Context, tok auth.RecoveryToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into recovery_tokens (`+recoveryColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, tok.ID, tok.UserID, tok.TokenHash, tok.CodeHash, string(tok.Purpose), tok.ExpiresAt, tok.CreatedAt)
	return mapWriteError(err)
}

func (s recoveryStore) FindByHash(ctx context.Context, tokenHash string) (auth.RecoveryToken, error) {
	return scanRecovery(s.db.QueryRowContext(ctx,
		`select `+recoveryColumns+` from recovery_tokens where token_hash = $1`, tokenHash))
}

func (s recoveryStore) FindByUser(ctx context.Context, userID string) (auth.RecoveryToken, error) {
	return scanRecovery(s.db.QueryRowContext(ctx,
		`select `+recoveryColumns+` from recovery_tokens where user_id = $1 order by created_at desc limit 1`, userID))
}

func (s recoveryStore) Delete(ctx context.Context, id string) (int64, error) {
	return execAffected(ctx, s.db, `delete from recovery_tokens where id = $1`, id)
}

func (s recoveryStore) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	return execAffected(ctx, s.db, `delete from recovery_tokens where user_id = $1`, userID)
}

func execAffected(ctx context.Context, db *sql.DB, query string, args ...any) (int64, error) {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
