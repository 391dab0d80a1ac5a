package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
// Lookups that find nothing return ErrNotFound.
type Store interface {
	Users() UserStore
	Tenants() TenantStore
	RefreshTokens() RefreshTokenStore
	RecoveryTokens() RecoveryTokenStore
	Permissions() PermissionStore
	Grants() GrantStore
}

// UserStore manages principals.
type UserStore interface {
	Find(ctx context.Context, id string) (User, error)
	FindByEmail(ctx context.Context, email string) (User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	Activate(ctx context.Context, userID, passwordHash string) error
}

// TenantStore exposes the externally managed tenant flags.
type TenantStore interface {
	Find(ctx context.Context, id string) (Tenant, error)
}

// RefreshTokenStore manages persisted session records. A user holds at most
// one live record.
type RefreshTokenStore interface {
	// Replace deletes every record of tok.UserID and stores tok.
	Replace(ctx context.Context, tok RefreshToken) error
	// Rotate consumes the record with oldHash and replaces the user's records
	// with tok. ErrNotFound means the old record was already gone.
	Rotate(ctx context.Context, oldHash string, tok RefreshToken) error
	FindByHash(ctx context.Context, tokenHash string) (RefreshToken, error)
	DeleteByUser(ctx context.Context, userID string) (int64, error)
}

// RecoveryTokenStore manages reset and activation artifacts.
type RecoveryTokenStore interface {
	Create(ctx context.Context, tok RecoveryToken) error
	FindByHash(ctx context.Context, tokenHash string) (RecoveryToken, error)
	FindByUser(ctx context.Context, userID string) (RecoveryToken, error)
	Delete(ctx context.Context, id string) (int64, error)
	DeleteByUser(ctx context.Context, userID string) (int64, error)
}

// PermissionStore manages the permission catalog.
type PermissionStore interface {
	Create(ctx context.Context, p Permission) (Permission, error)
	Find(ctx context.Context, id string) (Permission, error)
	List(ctx context.Context, applicationID string) ([]Permission, error)
}

// GrantStore manages per-user permission grants.
type GrantStore interface {
	// Upsert sets the granted flag on the (user, permission) row, creating or
	// undeleting it as needed.
	Upsert(ctx context.Context, g Grant, now time.Time) (Grant, error)
	// Matching returns live grants of userID on live permissions with the given
	// normalized function name and level.
	Matching(ctx context.Context, userID, functionName, level string) ([]Grant, error)
	ListByUser(ctx context.Context, userID string) ([]GrantView, error)
}
