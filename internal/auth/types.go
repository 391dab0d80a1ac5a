package auth

import (
	"fmt"
	"strings"
	"time"
)

// Tier is the coarse role of a principal.
type Tier string

const (
	TierRoot  Tier = "root"
	TierAdmin Tier = "admin"
	TierUser  Tier = "user"
)

// ParseTier normalizes s into a known tier.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(strings.ToLower(strings.TrimSpace(s))); t {
	case TierRoot, TierAdmin, TierUser:
		return t, nil
	default:
		return "", fmt.Errorf("%w: unknown tier %q", ErrInvalidInput, s)
	}
}

// Tenant is the scoping unit principals belong to. Its lifecycle is owned elsewhere.
type Tenant struct {
	ID        string
	Name      string
	Active    bool
	DeletedAt *time.Time
}

// Usable reports whether principals of the tenant may authenticate.
func (t Tenant) Usable() bool {
	return t.Active && t.DeletedAt == nil
}

// User is a principal record as held by the store of record.
type User struct {
	ID           string
	TenantID     string
	Email        string
	Name         string
	PasswordHash string
	Tier         Tier
	FirstLogin   bool
	Active       bool
	DeletedAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Validate checks the tier/tenant invariant.
func (u User) Validate() error {
	switch u.Tier {
	case TierRoot:
		if u.TenantID != "" {
			return fmt.Errorf("%w: root principal cannot belong to a tenant", ErrInvalidInput)
		}
	case TierAdmin, TierUser:
		if u.TenantID == "" {
			return fmt.Errorf("%w: %s principal requires a tenant", ErrInvalidInput, u.Tier)
		}
	default:
		return fmt.Errorf("%w: unknown tier %q", ErrInvalidInput, u.Tier)
	}
	return nil
}

// Deleted reports whether the user has been soft-deleted.
func (u User) Deleted() bool { return u.DeletedAt != nil }

// SafeView strips credential material from the record.
func (u User) SafeView() UserView {
	return UserView{
		ID:         u.ID,
		TenantID:   u.TenantID,
		Email:      u.Email,
		Name:       u.Name,
		Tier:       u.Tier,
		FirstLogin: u.FirstLogin,
		Active:     u.Active,
	}
}

// UserView is the principal representation safe to hand to clients.
type UserView struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenantId,omitempty"`
	Email      string `json:"email"`
	Name       string `json:"name,omitempty"`
	Tier       Tier   `json:"tier"`
	FirstLogin bool   `json:"firstLogin"`
	Active     bool   `json:"active"`
}

// RefreshToken is the persisted record backing a refresh JWT.
type RefreshToken struct {
	ID        string
	UserID    string
	TokenHash string
	IssuedAt  time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// Live reports whether the record can still back a refresh at now.
func (t RefreshToken) Live(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// RecoveryPurpose distinguishes password reset from first-login activation.
type RecoveryPurpose string

const (
	PurposeReset      RecoveryPurpose = "reset"
	PurposeActivation RecoveryPurpose = "activation"
)

// RecoveryToken is a single-use, time-boxed credential reset artifact. Only
// digests of the URL token and the numeric code are persisted.
type RecoveryToken struct {
	ID        string
	UserID    string
	TokenHash string
	CodeHash  string
	Purpose   RecoveryPurpose
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Permission is a function-level capability within an application.
type Permission struct {
	ID            string     `json:"id"`
	FunctionName  string     `json:"functionName"`
	Level         string     `json:"level"`
	ApplicationID string     `json:"applicationId"`
	Label         string     `json:"label"`
	DeletedAt     *time.Time `json:"-"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// Grant links a user-tier principal to a permission.
type Grant struct {
	ID           string     `json:"id"`
	UserID       string     `json:"userId"`
	PermissionID string     `json:"permissionId"`
	Granted      bool       `json:"granted"`
	GrantedBy    string     `json:"grantedBy,omitempty"`
	DeletedAt    *time.Time `json:"-"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// GrantView joins a grant with the permission it references.
type GrantView struct {
	Grant
	FunctionName  string `json:"functionName"`
	Level         string `json:"level"`
	ApplicationID string `json:"applicationId"`
}

// Attempt is the throttle state of one identity key.
type Attempt struct {
	Count        int
	LastAttempt  time.Time
	BlockedUntil time.Time
}

// Blocked reports whether the key is still locked out at now.
func (a Attempt) Blocked(now time.Time) bool {
	return !a.BlockedUntil.IsZero() && now.Before(a.BlockedUntil)
}

// Expired reports whether the artifact can no longer be consumed at now.
func (t RecoveryToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
