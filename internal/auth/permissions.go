package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tenantgate.org/internal/audit"
	"tenantgate.org/internal/ids"
)

// PermissionService manages the permission catalog and per-user grants.
type PermissionService struct {
	store     Store
	evaluator *Evaluator
	now       func() time.Time
}

// NewPermissionService wires the service to store and evaluator.
func NewPermissionService(store Store, evaluator *Evaluator) *PermissionService {
	if evaluator == nil {
		evaluator = NewEvaluator(store.Grants())
	}
	return &PermissionService{store: store, evaluator: evaluator, now: time.Now}
}

// Evaluator exposes the evaluator the service checks management rights with.
func (s *PermissionService) Evaluator() *Evaluator { return s.evaluator }

// RegisterPermission adds a catalog entry. Function and level are normalized.
func (s *PermissionService) RegisterPermission(ctx context.Context, p Permission) (Permission, error) {
	p.FunctionName = normalizeName(p.FunctionName)
	p.Level = normalizeName(p.Level)
	p.ApplicationID = strings.TrimSpace(p.ApplicationID)
	p.Label = strings.TrimSpace(p.Label)
	if p.FunctionName == "" || p.Level == "" || p.ApplicationID == "" {
		return Permission{}, fmt.Errorf("%w: function, level and application are required", ErrInvalidInput)
	}
	if p.ID == "" {
		p.ID = ids.NewAt(s.now())
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}
	return s.store.Permissions().Create(ctx, p)
}

// ListPermissions returns live catalog entries of an application.
func (s *PermissionService) ListPermissions(ctx context.Context, applicationID string) ([]Permission, error) {
	return s.store.Permissions().List(ctx, strings.TrimSpace(applicationID))
}

// Grant gives userID the permission.
func (s *PermissionService) Grant(ctx context.Context, actor Principal, userID, permissionID string) (Grant, error) {
	return s.setGrant(ctx, actor, userID, permissionID, true)
}

// Revoke flips the grant of userID on the permission to false, creating the row
// if needed so the denial is explicit.
func (s *PermissionService) Revoke(ctx context.Context, actor Principal, userID, permissionID string) (Grant, error) {
	return s.setGrant(ctx, actor, userID, permissionID, false)
}

func (s *PermissionService) setGrant(ctx context.Context, actor Principal, userID, permissionID string, granted bool) (Grant, error) {
	target, err := s.manageable(ctx, actor, userID)
	if err != nil {
		return Grant{}, err
	}
	if target.Tier != TierUser {
		return Grant{}, fmt.Errorf("%w: grants apply to user tier only", ErrInvalidInput)
	}
	perm, err := s.store.Permissions().Find(ctx, strings.TrimSpace(permissionID))
	if err != nil {
		return Grant{}, err
	}
	if perm.DeletedAt != nil {
		return Grant{}, ErrNotFound
	}
	g, err := s.store.Grants().Upsert(ctx, Grant{
		ID:           ids.NewAt(s.now()),
		UserID:       target.ID,
		PermissionID: perm.ID,
		Granted:      granted,
		GrantedBy:    actor.ID,
	}, s.now().UTC())
	if err != nil {
		return Grant{}, err
	}
	event := "permission.granted"
	if !granted {
		event = "permission.revoked"
	}
	_ = audit.LogEvent(ctx, event, map[string]any{
		"user_id":       target.ID,
		"permission_id": perm.ID,
		"function":      perm.FunctionName,
		"level":         perm.Level,
	})
	return g, nil
}

// UserGrants lists the grants held by userID.
func (s *PermissionService) UserGrants(ctx context.Context, actor Principal, userID string) ([]GrantView, error) {
	target, err := s.manageable(ctx, actor, userID)
	if err != nil {
		return nil, err
	}
	return s.store.Grants().ListByUser(ctx, target.ID)
}

func (s *PermissionService) manageable(ctx context.Context, actor Principal, userID string) (User, error) {
	target, err := s.store.Users().Find(ctx, strings.TrimSpace(userID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, ErrUserNotFound
		}
		return User{}, err
	}
	if target.Deleted() {
		return User{}, ErrUserNotFound
	}
	if d := s.evaluator.CanManageUser(actor, target); !d.Allowed {
		_ = audit.LogEvent(ctx, "authz.manage_denied", map[string]any{
			"principal_id": actor.ID,
			"target_id":    target.ID,
			"reason":       d.Reason,
		})
		return User{}, ErrForbidden
	}
	return target, nil
}
