package auth

import (
	"context"
	"strconv"

	"tenantgate.org/internal/audit"
	"tenantgate.org/internal/obs"
)

// Decision is the outcome of an authorization check. Reason is for logs and
// audit only and must not be echoed to end users.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"-"`
}

func allow(reason string) Decision { return Decision{Allowed: true, Reason: reason} }
func deny(reason string) Decision  { return Decision{Allowed: false, Reason: reason} }

// EvaluatorOption configures Evaluator behavior.
type EvaluatorOption func(*Evaluator)

// WithAdminDenyOverride makes an explicit granted=false row deny an admin too.
// Off by default: admins pass every function check.
func WithAdminDenyOverride(enabled bool) EvaluatorOption {
	return func(e *Evaluator) { e.adminDenyOverride = enabled }
}

// Evaluator answers tier and grant based authorization questions.
type Evaluator struct {
	grants            GrantStore
	adminDenyOverride bool
}

// NewEvaluator builds an evaluator reading grants from store.
func NewEvaluator(grants GrantStore, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{grants: grants}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CanExecute decides whether principal may run function at level.
func (e *Evaluator) CanExecute(ctx context.Context, p Principal, function, level string) (Decision, error) {
	function, level = normalizeName(function), normalizeName(level)
	d, err := e.canExecute(ctx, p, function, level)
	if err != nil {
		return Decision{}, err
	}
	obs.AuthzDecisionsTotal.WithLabelValues(string(p.Tier), strconv.FormatBool(d.Allowed)).Inc()
	_ = audit.LogEvent(ctx, "authz.execute", map[string]any{
		"principal_id": p.ID,
		"tier":         string(p.Tier),
		"function":     function,
		"level":        level,
		"allowed":      d.Allowed,
		"reason":       d.Reason,
	})
	return d, nil
}

func (e *Evaluator) canExecute(ctx context.Context, p Principal, function, level string) (Decision, error) {
	switch p.Tier {
	case TierRoot:
		return allow("root tier"), nil
	case TierAdmin:
		if !e.adminDenyOverride {
			return allow("admin tier"), nil
		}
		grants, err := e.grants.Matching(ctx, p.ID, function, level)
		if err != nil {
			return Decision{}, err
		}
		for _, g := range grants {
			if !g.Granted {
				return deny("admin explicitly denied"), nil
			}
		}
		return allow("admin tier"), nil
	case TierUser:
		grants, err := e.grants.Matching(ctx, p.ID, function, level)
		if err != nil {
			return Decision{}, err
		}
		if len(grants) == 0 {
			return deny("no grant for function"), nil
		}
		for _, g := range grants {
			if g.Granted {
				return allow("granted"), nil
			}
		}
		return deny("grant revoked"), nil
	default:
		return deny("unknown tier"), nil
	}
}

// CanCreateUserType decides whether creator may provision a principal of
// targetTier inside targetTenant.
func (e *Evaluator) CanCreateUserType(creator Principal, targetTier Tier, targetTenant string) Decision {
	switch creator.Tier {
	case TierRoot:
		return allow("root tier")
	case TierAdmin:
		if targetTier != TierUser {
			return deny("admin may only create user tier")
		}
		if creator.TenantID == "" || targetTenant != creator.TenantID {
			return deny("cross-tenant creation")
		}
		return allow("admin within own tenant")
	default:
		return deny("tier cannot create principals")
	}
}

// CanManageUser decides whether manager may administer target.
func (e *Evaluator) CanManageUser(manager Principal, target User) Decision {
	switch manager.Tier {
	case TierRoot:
		return allow("root tier")
	case TierAdmin:
		if target.Tier == TierRoot {
			return deny("admin cannot manage root")
		}
		if manager.TenantID == "" || target.TenantID != manager.TenantID {
			return deny("cross-tenant management")
		}
		return allow("admin within own tenant")
	default:
		return deny("tier cannot manage principals")
	}
}

// CanAccessTenant decides whether principal may touch data of tenantID.
func (e *Evaluator) CanAccessTenant(p Principal, tenantID string) Decision {
	if p.Tier == TierRoot {
		return allow("root tier")
	}
	if p.TenantID != "" && p.TenantID == tenantID {
		return allow("own tenant")
	}
	return deny("foreign tenant")
}
