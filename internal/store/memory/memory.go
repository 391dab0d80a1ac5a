// Package memory is an in-process auth.Store used for development and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/ids"
)

var _ auth.Store = (*Store)(nil)

// Store keeps every record in maps guarded by a single mutex.
type Store struct {
	mu sync.RWMutex

	users       map[string]auth.User
	tenants     map[string]auth.Tenant
	refresh     map[string]auth.RefreshToken
	recovery    map[string]auth.RecoveryToken
	permissions map[string]auth.Permission
	grants      map[string]auth.Grant

	now func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		users:       make(map[string]auth.User),
		tenants:     make(map[string]auth.Tenant),
		refresh:     make(map[string]auth.RefreshToken),
		recovery:    make(map[string]auth.RecoveryToken),
		permissions: make(map[string]auth.Permission),
		grants:      make(map[string]auth.Grant),
		now:         time.Now,
	}
}

func (s *Store) Users() auth.UserStore                   { return userStore{s} }
func (s *Store) Tenants() auth.TenantStore               { return tenantStore{s} }
func (s *Store) RefreshTokens() auth.RefreshTokenStore   { return refreshStore{s} }
func (s *Store) RecoveryTokens() auth.RecoveryTokenStore { return recoveryStore{s} }
func (s *Store) Permissions() auth.PermissionStore       { return permissionStore{s} }
func (s *Store) Grants() auth.GrantStore                 { return grantStore{s} }

// PutUser inserts or replaces a principal. Email is lower-cased.
func (s *Store) PutUser(u auth.User) (auth.User, error) {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	if err := u.Validate(); err != nil {
		return auth.User{}, err
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, other := range s.users {
		if id != u.ID && other.Email == u.Email {
			return auth.User{}, auth.ErrConflict
		}
	}
	now := s.now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	s.users[u.ID] = u
	return u, nil
}

// PutTenant inserts or replaces a tenant.
func (s *Store) PutTenant(t auth.Tenant) auth.Tenant {
	if t.ID == "" {
		t.ID = ids.New()
	}
	s.mu.Lock()
	s.tenants[t.ID] = t
	s.mu.Unlock()
	return t
}

// Users ---------------------------------------------------------------------
type userStore struct{ s *Store }

func (u userStore) Find(_ context.Context, id string) (auth.User, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	user, ok := u.s.users[id]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	return user, nil
}

func (u userStore) FindByEmail(_ context.Context, email string) (auth.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	for _, user := range u.s.users {
		if user.Email == email {
			return user, nil
		}
	}
	return auth.User{}, auth.ErrNotFound
}

func (u userStore) UpdatePassword(_ context.Context, userID, passwordHash string) error {
	return u.update(userID, func(user *auth.User) { user.PasswordHash = passwordHash })
}

func (u userStore) Activate(_ context.Context, userID, passwordHash string) error {
	return u.update(userID, func(user *auth.User) {
		user.PasswordHash = passwordHash
		user.FirstLogin = false
	})
}

func (u userStore) update(userID string, fn func(*auth.User)) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	user, ok := u.s.users[userID]
	if !ok || user.Deleted() {
		return auth.ErrNotFound
	}
	fn(&user)
	user.UpdatedAt = u.s.now().UTC()
	u.s.users[userID] = user
	return nil
}

// Tenants -------------------------------------------------------------------
type tenantStore struct{ s *Store }

func (t tenantStore) Find(_ context.Context, id string) (auth.Tenant, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	tenant, ok := t.s.tenants[id]
	if !ok {
		return auth.Tenant{}, auth.ErrNotFound
	}
	return tenant, nil
}

// Refresh tokens ------------------------------------------------------------
type refreshStore struct{ s *Store }

func (r refreshStore) Replace(_ context.Context, tok auth.RefreshToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.deleteByUserLocked(tok.UserID)
	r.s.refresh[tok.ID] = tok
	return nil
}

func (r refreshStore) Rotate(_ context.Context, oldHash string, tok auth.RefreshToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	found := false
	for id, rec := range r.s.refresh {
		if rec.TokenHash == oldHash && rec.UserID == tok.UserID {
			delete(r.s.refresh, id)
			found = true
		}
	}
	if !found {
		return auth.ErrNotFound
	}
	r.deleteByUserLocked(tok.UserID)
	r.s.refresh[tok.ID] = tok
	return nil
}

func (r refreshStore) FindByHash(_ context.Context, tokenHash string) (auth.RefreshToken, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, rec := range r.s.refresh {
		if rec.TokenHash == tokenHash {
			return rec, nil
		}
	}
	return auth.RefreshToken{}, auth.ErrNotFound
}

func (r refreshStore) DeleteByUser(_ context.Context, userID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.deleteByUserLocked(userID), nil
}

func (r refreshStore) deleteByUserLocked(userID string) int64 {
	var n int64
	for id, rec := range r.s.refresh {
		if rec.UserID == userID {
			delete(r.s.refresh, id)
			n++
		}
	}
	return n
}

// Recovery tokens -----------------------------------------------------------
type recoveryStore struct{ s *Store }

func (r recoveryStore) Create(_ context.Context, tok auth.RecoveryToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.recovery[tok.ID]; ok {
		return auth.ErrConflict
	}
	r.s.recovery[tok.ID] = tok
	return nil
}

func (r recoveryStore) FindByHash(_ context.Context, tokenHash string) (auth.RecoveryToken, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, rec := range r.s.recovery {
		if rec.TokenHash == tokenHash {
			return rec, nil
		}
	}
	return auth.RecoveryToken{}, auth.ErrNotFound
}

func (r recoveryStore) FindByUser(_ context.Context, userID string) (auth.RecoveryToken, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var (
		latest auth.RecoveryToken
		found  bool
	)
	for _, rec := range r.s.recovery {
		if rec.UserID == userID && (!found || rec.CreatedAt.After(latest.CreatedAt)) {
			latest, found = rec, true
		}
	}
	if !found {
		return auth.RecoveryToken{}, auth.ErrNotFound
	}
	return latest, nil
}

func (r recoveryStore) Delete(_ context.Context, id string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.recovery[id]; !ok {
		return 0, nil
	}
	delete(r.s.recovery, id)
	return 1, nil
}

func (r recoveryStore) DeleteByUser(_ context.Context, userID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, rec := range r.s.recovery {
		if rec.UserID == userID {
			delete(r.s.recovery, id)
			n++
		}
	}
	return n, nil
}

// Permissions ---------------------------------------------------------------
type permissionStore struct{ s *Store }

func (p permissionStore) Create(_ context.Context, perm auth.Permission) (auth.Permission, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	for _, other := range p.s.permissions {
		if other.DeletedAt == nil &&
			other.FunctionName == perm.FunctionName &&
			other.Level == perm.Level &&
			other.ApplicationID == perm.ApplicationID {
			return auth.Permission{}, auth.ErrConflict
		}
	}
	if perm.ID == "" {
		perm.ID = ids.New()
	}
	p.s.permissions[perm.ID] = perm
	return perm, nil
}

func (p permissionStore) Find(_ context.Context, id string) (auth.Permission, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	perm, ok := p.s.permissions[id]
	if !ok {
		return auth.Permission{}, auth.ErrNotFound
	}
	return perm, nil
}

func (p permissionStore) List(_ context.Context, applicationID string) ([]auth.Permission, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	var out []auth.Permission
	for _, perm := range p.s.permissions {
		if perm.DeletedAt != nil {
			continue
		}
		if applicationID != "" && perm.ApplicationID != applicationID {
			continue
		}
		out = append(out, perm)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FunctionName != out[j].FunctionName {
			return out[i].FunctionName < out[j].FunctionName
		}
		return out[i].Level < out[j].Level
	})
	return out, nil
}

// Grants --------------------------------------------------------------------
type grantStore struct{ s *Store }

func (g grantStore) Upsert(_ context.Context, grant auth.Grant, now time.Time) (auth.Grant, error) {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()
	if _, ok := g.s.users[grant.UserID]; !ok {
		return auth.Grant{}, auth.ErrNotFound
	}
	if _, ok := g.s.permissions[grant.PermissionID]; !ok {
		return auth.Grant{}, auth.ErrNotFound
	}
	for id, existing := range g.s.grants {
		if existing.UserID == grant.UserID && existing.PermissionID == grant.PermissionID {
			existing.Granted = grant.Granted
			existing.GrantedBy = grant.GrantedBy
			existing.DeletedAt = nil
			existing.UpdatedAt = now
			g.s.grants[id] = existing
			return existing, nil
		}
	}
	if grant.ID == "" {
		grant.ID = ids.New()
	}
	grant.CreatedAt = now
	grant.UpdatedAt = now
	grant.DeletedAt = nil
	g.s.grants[grant.ID] = grant
	return grant, nil
}

func (g grantStore) Matching(_ context.Context, userID, functionName, level string) ([]auth.Grant, error) {
	g.s.mu.RLock()
	defer g.s.mu.RUnlock()
	var out []auth.Grant
	for _, grant := range g.s.grants {
		if grant.UserID != userID || grant.DeletedAt != nil {
			continue
		}
		perm, ok := g.s.permissions[grant.PermissionID]
		if !ok || perm.DeletedAt != nil {
			continue
		}
		if perm.FunctionName == functionName && perm.Level == level {
			out = append(out, grant)
		}
	}
	return out, nil
}

func (g grantStore) ListByUser(_ context.Context, userID string) ([]auth.GrantView, error) {
	g.s.mu.RLock()
	defer g.s.mu.RUnlock()
	var out []auth.GrantView
	for _, grant := range g.s.grants {
		if grant.UserID != userID || grant.DeletedAt != nil {
			continue
		}
		perm, ok := g.s.permissions[grant.PermissionID]
		if !ok || perm.DeletedAt != nil {
			continue
		}
		out = append(out, auth.GrantView{
			Grant:         grant,
			FunctionName:  perm.FunctionName,
			Level:         perm.Level,
			ApplicationID: perm.ApplicationID,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
