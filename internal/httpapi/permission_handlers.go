package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"tenantgate.org/internal/audit"
	"tenantgate.org/internal/auth"
)

type registerPermissionRequest struct {
	FunctionName  string `json:"functionName"`
	Level         string `json:"level"`
	ApplicationID string `json:"applicationId"`
	Label         string `json:"label"`
}

type checkResponse struct {
	Allowed  bool   `json:"allowed"`
	Function string `json:"function"`
	Level    string `json:"level"`
}

type activationResponse struct {
	Purpose   auth.RecoveryPurpose `json:"purpose"`
	ExpiresAt time.Time            `json:"expiresAt"`
}

func (a *API) handleCheckPermission(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	function, level := strings.TrimSpace(q.Get("function")), strings.TrimSpace(q.Get("level"))
	if function == "" || level == "" {
		badRequest(w, r, "function and level are required")
		return
	}
	d, err := a.perms.Evaluator().CanExecute(r.Context(), principalFrom(r), function, level)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, checkResponse{Allowed: d.Allowed, Function: function, Level: level})
}

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := a.perms.ListPermissions(r.Context(), r.URL.Query().Get("applicationId"))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	if perms == nil {
		perms = []auth.Permission{}
	}
	writeJSON(w, http.StatusOK, perms)
}

// handleRegisterPermission adds to the global permission catalogue; only the
// root tier may do so.
func (a *API) handleRegisterPermission(w http.ResponseWriter, r *http.Request) {
	if principalFrom(r).Tier != auth.TierRoot {
		a.respondError(w, r, auth.ErrForbidden)
		return
	}
	var req registerPermissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	perm, err := a.perms.RegisterPermission(r.Context(), auth.Permission{
		FunctionName:  req.FunctionName,
		Level:         req.Level,
		ApplicationID: req.ApplicationID,
		Label:         req.Label,
	})
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "authz.permission.create", map[string]any{
		"permission_id": perm.ID,
		"function":      perm.FunctionName,
		"level":         perm.Level,
	})
	w.Header().Set("Location", fmt.Sprintf("/permissions/%s", perm.ID))
	writeJSON(w, http.StatusCreated, perm)
}

func (a *API) handleUserGrants(w http.ResponseWriter, r *http.Request) {
	grants, err := a.perms.UserGrants(r.Context(), principalFrom(r), r.PathValue("id"))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	if grants == nil {
		grants = []auth.GrantView{}
	}
	writeJSON(w, http.StatusOK, grants)
}

func (a *API) handleGrant(w http.ResponseWriter, r *http.Request) {
	g, err := a.perms.Grant(r.Context(), principalFrom(r), r.PathValue("id"), r.PathValue("permissionId"))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	g, err := a.perms.Revoke(r.Context(), principalFrom(r), r.PathValue("id"), r.PathValue("permissionId"))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// handleIssueActivation sends a fresh activation artifact through the notifier.
// The secret itself never appears in the response.
func (a *API) handleIssueActivation(w http.ResponseWriter, r *http.Request) {
	issued, err := a.svc.IssueActivation(r.Context(), principalFrom(r), r.PathValue("id"))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, activationResponse{Purpose: issued.Purpose, ExpiresAt: issued.ExpiresAt})
}
