package httpapi

import (
	"net/http"
	"strings"
	"time"

	"tenantgate.org/internal/auth"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	User             auth.UserView `json:"user"`
	AccessToken      string        `json:"accessToken"`
	RefreshToken     string        `json:"refreshToken"`
	AccessExpiresAt  time.Time     `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time     `json:"refreshExpiresAt"`
	FirstLogin       bool          `json:"firstLogin"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

// resetPasswordRequest carries either a URL token or an email plus numeric code.
type resetPasswordRequest struct {
	Token       string `json:"token"`
	Email       string `json:"email"`
	Code        string `json:"code"`
	NewPassword string `json:"newPassword"`
}

type firstLoginRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func newSessionResponse(res auth.LoginResult) sessionResponse {
	return sessionResponse{
		User:             res.User,
		AccessToken:      res.Tokens.AccessToken,
		RefreshToken:     res.Tokens.RefreshToken,
		AccessExpiresAt:  res.Tokens.AccessExpiresAt,
		RefreshExpiresAt: res.Tokens.RefreshExpiresAt,
		FirstLogin:       res.FirstLogin,
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		badRequest(w, r, "email and password are required")
		return
	}
	res, err := a.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(res))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		badRequest(w, r, "refreshToken is required")
		return
	}
	pair, err := a.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	if _, err := a.svc.Logout(r.Context(), p.ID); err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "logged out"})
}

func (a *API) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		badRequest(w, r, "email is required")
		return
	}
	res, err := a.svc.ForgotPassword(r.Context(), req.Email)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: res.Message})
}

func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	var err error
	switch {
	case strings.TrimSpace(req.Token) != "":
		err = a.svc.ResetPassword(r.Context(), req.Token, req.NewPassword)
	case strings.TrimSpace(req.Email) != "" && strings.TrimSpace(req.Code) != "":
		err = a.svc.ResetPasswordWithCode(r.Context(), req.Email, req.Code, req.NewPassword)
	default:
		badRequest(w, r, "token or email and code are required")
		return
	}
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "password updated"})
}

func (a *API) handleFirstLogin(w http.ResponseWriter, r *http.Request) {
	var req firstLoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		badRequest(w, r, "token is required")
		return
	}
	res, err := a.svc.FirstLogin(r.Context(), req.Token, req.NewPassword)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(res))
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	view, err := a.svc.Me(r.Context(), principalFrom(r).ID)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
