package auth

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Symbolic codes surfaced to clients.
const (
	CodeInvalidCredentials    = "INVALID_CREDENTIALS"
	CodeUserInactive          = "USER_INACTIVE"
	CodeUserNotFound          = "USER_NOT_FOUND"
	CodeUserAlreadyActivated  = "USER_ALREADY_ACTIVATED"
	CodeAccessTokenExpired    = "ACCESS_TOKEN_EXPIRED"
	CodeRefreshTokenExpired   = "REFRESH_TOKEN_EXPIRED"
	CodeInvalidAccessToken    = "INVALID_ACCESS_TOKEN"
	CodeInvalidRefreshToken   = "INVALID_REFRESH_TOKEN"
	CodeInvalidOrExpiredToken = "INVALID_OR_EXPIRED_TOKEN"
	CodeWeakPassword          = "WEAK_PASSWORD"
	CodeForbidden             = "FORBIDDEN"
	CodeNotFound              = "NOT_FOUND"
	CodeConflict              = "CONFLICT"
	CodeInvalidInput          = "INVALID_INPUT"
	CodeInternal              = "INTERNAL_ERROR"
)

// codedError is a sentinel carrying its symbolic code.
type codedError struct {
	code string
	msg  string
}

func (e *codedError) Error() string { return e.msg }

func newCoded(code, msg string) error { return &codedError{code: code, msg: msg} }

var (
	ErrInvalidCredentials    = newCoded(CodeInvalidCredentials, "invalid credentials")
	ErrUserInactive          = newCoded(CodeUserInactive, "user is inactive")
	ErrUserNotFound          = newCoded(CodeUserNotFound, "user not found")
	ErrUserAlreadyActivated  = newCoded(CodeUserAlreadyActivated, "user already activated")
	ErrAccessTokenExpired    = newCoded(CodeAccessTokenExpired, "access token expired")
	ErrRefreshTokenExpired   = newCoded(CodeRefreshTokenExpired, "refresh token expired")
	ErrInvalidAccessToken    = newCoded(CodeInvalidAccessToken, "invalid access token")
	ErrInvalidRefreshToken   = newCoded(CodeInvalidRefreshToken, "invalid refresh token")
	ErrInvalidOrExpiredToken = newCoded(CodeInvalidOrExpiredToken, "invalid or expired token")
	ErrWeakPassword          = newCoded(CodeWeakPassword, "password does not meet policy")

	ErrForbidden    = newCoded(CodeForbidden, "auth: forbidden")
	ErrNotFound     = newCoded(CodeNotFound, "auth: not found")
	ErrConflict     = newCoded(CodeConflict, "auth: resource conflict")
	ErrInvalidInput = newCoded(CodeInvalidInput, "auth: invalid input")
)

// BlockedError is returned while an identity is locked out by the throttle.
type BlockedError struct {
	Remaining time.Duration
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("account blocked for %d more minutes", e.Minutes())
}

// Minutes is the remaining lockout rounded up to whole minutes, never below one.
func (e *BlockedError) Minutes() int {
	m := int(math.Ceil(e.Remaining.Minutes()))
	if m < 1 {
		m = 1
	}
	return m
}

// Code renders the ACCOUNT_BLOCKED_<n>_MINUTES code.
func (e *BlockedError) Code() string {
	return fmt.Sprintf("ACCOUNT_BLOCKED_%d_MINUTES", e.Minutes())
}

// CodeOf returns the symbolic code for err, or CodeInternal for unexpected errors.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var blocked *BlockedError
	if errors.As(err, &blocked) {
		return blocked.Code()
	}
	var coded *codedError
	if errors.As(err, &coded) {
		return coded.code
	}
	return CodeInternal
}

// IsExpected reports whether err is a typed business outcome rather than a failure.
func IsExpected(err error) bool {
	return err != nil && CodeOf(err) != CodeInternal
}
