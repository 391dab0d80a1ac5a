package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuer = "tenantgate"

	// MinSecretLength is the shortest HMAC secret accepted for either token kind.
	MinSecretLength = 32

	defaultAccessTTL  = time.Hour
	defaultRefreshTTL = 30 * 24 * time.Hour

	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// Claims represents JWT claims carried by access and refresh tokens.
type Claims struct {
	PrincipalID string `json:"principalId"`
	Email       string `json:"email"`
	TenantID    string `json:"tenantId,omitempty"`
	Tier        Tier   `json:"tier"`
	TokenType   string `json:"typ"`
	jwt.RegisteredClaims
}

// TokenPair represents access and refresh tokens along with their expirations.
type TokenPair struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

// TokenService signs and verifies session tokens. Access and refresh tokens use
// distinct HS256 secrets so that neither verifies as the other.
type TokenService struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

// TokenOption configures TokenService behavior.
type TokenOption func(*TokenService) error

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithTokenClock overrides time source (useful for tests).
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewTokenService validates the secrets and constructs a TokenService.
func NewTokenService(accessSecret, refreshSecret string, opts ...TokenOption) (*TokenService, error) {
	if err := ValidateSecrets(accessSecret, refreshSecret); err != nil {
		return nil, err
	}
	svc := &TokenService{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		accessTTL:     defaultAccessTTL,
		refreshTTL:    defaultRefreshTTL,
		now:           time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// ValidateSecrets reports whether the pair is usable for signing.
func ValidateSecrets(accessSecret, refreshSecret string) error {
	switch {
	case strings.TrimSpace(accessSecret) == "" || strings.TrimSpace(refreshSecret) == "":
		return errors.New("auth: access and refresh secrets are required")
	case len(accessSecret) < MinSecretLength || len(refreshSecret) < MinSecretLength:
		return fmt.Errorf("auth: secrets must be at least %d bytes", MinSecretLength)
	case accessSecret == refreshSecret:
		return errors.New("auth: access and refresh secrets must differ")
	}
	return nil
}

// RefreshTTL returns the configured refresh token lifetime.
func (s *TokenService) RefreshTTL() time.Duration { return s.refreshTTL }

// Issue signs a fresh access/refresh pair for user.
func (s *TokenService) Issue(user User) (TokenPair, error) {
	if strings.TrimSpace(user.ID) == "" {
		return TokenPair{}, fmt.Errorf("%w: principal id is required", ErrInvalidInput)
	}
	now := s.now().UTC()
	access, accessExp, err := s.sign(user, tokenTypeAccess, s.accessSecret, now, s.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshExp, err := s.sign(user, tokenTypeRefresh, s.refreshSecret, now, s.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (s *TokenService) sign(user User, typ string, secret []byte, now time.Time, ttl time.Duration) (string, time.Time, error) {
	exp := now.Add(ttl)
	claims := Claims{
		PrincipalID: user.ID,
		Email:       user.Email,
		TenantID:    user.TenantID,
		Tier:        user.Tier,
		TokenType:   typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign %s token: %w", typ, err)
	}
	return signed, exp, nil
}

// VerifyAccess validates an access token.
func (s *TokenService) VerifyAccess(token string) (*Claims, error) {
	return s.verify(token, tokenTypeAccess, s.accessSecret, ErrAccessTokenExpired, ErrInvalidAccessToken)
}

// VerifyRefresh validates a refresh token.
func (s *TokenService) VerifyRefresh(token string) (*Claims, error) {
	return s.verify(token, tokenTypeRefresh, s.refreshSecret, ErrRefreshTokenExpired, ErrInvalidRefreshToken)
}

func (s *TokenService) verify(token, typ string, secret []byte, expired, invalid error) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, invalid
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, invalid
		}
		return secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, expired
		}
		return nil, invalid
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, invalid
	}
	if claims.TokenType != typ || strings.TrimSpace(claims.PrincipalID) == "" || claims.Subject != claims.PrincipalID {
		return nil, invalid
	}
	return claims, nil
}
