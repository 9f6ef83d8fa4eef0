package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

var (
	// ErrTokenExpired is returned for a well-formed token past its expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid is returned for any other verification failure.
	ErrTokenInvalid = errors.New("invalid token")
)

// Claims is the JWT payload for both access and refresh tokens.
type Claims struct {
	jwt.RegisteredClaims
	UserID    string `json:"userId"`
	Email     string `json:"email,omitempty"`
	Role      string `json:"role,omitempty"`
	TokenType string `json:"typ"`
}

// TokenConfig configures a TokenIssuer. Both secrets are mandatory.
type TokenConfig struct {
	AccessSecret  []byte
	RefreshSecret []byte
	Issuer        string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

// TokenIssuer signs and verifies HS256 access and refresh tokens.
type TokenIssuer struct {
	cfg TokenConfig
	now func() time.Time
}

// NewTokenIssuer validates cfg and returns an issuer.
func NewTokenIssuer(cfg TokenConfig) (*TokenIssuer, error) {
	if len(cfg.AccessSecret) == 0 {
		return nil, fmt.Errorf("access token secret is required")
	}
	if len(cfg.RefreshSecret) == 0 {
		return nil, fmt.Errorf("refresh token secret is required")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	return &TokenIssuer{cfg: cfg, now: time.Now}, nil
}

// IssueAccess signs a short-lived access token for the caller.
func (i *TokenIssuer) IssueAccess(c Caller) (string, time.Time, error) {
	return i.sign(c, tokenTypeAccess, i.cfg.AccessSecret, i.cfg.AccessTTL)
}

// IssueRefresh signs a long-lived refresh token. It carries no role so it
// cannot be used as an access token.
func (i *TokenIssuer) IssueRefresh(c Caller) (string, time.Time, error) {
	c.Role = ""
	return i.sign(c, tokenTypeRefresh, i.cfg.RefreshSecret, i.cfg.RefreshTTL)
}

func (i *TokenIssuer) sign(c Caller, typ string, secret []byte, ttl time.Duration) (string, time.Time, error) {
	now := i.now()
	exp := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   c.UserID.String(),
			Issuer:    i.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		UserID:    c.UserID.String(),
		Email:     c.Email,
		Role:      c.Role,
		TokenType: typ,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign %s token: %w", typ, err)
	}
	return signed, exp, nil
}

// ParseAccess verifies an access token and resolves it to a Caller.
func (i *TokenIssuer) ParseAccess(token string) (Caller, error) {
	claims, err := i.parse(token, i.cfg.AccessSecret, tokenTypeAccess)
	if err != nil {
		return Caller{}, err
	}
	if claims.Role != RolePatient && claims.Role != RoleProvider {
		return Caller{}, ErrTokenInvalid
	}
	return callerFromClaims(claims)
}

// ParseRefresh verifies a refresh token and returns its subject.
func (i *TokenIssuer) ParseRefresh(token string) (Caller, error) {
	claims, err := i.parse(token, i.cfg.RefreshSecret, tokenTypeRefresh)
	if err != nil {
		return Caller{}, err
	}
	return callerFromClaims(claims)
}

func (i *TokenIssuer) parse(token string, secret []byte, typ string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	}
	if i.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.cfg.Issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if !parsed.Valid || claims.TokenType != typ {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func callerFromClaims(claims *Claims) (Caller, error) {
	raw := claims.UserID
	if raw == "" {
		raw = claims.Subject
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return Caller{}, ErrTokenInvalid
	}
	return Caller{UserID: id, Email: claims.Email, Role: claims.Role}, nil
}
