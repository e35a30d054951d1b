// Package token signs and verifies the access/refresh JWT pair.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid or expired token")

// Config carries one secret and expiry per token class.
type Config struct {
	AccessSecret  string
	AccessExpiry  time.Duration
	RefreshSecret string
	RefreshExpiry time.Duration
}

// Identity is what an access token is derived from: the account id, the
// role-collection, and role-relevant claims.
type Identity struct {
	ID     string
	Role   string
	Claims map[string]string
}

// RefreshClaims carry only the account id.
type RefreshClaims struct {
	jwt.RegisteredClaims
}

// Pair is a freshly issued access/refresh pair.
type Pair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Persister stores the refresh half of a pair on the account record.
type Persister func(ctx context.Context, refreshToken string) error

type Issuer struct {
	cfg Config
	now func() time.Time
}

func NewIssuer(cfg Config) (*Issuer, error) {
	if cfg.AccessSecret == "" || cfg.RefreshSecret == "" {
		return nil, errors.New("access and refresh secrets are required")
	}
	if cfg.AccessSecret == cfg.RefreshSecret {
		return nil, errors.New("access and refresh secrets must differ")
	}
	if cfg.AccessExpiry <= 0 || cfg.RefreshExpiry <= 0 {
		return nil, errors.New("token expiries must be positive")
	}
	return &Issuer{cfg: cfg, now: time.Now}, nil
}

// AccessSecret is exposed for the request guard.
func (i *Issuer) AccessSecret() []byte {
	return []byte(i.cfg.AccessSecret)
}

func (i *Issuer) IssueAccessToken(id Identity) (string, error) {
	now := i.now()
	claims := jwt.MapClaims{
		"sub":  id.ID,
		"role": id.Role,
		"jti":  uuid.NewString(),
		"iat":  now.Unix(),
		"exp":  now.Add(i.cfg.AccessExpiry).Unix(),
	}
	for k, v := range id.Claims {
		if _, reserved := claims[k]; reserved {
			continue
		}
		claims[k] = v
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(i.cfg.AccessSecret))
}

func (i *Issuer) IssueRefreshToken(accountID string) (string, error) {
	now := i.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.cfg.RefreshExpiry)),
		},
	})
	return token.SignedString([]byte(i.cfg.RefreshSecret))
}

// Rotate issues both tokens and persists the refresh half before returning.
// Tokens whose refresh half could not be stored are never handed out.
func (i *Issuer) Rotate(ctx context.Context, id Identity, persist Persister) (*Pair, error) {
	access, err := i.IssueAccessToken(id)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}
	refresh, err := i.IssueRefreshToken(id.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}
	if err := persist(ctx, refresh); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}
	return &Pair{AccessToken: access, RefreshToken: refresh}, nil
}

// ParseRefreshToken verifies signature and expiry and returns the account id.
func (i *Issuer) ParseRefreshToken(tokenString string) (string, error) {
	claims := &RefreshClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(i.cfg.RefreshSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// AccessSubject reads the subject and role of an already verified access
// token.
func AccessSubject(t *jwt.Token) (string, string, error) {
	if t == nil || !t.Valid {
		return "", "", ErrInvalidToken
	}
	claims, ok := t.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", ErrInvalidToken
	}
	sub, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)
	if sub == "" {
		return "", "", ErrInvalidToken
	}
	return sub, role, nil
}
