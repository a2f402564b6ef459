// Package token mints the stateless session tokens: short-lived access
// JWTs and longer-lived rotating refresh JWTs grouped into families that
// are recorded against the account for revocation bookkeeping.
package token

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/stockroomhq/stockroom/internal/models"
)

// Audiences namespace the three token kinds so one can never pass for
// another.
const (
	AudienceAccess        = "auth:access"
	AudienceRefresh       = "auth:refresh"
	AudiencePasswordReset = "auth:password_reset"
)

// ErrInvalidRefresh is thrown for any refresh token that fails signature,
// expiry, audience or family validation.
var ErrInvalidRefresh = errors.New("invalid or expired refresh token")

// Config holds the signing material and token lifetimes.
type Config struct {
	// AccessSecret signs access and password-reset tokens.
	AccessSecret string

	// RefreshSecret signs refresh tokens. When empty it is derived from
	// AccessSecret with a namespaced HMAC so the two keyspaces stay
	// distinct deterministically.
	RefreshSecret string

	// AccessTTL defaults to 15 minutes.
	AccessTTL time.Duration

	// RefreshTTL defaults to 7 days.
	RefreshTTL time.Duration

	Issuer string
}

// AccessClaims combines the standard claims with session-specific ones.
type AccessClaims struct {
	jwt.RegisteredClaims
	Email    string `json:"email"`
	Role     string `json:"role"`
	TenantID string `json:"tid"`
}

// RefreshClaims carry the token's family ID.
type RefreshClaims struct {
	jwt.RegisteredClaims
	Email    string `json:"email"`
	FamilyID string `json:"fid"`
}

// ResetClaims are the standard claims under the password-reset audience.
type ResetClaims struct {
	jwt.RegisteredClaims
}

// FamilyStore is the slice of the account store the issuer needs.
type FamilyStore interface {
	FindByID(ctx context.Context, id string) (models.User, error)
	AddTokenFamily(ctx context.Context, id, familyID string) error
}

// Issuer mints and validates session tokens.
type Issuer struct {
	cfg           Config
	users         FamilyStore
	accessSecret  []byte
	refreshSecret []byte
}

// New returns an Issuer, deriving the refresh secret when none is
// configured.
func New(cfg Config, users FamilyStore) (*Issuer, error) {
	if cfg.AccessSecret == "" {
		return nil, errors.New("access token secret is not configured")
	}
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}

	refresh := []byte(cfg.RefreshSecret)
	if cfg.RefreshSecret == "" {
		refresh = deriveSecret(cfg.AccessSecret, "stockroom/refresh-token")
	}

	return &Issuer{
		cfg:           cfg,
		users:         users,
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: refresh,
	}, nil
}

// AccessTTL returns the configured access-token lifetime.
func (i *Issuer) AccessTTL() time.Duration {
	return i.cfg.AccessTTL
}

// Issue mints an access/refresh pair for the user and records the new
// refresh family on the account.
func (i *Issuer) Issue(ctx context.Context, u models.User) (models.TokenPair, error) {
	var (
		now      = time.Now()
		familyID = uuid.NewString()
	)

	access := jwt.NewWithClaims(jwt.SigningMethodHS256, AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			ID:        uuid.NewString(),
			Issuer:    i.cfg.Issuer,
			Audience:  jwt.ClaimStrings{AudienceAccess},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.cfg.AccessTTL)),
		},
		Email:    u.Email,
		Role:     u.Role,
		TenantID: u.TenantID,
	})
	accessStr, err := access.SignedString(i.accessSecret)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("error signing access token: %w", err)
	}

	refresh := jwt.NewWithClaims(jwt.SigningMethodHS256, RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			ID:        uuid.NewString(),
			Issuer:    i.cfg.Issuer,
			Audience:  jwt.ClaimStrings{AudienceRefresh},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.cfg.RefreshTTL)),
		},
		Email:    u.Email,
		FamilyID: familyID,
	})
	refreshStr, err := refresh.SignedString(i.refreshSecret)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("error signing refresh token: %w", err)
	}

	// The family set on the account is append-only; old families are not
	// pruned here.
	if err := i.users.AddTokenFamily(ctx, u.ID, familyID); err != nil {
		return models.TokenPair{}, fmt.Errorf("error recording token family: %w", err)
	}

	return models.TokenPair{
		AccessToken:  accessStr,
		RefreshToken: refreshStr,
		TokenType:    "Bearer",
		ExpiresIn:    int(i.cfg.AccessTTL.Seconds()),
	}, nil
}

// Refresh validates a refresh token, confirms its family is still
// recorded on the account and rotates to a fresh pair under a new family.
func (i *Issuer) Refresh(ctx context.Context, refreshToken string) (models.User, models.TokenPair, error) {
	var claims RefreshClaims
	tok, err := jwt.ParseWithClaims(refreshToken, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.refreshSecret, nil
	}, jwt.WithAudience(AudienceRefresh), jwt.WithExpirationRequired())
	if err != nil || !tok.Valid {
		return models.User{}, models.TokenPair{}, ErrInvalidRefresh
	}

	u, err := i.users.FindByID(ctx, claims.Subject)
	if err != nil {
		return models.User{}, models.TokenPair{}, ErrInvalidRefresh
	}

	if !hasFamily(u.TokenFamilies, claims.FamilyID) {
		return models.User{}, models.TokenPair{}, ErrInvalidRefresh
	}

	pair, err := i.Issue(ctx, u)
	if err != nil {
		return models.User{}, models.TokenPair{}, err
	}
	return u, pair, nil
}

// SignResetToken mints a password-reset token for the user.
func (i *Issuer) SignResetToken(u models.User, ttl time.Duration) (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, ResetClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			ID:        uuid.NewString(),
			Issuer:    i.cfg.Issuer,
			Audience:  jwt.ClaimStrings{AudiencePasswordReset},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return tok.SignedString(i.accessSecret)
}

// ParseResetToken validates a password-reset token and returns its
// subject (the user ID).
func (i *Issuer) ParseResetToken(token string) (string, error) {
	var claims ResetClaims
	tok, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.accessSecret, nil
	}, jwt.WithAudience(AudiencePasswordReset), jwt.WithExpirationRequired())
	if err != nil || !tok.Valid {
		return "", err
	}
	return claims.Subject, nil
}

func hasFamily(families []string, id string) bool {
	for _, f := range families {
		if f == id {
			return true
		}
	}
	return false
}

// deriveSecret derives a namespaced secondary secret from the primary one.
func deriveSecret(secret, namespace string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(namespace))
	return []byte(hex.EncodeToString(mac.Sum(nil)))
}
