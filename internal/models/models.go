package models

import (
	"encoding/json"
	"time"
)

// OTP purposes. A challenge is keyed by (e-mail, purpose), so a signup
// and a login verification for the same address can coexist.
const (
	PurposeSignup = "signup"
	PurposeLogin  = "login"
)

// Challenge is a stored, hashed, time-boxed OTP awaiting verification.
// The raw code is never persisted, only its hash.
type Challenge struct {
	Email       string          `json:"email"`
	Purpose     string          `json:"purpose"`
	CodeHash    string          `json:"-"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	IssuedAt    time.Time       `json:"issued_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	LockedUntil time.Time       `json:"locked_until"`
	Payload     json.RawMessage `json:"-"`
}

// Locked reports whether the challenge is under an attempt lockout at t.
func (c Challenge) Locked(t time.Time) bool {
	return !c.LockedUntil.IsZero() && t.Before(c.LockedUntil)
}

// Expired reports whether the challenge's code window has passed at t.
func (c Challenge) Expired(t time.Time) bool {
	return t.After(c.ExpiresAt)
}

// User is the account record as the auth core sees it. Persistence is an
// external collaborator; this struct is the contract with it. It
// serializes in full, so it is never written to API responses directly;
// that is what Safe() is for.
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	Name        string `json:"name"`
	CompanyName string `json:"company_name"`
	TenantID    string `json:"tenant_id"`
	Role        string `json:"role"`

	PasswordHash     string `json:"password_hash"`
	Active           bool   `json:"active"`
	EmailVerified    bool   `json:"email_verified"`
	TwoFactorEnabled bool   `json:"two_factor_enabled"`

	FailedLogins int       `json:"failed_logins"`
	LockedUntil  time.Time `json:"locked_until"`

	ResetTokenHash   string    `json:"reset_token_hash,omitempty"`
	ResetTokenExpiry time.Time `json:"reset_token_expiry,omitempty"`

	// Refresh-token family IDs recorded against the account. Append-only:
	// rotation records new families but never prunes old ones.
	TokenFamilies []string `json:"token_families,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SafeUser is the subset of User echoed back to API callers.
type SafeUser struct {
	ID               string `json:"id"`
	Email            string `json:"email"`
	Name             string `json:"name"`
	CompanyName      string `json:"company_name"`
	TenantID         string `json:"tenant_id"`
	Role             string `json:"role"`
	TwoFactorEnabled bool   `json:"two_factor_enabled"`
}

// Safe strips the credential and bookkeeping fields for API responses.
func (u User) Safe() SafeUser {
	return SafeUser{
		ID:               u.ID,
		Email:            u.Email,
		Name:             u.Name,
		CompanyName:      u.CompanyName,
		TenantID:         u.TenantID,
		Role:             u.Role,
		TwoFactorEnabled: u.TwoFactorEnabled,
	}
}

// TokenPair is a freshly minted session. Neither token is persisted in
// full; only the refresh family ID and per-token IDs live on the User.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}
