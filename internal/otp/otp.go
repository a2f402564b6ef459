// Package otp owns the one-time-passcode challenge lifecycle: issuing,
// delivering, verifying, resending and expiring codes under cooldown and
// lockout policy.
package otp

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/zerodha/logf"

	"github.com/stockroomhq/stockroom/internal/models"
	"github.com/stockroomhq/stockroom/internal/password"
	"github.com/stockroomhq/stockroom/internal/store"
)

// Codes are uniform 6 digit numbers in [100000, 999999].
const (
	codeMin  = 100000
	codeSpan = 900000
)

// Config holds the challenge policy knobs.
type Config struct {
	// Expiry is how long a code stays verifiable. Default 5 minutes.
	Expiry time.Duration

	// MaxAttempts is the verification attempt budget. Default 3.
	MaxAttempts int

	// LockoutWindow suspends verification after the budget is exhausted.
	// Default 15 minutes.
	LockoutWindow time.Duration

	// ResendCooldown is the minimum spacing between sends to one
	// identity. Default 10 seconds.
	ResendCooldown time.Duration

	// Production makes delivery failures fatal for the initial send
	// instead of a logged no-op.
	Production bool
}

// Notifier delivers codes to the identity's address.
type Notifier interface {
	SendOTP(to, code, purpose string, ttl time.Duration) error
}

// AccountChecker reports whether an activated account already holds an
// e-mail, for the signup conflict check.
type AccountChecker interface {
	IsActiveAccount(ctx context.Context, email string) (bool, error)
}

// Receipt describes an accepted send to the caller.
type Receipt struct {
	Message   string `json:"message"`
	ExpiresIn int    `json:"expiresIn"`
}

// Manager generates, sends, verifies, resends and expires OTP challenges.
type Manager struct {
	cfg      Config
	store    store.Store
	hasher   password.Hasher
	notifier Notifier
	accounts AccountChecker
	lo       logf.Logger
}

// New returns a Manager, filling unset Config fields with the defaults.
func New(cfg Config, st store.Store, h password.Hasher, n Notifier, acc AccountChecker, lo logf.Logger) *Manager {
	if cfg.Expiry == 0 {
		cfg.Expiry = 5 * time.Minute
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.LockoutWindow == 0 {
		cfg.LockoutWindow = 15 * time.Minute
	}
	if cfg.ResendCooldown == 0 {
		cfg.ResendCooldown = 10 * time.Second
	}

	return &Manager{
		cfg:      cfg,
		store:    st,
		hasher:   h,
		notifier: n,
		accounts: acc,
		lo:       lo,
	}
}

// Send issues a fresh challenge for (email, purpose), replacing any
// existing one, and pushes the code out. payload is carried on the
// challenge and handed back on successful verification.
func (m *Manager) Send(ctx context.Context, email, purpose string, payload json.RawMessage) (Receipt, error) {
	if purpose == models.PurposeSignup && m.accounts != nil {
		active, err := m.accounts.IsActiveAccount(ctx, email)
		if err != nil {
			return Receipt{}, fmt.Errorf("error checking account status: %w", err)
		}
		if active {
			return Receipt{}, ErrConflict
		}
	}

	if err := m.reserveSend(ctx, email); err != nil {
		return Receipt{}, err
	}

	return m.issue(ctx, email, purpose, payload, time.Time{})
}

// Verify checks a submitted code against the live challenge. The
// challenge is single use: a match consumes it and returns its payload.
func (m *Manager) Verify(ctx context.Context, email, purpose, code string) (json.RawMessage, error) {
	ch, err := m.store.CheckChallenge(ctx, purpose, email, false)
	if err != nil {
		if err == store.ErrNotExist {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("error checking challenge: %w", err)
	}

	now := time.Now()
	if ch.Locked(now) {
		return nil, &LockedError{Until: ch.LockedUntil}
	}
	if ch.Expired(now) {
		if err := m.store.DeleteChallenge(ctx, purpose, email); err != nil {
			m.lo.Error("error deleting expired challenge", "error", err, "purpose", purpose)
		}
		return nil, ErrExpired
	}

	if !m.hasher.Verify(code, ch.CodeHash) {
		// Count the failure with the store's atomic read-and-increment so
		// concurrent attempts can't slip under the budget.
		upd, err := m.store.CheckChallenge(ctx, purpose, email, true)
		if err != nil {
			if err == store.ErrNotExist {
				// Swept or consumed concurrently.
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("error counting attempt: %w", err)
		}

		if upd.Attempts >= m.cfg.MaxAttempts {
			until := now.Add(m.cfg.LockoutWindow)
			if err := m.store.LockChallenge(ctx, purpose, email, until); err != nil && err != store.ErrNotExist {
				return nil, fmt.Errorf("error locking challenge: %w", err)
			}
			return nil, &LockedError{Until: until}
		}

		return nil, &InvalidCodeError{AttemptsLeft: m.cfg.MaxAttempts - upd.Attempts}
	}

	if err := m.store.DeleteChallenge(ctx, purpose, email); err != nil {
		// Failing to consume the challenge would leave the code reusable.
		return nil, fmt.Errorf("error consuming challenge: %w", err)
	}

	return ch.Payload, nil
}

// Resend replaces the code on an existing challenge, resetting the
// attempt budget but leaving any lockout untouched.
func (m *Manager) Resend(ctx context.Context, email, purpose string) (Receipt, error) {
	ch, err := m.store.CheckChallenge(ctx, purpose, email, false)
	if err != nil {
		if err == store.ErrNotExist {
			return Receipt{}, ErrNotFound
		}
		return Receipt{}, fmt.Errorf("error checking challenge: %w", err)
	}

	// Refuse before claiming the cooldown slot so a locked caller does
	// not keep burning it.
	if ch.Locked(time.Now()) {
		return Receipt{}, &LockedError{Until: ch.LockedUntil}
	}

	if err := m.reserveSend(ctx, email); err != nil {
		return Receipt{}, err
	}

	return m.issue(ctx, email, purpose, ch.Payload, ch.LockedUntil)
}

// issue generates, stores and pushes a fresh code, carrying payload and
// any existing lockout over onto the new challenge.
func (m *Manager) issue(ctx context.Context, email, purpose string, payload json.RawMessage, lockedUntil time.Time) (Receipt, error) {
	code, err := generateCode()
	if err != nil {
		return Receipt{}, fmt.Errorf("error generating code: %w", err)
	}

	digest, err := m.hasher.Hash(code)
	if err != nil {
		return Receipt{}, fmt.Errorf("error hashing code: %w", err)
	}

	now := time.Now()
	ch := models.Challenge{
		Email:       email,
		Purpose:     purpose,
		CodeHash:    digest,
		Attempts:    0,
		MaxAttempts: m.cfg.MaxAttempts,
		IssuedAt:    now,
		ExpiresAt:   now.Add(m.cfg.Expiry),
		LockedUntil: lockedUntil,
		Payload:     payload,
	}

	// Retain past the code window so reads can tell "expired" and
	// "locked" apart from "gone".
	if err := m.store.SetChallenge(ctx, purpose, email, ch, m.cfg.Expiry+m.cfg.LockoutWindow); err != nil {
		return Receipt{}, fmt.Errorf("error storing challenge: %w", err)
	}

	if err := m.notifier.SendOTP(email, code, purpose, m.cfg.Expiry); err != nil {
		if m.cfg.Production {
			m.lo.Error("error delivering code", "error", err, "purpose", purpose)
			return Receipt{}, ErrNotifier
		}
		m.lo.Error("error delivering code (ignored outside production)", "error", err, "purpose", purpose)
	}

	return Receipt{
		Message:   fmt.Sprintf("A verification code has been sent to %s.", email),
		ExpiresIn: int(m.cfg.Expiry.Seconds()),
	}, nil
}

func (m *Manager) reserveSend(ctx context.Context, email string) error {
	retryIn, ok, err := m.store.ReserveSend(ctx, email, m.cfg.ResendCooldown)
	if err != nil {
		return fmt.Errorf("error reserving send slot: %w", err)
	}
	if !ok {
		return &CooldownError{RetryIn: retryIn}
	}
	return nil
}

// generateCode draws a uniformly random 6 digit code from crypto/rand.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeSpan))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", codeMin+n.Int64()), nil
}
