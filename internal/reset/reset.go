// Package reset issues and redeems single-use, time-boxed password reset
// tokens. Only a fingerprint of the token is ever stored, and redeeming
// clears it along with any login lockout on the account.
package reset

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zerodha/logf"

	"github.com/stockroomhq/stockroom/internal/models"
	"github.com/stockroomhq/stockroom/internal/notifier"
	"github.com/stockroomhq/stockroom/internal/password"
	"github.com/stockroomhq/stockroom/internal/users"
)

// ErrInvalidToken is the single error every verification or lookup
// failure collapses into, so callers learn nothing about which check
// failed.
var ErrInvalidToken = errors.New("invalid or expired password reset token")

// GenericMessage is returned for every reset request, whether or not the
// account exists.
const GenericMessage = "If an account exists for that e-mail, a password reset link has been sent."

// Signer mints and validates reset tokens.
type Signer interface {
	SignResetToken(u models.User, ttl time.Duration) (string, error)
	ParseResetToken(token string) (userID string, err error)
}

// Mailer delivers the reset link and the change confirmation.
type Mailer interface {
	SendTemplate(kind, to string, data interface{}) error
}

// Config holds the reset policy knobs.
type Config struct {
	// TokenTTL defaults to 15 minutes.
	TokenTTL time.Duration

	// ResetURL is the base page the e-mailed link points at; the token is
	// appended as a query parameter.
	ResetURL string
}

// Manager issues and redeems password reset tokens.
type Manager struct {
	cfg    Config
	signer Signer
	hasher password.Hasher
	users  users.Store
	mail   Mailer
	lo     logf.Logger
}

// New returns a Manager, filling unset Config fields with the defaults.
func New(cfg Config, signer Signer, h password.Hasher, us users.Store, mail Mailer, lo logf.Logger) *Manager {
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = 15 * time.Minute
	}

	return &Manager{
		cfg:    cfg,
		signer: signer,
		hasher: h,
		users:  us,
		mail:   mail,
		lo:     lo,
	}
}

// Request issues a reset token for the account, if one exists and is
// active. The returned message is identical either way.
func (m *Manager) Request(ctx context.Context, email string) (string, error) {
	u, err := m.users.FindByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			return GenericMessage, nil
		}
		return "", fmt.Errorf("error looking up account: %w", err)
	}
	if !u.Active {
		return GenericMessage, nil
	}

	tok, err := m.signer.SignResetToken(u, m.cfg.TokenTTL)
	if err != nil {
		return "", fmt.Errorf("error signing reset token: %w", err)
	}

	u.ResetTokenHash = password.Fingerprint(tok)
	u.ResetTokenExpiry = time.Now().Add(m.cfg.TokenTTL)
	if err := m.users.Update(ctx, u); err != nil {
		return "", fmt.Errorf("error storing reset token: %w", err)
	}

	// Delivery is best-effort; the caller's message does not change.
	if err := m.mail.SendTemplate(notifier.KindPasswordReset, u.Email, notifier.ResetData{
		To:    u.Email,
		Token: tok,
		Link:  fmt.Sprintf("%s?token=%s", m.cfg.ResetURL, tok),
		TTL:   m.cfg.TokenTTL,
	}); err != nil {
		m.lo.Error("error sending reset e-mail", "error", err)
	}

	return GenericMessage, nil
}

// Redeem validates a reset token, sets the new password and clears the
// reset challenge and any login lockout. A token redeems exactly once.
func (m *Manager) Redeem(ctx context.Context, token, newPassword string) error {
	sub, err := m.signer.ParseResetToken(token)
	if err != nil || sub == "" {
		return ErrInvalidToken
	}

	u, err := m.users.FindByID(ctx, sub)
	if err != nil {
		return ErrInvalidToken
	}

	if u.ResetTokenHash == "" || !u.Active {
		return ErrInvalidToken
	}
	if subtle.ConstantTimeCompare([]byte(password.Fingerprint(token)), []byte(u.ResetTokenHash)) != 1 {
		return ErrInvalidToken
	}
	if time.Now().After(u.ResetTokenExpiry) {
		return ErrInvalidToken
	}

	if err := password.Validate(newPassword); err != nil {
		return err
	}

	digest, err := m.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("error hashing password: %w", err)
	}

	u.PasswordHash = digest
	u.ResetTokenHash = ""
	u.ResetTokenExpiry = time.Time{}
	u.FailedLogins = 0
	u.LockedUntil = time.Time{}
	if err := m.users.Update(ctx, u); err != nil {
		return fmt.Errorf("error storing new password: %w", err)
	}

	if err := m.mail.SendTemplate(notifier.KindPasswordChanged, u.Email, notifier.ResetData{To: u.Email}); err != nil {
		m.lo.Error("error sending password change confirmation", "error", err)
	}

	return nil
}
