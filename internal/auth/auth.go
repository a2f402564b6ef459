// Package auth composes the OTP, token, tenant and account collaborators
// into the two-phase registration and login flows.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zerodha/logf"

	"github.com/stockroomhq/stockroom/internal/models"
	"github.com/stockroomhq/stockroom/internal/notifier"
	"github.com/stockroomhq/stockroom/internal/otp"
	"github.com/stockroomhq/stockroom/internal/password"
	"github.com/stockroomhq/stockroom/internal/tenant"
	"github.com/stockroomhq/stockroom/internal/token"
	"github.com/stockroomhq/stockroom/internal/users"
)

var (
	// ErrAuthentication is the single error every phase-1 login failure
	// collapses into, so callers cannot probe which check failed.
	ErrAuthentication = errors.New("invalid e-mail or password")

	// ErrValidation marks malformed input. The wrapped message is safe to
	// surface verbatim.
	ErrValidation = errors.New("validation error")
)

// http://www.golangprograms.com/regular-expression-to-validate-email-address.html
var reMail = regexp.MustCompile("^[a-zA-Z0-9.!#$%&'*+/=?^_`{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$")

// Config holds the login lockout policy.
type Config struct {
	// MaxFailedLogins locks the account after this many consecutive
	// password failures. Default 5.
	MaxFailedLogins int

	// LoginLockout is how long the account stays locked. Default 15
	// minutes.
	LoginLockout time.Duration
}

// RegisterRequest is the phase-1 registration input.
type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	Name        string `json:"name"`
	CompanyName string `json:"company_name"`
	InviteCode  string `json:"invite_code"`
}

// LoginResult is either a pending second factor or a finished session.
type LoginResult struct {
	User        models.User
	RequiresOTP bool
	Receipt     otp.Receipt
	Tokens      models.TokenPair
}

// Mailer sends templated, non-OTP mail. Delivery is best-effort.
type Mailer interface {
	SendTemplate(kind, to string, data interface{}) error
}

// Service orchestrates registration, login and session issuance.
type Service struct {
	cfg     Config
	otp     *otp.Manager
	tokens  *token.Issuer
	users   users.Store
	hasher  password.Hasher
	tenants tenant.Resolver
	mail    Mailer
	lo      logf.Logger
}

// New returns a Service, filling unset Config fields with the defaults.
func New(cfg Config, om *otp.Manager, ti *token.Issuer, us users.Store, h password.Hasher, tr tenant.Resolver, mail Mailer, lo logf.Logger) *Service {
	if cfg.MaxFailedLogins == 0 {
		cfg.MaxFailedLogins = 5
	}
	if cfg.LoginLockout == 0 {
		cfg.LoginLockout = 15 * time.Minute
	}

	return &Service{
		cfg:     cfg,
		otp:     om,
		tokens:  ti,
		users:   us,
		hasher:  h,
		tenants: tr,
		mail:    mail,
		lo:      lo,
	}
}

// Register validates the request, assigns a tenant and issues a signup
// challenge carrying the fully formed, not yet persisted account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (models.User, otp.Receipt, error) {
	email := NormalizeEmail(req.Email)
	if !reMail.MatchString(email) {
		return models.User{}, otp.Receipt{}, fmt.Errorf("%w: invalid e-mail address", ErrValidation)
	}
	if err := password.Validate(req.Password); err != nil {
		return models.User{}, otp.Receipt{}, err
	}

	digest, err := s.hasher.Hash(req.Password)
	if err != nil {
		return models.User{}, otp.Receipt{}, fmt.Errorf("error hashing password: %w", err)
	}

	tenantID, created, err := s.tenants.Resolve(ctx, req.InviteCode, req.CompanyName)
	if err != nil {
		return models.User{}, otp.Receipt{}, fmt.Errorf("error resolving tenant: %w", err)
	}

	role := "member"
	if created {
		role = "admin"
	}

	pending := models.User{
		ID:               uuid.NewString(),
		Email:            email,
		Name:             strings.TrimSpace(req.Name),
		CompanyName:      strings.TrimSpace(req.CompanyName),
		TenantID:         tenantID,
		Role:             role,
		PasswordHash:     digest,
		TwoFactorEnabled: true,
		CreatedAt:        time.Now(),
	}

	payload, err := json.Marshal(pending)
	if err != nil {
		return models.User{}, otp.Receipt{}, fmt.Errorf("error encoding pending account: %w", err)
	}

	// The pending account rides on the challenge; nothing is persisted
	// until the code is verified. The duplicate-account check happens
	// inside Send.
	receipt, err := s.otp.Send(ctx, email, models.PurposeSignup, payload)
	if err != nil {
		return models.User{}, otp.Receipt{}, err
	}

	return pending, receipt, nil
}

// VerifyRegistration consumes the signup challenge, activates and
// persists the account and opens a session.
func (s *Service) VerifyRegistration(ctx context.Context, email, code string) (models.User, models.TokenPair, error) {
	payload, err := s.otp.Verify(ctx, NormalizeEmail(email), models.PurposeSignup, code)
	if err != nil {
		return models.User{}, models.TokenPair{}, err
	}

	var u models.User
	if err := json.Unmarshal(payload, &u); err != nil {
		return models.User{}, models.TokenPair{}, fmt.Errorf("error decoding pending account: %w", err)
	}

	u.Active = true
	u.EmailVerified = true

	// A persistence failure here must surface; the caller never gets a
	// session for an account that was not stored.
	if err := s.users.Create(ctx, u); err != nil {
		if errors.Is(err, users.ErrExists) {
			return models.User{}, models.TokenPair{}, otp.ErrConflict
		}
		return models.User{}, models.TokenPair{}, fmt.Errorf("error persisting account: %w", err)
	}

	pair, err := s.tokens.Issue(ctx, u)
	if err != nil {
		return models.User{}, models.TokenPair{}, err
	}

	// Best-effort; the account is already live.
	if s.mail != nil {
		if err := s.mail.SendTemplate(notifier.KindWelcome, u.Email, notifier.WelcomeData{
			To:   u.Email,
			Name: u.Name,
		}); err != nil {
			s.lo.Error("error sending welcome mail", "error", err, "email", u.Email)
		}
	}

	return u, pair, nil
}

// Login validates credentials. Accounts without a second factor get a
// session immediately; the rest get a login challenge carrying only the
// account ID.
func (s *Service) Login(ctx context.Context, email, pw string) (LoginResult, error) {
	u, err := s.users.FindByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			return LoginResult{}, ErrAuthentication
		}
		return LoginResult{}, fmt.Errorf("error looking up account: %w", err)
	}

	// All of these collapse into the same generic error.
	now := time.Now()
	if !u.Active || !u.EmailVerified {
		return LoginResult{}, ErrAuthentication
	}
	if !u.LockedUntil.IsZero() && now.Before(u.LockedUntil) {
		return LoginResult{}, ErrAuthentication
	}

	if !s.hasher.Verify(pw, u.PasswordHash) {
		u.FailedLogins++
		if u.FailedLogins >= s.cfg.MaxFailedLogins {
			u.LockedUntil = now.Add(s.cfg.LoginLockout)
			u.FailedLogins = 0
		}
		if err := s.users.Update(ctx, u); err != nil {
			s.lo.Error("error recording failed login", "error", err)
		}
		return LoginResult{}, ErrAuthentication
	}

	if u.FailedLogins > 0 || !u.LockedUntil.IsZero() {
		u.FailedLogins = 0
		u.LockedUntil = time.Time{}
		if err := s.users.Update(ctx, u); err != nil {
			s.lo.Error("error clearing login counters", "error", err)
		}
	}

	if !u.TwoFactorEnabled {
		pair, err := s.tokens.Issue(ctx, u)
		if err != nil {
			return LoginResult{}, err
		}
		return LoginResult{User: u, Tokens: pair}, nil
	}

	receipt, err := s.otp.Send(ctx, u.Email, models.PurposeLogin, json.RawMessage(fmt.Sprintf("%q", u.ID)))
	if err != nil {
		return LoginResult{}, err
	}

	return LoginResult{User: u, RequiresOTP: true, Receipt: receipt}, nil
}

// VerifyLogin consumes the login challenge and opens a session.
func (s *Service) VerifyLogin(ctx context.Context, email, code string) (models.User, models.TokenPair, error) {
	payload, err := s.otp.Verify(ctx, NormalizeEmail(email), models.PurposeLogin, code)
	if err != nil {
		return models.User{}, models.TokenPair{}, err
	}

	var id string
	if err := json.Unmarshal(payload, &id); err != nil {
		return models.User{}, models.TokenPair{}, fmt.Errorf("error decoding challenge payload: %w", err)
	}

	u, err := s.users.FindByID(ctx, id)
	if err != nil {
		// The account vanished between the phases.
		return models.User{}, models.TokenPair{}, ErrAuthentication
	}

	pair, err := s.tokens.Issue(ctx, u)
	if err != nil {
		return models.User{}, models.TokenPair{}, err
	}

	return u, pair, nil
}

// NormalizeEmail lowercases and trims an address so it can serve as an
// identity key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
