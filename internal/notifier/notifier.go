// Package notifier renders message templates and pushes them out through a
// delivery provider (e-mail, SMS, webhook). Delivery is best-effort from
// the callers' perspective; they decide whether a failure is fatal.
package notifier

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"github.com/zerodha/logf"
)

// Message kinds, each bound to a subject/body template pair.
const (
	KindOTPSignup       = "otp_signup"
	KindOTPLogin        = "otp_login"
	KindPasswordReset   = "password_reset"
	KindPasswordChanged = "password_changed"
	KindWelcome         = "welcome"
)

// Provider is a generic delivery backend, for instance e-mail or SMS.
type Provider interface {
	// ID returns the name of the Provider.
	ID() string

	// ChannelName returns the name of the channel the provider delivers
	// on, for example "SMS" or "E-mail".
	ChannelName() string

	// ValidateAddress validates the 'to' address the Provider is supposed
	// to deliver to, for instance an e-mail or a phone number.
	ValidateAddress(to string) error

	// Push delivers a rendered message.
	Push(to, subject string, body []byte) error

	// MaxBodyLen returns the maximum permitted length of the rendered
	// body. 0 means unbounded.
	MaxBodyLen() int
}

// Tpl is a subject/body template pair for one message kind.
type Tpl struct {
	Subject *template.Template
	Body    *template.Template
}

// OTPData is the payload available to OTP templates.
type OTPData struct {
	To        string
	Code      string
	Purpose   string
	TTL       time.Duration
	ExpiresIn int
}

// WelcomeData is the payload available to the welcome template.
type WelcomeData struct {
	To   string
	Name string
}

// ResetData is the payload available to password-reset templates.
type ResetData struct {
	To    string
	Link  string
	TTL   time.Duration
	Token string
}

// Sender renders templates and delivers them through a Provider.
type Sender struct {
	prov Provider
	tpls map[string]*Tpl
	lo   logf.Logger
}

// NewSender returns a Sender over the given provider and template set.
func NewSender(p Provider, tpls map[string]*Tpl, lo logf.Logger) *Sender {
	return &Sender{prov: p, tpls: tpls, lo: lo}
}

// SendOTP renders and delivers a one-time code.
func (s *Sender) SendOTP(to, code, purpose string, ttl time.Duration) error {
	kind := KindOTPLogin
	if purpose == "signup" {
		kind = KindOTPSignup
	}

	return s.SendTemplate(kind, to, OTPData{
		To:        to,
		Code:      code,
		Purpose:   purpose,
		TTL:       ttl,
		ExpiresIn: int(ttl.Minutes()),
	})
}

// SendTemplate renders the subject/body pair for kind and delivers it.
func (s *Sender) SendTemplate(kind, to string, data interface{}) error {
	if err := s.prov.ValidateAddress(to); err != nil {
		return fmt.Errorf("invalid %s address '%s': %w", s.prov.ChannelName(), to, err)
	}

	t, exists := s.tpls[kind]
	if !exists {
		return fmt.Errorf("no template registered for message kind '%s'", kind)
	}

	var (
		subj = &bytes.Buffer{}
		body = &bytes.Buffer{}
	)
	if t.Subject != nil {
		if err := t.Subject.Execute(subj, data); err != nil {
			return err
		}
	}
	if t.Body != nil {
		if err := t.Body.Execute(body, data); err != nil {
			return err
		}
	}

	if max := s.prov.MaxBodyLen(); max > 0 && body.Len() > max {
		return fmt.Errorf("rendered body (%d bytes) exceeds the %s channel limit (%d)", body.Len(), s.prov.ChannelName(), max)
	}

	s.lo.Debug("pushing message", "kind", kind, "to", to, "provider", s.prov.ID())
	return s.prov.Push(to, subj.String(), body.Bytes())
}

// SendEmail delivers a pre-rendered message as-is.
func (s *Sender) SendEmail(to, subject string, body []byte) error {
	if err := s.prov.ValidateAddress(to); err != nil {
		return fmt.Errorf("invalid %s address '%s': %w", s.prov.ChannelName(), to, err)
	}
	return s.prov.Push(to, subject, body)
}
