package email

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/smtp"
	"regexp"
	"time"

	"github.com/knadh/smtppool"
)

const (
	providerID    = "email"
	channelName   = "E-mail"
	maxBodyLen    = 100 * 1024
	maxAddressLen = 100
)

// http://www.golangprograms.com/regular-expression-to-validate-email-address.html
var reMail = regexp.MustCompile("^[a-zA-Z0-9.!#$%&'*+/=?^_`{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$")

// Config represents an SMTP server's credentials.
type Config struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	AuthProtocol string        `json:"auth_protocol"`
	Username     string        `json:"username"`
	Password     string        `json:"password"`
	FromEmail    string        `json:"from_email"`
	Timeout      time.Duration `json:"timeout"`
	MaxConns     int           `json:"max_conns"`

	// STARTTLS or TLS.
	TLSType       string `json:"tls_type"`
	TLSSkipVerify bool   `json:"tls_skip_verify"`
}

// Email delivers messages over a pooled SMTP connection.
type Email struct {
	cfg Config
	p   *smtppool.Pool
}

// New creates and returns an e-mail delivery backend.
func New(cfg Config) (*Email, error) {
	if cfg.FromEmail == "" {
		cfg.FromEmail = "auth@localhost"
	}

	// Initialize the SMTP mailer.
	var auth smtp.Auth
	switch cfg.AuthProtocol {
	case "login":
		auth = &smtppool.LoginAuth{Username: cfg.Username, Password: cfg.Password}
	case "cram":
		auth = smtp.CRAMMD5Auth(cfg.Username, cfg.Password)
	case "plain":
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	case "", "none":
	default:
		return nil, fmt.Errorf("unknown SMTP auth type '%s'", cfg.AuthProtocol)
	}

	opt := smtppool.Opt{
		Host:            cfg.Host,
		Port:            cfg.Port,
		MaxConns:        cfg.MaxConns,
		IdleTimeout:     time.Second * 10,
		PoolWaitTimeout: cfg.Timeout,
		Auth:            auth,
	}

	// TLS config.
	if cfg.TLSType != "none" {
		opt.TLSConfig = &tls.Config{}
		if cfg.TLSSkipVerify {
			opt.TLSConfig.InsecureSkipVerify = cfg.TLSSkipVerify
		} else {
			opt.TLSConfig.ServerName = cfg.Host
		}

		// SSL/TLS, not STARTTLS.
		if cfg.TLSType == "TLS" {
			opt.SSL = true
		}
	}

	pool, err := smtppool.New(opt)
	if err != nil {
		return nil, err
	}

	return &Email{
		p:   pool,
		cfg: cfg,
	}, nil
}

// ID returns the provider's ID.
func (e *Email) ID() string {
	return providerID
}

// ChannelName returns the channel's name.
func (e *Email) ChannelName() string {
	return channelName
}

// ValidateAddress "validates" an e-mail address.
func (e *Email) ValidateAddress(to string) error {
	if len(to) > maxAddressLen || !reMail.MatchString(to) {
		return errors.New("invalid e-mail address")
	}
	return nil
}

// Push sends an e-mail through the SMTP pool.
func (e *Email) Push(to, subject string, body []byte) error {
	return e.p.Send(smtppool.Email{
		From:    e.cfg.FromEmail,
		To:      []string{to},
		Subject: subject,
		HTML:    body,
	})
}

// MaxBodyLen returns the max permitted body size.
func (e *Email) MaxBodyLen() int {
	return maxBodyLen
}
