package notifier

import (
	"errors"
	"html/template"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/zerodha/logf"
)

type fakeProv struct {
	maxBody int
	subject string
	body    string
}

func (p *fakeProv) ID() string          { return "fake" }
func (p *fakeProv) ChannelName() string { return "Fake" }
func (p *fakeProv) MaxBodyLen() int     { return p.maxBody }

func (p *fakeProv) ValidateAddress(to string) error {
	if to == "" {
		return errors.New("empty address")
	}
	return nil
}

func (p *fakeProv) Push(to, subject string, body []byte) error {
	p.subject = subject
	p.body = string(body)
	return nil
}

func newSender(prov *fakeProv) *Sender {
	tpls := map[string]*Tpl{
		KindOTPSignup: {
			Subject: template.Must(template.New("s").Parse("Verify your account")),
			Body:    template.Must(template.New("b").Parse("signup code {{ .Code }}")),
		},
		KindOTPLogin: {
			Subject: template.Must(template.New("s").Parse("{{ .Code }} is your code")),
			Body:    template.Must(template.New("b").Parse("login code {{ .Code }}")),
		},
	}
	return NewSender(prov, tpls, logf.New(logf.Opts{}))
}

func TestSendOTPPicksKindByPurpose(t *testing.T) {
	prov := &fakeProv{}
	s := newSender(prov)

	assert.NoError(t, s.SendOTP("test@example.com", "123456", "signup", 5*time.Minute))
	assert.Equal(t, "signup code 123456", prov.body)
	assert.Equal(t, "Verify your account", prov.subject)

	assert.NoError(t, s.SendOTP("test@example.com", "654321", "login", 5*time.Minute))
	assert.Equal(t, "login code 654321", prov.body)
	assert.Equal(t, "654321 is your code", prov.subject)
}

func TestSendRejectsBadAddress(t *testing.T) {
	prov := &fakeProv{}
	s := newSender(prov)

	err := s.SendOTP("", "123456", "signup", 5*time.Minute)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "empty address")
	assert.Empty(t, prov.body)

	err = s.SendEmail("", "subject", []byte("body"))
	assert.Error(t, err)
	assert.Empty(t, prov.body)
}

func TestSendTemplateUnknownKind(t *testing.T) {
	s := newSender(&fakeProv{})
	assert.Error(t, s.SendTemplate("no-such-kind", "test@example.com", nil))
}

func TestSendTemplateBodyLimit(t *testing.T) {
	prov := &fakeProv{maxBody: 10}
	s := newSender(prov)

	err := s.SendOTP("test@example.com", "123456", "signup", 5*time.Minute)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}
