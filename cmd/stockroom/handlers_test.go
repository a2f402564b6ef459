package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"golang.org/x/crypto/bcrypt"

	"github.com/stockroomhq/stockroom/internal/auth"
	"github.com/stockroomhq/stockroom/internal/notifier"
	"github.com/stockroomhq/stockroom/internal/otp"
	"github.com/stockroomhq/stockroom/internal/password"
	"github.com/stockroomhq/stockroom/internal/reset"
	"github.com/stockroomhq/stockroom/internal/store/memory"
	"github.com/stockroomhq/stockroom/internal/tenant"
	"github.com/stockroomhq/stockroom/internal/token"
	"github.com/stockroomhq/stockroom/internal/users"
)

const (
	testPassword = "Sup3r$ecret"
	testCooldown = 50 * time.Millisecond
)

var (
	srv       *httptest.Server
	userStore *users.Memory
	delivered *capturingProv
)

// capturingProv is a delivery backend that records rendered bodies.
type capturingProv struct {
	last string
}

func (p *capturingProv) ID() string          { return "capture" }
func (p *capturingProv) ChannelName() string { return "E-mail" }
func (p *capturingProv) MaxBodyLen() int     { return 0 }

func (p *capturingProv) ValidateAddress(to string) error {
	if to == "" {
		return errors.New("empty address")
	}
	return nil
}

func (p *capturingProv) Push(to, subject string, body []byte) error {
	p.last = string(body)
	return nil
}

func testTemplates() map[string]*notifier.Tpl {
	bodies := map[string]string{
		notifier.KindOTPSignup:       "{{ .Code }}",
		notifier.KindOTPLogin:        "{{ .Code }}",
		notifier.KindPasswordReset:   "{{ .Token }}",
		notifier.KindPasswordChanged: "changed",
		notifier.KindWelcome:         "welcome",
	}

	out := make(map[string]*notifier.Tpl)
	for kind, body := range bodies {
		out[kind] = &notifier.Tpl{
			Subject: template.Must(template.New(kind).Parse("subject")),
			Body:    template.Must(template.New(kind + "_body").Parse(body)),
		}
	}
	return out
}

func init() {
	lo := initLogger(true)

	st := memory.New()
	userStore = users.NewMemory()
	userStore.SetInvite("JOIN-OTHER", "tenant-other")

	hasher, err := password.NewBcrypt(bcrypt.MinCost)
	if err != nil {
		panic(err)
	}

	delivered = &capturingProv{}
	sender := notifier.NewSender(delivered, testTemplates(), lo)

	om := otp.New(otp.Config{ResendCooldown: testCooldown}, st, hasher, sender, userStore, lo)

	ti, err := token.New(token.Config{AccessSecret: "test-secret"}, userStore)
	if err != nil {
		panic(err)
	}

	rm := reset.New(reset.Config{ResetURL: "http://localhost/reset-password"}, ti, hasher, userStore, sender, lo)

	app := &App{
		lo:     lo,
		store:  st,
		otp:    om,
		tokens: ti,
		reset:  rm,
		auth:   auth.New(auth.Config{}, om, ti, userStore, hasher, tenant.NewResolver(userStore), sender, lo),
	}

	r := chi.NewRouter()
	r.Get("/api/health", wrap(app, handleHealthCheck))
	r.Post("/api/auth/signup", wrap(app, handleSignup))
	r.Post("/api/auth/signup/verify", wrap(app, handleVerifySignup))
	r.Post("/api/auth/login", wrap(app, handleLogin))
	r.Post("/api/auth/login/verify", wrap(app, handleVerifyLogin))
	r.Post("/api/auth/otp/resend", wrap(app, handleResendOTP))
	r.Post("/api/auth/token/refresh", wrap(app, handleRefreshToken))
	r.Post("/api/auth/password/forgot", wrap(app, handleForgotPassword))
	r.Post("/api/auth/password/reset", wrap(app, handleResetPassword))
	srv = httptest.NewServer(r)
}

// post sends a JSON body and decodes the response envelope.
func post(t *testing.T, path string, body interface{}) (int, httpResp) {
	t.Helper()

	b, err := json.Marshal(body)
	assert.NoError(t, err)

	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(b))
	assert.NoError(t, err)
	defer resp.Body.Close()

	var out struct {
		Status  string          `json:"status"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	assert.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, httpResp{Status: out.Status, Message: out.Message, Data: out.Data}
}

func decodeData(t *testing.T, r httpResp, out interface{}) {
	t.Helper()
	raw, _ := r.Data.(json.RawMessage)
	assert.NoError(t, json.Unmarshal(raw, out))
}

type sessionData struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	TokenType    string          `json:"token_type"`
	ExpiresIn    int             `json:"expires_in"`
	User         json.RawMessage `json:"user"`
}

type pendingData struct {
	RequiresOTP bool   `json:"requiresOtp"`
	Message     string `json:"message"`
	ExpiresIn   int    `json:"expiresIn"`
}

func TestHealthCheck(t *testing.T) {
	resp, err := http.Get(srv.URL + "/api/health")
	assert.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSignupLoginRefreshFlow(t *testing.T) {
	email := "flow@example.com"

	code, r := post(t, "/api/auth/signup", map[string]string{
		"email":        email,
		"password":     testPassword,
		"name":         "Flow Tester",
		"company_name": "Flowco",
	})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "success", r.Status)

	var pending pendingData
	decodeData(t, r, &pending)
	assert.True(t, pending.RequiresOTP)
	assert.Equal(t, 300, pending.ExpiresIn)
	assert.Regexp(t, `^[0-9]{6}$`, delivered.last)

	// A malformed code is rejected before it costs an attempt.
	code, _ = post(t, "/api/auth/signup/verify", map[string]string{"email": email, "otp": "12345"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, r = post(t, "/api/auth/signup/verify", map[string]string{"email": email, "otp": delivered.last})
	assert.Equal(t, http.StatusOK, code)

	var session sessionData
	decodeData(t, r, &session)
	assert.Equal(t, "Bearer", session.TokenType)
	assert.Equal(t, 900, session.ExpiresIn)
	assert.NotEmpty(t, session.AccessToken)
	assert.NotEmpty(t, session.RefreshToken)

	// Log in again: phase 1 issues a fresh challenge.
	time.Sleep(testCooldown + 10*time.Millisecond)
	code, r = post(t, "/api/auth/login", map[string]string{"email": email, "password": testPassword})
	assert.Equal(t, http.StatusOK, code)
	decodeData(t, r, &pending)
	assert.True(t, pending.RequiresOTP)

	code, r = post(t, "/api/auth/login/verify", map[string]string{"email": email, "otp": delivered.last})
	assert.Equal(t, http.StatusOK, code)
	decodeData(t, r, &session)
	assert.NotEmpty(t, session.RefreshToken)

	// Rotate the session on the refresh token.
	code, r = post(t, "/api/auth/token/refresh", map[string]string{"refresh_token": session.RefreshToken})
	assert.Equal(t, http.StatusOK, code)

	var rotated sessionData
	decodeData(t, r, &rotated)
	assert.NotEmpty(t, rotated.AccessToken)
	assert.NotEqual(t, session.RefreshToken, rotated.RefreshToken)
}

func TestSignupRejectsWeakPassword(t *testing.T) {
	code, r := post(t, "/api/auth/signup", map[string]string{
		"email":    "weak@example.com",
		"password": "short1",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "error", r.Status)
}

func TestSignupConflict(t *testing.T) {
	email := "taken@example.com"
	signupAndVerify(t, email)

	time.Sleep(testCooldown + 10*time.Millisecond)
	code, _ := post(t, "/api/auth/signup", map[string]string{
		"email":    email,
		"password": testPassword,
	})
	assert.Equal(t, http.StatusConflict, code)
}

func TestResendCooldown(t *testing.T) {
	email := "cooldown@example.com"
	code, _ := post(t, "/api/auth/signup", map[string]string{
		"email":    email,
		"password": testPassword,
	})
	assert.Equal(t, http.StatusOK, code)

	code, _ = post(t, "/api/auth/otp/resend", map[string]string{"email": email, "purpose": "signup"})
	assert.Equal(t, http.StatusTooManyRequests, code)

	time.Sleep(testCooldown + 10*time.Millisecond)
	code, _ = post(t, "/api/auth/otp/resend", map[string]string{"email": email, "purpose": "signup"})
	assert.Equal(t, http.StatusOK, code)

	code, _ = post(t, "/api/auth/otp/resend", map[string]string{"email": email, "purpose": "bogus"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestWrongCodeThenLockout(t *testing.T) {
	email := "lockme@example.com"
	code, _ := post(t, "/api/auth/signup", map[string]string{
		"email":    email,
		"password": testPassword,
	})
	assert.Equal(t, http.StatusOK, code)

	// Two wrong attempts cost budget.
	for i := 0; i < 2; i++ {
		code, r := post(t, "/api/auth/signup/verify", map[string]string{"email": email, "otp": "000000"})
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Contains(t, r.Message, "incorrect code")
	}

	// The third locks the challenge.
	code, r := post(t, "/api/auth/signup/verify", map[string]string{"email": email, "otp": "000000"})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Contains(t, r.Message, "too many attempts")

	// Even the delivered code is refused now.
	code, _ = post(t, "/api/auth/signup/verify", map[string]string{"email": email, "otp": delivered.last})
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestLoginGenericFailure(t *testing.T) {
	code, r := post(t, "/api/auth/login", map[string]string{
		"email":    "ghost@example.com",
		"password": testPassword,
	})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "invalid e-mail or password", r.Message)
}

func TestRefreshRejectsGarbage(t *testing.T) {
	code, _ := post(t, "/api/auth/token/refresh", map[string]string{"refresh_token": "garbage"})
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestPasswordResetFlow(t *testing.T) {
	email := "forgetful@example.com"
	signupAndVerify(t, email)

	// The response never reveals whether the account exists.
	var ghost, data struct {
		Message string `json:"message"`
	}
	code, r := post(t, "/api/auth/password/forgot", map[string]string{"email": "ghost@example.com"})
	assert.Equal(t, http.StatusOK, code)
	decodeData(t, r, &ghost)

	code, r = post(t, "/api/auth/password/forgot", map[string]string{"email": email})
	assert.Equal(t, http.StatusOK, code)
	decodeData(t, r, &data)
	assert.Equal(t, ghost.Message, data.Message)

	tok := delivered.last
	assert.NotEmpty(t, tok)
	assert.NotEqual(t, "welcome", tok)

	code, _ = post(t, "/api/auth/password/reset", map[string]string{
		"token":        tok,
		"new_password": "N3w$ecret!",
	})
	assert.Equal(t, http.StatusOK, code)

	// The token is single use.
	code, _ = post(t, "/api/auth/password/reset", map[string]string{
		"token":        tok,
		"new_password": "An0ther$ecret",
	})
	assert.Equal(t, http.StatusUnauthorized, code)

	// The old password is gone, the new one works.
	time.Sleep(testCooldown + 10*time.Millisecond)
	code, _ = post(t, "/api/auth/login", map[string]string{"email": email, "password": testPassword})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = post(t, "/api/auth/login", map[string]string{"email": email, "password": "N3w$ecret!"})
	assert.Equal(t, http.StatusOK, code)
}

func TestMalformedBody(t *testing.T) {
	resp, err := http.Post(srv.URL+"/api/auth/signup", "application/json", bytes.NewReader([]byte("{not json")))
	assert.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// signupAndVerify registers and activates an account through the API.
func signupAndVerify(t *testing.T, email string) {
	t.Helper()

	code, _ := post(t, "/api/auth/signup", map[string]string{
		"email":        email,
		"password":     testPassword,
		"name":         "Test Person",
		"company_name": fmt.Sprintf("Co %s", email),
	})
	assert.Equal(t, http.StatusOK, code)

	code, _ = post(t, "/api/auth/signup/verify", map[string]string{"email": email, "otp": delivered.last})
	assert.Equal(t, http.StatusOK, code)
}
