package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"

	"github.com/stockroomhq/stockroom/internal/auth"
	"github.com/stockroomhq/stockroom/internal/models"
	"github.com/stockroomhq/stockroom/internal/otp"
	"github.com/stockroomhq/stockroom/internal/password"
	"github.com/stockroomhq/stockroom/internal/reset"
	"github.com/stockroomhq/stockroom/internal/token"
	"github.com/stockroomhq/stockroom/internal/users"
)

var reCode = regexp.MustCompile(`^[0-9]{6}$`)

type httpResp struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// otpPendingResp acknowledges phase 1 of a two-step flow.
type otpPendingResp struct {
	RequiresOTP bool            `json:"requiresOtp"`
	Message     string          `json:"message"`
	ExpiresIn   int             `json:"expiresIn"`
	User        models.SafeUser `json:"user"`
}

// sessionResp is a finished sign-in.
type sessionResp struct {
	models.TokenPair
	User    models.SafeUser `json:"user"`
	Message string          `json:"message,omitempty"`
}

type verifyReq struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type resendReq struct {
	Email   string `json:"email"`
	Purpose string `json:"purpose"`
}

type refreshReq struct {
	RefreshToken string `json:"refresh_token"`
}

type forgotReq struct {
	Email string `json:"email"`
}

type resetReq struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

// handleHealthCheck is a healthcheck endpoint that returns the store status.
func handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)
	if err := app.store.Ping(r.Context()); err != nil {
		sendErrorResponse(w, "store unreachable", http.StatusServiceUnavailable, nil)
		return
	}
	sendResponse(w, true)
}

// handleSignup accepts a registration, holds the account on a signup
// challenge and mails out the code.
func handleSignup(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)

	var req auth.RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	u, rcpt, err := app.auth.Register(r.Context(), req)
	if err != nil {
		sendAuthError(app, w, err)
		return
	}

	sendResponse(w, otpPendingResp{
		RequiresOTP: true,
		Message:     rcpt.Message,
		ExpiresIn:   rcpt.ExpiresIn,
		User:        u.Safe(),
	})
}

// handleVerifySignup redeems a signup code, activates the account and
// opens a session.
func handleVerifySignup(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)

	var req verifyReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if !reCode.MatchString(req.OTP) {
		sendErrorResponse(w, "invalid code format", http.StatusBadRequest, nil)
		return
	}

	u, pair, err := app.auth.VerifyRegistration(r.Context(), req.Email, req.OTP)
	if err != nil {
		sendAuthError(app, w, err)
		return
	}

	sendResponse(w, sessionResp{
		TokenPair: pair,
		User:      u.Safe(),
		Message:   "Your account has been verified.",
	})
}

// handleLogin checks credentials and either opens a session directly or
// issues a login challenge.
func handleLogin(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)

	var req loginReq
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := app.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		sendAuthError(app, w, err)
		return
	}

	if res.RequiresOTP {
		sendResponse(w, otpPendingResp{
			RequiresOTP: true,
			Message:     res.Receipt.Message,
			ExpiresIn:   res.Receipt.ExpiresIn,
			User:        res.User.Safe(),
		})
		return
	}

	sendResponse(w, sessionResp{TokenPair: res.Tokens, User: res.User.Safe()})
}

// handleVerifyLogin redeems a login code and opens a session.
func handleVerifyLogin(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)

	var req verifyReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if !reCode.MatchString(req.OTP) {
		sendErrorResponse(w, "invalid code format", http.StatusBadRequest, nil)
		return
	}

	u, pair, err := app.auth.VerifyLogin(r.Context(), req.Email, req.OTP)
	if err != nil {
		sendAuthError(app, w, err)
		return
	}

	sendResponse(w, sessionResp{TokenPair: pair, User: u.Safe()})
}

// handleResendOTP reissues the live challenge for (email, purpose).
func handleResendOTP(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)

	var req resendReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Purpose != models.PurposeSignup && req.Purpose != models.PurposeLogin {
		sendErrorResponse(w, "invalid purpose", http.StatusBadRequest, nil)
		return
	}

	rcpt, err := app.otp.Resend(r.Context(), auth.NormalizeEmail(req.Email), req.Purpose)
	if err != nil {
		sendAuthError(app, w, err)
		return
	}

	sendResponse(w, rcpt)
}

// handleRefreshToken rotates a refresh token into a fresh session.
func handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)

	var req refreshReq
	if !decodeJSON(w, r, &req) {
		return
	}

	u, pair, err := app.tokens.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		sendAuthError(app, w, err)
		return
	}

	sendResponse(w, sessionResp{TokenPair: pair, User: u.Safe()})
}

// handleForgotPassword mails a reset link. The response is the same
// whether or not the account exists.
func handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)

	var req forgotReq
	if !decodeJSON(w, r, &req) {
		return
	}

	msg, err := app.reset.Request(r.Context(), req.Email)
	if err != nil {
		sendAuthError(app, w, err)
		return
	}

	sendResponse(w, struct {
		Message string `json:"message"`
	}{msg})
}

// handleResetPassword redeems a reset token and sets the new password.
func handleResetPassword(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)

	var req resetReq
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := app.reset.Redeem(r.Context(), req.Token, req.NewPassword); err != nil {
		sendAuthError(app, w, err)
		return
	}

	sendResponse(w, struct {
		Message string `json:"message"`
	}{"Your password has been reset. You can now sign in."})
}

// sendAuthError maps service errors to HTTP statuses and writes the
// error envelope.
func sendAuthError(app *App, w http.ResponseWriter, err error) {
	var (
		cooldown *otp.CooldownError
		locked   *otp.LockedError
		badCode  *otp.InvalidCodeError
	)

	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, otp.ErrConflict), errors.Is(err, users.ErrExists):
		code = http.StatusConflict
	case errors.As(err, &cooldown):
		code = http.StatusTooManyRequests
	case errors.As(err, &locked),
		errors.Is(err, otp.ErrExpired),
		errors.Is(err, auth.ErrAuthentication),
		errors.Is(err, reset.ErrInvalidToken),
		errors.Is(err, token.ErrInvalidRefresh):
		code = http.StatusUnauthorized
	case errors.As(err, &badCode),
		errors.Is(err, otp.ErrNotFound),
		errors.Is(err, auth.ErrValidation),
		errors.Is(err, password.ErrPolicy):
		code = http.StatusBadRequest
	}

	if code == http.StatusInternalServerError {
		app.lo.Error("internal error", "error", err)
		sendErrorResponse(w, "internal server error", code, nil)
		return
	}
	sendErrorResponse(w, err.Error(), code, nil)
}

// decodeJSON reads the request body into out, writing the error
// response itself on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		sendErrorResponse(w, "error parsing request body", http.StatusBadRequest, nil)
		return false
	}
	return true
}

// wrap is a middleware that wraps HTTP handlers and injects the "app" context.
func wrap(app *App, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), "app", app)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sendResponse sends a JSON envelope to the HTTP response.
func sendResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	out, err := json.Marshal(httpResp{Status: "success", Data: data})
	if err != nil {
		sendErrorResponse(w, "internal server error", http.StatusInternalServerError, nil)
		return
	}

	w.Write(out)
}

// sendErrorResponse sends a JSON error envelope to the HTTP response.
func sendErrorResponse(w http.ResponseWriter, message string, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)

	out, _ := json.Marshal(httpResp{Status: "error", Message: message, Data: data})
	w.Write(out)
}
