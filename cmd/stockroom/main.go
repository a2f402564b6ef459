package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/knadh/koanf/v2"
	"github.com/knadh/stuffbin"
	"github.com/zerodha/logf"

	"github.com/stockroomhq/stockroom/internal/auth"
	"github.com/stockroomhq/stockroom/internal/notifier"
	"github.com/stockroomhq/stockroom/internal/otp"
	"github.com/stockroomhq/stockroom/internal/password"
	"github.com/stockroomhq/stockroom/internal/reset"
	"github.com/stockroomhq/stockroom/internal/store"
	"github.com/stockroomhq/stockroom/internal/store/memory"
	"github.com/stockroomhq/stockroom/internal/tenant"
	"github.com/stockroomhq/stockroom/internal/token"
)

// App is the global app context that groups the necessary controls
// (services, store, config etc.) to be injected into the HTTP handlers.
type App struct {
	lo        logf.Logger
	fs        stuffbin.FileSystem
	store     store.Store
	auth      *auth.Service
	otp       *otp.Manager
	tokens    *token.Issuer
	reset     *reset.Manager
	constants constants
}

var (
	ko = koanf.New(".")

	// Version of the build injected at build time.
	buildString = "unknown"
)

func main() {
	initConfig()

	var (
		env = ko.String("app.env")
		lo  = initLogger(ko.Bool("app.debug"))
	)

	app := &App{
		lo: lo,
		fs: initFS(os.Args[0]),
		constants: constants{
			RootURL: strings.TrimRight(ko.String("app.root_url"), "/"),
			Env:     env,
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Challenge store. The in-memory store runs its own expiry sweeper.
	app.store = initStore(lo)
	if mem, ok := app.store.(*memory.Memory); ok {
		sweep := ko.Duration("store.memory.sweep_interval")
		if sweep.Seconds() < 1 {
			sweep = time.Minute
		}
		go mem.Run(ctx, sweep)
	}

	// Account directory and invite codes.
	userStore := initUsers()

	hasher, err := password.NewBcrypt(ko.Int("app.bcrypt_cost"))
	if err != nil {
		lo.Fatal("error initializing password hasher", "error", err)
	}

	// Outbound messaging.
	sender := notifier.NewSender(initNotifierProvider(lo), initTemplates(app.fs, lo), lo)

	app.otp = otp.New(otp.Config{
		Expiry:         ko.Duration("otp.expiry"),
		MaxAttempts:    ko.Int("otp.max_attempts"),
		LockoutWindow:  ko.Duration("otp.lockout_window"),
		ResendCooldown: ko.Duration("otp.resend_cooldown"),
		Production:     env == "production",
	}, app.store, hasher, sender, userStore, lo)

	app.tokens, err = token.New(token.Config{
		AccessSecret:  ko.String("token.access_secret"),
		RefreshSecret: ko.String("token.refresh_secret"),
		AccessTTL:     ko.Duration("token.access_ttl"),
		RefreshTTL:    ko.Duration("token.refresh_ttl"),
		Issuer:        app.constants.RootURL,
	}, userStore)
	if err != nil {
		lo.Fatal("error initializing token issuer", "error", err)
	}

	app.reset = reset.New(reset.Config{
		TokenTTL: ko.Duration("reset.token_ttl"),
		ResetURL: app.constants.RootURL + "/reset-password",
	}, app.tokens, hasher, userStore, sender, lo)

	app.auth = auth.New(auth.Config{
		MaxFailedLogins: ko.Int("app.max_failed_logins"),
		LoginLockout:    ko.Duration("app.login_lockout"),
	}, app.otp, app.tokens, userStore, hasher, tenant.NewResolver(userStore), sender, lo)

	// Register handles.
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("stockroom"))
	})
	r.Get("/api/health", wrap(app, handleHealthCheck))

	r.Post("/api/auth/signup", wrap(app, handleSignup))
	r.Post("/api/auth/signup/verify", wrap(app, handleVerifySignup))
	r.Post("/api/auth/login", wrap(app, handleLogin))
	r.Post("/api/auth/login/verify", wrap(app, handleVerifyLogin))
	r.Post("/api/auth/otp/resend", wrap(app, handleResendOTP))
	r.Post("/api/auth/token/refresh", wrap(app, handleRefreshToken))
	r.Post("/api/auth/password/forgot", wrap(app, handleForgotPassword))
	r.Post("/api/auth/password/reset", wrap(app, handleResetPassword))

	// HTTP server.
	timeout := serverTimeout()
	srv := &http.Server{
		Addr:         ko.String("app.address"),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		Handler:      r,
	}

	go func() {
		lo.Info("starting server", "address", srv.Addr, "env", env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lo.Fatal("couldn't start server", "error", err)
		}
	}()

	<-ctx.Done()
	lo.Info("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		lo.Error("error shutting down server", "error", err)
	}
}
