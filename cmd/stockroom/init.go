package main

import (
	"fmt"
	"html/template"
	"log"
	"os"
	"strings"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/knadh/stuffbin"
	flag "github.com/spf13/pflag"
	"github.com/zerodha/logf"

	"github.com/stockroomhq/stockroom/internal/notifier"
	"github.com/stockroomhq/stockroom/internal/notifier/email"
	"github.com/stockroomhq/stockroom/internal/notifier/sms"
	"github.com/stockroomhq/stockroom/internal/notifier/webhook"
	"github.com/stockroomhq/stockroom/internal/store"
	"github.com/stockroomhq/stockroom/internal/store/memory"
	"github.com/stockroomhq/stockroom/internal/store/redis"
	"github.com/stockroomhq/stockroom/internal/users"
)

type constants struct {
	RootURL string
	Env     string
}

// Default e-mail subjects, overridable per kind under notifier.subjects.
var defaultSubjects = map[string]string{
	notifier.KindOTPSignup:       "{{ .Code }} is your verification code",
	notifier.KindOTPLogin:        "{{ .Code }} is your sign-in code",
	notifier.KindPasswordReset:   "Reset your password",
	notifier.KindPasswordChanged: "Your password was changed",
	notifier.KindWelcome:         "Welcome aboard",
}

func initConfig() {
	// Register --help handler.
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	f.StringSlice("config", []string{"config.toml"},
		"Path to one or more TOML config files to load in order")
	f.Bool("version", false, "Show build version")
	f.Parse(os.Args[1:])

	// Display version.
	if ok, _ := f.GetBool("version"); ok {
		fmt.Println(buildString)
		os.Exit(0)
	}

	// Read the config files.
	cFiles, _ := f.GetStringSlice("config")
	for _, f := range cFiles {
		log.Printf("reading config: %s", f)
		if err := ko.Load(file.Provider(f), toml.Parser()); err != nil {
			log.Printf("error reading config: %v", err)
		}
	}

	// Load environment variables and merge into the loaded config.
	if err := ko.Load(env.Provider(".", env.Opt{
		Prefix: "STOCKROOM_",
		TransformFunc: func(k, v string) (string, any) {
			return strings.Replace(strings.ToLower(
				strings.TrimPrefix(k, "STOCKROOM_")), "__", ".", -1), v
		},
	}), nil); err != nil {
		log.Printf("error loading env config: %v", err)
	}

	ko.Load(posflag.Provider(f, ".", ko), nil)
}

func initLogger(debug bool) logf.Logger {
	opts := logf.Opts{EnableCaller: true}
	if debug {
		opts.Level = logf.DebugLevel
		opts.EnableColor = true
	}
	return logf.New(opts)
}

func initFS(exe string) stuffbin.FileSystem {
	// Read stuffed data from self.
	fs, err := stuffbin.UnStuff(exe)
	if err != nil {
		// Binary is unstuffed or is running in dev mode.
		// Can halt here or fall back to the local filesystem.
		if err == stuffbin.ErrNoID {
			fs, err = stuffbin.NewLocalFS("/", "static/")
			if err != nil {
				log.Fatalf("error falling back to local filesystem: %v", err)
			}
		} else {
			log.Fatalf("error reading stuffed binary: %v", err)
		}
	}

	return fs
}

// initStore picks the challenge store backend from config. The in-memory
// store suits single-node deployments and tests; Redis everything else.
func initStore(lo logf.Logger) store.Store {
	switch typ := ko.String("store.type"); typ {
	case "redis":
		var rc redis.Conf
		if err := ko.UnmarshalWithConf("store.redis", &rc, koanf.UnmarshalConf{Tag: "json"}); err != nil {
			lo.Fatal("error unmarshalling redis config", "error", err)
		}
		return redis.New(rc)
	case "", "memory":
		return memory.New()
	default:
		lo.Fatal("unknown store.type", "type", typ)
		return nil
	}
}

// initUsers sets up the account directory and seeds any invite codes
// declared in config ([tenants.invites] code = "tenant-id").
func initUsers() *users.Memory {
	us := users.NewMemory()
	for code, tenantID := range ko.StringMap("tenants.invites") {
		us.SetInvite(code, tenantID)
	}
	return us
}

// initNotifierProvider picks the delivery backend from config.
func initNotifierProvider(lo logf.Logger) notifier.Provider {
	switch ch := ko.String("notifier.channel"); ch {
	case "", "email":
		var cfg email.Config
		if err := ko.UnmarshalWithConf("notifier.email", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
			lo.Fatal("error unmarshalling email config", "error", err)
		}
		p, err := email.New(cfg)
		if err != nil {
			lo.Fatal("error initializing email provider", "error", err)
		}
		return p
	case "webhook":
		var cfg webhook.Config
		if err := ko.UnmarshalWithConf("notifier.webhook", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
			lo.Fatal("error unmarshalling webhook config", "error", err)
		}
		p, err := webhook.New(cfg)
		if err != nil {
			lo.Fatal("error initializing webhook provider", "error", err)
		}
		return p
	case "sms":
		var cfg sms.Config
		if err := ko.UnmarshalWithConf("notifier.sms", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
			lo.Fatal("error unmarshalling sms config", "error", err)
		}
		p, err := sms.New(cfg)
		if err != nil {
			lo.Fatal("error initializing sms provider", "error", err)
		}
		return p
	default:
		lo.Fatal("unknown notifier.channel", "channel", ch)
		return nil
	}
}

// initTemplates compiles the message templates bundled under
// /static/email and pairs each with its subject line.
func initTemplates(fs stuffbin.FileSystem, lo logf.Logger) map[string]*notifier.Tpl {
	bodies, err := stuffbin.ParseTemplatesGlob(sprig.FuncMap(), fs, "/static/email/*.html")
	if err != nil {
		lo.Fatal("error compiling message templates", "error", err)
	}

	out := make(map[string]*notifier.Tpl)
	for kind, defSubj := range defaultSubjects {
		body := bodies.Lookup(kind + ".html")
		if body == nil {
			lo.Fatal("missing message template", "kind", kind)
		}

		subj := ko.String("notifier.subjects." + kind)
		if subj == "" {
			subj = defSubj
		}
		subjTpl, err := template.New(kind).Funcs(sprig.FuncMap()).Parse(subj)
		if err != nil {
			lo.Fatal("error parsing subject template", "kind", kind, "error", err)
		}

		out[kind] = &notifier.Tpl{Subject: subjTpl, Body: body}
	}

	return out
}

func serverTimeout() time.Duration {
	timeout := ko.Duration("app.server_timeout")
	if timeout.Seconds() < 1 {
		timeout = time.Second * 5
	}
	return timeout
}
