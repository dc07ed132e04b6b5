package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/covergen/coverd/app/conditions"
	"github.com/covergen/coverd/app/config"
	"github.com/covergen/coverd/app/notify"
	"github.com/covergen/coverd/app/persist"
	"github.com/covergen/coverd/app/remote"
	"github.com/covergen/coverd/app/scheduler"
	"github.com/covergen/coverd/app/web"
)

var opts struct {
	Listen   string `short:"l" long:"listen" env:"COVERD_LISTEN" default:":8080" description:"web server listen address"`
	DB       string `long:"db" env:"COVERD_DB" default:"coverd.db" description:"sqlite database path"`
	Config   string `short:"f" long:"config" env:"COVERD_CONFIG" description:"yaml config file"`
	AuthHash string `long:"auth-hash" env:"COVERD_AUTH_HASH" description:"bcrypt password hash enabling basic auth"`

	Remote struct {
		URL     string        `long:"url" env:"URL" description:"job authority base url, empty runs the local clock"`
		Timeout time.Duration `long:"timeout" env:"TIMEOUT" default:"10s" description:"request timeout"`
	} `group:"remote" namespace:"remote" env-namespace:"COVERD_REMOTE"`

	Scheduler struct {
		Cap          int           `long:"cap" env:"CAP" default:"1" description:"max jobs running at once"`
		PollInterval time.Duration `long:"poll" env:"POLL" default:"1s" description:"remote poll interval"`
		TickInterval time.Duration `long:"tick" env:"TICK" default:"500ms" description:"local clock interval"`
		Resync       string        `long:"resync" env:"RESYNC" default:"@every 1m" description:"cron spec for bulk reconcile"`
	} `group:"scheduler" namespace:"scheduler" env-namespace:"COVERD_SCHEDULER"`

	Repeater struct {
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"3" description:"how many times to repeat failed reconcile"`
		Duration time.Duration `long:"duration" env:"DURATION" default:"1s" description:"delay between repeats"`
	} `group:"repeater" namespace:"repeater" env-namespace:"COVERD_REPEATER"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging to file"`
		Filename        string `long:"file" env:"FILE" default:"coverd.log" description:"log file name"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max log size in megabytes"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max number of rotated files"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"max age of rotated files in days"`
		EnabledCompress bool   `long:"compress" env:"COMPRESS" description:"compress rotated files"`
	} `group:"log" namespace:"log" env-namespace:"COVERD_LOG"`

	Dbg bool `long:"dbg" env:"COVERD_DEBUG" description:"debug mode"`
}

var revision = "unknown"

func main() {
	fmt.Printf("coverd %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}
	setupLogs()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT and SIGTERM

	if err := run(ctx); err != nil {
		log.Printf("[ERROR] coverd terminated, %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return err
	}
	applyConfig(cfg)

	db, err := persist.NewSQLiteStore(opts.DB)
	if err != nil {
		return fmt.Errorf("failed to open store at %s: %w", opts.DB, err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("[WARN] failed to close store: %v", err)
		}
	}()

	var rmt scheduler.Remote
	if opts.Remote.URL != "" {
		rptr := repeater.NewDefault(opts.Repeater.Attempts, opts.Repeater.Duration)
		client := remote.New(opts.Remote.URL, opts.Remote.Timeout, rptr)
		defer client.Wait() // drain in-flight best-effort notifications
		rmt = client
		log.Printf("[INFO] remote authority %s", opts.Remote.URL)
	} else {
		log.Printf("[INFO] no remote authority, running on the local clock")
	}

	var admission scheduler.Admission
	if cfg.Conditions.Enabled() {
		admission = conditions.NewChecker(cfg.Conditions, 0)
		log.Printf("[INFO] admission conditions enabled")
	}

	var notifier scheduler.Notifier
	if svc := makeNotifier(cfg.Notify); svc != nil {
		notifier = svc
		log.Printf("[INFO] %s", svc)
	}

	sched := scheduler.New(scheduler.Params{
		Remote:       rmt,
		Store:        db,
		Notifier:     notifier,
		Analytics:    db,
		Admission:    admission,
		Cap:          opts.Scheduler.Cap,
		PollInterval: opts.Scheduler.PollInterval,
		TickInterval: opts.Scheduler.TickInterval,
		Resync:       opts.Scheduler.Resync,
	})

	srv, err := web.New(web.Config{
		Scheduler:    sched,
		Transitions:  db,
		Version:      revision,
		PasswordHash: opts.AuthHash,
	})
	if err != nil {
		return err
	}
	go func() {
		if err := srv.Run(ctx, opts.Listen); err != nil {
			log.Printf("[ERROR] web server terminated, %v", err)
		}
	}()

	return sched.Run(ctx)
}

// applyConfig overlays file values over flag defaults, file wins where set
func applyConfig(cfg *config.Config) {
	if cfg.Scheduler.Cap > 0 {
		opts.Scheduler.Cap = cfg.Scheduler.Cap
	}
	if cfg.Scheduler.PollInterval > 0 {
		opts.Scheduler.PollInterval = time.Duration(cfg.Scheduler.PollInterval)
	}
	if cfg.Scheduler.TickInterval > 0 {
		opts.Scheduler.TickInterval = time.Duration(cfg.Scheduler.TickInterval)
	}
	if cfg.Scheduler.Resync != "" {
		opts.Scheduler.Resync = cfg.Scheduler.Resync
	}
	if cfg.Remote.URL != "" {
		opts.Remote.URL = cfg.Remote.URL
	}
	if cfg.Remote.Timeout > 0 {
		opts.Remote.Timeout = time.Duration(cfg.Remote.Timeout)
	}
}

func makeNotifier(cfg config.NotifyConfig) *notify.Service {
	return notify.NewService(
		notify.Params{
			EnabledProgress:    cfg.OnProgress,
			EnabledCompletion:  cfg.OnCompletion,
			ProgressTemplate:   cfg.ProgressTemplate,
			CompletionTemplate: cfg.CompletionTemplate,
		},
		notify.SendersParams{
			FromEmail:            cfg.Email.From,
			SMTPHost:             cfg.Email.Host,
			SMTPPort:             cfg.Email.Port,
			SMTPTLS:              cfg.Email.TLS,
			SMTPUsername:         cfg.Email.Username,
			SMTPPassword:         cfg.Email.Password,
			ToEmails:             cfg.Email.To,
			SlackToken:           cfg.Slack.Token,
			SlackChannels:        cfg.Slack.Channels,
			TelegramToken:        cfg.Telegram.Token,
			TelegramDestinations: cfg.Telegram.Destinations,
			WebhookURLs:          cfg.Webhook.URLs,
			TimeOut:              time.Duration(cfg.Timeout),
		})
}

// setupLogs configures lgr and returns the log writer, rotated when file
// logging is enabled
func setupLogs() io.Writer {
	logOpts := []log.Option{log.Msec}
	if opts.Dbg {
		logOpts = []log.Option{log.Debug, log.Msec, log.CallerFunc, log.CallerPkg, log.CallerFile}
	}

	if !opts.Log.Enabled {
		log.Setup(logOpts...)
		return os.Stdout
	}

	rotated := &lumberjack.Logger{
		Filename:   opts.Log.Filename,
		MaxSize:    opts.Log.MaxSize,
		MaxBackups: opts.Log.MaxBackups,
		MaxAge:     opts.Log.MaxAge,
		Compress:   opts.Log.EnabledCompress,
	}
	logOpts = append(logOpts, log.Out(io.MultiWriter(os.Stdout, rotated)))
	log.Setup(logOpts...)
	return rotated
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			cancel() // terminate on SIGTERM
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM)
}
