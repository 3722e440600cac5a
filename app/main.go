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
	"github.com/go-pkgz/repeater/strategy"
	"github.com/robfig/cron/v3"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/chrono-hq/ingestd/app/api"
	"github.com/chrono-hq/ingestd/app/config"
	"github.com/chrono-hq/ingestd/app/notify"
	"github.com/chrono-hq/ingestd/app/tracker"
	"github.com/chrono-hq/ingestd/app/tracker/persistence"
	"github.com/chrono-hq/ingestd/app/web"
)

var opts struct {
	Config string `short:"f" long:"config" env:"INGESTD_CONFIG" description:"yaml config file with notify destinations"`
	DBPath string `long:"db" env:"INGESTD_DB" default:"ingestd.db" description:"sqlite database for tracked jobs"`

	Backend struct {
		URL      string        `long:"url" env:"URL" required:"true" description:"chrono backend base url"`
		Email    string        `long:"email" env:"EMAIL" required:"true" description:"backend account email"`
		Password string        `long:"password" env:"PASSWORD" required:"true" description:"backend account password"`
		Timeout  time.Duration `long:"timeout" env:"TIMEOUT" default:"30s" description:"request timeout"`
	} `group:"backend" namespace:"backend" env-namespace:"INGESTD_BACKEND"`

	Poll struct {
		Schedule    string `long:"schedule" env:"SCHEDULE" default:"@every 2s" description:"status poll schedule"`
		Concurrency int    `long:"concurrency" env:"CONCURRENCY" default:"8" description:"max concurrent status queries per tick"`
	} `group:"poll" namespace:"poll" env-namespace:"INGESTD_POLL"`

	Web struct {
		Listen       string `long:"listen" env:"LISTEN" default:"localhost:8080" description:"local api listen address"`
		AuthUser     string `long:"auth-user" env:"AUTH_USER" default:"ingestd" description:"basic auth user for local api"`
		PasswordHash string `long:"auth-hash" env:"AUTH_HASH" description:"bcrypt hash enabling basic auth for local api"`
	} `group:"web" namespace:"web" env-namespace:"INGESTD_WEB"`

	Repeater struct {
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"3" description:"how many times to repeat failed delivery"`
		Duration time.Duration `long:"duration" env:"DURATION" default:"1s" description:"initial duration"`
		Factor   float64       `long:"factor" env:"FACTOR" default:"3" description:"backoff factor"`
		Jitter   bool          `long:"jitter" env:"JITTER" description:"jitter"`
	} `group:"repeater" namespace:"repeater" env-namespace:"INGESTD_REPEATER"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging"`
		Filename        string `long:"file" env:"FILE" description:"log to file instead of stdout"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max log file size in megabytes"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max number of rotated files"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"max age of rotated files in days"`
		EnabledCompress bool   `long:"enabled-compress" env:"ENABLED_COMPRESS" description:"compress rotated files"`
	} `group:"log" namespace:"log" env-namespace:"INGESTD_LOG"`

	Dbg bool `long:"dbg" env:"INGESTD_DEBUG" description:"debug mode"`
}

var revision = "unknown"

func main() {
	fmt.Printf("ingestd %s\n", revision)

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
		log.Fatalf("[ERROR] %v", err)
	}
}

func run(ctx context.Context) error {
	var fileCfg *config.Config
	if opts.Config != "" {
		cfg, err := config.Load(opts.Config)
		if err != nil {
			return fmt.Errorf("can't load config: %w", err)
		}
		fileCfg = cfg
	}

	client, err := api.New(opts.Backend.URL, opts.Backend.Timeout)
	if err != nil {
		return fmt.Errorf("can't make backend client: %w", err)
	}

	store, err := persistence.NewSQLiteStore(opts.DBPath)
	if err != nil {
		return fmt.Errorf("can't open persistence: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("[WARN] failed to close persistence, %v", err)
		}
	}()

	rptr := repeater.New(&strategy.Backoff{Repeats: opts.Repeater.Attempts, Duration: opts.Repeater.Duration,
		Factor: opts.Repeater.Factor, Jitter: opts.Repeater.Jitter})

	notifySvc := notify.NewService(notify.Params{Repeater: rptr, Timeout: notifyTimeout(fileCfg)}, makeSenders(fileCfg))

	trk := &tracker.Tracker{
		Store:       tracker.NewStore(),
		Client:      client,
		Persistence: store,
		Notifier:    notifySvc,
		Concurrency: opts.Poll.Concurrency,
	}
	poller := &tracker.CronPoller{Cron: cron.New(), Spec: pollSchedule(fileCfg), Tick: trk.PollActive}
	trk.Poller = poller
	go poller.Run(ctx)

	// login retried with backoff, the backend may not be up yet
	err = rptr.Do(ctx, func() error { return client.Login(ctx, opts.Backend.Email, opts.Backend.Password) })
	if err != nil {
		return fmt.Errorf("can't login to backend: %w", err)
	}
	trk.Activate(opts.Backend.Email)

	srv, err := web.New(web.Config{
		Tracker:      trk,
		Feed:         notifySvc.AnnouncementFeed(),
		Version:      revision,
		AuthUser:     opts.Web.AuthUser,
		PasswordHash: opts.Web.PasswordHash,
		OnLogout: func(ctx context.Context) error {
			trk.Deactivate()
			return client.Logout(ctx)
		},
	})
	if err != nil {
		return fmt.Errorf("can't make web server: %w", err)
	}
	return srv.Run(ctx, opts.Web.Listen)
}

// pollSchedule picks the poll schedule, file config wins over the flag default
func pollSchedule(cfg *config.Config) string {
	if cfg != nil && cfg.PollSchedule != "" {
		return cfg.PollSchedule
	}
	return opts.Poll.Schedule
}

func notifyTimeout(cfg *config.Config) time.Duration {
	if cfg != nil && cfg.Notify.Timeout > 0 {
		return cfg.Notify.Timeout
	}
	return 10 * time.Second
}

// makeSenders converts file config into announcement destinations
func makeSenders(cfg *config.Config) notify.SendersParams {
	if cfg == nil {
		return notify.SendersParams{}
	}
	return notify.SendersParams{
		WebhookURLs:          cfg.Notify.Webhooks,
		SlackToken:           cfg.Notify.Slack.Token,
		SlackChannels:        cfg.Notify.Slack.Channels,
		TelegramToken:        cfg.Notify.Telegram.Token,
		TelegramDestinations: cfg.Notify.Telegram.Destinations,
		SMTPHost:             cfg.Notify.Email.Host,
		SMTPPort:             cfg.Notify.Email.Port,
		SMTPTLS:              cfg.Notify.Email.TLS,
		SMTPUsername:         cfg.Notify.Email.Username,
		SMTPPassword:         cfg.Notify.Email.Password,
		FromEmail:            cfg.Notify.Email.From,
		ToEmails:             cfg.Notify.Email.To,
	}
}

// setupLogs configures lgr output, returns the writer logs go to
func setupLogs() io.Writer {
	if !opts.Log.Enabled {
		log.Setup(log.Out(io.Discard), log.Err(io.Discard))
		return os.Stdout
	}

	logOpts := []log.Option{log.Msec}
	if opts.Dbg {
		logOpts = []log.Option{log.Debug, log.CallerFile, log.CallerFunc, log.Msec}
	}

	var out io.Writer = os.Stdout
	if opts.Log.Filename != "" {
		out = &lumberjack.Logger{
			Filename:   opts.Log.Filename,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.EnabledCompress,
		}
		logOpts = append(logOpts, log.Out(out))
	}
	log.Setup(logOpts...)
	return out
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
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
}
