package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/slack-go/slack"

	apiPkg "github.com/opsdesk-io/opsdesk/internal/api"
	"github.com/opsdesk-io/opsdesk/internal/cache"
	"github.com/opsdesk-io/opsdesk/internal/classify"
	"github.com/opsdesk-io/opsdesk/internal/config"
	"github.com/opsdesk-io/opsdesk/internal/connector"
	"github.com/opsdesk-io/opsdesk/internal/connector/telegram"
	"github.com/opsdesk-io/opsdesk/internal/crm"
	"github.com/opsdesk-io/opsdesk/internal/identity"
	"github.com/opsdesk-io/opsdesk/internal/intake"
	"github.com/opsdesk-io/opsdesk/internal/logbuf"
	"github.com/opsdesk-io/opsdesk/internal/notify"
	"github.com/opsdesk-io/opsdesk/internal/provider"
	"github.com/opsdesk-io/opsdesk/internal/refresh"
	"github.com/opsdesk-io/opsdesk/internal/session"
	"github.com/opsdesk-io/opsdesk/internal/tracker"
)

func main() {
	configPath := flag.String("config", "", "Path to config JSON file")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	// Load config (file or env)
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadFromEnv()
		if err == nil {
			err = cfg.Validate()
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "opsdeskd: %v\n", err)
		os.Exit(1)
	}

	// Set up logging: JSON to stdout plus an in-memory ring served at
	// /api/logs.
	logLevel := slog.LevelInfo
	if *verbose || cfg.Daemon.LogLevel == "debug" {
		logLevel = slog.LevelDebug
	}
	logBuf := logbuf.New(2000)
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(logbuf.NewHandler(jsonHandler, logBuf))

	logger.Info("opsdeskd starting", "data_dir", cfg.Daemon.DataDir)

	// Classification oracle
	var prov provider.Provider
	switch cfg.Oracle.Type {
	case "openai":
		var opts []provider.OpenAIOption
		if cfg.Oracle.BaseURL != "" {
			opts = append(opts, provider.WithBaseURL(cfg.Oracle.BaseURL))
		}
		opts = append(opts, provider.WithModel(cfg.Oracle.Model))
		prov = provider.NewOpenAI(cfg.Oracle.APIKey, opts...)
	default: // "anthropic" or empty
		var opts []provider.AnthropicOption
		if cfg.Oracle.BaseURL != "" {
			opts = append(opts, provider.WithAnthropicBaseURL(cfg.Oracle.BaseURL))
		}
		opts = append(opts, provider.WithAnthropicModel(cfg.Oracle.Model))
		prov = provider.NewAnthropic(cfg.Oracle.APIKey, opts...)
	}
	logger.Info("oracle provider initialized", "type", prov.Name(), "model", cfg.Oracle.Model)

	oracle := classify.NewOracle(prov,
		classify.WithModel(cfg.Oracle.Model),
		classify.WithLogger(logger.With("component", "classify")),
	)

	// Stores
	if err := os.MkdirAll(cfg.Daemon.DataDir, 0o755); err != nil {
		logger.Error("failed to create data dir", "path", cfg.Daemon.DataDir, "error", err)
		os.Exit(1)
	}
	sessions, err := session.NewSQLiteStore(filepath.Join(cfg.Daemon.DataDir, "sessions.db"))
	if err != nil {
		logger.Error("failed to open session store", "error", err)
		os.Exit(1)
	}
	defer sessions.Close()

	users, err := identity.NewStore(filepath.Join(cfg.Daemon.DataDir, "users.db"))
	if err != nil {
		logger.Error("failed to open user store", "error", err)
		os.Exit(1)
	}
	defer users.Close()

	cacheStore, err := cache.NewStore(filepath.Join(cfg.Daemon.DataDir, "cache.db"))
	if err != nil {
		logger.Error("failed to open cache store", "error", err)
		os.Exit(1)
	}
	defer cacheStore.Close()

	// Tracker client (the ticket sink and the source for cached reads)
	var trackerOpts []tracker.Option
	if cfg.Tracker.BaseURL != "" {
		trackerOpts = append(trackerOpts, tracker.WithBaseURL(cfg.Tracker.BaseURL))
	}
	trackerClient := tracker.NewClient(cfg.Tracker.APIKey, trackerOpts...)

	// Optional collaborators
	var contacts identity.ContactSource
	if cfg.CRM != nil {
		var crmOpts []crm.Option
		if cfg.CRM.BaseURL != "" {
			crmOpts = append(crmOpts, crm.WithBaseURL(cfg.CRM.BaseURL))
		}
		contacts = crm.NewClient(cfg.CRM.Token, crmOpts...)
		logger.Info("crm lookups enabled")
	}

	var notifier intake.Notifier
	if cfg.Slack != nil {
		api := slack.New(cfg.Slack.Token)
		notifier = notify.NewSlackNotifier(api, cfg.Slack.Channel,
			logger.With("component", "notify"))
		logger.Info("slack notifications enabled", "channel", cfg.Slack.Channel)
	}

	engine := intake.New(sessions, oracle, trackerClient, notifier, intake.Config{
		TeamID:        cfg.Intake.TeamID,
		StateID:       cfg.Intake.StateID,
		OracleTimeout: cfg.Oracle.Timeout(),
	}, logger.With("component", "intake"))

	idents := identity.NewService(users, contacts, logger.With("component", "identity"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Background cache refresher
	refresher := refresh.New(trackerClient, cacheStore, refresh.Config{
		Schedule: cfg.Cache.RefreshSchedule,
		Label:    cfg.Tracker.Label,
		TeamIDs:  []string{cfg.Intake.TeamID},
		TTL:      cfg.Cache.TTL(),
	}, logger.With("component", "refresh"))
	go safeGo(logger, "refresher", func() { refresher.Start(ctx) })

	// Telegram connector
	if cfg.Connectors.Telegram != nil {
		bridge := connector.NewBridge(engine, sessions, logger.With("component", "bridge"))
		tgConn, err := telegram.New(
			telegram.Config{
				Token:     cfg.Connectors.Telegram.Token,
				AllowFrom: cfg.Connectors.Telegram.AllowFrom,
			},
			bridge.Handle,
			logger.With("connector", "telegram"),
		)
		if err != nil {
			logger.Error("failed to init telegram connector", "error", err)
			os.Exit(1)
		}
		bridge.SetSender(tgConn)

		go safeGo(logger, "telegram", func() { tgConn.Start(ctx) })
		logger.Info("telegram connector started")
	}

	// API server
	apiSrv := apiPkg.NewServer(apiPkg.Deps{
		Intake:   engine,
		Identity: idents,
		Sessions: sessions,
		Source:   trackerClient,
		Cache:    cache.New(cacheStore, cfg.Cache.TTL(), logger.With("component", "cache")),
		Syncer:   refresher,
		Logs:     logBuf,
	}, apiPkg.Config{
		Host:               cfg.API.Host,
		Port:               cfg.API.Port,
		Key:                cfg.API.Key,
		Label:              cfg.Tracker.Label,
		TeamID:             cfg.Intake.TeamID,
		SessionReuseWindow: cfg.Intake.SessionReuseWindow(),
	}, logger.With("component", "api"))

	go safeGo(logger, "api-server", func() { apiSrv.Start(ctx) })
	logger.Info("api server started", "port", cfg.API.Port)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()
	logger.Info("opsdeskd stopped")
}

// safeGo runs fn with panic recovery.
func safeGo(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("goroutine panicked", "name", name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}
