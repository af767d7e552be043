package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Lucas123-creator/NeonMarketing.01/internal/api"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/engine"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/messaging"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/metrics"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/models"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/optimizer"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/render"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/scheduler"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/store"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/tracker"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/twilioapi"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/util"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/whatsapp"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/workflow"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for engine state data
	DefaultStateDir = "/var/lib/neonmarketing"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "neonmarketing.db"
	// DefaultTickSchedule is the default cron cadence for the engine tick
	DefaultTickSchedule = "@every 30s"
	// DefaultOptimizerSchedule is the default cron cadence for strategy recomputation
	DefaultOptimizerSchedule = "@every 1h"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	if err := run(flags); err != nil {
		slog.Error("NeonMarketing failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("NeonMarketing exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL       string
	StateDir          string
	APIAddr           string
	TickSchedule      string
	OptimizerSchedule string
	TemplatesDir      string
	WorkflowsDir      string
	WhatsAppDSN       string
}

// Flags holds command line flag values
type Flags struct {
	dbDSN             *string
	stateDir          *string
	apiAddr           *string
	tickSchedule      *string
	optimizerSchedule *string
	templatesDir      *string
	workflowsDir      *string
	whatsappDSN       *string
	qrOutput          *string
	numeric           *bool
}

// initializeLogger sets up structured logging. The level is read from
// $LOG_LEVEL (debug, info, warn, error); default is info.
func initializeLogger() {
	level := slog.LevelInfo
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		StateDir:          os.Getenv("NEONMARKETING_STATE_DIR"),
		APIAddr:           os.Getenv("API_ADDR"),
		TickSchedule:      os.Getenv("ENGINE_TICK_SCHEDULE"),
		OptimizerSchedule: os.Getenv("OPTIMIZER_SCHEDULE"),
		TemplatesDir:      os.Getenv("TEMPLATES_DIR"),
		WorkflowsDir:      os.Getenv("WORKFLOWS_DIR"),
		WhatsAppDSN:       os.Getenv("WHATSAPP_DB_DSN"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No NEONMARKETING_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.TickSchedule == "" {
		config.TickSchedule = DefaultTickSchedule
	}
	if config.OptimizerSchedule == "" {
		config.OptimizerSchedule = DefaultOptimizerSchedule
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"NEONMARKETING_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"ENGINE_TICK_SCHEDULE", config.TickSchedule,
		"OPTIMIZER_SCHEDULE", config.OptimizerSchedule,
		"TEMPLATES_DIR", config.TemplatesDir,
		"WORKFLOWS_DIR", config.WorkflowsDir,
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		dbDSN:             flag.String("db-dsn", config.DatabaseURL, "database DSN for the engine store (overrides $DATABASE_URL)"),
		stateDir:          flag.String("state-dir", config.StateDir, "state directory for engine data (overrides $NEONMARKETING_STATE_DIR)"),
		apiAddr:           flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		tickSchedule:      flag.String("tick-schedule", config.TickSchedule, "cron cadence for the engine tick (overrides $ENGINE_TICK_SCHEDULE)"),
		optimizerSchedule: flag.String("optimizer-schedule", config.OptimizerSchedule, "cron cadence for strategy recomputation (overrides $OPTIMIZER_SCHEDULE)"),
		templatesDir:      flag.String("templates-dir", config.TemplatesDir, "directory of message templates (overrides $TEMPLATES_DIR)"),
		workflowsDir:      flag.String("workflows-dir", config.WorkflowsDir, "directory of workflow definition files (overrides $WORKFLOWS_DIR)"),
		whatsappDSN:       flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "database DSN for the whatsmeow store (overrides $WHATSAPP_DB_DSN)"),
		qrOutput:          flag.String("qr-output", "", "path to write WhatsApp login QR code"),
		numeric:           flag.Bool("numeric-code", false, "use numeric WhatsApp login code instead of QR code"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"dbDSN_set", *flags.dbDSN != "",
		"stateDir", *flags.stateDir,
		"apiAddr", *flags.apiAddr,
		"tickSchedule", *flags.tickSchedule,
		"optimizerSchedule", *flags.optimizerSchedule,
		"templatesDir", *flags.templatesDir,
		"workflowsDir", *flags.workflowsDir)

	return flags
}

// ensureDirectoriesExist creates the state directory for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// openStore selects a backend from the DSN. An empty DSN yields the
// in-memory store.
func openStore(dsn string) (store.Store, error) {
	if dsn == "" {
		slog.Info("No database DSN provided, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Info("Opening PostgreSQL store")
		return store.NewPostgresStore(store.WithDSN(dsn))
	}
	slog.Info("Opening SQLite store", "path", dsn)
	return store.NewSQLiteStore(store.WithDSN(dsn))
}

// buildSenders constructs one messaging service per configured channel.
// Channels without credentials are simply not registered; workflows that
// target them fail delivery and exit through the retry path.
func buildSenders(flags Flags) (map[models.Channel]messaging.Service, []messaging.Service) {
	senders := make(map[models.Channel]messaging.Service)
	var services []messaging.Service

	if host := os.Getenv("SMTP_HOST"); host != "" {
		sender, err := messaging.NewSMTPSender(
			messaging.WithSMTPServer(host, os.Getenv("SMTP_PORT")),
			messaging.WithSMTPCredentials(os.Getenv("SMTP_USERNAME"), os.Getenv("SMTP_PASSWORD")),
			messaging.WithFromAddress(os.Getenv("SMTP_FROM")),
		)
		if err != nil {
			slog.Error("Failed to configure SMTP sender, email channel disabled", "error", err)
		} else {
			svc := messaging.NewEmailService(sender, os.Getenv("EMAIL_DEFAULT_SUBJECT"))
			senders[models.ChannelEmail] = svc
			services = append(services, svc)
			slog.Info("Email channel configured", "smtp_host", host)
		}
	}

	if os.Getenv("TWILIO_ACCOUNT_SID") != "" {
		client, err := twilioapi.NewClient()
		if err != nil {
			slog.Error("Failed to configure Twilio client, SMS channel disabled", "error", err)
		} else {
			svc := messaging.NewTwilioService(client)
			senders[models.ChannelSMS] = svc
			services = append(services, svc)
			slog.Info("SMS channel configured")
		}
	}

	if util.ParseBoolEnv("WHATSAPP_ENABLED", false) {
		var waOpts []whatsapp.Option
		if *flags.whatsappDSN != "" {
			waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDSN))
		}
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			slog.Error("Failed to configure WhatsApp client, WhatsApp channel disabled", "error", err)
		} else {
			svc := messaging.NewWhatsAppService(client)
			senders[models.ChannelWhatsApp] = svc
			services = append(services, svc)
			slog.Info("WhatsApp channel configured")
		}
	}

	return senders, services
}

func run(flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(*flags.dbDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	registry := workflow.NewRegistry(st)
	if err := registry.Hydrate(); err != nil {
		return err
	}
	if *flags.workflowsDir != "" {
		if err := registry.LoadDir(*flags.workflowsDir); err != nil {
			return err
		}
	}

	renderer := render.NewRenderer(nil)
	if *flags.templatesDir != "" {
		if err := renderer.LoadDir(*flags.templatesDir); err != nil {
			return err
		}
	}

	var engineMetrics engine.Metrics
	var mtr *metrics.Metrics
	if util.ParseBoolEnv("METRICS_ENABLED", false) {
		shutdown, err := metrics.Init("neonmarketing")
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				slog.Warn("Metrics shutdown failed", "error", err)
			}
		}()
		mtr, err = metrics.New()
		if err != nil {
			return err
		}
		engineMetrics = mtr
		slog.Info("Metrics pipeline configured")
	}

	senders, services := buildSenders(flags)
	for _, svc := range services {
		if err := svc.Start(ctx); err != nil {
			return err
		}
	}
	defer func() {
		for _, svc := range services {
			if err := svc.Stop(); err != nil {
				slog.Warn("Messaging service stop failed", "error", err)
			}
		}
	}()

	tr := tracker.New(st)
	opt := optimizer.New(st, registry)
	eng := engine.NewEngine(st, registry, engine.NewGate(st), tr, opt, renderer, senders, engineMetrics,
		engine.WithWorkers(util.ParseIntEnv("ENGINE_WORKERS", engine.DefaultWorkerCount)))

	dispatcher := messaging.NewDispatcher(eng, services...)
	dispatcher.Start(ctx)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob(*flags.tickSchedule, func() {
		if err := eng.Tick(ctx); err != nil {
			slog.Error("Engine tick failed", "error", err)
		}
	}); err != nil {
		return err
	}
	if err := sched.AddJob(*flags.optimizerSchedule, func() {
		opt.RunCycle()
		if mtr != nil {
			mtr.OptimizerCycle(ctx)
		}
	}); err != nil {
		return err
	}

	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	server := api.NewServer(st, registry, eng, tr, apiOpts...)

	if svc, ok := senders[models.ChannelEmail].(*messaging.EmailService); ok {
		server.Handle("POST /webhooks/email", svc.InboundWebhookHandler)
	}
	if svc, ok := senders[models.ChannelSMS].(*messaging.TwilioService); ok {
		server.Handle("POST /webhooks/twilio", svc.TwilioWebhookHandler)
	}

	slog.Info("NeonMarketing engine starting",
		"tick_schedule", *flags.tickSchedule,
		"optimizer_schedule", *flags.optimizerSchedule,
		"channels", len(senders))
	return server.Run(ctx)
}
