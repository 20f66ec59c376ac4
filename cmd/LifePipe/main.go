package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/LifePipe/internal/api"
	"github.com/BTreeMap/LifePipe/internal/config"
	"github.com/BTreeMap/LifePipe/internal/content"
	"github.com/BTreeMap/LifePipe/internal/email"
	"github.com/BTreeMap/LifePipe/internal/flow"
	"github.com/BTreeMap/LifePipe/internal/genai"
	"github.com/BTreeMap/LifePipe/internal/interpreter"
	"github.com/BTreeMap/LifePipe/internal/lockfile"
	"github.com/BTreeMap/LifePipe/internal/messaging"
	"github.com/BTreeMap/LifePipe/internal/models"
	"github.com/BTreeMap/LifePipe/internal/orchestrator"
	"github.com/BTreeMap/LifePipe/internal/recovery"
	"github.com/BTreeMap/LifePipe/internal/retry"
	"github.com/BTreeMap/LifePipe/internal/scheduler"
	"github.com/BTreeMap/LifePipe/internal/store"
	"github.com/BTreeMap/LifePipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/LifePipe/internal/util"
	"github.com/BTreeMap/LifePipe/internal/whatsapp"
	"github.com/joho/godotenv"
	"github.com/sourcegraph/conc"
)

const (
	// DefaultStateDir is the default directory for LifePipe state data
	DefaultStateDir = "/var/lib/lifepipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "lifepipe.db"
	// DefaultWhatsAppDBFileName holds the whatsmeow session
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

// Config holds environment configuration
type Config struct {
	StateDir      string
	DatabaseURL   string
	ConfigPath    string
	FlowFile      string
	APIAddr       string
	LogLevel      string
	TickInterval  time.Duration
	SendTimeout   time.Duration
	TwilioSID     string
	TwilioToken   string
	TwilioFrom    string
	TwilioHookURL string
	WhatsAppOn    bool
	WhatsAppDSN   string
	SESRegion     string
	SESFromEmail  string
	OpenAIKey     string
	RTCWake       bool
	RTCWakeAlarm  string
	QROutput      string
	NumericCode   bool
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}
	cfg, err := parseFlags(loadEnvironmentConfig(), os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	initializeLogger(cfg.LogLevel)
	slog.Debug("Final configuration",
		"state_dir", cfg.StateDir,
		"config", cfg.ConfigPath,
		"api_addr", cfg.APIAddr,
		"tick_interval", cfg.TickInterval,
		"send_timeout", cfg.SendTimeout,
		"twilio_set", cfg.TwilioSID != "",
		"whatsapp", cfg.WhatsAppOn,
		"ses_set", cfg.SESFromEmail != "",
		"openai_set", cfg.OpenAIKey != "",
		"rtc_wake", cfg.RTCWake)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("LifePipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("LifePipe exited successfully")
}

// initializeLogger installs a text handler at the named level.
func initializeLogger(level string) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)})))
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadEnvironmentConfig reads environment defaults. Paths left unset are
// derived from the state directory.
func loadEnvironmentConfig() Config {
	return Config{
		StateDir:      util.GetEnv("LIFEPIPE_STATE_DIR", DefaultStateDir),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		ConfigPath:    os.Getenv("LIFEPIPE_CONFIG"),
		FlowFile:      os.Getenv("LIFEPIPE_FLOW_FILE"),
		APIAddr:       util.GetEnv("API_ADDR", api.DefaultAddr),
		LogLevel:      util.GetEnv("LIFEPIPE_LOG_LEVEL", "info"),
		TickInterval:  util.ParseDurationEnv("LIFEPIPE_TICK_INTERVAL", 0),
		SendTimeout:   util.ParseDurationEnv("LIFEPIPE_SEND_TIMEOUT", orchestrator.DefaultSendTimeout),
		TwilioSID:     os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:    os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioHookURL: os.Getenv("TWILIO_WEBHOOK_URL"),
		WhatsAppOn:    util.ParseBoolEnv("WHATSAPP_ENABLED", false),
		WhatsAppDSN:   os.Getenv("WHATSAPP_DB_DSN"),
		SESRegion:     util.GetEnv("SES_REGION", "us-east-1"),
		SESFromEmail:  os.Getenv("SES_FROM_EMAIL"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		RTCWake:       util.ParseBoolEnv("LIFEPIPE_RTC_WAKE", false),
		RTCWakeAlarm:  util.GetEnv("LIFEPIPE_RTC_WAKEALARM", scheduler.DefaultRTCWakeAlarm),
	}
}

// parseFlags applies command line overrides and fills state-directory defaults.
func parseFlags(env Config, args []string) (Config, error) {
	cfg := env
	fs := flag.NewFlagSet("lifepipe", flag.ContinueOnError)
	fs.StringVar(&cfg.StateDir, "state-dir", env.StateDir, "state directory for LifePipe data (overrides $LIFEPIPE_STATE_DIR)")
	fs.StringVar(&cfg.DatabaseURL, "db-dsn", env.DatabaseURL, "SQLite path or Postgres DSN (overrides $DATABASE_URL)")
	fs.StringVar(&cfg.ConfigPath, "config", env.ConfigPath, "domain config file (overrides $LIFEPIPE_CONFIG)")
	fs.StringVar(&cfg.FlowFile, "flow-file", env.FlowFile, "keep flow state in this JSON file instead of the database (overrides $LIFEPIPE_FLOW_FILE)")
	fs.StringVar(&cfg.APIAddr, "api-addr", env.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&cfg.LogLevel, "log-level", env.LogLevel, "debug, info, warn or error (overrides $LIFEPIPE_LOG_LEVEL)")
	fs.DurationVar(&cfg.TickInterval, "tick-interval", env.TickInterval, "scheduler tick interval (overrides $LIFEPIPE_TICK_INTERVAL)")
	fs.DurationVar(&cfg.SendTimeout, "send-timeout", env.SendTimeout, "per-send timeout (overrides $LIFEPIPE_SEND_TIMEOUT)")
	fs.BoolVar(&cfg.WhatsAppOn, "whatsapp", env.WhatsAppOn, "enable the WhatsApp channel (overrides $WHATSAPP_ENABLED)")
	fs.StringVar(&cfg.WhatsAppDSN, "whatsapp-db-dsn", env.WhatsAppDSN, "whatsmeow session database (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&cfg.OpenAIKey, "openai-api-key", env.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.BoolVar(&cfg.RTCWake, "rtc-wake", env.RTCWake, "arm the RTC wake alarm for the next schedule start (overrides $LIFEPIPE_RTC_WAKE)")
	fs.StringVar(&cfg.QROutput, "qr-output", "", "path to write the WhatsApp login QR code")
	fs.BoolVar(&cfg.NumericCode, "numeric-code", false, "print the WhatsApp login code instead of a QR code")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = filepath.Join(cfg.StateDir, DefaultDBFileName)
	}
	if cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(cfg.StateDir, config.DefaultFileName)
	}
	if cfg.WhatsAppDSN == "" {
		cfg.WhatsAppDSN = "file:" + filepath.Join(cfg.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
	return cfg, nil
}

// run wires every component and blocks until ctx is cancelled.
func run(ctx context.Context, cfg Config) error {
	lock, err := lockfile.Acquire(cfg.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	domain, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return err
	}
	if len(domain.Users()) == 0 {
		slog.Warn("No users configured; nothing will be scheduled", "config", cfg.ConfigPath)
	}

	db, err := store.Open(store.WithDSN(cfg.DatabaseURL))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	slog.Info("Store opened", "dialect", db.Dialect())

	var flowStore flow.Store = db
	if cfg.FlowFile != "" {
		fileStore, err := flow.NewFileStore(cfg.FlowFile)
		if err != nil {
			return fmt.Errorf("open flow file: %w", err)
		}
		flowStore = fileStore
	}
	flows := flow.NewEngine(flowStore, flow.WithInactivity(domain.Flows.Inactivity))
	defer flows.Close()

	adapters, webhooks, err := buildAdapters(ctx, cfg)
	if err != nil {
		return err
	}
	if len(adapters) == 0 {
		slog.Warn("No channel adapters configured; deliveries will fail")
	}

	library := domain.Library()
	orch := orchestrator.New(flows, adapters, domain.Users(),
		orchestrator.WithSendTimeout(cfg.SendTimeout),
		orchestrator.WithRetryOptions(retry.WithPolicy(domain.RetryPolicy()), retry.WithCheckpoint(db)),
		orchestrator.WithInterpreter(buildInterpreter(cfg, library)),
		orchestrator.WithDedup(db),
		orchestrator.WithExpirationPolicy(orchestrator.ExpirationPolicy{Exempt: domain.ExpirationExempt()}),
		orchestrator.WithCompletionHandler(logCompletion),
		orchestrator.WithErrorReporter(reportDeliveryFailure),
	)

	rec := recovery.NewManager(recovery.RetryQueue(orch.RetryQueue()), recovery.IdleFlows(flows))
	if err := rec.RecoverAll(ctx); err != nil {
		slog.Warn("Recovery incomplete, continuing startup", "error", err)
	}

	interval := domain.Scheduler.Interval
	if cfg.TickInterval > 0 {
		interval = cfg.TickInterval
	}
	schedOpts := []scheduler.Option{scheduler.WithInterval(interval)}
	if cfg.RTCWake {
		schedOpts = append(schedOpts, scheduler.WithWakeTimer(scheduler.NewRTCWakeTimer(cfg.RTCWakeAlarm)))
	}
	sched := scheduler.New(orch, library, db, domain.Targets, schedOpts...)

	maint, err := buildMaintenance(domain, flows, sched, db)
	if err != nil {
		return err
	}

	server := api.NewServer(orch, library.CheckIn, append([]api.Option{api.WithAddr(cfg.APIAddr)}, webhooks...)...)

	for _, a := range adapters {
		if err := a.Start(ctx); err != nil {
			return fmt.Errorf("start %s adapter: %w", a.Name(), err)
		}
	}
	maint.Start()

	var wg conc.WaitGroup
	wg.Go(func() { orch.Run(ctx) })
	wg.Go(func() { sched.Run(ctx) })
	wg.Go(func() {
		if err := server.Start(); err != nil {
			slog.Error("API server stopped", "error", err)
		}
	})

	slog.Info("LifePipe started", "users", len(domain.Users()), "adapters", len(adapters), "tick_interval", interval)
	<-ctx.Done()
	slog.Info("Shutting down")

	if err := server.Shutdown(); err != nil {
		slog.Warn("API shutdown error", "error", err)
	}
	maint.Stop()
	for _, a := range adapters {
		if err := a.Stop(); err != nil {
			slog.Warn("Adapter stop error", "channel", a.Name(), "error", err)
		}
	}
	wg.Wait()
	return nil
}

// buildAdapters creates an adapter for every channel with credentials, plus
// the webhook routes for channels that receive over HTTP.
func buildAdapters(ctx context.Context, cfg Config) ([]messaging.Adapter, []api.Option, error) {
	var adapters []messaging.Adapter
	var webhooks []api.Option

	if cfg.TwilioSID != "" && cfg.TwilioToken != "" {
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(cfg.TwilioSID),
			twiliowhatsapp.WithAuthToken(cfg.TwilioToken),
			twiliowhatsapp.WithFromWhats(cfg.TwilioFrom),
			twiliowhatsapp.WithTimeout(cfg.SendTimeout))
		if err != nil {
			return nil, nil, fmt.Errorf("twilio client: %w", err)
		}
		var opts []messaging.TwilioOption
		if cfg.TwilioHookURL != "" {
			opts = append(opts, messaging.WithSignatureValidation(cfg.TwilioToken, cfg.TwilioHookURL))
		}
		svc := messaging.NewTwilioService(client, opts...)
		adapters = append(adapters, svc)
		webhooks = append(webhooks, api.WithTwilioWebhook(http.HandlerFunc(svc.WebhookHandler)))
	}

	if cfg.WhatsAppOn {
		var opts []whatsapp.Option
		opts = append(opts, whatsapp.WithDBDSN(cfg.WhatsAppDSN))
		if cfg.QROutput != "" {
			opts = append(opts, whatsapp.WithQRCodeOutput(cfg.QROutput))
		}
		if cfg.NumericCode {
			opts = append(opts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("whatsapp client: %w", err)
		}
		adapters = append(adapters, messaging.NewWhatsAppService(client))
	}

	if cfg.SESFromEmail != "" {
		sender, err := email.NewSESSender(ctx, email.Config{Region: cfg.SESRegion, FromEmail: cfg.SESFromEmail})
		if err != nil {
			return nil, nil, fmt.Errorf("ses sender: %w", err)
		}
		svc := messaging.NewEmailService(sender)
		adapters = append(adapters, svc)
		webhooks = append(webhooks, api.WithEmailWebhook(http.HandlerFunc(svc.WebhookHandler)))
	}
	return adapters, webhooks, nil
}

func buildInterpreter(cfg Config, library *content.Library) interpreter.Interpreter {
	var opts []interpreter.Option
	if cfg.OpenAIKey != "" {
		client, err := genai.NewClient(genai.WithAPIKey(cfg.OpenAIKey))
		if err != nil {
			slog.Warn("GenAI fallback disabled", "error", err)
		} else {
			opts = append(opts, interpreter.WithFallback(client))
		}
	}
	return interpreter.NewKeywordInterpreter(library, opts...)
}

// buildMaintenance registers the periodic housekeeping jobs.
func buildMaintenance(domain *config.Config, flows *flow.Engine, sched *scheduler.Scheduler, db *store.SQLStore) (*scheduler.Maintenance, error) {
	maint := scheduler.NewMaintenance()
	jobs := []struct {
		expr, name string
		fn         func(ctx context.Context)
	}{
		{"@every 5m", "sweep-idle-flows", func(ctx context.Context) {
			if n, err := flows.SweepIdle(ctx); err != nil {
				slog.Error("Maintenance: idle sweep failed", "error", err)
			} else if n > 0 {
				slog.Info("Maintenance: idle flows expired", "count", n)
			}
		}},
		{"@daily", "prune-flows", func(ctx context.Context) {
			cutoff := time.Now().Add(-domain.Flows.Retention)
			if n, err := flows.Prune(ctx, cutoff); err != nil {
				slog.Error("Maintenance: flow prune failed", "error", err)
			} else {
				slog.Info("Maintenance: terminal flows pruned", "count", n, "cutoff", cutoff)
			}
		}},
		{"@daily", "prune-markers", func(ctx context.Context) {
			if _, err := sched.PruneMarkers(ctx, domain.Scheduler.MarkerDays); err != nil {
				slog.Error("Maintenance: marker prune failed", "error", err)
			}
		}},
		{"@daily", "prune-dedup", func(ctx context.Context) {
			cutoff := time.Now().Add(-domain.Scheduler.DedupRetention)
			if n, err := db.PruneDedupBefore(ctx, cutoff); err != nil {
				slog.Error("Maintenance: dedup prune failed", "error", err)
			} else {
				slog.Info("Maintenance: inbound dedup pruned", "count", n)
			}
		}},
	}
	for _, j := range jobs {
		if err := maint.AddJob(j.expr, j.name, j.fn); err != nil {
			return nil, fmt.Errorf("register %s: %w", j.name, err)
		}
	}
	return maint, nil
}

func logCompletion(ctx context.Context, st *models.ConversationFlowState) {
	attrs := []any{"userID", st.UserID, "flowType", st.FlowType}
	for _, a := range st.Answers {
		if a.Skipped {
			attrs = append(attrs, a.StepID, "(skipped)")
			continue
		}
		attrs = append(attrs, a.StepID, a.Text)
	}
	slog.Info("Flow completed", attrs...)
}

// reportDeliveryFailure is the error channel for deliveries that will never
// succeed: permanent channel failures and exhausted retries.
func reportDeliveryFailure(ctx context.Context, ticket models.DeliveryTicket, err error) {
	slog.Error("ErrorChannel: delivery abandoned",
		"userID", ticket.UserID,
		"channel", ticket.Channel,
		"category", ticket.Category,
		"ticketID", ticket.ID,
		"text", ticket.Message.Text,
		"error", err)
}
