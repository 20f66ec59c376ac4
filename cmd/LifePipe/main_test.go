package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/LifePipe/internal/api"
	"github.com/BTreeMap/LifePipe/internal/config"
	"github.com/BTreeMap/LifePipe/internal/flow"
	"github.com/BTreeMap/LifePipe/internal/models"
	"github.com/BTreeMap/LifePipe/internal/orchestrator"
	"github.com/BTreeMap/LifePipe/internal/scheduler"
	"github.com/BTreeMap/LifePipe/internal/store"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"LIFEPIPE_STATE_DIR", "DATABASE_URL", "LIFEPIPE_CONFIG", "LIFEPIPE_FLOW_FILE", "API_ADDR",
		"LIFEPIPE_LOG_LEVEL", "LIFEPIPE_TICK_INTERVAL", "LIFEPIPE_SEND_TIMEOUT", "WHATSAPP_ENABLED",
		"WHATSAPP_DB_DSN", "TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "SES_FROM_EMAIL", "LIFEPIPE_RTC_WAKE",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadEnvironmentConfigDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := parseFlags(loadEnvironmentConfig(), nil)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if cfg.StateDir != DefaultStateDir {
		t.Errorf("expected default state dir, got %q", cfg.StateDir)
	}
	if want := filepath.Join(DefaultStateDir, DefaultDBFileName); cfg.DatabaseURL != want {
		t.Errorf("expected SQLite default %q, got %q", want, cfg.DatabaseURL)
	}
	if want := filepath.Join(DefaultStateDir, config.DefaultFileName); cfg.ConfigPath != want {
		t.Errorf("expected config default %q, got %q", want, cfg.ConfigPath)
	}
	if want := "file:" + filepath.Join(DefaultStateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"; cfg.WhatsAppDSN != want {
		t.Errorf("expected WhatsApp DSN %q, got %q", want, cfg.WhatsAppDSN)
	}
	if cfg.APIAddr != api.DefaultAddr || cfg.SendTimeout != orchestrator.DefaultSendTimeout {
		t.Errorf("unexpected defaults: addr=%q timeout=%v", cfg.APIAddr, cfg.SendTimeout)
	}
	if cfg.WhatsAppOn || cfg.RTCWake {
		t.Error("optional channels and wake timer should default off")
	}
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("LIFEPIPE_STATE_DIR", "/env/state")
	t.Setenv("LIFEPIPE_SEND_TIMEOUT", "5s")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/lifepipe")

	cfg, err := parseFlags(loadEnvironmentConfig(), []string{"-state-dir", "/flag/state", "-tick-interval", "30s"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if cfg.StateDir != "/flag/state" {
		t.Errorf("flag should win over env, got %q", cfg.StateDir)
	}
	if cfg.TickInterval != 30*time.Second || cfg.SendTimeout != 5*time.Second {
		t.Errorf("unexpected durations tick=%v send=%v", cfg.TickInterval, cfg.SendTimeout)
	}
	if cfg.DatabaseURL != "postgres://u:p@localhost/lifepipe" {
		t.Errorf("explicit DSN should be kept, got %q", cfg.DatabaseURL)
	}
	if cfg.ConfigPath != filepath.Join("/flag/state", config.DefaultFileName) {
		t.Errorf("config path should follow the flag state dir, got %q", cfg.ConfigPath)
	}
}

func TestParseFlagsRejectsUnknownFlag(t *testing.T) {
	clearEnv(t)
	if _, err := parseFlags(loadEnvironmentConfig(), []string{"-nope"}); err == nil {
		t.Error("expected error for unknown flag")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestBuildAdaptersWithoutCredentials(t *testing.T) {
	clearEnv(t)
	cfg, _ := parseFlags(loadEnvironmentConfig(), nil)
	adapters, webhooks, err := buildAdapters(context.Background(), cfg)
	if err != nil {
		t.Fatalf("buildAdapters: %v", err)
	}
	if len(adapters) != 0 || len(webhooks) != 0 {
		t.Errorf("expected no adapters without credentials, got %d adapters %d webhooks", len(adapters), len(webhooks))
	}
}

func TestBuildMaintenanceRegistersJobs(t *testing.T) {
	domain, err := config.Load("")
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	db, err := store.Open(store.WithDSN(":memory:"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer db.Close()
	flows := flow.NewEngine(db)
	defer flows.Close()
	sched := scheduler.New(nil, nil, db, domain.Targets)

	maint, err := buildMaintenance(domain, flows, sched, db)
	if err != nil {
		t.Fatalf("buildMaintenance: %v", err)
	}
	maint.Start()
	maint.Stop()
}

func TestReportDeliveryFailureLogsTicket(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	ticket := models.DeliveryTicket{ID: "t1", UserID: "alice", Channel: models.ChannelTwilio, Category: models.CategoryMotivational, Status: models.DeliveryStatusFailed}
	reportDeliveryFailure(context.Background(), ticket, errors.New("invalid number"))

	out := buf.String()
	for _, want := range []string{"ErrorChannel", "userID=alice", "ticketID=t1", "invalid number"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in report, got %s", want, out)
		}
	}
}
