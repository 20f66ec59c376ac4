package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Maintenance runs housekeeping jobs on cron expressions.
type Maintenance struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// cronLogger routes cron's own logging through slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("Maintenance: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("Maintenance: "+msg, append(keysAndValues, "error", err)...)
}

// NewMaintenance creates a stopped job runner. Expressions use the standard
// five fields and also accept descriptors such as "@daily" or "@every 5m".
func NewMaintenance() *Maintenance {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	logger := cronLogger{}
	ctx, cancel := context.WithCancel(context.Background())
	return &Maintenance{
		cron:   cron.New(cron.WithParser(parser), cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
		ctx:    ctx,
		cancel: cancel,
	}
}

// AddJob schedules job under expr. It returns an error if the expression is invalid.
func (m *Maintenance) AddJob(expr, name string, job func(ctx context.Context)) error {
	_, err := m.cron.AddFunc(expr, func() {
		started := time.Now()
		job(m.ctx)
		slog.Debug("Maintenance: job finished", "job", name, "duration", time.Since(started))
	})
	if err != nil {
		return err
	}
	slog.Info("Maintenance.AddJob: job registered", "job", name, "schedule", expr)
	return nil
}

// Start begins running jobs in the background.
func (m *Maintenance) Start() {
	m.cron.Start()
}

// Stop cancels running jobs and waits for them to return.
func (m *Maintenance) Stop() {
	m.cancel()
	<-m.cron.Stop().Done()
}
