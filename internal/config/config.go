// Package config loads LifePipe's domain configuration: users, their
// schedules, content, and the retry and flow policies.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BTreeMap/LifePipe/internal/content"
	"github.com/BTreeMap/LifePipe/internal/models"
	"github.com/BTreeMap/LifePipe/internal/retry"
	"github.com/BTreeMap/LifePipe/internal/schedule"
	"github.com/BTreeMap/LifePipe/internal/scheduler"
	"github.com/spf13/viper"
)

// DefaultFileName is the config file looked up in the state directory.
const DefaultFileName = "lifepipe.yaml"

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	RawUsers  []UserConfig    `mapstructure:"users"`
	Content   ContentConfig   `mapstructure:"content"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Flows     FlowsConfig     `mapstructure:"flows"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`

	users   []models.User
	targets []scheduler.Target
}

type UserConfig struct {
	ID       string                    `mapstructure:"id"`
	Channel  string                    `mapstructure:"channel"`
	Address  string                    `mapstructure:"address"`
	Timezone string                    `mapstructure:"timezone"`
	Schedule map[string][]PeriodConfig `mapstructure:"schedule"`
}

type PeriodConfig struct {
	Name   string   `mapstructure:"name"`
	Start  string   `mapstructure:"start"`
	End    string   `mapstructure:"end"`
	Days   []string `mapstructure:"days"`
	Active *bool    `mapstructure:"active"`
}

type ContentConfig struct {
	Pools   map[string][]models.Message `mapstructure:"pools"`
	CheckIn CheckInConfig               `mapstructure:"checkin"`
	Tasks   []TaskConfig                `mapstructure:"tasks"`
}

type CheckInConfig struct {
	Questions      []models.FlowStep `mapstructure:"questions"`
	CompletionText string            `mapstructure:"completion_text"`
}

type TaskConfig struct {
	User     string `mapstructure:"user"`
	Title    string `mapstructure:"title"`
	Priority int    `mapstructure:"priority"`
	Due      string `mapstructure:"due"` // YYYY-MM-DD
}

type RetryConfig struct {
	Base        time.Duration `mapstructure:"base"`
	MaxInterval time.Duration `mapstructure:"max_interval"`
	Jitter      time.Duration `mapstructure:"jitter"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type FlowsConfig struct {
	Inactivity       time.Duration `mapstructure:"inactivity"`
	Retention        time.Duration `mapstructure:"retention"`
	ExpirationExempt []string      `mapstructure:"expiration_exempt"`
}

type SchedulerConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	MarkerDays     int           `mapstructure:"marker_days"`
	DedupRetention time.Duration `mapstructure:"dedup_retention"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("retry.base", retry.DefaultBase)
	v.SetDefault("retry.max_interval", retry.DefaultMaxInterval)
	v.SetDefault("retry.jitter", retry.DefaultJitter)
	v.SetDefault("retry.max_attempts", retry.DefaultMaxAttempts)

	v.SetDefault("flows.inactivity", 2*time.Hour)
	v.SetDefault("flows.retention", 30*24*time.Hour)
	v.SetDefault("flows.expiration_exempt", []string{})

	v.SetDefault("scheduler.interval", scheduler.DefaultTickInterval)
	v.SetDefault("scheduler.marker_days", 7)
	v.SetDefault("scheduler.dedup_retention", 7*24*time.Hour)
}

// Load reads the YAML file at path. A missing file yields the defaults and
// no users. LIFEPIPE_-prefixed environment variables override scalar keys.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("LIFEPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
			slog.Info("Config loaded", "path", path)
		} else if errors.Is(err, os.ErrNotExist) {
			slog.Warn("Config file not found, using defaults", "path", path)
		} else {
			return nil, fmt.Errorf("stat config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.build(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// build validates the raw config and converts it to domain types.
func (c *Config) build() error {
	seen := make(map[string]bool)
	for _, u := range c.RawUsers {
		if u.ID == "" {
			return fmt.Errorf("%w: user without id", ErrInvalidConfig)
		}
		if seen[u.ID] {
			return fmt.Errorf("%w: duplicate user %q", ErrInvalidConfig, u.ID)
		}
		seen[u.ID] = true
		switch u.Channel {
		case models.ChannelWhatsApp, models.ChannelTwilio, models.ChannelEmail:
		default:
			return fmt.Errorf("%w: user %q has unknown channel %q", ErrInvalidConfig, u.ID, u.Channel)
		}
		if u.Timezone != "" {
			if _, err := time.LoadLocation(u.Timezone); err != nil {
				return fmt.Errorf("%w: user %q timezone: %v", ErrInvalidConfig, u.ID, err)
			}
		}

		user := models.User{ID: u.ID, Channel: u.Channel, Address: u.Address, Timezone: u.Timezone}
		us := models.UserSchedule{UserID: u.ID, Periods: make(map[string][]models.SchedulePeriod)}
		for category, periods := range u.Schedule {
			for _, p := range periods {
				sp, err := p.toPeriod(category)
				if err != nil {
					return fmt.Errorf("%w: user %q: %v", ErrInvalidConfig, u.ID, err)
				}
				if err := schedule.Validate(sp); err != nil {
					slog.Warn("Config: period will never be active", "userID", u.ID, "category", category, "period", sp.Name, "error", err)
				}
				us.Periods[category] = append(us.Periods[category], sp)
			}
		}
		c.users = append(c.users, user)
		c.targets = append(c.targets, scheduler.Target{User: user, Schedule: us})
	}
	for _, t := range c.Content.Tasks {
		if !seen[t.User] {
			return fmt.Errorf("%w: task %q for unknown user %q", ErrInvalidConfig, t.Title, t.User)
		}
		if t.Due != "" {
			if _, err := time.Parse(time.DateOnly, t.Due); err != nil {
				return fmt.Errorf("%w: task %q due date: %v", ErrInvalidConfig, t.Title, err)
			}
		}
	}
	return nil
}

func (p PeriodConfig) toPeriod(category string) (models.SchedulePeriod, error) {
	days := make([]time.Weekday, 0, len(p.Days))
	for _, d := range p.Days {
		wd, err := schedule.ParseWeekday(d)
		if err != nil {
			return models.SchedulePeriod{}, fmt.Errorf("period %q: %w", p.Name, err)
		}
		days = append(days, wd)
	}
	name := p.Name
	if name == "" {
		name = p.Start + "-" + p.End
	}
	return models.SchedulePeriod{
		Name:     name,
		Category: category,
		Start:    p.Start,
		End:      p.End,
		Days:     days,
		Active:   p.Active == nil || *p.Active,
	}, nil
}

// Users returns the configured users.
func (c *Config) Users() []models.User { return c.users }

// Targets returns each user with their schedule.
func (c *Config) Targets() []scheduler.Target { return c.targets }

// RetryPolicy returns the retry backoff policy.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		Base:        c.Retry.Base,
		MaxInterval: c.Retry.MaxInterval,
		Jitter:      c.Retry.Jitter,
		MaxAttempts: c.Retry.MaxAttempts,
	}
}

// ExpirationExempt returns the categories that never expire an active flow.
func (c *Config) ExpirationExempt() map[string]bool {
	out := make(map[string]bool, len(c.Flows.ExpirationExempt))
	for _, category := range c.Flows.ExpirationExempt {
		out[category] = true
	}
	return out
}

// CheckIn returns the configured check-in flow, or a zero definition when no
// questions are configured.
func (c *Config) CheckIn() models.FlowDefinition {
	if len(c.Content.CheckIn.Questions) == 0 {
		return models.FlowDefinition{}
	}
	return models.FlowDefinition{
		Type:           models.FlowTypeCheckIn,
		Steps:          c.Content.CheckIn.Questions,
		CompletionText: c.Content.CheckIn.CompletionText,
	}
}

// Library builds the content library, seeding its task list.
func (c *Config) Library() *content.Library {
	tasks := content.NewTaskList()
	for _, t := range c.Content.Tasks {
		var due *time.Time
		if t.Due != "" {
			d, _ := time.Parse(time.DateOnly, t.Due)
			due = &d
		}
		if _, err := tasks.Add(t.User, t.Title, t.Priority, due); err != nil {
			slog.Warn("Config.Library: skipping task", "userID", t.User, "title", t.Title, "error", err)
		}
	}
	return content.NewLibrary(c.Content.Pools, c.CheckIn(), tasks)
}
