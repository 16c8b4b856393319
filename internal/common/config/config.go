// Package config provides configuration management for the delegate daemon.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the daemon.
type Config struct {
	Home       string           `mapstructure:"home"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	MessageBus MessageBusConfig `mapstructure:"messageBus"`
	Merge      MergeConfig      `mapstructure:"merge"`
	Worktree   WorktreeConfig   `mapstructure:"worktree"`
	Workflow   WorkflowConfig   `mapstructure:"workflow"`
	Events     EventsConfig     `mapstructure:"events"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// SchedulerConfig holds turn scheduler configuration.
type SchedulerConfig struct {
	// MaxConcurrent caps the number of agent turns running at once.
	// Zero means 2x the number of CPU cores.
	MaxConcurrent int `mapstructure:"maxConcurrent"`

	// CancelGraceSeconds is how long a cancelled turn may keep running
	// before it is abandoned and marked aborted.
	CancelGraceSeconds int `mapstructure:"cancelGraceSeconds"`

	// FailureLimit is the number of consecutive failed turns for the same
	// triggering message before the agent is quarantined.
	FailureLimit int `mapstructure:"failureLimit"`
}

// MessageBusConfig holds message delivery loop configuration.
type MessageBusConfig struct {
	PollIntervalMS   int `mapstructure:"pollIntervalMs"`
	PendingThreshold int `mapstructure:"pendingThreshold"` // warn when pending deliveries exceed this
}

// MergeConfig holds merge worker configuration.
type MergeConfig struct {
	RetryLimit         int    `mapstructure:"retryLimit"`
	RebaseTimeoutSecs  int    `mapstructure:"rebaseTimeoutSeconds"`
	TestTimeoutSecs    int    `mapstructure:"testTimeoutSeconds"`
	DefaultTestCommand string `mapstructure:"defaultTestCommand"`
}

// WorktreeConfig holds git worktree configuration.
type WorktreeConfig struct {
	DefaultBranch string `mapstructure:"defaultBranch"`
}

// WorkflowConfig holds workflow engine configuration.
type WorkflowConfig struct {
	// ReviewAttemptCap is the number of review cycles before a task is
	// escalated to the human member.
	ReviewAttemptCap int `mapstructure:"reviewAttemptCap"`
}

// EventsConfig holds event bus configuration.
// An empty NatsURL selects the in-memory bus.
type EventsConfig struct {
	NatsURL         string `mapstructure:"natsUrl"`
	SubscriberQueue int    `mapstructure:"subscriberQueue"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// CancelGrace returns the turn cancellation grace period as a time.Duration.
func (s *SchedulerConfig) CancelGrace() time.Duration {
	return time.Duration(s.CancelGraceSeconds) * time.Second
}

// PollInterval returns the delivery poll interval as a time.Duration.
func (m *MessageBusConfig) PollInterval() time.Duration {
	return time.Duration(m.PollIntervalMS) * time.Millisecond
}

// RebaseTimeout returns the rebase timeout as a time.Duration.
func (m *MergeConfig) RebaseTimeout() time.Duration {
	return time.Duration(m.RebaseTimeoutSecs) * time.Second
}

// TestTimeout returns the test command timeout as a time.Duration.
func (m *MergeConfig) TestTimeout() time.Duration {
	return time.Duration(m.TestTimeoutSecs) * time.Second
}

// detectDefaultLogFormat returns "json" for production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("DELEGATE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".delegate"
	}
	return filepath.Join(home, ".delegate")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("home", defaultHome())

	// Scheduler defaults
	v.SetDefault("scheduler.maxConcurrent", runtime.NumCPU()*2)
	v.SetDefault("scheduler.cancelGraceSeconds", 10)
	v.SetDefault("scheduler.failureLimit", 3)

	// Message bus defaults
	v.SetDefault("messageBus.pollIntervalMs", 250)
	v.SetDefault("messageBus.pendingThreshold", 100)

	// Merge defaults
	v.SetDefault("merge.retryLimit", 3)
	v.SetDefault("merge.rebaseTimeoutSeconds", 120)
	v.SetDefault("merge.testTimeoutSeconds", 600)
	v.SetDefault("merge.defaultTestCommand", "")

	// Worktree defaults
	v.SetDefault("worktree.defaultBranch", "main")

	// Workflow defaults
	v.SetDefault("workflow.reviewAttemptCap", 3)

	// Events defaults - empty URL means use in-memory event bus
	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.subscriberQueue", 256)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix DELEGATE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// the home directory, or /etc/delegate/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("DELEGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(defaultHome())
	v.AddConfigPath("/etc/delegate/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Home == "" {
		errs = append(errs, "home must be set")
	}
	if cfg.Scheduler.MaxConcurrent < 0 {
		errs = append(errs, "scheduler.maxConcurrent must not be negative")
	}
	if cfg.Scheduler.FailureLimit <= 0 {
		errs = append(errs, "scheduler.failureLimit must be positive")
	}
	if cfg.MessageBus.PollIntervalMS <= 0 {
		errs = append(errs, "messageBus.pollIntervalMs must be positive")
	}
	if cfg.Merge.RetryLimit < 0 {
		errs = append(errs, "merge.retryLimit must not be negative")
	}
	if cfg.Workflow.ReviewAttemptCap <= 0 {
		errs = append(errs, "workflow.reviewAttemptCap must be positive")
	}
	if cfg.Events.SubscriberQueue <= 0 {
		errs = append(errs, "events.subscriberQueue must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// TeamDir returns the state directory for a team.
func (c *Config) TeamDir(teamID string) string {
	return filepath.Join(c.Home, "teams", teamID)
}

// TeamDBPath returns the sqlite database path for a team.
func (c *Config) TeamDBPath(teamID string) string {
	return filepath.Join(c.TeamDir(teamID), "team.db")
}

// ReposDir returns the directory holding symlinks to registered repositories.
func (c *Config) ReposDir() string {
	return filepath.Join(c.Home, "repos")
}
