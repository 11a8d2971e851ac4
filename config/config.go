package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/scorekeeper/scorekeeper-core/internal/domain/shared"
)

// Environment represents the application environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// EnvPrefix prefixes every environment override (SCOREKEEPER_STORAGE_DATA_DIR).
const EnvPrefix = "SCOREKEEPER"

// Config holds all application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Observer  ObserverConfig  `mapstructure:"observer"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Log       LogConfig       `mapstructure:"log"`
}

// AppConfig holds general application settings.
type AppConfig struct {
	Name        string      `mapstructure:"name"`
	Environment Environment `mapstructure:"environment"`

	// Version is the "major.minor.patch" runtime version stamped on records.
	Version string `mapstructure:"version"`

	// Timezone decides when a calendar day ends for day rollover.
	Timezone string         `mapstructure:"timezone"`
	Location *time.Location `mapstructure:"-"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StorageConfig holds shard store settings.
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"`

	// BusyTimeout is handed to sqlite as busy_timeout.
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`

	// WriteRetries counts the first attempt.
	WriteRetries int           `mapstructure:"write_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// ObserverConfig holds rank and achievement observer settings.
type ObserverConfig struct {
	RankMaxTPS        float64 `mapstructure:"rank_max_tps"`
	AchievementMaxTPS float64 `mapstructure:"achievement_max_tps"`

	// OverloadRatio is the share of the frame budget a tick may use.
	OverloadRatio float64 `mapstructure:"overload_ratio"`

	// OverloadTicks is the number of consecutive slow ticks that trip overload.
	OverloadTicks int `mapstructure:"overload_ticks"`

	DeliveryQueueSize int `mapstructure:"delivery_queue_size"`
}

// SchedulerConfig holds background job settings.
type SchedulerConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// AutoSaveInterval of zero disables auto-save.
	AutoSaveInterval time.Duration `mapstructure:"auto_save_interval"`

	// RolloverCheckInterval is how often the day rollover job looks for a new day.
	RolloverCheckInterval time.Duration `mapstructure:"rollover_check_interval"`

	// WeeklyResetCron resets every class on a cron schedule ("0 0 * * 1").
	// Empty leaves resets to the user.
	WeeklyResetCron string `mapstructure:"weekly_reset_cron"`

	JobTimeout time.Duration `mapstructure:"job_timeout"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "scorekeeper")
	v.SetDefault("app.environment", string(EnvDevelopment))
	v.SetDefault("app.version", shared.RuntimeVersion.String())
	v.SetDefault("app.timezone", "UTC")
	v.SetDefault("app.shutdown_timeout", "10s")

	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.busy_timeout", "5s")
	v.SetDefault("storage.write_retries", 3)
	v.SetDefault("storage.retry_backoff", "20ms")

	v.SetDefault("observer.rank_max_tps", 20.0)
	v.SetDefault("observer.achievement_max_tps", 10.0)
	v.SetDefault("observer.overload_ratio", 0.8)
	v.SetDefault("observer.overload_ticks", 5)
	v.SetDefault("observer.delivery_queue_size", 256)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.auto_save_interval", "5m")
	v.SetDefault("scheduler.rollover_check_interval", "1m")
	v.SetDefault("scheduler.weekly_reset_cron", "")
	v.SetDefault("scheduler.job_timeout", "1m")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads configuration. Precedence: environment > config file > defaults.
// An optional .env file in the working directory is loaded first; the config
// file is $SCOREKEEPER_CONFIG or scorekeeper.yaml in the working directory.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return LoadFile(os.Getenv(EnvPrefix + "_CONFIG"))
}

// LoadFile reads configuration from path (or the default search path when
// empty) plus environment overrides.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("scorekeeper")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	loc, err := time.LoadLocation(cfg.App.Timezone)
	if err != nil {
		loc = time.UTC
	}
	cfg.App.Location = loc

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Storage.DataDir == "" {
		errs = append(errs, "storage.data_dir is required")
	}
	if c.Storage.WriteRetries < 1 {
		errs = append(errs, "storage.write_retries must be at least 1")
	}
	if _, err := shared.ParseVersion(c.App.Version); err != nil {
		errs = append(errs, "app.version must be major.minor.patch")
	}
	if c.Observer.RankMaxTPS <= 0 {
		errs = append(errs, "observer.rank_max_tps must be positive")
	}
	if c.Observer.AchievementMaxTPS <= 0 {
		errs = append(errs, "observer.achievement_max_tps must be positive")
	}
	if c.Observer.OverloadRatio <= 0 || c.Observer.OverloadRatio > 1 {
		errs = append(errs, "observer.overload_ratio must be in (0, 1]")
	}
	if c.Observer.OverloadTicks < 1 {
		errs = append(errs, "observer.overload_ticks must be at least 1")
	}
	if c.Observer.DeliveryQueueSize < 1 {
		errs = append(errs, "observer.delivery_queue_size must be at least 1")
	}
	if c.Scheduler.AutoSaveInterval < 0 {
		errs = append(errs, "scheduler.auto_save_interval cannot be negative")
	}
	if c.Scheduler.Enabled && c.Scheduler.RolloverCheckInterval <= 0 {
		errs = append(errs, "scheduler.rollover_check_interval must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// RuntimeVersion returns the parsed app version.
func (c *Config) RuntimeVersion() shared.Version {
	v, err := shared.ParseVersion(c.App.Version)
	if err != nil {
		return shared.RuntimeVersion
	}
	return v
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvProduction
}
