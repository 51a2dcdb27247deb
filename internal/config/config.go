package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/sosodev/duration"

	"forecast-quota/internal/clock"
	"forecast-quota/internal/quota"
)

// ScheduleOff disables a scheduled job.
const ScheduleOff = "off"

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Env     string `env:"ENV" envDefault:"local"`
	LogFile string `env:"LOG_FILE" envDefault:"forecast-quota.log"`

	Quota    Quota    `envPrefix:"QUOTA_"`
	Store    Store    `envPrefix:"STORE_"`
	API      API      `envPrefix:"SOLAR_API_"`
	Telegram Telegram `envPrefix:"TELEGRAM_"`
	Schedule Schedule `envPrefix:"SCHEDULE_"`
}

type Quota struct {
	DailyCap            int      `env:"DAILY_CAP" envDefault:"10"`
	MinIntervalForecast Duration `env:"MIN_INTERVAL_FORECAST" envDefault:"PT4H"`
	MinIntervalActual   Duration `env:"MIN_INTERVAL_ACTUAL" envDefault:"PT8H"`
	Backoff429          Duration `env:"BACKOFF_429" envDefault:"PT8H"`
	ResetTimeZone       string   `env:"RESET_TIME_ZONE" envDefault:"UTC"`
	LogRetentionDays    int      `env:"LOG_RETENTION_DAYS" envDefault:"30"`
}

type Store struct {
	Driver         string `env:"DRIVER" envDefault:"sqlite"`
	DatabaseURL    string `env:"DATABASE_URL"`
	SQLitePath     string `env:"SQLITE_PATH" envDefault:"forecast-quota.db"`
	RedisURL       string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"forecast-quota:"`
}

type API struct {
	URL     string   `env:"URL" envDefault:"https://api.solcast.com.au"`
	Key     string   `env:"KEY"`
	SiteID  string   `env:"SITE_ID"`
	Timeout Duration `env:"TIMEOUT" envDefault:"PT30S"`
}

type Telegram struct {
	Token  string `env:"TOKEN"`
	ChatID int64  `env:"CHAT_ID"`
}

// Enabled reports whether notifications should be sent.
func (t Telegram) Enabled() bool {
	return t.Token != "" && t.ChatID != 0
}

type Schedule struct {
	Forecast string `env:"FORECAST" envDefault:"0 */4 * * *"`
	Actual   string `env:"ACTUAL" envDefault:"30 */8 * * *"`
	Prune    string `env:"PRUNE" envDefault:"15 3 * * *"`
}

// Duration accepts ISO-8601 ("PT4H") as well as Go ("4h") syntax.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if strings.HasPrefix(strings.ToUpper(s), "P") {
		iso, err := duration.Parse(strings.ToUpper(s))
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(iso.ToTimeDuration())
		return nil
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return load(env.Options{})
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("read env config: %v", err)
	}
	return cfg
}

// FromMap parses the given variables instead of the process environment.
func FromMap(vars map[string]string) (*Config, error) {
	return load(env.Options{Environment: vars})
}

func load(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Quota.DailyCap < 0 {
		errs = append(errs, fmt.Errorf("QUOTA_DAILY_CAP must be >= 0, got %d", c.Quota.DailyCap))
	}
	for name, d := range map[string]Duration{
		"QUOTA_MIN_INTERVAL_FORECAST": c.Quota.MinIntervalForecast,
		"QUOTA_MIN_INTERVAL_ACTUAL":   c.Quota.MinIntervalActual,
		"QUOTA_BACKOFF_429":           c.Quota.Backoff429,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", name, d))
		}
	}
	if _, err := clock.LoadLocation(c.Quota.ResetTimeZone); err != nil {
		errs = append(errs, fmt.Errorf("QUOTA_RESET_TIME_ZONE: %w", err))
	}
	if c.Quota.LogRetentionDays < 0 {
		errs = append(errs, fmt.Errorf("QUOTA_LOG_RETENTION_DAYS must be >= 0, got %d", c.Quota.LogRetentionDays))
	}

	switch c.Store.Driver {
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("STORE_DATABASE_URL is required for the postgres driver"))
		}
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("STORE_SQLITE_PATH is required for the sqlite driver"))
		}
	case DriverRedis:
		if c.Store.RedisURL == "" {
			errs = append(errs, errors.New("STORE_REDIS_URL is required for the redis driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver))
	}

	if c.API.Timeout <= 0 {
		errs = append(errs, errors.New("SOLAR_API_TIMEOUT must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// ValidateAPI checks the settings needed to call the forecast API.
func (c *Config) ValidateAPI() error {
	if c.API.Key == "" || c.API.SiteID == "" {
		return fmt.Errorf("%w: SOLAR_API_KEY and SOLAR_API_SITE_ID are required", ErrInvalid)
	}
	return nil
}

// Limits converts the quota section for quota.NewManager.
func (c *Config) Limits() (quota.Limits, error) {
	loc, err := clock.LoadLocation(c.Quota.ResetTimeZone)
	if err != nil {
		return quota.Limits{}, err
	}
	return quota.Limits{
		DailyCap:            c.Quota.DailyCap,
		MinIntervalForecast: c.Quota.MinIntervalForecast.Std(),
		MinIntervalActual:   c.Quota.MinIntervalActual.Std(),
		Backoff429:          c.Quota.Backoff429.Std(),
		Location:            loc,
	}, nil
}
