package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v3"

	"hrslots/internal/export"
	"hrslots/internal/slots"
)

// ICSConfig describes a single ICS subscription source.
type ICSConfig struct {
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// ID is an internal identifier used for de-dup and logging.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the board and API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level" env:"HRSLOTS_LOG_LEVEL"`
	Format string `yaml:"format" json:"format" env:"HRSLOTS_LOG_FORMAT"` // console or json
}

// SlotsConfig controls the availability calculation and the export text.
type SlotsConfig struct {
	StartHour         int             `yaml:"start_hour" json:"start_hour" env:"HRSLOTS_START_HOUR"`
	EndHour           int             `yaml:"end_hour" json:"end_hour" env:"HRSLOTS_END_HOUR"`
	MinOverlapMinutes int             `yaml:"min_overlap_minutes" json:"min_overlap_minutes" env:"HRSLOTS_MIN_OVERLAP_MINUTES"`
	LunchKeywords     []string        `yaml:"lunch_keywords" json:"lunch_keywords" env:"HRSLOTS_LUNCH_KEYWORDS"`
	Export            export.Settings `yaml:"export" json:"export"`
}

// TelegramConfig points the login helper at the HR app.
type TelegramConfig struct {
	// BaseURL is the absolute URL of the auth API, e.g.
	// "https://hr.example.com/telegram/api/".
	BaseURL      string        `yaml:"base_url" json:"base_url" env:"HRSLOTS_TELEGRAM_URL"`
	CSRFToken    string        `yaml:"csrf_token,omitempty" json:"-" env:"HRSLOTS_TELEGRAM_CSRF"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval" env:"HRSLOTS_TELEGRAM_POLL_INTERVAL"`
	FatalMarkers []string      `yaml:"fatal_markers" json:"fatal_markers"`
}

// SnapshotConfig enables the periodic PNG capture of the board page.
type SnapshotConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" env:"HRSLOTS_SNAPSHOT"`
	URL     string `yaml:"url" json:"url"` // defaults to the local board page
	Width   int    `yaml:"width" json:"width"`
	Height  int    `yaml:"height" json:"height"`
}

type RateLimitConfig struct {
	// PerSecond is the sustained request rate per client IP; 0 disables it.
	PerSecond float64 `yaml:"per_second" json:"per_second" env:"HRSLOTS_RATE_LIMIT"`
	Burst     int     `yaml:"burst" json:"burst"`
	// TrustedProxies lists proxy IPs or CIDRs whose X-Forwarded-For and
	// X-Real-IP headers are believed. Other peers are keyed by their own
	// address.
	TrustedProxies []string `yaml:"trusted_proxies,omitempty" json:"trusted_proxies,omitempty" env:"HRSLOTS_TRUSTED_PROXIES" envSeparator:","`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the board and API.
	Listen string `yaml:"listen" json:"listen" env:"HRSLOTS_LISTEN"`

	// Timezone is the IANA timezone the board is computed in.
	Timezone string `yaml:"timezone" json:"timezone" env:"HRSLOTS_TIMEZONE"`

	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *")
	// used for periodic feed refresh.
	RefreshCron string `yaml:"refresh" json:"refresh" env:"HRSLOTS_REFRESH"`

	// HorizonDays is the number of days of events kept in memory. It must
	// cover the next working week.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`

	// CacheDir holds fetched ICS bodies and the board snapshot.
	CacheDir string `yaml:"cache_dir" json:"cache_dir" env:"HRSLOTS_CACHE_DIR"`

	Log       LogConfig       `yaml:"log" json:"log"`
	Slots     SlotsConfig     `yaml:"slots" json:"slots"`
	Telegram  TelegramConfig  `yaml:"telegram" json:"telegram"`
	Snapshot  SnapshotConfig  `yaml:"snapshot" json:"snapshot"`
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`

	// ICS is the list of subscribed calendars.
	ICS []ICSConfig `yaml:"ics" json:"ics"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen      = "127.0.0.1:8080"
	defaultTimezone    = "Europe/Minsk"
	defaultRefreshCron = "*/15 * * * *"
	defaultHorizonDays = 14
	defaultCacheDir    = "cache"
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	}
	// The next week ends at most 13 days from today.
	if c.HorizonDays < defaultHorizonDays {
		c.HorizonDays = defaultHorizonDays
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	if _, err := slots.NewWorkWindow(c.Slots.StartHour, c.Slots.EndHour); err != nil {
		c.Slots.StartHour = slots.DefaultStartHour
		c.Slots.EndHour = slots.DefaultEndHour
	}
	if c.Slots.MinOverlapMinutes <= 0 || c.Slots.MinOverlapMinutes > 60 {
		c.Slots.MinOverlapMinutes = int(slots.DefaultMinOverlap / time.Minute)
	}
	if c.Slots.LunchKeywords == nil {
		c.Slots.LunchKeywords = append([]string(nil), slots.DefaultLunchKeywords...)
	}
	if c.Slots.Export.SeparatorText == "" {
		c.Slots.Export.SeparatorText = export.DefaultSeparator
	}

	if c.Telegram.PollInterval <= 0 {
		c.Telegram.PollInterval = 2 * time.Second
	}
	if c.Telegram.FatalMarkers == nil {
		c.Telegram.FatalMarkers = []string{"не найден", "не подключен"}
	}

	if c.Snapshot.Width <= 0 {
		c.Snapshot.Width = 800
	}
	if c.Snapshot.Height <= 0 {
		c.Snapshot.Height = 480
	}

	if c.RateLimit.PerSecond < 0 {
		c.RateLimit.PerSecond = 0
	}
	if c.RateLimit.PerSecond > 0 && c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 10
	}

	if c.ICS == nil {
		c.ICS = []ICSConfig{}
	}
}

// Window returns the configured work window.
func (c *Config) Window() slots.WorkWindow {
	return slots.WorkWindow{StartHour: c.Slots.StartHour, EndHour: c.Slots.EndHour}
}

// Board builds a week board from the slot settings and timezone.
func (c *Config) Board() (slots.Board, error) {
	loc, err := c.Location()
	if err != nil {
		return slots.Board{}, err
	}
	return slots.Board{
		Calculator: slots.Calculator{
			Window:     c.Window(),
			MinOverlap: time.Duration(c.Slots.MinOverlapMinutes) * time.Minute,
		},
		LunchKeywords: c.Slots.LunchKeywords,
		Location:      loc,
	}, nil
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// ApplyEnv overlays HRSLOTS_* environment variables on c. Unset variables
// leave the file values alone.
func (c *Config) ApplyEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("config: env: %w", err)
	}
	c.Normalize()
	return nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms (creating the parent directory) and returned.
//   - Otherwise the YAML is unmarshalled and normalized.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".hrslots-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save delegates to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
