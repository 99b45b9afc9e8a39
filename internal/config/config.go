package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/health-sync/internal/models"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for health-sync.
type Config struct {
	// Base URL of the health sync API, e.g. https://hc.example.com.
	// Required, but may come from the settings file instead.
	APIBase string `env:"HEALTH_API_BASE"`

	// Account credentials used by the login command and by the daemon
	// when no token has been stored yet.
	Username string `env:"HEALTH_USERNAME"`
	Password string `env:"HEALTH_PASSWORD"`

	// Push device token sent with login so the server can address this
	// device with change notifications.
	PushDeviceToken string `env:"PUSH_DEVICE_TOKEN"`

	// Full sync mode re-uploads the whole lookback window on every run.
	// When false, runs start from the last successful sync marker.
	FullSyncMode bool `env:"FULL_SYNC_MODE" envDefault:"true"`

	SyncInterval    time.Duration `env:"SYNC_INTERVAL" envDefault:"2h"`
	RefreshInterval time.Duration `env:"REFRESH_INTERVAL" envDefault:"3h"`

	// DetailStagger spaces out per-record uploads for detail categories.
	DetailStagger time.Duration `env:"DETAIL_STAGGER" envDefault:"1s"`

	// DetailCategories overrides the categories uploaded one record at a
	// time. Comma separated; any case or underscore variant is accepted.
	DetailCategories []string `env:"DETAIL_CATEGORIES" envSeparator:","`

	// SyncOnStart runs a sync as soon as a session becomes active.
	SyncOnStart bool `env:"SYNC_ON_START" envDefault:"true"`

	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`

	// Storage locations. Empty means ~/.health-sync/{state,records}.db.
	StatePath string `env:"STATE_PATH"`
	RecordsDB string `env:"RECORDS_DB"`

	// Websocket endpoint delivering change notifications. Empty disables
	// the push listener.
	PushURL string `env:"PUSH_URL"`

	// Optional YAML settings file. Changes are picked up while running.
	SettingsFile string `env:"SETTINGS_FILE"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// LogFile additionally writes logs to a rotated file.
	LogFile string `env:"LOG_FILE"`

	// Control surface (MCP over HTTP) settings.
	EnableControl     bool   `env:"ENABLE_CONTROL" envDefault:"false"`
	ControlListenAddr string `env:"CONTROL_LISTEN_ADDR" envDefault:"127.0.0.1:8090"`
	ControlAPIKeyHash string `env:"CONTROL_API_KEY_HASH"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars,
// then applies the settings file when one is configured.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.SettingsFile != "" {
		absPath, err := filepath.Abs(cfg.SettingsFile)
		if err != nil {
			return nil, fmt.Errorf("resolving settings file path: %w", err)
		}

		cfg.SettingsFile = absPath

		settings, err := LoadSettings(cfg.SettingsFile)
		if err != nil {
			return nil, err
		}

		settings.applyTo(cfg)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIBase == "" {
		return fmt.Errorf("HEALTH_API_BASE is required")
	}

	u, err := url.Parse(c.APIBase)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("HEALTH_API_BASE must be an absolute http(s) URL")
	}

	if c.SyncInterval <= 0 {
		return fmt.Errorf("SYNC_INTERVAL must be positive")
	}

	if c.RefreshInterval <= 0 {
		return fmt.Errorf("REFRESH_INTERVAL must be positive")
	}

	if c.DetailStagger < 0 {
		return fmt.Errorf("DETAIL_STAGGER must not be negative")
	}

	if _, err := parseCategories(c.DetailCategories); err != nil {
		return fmt.Errorf("DETAIL_CATEGORIES: %w", err)
	}

	if c.PushURL != "" {
		pu, err := url.Parse(c.PushURL)
		if err != nil || (pu.Scheme != "ws" && pu.Scheme != "wss") {
			return fmt.Errorf("PUSH_URL must be a ws:// or wss:// URL")
		}
	}

	if c.EnableControl && c.ControlAPIKeyHash == "" {
		return fmt.Errorf("CONTROL_API_KEY_HASH is required when the control server is enabled")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// SyncConfig builds the immutable sync configuration from the current
// values. Callers must have validated the config.
func (c *Config) SyncConfig() SyncConfig {
	detail, _ := parseCategories(c.DetailCategories)
	if len(detail) == 0 {
		detail = append([]models.Category(nil), models.DefaultDetailCategories...)
	}

	return SyncConfig{
		APIBase:          strings.TrimRight(c.APIBase, "/"),
		FullSyncMode:     c.FullSyncMode,
		SyncInterval:     c.SyncInterval,
		RefreshInterval:  c.RefreshInterval,
		StaggerInterval:  c.DetailStagger,
		SyncOnStart:      c.SyncOnStart,
		detailCategories: detail,
	}
}

// DefaultDataDir returns ~/.health-sync.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".health-sync"), nil
}

func parseCategories(names []string) ([]models.Category, error) {
	var out []models.Category

	seen := make(map[models.Category]struct{})

	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		cat, ok := models.ParseCategory(name)
		if !ok {
			return nil, fmt.Errorf("unknown record category %q", name)
		}

		if _, dup := seen[cat]; dup {
			continue
		}

		seen[cat] = struct{}{}
		out = append(out, cat)
	}

	return out, nil
}
