package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const (
	// settingsDebounceInterval is how often the watcher checks whether a
	// burst of writes to the settings file has settled.
	settingsDebounceInterval = 500 * time.Millisecond

	// settingsQuietPeriod is how long the file must go unmodified before
	// it is re-read.
	settingsQuietPeriod = 300 * time.Millisecond
)

// Settings are the user-editable sync settings kept in a YAML file.
// Zero values leave the environment configuration untouched.
type Settings struct {
	APIBase              string   `yaml:"api_base,omitempty"`
	FullSyncMode         *bool    `yaml:"full_sync_mode,omitempty"`
	SyncIntervalHours    float64  `yaml:"sync_interval_hours,omitempty"`
	RefreshIntervalHours float64  `yaml:"refresh_interval_hours,omitempty"`
	DetailCategories     []string `yaml:"detail_categories,omitempty"`
}

// LoadSettings reads the settings file at path. A missing file yields
// empty settings.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Settings{}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading settings file: %w", err)
	}

	s := &Settings{}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing settings file %s: %w", path, err)
	}

	return s, nil
}

// Save writes the settings to path with owner-only permissions.
func (s *Settings) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating settings directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing settings file: %w", err)
	}

	return nil
}

func (s *Settings) applyTo(cfg *Config) {
	if s.APIBase != "" {
		cfg.APIBase = s.APIBase
	}

	if s.FullSyncMode != nil {
		cfg.FullSyncMode = *s.FullSyncMode
	}

	if s.SyncIntervalHours > 0 {
		cfg.SyncInterval = hours(s.SyncIntervalHours)
	}

	if s.RefreshIntervalHours > 0 {
		cfg.RefreshInterval = hours(s.RefreshIntervalHours)
	}

	if len(s.DetailCategories) > 0 {
		cfg.DetailCategories = append([]string(nil), s.DetailCategories...)
	}
}

func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}

// WithSettings returns the sync configuration that results from
// applying s on top of c. c is not modified.
func (c *Config) WithSettings(s *Settings) (SyncConfig, error) {
	next := *c
	next.DetailCategories = append([]string(nil), c.DetailCategories...)

	s.applyTo(&next)

	if err := next.validate(); err != nil {
		return SyncConfig{}, fmt.Errorf("validating settings: %w", err)
	}

	return next.SyncConfig(), nil
}

// WatchSettings watches the settings file and calls onChange with the
// freshly parsed settings after each settled modification. It watches
// the parent directory so editors that replace the file on save are
// handled. Blocks until ctx is cancelled.
func WatchSettings(ctx context.Context, path string, logger *slog.Logger, onChange func(*Settings)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating settings watcher: %w", err)
	}
	defer watcher.Close()

	path = filepath.Clean(path)
	dir := filepath.Dir(path)

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching settings dir: %w", err)
	}

	logger.Info("settings watcher started", slog.String("file", path))

	var changedAt time.Time

	ticker := time.NewTicker(settingsDebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if filepath.Clean(event.Name) != path {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				changedAt = time.Now()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			logger.Warn("settings watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if changedAt.IsZero() || time.Since(changedAt) < settingsQuietPeriod {
				continue
			}

			changedAt = time.Time{}

			settings, err := LoadSettings(path)
			if err != nil {
				logger.Warn("ignoring invalid settings file", slog.String("error", err.Error()))
				continue
			}

			logger.Info("settings file changed", slog.String("file", path))
			onChange(settings)
		}
	}
}
