package config

import (
	"time"

	"github.com/alexjbarnes/health-sync/internal/models"
)

// SyncConfig is the configuration one sync session runs with. It is a
// value type; changing settings produces a new SyncConfig rather than
// mutating the one a running engine holds.
type SyncConfig struct {
	APIBase         string
	FullSyncMode    bool
	SyncInterval    time.Duration
	RefreshInterval time.Duration
	StaggerInterval time.Duration
	SyncOnStart     bool

	detailCategories []models.Category
}

// DefaultSyncConfig returns the built-in defaults for apiBase.
func DefaultSyncConfig(apiBase string) SyncConfig {
	return SyncConfig{
		APIBase:          apiBase,
		FullSyncMode:     true,
		SyncInterval:     2 * time.Hour,
		RefreshInterval:  3 * time.Hour,
		StaggerInterval:  time.Second,
		SyncOnStart:      true,
		detailCategories: append([]models.Category(nil), models.DefaultDetailCategories...),
	}
}

// WithDetailCategories returns a copy of c that uploads cats one record
// at a time.
func (c SyncConfig) WithDetailCategories(cats ...models.Category) SyncConfig {
	c.detailCategories = append([]models.Category(nil), cats...)
	return c
}

// DetailCategories returns a copy of the detail category list.
func (c SyncConfig) DetailCategories() []models.Category {
	return append([]models.Category(nil), c.detailCategories...)
}

// IsDetail reports whether records of cat are uploaded individually.
func (c SyncConfig) IsDetail(cat models.Category) bool {
	for _, d := range c.detailCategories {
		if d == cat {
			return true
		}
	}

	return false
}

// Equal reports whether two configs would produce the same behaviour.
func (c SyncConfig) Equal(o SyncConfig) bool {
	if c.APIBase != o.APIBase ||
		c.FullSyncMode != o.FullSyncMode ||
		c.SyncInterval != o.SyncInterval ||
		c.RefreshInterval != o.RefreshInterval ||
		c.StaggerInterval != o.StaggerInterval ||
		c.SyncOnStart != o.SyncOnStart ||
		len(c.detailCategories) != len(o.detailCategories) {
		return false
	}

	for _, cat := range c.detailCategories {
		if !o.IsDetail(cat) {
			return false
		}
	}

	return true
}
