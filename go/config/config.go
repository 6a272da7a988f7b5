// Package config holds the instance configuration supplied by the
// surrounding application at startup. Configuration problems are the only
// fatal errors in the system; everything after startup degrades per tile.
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/profviz/tileserv/go/tiles"
)

// Defaults for the policy constants left open by the tile protocol. All of
// them are overridable; tests parameterize over several values.
const (
	DefaultCacheBudget   = "256 MB"
	DefaultWorkers       = 8
	DefaultFetchTimeout  = 10 * time.Second
	DefaultRetryCooldown = 5 * time.Second
	DefaultBaseWidth     = 100 * time.Millisecond
	DefaultLevelGrowth   = 2
	DefaultMaxLevels     = 16
)

// Duration wraps time.Duration with JSON encoding as a string, e.g. "10s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "parsing duration %q", s)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Instance describes one tileserv deployment.
type Instance struct {
	// RemoteURL is the base URL of a remote tile server. Empty when the
	// viewer runs against an embedded store.
	RemoteURL string `json:"remote_url,omitempty"`

	// StorePath is the embedded columnar dataset directory. Empty when
	// running as a thin client against RemoteURL.
	StorePath string `json:"store_path,omitempty"`

	// CacheBudget is the tile cache memory budget, human readable
	// ("256 MB", "1.5 GB").
	CacheBudget string `json:"cache_budget"`

	// Workers is the fetch scheduler pool size.
	Workers int `json:"workers"`

	// FetchTimeout bounds each data source fetch.
	FetchTimeout Duration `json:"fetch_timeout"`

	// RetryCooldown is how long a Failed cache entry is held before a
	// new fetch may be issued for its tile.
	RetryCooldown Duration `json:"retry_cooldown"`

	// BaseWidth is the tile bucket width at level 0.
	BaseWidth Duration `json:"base_width"`

	// LevelGrowth is the per-level bucket width multiplier.
	LevelGrowth int64 `json:"level_growth"`

	// MaxLevels caps the zoom levels the viewer will ask for.
	MaxLevels int32 `json:"max_levels"`
}

// New returns an Instance populated with the defaults.
func New() Instance {
	return Instance{
		CacheBudget:   DefaultCacheBudget,
		Workers:       DefaultWorkers,
		FetchTimeout:  Duration{DefaultFetchTimeout},
		RetryCooldown: Duration{DefaultRetryCooldown},
		BaseWidth:     Duration{DefaultBaseWidth},
		LevelGrowth:   DefaultLevelGrowth,
		MaxLevels:     DefaultMaxLevels,
	}
}

// Load reads an Instance from the JSON file at path, filling unset fields
// with defaults and validating the result.
func Load(path string) (Instance, error) {
	instance := New()
	b, err := os.ReadFile(path)
	if err != nil {
		return instance, errors.Wrapf(err, "reading config %q", path)
	}
	if err := json.Unmarshal(b, &instance); err != nil {
		return instance, errors.Wrapf(err, "parsing config %q", path)
	}
	if err := instance.Validate(); err != nil {
		return instance, errors.Wrapf(err, "validating config %q", path)
	}
	return instance, nil
}

// Validate reports the first configuration problem, or nil.
func (c Instance) Validate() error {
	if c.RemoteURL == "" && c.StorePath == "" {
		return errors.New("one of remote_url or store_path must be set")
	}
	if c.RemoteURL != "" && c.StorePath != "" {
		return errors.New("remote_url and store_path are mutually exclusive")
	}
	if _, err := c.CacheBudgetBytes(); err != nil {
		return err
	}
	if c.Workers <= 0 {
		return errors.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.FetchTimeout.Duration <= 0 {
		return errors.New("fetch_timeout must be positive")
	}
	if c.RetryCooldown.Duration < 0 {
		return errors.New("retry_cooldown must not be negative")
	}
	if c.BaseWidth.Duration <= 0 {
		return errors.New("base_width must be positive")
	}
	if c.LevelGrowth < 2 {
		return errors.Errorf("level_growth must be at least 2, got %d", c.LevelGrowth)
	}
	if c.MaxLevels < 1 {
		return errors.Errorf("max_levels must be at least 1, got %d", c.MaxLevels)
	}
	return nil
}

// CacheBudgetBytes parses the human-readable cache budget.
func (c Instance) CacheBudgetBytes() (int64, error) {
	n, err := humanize.ParseBytes(c.CacheBudget)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing cache_budget %q", c.CacheBudget)
	}
	return int64(n), nil
}

// Grid returns the tile grid this instance is configured for.
func (c Instance) Grid() tiles.Grid {
	return tiles.Grid{
		BaseWidth: c.BaseWidth.Duration,
		Growth:    c.LevelGrowth,
	}
}
