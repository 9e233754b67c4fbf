// Package config loads, validates and watches the YAML configuration
// that lists the polled ICS sources.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"icspoll/internal/ics"
)

const (
	defaultListen         = "127.0.0.1:8080"
	defaultTimezone       = "Local"
	defaultLogLevel       = "info"
	defaultHorizonDays    = 7
	defaultInterval       = "15m"
	defaultDriftTolerance = "2h"
	defaultFetchTimeout   = "15s"
)

// SourceConfig describes a single ICS subscription source.
type SourceConfig struct {
	// ID is an internal identifier used for de-dup and logging.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label; used as ID when ID is empty.
	Name string `yaml:"name" json:"name"`
	// URL is the ICS subscription endpoint (http, https, webcal, webcals).
	URL string `yaml:"url" json:"url"`
	// Interval is the poll period. See ParseInterval for accepted forms.
	Interval string `yaml:"interval" json:"interval"`
}

// SourceID returns the effective identifier: ID, else Name, else URL.
func (s SourceConfig) SourceID() string {
	switch {
	case s.ID != "":
		return s.ID
	case s.Name != "":
		return s.Name
	default:
		return s.URL
	}
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the status API; "off" disables it.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone results are converted to ("Local" for
	// the host zone).
	Timezone string `yaml:"timezone" json:"timezone"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	// HorizonDays is the length of the rolling window starting at now.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`

	// DriftTolerance is how far a midnight-to-midnight span may deviate
	// from whole days and still count as all-day (DST shifts).
	DriftTolerance string `yaml:"drift_tolerance" json:"drift_tolerance"`

	UserAgent    string `yaml:"user_agent" json:"user_agent"`
	FetchTimeout string `yaml:"fetch_timeout" json:"fetch_timeout"`

	// Sources is the list of polled ICS feeds.
	Sources []SourceConfig `yaml:"sources" json:"sources"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:         defaultListen,
		Timezone:       defaultTimezone,
		LogLevel:       defaultLogLevel,
		HorizonDays:    defaultHorizonDays,
		DriftTolerance: defaultDriftTolerance,
		FetchTimeout:   defaultFetchTimeout,
		Sources:        []SourceConfig{},
		BasicAuth:      nil,
	}
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
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = defaultHorizonDays
	}
	if c.DriftTolerance == "" {
		c.DriftTolerance = defaultDriftTolerance
	}
	if c.FetchTimeout == "" {
		c.FetchTimeout = defaultFetchTimeout
	}
	if c.Sources == nil {
		c.Sources = []SourceConfig{}
	}
	for i := range c.Sources {
		if c.Sources[i].Interval == "" {
			c.Sources[i].Interval = defaultInterval
		}
	}
}

// Validate reports every problem found in c. It expects a normalized
// config.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("drift_tolerance", c.DriftTolerance); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("fetch_timeout", c.FetchTimeout); err != nil {
		errs = append(errs, err)
	}

	seen := make(map[string]int, len(c.Sources))
	for i, sc := range c.Sources {
		id := sc.SourceID()
		if id == "" {
			errs = append(errs, fmt.Errorf("sources[%d]: url is required", i))
			continue
		}
		if prev, dup := seen[id]; dup {
			errs = append(errs, fmt.Errorf("sources[%d]: duplicate id %q (also sources[%d])", i, id, prev))
			continue
		}
		seen[id] = i
		if _, err := sc.Source(); err != nil {
			errs = append(errs, fmt.Errorf("sources[%d]: %w", i, err))
		}
	}

	return errors.Join(errs...)
}

// Source converts the entry into a validated ics.Source.
func (s SourceConfig) Source() (ics.Source, error) {
	interval, err := ParseInterval(s.Interval)
	if err != nil {
		return ics.Source{}, err
	}
	return ics.NewSource(s.SourceID(), s.URL, interval)
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == defaultTimezone {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Horizon is HorizonDays as a duration.
func (c *Config) Horizon() time.Duration {
	return time.Duration(c.HorizonDays) * 24 * time.Hour
}

// Tolerance returns DriftTolerance, or 0 when unset or invalid.
func (c *Config) Tolerance() time.Duration {
	d, _ := ParseDurationField("drift_tolerance", c.DriftTolerance)
	return d
}

// Timeout returns FetchTimeout, or 0 when unset or invalid.
func (c *Config) Timeout() time.Duration {
	d, _ := ParseDurationField("fetch_timeout", c.FetchTimeout)
	return d
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	return parse(data)
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Normalize()
	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
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

	tmp, err := os.CreateTemp(dir, ".icspoll-config-*.tmp")
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

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
