package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"

	"unical/internal/model"
)

// EnvPrefix is the prefix of environment overrides, e.g. UNICAL_LISTEN or
// UNICAL_CACHE__REDIS__ADDR (double underscore separates nested keys).
const EnvPrefix = "UNICAL_"

// keyDelim separates nested koanf keys. It is not "." because program names
// used as program_years keys may contain dots.
const keyDelim = "::"

var (
	ErrEmptyPath = errors.New("config path is empty")
	ErrNilConfig = errors.New("config is nil")
)

// Cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheNone   = "none"
)

// RedisConfig holds connection settings for the Redis cache backend.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
}

// CacheConfig selects and tunes the aggregated-result cache.
type CacheConfig struct {
	// Backend is one of "memory" (default), "redis" or "none".
	Backend string `yaml:"backend" json:"backend"`

	// TTLMinutes bounds how long a cached aggregation is served.
	TTLMinutes int `yaml:"ttl_minutes" json:"ttl_minutes"`

	Redis RedisConfig `yaml:"redis" json:"redis"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone used to read zone-less upstream timestamps.
	Timezone string `yaml:"timezone" json:"timezone"`

	LogLevel  string `yaml:"log_level" json:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format"`

	// RequestTimeoutSeconds bounds each upstream request.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds" json:"request_timeout_seconds"`

	// MaxConcurrency caps in-flight upstream requests across all programs.
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency"`

	UserAgent string `yaml:"user_agent" json:"user_agent"`

	// RefreshCron is a cron spec for re-warming the cache with Programs.
	// Empty disables the warmer.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	Cache CacheConfig `yaml:"cache" json:"cache"`

	// Programs are served by /api/events when no urls parameter is given,
	// and exported by -once.
	Programs []model.ProgramDescriptor `yaml:"programs" json:"programs"`

	// ProgramYears maps a program name to a manual year count.
	ProgramYears map[string]int `yaml:"program_years" json:"program_years"`
}

const (
	defaultListen         = "127.0.0.1:3001"
	defaultTimezone       = "Europe/Rome"
	defaultTimeoutSeconds = 10
	defaultConcurrency    = 8
	defaultUserAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	defaultTTLMinutes     = 30
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:                defaultListen,
		Timezone:              defaultTimezone,
		LogLevel:              "info",
		LogFormat:             "console",
		RequestTimeoutSeconds: defaultTimeoutSeconds,
		MaxConcurrency:        defaultConcurrency,
		UserAgent:             defaultUserAgent,
		RefreshCron:           "*/30 * * * *",
		Cache: CacheConfig{
			Backend:    CacheMemory,
			TTLMinutes: defaultTTLMinutes,
		},
		Programs:     []model.ProgramDescriptor{},
		ProgramYears: map[string]int{},
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
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "console"
	}
	if c.RequestTimeoutSeconds <= 0 {
		c.RequestTimeoutSeconds = defaultTimeoutSeconds
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = defaultConcurrency
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	switch strings.ToLower(c.Cache.Backend) {
	case CacheMemory, CacheRedis, CacheNone:
		c.Cache.Backend = strings.ToLower(c.Cache.Backend)
	default:
		c.Cache.Backend = CacheMemory
	}
	if c.Cache.TTLMinutes <= 0 {
		c.Cache.TTLMinutes = defaultTTLMinutes
	}
	if c.Programs == nil {
		c.Programs = []model.ProgramDescriptor{}
	}
	if c.ProgramYears == nil {
		c.ProgramYears = map[string]int{}
	}
}

// RequestTimeout is RequestTimeoutSeconds as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// CacheTTL is Cache.TTLMinutes as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLMinutes) * time.Minute
}

// Location resolves Timezone, falling back to UTC for unknown zones.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Validate checks the configured program descriptors.
func (c *Config) Validate() error {
	v := validator.New()
	for i, p := range c.Programs {
		if err := v.Struct(p); err != nil {
			return fmt.Errorf("programs[%d]: %w", i, err)
		}
	}
	for name, n := range c.ProgramYears {
		if n < 0 {
			return fmt.Errorf("program_years[%s]: must not be negative", name)
		}
	}
	return nil
}

// Load loads configuration from the given YAML path, then applies
// UNICAL_* environment overrides.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - continue with the defaults
//   - Layer (low -> high): defaults, YAML file, environment.
//   - Normalize and validate the result.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}

	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		// First run: create default config file.
		if err := Save(path, DefaultConfig()); err != nil {
			return DefaultConfig(), err
		}
	}

	k := koanf.New(keyDelim)
	if err := k.Load(file.Provider(path), kyaml.Parser()); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	envProvider := env.Provider(EnvPrefix, keyDelim, func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", keyDelim)
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	cfg := DefaultConfig()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
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
		return ErrEmptyPath
	}
	if cfg == nil {
		return ErrNilConfig
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

	tmp, err := os.CreateTemp(dir, ".unical-config-*.tmp")
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

// Save is a convenience method that delegates to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
