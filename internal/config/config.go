package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of the environment overrides (CALHUB_LISTEN, ...).
const EnvPrefix = "CALHUB"

const (
	defaultListen          = "127.0.0.1:8080"
	defaultTimezone        = "UTC"
	defaultLocale          = "en"
	defaultRefresh         = "*/15 * * * *"
	defaultStorePath       = "calhub.db"
	defaultUserAgent       = "calhub/1.0"
	defaultFetchTimeout    = 15
	defaultMaxDocument     = 10 << 20
	defaultCORSOrigin      = "*"
	defaultLogLevel        = "info"
	defaultGroupDelimiters = `[:\-]`
	defaultGoogleMax       = 50
	defaultTokenFile       = "google-token.json"
)

// DefaultExcludeCalendars are the provider calendars skipped on import.
var DefaultExcludeCalendars = []string{"Holidays", "Week Numbers", "Jours fériés", "Numéros de semaine"}

// GoogleConfig enables the Google Calendar provider. It stays disabled while
// CredentialsFile is empty.
type GoogleConfig struct {
	// CredentialsFile is the OAuth client JSON downloaded from the Cloud console.
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file"`
	// TokenFile stores the OAuth token. Ignored when KeyringUser is set.
	TokenFile string `yaml:"token_file" json:"token_file"`
	// KeyringUser stores the token in the OS keyring under this account name.
	KeyringUser string `yaml:"keyring_user,omitempty" json:"keyring_user,omitempty"`

	ExcludeCalendars []string `yaml:"exclude_calendars" json:"exclude_calendars"`
	MaxResults       int64    `yaml:"max_results" json:"max_results"`
}

// Enabled reports whether a provider should be built.
func (g GoogleConfig) Enabled() bool {
	return g.CredentialsFile != ""
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address of the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone floating and date-only values are read in.
	Timezone string `yaml:"timezone" json:"timezone"`

	// Locale is the default language for collation, quick entry and messages.
	Locale string `yaml:"locale" json:"locale"`

	// Refresh is a cron schedule for refreshing every source. "off" disables it.
	Refresh string `yaml:"refresh" json:"refresh"`

	// StorePath is the SQLite file holding the registry and snapshots.
	StorePath string `yaml:"store_path" json:"store_path"`

	UserAgent           string `yaml:"user_agent" json:"user_agent"`
	FetchTimeoutSeconds int    `yaml:"fetch_timeout_seconds" json:"fetch_timeout_seconds"`
	MaxDocumentBytes    int64  `yaml:"max_document_bytes" json:"max_document_bytes"`

	CORSOrigin string `yaml:"cors_origin" json:"cors_origin"`
	LogLevel   string `yaml:"log_level" json:"log_level"`

	// SearchGroups includes the derived group in text search.
	SearchGroups bool `yaml:"search_groups" json:"search_groups"`
	// GroupDelimiters is the regexp splitting a group prefix off a title.
	GroupDelimiters string `yaml:"group_delimiters" json:"group_delimiters"`
	// ExtraStopwords are dropped from quick-entry titles in every language.
	ExtraStopwords []string `yaml:"extra_stopwords" json:"extra_stopwords"`

	Google GoogleConfig `yaml:"google" json:"google"`

	// BasicAuth, if non-nil, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// env lists the settings that can be overridden from the environment.
type env struct {
	Listen          string `envconfig:"LISTEN"`
	Timezone        string `envconfig:"TIMEZONE"`
	Locale          string `envconfig:"LOCALE"`
	Refresh         string `envconfig:"REFRESH"`
	StorePath       string `envconfig:"STORE_PATH"`
	LogLevel        string `envconfig:"LOG_LEVEL"`
	CORSOrigin      string `envconfig:"CORS_ORIGIN"`
	GoogleTokenFile string `envconfig:"GOOGLE_TOKEN_FILE"`
	GoogleCreds     string `envconfig:"GOOGLE_CREDENTIALS_FILE"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Normalize fills in missing values so partially-filled files still work.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.Locale == "" {
		c.Locale = defaultLocale
	}
	if c.Refresh == "" {
		c.Refresh = defaultRefresh
	}
	if c.StorePath == "" {
		c.StorePath = defaultStorePath
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.FetchTimeoutSeconds <= 0 {
		c.FetchTimeoutSeconds = defaultFetchTimeout
	}
	if c.MaxDocumentBytes <= 0 {
		c.MaxDocumentBytes = defaultMaxDocument
	}
	if c.CORSOrigin == "" {
		c.CORSOrigin = defaultCORSOrigin
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.GroupDelimiters == "" {
		c.GroupDelimiters = defaultGroupDelimiters
	}
	if c.ExtraStopwords == nil {
		c.ExtraStopwords = []string{}
	}
	if c.Google.ExcludeCalendars == nil {
		c.Google.ExcludeCalendars = append([]string(nil), DefaultExcludeCalendars...)
	}
	if c.Google.TokenFile == "" {
		c.Google.TokenFile = defaultTokenFile
	}
	if c.Google.MaxResults <= 0 {
		c.Google.MaxResults = defaultGoogleMax
	}
}

// Validate checks values that Normalize cannot repair.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	if _, err := regexp.Compile(c.GroupDelimiters); err != nil {
		return fmt.Errorf("group_delimiters: %w", err)
	}
	if c.RefreshEnabled() {
		if _, err := cron.ParseStandard(c.Refresh); err != nil {
			return fmt.Errorf("refresh %q: %w", c.Refresh, err)
		}
	}
	if c.BasicAuth != nil && c.BasicAuth.Username == "" {
		return errors.New("basic_auth.username is empty")
	}
	return nil
}

// RefreshEnabled reports whether periodic refresh is scheduled.
func (c *Config) RefreshEnabled() bool {
	return c.Refresh != "off"
}

// Location resolves Timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// FetchTimeout returns FetchTimeoutSeconds as a duration.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// ApplyEnv overrides settings from CALHUB_* environment variables.
func (c *Config) ApplyEnv() error {
	var e env
	if err := envconfig.Process(EnvPrefix, &e); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Listen, e.Listen)
	set(&c.Timezone, e.Timezone)
	set(&c.Locale, e.Locale)
	set(&c.Refresh, e.Refresh)
	set(&c.StorePath, e.StorePath)
	set(&c.LogLevel, e.LogLevel)
	set(&c.CORSOrigin, e.CORSOrigin)
	set(&c.Google.TokenFile, e.GoogleTokenFile)
	set(&c.Google.CredentialsFile, e.GoogleCreds)
	return nil
}

// Load reads the YAML file at path, applies environment overrides and
// validates the result.
//
// A missing file is created with the defaults (0600) on first run.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = DefaultConfig()
		if err := Save(path, cfg); err != nil {
			return cfg, err
		}
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions, creating the parent directory (0700) if needed.
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

	tmp, err := os.CreateTemp(dir, ".calhub-config-*.tmp")
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
