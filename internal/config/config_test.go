package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultsOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadFillsMissingValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9000"
timezone: Europe/Paris
locale: fr
search_groups: true
google:
  credentials_file: creds.json
  exclude_calendars: [Anniversaires]
basic_auth:
  username: admin
  password: secret
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "fr", cfg.Locale)
	assert.True(t, cfg.SearchGroups)
	assert.Equal(t, "Europe/Paris", cfg.Location().String())
	assert.Equal(t, defaultRefresh, cfg.Refresh)
	assert.Equal(t, 15*time.Second, cfg.FetchTimeout())
	assert.Equal(t, int64(10<<20), cfg.MaxDocumentBytes)
	assert.True(t, cfg.Google.Enabled())
	assert.Equal(t, []string{"Anniversaires"}, cfg.Google.ExcludeCalendars)
	assert.Equal(t, int64(50), cfg.Google.MaxResults)
	require.NotNil(t, cfg.BasicAuth)
	assert.Equal(t, "admin", cfg.BasicAuth.Username)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("CALHUB_LISTEN", "0.0.0.0:8081")
	t.Setenv("CALHUB_LOG_LEVEL", "debug")
	t.Setenv("CALHUB_REFRESH", "off")
	t.Setenv("CALHUB_GOOGLE_TOKEN_FILE", "/tmp/token.json")

	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8081", cfg.Listen)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.False(t, cfg.RefreshEnabled())
	assert.Equal(t, "/tmp/token.json", cfg.Google.TokenFile)
	assert.False(t, cfg.Google.Enabled())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }},
		{"delimiters", func(c *Config) { c.GroupDelimiters = "[" }},
		{"cron", func(c *Config) { c.Refresh = "every minute" }},
		{"basic auth", func(c *Config) { c.BasicAuth = &BasicAuthConfig{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveRejectsEmptyInput(t *testing.T) {
	assert.Error(t, Save("", DefaultConfig()))
	assert.Error(t, Save(filepath.Join(t.TempDir(), "c.yaml"), nil))
	_, err := Load("")
	assert.Error(t, err)
}
