package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 15*time.Minute, cfg.Upstream.IndexCooldown)
	assert.Equal(t, "memory", cfg.Cache.Driver)
	assert.Nil(t, cfg.DatabaseConfig())
	assert.Equal(t, []string{"CPC", "LPC", "NDP", "BQ", "PPC", "GPC", "Others"}, cfg.PartyNames())
	assert.Equal(t, "#36A2EB", cfg.Palette()["CPC"])
}

func TestLoadFileThenEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
upstream:
  index_url: https://example.test/v1/index.json
  index_cooldown: 5m
cache:
  driver: sqlite
  sqlite_path: /tmp/cache.db
parties:
  - name: CPC
    color: "#0000FF"
  - name: LPC
    color: "#FF0000"
`)
	t.Setenv("POLLSTER_SERVER_PORT", "9191")
	t.Setenv("POLLSTER_UPSTREAM_REQUEST_TIMEOUT", "3s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, ":9191", cfg.Address())
	assert.Equal(t, "https://example.test/v1/index.json", cfg.Upstream.IndexURL)
	assert.Equal(t, 5*time.Minute, cfg.Upstream.IndexCooldown)
	assert.Equal(t, 3*time.Second, cfg.Upstream.RequestTimeout)
	assert.Equal(t, []string{"CPC", "LPC"}, cfg.PartyNames())

	db := cfg.DatabaseConfig()
	require.NotNil(t, db)
	assert.Equal(t, "sqlite", db.Driver)
	assert.Equal(t, "/tmp/cache.db", db.Path)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 0 }},
		{name: "bad index url", mutate: func(c *Config) { c.Upstream.IndexURL = "not a url" }},
		{name: "unknown driver", mutate: func(c *Config) { c.Cache.Driver = "redis" }},
		{name: "postgres without host", mutate: func(c *Config) { c.Cache.Driver = "postgres" }},
		{name: "sqlite without path", mutate: func(c *Config) { c.Cache.Driver = "sqlite"; c.Cache.SQLitePath = "" }},
		{name: "no parties", mutate: func(c *Config) { c.Parties = nil }},
		{name: "bad color", mutate: func(c *Config) { c.Parties[0].Color = "blue" }},
		{name: "duplicate party", mutate: func(c *Config) { c.Parties[1].Name = c.Parties[0].Name }},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "loud" }},
		{name: "unknown default language", mutate: func(c *Config) { c.DefaultLanguage = "de" }},
	}

	require.NoError(t, Default().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLabelsFor(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "Tout", cfg.LabelsFor("fr").All)
	assert.Equal(t, "Tout", cfg.LabelsFor("fr-CA").All)
	assert.Equal(t, "All", cfg.LabelsFor("en").All)
	assert.Equal(t, "All", cfg.LabelsFor("de").All)
	assert.Equal(t, "All", cfg.LabelsFor("").All)

	partial := writeConfig(t, `
labels:
  fr:
    all: "Toutes"
`)
	loaded, err := Load(partial)
	require.NoError(t, err)
	fr := loaded.LabelsFor("fr")
	assert.Equal(t, "Toutes", fr.All)
	assert.Equal(t, "Last 7 days", fr.Last7Days)
}
