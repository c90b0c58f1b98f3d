package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"pollster-audit/internal/models"
	"pollster-audit/pkg/database"
)

// EnvPrefix prefixes every environment override, e.g. POLLSTER_SERVER_PORT.
// envconfig also falls back to the bare tag name, so tags avoid common
// variables such as USER and HOST.
const EnvPrefix = "POLLSTER"

// Config is the top-level service configuration
type Config struct {
	Server          ServerConfig             `yaml:"server" envconfig:"SERVER"`
	Upstream        UpstreamConfig           `yaml:"upstream" envconfig:"UPSTREAM"`
	Cache           CacheConfig              `yaml:"cache" envconfig:"CACHE"`
	Session         SessionConfig            `yaml:"session" envconfig:"SESSION"`
	Logging         LoggingConfig            `yaml:"logging" envconfig:"LOGGING"`
	DefaultLanguage string                   `yaml:"default_language" envconfig:"DEFAULT_LANGUAGE" validate:"required"`
	Parties         []PartyConfig            `yaml:"parties" ignored:"true" validate:"required,min=1,dive"`
	Labels          map[string]models.Labels `yaml:"labels" ignored:"true"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host" envconfig:"BIND_HOST"`
	Port            int           `yaml:"port" envconfig:"PORT" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" validate:"gt=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" validate:"gt=0"`
	AllowedOrigins  []string      `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
}

// UpstreamConfig points at the published polling API
type UpstreamConfig struct {
	IndexURL          string        `yaml:"index_url" envconfig:"INDEX_URL" validate:"required,url"`
	IndexCooldown     time.Duration `yaml:"index_cooldown" envconfig:"INDEX_COOLDOWN" validate:"gte=0"`
	RequestTimeout    time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT" validate:"gt=0"`
	RequestsPerSecond float64       `yaml:"requests_per_second" envconfig:"REQUESTS_PER_SECOND" validate:"gte=0"`
	Burst             int           `yaml:"burst" envconfig:"BURST" validate:"gte=0"`
}

// CacheConfig selects where downloaded periods are kept
type CacheConfig struct {
	Driver          string        `yaml:"driver" envconfig:"DRIVER" validate:"oneof=memory sqlite postgres"`
	SQLitePath      string        `yaml:"sqlite_path" envconfig:"SQLITE_PATH"`
	Host            string        `yaml:"host" envconfig:"DB_HOST"`
	Port            int           `yaml:"port" envconfig:"DB_PORT"`
	User            string        `yaml:"user" envconfig:"DB_USER"`
	Password        string        `yaml:"password" envconfig:"DB_PASSWORD"`
	Database        string        `yaml:"database" envconfig:"DB_NAME"`
	SSLMode         string        `yaml:"ssl_mode" envconfig:"DB_SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" envconfig:"MAX_OPEN_CONNS" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" envconfig:"MAX_IDLE_CONNS" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" envconfig:"CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" envconfig:"CONN_MAX_IDLE_TIME"`
}

// SessionConfig bounds the in-memory dashboard sessions
type SessionConfig struct {
	IdleTTL         time.Duration `yaml:"idle_ttl" envconfig:"IDLE_TTL" validate:"gt=0"`
	JanitorInterval time.Duration `yaml:"janitor_interval" envconfig:"JANITOR_INTERVAL" validate:"gt=0"`
	MaxSessions     int           `yaml:"max_sessions" envconfig:"MAX_SESSIONS" validate:"gte=0"`
}

// LoggingConfig configures the application logger
type LoggingConfig struct {
	Level   string `yaml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn error fatal"`
	Service string `yaml:"service" envconfig:"SERVICE_NAME" validate:"required"`
	Version string `yaml:"version" envconfig:"SERVICE_VERSION"`
}

// PartyConfig is one tracked series and its chart color
type PartyConfig struct {
	Name  string `yaml:"name" validate:"required"`
	Color string `yaml:"color" validate:"required,hexcolor"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Upstream: UpstreamConfig{
			IndexURL:          "https://api.pollsteraudit.ca/v1/index.json",
			IndexCooldown:     15 * time.Minute,
			RequestTimeout:    20 * time.Second,
			RequestsPerSecond: 10,
			Burst:             5,
		},
		Cache: CacheConfig{
			Driver:          "memory",
			SQLitePath:      "data/period_cache.db",
			Port:            5432,
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Session: SessionConfig{
			IdleTTL:         30 * time.Minute,
			JanitorInterval: time.Minute,
			MaxSessions:     1000,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Service: "pollster-audit",
			Version: "dev",
		},
		DefaultLanguage: "en",
		Parties:         DefaultParties(),
		Labels: map[string]models.Labels{
			"en": models.DefaultLabels(),
			"fr": frenchLabels(),
		},
	}
}

// DefaultParties are the federal parties tracked by default
func DefaultParties() []PartyConfig {
	return []PartyConfig{
		{Name: "CPC", Color: "#36A2EB"},
		{Name: "LPC", Color: "#FF6384"},
		{Name: "NDP", Color: "#FF9F40"},
		{Name: "BQ", Color: "#4BC0C0"},
		{Name: "PPC", Color: "#9966FF"},
		{Name: "GPC", Color: "#66FF66"},
		{Name: "Others", Color: "#FFCE56"},
	}
}

// Load builds the configuration: defaults, then the YAML file at path when
// it exists, then POLLSTER_* environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks struct tags and the cross-field rules tags cannot express
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	switch c.Cache.Driver {
	case database.DriverSQLite:
		if c.Cache.SQLitePath == "" {
			return fmt.Errorf("cache.sqlite_path is required for the sqlite driver")
		}
	case database.DriverPostgres:
		if c.Cache.Host == "" || c.Cache.Database == "" {
			return fmt.Errorf("cache.host and cache.database are required for the postgres driver")
		}
	}

	seen := make(map[string]bool, len(c.Parties))
	for _, p := range c.Parties {
		if seen[p.Name] {
			return fmt.Errorf("duplicate party %q", p.Name)
		}
		seen[p.Name] = true
	}

	if _, ok := c.Labels[c.DefaultLanguage]; !ok && c.DefaultLanguage != "en" {
		return fmt.Errorf("no labels configured for default language %q", c.DefaultLanguage)
	}

	return nil
}

// Address returns the listen address
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// DatabaseConfig maps the cache section onto a database connection config.
// It returns nil for the memory driver.
func (c *Config) DatabaseConfig() *database.Config {
	if c.Cache.Driver != database.DriverSQLite && c.Cache.Driver != database.DriverPostgres {
		return nil
	}
	return &database.Config{
		Driver:          c.Cache.Driver,
		Path:            c.Cache.SQLitePath,
		Host:            c.Cache.Host,
		Port:            c.Cache.Port,
		User:            c.Cache.User,
		Password:        c.Cache.Password,
		Database:        c.Cache.Database,
		SSLMode:         c.Cache.SSLMode,
		MaxOpenConns:    c.Cache.MaxOpenConns,
		MaxIdleConns:    c.Cache.MaxIdleConns,
		ConnMaxLifetime: c.Cache.ConnMaxLifetime,
		ConnMaxIdleTime: c.Cache.ConnMaxIdleTime,
	}
}

// PartyNames returns the tracked series in configured order
func (c *Config) PartyNames() []string {
	names := make([]string, len(c.Parties))
	for i, p := range c.Parties {
		names[i] = p.Name
	}
	return names
}

// Palette maps each party to its color
func (c *Config) Palette() map[string]string {
	palette := make(map[string]string, len(c.Parties))
	for _, p := range c.Parties {
		palette[p.Name] = p.Color
	}
	return palette
}

// LabelsFor resolves the label set for lang ("fr", "fr-CA", ...), falling
// back to the default language and then to English for missing strings.
func (c *Config) LabelsFor(lang string) models.Labels {
	fallback := models.DefaultLabels()
	if def, ok := c.Labels[c.DefaultLanguage]; ok {
		fallback = def.Merge(fallback)
	}

	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	if l, ok := c.Labels[lang]; ok {
		return l.Merge(fallback)
	}
	return fallback
}

func frenchLabels() models.Labels {
	return models.Labels{
		Locale: "fr-CA",

		AllFirms:    "Toutes les firmes",
		PollingFirm: "Firme de sondage",

		Party:        "Parti",
		Mean:         "Moyenne",
		StdDev:       "Écart type",
		HouseEffect:  "Effet maison",
		Outliers:     "Valeurs aberrantes",
		OutlierRatio: "Ratio aberrant",
		Trend:        "Tendance (pts/jour)",

		FirmTrendOverTime:              "Tendance des sondages dans le temps",
		PollingPercentage:              "Pourcentage",
		Others:                         "Autres",
		Date:                           "Date",
		PollingPercentagesDistribution: "Distribution des pourcentages",
		Distribution:                   "Distribution",

		All:               "Tout",
		Last7Days:         "7 derniers jours",
		Last30Days:        "30 derniers jours",
		Last6Months:       "6 derniers mois",
		SinceLastElection: "Depuis la dernière élection",
		CampaignPeriod:    "Période de campagne",
		PreCampaignPeriod: "Période préélectorale",
		To:                "au",
		Since:             "Depuis le",
		MustBeBefore:      "La date de début doit précéder la date de fin.",
	}
}
