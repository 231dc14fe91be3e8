package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Probe     ProbeConfig     `mapstructure:"probe"`
	Elevation ElevationConfig `mapstructure:"elevation"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Valkey    ValkeyConfig    `mapstructure:"valkey"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type ServerConfig struct {
	Port         int `mapstructure:"port"`
	ReadTimeout  int `mapstructure:"read_timeout"`
	WriteTimeout int `mapstructure:"write_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ProbeConfig holds the debounce windows of a probe session.
type ProbeConfig struct {
	ViewportDebounceMS  int `mapstructure:"viewport_debounce_ms"`
	ElevationDebounceMS int `mapstructure:"elevation_debounce_ms"`
}

func (p ProbeConfig) ViewportDelay() time.Duration {
	return time.Duration(p.ViewportDebounceMS) * time.Millisecond
}

func (p ProbeConfig) ElevationDelay() time.Duration {
	return time.Duration(p.ElevationDebounceMS) * time.Millisecond
}

// ElevationConfig points at the remote elevation backend.
type ElevationConfig struct {
	Endpoint        string  `mapstructure:"endpoint"`
	Credential      string  `mapstructure:"credential"`
	Unit            string  `mapstructure:"unit"`
	TimeoutMS       int     `mapstructure:"timeout_ms"`
	RatePerSec      float64 `mapstructure:"rate_per_sec"`
	CacheTTLSeconds int     `mapstructure:"cache_ttl_seconds"`
}

func (e ElevationConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutMS) * time.Millisecond
}

type DatabaseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
}

type ValkeyConfig struct {
	Addr    string `mapstructure:"addr"`
	Enabled bool   `mapstructure:"enabled"`
}

type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	TempoAddr   string `mapstructure:"tempo_addr"`
	Enabled     bool   `mapstructure:"enabled"`
}

// Load reads configuration from file and environment variables.
func Load(service string) (*Config, error) {
	v := viper.New()
	setDefaults(v, service)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	_ = v.ReadInConfig() // OK if missing

	// Environment variables: MAPPROBE_ELEVATION_ENDPOINT → elevation.endpoint
	v.SetEnvPrefix("MAPPROBE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper, service string) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10)
	v.SetDefault("server.write_timeout", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("probe.viewport_debounce_ms", 250)
	v.SetDefault("probe.elevation_debounce_ms", 500)
	v.SetDefault("elevation.endpoint", "http://localhost:9000/elevation")
	v.SetDefault("elevation.credential", "")
	v.SetDefault("elevation.unit", "feet")
	v.SetDefault("elevation.timeout_ms", 5000)
	v.SetDefault("elevation.rate_per_sec", 20)
	v.SetDefault("elevation.cache_ttl_seconds", 86400)
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "mapprobe")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "mapprobe")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("valkey.addr", "localhost:6379")
	v.SetDefault("valkey.enabled", false)
	v.SetDefault("telemetry.service_name", service)
	v.SetDefault("telemetry.tempo_addr", "tempo:4317")
	v.SetDefault("telemetry.enabled", false)
}

// Validate checks that required configuration fields are present and sane.
// Backing services are only checked when enabled.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 {
		errs = append(errs, "server.read_timeout must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, "server.write_timeout must be positive")
	}
	if c.Probe.ViewportDebounceMS <= 0 {
		errs = append(errs, "probe.viewport_debounce_ms must be positive")
	}
	if c.Probe.ElevationDebounceMS <= 0 {
		errs = append(errs, "probe.elevation_debounce_ms must be positive")
	}

	if c.Elevation.Endpoint == "" {
		errs = append(errs, "elevation.endpoint is required")
	} else if u, err := url.Parse(c.Elevation.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("elevation.endpoint must be an absolute URL, got %q", c.Elevation.Endpoint))
	}
	if c.Elevation.Unit == "" {
		errs = append(errs, "elevation.unit is required")
	}
	if c.Elevation.TimeoutMS <= 0 {
		errs = append(errs, "elevation.timeout_ms must be positive")
	}
	if c.Elevation.RatePerSec < 0 {
		errs = append(errs, "elevation.rate_per_sec must not be negative")
	}
	if c.Elevation.CacheTTLSeconds < 0 {
		errs = append(errs, "elevation.cache_ttl_seconds must not be negative")
	}

	if c.Database.Enabled {
		if c.Database.Host == "" {
			errs = append(errs, "database.host is required")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", c.Database.Port))
		}
		if c.Database.User == "" {
			errs = append(errs, "database.user is required")
		}
		if c.Database.DBName == "" {
			errs = append(errs, "database.dbname is required")
		}
		if c.Database.MaxConns < 0 {
			errs = append(errs, fmt.Sprintf("database.max_conns must not be negative, got %d", c.Database.MaxConns))
		}
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, "nats.url is required")
	}
	if c.Valkey.Enabled && c.Valkey.Addr == "" {
		errs = append(errs, "valkey.addr is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
