package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	StorageRedis  = "redis"
	StorageMemory = "memory"

	DefaultSurface = "default"
)

type Config struct {
	Environment string `toml:"environment"`

	// admin backend
	BackendURL        string   `toml:"backend_url"`
	AntiForgeryCookie string   `toml:"anti_forgery_cookie"`
	AntiForgeryHeader string   `toml:"anti_forgery_header"`
	RefreshPath       string   `toml:"refresh_path"`
	LoginPath         string   `toml:"login_path"`
	LogoutPath        string   `toml:"logout_path"`
	LoginURL          string   `toml:"login_url"`
	HTTPTimeout       Duration `toml:"http_timeout"`

	// session
	Surfaces      map[string]Duration `toml:"surfaces"`
	SweepInterval Duration            `toml:"sweep_interval"`

	// storage
	Storage        string `toml:"storage"`
	RedisHost      string `toml:"redis_host"`
	RedisPort      string `toml:"redis_port"`
	RedisNamespace string `toml:"redis_namespace"`
	TabCacheSize   int    `toml:"tab_cache_size"`

	// logging
	LogLevel      string `toml:"log_level"`
	LogsPath      string `toml:"logs_path"`
	LogToStdout   bool   `toml:"log_to_stdout"`
	LogFormatJSON bool   `toml:"log_format_json"`
	SentryEnabled bool   `toml:"sentry_enabled"`

	// metrics
	PrometheusMetricsHost string `toml:"prometheus_metrics_host"`
	PrometheusMetricsPort string `toml:"prometheus_metrics_port"`
}

// Duration reads "30m" style strings from TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Toml struct {
	Development *Config
	Production  *Config
}

func (t *Toml) Get(env string) (*Config, error) {
	switch strings.ToLower(env) {
	case "dev", "development":
		return t.Development, nil
	case "prod", "production":
		return t.Production, nil
	default:
		return nil, fmt.Errorf("unknown env: %s", env)
	}
}

func Load(env, path string) (*Config, error) {
	var t Toml
	if _, err := toml.DecodeFile(path, &t); err != nil {
		return nil, fmt.Errorf("decode config [%s]: %w", path, err)
	}

	cfg, err := t.Get(env)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, fmt.Errorf("no [%s] section in config [%s]", env, path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid [%s] config: %w", env, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("backend_url not set")
	}
	switch c.Storage {
	case "", StorageMemory:
	case StorageRedis:
		if c.RedisHost == "" || c.RedisPort == "" {
			return fmt.Errorf("redis storage needs redis_host and redis_port")
		}
	default:
		return fmt.Errorf("unknown storage: %s", c.Storage)
	}
	for name, timeout := range c.Surfaces {
		if timeout.Duration <= 0 {
			return fmt.Errorf("surface [%s]: timeout must be positive", name)
		}
	}
	return nil
}

// SurfaceTimeout returns the inactivity timeout of the named admin surface.
// Zero means the session default applies.
func (c *Config) SurfaceTimeout(name string) (time.Duration, error) {
	if timeout, ok := c.Surfaces[name]; ok {
		return timeout.Duration, nil
	}
	if name == DefaultSurface || name == "" {
		return 0, nil
	}
	return 0, fmt.Errorf("unknown surface [%s], known: %s", name, strings.Join(c.SurfaceNames(), ", "))
}

func (c *Config) SurfaceNames() []string {
	names := make([]string, 0, len(c.Surfaces))
	for name := range c.Surfaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
