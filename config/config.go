// Package config loads process configuration from an optional YAML file and
// PATTYLY_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/boubamga9/Pattyly-sub002/ratelimit"
)

// EnvPrefix is prepended to every environment variable, e.g. PATTYLY_DATABASE_DSN.
const EnvPrefix = "PATTYLY"

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Cache      CacheConfig      `mapstructure:"cache"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Revalidate RevalidateConfig `mapstructure:"revalidate"`
	Admin      AdminConfig      `mapstructure:"admin"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes" validate:"gt=0"`
}

type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns" validate:"gte=0"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0,lte=15"`
}

// CacheConfig selects the catalog cache backing.
type CacheConfig struct {
	Backend         string        `mapstructure:"backend" validate:"oneof=memory ristretto redis"`
	TTL             time.Duration `mapstructure:"ttl" validate:"gt=0"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" validate:"gt=0"`
	Prefix          string        `mapstructure:"prefix"`
	MaxCostBytes    int64         `mapstructure:"max_cost_bytes" validate:"gte=0"`
}

// RateLimitConfig selects the counter backing and the guarded route prefixes.
type RateLimitConfig struct {
	Backend         string                `mapstructure:"backend" validate:"oneof=memory redis"`
	Prefix          string                `mapstructure:"prefix"`
	CleanupInterval time.Duration         `mapstructure:"cleanup_interval" validate:"gt=0"`
	Enforce         bool                  `mapstructure:"enforce"`
	RealIP          bool                  `mapstructure:"real_ip"`
	Headers         string                `mapstructure:"headers" validate:"oneof=always on_limit never"`
	Rules           map[string]RuleConfig `mapstructure:"rules" validate:"dive,keys,startswith=/,lowercase,endkeys"`
}

// RuleConfig is one entry of the route prefix -> {max, window_ms} mapping.
type RuleConfig struct {
	Max      int   `mapstructure:"max" validate:"gt=0"`
	WindowMS int64 `mapstructure:"window_ms" validate:"gt=0"`
}

type RevalidateConfig struct {
	BaseURL string        `mapstructure:"base_url" validate:"omitempty,url"`
	Header  string        `mapstructure:"header"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0,lte=10s"`
}

type AdminConfig struct {
	APIKey string `mapstructure:"api_key"`
}

type LogConfig struct {
	Level       string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Development bool   `mapstructure:"development"`
}

// DefaultRules guard the public catalog and the admin surface when no rules are configured.
func DefaultRules() map[string]RuleConfig {
	return map[string]RuleConfig{
		"/shops": {Max: 120, WindowMS: 60_000},
		"/admin": {Max: 30, WindowMS: 60_000},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.max_body_bytes", 1<<20)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 0)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("cache.cleanup_interval", 10*time.Minute)
	v.SetDefault("cache.prefix", "catalog:")
	v.SetDefault("cache.max_cost_bytes", 0)

	v.SetDefault("ratelimit.backend", "memory")
	v.SetDefault("ratelimit.prefix", "ratelimit:")
	v.SetDefault("ratelimit.cleanup_interval", time.Minute)
	v.SetDefault("ratelimit.enforce", false)
	v.SetDefault("ratelimit.real_ip", false)
	v.SetDefault("ratelimit.headers", "always")

	v.SetDefault("revalidate.base_url", "")
	v.SetDefault("revalidate.header", "x-prerender-revalidate")
	v.SetDefault("revalidate.token", "")
	v.SetDefault("revalidate.timeout", 5*time.Second)

	v.SetDefault("admin.api_key", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads configuration. A .env file in the working directory is loaded
// first when present; path names an optional YAML file. Environment variables
// override the file, and the file overrides the defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := checkRuleCase(path); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if len(cfg.RateLimit.Rules) == 0 {
		cfg.RateLimit.Rules = DefaultRules()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// checkRuleCase rejects rule prefixes written with upper-case letters in a
// YAML file. viper lower-cases map keys, so such a rule would never match the
// case-sensitive request path.
func checkRuleCase(path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var raw struct {
		RateLimit struct {
			Rules map[string]yaml.Node `yaml:"rules"`
		} `yaml:"ratelimit"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	var bad []string
	for prefix := range raw.RateLimit.Rules {
		if prefix != strings.ToLower(prefix) {
			bad = append(bad, prefix)
		}
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return fmt.Errorf("invalid config: ratelimit.rules prefixes must be lower case: %s", strings.Join(bad, ", "))
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the cross-field requirements of the
// selected backends.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag())
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if (c.Cache.Backend == "redis" || c.RateLimit.Backend == "redis") && c.Redis.Addr == "" {
		return errors.New("invalid config: redis.addr is required by the redis backend")
	}
	if c.Revalidate.BaseURL != "" && c.Revalidate.Token == "" {
		return errors.New("invalid config: revalidate.token is required when revalidate.base_url is set")
	}
	return nil
}

// Rules converts the configured rules into limiter rules.
func (c *Config) Rules() map[string]ratelimit.Rule {
	out := make(map[string]ratelimit.Rule, len(c.RateLimit.Rules))
	for prefix, r := range c.RateLimit.Rules {
		out[prefix] = ratelimit.Rule{Max: r.Max, Window: time.Duration(r.WindowMS) * time.Millisecond}
	}
	return out
}

// HeaderMode maps the headers setting onto the middleware's mode.
func (c *Config) HeaderMode() ratelimit.HeaderMode {
	switch c.RateLimit.Headers {
	case "on_limit":
		return ratelimit.HeadersOnLimitExceeded
	case "never":
		return ratelimit.HeadersNever
	default:
		return ratelimit.HeadersAlways
	}
}

func mask(s string) string {
	if s == "" {
		return "(empty)"
	}
	return "********"
}

func redactDSN(dsn string) string {
	if dsn == "" {
		return "(empty)"
	}
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return "********"
	}
	return u.Redacted()
}

// String renders the configuration with every secret masked.
func (c *Config) String() string {
	var sb strings.Builder
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "  Server.Addr: %s\n", c.Server.Addr)
	fmt.Fprintf(&sb, "  Server.Timeouts: read=%s write=%s idle=%s shutdown=%s\n",
		c.Server.ReadTimeout, c.Server.WriteTimeout, c.Server.IdleTimeout, c.Server.ShutdownTimeout)
	fmt.Fprintf(&sb, "  Database.DSN: %s\n", redactDSN(c.Database.DSN))
	fmt.Fprintf(&sb, "  Redis.Addr: %s\n", c.Redis.Addr)
	fmt.Fprintf(&sb, "  Redis.Password: %s\n", mask(c.Redis.Password))
	fmt.Fprintf(&sb, "  Redis.DB: %d\n", c.Redis.DB)
	fmt.Fprintf(&sb, "  Cache: backend=%s ttl=%s cleanup=%s\n", c.Cache.Backend, c.Cache.TTL, c.Cache.CleanupInterval)
	fmt.Fprintf(&sb, "  RateLimit: backend=%s enforce=%v real_ip=%v headers=%s\n",
		c.RateLimit.Backend, c.RateLimit.Enforce, c.RateLimit.RealIP, c.RateLimit.Headers)

	prefixes := make([]string, 0, len(c.RateLimit.Rules))
	for p := range c.RateLimit.Rules {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)
	for _, p := range prefixes {
		r := c.RateLimit.Rules[p]
		fmt.Fprintf(&sb, "  RateLimit.Rule %s: max=%d window_ms=%d\n", p, r.Max, r.WindowMS)
	}

	fmt.Fprintf(&sb, "  Revalidate.BaseURL: %s\n", c.Revalidate.BaseURL)
	fmt.Fprintf(&sb, "  Revalidate.Token: %s\n", mask(c.Revalidate.Token))
	fmt.Fprintf(&sb, "  Admin.APIKey: %s\n", mask(c.Admin.APIKey))
	fmt.Fprintf(&sb, "  Log.Level: %s\n", c.Log.Level)
	return sb.String()
}
