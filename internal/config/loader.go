package config

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. FETCHCACHE_FETCH_MAXRETRIES=5.
const EnvPrefix = "FETCHCACHE"

// Load reads the config file at path (TOML, YAML or JSON by extension), applies
// defaults and environment overrides, and validates the result. An empty path
// loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration Load produces with no file and no environment.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Backend:   "memory",
			Namespace: "fetchcache",
			Codec:     "json",
			Ristretto: RistrettoConfig{NumCounters: 1e5, MaxCost: 64 << 20, BufferItems: 64},
			BigCache:  BigCacheConfig{LifeWindow: 10 * time.Minute},
			Redis:     RedisConfig{Addr: "127.0.0.1:6379"},
		},
		Fetch: FetchConfig{
			CacheDuration:  5 * time.Minute,
			MaxRetries:     3,
			BaseRetryDelay: time.Second,
			Timeout:        30 * time.Second,
		},
		Log: LogConfig{
			Backend:    "logrus",
			Level:      "info",
			MaxSize:    100,
			MaxBackups: 10,
			Compress:   true,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("Store.Backend", d.Store.Backend)
	v.SetDefault("Store.Namespace", d.Store.Namespace)
	v.SetDefault("Store.Codec", d.Store.Codec)
	v.SetDefault("Store.Ristretto.NumCounters", d.Store.Ristretto.NumCounters)
	v.SetDefault("Store.Ristretto.MaxCost", d.Store.Ristretto.MaxCost)
	v.SetDefault("Store.Ristretto.BufferItems", d.Store.Ristretto.BufferItems)
	v.SetDefault("Store.BigCache.LifeWindow", d.Store.BigCache.LifeWindow.String())
	v.SetDefault("Store.BigCache.Shards", 0)
	v.SetDefault("Store.BigCache.HardMaxCacheSizeMB", 0)
	v.SetDefault("Store.Redis.Addr", d.Store.Redis.Addr)
	v.SetDefault("Store.Redis.Password", "")
	v.SetDefault("Store.Redis.DB", 0)
	v.SetDefault("Store.Redis.GenTTL", "0s")

	v.SetDefault("Fetch.CacheDuration", d.Fetch.CacheDuration.String())
	v.SetDefault("Fetch.MaxRetries", d.Fetch.MaxRetries)
	v.SetDefault("Fetch.BaseRetryDelay", d.Fetch.BaseRetryDelay.String())
	v.SetDefault("Fetch.ConstantBackoff", false)
	v.SetDefault("Fetch.Coalesce", false)
	v.SetDefault("Fetch.Timeout", d.Fetch.Timeout.String())

	v.SetDefault("Log.Backend", d.Log.Backend)
	v.SetDefault("Log.Level", d.Log.Level)
	v.SetDefault("Log.FilePath", "")
	v.SetDefault("Log.MaxSize", d.Log.MaxSize)
	v.SetDefault("Log.MaxBackups", d.Log.MaxBackups)
	v.SetDefault("Log.Compress", d.Log.Compress)
}

func (c *Config) normalize() {
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	c.Store.Codec = strings.ToLower(strings.TrimSpace(c.Store.Codec))
	c.Log.Backend = strings.ToLower(strings.TrimSpace(c.Log.Backend))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
}

// Validate reports every invalid field, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(field, reason string) { errs = append(errs, newFieldError(field, reason)) }

	switch c.Store.Backend {
	case "memory", "ristretto", "bigcache", "redis":
	default:
		add("Store.Backend", fmt.Sprintf("unknown backend %q", c.Store.Backend))
	}
	switch c.Store.Codec {
	case "json", "cbor", "cbor-deterministic", "msgpack":
	default:
		add("Store.Codec", fmt.Sprintf("unknown codec %q", c.Store.Codec))
	}
	if c.Store.Backend != "memory" && c.Store.Namespace == "" {
		add("Store.Namespace", "required for byte-backed stores")
	}
	if c.Store.Backend == "ristretto" {
		r := c.Store.Ristretto
		if r.NumCounters <= 0 || r.MaxCost <= 0 || r.BufferItems <= 0 {
			add("Store.Ristretto", "NumCounters, MaxCost and BufferItems must be positive")
		}
	}
	if c.Store.Backend == "bigcache" && c.Store.BigCache.LifeWindow < c.Fetch.CacheDuration {
		add("Store.BigCache.LifeWindow", "must be at least Fetch.CacheDuration")
	}
	if c.Store.Backend == "redis" && c.Store.Redis.Addr == "" {
		add("Store.Redis.Addr", "required")
	}
	if g := c.Store.Redis.GenTTL; g > 0 && g <= c.Fetch.CacheDuration {
		add("Store.Redis.GenTTL", "must exceed Fetch.CacheDuration")
	}

	if c.Fetch.CacheDuration < 0 {
		add("Fetch.CacheDuration", "must not be negative")
	}
	if c.Fetch.MaxRetries < -1 {
		add("Fetch.MaxRetries", "must be -1 (no retries) or greater")
	}
	if c.Fetch.BaseRetryDelay < 0 {
		add("Fetch.BaseRetryDelay", "must not be negative")
	}
	if c.Fetch.Timeout < 0 {
		add("Fetch.Timeout", "must not be negative")
	}

	switch c.Log.Backend {
	case "logrus", "zap", "charm", "slog":
	default:
		add("Log.Backend", fmt.Sprintf("unknown backend %q", c.Log.Backend))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("Log.Level", fmt.Sprintf("unknown level %q", c.Log.Level))
	}
	return errors.Join(errs...)
}

// durationDecodeHook accepts Go duration strings ("1.5s", "5m") and bare numbers
// of seconds.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	target := reflect.TypeOf(time.Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != target {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			s := strings.TrimSpace(v)
			if s == "" {
				return time.Duration(0), nil
			}
			if d, err := time.ParseDuration(s); err == nil {
				return d, nil
			}
			if secs, err := strconv.ParseFloat(s, 64); err == nil {
				return time.Duration(secs * float64(time.Second)), nil
			}
			return nil, fmt.Errorf("invalid duration %q", v)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		case time.Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("unsupported duration type %T", v)
		}
	}
}
