package config

import "time"

// Config is the CLI's view of a fetchcache deployment: where entries live,
// how fetches retry, and where logs go.
type Config struct {
	Store StoreConfig `mapstructure:"Store"`
	Fetch FetchConfig `mapstructure:"Fetch"`
	Log   LogConfig   `mapstructure:"Log"`
}

// StoreConfig selects the cache backend. Only the block for the chosen
// backend is read.
type StoreConfig struct {
	Backend   string `mapstructure:"Backend"` // memory | ristretto | bigcache | redis
	Namespace string `mapstructure:"Namespace"`
	Codec     string `mapstructure:"Codec"` // json | cbor | cbor-deterministic | msgpack

	Ristretto RistrettoConfig `mapstructure:"Ristretto"`
	BigCache  BigCacheConfig  `mapstructure:"BigCache"`
	Redis     RedisConfig     `mapstructure:"Redis"`
}

type RistrettoConfig struct {
	NumCounters int64 `mapstructure:"NumCounters"`
	MaxCost     int64 `mapstructure:"MaxCost"`
	BufferItems int64 `mapstructure:"BufferItems"`
}

type BigCacheConfig struct {
	LifeWindow         time.Duration `mapstructure:"LifeWindow"`
	Shards             int           `mapstructure:"Shards"`
	HardMaxCacheSizeMB int           `mapstructure:"HardMaxCacheSizeMB"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"Addr"`
	Password string        `mapstructure:"Password"`
	DB       int           `mapstructure:"DB"`
	GenTTL   time.Duration `mapstructure:"GenTTL"` // 0 keeps generations forever
}

// FetchConfig maps onto fetchcache.Options.
type FetchConfig struct {
	CacheDuration   time.Duration `mapstructure:"CacheDuration"`
	MaxRetries      int           `mapstructure:"MaxRetries"` // 0 or -1 disables retries
	BaseRetryDelay  time.Duration `mapstructure:"BaseRetryDelay"`
	ConstantBackoff bool          `mapstructure:"ConstantBackoff"`
	Coalesce        bool          `mapstructure:"Coalesce"`
	Timeout         time.Duration `mapstructure:"Timeout"` // per HTTP request
}

type LogConfig struct {
	Backend    string `mapstructure:"Backend"` // logrus | zap | charm | slog
	Level      string `mapstructure:"Level"`
	FilePath   string `mapstructure:"FilePath"`
	MaxSize    int    `mapstructure:"MaxSize"` // megabytes
	MaxBackups int    `mapstructure:"MaxBackups"`
	Compress   bool   `mapstructure:"Compress"`
}
