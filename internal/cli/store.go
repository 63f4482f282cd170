package cli

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/fetchcache"
	"github.com/unkn0wn-root/fetchcache/codec"
	"github.com/unkn0wn-root/fetchcache/genstore"
	"github.com/unkn0wn-root/fetchcache/internal/config"
	"github.com/unkn0wn-root/fetchcache/provider"
	"github.com/unkn0wn-root/fetchcache/provider/bigcache"
	"github.com/unkn0wn-root/fetchcache/provider/redis"
	"github.com/unkn0wn-root/fetchcache/provider/ristretto"
)

// newStore builds the configured cache backend for Documents.
func newStore(ctx context.Context, cfg config.StoreConfig, log fetchcache.Logger, hooks fetchcache.Hooks) (fetchcache.Store, error) {
	if cfg.Backend == "memory" || cfg.Backend == "" {
		return fetchcache.NewMemoryStore(), nil
	}

	cd, err := codec.Named[Document](cfg.Codec)
	if err != nil {
		return nil, err
	}
	opts := fetchcache.ProviderOptions[Document]{
		Namespace: cfg.Namespace,
		Codec:     cd,
		Logger:    log,
		Hooks:     hooks,
	}

	var p provider.Provider
	switch cfg.Backend {
	case "ristretto":
		p, err = ristretto.New(ristretto.Config{
			NumCounters: cfg.Ristretto.NumCounters,
			MaxCost:     cfg.Ristretto.MaxCost,
			BufferItems: cfg.Ristretto.BufferItems,
			SyncWrites:  true,
		})
		// cost in bytes, so MaxCost is a memory budget
		opts.ComputeSetCost = func(_ string, raw []byte) int64 { return int64(len(raw)) }

	case "bigcache":
		p, err = bigcache.New(ctx, bigcache.Config{
			LifeWindow:         cfg.BigCache.LifeWindow,
			Shards:             cfg.BigCache.Shards,
			HardMaxCacheSizeMB: cfg.BigCache.HardMaxCacheSizeMB,
		})

	case "redis":
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		// generations live next to the entries so every process sees the same ones
		gs, gerr := genstore.NewRedis(genstore.RedisConfig{
			Client:    rdb,
			Namespace: cfg.Namespace,
			TTL:       cfg.Redis.GenTTL,
		})
		if gerr != nil {
			_ = rdb.Close()
			return nil, gerr
		}
		opts.GenStore = gs
		p, err = redis.New(redis.Config{Client: rdb, CloseClient: true})

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("%s provider: %w", cfg.Backend, err)
	}

	opts.Provider = p
	s, err := fetchcache.NewProviderStore(opts)
	if err != nil {
		_ = p.Close(ctx)
		return nil, err
	}
	return s, nil
}
