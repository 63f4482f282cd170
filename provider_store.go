package fetchcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	c "github.com/unkn0wn-root/fetchcache/codec"
	gen "github.com/unkn0wn-root/fetchcache/genstore"
	"github.com/unkn0wn-root/fetchcache/internal/util"
	"github.com/unkn0wn-root/fetchcache/internal/wire"
	pr "github.com/unkn0wn-root/fetchcache/provider"
)

const (
	defaultGenRetention = 30 * 24 * time.Hour
	defaultSweep        = time.Hour
)

// ErrStoreClosed is returned by ProviderStore operations after Close.
var ErrStoreClosed = errors.New("fetchcache: store closed")

type SetCostFunc func(storageKey string, raw []byte) int64

// ProviderOptions tune a ProviderStore.
// Namespace, Provider and Codec are required; others have sensible defaults.
type ProviderOptions[V any] struct {
	// Required
	Namespace string // logical namespace to avoid collisions. e.g. "user", "catalog"
	Provider  pr.Provider
	Codec     c.Codec[V]

	Logger          Logger        // if nil, NopLogger is used
	Hooks           Hooks         // if nil, NopHooks is used
	GenStore        gen.GenStore  // nil => genstore.Local (in-process), owned by the store
	CleanupInterval time.Duration // local gen sweep; 0 => 1h
	GenRetention    time.Duration // local gen retention; 0 => 30d
	ComputeSetCost  SetCostFunc   // default 1
}

// ProviderStore is a Store over a byte provider. Values of type V are serialized by
// the codec and framed with their timestamps and the key's generation. Invalidate
// bumps the generation before deleting, so a frame whose delete was lost (provider
// outage, another replica's local provider) is rejected and removed on its next read.
type ProviderStore[V any] struct {
	ns             string
	provider       pr.Provider
	codec          c.Codec[V]
	log            Logger
	hooks          Hooks
	gen            gen.GenStore
	ownGen         bool
	computeSetCost SetCostFunc

	closeOnce sync.Once
	closed    chan struct{}
}

var _ Store = (*ProviderStore[struct{}])(nil)

func NewProviderStore[V any](opts ProviderOptions[V]) (*ProviderStore[V], error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("fetchcache: provider is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("fetchcache: codec is required")
	}
	if opts.Namespace == "" {
		return nil, fmt.Errorf("fetchcache: namespace is required")
	}

	s := &ProviderStore[V]{
		ns:       opts.Namespace,
		provider: opts.Provider,
		codec:    opts.Codec,
		closed:   make(chan struct{}),
	}
	s.log = coalesce[Logger](opts.Logger, NopLogger{})
	s.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})

	if opts.ComputeSetCost != nil {
		s.computeSetCost = opts.ComputeSetCost
	} else {
		s.computeSetCost = func(string, []byte) int64 { return 1 }
	}

	if opts.GenStore != nil {
		s.gen = opts.GenStore
	} else {
		s.gen = gen.NewLocal(
			coalesce(opts.CleanupInterval, defaultSweep),
			coalesce(opts.GenRetention, defaultGenRetention),
		)
		s.ownGen = true
	}
	return s, nil
}

func (s *ProviderStore[V]) Get(ctx context.Context, key string) (Entry, bool, error) {
	if s.isClosed() {
		return Entry{}, false, ErrStoreClosed
	}
	k := s.storageKey(key)
	raw, ok, err := s.provider.Get(ctx, k)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	f, err := wire.DecodeEntry(raw)
	if err != nil {
		s.selfHeal(ctx, k, "corrupt")
		return Entry{}, false, nil
	}
	cur, err := s.gen.Snapshot(ctx, k)
	if err != nil {
		// cannot prove the frame is current; report a miss without deleting it
		s.log.Warn("gen snapshot error", Fields{"key": key, "err": err})
		return Entry{}, false, err
	}
	if f.Gen != cur {
		s.selfHeal(ctx, k, "gen_mismatch")
		return Entry{}, false, nil
	}
	v, err := s.codec.Decode(f.Payload)
	if err != nil {
		s.selfHeal(ctx, k, "value_decode")
		return Entry{}, false, nil
	}
	return Entry{Value: v, FetchedAt: f.FetchedAt, ExpiresAt: f.ExpiresAt}, true, nil
}

func (s *ProviderStore[V]) Put(ctx context.Context, key string, value any, ttl time.Duration, now time.Time) error {
	if s.isClosed() {
		return ErrStoreClosed
	}
	v, ok := value.(V)
	if !ok {
		return fmt.Errorf("%w: %T", ErrValueType, value)
	}
	k := s.storageKey(key)
	g, err := s.gen.Snapshot(ctx, k)
	if err != nil {
		return fmt.Errorf("gen snapshot: %w", err)
	}
	payload, err := s.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	raw := wire.EncodeEntry(wire.Frame{
		Gen:       g,
		FetchedAt: now,
		ExpiresAt: now.Add(ttl),
		Payload:   payload,
	})
	ok, err = s.provider.Set(ctx, k, raw, s.computeSetCost(k, raw), ttl)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Debug("put rejected by provider (pressure)", Fields{"key": key})
	}
	return nil
}

func (s *ProviderStore[V]) Invalidate(ctx context.Context, key string) error {
	if s.isClosed() {
		return ErrStoreClosed
	}
	k := s.storageKey(key)
	newGen, bumpErr := s.gen.Bump(ctx, k)
	delErr := s.provider.Del(ctx, k)
	if bumpErr == nil && delErr == nil {
		s.log.Debug("invalidated key (bumped gen + deleted)", Fields{"key": key, "newGen": newGen})
		return nil
	}
	err := &InvalidateError{Key: key, BumpErr: bumpErr, DelErr: delErr}
	if bumpErr != nil && delErr != nil {
		s.log.Error("invalidate outage", Fields{"key": key, "err": err})
	} else {
		s.log.Warn("invalidate partially failed", Fields{"key": key, "err": err})
	}
	return err
}

// Close stops the owned generation store and closes the provider.
// Operations after Close return ErrStoreClosed.
func (s *ProviderStore[V]) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.ownGen {
			_ = s.gen.Close(ctx)
		}
		err = s.provider.Close(ctx)
	})
	return err
}

func (s *ProviderStore[V]) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *ProviderStore[V]) selfHeal(ctx context.Context, storageKey, reason string) {
	_ = s.provider.Del(ctx, storageKey)
	s.hooks.SelfHeal(storageKey, reason)
	s.log.Debug("self-healed entry", Fields{"key": storageKey, "reason": reason})
}

func (s *ProviderStore[V]) storageKey(userKey string) string {
	// isolate by namespace
	return util.StorageKey("fetch:"+s.ns, userKey)
}
