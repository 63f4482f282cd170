package fetchcache

import "time"

const (
	DefaultCacheDuration  = 5 * time.Minute
	DefaultMaxRetries     = 3
	DefaultBaseRetryDelay = time.Second

	// NoRetries disables automatic retries when set as Options.MaxRetries.
	NoRetries = -1
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
