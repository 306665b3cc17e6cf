// Package registry resolves sensor names to their stable numeric identity,
// creating the identity on first sight.
//
// The registry is constructed once at startup and handed to every
// connection handler; it is not a process-wide singleton. Resolution is
// cached for the life of the process because a name-to-id mapping never
// changes once created.
package registry

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/Oberacda/dblogd/errors"
	"github.com/Oberacda/dblogd/pkg/cache"
)

// IdentityStore is the slice of the store the registry needs. The store's
// upsert guarantees concurrent first-sight inserts of one name converge on
// a single row.
type IdentityStore interface {
	ResolveSensorID(ctx context.Context, name string) (int64, error)
}

// SensorRegistry caches name-to-id resolution in front of the store.
type SensorRegistry struct {
	store  IdentityStore
	cache  *cache.Cache[int64]
	group  singleflight.Group
	logger *slog.Logger
}

// Option customizes a SensorRegistry.
type Option func(*SensorRegistry)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *SensorRegistry) {
		if logger != nil {
			r.logger = logger.With("component", "registry")
		}
	}
}

// New creates a SensorRegistry backed by the given identity store.
func New(store IdentityStore, opts ...Option) *SensorRegistry {
	r := &SensorRegistry{
		store:  store,
		cache:  cache.New[int64](),
		logger: slog.Default().With("component", "registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the stable id for a sensor name, creating the identity on
// first sight. Concurrent resolves of the same unseen name collapse into a
// single store call; all callers receive the same id. Failures are not
// cached, so a store outage during first sight does not poison the name.
func (r *SensorRegistry) Resolve(ctx context.Context, name string) (int64, error) {
	if name == "" {
		return 0, errors.WrapInvalid(errors.ErrMissingSensor, "registry", "Resolve", "validate name")
	}

	if id, ok := r.cache.Get(name); ok {
		return id, nil
	}

	value, err, _ := r.group.Do(name, func() (any, error) {
		// Re-check under the flight: a racing call may have populated
		// the cache while this one waited.
		if id, ok := r.cache.Get(name); ok {
			return id, nil
		}

		id, err := r.store.ResolveSensorID(ctx, name)
		if err != nil {
			return int64(0), err
		}

		if _, cacheErr := r.cache.Set(name, id); cacheErr != nil {
			// An uncacheable name still resolves; every message just
			// pays the store round trip.
			r.logger.Warn("sensor id not cached", "sensor", name, "error", cacheErr)
		}

		r.logger.Debug("sensor resolved", "sensor", name, "id", id)
		return id, nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "registry", "Resolve", "resolve sensor identity")
	}

	return value.(int64), nil
}

// CacheStats exposes hit/miss statistics for metrics and debugging.
func (r *SensorRegistry) CacheStats() *cache.Statistics {
	return r.cache.Stats()
}

// Size returns the number of cached identities.
func (r *SensorRegistry) Size() int {
	return r.cache.Len()
}
