package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Entry is the single stored payload for a key.
type Entry struct {
	Key      string
	Payload  json.RawMessage
	CachedAt time.Time
	TTL      time.Duration
}

// Result is what GetOrRefresh hands back.
type Result struct {
	Payload json.RawMessage
	// Stale is set when the payload is an older entry served because the
	// refresh failed.
	Stale bool
	// Hit is set when the entry was fresh and no refresh ran.
	Hit      bool
	CachedAt time.Time
}

// RefreshFunc produces a new payload for a key.
type RefreshFunc func(ctx context.Context) (json.RawMessage, error)

// Freshness keeps one entry per key and serves it until its TTL elapses.
// When a refresh fails, the previous entry is served as stale instead of
// surfacing the error. Entries are never evicted; they live until the
// process exits.
//
// Concurrent refreshes of the same key are collapsed into one upstream call.
type Freshness struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	now     func() time.Time
	flights singleflight.Group
}

// FreshnessOption configures a Freshness cache.
type FreshnessOption func(*Freshness)

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) FreshnessOption {
	return func(f *Freshness) {
		f.now = now
	}
}

// NewFreshness creates an empty cache.
func NewFreshness(opts ...FreshnessOption) *Freshness {
	f := &Freshness{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Peek returns the current entry for key, fresh or not.
func (f *Freshness) Peek(key string) (Entry, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (f *Freshness) fresh(key string, ttl time.Duration) (*Entry, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.entries[key]
	if !ok {
		return nil, false
	}
	return e, f.now().Sub(e.CachedAt) < ttl
}

// GetOrRefresh returns the entry for key if it is younger than ttl. Otherwise
// it runs refresh; on success the entry is replaced, on failure the previous
// entry is returned with Stale set. The error is returned only when there
// is nothing to fall back on.
func (f *Freshness) GetOrRefresh(ctx context.Context, key string, ttl time.Duration, refresh RefreshFunc) (Result, error) {
	if e, ok := f.fresh(key, ttl); ok {
		cacheHits.WithLabelValues(key).Inc()
		return Result{Payload: e.Payload, Hit: true, CachedAt: e.CachedAt}, nil
	}

	v, err, _ := f.flights.Do(key, func() (interface{}, error) {
		// Another caller may have refreshed while we waited to enter.
		if e, ok := f.fresh(key, ttl); ok {
			return Result{Payload: e.Payload, Hit: true, CachedAt: e.CachedAt}, nil
		}

		cacheMisses.WithLabelValues(key).Inc()

		// Detached so one caller going away does not fail the others
		// sharing this flight.
		payload, err := refresh(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}

		entry := &Entry{Key: key, Payload: payload, CachedAt: f.now(), TTL: ttl}
		f.mu.Lock()
		f.entries[key] = entry
		f.mu.Unlock()
		return Result{Payload: payload, CachedAt: entry.CachedAt}, nil
	})
	if err == nil {
		return v.(Result), nil
	}

	if prev, ok := f.Peek(key); ok {
		cacheStale.WithLabelValues(key).Inc()
		log.Warn().Str("component", "cache").Str("key", key).
			Time("cached_at", prev.CachedAt).Err(err).Msg("refresh failed, serving stale entry")
		return Result{Payload: prev.Payload, Stale: true, CachedAt: prev.CachedAt}, nil
	}
	return Result{}, err
}
