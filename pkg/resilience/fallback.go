package resilience

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/waghostel/medregagent/pkg/logging"
)

// Cache is the storage contract the fallback manager depends on. Values are
// opaque byte payloads; the backing engine is supplied by the caller.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// FallbackResult carries the outcome of a fallback-protected call. Stale is
// set when the value came from the cache or a configured static fallback
// rather than the primary path; Age reports how old a cached value is.
type FallbackResult struct {
	Value interface{}   `json:"value"`
	Stale bool          `json:"stale"`
	Age   time.Duration `json:"age"`
}

// FallbackExhaustedError reports that the primary call failed and no cached
// or static fallback value was available
type FallbackExhaustedError struct {
	Service  string
	CacheKey string
	Cause    error
}

func (e *FallbackExhaustedError) Error() string {
	return fmt.Sprintf("no fallback available for '%s' (cache key %q): %v", e.Service, e.CacheKey, e.Cause)
}

// Unwrap returns the primary failure that triggered the fallback attempt
func (e *FallbackExhaustedError) Unwrap() error {
	return e.Cause
}

// cacheEnvelope is the persisted shape of a fallback cache entry
type cacheEnvelope struct {
	Value    json.RawMessage `json:"value"`
	StoredAt time.Time       `json:"stored_at"`
}

// FallbackConfig holds configuration for the fallback manager
type FallbackConfig struct {
	// TTL applied to write-through cache entries
	TTL time.Duration
	// WriteTimeout bounds the detached best-effort cache write
	WriteTimeout time.Duration
}

// FallbackStats is a snapshot of fallback activity
type FallbackStats struct {
	Refreshes       uint64 `json:"refreshes"`
	CacheHits       uint64 `json:"cache_hits"`
	StaticFallbacks uint64 `json:"static_fallbacks"`
	Exhausted       uint64 `json:"exhausted"`
}

// FallbackManager serves degraded responses from a cache when the primary
// call path fails. Successful results are written through to the cache on a
// detached context so a slow cache never delays the caller.
type FallbackManager struct {
	cache  Cache
	config FallbackConfig

	mutex sync.Mutex
	stats FallbackStats

	now    func() time.Time
	logger *logging.Logger
}

// NewFallbackManager creates a new fallback manager backed by cache. A nil
// cache disables the cached tier; static fallback values still apply.
func NewFallbackManager(cache Cache, config FallbackConfig) *FallbackManager {
	if cache == nil {
		cache = noopCache{}
	}
	if config.TTL <= 0 {
		config.TTL = time.Hour
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}

	return &FallbackManager{
		cache:  cache,
		config: config,
		now:    time.Now,
		logger: logging.GetLogger(),
	}
}

// noopCache stands in when no cache backend is configured
type noopCache struct{}

func (noopCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, nil
}

func (noopCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return nil
}

// ExecuteWithFallback invokes primary and returns its fresh result on
// success, refreshing the cache entry under cacheKey in the background.
// On failure it falls back to the cached value (marked stale, with its
// age), then to fallbackValue if provided, and finally fails with a
// FallbackExhaustedError.
func (fm *FallbackManager) ExecuteWithFallback(ctx context.Context, serviceName, cacheKey string, primary func(context.Context) (interface{}, error), fallbackValue interface{}) (*FallbackResult, error) {
	result, err := primary(ctx)
	if err == nil {
		fm.count(func(s *FallbackStats) { s.Refreshes++ })
		fm.refresh(ctx, cacheKey, result)
		return &FallbackResult{Value: result, Stale: false, Age: 0}, nil
	}

	if entry, ok := fm.lookup(ctx, cacheKey); ok {
		age := fm.now().Sub(entry.StoredAt)
		if age < 0 {
			age = 0
		}

		var value interface{}
		if unmarshalErr := json.Unmarshal(entry.Value, &value); unmarshalErr != nil {
			fm.logger.Warn("Discarding undecodable fallback cache entry",
				"cache_key", cacheKey,
				"error", unmarshalErr.Error(),
			)
		} else {
			fm.count(func(s *FallbackStats) { s.CacheHits++ })
			fm.logger.Info("Serving stale fallback from cache",
				"service", serviceName,
				"cache_key", cacheKey,
				"age", age.String(),
				"primary_error", err.Error(),
			)
			return &FallbackResult{Value: value, Stale: true, Age: age}, nil
		}
	}

	if fallbackValue != nil {
		fm.count(func(s *FallbackStats) { s.StaticFallbacks++ })
		fm.logger.Info("Serving static fallback value",
			"service", serviceName,
			"cache_key", cacheKey,
			"primary_error", err.Error(),
		)
		return &FallbackResult{Value: fallbackValue, Stale: true, Age: 0}, nil
	}

	fm.count(func(s *FallbackStats) { s.Exhausted++ })
	return nil, &FallbackExhaustedError{Service: serviceName, CacheKey: cacheKey, Cause: err}
}

// Stats returns a snapshot of fallback activity
func (fm *FallbackManager) Stats() FallbackStats {
	fm.mutex.Lock()
	defer fm.mutex.Unlock()
	return fm.stats
}

// lookup reads and decodes the cache envelope under key. An empty key
// means the caller opted out of caching.
func (fm *FallbackManager) lookup(ctx context.Context, key string) (*cacheEnvelope, bool) {
	if key == "" {
		return nil, false
	}

	data, found, err := fm.cache.Get(ctx, key)
	if err != nil {
		fm.logger.Warn("Fallback cache read failed", "cache_key", key, "error", err.Error())
		return nil, false
	}
	if !found {
		return nil, false
	}

	var entry cacheEnvelope
	if err := json.Unmarshal(data, &entry); err != nil {
		fm.logger.Warn("Fallback cache entry is corrupt", "cache_key", key, "error", err.Error())
		return nil, false
	}
	return &entry, true
}

// refresh writes the fresh result through to the cache without blocking the
// caller. The write runs on a detached context so cancellation of the
// request cannot abandon it mid-flight.
func (fm *FallbackManager) refresh(ctx context.Context, key string, value interface{}) {
	if key == "" {
		return
	}

	payload, err := json.Marshal(value)
	if err != nil {
		fm.logger.Warn("Fallback cache refresh skipped, value not serializable",
			"cache_key", key,
			"error", err.Error(),
		)
		return
	}

	entry, err := json.Marshal(cacheEnvelope{Value: payload, StoredAt: fm.now()})
	if err != nil {
		return
	}

	go func() {
		writeCtx, cancel := context.WithTimeout(context.Background(), fm.config.WriteTimeout)
		defer cancel()

		if err := fm.cache.Set(writeCtx, key, entry, fm.config.TTL); err != nil {
			fm.logger.Warn("Fallback cache refresh failed", "cache_key", key, "error", err.Error())
		}
	}()
}

func (fm *FallbackManager) count(update func(*FallbackStats)) {
	fm.mutex.Lock()
	update(&fm.stats)
	fm.mutex.Unlock()
}
