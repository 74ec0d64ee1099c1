package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/waghostel/medregagent/pkg/errors"
)

// fakeCache is an in-memory Cache used by fallback tests
type fakeCache struct {
	mutex   sync.Mutex
	entries map[string][]byte
	getErr  error
	setErr  error
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string][]byte)}
}

func (c *fakeCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	data, ok := c.entries[key]
	return data, ok, nil
}

func (c *fakeCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	c.entries[key] = value
	return nil
}

func (c *fakeCache) seed(t *testing.T, key string, value interface{}, storedAt time.Time) {
	t.Helper()
	payload, err := json.Marshal(value)
	require.NoError(t, err)
	entry, err := json.Marshal(cacheEnvelope{Value: payload, StoredAt: storedAt})
	require.NoError(t, err)
	c.mutex.Lock()
	c.entries[key] = entry
	c.mutex.Unlock()
}

func (c *fakeCache) has(key string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	_, ok := c.entries[key]
	return ok
}

func TestFallbackManager_FreshResultRefreshesCache(t *testing.T) {
	cache := newFakeCache()
	fm := NewFallbackManager(cache, FallbackConfig{TTL: time.Hour})

	result, err := fm.ExecuteWithFallback(context.Background(), "fda_api", "device:510k:catheter",
		func(ctx context.Context) (interface{}, error) {
			return map[string]interface{}{"k_number": "K123456"}, nil
		}, nil)

	require.NoError(t, err)
	assert.False(t, result.Stale)
	assert.Equal(t, time.Duration(0), result.Age)
	assert.Equal(t, map[string]interface{}{"k_number": "K123456"}, result.Value)

	// The write-through is asynchronous and must not block the return
	assert.Eventually(t, func() bool {
		return cache.has("device:510k:catheter")
	}, time.Second, time.Millisecond)

	assert.Equal(t, uint64(1), fm.Stats().Refreshes)
}

func TestFallbackManager_ServesStaleCacheOnFailure(t *testing.T) {
	cache := newFakeCache()
	fm := NewFallbackManager(cache, FallbackConfig{TTL: time.Hour})

	now := time.Now()
	fm.now = func() time.Time { return now }
	cache.seed(t, "device:510k:catheter", map[string]interface{}{"k_number": "K123456"}, now.Add(-5*time.Minute))

	result, err := fm.ExecuteWithFallback(context.Background(), "fda_api", "device:510k:catheter",
		func(ctx context.Context) (interface{}, error) {
			return nil, appErrors.NewTransientNetworkError("connection refused")
		}, nil)

	require.NoError(t, err)
	assert.True(t, result.Stale)
	assert.Equal(t, 5*time.Minute, result.Age)
	assert.Equal(t, map[string]interface{}{"k_number": "K123456"}, result.Value)
	assert.Equal(t, uint64(1), fm.Stats().CacheHits)
}

func TestFallbackManager_ServesStaleCacheOnCircuitOpen(t *testing.T) {
	cache := newFakeCache()
	fm := NewFallbackManager(cache, FallbackConfig{TTL: time.Hour})

	cache.seed(t, "device:510k:catheter", "cached payload", time.Now())

	result, err := fm.ExecuteWithFallback(context.Background(), "fda_api", "device:510k:catheter",
		func(ctx context.Context) (interface{}, error) {
			return nil, &CircuitOpenError{Service: "fda_api", State: StateOpen}
		}, nil)

	require.NoError(t, err)
	assert.True(t, result.Stale)
	assert.Equal(t, "cached payload", result.Value)
	assert.GreaterOrEqual(t, result.Age, time.Duration(0))
}

func TestFallbackManager_StaticFallbackValue(t *testing.T) {
	cache := newFakeCache()
	fm := NewFallbackManager(cache, FallbackConfig{TTL: time.Hour})

	result, err := fm.ExecuteWithFallback(context.Background(), "fda_api", "missing-key",
		func(ctx context.Context) (interface{}, error) {
			return nil, appErrors.NewTransientNetworkError("connection refused")
		}, []string{"degraded", "default"})

	require.NoError(t, err)
	assert.True(t, result.Stale)
	assert.Equal(t, time.Duration(0), result.Age)
	assert.Equal(t, []string{"degraded", "default"}, result.Value)
	assert.Equal(t, uint64(1), fm.Stats().StaticFallbacks)
}

func TestFallbackManager_Exhausted(t *testing.T) {
	cache := newFakeCache()
	fm := NewFallbackManager(cache, FallbackConfig{TTL: time.Hour})

	primaryErr := appErrors.NewTransientNetworkError("connection refused")
	result, err := fm.ExecuteWithFallback(context.Background(), "fda_api", "missing-key",
		func(ctx context.Context) (interface{}, error) {
			return nil, primaryErr
		}, nil)

	require.Error(t, err)
	assert.Nil(t, result)

	var exhausted *FallbackExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, "fda_api", exhausted.Service)
	assert.Equal(t, "missing-key", exhausted.CacheKey)
	assert.Same(t, primaryErr, exhausted.Cause)
	assert.Equal(t, uint64(1), fm.Stats().Exhausted)
}

func TestFallbackManager_CacheReadErrorTreatedAsMiss(t *testing.T) {
	cache := newFakeCache()
	cache.getErr = errors.New("cache backend down")
	fm := NewFallbackManager(cache, FallbackConfig{TTL: time.Hour})

	result, err := fm.ExecuteWithFallback(context.Background(), "fda_api", "any-key",
		func(ctx context.Context) (interface{}, error) {
			return nil, appErrors.NewTransientNetworkError("connection refused")
		}, "static")

	require.NoError(t, err)
	assert.True(t, result.Stale)
	assert.Equal(t, "static", result.Value)
}

func TestFallbackManager_CorruptEntryTreatedAsMiss(t *testing.T) {
	cache := newFakeCache()
	cache.entries["bad-key"] = []byte("not json")
	fm := NewFallbackManager(cache, FallbackConfig{TTL: time.Hour})

	_, err := fm.ExecuteWithFallback(context.Background(), "fda_api", "bad-key",
		func(ctx context.Context) (interface{}, error) {
			return nil, appErrors.NewTransientNetworkError("connection refused")
		}, nil)

	var exhausted *FallbackExhaustedError
	require.True(t, errors.As(err, &exhausted))
}

func TestFallbackManager_SlowCacheWriteDoesNotBlockReturn(t *testing.T) {
	cache := newFakeCache()
	fm := NewFallbackManager(cache, FallbackConfig{TTL: time.Hour})

	start := time.Now()
	result, err := fm.ExecuteWithFallback(context.Background(), "fda_api", "k",
		func(ctx context.Context) (interface{}, error) {
			return "fresh", nil
		}, nil)

	require.NoError(t, err)
	assert.Equal(t, "fresh", result.Value)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}
