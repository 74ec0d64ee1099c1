package resilience

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/waghostel/medregagent/pkg/errors"
)

func TestGracefulDegradationManager_ExecuteWithDegradation(t *testing.T) {
	ctx := context.Background()

	t.Run("enabled operation runs primary", func(t *testing.T) {
		dm := NewGracefulDegradationManager(DegradationConfig{})
		dm.RegisterServiceCapabilities("fda_api", map[string]bool{
			"device_lookup": true,
		})

		degradedCalled := false
		result, err := dm.ExecuteWithDegradation(ctx, "fda_api", "device_lookup",
			func(ctx context.Context) (interface{}, error) {
				return "fresh", nil
			},
			func(ctx context.Context) (interface{}, error) {
				degradedCalled = true
				return "degraded", nil
			},
		)

		require.NoError(t, err)
		assert.Equal(t, "fresh", result)
		assert.False(t, degradedCalled)
	})

	t.Run("disabled operation skips primary and runs degraded", func(t *testing.T) {
		dm := NewGracefulDegradationManager(DegradationConfig{})
		dm.RegisterServiceCapabilities("fda_api", map[string]bool{
			"device_lookup": false,
		})

		primaryCalled := false
		result, err := dm.ExecuteWithDegradation(ctx, "fda_api", "device_lookup",
			func(ctx context.Context) (interface{}, error) {
				primaryCalled = true
				return "fresh", nil
			},
			func(ctx context.Context) (interface{}, error) {
				return "degraded", nil
			},
		)

		require.NoError(t, err)
		assert.Equal(t, "degraded", result)
		assert.False(t, primaryCalled, "primary must not run for a disabled operation")
	})

	t.Run("disabled operation without degraded path serves default response", func(t *testing.T) {
		dm := NewGracefulDegradationManager(DegradationConfig{
			DefaultResponse: map[string]string{"status": "limited"},
		})
		dm.RegisterServiceCapabilities("fda_api", map[string]bool{
			"recall_search": false,
		})

		result, err := dm.ExecuteWithDegradation(ctx, "fda_api", "recall_search",
			func(ctx context.Context) (interface{}, error) {
				t.Error("primary must not run")
				return nil, nil
			},
			nil,
		)

		require.NoError(t, err)
		assert.Equal(t, map[string]string{"status": "limited"}, result)
	})

	t.Run("disabled operation with nothing to serve fails unavailable", func(t *testing.T) {
		dm := NewGracefulDegradationManager(DegradationConfig{})
		dm.RegisterServiceCapabilities("fda_api", map[string]bool{
			"event_search": false,
		})

		result, err := dm.ExecuteWithDegradation(ctx, "fda_api", "event_search",
			func(ctx context.Context) (interface{}, error) {
				t.Error("primary must not run")
				return nil, nil
			},
			nil,
		)

		require.Error(t, err)
		assert.Nil(t, result)
		assert.True(t, appErrors.IsType(err, appErrors.ErrorTypeUnavailable))
	})
}

func TestGracefulDegradationManager_FailOpenFailClosed(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		failClosed bool
		service    string
		operation  string
		wantOpen   bool
	}{
		{
			name:      "unknown operation passes through by default",
			service:   "fda_api",
			operation: "never_registered",
			wantOpen:  true,
		},
		{
			name:      "unknown service passes through by default",
			service:   "ema_api",
			operation: "device_lookup",
			wantOpen:  true,
		},
		{
			name:       "fail closed blocks unknown operation",
			failClosed: true,
			service:    "fda_api",
			operation:  "never_registered",
			wantOpen:   false,
		},
		{
			name:       "fail closed blocks unknown service",
			failClosed: true,
			service:    "ema_api",
			operation:  "device_lookup",
			wantOpen:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dm := NewGracefulDegradationManager(DegradationConfig{FailClosed: tt.failClosed})
			dm.RegisterServiceCapabilities("fda_api", map[string]bool{
				"device_lookup": true,
			})

			assert.Equal(t, tt.wantOpen, dm.IsOperationAvailable(tt.service, tt.operation))

			primaryCalled := false
			_, _ = dm.ExecuteWithDegradation(ctx, tt.service, tt.operation,
				func(ctx context.Context) (interface{}, error) {
					primaryCalled = true
					return nil, nil
				},
				func(ctx context.Context) (interface{}, error) {
					return nil, nil
				},
			)
			assert.Equal(t, tt.wantOpen, primaryCalled)
		})
	}
}

func TestGracefulDegradationManager_RegisterReplacesFlags(t *testing.T) {
	dm := NewGracefulDegradationManager(DegradationConfig{})

	dm.RegisterServiceCapabilities("fda_api", map[string]bool{
		"device_lookup": true,
		"recall_search": true,
	})
	dm.RegisterServiceCapabilities("fda_api", map[string]bool{
		"device_lookup": false,
	})

	assert.False(t, dm.IsOperationAvailable("fda_api", "device_lookup"))
	// recall_search was dropped by the replacement, so fail-open applies
	assert.True(t, dm.IsOperationAvailable("fda_api", "recall_search"))

	caps := dm.Capabilities()
	require.Contains(t, caps, "fda_api")
	assert.Len(t, caps["fda_api"], 1)
}

func TestGracefulDegradationManager_SetCapability(t *testing.T) {
	dm := NewGracefulDegradationManager(DegradationConfig{})

	// Registers the service on first use
	dm.SetCapability("fda_api", "device_lookup", false)
	assert.False(t, dm.IsOperationAvailable("fda_api", "device_lookup"))

	dm.SetCapability("fda_api", "device_lookup", true)
	assert.True(t, dm.IsOperationAvailable("fda_api", "device_lookup"))

	// Other flags on the same service are untouched
	dm.SetCapability("fda_api", "recall_search", false)
	assert.True(t, dm.IsOperationAvailable("fda_api", "device_lookup"))
	assert.False(t, dm.IsOperationAvailable("fda_api", "recall_search"))
}

func TestGracefulDegradationManager_CurrentLevel(t *testing.T) {
	tests := []struct {
		name  string
		flags map[string]bool
		want  DegradationLevel
	}{
		{
			name:  "no registrations",
			flags: nil,
			want:  LevelNormal,
		},
		{
			name: "all enabled",
			flags: map[string]bool{
				"a": true, "b": true, "c": true, "d": true,
			},
			want: LevelNormal,
		},
		{
			name: "one of four disabled",
			flags: map[string]bool{
				"a": false, "b": true, "c": true, "d": true,
			},
			want: LevelPartial,
		},
		{
			name: "half disabled",
			flags: map[string]bool{
				"a": false, "b": false, "c": true, "d": true,
			},
			want: LevelSevere,
		},
		{
			name: "three of four disabled",
			flags: map[string]bool{
				"a": false, "b": false, "c": false, "d": true,
			},
			want: LevelCritical,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dm := NewGracefulDegradationManager(DegradationConfig{})
			if tt.flags != nil {
				dm.RegisterServiceCapabilities("fda_api", tt.flags)
			}
			assert.Equal(t, tt.want, dm.CurrentLevel())
		})
	}
}

func TestGracefulDegradationManager_Stats(t *testing.T) {
	ctx := context.Background()
	dm := NewGracefulDegradationManager(DegradationConfig{DefaultResponse: "fallback"})
	dm.RegisterServiceCapabilities("fda_api", map[string]bool{
		"device_lookup": true,
		"recall_search": false,
	})

	for i := 0; i < 3; i++ {
		_, err := dm.ExecuteWithDegradation(ctx, "fda_api", "recall_search",
			func(ctx context.Context) (interface{}, error) { return "x", nil },
			nil,
		)
		require.NoError(t, err)
	}

	stats := dm.Stats()
	assert.Equal(t, uint64(3), stats.DegradedCalls)
	assert.Equal(t, 1, stats.DisabledOperations)
	assert.Equal(t, 2, stats.TotalOperations)
	assert.Equal(t, "SEVERE", stats.Level)
	assert.False(t, stats.LastUpdate.IsZero())
	require.Contains(t, stats.Capabilities, "fda_api")
}

func TestGracefulDegradationManager_CapabilitiesReturnsCopy(t *testing.T) {
	dm := NewGracefulDegradationManager(DegradationConfig{})
	dm.RegisterServiceCapabilities("fda_api", map[string]bool{
		"device_lookup": true,
	})

	caps := dm.Capabilities()
	caps["fda_api"]["device_lookup"] = false

	assert.True(t, dm.IsOperationAvailable("fda_api", "device_lookup"),
		"mutating the snapshot must not change the manager")
}

func TestGracefulDegradationManager_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	dm := NewGracefulDegradationManager(DegradationConfig{DefaultResponse: "ok"})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			dm.SetCapability("fda_api", "device_lookup", n%2 == 0)
			_, _ = dm.ExecuteWithDegradation(ctx, "fda_api", "device_lookup",
				func(ctx context.Context) (interface{}, error) { return "x", nil },
				nil,
			)
			_ = dm.Stats()
		}(i)
	}
	wg.Wait()
}

func TestDegradationLevel_String(t *testing.T) {
	assert.Equal(t, "NORMAL", LevelNormal.String())
	assert.Equal(t, "PARTIAL", LevelPartial.String())
	assert.Equal(t, "SEVERE", LevelSevere.String())
	assert.Equal(t, "CRITICAL", LevelCritical.String())
	assert.Equal(t, "UNKNOWN", DegradationLevel(42).String())
}
