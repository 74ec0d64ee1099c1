package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/waghostel/medregagent/pkg/errors"
	"github.com/waghostel/medregagent/pkg/logging"
)

// DegradationLevel represents the level of service degradation
type DegradationLevel int

const (
	// LevelNormal - all registered operations are available
	LevelNormal DegradationLevel = iota
	// LevelPartial - some operations are disabled but core functionality works
	LevelPartial
	// LevelSevere - a majority of operations are disabled
	LevelSevere
	// LevelCritical - almost nothing is available
	LevelCritical
)

func (l DegradationLevel) String() string {
	switch l {
	case LevelNormal:
		return "NORMAL"
	case LevelPartial:
		return "PARTIAL"
	case LevelSevere:
		return "SEVERE"
	case LevelCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// DegradationConfig holds the degradation manager configuration
type DegradationConfig struct {
	// FailClosed treats operations without a registered capability flag as
	// disabled. The default (fail open) lets unknown operations through.
	FailClosed bool

	// DefaultResponse is served for a degraded operation when the caller
	// provides no degraded function of its own.
	DefaultResponse interface{}
}

// DegradationStats is a point-in-time snapshot of degradation activity
type DegradationStats struct {
	Level              string                     `json:"level"`
	DegradedCalls      uint64                     `json:"degraded_calls"`
	DisabledOperations int                        `json:"disabled_operations"`
	TotalOperations    int                        `json:"total_operations"`
	Capabilities       map[string]map[string]bool `json:"capabilities"`
	LastUpdate         time.Time                  `json:"last_update"`
}

// GracefulDegradationManager routes calls away from operations an external
// health source has flagged as impaired. It performs no I/O of its own;
// availability is a pure lookup on capability flags pushed by the caller.
type GracefulDegradationManager struct {
	config DegradationConfig

	mutex        sync.RWMutex
	capabilities map[string]map[string]bool
	degraded     uint64
	lastUpdate   time.Time

	logger *logging.Logger
}

// NewGracefulDegradationManager creates a new degradation manager
func NewGracefulDegradationManager(config DegradationConfig) *GracefulDegradationManager {
	return &GracefulDegradationManager{
		config:       config,
		capabilities: make(map[string]map[string]bool),
		logger:       logging.GetLogger(),
	}
}

// RegisterServiceCapabilities replaces the capability flags for a service.
// Health monitors push updates here; the framework never polls.
func (dm *GracefulDegradationManager) RegisterServiceCapabilities(serviceName string, capabilities map[string]bool) {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	caps := make(map[string]bool, len(capabilities))
	for operation, enabled := range capabilities {
		caps[operation] = enabled
	}
	dm.capabilities[serviceName] = caps
	dm.lastUpdate = time.Now()

	dm.logger.Info("Service capabilities registered",
		"service", serviceName,
		"operations", len(caps),
	)
}

// SetCapability updates a single capability flag, registering the service
// if it was not known before
func (dm *GracefulDegradationManager) SetCapability(serviceName, operation string, enabled bool) {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	caps, exists := dm.capabilities[serviceName]
	if !exists {
		caps = make(map[string]bool)
		dm.capabilities[serviceName] = caps
	}
	caps[operation] = enabled
	dm.lastUpdate = time.Now()

	dm.logger.Debug("Service capability updated",
		"service", serviceName,
		"operation", operation,
		"enabled", enabled,
	)
}

// IsOperationAvailable reports whether an operation is currently enabled
func (dm *GracefulDegradationManager) IsOperationAvailable(serviceName, operation string) bool {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	caps, exists := dm.capabilities[serviceName]
	if !exists {
		return !dm.config.FailClosed
	}
	enabled, exists := caps[operation]
	if !exists {
		return !dm.config.FailClosed
	}
	return enabled
}

// ExecuteWithDegradation delegates to primary when the operation's
// capability flag allows it. A disabled operation never reaches primary, so
// known-bad paths pay no circuit-breaker or rate-limiter cost: the call
// routes to degraded, or to the configured default response when degraded
// is nil. With neither available the operation fails as unavailable.
func (dm *GracefulDegradationManager) ExecuteWithDegradation(ctx context.Context, serviceName, operation string, primary func(context.Context) (interface{}, error), degraded func(context.Context) (interface{}, error)) (interface{}, error) {
	if dm.IsOperationAvailable(serviceName, operation) {
		return primary(ctx)
	}

	dm.mutex.Lock()
	dm.degraded++
	dm.mutex.Unlock()

	dm.logger.Info("Operation degraded, bypassing primary path",
		"service", serviceName,
		"operation", operation,
	)

	if degraded != nil {
		return degraded(ctx)
	}
	if dm.config.DefaultResponse != nil {
		return dm.config.DefaultResponse, nil
	}
	return nil, errors.NewUnavailableError(serviceName).
		WithDetail("operation", operation)
}

// CurrentLevel summarizes how degraded the registered surface is, derived
// from the fraction of disabled capability flags
func (dm *GracefulDegradationManager) CurrentLevel() DegradationLevel {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	disabled, total := dm.countLocked()
	if total == 0 || disabled == 0 {
		return LevelNormal
	}

	fraction := float64(disabled) / float64(total)
	switch {
	case fraction >= 0.75:
		return LevelCritical
	case fraction >= 0.5:
		return LevelSevere
	default:
		return LevelPartial
	}
}

// Capabilities returns a copy of all registered capability flags
func (dm *GracefulDegradationManager) Capabilities() map[string]map[string]bool {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	snapshot := make(map[string]map[string]bool, len(dm.capabilities))
	for service, caps := range dm.capabilities {
		copied := make(map[string]bool, len(caps))
		for operation, enabled := range caps {
			copied[operation] = enabled
		}
		snapshot[service] = copied
	}
	return snapshot
}

// Stats returns a snapshot of degradation state and activity
func (dm *GracefulDegradationManager) Stats() DegradationStats {
	level := dm.CurrentLevel()

	dm.mutex.RLock()
	disabled, total := dm.countLocked()
	stats := DegradationStats{
		Level:              level.String(),
		DegradedCalls:      dm.degraded,
		DisabledOperations: disabled,
		TotalOperations:    total,
		LastUpdate:         dm.lastUpdate,
	}
	dm.mutex.RUnlock()

	stats.Capabilities = dm.Capabilities()
	return stats
}

// countLocked tallies disabled and total flags. Callers hold dm.mutex.
func (dm *GracefulDegradationManager) countLocked() (disabled, total int) {
	for _, caps := range dm.capabilities {
		for _, enabled := range caps {
			total++
			if !enabled {
				disabled++
			}
		}
	}
	return disabled, total
}
