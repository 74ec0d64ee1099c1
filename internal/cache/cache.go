// Package cache provides the byte-payload stores that back the fallback
// tier: an in-process memory store for single-instance deployments and a
// Redis store for shared deployments. Both satisfy the same contract, so
// the backend is a configuration choice.
package cache

import (
	"context"
	"time"

	"github.com/waghostel/medregagent/pkg/resilience"
)

// Cache is the store contract. Values are opaque byte payloads; expired
// entries read as misses.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Every Cache backs the fallback tier.
var _ resilience.Cache = (Cache)(nil)
