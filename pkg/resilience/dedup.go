package resilience

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/waghostel/medregagent/pkg/logging"
)

// pendingCall tracks one in-flight request shared by all callers with the
// same dedup key. The outcome is broadcast by closing done.
type pendingCall struct {
	done    chan struct{}
	result  interface{}
	err     error
	waiters int
}

// DedupStats is a snapshot of deduplicator activity
type DedupStats struct {
	InFlight int     `json:"in_flight"`
	Hits     uint64  `json:"hits"`
	Misses   uint64  `json:"misses"`
	HitRate  float64 `json:"hit_rate"`
}

// RequestDeduplicator coalesces concurrent identical requests into exactly
// one underlying invocation. All callers sharing a key observe the single
// shared outcome, success or failure alike; nothing is cached once the
// in-flight call settles.
type RequestDeduplicator struct {
	mutex   sync.Mutex
	pending map[string]*pendingCall
	hits    uint64
	misses  uint64

	logger *logging.Logger
}

// NewRequestDeduplicator creates a new request deduplicator
func NewRequestDeduplicator() *RequestDeduplicator {
	return &RequestDeduplicator{
		pending: make(map[string]*pendingCall),
		logger:  logging.GetLogger(),
	}
}

// DeduplicateRequest runs fn under the key derived from method, path, and
// params. The first caller with a given key executes fn; concurrent callers
// with the same key wait for and share that call's outcome. A waiter whose
// context is cancelled abandons the wait without affecting the others.
func (d *RequestDeduplicator) DeduplicateRequest(ctx context.Context, method, path string, params map[string]string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	key := DedupKey(method, path, params)
	return d.Do(ctx, key, fn)
}

// Do runs fn under an explicit dedup key
func (d *RequestDeduplicator) Do(ctx context.Context, key string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	d.mutex.Lock()

	if call, ok := d.pending[key]; ok {
		call.waiters++
		d.hits++
		d.mutex.Unlock()

		d.logger.Debug("Joined in-flight request", "dedup_key", key)

		select {
		case <-call.done:
			return call.result, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	call := &pendingCall{done: make(chan struct{})}
	d.pending[key] = call
	d.misses++
	d.mutex.Unlock()

	result, err := fn(ctx)

	d.mutex.Lock()
	call.result = result
	call.err = err
	delete(d.pending, key)
	d.mutex.Unlock()

	close(call.done)

	return result, err
}

// Stats returns a snapshot of deduplicator activity
func (d *RequestDeduplicator) Stats() DedupStats {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	total := d.hits + d.misses
	rate := 0.0
	if total > 0 {
		rate = float64(d.hits) / float64(total)
	}

	return DedupStats{
		InFlight: len(d.pending),
		Hits:     d.hits,
		Misses:   d.misses,
		HitRate:  rate,
	}
}

// DedupKey derives a deterministic key from a request's method, path, and
// canonicalized (key-sorted) parameters
func DedupKey(method, path string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteString("|")
	b.WriteString(path)
	for _, k := range keys {
		b.WriteString("|")
		b.WriteString(fmt.Sprintf("%s=%s", k, params[k]))
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
