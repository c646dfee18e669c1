// Package capacity implements C13: an injectable endpoint instance-count
// lookup, cached for 60s per endpoint behind a mutex-guarded map so the
// scheduler (C7) never issues a control-plane call on every scheduling
// cycle.
package capacity

import (
	"context"
	"sync"
	"time"
)

// Source looks up an endpoint's current instance count out-of-band: a
// hosted-runtime describe call for SageMaker-style endpoints, or a static
// table lookup for HTTP endpoints.
type Source interface {
	InstanceCount(ctx context.Context, endpointName string) (int, error)
}

type cachedValue struct {
	count     int
	fetchedAt time.Time
}

// Lookup wraps a Source with a 60s per-endpoint cache.
type Lookup struct {
	source Source
	ttl    time.Duration

	mu    sync.Mutex
	cache map[string]cachedValue
}

func NewLookup(source Source) *Lookup {
	return &Lookup{source: source, ttl: 60 * time.Second, cache: make(map[string]cachedValue)}
}

// GetMaxRegions returns the endpoint's current instance count, falling back
// to 1 if the underlying lookup fails — an unreachable control plane must
// never stall scheduling, only make it more conservative.
func (l *Lookup) GetMaxRegions(ctx context.Context, now time.Time, endpointName string) int {
	l.mu.Lock()
	if v, ok := l.cache[endpointName]; ok && now.Sub(v.fetchedAt) < l.ttl {
		l.mu.Unlock()
		return v.count
	}
	l.mu.Unlock()

	count, err := l.source.InstanceCount(ctx, endpointName)
	if err != nil || count < 1 {
		count = 1
	}

	l.mu.Lock()
	l.cache[endpointName] = cachedValue{count: count, fetchedAt: now}
	l.mu.Unlock()
	return count
}
