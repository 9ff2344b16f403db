package recorder

import (
	"strconv"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
	"golang.org/x/time/rate"

	"github.com/perceptr/perceptr-go/internal/domain"
)

const (
	// DefaultBucketSize is the mutation burst allowed per node.
	DefaultBucketSize = 100
	// DefaultRefillRate is mutations per second restored to a node's bucket.
	DefaultRefillRate = 10

	limiterIdleCutoff  = 30 * time.Minute
	limiterSweepPeriod = 10 * time.Minute
	limiterMaxTracked  = 4096
)

type nodeBucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// mutationLimiter applies a token bucket per node identity, defending the
// pipeline against pathological subtrees emitting thousands of mutations
// per second. Node identities are hashed so the map keys stay small.
type mutationLimiter struct {
	bucketSize int
	refill     rate.Limit

	mu      sync.Mutex
	buckets map[uint64]*nodeBucket
	stopped chan struct{}
}

func newMutationLimiter(bucketSize, refillPerSecond int) *mutationLimiter {
	if bucketSize <= 0 {
		bucketSize = DefaultBucketSize
	}
	if refillPerSecond <= 0 {
		refillPerSecond = DefaultRefillRate
	}
	l := &mutationLimiter{
		bucketSize: bucketSize,
		refill:     rate.Limit(refillPerSecond),
		buckets:    make(map[uint64]*nodeBucket),
		stopped:    make(chan struct{}),
	}

	// Background cleanup of stale node buckets.
	go func() {
		ticker := time.NewTicker(limiterSweepPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.sweep()
			case <-l.stopped:
				return
			}
		}
	}()

	return l
}

func (l *mutationLimiter) stop() {
	select {
	case <-l.stopped:
	default:
		close(l.stopped)
	}
}

func (l *mutationLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-limiterIdleCutoff)
	for key, b := range l.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// allow reports whether the node identified by key may emit one more
// mutation now.
func (l *mutationLimiter) allow(key uint64) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= limiterMaxTracked {
			// Pathological page; recycle rather than grow without bound.
			l.buckets = make(map[uint64]*nodeBucket)
		}
		b = &nodeBucket{
			limiter:    rate.NewLimiter(l.refill, l.bucketSize),
			lastAccess: time.Now(),
		}
		l.buckets[key] = b
	} else {
		b.lastAccess = time.Now()
	}
	l.mu.Unlock()

	return b.limiter.Allow()
}

// nodeKey derives the limiter key for a mutation event: the primary node id
// from mutationNodeID, hashed with murmur3. Other ids the mutation touches
// do not contribute to the key.
func nodeKey(e domain.DomEvent) uint64 {
	id, ok := mutationNodeID(e)
	if !ok {
		return 0
	}
	return murmur3.Sum64([]byte(strconv.Itoa(id)))
}

// mutationNodeID extracts the primary node id touched by a mutation event.
func mutationNodeID(e domain.DomEvent) (int, bool) {
	src, ok := e.Source()
	if !ok || src != domain.SourceMutation {
		return 0, false
	}

	for _, listKey := range []string{"adds", "texts", "attributes", "removes"} {
		entries, ok := e.Data[listKey].([]any)
		if !ok || len(entries) == 0 {
			continue
		}
		first, ok := entries[0].(map[string]any)
		if !ok {
			continue
		}
		for _, idKey := range []string{"parentId", "id"} {
			if n, ok := first[idKey].(float64); ok {
				return int(n), true
			}
		}
	}
	return 0, false
}
