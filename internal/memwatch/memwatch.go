// Package memwatch samples heap usage and signals when a configured limit
// is exceeded, letting the pipeline pause itself before it becomes the
// problem it is measuring.
package memwatch

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultLimit is the heap budget before the overage callback fires.
	DefaultLimit = 50 << 20
	// DefaultInterval is the sampling period.
	DefaultInterval = 5 * time.Second

	heapMetric = "/memory/classes/heap/objects:bytes"
)

// Options configures a Watch.
type Options struct {
	Limit    uint64 // bytes; 0 uses DefaultLimit
	Interval time.Duration

	// ReadHeap overrides the heap sampler. Test hook; nil uses the runtime.
	ReadHeap func() (uint64, bool)
}

// Watch polls heap usage and invokes the callback once per overage. The
// callback is expected to pause the pipeline, which stops the watch.
type Watch struct {
	limit    uint64
	interval time.Duration
	readHeap func() (uint64, bool)
	onLimit  func(used uint64)

	mu       sync.Mutex
	running  bool
	fired    bool
	loggedNA bool
	done     chan struct{}
}

func New(onLimit func(used uint64), opts Options) *Watch {
	limit := opts.Limit
	if limit == 0 {
		limit = DefaultLimit
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	readHeap := opts.ReadHeap
	if readHeap == nil {
		readHeap = readRuntimeHeap
	}
	return &Watch{
		limit:    limit,
		interval: interval,
		readHeap: readHeap,
		onLimit:  onLimit,
	}
}

// Start begins sampling. Idempotent.
func (w *Watch) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.done = make(chan struct{})
	go w.loop(w.done)
}

// Stop halts sampling. Idempotent; Start may be called again afterwards.
func (w *Watch) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.running = false
	close(w.done)
}

// Check samples once and fires the callback when usage exceeds the limit
// (strictly greater). At most one firing per overage: the flag rearms only
// after usage drops back under the limit.
func (w *Watch) Check() {
	used, ok := w.readHeap()
	if !ok {
		w.mu.Lock()
		logged := w.loggedNA
		w.loggedNA = true
		w.mu.Unlock()
		if !logged {
			log.Warn().Msg("memwatch: no heap accessor available, monitoring disabled")
		}
		w.Stop()
		return
	}

	w.mu.Lock()
	over := used > w.limit
	fire := over && !w.fired
	w.fired = over
	w.mu.Unlock()

	if fire {
		log.Warn().Str("used", humanize.Bytes(used)).Str("limit", humanize.Bytes(w.limit)).Msg("memwatch: memory limit exceeded")
		if w.onLimit != nil {
			w.onLimit(used)
		}
	}
}

func (w *Watch) loop(done chan struct{}) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			w.Check()
		}
	}
}

// readRuntimeHeap prefers the runtime/metrics sampler and falls back to
// the legacy MemStats accessor.
func readRuntimeHeap() (uint64, bool) {
	samples := []metrics.Sample{{Name: heapMetric}}
	metrics.Read(samples)
	if samples[0].Value.Kind() == metrics.KindUint64 {
		return samples[0].Value.Uint64(), true
	}

	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.HeapAlloc, true
}
