package main

import (
	"sync"
	"time"

	perceptr "github.com/perceptr/perceptr-go"
	"github.com/perceptr/perceptr-go/internal/domain"
)

// syntheticSource stands in for a real DOM recording primitive: it emits an
// initial full snapshot followed by periodic interaction events, giving the
// pipeline a live stream to batch and upload during demos.
type syntheticSource struct {
	interval time.Duration

	mu   sync.Mutex
	stop chan struct{}
}

func newSyntheticSource() *syntheticSource {
	return &syntheticSource{interval: 2 * time.Second}
}

func (s *syntheticSource) Record(opts perceptr.RecordOptions) (perceptr.StopFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stop := make(chan struct{})
	s.stop = stop

	opts.Emit(domain.DomEvent{
		Type:      domain.EventFullSnapshot,
		Timestamp: time.Now().UnixMilli(),
		Data:      map[string]any{"node": map[string]any{"tag": "html"}},
	})

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		seq := 0
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				seq++
				opts.Emit(domain.DomEvent{
					Type:      domain.EventIncrementalSnapshot,
					Timestamp: time.Now().UnixMilli(),
					Data: map[string]any{
						"source": float64(domain.SourceMouseMove),
						"x":      seq % 800,
						"y":      (seq * 7) % 600,
					},
				})
			}
		}
	}()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		select {
		case <-stop:
		default:
			close(stop)
		}
	}, nil
}
