package monitor

import (
	"context"
	"log"
	"time"

	"github.com/canopyflow/canopy/internal/storage"
)

// WorkerHealthInterval is how often worker heartbeats are checked.
const WorkerHealthInterval = 10 * time.Second

// WorkerHealth flips workers with stale heartbeats to offline. The
// default timeout is three missed 5 second heartbeats.
type WorkerHealth struct {
	workers storage.WorkerRepository
	timeout time.Duration
	now     func() time.Time
}

// NewWorkerHealth creates the worker health monitor.
func NewWorkerHealth(workers storage.WorkerRepository, timeout time.Duration) *WorkerHealth {
	return &WorkerHealth{workers: workers, timeout: timeout, now: time.Now}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (m *WorkerHealth) Run(ctx context.Context) error {
	ticker := time.NewTicker(WorkerHealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				log.Printf("Worker health sweep failed: %v", err)
			}
		}
	}
}

// Sweep marks workers offline whose heartbeat is older than the timeout
// and returns how many were flipped.
func (m *WorkerHealth) Sweep(ctx context.Context) (int64, error) {
	cutoff := m.now().UTC().Add(-m.timeout)
	flipped, err := m.workers.MarkOffline(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if flipped > 0 {
		log.Printf("Worker health: marked %d worker(s) offline", flipped)
	}
	return flipped, nil
}
