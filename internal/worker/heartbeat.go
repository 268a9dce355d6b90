package worker

import (
	"context"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/canopyflow/canopy/pkg/models"
)

// heartbeatLoop upserts this worker's record on a fixed interval so the
// health monitor can tell live workers from dead ones.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.opts.HeartbeatInterval)
	defer ticker.Stop()

	w.upsertHeartbeat(ctx, w.currentStatus())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.upsertHeartbeat(ctx, w.currentStatus())
		}
	}
}

func (w *Worker) currentStatus() models.WorkerStatus {
	if w.draining.Load() {
		return models.WorkerDraining
	}
	if atomic.LoadInt32(&w.tasksInProgress) > 0 {
		return models.WorkerBusy
	}
	return models.WorkerIdle
}

func (w *Worker) upsertHeartbeat(ctx context.Context, status models.WorkerStatus) {
	record := &models.Worker{
		WorkerID:        w.id,
		Status:          status,
		LastHeartbeat:   w.now().UTC(),
		StartedAt:       w.startedAt,
		CPULoad:         sampleCPULoad(),
		MemoryMB:        sampleMemoryMB(),
		TasksInProgress: int(atomic.LoadInt32(&w.tasksInProgress)),
		TasksCompleted:  atomic.LoadInt64(&w.tasksCompleted),
		TasksFailed:     atomic.LoadInt64(&w.tasksFailed),
	}
	if err := w.workers.Upsert(ctx, record); err != nil {
		log.Printf("Worker %s: heartbeat upsert failed: %v", w.id, err)
	}
}

// sampleCPULoad returns the host CPU utilization percentage.
func sampleCPULoad() float64 {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0
	}
	return percents[0]
}

// sampleMemoryMB returns this process's resident set size in MB.
func sampleMemoryMB() float64 {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	info, err := proc.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return float64(info.RSS) / (1024 * 1024)
}
