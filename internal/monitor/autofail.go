package monitor

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/canopyflow/canopy/internal/events"
	"github.com/canopyflow/canopy/internal/state"
	"github.com/canopyflow/canopy/internal/storage"
	"github.com/canopyflow/canopy/pkg/models"
)

// AutoFailInterval is how often stuck runs are swept.
const AutoFailInterval = 10 * time.Minute

// AutoFail closes out runs that have been open longer than the allowed
// age. A run waiting on a deferred email gets its cutoff extended past
// the latest pending fire time so long-scheduled emails do not count as
// stuck.
type AutoFail struct {
	runs     storage.RunRepository
	records  storage.TaskRecordRepository
	deferred storage.DeferredEmailRepository
	bus      events.Bus

	maxAge time.Duration
	grace  time.Duration
	now    func() time.Time
}

// NewAutoFail creates the auto-fail monitor.
func NewAutoFail(runs storage.RunRepository, records storage.TaskRecordRepository, deferred storage.DeferredEmailRepository, bus events.Bus, maxAge, grace time.Duration) *AutoFail {
	return &AutoFail{
		runs:     runs,
		records:  records,
		deferred: deferred,
		bus:      bus,
		maxAge:   maxAge,
		grace:    grace,
		now:      time.Now,
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (m *AutoFail) Run(ctx context.Context) error {
	ticker := time.NewTicker(AutoFailInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				log.Printf("Auto-fail sweep failed: %v", err)
			}
		}
	}
}

// Sweep fails every run past its effective cutoff and returns how many
// runs were closed.
func (m *AutoFail) Sweep(ctx context.Context) (int, error) {
	now := m.now().UTC()
	stale, err := m.runs.ListUnfinished(ctx, now.Add(-m.maxAge))
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, run := range stale {
		cutoff, err := m.effectiveCutoff(ctx, run)
		if err != nil {
			log.Printf("Auto-fail: cutoff for run %s: %v", run.ID, err)
			continue
		}
		if now.Before(cutoff) {
			continue
		}
		if err := m.failRun(ctx, run); err != nil {
			log.Printf("Auto-fail: run %s: %v", run.ID, err)
			continue
		}
		failed++
	}
	return failed, nil
}

// effectiveCutoff is queuedAt+maxAge, extended to latest pending fire
// time plus grace when the run still waits on deferred emails.
func (m *AutoFail) effectiveCutoff(ctx context.Context, run *models.Run) (time.Time, error) {
	cutoff := run.QueuedAt.Add(m.maxAge)
	latestFire, err := m.deferred.LatestPendingFireAt(ctx, run.ID)
	if err != nil {
		return time.Time{}, err
	}
	if latestFire != nil {
		if extended := latestFire.Add(m.grace); extended.After(cutoff) {
			cutoff = extended
		}
	}
	return cutoff, nil
}

// failRun closes every non-terminal record and the run itself. Pending
// deferred emails of the run are cancelled: the sweep window has long
// passed their fire time by now, and a failed run must not send mail.
func (m *AutoFail) failRun(ctx context.Context, run *models.Run) error {
	now := m.now().UTC()

	if n, err := m.deferred.CancelPendingByRun(ctx, run.ID); err != nil {
		return err
	} else if n > 0 {
		log.Printf("Auto-fail: cancelled %d pending deferred email(s) of run %s", n, run.ID)
	}

	recs, err := m.records.ListByRun(ctx, run.ID)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.Status.IsTerminal() {
			continue
		}
		res := storage.TaskResult{CompletedAt: &now, Error: "auto_failed_timeout"}
		if err := m.records.UpdateStatus(ctx, rec.ID, rec.Status, models.StateFailed, res); err != nil {
			if errors.Is(err, state.ErrOptimisticLock) {
				continue
			}
			return err
		}
		m.publishTask(rec, now)
	}

	if err := m.runs.UpdateStatus(ctx, run.ID, run.Status, models.StateFailed); err != nil {
		if errors.Is(err, state.ErrOptimisticLock) {
			return nil
		}
		return err
	}
	if err := m.runs.MarkCompleted(ctx, run.ID, now); err != nil {
		return err
	}
	if err := m.bus.PublishRunUpdate(events.RunUpdate{
		RunID:       run.ID,
		Status:      string(models.StateFailed),
		QueuedAt:    run.QueuedAt,
		StartedAt:   run.StartedAt,
		CompletedAt: &now,
	}); err != nil {
		log.Printf("Auto-fail: publish run update for %s: %v", run.ID, err)
	}
	log.Printf("Auto-fail: closed run %s queued at %s", run.ID, run.QueuedAt.Format(time.RFC3339))
	return nil
}

func (m *AutoFail) publishTask(rec *models.TaskRecord, at time.Time) {
	if err := m.bus.PublishTaskUpdate(events.TaskUpdate{
		RunID:       rec.RunID,
		NodeID:      rec.NodeID,
		Status:      events.WireStatus(models.StateFailed),
		Attempt:     rec.Attempt,
		DisplayName: rec.DisplayName,
		Timestamp:   at,
		Error:       "auto_failed_timeout",
	}); err != nil {
		log.Printf("Auto-fail: publish task update for %s/%s: %v", rec.RunID, rec.NodeID, err)
	}
}
