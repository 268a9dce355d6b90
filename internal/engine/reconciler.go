package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/canopyflow/canopy/internal/events"
	"github.com/canopyflow/canopy/internal/state"
	"github.com/canopyflow/canopy/internal/storage"
	"github.com/canopyflow/canopy/pkg/models"
)

// Reconciler derives run status from the run's task records. It runs
// after every task-record mutation; all of its writes are idempotent or
// compare-and-set, so concurrent reconciles converge.
type Reconciler struct {
	dags     storage.DAGRepository
	runs     storage.RunRepository
	records  storage.TaskRecordRepository
	deferred storage.DeferredEmailRepository
	bus      events.Bus
	now      func() time.Time
}

// NewReconciler creates a reconciler.
func NewReconciler(dags storage.DAGRepository, runs storage.RunRepository, records storage.TaskRecordRepository, deferred storage.DeferredEmailRepository, bus events.Bus) *Reconciler {
	return &Reconciler{
		dags:     dags,
		runs:     runs,
		records:  records,
		deferred: deferred,
		bus:      bus,
		now:      time.Now,
	}
}

// Reconcile recomputes the run's derived status.
//
// A run stays open while any node is scheduled (a deferred email
// awaiting its fire time). Once every node has a terminal record and
// none is running, the run closes: failed if any node failed, success
// otherwise.
func (r *Reconciler) Reconcile(ctx context.Context, runID string) error {
	run, err := r.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}

	def, err := r.dags.Get(ctx, run.DAGID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// DAG deleted mid-run; the worker dead-letters its tasks
			// and the auto-fail monitor will close the run out.
			return nil
		}
		return err
	}

	latest, err := r.records.LatestPerNode(ctx, runID)
	if err != nil {
		return err
	}

	var completed, failed, running, scheduled int
	for _, rec := range latest {
		switch rec.Status {
		case models.StateSuccess:
			completed++
		case models.StateFailed:
			completed++
			failed++
		case models.StateRunning, models.StateRetrying:
			running++
		case models.StateScheduled:
			scheduled++
		}
	}

	// A scheduled node holds the run open regardless of everything else.
	if scheduled > 0 {
		return r.promoteIfQueued(ctx, run, latest)
	}

	if completed == len(def.Nodes) && running == 0 {
		final := models.StateSuccess
		if failed > 0 {
			final = models.StateFailed
		}
		return r.complete(ctx, run, latest, final)
	}

	if run.Status == models.StateQueued && len(latest) > 0 {
		return r.promoteIfQueued(ctx, run, latest)
	}

	return nil
}

func (r *Reconciler) promoteIfQueued(ctx context.Context, run *models.Run, latest map[string]*models.TaskRecord) error {
	if run.Status != models.StateQueued || len(latest) == 0 {
		return nil
	}

	err := r.runs.UpdateStatus(ctx, run.ID, models.StateQueued, models.StateRunning)
	if errors.Is(err, state.ErrOptimisticLock) {
		return nil // another writer promoted it
	}
	if err != nil {
		return err
	}
	if err := r.runs.MarkStarted(ctx, run.ID, r.startedAtFor(run, latest)); err != nil {
		return err
	}

	run.Status = models.StateRunning
	r.publishRun(ctx, run.ID)
	return nil
}

func (r *Reconciler) complete(ctx context.Context, run *models.Run, latest map[string]*models.TaskRecord, final models.State) error {
	// queued -> success is not a legal transition, so a run that never
	// got promoted passes through running first.
	if run.Status == models.StateQueued && final == models.StateSuccess {
		err := r.runs.UpdateStatus(ctx, run.ID, models.StateQueued, models.StateRunning)
		if err != nil && !errors.Is(err, state.ErrOptimisticLock) {
			return err
		}
		run.Status = models.StateRunning
	}

	err := r.runs.UpdateStatus(ctx, run.ID, run.Status, final)
	if errors.Is(err, state.ErrOptimisticLock) {
		return nil // another writer closed the run
	}
	if err != nil {
		return err
	}

	now := r.now().UTC()
	if err := r.runs.MarkStarted(ctx, run.ID, r.startedAtFor(run, latest)); err != nil {
		return err
	}
	if err := r.runs.MarkCompleted(ctx, run.ID, now); err != nil {
		return err
	}

	log.Printf("Run %s completed with status %s", run.ID, final)
	r.publishRun(ctx, run.ID)
	return nil
}

// startedAtFor backfills a missing start time from the earliest task
// record, falling back to queuedAt when no task ever ran.
func (r *Reconciler) startedAtFor(run *models.Run, latest map[string]*models.TaskRecord) time.Time {
	if run.StartedAt != nil {
		return *run.StartedAt
	}
	earliest := time.Time{}
	for _, rec := range latest {
		if earliest.IsZero() || rec.StartedAt.Before(earliest) {
			earliest = rec.StartedAt
		}
	}
	if earliest.IsZero() {
		return run.QueuedAt
	}
	return earliest
}

// Cancel forces the run to cancelled, fails every non-terminal task
// record with error "cancelled", and cancels the run's pending deferred
// emails so none fires after the run is closed. In-flight executors are
// not preempted; workers notice the cancelled run on their next state
// read.
func (r *Reconciler) Cancel(ctx context.Context, runID string) error {
	run, err := r.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("run %s is already %s", runID, run.Status)
	}

	if err := r.runs.UpdateStatus(ctx, runID, run.Status, models.StateCancelled); err != nil {
		if errors.Is(err, state.ErrOptimisticLock) {
			return fmt.Errorf("run %s changed state during cancel, retry", runID)
		}
		return err
	}

	now := r.now().UTC()
	if err := r.runs.MarkCompleted(ctx, runID, now); err != nil {
		return err
	}

	records, err := r.records.ListByRun(ctx, runID)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.Status.IsTerminal() {
			continue
		}
		res := storage.TaskResult{CompletedAt: &now, Error: "cancelled"}
		err := r.records.UpdateStatus(ctx, rec.ID, rec.Status, models.StateFailed, res)
		if err != nil && !errors.Is(err, state.ErrOptimisticLock) {
			return err
		}
		r.publishTask(rec, models.StateFailed, "cancelled")
	}

	// A closed run may never hold a pending email.
	if n, err := r.deferred.CancelPendingByRun(ctx, runID); err != nil {
		return err
	} else if n > 0 {
		log.Printf("Run %s: cancelled %d pending deferred email(s)", runID, n)
	}

	r.publishRun(ctx, runID)
	log.Printf("Run %s cancelled", runID)
	return nil
}

func (r *Reconciler) publishRun(ctx context.Context, runID string) {
	run, err := r.runs.Get(ctx, runID)
	if err != nil {
		log.Printf("Failed to reload run %s for event publish: %v", runID, err)
		return
	}
	if err := r.bus.PublishRunUpdate(events.RunUpdate{
		RunID:       run.ID,
		Status:      string(run.Status),
		QueuedAt:    run.QueuedAt,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
	}); err != nil {
		log.Printf("Failed to publish run update for %s: %v", runID, err)
	}
}

func (r *Reconciler) publishTask(rec *models.TaskRecord, status models.State, errMsg string) {
	if err := r.bus.PublishTaskUpdate(events.TaskUpdate{
		RunID:       rec.RunID,
		NodeID:      rec.NodeID,
		Status:      events.WireStatus(status),
		Attempt:     rec.Attempt,
		DisplayName: rec.DisplayName,
		Timestamp:   r.now().UTC(),
		Error:       errMsg,
	}); err != nil {
		log.Printf("Failed to publish task update for %s/%s: %v", rec.RunID, rec.NodeID, err)
	}
}
