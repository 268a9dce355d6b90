package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/canopyflow/canopy/internal/dag"
	"github.com/canopyflow/canopy/internal/events"
	"github.com/canopyflow/canopy/internal/queue"
	"github.com/canopyflow/canopy/internal/storage"
	"github.com/canopyflow/canopy/pkg/models"
)

// Dispatcher creates runs and drives dependency-based enqueue. Dispatch
// is local to whoever observed the completion; there is no central scan.
type Dispatcher struct {
	dags    storage.DAGRepository
	runs    storage.RunRepository
	records storage.TaskRecordRepository
	tasks   queue.TaskQueue
	bus     events.Bus
	now     func() time.Time
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(dags storage.DAGRepository, runs storage.RunRepository, records storage.TaskRecordRepository, tasks queue.TaskQueue, bus events.Bus) *Dispatcher {
	return &Dispatcher{
		dags:    dags,
		runs:    runs,
		records: records,
		tasks:   tasks,
		bus:     bus,
		now:     time.Now,
	}
}

// CreateRun creates a queued run for the DAG and enqueues its frontier
// nodes. Inactive DAGs and closed schedule windows are skipped silently:
// the returned run is nil with no error.
func (d *Dispatcher) CreateRun(ctx context.Context, dagID, triggeredBy string) (*models.Run, error) {
	def, err := d.dags.Get(ctx, dagID)
	if err != nil {
		return nil, err
	}

	now := d.now().UTC()
	if !def.Active {
		log.Printf("Skipping run for inactive DAG %s", dagID)
		return nil, nil
	}
	if !def.Schedule.WindowPermits(now) {
		log.Printf("Skipping run for DAG %s: outside schedule window", dagID)
		return nil, nil
	}

	run := &models.Run{
		DAGID:       def.ID,
		Owner:       def.Owner,
		Status:      models.StateQueued,
		TriggeredBy: triggeredBy,
		QueuedAt:    now,
	}
	if err := d.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	d.publishRun(run)

	graph := dag.NewGraph(def)
	frontier := graph.Roots()
	if len(frontier) == 0 {
		// Empty graph, or every node has a predecessor. Nothing can
		// ever execute, so the run fails on the spot with the reason
		// on the wire.
		if err := d.runs.UpdateStatus(ctx, run.ID, models.StateQueued, models.StateFailed); err != nil {
			return nil, fmt.Errorf("failed to fail empty run: %w", err)
		}
		if err := d.runs.MarkCompleted(ctx, run.ID, now); err != nil {
			return nil, err
		}
		run.Status = models.StateFailed
		run.CompletedAt = &now
		d.publishRunError(run, "empty_graph")
		log.Printf("Run %s failed immediately: DAG %s has no runnable frontier", run.ID, dagID)
		return run, nil
	}

	for _, nodeID := range frontier {
		msg := models.TaskMessage{
			RunID:   run.ID,
			DAGID:   def.ID,
			NodeID:  nodeID,
			Attempt: 1,
			UserID:  def.Owner,
		}
		if err := d.tasks.Push(ctx, msg); err != nil {
			return nil, fmt.Errorf("failed to enqueue frontier node %s: %w", nodeID, err)
		}
	}

	log.Printf("Created run %s for DAG %s (%d frontier nodes, triggered by %s)",
		run.ID, def.Name, len(frontier), triggeredBy)
	return run, nil
}

// EnqueueDependents enqueues every dependent of completedNodeID whose
// predecessors all have a success record in this run. A dependent with
// any existing record is skipped, which defends against repeated
// delivery of the same completion.
func (d *Dispatcher) EnqueueDependents(ctx context.Context, run *models.Run, def *models.DAG, completedNodeID string) error {
	latest, err := d.records.LatestPerNode(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("failed to load task records: %w", err)
	}

	succeeded := make(map[string]bool, len(latest))
	for nodeID, rec := range latest {
		if rec.Status == models.StateSuccess {
			succeeded[nodeID] = true
		}
	}

	graph := dag.NewGraph(def)
	for _, target := range graph.ReadyDependents(completedNodeID, succeeded) {
		exists, err := d.records.HasRecord(ctx, run.ID, target)
		if err != nil {
			return fmt.Errorf("failed to check record for %s: %w", target, err)
		}
		if exists {
			continue
		}

		msg := models.TaskMessage{
			RunID:   run.ID,
			DAGID:   def.ID,
			NodeID:  target,
			Attempt: 1,
			UserID:  run.Owner,
		}
		if err := d.tasks.Push(ctx, msg); err != nil {
			return fmt.Errorf("failed to enqueue dependent %s: %w", target, err)
		}
	}

	return nil
}

func (d *Dispatcher) publishRun(run *models.Run) {
	d.publishRunError(run, "")
}

func (d *Dispatcher) publishRunError(run *models.Run, reason string) {
	if err := d.bus.PublishRunUpdate(events.RunUpdate{
		RunID:       run.ID,
		Status:      string(run.Status),
		QueuedAt:    run.QueuedAt,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
		Error:       reason,
	}); err != nil {
		log.Printf("Failed to publish run update for %s: %v", run.ID, err)
	}
}
