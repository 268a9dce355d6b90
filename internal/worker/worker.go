package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/canopyflow/canopy/internal/circuitbreaker"
	"github.com/canopyflow/canopy/internal/dag"
	"github.com/canopyflow/canopy/internal/engine"
	"github.com/canopyflow/canopy/internal/errorhandling"
	"github.com/canopyflow/canopy/internal/events"
	"github.com/canopyflow/canopy/internal/executor"
	"github.com/canopyflow/canopy/internal/queue"
	"github.com/canopyflow/canopy/internal/retry"
	"github.com/canopyflow/canopy/internal/state"
	"github.com/canopyflow/canopy/internal/storage"
	"github.com/canopyflow/canopy/pkg/models"
)

// Options tunes one worker process.
type Options struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	TaskTimeout       time.Duration
}

// DefaultOptions returns the default worker tuning.
func DefaultOptions() Options {
	return Options{
		PollInterval:      queue.DefaultPollInterval,
		HeartbeatInterval: 5 * time.Second,
		TaskTimeout:       30 * time.Minute,
	}
}

// Worker pops task messages, executes them, persists the outcome, and
// drives dependent enqueue. Delivery is at-least-once; executors should
// prefer idempotent operations.
type Worker struct {
	id   string
	opts Options

	tasks   queue.TaskQueue
	breaker *circuitbreaker.CircuitBreaker

	dags    storage.DAGRepository
	runs    storage.RunRepository
	records storage.TaskRecordRepository
	workers storage.WorkerRepository

	registry   *executor.Registry
	dispatcher *engine.Dispatcher
	reconciler *engine.Reconciler
	bus        events.Bus

	tasksInProgress int32
	tasksCompleted  int64
	tasksFailed     int64
	draining        atomic.Bool
	startedAt       time.Time
	now             func() time.Time
}

// New creates a worker.
func New(id string, opts Options, tasks queue.TaskQueue, dags storage.DAGRepository, runs storage.RunRepository, records storage.TaskRecordRepository, workers storage.WorkerRepository, registry *executor.Registry, dispatcher *engine.Dispatcher, reconciler *engine.Reconciler, bus events.Bus) *Worker {
	if opts.PollInterval <= 0 {
		opts = DefaultOptions()
	}
	return &Worker{
		id:         id,
		opts:       opts,
		tasks:      tasks,
		breaker:    circuitbreaker.New(nil),
		dags:       dags,
		runs:       runs,
		records:    records,
		workers:    workers,
		registry:   registry,
		dispatcher: dispatcher,
		reconciler: reconciler,
		bus:        bus,
		startedAt:  time.Now().UTC(),
		now:        time.Now,
	}
}

// Run polls the queue until the context is cancelled, then drains.
func (w *Worker) Run(ctx context.Context) error {
	log.Printf("Worker %s starting", w.id)
	go w.heartbeatLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return ctx.Err()
		default:
		}

		raw, err := circuitbreaker.ExecuteWithValue(w.breaker, func() (string, error) {
			payload, popErr := w.tasks.Pop(ctx)
			if popErr == queue.ErrEmpty {
				// An empty queue is healthy; don't count it against
				// the breaker.
				return "", nil
			}
			return payload, popErr
		})
		if err != nil {
			log.Printf("Worker %s: queue pop failed: %v", w.id, err)
			w.sleep(ctx, w.opts.PollInterval)
			continue
		}
		if raw == "" {
			w.sleep(ctx, w.opts.PollInterval)
			continue
		}

		atomic.AddInt32(&w.tasksInProgress, 1)
		w.process(ctx, raw)
		atomic.AddInt32(&w.tasksInProgress, -1)
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// process handles one popped message end to end.
func (w *Worker) process(ctx context.Context, raw string) {
	var msg models.TaskMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil || msg.RunID == "" || msg.NodeID == "" {
		w.deadLetter(ctx, raw, "invalid_json")
		return
	}
	if msg.Attempt < 1 {
		msg.Attempt = 1
	}

	run, err := w.runs.Get(ctx, msg.RunID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// The run vanished; drop without a record.
			log.Printf("Worker %s: dropping task for missing run %s", w.id, msg.RunID)
			return
		}
		w.requeue(ctx, msg)
		return
	}
	if run.Status == models.StateCancelled || run.Status.IsTerminal() {
		log.Printf("Worker %s: dropping task %s/%s, run is %s", w.id, msg.RunID, msg.NodeID, run.Status)
		return
	}

	def, err := w.dags.Get(ctx, msg.DAGID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			w.failWithoutExecution(ctx, raw, msg, "", "dag_deleted")
			return
		}
		w.requeue(ctx, msg)
		return
	}

	graph := dag.NewGraph(def)
	node, err := graph.Node(msg.NodeID)
	if err != nil {
		w.failWithoutExecution(ctx, raw, msg, "", "node_not_found")
		return
	}

	rec := &models.TaskRecord{
		RunID:       msg.RunID,
		NodeID:      msg.NodeID,
		DisplayName: node.DisplayName,
		Status:      models.StateRunning,
		Attempt:     msg.Attempt,
		StartedAt:   w.now().UTC(),
	}
	if err := w.records.Append(ctx, rec); err != nil {
		log.Printf("Worker %s: failed to append running record: %v", w.id, err)
		w.requeue(ctx, msg)
		return
	}
	w.promoteRun(ctx, run)
	w.publishTask(rec, models.StateRunning, "", "")

	result, execErr := w.execute(ctx, def, node, run, msg)

	switch {
	case execErr != nil:
		w.handleFailure(ctx, raw, msg, def, node, rec, execErr)
	case result.Deferred:
		w.handleDeferred(ctx, rec, result)
	default:
		w.handleSuccess(ctx, run, def, rec, result)
	}
}

// execute dispatches to the registered executor under the task timeout.
func (w *Worker) execute(ctx context.Context, def *models.DAG, node *models.Node, run *models.Run, msg models.TaskMessage) (*executor.Result, error) {
	exec, ok := w.registry.Get(node.Kind)
	if !ok {
		return nil, errorhandling.New(errorhandling.KindValidation, "no executor for kind %q", node.Kind)
	}

	execCtx, cancel := context.WithTimeout(ctx, w.opts.TaskTimeout)
	defer cancel()

	rc := executor.RunContext{
		RunID:       run.ID,
		DAGID:       def.ID,
		NodeID:      node.ID,
		Owner:       run.Owner,
		Attempt:     msg.Attempt,
		PriorOutput: w.priorOutput(ctx, run.ID, def, node.ID),
	}
	return exec.Execute(execCtx, node.Config, rc)
}

// priorOutput finds the most recent successful predecessor output.
func (w *Worker) priorOutput(ctx context.Context, runID string, def *models.DAG, nodeID string) string {
	graph := dag.NewGraph(def)
	preds := graph.Predecessors(nodeID)
	if len(preds) == 0 {
		return ""
	}
	latest, err := w.records.LatestPerNode(ctx, runID)
	if err != nil {
		return ""
	}
	for _, pred := range preds {
		if rec, ok := latest[pred]; ok && rec.Status == models.StateSuccess && rec.Output != "" {
			return rec.Output
		}
	}
	return ""
}

func (w *Worker) handleSuccess(ctx context.Context, run *models.Run, def *models.DAG, rec *models.TaskRecord, result *executor.Result) {
	now := w.now().UTC()
	res := storage.TaskResult{CompletedAt: &now, Output: result.Output}
	if err := w.records.UpdateStatus(ctx, rec.ID, models.StateRunning, models.StateSuccess, res); err != nil {
		// Cancellation or auto-fail got there first; nothing to enqueue.
		log.Printf("Worker %s: record %s no longer running: %v", w.id, rec.ID, err)
		return
	}
	atomic.AddInt64(&w.tasksCompleted, 1)
	w.publishTask(rec, models.StateSuccess, result.Output, "")

	if err := w.dispatcher.EnqueueDependents(ctx, run, def, rec.NodeID); err != nil {
		log.Printf("Worker %s: failed to enqueue dependents of %s: %v", w.id, rec.NodeID, err)
	}
	if err := w.reconciler.Reconcile(ctx, run.ID); err != nil {
		log.Printf("Worker %s: reconcile failed for run %s: %v", w.id, run.ID, err)
	}
}

// handleDeferred parks the record in scheduled state. Dependents wait
// for the deferred email sweeper to resolve the node.
func (w *Worker) handleDeferred(ctx context.Context, rec *models.TaskRecord, result *executor.Result) {
	res := storage.TaskResult{Output: result.Output}
	if err := w.records.UpdateStatus(ctx, rec.ID, models.StateRunning, models.StateScheduled, res); err != nil {
		log.Printf("Worker %s: failed to park record %s: %v", w.id, rec.ID, err)
		return
	}
	w.publishTask(rec, models.StateScheduled, result.Output, "")
}

func (w *Worker) handleFailure(ctx context.Context, raw string, msg models.TaskMessage, def *models.DAG, node *models.Node, rec *models.TaskRecord, execErr error) {
	atomic.AddInt64(&w.tasksFailed, 1)
	kind := errorhandling.KindOf(execErr)
	policy := retry.Resolve(def, node)

	if errorhandling.IsRetryable(execErr) && msg.Attempt < policy.MaxAttempts {
		res := storage.TaskResult{Error: execErr.Error()}
		if err := w.records.UpdateStatus(ctx, rec.ID, models.StateRunning, models.StateRetrying, res); err != nil {
			log.Printf("Worker %s: failed to mark record retrying: %v", w.id, err)
			return
		}
		w.publishTask(rec, models.StateRetrying, "", execErr.Error())

		// Fixed backoff, then a fresh attempt.
		w.sleep(ctx, policy.Backoff())
		next := msg
		next.Attempt++
		if err := w.tasks.Push(ctx, next); err != nil {
			log.Printf("Worker %s: failed to requeue %s/%s: %v", w.id, msg.RunID, msg.NodeID, err)
		}
		return
	}

	now := w.now().UTC()
	res := storage.TaskResult{CompletedAt: &now, Error: execErr.Error()}
	if err := w.records.UpdateStatus(ctx, rec.ID, models.StateRunning, models.StateFailed, res); err != nil {
		log.Printf("Worker %s: failed to mark record failed: %v", w.id, err)
		return
	}
	w.publishTask(rec, models.StateFailed, "", execErr.Error())

	reason := fmt.Sprintf("max_retries_exceeded:%s", kind)
	if !errorhandling.IsRetryable(execErr) {
		reason = string(kind)
	}
	w.deadLetter(ctx, raw, reason)

	if err := w.reconciler.Reconcile(ctx, msg.RunID); err != nil {
		log.Printf("Worker %s: reconcile failed for run %s: %v", w.id, msg.RunID, err)
	}
}

// failWithoutExecution closes out a task whose DAG or node disappeared.
func (w *Worker) failWithoutExecution(ctx context.Context, raw string, msg models.TaskMessage, displayName, reason string) {
	now := w.now().UTC()
	rec := &models.TaskRecord{
		RunID:       msg.RunID,
		NodeID:      msg.NodeID,
		DisplayName: displayName,
		Status:      models.StateFailed,
		Attempt:     msg.Attempt,
		StartedAt:   now,
		CompletedAt: &now,
		Error:       reason,
	}
	if err := w.records.Append(ctx, rec); err != nil {
		log.Printf("Worker %s: failed to record %s failure: %v", w.id, reason, err)
	}
	w.publishTask(rec, models.StateFailed, "", reason)
	w.deadLetter(ctx, raw, reason)
}

// promoteRun moves a queued run to running on first task pickup.
func (w *Worker) promoteRun(ctx context.Context, run *models.Run) {
	if run.Status != models.StateQueued {
		return
	}
	err := w.runs.UpdateStatus(ctx, run.ID, models.StateQueued, models.StateRunning)
	if err != nil && !errors.Is(err, state.ErrOptimisticLock) {
		log.Printf("Worker %s: failed to promote run %s: %v", w.id, run.ID, err)
		return
	}
	if err == nil {
		if err := w.runs.MarkStarted(ctx, run.ID, w.now().UTC()); err != nil {
			log.Printf("Worker %s: failed to stamp run start: %v", w.id, err)
		}
		if pubErr := w.bus.PublishRunUpdate(events.RunUpdate{
			RunID:    run.ID,
			Status:   string(models.StateRunning),
			QueuedAt: run.QueuedAt,
		}); pubErr != nil {
			log.Printf("Worker %s: failed to publish run update: %v", w.id, pubErr)
		}
	}
	run.Status = models.StateRunning
}

func (w *Worker) requeue(ctx context.Context, msg models.TaskMessage) {
	if err := w.tasks.Push(ctx, msg); err != nil {
		log.Printf("Worker %s: failed to requeue %s/%s: %v", w.id, msg.RunID, msg.NodeID, err)
	}
}

func (w *Worker) deadLetter(ctx context.Context, raw, reason string) {
	if err := w.tasks.MoveToDeadLetter(ctx, raw, reason); err != nil {
		log.Printf("Worker %s: failed to dead-letter message: %v", w.id, err)
	}
}

func (w *Worker) publishTask(rec *models.TaskRecord, status models.State, output, errMsg string) {
	if err := w.bus.PublishTaskUpdate(events.TaskUpdate{
		RunID:       rec.RunID,
		NodeID:      rec.NodeID,
		Status:      events.WireStatus(status),
		Attempt:     rec.Attempt,
		DisplayName: rec.DisplayName,
		Timestamp:   w.now().UTC(),
		Output:      output,
		Error:       errMsg,
	}); err != nil {
		log.Printf("Worker %s: failed to publish task update: %v", w.id, err)
	}
}

func (w *Worker) shutdown() {
	w.draining.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.upsertHeartbeat(ctx, models.WorkerDraining)
	log.Printf("Worker %s draining", w.id)
}
