package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/canopyflow/canopy/internal/events"
	"github.com/canopyflow/canopy/internal/queue"
	"github.com/canopyflow/canopy/internal/storage"
	"github.com/canopyflow/canopy/pkg/models"
)

type fixture struct {
	dags     *storage.MemoryDAGRepository
	runs     *storage.MemoryRunRepository
	records  *storage.MemoryTaskRecordRepository
	deferred *storage.MemoryDeferredEmailRepository
	tasks    *queue.MemoryQueue
	bus      *events.MemoryBus

	dispatcher *Dispatcher
	reconciler *Reconciler
}

func newFixture() *fixture {
	f := &fixture{
		dags:     storage.NewMemoryDAGRepository(),
		runs:     storage.NewMemoryRunRepository(),
		records:  storage.NewMemoryTaskRecordRepository(),
		deferred: storage.NewMemoryDeferredEmailRepository(),
		tasks:    queue.NewMemoryQueue(),
		bus:      events.NewMemoryBus(),
	}
	f.dispatcher = NewDispatcher(f.dags, f.runs, f.records, f.tasks, f.bus)
	f.reconciler = NewReconciler(f.dags, f.runs, f.records, f.deferred, f.bus)
	return f
}

func (f *fixture) mustCreateDAG(t *testing.T, dag *models.DAG) *models.DAG {
	t.Helper()
	if err := f.dags.Create(context.Background(), dag); err != nil {
		t.Fatalf("create DAG failed: %v", err)
	}
	return dag
}

func (f *fixture) drainQueue(t *testing.T) []models.TaskMessage {
	t.Helper()
	ctx := context.Background()
	var msgs []models.TaskMessage
	for {
		raw, err := f.tasks.Pop(ctx)
		if err == queue.ErrEmpty {
			return msgs
		}
		if err != nil {
			t.Fatalf("pop failed: %v", err)
		}
		var msg models.TaskMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			t.Fatalf("unmarshal message: %v", err)
		}
		msgs = append(msgs, msg)
	}
}

func linearDAG() *models.DAG {
	return &models.DAG{
		Owner: "alice", Name: "linear", Active: true,
		Nodes: []models.Node{{ID: "a", Kind: models.NodeKindDelay}, {ID: "b", Kind: models.NodeKindDelay}, {ID: "c", Kind: models.NodeKindDelay}},
		Edges: []models.Edge{{Source: "a", Target: "b"}, {Source: "b", Target: "c"}},
	}
}

func diamondDAG() *models.DAG {
	return &models.DAG{
		Owner: "alice", Name: "diamond", Active: true,
		Nodes: []models.Node{{ID: "a", Kind: models.NodeKindDelay}, {ID: "b", Kind: models.NodeKindDelay}, {ID: "c", Kind: models.NodeKindDelay}, {ID: "d", Kind: models.NodeKindDelay}},
		Edges: []models.Edge{{Source: "a", Target: "b"}, {Source: "a", Target: "c"}, {Source: "b", Target: "d"}, {Source: "c", Target: "d"}},
	}
}

func (f *fixture) appendRecord(t *testing.T, runID, nodeID string, status models.State, attempt int) *models.TaskRecord {
	t.Helper()
	rec := &models.TaskRecord{RunID: runID, NodeID: nodeID, Status: status, Attempt: attempt, StartedAt: time.Now()}
	if err := f.records.Append(context.Background(), rec); err != nil {
		t.Fatalf("append record failed: %v", err)
	}
	return rec
}

func TestCreateRunEnqueuesFrontier(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	dag := f.mustCreateDAG(t, linearDAG())

	run, err := f.dispatcher.CreateRun(ctx, dag.ID, "manual")
	if err != nil {
		t.Fatalf("create run failed: %v", err)
	}
	if run.Status != models.StateQueued {
		t.Errorf("expected queued run, got %s", run.Status)
	}

	msgs := f.drainQueue(t)
	if len(msgs) != 1 || msgs[0].NodeID != "a" {
		t.Errorf("expected only root node a enqueued, got %+v", msgs)
	}
	if msgs[0].Attempt != 1 || msgs[0].RunID != run.ID {
		t.Errorf("bad frontier message: %+v", msgs[0])
	}
}

func TestCreateRunSkipsInactiveDAG(t *testing.T) {
	f := newFixture()
	dag := linearDAG()
	dag.Active = false
	f.mustCreateDAG(t, dag)

	run, err := f.dispatcher.CreateRun(context.Background(), dag.ID, "schedule")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run != nil {
		t.Errorf("inactive DAG should be skipped silently, got run %+v", run)
	}
	if len(f.drainQueue(t)) != 0 {
		t.Error("nothing should be enqueued")
	}
}

func TestCreateRunSkipsClosedWindow(t *testing.T) {
	f := newFixture()
	dag := linearDAG()
	// Window opens tomorrow, so today is outside it
	start := time.Now().Add(24 * time.Hour).UTC()
	dag.Schedule = models.Schedule{Type: models.ScheduleCron, Cron: "* * * * *", Enabled: true, StartDate: &start}
	f.mustCreateDAG(t, dag)

	run, err := f.dispatcher.CreateRun(context.Background(), dag.ID, "schedule")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run != nil {
		t.Errorf("closed window should skip run creation, got %+v", run)
	}
}

func TestCreateRunEmptyGraphFailsImmediately(t *testing.T) {
	f := newFixture()
	dag := &models.DAG{Owner: "alice", Name: "empty", Active: true}
	f.mustCreateDAG(t, dag)

	run, err := f.dispatcher.CreateRun(context.Background(), dag.ID, "manual")
	if err != nil {
		t.Fatalf("create run failed: %v", err)
	}
	if run.Status != models.StateFailed {
		t.Errorf("empty graph run should fail immediately, got %s", run.Status)
	}

	stored, _ := f.runs.Get(context.Background(), run.ID)
	if stored.Status != models.StateFailed || stored.CompletedAt == nil {
		t.Errorf("run not closed out: %+v", stored)
	}

	// The failure reason rides the run update so operators can see
	// why a run died without ever producing a task record.
	if len(f.bus.RunUpdates) == 0 {
		t.Fatal("no run updates published")
	}
	last := f.bus.RunUpdates[len(f.bus.RunUpdates)-1]
	if last.Status != string(models.StateFailed) || last.Error != "empty_graph" {
		t.Errorf("final run update = %+v, want failed with empty_graph", last)
	}
}

func TestEnqueueDependentsDiamond(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	dag := f.mustCreateDAG(t, diamondDAG())

	run, err := f.dispatcher.CreateRun(ctx, dag.ID, "manual")
	if err != nil {
		t.Fatalf("create run failed: %v", err)
	}
	f.drainQueue(t) // discard frontier

	// a succeeded: both branches become ready in declaration order
	f.appendRecord(t, run.ID, "a", models.StateSuccess, 1)
	if err := f.dispatcher.EnqueueDependents(ctx, run, dag, "a"); err != nil {
		t.Fatalf("enqueue dependents failed: %v", err)
	}
	msgs := f.drainQueue(t)
	if len(msgs) != 2 || msgs[0].NodeID != "b" || msgs[1].NodeID != "c" {
		t.Fatalf("expected [b c], got %+v", msgs)
	}

	// b succeeded but c has not: d is not ready
	f.appendRecord(t, run.ID, "b", models.StateSuccess, 1)
	if err := f.dispatcher.EnqueueDependents(ctx, run, dag, "b"); err != nil {
		t.Fatalf("enqueue dependents failed: %v", err)
	}
	if msgs := f.drainQueue(t); len(msgs) != 0 {
		t.Fatalf("d should wait for c, got %+v", msgs)
	}

	// c succeeded: d is ready now
	f.appendRecord(t, run.ID, "c", models.StateSuccess, 1)
	if err := f.dispatcher.EnqueueDependents(ctx, run, dag, "c"); err != nil {
		t.Fatalf("enqueue dependents failed: %v", err)
	}
	msgs = f.drainQueue(t)
	if len(msgs) != 1 || msgs[0].NodeID != "d" {
		t.Fatalf("expected [d], got %+v", msgs)
	}

	// Repeated delivery: d already has a record, so nothing is enqueued
	f.appendRecord(t, run.ID, "d", models.StateRunning, 1)
	if err := f.dispatcher.EnqueueDependents(ctx, run, dag, "c"); err != nil {
		t.Fatalf("enqueue dependents failed: %v", err)
	}
	if msgs := f.drainQueue(t); len(msgs) != 0 {
		t.Fatalf("existing record should suppress enqueue, got %+v", msgs)
	}
}

func TestReconcilePromotesQueuedRun(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	dag := f.mustCreateDAG(t, linearDAG())
	run, _ := f.dispatcher.CreateRun(ctx, dag.ID, "manual")

	f.appendRecord(t, run.ID, "a", models.StateRunning, 1)
	if err := f.reconciler.Reconcile(ctx, run.ID); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	got, _ := f.runs.Get(ctx, run.ID)
	if got.Status != models.StateRunning {
		t.Errorf("expected running, got %s", got.Status)
	}
	if got.StartedAt == nil {
		t.Error("startedAt should be stamped on promotion")
	}
}

func TestReconcileCompletesSuccessfulRun(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	dag := f.mustCreateDAG(t, linearDAG())
	run, _ := f.dispatcher.CreateRun(ctx, dag.ID, "manual")

	for _, nodeID := range []string{"a", "b", "c"} {
		f.appendRecord(t, run.ID, nodeID, models.StateSuccess, 1)
	}
	if err := f.reconciler.Reconcile(ctx, run.ID); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	got, _ := f.runs.Get(ctx, run.ID)
	if got.Status != models.StateSuccess {
		t.Errorf("expected success, got %s", got.Status)
	}
	if got.CompletedAt == nil || got.StartedAt == nil {
		t.Errorf("timeline not stamped: %+v", got)
	}
}

func TestReconcileFailedNodeFailsRun(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	dag := f.mustCreateDAG(t, linearDAG())
	run, _ := f.dispatcher.CreateRun(ctx, dag.ID, "manual")

	f.appendRecord(t, run.ID, "a", models.StateSuccess, 1)
	f.appendRecord(t, run.ID, "b", models.StateFailed, 3)
	f.appendRecord(t, run.ID, "c", models.StateFailed, 1)

	if err := f.reconciler.Reconcile(ctx, run.ID); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	got, _ := f.runs.Get(ctx, run.ID)
	if got.Status != models.StateFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
}

func TestReconcileScheduledNodeHoldsRunOpen(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	dag := f.mustCreateDAG(t, linearDAG())
	run, _ := f.dispatcher.CreateRun(ctx, dag.ID, "manual")

	// Every other node is terminal, but one scheduled node keeps the
	// run from closing.
	f.appendRecord(t, run.ID, "a", models.StateSuccess, 1)
	f.appendRecord(t, run.ID, "b", models.StateScheduled, 1)
	f.appendRecord(t, run.ID, "c", models.StateSuccess, 1)

	if err := f.reconciler.Reconcile(ctx, run.ID); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	got, _ := f.runs.Get(ctx, run.ID)
	if got.Status.IsTerminal() {
		t.Errorf("scheduled node must hold run open, got %s", got.Status)
	}
	if got.Status != models.StateRunning {
		t.Errorf("run with records should be running, got %s", got.Status)
	}
}

func TestReconcileRetryAttemptsUseLatestRecord(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	dag := f.mustCreateDAG(t, linearDAG())
	run, _ := f.dispatcher.CreateRun(ctx, dag.ID, "manual")

	// Attempt 1 failed into retrying, attempt 2 succeeded. The latest
	// record per node is what governs completion.
	f.appendRecord(t, run.ID, "a", models.StateRetrying, 1)
	f.appendRecord(t, run.ID, "a", models.StateSuccess, 2)
	f.appendRecord(t, run.ID, "b", models.StateSuccess, 1)
	f.appendRecord(t, run.ID, "c", models.StateSuccess, 1)

	if err := f.reconciler.Reconcile(ctx, run.ID); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	got, _ := f.runs.Get(ctx, run.ID)
	if got.Status != models.StateSuccess {
		t.Errorf("expected success, got %s", got.Status)
	}
}

func TestCancelFailsNonTerminalRecords(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	dag := f.mustCreateDAG(t, linearDAG())
	run, _ := f.dispatcher.CreateRun(ctx, dag.ID, "manual")

	f.appendRecord(t, run.ID, "a", models.StateSuccess, 1)
	running := f.appendRecord(t, run.ID, "b", models.StateRunning, 1)
	scheduled := f.appendRecord(t, run.ID, "c", models.StateScheduled, 1)

	if err := f.reconciler.Cancel(ctx, run.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	got, _ := f.runs.Get(ctx, run.ID)
	if got.Status != models.StateCancelled || got.CompletedAt == nil {
		t.Errorf("run not cancelled: %+v", got)
	}

	for _, id := range []string{running.ID, scheduled.ID} {
		rec, _ := f.records.Get(ctx, id)
		if rec.Status != models.StateFailed || rec.Error != "cancelled" {
			t.Errorf("record %s not failed on cancel: %+v", id, rec)
		}
	}

	// Terminal records are untouched
	records, _ := f.records.ListByRun(ctx, run.ID)
	for _, rec := range records {
		if rec.NodeID == "a" && rec.Status != models.StateSuccess {
			t.Errorf("success record should survive cancel: %+v", rec)
		}
	}

	// Cancelling twice is an error
	if err := f.reconciler.Cancel(ctx, run.ID); err == nil {
		t.Error("double cancel should fail")
	}
}

// A closed run may never hold a pending deferred email, or the sweeper
// would send mail on behalf of a run that no longer exists.
func TestCancelResolvesPendingDeferredEmails(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	dag := f.mustCreateDAG(t, linearDAG())
	run, _ := f.dispatcher.CreateRun(ctx, dag.ID, "manual")

	f.appendRecord(t, run.ID, "a", models.StateScheduled, 1)
	pending := &models.DeferredEmail{
		RunID:     run.ID,
		NodeID:    "a",
		Owner:     dag.Owner,
		Recipient: "ops@example.com",
		FireAt:    time.Now().Add(2 * time.Hour).UTC(),
		Status:    models.DeferredPending,
	}
	sent := &models.DeferredEmail{
		RunID:     run.ID,
		NodeID:    "a",
		Owner:     dag.Owner,
		Recipient: "ops@example.com",
		FireAt:    time.Now().Add(-time.Hour).UTC(),
		Status:    models.DeferredSent,
	}
	for _, email := range []*models.DeferredEmail{pending, sent} {
		if err := f.deferred.Create(ctx, email); err != nil {
			t.Fatal(err)
		}
	}

	if err := f.reconciler.Cancel(ctx, run.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	got, _ := f.deferred.Get(ctx, pending.ID)
	if got.Status != models.DeferredCancelled {
		t.Errorf("pending email should be cancelled with its run, got %s", got.Status)
	}
	// Already-sent mail is history, not something to rewrite.
	got, _ = f.deferred.Get(ctx, sent.ID)
	if got.Status != models.DeferredSent {
		t.Errorf("sent email must survive cancel, got %s", got.Status)
	}

	latest, err := f.deferred.LatestPendingFireAt(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if latest != nil {
		t.Errorf("cancelled run still has a pending email firing at %s", latest)
	}
}
