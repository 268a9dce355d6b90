package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/canopyflow/canopy/internal/engine"
	"github.com/canopyflow/canopy/internal/errorhandling"
	"github.com/canopyflow/canopy/internal/events"
	"github.com/canopyflow/canopy/internal/executor"
	"github.com/canopyflow/canopy/internal/queue"
	"github.com/canopyflow/canopy/internal/storage"
	"github.com/canopyflow/canopy/pkg/models"
)

// stubExecutor lets tests script executor outcomes per attempt.
type stubExecutor struct {
	kind  models.NodeKind
	calls int
	fn    func(call int, rc executor.RunContext) (*executor.Result, error)
}

func (s *stubExecutor) Kind() models.NodeKind               { return s.kind }
func (s *stubExecutor) Validate(_ json.RawMessage) error    { return nil }
func (s *stubExecutor) Execute(_ context.Context, _ json.RawMessage, rc executor.RunContext) (*executor.Result, error) {
	s.calls++
	return s.fn(s.calls, rc)
}

type harness struct {
	dags    *storage.MemoryDAGRepository
	runs    *storage.MemoryRunRepository
	records *storage.MemoryTaskRecordRepository
	workers *storage.MemoryWorkerRepository
	tasks   *queue.MemoryQueue
	bus     *events.MemoryBus
	stub    *stubExecutor
	worker  *Worker
}

func newHarness(t *testing.T, stub *stubExecutor) *harness {
	t.Helper()
	h := &harness{
		dags:    storage.NewMemoryDAGRepository(),
		runs:    storage.NewMemoryRunRepository(),
		records: storage.NewMemoryTaskRecordRepository(),
		workers: storage.NewMemoryWorkerRepository(),
		tasks:   queue.NewMemoryQueue(),
		bus:     events.NewMemoryBus(),
		stub:    stub,
	}
	registry := executor.NewRegistry()
	if stub != nil {
		registry.Register(stub)
	}
	dispatcher := engine.NewDispatcher(h.dags, h.runs, h.records, h.tasks, h.bus)
	reconciler := engine.NewReconciler(h.dags, h.runs, h.records, storage.NewMemoryDeferredEmailRepository(), h.bus)
	h.worker = New("w-test", DefaultOptions(), h.tasks, h.dags, h.runs, h.records, h.workers, registry, dispatcher, reconciler, h.bus)
	return h
}

func (h *harness) seedRun(t *testing.T, dag *models.DAG) *models.Run {
	t.Helper()
	ctx := context.Background()
	if err := h.dags.Create(ctx, dag); err != nil {
		t.Fatal(err)
	}
	run := &models.Run{DAGID: dag.ID, Owner: dag.Owner, Status: models.StateQueued, QueuedAt: time.Now().UTC()}
	if err := h.runs.Create(ctx, run); err != nil {
		t.Fatal(err)
	}
	return run
}

func message(run *models.Run, nodeID string, attempt int) string {
	raw, _ := json.Marshal(models.TaskMessage{RunID: run.ID, DAGID: run.DAGID, NodeID: nodeID, Attempt: attempt, UserID: run.Owner})
	return string(raw)
}

func twoNodeDAG(policy models.RetryPolicy) *models.DAG {
	return &models.DAG{
		Owner: "alice", Name: "pipeline", Active: true,
		Nodes:       []models.Node{{ID: "n1", Kind: models.NodeKindHTTP}, {ID: "n2", Kind: models.NodeKindHTTP}},
		Edges:       []models.Edge{{Source: "n1", Target: "n2"}},
		RetryPolicy: policy,
	}
}

func TestWorkerSuccessEnqueuesDependents(t *testing.T) {
	stub := &stubExecutor{kind: models.NodeKindHTTP, fn: func(int, executor.RunContext) (*executor.Result, error) {
		return &executor.Result{Output: `{"ok":true}`}, nil
	}}
	h := newHarness(t, stub)
	ctx := context.Background()
	run := h.seedRun(t, twoNodeDAG(models.RetryPolicy{}))

	h.worker.process(ctx, message(run, "n1", 1))

	// Record persisted as success
	latest, _ := h.records.LatestPerNode(ctx, run.ID)
	if latest["n1"].Status != models.StateSuccess {
		t.Errorf("n1 should be success, got %s", latest["n1"].Status)
	}

	// Dependent n2 enqueued
	raw, err := h.tasks.Pop(ctx)
	if err != nil {
		t.Fatalf("expected dependent enqueued: %v", err)
	}
	var msg models.TaskMessage
	_ = json.Unmarshal([]byte(raw), &msg)
	if msg.NodeID != "n2" || msg.Attempt != 1 {
		t.Errorf("unexpected dependent: %+v", msg)
	}

	// Run promoted to running (not complete: n2 outstanding)
	got, _ := h.runs.Get(ctx, run.ID)
	if got.Status != models.StateRunning || got.StartedAt == nil {
		t.Errorf("run should be running with startedAt: %+v", got)
	}
}

func TestWorkerRetryThenSucceed(t *testing.T) {
	stub := &stubExecutor{kind: models.NodeKindHTTP, fn: func(call int, _ executor.RunContext) (*executor.Result, error) {
		if call == 1 {
			return nil, errorhandling.New(errorhandling.KindExecutorFailure, "upstream 502")
		}
		return &executor.Result{Output: "ok"}, nil
	}}
	h := newHarness(t, stub)
	ctx := context.Background()
	run := h.seedRun(t, twoNodeDAG(models.RetryPolicy{MaxAttempts: 3, BackoffMS: 1}))

	h.worker.process(ctx, message(run, "n1", 1))

	// Attempt 1 parked as retrying, attempt 2 requeued
	raw, err := h.tasks.Pop(ctx)
	if err != nil {
		t.Fatalf("expected requeued attempt: %v", err)
	}
	var msg models.TaskMessage
	_ = json.Unmarshal([]byte(raw), &msg)
	if msg.Attempt != 2 {
		t.Fatalf("expected attempt 2, got %d", msg.Attempt)
	}

	h.worker.process(ctx, message(run, "n1", msg.Attempt))

	records, _ := h.records.ListByRun(ctx, run.ID)
	if len(records) != 2 {
		t.Fatalf("expected one record per attempt, got %d", len(records))
	}
	latest, _ := h.records.LatestPerNode(ctx, run.ID)
	if latest["n1"].Status != models.StateSuccess || latest["n1"].Attempt != 2 {
		t.Errorf("latest record should be successful attempt 2: %+v", latest["n1"])
	}
	if len(h.tasks.DeadLetters()) != 0 {
		t.Error("nothing should be dead-lettered")
	}
}

func TestWorkerRetryExhaustionDeadLetters(t *testing.T) {
	stub := &stubExecutor{kind: models.NodeKindHTTP, fn: func(int, executor.RunContext) (*executor.Result, error) {
		return nil, errorhandling.New(errorhandling.KindExecutorFailure, "always down")
	}}
	h := newHarness(t, stub)
	ctx := context.Background()
	run := h.seedRun(t, twoNodeDAG(models.RetryPolicy{MaxAttempts: 2, BackoffMS: 1}))

	h.worker.process(ctx, message(run, "n1", 1))
	raw, _ := h.tasks.Pop(ctx)
	var msg models.TaskMessage
	_ = json.Unmarshal([]byte(raw), &msg)

	h.worker.process(ctx, message(run, "n1", msg.Attempt))

	dead := h.tasks.DeadLetters()
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(dead))
	}
	if dead[0].Reason != "max_retries_exceeded:executor_failure" {
		t.Errorf("unexpected reason: %s", dead[0].Reason)
	}

	latest, _ := h.records.LatestPerNode(ctx, run.ID)
	if latest["n1"].Status != models.StateFailed {
		t.Errorf("final record should be failed: %+v", latest["n1"])
	}
}

func TestWorkerFatalErrorSkipsRetry(t *testing.T) {
	stub := &stubExecutor{kind: models.NodeKindHTTP, fn: func(int, executor.RunContext) (*executor.Result, error) {
		return nil, errorhandling.New(errorhandling.KindSSRFBlocked, "host resolves to a blocked address")
	}}
	h := newHarness(t, stub)
	ctx := context.Background()
	run := h.seedRun(t, twoNodeDAG(models.RetryPolicy{MaxAttempts: 5, BackoffMS: 1}))

	h.worker.process(ctx, message(run, "n1", 1))

	if stub.calls != 1 {
		t.Errorf("fatal error should not be retried, got %d calls", stub.calls)
	}
	dead := h.tasks.DeadLetters()
	if len(dead) != 1 || dead[0].Reason != "ssrf_blocked" {
		t.Errorf("expected ssrf_blocked dead letter, got %+v", dead)
	}
	if msgs := h.tasks.Depth(); msgs != 0 {
		t.Errorf("queue should be empty, depth %d", msgs)
	}
}

func TestWorkerInvalidJSONDeadLetters(t *testing.T) {
	h := newHarness(t, nil)

	h.worker.process(context.Background(), `{"runId": "r1", "nodeId":`)

	dead := h.tasks.DeadLetters()
	if len(dead) != 1 || dead[0].Reason != "invalid_json" {
		t.Fatalf("expected invalid_json dead letter, got %+v", dead)
	}
	if dead[0].Payload != `{"runId": "r1", "nodeId":` {
		t.Errorf("payload should be preserved verbatim: %q", dead[0].Payload)
	}
}

func TestWorkerMissingRunDrops(t *testing.T) {
	h := newHarness(t, nil)

	raw, _ := json.Marshal(models.TaskMessage{RunID: "gone", DAGID: "gone", NodeID: "n1", Attempt: 1})
	h.worker.process(context.Background(), string(raw))

	if len(h.tasks.DeadLetters()) != 0 {
		t.Error("missing run should drop silently")
	}
	records, _ := h.records.ListByRun(context.Background(), "gone")
	if len(records) != 0 {
		t.Error("no record should be written for a missing run")
	}
}

func TestWorkerMissingDAGDeadLetters(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	run := &models.Run{DAGID: "deleted-dag", Owner: "alice", Status: models.StateQueued, QueuedAt: time.Now()}
	if err := h.runs.Create(ctx, run); err != nil {
		t.Fatal(err)
	}

	h.worker.process(ctx, message(run, "n1", 1))

	dead := h.tasks.DeadLetters()
	if len(dead) != 1 || dead[0].Reason != "dag_deleted" {
		t.Fatalf("expected dag_deleted dead letter, got %+v", dead)
	}
	latest, _ := h.records.LatestPerNode(ctx, run.ID)
	if latest["n1"].Status != models.StateFailed || latest["n1"].Error != "dag_deleted" {
		t.Errorf("task should be failed with dag_deleted: %+v", latest["n1"])
	}
}

func TestWorkerCancelledRunDrops(t *testing.T) {
	stub := &stubExecutor{kind: models.NodeKindHTTP, fn: func(int, executor.RunContext) (*executor.Result, error) {
		t.Error("executor should not run for a cancelled run")
		return nil, nil
	}}
	h := newHarness(t, stub)
	ctx := context.Background()
	dag := twoNodeDAG(models.RetryPolicy{})
	run := h.seedRun(t, dag)
	_ = h.runs.UpdateStatus(ctx, run.ID, models.StateQueued, models.StateCancelled)

	h.worker.process(ctx, message(run, "n1", 1))

	if stub.calls != 0 {
		t.Error("cancelled run must not execute tasks")
	}
}

func TestWorkerDeferredSentinelParksRecord(t *testing.T) {
	stub := &stubExecutor{kind: models.NodeKindHTTP, fn: func(int, executor.RunContext) (*executor.Result, error) {
		return &executor.Result{Output: `{"deferred":"x"}`, Deferred: true}, nil
	}}
	h := newHarness(t, stub)
	ctx := context.Background()
	run := h.seedRun(t, twoNodeDAG(models.RetryPolicy{}))

	h.worker.process(ctx, message(run, "n1", 1))

	latest, _ := h.records.LatestPerNode(ctx, run.ID)
	if latest["n1"].Status != models.StateScheduled {
		t.Errorf("deferred node should be scheduled, got %s", latest["n1"].Status)
	}

	// No dependents while the node waits
	if h.tasks.Depth() != 0 {
		t.Error("dependents must wait for the deferred node")
	}

	// Run still open
	got, _ := h.runs.Get(ctx, run.ID)
	if got.Status.IsTerminal() {
		t.Errorf("run must stay open, got %s", got.Status)
	}
}

func TestWorkerPriorOutputFlowsToDependent(t *testing.T) {
	var sawPrior string
	stub := &stubExecutor{kind: models.NodeKindHTTP, fn: func(_ int, rc executor.RunContext) (*executor.Result, error) {
		if rc.NodeID == "n2" {
			sawPrior = rc.PriorOutput
		}
		return &executor.Result{Output: `{"from":"` + rc.NodeID + `"}`}, nil
	}}
	h := newHarness(t, stub)
	ctx := context.Background()
	run := h.seedRun(t, twoNodeDAG(models.RetryPolicy{}))

	h.worker.process(ctx, message(run, "n1", 1))
	raw, err := h.tasks.Pop(ctx)
	if err != nil {
		t.Fatalf("dependent not enqueued: %v", err)
	}
	var msg models.TaskMessage
	_ = json.Unmarshal([]byte(raw), &msg)
	h.worker.process(ctx, message(run, msg.NodeID, msg.Attempt))

	if sawPrior != `{"from":"n1"}` {
		t.Errorf("prior output not injected, got %q", sawPrior)
	}

	// Both nodes terminal: run completes
	got, _ := h.runs.Get(ctx, run.ID)
	if got.Status != models.StateSuccess {
		t.Errorf("run should be success, got %s", got.Status)
	}
}
