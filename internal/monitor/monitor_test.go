package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/canopyflow/canopy/internal/events"
	"github.com/canopyflow/canopy/internal/storage"
	"github.com/canopyflow/canopy/pkg/models"
)

func seedStuckRun(t *testing.T, runs storage.RunRepository, records storage.TaskRecordRepository, queuedAt time.Time) *models.Run {
	t.Helper()
	ctx := context.Background()

	run := &models.Run{DAGID: "d1", Owner: "alice", Status: models.StateQueued, QueuedAt: queuedAt}
	if err := runs.Create(ctx, run); err != nil {
		t.Fatal(err)
	}
	if err := runs.UpdateStatus(ctx, run.ID, models.StateQueued, models.StateRunning); err != nil {
		t.Fatal(err)
	}
	run.Status = models.StateRunning

	rec := &models.TaskRecord{RunID: run.ID, NodeID: "n1", Status: models.StateRunning, Attempt: 1, StartedAt: queuedAt}
	if err := records.Append(ctx, rec); err != nil {
		t.Fatal(err)
	}
	return run
}

func TestAutoFailClosesExpiredRun(t *testing.T) {
	runs := storage.NewMemoryRunRepository()
	records := storage.NewMemoryTaskRecordRepository()
	deferred := storage.NewMemoryDeferredEmailRepository()
	bus := events.NewMemoryBus()
	m := NewAutoFail(runs, records, deferred, bus, time.Hour, 10*time.Minute)
	ctx := context.Background()

	run := seedStuckRun(t, runs, records, time.Now().UTC().Add(-2*time.Hour))

	failed, err := m.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if failed != 1 {
		t.Fatalf("expected 1 run closed, got %d", failed)
	}

	got, _ := runs.Get(ctx, run.ID)
	if got.Status != models.StateFailed || got.CompletedAt == nil {
		t.Errorf("run should be failed with completedAt: %+v", got)
	}

	latest, _ := records.LatestPerNode(ctx, run.ID)
	if latest["n1"].Status != models.StateFailed || latest["n1"].Error != "auto_failed_timeout" {
		t.Errorf("record should be failed with auto_failed_timeout: %+v", latest["n1"])
	}
}

func TestAutoFailSkipsFreshRun(t *testing.T) {
	runs := storage.NewMemoryRunRepository()
	records := storage.NewMemoryTaskRecordRepository()
	deferred := storage.NewMemoryDeferredEmailRepository()
	m := NewAutoFail(runs, records, deferred, events.NewMemoryBus(), time.Hour, 10*time.Minute)
	ctx := context.Background()

	run := seedStuckRun(t, runs, records, time.Now().UTC().Add(-10*time.Minute))

	failed, err := m.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if failed != 0 {
		t.Fatal("fresh run must not be closed")
	}
	got, _ := runs.Get(ctx, run.ID)
	if got.Status != models.StateRunning {
		t.Errorf("run should still be running, got %s", got.Status)
	}
}

func TestAutoFailDeferredEmailExtendsCutoff(t *testing.T) {
	runs := storage.NewMemoryRunRepository()
	records := storage.NewMemoryTaskRecordRepository()
	deferred := storage.NewMemoryDeferredEmailRepository()
	m := NewAutoFail(runs, records, deferred, events.NewMemoryBus(), time.Hour, 10*time.Minute)
	ctx := context.Background()

	// Old enough to auto-fail, but a pending email fires tomorrow.
	run := seedStuckRun(t, runs, records, time.Now().UTC().Add(-2*time.Hour))
	email := &models.DeferredEmail{
		RunID: run.ID, NodeID: "n1", Owner: "alice",
		Recipient: "bob@example.com",
		FireAt:    time.Now().UTC().Add(24 * time.Hour),
		Status:    models.DeferredPending,
	}
	if err := deferred.Create(ctx, email); err != nil {
		t.Fatal(err)
	}

	failed, err := m.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if failed != 0 {
		t.Fatal("run waiting on a future email must not be closed")
	}

	// Once the fire time plus grace has passed, the run is fair game.
	if err := deferred.MarkFailed(ctx, email.ID, "never sent"); err != nil {
		t.Fatal(err)
	}
	failed, err = m.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if failed != 1 {
		t.Fatalf("run should close once no pending email extends it, got %d", failed)
	}
}

// An email whose fire time slipped past the sweeper's window stays
// pending forever unless the auto-fail close resolves it.
func TestAutoFailCancelsPendingDeferredEmails(t *testing.T) {
	runs := storage.NewMemoryRunRepository()
	records := storage.NewMemoryTaskRecordRepository()
	deferred := storage.NewMemoryDeferredEmailRepository()
	m := NewAutoFail(runs, records, deferred, events.NewMemoryBus(), time.Hour, 10*time.Minute)
	ctx := context.Background()

	run := seedStuckRun(t, runs, records, time.Now().UTC().Add(-4*time.Hour))
	email := &models.DeferredEmail{
		RunID: run.ID, NodeID: "n1", Owner: "alice",
		Recipient: "bob@example.com",
		FireAt:    time.Now().UTC().Add(-3 * time.Hour),
		Status:    models.DeferredPending,
	}
	if err := deferred.Create(ctx, email); err != nil {
		t.Fatal(err)
	}

	failed, err := m.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if failed != 1 {
		t.Fatalf("expected the run closed, got %d", failed)
	}

	got, _ := deferred.Get(ctx, email.ID)
	if got.Status != models.DeferredCancelled {
		t.Errorf("pending email of an auto-failed run should be cancelled, got %s", got.Status)
	}
	latest, _ := deferred.LatestPendingFireAt(ctx, run.ID)
	if latest != nil {
		t.Error("closed run must not keep a pending email")
	}
}

func TestWorkerHealthMarksStaleWorkersOffline(t *testing.T) {
	workers := storage.NewMemoryWorkerRepository()
	m := NewWorkerHealth(workers, 15*time.Second)
	ctx := context.Background()

	fresh := &models.Worker{WorkerID: "w-fresh", Status: models.WorkerIdle, LastHeartbeat: time.Now().UTC()}
	stale := &models.Worker{WorkerID: "w-stale", Status: models.WorkerBusy, LastHeartbeat: time.Now().UTC().Add(-time.Minute)}
	gone := &models.Worker{WorkerID: "w-gone", Status: models.WorkerOffline, LastHeartbeat: time.Now().UTC().Add(-time.Hour)}
	for _, w := range []*models.Worker{fresh, stale, gone} {
		if err := workers.Upsert(ctx, w); err != nil {
			t.Fatal(err)
		}
	}

	flipped, err := m.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if flipped != 1 {
		t.Fatalf("expected 1 worker flipped, got %d", flipped)
	}

	got, _ := workers.Get(ctx, "w-stale")
	if got.Status != models.WorkerOffline {
		t.Errorf("stale worker should be offline, got %s", got.Status)
	}
	got, _ = workers.Get(ctx, "w-fresh")
	if got.Status != models.WorkerIdle {
		t.Errorf("fresh worker should stay idle, got %s", got.Status)
	}
}
