package deferred

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/canopyflow/canopy/internal/engine"
	"github.com/canopyflow/canopy/internal/events"
	"github.com/canopyflow/canopy/internal/mailer"
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
	mail     *mailer.FakeMailer
	sweeper  *Sweeper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		dags:     storage.NewMemoryDAGRepository(),
		runs:     storage.NewMemoryRunRepository(),
		records:  storage.NewMemoryTaskRecordRepository(),
		deferred: storage.NewMemoryDeferredEmailRepository(),
		tasks:    queue.NewMemoryQueue(),
		bus:      events.NewMemoryBus(),
		mail:     mailer.NewFakeMailer(),
	}
	dispatcher := engine.NewDispatcher(f.dags, f.runs, f.records, f.tasks, f.bus)
	reconciler := engine.NewReconciler(f.dags, f.runs, f.records, f.deferred, f.bus)
	f.sweeper = NewSweeper(f.deferred, f.records, f.runs, f.dags, dispatcher, reconciler, f.mail, f.bus)
	return f
}

// seed installs an email-then-http DAG with a running run whose email
// node is parked in scheduled state behind a due deferred email.
func (f *fixture) seed(t *testing.T, fireAt time.Time) (*models.Run, *models.DeferredEmail) {
	t.Helper()
	ctx := context.Background()

	dag := &models.DAG{
		Owner: "alice", Name: "digest", Active: true,
		Nodes: []models.Node{{ID: "send", Kind: models.NodeKindEmail}, {ID: "notify", Kind: models.NodeKindHTTP}},
		Edges: []models.Edge{{Source: "send", Target: "notify"}},
	}
	if err := f.dags.Create(ctx, dag); err != nil {
		t.Fatal(err)
	}
	run := &models.Run{DAGID: dag.ID, Owner: "alice", Status: models.StateQueued, QueuedAt: time.Now().UTC()}
	if err := f.runs.Create(ctx, run); err != nil {
		t.Fatal(err)
	}
	if err := f.runs.UpdateStatus(ctx, run.ID, models.StateQueued, models.StateRunning); err != nil {
		t.Fatal(err)
	}
	run.Status = models.StateRunning

	rec := &models.TaskRecord{RunID: run.ID, NodeID: "send", Status: models.StateRunning, Attempt: 1, StartedAt: time.Now().UTC()}
	if err := f.records.Append(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := f.records.UpdateStatus(ctx, rec.ID, models.StateRunning, models.StateScheduled, storage.TaskResult{}); err != nil {
		t.Fatal(err)
	}

	email := &models.DeferredEmail{
		RunID: run.ID, NodeID: "send", Owner: "alice",
		Sender: "digest@example.com", Recipient: "bob@example.com",
		Subject: "Daily digest", Body: "hello",
		FireAt: fireAt, Status: models.DeferredPending,
	}
	if err := f.deferred.Create(ctx, email); err != nil {
		t.Fatal(err)
	}
	return run, email
}

func TestSweepSendsDueEmailAndEnqueuesDependents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run, email := f.seed(t, time.Now().UTC().Add(-5*time.Second))

	if err := f.sweeper.Sweep(ctx); err != nil {
		t.Fatal(err)
	}

	if got := f.mail.Sent(); len(got) != 1 || got[0].To != "bob@example.com" {
		t.Fatalf("expected one send to bob, got %+v", got)
	}

	sent, _ := f.deferred.Get(ctx, email.ID)
	if sent.Status != models.DeferredSent || sent.SentAt == nil {
		t.Errorf("email should be sent with sentAt: %+v", sent)
	}

	latest, _ := f.records.LatestPerNode(ctx, run.ID)
	rec := latest["send"]
	if rec.Status != models.StateSuccess {
		t.Errorf("task record should be success, got %s", rec.Status)
	}
	if !strings.Contains(rec.Output, "messageId") {
		t.Errorf("output should carry the message id: %q", rec.Output)
	}

	// Dependent of the email node is now runnable.
	raw, err := f.tasks.Pop(ctx)
	if err != nil {
		t.Fatalf("dependent not enqueued: %v", err)
	}
	if !strings.Contains(raw, `"nodeId":"notify"`) {
		t.Errorf("expected notify enqueued, got %s", raw)
	}
}

func TestSweepIgnoresFutureEmails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, time.Now().UTC().Add(10*time.Minute))

	if err := f.sweeper.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	if len(f.mail.Sent()) != 0 {
		t.Error("future email must not send yet")
	}
	if f.tasks.Depth() != 0 {
		t.Error("no dependents should be enqueued")
	}
}

func TestSweepSendFailureFailsRecordAndRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run, email := f.seed(t, time.Now().UTC().Add(-5*time.Second))
	f.mail.FailWith = errors.New("smtp: connection refused")

	if err := f.sweeper.Sweep(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := f.deferred.Get(ctx, email.ID)
	if got.Status != models.DeferredFailed || got.ErrorMessage == "" {
		t.Errorf("email should be failed with the error: %+v", got)
	}

	latest, _ := f.records.LatestPerNode(ctx, run.ID)
	if latest["send"].Status != models.StateFailed {
		t.Errorf("task record should be failed, got %s", latest["send"].Status)
	}

	// notify has no record yet, so completion rule 2 does not apply;
	// the run stays open for the auto-fail monitor to close.
	gotRun, _ := f.runs.Get(ctx, run.ID)
	if gotRun.Status != models.StateRunning {
		t.Errorf("run should stay running, got %s", gotRun.Status)
	}
}

func TestSweepClaimIsExclusive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, email := f.seed(t, time.Now().UTC().Add(-5*time.Second))

	// A rival sweeper already claimed the row.
	if err := f.deferred.MarkSent(ctx, email.ID, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	if err := f.sweeper.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	if len(f.mail.Sent()) != 0 {
		t.Error("losing sweeper must not send")
	}
}

func TestSweepCancelledRunNeverSends(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run, email := f.seed(t, time.Now().UTC().Add(-5*time.Second))

	if err := f.runs.UpdateStatus(ctx, run.ID, models.StateRunning, models.StateCancelled); err != nil {
		t.Fatal(err)
	}

	if err := f.sweeper.Sweep(ctx); err != nil {
		t.Fatal(err)
	}

	if len(f.mail.Sent()) != 0 {
		t.Error("cancelled run must not send email")
	}
	got, _ := f.deferred.Get(ctx, email.ID)
	if got.Status != models.DeferredCancelled {
		t.Errorf("email should be cancelled with its run, got %s", got.Status)
	}
}

func TestSweepCompletesRunWhenEmailWasLastNode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dag := &models.DAG{
		Owner: "alice", Name: "solo", Active: true,
		Nodes: []models.Node{{ID: "send", Kind: models.NodeKindEmail}},
	}
	if err := f.dags.Create(ctx, dag); err != nil {
		t.Fatal(err)
	}
	run := &models.Run{DAGID: dag.ID, Owner: "alice", Status: models.StateRunning, QueuedAt: time.Now().UTC()}
	if err := f.runs.Create(ctx, run); err != nil {
		t.Fatal(err)
	}
	rec := &models.TaskRecord{RunID: run.ID, NodeID: "send", Status: models.StateScheduled, Attempt: 1, StartedAt: time.Now().UTC()}
	if err := f.records.Append(ctx, rec); err != nil {
		t.Fatal(err)
	}
	email := &models.DeferredEmail{
		RunID: run.ID, NodeID: "send", Owner: "alice",
		Recipient: "bob@example.com", Subject: "solo",
		FireAt: time.Now().UTC().Add(-time.Second), Status: models.DeferredPending,
	}
	if err := f.deferred.Create(ctx, email); err != nil {
		t.Fatal(err)
	}

	if err := f.sweeper.Sweep(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := f.runs.Get(ctx, run.ID)
	if got.Status != models.StateSuccess {
		t.Errorf("run should complete success once the deferred node resolves, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("completedAt should be stamped")
	}
}
