package deferred

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/canopyflow/canopy/internal/engine"
	"github.com/canopyflow/canopy/internal/events"
	"github.com/canopyflow/canopy/internal/mailer"
	"github.com/canopyflow/canopy/internal/state"
	"github.com/canopyflow/canopy/internal/storage"
	"github.com/canopyflow/canopy/pkg/models"
)

// SweepInterval is how often due deferred emails are collected.
const SweepInterval = time.Minute

// lookback bounds the due window so one sweep never re-examines rows a
// previous sweep already claimed.
const lookback = 60 * time.Second

// Sweeper sends deferred emails when their fire time arrives and
// resolves the task record that has been holding the run open. Multiple
// sweepers may run concurrently; the compare-and-set claim on the email
// row guarantees a single sender.
type Sweeper struct {
	deferred storage.DeferredEmailRepository
	records  storage.TaskRecordRepository
	runs     storage.RunRepository
	dags     storage.DAGRepository

	dispatcher *engine.Dispatcher
	reconciler *engine.Reconciler
	mail       mailer.Mailer
	bus        events.Bus
	now        func() time.Time
}

// NewSweeper creates a deferred email sweeper.
func NewSweeper(deferred storage.DeferredEmailRepository, records storage.TaskRecordRepository, runs storage.RunRepository, dags storage.DAGRepository, dispatcher *engine.Dispatcher, reconciler *engine.Reconciler, mail mailer.Mailer, bus events.Bus) *Sweeper {
	return &Sweeper{
		deferred:   deferred,
		records:    records,
		runs:       runs,
		dags:       dags,
		dispatcher: dispatcher,
		reconciler: reconciler,
		mail:       mail,
		bus:        bus,
		now:        time.Now,
	}
}

// Run sweeps once a minute until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				log.Printf("Deferred sweep failed: %v", err)
			}
		}
	}
}

// Sweep collects pending emails whose fire time fell within the last
// minute and handles each one.
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := s.now().UTC()
	due, err := s.deferred.ListDue(ctx, now.Add(-lookback), now)
	if err != nil {
		return err
	}
	for _, email := range due {
		if err := s.handle(ctx, email); err != nil {
			log.Printf("Deferred email %s: %v", email.ID, err)
		}
	}
	return nil
}

// handle claims one due email, sends it, and resolves its task record.
func (s *Sweeper) handle(ctx context.Context, email *models.DeferredEmail) error {
	run, err := s.runs.Get(ctx, email.RunID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if run != nil && run.Status.IsTerminal() {
		// The run closed while the email waited; never send. Cancel
		// usually resolves the row already, this covers the race where
		// the run closed between the due listing and here.
		if _, err := s.deferred.CancelPendingByRun(ctx, email.RunID); err != nil {
			return err
		}
		return nil
	}

	// Claim before sending so concurrent sweepers produce one send.
	if err := s.deferred.MarkSent(ctx, email.ID, s.now().UTC()); err != nil {
		if errors.Is(err, state.ErrOptimisticLock) {
			return nil
		}
		return err
	}

	messageID, sendErr := s.mail.Send(ctx, email.Owner, mailer.Message{
		From:    email.Sender,
		To:      email.Recipient,
		Subject: email.Subject,
		Body:    email.Body,
	})
	if sendErr != nil {
		if err := s.deferred.MarkFailed(ctx, email.ID, sendErr.Error()); err != nil {
			log.Printf("Deferred email %s: failed to record send error: %v", email.ID, err)
		}
		return s.resolveRecord(ctx, email, run, "", sendErr)
	}
	return s.resolveRecord(ctx, email, run, messageID, nil)
}

// resolveRecord moves the owning task record out of scheduled and lets
// the engine re-evaluate the run.
func (s *Sweeper) resolveRecord(ctx context.Context, email *models.DeferredEmail, run *models.Run, messageID string, sendErr error) error {
	latest, err := s.records.LatestPerNode(ctx, email.RunID)
	if err != nil {
		return err
	}
	rec, ok := latest[email.NodeID]
	if !ok || rec.Status != models.StateScheduled {
		// Cancellation or auto-fail already closed the record.
		return nil
	}

	now := s.now().UTC()
	if sendErr != nil {
		res := storage.TaskResult{CompletedAt: &now, Error: sendErr.Error()}
		if err := s.records.UpdateStatus(ctx, rec.ID, models.StateScheduled, models.StateFailed, res); err != nil {
			if errors.Is(err, state.ErrOptimisticLock) {
				return nil
			}
			return err
		}
		s.publishTask(rec, models.StateFailed, "", sendErr.Error())
		return s.reconciler.Reconcile(ctx, email.RunID)
	}

	output, _ := json.Marshal(map[string]string{"messageId": messageID})
	res := storage.TaskResult{CompletedAt: &now, Output: string(output)}
	if err := s.records.UpdateStatus(ctx, rec.ID, models.StateScheduled, models.StateSuccess, res); err != nil {
		if errors.Is(err, state.ErrOptimisticLock) {
			return nil
		}
		return err
	}
	s.publishTask(rec, models.StateSuccess, string(output), "")

	if run != nil {
		if def, err := s.dags.Get(ctx, run.DAGID); err == nil {
			if err := s.dispatcher.EnqueueDependents(ctx, run, def, email.NodeID); err != nil {
				log.Printf("Deferred email %s: failed to enqueue dependents: %v", email.ID, err)
			}
		}
	}
	return s.reconciler.Reconcile(ctx, email.RunID)
}

func (s *Sweeper) publishTask(rec *models.TaskRecord, status models.State, output, errMsg string) {
	if err := s.bus.PublishTaskUpdate(events.TaskUpdate{
		RunID:       rec.RunID,
		NodeID:      rec.NodeID,
		Status:      events.WireStatus(status),
		Attempt:     rec.Attempt,
		DisplayName: rec.DisplayName,
		Timestamp:   s.now().UTC(),
		Output:      output,
		Error:       errMsg,
	}); err != nil {
		log.Printf("Deferred email for %s/%s: failed to publish task update: %v", rec.RunID, rec.NodeID, err)
	}
}
