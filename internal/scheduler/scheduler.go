package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/canopyflow/canopy/internal/storage"
	"github.com/canopyflow/canopy/pkg/models"
)

// DefaultReconcileInterval is how often the trigger registry is rebuilt
// from the store.
const DefaultReconcileInterval = 5 * time.Minute

// RunCreator starts a run for a DAG. Satisfied by engine.Dispatcher;
// injected so the scheduler never imports the engine.
type RunCreator interface {
	CreateRun(ctx context.Context, dagID, triggeredBy string) (*models.Run, error)
}

// registration is one installed timer.
type registration struct {
	entryID     cron.EntryID
	fingerprint string
}

// Scheduler keeps an in-memory trigger registry in sync with the active
// DAGs and fires runs when their timers elapse. Cron and interval
// schedules install timers; manual and once schedules do not. The
// registry is reconciled on startup and every ReconcileInterval so DAG
// edits take effect without a restart.
type Scheduler struct {
	dags    storage.DAGRepository
	creator RunCreator

	cron    *cron.Cron
	mu      sync.Mutex
	entries map[string]registration

	reconcileInterval time.Duration
	now               func() time.Time
}

// New creates a scheduler. The cron engine uses the standard five-field
// format; per-DAG timezones ride on a CRON_TZ prefix.
func New(dags storage.DAGRepository, creator RunCreator) *Scheduler {
	return &Scheduler{
		dags:              dags,
		creator:           creator,
		cron:              cron.New(),
		entries:           make(map[string]registration),
		reconcileInterval: DefaultReconcileInterval,
		now:               time.Now,
	}
}

// Run reconciles once, starts the timers, and keeps reconciling until
// the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Reconcile(ctx); err != nil {
		return fmt.Errorf("initial schedule reconcile: %w", err)
	}
	s.cron.Start()
	log.Printf("Scheduler started with %d registered trigger(s)", s.Registered())

	ticker := time.NewTicker(s.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			stopped := s.cron.Stop()
			<-stopped.Done()
			return ctx.Err()
		case <-ticker.C:
			if err := s.Reconcile(ctx); err != nil {
				log.Printf("Scheduler: reconcile failed: %v", err)
			}
		}
	}
}

// Reconcile rebuilds the trigger registry from the store: timers are
// installed for active DAGs with enabled cron or interval schedules,
// updated when the schedule changed, and cancelled for everything else.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	active := true
	dags, err := s.dags.List(ctx, storage.DAGFilters{Active: &active})
	if err != nil {
		return fmt.Errorf("list active dags: %w", err)
	}

	desired := make(map[string]*models.DAG)
	for _, d := range dags {
		if !d.Schedule.Enabled {
			continue
		}
		switch d.Schedule.Type {
		case models.ScheduleCron, models.ScheduleInterval:
			desired[d.ID] = d
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for dagID, reg := range s.entries {
		d, keep := desired[dagID]
		if keep && reg.fingerprint == fingerprint(d.Schedule) {
			continue
		}
		s.cron.Remove(reg.entryID)
		delete(s.entries, dagID)
	}

	for dagID, d := range desired {
		if _, ok := s.entries[dagID]; ok {
			continue
		}
		if err := s.register(d); err != nil {
			// The DAG stays valid; only its timer is skipped.
			log.Printf("Scheduler: skipping schedule for DAG %s: %v", dagID, err)
		}
	}
	return nil
}

// register installs one timer. The caller holds the mutex.
func (s *Scheduler) register(d *models.DAG) error {
	dagID := d.ID
	job := func() { s.fire(dagID) }

	var entryID cron.EntryID
	switch d.Schedule.Type {
	case models.ScheduleCron:
		spec := d.Schedule.Cron
		if tz := d.Schedule.Timezone; tz != "" {
			spec = fmt.Sprintf("CRON_TZ=%s %s", tz, spec)
		}
		id, err := s.cron.AddFunc(spec, job)
		if err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", d.Schedule.Cron, err)
		}
		entryID = id
	case models.ScheduleInterval:
		if d.Schedule.IntervalSeconds < 1 {
			return fmt.Errorf("interval must be at least 1 second, got %d", d.Schedule.IntervalSeconds)
		}
		every := time.Duration(d.Schedule.IntervalSeconds) * time.Second
		entryID = s.cron.Schedule(cron.Every(every), cron.FuncJob(job))
	default:
		return fmt.Errorf("schedule type %q does not install timers", d.Schedule.Type)
	}

	s.entries[d.ID] = registration{entryID: entryID, fingerprint: fingerprint(d.Schedule)}
	return nil
}

// fire re-reads the DAG so edits between reconciles are honored, then
// delegates to the dispatcher.
func (s *Scheduler) fire(dagID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	d, err := s.dags.Get(ctx, dagID)
	if err != nil {
		log.Printf("Scheduler: DAG %s not readable at fire time: %v", dagID, err)
		return
	}
	if !d.Active || !d.Schedule.Enabled || !d.Schedule.WindowPermits(s.now()) {
		return
	}

	run, err := s.creator.CreateRun(ctx, dagID, "schedule")
	if err != nil {
		log.Printf("Scheduler: failed to create run for DAG %s: %v", dagID, err)
		return
	}
	if run != nil {
		log.Printf("Scheduler: created run %s for DAG %s", run.ID, dagID)
	}
}

// Registered returns how many DAGs currently hold timers.
func (s *Scheduler) Registered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// IsRegistered reports whether a DAG currently holds a timer.
func (s *Scheduler) IsRegistered(dagID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[dagID]
	return ok
}

// NextFire returns the next fire time for a registered DAG.
func (s *Scheduler) NextFire(dagID string) (time.Time, bool) {
	s.mu.Lock()
	reg, ok := s.entries[dagID]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	entry := s.cron.Entry(reg.entryID)
	if entry.ID == 0 {
		return time.Time{}, false
	}
	return entry.Next, true
}

// fingerprint captures the timer-relevant fields of a schedule so
// reconcile can detect edits.
func fingerprint(sched models.Schedule) string {
	return fmt.Sprintf("%s|%s|%s|%d", sched.Type, sched.Cron, sched.Timezone, sched.IntervalSeconds)
}
