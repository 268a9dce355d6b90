package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/canopyflow/canopy/internal/state"
	"github.com/canopyflow/canopy/pkg/models"
)

// In-memory repository implementations used in tests. They honor the
// same compare-and-set semantics as the postgres-backed repositories.

// MemoryDAGRepository is an in-memory DAGRepository.
type MemoryDAGRepository struct {
	mu   sync.RWMutex
	dags map[string]*models.DAG
}

// NewMemoryDAGRepository creates an empty in-memory DAG repository.
func NewMemoryDAGRepository() *MemoryDAGRepository {
	return &MemoryDAGRepository{dags: make(map[string]*models.DAG)}
}

func (r *MemoryDAGRepository) Create(ctx context.Context, dag *models.DAG) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if dag.ID == "" {
		dag.ID = uuid.New().String()
	}
	if _, exists := r.dags[dag.ID]; exists {
		return ErrAlreadyExists
	}
	cp := *dag
	r.dags[dag.ID] = &cp
	return nil
}

func (r *MemoryDAGRepository) Get(ctx context.Context, id string) (*models.DAG, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dag, ok := r.dags[id]
	if !ok {
		return nil, fmt.Errorf("%w: DAG %s", ErrNotFound, id)
	}
	cp := *dag
	return &cp, nil
}

func (r *MemoryDAGRepository) GetByName(ctx context.Context, owner, name string) (*models.DAG, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, dag := range r.dags {
		if dag.Owner == owner && dag.Name == name {
			cp := *dag
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: DAG %s/%s", ErrNotFound, owner, name)
}

func (r *MemoryDAGRepository) GetByTriggerToken(ctx context.Context, token string) (*models.DAG, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if token == "" {
		return nil, fmt.Errorf("%w: empty trigger token", ErrInvalidInput)
	}
	for _, dag := range r.dags {
		if dag.Trigger != nil && dag.Trigger.Token == token {
			cp := *dag
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: no DAG for trigger token", ErrNotFound)
}

func (r *MemoryDAGRepository) GetByTriggerPath(ctx context.Context, path string) (*models.DAG, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if path == "" {
		return nil, fmt.Errorf("%w: empty trigger path", ErrInvalidInput)
	}
	for _, dag := range r.dags {
		if dag.Trigger != nil && dag.Trigger.Path == path {
			cp := *dag
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: no DAG for trigger path %s", ErrNotFound, path)
}

func (r *MemoryDAGRepository) List(ctx context.Context, filters DAGFilters) ([]*models.DAG, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.DAG
	for _, dag := range r.dags {
		if filters.Owner != "" && dag.Owner != filters.Owner {
			continue
		}
		if filters.Active != nil && dag.Active != *filters.Active {
			continue
		}
		cp := *dag
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *MemoryDAGRepository) Update(ctx context.Context, dag *models.DAG) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.dags[dag.ID]; !ok {
		return fmt.Errorf("%w: DAG %s", ErrNotFound, dag.ID)
	}
	cp := *dag
	r.dags[dag.ID] = &cp
	return nil
}

func (r *MemoryDAGRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.dags[id]; !ok {
		return fmt.Errorf("%w: DAG %s", ErrNotFound, id)
	}
	delete(r.dags, id)
	return nil
}

func (r *MemoryDAGRepository) SetActive(ctx context.Context, id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dag, ok := r.dags[id]
	if !ok {
		return fmt.Errorf("%w: DAG %s", ErrNotFound, id)
	}
	dag.Active = active
	return nil
}

// MemoryRunRepository is an in-memory RunRepository.
type MemoryRunRepository struct {
	mu      sync.RWMutex
	runs    map[string]*models.Run
	machine *state.RunMachine
}

// NewMemoryRunRepository creates an empty in-memory run repository.
func NewMemoryRunRepository() *MemoryRunRepository {
	return &MemoryRunRepository{
		runs:    make(map[string]*models.Run),
		machine: state.NewRunMachine(),
	}
}

func (r *MemoryRunRepository) Create(ctx context.Context, run *models.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if _, exists := r.runs[run.ID]; exists {
		return ErrAlreadyExists
	}
	cp := *run
	r.runs[run.ID] = &cp
	return nil
}

func (r *MemoryRunRepository) Get(ctx context.Context, id string) (*models.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	cp := *run
	return &cp, nil
}

func (r *MemoryRunRepository) List(ctx context.Context, filters RunFilters) ([]*models.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Run
	for _, run := range r.runs {
		if filters.DAGID != "" && run.DAGID != filters.DAGID {
			continue
		}
		if filters.Owner != "" && run.Owner != filters.Owner {
			continue
		}
		if filters.Status != nil && run.Status != *filters.Status {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.After(out[j].QueuedAt) })
	return out, nil
}

func (r *MemoryRunRepository) UpdateStatus(ctx context.Context, id string, oldStatus, newStatus models.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[id]
	if !ok {
		return fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	if err := r.machine.ValidateTransition(oldStatus, newStatus); err != nil {
		return err
	}
	if oldStatus == newStatus {
		return nil
	}
	if run.Status != oldStatus {
		return state.ErrOptimisticLock
	}
	run.Status = newStatus
	return nil
}

func (r *MemoryRunRepository) MarkStarted(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[id]
	if !ok {
		return fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	if run.StartedAt == nil {
		t := at
		run.StartedAt = &t
	}
	return nil
}

func (r *MemoryRunRepository) MarkCompleted(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[id]
	if !ok {
		return fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	if run.CompletedAt == nil {
		t := at
		run.CompletedAt = &t
	}
	return nil
}

func (r *MemoryRunRepository) ListUnfinished(ctx context.Context, queuedBefore time.Time) ([]*models.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Run
	for _, run := range r.runs {
		if run.Status.IsTerminal() {
			continue
		}
		if !queuedBefore.IsZero() && run.QueuedAt.After(queuedBefore) {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	return out, nil
}

// MemoryTaskRecordRepository is an in-memory TaskRecordRepository.
type MemoryTaskRecordRepository struct {
	mu      sync.RWMutex
	records []*models.TaskRecord
	machine *state.TaskMachine
}

// NewMemoryTaskRecordRepository creates an empty in-memory task record
// repository.
func NewMemoryTaskRecordRepository() *MemoryTaskRecordRepository {
	return &MemoryTaskRecordRepository{machine: state.NewTaskMachine()}
}

func (r *MemoryTaskRecordRepository) Append(ctx context.Context, record *models.TaskRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	cp := *record
	r.records = append(r.records, &cp)
	return nil
}

func (r *MemoryTaskRecordRepository) Get(ctx context.Context, id string) (*models.TaskRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rec := range r.records {
		if rec.ID == id {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: task record %s", ErrNotFound, id)
}

func (r *MemoryTaskRecordRepository) UpdateStatus(ctx context.Context, id string, oldStatus, newStatus models.State, res TaskResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.records {
		if rec.ID != id {
			continue
		}
		if err := r.machine.ValidateTransition(oldStatus, newStatus); err != nil {
			return err
		}
		if rec.Status != oldStatus {
			return state.ErrOptimisticLock
		}
		rec.Status = newStatus
		if res.CompletedAt != nil {
			t := *res.CompletedAt
			rec.CompletedAt = &t
		}
		if res.Output != "" {
			rec.Output = res.Output
		}
		if res.Error != "" {
			rec.Error = res.Error
		}
		return nil
	}
	return fmt.Errorf("%w: task record %s", ErrNotFound, id)
}

func (r *MemoryTaskRecordRepository) ListByRun(ctx context.Context, runID string) ([]*models.TaskRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.TaskRecord
	for _, rec := range r.records {
		if rec.RunID == runID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *MemoryTaskRecordRepository) LatestPerNode(ctx context.Context, runID string) (map[string]*models.TaskRecord, error) {
	records, err := r.ListByRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	latest := make(map[string]*models.TaskRecord)
	for _, rec := range records {
		cur, ok := latest[rec.NodeID]
		if !ok || rec.Attempt > cur.Attempt {
			latest[rec.NodeID] = rec
		}
	}
	return latest, nil
}

func (r *MemoryTaskRecordRepository) HasRecord(ctx context.Context, runID, nodeID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rec := range r.records {
		if rec.RunID == runID && rec.NodeID == nodeID {
			return true, nil
		}
	}
	return false, nil
}

// MemoryWorkerRepository is an in-memory WorkerRepository.
type MemoryWorkerRepository struct {
	mu      sync.RWMutex
	workers map[string]*models.Worker
}

// NewMemoryWorkerRepository creates an empty in-memory worker repository.
func NewMemoryWorkerRepository() *MemoryWorkerRepository {
	return &MemoryWorkerRepository{workers: make(map[string]*models.Worker)}
}

func (r *MemoryWorkerRepository) Upsert(ctx context.Context, worker *models.Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *worker
	r.workers[worker.WorkerID] = &cp
	return nil
}

func (r *MemoryWorkerRepository) Get(ctx context.Context, workerID string) (*models.Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	worker, ok := r.workers[workerID]
	if !ok {
		return nil, fmt.Errorf("%w: worker %s", ErrNotFound, workerID)
	}
	cp := *worker
	return &cp, nil
}

func (r *MemoryWorkerRepository) List(ctx context.Context) ([]*models.Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Worker
	for _, worker := range r.workers {
		cp := *worker
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

func (r *MemoryWorkerRepository) MarkOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var flipped int64
	for _, worker := range r.workers {
		if worker.Status != models.WorkerOffline && worker.LastHeartbeat.Before(cutoff) {
			worker.Status = models.WorkerOffline
			flipped++
		}
	}
	return flipped, nil
}

func (r *MemoryWorkerRepository) Delete(ctx context.Context, workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workers[workerID]; !ok {
		return fmt.Errorf("%w: worker %s", ErrNotFound, workerID)
	}
	delete(r.workers, workerID)
	return nil
}

// MemoryDeferredEmailRepository is an in-memory DeferredEmailRepository.
type MemoryDeferredEmailRepository struct {
	mu     sync.RWMutex
	emails map[string]*models.DeferredEmail
}

// NewMemoryDeferredEmailRepository creates an empty in-memory deferred
// email repository.
func NewMemoryDeferredEmailRepository() *MemoryDeferredEmailRepository {
	return &MemoryDeferredEmailRepository{emails: make(map[string]*models.DeferredEmail)}
}

func (r *MemoryDeferredEmailRepository) Create(ctx context.Context, email *models.DeferredEmail) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if email.ID == "" {
		email.ID = uuid.New().String()
	}
	cp := *email
	r.emails[email.ID] = &cp
	return nil
}

func (r *MemoryDeferredEmailRepository) Get(ctx context.Context, id string) (*models.DeferredEmail, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	email, ok := r.emails[id]
	if !ok {
		return nil, fmt.Errorf("%w: deferred email %s", ErrNotFound, id)
	}
	cp := *email
	return &cp, nil
}

func (r *MemoryDeferredEmailRepository) ListDue(ctx context.Context, from, to time.Time) ([]*models.DeferredEmail, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.DeferredEmail
	for _, email := range r.emails {
		if email.Status != models.DeferredPending {
			continue
		}
		if email.FireAt.Before(from) || email.FireAt.After(to) {
			continue
		}
		cp := *email
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out, nil
}

func (r *MemoryDeferredEmailRepository) MarkSent(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	email, ok := r.emails[id]
	if !ok {
		return fmt.Errorf("%w: deferred email %s", ErrNotFound, id)
	}
	if email.Status != models.DeferredPending {
		return state.ErrOptimisticLock
	}
	email.Status = models.DeferredSent
	t := at
	email.SentAt = &t
	return nil
}

func (r *MemoryDeferredEmailRepository) MarkFailed(ctx context.Context, id string, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	email, ok := r.emails[id]
	if !ok {
		return fmt.Errorf("%w: deferred email %s", ErrNotFound, id)
	}
	if email.Status != models.DeferredPending && email.Status != models.DeferredSent {
		return state.ErrOptimisticLock
	}
	email.Status = models.DeferredFailed
	email.ErrorMessage = errMsg
	email.SentAt = nil
	return nil
}

func (r *MemoryDeferredEmailRepository) CancelPendingByRun(ctx context.Context, runID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, email := range r.emails {
		if email.RunID == runID && email.Status == models.DeferredPending {
			email.Status = models.DeferredCancelled
			n++
		}
	}
	return n, nil
}

func (r *MemoryDeferredEmailRepository) LatestPendingFireAt(ctx context.Context, runID string) (*time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *time.Time
	for _, email := range r.emails {
		if email.RunID != runID || email.Status != models.DeferredPending {
			continue
		}
		if latest == nil || email.FireAt.After(*latest) {
			t := email.FireAt
			latest = &t
		}
	}
	return latest, nil
}

func (r *MemoryDeferredEmailRepository) ListByRun(ctx context.Context, runID string) ([]*models.DeferredEmail, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.DeferredEmail
	for _, email := range r.emails {
		if email.RunID == runID {
			cp := *email
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out, nil
}

// MemorySMTPSettingsRepository is an in-memory SMTPSettingsRepository.
type MemorySMTPSettingsRepository struct {
	mu       sync.RWMutex
	settings map[string]*SMTPSettingsModel
}

// NewMemorySMTPSettingsRepository creates an empty in-memory SMTP
// settings repository.
func NewMemorySMTPSettingsRepository() *MemorySMTPSettingsRepository {
	return &MemorySMTPSettingsRepository{settings: make(map[string]*SMTPSettingsModel)}
}

func (r *MemorySMTPSettingsRepository) Upsert(ctx context.Context, settings *SMTPSettingsModel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *settings
	r.settings[strings.ToLower(settings.Owner)] = &cp
	return nil
}

func (r *MemorySMTPSettingsRepository) Get(ctx context.Context, owner string) (*SMTPSettingsModel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	settings, ok := r.settings[strings.ToLower(owner)]
	if !ok {
		return nil, fmt.Errorf("%w: SMTP settings for %s", ErrNotFound, owner)
	}
	cp := *settings
	return &cp, nil
}

func (r *MemorySMTPSettingsRepository) Delete(ctx context.Context, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := strings.ToLower(owner)
	if _, ok := r.settings[key]; !ok {
		return fmt.Errorf("%w: SMTP settings for %s", ErrNotFound, owner)
	}
	delete(r.settings, key)
	return nil
}
