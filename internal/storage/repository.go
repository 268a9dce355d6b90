package storage

import (
	"context"
	"time"

	"github.com/canopyflow/canopy/pkg/models"
)

// DAGRepository defines the interface for DAG persistence
type DAGRepository interface {
	Create(ctx context.Context, dag *models.DAG) error
	Get(ctx context.Context, id string) (*models.DAG, error)
	GetByName(ctx context.Context, owner, name string) (*models.DAG, error)
	GetByTriggerToken(ctx context.Context, token string) (*models.DAG, error)
	GetByTriggerPath(ctx context.Context, path string) (*models.DAG, error)
	List(ctx context.Context, filters DAGFilters) ([]*models.DAG, error)
	Update(ctx context.Context, dag *models.DAG) error
	Delete(ctx context.Context, id string) error
	SetActive(ctx context.Context, id string, active bool) error
}

// DAGFilters defines filters for listing DAGs
type DAGFilters struct {
	Owner  string
	Active *bool
	Limit  int
	Offset int
}

// RunRepository defines the interface for run persistence
type RunRepository interface {
	Create(ctx context.Context, run *models.Run) error
	Get(ctx context.Context, id string) (*models.Run, error)
	List(ctx context.Context, filters RunFilters) ([]*models.Run, error)
	// UpdateStatus moves a run between states with a compare-and-set on
	// the current status. Returns state.ErrOptimisticLock when another
	// writer got there first.
	UpdateStatus(ctx context.Context, id string, oldStatus, newStatus models.State) error
	// MarkStarted backfills started_at, only if it is still unset.
	MarkStarted(ctx context.Context, id string, at time.Time) error
	MarkCompleted(ctx context.Context, id string, at time.Time) error
	// ListUnfinished returns runs that have not reached a terminal state,
	// queued at or before the cutoff. Zero cutoff means no age filter.
	ListUnfinished(ctx context.Context, queuedBefore time.Time) ([]*models.Run, error)
}

// RunFilters defines filters for listing runs
type RunFilters struct {
	DAGID  string
	Owner  string
	Status *models.State
	Limit  int
	Offset int
}

// TaskResult carries the outcome fields written alongside a task record
// status change.
type TaskResult struct {
	CompletedAt *time.Time
	Output      string
	Error       string
}

// TaskRecordRepository defines the interface for task record persistence.
// Records are append-only: one row per attempt, status changes go through
// per-row compare-and-set updates.
type TaskRecordRepository interface {
	Append(ctx context.Context, record *models.TaskRecord) error
	Get(ctx context.Context, id string) (*models.TaskRecord, error)
	// UpdateStatus is a compare-and-set on one record's status. Returns
	// state.ErrOptimisticLock when the record is no longer in oldStatus.
	UpdateStatus(ctx context.Context, id string, oldStatus, newStatus models.State, result TaskResult) error
	ListByRun(ctx context.Context, runID string) ([]*models.TaskRecord, error)
	// LatestPerNode returns, for each node that has at least one record
	// in the run, the record with the highest attempt number.
	LatestPerNode(ctx context.Context, runID string) (map[string]*models.TaskRecord, error)
	// HasRecord reports whether any record exists for the node in the
	// run, regardless of attempt or status.
	HasRecord(ctx context.Context, runID, nodeID string) (bool, error)
}

// WorkerRepository defines the interface for worker heartbeat persistence
type WorkerRepository interface {
	Upsert(ctx context.Context, worker *models.Worker) error
	Get(ctx context.Context, workerID string) (*models.Worker, error)
	List(ctx context.Context) ([]*models.Worker, error)
	// MarkOffline flips workers whose last heartbeat is older than the
	// cutoff to offline and returns how many were flipped.
	MarkOffline(ctx context.Context, cutoff time.Time) (int64, error)
	Delete(ctx context.Context, workerID string) error
}

// DeferredEmailRepository defines the interface for deferred email persistence
type DeferredEmailRepository interface {
	Create(ctx context.Context, email *models.DeferredEmail) error
	Get(ctx context.Context, id string) (*models.DeferredEmail, error)
	// ListDue returns pending emails with fire_at in [from, to].
	ListDue(ctx context.Context, from, to time.Time) ([]*models.DeferredEmail, error)
	// MarkSent is a compare-and-set from pending to sent. Returns
	// state.ErrOptimisticLock when the email is no longer pending.
	MarkSent(ctx context.Context, id string, at time.Time) error
	// MarkFailed moves a pending or sent email to failed. The sent case
	// covers a sweeper that claimed the row and then lost the SMTP send.
	MarkFailed(ctx context.Context, id string, errMsg string) error
	// CancelPendingByRun flips the run's pending emails to cancelled,
	// returning how many rows changed. Forced run termination uses this
	// so no email of a closed run ever fires.
	CancelPendingByRun(ctx context.Context, runID string) (int64, error)
	// LatestPendingFireAt returns the latest fire_at across the run's
	// pending emails, or nil when the run has none.
	LatestPendingFireAt(ctx context.Context, runID string) (*time.Time, error)
	ListByRun(ctx context.Context, runID string) ([]*models.DeferredEmail, error)
}

// SMTPSettingsRepository defines the interface for per-user SMTP credentials
type SMTPSettingsRepository interface {
	Upsert(ctx context.Context, settings *SMTPSettingsModel) error
	Get(ctx context.Context, owner string) (*SMTPSettingsModel, error)
	Delete(ctx context.Context, owner string) error
}
