package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/canopyflow/canopy/internal/state"
	"github.com/canopyflow/canopy/pkg/models"
)

type runRepository struct {
	db      *gorm.DB
	machine *state.RunMachine
}

// NewRunRepository creates a new run repository
func NewRunRepository(db *gorm.DB) RunRepository {
	return &runRepository{db: db, machine: state.NewRunMachine()}
}

func (r *runRepository) Create(ctx context.Context, run *models.Run) error {
	model, err := FromRun(run)
	if err != nil {
		return fmt.Errorf("failed to convert run to model: %w", err)
	}

	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	run.ID = model.ID.String()

	return nil
}

func (r *runRepository) Get(ctx context.Context, id string) (*models.Run, error) {
	runID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid run ID %q", ErrInvalidInput, id)
	}

	var model RunModel
	if err := r.db.WithContext(ctx).Where("id = ?", runID).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("%w: run %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return model.ToRun(), nil
}

func (r *runRepository) List(ctx context.Context, filters RunFilters) ([]*models.Run, error) {
	query := r.db.WithContext(ctx).Model(&RunModel{})

	if filters.DAGID != "" {
		dagID, err := uuid.Parse(filters.DAGID)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid DAG ID %q", ErrInvalidInput, filters.DAGID)
		}
		query = query.Where("dag_id = ?", dagID)
	}
	if filters.Owner != "" {
		query = query.Where("owner = ?", filters.Owner)
	}
	if filters.Status != nil {
		query = query.Where("status = ?", string(*filters.Status))
	}

	query = query.Order("queued_at DESC")

	if filters.Limit > 0 {
		query = query.Limit(filters.Limit)
	}
	if filters.Offset > 0 {
		query = query.Offset(filters.Offset)
	}

	var runModels []RunModel
	if err := query.Find(&runModels).Error; err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := make([]*models.Run, len(runModels))
	for i := range runModels {
		runs[i] = runModels[i].ToRun()
	}

	return runs, nil
}

func (r *runRepository) UpdateStatus(ctx context.Context, id string, oldStatus, newStatus models.State) error {
	runID, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("%w: invalid run ID %q", ErrInvalidInput, id)
	}

	if err := r.machine.ValidateTransition(oldStatus, newStatus); err != nil {
		return err
	}
	if oldStatus == newStatus {
		return nil
	}

	// Compare-and-set on the current status; a concurrent writer that
	// moved the run first wins.
	result := r.db.WithContext(ctx).
		Model(&RunModel{}).
		Where("id = ? AND status = ?", runID, string(oldStatus)).
		Updates(map[string]interface{}{
			"status":  string(newStatus),
			"version": gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update run status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return state.ErrOptimisticLock
	}

	return nil
}

func (r *runRepository) MarkStarted(ctx context.Context, id string, at time.Time) error {
	runID, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("%w: invalid run ID %q", ErrInvalidInput, id)
	}

	// Only the first writer sets started_at; later calls are no-ops.
	err = r.db.WithContext(ctx).
		Model(&RunModel{}).
		Where("id = ? AND started_at IS NULL", runID).
		Update("started_at", at).Error
	if err != nil {
		return fmt.Errorf("failed to mark run started: %w", err)
	}

	return nil
}

func (r *runRepository) MarkCompleted(ctx context.Context, id string, at time.Time) error {
	runID, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("%w: invalid run ID %q", ErrInvalidInput, id)
	}

	err = r.db.WithContext(ctx).
		Model(&RunModel{}).
		Where("id = ? AND completed_at IS NULL", runID).
		Update("completed_at", at).Error
	if err != nil {
		return fmt.Errorf("failed to mark run completed: %w", err)
	}

	return nil
}

func (r *runRepository) ListUnfinished(ctx context.Context, queuedBefore time.Time) ([]*models.Run, error) {
	query := r.db.WithContext(ctx).
		Model(&RunModel{}).
		Where("status IN ?", []string{
			string(models.StateQueued),
			string(models.StateRunning),
		})

	if !queuedBefore.IsZero() {
		query = query.Where("queued_at <= ?", queuedBefore)
	}

	var runModels []RunModel
	if err := query.Order("queued_at ASC").Find(&runModels).Error; err != nil {
		return nil, fmt.Errorf("failed to list unfinished runs: %w", err)
	}

	runs := make([]*models.Run, len(runModels))
	for i := range runModels {
		runs[i] = runModels[i].ToRun()
	}

	return runs, nil
}
