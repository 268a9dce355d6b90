package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/canopyflow/canopy/internal/state"
	"github.com/canopyflow/canopy/pkg/models"
)

type taskRecordRepository struct {
	db      *gorm.DB
	machine *state.TaskMachine
}

// NewTaskRecordRepository creates a new task record repository
func NewTaskRecordRepository(db *gorm.DB) TaskRecordRepository {
	return &taskRecordRepository{db: db, machine: state.NewTaskMachine()}
}

func (r *taskRecordRepository) Append(ctx context.Context, record *models.TaskRecord) error {
	model, err := FromTaskRecord(record)
	if err != nil {
		return fmt.Errorf("failed to convert task record to model: %w", err)
	}

	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("failed to append task record: %w", err)
	}

	record.ID = model.ID.String()

	return nil
}

func (r *taskRecordRepository) Get(ctx context.Context, id string) (*models.TaskRecord, error) {
	recordID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid task record ID %q", ErrInvalidInput, id)
	}

	var model TaskRecordModel
	if err := r.db.WithContext(ctx).Where("id = ?", recordID).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("%w: task record %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get task record: %w", err)
	}

	return model.ToTaskRecord(), nil
}

func (r *taskRecordRepository) UpdateStatus(ctx context.Context, id string, oldStatus, newStatus models.State, res TaskResult) error {
	recordID, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("%w: invalid task record ID %q", ErrInvalidInput, id)
	}

	if err := r.machine.ValidateTransition(oldStatus, newStatus); err != nil {
		return err
	}

	updates := map[string]interface{}{
		"status": string(newStatus),
	}
	if res.CompletedAt != nil {
		updates["completed_at"] = *res.CompletedAt
	}
	if res.Output != "" {
		updates["output"] = res.Output
	}
	if res.Error != "" {
		updates["error"] = res.Error
	}

	result := r.db.WithContext(ctx).
		Model(&TaskRecordModel{}).
		Where("id = ? AND status = ?", recordID, string(oldStatus)).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update task record status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return state.ErrOptimisticLock
	}

	return nil
}

func (r *taskRecordRepository) ListByRun(ctx context.Context, runID string) ([]*models.TaskRecord, error) {
	rid, err := uuid.Parse(runID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid run ID %q", ErrInvalidInput, runID)
	}

	var recordModels []TaskRecordModel
	err = r.db.WithContext(ctx).
		Where("run_id = ?", rid).
		Order("created_at ASC").
		Find(&recordModels).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list task records: %w", err)
	}

	records := make([]*models.TaskRecord, len(recordModels))
	for i := range recordModels {
		records[i] = recordModels[i].ToTaskRecord()
	}

	return records, nil
}

func (r *taskRecordRepository) LatestPerNode(ctx context.Context, runID string) (map[string]*models.TaskRecord, error) {
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

func (r *taskRecordRepository) HasRecord(ctx context.Context, runID, nodeID string) (bool, error) {
	rid, err := uuid.Parse(runID)
	if err != nil {
		return false, fmt.Errorf("%w: invalid run ID %q", ErrInvalidInput, runID)
	}

	var count int64
	err = r.db.WithContext(ctx).
		Model(&TaskRecordModel{}).
		Where("run_id = ? AND node_id = ?", rid, nodeID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check task record existence: %w", err)
	}

	return count > 0, nil
}
