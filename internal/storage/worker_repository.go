package storage

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/canopyflow/canopy/pkg/models"
)

type workerRepository struct {
	db *gorm.DB
}

// NewWorkerRepository creates a new worker repository
func NewWorkerRepository(db *gorm.DB) WorkerRepository {
	return &workerRepository{db: db}
}

func (r *workerRepository) Upsert(ctx context.Context, worker *models.Worker) error {
	model := FromWorker(worker)

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "worker_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "last_heartbeat", "cpu_load", "memory_mb",
				"tasks_in_progress", "tasks_completed", "tasks_failed", "updated_at",
			}),
		}).
		Create(model).Error
	if err != nil {
		return fmt.Errorf("failed to upsert worker: %w", err)
	}

	return nil
}

func (r *workerRepository) Get(ctx context.Context, workerID string) (*models.Worker, error) {
	var model WorkerModel
	if err := r.db.WithContext(ctx).Where("worker_id = ?", workerID).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("%w: worker %s", ErrNotFound, workerID)
		}
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}

	return model.ToWorker(), nil
}

func (r *workerRepository) List(ctx context.Context) ([]*models.Worker, error) {
	var workerModels []WorkerModel
	err := r.db.WithContext(ctx).
		Order("worker_id ASC").
		Find(&workerModels).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}

	workers := make([]*models.Worker, len(workerModels))
	for i := range workerModels {
		workers[i] = workerModels[i].ToWorker()
	}

	return workers, nil
}

func (r *workerRepository) MarkOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&WorkerModel{}).
		Where("last_heartbeat < ? AND status <> ?", cutoff, string(models.WorkerOffline)).
		Update("status", string(models.WorkerOffline))
	if result.Error != nil {
		return 0, fmt.Errorf("failed to mark workers offline: %w", result.Error)
	}

	return result.RowsAffected, nil
}

func (r *workerRepository) Delete(ctx context.Context, workerID string) error {
	result := r.db.WithContext(ctx).Where("worker_id = ?", workerID).Delete(&WorkerModel{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete worker: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: worker %s", ErrNotFound, workerID)
	}

	return nil
}
