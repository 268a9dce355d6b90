package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/canopyflow/canopy/pkg/models"
)

type dagRepository struct {
	db *gorm.DB
}

// NewDAGRepository creates a new DAG repository
func NewDAGRepository(db *gorm.DB) DAGRepository {
	return &dagRepository{db: db}
}

func (r *dagRepository) Create(ctx context.Context, dag *models.DAG) error {
	model, err := FromDAG(dag)
	if err != nil {
		return fmt.Errorf("failed to convert DAG to model: %w", err)
	}

	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("failed to create DAG: %w", err)
	}

	dag.ID = model.ID.String()
	dag.CreatedAt = model.CreatedAt
	dag.UpdatedAt = model.UpdatedAt

	return nil
}

func (r *dagRepository) Get(ctx context.Context, id string) (*models.DAG, error) {
	dagID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid DAG ID %q", ErrInvalidInput, id)
	}

	var model DAGModel
	if err := r.db.WithContext(ctx).Where("id = ?", dagID).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("%w: DAG %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get DAG: %w", err)
	}

	return model.ToDAG()
}

func (r *dagRepository) GetByName(ctx context.Context, owner, name string) (*models.DAG, error) {
	var model DAGModel
	err := r.db.WithContext(ctx).
		Where("owner = ? AND name = ?", owner, name).
		First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("%w: DAG %s/%s", ErrNotFound, owner, name)
		}
		return nil, fmt.Errorf("failed to get DAG by name: %w", err)
	}

	return model.ToDAG()
}

func (r *dagRepository) GetByTriggerToken(ctx context.Context, token string) (*models.DAG, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty trigger token", ErrInvalidInput)
	}

	var model DAGModel
	err := r.db.WithContext(ctx).
		Where("trigger_token = ?", token).
		First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("%w: no DAG for trigger token", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get DAG by trigger token: %w", err)
	}

	return model.ToDAG()
}

func (r *dagRepository) GetByTriggerPath(ctx context.Context, path string) (*models.DAG, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty trigger path", ErrInvalidInput)
	}

	var model DAGModel
	err := r.db.WithContext(ctx).
		Where("trigger_path = ?", path).
		First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("%w: no DAG for trigger path %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to get DAG by trigger path: %w", err)
	}

	return model.ToDAG()
}

func (r *dagRepository) List(ctx context.Context, filters DAGFilters) ([]*models.DAG, error) {
	query := r.db.WithContext(ctx).Model(&DAGModel{})

	if filters.Owner != "" {
		query = query.Where("owner = ?", filters.Owner)
	}
	if filters.Active != nil {
		query = query.Where("active = ?", *filters.Active)
	}

	query = query.Order("name ASC")

	if filters.Limit > 0 {
		query = query.Limit(filters.Limit)
	}
	if filters.Offset > 0 {
		query = query.Offset(filters.Offset)
	}

	var dagModels []DAGModel
	if err := query.Find(&dagModels).Error; err != nil {
		return nil, fmt.Errorf("failed to list DAGs: %w", err)
	}

	dags := make([]*models.DAG, 0, len(dagModels))
	for i := range dagModels {
		dag, err := dagModels[i].ToDAG()
		if err != nil {
			return nil, fmt.Errorf("failed to convert DAG %s: %w", dagModels[i].ID, err)
		}
		dags = append(dags, dag)
	}

	return dags, nil
}

func (r *dagRepository) Update(ctx context.Context, dag *models.DAG) error {
	dagID, err := uuid.Parse(dag.ID)
	if err != nil {
		return fmt.Errorf("%w: invalid DAG ID %q", ErrInvalidInput, dag.ID)
	}

	model, err := FromDAG(dag)
	if err != nil {
		return fmt.Errorf("failed to convert DAG to model: %w", err)
	}
	model.ID = dagID

	result := r.db.WithContext(ctx).
		Model(&DAGModel{}).
		Where("id = ?", dagID).
		Select("Name", "Description", "Nodes", "Edges", "Schedule", "RetryPolicy",
			"Trigger", "TriggerToken", "TriggerPath", "Active", "UpdatedAt").
		Updates(model)
	if result.Error != nil {
		return fmt.Errorf("failed to update DAG: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: DAG %s", ErrNotFound, dag.ID)
	}

	return nil
}

func (r *dagRepository) Delete(ctx context.Context, id string) error {
	dagID, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("%w: invalid DAG ID %q", ErrInvalidInput, id)
	}

	result := r.db.WithContext(ctx).Where("id = ?", dagID).Delete(&DAGModel{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete DAG: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: DAG %s", ErrNotFound, id)
	}

	return nil
}

func (r *dagRepository) SetActive(ctx context.Context, id string, active bool) error {
	dagID, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("%w: invalid DAG ID %q", ErrInvalidInput, id)
	}

	result := r.db.WithContext(ctx).
		Model(&DAGModel{}).
		Where("id = ?", dagID).
		Update("active", active)
	if result.Error != nil {
		return fmt.Errorf("failed to set DAG active flag: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: DAG %s", ErrNotFound, id)
	}

	return nil
}
