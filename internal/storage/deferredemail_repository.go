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

type deferredEmailRepository struct {
	db *gorm.DB
}

// NewDeferredEmailRepository creates a new deferred email repository
func NewDeferredEmailRepository(db *gorm.DB) DeferredEmailRepository {
	return &deferredEmailRepository{db: db}
}

func (r *deferredEmailRepository) Create(ctx context.Context, email *models.DeferredEmail) error {
	model, err := FromDeferredEmail(email)
	if err != nil {
		return fmt.Errorf("failed to convert deferred email to model: %w", err)
	}

	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("failed to create deferred email: %w", err)
	}

	email.ID = model.ID.String()

	return nil
}

func (r *deferredEmailRepository) Get(ctx context.Context, id string) (*models.DeferredEmail, error) {
	emailID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid deferred email ID %q", ErrInvalidInput, id)
	}

	var model DeferredEmailModel
	if err := r.db.WithContext(ctx).Where("id = ?", emailID).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("%w: deferred email %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get deferred email: %w", err)
	}

	return model.ToDeferredEmail(), nil
}

func (r *deferredEmailRepository) ListDue(ctx context.Context, from, to time.Time) ([]*models.DeferredEmail, error) {
	var emailModels []DeferredEmailModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND fire_at >= ? AND fire_at <= ?", string(models.DeferredPending), from, to).
		Order("fire_at ASC").
		Find(&emailModels).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list due deferred emails: %w", err)
	}

	emails := make([]*models.DeferredEmail, len(emailModels))
	for i := range emailModels {
		emails[i] = emailModels[i].ToDeferredEmail()
	}

	return emails, nil
}

// MarkSent is the claim step of the sweep. Only one sweeper can move a
// pending email to sent; losers get ErrOptimisticLock and skip the send.
func (r *deferredEmailRepository) MarkSent(ctx context.Context, id string, at time.Time) error {
	emailID, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("%w: invalid deferred email ID %q", ErrInvalidInput, id)
	}

	result := r.db.WithContext(ctx).
		Model(&DeferredEmailModel{}).
		Where("id = ? AND status = ?", emailID, string(models.DeferredPending)).
		Updates(map[string]interface{}{
			"status":  string(models.DeferredSent),
			"sent_at": at,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark deferred email sent: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return state.ErrOptimisticLock
	}

	return nil
}

func (r *deferredEmailRepository) MarkFailed(ctx context.Context, id string, errMsg string) error {
	emailID, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("%w: invalid deferred email ID %q", ErrInvalidInput, id)
	}

	// Accepts pending or sent: a sweeper that claimed the row and then
	// failed the SMTP send flips it from sent to failed.
	result := r.db.WithContext(ctx).
		Model(&DeferredEmailModel{}).
		Where("id = ? AND status IN ?", emailID, []string{string(models.DeferredPending), string(models.DeferredSent)}).
		Updates(map[string]interface{}{
			"status":        string(models.DeferredFailed),
			"error_message": errMsg,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark deferred email failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return state.ErrOptimisticLock
	}

	return nil
}

// CancelPendingByRun flips every pending email of the run to cancelled.
// Called when a run is forced closed so no orphaned email fires later.
// Sent and failed rows are left alone.
func (r *deferredEmailRepository) CancelPendingByRun(ctx context.Context, runID string) (int64, error) {
	rid, err := uuid.Parse(runID)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid run ID %q", ErrInvalidInput, runID)
	}

	result := r.db.WithContext(ctx).
		Model(&DeferredEmailModel{}).
		Where("run_id = ? AND status = ?", rid, string(models.DeferredPending)).
		Update("status", string(models.DeferredCancelled))
	if result.Error != nil {
		return 0, fmt.Errorf("failed to cancel pending deferred emails: %w", result.Error)
	}

	return result.RowsAffected, nil
}

func (r *deferredEmailRepository) LatestPendingFireAt(ctx context.Context, runID string) (*time.Time, error) {
	rid, err := uuid.Parse(runID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid run ID %q", ErrInvalidInput, runID)
	}

	var model DeferredEmailModel
	err = r.db.WithContext(ctx).
		Where("run_id = ? AND status = ?", rid, string(models.DeferredPending)).
		Order("fire_at DESC").
		First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query pending deferred emails: %w", err)
	}

	fireAt := model.FireAt
	return &fireAt, nil
}

func (r *deferredEmailRepository) ListByRun(ctx context.Context, runID string) ([]*models.DeferredEmail, error) {
	rid, err := uuid.Parse(runID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid run ID %q", ErrInvalidInput, runID)
	}

	var emailModels []DeferredEmailModel
	err = r.db.WithContext(ctx).
		Where("run_id = ?", rid).
		Order("fire_at ASC").
		Find(&emailModels).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list deferred emails for run: %w", err)
	}

	emails := make([]*models.DeferredEmail, len(emailModels))
	for i := range emailModels {
		emails[i] = emailModels[i].ToDeferredEmail()
	}

	return emails, nil
}
