package storage

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type smtpSettingsRepository struct {
	db *gorm.DB
}

// NewSMTPSettingsRepository creates a new SMTP settings repository
func NewSMTPSettingsRepository(db *gorm.DB) SMTPSettingsRepository {
	return &smtpSettingsRepository{db: db}
}

func (r *smtpSettingsRepository) Upsert(ctx context.Context, settings *SMTPSettingsModel) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "owner"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"host", "port", "username", "encrypted_password", "from_address", "updated_at",
			}),
		}).
		Create(settings).Error
	if err != nil {
		return fmt.Errorf("failed to upsert SMTP settings: %w", err)
	}

	return nil
}

func (r *smtpSettingsRepository) Get(ctx context.Context, owner string) (*SMTPSettingsModel, error) {
	var model SMTPSettingsModel
	if err := r.db.WithContext(ctx).Where("owner = ?", owner).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("%w: SMTP settings for %s", ErrNotFound, owner)
		}
		return nil, fmt.Errorf("failed to get SMTP settings: %w", err)
	}

	return &model, nil
}

func (r *smtpSettingsRepository) Delete(ctx context.Context, owner string) error {
	result := r.db.WithContext(ctx).Where("owner = ?", owner).Delete(&SMTPSettingsModel{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete SMTP settings: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: SMTP settings for %s", ErrNotFound, owner)
	}

	return nil
}
