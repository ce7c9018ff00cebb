package db

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"sitebuilder/internal/auth"
	"sitebuilder/pkg/models"
)

// DefaultAdminPassword is used when ADMIN_PASSWORD is not set.
const DefaultAdminPassword = "admin"

// EnsureSettings returns the settings row, creating it with the admin
// password hashed on first use.
func (d *Database) EnsureSettings(ctx context.Context, adminPassword string) (*models.Settings, error) {
	var settings models.Settings
	err := d.DB.WithContext(ctx).First(&settings, "id = ?", models.SettingsID).Error
	if err == nil {
		return &settings, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if adminPassword == "" {
		adminPassword = DefaultAdminPassword
	}
	if adminPassword == DefaultAdminPassword {
		d.log.Warn("admin password is the default; change it from the dashboard")
	}
	hash, err := auth.HashPassword(adminPassword)
	if err != nil {
		return nil, err
	}
	settings = models.Settings{ID: models.SettingsID, AdminPassword: hash}
	if err := d.DB.WithContext(ctx).Create(&settings).Error; err != nil {
		return nil, err
	}
	d.log.Info("settings created", zap.String("id", settings.ID))
	return &settings, nil
}

// SetAdminPassword stores a new password hash.
func (d *Database) SetAdminPassword(ctx context.Context, hash string) error {
	res := d.DB.WithContext(ctx).Model(&models.Settings{}).Where("id = ?", models.SettingsID).Update("admin_password", hash)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
