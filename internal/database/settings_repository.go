package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/jmoiron/sqlx"
)

// Well-known system_settings keys used by the generator pipeline.
const (
	SettingProcessorStatus    = "processor_status"
	SettingProcessorProcessed = "processor_processed_total"
	SettingProcessorFailed    = "processor_failed_total"
	SettingProcessorSpeed     = "processor_speed"

	SettingProcessorConcurrency = "processor.concurrency"
	SettingBatchSize            = "processor.batch_size"
	SettingMinParagraphLen      = "processor.min_paragraph_length"
	SettingRetryMax             = "processor.retry_max"
)

// SettingsRepository handles the system_settings key/value table.
type SettingsRepository struct {
	db *sqlx.DB
}

// NewSettingsRepository creates a new settings repository.
func NewSettingsRepository(db *sqlx.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Setting value types stored in the setting_type column.
const (
	settingTypeString  = "string"
	settingTypeInteger = "integer"
)

// Get returns the raw value for key, or fallback when the key is absent.
func (r *SettingsRepository) Get(ctx context.Context, key, fallback string) (string, error) {
	var value string
	query := `SELECT setting_value FROM system_settings WHERE setting_key = $1`
	err := r.db.GetContext(ctx, &value, query, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fallback, nil
		}
		return "", fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, nil
}

// GetInt returns the value for key parsed as an integer.
func (r *SettingsRepository) GetInt(ctx context.Context, key string, fallback int64) (int64, error) {
	raw, err := r.Get(ctx, key, strconv.FormatInt(fallback, 10))
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("setting %s is not an integer: %w", key, err)
	}
	return value, nil
}

// Set upserts one string key.
func (r *SettingsRepository) Set(ctx context.Context, key, value string) error {
	return r.set(ctx, key, value, settingTypeString)
}

// SetInt upserts one integer key.
func (r *SettingsRepository) SetInt(ctx context.Context, key string, value int64) error {
	return r.set(ctx, key, strconv.FormatInt(value, 10), settingTypeInteger)
}

func (r *SettingsRepository) set(ctx context.Context, key, value, typ string) error {
	query := `
		INSERT INTO system_settings (setting_key, setting_value, setting_type, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (setting_key)
		DO UPDATE SET setting_value = EXCLUDED.setting_value,
		              setting_type = EXCLUDED.setting_type,
		              updated_at = NOW()
	`
	if _, err := r.db.ExecContext(ctx, query, key, value, typ); err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}
