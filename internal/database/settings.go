package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/saltyorg/txmanager/internal/logging"
	"github.com/saltyorg/txmanager/internal/txmanager"
)

// GetSetting retrieves a setting value by key
func (db *DB) GetSetting(key string) (string, error) {
	var value string
	err := db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, nil
}

// GetSettingJSON retrieves a setting and unmarshal it from JSON
func (db *DB) GetSettingJSON(key string, v any) error {
	value, err := db.GetSetting(key)
	if err != nil {
		return err
	}
	if value == "" {
		return nil
	}
	return json.Unmarshal([]byte(value), v)
}

// SetSetting stores a setting value
func (db *DB) SetSetting(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

// SetSettingJSON stores a setting as JSON
func (db *DB) SetSettingJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal setting %s: %w", key, err)
	}
	return db.SetSetting(key, string(data))
}

// GetAllSettings retrieves all settings
func (db *DB) GetAllSettings() (map[string]string, error) {
	rows, err := db.Query("SELECT key, value FROM settings")
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		settings[key] = value
	}

	return settings, rows.Err()
}

// DeleteSetting removes a setting
func (db *DB) DeleteSetting(key string) error {
	_, err := db.Exec("DELETE FROM settings WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("failed to delete setting %s: %w", key, err)
	}
	return nil
}

// Setting keys owned by the serve command
const (
	SettingHistoryRetention = "history.retention"
	SettingStatsRetention   = "stats.retention"
	SettingMaintenanceCron  = "maintenance.schedule"
)

// DefaultSettings returns the seed values written by InitializeDefaults.
func DefaultSettings() map[string]any {
	rot := logging.DefaultRotation()
	defaults := map[string]any{
		"log.level":             "info",
		"log.max_size_mb":       rot.MaxSizeMB,
		"log.max_backups":       rot.MaxBackups,
		"log.max_age_days":      rot.MaxAgeDays,
		"log.compress":          rot.Compress,
		SettingHistoryRetention: "168h", // 0 = keep history forever
		SettingStatsRetention:   "1h",
		SettingMaintenanceCron:  "@every 15m",
	}
	maps.Copy(defaults, txmanager.SettingsDefaults())
	return defaults
}

// InitializeDefaults sets default values for settings that don't exist.
// Strings are stored verbatim so the config loader can read them back
// without unquoting; everything else is stored as JSON.
func (db *DB) InitializeDefaults() error {
	for key, value := range DefaultSettings() {
		existing, err := db.GetSetting(key)
		if err != nil {
			return err
		}
		if existing != "" {
			continue
		}
		if s, ok := value.(string); ok {
			err = db.SetSetting(key, s)
		} else {
			err = db.SetSettingJSON(key, value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
