package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/txmanager/internal/database"
	"github.com/saltyorg/txmanager/internal/logging"
	"github.com/saltyorg/txmanager/internal/txmanager"
)

var validate = validator.New()

// SettingUpdate is the body accepted by PUT /api/settings
type SettingUpdate struct {
	Key   string `json:"key" validate:"required,max=128"`
	Value string `json:"value" validate:"max=1024"`
}

// Settings returns every stored setting
func (h *Handlers) Settings(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		h.jsonError(w, "Settings are not enabled", http.StatusNotFound)
		return
	}

	settings, err := h.db.GetAllSettings()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load settings")
		h.jsonError(w, "Failed to load settings", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, settings)
}

// UpdateSetting stores one setting. Log level changes apply immediately;
// manager settings apply on the next restart.
func (h *Handlers) UpdateSetting(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		h.jsonError(w, "Settings are not enabled", http.StatusNotFound)
		return
	}

	var req SettingUpdate
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		h.jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		h.jsonError(w, validationMessage(err), http.StatusBadRequest)
		return
	}
	if err := checkSettingValue(req.Key, req.Value); err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.db.SetSetting(req.Key, req.Value); err != nil {
		log.Error().Err(err).Str("key", req.Key).Msg("Failed to save setting")
		h.jsonError(w, "Failed to save setting", http.StatusInternalServerError)
		return
	}

	if req.Key == "log.level" {
		logging.SetLevel(req.Value)
	}

	log.Info().Str("key", req.Key).Str("value", req.Value).Msg("Setting updated")
	h.jsonSuccess(w, "Setting saved")
}

// checkSettingValue rejects unknown keys and values that the typed loader
// would silently replace with a default.
func checkSettingValue(key, value string) error {
	def, ok := database.DefaultSettings()[key]
	if !ok {
		return fmt.Errorf("unknown setting %q", key)
	}

	switch key {
	case "log.level":
		if err := validate.Var(value, "oneof=trace debug info warn error"); err != nil {
			return fmt.Errorf("log.level must be one of trace, debug, info, warn, error")
		}
		return nil
	case database.SettingMaintenanceCron:
		if _, err := cron.ParseStandard(value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		return nil
	case "txmanager.default_isolation_level":
		_, err := txmanager.ParseIsolationLevel(value)
		return err
	}

	switch d := def.(type) {
	case int:
		if err := validate.Var(value, "number"); err != nil {
			return fmt.Errorf("%s must be an integer", key)
		}
	case bool:
		if err := validate.Var(value, "boolean"); err != nil {
			return fmt.Errorf("%s must be true or false", key)
		}
	case string:
		if _, err := time.ParseDuration(d); err == nil {
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("%s must be a duration such as 30s", key)
			}
		}
	}
	return nil
}

func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
	return "Invalid request"
}
