package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/saltyorg/txmanager/internal/database"
	"github.com/saltyorg/txmanager/internal/txmanager"
)

// VersionInfo holds application version information
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Handlers contains all HTTP handlers
type Handlers struct {
	manager *txmanager.Manager
	db      *database.DB

	versionMu   sync.RWMutex
	versionInfo VersionInfo
}

// New creates a new Handlers instance. db may be nil, in which case only
// in-memory stats are served.
func New(manager *txmanager.Manager, db *database.DB) *Handlers {
	return &Handlers{
		manager: manager,
		db:      db,
	}
}

// SetVersionInfo sets the application version information
func (h *Handlers) SetVersionInfo(version, commit, date string) {
	h.versionMu.Lock()
	h.versionInfo = VersionInfo{Version: version, Commit: commit, Date: date}
	h.versionMu.Unlock()
}

// Version returns build information
func (h *Handlers) Version(w http.ResponseWriter, r *http.Request) {
	h.versionMu.RLock()
	info := h.versionInfo
	h.versionMu.RUnlock()
	h.writeJSON(w, http.StatusOK, info)
}

// Health reports whether the manager is accepting work
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"available_slots": h.manager.AvailableSlots(),
	})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write JSON response")
	}
}

// jsonError writes a JSON error response
func (h *Handlers) jsonError(w http.ResponseWriter, message string, status int) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// jsonSuccess writes a JSON success response
func (h *Handlers) jsonSuccess(w http.ResponseWriter, message string) {
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": message})
}

// queryInt parses a non-negative integer query parameter
func queryInt(r *http.Request, key string, defaultVal int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v >= 0 {
		return v
	}
	return defaultVal
}

// queryDuration parses a duration query parameter
func queryDuration(r *http.Request, key string, defaultVal time.Duration) time.Duration {
	if v, err := time.ParseDuration(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return defaultVal
}
