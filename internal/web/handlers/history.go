package handlers

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/saltyorg/txmanager/internal/database"
	"github.com/saltyorg/txmanager/internal/txmanager"
)

const maxHistoryPageSize = 500

// History lists archived transactions, newest first.
// Query parameters: status, limit, offset.
func (h *Handlers) History(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		h.jsonError(w, "History is not enabled", http.StatusNotFound)
		return
	}

	status := r.URL.Query().Get("status")
	switch status {
	case "", txmanager.StatusCommitted.String(), txmanager.StatusRolledBack.String(), txmanager.StatusFailed.String():
	default:
		h.jsonError(w, "Invalid status filter", http.StatusBadRequest)
		return
	}

	limit := min(queryInt(r, "limit", 50), maxHistoryPageSize)
	offset := queryInt(r, "offset", 0)

	entries, err := h.db.ListTransactionHistory(database.HistoryFilter{
		Status: status,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to list transaction history")
		h.jsonError(w, "Failed to load transaction history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []*database.HistoryEntry{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"limit":   limit,
		"offset":  offset,
	})
}

// HistoryStats summarizes archived outcomes over ?window= (default 24h)
func (h *Handlers) HistoryStats(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		h.jsonError(w, "History is not enabled", http.StatusNotFound)
		return
	}

	window := queryDuration(r, "window", 24*time.Hour)
	stats, err := h.db.GetHistoryStats(window)
	if err != nil {
		log.Error().Err(err).Msg("Failed to summarize transaction history")
		h.jsonError(w, "Failed to load history stats", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"window": window.String(),
		"stats":  stats,
	})
}
