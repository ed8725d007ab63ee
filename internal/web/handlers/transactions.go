package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/txmanager/internal/txmanager"
)

// PoolStatus is the connection pool snapshot served by /api/pool
type PoolStatus struct {
	PoolSize       int `json:"pool_size"`
	AvailableSlots int `json:"available_slots"`
	Waiting        int `json:"waiting"`
	Active         int `json:"active"`
}

// Pool returns pool occupancy
func (h *Handlers) Pool(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, PoolStatus{
		PoolSize:       h.manager.PoolSize(),
		AvailableSlots: h.manager.AvailableSlots(),
		Waiting:        h.manager.Waiting(),
		Active:         len(h.manager.ActiveTransactions()),
	})
}

// ActiveTransactions lists live transactions, oldest first
func (h *Handlers) ActiveTransactions(w http.ResponseWriter, r *http.Request) {
	active := h.manager.ActiveTransactions()
	stats := make([]txmanager.Stats, 0, len(active))
	for _, tx := range active {
		stats = append(stats, tx.Stats())
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// RecentTransactions lists finished transactions still held in memory
func (h *Handlers) RecentTransactions(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.manager.FinishedStats())
}

// GetTransaction returns stats for one transaction. The manager's live and
// retained stats are consulted first, then the history archive.
func (h *Handlers) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if stats, ok := h.manager.TransactionStats(txmanager.ID(id)); ok {
		h.writeJSON(w, http.StatusOK, stats)
		return
	}

	if h.db != nil {
		entry, err := h.db.GetTransactionHistory(id)
		if err != nil {
			log.Error().Err(err).Str("transaction_id", id).Msg("Failed to load transaction history")
			h.jsonError(w, "Failed to load transaction", http.StatusInternalServerError)
			return
		}
		if entry != nil {
			h.writeJSON(w, http.StatusOK, entry)
			return
		}
	}

	h.jsonError(w, "Transaction not found", http.StatusNotFound)
}

// RollbackTransaction force-rolls back an active transaction
func (h *Handlers) RollbackTransaction(w http.ResponseWriter, r *http.Request) {
	id := txmanager.ID(chi.URLParam(r, "id"))

	var target *txmanager.Transaction
	for _, tx := range h.manager.ActiveTransactions() {
		if tx.ID() == id {
			target = tx
			break
		}
	}
	if target == nil {
		h.jsonError(w, "Transaction not active", http.StatusNotFound)
		return
	}

	if err := target.Rollback(r.Context()); err != nil {
		if errors.Is(err, txmanager.ErrInactiveTransaction) {
			h.jsonError(w, "Transaction not active", http.StatusConflict)
			return
		}
		log.Error().Err(err).Str("transaction_id", string(id)).Msg("Forced rollback failed")
		h.jsonError(w, "Rollback failed", http.StatusInternalServerError)
		return
	}

	log.Info().Str("transaction_id", string(id)).Msg("Transaction rolled back via API")
	h.jsonSuccess(w, "Transaction rolled back")
}

// ManagerConfig returns the running manager configuration
func (h *Handlers) ManagerConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.manager.Config()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"max_concurrent_transactions": cfg.MaxConcurrentTransactions,
		"default_isolation_level":     cfg.DefaultIsolationLevel.String(),
		"default_timeout":             cfg.DefaultTimeout.String(),
		"retry_attempts":              cfg.RetryAttempts,
		"base_backoff":                cfg.BaseBackoff.String(),
		"max_backoff":                 cfg.MaxBackoff.String(),
		"max_stats_entries":           cfg.MaxStatsEntries,
	})
}
