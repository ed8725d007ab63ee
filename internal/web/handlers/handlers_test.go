package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/saltyorg/txmanager/internal/database"
	"github.com/saltyorg/txmanager/internal/txmanager"
)

type nopDB struct{}

func (nopDB) Begin(context.Context, txmanager.BeginOptions) (txmanager.Session, error) {
	return nopSession{}, nil
}

type nopSession struct{}

func (nopSession) Commit(context.Context) error   { return nil }
func (nopSession) Rollback(context.Context) error { return nil }
func (nopSession) Query(context.Context, string, ...any) (*txmanager.Result, error) {
	return &txmanager.Result{}, nil
}

func setup(t *testing.T) (*txmanager.Manager, *database.DB, http.Handler) {
	t.Helper()

	cfg := txmanager.DefaultConfig()
	cfg.MaxConcurrentTransactions = 3
	cfg.DefaultTimeout = 0
	m, err := txmanager.New(nopDB{}, cfg)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	db, err := database.New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	if err := db.InitializeDefaults(); err != nil {
		t.Fatalf("failed to seed settings: %v", err)
	}

	h := New(m, db)
	r := chi.NewRouter()
	r.Get("/api/pool", h.Pool)
	r.Get("/api/transactions", h.ActiveTransactions)
	r.Get("/api/transactions/recent", h.RecentTransactions)
	r.Get("/api/transactions/{id}", h.GetTransaction)
	r.Post("/api/transactions/{id}/rollback", h.RollbackTransaction)
	r.Get("/api/history", h.History)
	r.Get("/api/history/stats", h.HistoryStats)
	r.Get("/api/settings", h.Settings)
	r.Put("/api/settings", h.UpdateSetting)
	return m, db, r
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
}

func TestPool(t *testing.T) {
	m, _, r := setup(t)

	tx, err := m.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(context.Background())

	rec := do(t, r, http.MethodGet, "/api/pool", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status PoolStatus
	decode(t, rec, &status)
	if status.PoolSize != 3 || status.Active != 1 || status.Waiting != 0 {
		t.Errorf("unexpected pool status %+v", status)
	}
}

func TestActiveAndGetTransaction(t *testing.T) {
	m, _, r := setup(t)

	tx, err := m.Begin(context.Background(), txmanager.WithReadOnly())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(context.Background())

	rec := do(t, r, http.MethodGet, "/api/transactions", "")
	var active []map[string]any
	decode(t, rec, &active)
	if len(active) != 1 || active[0]["id"] != string(tx.ID()) {
		t.Fatalf("expected the open transaction, got %v", active)
	}
	if active[0]["status"] != "active" || active[0]["read_only"] != true {
		t.Errorf("unexpected stats %v", active[0])
	}

	rec = do(t, r, http.MethodGet, "/api/transactions/"+string(tx.ID()), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestGetTransaction_FallsBackToHistory(t *testing.T) {
	_, db, r := setup(t)

	end := time.Now()
	err := db.RecordTransaction(txmanager.Stats{
		ID:         "archived-1",
		Status:     txmanager.StatusCommitted,
		CreatedAt:  end.Add(-time.Second),
		StartTime:  end.Add(-time.Second),
		EndTime:    end,
		Duration:   time.Second,
		StatusName: txmanager.StatusCommitted.String(),
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	rec := do(t, r, http.MethodGet, "/api/transactions/archived-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var entry database.HistoryEntry
	decode(t, rec, &entry)
	if entry.Status != "committed" {
		t.Errorf("expected committed, got %q", entry.Status)
	}

	rec = do(t, r, http.MethodGet, "/api/transactions/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown id, got %d", rec.Code)
	}
}

func TestRollbackTransaction(t *testing.T) {
	m, _, r := setup(t)

	tx, err := m.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	rec := do(t, r, http.MethodPost, "/api/transactions/"+string(tx.ID())+"/rollback", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if tx.Status() != txmanager.StatusRolledBack {
		t.Errorf("expected rolled back, got %s", tx.Status())
	}
	if stats := tx.Stats(); stats.RollbackReason != txmanager.ReasonManual {
		t.Errorf("expected manual rollback reason, got %q", stats.RollbackReason)
	}

	rec = do(t, r, http.MethodPost, "/api/transactions/"+string(tx.ID())+"/rollback", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for finished transaction, got %d", rec.Code)
	}

	var recent []map[string]any
	decode(t, do(t, r, http.MethodGet, "/api/transactions/recent", ""), &recent)
	if len(recent) != 1 || recent[0]["status"] != "rolled_back" {
		t.Errorf("expected one rolled back transaction, got %v", recent)
	}
}

func TestHistory(t *testing.T) {
	_, db, r := setup(t)

	now := time.Now()
	for i, status := range []txmanager.Status{txmanager.StatusCommitted, txmanager.StatusFailed, txmanager.StatusCommitted} {
		end := now.Add(time.Duration(i) * time.Second)
		err := db.RecordTransaction(txmanager.Stats{
			ID:              txmanager.ID("h" + string(rune('a'+i))),
			Status:          status,
			CreatedAt:       end,
			StartTime:       end,
			EndTime:         end,
			DeadlockRetries: 1,
		})
		if err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	var page struct {
		Entries []database.HistoryEntry `json:"entries"`
		Limit   int                     `json:"limit"`
	}
	decode(t, do(t, r, http.MethodGet, "/api/history?status=committed&limit=10", ""), &page)
	if len(page.Entries) != 2 || page.Limit != 10 {
		t.Fatalf("expected 2 committed entries, got %+v", page)
	}
	if page.Entries[0].ID != "hc" {
		t.Errorf("expected newest first, got %s", page.Entries[0].ID)
	}

	if rec := do(t, r, http.MethodGet, "/api/history?status=bogus", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid status, got %d", rec.Code)
	}

	var summary struct {
		Stats database.HistoryStats `json:"stats"`
	}
	decode(t, do(t, r, http.MethodGet, "/api/history/stats?window=1h", ""), &summary)
	if summary.Stats.Committed != 2 || summary.Stats.Failed != 1 || summary.Stats.DeadlockRetries != 3 {
		t.Errorf("unexpected summary %+v", summary.Stats)
	}
}

func TestUpdateSetting(t *testing.T) {
	_, db, r := setup(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"valid duration", `{"key":"txmanager.default_timeout","value":"45s"}`, http.StatusOK},
		{"valid integer", `{"key":"txmanager.retry_attempts","value":"5"}`, http.StatusOK},
		{"valid schedule", `{"key":"maintenance.schedule","value":"@every 1h"}`, http.StatusOK},
		{"bad duration", `{"key":"txmanager.default_timeout","value":"soon"}`, http.StatusBadRequest},
		{"bad integer", `{"key":"txmanager.retry_attempts","value":"many"}`, http.StatusBadRequest},
		{"bad isolation", `{"key":"txmanager.default_isolation_level","value":"snapshot"}`, http.StatusBadRequest},
		{"bad schedule", `{"key":"maintenance.schedule","value":"every now and then"}`, http.StatusBadRequest},
		{"bad log level", `{"key":"log.level","value":"loud"}`, http.StatusBadRequest},
		{"unknown key", `{"key":"nope","value":"1"}`, http.StatusBadRequest},
		{"missing key", `{"value":"1"}`, http.StatusBadRequest},
		{"malformed", `{`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, r, http.MethodPut, "/api/settings", tt.body)
			if rec.Code != tt.code {
				t.Errorf("expected %d, got %d: %s", tt.code, rec.Code, rec.Body.String())
			}
		})
	}

	got, err := db.GetSetting("txmanager.default_timeout")
	if err != nil || got != "45s" {
		t.Errorf("expected stored 45s, got %q (%v)", got, err)
	}

	var all map[string]string
	decode(t, do(t, r, http.MethodGet, "/api/settings", ""), &all)
	if all["txmanager.retry_attempts"] != "5" {
		t.Errorf("expected updated retry attempts in listing, got %q", all["txmanager.retry_attempts"])
	}
}
