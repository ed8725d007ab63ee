package txmanager

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeDB is an in-memory Database that records what the manager asks of it.
type fakeDB struct {
	mu          sync.Mutex
	beginErr    error
	commitErr   error
	rollbackErr error
	queryDelay  time.Duration
	begins      int
	commits     int
	rollbacks   int
	queries     []string
	lastOpts    BeginOptions
}

func (db *fakeDB) Begin(_ context.Context, opts BeginOptions) (Session, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.beginErr != nil {
		return nil, db.beginErr
	}
	db.begins++
	db.lastOpts = opts
	return &fakeSession{db: db}, nil
}

func (db *fakeDB) counts() (begins, commits, rollbacks int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.begins, db.commits, db.rollbacks
}

func (db *fakeDB) statements() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]string(nil), db.queries...)
}

type fakeSession struct {
	db *fakeDB
}

func (s *fakeSession) Commit(context.Context) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if s.db.commitErr != nil {
		return s.db.commitErr
	}
	s.db.commits++
	return nil
}

func (s *fakeSession) Rollback(context.Context) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if s.db.rollbackErr != nil {
		return s.db.rollbackErr
	}
	s.db.rollbacks++
	return nil
}

func (s *fakeSession) Query(ctx context.Context, query string, _ ...any) (*Result, error) {
	s.db.mu.Lock()
	delay := s.db.queryDelay
	s.db.queries = append(s.db.queries, query)
	s.db.mu.Unlock()

	if delay > 0 {
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	if strings.Contains(query, "FAIL") {
		return nil, errors.New("syntax error near FAIL")
	}
	return &Result{Columns: []string{"ok"}, Rows: [][]any{{1}}}, nil
}

// detectingDB recognizes its own deadlock error type.
type detectingDB struct {
	fakeDB
}

type lockConflict struct{}

func (lockConflict) Error() string { return "lock conflict 1205" }

func (db *detectingDB) IsDeadlock(err error) bool {
	var lc lockConflict
	return errors.As(err, &lc)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DefaultTimeout = 0
	cfg.BaseBackoff = time.Millisecond
	cfg.MaxBackoff = 4 * time.Millisecond
	return cfg
}

func newTestManager(t testing.TB, db Database, cfg Config, opts ...ManagerOption) *Manager {
	t.Helper()
	m, err := New(db, cfg, opts...)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	return m
}
