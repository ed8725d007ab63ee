package txmanager

import "context"

// BeginOptions are passed to the database when a transaction starts.
type BeginOptions struct {
	IsolationLevel IsolationLevel
	ReadOnly       bool
}

// Result is the materialized outcome of a query.
type Result struct {
	Columns      []string
	Rows         [][]any
	RowsAffected int64
}

// Database is the transactional resource supplied by the host.
// Implementations must be safe for concurrent use.
type Database interface {
	Begin(ctx context.Context, opts BeginOptions) (Session, error)
}

// Session is one open transaction on the underlying database.
type Session interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Query(ctx context.Context, query string, args ...any) (*Result, error)
}

// DeadlockDetector is implemented by databases that can recognize their own
// deadlock errors. When present it takes precedence over the generic checks
// in IsDeadlock.
type DeadlockDetector interface {
	IsDeadlock(err error) bool
}
