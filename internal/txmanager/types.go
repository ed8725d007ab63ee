package txmanager

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ID uniquely identifies a transaction. IDs are never reused.
type ID string

func newID() ID {
	return ID(uuid.NewString())
}

func (id ID) String() string {
	return string(id)
}

// IsolationLevel is the isolation contract requested from the database.
// LevelDefault defers to the manager's configured default.
type IsolationLevel int

const (
	LevelDefault IsolationLevel = iota
	ReadUncommitted
	ReadCommitted
	RepeatableRead
	Serializable
)

func (l IsolationLevel) String() string {
	switch l {
	case LevelDefault:
		return "default"
	case ReadUncommitted:
		return "read_uncommitted"
	case ReadCommitted:
		return "read_committed"
	case RepeatableRead:
		return "repeatable_read"
	case Serializable:
		return "serializable"
	default:
		return "unknown"
	}
}

// SQLLevel maps the level onto database/sql's isolation constants.
func (l IsolationLevel) SQLLevel() sql.IsolationLevel {
	switch l {
	case ReadUncommitted:
		return sql.LevelReadUncommitted
	case ReadCommitted:
		return sql.LevelReadCommitted
	case RepeatableRead:
		return sql.LevelRepeatableRead
	case Serializable:
		return sql.LevelSerializable
	default:
		return sql.LevelDefault
	}
}

// ParseIsolationLevel accepts the String() form as well as the SQL spelling
// ("READ COMMITTED", "read-committed", ...).
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	normalized = strings.NewReplacer(" ", "_", "-", "_").Replace(normalized)

	switch normalized {
	case "", "default":
		return LevelDefault, nil
	case "read_uncommitted":
		return ReadUncommitted, nil
	case "read_committed":
		return ReadCommitted, nil
	case "repeatable_read":
		return RepeatableRead, nil
	case "serializable":
		return Serializable, nil
	default:
		return LevelDefault, fmt.Errorf("unknown isolation level %q", s)
	}
}

// Status is the lifecycle state of a transaction.
type Status int

const (
	StatusActive Status = iota
	StatusCommitted
	StatusRolledBack
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCommitted:
		return "committed"
	case StatusRolledBack:
		return "rolled_back"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s != StatusActive
}

// Stats is a point-in-time snapshot of a transaction's bookkeeping.
// Duration grows while the transaction is active and is frozen once it
// reaches a terminal status.
type Stats struct {
	ID              ID             `json:"id"`
	Status          Status         `json:"-"`
	StatusName      string         `json:"status"`
	IsolationLevel  IsolationLevel `json:"-"`
	Isolation       string         `json:"isolation_level"`
	ReadOnly        bool           `json:"read_only"`
	CreatedAt       time.Time      `json:"created_at"`
	StartTime       time.Time      `json:"start_time"`
	EndTime         time.Time      `json:"end_time,omitzero"`
	Duration        time.Duration  `json:"duration_ns"`
	QueriesExecuted int            `json:"queries_executed"`
	DeadlockRetries int            `json:"deadlock_retries"`
	RollbackReason  string         `json:"rollback_reason,omitempty"`
}
