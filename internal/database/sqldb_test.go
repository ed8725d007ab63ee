package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saltyorg/txmanager/internal/txmanager"
)

func newManagedSQLite(t *testing.T) (*SQLDatabase, *txmanager.Manager) {
	t.Helper()

	db, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "managed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.DB().Exec("CREATE TABLE accounts (id INTEGER PRIMARY KEY, balance INTEGER NOT NULL)")
	require.NoError(t, err)

	cfg := txmanager.DefaultConfig()
	cfg.MaxConcurrentTransactions = 2
	m, err := txmanager.New(db, cfg)
	require.NoError(t, err)
	return db, m
}

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	_, err := Open("oracle", "whatever")
	require.Error(t, err)
}

func TestSQLDatabase_CommitAndQuery(t *testing.T) {
	_, m := newManagedSQLite(t)
	ctx := context.Background()

	err := m.Run(ctx, func(ctx context.Context, tx *txmanager.Transaction) error {
		res, err := tx.Query(ctx, "INSERT INTO accounts (id, balance) VALUES (?, ?), (?, ?)", 1, 100, 2, 50)
		if err != nil {
			return err
		}
		assert.Equal(t, int64(2), res.RowsAffected)
		return nil
	})
	require.NoError(t, err)

	total, err := txmanager.WithTransaction(ctx, m, func(ctx context.Context, tx *txmanager.Transaction) (int64, error) {
		res, err := tx.Query(ctx, "SELECT SUM(balance) AS total FROM accounts")
		if err != nil {
			return 0, err
		}
		require.Equal(t, []string{"total"}, res.Columns)
		require.Len(t, res.Rows, 1)
		return res.Rows[0][0].(int64), nil
	}, txmanager.WithReadOnly())
	require.NoError(t, err)
	assert.Equal(t, int64(150), total)
}

func TestSQLDatabase_RollbackDiscardsWork(t *testing.T) {
	db, m := newManagedSQLite(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.Run(ctx, func(ctx context.Context, tx *txmanager.Transaction) error {
		if _, err := tx.Query(ctx, "INSERT INTO accounts (id, balance) VALUES (1, 10)"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, db.DB().QueryRow("SELECT COUNT(*) FROM accounts").Scan(&count))
	assert.Equal(t, 0, count)
	assert.Equal(t, 2, m.AvailableSlots())
}

func TestSQLDatabase_Savepoints(t *testing.T) {
	db, m := newManagedSQLite(t)
	ctx := context.Background()

	err := m.Run(ctx, func(ctx context.Context, tx *txmanager.Transaction) error {
		if _, err := tx.Query(ctx, "INSERT INTO accounts (id, balance) VALUES (1, 10)"); err != nil {
			return err
		}
		if err := tx.Savepoint(ctx, "before_second"); err != nil {
			return err
		}
		if _, err := tx.Query(ctx, "INSERT INTO accounts (id, balance) VALUES (2, 20)"); err != nil {
			return err
		}
		if err := tx.RollbackToSavepoint(ctx, "before_second"); err != nil {
			return err
		}
		return tx.ReleaseSavepoint(ctx, "before_second")
	})
	require.NoError(t, err)

	var ids []int
	rows, err := db.DB().Query("SELECT id FROM accounts ORDER BY id")
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var id int
		require.NoError(t, rows.Scan(&id))
		ids = append(ids, id)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []int{1}, ids)
}

func TestReturnsRows(t *testing.T) {
	assert.True(t, returnsRows("  select 1"))
	assert.True(t, returnsRows("WITH x AS (SELECT 1) SELECT * FROM x"))
	assert.True(t, returnsRows("DELETE FROM accounts WHERE id = 1 RETURNING id"))
	assert.False(t, returnsRows("UPDATE accounts SET balance = 0"))
	assert.False(t, returnsRows("SAVEPOINT sp1"))
	assert.False(t, returnsRows(""))
}
