package registry

import (
	"context"
	"database/sql/driver"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AgentFleet/internal/errors"
	"AgentFleet/internal/storage/mysql/mysqltest"
)

const insertAgentSQL = `INSERT INTO agents (name, port, status, pid, last_error, error_code, crash_pending, trained_at, created_at, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

var agentRowColumns = []string{"name", "port", "status", "pid", "last_error", "error_code", "crash_pending", "trained_at", "created_at", "updated_at"}

func TestMySQLStoreCreateMapsDuplicateKey(t *testing.T) {
	db, drv := mysqltest.NewDB(t,
		mysqltest.Exec(insertAgentSQL, mysqltest.Result{Affected: 1}),
		mysqltest.ExecErr(insertAgentSQL, &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}),
	)
	store := NewMySQLStore(db)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Record{Name: "sales", Port: 5005, Status: StatusCreated}))
	err := store.Create(ctx, &Record{Name: "sales", Port: 5007, Status: StatusCreated})
	assert.Equal(t, xerrors.CodeAlreadyExists, xerrors.CodeOf(err))
	drv.AssertConsumed(t)
}

func TestMySQLStoreGetAndList(t *testing.T) {
	row := []driver.Value{"sales", int64(5005), "failed", int64(0), "exit status 1", "PROCESS_CRASHED", int64(1), int64(0), int64(10), int64(20)}
	db, drv := mysqltest.NewDB(t,
		mysqltest.Query(`SELECT name, port, status, pid, last_error, error_code, crash_pending, trained_at, created_at, updated_at FROM agents WHERE name = ?`,
			mysqltest.Rows{Columns: agentRowColumns, Values: [][]driver.Value{row}}),
		mysqltest.Query(`SELECT name, port, status, pid, last_error, error_code, crash_pending, trained_at, created_at, updated_at FROM agents WHERE name = ?`,
			mysqltest.Rows{Columns: agentRowColumns}),
		mysqltest.Query(`SELECT name, port, status, pid, last_error, error_code, crash_pending, trained_at, created_at, updated_at FROM agents ORDER BY name`,
			mysqltest.Rows{Columns: agentRowColumns, Values: [][]driver.Value{row, {"support", int64(5007), "ready", int64(0), nil, "", int64(0), int64(5), int64(1), int64(2)}}}),
	)
	store := NewMySQLStore(db)
	ctx := context.Background()

	rec, err := store.Get(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.True(t, rec.CrashPending)
	assert.Equal(t, "exit status 1", rec.LastError)

	_, err = store.Get(ctx, "ghost")
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, StatusReady, list[1].Status)
	assert.Empty(t, list[1].LastError)
	drv.AssertConsumed(t)
}

func TestMySQLStoreDeleteMissing(t *testing.T) {
	db, drv := mysqltest.NewDB(t,
		mysqltest.Exec(`DELETE FROM agents WHERE name = ?`, mysqltest.Result{Affected: 1}),
		mysqltest.Exec(`DELETE FROM agents WHERE name = ?`, mysqltest.Result{Affected: 0}),
	)
	store := NewMySQLStore(db)

	require.NoError(t, store.Delete(context.Background(), "sales"))
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(store.Delete(context.Background(), "sales")))
	drv.AssertConsumed(t)
}

func TestMySQLStoreUpdate(t *testing.T) {
	db, drv := mysqltest.NewDB(t,
		mysqltest.Exec(`UPDATE agents SET status = ?, pid = ?, last_error = ?, error_code = ?, crash_pending = ?, trained_at = ?, updated_at = ?
    WHERE name = ?`, mysqltest.Result{Affected: 1}),
	)
	store := NewMySQLStore(db)

	require.NoError(t, store.Update(context.Background(), &Record{Name: "sales", Status: StatusRunning, PID: 42}))
	drv.AssertConsumed(t)
}
