// Package mysqltest 提供按顺序回放 SQL 操作的 database/sql 驱动，用于在没有 MySQL 的环境下测试存储实现。
package mysqltest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

type opKind int

const (
	opExec opKind = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

func (k opKind) String() string {
	return [...]string{"exec", "query", "begin", "commit", "rollback"}[k]
}

// Op 描述一次期望发生的数据库操作及其返回值。
type Op struct {
	kind   opKind
	query  string
	result Result
	rows   Rows
	err    error
}

// Result 是 Exec 的返回值。
type Result struct {
	InsertID int64
	Affected int64
}

func (r Result) LastInsertId() (int64, error) { return r.InsertID, nil }
func (r Result) RowsAffected() (int64, error) { return r.Affected, nil }

// Rows 是 Query 的返回值。
type Rows struct {
	Columns []string
	Values  [][]driver.Value
}

// Exec 期望一次执行语句，query 为空时不校验 SQL 文本。
func Exec(query string, result Result) Op { return Op{kind: opExec, query: query, result: result} }

// ExecErr 期望一次执行语句并返回错误。
func ExecErr(query string, err error) Op { return Op{kind: opExec, query: query, err: err} }

// Query 期望一次查询。
func Query(query string, rows Rows) Op { return Op{kind: opQuery, query: query, rows: rows} }

// Begin 期望开启事务。
func Begin() Op { return Op{kind: opBegin} }

// Commit 期望提交事务。
func Commit() Op { return Op{kind: opCommit} }

// Rollback 期望回滚事务。
func Rollback() Op { return Op{kind: opRollback} }

// Driver 按顺序消费期望的操作，任何偏差都会以错误的形式返回给调用方。
type Driver struct {
	mu  sync.Mutex
	ops []Op
	idx int
}

var seq atomic.Int32

// NewDB 注册一个只属于当前测试的驱动并打开连接。
func NewDB(t testing.TB, ops ...Op) (*sql.DB, *Driver) {
	t.Helper()

	drv := &Driver{ops: ops}
	name := fmt.Sprintf("mysqltest-%d", seq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db, drv
}

// AssertConsumed 检查所有期望的操作都已发生。
func (d *Driver) AssertConsumed(t testing.TB) {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.idx != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", d.idx, len(d.ops))
	}
}

func (d *Driver) next(kind opKind, query string) (*Op, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected %s: %s", kind, Normalize(query))
	}
	op := &d.ops[d.idx]
	if op.kind != kind {
		return nil, fmt.Errorf("expected %s, got %s", op.kind, kind)
	}
	d.idx++
	if op.query != "" && Normalize(op.query) != Normalize(query) {
		return nil, fmt.Errorf("unexpected query. want %q got %q", Normalize(op.query), Normalize(query))
	}
	return op, nil
}

// Open 实现 driver.Driver。
func (d *Driver) Open(string) (driver.Conn, error) {
	return &conn{driver: d}, nil
}

type conn struct {
	driver *Driver
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *conn) Close() error { return nil }

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *conn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &tx{driver: c.driver}, nil
}

func (c *conn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *conn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &rows{columns: op.rows.Columns, values: op.rows.Values}, nil
}

func (c *conn) Ping(context.Context) error { return nil }

type tx struct {
	driver *Driver
}

func (t *tx) Commit() error {
	op, err := t.driver.next(opCommit, "")
	if err != nil {
		return err
	}
	return op.err
}

func (t *tx) Rollback() error {
	op, err := t.driver.next(opRollback, "")
	if err != nil {
		return err
	}
	return op.err
}

type rows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *rows) Columns() []string { return r.columns }
func (r *rows) Close() error      { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

// Normalize 折叠空白字符，便于比较多行 SQL。
func Normalize(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
