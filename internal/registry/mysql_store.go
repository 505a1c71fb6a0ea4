package registry

import (
	"context"
	"database/sql"
	stdErrors "errors"

	"github.com/go-sql-driver/mysql"

	xerrors "AgentFleet/internal/errors"
)

const agentColumns = `name, port, status, pid, last_error, error_code, crash_pending, trained_at, created_at, updated_at`

// MySQLStore 使用 MySQL 的 agents 表保存智能体记录，表结构由 deploy/migrations 维护。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于已迁移的连接池创建存储。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// Create 实现 Store 接口。
func (s *MySQLStore) Create(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO agents (`+agentColumns+`)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Name, rec.Port, string(rec.Status), rec.PID, rec.LastError, rec.ErrorCode,
		rec.CrashPending, rec.TrainedAt, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return errAlreadyExists(rec.Name)
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入智能体记录失败")
	}
	return nil
}

// Get 实现 Store 接口。
func (s *MySQLStore) Get(ctx context.Context, name string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE name = ?`, name)
	rec, err := scanRecord(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound(name)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询智能体记录失败")
	}
	return rec, nil
}

// List 实现 Store 接口。
func (s *MySQLStore) List(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY name`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询智能体列表失败")
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析智能体记录失败")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历智能体记录失败")
	}
	return out, nil
}

// Update 实现 Store 接口。端口和创建时间不可变，不参与更新。
func (s *MySQLStore) Update(ctx context.Context, rec *Record) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET status = ?, pid = ?, last_error = ?, error_code = ?, crash_pending = ?, trained_at = ?, updated_at = ?
    WHERE name = ?`,
		string(rec.Status), rec.PID, rec.LastError, rec.ErrorCode, rec.CrashPending, rec.TrainedAt, rec.UpdatedAt, rec.Name)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新智能体记录失败")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// MySQL 在值未变化时同样返回 0，需要再确认记录是否存在。
		if _, err := s.Get(ctx, rec.Name); err != nil {
			return err
		}
	}
	return nil
}

// Delete 实现 Store 接口。
func (s *MySQLStore) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE name = ?`, name)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除智能体记录失败")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errNotFound(name)
	}
	return nil
}

// Close 关闭连接池。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec       Record
		status    string
		lastError sql.NullString
	)
	if err := row.Scan(&rec.Name, &rec.Port, &status, &rec.PID, &lastError, &rec.ErrorCode,
		&rec.CrashPending, &rec.TrainedAt, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	rec.LastError = lastError.String
	return &rec, nil
}
