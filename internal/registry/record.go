package registry

import (
	"regexp"

	xerrors "AgentFleet/internal/errors"
)

// Status 表示智能体在生命周期中的状态。
type Status string

const (
	StatusCreated  Status = "created"
	StatusTraining Status = "training"
	StatusReady    Status = "ready"
	StatusRunning  Status = "running"
	StatusFailed   Status = "failed"
	StatusStopped  Status = "stopped"
)

// Valid 判断状态值是否合法。
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusTraining, StatusReady, StatusRunning, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// Record 是智能体在注册表中的持久化描述。
type Record struct {
	Name         string `json:"name"`
	Port         int    `json:"port"`
	Status       Status `json:"status"`
	PID          int    `json:"pid,omitempty"`
	LastError    string `json:"last_error,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	CrashPending bool   `json:"crash_pending,omitempty"`
	TrainedAt    int64  `json:"trained_at,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// Clone 返回记录的副本。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	return &clone
}

// ClearError 清除失败原因。
func (r *Record) ClearError() {
	r.LastError = ""
	r.ErrorCode = ""
	r.CrashPending = false
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateName 校验智能体名称，名称同时用作工作目录名。
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return xerrors.New(xerrors.CodeInvalidArgument,
			"智能体名称只能包含字母、数字、下划线和短横线，长度 1-64",
			xerrors.WithMetadata("name", name))
	}
	return nil
}

func errNotFound(name string) error {
	return xerrors.New(xerrors.CodeNotFound, "智能体不存在: "+name, xerrors.WithMetadata("agent", name))
}

func errAlreadyExists(name string) error {
	return xerrors.New(xerrors.CodeAlreadyExists, "智能体已存在: "+name, xerrors.WithMetadata("agent", name))
}
