package auth

import "errors"

// 认证失败的原因。
var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Mode 表示认证方式。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeToken    Mode = "token"
)

// Config 配置认证服务。
type Config struct {
	Mode Mode
	// Tokens 是允许访问的静态令牌，可写作 "name:token" 为令牌命名。
	Tokens []string
}

// Subject 是通过认证的调用方。
type Subject struct {
	Name string
}
