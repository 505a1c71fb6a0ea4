// Package auth 为 API 提供可选的静态令牌认证。
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strings"

	"AgentFleet/pkg/logger"
)

type credential struct {
	name   string
	digest [sha256.Size]byte
}

// Service 校验请求携带的令牌。
type Service struct {
	mode        Mode
	credentials []credential
	audit       *slog.Logger
}

// NewService 根据配置创建认证服务。
func NewService(cfg Config) (*Service, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeDisabled
	}
	s := &Service{mode: mode, audit: logger.Audit()}
	switch mode {
	case ModeDisabled:
		return s, nil
	case ModeToken:
	default:
		return nil, fmt.Errorf("不支持的认证模式: %s", mode)
	}
	for i, raw := range cfg.Tokens {
		name, token := fmt.Sprintf("token-%d", i+1), strings.TrimSpace(raw)
		if before, after, ok := strings.Cut(token, ":"); ok && before != "" && after != "" {
			name, token = before, after
		}
		if token == "" {
			continue
		}
		s.credentials = append(s.credentials, credential{name: name, digest: sha256.Sum256([]byte(token))})
	}
	if len(s.credentials) == 0 {
		return nil, fmt.Errorf("auth.mode=%s 时必须配置至少一个令牌", mode)
	}
	return s, nil
}

// Mode 返回认证方式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Enabled 判断是否需要认证。
func (s *Service) Enabled() bool {
	return s.Mode() != ModeDisabled
}

// Authenticate 校验 Authorization 头中的 Bearer 令牌。
func (s *Service) Authenticate(header string) (*Subject, error) {
	token := strings.TrimSpace(header)
	if token == "" {
		return nil, ErrMissingToken
	}
	scheme, value, ok := strings.Cut(token, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return nil, ErrInvalidToken
	}
	return s.AuthenticateToken(strings.TrimSpace(value))
}

// AuthenticateToken 校验令牌本身，比较耗时与令牌内容无关。
func (s *Service) AuthenticateToken(token string) (*Subject, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))
	var matched *credential
	for i := range s.credentials {
		if subtle.ConstantTimeCompare(digest[:], s.credentials[i].digest[:]) == 1 {
			matched = &s.credentials[i]
		}
	}
	if matched == nil {
		return nil, ErrInvalidToken
	}
	return &Subject{Name: matched.name}, nil
}
