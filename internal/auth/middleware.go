package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// MiddlewareConfig 配置身份认证中间件的行为。
type MiddlewareConfig struct {
	// Public 中的路径无需认证。
	Public []string
	// QueryToken 允许通过 access_token 查询参数传递令牌，浏览器 WebSocket 无法设置请求头。
	QueryToken bool
}

// Middleware 返回一个 HTTP 中间件，用于处理身份认证。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	public := make(map[string]struct{}, len(cfg.Public))
	for _, p := range cfg.Public {
		public[p] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			if _, ok := public[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}
			header := r.Header.Get("Authorization")
			if header == "" && cfg.QueryToken {
				if token := r.URL.Query().Get("access_token"); token != "" {
					header = "Bearer " + token
				}
			}
			subject, err := s.Authenticate(header)
			if err != nil {
				s.audit.Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"status", http.StatusUnauthorized,
					"error", err.Error(),
				)
				writeUnauthorized(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	message := "认证失败"
	if errors.Is(err, ErrMissingToken) {
		message = "缺少 Bearer 令牌"
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("WWW-Authenticate", `Bearer realm="agentfleet"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": "UNAUTHORIZED", "message": message},
	})
}

// SubjectName 返回请求调用方的名称，未认证时为 anonymous。
func SubjectName(r *http.Request) string {
	if subject := SubjectFromContext(r.Context()); subject != nil && strings.TrimSpace(subject.Name) != "" {
		return subject.Name
	}
	return "anonymous"
}
