package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	xerrors "AgentFleet/internal/errors"
)

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

func errorBody(code, message string) errorEnvelope {
	return errorEnvelope{Error: errorPayload{Code: code, Message: message}}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError 按错误码写出错误响应，5xx 同时记录日志。
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := xerrors.CodeOf(err)
	status := xerrors.HTTPStatus(code)
	message := err.Error()
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
		if cause := e.Unwrap(); cause != nil {
			message += ": " + cause.Error()
		}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("code", string(code)),
			slog.Any("error", err))
	}
	writeJSON(w, status, errorBody(string(code), message))
}
