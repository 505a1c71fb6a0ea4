package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"AgentFleet/internal/auth"
	xerrors "AgentFleet/internal/errors"
	"AgentFleet/internal/registry"
	"AgentFleet/pkg/logger"
)

const maxBodyBytes = 1 << 20

// agentSummary 是列表接口中单个智能体的视图。
type agentSummary struct {
	Port      int             `json:"port"`
	Status    registry.Status `json:"status"`
	LastError string          `json:"last_error,omitempty"`
	UpdatedAt int64           `json:"updated_at"`
}

type createRequest struct {
	Name string `json:"name"`
}

type chatRequest struct {
	Text           string `json:"text"`
	ConversationID string `json:"conversation_id"`
}

type logsResponse struct {
	Agent string   `json:"agent"`
	Lines []string `json:"lines"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	recs, err := s.fleet.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make(map[string]agentSummary, len(recs))
	for _, rec := range recs {
		out[rec.Name] = agentSummary{
			Port:      rec.Port,
			Status:    rec.Status,
			LastError: rec.LastError,
			UpdatedAt: rec.UpdatedAt,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.fleet.Create(r.Context(), req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.auditAction(r, "create", rec.Name)
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	rec, err := s.fleet.Get(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.fleet.Delete(r.Context(), name); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.auditAction(r, "delete", name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	rec, err := s.fleet.Train(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.auditAction(r, "train", name)
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	rec, err := s.fleet.Start(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.auditAction(r, "start", name)
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	rec, err := s.fleet.Stop(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.auditAction(r, "stop", name)
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	tr, err := s.fleet.Chat(r.Context(), r.PathValue("name"), req.ConversationID, req.Text)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	list, err := s.fleet.Conversations(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.fleet.Conversation(r.Context(), r.PathValue("name"), r.PathValue("cid"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	lines, err := intQuery(r, "lines", 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	name := r.PathValue("name")
	out, err := s.fleet.Logs(r.Context(), name, lines)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logsResponse{Agent: name, Lines: out})
}

func (s *Server) auditAction(r *http.Request, action, agent string) {
	logger.Audit().Info("api_action",
		slog.String("action", action),
		slog.String("agent", agent),
		slog.String("user", auth.SubjectName(r)),
	)
}

func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return xerrors.New(xerrors.CodeInvalidArgument, "请求体不能为空")
		}
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

func intQuery(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, xerrors.Errorf(xerrors.CodeInvalidArgument, "%s 必须是非负整数", key)
	}
	return v, nil
}
