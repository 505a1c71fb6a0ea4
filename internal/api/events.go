package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	xerrors "AgentFleet/internal/errors"
)

const eventWriteTimeout = 15 * time.Second

// handleEvents 以 WebSocket 推送生命周期事件，每条消息是一个 JSON 事件。
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "事件推送未启用"))
		return
	}
	opts := &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins}
	if len(s.cfg.AllowedOrigins) == 0 {
		opts.InsecureSkipVerify = true
	}
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	defer ws.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// 客户端只读，CloseRead 负责处理对端关闭。
	ctx = ws.CloseRead(ctx)
	stream := s.hub.Subscribe(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			ws.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case e, ok := <-stream:
			if !ok {
				ws.Close(websocket.StatusNormalClosure, "stream ended")
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, eventWriteTimeout)
			err = ws.Write(writeCtx, websocket.MessageText, data)
			writeCancel()
			if err != nil {
				s.logger.Debug("事件推送中断", slog.Any("error", err))
				return
			}
		}
	}
}
