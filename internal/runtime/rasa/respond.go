package rasa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	xerrors "AgentFleet/internal/errors"
	"AgentFleet/internal/runtime"
)

// TransferSlot 是智能体请求转交会话时设置的槽位名。
const TransferSlot = "transfer_to"

type restMessage struct {
	RecipientID string           `json:"recipient_id"`
	Text        string           `json:"text"`
	Image       string           `json:"image"`
	Buttons     []runtime.Button `json:"buttons"`
}

type trackerEvent struct {
	Event      string          `json:"event"`
	Name       string          `json:"name"`
	Value      json.RawMessage `json:"value"`
	Policy     string          `json:"policy"`
	Confidence *float64        `json:"confidence"`
}

type parseData struct {
	Intent        *runtime.Intent  `json:"intent"`
	IntentRanking []runtime.Intent `json:"intent_ranking"`
	Entities      []struct {
		Entity     string  `json:"entity"`
		Value      any     `json:"value"`
		Confidence float64 `json:"confidence_entity"`
	} `json:"entities"`
}

type tracker struct {
	SenderID      string         `json:"sender_id"`
	LatestMessage parseData      `json:"latest_message"`
	Events        []trackerEvent `json:"events"`
}

// Respond 通过 REST 通道发送用户输入，再读取 tracker 获取本轮的意图、动作和槽位变化。
func (r *Runtime) Respond(ctx context.Context, ep runtime.Endpoint, conversationID, text string) (*runtime.Reply, error) {
	var messages []restMessage
	payload := map[string]string{"sender": conversationID, "message": text}
	if err := r.do(ctx, http.MethodPost, ep.BaseURL()+"/webhooks/rest/webhook", payload, &messages); err != nil {
		return nil, err
	}

	var tr tracker
	trackerURL := fmt.Sprintf("%s/conversations/%s/tracker?include_events=AFTER_RESTART", ep.BaseURL(), url.PathEscape(conversationID))
	if err := r.do(ctx, http.MethodGet, trackerURL, nil, &tr); err != nil {
		return nil, err
	}

	return buildReply(messages, &tr), nil
}

func buildReply(messages []restMessage, tr *tracker) *runtime.Reply {
	reply := &runtime.Reply{
		Intent:        tr.LatestMessage.Intent,
		IntentRanking: tr.LatestMessage.IntentRanking,
	}
	for _, m := range messages {
		reply.Messages = append(reply.Messages, runtime.Message{Text: m.Text, Image: m.Image, Buttons: m.Buttons})
	}
	for _, e := range tr.LatestMessage.Entities {
		reply.Entities = append(reply.Entities, runtime.Entity{Entity: e.Entity, Value: fmt.Sprint(e.Value), Confidence: e.Confidence})
	}

	// 只看最后一条用户消息之后的事件，避免历史轮次里设置过的槽位再次触发转交。
	start := 0
	for i := len(tr.Events) - 1; i >= 0; i-- {
		if tr.Events[i].Event == "user" {
			start = i + 1
			break
		}
	}
	for _, e := range tr.Events[start:] {
		switch e.Event {
		case "action":
			if e.Name == "action_listen" {
				continue
			}
			reply.Actions = append(reply.Actions, runtime.Action{Name: e.Name, Confidence: e.Confidence, Policy: e.Policy})
		case "slot":
			if e.Name != TransferSlot {
				continue
			}
			var target string
			if err := json.Unmarshal(e.Value, &target); err == nil {
				reply.TransferTo = target
			}
		}
	}
	return reply
}

func (r *Runtime) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码请求失败")
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造请求失败")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeRuntimeFailure, err, "请求智能体失败")
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeRuntimeFailure, err, "读取智能体响应失败")
	}
	if resp.StatusCode >= 300 {
		return xerrors.New(xerrors.CodeRuntimeFailure,
			fmt.Sprintf("智能体返回状态码 %d: %s", resp.StatusCode, bytes.TrimSpace(content)))
	}
	if out == nil || len(content) == 0 {
		return nil
	}
	if err := json.Unmarshal(content, out); err != nil {
		return xerrors.Wrap(xerrors.CodeRuntimeFailure, err, "解析智能体响应失败")
	}
	return nil
}
