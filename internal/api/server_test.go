package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AgentFleet/internal/auth"
	"AgentFleet/internal/config"
	"AgentFleet/internal/conversation"
	"AgentFleet/internal/events"
	"AgentFleet/internal/fleet"
	"AgentFleet/internal/portalloc"
	"AgentFleet/internal/queue"
	"AgentFleet/internal/registry"
	"AgentFleet/internal/runtime/runtimetest"
	"AgentFleet/internal/supervisor"
	"AgentFleet/internal/trace"
	"AgentFleet/pkg/logger"
)

type testEnv struct {
	ts  *httptest.Server
	rt  *runtimetest.Runtime
	hub *events.Hub
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	quiet := logger.Discard()
	rt := &runtimetest.Runtime{}
	ports, err := portalloc.New(7000, 7099, portalloc.WithStride(2))
	require.NoError(t, err)
	reg := registry.New(registry.NewMemoryStore(), ports, registry.WithLogger(quiet))
	q := queue.NewMemoryQueue(16)
	sup := supervisor.New(reg, rt, q, config.SupervisorConfig{
		TrainWorkers:   1,
		TrainTimeout:   5 * time.Second,
		StartupTimeout: time.Second,
		ProbeInterval:  10 * time.Millisecond,
		HealthInterval: 50 * time.Millisecond,
		HealthFailures: 3,
		StopGrace:      100 * time.Millisecond,
		LogLines:       50,
	}, supervisor.WithLogger(quiet))
	hub := events.NewHub(64, 16)
	router := conversation.NewRouter(reg, sup, trace.NewRecorder(trace.NewMemoryStore(50)), nil,
		config.RoutingConfig{RespondTimeout: time.Second}, conversation.WithLogger(quiet))
	f := fleet.New(reg, rt, sup, router, fleet.WithLogger(quiet), fleet.WithEvents(hub))

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(ctx) }()

	srv := NewServer(":0", f, append([]Option{WithEvents(hub), WithLogger(quiet)}, opts...)...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		assert.NoError(t, sup.Shutdown(shutdownCtx))
		cancel()
		<-runDone
		_ = q.Close()
		hub.Close()
	})
	return &testEnv{ts: ts, rt: rt, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header ...string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	require.NoError(t, err)
	if len(header) == 2 {
		req.Header.Set(header[0], header[1])
	}
	resp, err := e.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(body, &env), string(body))
	return env.Error.Code
}

func (e *testEnv) waitStatus(t *testing.T, name string, want registry.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, body := e.do(t, http.MethodGet, "/api/agents/"+name, nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var rec registry.Record
		return json.Unmarshal(body, &rec) == nil && rec.Status == want
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAgentLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/agents", map[string]string{"name": "greeter"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var rec registry.Record
	require.NoError(t, json.Unmarshal(body, &rec))
	assert.Equal(t, 7000, rec.Port)
	assert.Equal(t, registry.StatusCreated, rec.Status)

	resp, body = env.do(t, http.MethodPost, "/api/agents", map[string]string{"name": "greeter"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "ALREADY_EXISTS", errorCode(t, body))

	resp, body = env.do(t, http.MethodPost, "/api/agents/greeter/start", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "INVALID_STATE", errorCode(t, body))

	resp, _ = env.do(t, http.MethodPost, "/api/agents/greeter/train", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	env.waitStatus(t, "greeter", registry.StatusReady)

	resp, body = env.do(t, http.MethodPost, "/api/agents/greeter/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = env.do(t, http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list map[string]agentSummary
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, registry.StatusRunning, list["greeter"].Status)
	assert.Equal(t, 7000, list["greeter"].Port)

	resp, body = env.do(t, http.MethodPost, "/api/agents/greeter/chat", chatRequest{Text: "hello", ConversationID: "c1"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var tr trace.Trace
	require.NoError(t, json.Unmarshal(body, &tr))
	assert.Equal(t, "hello", tr.InputText)
	assert.Equal(t, "greeter: hello", tr.Messages[0].Text)
	assert.Equal(t, "utter_echo", tr.OutputActions[0].Name)

	resp, body = env.do(t, http.MethodGet, "/api/agents/greeter/conversations/c1?limit=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sess conversation.Session
	require.NoError(t, json.Unmarshal(body, &sess))
	assert.Equal(t, "greeter", sess.CurrentAgent)
	assert.Len(t, sess.History, 1)

	resp, body = env.do(t, http.MethodGet, "/api/agents/greeter/conversations", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"conversation_id":"c1"`)

	resp, body = env.do(t, http.MethodGet, "/api/agents/greeter/logs?lines=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var logs logsResponse
	require.NoError(t, json.Unmarshal(body, &logs))
	assert.Contains(t, logs.Lines, "listening on 7000")

	resp, body = env.do(t, http.MethodDelete, "/api/agents/greeter", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "INVALID_STATE", errorCode(t, body))

	resp, _ = env.do(t, http.MethodPost, "/api/agents/greeter/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = env.do(t, http.MethodPost, "/api/agents/greeter/chat", chatRequest{Text: "hello"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "AGENT_NOT_RUNNING", errorCode(t, body))

	resp, _ = env.do(t, http.MethodDelete, "/api/agents/greeter", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/api/agents/greeter", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errorCode(t, body))
}

func TestRequestValidation(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodPost, env.ts.URL+"/api/agents", strings.NewReader("{"))
	require.NoError(t, err)
	resp, err := env.ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := env.do(t, http.MethodPost, "/api/agents", map[string]string{"name": "no spaces"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_ARGUMENT", errorCode(t, body))

	resp, body = env.do(t, http.MethodPost, "/api/agents", map[string]string{"agent": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_ARGUMENT", errorCode(t, body))

	resp, body = env.do(t, http.MethodPost, "/api/agents/ghost/train", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errorCode(t, body))

	resp, body = env.do(t, http.MethodGet, "/api/agents/ghost/logs?lines=-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_ARGUMENT", errorCode(t, body))

	resp, _ = env.do(t, http.MethodPut, "/api/agents", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestTokenAuth(t *testing.T) {
	svc, err := auth.NewService(auth.Config{Mode: auth.ModeToken, Tokens: []string{"ops:s3cret"}})
	require.NoError(t, err)
	env := newTestEnv(t, WithAuth(svc))

	resp, _ := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := env.do(t, http.MethodGet, "/api/agents", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, body))

	resp, _ = env.do(t, http.MethodGet, "/api/agents", nil, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChatRateLimit(t *testing.T) {
	env := newTestEnv(t, WithRateLimit(config.RateLimitConfig{RequestsPerMinute: 1, Burst: 1}))

	resp, body := env.do(t, http.MethodPost, "/api/agents/ghost/chat", chatRequest{Text: "hi"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errorCode(t, body))

	resp, body = env.do(t, http.MethodPost, "/api/agents/ghost/chat", chatRequest{Text: "hi"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RATE_LIMITED", errorCode(t, body))

	resp, _ = env.do(t, http.MethodGet, "/api/agents", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/api/agents", nil)

	resp, body := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `handler="GET /api/agents"`)
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(env.ts.URL, "http")+"/api/events", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	resp, _ := env.do(t, http.MethodPost, "/api/agents", map[string]string{"name": "greeter"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var e events.Event
	require.NoError(t, json.Unmarshal(data, &e))
	assert.Equal(t, events.AgentCreated, e.Type)
	assert.Equal(t, "greeter", e.Agent)
	assert.Equal(t, 7000, e.Port)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
}

func TestClientLimiterSweepsIdleClients(t *testing.T) {
	l := newClientLimiter(60, 1)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("a"))
	assert.False(t, l.allow("a"))
	assert.True(t, l.allow("b"))

	now = now.Add(5 * time.Minute)
	assert.True(t, l.allow("c"))
	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Len(t, l.clients, 1)
}
