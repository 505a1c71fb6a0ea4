package rasa

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AgentFleet/internal/errors"
	"AgentFleet/internal/runtime"
)

func newTestRuntime(t *testing.T, cfg Config) *Runtime {
	t.Helper()
	if cfg.AgentsDir == "" {
		cfg.AgentsDir = t.TempDir()
	}
	rt, err := New(cfg)
	require.NoError(t, err)
	return rt
}

func endpointFor(t *testing.T, srv *httptest.Server) runtime.Endpoint {
	t.Helper()
	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return runtime.Endpoint{Agent: "sales", Host: host, Port: p}
}

const trackerJSON = `{
  "sender_id": "c1",
  "latest_message": {
    "text": "I need help",
    "intent": {"name": "ask_support", "confidence": 0.93},
    "intent_ranking": [{"name": "ask_support", "confidence": 0.93}, {"name": "greet", "confidence": 0.04}],
    "entities": [{"entity": "product", "value": "router", "confidence_entity": 0.8}]
  },
  "events": [
    {"event": "user", "text": "hi"},
    {"event": "slot", "name": "transfer_to", "value": "stale"},
    {"event": "action", "name": "utter_greet", "policy": "RulePolicy", "confidence": 1.0},
    {"event": "user", "text": "I need help"},
    {"event": "action", "name": "utter_transfer", "policy": "RulePolicy", "confidence": 0.97},
    {"event": "action", "name": "action_transfer", "policy": "RulePolicy", "confidence": 0.95},
    {"event": "slot", "name": "transfer_to", "value": "support"},
    {"event": "action", "name": "action_listen", "policy": "RulePolicy", "confidence": 1.0}
  ]
}`

func TestRespondBuildsReplyFromTracker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/webhooks/rest/webhook":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "c1", body["sender"])
			assert.Equal(t, "I need help", body["message"])
			_, _ = w.Write([]byte(`[{"recipient_id":"c1","text":"Let me hand you over to a colleague."}]`))
		case "/conversations/c1/tracker":
			_, _ = w.Write([]byte(trackerJSON))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	rt := newTestRuntime(t, Config{})
	reply, err := rt.Respond(context.Background(), endpointFor(t, srv), "c1", "I need help")
	require.NoError(t, err)

	require.Len(t, reply.Messages, 1)
	assert.Equal(t, "Let me hand you over to a colleague.", reply.Messages[0].Text)
	require.NotNil(t, reply.Intent)
	assert.Equal(t, "ask_support", reply.Intent.Name)
	assert.Len(t, reply.IntentRanking, 2)
	require.Len(t, reply.Actions, 2)
	assert.Equal(t, "utter_transfer", reply.Actions[0].Name)
	assert.InDelta(t, 0.95, *reply.Actions[1].Confidence, 1e-9)
	assert.Equal(t, "support", reply.TransferTo)
	require.Len(t, reply.Entities, 1)
	assert.Equal(t, "router", reply.Entities[0].Value)
}

func TestRespondIgnoresTransferFromEarlierTurns(t *testing.T) {
	tr := tracker{Events: []trackerEvent{
		{Event: "user"},
		{Event: "slot", Name: TransferSlot, Value: json.RawMessage(`"support"`)},
		{Event: "user"},
		{Event: "action", Name: "utter_greet"},
		{Event: "slot", Name: TransferSlot, Value: json.RawMessage(`null`)},
	}}
	reply := buildReply(nil, &tr)
	assert.Empty(t, reply.TransferTo)
	assert.Len(t, reply.Actions, 1)
}

func TestRespondMapsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rt := newTestRuntime(t, Config{})
	_, err := rt.Respond(context.Background(), endpointFor(t, srv), "c1", "hi")
	assert.Equal(t, xerrors.CodeRuntimeFailure, xerrors.CodeOf(err))
	assert.Contains(t, err.Error(), "503")
}

func TestHealthCheck(t *testing.T) {
	var unhealthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if unhealthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("Hello from Rasa: 3.6.0"))
	}))
	defer srv.Close()

	rt := newTestRuntime(t, Config{})
	ep := endpointFor(t, srv)
	assert.NoError(t, rt.HealthCheck(context.Background(), ep))

	unhealthy.Store(true)
	assert.Error(t, rt.HealthCheck(context.Background(), ep))

	srv.Close()
	assert.Error(t, rt.HealthCheck(context.Background(), ep))
}

func TestPrepareScaffoldsWithoutOverwriting(t *testing.T) {
	dir := t.TempDir()
	rt := newTestRuntime(t, Config{AgentsDir: dir})
	ctx := context.Background()

	custom := filepath.Join(dir, "sales", "domain.yml")
	require.NoError(t, os.MkdirAll(filepath.Dir(custom), 0o755))
	require.NoError(t, os.WriteFile(custom, []byte("custom"), 0o644))

	require.NoError(t, rt.Prepare(ctx, "sales"))

	for _, name := range []string{"config.yml", "credentials.yml", "data/nlu.yml", "data/stories.yml", "data/rules.yml", "actions/actions.py", "actions/__init__.py"} {
		_, err := os.Stat(filepath.Join(dir, "sales", filepath.FromSlash(name)))
		assert.NoError(t, err, name)
	}
	content, err := os.ReadFile(custom)
	require.NoError(t, err)
	assert.Equal(t, "custom", string(content))
}

func TestLaunchSpecsAndEndpoints(t *testing.T) {
	dir := t.TempDir()
	rt := newTestRuntime(t, Config{AgentsDir: dir, Executable: "/opt/rasa/bin/rasa", RunArgs: []string{"--debug"}})
	require.NoError(t, rt.Prepare(context.Background(), "sales"))

	specs := rt.launchSpecs("sales", 5005)
	require.Len(t, specs, 2)
	assert.Equal(t, "/opt/rasa/bin/rasa", specs[0].Path)
	assert.Contains(t, specs[0].Args, "5005")
	assert.Equal(t, "--debug", specs[0].Args[len(specs[0].Args)-1])
	assert.Equal(t, []string{"run", "actions", "--port", "5006", "--actions", "actions"}, specs[1].Args)
	assert.Equal(t, filepath.Join(dir, "sales"), specs[1].Dir)

	require.NoError(t, rt.writeEndpoints("sales", 5005))
	content, err := os.ReadFile(filepath.Join(dir, "sales", "endpoints.yml"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "http://127.0.0.1:5006/webhook")

	noActions := newTestRuntime(t, Config{AgentsDir: dir, DisableActions: true})
	assert.Len(t, noActions.launchSpecs("sales", 5005), 1)
}

func TestTrainRequiresWorkspace(t *testing.T) {
	rt := newTestRuntime(t, Config{})
	err := rt.Train(context.Background(), "ghost", nil)
	assert.Equal(t, xerrors.CodeRuntimeFailure, xerrors.CodeOf(err))

	spec := rt.trainSpec("sales")
	assert.Equal(t, []string{"train", "--quiet", "--out", "models"}, spec.Args)
}
