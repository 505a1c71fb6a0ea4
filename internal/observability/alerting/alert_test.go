package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AgentFleet/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (n *recordingNotifier) Channel() Channel { return n.channel }

func (n *recordingNotifier) Notify(_ context.Context, event Event) error {
	n.events = append(n.events, event)
	return n.err
}

func TestFanoutDeliversToAllAndJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{channel: "a"}
	failing := &recordingNotifier{channel: "b", err: errors.New("boom")}
	d := NewFanout(ok, nil, failing)

	err := d.Notify(context.Background(), Event{Code: xerrors.CodeProcessCrashed})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel b")
	assert.Len(t, ok.events, 1)
	assert.Len(t, failing.events, 1)

	var nilDispatcher *FanoutDispatcher
	assert.NoError(t, nilDispatcher.Notify(context.Background(), Event{}))
}

func TestFromErrorUsesCodeAttributes(t *testing.T) {
	err := xerrors.New(xerrors.CodeProcessCrashed, "进程退出", xerrors.WithMetadata("pid", "42"))
	event := FromError("sales", "crash", err)
	assert.Equal(t, xerrors.CodeProcessCrashed, event.Code)
	assert.Equal(t, xerrors.SeverityCritical, event.Severity)
	assert.Equal(t, "42", event.Metadata["pid"])
	assert.Equal(t, "sales", event.Agent)
	assert.Contains(t, event.Message, "进程退出")
	assert.NoError(t, LogNotifier{}.Notify(context.Background(), event))
}

func TestWebhookNotifier(t *testing.T) {
	received := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&e))
		received <- e
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhookNotifier("ops", srv.URL, time.Second)
	assert.Equal(t, Channel("webhook:ops"), n.Channel())
	require.NoError(t, n.Notify(context.Background(), Event{Code: xerrors.CodeStartupTimeout, Agent: "sales"}))
	e := <-received
	assert.Equal(t, "sales", e.Agent)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()
	assert.Error(t, NewWebhookNotifier("", failing.URL, time.Second).Notify(context.Background(), Event{}))
}
