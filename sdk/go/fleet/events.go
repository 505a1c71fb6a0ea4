package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Event types published on the event stream.
const (
	EventAgentCreated = "agent.created"
	EventAgentUpdated = "agent.updated"
	EventAgentDeleted = "agent.deleted"
	EventAgentCrashed = "agent.crashed"
	EventTrainFailed  = "agent.train_failed"
	EventChatTransfer = "chat.transfer"
)

// Event is a lifecycle or routing event pushed by the server.
type Event struct {
	Type     string          `json:"type"`
	Agent    string          `json:"agent"`
	Status   string          `json:"status,omitempty"`
	Previous string          `json:"previous,omitempty"`
	Port     int             `json:"port,omitempty"`
	Message  string          `json:"message,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Time     time.Time       `json:"time"`
}

// Events subscribes to the server's event stream. The returned channel is
// closed when ctx ends or the connection drops; the error function then
// blocks until the stream ends and reports why, returning nil for a
// cancelled context.
func (c *Client) Events(ctx context.Context) (<-chan Event, func() error, error) {
	u := c.baseURL.String() + "/api/events"
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	header := http.Header{}
	if token := c.Token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, nil, &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return nil, nil, fmt.Errorf("dial event stream: %w", err)
	}

	out := make(chan Event)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer conn.CloseNow()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				switch {
				case ctx.Err() != nil, websocket.CloseStatus(err) == websocket.StatusNormalClosure:
					err = nil
				case websocket.CloseStatus(err) == websocket.StatusGoingAway:
					err = ErrStreamClosed
				}
				errc <- err
				return
			}
			var e Event
			if err := json.Unmarshal(data, &e); err != nil {
				continue
			}
			select {
			case out <- e:
			case <-ctx.Done():
				errc <- nil
				return
			}
		}
	}()

	wait := sync.OnceValue(func() error { return <-errc })
	return out, wait, nil
}

// ErrStreamClosed is reported when the server ends the event stream for shutdown.
var ErrStreamClosed = errors.New("event stream closed by server")
