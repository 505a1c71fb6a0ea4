// Package fleet is a Go client for the AgentFleet REST API.
package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 60 * time.Second

// Agent statuses reported by the server.
const (
	StatusCreated  = "created"
	StatusTraining = "training"
	StatusReady    = "ready"
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusStopped  = "stopped"
	StatusFailed   = "failed"
)

// Client wraps the HTTP interactions with the AgentFleet API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// Agent is the full registry record of an agent.
type Agent struct {
	Name         string `json:"name"`
	Port         int    `json:"port"`
	Status       string `json:"status"`
	PID          int    `json:"pid,omitempty"`
	LastError    string `json:"last_error,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	CrashPending bool   `json:"crash_pending,omitempty"`
	TrainedAt    int64  `json:"trained_at,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// AgentSummary is the per-agent view returned by ListAgents.
type AgentSummary struct {
	Port      int    `json:"port"`
	Status    string `json:"status"`
	LastError string `json:"last_error,omitempty"`
	UpdatedAt int64  `json:"updated_at"`
}

// Message is a single bot utterance.
type Message struct {
	Text    string   `json:"text,omitempty"`
	Image   string   `json:"image,omitempty"`
	Buttons []Button `json:"buttons,omitempty"`
}

// Button is a quick reply attached to a message.
type Button struct {
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

// Intent is a classified user intent.
type Intent struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// Action is a bot action executed in reply to the user.
type Action struct {
	Name       string   `json:"name"`
	Confidence *float64 `json:"confidence,omitempty"`
	Policy     string   `json:"policy,omitempty"`
}

// Entity is an extracted entity.
type Entity struct {
	Entity     string  `json:"entity"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Transfer reports that a turn moved the conversation to another agent.
type Transfer struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Forwarded carries the reply of a transfer target to the same input.
type Forwarded struct {
	Agent    string    `json:"agent"`
	Messages []Message `json:"messages"`
	Actions  []Action  `json:"output_actions"`
	Intent   *Intent   `json:"intent,omitempty"`
}

// Trace is one recorded conversation turn.
type Trace struct {
	ID            string     `json:"id"`
	Session       string     `json:"session"`
	Sequence      int64      `json:"sequence"`
	RecordedAt    time.Time  `json:"recorded_at"`
	Agent         string     `json:"agent"`
	InputText     string     `json:"input_text"`
	Messages      []Message  `json:"messages"`
	OutputActions []Action   `json:"output_actions"`
	Intent        *Intent    `json:"intent,omitempty"`
	IntentRanking []Intent   `json:"intent_ranking,omitempty"`
	Entities      []Entity   `json:"entities,omitempty"`
	Transfer      *Transfer  `json:"transfer,omitempty"`
	Forwarded     *Forwarded `json:"forwarded,omitempty"`
	LatencyMS     int64      `json:"latency_ms"`
}

// Conversation is the binding of a conversation to its current agent.
type Conversation struct {
	EntryAgent     string    `json:"entry_agent"`
	ConversationID string    `json:"conversation_id"`
	CurrentAgent   string    `json:"current_agent"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Session is a conversation together with its recent history.
type Session struct {
	Conversation
	History []Trace `json:"history"`
}

// APIError is returned for every non-2xx response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("fleet api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("fleet api error (%d): %s", e.StatusCode, e.Message)
}

// HasCode reports whether err is an APIError with the given code.
func HasCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// NewClient creates a client for the API served at rawURL. When httpClient is
// nil a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url scheme %q", parsed.Scheme)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetToken sets the bearer token sent with every request. An empty token
// disables the Authorization header.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the configured bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Health checks that the server is reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil, nil)
}

// ListAgents returns every registered agent keyed by name.
func (c *Client) ListAgents(ctx context.Context) (map[string]AgentSummary, error) {
	out := map[string]AgentSummary{}
	if err := c.do(ctx, http.MethodGet, "/api/agents", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateAgent registers a new agent and allocates its port.
func (c *Client) CreateAgent(ctx context.Context, name string) (Agent, error) {
	var out Agent
	err := c.do(ctx, http.MethodPost, "/api/agents", nil, map[string]string{"name": name}, &out)
	return out, err
}

// GetAgent returns the full record of an agent.
func (c *Client) GetAgent(ctx context.Context, name string) (Agent, error) {
	var out Agent
	err := c.do(ctx, http.MethodGet, agentPath(name), nil, nil, &out)
	return out, err
}

// DeleteAgent removes an agent that is not running.
func (c *Client) DeleteAgent(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, agentPath(name), nil, nil, nil)
}

// Train queues a training run. The returned record is in the training state.
func (c *Client) Train(ctx context.Context, name string) (Agent, error) {
	var out Agent
	err := c.do(ctx, http.MethodPost, agentPath(name, "train"), nil, struct{}{}, &out)
	return out, err
}

// Start launches the agent and blocks until it is running or fails to start.
func (c *Client) Start(ctx context.Context, name string) (Agent, error) {
	var out Agent
	err := c.do(ctx, http.MethodPost, agentPath(name, "start"), nil, struct{}{}, &out)
	return out, err
}

// Stop stops a running agent.
func (c *Client) Stop(ctx context.Context, name string) (Agent, error) {
	var out Agent
	err := c.do(ctx, http.MethodPost, agentPath(name, "stop"), nil, struct{}{}, &out)
	return out, err
}

// Chat sends text to the conversation entered through agent. An empty
// conversationID selects the default conversation.
func (c *Client) Chat(ctx context.Context, agent, conversationID, text string) (Trace, error) {
	var out Trace
	body := map[string]string{"text": text}
	if conversationID != "" {
		body["conversation_id"] = conversationID
	}
	err := c.do(ctx, http.MethodPost, agentPath(agent, "chat"), nil, body, &out)
	return out, err
}

// Conversations lists the conversations entered through agent.
func (c *Client) Conversations(ctx context.Context, agent string) ([]Conversation, error) {
	var out []Conversation
	if err := c.do(ctx, http.MethodGet, agentPath(agent, "conversations"), nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Conversation returns one conversation with at most limit recent turns.
// limit <= 0 returns every retained turn.
func (c *Client) Conversation(ctx context.Context, agent, conversationID string, limit int) (Session, error) {
	var query url.Values
	if limit > 0 {
		query = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	var out Session
	err := c.do(ctx, http.MethodGet, agentPath(agent, "conversations", conversationID), query, nil, &out)
	return out, err
}

// Logs returns the last lines of the agent's process output.
func (c *Client) Logs(ctx context.Context, agent string, lines int) ([]string, error) {
	var query url.Values
	if lines > 0 {
		query = url.Values{"lines": {strconv.Itoa(lines)}}
	}
	var out struct {
		Lines []string `json:"lines"`
	}
	if err := c.do(ctx, http.MethodGet, agentPath(agent, "logs"), query, nil, &out); err != nil {
		return nil, err
	}
	return out.Lines, nil
}

// WaitForStatus polls the agent until it reaches one of the wanted statuses,
// the context ends, or it lands in failed while failed was not requested.
func (c *Client) WaitForStatus(ctx context.Context, name string, interval time.Duration, want ...string) (Agent, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ag, err := c.GetAgent(ctx, name)
		if err != nil {
			return Agent{}, err
		}
		for _, s := range want {
			if ag.Status == s {
				return ag, nil
			}
		}
		if ag.Status == StatusFailed {
			return ag, fmt.Errorf("agent %s failed: %s", name, ag.LastError)
		}
		select {
		case <-ctx.Done():
			return ag, ctx.Err()
		case <-ticker.C:
		}
	}
}

func agentPath(name string, rest ...string) string {
	parts := []string{"/api/agents", url.PathEscape(name)}
	for _, p := range rest {
		parts = append(parts, url.PathEscape(p))
	}
	return strings.Join(parts, "/")
}

func (c *Client) endpoint(p string, query url.Values) string {
	u := c.baseURL.String() + p
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *Client) do(ctx context.Context, method, p string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(p, query), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &struct {
			Error *APIError `json:"error"`
		}{Error: apiErr}); err != nil {
			_ = json.Unmarshal(data, apiErr)
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
