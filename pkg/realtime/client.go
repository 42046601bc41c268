package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/auxothq/shoprelay/pkg/logutil"
)

const (
	// DefaultURL is the OpenAI Realtime WebSocket endpoint.
	DefaultURL = "wss://api.openai.com/v1/realtime"

	// DefaultModel is sent as the ?model= query parameter.
	DefaultModel = "gpt-4o-realtime-preview-2024-10-01"

	closeWriteTimeout = time.Second
	sendWriteTimeout  = 10 * time.Second
)

// Client is a single-use WebSocket session against the Realtime API.
// Create one per relay pair; after Disconnect it cannot be reconnected.
type Client struct {
	apiKey string
	url    string
	model  string
	dialer *websocket.Dialer
	logger *slog.Logger

	// mu guards everything below it.
	mu        sync.Mutex
	conn      *websocket.Conn
	started   bool // Connect has been called
	ready     bool
	closed    bool
	subs      []subscription
	tools     map[string]registeredTool
	toolOrder []string

	writeMu sync.Mutex // serializes writes to conn

	// ctx is cancelled on Disconnect so in-flight tool calls stop.
	ctx    context.Context
	cancel context.CancelFunc
}

type registeredTool struct {
	def     ToolDefinition
	handler ToolHandler
}

// Option configures a Client.
type Option func(*Client)

// WithURL overrides the WebSocket endpoint.
func WithURL(u string) Option {
	return func(c *Client) { c.url = u }
}

// WithModel overrides the model query parameter.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithDialer overrides the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithLogger sets the logger used for the session.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates an unconnected session authenticated with apiKey.
func NewClient(apiKey string, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		apiKey: apiKey,
		url:    DefaultURL,
		model:  DefaultModel,
		dialer: websocket.DefaultDialer,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		tools:  make(map[string]registeredTool),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Session = (*Client)(nil)

// AddTool registers a function tool. The tool list is sent in a
// session.update right after the socket opens.
func (c *Client) AddTool(def ToolDefinition, h ToolHandler) error {
	if def.Name == "" {
		return fmt.Errorf("realtime: tool name is required")
	}
	if h == nil {
		return fmt.Errorf("realtime: tool %q has no handler", def.Name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("realtime: tool %q added after Connect", def.Name)
	}
	if _, exists := c.tools[def.Name]; exists {
		return fmt.Errorf("realtime: tool %q already added", def.Name)
	}
	c.tools[def.Name] = registeredTool{def: def, handler: h}
	c.toolOrder = append(c.toolOrder, def.Name)
	return nil
}

// Subscribe registers h for events whose class matches pattern.
func (c *Client) Subscribe(pattern string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, subscription{pattern: pattern, handler: h})
}

// IsReady reports whether the session is connected and not yet torn down.
func (c *Client) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready && !c.closed
}

// Connect dials the API, starts the reader, and announces the registered
// tools. It may be called once.
func (c *Client) Connect(ctx context.Context) error {
	target, err := c.endpoint()
	if err != nil {
		return &ConnectError{URL: c.url, Err: err}
	}

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return &ConnectError{URL: target, Err: ErrClosed}
	case c.started:
		c.mu.Unlock()
		return &ConnectError{URL: target, Err: fmt.Errorf("already connected")}
	}
	c.started = true
	c.mu.Unlock()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.apiKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := c.dialer.DialContext(ctx, target, headers)
	if err != nil {
		cerr := &ConnectError{URL: target, Err: err}
		if resp != nil {
			cerr.StatusCode = resp.StatusCode
		}
		return cerr
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return &ConnectError{URL: target, Err: ErrClosed}
	}
	c.conn = conn
	c.ready = true
	c.mu.Unlock()

	go c.readLoop(conn)

	if err := c.announceTools(); err != nil {
		c.Disconnect() //nolint:errcheck
		return &ConnectError{URL: target, Err: err}
	}

	c.logger.Info("realtime session connected", "model", c.model)
	return nil
}

// Disconnect closes the socket and cancels running tool calls.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
		conn.Close()
	}
	return nil
}

// Send writes a client event. An event_id is added when the event has none,
// and type is set to eventType; nothing else in the payload is touched.
func (c *Client) Send(eventType string, event []byte) error {
	c.mu.Lock()
	conn := c.conn
	ok := c.ready && !c.closed
	c.mu.Unlock()
	if !ok {
		return &SendError{EventType: eventType, Err: ErrNotConnected}
	}

	data, err := stampEvent(eventType, event)
	if err != nil {
		return &SendError{EventType: eventType, Err: err}
	}

	if c.logger.Enabled(context.Background(), slog.LevelDebug) {
		c.logger.Debug("sending event", "type", eventType, "content", logutil.Truncate(string(data), 500))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(sendWriteTimeout)); err != nil {
		return &SendError{EventType: eventType, Err: err}
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &SendError{EventType: eventType, Err: err}
	}
	return nil
}

// endpoint builds the dial URL with the model query parameter.
func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return "", fmt.Errorf("parsing URL: %w", err)
	}
	if c.model != "" {
		q := u.Query()
		q.Set("model", c.model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// announceTools sends the registered tool list in a session.update.
func (c *Client) announceTools() error {
	c.mu.Lock()
	defs := make([]map[string]any, 0, len(c.toolOrder))
	for _, name := range c.toolOrder {
		t := c.tools[name]
		defs = append(defs, map[string]any{
			"type":        "function",
			"name":        t.def.Name,
			"description": t.def.Description,
			"parameters":  t.def.Parameters,
		})
	}
	c.mu.Unlock()

	if len(defs) == 0 {
		return nil
	}
	data, err := json.Marshal(map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"tools":       defs,
			"tool_choice": "auto",
		},
	})
	if err != nil {
		return fmt.Errorf("encoding session.update: %w", err)
	}
	return c.Send("session.update", data)
}

// readLoop publishes every upstream frame until the socket fails.
func (c *Client) readLoop(conn *websocket.Conn) {
	var cause error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			cause = err
			break
		}

		typ := gjson.GetBytes(data, "type")
		if !gjson.ValidBytes(data) || typ.Type != gjson.String || typ.Str == "" {
			c.logger.Warn("dropping malformed upstream event", "content", logutil.Truncate(string(data), 200))
			continue
		}

		if c.logger.Enabled(context.Background(), slog.LevelDebug) {
			c.logger.Debug("received event", "type", typ.Str, "len", len(data))
		}

		c.publish(Event{Class: serverClassPrefix + typ.Str, Type: typ.Str, Raw: data})

		if typ.Str == "response.output_item.done" {
			c.handleOutputItem(data)
		}
	}

	c.mu.Lock()
	local := c.closed
	c.mu.Unlock()
	if local {
		return
	}

	c.logger.Info("realtime session closed by upstream", "error", cause)
	c.Disconnect() //nolint:errcheck
	c.publish(Event{Class: ClassClose, Err: cause})
}

// publish calls every matching handler in subscription order.
func (c *Client) publish(ev Event) {
	c.mu.Lock()
	subs := make([]subscription, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, s := range subs {
		if Match(s.pattern, ev.Class) {
			s.handler(ev)
		}
	}
}

// stampEvent sets type and a generated event_id on a client event.
func stampEvent(eventType string, event []byte) ([]byte, error) {
	data := event
	if len(data) == 0 {
		data = []byte("{}")
	}
	var err error
	if !gjson.GetBytes(data, "event_id").Exists() {
		if data, err = sjson.SetBytes(data, "event_id", newEventID()); err != nil {
			return nil, fmt.Errorf("setting event_id: %w", err)
		}
	}
	if gjson.GetBytes(data, "type").String() != eventType {
		if data, err = sjson.SetBytes(data, "type", eventType); err != nil {
			return nil, fmt.Errorf("setting type: %w", err)
		}
	}
	return data, nil
}

func newEventID() string {
	return "evt_" + uuid.New().String()[:12]
}
