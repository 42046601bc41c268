package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/auxothq/shoprelay/pkg/logutil"
	"github.com/auxothq/shoprelay/pkg/realtime"
)

// ParseError is a client frame that is not a JSON object with a string type.
// The frame is dropped and the connection stays open.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "parsing client message: " + e.Reason
}

const (
	// clientWriteTimeout bounds one data frame write to a browser that has
	// stopped reading.
	clientWriteTimeout = 10 * time.Second

	// closeWriteTimeout bounds the close frame. The socket is closed after it
	// whether or not the frame went out.
	closeWriteTimeout = time.Second
)

// clientConn is the browser side of a pair. *websocket.Conn satisfies it.
// WriteControl and Close may be called while a WriteMessage is in flight.
type clientConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type pairState int

const (
	stateConnecting pairState = iota
	stateReady
	stateClosed
)

func (s pairState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateReady:
		return "ready"
	default:
		return "closed"
	}
}

// pair binds one client socket to one upstream session for its lifetime.
type pair struct {
	id      string
	conn    clientConn
	session realtime.Session
	logger  *slog.Logger

	// ctx is cancelled when the client socket goes away; Connect runs under it.
	ctx    context.Context
	cancel context.CancelFunc

	// mu orders client frames: each is queued or forwarded before the next,
	// and the queue drain happens under it too.
	mu      sync.Mutex
	state   pairState
	pending [][]byte

	writeMu sync.Mutex // serializes writes to conn

	closeOnce      sync.Once
	disconnectOnce sync.Once
	connected      chan struct{} // closed once the connect attempt settles
}

func newPair(conn clientConn, session realtime.Session, logger *slog.Logger) *pair {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &pair{
		id:        id,
		conn:      conn,
		session:   session,
		logger:    logger.With("pair_id", id),
		ctx:       ctx,
		cancel:    cancel,
		connected: make(chan struct{}),
	}
}

// run subscribes to the session, starts connecting, and reads client frames
// until the client socket closes. Both sides are torn down before it returns.
func (p *pair) run() {
	p.session.Subscribe("server.*", p.onServerEvent)
	p.session.Subscribe(realtime.ClassClose, p.onSessionClose)

	go p.connect()

	p.readLoop()

	p.setClosed()
	p.cancel()
	p.disconnectSession()
	p.closeClient(websocket.CloseNormalClosure, "")
	<-p.connected
	p.logger.Info("pair closed")
}

// connect establishes the upstream session, then replays queued frames in
// arrival order and switches to live forwarding.
func (p *pair) connect() {
	defer close(p.connected)

	start := time.Now()
	if err := p.session.Connect(p.ctx); err != nil {
		if p.ctx.Err() == nil {
			p.logger.Error("upstream connect failed", "error", err)
		} else {
			p.logger.Debug("upstream connect abandoned", "error", err)
		}
		p.setClosed()
		p.closeClient(websocket.CloseInternalServerErr, "upstream connect failed")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == stateClosed {
		return
	}
	queued := len(p.pending)
	for _, frame := range p.pending {
		p.forward(frame)
	}
	p.pending = nil
	p.state = stateReady

	p.logger.Info("upstream ready",
		"connect_ms", time.Since(start).Milliseconds(),
		"replayed", queued,
	)
}

func (p *pair) readLoop() {
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				p.logger.Debug("client read failed", "error", err)
			}
			return
		}
		p.handleFrame(data)
	}
}

// handleFrame queues the frame while connecting and forwards it once ready.
func (p *pair) handleFrame(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case stateConnecting:
		p.pending = append(p.pending, data)
	case stateReady:
		p.forward(data)
	}
}

// forward sends one client frame upstream unchanged. Callers hold mu.
func (p *pair) forward(data []byte) {
	eventType, err := clientEventType(data)
	if err != nil {
		p.logger.Warn("dropping client message", "error", err, "content", logutil.Truncate(string(data), 200))
		return
	}
	if err := p.session.Send(eventType, data); err != nil {
		if errors.Is(err, realtime.ErrNotConnected) && p.session.IsReady() {
			p.logger.Error("send rejected by ready session", "type", eventType, "error", err)
			return
		}
		p.logger.Warn("forwarding client message failed", "type", eventType, "error", err)
	}
}

// clientEventType returns the type of a client frame, or a *ParseError.
func clientEventType(data []byte) (string, error) {
	if !gjson.ValidBytes(data) {
		return "", &ParseError{Reason: "invalid JSON"}
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return "", &ParseError{Reason: "not a JSON object"}
	}
	t := root.Get("type")
	if t.Type != gjson.String || t.Str == "" {
		return "", &ParseError{Reason: "missing string field \"type\""}
	}
	return t.Str, nil
}

func (p *pair) onServerEvent(ev realtime.Event) {
	if err := p.write(websocket.TextMessage, ev.Raw); err != nil {
		p.logger.Debug("writing server event to client", "type", ev.Type, "error", err)
	}
}

func (p *pair) onSessionClose(ev realtime.Event) {
	p.logger.Info("upstream session closed", "error", ev.Err)
	p.setClosed()
	p.closeClient(websocket.CloseGoingAway, "upstream closed")
}

func (p *pair) write(messageType int, data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout)); err != nil {
		return err
	}
	return p.conn.WriteMessage(messageType, data)
}

func (p *pair) setClosed() {
	p.mu.Lock()
	p.state = stateClosed
	p.pending = nil
	p.mu.Unlock()
}

// closeClient sends a close frame and closes the client socket, once. It does
// not take writeMu, so a write stuck on a stalled client cannot hold it up.
func (p *pair) closeClient(code int, reason string) {
	p.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		if err := p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout)); err != nil {
			p.logger.Debug("sending close frame", "code", code, "error", err)
		}
		if err := p.conn.Close(); err != nil {
			p.logger.Debug("closing client socket", "error", err)
		}
	})
}

// shutdown tears the pair down from outside its own goroutines. The session
// is disconnected before mu is taken, which unblocks a forward stuck in Send.
func (p *pair) shutdown(code int, reason string) {
	p.closeClient(code, reason)
	p.disconnectSession()
	p.setClosed()
}

func (p *pair) disconnectSession() {
	p.disconnectOnce.Do(func() {
		if err := p.session.Disconnect(); err != nil {
			p.logger.Warn("disconnecting upstream session", "error", err)
		}
	})
}

// current returns the state and queue length.
func (p *pair) current() (pairState, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, len(p.pending)
}
