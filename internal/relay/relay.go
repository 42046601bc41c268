package relay

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/auxothq/shoprelay/pkg/auth"
	"github.com/auxothq/shoprelay/pkg/realtime"
	"github.com/auxothq/shoprelay/pkg/tools"
)

// RelayPath is the only path that accepts client sockets.
const RelayPath = "/"

// ErrPathRejected is logged when a socket is opened on any other path.
var ErrPathRejected = errors.New("relay: path not accepted")

// SessionFactory creates an unconnected upstream session for one pair.
type SessionFactory func() realtime.Session

// Relay accepts client WebSockets and runs one pair per connection.
//
// Pairs share nothing but the read-only factory, tool registry and verifier.
type Relay struct {
	newSession SessionFactory
	tools      *tools.Registry
	verifier   *auth.Verifier // nil or disabled = no client key
	keyPrefix  string         // masked upstream credential, logged per connection
	logger     *slog.Logger

	upgrader websocket.Upgrader

	mu    sync.Mutex
	pairs map[*pair]struct{}
	wg    sync.WaitGroup
}

// NewRelay creates a Relay. upstreamKey is only used to log its masked prefix.
func NewRelay(newSession SessionFactory, registry *tools.Registry, verifier *auth.Verifier, upstreamKey string, logger *slog.Logger) *Relay {
	return &Relay{
		newSession: newSession,
		tools:      registry,
		verifier:   verifier,
		keyPrefix:  auth.MaskKey(upstreamKey),
		logger:     logger,
		pairs:      make(map[*pair]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and runs its pair until either side closes.
func (h *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != RelayPath && !websocket.IsWebSocketUpgrade(r) {
		writeErrorJSON(w, http.StatusNotFound, "endpoint not found")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	if r.URL.Path != RelayPath {
		h.logger.Warn("rejecting client socket", "path", r.URL.Path, "error", ErrPathRejected)
		reject(conn, websocket.ClosePolicyViolation, "path not accepted")
		return
	}

	if h.verifier.Enabled() {
		valid, err := h.verifier.Verify(r.URL.Query().Get("key"))
		if err != nil || !valid {
			h.logger.Warn("invalid client key", "remote", r.RemoteAddr, "error", err)
			reject(conn, websocket.ClosePolicyViolation, "invalid client key")
			return
		}
	}

	session := h.newSession()
	if err := h.registerTools(session); err != nil {
		h.logger.Error("registering tools on session", "error", err)
		session.Disconnect() //nolint:errcheck
		reject(conn, websocket.CloseInternalServerErr, "session setup failed")
		return
	}

	p := newPair(conn, session, h.logger)
	if !h.track(p) {
		session.Disconnect() //nolint:errcheck
		reject(conn, websocket.CloseGoingAway, "shutting down")
		return
	}
	defer h.untrack(p)

	p.logger.Info("client connected",
		"remote", r.RemoteAddr,
		"key_prefix", h.keyPrefix,
		"active_pairs", h.ActivePairs(),
	)
	p.run()
}

// ActivePairs returns the number of live pairs.
func (h *Relay) ActivePairs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pairs)
}

// Close closes every client socket and waits for the pairs to tear down.
// New connections are refused afterwards.
func (h *Relay) Close() {
	h.mu.Lock()
	pairs := h.pairs
	h.pairs = nil
	h.mu.Unlock()

	for p := range pairs {
		p.shutdown(websocket.CloseGoingAway, "server shutting down")
	}
	h.wg.Wait()
}

func (h *Relay) track(p *pair) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pairs == nil {
		return false
	}
	h.pairs[p] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Relay) untrack(p *pair) {
	h.mu.Lock()
	delete(h.pairs, p)
	h.mu.Unlock()
	h.wg.Done()
}

func (h *Relay) registerTools(s realtime.Session) error {
	if h.tools == nil {
		return nil
	}
	return h.tools.RegisterOn(s)
}

// reject closes a freshly upgraded socket that never gets a pair.
func reject(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
	conn.Close()
}
