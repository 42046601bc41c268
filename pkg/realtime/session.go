// Package realtime is the upstream side of the relay: a session against the
// OpenAI Realtime API over WebSocket.
//
// The relay only depends on the Session interface, so any realtime client
// that can connect, send typed events, and publish server events by pattern
// can be substituted. Client is the WebSocket implementation.
//
// Event classes follow the upstream SDK convention:
//
//	server.<type>   every event received from the API (e.g. server.session.created)
//	close           the upstream socket went away without Disconnect being called
//
// Subscribe patterns are either an exact class, "*", or a prefix ending in
// ".*" ("server.*" matches every server event).
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Session is the capability set the relay needs from an upstream session.
type Session interface {
	// Connect establishes the upstream session. It fails with *ConnectError.
	Connect(ctx context.Context) error

	// Disconnect tears the session down. Safe to call any number of times.
	Disconnect() error

	// IsReady reports whether Connect has succeeded and the session is alive.
	IsReady() bool

	// Send writes one client event. event is the raw JSON object; it must not
	// be nil. Fails with *SendError before the session is ready.
	Send(eventType string, event []byte) error

	// Subscribe registers h for every event whose class matches pattern.
	// Handlers run in delivery order on the reader goroutine and must not block.
	Subscribe(pattern string, h Handler)

	// AddTool registers a function tool. Must be called before Connect.
	AddTool(def ToolDefinition, h ToolHandler) error
}

// Event classes published besides server.<type>.
const (
	ClassClose        = "close"
	serverClassPrefix = "server."
)

// Event is one notification delivered to subscribers.
type Event struct {
	Class string          // "server.<type>" or "close"
	Type  string          // upstream event type, empty for close
	Raw   json.RawMessage // upstream JSON exactly as received, nil for close
	Err   error           // close cause, if any
}

// Handler receives matching events.
type Handler func(Event)

// ToolDefinition describes a function tool to the model.
// Parameters is a JSON Schema object.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolHandler executes a tool call. args is the JSON object produced by the
// model. The returned value is JSON-encoded and sent back as the call output.
type ToolHandler func(ctx context.Context, args json.RawMessage) (any, error)

// ErrNotConnected is wrapped by SendError when Send is called before
// Connect has succeeded or after Disconnect.
var ErrNotConnected = errors.New("realtime: not connected")

// ErrClosed is wrapped by ConnectError when Connect races with Disconnect or
// is called on a disconnected session.
var ErrClosed = errors.New("realtime: session closed")

// ConnectError reports a failed Connect.
type ConnectError struct {
	URL        string
	StatusCode int // HTTP status of a rejected handshake, 0 if none
	Err        error
}

func (e *ConnectError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("realtime: connecting to %s: HTTP %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("realtime: connecting to %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SendError reports a failed Send.
type SendError struct {
	EventType string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("realtime: sending %q: %v", e.EventType, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Match reports whether an event class matches a subscription pattern.
func Match(pattern, class string) bool {
	switch {
	case pattern == "*" || pattern == class:
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(class, strings.TrimSuffix(pattern, "*"))
	default:
		return false
	}
}

type subscription struct {
	pattern string
	handler Handler
}
