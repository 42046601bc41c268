package relay

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"pgregory.net/rapid"

	"github.com/auxothq/shoprelay/pkg/realtime"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// eventually polls cond until it holds or two seconds pass.
func eventually(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

// --- fake upstream session ---

type sentEvent struct {
	typ  string
	data []byte
}

type fakeSub struct {
	pattern string
	handler realtime.Handler
}

// fakeSession is a realtime.Session whose Connect blocks until the test
// sends the outcome on gate.
type fakeSession struct {
	gate chan error

	mu             sync.Mutex
	subs           []fakeSub
	tools          []realtime.ToolDefinition
	toolsAtConnect int
	sent           []sentEvent
	ready          bool
	connects       int
	disconnects    int

	// stall, when set, blocks Send until Disconnect; stalling is signalled
	// each time a Send starts blocking.
	stall    chan struct{}
	stalling chan struct{}
}

func newFakeSession() *fakeSession {
	return &fakeSession{gate: make(chan error, 1)}
}

func (s *fakeSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.connects++
	s.toolsAtConnect = len(s.tools)
	s.mu.Unlock()

	select {
	case err := <-s.gate:
		if err != nil {
			return &realtime.ConnectError{URL: "fake://upstream", Err: err}
		}
		s.mu.Lock()
		s.ready = true
		s.mu.Unlock()
		return nil
	case <-ctx.Done():
		return &realtime.ConnectError{URL: "fake://upstream", Err: ctx.Err()}
	}
}

func (s *fakeSession) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
	s.ready = false
	if s.stall != nil {
		close(s.stall)
		s.stall = nil
	}
	return nil
}

// stallSends makes every later Send block like a write to an upstream that
// stopped reading.
func (s *fakeSession) stallSends() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stall = make(chan struct{})
	s.stalling = make(chan struct{}, 1)
	return s.stalling
}

func (s *fakeSession) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *fakeSession) Send(eventType string, event []byte) error {
	s.mu.Lock()
	stall, stalling := s.stall, s.stalling
	s.mu.Unlock()
	if stall != nil {
		select {
		case stalling <- struct{}{}:
		default:
		}
		<-stall
		return &realtime.SendError{EventType: eventType, Err: realtime.ErrClosed}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return &realtime.SendError{EventType: eventType, Err: realtime.ErrNotConnected}
	}
	s.sent = append(s.sent, sentEvent{typ: eventType, data: append([]byte(nil), event...)})
	return nil
}

func (s *fakeSession) Subscribe(pattern string, h realtime.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fakeSub{pattern: pattern, handler: h})
}

func (s *fakeSession) AddTool(def realtime.ToolDefinition, _ realtime.ToolHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = append(s.tools, def)
	return nil
}

// emit delivers ev to every matching subscriber, like the session reader does.
func (s *fakeSession) emit(ev realtime.Event) {
	s.mu.Lock()
	subs := append([]fakeSub(nil), s.subs...)
	s.mu.Unlock()
	for _, sub := range subs {
		if realtime.Match(sub.pattern, ev.Class) {
			sub.handler(ev)
		}
	}
}

func (s *fakeSession) sentEvents() []sentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentEvent(nil), s.sent...)
}

func (s *fakeSession) counts() (connects, disconnects int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects, s.disconnects
}

func (s *fakeSession) subscribed(n int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs) >= n
}

// --- fake client socket ---

type fakeConn struct {
	in       chan []byte
	done     chan struct{}
	doneOnce sync.Once

	mu          sync.Mutex
	written     [][]byte
	closeFrames []int
	closes      int
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte), done: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case <-c.done:
		return 0, nil, net.ErrClosed
	default:
	}
	select {
	case data, ok := <-c.in:
		if !ok {
			return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
		}
		return websocket.TextMessage, data, nil
	case <-c.done:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}
	if messageType != websocket.CloseMessage {
		return nil
	}
	code := websocket.CloseNoStatusReceived
	if len(data) >= 2 {
		code = int(binary.BigEndian.Uint16(data[:2]))
	}
	c.mu.Lock()
	c.closeFrames = append(c.closeFrames, code)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
	return nil
}

// fatalf is the part of *testing.T and *rapid.T that push needs.
type fatalf interface {
	Helper()
	Fatalf(format string, args ...any)
}

func (c *fakeConn) push(t fatalf, data string) {
	t.Helper()
	select {
	case c.in <- []byte(data):
	case <-time.After(2 * time.Second):
		t.Fatalf("client frame %q was never read", data)
	}
}

func (c *fakeConn) snapshot() (written [][]byte, closeFrames []int, closes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...), append([]int(nil), c.closeFrames...), c.closes
}

// runPair starts a pair over fakes and returns a channel closed when run returns.
func runPair() (*pair, *fakeConn, *fakeSession, <-chan struct{}) {
	conn := newFakeConn()
	s := newFakeSession()
	p := newPair(conn, s, testLogger())
	done := make(chan struct{})
	go func() {
		p.run()
		close(done)
	}()
	return p, conn, s, done
}

func waitDone(t testing.TB, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pair did not shut down")
	}
}

func startPair(t *testing.T) (*pair, *fakeConn, *fakeSession, <-chan struct{}) {
	t.Helper()
	p, conn, s, done := runPair()
	t.Cleanup(func() {
		conn.Close()
		waitDone(t, done)
	})
	if !eventually(func() bool { c, _ := s.counts(); return c == 1 }) {
		t.Fatal("session was never connected")
	}
	return p, conn, s, done
}

func isState(p *pair, want pairState) func() bool {
	return func() bool { st, _ := p.current(); return st == want }
}

func queued(p *pair, n int) func() bool {
	return func() bool { _, q := p.current(); return q == n }
}

// --- tests ---

func TestPair_SubscribesBeforeConnect(t *testing.T) {
	_, _, s, _ := startPair(t)
	if !s.subscribed(2) {
		t.Fatal("pair should subscribe to server events and close before connecting")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[0].pattern != "server.*" || s.subs[1].pattern != realtime.ClassClose {
		t.Errorf("unexpected subscriptions: %q, %q", s.subs[0].pattern, s.subs[1].pattern)
	}
}

func TestPair_QueuesUntilReady(t *testing.T) {
	p, conn, s, _ := startPair(t)

	conn.push(t, `{"type":"x"}`)
	if !eventually(queued(p, 1)) {
		t.Fatal("frame should be queued while connecting")
	}
	if len(s.sentEvents()) != 0 {
		t.Fatal("nothing should be sent before connect resolves")
	}

	s.gate <- nil
	if !eventually(isState(p, stateReady)) {
		t.Fatal("pair never became ready")
	}
	conn.push(t, `{"type":"y","n":1}`)

	if !eventually(func() bool { return len(s.sentEvents()) == 2 }) {
		t.Fatalf("expected 2 sent events, got %d", len(s.sentEvents()))
	}
	sent := s.sentEvents()
	if sent[0].typ != "x" || string(sent[0].data) != `{"type":"x"}` {
		t.Errorf("first event: got %s %s", sent[0].typ, sent[0].data)
	}
	if sent[1].typ != "y" || string(sent[1].data) != `{"type":"y","n":1}` {
		t.Errorf("second event: got %s %s", sent[1].typ, sent[1].data)
	}
	if _, q := p.current(); q != 0 {
		t.Errorf("queue should be empty after drain, has %d", q)
	}
}

func TestPair_FIFOProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 30).Draw(rt, "n")
		before := rapid.IntRange(0, n).Draw(rt, "before")

		p, conn, s, done := runPair()
		defer func() {
			conn.Close()
			<-done
		}()

		frame := func(i int) string {
			return fmt.Sprintf(`{"type":"input_audio_buffer.append","seq":%d}`, i)
		}

		for i := 0; i < before; i++ {
			conn.push(rt, frame(i))
		}
		if !eventually(queued(p, before)) {
			rt.Fatalf("expected %d queued frames", before)
		}

		s.gate <- nil
		for i := before; i < n; i++ {
			conn.push(rt, frame(i))
		}

		if !eventually(func() bool { return len(s.sentEvents()) >= n }) {
			rt.Fatalf("expected %d sent events, got %d", n, len(s.sentEvents()))
		}

		close(conn.in)
		<-done

		sent := s.sentEvents()
		if len(sent) != n {
			rt.Fatalf("each frame must be sent exactly once: got %d, want %d", len(sent), n)
		}
		for i, ev := range sent {
			if string(ev.data) != frame(i) {
				rt.Fatalf("event %d out of order: got %s", i, ev.data)
			}
		}
	})
}

func TestPair_MalformedFramesDropped(t *testing.T) {
	p, conn, s, _ := startPair(t)

	conn.push(t, `garbage before connect`)
	conn.push(t, `{"type":"a"}`)
	if !eventually(queued(p, 2)) {
		t.Fatal("frames should be queued")
	}
	s.gate <- nil
	if !eventually(isState(p, stateReady)) {
		t.Fatal("pair never became ready")
	}

	for _, bad := range []string{`not json`, `[1,2]`, `{"type":5}`, `{"type":""}`, `"x"`} {
		conn.push(t, bad)
	}
	conn.push(t, `{"type":"b"}`)

	if !eventually(func() bool { return len(s.sentEvents()) == 2 }) {
		t.Fatalf("expected 2 sent events, got %d", len(s.sentEvents()))
	}
	sent := s.sentEvents()
	if sent[0].typ != "a" || sent[1].typ != "b" {
		t.Errorf("unexpected events: %s, %s", sent[0].typ, sent[1].typ)
	}
	if _, _, closes := conn.snapshot(); closes != 0 {
		t.Error("malformed frames must not close the connection")
	}
}

func TestPair_ConnectFailureClosesClient(t *testing.T) {
	p, conn, s, done := startPair(t)

	conn.push(t, `{"type":"x"}`)
	if !eventually(queued(p, 1)) {
		t.Fatal("frame should be queued")
	}
	s.gate <- errors.New("401 unauthorized")
	waitDone(t, done)

	written, closeFrames, closes := conn.snapshot()
	if len(written) != 0 {
		t.Errorf("client should receive no server events, got %d", len(written))
	}
	if closes != 1 {
		t.Errorf("client socket closes: got %d, want 1", closes)
	}
	if len(closeFrames) != 1 || closeFrames[0] != websocket.CloseInternalServerErr {
		t.Errorf("close frames: got %v", closeFrames)
	}
	if len(s.sentEvents()) != 0 {
		t.Error("no frames should be forwarded after a failed connect")
	}
	if st, q := p.current(); st != stateClosed || q != 0 {
		t.Errorf("state after failure: %v with %d queued", st, q)
	}
}

func TestPair_ClientCloseDisconnectsOnce(t *testing.T) {
	p, conn, s, done := startPair(t)
	s.gate <- nil
	if !eventually(isState(p, stateReady)) {
		t.Fatal("pair never became ready")
	}

	close(conn.in)
	waitDone(t, done)

	if _, d := s.counts(); d != 1 {
		t.Fatalf("disconnects: got %d, want 1", d)
	}

	p.disconnectSession()
	p.closeClient(websocket.CloseNormalClosure, "")
	if _, d := s.counts(); d != 1 {
		t.Errorf("repeated disconnect should be a no-op, got %d", d)
	}
	if _, _, closes := conn.snapshot(); closes != 1 {
		t.Errorf("repeated close should be a no-op, got %d", closes)
	}
}

func TestPair_SessionCloseClosesClientOnce(t *testing.T) {
	p, conn, s, done := startPair(t)
	s.gate <- nil
	if !eventually(isState(p, stateReady)) {
		t.Fatal("pair never became ready")
	}

	s.emit(realtime.Event{Class: realtime.ClassClose, Err: errors.New("upstream went away")})
	waitDone(t, done)
	s.emit(realtime.Event{Class: realtime.ClassClose})

	_, closeFrames, closes := conn.snapshot()
	if closes != 1 {
		t.Errorf("client socket closes: got %d, want 1", closes)
	}
	if len(closeFrames) != 1 || closeFrames[0] != websocket.CloseGoingAway {
		t.Errorf("close frames: got %v", closeFrames)
	}
}

func TestPair_ShutdownUnblocksStalledSend(t *testing.T) {
	p, conn, s, done := startPair(t)
	s.gate <- nil
	if !eventually(isState(p, stateReady)) {
		t.Fatal("pair never became ready")
	}

	stalling := s.stallSends()
	conn.push(t, `{"type":"input_audio_buffer.append"}`)
	select {
	case <-stalling:
	case <-time.After(2 * time.Second):
		t.Fatal("forward never reached the session")
	}

	returned := make(chan struct{})
	go func() {
		p.shutdown(websocket.CloseGoingAway, "server shutting down")
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown blocked behind a stalled upstream send")
	}
	waitDone(t, done)

	_, closeFrames, closes := conn.snapshot()
	if closes != 1 {
		t.Errorf("client socket closes: got %d, want 1", closes)
	}
	if len(closeFrames) != 1 || closeFrames[0] != websocket.CloseGoingAway {
		t.Errorf("close frames: got %v", closeFrames)
	}
}

func TestPair_ForwardsServerEvents(t *testing.T) {
	p, conn, s, _ := startPair(t)
	s.gate <- nil
	if !eventually(isState(p, stateReady)) {
		t.Fatal("pair never became ready")
	}

	raw := []byte(`{"type":"response.audio.delta","delta":"AAAA","event_id":"e1"}`)
	s.emit(realtime.Event{Class: "server.response.audio.delta", Type: "response.audio.delta", Raw: raw})
	s.emit(realtime.Event{Class: "client.ignored", Raw: []byte(`{}`)})

	if !eventually(func() bool { w, _, _ := conn.snapshot(); return len(w) >= 1 }) {
		t.Fatal("server event was not written to the client")
	}
	written, _, _ := conn.snapshot()
	if len(written) != 1 {
		t.Fatalf("only server.* events should reach the client, got %d frames", len(written))
	}
	if !bytes.Equal(written[0], raw) {
		t.Errorf("server event should be forwarded verbatim: got %s", written[0])
	}
}

func TestPair_ClientCloseDuringConnect(t *testing.T) {
	p, conn, s, done := startPair(t)
	conn.push(t, `{"type":"x"}`)
	if !eventually(queued(p, 1)) {
		t.Fatal("frame should be queued")
	}

	close(conn.in)
	waitDone(t, done)

	c, d := s.counts()
	if c != 1 || d != 1 {
		t.Errorf("connects=%d disconnects=%d, want 1 and 1", c, d)
	}
	if len(s.sentEvents()) != 0 {
		t.Error("queued frames must not be sent after the client left")
	}
}

func TestClientEventType(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{`{"type":"session.update","session":{}}`, "session.update", false},
		{`{"session":{}}`, "", true},
		{`{"type":7}`, "", true},
		{`[{"type":"x"}]`, "", true},
		{`{"type":"x"`, "", true},
		{``, "", true},
	}
	for _, tt := range tests {
		got, err := clientEventType([]byte(tt.in))
		if tt.wantErr {
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Errorf("clientEventType(%q): expected *ParseError, got %v", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("clientEventType(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}
