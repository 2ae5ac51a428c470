package realtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"wishbridge/internal/protocol"
	"wishbridge/internal/session"
)

// fakeBridge echoes asks and records tells.
type fakeBridge struct {
	mu      sync.Mutex
	told    []string
	closed  bool
	history []protocol.Frame
	subs    map[string]chan protocol.Frame
	nextSub int
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{subs: make(map[string]chan protocol.Frame)}
}

func (b *fakeBridge) Tell(cmd string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return session.ErrClosed
	}
	b.told = append(b.told, cmd)
	return nil
}

func (b *fakeBridge) AskContext(ctx context.Context, cmd string) (string, error) {
	if err := b.Tell(cmd); err != nil {
		return "", err
	}
	return strings.TrimSpace(cmd), nil
}

func (b *fakeBridge) Subscribe() (string, <-chan protocol.Frame, []protocol.Frame, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", nil, nil, session.ErrClosed
	}
	b.nextSub++
	id := fmt.Sprintf("sub-%d", b.nextSub)
	ch := make(chan protocol.Frame, 16)
	b.subs[id] = ch
	return id, ch, append([]protocol.Frame(nil), b.history...), nil
}

func (b *fakeBridge) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}

func (b *fakeBridge) Info() session.Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := session.StateActive
	if b.closed {
		state = session.StateTerminated
	}
	return session.Info{ID: "fake-session", Program: "wish", State: state}
}

// emit delivers a frame to every subscriber; an exit frame also closes them.
func (b *fakeBridge) emit(f protocol.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		ch <- f
		if f.Kind == protocol.KindExit {
			close(ch)
			delete(b.subs, id)
		}
	}
	if f.Kind == protocol.KindExit {
		b.closed = true
	}
}

func (b *fakeBridge) subscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *fakeBridge) toldCommands() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.told...)
}

func newTestServer() (*Server, *fakeBridge) {
	bridge := newFakeBridge()
	return New(bridge, nil), bridge
}

func TestServer_GetSession(t *testing.T) {
	srv, _ := newTestServer()

	req := httptest.NewRequest("GET", "/session", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var info session.Info
	json.NewDecoder(w.Body).Decode(&info)
	if info.ID != "fake-session" || info.State != session.StateActive {
		t.Errorf("unexpected info %+v", info)
	}
}

func TestServer_TellBadBody(t *testing.T) {
	srv, _ := newTestServer()

	req := httptest.NewRequest("POST", "/tell", strings.NewReader("invalid json"))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestServer_TellMissingCommand(t *testing.T) {
	srv, _ := newTestServer()

	req := httptest.NewRequest("POST", "/tell", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestServer_Tell(t *testing.T) {
	srv, bridge := newTestServer()

	req := httptest.NewRequest("POST", "/tell", strings.NewReader(`{"command":"wm title . demo"}`))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", w.Code)
	}
	if told := bridge.toldCommands(); len(told) != 1 || told[0] != "wm title . demo" {
		t.Errorf("unexpected commands %v", told)
	}
}

func TestServer_TellClosedSession(t *testing.T) {
	srv, bridge := newTestServer()
	bridge.emit(protocol.Frame{Kind: protocol.KindExit})

	req := httptest.NewRequest("POST", "/tell", strings.NewReader(`{"command":"bell"}`))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}
}

func TestServer_Ask(t *testing.T) {
	srv, _ := newTestServer()

	req := httptest.NewRequest("POST", "/ask", strings.NewReader(`{"command":"echo-test"}`))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp askResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Reply != "echo-test" {
		t.Errorf("expected reply 'echo-test', got %q", resp.Reply)
	}
}

func TestServer_CORSHeaders(t *testing.T) {
	srv, _ := newTestServer()

	req := httptest.NewRequest("OPTIONS", "/tell", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS Allow-Origin header")
	}
}

func dialTestServer(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) protocol.Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read message failed: %v", err)
	}
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	return msg
}

func writeMessage(t *testing.T, ws *websocket.Conn, msgType string, payload interface{}) {
	t.Helper()
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(msg)
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write message failed: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServer_WebSocketHistoryAndEvents(t *testing.T) {
	srv, bridge := newTestServer()
	bridge.history = []protocol.Frame{protocol.Classify("clicked-.b")}

	ws := dialTestServer(t, srv)

	msg := readMessage(t, ws)
	if msg.Type != protocol.TypeRuntimeEvent {
		t.Fatalf("expected history event, got %s", msg.Type)
	}
	var p protocol.RuntimeEventPayload
	json.Unmarshal(msg.Payload, &p)
	if p.Kind != "click" || p.Key != ".b" {
		t.Errorf("unexpected history payload %+v", p)
	}

	waitFor(t, func() bool { return bridge.subscriberCount() == 1 })
	bridge.emit(protocol.Classify("cb1b-.chk-1"))

	msg = readMessage(t, ws)
	json.Unmarshal(msg.Payload, &p)
	if msg.Type != protocol.TypeRuntimeEvent || p.Kind != "bool" || !p.Value {
		t.Errorf("unexpected event %s %+v", msg.Type, p)
	}

	bridge.emit(protocol.Frame{Kind: protocol.KindExit})
	if msg := readMessage(t, ws); msg.Type != protocol.TypeRuntimeExit {
		t.Errorf("expected exit message, got %s", msg.Type)
	}
}

func TestServer_WebSocketTellAndAsk(t *testing.T) {
	srv, bridge := newTestServer()
	ws := dialTestServer(t, srv)

	writeMessage(t, ws, protocol.TypeRuntimeTell, protocol.RuntimeTellPayload{Command: "bell"})
	writeMessage(t, ws, protocol.TypeRuntimeAsk, protocol.RuntimeAskPayload{RequestID: "r1", Command: "echo-test"})

	msg := readMessage(t, ws)
	if msg.Type != protocol.TypeRuntimeReply {
		t.Fatalf("expected reply, got %s", msg.Type)
	}
	var p protocol.RuntimeReplyPayload
	json.Unmarshal(msg.Payload, &p)
	if p.RequestID != "r1" || p.Reply != "echo-test" {
		t.Errorf("unexpected reply %+v", p)
	}

	told := bridge.toldCommands()
	if len(told) != 2 || told[0] != "bell" {
		t.Errorf("unexpected commands %v", told)
	}
}

func TestServer_WebSocketInvalidMessage(t *testing.T) {
	srv, _ := newTestServer()
	ws := dialTestServer(t, srv)

	ws.WriteMessage(websocket.TextMessage, []byte("not json"))

	msg := readMessage(t, ws)
	if msg.Type != protocol.TypeError {
		t.Fatalf("expected error type, got %s", msg.Type)
	}
	var p protocol.ErrorPayload
	json.Unmarshal(msg.Payload, &p)
	if p.Code != protocol.ErrInvalidMessage {
		t.Errorf("expected code %s, got %s", protocol.ErrInvalidMessage, p.Code)
	}
}

func TestServer_ClientRemovedOnClose(t *testing.T) {
	srv, bridge := newTestServer()
	ws := dialTestServer(t, srv)

	waitFor(t, func() bool { return srv.ClientCount() == 1 && bridge.subscriberCount() == 1 })
	ws.Close()
	waitFor(t, func() bool { return srv.ClientCount() == 0 && bridge.subscriberCount() == 0 })
}

func TestServer_WithSession(t *testing.T) {
	// A real session over pipes, with the relay answering asks.
	cmdR, cmdW := io.Pipe()
	outR, outW := io.Pipe()
	sess, err := session.Attach(outR, cmdW, session.Options{NoPreamble: true})
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer sess.End()
	defer outW.Close()

	go echoLines(cmdR, outW)

	srv := New(sess, nil)
	req := httptest.NewRequest("POST", "/ask", strings.NewReader(`{"command":"hello relay"}`))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	var resp askResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if w.Code != http.StatusOK || resp.Reply != "hello relay" {
		t.Errorf("unexpected response %d %+v", w.Code, resp)
	}
}

func echoLines(r io.Reader, w io.Writer) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		io.WriteString(w, sc.Text()+"\n")
	}
}
