package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"wishbridge/internal/protocol"
	"wishbridge/internal/session"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	askTimeout    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Bridge is the part of a runtime session the relay needs.
type Bridge interface {
	Tell(cmd string) error
	AskContext(ctx context.Context, cmd string) (string, error)
	Subscribe() (string, <-chan protocol.Frame, []protocol.Frame, error)
	Unsubscribe(subID string)
	Info() session.Info
}

// Server mirrors runtime events to websocket clients and forwards their
// commands to the runtime.
type Server struct {
	bridge    Bridge
	log       *zap.Logger
	clients   map[*client]bool
	clientsMu sync.RWMutex
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
	subID  string

	mu     sync.Mutex
	closed bool
}

// New creates a new relay server. A nil logger is a no-op.
func New(bridge Bridge, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		bridge:  bridge,
		log:     log,
		clients: make(map[*client]bool),
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("GET /session", s.handleGetSession)
	mux.HandleFunc("POST /tell", s.handleTell)
	mux.HandleFunc("POST /ask", s.handleAsk)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade error", zap.Error(err))
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, 256),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	s.subscribeClient(c)

	go c.writePump()
	go c.readPump()
}

// enqueue queues data for the client unless it has disconnected or its
// buffer is full.
func (c *client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		// Client buffer full, drop.
	}
}

func (c *client) enqueueMessage(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueue(data)
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	if c.subID != "" {
		s.bridge.Unsubscribe(c.subID)
	}

	c.mu.Lock()
	c.closed = true
	close(c.send)
	c.mu.Unlock()
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeRuntimeTell:
		s.handleWSTell(c, msg)
	case protocol.TypeRuntimeAsk:
		s.handleWSAsk(c, msg)
	}
}

func (s *Server) handleWSTell(c *client, msg *protocol.Message) {
	var payload protocol.RuntimeTellPayload
	json.Unmarshal(msg.Payload, &payload)

	if err := s.bridge.Tell(payload.Command); err != nil {
		s.sendError(c, errorCode(err), err.Error())
	}
}

// handleWSAsk waits for the reply off the read pump so the client can keep
// sending while the runtime answers.
func (s *Server) handleWSAsk(c *client, msg *protocol.Message) {
	var payload protocol.RuntimeAskPayload
	json.Unmarshal(msg.Payload, &payload)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), askTimeout)
		defer cancel()

		reply, err := s.bridge.AskContext(ctx, payload.Command)
		if err != nil {
			s.sendError(c, errorCode(err), err.Error())
			return
		}

		resp, err := protocol.NewMessage(protocol.TypeRuntimeReply, protocol.RuntimeReplyPayload{
			RequestID: payload.RequestID,
			Reply:     reply,
		})
		if err != nil {
			return
		}
		c.enqueueMessage(resp)
	}()
}

// subscribeClient sends recent history to a new client and forwards new
// frames until the session ends or the client leaves.
func (s *Server) subscribeClient(c *client) {
	subID, ch, history, err := s.bridge.Subscribe()
	if err != nil {
		s.sendError(c, errorCode(err), err.Error())
		return
	}
	c.subID = subID

	for _, f := range history {
		s.sendFrame(c, f)
	}

	go func() {
		for f := range ch {
			s.sendFrame(c, f)
		}
	}()
}

func (s *Server) sendFrame(c *client, f protocol.Frame) {
	var (
		msg *protocol.Message
		err error
	)
	if f.Kind == protocol.KindExit {
		msg, err = protocol.NewMessage(protocol.TypeRuntimeExit, protocol.RuntimeExitPayload{
			SessionID: s.bridge.Info().ID,
		})
	} else {
		msg, err = protocol.NewMessage(protocol.TypeRuntimeEvent, protocol.NewEventPayload(f))
	}
	if err != nil {
		return
	}
	c.enqueueMessage(msg)
}

func (s *Server) sendError(c *client, code, message string) {
	msg, err := protocol.NewErrorMessage(code, message)
	if err != nil {
		return
	}
	c.enqueueMessage(msg)
}

// ClientCount returns the number of connected websocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func errorCode(err error) string {
	if errors.Is(err, session.ErrClosed) {
		return protocol.ErrSessionClosed
	}
	return protocol.ErrCommandFailed
}
