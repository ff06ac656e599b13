// Package ws is the WebSocket connection layer for realtime sessions. It
// turns socket frames into session events and session outputs into frames.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"realtime-transcription-service/internal/observability/logging"
	"realtime-transcription-service/internal/service/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

// Inbound and outbound frame event names.
const (
	EventSessionStarted = "session-started"
	EventAudioChunk     = "audio-chunk"
	EventEndStream      = "end-stream"
	EventPartial        = "transcription-partial"
	EventFinal          = "transcription-final"
	EventError          = "transcription-error"
)

// Message is the JSON text frame exchanged with clients.
type Message struct {
	Event    string `json:"event"`
	SocketID string `json:"socketId,omitempty"`
	Partial  string `json:"partial,omitempty"`
	Final    string `json:"final,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Sessions consumes inbound protocol events.
type Sessions interface {
	Handle(ctx context.Context, ev session.Event) error
}

type connection struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

// enqueue queues a frame without blocking. It reports false when the
// connection is closing or the client is too slow to keep up.
func (c *connection) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// closeSend makes writePump flush queued frames, send a close frame and exit.
func (c *connection) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub tracks open sockets and implements session.Sink for them.
type Hub struct {
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	newID    func() string

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	conns map[string]*connection
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(h *Hub) {
		h.logger = l
	}
}

// WithIDGenerator overrides connection ID generation.
func WithIDGenerator(f func() string) Option {
	return func(h *Hub) {
		h.newID = f
	}
}

// NewHub creates a hub. allowedOrigin restricts the Origin header; empty or
// "*" accepts any origin.
func NewHub(allowedOrigin string, opts ...Option) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		logger: logging.WithComponent("ws-hub"),
		newID:  uuid.NewString,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[string]*connection),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowedOrigin == "" || allowedOrigin == "*" {
				return true
			}
			return r.Header.Get("Origin") == allowedOrigin
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handler upgrades requests and feeds their frames to sessions.
func (h *Hub) Handler(sessions Sessions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
			return
		}

		c := &connection{
			id:   h.newID(),
			conn: ws,
			send: make(chan []byte, sendBuffer),
		}
		h.register(c)
		go h.writePump(c)

		ctx, cancel := context.WithCancel(h.ctx)
		defer cancel()

		if err := sessions.Handle(ctx, session.Event{Kind: session.EventConnect, ConnectionID: c.id}); err != nil {
			h.sendError(c, err)
			h.unregister(c)
			c.closeSend()
			return
		}
		h.send(c, Message{Event: EventSessionStarted, SocketID: c.id})

		h.readPump(ctx, c, sessions)
	})
}

// Emit delivers a session output to its socket.
func (h *Hub) Emit(ctx context.Context, out session.Output) {
	c := h.get(out.ConnectionID)
	if c == nil {
		return
	}

	switch out.Kind {
	case session.OutputPartial:
		h.send(c, Message{Event: EventPartial, Partial: out.Text})
	case session.OutputFinal:
		h.send(c, Message{Event: EventFinal, Final: out.Text})
	case session.OutputClose:
		c.closeSend()
	}
}

// Len returns the number of open sockets.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Shutdown closes every socket. Sessions see a disconnect for each.
func (h *Hub) Shutdown() {
	h.cancel()

	h.mu.RLock()
	conns := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.closeSend()
	}
}

func (h *Hub) readPump(ctx context.Context, c *connection, sessions Sessions) {
	defer func() {
		h.unregister(c)
		sessions.Handle(ctx, session.Event{Kind: session.EventDisconnect, ConnectionID: c.id})
		c.closeSend()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Str("connectionId", c.id).Msg("WebSocket read error")
			}
			return
		}

		kind, ok := h.decode(c, mt, data)
		if !ok {
			continue
		}
		if err := sessions.Handle(ctx, session.Event{Kind: kind, ConnectionID: c.id}); err != nil {
			h.sendError(c, err)
		}
	}
}

// decode maps a frame to an event. Binary frames are audio chunks.
func (h *Hub) decode(c *connection, mt int, data []byte) (session.EventKind, bool) {
	if mt == websocket.BinaryMessage {
		return session.EventChunk, true
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		h.send(c, Message{Event: EventError, Error: "malformed message"})
		return 0, false
	}
	switch msg.Event {
	case EventAudioChunk:
		return session.EventChunk, true
	case EventEndStream:
		return session.EventTerminate, true
	default:
		h.send(c, Message{Event: EventError, Error: "unknown event: " + msg.Event})
		return 0, false
	}
}

func (h *Hub) writePump(c *connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) send(c *connection, msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal frame")
		return
	}
	if !c.enqueue(payload) {
		h.logger.Warn().Str("connectionId", c.id).Str("event", msg.Event).Msg("Dropped frame for closing or slow client")
	}
}

func (h *Hub) sendError(c *connection, err error) {
	h.send(c, Message{Event: EventError, Error: err.Error()})
}

func (h *Hub) register(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
}

func (h *Hub) unregister(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[c.id] == c {
		delete(h.conns, c.id)
	}
}

func (h *Hub) get(id string) *connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[id]
}
