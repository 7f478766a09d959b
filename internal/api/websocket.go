package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wifientist/rtools2-sub001/internal/events"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

// WSMessage is a message on the websocket feed. Clients send subscribe /
// unsubscribe; the server sends event frames.
type WSMessage struct {
	Type  string          `json:"type"` // subscribe, unsubscribe, event, error
	JobID string          `json:"job_id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// WSHandler manages websocket connections. Each connection follows one job
// (or all jobs via "*") at a time.
type WSHandler struct {
	upgrader    websocket.Upgrader
	publisher   events.Publisher
	connections map[*websocket.Conn]*wsConnection
	mu          sync.RWMutex
	logger      *slog.Logger
}

type wsConnection struct {
	conn         *websocket.Conn
	mu           sync.Mutex // protects jobID, eventChan, unsubscribed
	jobID        string
	eventChan    <-chan events.Event
	send         chan []byte
	done         chan struct{}
	unsubscribed bool
}

// NewWSHandler creates a websocket handler over the event publisher.
func NewWSHandler(pub events.Publisher, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		publisher:   pub,
		connections: make(map[*websocket.Conn]*wsConnection),
		logger:      logger,
	}
}

// ServeHTTP handles websocket upgrade requests.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	wsConn := &wsConnection{
		conn: conn,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.connections[conn] = wsConn
	h.mu.Unlock()

	go h.readPump(wsConn)
	go h.writePump(wsConn)
}

// readPump reads subscribe/unsubscribe messages from the peer.
func (h *WSHandler) readPump(c *wsConnection) {
	defer func() {
		h.unsubscribe(c)
		h.mu.Lock()
		delete(h.connections, c.conn)
		h.mu.Unlock()
		close(c.done)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		switch msg.Type {
		case "subscribe":
			h.subscribe(c, msg.JobID)
		case "unsubscribe":
			h.unsubscribe(c)
		default:
			h.sendError(c, "unknown message type: "+msg.Type)
		}
	}
}

// writePump pushes event frames and pings to the peer.
func (h *WSHandler) writePump(c *wsConnection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// subscribe follows a job's events; a prior subscription is replaced.
func (h *WSHandler) subscribe(c *wsConnection, jobID string) {
	if jobID == "" {
		jobID = events.GlobalJobID
	}
	h.unsubscribe(c)

	ch := h.publisher.Subscribe(jobID)

	c.mu.Lock()
	c.jobID = jobID
	c.eventChan = ch
	c.unsubscribed = false
	c.mu.Unlock()

	go func() {
		for {
			select {
			case <-c.done:
				return
			case event, open := <-ch:
				if !open {
					return
				}
				frame, err := json.Marshal(WSMessage{
					Type:  "event",
					JobID: event.JobID,
					Data:  mustMarshal(event),
				})
				if err != nil {
					continue
				}
				select {
				case c.send <- frame:
				default:
					// Drop rather than block on a slow client.
				}
			}
		}
	}()
}

func (h *WSHandler) unsubscribe(c *wsConnection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsubscribed || c.eventChan == nil {
		return
	}
	h.publisher.Unsubscribe(c.jobID, c.eventChan)
	c.unsubscribed = true
	c.eventChan = nil
}

func (h *WSHandler) sendError(c *wsConnection, message string) {
	frame, err := json.Marshal(WSMessage{Type: "error", Data: mustMarshal(map[string]string{"error": message})})
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
