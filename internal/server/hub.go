package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"troop/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 50 * time.Second
	sendBufferSize = 32
)

// Event is one message pushed to websocket subscribers.
type Event struct {
	Event      string         `json:"event"`
	ProjectKey string         `json:"project_key,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

type wsConn struct {
	conn       *websocket.Conn
	projectKey string
	send       chan Event
}

// Hub fans events out to connected websocket clients. Clients may
// subscribe to a single project or, with an empty key, to everything.
// Slow clients are dropped rather than blocking the broadcast path.
type Hub struct {
	upgrader websocket.Upgrader
	log      logging.Logger

	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

// NewHub builds an empty hub.
func NewHub(log logging.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:   logging.OrNop(log),
		conns: make(map[*wsConn]struct{}),
	}
}

// Broadcast delivers an event to every subscriber of projectKey and to
// firehose subscribers. Never blocks.
func (h *Hub) Broadcast(event, projectKey string, payload map[string]any) {
	e := Event{
		Event:      event,
		ProjectKey: projectKey,
		Payload:    payload,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		if c.projectKey != "" && c.projectKey != projectKey {
			continue
		}
		select {
		case c.send <- e:
		default:
			h.log.Warn("Dropping slow websocket client (project=%s)", c.projectKey)
			close(c.send)
			delete(h.conns, c)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Handle upgrades the request and serves the connection until the client
// goes away. Bound to GET /ws with an optional project query parameter.
func (h *Hub) Handle(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("Websocket upgrade failed: %v", err)
		return
	}

	wc := &wsConn{
		conn:       conn,
		projectKey: c.Query("project"),
		send:       make(chan Event, sendBufferSize),
	}

	h.mu.Lock()
	h.conns[wc] = struct{}{}
	h.mu.Unlock()
	h.log.Debug("Websocket client connected (project=%q)", wc.projectKey)

	go h.writeLoop(wc)
	h.readLoop(wc)
}

// readLoop drains client frames so pongs and close frames are processed.
func (h *Hub) readLoop(wc *wsConn) {
	defer h.drop(wc)

	wc.conn.SetReadLimit(4096)
	_ = wc.conn.SetReadDeadline(time.Now().Add(pongWait))
	wc.conn.SetPongHandler(func(string) error {
		return wc.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := wc.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(wc *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		wc.conn.Close()
	}()

	for {
		select {
		case e, ok := <-wc.send:
			_ = wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = wc.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := wc.conn.WriteJSON(e); err != nil {
				return
			}
		case <-ticker.C:
			_ = wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) drop(wc *wsConn) {
	h.mu.Lock()
	if _, ok := h.conns[wc]; ok {
		close(wc.send)
		delete(h.conns, wc)
	}
	h.mu.Unlock()
	wc.conn.Close()
}
