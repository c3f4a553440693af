package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"cgsbridge/internal/auth"
	"cgsbridge/internal/device"
)

const (
	clientBuffer = 32
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

// StreamMessage is sent to live feed clients.
type StreamMessage struct {
	Type    string            `json:"type"` // "snapshot" or "update"
	Kind    device.UpdateKind `json:"kind,omitempty"`
	Device  *device.Snapshot  `json:"device,omitempty"`
	Devices []device.Snapshot `json:"devices,omitempty"`
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans device updates out to websocket clients. It implements
// device.Observer; slow clients are disconnected instead of blocking the
// device loops.
type Hub struct {
	mu      sync.Mutex
	clients map[*hubClient]struct{}
	logger  *zap.Logger
}

var _ device.Observer = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[*hubClient]struct{}),
		logger:  logger.Named("hub"),
	}
}

// DeviceUpdated implements device.Observer.
func (h *Hub) DeviceUpdated(u device.Update) {
	snap := u.Snapshot
	data, err := json.Marshal(StreamMessage{Type: "update", Kind: u.Kind, Device: &snap})
	if err != nil {
		h.logger.Warn("failed to encode update", zap.String("mac", snap.MAC), zap.Error(err))
		return
	}
	h.broadcast(data)
}

func (h *Hub) broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("client too slow, disconnecting")
			h.dropLocked(c)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) add(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

func (h *Hub) dropLocked(c *hubClient) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.dropLocked(c)
	}
}

// StreamHandler upgrades /api/ws requests and attaches them to the hub
type StreamHandler struct {
	hub      *Hub
	manager  *device.Manager
	tokens   *auth.WSTokenStore
	noAuth   bool
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewStreamHandler creates new live feed handler
func NewStreamHandler(hub *Hub, manager *device.Manager, tokens *auth.WSTokenStore, noAuth bool, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{
		hub:     hub,
		manager: manager,
		tokens:  tokens,
		noAuth:  noAuth,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The one-time token already binds the request to a session
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Connect handles GET /api/ws?token=...
func (h *StreamHandler) Connect(w http.ResponseWriter, r *http.Request) {
	user := auth.Anonymous
	if !h.noAuth {
		var ok bool
		user, ok = h.tokens.Validate(r.URL.Query().Get("token"))
		if !ok {
			h.logger.Debug("websocket rejected: invalid token", zap.String("ip", getClientIP(r)))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &hubClient{conn: conn, send: make(chan []byte, clientBuffer)}
	if data, err := json.Marshal(StreamMessage{Type: "snapshot", Devices: h.manager.Snapshots()}); err == nil {
		client.send <- data
	}
	h.hub.add(client)
	h.logger.Debug("websocket connected", zap.String("user", user.Username))

	go h.writePump(client)
	h.readPump(client)
}

// readPump discards client messages and detects disconnects.
func (h *StreamHandler) readPump(c *hubClient) {
	defer func() {
		h.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket closed", zap.Error(err))
			}
			return
		}
	}
}

func (h *StreamHandler) writePump(c *hubClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
