package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/tracevault/promptguard-engine/internal/alert"
	"github.com/tracevault/promptguard-engine/internal/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy is enforced by the CORS layer
	},
}

// Hub fans alerts out to connected dashboard clients.
type Hub struct {
	mu        sync.Mutex
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	metrics   *metrics.GatewayMetrics
}

func NewHub(m *metrics.GatewayMetrics) *Hub {
	if m == nil {
		m = metrics.Default
	}
	return &Hub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan []byte, 256),
		metrics:   m,
	}
}

// Run delivers queued messages until the context ends. Slow clients are
// dropped after a write deadline so one stalled dashboard cannot wedge
// delivery to the rest.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				_ = client.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					logrus.Debugf("[Hub] Dropping client after write error: %v", err)
					client.Close()
					delete(h.clients, client)
					h.metrics.WebSocketClients.Dec()
				}
			}
			h.mu.Unlock()
		}
	}
}

// Subscribe upgrades the request and registers the client.
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.Warnf("[Hub] WebSocket upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	total := len(h.clients)
	h.mu.Unlock()
	h.metrics.WebSocketClients.Inc()
	logrus.Infof("[Hub] Client connected (%d total)", total)

	// Reads are discarded; the read loop only exists to notice disconnects.
	go func() {
		defer func() {
			h.mu.Lock()
			if h.clients[conn] {
				delete(h.clients, conn)
				h.metrics.WebSocketClients.Dec()
			}
			remaining := len(h.clients)
			h.mu.Unlock()
			conn.Close()
			logrus.Infof("[Hub] Client disconnected (%d total)", remaining)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					logrus.Debugf("[Hub] Read error: %v", err)
				}
				return
			}
		}
	}()
}

// BroadcastAlert queues an alert for delivery. Wired as the alert
// manager's broadcast callback; it never blocks the emitting path.
func (h *Hub) BroadcastAlert(a alert.Alert) {
	payload, err := json.Marshal(gin.H{"type": "alert", "alert": a})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- payload:
		h.metrics.RecordAlert("websocket", true)
	default:
		h.metrics.RecordAlert("websocket", false)
	}
}

// ClientCount reports connected dashboard clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.Close()
		delete(h.clients, client)
		h.metrics.WebSocketClients.Dec()
	}
}
