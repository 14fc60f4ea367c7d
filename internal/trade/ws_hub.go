// WebSocket hub for real-time price and close-event broadcasting.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/prokazin/telegram-trading-game/internal/metrics"
	"github.com/prokazin/telegram-trading-game/internal/model"
)

// Message types sent to WebSocket clients.
const (
	MessagePrices         = "prices"
	MessagePositionClosed = "position_closed"
)

// ErrHubBusy is returned by Send when the broadcast buffer is full.
var ErrHubBusy = errors.New("websocket: broadcast buffer full")

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type   string            `json:"type"`
	Prices []model.PriceTick `json:"prices,omitempty"`
	Event  *model.CloseEvent `json:"event,omitempty"`
}

// WSHub manages WebSocket connections and broadcasts messages to all
// connected clients when prices refresh or the engine closes a position.
type WSHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
}

// Run is the hub's event loop. It returns when ctx is cancelled, closing
// every client connection.
func (h *WSHub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return nil

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			h.logger.Info("ws client connected", "total", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
		}
	}
}

// Broadcast queues a message for all connected clients. It reports false
// if the message was dropped because the buffer is full.
func (h *WSHub) Broadcast(msg WSMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("ws marshal failed", "type", msg.Type, "err", err)
		return false
	}
	select {
	case h.broadcast <- data:
		return true
	default:
		// Drop rather than block the monitor cycle.
		return false
	}
}

// PublishPrices broadcasts the latest price snapshot.
func (h *WSHub) PublishPrices(ticks []model.PriceTick) {
	h.Broadcast(WSMessage{Type: MessagePrices, Prices: ticks})
}

// Send broadcasts an engine-initiated close event. It lets the hub act as a
// notification channel next to Telegram and Kafka.
func (h *WSHub) Send(_ context.Context, _ string, event model.CloseEvent) error {
	if !h.Broadcast(WSMessage{Type: MessagePositionClosed, Event: &event}) {
		return ErrHubBusy
	}
	return nil
}

// Name returns the sender identifier.
func (h *WSHub) Name() string {
	return "websocket"
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // The chat bridge connects from its own origin.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies. WriteControl is
	// safe to call concurrently with the hub's writes.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}()
}
