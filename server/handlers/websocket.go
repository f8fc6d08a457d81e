package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/foursight/biolink/server/transport"
)

// WebSocketHandler streams session events to UI clients: state changes,
// device status, sync progress and per-window results.
type WebSocketHandler struct {
	bus      *transport.EventBus
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

type ClientMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type ServerMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func NewWebSocketHandler(bus *transport.EventBus, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		bus:    bus,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket connection", zap.Error(err))
		return
	}
	defer conn.Close()

	clientIP := c.ClientIP()
	h.logger.Info("Event stream client connected", zap.String("client_ip", clientIP))

	events := h.bus.Subscribe()
	defer h.bus.Unsubscribe(events)

	conn.SetReadLimit(64 * 1024)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	done := make(chan struct{})
	pings := make(chan struct{}, 1)
	go h.readRoutine(conn, done, pings)

	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	// All writes happen on this goroutine; gorilla connections do not allow
	// concurrent writers.
	for {
		select {
		case <-done:
			h.logger.Info("Event stream client disconnected", zap.String("client_ip", clientIP))
			return

		case <-pings:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ServerMessage{
				Type: "pong",
				Data: map[string]any{"timestamp": time.Now().Unix()},
			}); err != nil {
				return
			}

		case ev := <-events:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ServerMessage{Type: "event", Data: ev}); err != nil {
				h.logger.Warn("Failed to push event", zap.Error(err))
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Warn("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}

// readRoutine consumes client messages so pongs and close frames are
// processed; the only client message with meaning is "ping".
func (h *WebSocketHandler) readRoutine(conn *websocket.Conn, done chan struct{}, pings chan struct{}) {
	defer close(done)

	for {
		var message ClientMessage
		if err := conn.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("Websocket read error", zap.Error(err))
			}
			return
		}

		if message.Type == "ping" {
			select {
			case pings <- struct{}{}:
			default:
			}
		}
	}
}
