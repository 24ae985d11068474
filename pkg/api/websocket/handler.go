package websocket

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/crewdock/crewd/pkg/domain"
	"github.com/crewdock/crewd/pkg/ports"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler streams a request's lifecycle events over WebSocket.
type Handler struct {
	bus    ports.EventBus
	logger *zap.Logger
}

// NewHandler creates a WebSocket handler.
func NewHandler(bus ports.EventBus, logger *zap.Logger) *Handler {
	return &Handler{bus: bus, logger: logger}
}

// HandleRequestStream upgrades the connection and forwards every request and
// task event of the requested id until the client disconnects.
func (h *Handler) HandleRequestStream(c *gin.Context) {
	requestID := c.Param("id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	h.logger.Info("websocket stream opened",
		zap.String("request_id", requestID),
		zap.String("client", c.ClientIP()))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	events := make(chan domain.Event, 16)
	h.subscribe(ctx, requestID, events)

	// The read pump only exists to notice the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("failed to marshal event", zap.Error(err))
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (h *Handler) subscribe(ctx context.Context, requestID string, ch chan<- domain.Event) {
	handler := func(ctx context.Context, event domain.Event) error {
		if event.RequestID != requestID {
			return nil
		}
		select {
		case ch <- event:
		case <-ctx.Done():
		default:
			// Slow client: drop rather than stall the bus.
			h.logger.Warn("event channel full, dropping event",
				zap.String("event_id", event.ID),
				zap.String("request_id", requestID))
		}
		return nil
	}

	for _, topic := range []string{domain.TopicRequestEvents, domain.TopicTaskEvents} {
		if err := h.bus.Subscribe(ctx, topic, handler); err != nil {
			h.logger.Error("failed to subscribe to events",
				zap.String("topic", topic),
				zap.Error(err))
		}
	}
}
