package chat

import (
	"context"
	"net/http"

	"lumora-core/pkg/errutil"
	"lumora-core/pkg/pubsub"
	"lumora-core/pkg/rediskey"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// auth and origin policy sit in the gateway in front of this service
	CheckOrigin: func(*http.Request) bool { return true },
}

// WSHandler bridges one websocket per (order, user) onto the order topic.
// Outbound: every bus event, as-is. Inbound: typing, heartbeat and read
// frames only; messages themselves go through the regular send operation.
type WSHandler struct {
	svc *Service
	bus pubsub.Bus
}

type WSHandlerParams struct {
	fx.In

	Service *Service
	Bus     pubsub.Bus
}

func NewWSHandler(p WSHandlerParams) *WSHandler {
	return &WSHandler{svc: p.Service, bus: p.Bus}
}

// Register mounts the channel socket route.
func (h *WSHandler) Register(e *echo.Echo) {
	e.GET("/orders/:id/channel", h.Handle)
}

type inboundFrame struct {
	Type string `json:"type"`
}

func (h *WSHandler) Handle(c echo.Context) error {
	orderID := c.Param("id")
	userID := c.QueryParam("user_id")
	if userID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
	}

	ctx := c.Request().Context()

	ch, err := h.svc.gate.Channel(ctx, orderID)
	if err != nil {
		if errutil.IsStatus(err, errutil.StatusNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "order not found")
		}
		return err
	}
	if !ch.isParticipant(userID) {
		return echo.NewHTTPError(http.StatusForbidden, "not a participant")
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	pumpCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, unsubscribe, err := h.bus.Subscribe(pumpCtx, rediskey.BuildOrderTopic(orderID))
	if err != nil {
		zap.L().Error("failed to subscribe order topic",
			zap.String("order_id", orderID),
			zap.Error(err),
		)
		return nil
	}
	defer unsubscribe()

	if err := h.svc.Join(pumpCtx, orderID, userID); err != nil {
		zap.L().Warn("failed to join channel", zap.String("order_id", orderID), zap.Error(err))
	}
	defer func() {
		if err := h.svc.Leave(context.Background(), orderID, userID); err != nil {
			zap.L().Warn("failed to leave channel", zap.String("order_id", orderID), zap.Error(err))
		}
	}()

	go h.writePump(conn, events)
	h.readPump(pumpCtx, conn, orderID, userID)
	return nil
}

func (h *WSHandler) writePump(conn *websocket.Conn, events <-chan pubsub.Event) {
	for ev := range events {
		if err := conn.WriteJSON(ev); err != nil {
			conn.Close()
			return
		}
	}
}

func (h *WSHandler) readPump(ctx context.Context, conn *websocket.Conn, orderID, userID string) {
	for {
		var frame inboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				zap.L().Debug("channel socket closed unexpectedly",
					zap.String("order_id", orderID),
					zap.Error(err),
				)
			}
			return
		}

		switch frame.Type {
		case "typing":
			if err := h.svc.Typing(ctx, orderID, userID); err != nil {
				zap.L().Warn("typing signal failed", zap.String("order_id", orderID), zap.Error(err))
			}
		case "h":
			if err := h.svc.Heartbeat(ctx, orderID, userID); err != nil {
				zap.L().Warn("heartbeat failed", zap.String("order_id", orderID), zap.Error(err))
			}
		case "read":
			if err := h.svc.MarkRead(ctx, orderID, userID); err != nil {
				zap.L().Warn("mark read failed", zap.String("order_id", orderID), zap.Error(err))
			}
		}
	}
}
