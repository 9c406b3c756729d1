// internal/handler/bridge_handler.go
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"grbl-bridge/internal/gateway"
	"grbl-bridge/internal/utils"
)

// BridgeHandler is the accept loop at the WebSocket boundary: it upgrades
// incoming connections, offers them to the gateway, and streams the admitted
// client's frames into the admission pipeline until the client goes away.
type BridgeHandler struct {
	upgrader websocket.Upgrader
	gateway  *gateway.Gateway
	logger   *utils.ServiceLogger

	// ctx is the application root context; a blocked admission wait must
	// abort on shutdown, not only on client activity.
	ctx context.Context
}

// NewBridgeHandler creates the WebSocket bridge handler
func NewBridgeHandler(ctx context.Context, gw *gateway.Gateway, logger *zap.Logger) *BridgeHandler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// The bridge serves a local operator UI; origin checks are
			// left to the CORS layer.
			return true
		},
	}

	return &BridgeHandler{
		upgrader: upgrader,
		gateway:  gw,
		logger:   utils.NewServiceLogger(logger, "bridge-handler"),
		ctx:      ctx,
	}
}

// HandleBridge handles one client connection from upgrade to disconnect
func (h *BridgeHandler) HandleBridge(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	session, err := h.gateway.Accept(conn, c.Request.RemoteAddr)
	if err != nil {
		// Rejected connections are already closed by the gateway.
		return
	}
	defer h.gateway.OnDisconnect(session)

	pongWait := 2 * h.gateway.PingInterval()
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		// Text and binary frames are both treated as one raw command line.
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
			) {
				h.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("session_id", session.ID),
				)
			}
			return
		}

		if err := h.gateway.OnClientLine(h.ctx, message); err != nil {
			// Only shutdown cancels an admission wait.
			return
		}
	}
}
