package server

import (
	"net/http"
	"time"

	"github.com/caseflowlabs/casewire/internal/chat"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleSubscribe upgrades the request to a websocket and streams channel
// events until the peer disconnects. The socket is push-only: inbound
// frames are drained solely to surface close errors.
func (h *httpHandler) handleSubscribe(c *gin.Context) {
	channelID, err := chat.NewChannelID(c.Param("channel"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_channel"})
		return
	}

	userID := c.GetString(userIDContextKey)
	if err := h.chat.AuthorizeChannel(c.Request.Context(), userID, channelID); err != nil {
		h.renderServiceError(c, "channel authorization failed", err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	stream, cleanup := h.dispatcher.Subscribe(c.Request.Context(), channelID.String())
	defer cleanup()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.logger.Debug("channel subscriber attached",
		zap.String("channel", channelID.String()),
		zap.String("user_id", userID))

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case event, ok := <-stream:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Debug("channel subscriber write failed",
					zap.String("channel", channelID.String()),
					zap.Error(err))
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
