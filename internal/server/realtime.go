package server

import (
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/studytrack/internal/realtime"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultHeartbeatInterval = 20 * time.Second
	feedWriteTimeout         = 10 * time.Second
)

var feedUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleFeed streams the caller's change events over a websocket. A subscriber that
// falls behind is disconnected so the client reconnects and reconciles.
func (h *httpHandler) handleFeed(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	conn, err := feedUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("change feed upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	subscription := h.feed.Subscribe(ctx, userID.String())
	defer subscription.Close()

	logger := h.logger.With(zap.String("user_id", userID.String()))
	logger.Debug("change feed connected")

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			logger.Debug("change feed closed by client")
			return
		case <-subscription.Dropped:
			logger.Warn("change feed subscriber fell behind")
			writeClose(conn, websocket.CloseTryAgainLater, "subscriber fell behind")
			return
		case message, ok := <-subscription.Messages:
			if !ok {
				return
			}
			if err := writeMessage(conn, message); err != nil {
				logger.Debug("change feed write failed", zap.Error(err))
				return
			}
		case tick := <-ticker.C:
			heartbeat := realtime.Message{UserID: userID.String(), EventType: realtime.EventHeartbeat, Timestamp: tick.UTC()}
			if err := writeMessage(conn, heartbeat); err != nil {
				logger.Debug("change feed heartbeat failed", zap.Error(err))
				return
			}
		}
	}
}

func writeMessage(conn *websocket.Conn, message realtime.Message) error {
	if err := conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(message)
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(feedWriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}
