package httpapi

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	feedWriteTimeout = 5 * time.Second
	feedPingInterval = 30 * time.Second
)

// handleFeed streams completion events for one owner over a websocket. The
// feed is send only; anything the client writes closes the connection.
func (s *Server) handleFeed(c *gin.Context) {
	owner := c.Param("owner")
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Debug("feed upgrade failed", zap.String("owner_id", owner), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(c.Request.Context())
	sub := s.svc.Events().Subscribe(owner)
	defer sub.Close()

	s.logger.Debug("feed subscribed", zap.String("owner_id", owner))
	ping := time.NewTicker(feedPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			pingCtx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		case event, ok := <-sub.C:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "feed closed")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Debug("feed write failed", zap.String("owner_id", owner), zap.Error(err))
				}
				return
			}
		}
	}
}
