package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/emitter"
	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/hub"
)

const (
	wsBuffer       = 64
	wsWriteTimeout = 5 * time.Second
)

// handleWS streams hub messages to the client as JSON envelopes. A client
// that cannot keep up misses messages; it is not disconnected.
func (s *Server) handleWS(c *gin.Context) {
	if s.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream unavailable"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("server: websocket upgrade failed", "remote", c.Request.RemoteAddr, "error", err)
		return
	}

	id := fmt.Sprintf("ws-%d", s.wsSeq.Add(1))
	ch := make(chan hub.Message, wsBuffer)
	if err := s.hub.Subscribe(id, ch); err != nil {
		slog.Warn("server: websocket subscribe failed", "id", id, "error", err)
		_ = conn.Close()
		return
	}
	s.wsClients.Add(1)
	slog.Info("server: websocket client connected", "id", id, "remote", c.Request.RemoteAddr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() {
			_ = s.hub.Unsubscribe(id)
			_ = conn.Close()
			s.wsClients.Add(-1)
			slog.Info("server: websocket client disconnected", "id", id)
		}()
		for {
			select {
			case <-done:
				return
			case msg := <-ch:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(emitter.NewEnvelope(s.instanceID, msg)); err != nil {
					return
				}
			}
		}
	}()
}
