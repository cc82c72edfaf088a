// Package server exposes the playback controller over HTTP: health probes,
// status, control endpoints and a websocket stream of events.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/control"
	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/history"
	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/hub"
)

// SessionLister reads finished sessions
type SessionLister interface {
	Recent(ctx context.Context, limit int) ([]history.Session, error)
}

// Server represents the API server
type Server struct {
	addr       string
	instanceID string
	router     *gin.Engine
	player     control.Player
	hub        *hub.Hub
	history    SessionLister // nil when history is disabled
	upgrader   websocket.Upgrader

	ready     atomic.Bool
	wsClients atomic.Int64
	wsSeq     atomic.Uint64
}

// New creates the API server. hist may be nil.
func New(addr, instanceID string, player control.Player, h *hub.Hub, hist SessionLister) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	s := &Server{
		addr:       addr,
		instanceID: instanceID,
		router:     router,
		player:     player,
		hub:        h,
		history:    hist,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Local control surface; any origin may watch.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/readiness", s.handleReadiness)
	s.router.GET("/ws", s.handleWS)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/stats", s.handleStats)
		v1.GET("/sessions", s.handleSessions)

		v1.POST("/play", s.handlePlay)
		v1.POST("/stop", s.handleStop)
		v1.POST("/pause", s.handlePause)
		v1.POST("/resume", s.handleResume)
		v1.POST("/seek", s.handleSeek)
		v1.POST("/source", s.handleSource)
		v1.POST("/hw_decode", s.handleHardwareDecode)
		v1.POST("/mute", s.handleMute)
	}
}

// Handler returns the router (for testing)
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetReady flips the readiness probe
func (s *Server) SetReady(on bool) {
	s.ready.Store(on)
}

// WSClients returns the number of connected websocket clients
func (s *Server) WSClients() int64 {
	return s.wsClients.Load()
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server: listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: listen %s: %w", s.addr, err)
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	slog.Info("server: stopped")
	return nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("server: request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
