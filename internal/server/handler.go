package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/e7canasta/orion-care-sensor/modules/playback"
	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/control"
)

// PlayRequest is the body of POST /play and POST /source
type PlayRequest struct {
	URL      string `json:"url" binding:"required"`
	PlayType string `json:"play_type" binding:"required"`
	SeekToMs int    `json:"seek_to_ms"`
}

// ResultResponse reports the controller's result code
type ResultResponse struct {
	Success bool   `json:"success"`
	Result  int    `json:"result"`
	Message string `json:"message,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "instance_id": s.instanceID})
}

func (s *Server) handleReadiness(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, control.StatusData(s.player.Stats()))
}

func (s *Server) handleStats(c *gin.Context) {
	st := s.player.Stats()
	body := gin.H{
		"net_status": st.Net.ToMap(),
		"bridge": gin.H{
			"posted":            st.Bridge.Posted,
			"delivered":         st.Bridge.Delivered,
			"dropped_no_target": st.Bridge.DroppedNoTarget,
			"dropped_overflow":  st.Bridge.DroppedOverflow,
			"dropped_stale":     st.Bridge.DroppedStale,
			"listener_panics":   st.Bridge.ListenerPanics,
			"pending":           st.Bridge.Pending,
		},
		"task_queue": gin.H{
			"submitted": st.Queue.Submitted,
			"completed": st.Queue.Completed,
			"rejected":  st.Queue.Rejected,
			"discarded": st.Queue.Discarded,
			"panics":    st.Queue.Panics,
			"pending":   st.Queue.Pending,
		},
		"render": gin.H{
			"fed":       st.Render.Fed,
			"presented": st.Render.Presented,
			"dropped":   st.Render.Dropped,
			"restarts":  st.Render.Restarts,
			"mode":      st.Render.Mode.String(),
			"running":   st.Render.Running,
		},
		"fallback": gin.H{
			"fallbacks": st.Fallback.Fallbacks,
			"failures":  st.Fallback.Failures,
			"fed":       st.Fallback.Fed,
			"rejected":  st.Fallback.Rejected,
		},
		"ws_clients": s.wsClients.Load(),
	}
	if s.hub != nil {
		body["hub"] = gin.H{
			"published":   s.hub.Published(),
			"subscribers": s.hub.Subscribers(),
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleSessions(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session history disabled"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	rows, err := s.history.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]gin.H, 0, len(rows))
	for _, r := range rows {
		out = append(out, gin.H{
			"id":                 r.ID,
			"url":                r.URL,
			"play_type":          r.PlayType,
			"variant":            r.Variant,
			"started_ms":         r.StartedAt.UnixMilli(),
			"ended_ms":           r.EndedAt.UnixMilli(),
			"end_reason":         r.EndReason,
			"fallbacks":          r.Fallbacks,
			"video_bitrate_kbps": r.VideoBitrateKbps,
			"audio_bitrate_kbps": r.AudioBitrateKbps,
			"dropped_frames":     r.DroppedFrames,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (s *Server) handlePlay(c *gin.Context) {
	req, t, ok := bindPlay(c)
	if !ok {
		return
	}
	respondResult(c, s.player.StartPlay(req.URL, t))
}

func (s *Server) handleSource(c *gin.Context) {
	req, t, ok := bindPlay(c)
	if !ok {
		return
	}
	respondResult(c, s.player.ChangeSource(req.URL, t, req.SeekToMs))
}

func (s *Server) handleStop(c *gin.Context) {
	var req struct {
		ClearLastFrame bool `json:"clear_last_frame"`
	}
	if !bindOptional(c, &req) {
		return
	}
	respondResult(c, s.player.StopPlay(req.ClearLastFrame))
}

func (s *Server) handlePause(c *gin.Context) {
	s.player.Pause()
	c.JSON(http.StatusOK, ResultResponse{Success: true})
}

func (s *Server) handleResume(c *gin.Context) {
	s.player.Resume()
	c.JSON(http.StatusOK, ResultResponse{Success: true})
}

func (s *Server) handleSeek(c *gin.Context) {
	var req struct {
		OffsetMs *int `json:"offset_ms" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ResultResponse{Result: playback.ResultFailed, Message: err.Error()})
		return
	}
	s.player.Seek(*req.OffsetMs)
	c.JSON(http.StatusOK, ResultResponse{Success: true})
}

func (s *Server) handleHardwareDecode(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ResultResponse{Result: playback.ResultFailed, Message: err.Error()})
		return
	}
	applied := s.player.EnableHardwareDecode(*req.Enabled)
	c.JSON(http.StatusOK, gin.H{"success": applied, "enabled": *req.Enabled})
}

func (s *Server) handleMute(c *gin.Context) {
	var req struct {
		Mute *bool `json:"mute" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ResultResponse{Result: playback.ResultFailed, Message: err.Error()})
		return
	}
	s.player.SetMute(*req.Mute)
	c.JSON(http.StatusOK, ResultResponse{Success: true})
}

func bindPlay(c *gin.Context) (PlayRequest, playback.PlayType, bool) {
	var req PlayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ResultResponse{Result: playback.ResultFailed, Message: err.Error()})
		return req, 0, false
	}
	t, err := playback.ParsePlayType(req.PlayType)
	if err != nil {
		c.JSON(http.StatusBadRequest, ResultResponse{Result: playback.ResultInvalidType, Message: err.Error()})
		return req, 0, false
	}
	return req, t, true
}

// bindOptional accepts an empty body.
func bindOptional(c *gin.Context, v any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, ResultResponse{Result: playback.ResultFailed, Message: err.Error()})
		return false
	}
	return true
}

func respondResult(c *gin.Context, rc int) {
	if rc != playback.ResultOK {
		c.JSON(http.StatusBadRequest, ResultResponse{Result: rc, Message: resultMessage(rc)})
		return
	}
	c.JSON(http.StatusOK, ResultResponse{Success: true, Result: rc})
}

func resultMessage(rc int) string {
	switch rc {
	case playback.ResultFailed:
		return "empty url, no active session or no backend"
	case playback.ResultInvalidURL:
		return "url not accepted for play type"
	case playback.ResultInvalidType:
		return "unknown play type"
	}
	return ""
}
