// Package control executes playback commands received over MQTT.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/modules/playback"
	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/config"
)

const shutdownDelay = 500 * time.Millisecond

// Player is the controller surface the control plane drives.
type Player interface {
	StartPlay(url string, t playback.PlayType) int
	StopPlay(clearLastFrame bool) int
	Pause()
	Resume()
	Seek(offsetMs int)
	ChangeSource(url string, t playback.PlayType, seekToMs int) int
	EnableHardwareDecode(on bool) bool
	SetMute(on bool)
	Stats() playback.Stats
}

// Command represents a control plane command
type Command struct {
	ID      string         `json:"id,omitempty"`
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	ID         string         `json:"id"`
	CommandAck string         `json:"command_ack"`
	Status     string         `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// Handler handles control plane commands
type Handler struct {
	cfg        *config.Config
	client     mqtt.Client
	player     Player
	onShutdown func() error
	commands   chan Command
}

// NewHandler creates a new control plane handler. onShutdown may be nil.
func NewHandler(cfg *config.Config, client mqtt.Client, player Player, onShutdown func() error) *Handler {
	return &Handler{
		cfg:        cfg,
		client:     client,
		player:     player,
		onShutdown: onShutdown,
		commands:   make(chan Command, 10),
	}
}

// Start subscribes to the control topic and processes commands until ctx
// is cancelled.
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.MQTT.Topics.Control
	qos := h.cfg.MQTT.QoS["control"]

	slog.Info("control: subscribing to control plane", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control: subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control: subscription failed: %w", err)
	}

	go h.processCommands(ctx)

	slog.Info("control: handler started")
	return nil
}

// Stop unsubscribes from the control topic
func (h *Handler) Stop() error {
	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(h.cfg.MQTT.Topics.Control)
		token.WaitTimeout(2 * time.Second)
	}
	slog.Info("control: handler stopped")
	return nil
}

// messageHandler is called when a control message is received
func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("control: failed to parse command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}

	slog.Info("control: command received", "command", cmd.Command, "id", cmd.ID)

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("control: command queue full, dropping command", "command", cmd.Command)
		h.sendResponse(Response{
			ID:         cmd.ID,
			CommandAck: cmd.Command,
			Status:     "error",
			Error:      "command queue full",
		})
	}
}

// processCommands processes commands from the queue
func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.commands:
			h.sendResponse(h.handleCommand(cmd))
		}
	}
}

// handleCommand executes a command and returns its response
func (h *Handler) handleCommand(cmd Command) Response {
	resp := Response{ID: cmd.ID, CommandAck: cmd.Command}
	fail := func(format string, args ...any) Response {
		resp.Status = "error"
		resp.Error = fmt.Sprintf(format, args...)
		return resp
	}
	ok := func(data map[string]any) Response {
		resp.Status = "success"
		resp.Data = data
		return resp
	}

	switch cmd.Command {
	case "get_status":
		return ok(StatusData(h.player.Stats()))

	case "start_play":
		url, t, err := source(cmd.Params)
		if err != nil {
			return fail("%v", err)
		}
		if rc := h.player.StartPlay(url, t); rc != playback.ResultOK {
			return fail("start_play rejected (result %d)", rc)
		}
		return ok(map[string]any{"url": url, "play_type": t.String()})

	case "stop_play":
		clearFrame, _ := cmd.Params["clear_last_frame"].(bool)
		h.player.StopPlay(clearFrame)
		return ok(map[string]any{"state": h.player.Stats().State.String()})

	case "pause":
		h.player.Pause()
		return ok(map[string]any{"paused": true})

	case "resume":
		h.player.Resume()
		return ok(map[string]any{"paused": false})

	case "seek":
		offset, found := cmd.Params["offset_ms"].(float64)
		if !found || offset < 0 {
			return fail("missing or invalid 'offset_ms' parameter (expected number >= 0)")
		}
		h.player.Seek(int(offset))
		return ok(map[string]any{"offset_ms": int(offset)})

	case "change_source":
		url, t, err := source(cmd.Params)
		if err != nil {
			return fail("%v", err)
		}
		seekTo, _ := cmd.Params["seek_to_ms"].(float64)
		if rc := h.player.ChangeSource(url, t, int(seekTo)); rc != playback.ResultOK {
			return fail("change_source rejected (result %d)", rc)
		}
		return ok(map[string]any{"url": url, "play_type": t.String()})

	case "enable_hw_decode":
		on, found := cmd.Params["enabled"].(bool)
		if !found {
			return fail("missing or invalid 'enabled' parameter (expected bool)")
		}
		h.player.EnableHardwareDecode(on)
		return ok(map[string]any{"hardware_decode": on, "message": "applies from the next start_play"})

	case "set_mute":
		on, found := cmd.Params["mute"].(bool)
		if !found {
			return fail("missing or invalid 'mute' parameter (expected bool)")
		}
		h.player.SetMute(on)
		return ok(map[string]any{"mute": on})

	case "shutdown":
		if h.onShutdown == nil {
			return fail("shutdown not implemented")
		}
		slog.Warn("control: shutdown command received via MQTT control plane")
		// The response goes out before the shutdown starts.
		go func() {
			time.Sleep(shutdownDelay)
			if err := h.onShutdown(); err != nil {
				slog.Error("control: shutdown callback failed", "error", err)
			}
		}()
		return ok(map[string]any{"shutdown_initiated": true})

	default:
		return fail("unknown command: %s", cmd.Command)
	}
}

// source reads the url and play_type parameters
func source(params map[string]any) (string, playback.PlayType, error) {
	url, found := params["url"].(string)
	if !found {
		return "", 0, fmt.Errorf("missing or invalid 'url' parameter (expected string)")
	}
	name, found := params["play_type"].(string)
	if !found {
		return "", 0, fmt.Errorf("missing or invalid 'play_type' parameter (expected string)")
	}
	t, err := playback.ParsePlayType(name)
	if err != nil {
		return "", 0, err
	}
	return url, t, nil
}

// StatusData renders controller stats for responses
func StatusData(s playback.Stats) map[string]any {
	return map[string]any{
		"state":           s.State.String(),
		"session_id":      s.SessionID,
		"url":             s.URL,
		"play_type":       s.PlayType.String(),
		"variant":         s.Variant.String(),
		"hardware_active": s.HardwareActive,
		"position_ms":     s.PositionMs,
		"duration_ms":     s.DurationMs,
		"fallbacks":       s.Fallback.Fallbacks,
		"net_status":      s.Net.ToMap(),
	}
}

// sendResponse publishes a response on the response topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("control: failed to marshal response", "error", err)
		return
	}

	topic := h.cfg.MQTT.Topics.Response
	qos := h.cfg.MQTT.QoS["control"]

	token := h.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("control: response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("control: failed to publish response", "error", err)
		return
	}

	slog.Debug("control: response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
