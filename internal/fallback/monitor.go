// Package fallback demotes a failing hardware decode path to software decode
// without failing the session.
package fallback

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/events"
	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/render"
)

// Pipeline is the image pipeline the monitor restarts.
type Pipeline interface {
	Stop(clearLastFrame bool)
	Start(mode render.InputMode) error
	Feed(img render.Image) bool
}

// Config wires a Monitor to its session.
type Config struct {
	// ReleaseLock serializes buffer feeding with teardown. The controller
	// holds the same lock while it stops the pipeline.
	ReleaseLock *sync.Mutex
	Pipeline    Pipeline

	// DisableHardware marks hardware decode off for the rest of the session.
	DisableHardware func()
	// Rebind reattaches the backend's frame listener to the restarted
	// pipeline.
	Rebind func() error
	// Emit posts a warning event.
	Emit func(kind events.Kind, description string)
}

// Stats is a copy of the monitor counters.
type Stats struct {
	Fallbacks uint64
	Failures  uint64
	Fed       uint64
	Rejected  uint64
}

// Monitor runs the hardware-to-software fallback protocol from the buffer
// callback. Fallback fires at most once per Arm.
type Monitor struct {
	cfg Config

	// guarded by cfg.ReleaseLock
	armed    bool
	hwActive bool
	released bool
	stalled  bool

	fallbacks uint64
	failures  uint64
	fed       uint64
	rejected  uint64
}

// New creates a released monitor. Call Arm when a session starts.
func New(cfg Config) *Monitor {
	if cfg.ReleaseLock == nil {
		cfg.ReleaseLock = &sync.Mutex{}
	}
	return &Monitor{cfg: cfg, released: true}
}

// Arm resets the monitor for a new source. hardware reports whether the
// session decodes on the hardware path; only then can fallback trigger.
func (m *Monitor) Arm(hardware bool) {
	m.cfg.ReleaseLock.Lock()
	defer m.cfg.ReleaseLock.Unlock()

	m.armed = hardware
	m.hwActive = hardware
	m.released = false
	m.stalled = false
}

// Teardown runs fn under the release lock and marks the monitor released, so
// no buffer is fed into a pipeline being torn down.
func (m *Monitor) Teardown(fn func()) {
	m.cfg.ReleaseLock.Lock()
	defer m.cfg.ReleaseLock.Unlock()

	m.released = true
	m.armed = false
	if fn != nil {
		fn()
	}
}

// HardwareActive reports whether the session is still on the hardware path.
func (m *Monitor) HardwareActive() bool {
	m.cfg.ReleaseLock.Lock()
	defer m.cfg.ReleaseLock.Unlock()
	return m.hwActive
}

// Stalled reports whether the software restart failed.
func (m *Monitor) Stalled() bool {
	m.cfg.ReleaseLock.Lock()
	defer m.cfg.ReleaseLock.Unlock()
	return m.stalled
}

// OnBuffer handles one decoded buffer from the backend. hwFailed reports that
// the hardware path could not deliver it. Returns true if the buffer was fed.
//
// Protocol on the first hardware failure after Arm (under the release lock):
//  1. Disable hardware decode for the session
//  2. Stop the image pipeline, keeping the last frame
//  3. Restart the pipeline on the software RGBA input
//  4. Rebind the frame listener
//  5. Emit WARN_SWITCH_SOFT_DECODE
//
// If step 3 fails, WARN_VIDEO_DECODE_FAIL is emitted and buffers are
// rejected until the next Arm. A buffer flagged hwFailed carries no usable
// picture and is never fed, so the retained last frame survives the switch.
func (m *Monitor) OnBuffer(img render.Image, hwFailed bool) bool {
	m.cfg.ReleaseLock.Lock()
	defer m.cfg.ReleaseLock.Unlock()

	if m.released {
		atomic.AddUint64(&m.rejected, 1)
		return false
	}

	if hwFailed {
		if m.armed && m.hwActive {
			m.switchToSoftwareLocked()
		}
		atomic.AddUint64(&m.rejected, 1)
		return false
	}

	if m.stalled {
		atomic.AddUint64(&m.rejected, 1)
		return false
	}

	if !m.cfg.Pipeline.Feed(img) {
		atomic.AddUint64(&m.rejected, 1)
		return false
	}
	atomic.AddUint64(&m.fed, 1)
	return true
}

func (m *Monitor) switchToSoftwareLocked() {
	m.armed = false
	m.hwActive = false

	slog.Warn("fallback: hardware decode failed, switching to software")

	if m.cfg.DisableHardware != nil {
		m.cfg.DisableHardware()
	}

	m.cfg.Pipeline.Stop(false)

	if err := m.cfg.Pipeline.Start(render.InputSoftwareRGBA); err != nil {
		m.stalled = true
		atomic.AddUint64(&m.failures, 1)
		slog.Error("fallback: software pipeline restart failed", "error", err)
		m.emit(events.WarnVideoDecodeFail, "video decode failed: "+err.Error())
		return
	}

	if m.cfg.Rebind != nil {
		if err := m.cfg.Rebind(); err != nil {
			slog.Warn("fallback: frame listener rebind failed", "error", err)
		}
	}

	atomic.AddUint64(&m.fallbacks, 1)
	slog.Info("fallback: switched to software decode")
	m.emit(events.WarnSwitchSoftDecode, "switched to software decode")
}

func (m *Monitor) emit(kind events.Kind, desc string) {
	if m.cfg.Emit != nil {
		m.cfg.Emit(kind, desc)
	}
}

// Stats returns a copy of the monitor counters.
func (m *Monitor) Stats() Stats {
	return Stats{
		Fallbacks: atomic.LoadUint64(&m.fallbacks),
		Failures:  atomic.LoadUint64(&m.failures),
		Fed:       atomic.LoadUint64(&m.fed),
		Rejected:  atomic.LoadUint64(&m.rejected),
	}
}
