// Package render implements the image pipeline between a decode backend and
// a rendering target.
//
// Frames are handed over through a single-slot mailbox: Feed never blocks and
// a newer frame replaces one the delivery loop has not consumed yet. The
// pipeline keeps the last presented frame so it can be captured or kept on
// screen across a restart.
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrTargetBound = errors.New("render: target already bound to another pipeline")
	ErrRunning     = errors.New("render: pipeline already running")
)

// InputMode is the buffer format the pipeline accepts.
type InputMode int

const (
	// InputHardwareSurface accepts decoder-owned surfaces (zero copy).
	InputHardwareSurface InputMode = iota
	// InputSoftwareRGBA accepts CPU RGBA buffers.
	InputSoftwareRGBA
)

func (m InputMode) String() string {
	switch m {
	case InputHardwareSurface:
		return "hw_surface"
	case InputSoftwareRGBA:
		return "sw_rgba"
	default:
		return "unknown"
	}
}

// Image is one decoded picture.
type Image struct {
	Data      []byte
	Width     int
	Height    int
	Seq       uint64
	Timestamp time.Time
	TraceID   string
}

// Target is the rendering surface boundary. Surface implementations live
// outside this module.
type Target interface {
	// Prepare configures the surface for mode. An error aborts Start.
	Prepare(mode InputMode) error
	Present(img Image)
	Clear()
}

// Stats is a copy of the pipeline counters.
type Stats struct {
	Fed       uint64
	Presented uint64
	Dropped   uint64
	Restarts  uint64
	Mode      InputMode
	Running   bool
}

// bindings tracks which pipeline owns each target.
var bindings sync.Map // Target -> *Pipeline

// Pipeline moves frames from Feed to the bound Target on its own goroutine.
type Pipeline struct {
	name string

	inboxMu   sync.Mutex
	inboxCond *sync.Cond
	inbox     *Image

	stateMu sync.Mutex
	target  Target
	mode    InputMode
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	lastMu sync.RWMutex
	last   *Image

	fed       uint64
	presented uint64
	dropped   uint64
	restarts  uint64
}

// NewPipeline creates a stopped pipeline.
func NewPipeline(name string) *Pipeline {
	p := &Pipeline{name: name}
	p.inboxCond = sync.NewCond(&p.inboxMu)
	return p
}

// Bind attaches t to this pipeline. A target is bound to at most one
// pipeline; binding a target owned elsewhere fails with ErrTargetBound.
func (p *Pipeline) Bind(t Target) error {
	if t == nil {
		return fmt.Errorf("render: nil target")
	}

	owner, loaded := bindings.LoadOrStore(t, p)
	if loaded && owner.(*Pipeline) != p {
		return ErrTargetBound
	}

	p.stateMu.Lock()
	prev := p.target
	p.target = t
	p.stateMu.Unlock()

	if prev != nil && prev != t {
		bindings.CompareAndDelete(prev, p)
	}
	slog.Debug("render: target bound", "pipeline", p.name)
	return nil
}

// Unbind releases the target binding, if any.
func (p *Pipeline) Unbind() {
	p.stateMu.Lock()
	t := p.target
	p.target = nil
	p.stateMu.Unlock()

	if t != nil {
		bindings.CompareAndDelete(t, p)
		slog.Debug("render: target unbound", "pipeline", p.name)
	}
}

// Bound reports whether a target is attached.
func (p *Pipeline) Bound() bool {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.target != nil
}

// Start prepares the target for mode and launches the delivery loop.
func (p *Pipeline) Start(mode InputMode) error {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	if p.running {
		return ErrRunning
	}
	if p.target != nil {
		if err := p.target.Prepare(mode); err != nil {
			return fmt.Errorf("render: prepare %s input: %w", mode, err)
		}
	}

	p.mode = mode
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.running = true
	atomic.AddUint64(&p.restarts, 1)

	p.wg.Add(1)
	go p.loop(p.ctx)

	slog.Debug("render: pipeline started", "pipeline", p.name, "mode", mode.String())
	return nil
}

// Stop halts the delivery loop and waits for it. clearLastFrame drops the
// retained frame and clears the target; otherwise the last picture stays.
// Idempotent.
func (p *Pipeline) Stop(clearLastFrame bool) {
	p.stateMu.Lock()
	wasRunning := p.running
	if wasRunning {
		p.running = false
		p.cancel()
	}
	target := p.target
	p.stateMu.Unlock()

	if wasRunning {
		p.inboxMu.Lock()
		p.inbox = nil
		p.inboxCond.Broadcast()
		p.inboxMu.Unlock()
		p.wg.Wait()
	}

	if clearLastFrame {
		p.ClearLastFrame()
		if target != nil {
			target.Clear()
		}
	}

	if wasRunning {
		slog.Debug("render: pipeline stopped", "pipeline", p.name, "clear_last_frame", clearLastFrame)
	}
}

// Feed offers a frame to the pipeline. Returns false when stopped. A frame
// still waiting in the mailbox is replaced and counted as dropped.
func (p *Pipeline) Feed(img Image) bool {
	p.stateMu.Lock()
	running := p.running
	p.stateMu.Unlock()
	if !running {
		return false
	}

	p.inboxMu.Lock()
	if p.inbox != nil {
		atomic.AddUint64(&p.dropped, 1)
	}
	p.inbox = &img
	p.inboxCond.Signal()
	p.inboxMu.Unlock()

	atomic.AddUint64(&p.fed, 1)
	return true
}

// LastFrame returns the most recently presented frame.
func (p *Pipeline) LastFrame() (Image, bool) {
	p.lastMu.RLock()
	defer p.lastMu.RUnlock()
	if p.last == nil {
		return Image{}, false
	}
	return *p.last, true
}

// ClearLastFrame drops the retained frame.
func (p *Pipeline) ClearLastFrame() {
	p.lastMu.Lock()
	p.last = nil
	p.lastMu.Unlock()
}

// Mode returns the current input mode.
func (p *Pipeline) Mode() InputMode {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.mode
}

// Running reports whether the delivery loop is active.
func (p *Pipeline) Running() bool {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.running
}

// Stats returns a copy of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	p.stateMu.Lock()
	mode, running := p.mode, p.running
	p.stateMu.Unlock()

	return Stats{
		Fed:       atomic.LoadUint64(&p.fed),
		Presented: atomic.LoadUint64(&p.presented),
		Dropped:   atomic.LoadUint64(&p.dropped),
		Restarts:  atomic.LoadUint64(&p.restarts),
		Mode:      mode,
		Running:   running,
	}
}

// loop consumes the mailbox until ctx is cancelled. The target is looked up
// per frame so Unbind takes effect without a restart; frames arriving while
// unbound are still retained as the last frame.
func (p *Pipeline) loop(ctx context.Context) {
	defer p.wg.Done()

	for {
		p.inboxMu.Lock()
		for p.inbox == nil {
			if ctx.Err() != nil {
				p.inboxMu.Unlock()
				return
			}
			p.inboxCond.Wait()
		}
		if ctx.Err() != nil {
			p.inboxMu.Unlock()
			return
		}
		img := p.inbox
		p.inbox = nil
		p.inboxMu.Unlock()

		p.lastMu.Lock()
		p.last = img
		p.lastMu.Unlock()

		p.stateMu.Lock()
		target := p.target
		p.stateMu.Unlock()
		if target != nil {
			target.Present(*img)
		}
		atomic.AddUint64(&p.presented, 1)
	}
}
