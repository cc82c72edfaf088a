package mpv

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/samber/mo"
)

// event is one unsolicited line from mpv: a named event or a
// property-change notification.
type event struct {
	Event     string `json:"event"`
	Name      string `json:"name"`
	Data      any    `json:"data"`
	Reason    string `json:"reason"`
	FileError string `json:"file_error"`
}

// observed lists the properties the listener subscribes to, keyed by the
// observe id mpv echoes back.
var observed = []string{
	"time-pos",
	"duration",
	"pause",
	"paused-for-cache",
	"eof-reached",
	"video-params/w",
	"video-params/h",
}

// eventListener keeps one persistent connection open and dispatches every
// event line to handle.
type eventListener struct {
	socketPath string
	handle     func(event)

	mu        sync.Mutex
	conn      net.Conn
	listening bool
	done      chan struct{}
}

func newEventListener(socketPath string, handle func(event)) *eventListener {
	return &eventListener{socketPath: socketPath, handle: handle}
}

// Start subscribes to the observed properties on a dedicated connection and
// starts the read loop. Observation is per connection in mpv, so the
// subscriptions are sent on the connection that reads the events.
func (el *eventListener) Start() error {
	el.mu.Lock()
	defer el.mu.Unlock()

	if el.listening {
		return nil
	}

	conn, err := net.Dial("unix", el.socketPath)
	if err != nil {
		return fmt.Errorf("mpv: event listener connect: %w", err)
	}
	for i, name := range observed {
		if err := writeCommand(conn, []any{"observe_property", i + 1, name}); err != nil {
			conn.Close()
			return fmt.Errorf("mpv: observe %s: %w", name, err)
		}
	}

	el.conn = conn
	el.listening = true
	el.done = make(chan struct{})
	go el.readLoop(conn, el.done)

	slog.Debug("mpv: event listener started", "socket", el.socketPath, "observed", len(observed))
	return nil
}

// Stop closes the connection and waits for the read loop to exit.
func (el *eventListener) Stop() {
	el.mu.Lock()
	if !el.listening {
		el.mu.Unlock()
		return
	}
	el.listening = false
	conn, done := el.conn, el.done
	el.mu.Unlock()

	conn.Close()
	<-done
}

func (el *eventListener) readLoop(conn net.Conn, done chan struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		ev, ok := parseEvent(scanner.Bytes())
		if !ok {
			continue
		}
		el.handle(ev)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		slog.Warn("mpv: event listener read error", "error", err)
	}
}

// parseEvent decodes one line. Command replies (no "event" field) are
// skipped.
func parseEvent(line []byte) (event, bool) {
	var ev event
	if err := json.Unmarshal(line, &ev); err != nil {
		return event{}, false
	}
	if ev.Event == "" {
		return event{}, false
	}
	return ev, true
}

// floatData reads a numeric property payload. mpv sends null while a
// property is unavailable.
func floatData(data any) mo.Option[float64] {
	switch v := data.(type) {
	case float64:
		return mo.Some(v)
	case int:
		return mo.Some(float64(v))
	default:
		return mo.None[float64]()
	}
}

func boolData(data any) mo.Option[bool] {
	if v, ok := data.(bool); ok {
		return mo.Some(v)
	}
	return mo.None[bool]()
}
