package mpv

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/backend"
)

// fakeMPV answers JSON-IPC requests from a property table and can push
// events to connections that observed properties.
type fakeMPV struct {
	ln    net.Listener
	props map[string]any

	mu       sync.Mutex
	watchers []net.Conn
	commands [][]any
}

func startFakeMPV(t *testing.T, props map[string]any) *fakeMPV {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mpv.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeMPV{ln: ln, props: props}
	go f.serve()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeMPV) path() string { return f.ln.Addr().String() }

func (f *fakeMPV) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeMPV) handle(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var req ipcCommand
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil || len(req.Command) == 0 {
			continue
		}
		f.mu.Lock()
		f.commands = append(f.commands, req.Command)
		f.mu.Unlock()

		resp := ipcResponse{Error: "success"}
		switch req.Command[0] {
		case "get_property":
			v, ok := f.props[req.Command[1].(string)]
			if !ok {
				resp.Error = "property unavailable"
			}
			resp.Data = v
		case "observe_property":
			f.mu.Lock()
			if !slices.Contains(f.watchers, conn) {
				f.watchers = append(f.watchers, conn)
			}
			f.mu.Unlock()
		}
		payload, _ := json.Marshal(resp)
		conn.Write(append(payload, '\n'))
	}
}

func (f *fakeMPV) push(ev map[string]any) {
	payload, _ := json.Marshal(ev)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.watchers {
		c.Write(append(payload, '\n'))
	}
}

func (f *fakeMPV) watcherCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watchers)
}

type recorder struct {
	mu     sync.Mutex
	items  []string
	errors []backend.ErrorCode
	infos  []int64
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.items = append(r.items, s)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.items...)
}

func (r *recorder) callbacks() *backend.Callbacks {
	return &backend.Callbacks{
		OnPrepared:     func() { r.add("prepared") },
		OnCompletion:   func() { r.add("completion") },
		OnSeekComplete: func() { r.add("seek_complete") },
		OnError: func(code backend.ErrorCode, _ int) {
			r.mu.Lock()
			r.errors = append(r.errors, code)
			r.mu.Unlock()
			r.add("error")
		},
		OnInfo: func(code backend.InfoCode, extra int64) {
			r.add("info:" + code.String())
			if code == backend.InfoProgress {
				r.mu.Lock()
				r.infos = append(r.infos, extra)
				r.mu.Unlock()
			}
		},
		OnVideoSizeChanged: func(w, h int) { r.add("size") },
	}
}

func TestIPCClient(t *testing.T) {
	Convey("IPC client", t, func() {
		f := startFakeMPV(t, map[string]any{"duration": 42.5})
		c := &ipcClient{socketPath: f.path()}

		Convey("returns property data", func() {
			v, err := c.send("get_property", "duration")
			So(err, ShouldBeNil)
			So(v, ShouldEqual, 42.5)
		})

		Convey("does not retry errors reported by mpv", func() {
			_, err := c.send("get_property", "time-pos")
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "property unavailable")

			f.mu.Lock()
			n := len(f.commands)
			f.mu.Unlock()
			So(n, ShouldEqual, 1)
		})

		Convey("fails after retries when the socket is gone", func() {
			bad := &ipcClient{socketPath: filepath.Join(t.TempDir(), "missing.sock")}
			_, err := bad.send("get_property", "pid")
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "3 attempts")
		})
	})
}

func TestEventListener(t *testing.T) {
	Convey("Event listener", t, func() {
		f := startFakeMPV(t, nil)
		got := make(chan event, 16)
		el := newEventListener(f.path(), func(ev event) { got <- ev })

		So(el.Start(), ShouldBeNil)
		defer el.Stop()

		deadline := time.Now().Add(time.Second)
		for f.watcherCount() == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		So(f.watcherCount(), ShouldBeGreaterThan, 0)

		f.push(map[string]any{"event": "property-change", "name": "time-pos", "data": 1.5})

		select {
		case ev := <-got:
			So(ev.Event, ShouldEqual, "property-change")
			So(ev.Name, ShouldEqual, "time-pos")
			So(floatData(ev.Data).OrElse(0), ShouldEqual, 1.5)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	})
}

func TestHandleEvent(t *testing.T) {
	Convey("Event mapping", t, func() {
		rec := &recorder{}
		b := New(Config{}, backend.Options{URL: "http://cdn.example.com/a.mp3", PlayType: backend.PlayTypeNetExAudio})
		b.SetCallbacks(rec.callbacks())

		Convey("file-loaded prepares once then reports source changes", func() {
			b.handleEvent(event{Event: "file-loaded"})
			So(rec.list(), ShouldResemble, []string{"info:connected", "prepared"})

			b.mu.Lock()
			b.srcChanged = true
			b.mu.Unlock()
			b.handleEvent(event{Event: "file-loaded"})
			So(rec.list(), ShouldContain, "info:video_source_changed")
		})

		Convey("progress is reported once per second of position", func() {
			for _, pos := range []float64{0.2, 0.6, 1.1, 1.4, 2.0} {
				b.handleEvent(event{Event: "property-change", Name: "time-pos", Data: pos})
			}
			rec.mu.Lock()
			defer rec.mu.Unlock()
			So(rec.infos, ShouldResemble, []int64{200, 1100, 2000})
			So(b.CurrentPosition(), ShouldEqual, int64(2000))
		})

		Convey("cache stalls map to buffering start and end", func() {
			b.handleEvent(event{Event: "property-change", Name: "paused-for-cache", Data: true})
			b.handleEvent(event{Event: "property-change", Name: "paused-for-cache", Data: true})
			b.handleEvent(event{Event: "property-change", Name: "paused-for-cache", Data: false})
			So(rec.list(), ShouldResemble, []string{"info:buffering_start", "info:buffering_end"})
		})

		Convey("end of file completes", func() {
			b.handleEvent(event{Event: "end-file", Reason: "eof"})
			So(rec.list(), ShouldResemble, []string{"completion"})
		})

		Convey("load errors are classified", func() {
			b.handleEvent(event{Event: "end-file", Reason: "error", FileError: "HTTP 403 Forbidden"})
			b.handleEvent(event{Event: "end-file", Reason: "error", FileError: "loading failed"})
			rec.mu.Lock()
			defer rec.mu.Unlock()
			So(rec.errors, ShouldResemble, []backend.ErrorCode{backend.ErrorNetworkDisconnect, backend.ErrorIO})
		})

		Convey("seek completes on playback restart", func() {
			b.handleEvent(event{Event: "file-loaded"})
			b.mu.Lock()
			b.seeking = true
			b.mu.Unlock()
			b.handleEvent(event{Event: "playback-restart"})
			So(rec.list(), ShouldContain, "seek_complete")
		})

		Convey("unregistered callbacks are silent", func() {
			b.SetCallbacks(nil)
			b.handleEvent(event{Event: "end-file", Reason: "eof"})
			So(rec.list(), ShouldBeEmpty)
		})
	})
}

func TestBuildArgs(t *testing.T) {
	Convey("Command line", t, func() {
		s := backend.Settings{CacheTime: 5 * time.Second, ProbeSizeKB: 200}
		args := buildArgs("/tmp/x.sock", backend.PlayTypeNetExAudio, s, true, false, 1.5, 1)

		So(args, ShouldContain, "--input-ipc-server=/tmp/x.sock")
		So(args, ShouldContain, "--pause=yes")
		So(args, ShouldContain, "--vid=no")
		So(args, ShouldContain, "--cache-secs=5")
		So(args, ShouldContain, "--demuxer-lavf-probesize=204800")
		So(args, ShouldContain, "--loop-file=inf")
		So(args, ShouldContain, "--speed=1.5")
		So(args, ShouldContain, "--af=lavfi=[pan=stereo|c0=c0|c1=c0]")

		stereo := buildArgs("/tmp/x.sock", backend.PlayTypeNetExAudio, backend.Settings{}, false, true, 1, 0)
		So(stereo, ShouldContain, "--mute=yes")
		So(stereo, ShouldContain, "--loop-file=no")
		for _, a := range stereo {
			So(a, ShouldNotStartWith, "--af=")
		}
	})
}

func TestSanitizeTarget(t *testing.T) {
	Convey("Target validation", t, func() {
		v, err := sanitizeTarget("  https://cdn.example.com/a.mp3 ")
		So(err, ShouldBeNil)
		So(v, ShouldEqual, "https://cdn.example.com/a.mp3")

		v, err = sanitizeTarget("/music/../music/a.wav")
		So(err, ShouldBeNil)
		So(v, ShouldEqual, "/music/a.wav")

		_, err = sanitizeTarget("--script=evil.lua")
		So(err, ShouldNotBeNil)
		_, err = sanitizeTarget("ftp://host/a.mp3")
		So(err, ShouldNotBeNil)
		_, err = sanitizeTarget("http://a/b\n.mp3")
		So(err, ShouldNotBeNil)
		_, err = sanitizeTarget("")
		So(err, ShouldNotBeNil)
	})
}
