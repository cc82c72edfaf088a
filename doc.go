// Package playback controls one media playback session at a time on top of
// interchangeable decode backends.
//
// # Overview
//
// A Controller sits between an application and a decode backend (hardware
// native decoder, software native decoder, OS player or alternate stream
// player). It owns the session lifecycle, forwards control calls, switches a
// failing hardware decode to software, samples network statistics every
// 500ms and delivers lifecycle events to a single listener in order.
//
//	NOT_INIT → STARTING → STARTED ⇄ SEEKING
//	STARTED → STOPPING → NOT_INIT
//	STARTED → STOPPED (end of media, error)     EXITED (read loop gone)
//
// # Basic Usage
//
//	factory := playback.NewBackendFactory()
//	gst.Register(factory)
//
//	ctrl, err := playback.NewController(playback.Options{Factory: factory})
//	if err != nil {
//	    return err
//	}
//	defer ctrl.Destroy()
//
//	ctrl.SetListener(playback.ListenerFuncs{
//	    PlayEvent: func(kind playback.EventKind, payload map[string]any) {
//	        log.Println(kind, payload)
//	    },
//	})
//
//	if rc := ctrl.StartPlay("rtmp://live.example.com/app/stream", playback.PlayTypeLiveRTMP); rc != playback.ResultOK {
//	    return fmt.Errorf("start play: %d", rc)
//	}
//
// # Result Codes
//
// Input errors never produce events. StartPlay and ChangeSource return:
//
//	 0  ResultOK
//	-1  empty URL, no active session, or no backend
//	-2  URL not accepted for the play type
//	-3  unknown play type
//
// Failures after a successful start are reported as events and move the
// session to STOPPED (network, stream) or EXITED (read loop exit).
//
// # Events
//
// Events carry the SDK numeric codes (PLAY_BEGIN is 2004, ERR_NET_DISCONNECT
// is -2301) and a payload with at least EVT_TIME. A successful start emits
// PLAY_PREPARED{VIDEO_WIDTH, VIDEO_HEIGHT, EVT_PLAY_DURATION} before the first
// PLAY_BEGIN. Pause and Resume emit nothing.
//
// StopPlay advances the bridge epoch: events of the stopped session still in
// the queue are dropped, so the listener hears nothing from it afterwards.
//
// # Hardware Fallback
//
// When the hardware path fails to deliver a buffer, the controller stops the
// image pipeline (keeping the last frame), restarts it on CPU RGBA input,
// reroutes the backend output and emits WARN_SWITCH_SOFT_DECODE once. The
// session stays STARTED. If the software restart also fails,
// WARN_VIDEO_DECODE_FAIL is emitted and video stalls until the next start.
//
// # Thread Safety
//
// All Controller methods are safe for concurrent use. StartPlay, StopPlay,
// ChangeSource and Destroy are serialized. Listener methods run on one
// goroutine and must not block for long.
package playback
