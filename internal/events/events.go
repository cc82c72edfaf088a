// Package events defines the play event kinds, payload keys and listener
// contract shared by the controller, the bridge and the daemon sinks.
package events

import (
	"fmt"
	"time"
)

// Kind identifies a play event. Values match the numeric codes published by
// the player SDK so existing consumers can keep switching on them.
type Kind int

const (
	ConnectSuccess Kind = 2001
	StreamBegin    Kind = 2002
	FirstIFrame    Kind = 2003
	PlayBegin      Kind = 2004
	PlayProgress   Kind = 2005
	PlayEnd        Kind = 2006
	PlayLoading    Kind = 2007
	StreamUnixTime Kind = 2008
	AudioFocusLoss Kind = 2009
	AudioFocusGain Kind = 2010
	SeekComplete   Kind = 2011
	PlayPrepared   Kind = 2012
	PlayExit       Kind = 2100

	ErrNetDisconnect     Kind = -2301
	ErrNetForbidden      Kind = -2302
	ErrGetPlayURLTimeout Kind = -2303
	ErrPlayURLsEmpty     Kind = -2304
	ErrStreamFail        Kind = -2305

	WarnVideoDecodeFail  Kind = 2101
	WarnAudioDecodeFail  Kind = 2102
	WarnReconnect        Kind = 2103
	WarnRecvDataLag      Kind = 2104
	WarnVideoPlayLag     Kind = 2105
	WarnSwitchSoftDecode Kind = 2106
)

var kindNames = map[Kind]string{
	ConnectSuccess:       "CONNECT_SUCCESS",
	StreamBegin:          "STREAM_BEGIN",
	FirstIFrame:          "FIRST_I_FRAME",
	PlayBegin:            "PLAY_BEGIN",
	PlayProgress:         "PLAY_PROGRESS",
	PlayEnd:              "PLAY_END",
	PlayLoading:          "PLAY_LOADING",
	StreamUnixTime:       "STREAM_UNIX_TIME",
	AudioFocusLoss:       "AUDIO_FOCUS_LOSS",
	AudioFocusGain:       "AUDIO_FOCUS_GAIN",
	SeekComplete:         "SEEK_COMPLETE",
	PlayPrepared:         "PLAY_PREPARED",
	PlayExit:             "PLAY_EXIT",
	ErrNetDisconnect:     "ERR_NET_DISCONNECT",
	ErrNetForbidden:      "ERR_NET_FORBIDDEN",
	ErrGetPlayURLTimeout: "ERR_GETPLAYURL_TIMEOUT",
	ErrPlayURLsEmpty:     "ERR_PLAYURLS_EMPTY",
	ErrStreamFail:        "ERR_STREAM_FAIL",
	WarnVideoDecodeFail:  "WARN_VIDEO_DECODE_FAIL",
	WarnAudioDecodeFail:  "WARN_AUDIO_DECODE_FAIL",
	WarnReconnect:        "WARN_RECONNECT",
	WarnRecvDataLag:      "WARN_RECV_DATA_LAG",
	WarnVideoPlayLag:     "WARN_VIDEO_PLAY_LAG",
	WarnSwitchSoftDecode: "WARN_SWITCH_SOFT_DECODE",
}

// String returns the SDK name of the kind (e.g. "PLAY_BEGIN").
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EVENT(%d)", int(k))
}

// IsError reports whether the kind is one of the negative error codes.
func (k Kind) IsError() bool { return k < 0 }

// IsWarning reports whether the kind is a recoverable warning.
func (k Kind) IsWarning() bool { return k >= WarnVideoDecodeFail && k <= WarnSwitchSoftDecode }

// ParseKind resolves an SDK name back to its kind.
func ParseKind(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return 0, false
}

// Payload keys of play events.
const (
	KeyTime           = "EVT_TIME"
	KeyDescription    = "EVT_DESCRIPTION"
	KeyProgress       = "EVT_PLAY_PROGRESS"
	KeyDuration       = "EVT_PLAY_DURATION"
	KeyStreamUnixTime = "EVT_PLAY_STREAM_UNIX_TIME"
	KeyErrorCategory  = "EVT_ERROR_CATEGORY"
	KeyVideoWidth     = "VIDEO_WIDTH"
	KeyVideoHeight    = "VIDEO_HEIGHT"
)

// Net status keys.
const (
	NetVideoBitrate = "VIDEO_BITRATE"
	NetAudioBitrate = "AUDIO_BITRATE"
	NetVideoFPS     = "VIDEO_FPS"
	NetSpeed        = "NET_SPEED"
	NetJitter       = "NET_JITTER"
	NetCacheSize    = "CACHE_SIZE"
	NetDropSize     = "DROP_SIZE"
	NetVideoWidth   = "VIDEO_WIDTH"
	NetVideoHeight  = "VIDEO_HEIGHT"
	NetCPUUsage     = "CPU_USAGE"
	NetServerIP     = "SERVER_IP"
	NetCodecCache   = "CODEC_CACHE"
	NetCodecDropCnt = "CODEC_DROP_CNT"
	NetTimestamp    = "NET_STATUS_TIME"
)

// Event is one play notification. Payload is owned by the event and must not
// be modified after New returns.
type Event struct {
	Kind        Kind
	TimestampMs int64
	Payload     map[string]any
}

// New builds an event stamped with the current time. extra is copied, so the
// caller may reuse it.
func New(kind Kind, description string, extra map[string]any) Event {
	now := time.Now().UnixMilli()
	payload := make(map[string]any, len(extra)+2)
	for k, v := range extra {
		payload[k] = v
	}
	payload[KeyTime] = now
	if description != "" {
		payload[KeyDescription] = description
	}
	return Event{Kind: kind, TimestampMs: now, Payload: payload}
}

// Description returns the EVT_DESCRIPTION payload entry, if any.
func (e Event) Description() string {
	s, _ := e.Payload[KeyDescription].(string)
	return s
}

// Int returns an integer payload entry.
func (e Event) Int(key string) (int64, bool) {
	switch v := e.Payload[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case int32:
		return int64(v), true
	}
	return 0, false
}

// Listener receives play events and net status snapshots on the bridge's
// consumer goroutine. Implementations must not block for long.
type Listener interface {
	OnPlayEvent(kind Kind, payload map[string]any)
	OnNetStatus(status map[string]any)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	PlayEvent func(kind Kind, payload map[string]any)
	NetStatus func(status map[string]any)
}

func (f ListenerFuncs) OnPlayEvent(kind Kind, payload map[string]any) {
	if f.PlayEvent != nil {
		f.PlayEvent(kind, payload)
	}
}

func (f ListenerFuncs) OnNetStatus(status map[string]any) {
	if f.NetStatus != nil {
		f.NetStatus(status)
	}
}
