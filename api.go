package playback

import (
	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/backend"
	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/events"
	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/render"
	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/stats"
)

// Public API - Re-export internal types as stable contract

// EventKind identifies a play event
type EventKind = events.Kind

// Play event kinds
const (
	EventConnectSuccess = events.ConnectSuccess
	EventStreamBegin    = events.StreamBegin
	EventFirstIFrame    = events.FirstIFrame
	EventPlayBegin      = events.PlayBegin
	EventPlayProgress   = events.PlayProgress
	EventPlayEnd        = events.PlayEnd
	EventPlayLoading    = events.PlayLoading
	EventStreamUnixTime = events.StreamUnixTime
	EventAudioFocusLoss = events.AudioFocusLoss
	EventAudioFocusGain = events.AudioFocusGain
	EventSeekComplete   = events.SeekComplete
	EventPlayPrepared   = events.PlayPrepared
	EventPlayExit       = events.PlayExit

	EventErrNetDisconnect     = events.ErrNetDisconnect
	EventErrNetForbidden      = events.ErrNetForbidden
	EventErrGetPlayURLTimeout = events.ErrGetPlayURLTimeout
	EventErrPlayURLsEmpty     = events.ErrPlayURLsEmpty
	EventErrStreamFail        = events.ErrStreamFail

	EventWarnVideoDecodeFail  = events.WarnVideoDecodeFail
	EventWarnAudioDecodeFail  = events.WarnAudioDecodeFail
	EventWarnReconnect        = events.WarnReconnect
	EventWarnRecvDataLag      = events.WarnRecvDataLag
	EventWarnVideoPlayLag     = events.WarnVideoPlayLag
	EventWarnSwitchSoftDecode = events.WarnSwitchSoftDecode
)

// Event payload keys
const (
	KeyTime           = events.KeyTime
	KeyDescription    = events.KeyDescription
	KeyProgress       = events.KeyProgress
	KeyDuration       = events.KeyDuration
	KeyStreamUnixTime = events.KeyStreamUnixTime
	KeyErrorCategory  = events.KeyErrorCategory
	KeyVideoWidth     = events.KeyVideoWidth
	KeyVideoHeight    = events.KeyVideoHeight
)

// Listener receives play events and net status snapshots
type Listener = events.Listener

// ListenerFuncs adapts plain functions to Listener
type ListenerFuncs = events.ListenerFuncs

// PlayType is the media category of a play URL
type PlayType = backend.PlayType

const (
	PlayTypeLiveRTMP   = backend.PlayTypeLiveRTMP
	PlayTypeLiveFLV    = backend.PlayTypeLiveFLV
	PlayTypeVodFLV     = backend.PlayTypeVodFLV
	PlayTypeVodHLS     = backend.PlayTypeVodHLS
	PlayTypeVodMP4     = backend.PlayTypeVodMP4
	PlayTypeLocalVideo = backend.PlayTypeLocalVideo
	PlayTypeNetAudio   = backend.PlayTypeNetAudio
	PlayTypeNetExAudio = backend.PlayTypeNetExAudio
)

// ParsePlayType accepts a play type name ("live_rtmp") or numeric code
var ParsePlayType = backend.ParsePlayType

// Variant tags a decode backend implementation
type Variant = backend.Variant

const (
	VariantHardwareNative  = backend.VariantHardwareNative
	VariantSoftwareNative  = backend.VariantSoftwareNative
	VariantOSPlayer        = backend.VariantOSPlayer
	VariantAlternatePlayer = backend.VariantAlternatePlayer
)

// Backend is the capability set of a decode backend
type Backend = backend.Backend

// BackendFactory builds backends by variant
type BackendFactory = backend.Factory

// NewBackendFactory creates an empty backend factory
var NewBackendFactory = backend.NewFactory

// RenderTarget is the rendering surface boundary
type RenderTarget = render.Target

// Image is one decoded picture
type Image = render.Image

// InputMode is the buffer format the image pipeline accepts
type InputMode = render.InputMode

// StatsSnapshot is one net status sample
type StatsSnapshot = stats.Snapshot

// Result codes returned by StartPlay and ChangeSource
const (
	ResultOK          = 0
	ResultFailed      = -1
	ResultEmptyURL    = -1
	ResultInvalidURL  = -2
	ResultInvalidType = -3
)

// Public API errors - Re-export internal errors as stable contract
var (
	ErrVariantUnavailable = backend.ErrVariantUnavailable
	ErrTargetBound        = render.ErrTargetBound
)
