package playback

import (
	"strings"

	"github.com/samber/lo"

	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/backend"
)

// urlRule accepts a play URL for one group of play types.
type urlRule struct {
	schemes    []string // any of these prefixes
	extensions []string // with any of these substrings; empty means no check
	localPath  bool     // absolute paths are accepted too
}

var (
	httpSchemes = []string{"http://", "https://"}

	liveRules = []urlRule{
		{schemes: []string{"rtmp://"}},
		{schemes: httpSchemes, extensions: []string{".flv"}},
	}
	vodRules = []urlRule{
		{schemes: httpSchemes, extensions: []string{".flv", ".m3u8", ".mp4"}, localPath: true},
	}
	localRules = []urlRule{
		{localPath: true},
	}
	audioRules = []urlRule{
		{schemes: httpSchemes, extensions: []string{".mp3", ".wav"}, localPath: true},
	}

	urlRules = map[backend.PlayType][]urlRule{
		backend.PlayTypeLiveRTMP:   liveRules,
		backend.PlayTypeLiveFLV:    liveRules,
		backend.PlayTypeVodFLV:     vodRules,
		backend.PlayTypeVodHLS:     vodRules,
		backend.PlayTypeVodMP4:     vodRules,
		backend.PlayTypeLocalVideo: localRules,
		backend.PlayTypeNetAudio:   audioRules,
		backend.PlayTypeNetExAudio: audioRules,
	}
)

func (r urlRule) match(lower string) bool {
	if r.localPath && strings.HasPrefix(lower, "/") {
		return true
	}
	if len(r.schemes) == 0 {
		return false
	}
	if !lo.SomeBy(r.schemes, func(s string) bool { return strings.HasPrefix(lower, s) }) {
		return false
	}
	if len(r.extensions) == 0 {
		return true
	}
	return lo.SomeBy(r.extensions, func(ext string) bool { return strings.Contains(lower, ext) })
}

// ValidateURL checks url against the rules for t and returns the StartPlay
// result code: ResultOK, ResultEmptyURL, ResultInvalidURL or
// ResultInvalidType. Scheme and extension matching ignore case.
func ValidateURL(url string, t PlayType) int {
	if strings.TrimSpace(url) == "" {
		return ResultEmptyURL
	}
	rules, ok := urlRules[t]
	if !ok {
		return ResultInvalidType
	}
	lower := strings.ToLower(strings.TrimSpace(url))
	if lo.SomeBy(rules, func(r urlRule) bool { return r.match(lower) }) {
		return ResultOK
	}
	return ResultInvalidURL
}
