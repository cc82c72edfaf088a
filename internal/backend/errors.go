package backend

import (
	"strings"

	"github.com/samber/lo"
)

// ErrorCategory groups backend failures for telemetry and for mapping to
// error codes.
type ErrorCategory int

const (
	// ErrCategoryNetwork covers connection, timeout and DNS failures.
	ErrCategoryNetwork ErrorCategory = iota
	// ErrCategoryCodec covers decode and format failures.
	ErrCategoryCodec
	// ErrCategoryAuth covers refused or unauthorized requests.
	ErrCategoryAuth
	// ErrCategoryUnknown is everything else.
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryNetwork:
		return "network"
	case ErrCategoryCodec:
		return "codec"
	case ErrCategoryAuth:
		return "auth"
	default:
		return "unknown"
	}
}

var (
	authKeywords = []string{
		"unauthorized", "401", "403", "forbidden", "authentication", "credentials",
	}
	codecKeywords = []string{
		"codec", "decode", "format", "negotiation", "caps", "h264", "h265", "aac",
		"not negotiated", "no decoder", "missing plugin", "malformed", "corrupt", "demux",
	}
	networkKeywords = []string{
		"connection", "timeout", "timed out", "unreachable", "network", "dns", "resolve",
		"socket", "tcp", "rtmp", "http", "not found", "could not connect", "failed to connect",
		"could not open resource", "eof",
	}
)

// Classify categorizes a backend error from its message and debug text.
// Backends rarely expose structured error domains, so the classification is
// keyword based with auth checked first, then codec, then network.
func Classify(message, debug string) ErrorCategory {
	combined := strings.ToLower(message + " " + debug)

	switch {
	case containsAny(combined, authKeywords):
		return ErrCategoryAuth
	case containsAny(combined, codecKeywords):
		return ErrCategoryCodec
	case containsAny(combined, networkKeywords):
		return ErrCategoryNetwork
	default:
		return ErrCategoryUnknown
	}
}

func containsAny(s string, keywords []string) bool {
	return lo.SomeBy(keywords, func(kw string) bool { return strings.Contains(s, kw) })
}

// CodeFor maps a classified failure to the OnError code and extra value a
// backend reports.
func CodeFor(category ErrorCategory, message string) (ErrorCode, int) {
	msg := strings.ToLower(message)

	switch category {
	case ErrCategoryAuth:
		return ErrorNetworkDisconnect, ExtraForbidden
	case ErrCategoryNetwork:
		if strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") {
			return ErrorTimedOut, 0
		}
		return ErrorNetworkDisconnect, 0
	case ErrCategoryCodec:
		if strings.Contains(msg, "malformed") || strings.Contains(msg, "corrupt") {
			return ErrorMalformed, 0
		}
		return ErrorUnsupported, 0
	default:
		return ErrorUnknown, 0
	}
}
