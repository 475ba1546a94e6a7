package flowrpc

import (
	"fmt"
	"strings"
)

// Protocol versions understood by Protocol().
const (
	ProtocolLegacy = "0"
	ProtocolOxid   = "1"
)

// Header names that do not depend on the protocol version.
const (
	HeaderStatus          = "status"
	HeaderConsumerTag     = "consumerTag"
	HeaderProtoVersion    = "protoVersion"
	HeaderHTTPAddress     = "httpAddress"
	HeaderServerletID     = "serverletId"
	HeaderProgressEnabled = "progressEnabled"
)

// HTTP headers carrying the correlation values on the direct transport.
const (
	HTTPHeaderRoutineID        = "X-Routine-Id"
	HTTPHeaderRoutineTimestamp = "X-Routine-Timestamp"
	HTTPHeaderRoutineSignature = "X-Routine-Signature"
	HTTPHeaderRoutineScope     = "X-Routine-Scope"
)

// SignalKind is the value of the status header of a lifecycle signal.
type SignalKind string

const (
	SignalStarted   SignalKind = "started"
	SignalProgress  SignalKind = "progress"
	SignalCompleted SignalKind = "completed"
	SignalFailed    SignalKind = "failed"
)

// Terminal reports whether no further signal may follow k.
func (k SignalKind) Terminal() bool {
	return k == SignalCompleted || k == SignalFailed
}

/*
Protocol is the broker header naming scheme. It is chosen once per process, usually from
configuration, and passed by value to every component that reads or writes broker headers.

	logical field       legacy ("0")   oxid ("1")
	routine id          requestId      oxId
	routine timestamp   requestTime    oxTimestamp
	routine signature   routineId      oxSignature
	routine tags        requestTags    oxTags
	routine scope       requestScope   oxScope
*/
type Protocol struct {
	Version                string
	HeaderRoutineID        string
	HeaderRoutineTimestamp string
	HeaderRoutineSignature string
	HeaderRoutineTags      string
	HeaderRoutineScope     string
}

// ProtocolFor returns the header scheme for version. Unknown versions fall back to legacy.
func ProtocolFor(version string) Protocol {
	switch strings.TrimSpace(version) {
	case ProtocolOxid:
		return Protocol{
			Version:                ProtocolOxid,
			HeaderRoutineID:        "oxId",
			HeaderRoutineTimestamp: "oxTimestamp",
			HeaderRoutineSignature: "oxSignature",
			HeaderRoutineTags:      "oxTags",
			HeaderRoutineScope:     "oxScope",
		}
	default:
		return Protocol{
			Version:                ProtocolLegacy,
			HeaderRoutineID:        "requestId",
			HeaderRoutineTimestamp: "requestTime",
			HeaderRoutineSignature: "routineId",
			HeaderRoutineTags:      "requestTags",
			HeaderRoutineScope:     "requestScope",
		}
	}
}

// Info lists the scheme for diagnostics.
func (p Protocol) Info() map[string]string {
	return map[string]string{
		"PROTOCOL_VERSION":         p.Version,
		"HEADER_ROUTINE_ID":        p.HeaderRoutineID,
		"HEADER_ROUTINE_TIMESTAMP": p.HeaderRoutineTimestamp,
		"HEADER_ROUTINE_SIGNATURE": p.HeaderRoutineSignature,
		"HEADER_ROUTINE_TAGS":      p.HeaderRoutineTags,
		"HEADER_ROUTINE_SCOPE":     p.HeaderRoutineScope,
	}
}

// RoutineFromHeaders reads the correlation values of an inbound message. Missing values stay
// empty; no id or timestamp is generated.
func (p Protocol) RoutineFromHeaders(headers map[string]any) Routine {
	return Routine{
		id:        headerString(headers, p.HeaderRoutineID),
		timestamp: headerString(headers, p.HeaderRoutineTimestamp),
		signature: headerString(headers, p.HeaderRoutineSignature),
		scope:     headerString(headers, p.HeaderRoutineScope),
		tags:      headerStrings(headers, p.HeaderRoutineTags),
	}
}

func headerString(headers map[string]any, key string) string {
	switch v := headers[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

func headerStrings(headers map[string]any, key string) []string {
	switch v := headers[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			out = append(out, fmt.Sprint(e))
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return strings.Split(v, ",")
	}
	return nil
}

// ProgressEnabled reports whether progress signals were requested for an inbound message.
// Only an explicit false (boolean or string) disables them.
func ProgressEnabled(headers map[string]any) bool {
	switch v := headers[HeaderProgressEnabled].(type) {
	case bool:
		return v
	case string:
		return !strings.EqualFold(strings.TrimSpace(v), "false")
	}
	return true
}
