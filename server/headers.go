package server

import (
	"math"

	"github.com/dermesser/flowrpc"
	"github.com/dermesser/flowrpc/broker"
)

// TerminalExtras are the additional headers of a Completed or Failed signal.
type TerminalExtras struct {
	ConsumerTag string
	// Optional address the caller may use for direct HTTP calls in the future.
	HTTPAddress string
}

/*
BuildHeaders returns the headers of one lifecycle signal of kind for routine. The routine fields
are written under the names of proto; empty fields and an empty componentID are omitted. extras
must be non-nil for terminal kinds. Every call returns a fresh map.
*/
func BuildHeaders(proto flowrpc.Protocol, kind flowrpc.SignalKind, routine flowrpc.Routine, componentID string, extras *TerminalExtras) broker.Headers {
	h := broker.Headers{flowrpc.HeaderStatus: string(kind)}

	if componentID != "" {
		h[flowrpc.HeaderServerletID] = componentID
	}
	setNonEmpty(h, proto.HeaderRoutineID, routine.ID())
	setNonEmpty(h, proto.HeaderRoutineTimestamp, routine.Timestamp())
	setNonEmpty(h, proto.HeaderRoutineScope, routine.Scope())
	setNonEmpty(h, proto.HeaderRoutineSignature, routine.Signature())
	if tags := routine.Tags(); len(tags) > 0 {
		h[proto.HeaderRoutineTags] = tags
	}

	if kind.Terminal() && extras != nil {
		h[flowrpc.HeaderConsumerTag] = extras.ConsumerTag
		h[flowrpc.HeaderProtoVersion] = proto.Version
		setNonEmpty(h, flowrpc.HeaderHTTPAddress, extras.HTTPAddress)
	}
	return h
}

func setNonEmpty(h broker.Headers, key, value string) {
	if value != "" {
		h[key] = value
	}
}

/*
ProgressPercent converts a completed/total pair into a percentage. total == 100 uses completed
as is. Pairs outside 0 <= completed <= total, total > 0 yield -1.
*/
func ProgressPercent(completed, total int) int {
	if total <= 0 || completed < 0 || completed > total {
		return -1
	}
	if total == 100 {
		return completed
	}
	return int(math.Round(float64(completed) * 100 / float64(total)))
}
