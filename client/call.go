package client

import (
	"github.com/dermesser/flowrpc"
)

// Log tags of the outcomes.
const (
	TagOK          = "x-http-master-response-ok"
	TagFailed      = "x-http-master-response-failed"
	TagBroken      = "x-http-master-response-broken"
	TagRWTimeout   = "x-http-master-response-rwTimeout"
	TagCallTimeout = "x-http-master-response-callTimeout"
	TagCracked     = "x-http-master-response-cracked"
)

type outcomeKind int

const (
	outcomeOK outcomeKind = iota
	outcomeFailed
	outcomeBroken
	// a read or write deadline on the connection expired
	outcomeIOTimeout
	// the overall deadline of the call expired
	outcomeCallTimeout
	outcomeCracked
)

// callOutcome is the result of the filter chain. It keeps the cause of a timeout apart for
// logging; both causes become the same Session status.
type callOutcome struct {
	kind       outcomeKind
	httpStatus int
	body       []byte
	err        error
}

func (o callOutcome) tag() string {
	switch o.kind {
	case outcomeOK:
		return TagOK
	case outcomeFailed:
		return TagFailed
	case outcomeBroken:
		return TagBroken
	case outcomeIOTimeout:
		return TagRWTimeout
	case outcomeCallTimeout:
		return TagCallTimeout
	}
	return TagCracked
}

func (o callOutcome) session(routine flowrpc.Routine) *Session {
	s := &Session{routine: routine}
	switch o.kind {
	case outcomeOK:
		s.status, s.value = StatusOK, o.body
	case outcomeFailed:
		s.status, s.errorBody = StatusFailed, o.body
	case outcomeBroken:
		s.status = StatusBroken
	case outcomeIOTimeout, outcomeCallTimeout:
		s.status, s.err = StatusTimeout, o.err
	default:
		s.status, s.err = StatusCracked, o.err
	}
	return s
}
