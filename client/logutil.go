package client

import (
	"strings"

	"go.uber.org/zap"
)

type rpclog_type int

const (
	log_REQUEST rpclog_type = iota
	log_RESPONSE
)

func (t rpclog_type) String() string {
	switch t {
	case log_REQUEST:
		return "REQ"
	case log_RESPONSE:
		return "RSP"
	default:
		return ""
	}
}

func transformRuneToPrintable(r rune) rune {
	if r >= 32 && r < 127 {
		return r
	}
	return '.'
}

func logString(str []byte) string {
	return strings.Map(transformRuneToPrintable, string(str))
}

func (m *HTTPMaster) rpclogRaw(c *call, b []byte, t rpclog_type) {
	if m.cfg.RPCLogger != nil {
		m.cfg.RPCLogger.Info(t.String(),
			zap.String("master", m.cfg.ComponentID),
			zap.String("endpoint", c.endpoint.URI),
			zap.String("requestId", c.routine.ID()),
			zap.Int("size", len(b)),
			zap.String("data", logString(b)))
	}
}
