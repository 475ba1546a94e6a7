package server

import (
	"strings"

	"go.uber.org/zap"
)

type rpclog_type int

const (
	log_REQUEST rpclog_type = iota
	log_RESPONSE
	log_ERROR
)

func (t rpclog_type) String() string {
	switch t {
	case log_REQUEST:
		return "REQ"
	case log_RESPONSE:
		return "RSP"
	case log_ERROR:
		return "ERR"
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

func (c *Context) logFields(size int) []zap.Field {
	return []zap.Field{
		zap.String("signature", c.routine.Signature()),
		zap.String("requestId", c.routine.ID()),
		zap.String("requestTime", c.routine.Timestamp()),
		zap.Int("size", size),
	}
}

func (c *Context) rpclogErr(err error) {
	if c.logger != nil {
		c.logger.Info(log_ERROR.String(), append(c.logFields(0), zap.Error(err))...)
	}
}

// Logs the request once and the response once, in this order.
func (c *Context) rpclogRaw(b []byte, t rpclog_type) {
	if c.logger != nil {
		if (c.log_state == 0 && t == log_REQUEST) ||
			(c.log_state == 1 && t == log_RESPONSE) {

			c.logger.Info(t.String(), append(c.logFields(len(b)), zap.String("data", logString(b)))...)
			c.log_state++
		}
	}
}
