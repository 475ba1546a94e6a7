package client

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/dermesser/flowrpc"
	"github.com/dermesser/flowrpc/log"

	"github.com/juju/errors"
	"go.uber.org/zap"
)

// A filter is a function that is called with a call and fulfills a certain task.
// Filters are stacked in HTTPMaster.filters; filters[0] is called first, and calls in turn
// filters[1] until the last filter sends the request off to the network.
type filter func(c *call, next int) callOutcome

var defaultFilters = []filter{logFilter, locateFilter, timeoutFilter, sendFilter}

// Logs the outcome of every call with its tag and counts it.
func logFilter(c *call, next int) callOutcome {
	outcome := c.callNextFilter(next)
	m := c.master
	m.measurer.CountSession(m.cfg.ComponentID, outcome.session(c.routine).Status().String())

	fields := []zap.Field{
		zap.String("tag", outcome.tag()),
		zap.String("signature", c.routine.Signature()),
		zap.Duration("elapsed", time.Since(c.started)),
	}
	switch outcome.kind {
	case outcomeOK:
		if log.IsLoggingEnabled(log.LOGLEVEL_DEBUG) {
			c.logger.Debug("request completed", append(fields, zap.Int("status", outcome.httpStatus))...)
		}
	case outcomeFailed:
		if log.IsLoggingEnabled(log.LOGLEVEL_INFO) {
			c.logger.Info("request failed", append(fields, zap.Int("status", outcome.httpStatus))...)
		}
	case outcomeBroken:
		if log.IsLoggingEnabled(log.LOGLEVEL_WARNINGS) {
			c.logger.Warn("no endpoint available", fields...)
		}
	case outcomeIOTimeout:
		if log.IsLoggingEnabled(log.LOGLEVEL_WARNINGS) {
			c.logger.Warn("readTimeout/writeTimeout", append(fields, zap.Error(outcome.err))...)
		}
	case outcomeCallTimeout:
		if log.IsLoggingEnabled(log.LOGLEVEL_WARNINGS) {
			c.logger.Warn("callTimeout", append(fields, zap.Error(outcome.err))...)
		}
	default:
		if log.IsLoggingEnabled(log.LOGLEVEL_ERRORS) {
			c.logger.Error("request cracked", append(fields, zap.Error(outcome.err))...)
		}
	}
	return outcome
}

// Resolves the endpoint. Without one the call is broken and nothing is sent.
func locateFilter(c *call, next int) callOutcome {
	info, ok := c.master.cfg.Locator.Locate(c.ctx)
	if !ok || info.URI == "" {
		return callOutcome{kind: outcomeBroken}
	}
	c.endpoint = info
	return c.callNextFilter(next)
}

// Bounds the network call by the call timeout. The caller's cancellation does not reach it.
func timeoutFilter(c *call, next int) callOutcome {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), c.master.cfg.CallTimeout)
	defer cancel()
	c.callCtx = ctx
	return c.callNextFilter(next)
}

// Sends the request and reads the response. Must be the last filter in the stack.
func sendFilter(c *call, next int) callOutcome {
	// Enforce that this is the last filter.
	if len(c.master.filters) != next {
		panic("Bad filter setup")
	}

	req, err := newHTTPRequest(c)
	if err != nil {
		return callOutcome{kind: outcomeCracked, err: err}
	}
	c.master.rpclogRaw(c, c.body, log_REQUEST)

	resp, err := c.master.httpClient().Do(req)
	if err != nil {
		return classifyError(c.callCtx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyError(c.callCtx, err)
	}
	c.master.rpclogRaw(c, body, log_RESPONSE)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return callOutcome{kind: outcomeOK, httpStatus: resp.StatusCode, body: body}
	}
	return callOutcome{kind: outcomeFailed, httpStatus: resp.StatusCode, body: body}
}

func newHTTPRequest(c *call) (*http.Request, error) {
	method := http.MethodGet
	var body io.Reader
	if c.body != nil {
		method = http.MethodPost
		body = bytes.NewReader(c.body)
	}

	req, err := http.NewRequestWithContext(c.callCtx, method, c.target(), body)
	if err != nil {
		return nil, errors.Annotatef(err, "building request for %q", c.endpoint.URI)
	}
	req.Header.Set(flowrpc.HTTPHeaderRoutineID, c.routine.ID())
	req.Header.Set(flowrpc.HTTPHeaderRoutineTimestamp, c.routine.Timestamp())
	req.Header.Set(flowrpc.HTTPHeaderRoutineSignature, c.routine.Signature())
	if scope := c.routine.Scope(); scope != "" {
		req.Header.Set(flowrpc.HTTPHeaderRoutineScope, scope)
	}
	if c.body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	return req, nil
}

// The call deadline is checked first: an expired context also looks like a network timeout.
func classifyError(callCtx context.Context, err error) callOutcome {
	if callCtx != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return callOutcome{kind: outcomeCallTimeout, err: err}
	}
	if isIOTimeout(err) {
		return callOutcome{kind: outcomeIOTimeout, err: err}
	}
	return callOutcome{kind: outcomeCracked, err: err}
}
