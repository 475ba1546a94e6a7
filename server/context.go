package server

import (
	"context"
	"encoding/json"

	"github.com/dermesser/flowrpc"

	"github.com/juju/errors"
	"go.uber.org/zap"
)

// emitter is where a Context sends its signals: a broker Response or an HTTP response.
type emitter interface {
	EmitStarted(ctx context.Context, payload []byte) error
	EmitProgress(ctx context.Context, completed, total int, data json.RawMessage) error
	EmitCompleted(ctx context.Context, payload []byte) error
	EmitFailed(ctx context.Context, payload []byte) error
}

/*
Context is handed to a Handler. It carries the request data and correlation values, and takes
the outcome. Started and Progress are sent immediately; the terminal signal is sent once after
the handler returned, from the last call to Success, Return or Fail. A handler that sets no
outcome completes with an empty payload.
*/
type Context struct {
	ctx     context.Context
	input   []byte
	routine flowrpc.Routine
	emitter emitter

	result        []byte
	failed        bool
	error_message string

	logger *zap.Logger
	// 0 = None, 1 = logged request, 2 = logged response
	log_state int
}

func newContext(ctx context.Context, input []byte, routine flowrpc.Routine, em emitter, logger *zap.Logger) *Context {
	return &Context{ctx: ctx, input: input, routine: routine, emitter: em, logger: logger}
}

// Context returns the context of the serving loop. It is cancelled when the server shuts down.
func (c *Context) Context() context.Context {
	return c.ctx
}

/*
Get the data that was sent by the caller.
*/
func (c *Context) Input() []byte {
	c.rpclogRaw(c.input, log_REQUEST)
	return c.input
}

/*
GetArgument decodes the JSON input into v.
*/
func (c *Context) GetArgument(v any) error {
	if err := json.Unmarshal(c.input, v); err != nil {
		c.rpclogErr(err)
		return errors.Annotate(err, "decoding argument")
	}
	c.rpclogRaw(c.input, log_REQUEST)
	return nil
}

func (c *Context) Routine() flowrpc.Routine {
	return c.routine
}

// Started tells the caller that work has begun. nil payload sends an empty JSON object.
func (c *Context) Started(payload []byte) error {
	return c.emitter.EmitStarted(context.WithoutCancel(c.ctx), payload)
}

// Progress reports completed out of total units of work, with optional JSON data.
func (c *Context) Progress(completed, total int, data json.RawMessage) error {
	return c.emitter.EmitProgress(context.WithoutCancel(c.ctx), completed, total, data)
}

/*
Fail with msg as error message (gets sent back to the caller)
*/
func (c *Context) Fail(msg string) {
	c.failed = true
	c.error_message = msg
	c.rpclogErr(errors.New(msg))
}

/*
Set Success flag and the data to return to the caller.
*/
func (c *Context) Success(data []byte) {
	c.failed = false
	c.result = data
	c.rpclogRaw(data, log_RESPONSE)
}

/*
Return encodes v as JSON and sets it as the successful result. Does not do anything special, such
as terminate the calling function etc.
*/
func (c *Context) Return(v any) error {
	result, err := json.Marshal(v)
	if err != nil {
		return errors.Annotate(err, "encoding result")
	}
	c.Success(result)
	return nil
}

// finish sends the terminal signal.
func (c *Context) finish() error {
	ctx := context.WithoutCancel(c.ctx)
	if c.failed {
		return c.emitter.EmitFailed(ctx, errorBody(c.routine.Signature(), c.error_message))
	}
	return c.emitter.EmitCompleted(ctx, c.result)
}

type failure struct {
	Message   string `json:"message"`
	Signature string `json:"signature,omitempty"`
}

func errorBody(signature, msg string) []byte {
	b, err := json.Marshal(failure{Message: msg, Signature: signature})
	if err != nil {
		return []byte(`{"message":"unencodable error"}`)
	}
	return b
}
