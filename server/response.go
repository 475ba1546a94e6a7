package server

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dermesser/flowrpc"
	"github.com/dermesser/flowrpc/broker"
	"github.com/dermesser/flowrpc/log"
	"github.com/dermesser/flowrpc/metrics"

	"github.com/juju/errors"
	"go.uber.org/zap"
)

// DefaultExpiration is used for signals answering a message without expiration.
const DefaultExpiration = "1000"

// ErrAlreadyTerminated is returned (wrapped in a *flowrpc.OperationError) for any signal emitted
// after a Completed or Failed signal. Nothing is published in that case.
const ErrAlreadyTerminated = errors.ConstError("invocation already terminated")

// ResponseOptions describe the invocation a Response answers.
type ResponseOptions struct {
	ComponentID string
	ConsumerTag string
	// Used when the inbound message carries no reply-to.
	ReplyTo string
	Routine flowrpc.Routine
	// Announced to the caller in terminal signals if set.
	HTTPAddress string
	Protocol    flowrpc.Protocol
	Logger      *zap.Logger
	Measurer    metrics.Measurer
}

/*
Response publishes the lifecycle signals of one invocation to the caller's reply destination:
optionally a Started signal, any number of Progress signals, and one terminal Completed or Failed
signal. A Response belongs to a single invocation; its methods are safe to call concurrently and
publish in call order.
*/
type Response struct {
	channel broker.Channel
	props   broker.Properties
	opts    ResponseOptions

	replyTo         string
	expiration      string
	progressEnabled bool

	mu         sync.Mutex
	terminated flowrpc.SignalKind

	logger   *zap.Logger
	measurer metrics.Measurer
}

// NewResponse sets up the emitter for the inbound message with properties props.
func NewResponse(channel broker.Channel, props broker.Properties, opts ResponseOptions) *Response {
	if opts.Protocol.Version == "" {
		opts.Protocol = flowrpc.ProtocolFor(flowrpc.ProtocolLegacy)
	}
	r := &Response{
		channel:         channel,
		props:           props,
		opts:            opts,
		replyTo:         props.ReplyTo,
		expiration:      props.Expiration,
		progressEnabled: flowrpc.ProgressEnabled(props.Headers),
		measurer:        metrics.OrNull(opts.Measurer),
	}
	if r.replyTo == "" {
		r.replyTo = opts.ReplyTo
	}
	if r.expiration == "" {
		r.expiration = DefaultExpiration
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Named("response")
	}
	r.logger = logger.With(zap.String("requestId", opts.Routine.ID()), zap.String("requestTime", opts.Routine.Timestamp()))

	if log.IsLoggingEnabled(log.LOGLEVEL_DEBUG) {
		r.logger.Debug("response created", zap.String("consumerTag", opts.ConsumerTag),
			zap.String("replyTo", r.replyTo), zap.Bool("progressEnabled", r.progressEnabled))
	}
	return r
}

// ApplicationID returns the app id of the inbound message.
func (r *Response) ApplicationID() string { return r.props.AppID }

// ReplyTo returns the destination signals are published to.
func (r *Response) ReplyTo() string { return r.replyTo }

func (r *Response) ConsumerTag() string      { return r.opts.ConsumerTag }
func (r *Response) Routine() flowrpc.Routine { return r.opts.Routine }
func (r *Response) ProgressEnabled() bool    { return r.progressEnabled }

// Terminated reports whether a terminal signal has been published.
func (r *Response) Terminated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminated != ""
}

// EmitStarted publishes a Started signal. A nil payload is sent as an empty JSON object.
func (r *Response) EmitStarted(ctx context.Context, payload []byte) error {
	if payload == nil {
		payload = []byte("{}")
	}
	return r.publish(ctx, flowrpc.SignalStarted, payload)
}

type progressBody struct {
	Percent int             `json:"percent"`
	Data    json.RawMessage `json:"data,omitempty"`
}

/*
EmitProgress publishes a Progress signal with the percentage computed by ProgressPercent and
optional JSON data. It does nothing if the caller disabled progress for this invocation. The
sequence of percentages is not checked.
*/
func (r *Response) EmitProgress(ctx context.Context, completed, total int, data json.RawMessage) error {
	if !r.progressEnabled {
		return nil
	}
	body, err := json.Marshal(progressBody{Percent: ProgressPercent(completed, total), Data: data})
	if err != nil {
		return errors.Annotate(err, "encoding progress data")
	}
	return r.publish(ctx, flowrpc.SignalProgress, body)
}

// EmitCompleted publishes the successful terminal signal with the result payload.
func (r *Response) EmitCompleted(ctx context.Context, payload []byte) error {
	return r.publish(ctx, flowrpc.SignalCompleted, payload)
}

// EmitFailed publishes the failed terminal signal with the error payload.
func (r *Response) EmitFailed(ctx context.Context, payload []byte) error {
	return r.publish(ctx, flowrpc.SignalFailed, payload)
}

func (r *Response) publish(ctx context.Context, kind flowrpc.SignalKind, body []byte) error {
	op := "emit " + string(kind)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.terminated != "" {
		if log.IsLoggingEnabled(log.LOGLEVEL_WARNINGS) {
			r.logger.Warn("signal after terminal signal dropped", zap.String("status", string(kind)),
				zap.String("terminatedBy", string(r.terminated)))
		}
		return flowrpc.NewOperationError(op, errors.Annotatef(ErrAlreadyTerminated, "by %s signal", r.terminated))
	}
	if r.replyTo == "" {
		return flowrpc.NewOperationError(op, errors.NotValidf("empty reply destination"))
	}

	var extras *TerminalExtras
	if kind.Terminal() {
		extras = &TerminalExtras{ConsumerTag: r.opts.ConsumerTag, HTTPAddress: r.opts.HTTPAddress}
	}
	if body == nil {
		body = []byte{}
	}
	msg := broker.Publishing{
		Properties: broker.Properties{
			Headers:       BuildHeaders(r.opts.Protocol, kind, r.opts.Routine, r.opts.ComponentID, extras),
			CorrelationID: r.props.CorrelationID,
			AppID:         r.props.AppID,
			Expiration:    r.expiration,
		},
		Body: body,
	}

	if err := r.channel.Publish(ctx, r.replyTo, msg); err != nil {
		if log.IsLoggingEnabled(log.LOGLEVEL_ERRORS) {
			r.logger.Error("publishing signal failed", zap.String("status", string(kind)),
				zap.String("replyTo", r.replyTo), zap.Error(err))
		}
		return flowrpc.NewOperationError(op, err)
	}

	if kind.Terminal() {
		r.terminated = kind
	}
	r.measurer.CountSignal(r.opts.ComponentID, string(kind))
	if log.IsLoggingEnabled(log.LOGLEVEL_DEBUG) {
		r.logger.Debug("signal published", zap.String("tag", "response-emit-"+string(kind)),
			zap.Int("bodyLength", len(body)))
	}
	return nil
}
