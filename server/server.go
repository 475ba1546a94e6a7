/*
Package server is the worker side of flowrpc. Response publishes the lifecycle signals of one
invocation to the caller's reply destination; Server dispatches inbound broker deliveries and
HTTP requests to registered handlers and answers them through a Response or the HTTP reply.
*/
package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dermesser/flowrpc"
	"github.com/dermesser/flowrpc/broker"
	"github.com/dermesser/flowrpc/log"
	"github.com/dermesser/flowrpc/metrics"

	"github.com/juju/errors"
	"go.uber.org/zap"
)

// Queued deliveries per worker before new ones are refused.
const OUTSTANDING_REQUESTS_PER_WORKER = 50

/*
Type of a function that is called when the corresponding routine is requested.
*/
type Handler func(*Context)

// ServerConfig configures a Server. Zero values get defaults.
type ServerConfig struct {
	ComponentID string
	Protocol    flowrpc.Protocol
	// Number of concurrently running handlers. Default 1.
	Workers int
	// Reply destination for deliveries without reply-to.
	ReplyTo string
	// Announced to callers in terminal signals.
	HTTPAddress string
	Logger      *zap.Logger
	Measurer    metrics.Measurer
	// If set, request and response data of every call is logged here.
	RPCLogger *zap.Logger
}

/*
Handles incoming requests and registering of handler functions.
*/
type Server struct {
	channel broker.Channel
	cfg     ServerConfig

	mu       sync.RWMutex
	handlers map[string]Handler

	// Respond "no" to health checks
	lameduck atomic.Bool
	// Do not accept requests anymore
	loadshed atomic.Bool

	logger   *zap.Logger
	measurer metrics.Measurer
}

/*
NewServer creates a server answering on channel. The built-in routines HealthRoutine and
PingRoutine are registered.
*/
func NewServer(channel broker.Channel, cfg ServerConfig) (*Server, error) {
	if channel == nil {
		return nil, errors.NotValidf("nil broker channel")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Protocol.Version == "" {
		cfg.Protocol = flowrpc.ProtocolFor(flowrpc.ProtocolLegacy)
	}
	srv := &Server{
		channel:  channel,
		cfg:      cfg,
		handlers: make(map[string]Handler),
		logger:   cfg.Logger,
		measurer: metrics.OrNull(cfg.Measurer),
	}
	if srv.logger == nil {
		srv.logger = log.Named("server")
	}
	if cfg.ComponentID != "" {
		srv.logger = srv.logger.With(zap.String("componentId", cfg.ComponentID))
	}

	srv.RegisterHandler(HealthRoutine, srv.healthHandler)
	srv.RegisterHandler(PingRoutine, pingHandler)
	return srv, nil
}

/*
Add a new handler for the routine signature. err is not nil if the signature is already
registered.
*/
func (srv *Server) RegisterHandler(signature string, handler Handler) error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if _, ok := srv.handlers[signature]; ok {
		if log.IsLoggingEnabled(log.LOGLEVEL_WARNINGS) {
			srv.logger.Warn("trying to register existing routine", zap.String("signature", signature))
		}
		return errors.AlreadyExistsf("routine %q", signature)
	}
	srv.handlers[signature] = handler
	if log.IsLoggingEnabled(log.LOGLEVEL_INFO) {
		srv.logger.Info("registered routine", zap.String("signature", signature))
	}
	return nil
}

/*
Removes a routine from the set of served routines.

Returns an error if the routine doesn't exist.
*/
func (srv *Server) UnregisterHandler(signature string) error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if _, ok := srv.handlers[signature]; !ok {
		if log.IsLoggingEnabled(log.LOGLEVEL_WARNINGS) {
			srv.logger.Warn("trying to unregister non-existing routine", zap.String("signature", signature))
		}
		return errors.NotFoundf("routine %q", signature)
	}
	delete(srv.handlers, signature)
	if log.IsLoggingEnabled(log.LOGLEVEL_INFO) {
		srv.logger.Info("unregistered routine", zap.String("signature", signature))
	}
	return nil
}

// Returns a handler, or nil if none was found.
func (srv *Server) findHandler(signature string) Handler {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	return srv.handlers[signature]
}

/*
A server that is in lameduck mode will respond negatively to health checks
but continue serving requests.
*/
func (srv *Server) SetLameduck(lameduck bool) {
	srv.lameduck.Store(lameduck)
}

/*
A server in loadshed mode will refuse any requests immediately.
*/
func (srv *Server) SetLoadshed(loadshed bool) {
	srv.loadshed.Store(loadshed)
}

func (srv *Server) Protocol() flowrpc.Protocol {
	return srv.cfg.Protocol
}

/*
Serve handles deliveries until the channel is closed or ctx is done. Deliveries are queued for
the workers; when the queue is full, or the server is in loadshed mode, a delivery is answered
with a Failed signal right away. Serve returns after all queued deliveries were handled, with
ctx.Err() if ctx ended the loop.
*/
func (srv *Server) Serve(ctx context.Context, deliveries <-chan broker.Delivery) error {
	capacity := srv.cfg.Workers * OUTSTANDING_REQUESTS_PER_WORKER
	work := make(chan broker.Delivery, capacity)

	var wg sync.WaitGroup
	for i := 0; i < srv.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range work {
				srv.handleDelivery(ctx, d)
			}
		}()
	}
	defer wg.Wait()
	defer close(work)

	if log.IsLoggingEnabled(log.LOGLEVEL_INFO) {
		srv.logger.Info("serving", zap.Int("workers", srv.cfg.Workers), zap.String("protocol", srv.cfg.Protocol.Version))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			if srv.loadshed.Load() {
				srv.refuse(ctx, d, "server is in loadshed mode")
				continue
			}
			select {
			case work <- d:
				if len(work) > int(0.8*float64(capacity)) && log.IsLoggingEnabled(log.LOGLEVEL_WARNINGS) {
					srv.logger.Warn("queue is now at more than 80% fullness, consider increasing the number of workers",
						zap.Int("queued", len(work)), zap.Int("capacity", capacity))
				}
			default:
				srv.refuse(ctx, d, "server overloaded")
			}
		}
	}
}

func (srv *Server) newResponse(d broker.Delivery) *Response {
	return NewResponse(srv.channel, d.Properties, ResponseOptions{
		ComponentID: srv.cfg.ComponentID,
		ConsumerTag: d.ConsumerTag,
		ReplyTo:     srv.cfg.ReplyTo,
		Routine:     srv.cfg.Protocol.RoutineFromHeaders(d.Headers),
		HTTPAddress: srv.cfg.HTTPAddress,
		Protocol:    srv.cfg.Protocol,
		Logger:      srv.logger,
		Measurer:    srv.measurer,
	})
}

func (srv *Server) refuse(ctx context.Context, d broker.Delivery, reason string) {
	resp := srv.newResponse(d)
	if log.IsLoggingEnabled(log.LOGLEVEL_WARNINGS) {
		srv.logger.Warn("refusing request", zap.String("reason", reason), zap.String("requestId", resp.Routine().ID()))
	}
	if err := resp.EmitFailed(context.WithoutCancel(ctx), errorBody(resp.Routine().Signature(), reason)); err != nil {
		srv.logger.Error("could not answer refused request", zap.Error(err))
	}
}

func (srv *Server) handleDelivery(ctx context.Context, d broker.Delivery) {
	resp := srv.newResponse(d)
	err := srv.dispatch(ctx, d.Body, resp.Routine(), resp)
	if err != nil && !errors.Is(err, ErrNoSuchRoutine) && log.IsLoggingEnabled(log.LOGLEVEL_ERRORS) {
		srv.logger.Error("could not answer request", zap.String("requestId", resp.Routine().ID()), zap.Error(err))
	}
}

// ErrNoSuchRoutine is matched by the error of dispatch when no handler is registered.
const ErrNoSuchRoutine = errors.ConstError("no such routine")

// dispatch runs the handler for routine and sends the terminal signal through em.
func (srv *Server) dispatch(ctx context.Context, input []byte, routine flowrpc.Routine, em emitter) error {
	handler := srv.findHandler(routine.Signature())
	if handler == nil {
		if log.IsLoggingEnabled(log.LOGLEVEL_WARNINGS) {
			srv.logger.Warn("request for unknown routine", zap.String("signature", routine.Signature()),
				zap.String("requestId", routine.ID()))
		}
		err := em.EmitFailed(context.WithoutCancel(ctx), errorBody(routine.Signature(), string(ErrNoSuchRoutine)))
		if err != nil {
			return errors.Trace(err)
		}
		return errors.Annotatef(ErrNoSuchRoutine, "%q", routine.Signature())
	}

	cx := newContext(ctx, input, routine, em, srv.cfg.RPCLogger)
	srv.run(handler, cx)
	return errors.Trace(cx.finish())
}

func (srv *Server) run(handler Handler, cx *Context) {
	defer func() {
		if r := recover(); r != nil {
			srv.logger.Error("handler panicked", zap.String("signature", cx.routine.Signature()),
				zap.String("requestId", cx.routine.ID()), zap.Any("panic", r))
			cx.Fail(fmt.Sprint("handler panicked: ", r))
		}
	}()
	handler(cx)
}
