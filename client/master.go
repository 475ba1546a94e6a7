/*
Package client is the caller side of flowrpc's direct transport. An HTTPMaster resolves a worker
endpoint per call, dispatches through an optional admission valve, and reports every call as a
Session. AsyncMaster queues calls for an HTTPMaster and delivers Sessions to callbacks.
*/
package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dermesser/flowrpc"
	"github.com/dermesser/flowrpc/discovery"
	"github.com/dermesser/flowrpc/log"
	"github.com/dermesser/flowrpc/metrics"
	"github.com/dermesser/flowrpc/valve"

	"github.com/juju/errors"
	"go.uber.org/zap"
)

// Default timeouts of an HTTPMaster.
const (
	DefaultReadTimeout  = 20 * time.Second
	DefaultWriteTimeout = 20 * time.Second
	DefaultCallTimeout  = 180 * time.Second
)

type HTTPMasterConfig struct {
	// Identifies this master in logs and metrics. Generated if empty.
	ComponentID string
	// Required.
	Locator discovery.Locator
	// Optional admission control shared with other components.
	Valve *valve.Valve

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CallTimeout  time.Duration

	Measurer metrics.Measurer
	Logger   *zap.Logger
	// If set, request and response bodies are logged here.
	RPCLogger *zap.Logger
	// Call Serve() on construction.
	Autorun bool
	// Builds the shared network client. Default NewHTTPClient.
	HTTPClientFactory HTTPClientFactory
}

/*
HTTPMaster dispatches routine calls to workers over HTTP. It is safe for concurrent use; calls
run in parallel and share one network client, created on first use.
*/
type HTTPMaster struct {
	cfg     HTTPMasterConfig
	filters []filter

	clientOnce    sync.Once
	client        Doer
	clientCreated atomic.Bool

	logger   *zap.Logger
	measurer metrics.Measurer
}

// NewHTTPMaster validates cfg and fills in defaults. A nil Locator is an error.
func NewHTTPMaster(cfg HTTPMasterConfig) (*HTTPMaster, error) {
	if cfg.Locator == nil {
		return nil, errors.NotValidf("HTTP master without locator")
	}
	if cfg.ComponentID == "" {
		cfg.ComponentID = log.GetLogToken()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.HTTPClientFactory == nil {
		cfg.HTTPClientFactory = NewHTTPClient
	}

	m := &HTTPMaster{
		cfg:      cfg,
		filters:  defaultFilters,
		logger:   cfg.Logger,
		measurer: metrics.OrNull(cfg.Measurer),
	}
	if m.logger == nil {
		m.logger = log.Named("httpmaster")
	}
	m.logger = m.logger.With(zap.String("httpMasterId", cfg.ComponentID))

	if cfg.Autorun {
		m.Serve()
	}
	if log.IsLoggingEnabled(log.LOGLEVEL_DEBUG) {
		m.logger.Debug("HTTP master created", zap.Duration("readTimeout", cfg.ReadTimeout),
			zap.Duration("writeTimeout", cfg.WriteTimeout), zap.Duration("callTimeout", cfg.CallTimeout),
			zap.Bool("valve", cfg.Valve != nil))
	}
	return m, nil
}

func (m *HTTPMaster) ComponentID() string { return m.cfg.ComponentID }

func (m *HTTPMaster) httpClient() Doer {
	m.clientOnce.Do(func() {
		m.client = m.cfg.HTTPClientFactory(m.cfg.ReadTimeout, m.cfg.WriteTimeout)
		m.clientCreated.Store(true)
	})
	return m.client
}

/*
Request calls the routine signature with body; a nil body sends a GET, any other a JSON POST.
params supplies the correlation values, or nil to generate them from opts. A non-empty signature
replaces the one of params, which is not modified.

Every dispatch yields a Session, whatever happened on the network. An error is returned only if
the valve did not admit the call: a *flowrpc.RestrictionError, or a *flowrpc.OperationError the
valve itself reported. ctx bounds the admission wait and the endpoint lookup; the network call is
bounded by the call timeout alone.
*/
func (m *HTTPMaster) Request(ctx context.Context, signature string, body []byte, params *flowrpc.Routine, opts ...flowrpc.RoutineOption) (*Session, error) {
	var routine flowrpc.Routine
	if params != nil {
		routine = *params
	} else {
		routine = flowrpc.NewRoutine(opts...)
	}
	if signature != "" {
		routine = routine.WithSignature(signature)
	}

	if m.cfg.Valve == nil {
		return m.dispatch(ctx, routine, body), nil
	}
	session, err := valve.Filter(ctx, m.cfg.Valve, func() (*Session, error) {
		return m.dispatch(ctx, routine, body), nil
	})
	if err != nil {
		return nil, flowrpc.AsRestriction(err)
	}
	return session, nil
}

func (m *HTTPMaster) dispatch(ctx context.Context, routine flowrpc.Routine, body []byte) *Session {
	c := &call{
		master:  m,
		routine: routine,
		body:    body,
		ctx:     ctx,
		started: time.Now(),
		logger:  m.logger.With(zap.String("requestId", routine.ID()), zap.String("requestTime", routine.Timestamp())),
	}
	return c.callNextFilter(0).session(routine)
}

// Serve prepares the shared network client. Calls work without it.
func (m *HTTPMaster) Serve() {
	m.httpClient()
}

// Close releases idle network connections. The master stays usable.
func (m *HTTPMaster) Close() {
	if !m.clientCreated.Load() {
		return
	}
	if ic, ok := m.client.(idleCloser); ok {
		ic.CloseIdleConnections()
	}
}

// Reset is Close followed by Serve.
func (m *HTTPMaster) Reset() {
	m.Close()
	m.Serve()
}
