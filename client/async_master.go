package client

import (
	"context"
	"sync"

	"github.com/dermesser/flowrpc"
	"github.com/dermesser/flowrpc/log"

	"github.com/juju/errors"
	"go.uber.org/zap"
)

// ErrClosed is returned when a request is queued on a closed AsyncMaster.
const ErrClosed = errors.ConstError("async master closed")

// Callback receives the result of a queued request.
type Callback func(*Session, error)

type asyncRequest struct {
	ctx       context.Context
	callback  Callback
	signature string
	body      []byte
	params    *flowrpc.Routine
	opts      []flowrpc.RoutineOption
}

/*
AsyncMaster queues requests for an HTTPMaster (in a buffered channel with the length
queueLength) and sends them one after the other from a single goroutine. Request returns
immediately if the queue is not full yet. Higher parallelism can simply be achieved by using
multiple AsyncMasters on the same HTTPMaster.
*/
type AsyncMaster struct {
	master  *HTTPMaster
	queue   chan *asyncRequest
	qlength int

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	logger *zap.Logger
}

func NewAsyncMaster(master *HTTPMaster, queueLength int) (*AsyncMaster, error) {
	if master == nil {
		return nil, errors.NotValidf("nil HTTP master")
	}
	if queueLength <= 0 {
		return nil, errors.NotValidf("queue length %d", queueLength)
	}
	am := &AsyncMaster{
		master:  master,
		queue:   make(chan *asyncRequest, queueLength),
		qlength: queueLength,
		done:    make(chan struct{}),
		logger:  master.logger.Named("async"),
	}
	go am.loop()
	return am, nil
}

func (am *AsyncMaster) loop() {
	defer close(am.done)
	for rq := range am.queue {
		if float64(len(am.queue)) > 0.7*float64(am.qlength) && log.IsLoggingEnabled(log.LOGLEVEL_WARNINGS) {
			am.logger.Warn("queue is fuller than 70% of its capacity", zap.Int("queued", len(am.queue)),
				zap.Int("capacity", am.qlength))
		}
		session, err := am.master.Request(rq.ctx, rq.signature, rq.body, rq.params, rq.opts...)
		if rq.callback != nil {
			rq.callback(session, err)
		}
	}
}

/*
Request queues a call with the arguments of HTTPMaster.Request; cb receives its result. It blocks
while the queue is full, until ctx is done. ctx is also the context of the call itself.
*/
func (am *AsyncMaster) Request(ctx context.Context, signature string, body []byte, params *flowrpc.Routine, cb Callback, opts ...flowrpc.RoutineOption) error {
	am.mu.RLock()
	defer am.mu.RUnlock()
	if am.closed {
		return ErrClosed
	}

	rq := &asyncRequest{ctx: ctx, callback: cb, signature: signature, body: body, params: params, opts: opts}
	select {
	case am.queue <- rq:
		return nil
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}

// Close stops accepting requests and waits until the queued ones are done.
func (am *AsyncMaster) Close() {
	am.mu.Lock()
	if !am.closed {
		am.closed = true
		close(am.queue)
	}
	am.mu.Unlock()
	<-am.done
}
