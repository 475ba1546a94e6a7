/*
Package zmq implements the broker channel on ZeroMQ PUB/SUB sockets. The destination of a message
is its subscription topic, so a caller subscribes to its reply destination and receives the
lifecycle signals published to it. Sockets can be secured with CURVE through the
securitymanager package.
*/
package zmq

import (
	"context"
	"sync"
	"time"

	"github.com/dermesser/flowrpc/broker"
	"github.com/dermesser/flowrpc/log"
	smgr "github.com/dermesser/flowrpc/securitymanager"

	"github.com/juju/errors"
	zmq "github.com/pebbe/zmq4"
	"go.uber.org/zap"
)

const defaultSendHWM = 1000

// Publisher is a broker.Channel publishing on a bound PUB socket. It is safe for concurrent use.
type Publisher struct {
	mu       sync.Mutex
	sock     *zmq.Socket
	endpoint string
	closed   bool
	logger   *zap.Logger
}

/*
NewPublisher binds a PUB socket to endpoint, e.g. "tcp://*:5555" or "ipc:///tmp/flowrpc".
security may be nil.
*/
func NewPublisher(endpoint string, security *smgr.ServerSecurityManager) (*Publisher, error) {
	logger := log.Named("zmq.publisher")

	sock, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		logger.Error("creating PUB socket failed", zap.Error(err))
		return nil, errors.Trace(err)
	}
	if err := security.ApplyToServerSocket(sock); err != nil {
		sock.Close()
		logger.Error("setting up security failed", zap.Error(err))
		return nil, errors.Trace(err)
	}

	sock.SetIpv6(true)
	sock.SetLinger(0)
	sock.SetSndhwm(defaultSendHWM)
	sock.SetSndtimeo(10 * time.Second)

	if err := sock.Bind(endpoint); err != nil {
		sock.Close()
		logger.Error("bind failed", zap.String("endpoint", endpoint), zap.Error(err))
		return nil, errors.Annotatef(err, "binding %s", endpoint)
	}
	return &Publisher{sock: sock, endpoint: endpoint, logger: logger}, nil
}

func (p *Publisher) Endpoint() string { return p.endpoint }

func (p *Publisher) Publish(ctx context.Context, destination string, msg broker.Publishing) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	frames, err := EncodeFrames(destination, msg)
	if err != nil {
		return errors.Trace(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("publisher closed")
	}
	if _, err := p.sock.SendMessage(frames); err != nil {
		if log.IsLoggingEnabled(log.LOGLEVEL_WARNINGS) {
			p.logger.Warn("send failed", zap.String("destination", destination), zap.Error(err))
		}
		return errors.Annotatef(err, "publishing to %q", destination)
	}
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return errors.Trace(p.sock.Close())
}
