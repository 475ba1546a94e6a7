package zmq

import (
	"context"
	"sync"
	"syscall"
	"time"

	"github.com/dermesser/flowrpc/broker"
	"github.com/dermesser/flowrpc/log"
	smgr "github.com/dermesser/flowrpc/securitymanager"

	"github.com/juju/errors"
	zmq "github.com/pebbe/zmq4"
	"go.uber.org/zap"
)

// How often the receive loop checks for cancellation.
const pollInterval = 100 * time.Millisecond

/*
Subscriber receives the messages published to a set of destinations on a connected SUB socket.
The socket is owned by the receive loop started by Deliveries.
*/
type Subscriber struct {
	sock         *zmq.Socket
	destinations map[string]bool
	once         sync.Once
	logger       *zap.Logger
}

// NewSubscriber connects a SUB socket to endpoint and subscribes to destinations. security may
// be nil.
func NewSubscriber(endpoint string, security *smgr.ClientSecurityManager, destinations ...string) (*Subscriber, error) {
	if len(destinations) == 0 {
		return nil, errors.NotValidf("subscriber without destinations")
	}
	logger := log.Named("zmq.subscriber")

	sock, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		logger.Error("creating SUB socket failed", zap.Error(err))
		return nil, errors.Trace(err)
	}
	if err := security.ApplyToClientSocket(sock); err != nil {
		sock.Close()
		logger.Error("setting up security failed", zap.Error(err))
		return nil, errors.Trace(err)
	}

	sock.SetIpv6(true)
	sock.SetLinger(0)
	sock.SetReconnectIvl(100 * time.Millisecond)
	sock.SetRcvtimeo(pollInterval)

	s := &Subscriber{sock: sock, destinations: make(map[string]bool), logger: logger}
	for _, d := range destinations {
		if err := sock.SetSubscribe(d); err != nil {
			sock.Close()
			return nil, errors.Annotatef(err, "subscribing to %q", d)
		}
		s.destinations[d] = true
	}
	if err := sock.Connect(endpoint); err != nil {
		sock.Close()
		logger.Error("connect failed", zap.String("endpoint", endpoint), zap.Error(err))
		return nil, errors.Annotatef(err, "connecting to %s", endpoint)
	}
	return s, nil
}

/*
Deliveries starts the receive loop and returns its output. Every delivery carries consumerTag.
The loop stops and closes the socket and the returned channel when ctx is done. Only the first
call starts a loop; later calls return nil.
*/
func (s *Subscriber) Deliveries(ctx context.Context, consumerTag string) <-chan broker.Delivery {
	var out chan broker.Delivery
	s.once.Do(func() {
		out = make(chan broker.Delivery)
		go s.receive(ctx, consumerTag, out)
	})
	return out
}

func (s *Subscriber) receive(ctx context.Context, consumerTag string, out chan<- broker.Delivery) {
	defer close(out)
	defer s.sock.Close()

	for ctx.Err() == nil {
		frames, err := s.sock.RecvMessageBytes(0)
		if err != nil {
			if zmq.AsErrno(err) != zmq.Errno(syscall.EAGAIN) && log.IsLoggingEnabled(log.LOGLEVEL_WARNINGS) {
				s.logger.Warn("receive failed", zap.Error(err))
			}
			continue
		}

		d, err := DecodeFrames(frames)
		if err != nil {
			if log.IsLoggingEnabled(log.LOGLEVEL_WARNINGS) {
				s.logger.Warn("dropping malformed message", zap.Error(err))
			}
			continue
		}
		// Subscriptions match by prefix.
		if !s.destinations[d.Destination] {
			continue
		}
		d.ConsumerTag = consumerTag

		select {
		case out <- d:
		case <-ctx.Done():
			return
		}
	}
}
