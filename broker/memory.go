package broker

import (
	"context"
	"sync"

	"github.com/dermesser/flowrpc/broker/queue"

	"github.com/juju/errors"
)

// ErrQueueFull is returned by MemoryChannel.Publish when the destination holds its maximum
// number of messages.
const ErrQueueFull = errors.ConstError("broker: destination queue full")

const defaultMemoryQueueLength = 128

/*
MemoryChannel is a Channel keeping published messages in a bounded FIFO queue per destination.
It backs the demo and tests; consumers read messages with Pop or Drain, or wait for them with
Wait.
*/
type MemoryChannel struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queues   map[string]*queue.Queue[Publishing]
	length   int
	failWith error
}

// NewMemoryChannel returns a channel whose destinations hold at most queueLength messages
// (a default is used for values <= 0).
func NewMemoryChannel(queueLength int) *MemoryChannel {
	if queueLength <= 0 {
		queueLength = defaultMemoryQueueLength
	}
	c := &MemoryChannel{queues: make(map[string]*queue.Queue[Publishing]), length: queueLength}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *MemoryChannel) Publish(ctx context.Context, destination string, msg Publishing) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failWith != nil {
		return c.failWith
	}
	q, ok := c.queues[destination]
	if !ok {
		q = queue.New[Publishing](c.length)
		c.queues[destination] = q
	}
	msg.Headers = msg.Headers.Clone()
	msg.Body = append([]byte(nil), msg.Body...)
	if !q.Push(msg) {
		return errors.Annotatef(ErrQueueFull, "destination %q", destination)
	}
	c.cond.Broadcast()
	return nil
}

// Pop removes the oldest message of destination.
func (c *MemoryChannel) Pop(destination string) (Publishing, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pop(destination)
}

func (c *MemoryChannel) pop(destination string) (Publishing, bool) {
	q, ok := c.queues[destination]
	if !ok {
		return Publishing{}, false
	}
	return q.Pop()
}

func (c *MemoryChannel) Len(destination string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.queues[destination]; ok {
		return q.Len()
	}
	return 0
}

// Drain removes and returns all messages of destination in publishing order.
func (c *MemoryChannel) Drain(destination string) []Publishing {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Publishing
	for {
		msg, ok := c.pop(destination)
		if !ok {
			return out
		}
		out = append(out, msg)
	}
}

// Wait blocks until a message for destination is available and removes it, or until ctx is done.
func (c *MemoryChannel) Wait(ctx context.Context, destination string) (Publishing, error) {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if msg, ok := c.pop(destination); ok {
			return msg, nil
		}
		if err := ctx.Err(); err != nil {
			return Publishing{}, errors.Trace(err)
		}
		c.cond.Wait()
	}
}

/*
Consume delivers the messages published to destination on the returned channel, tagged with
consumerTag, until ctx is done. The channel is closed afterwards.
*/
func (c *MemoryChannel) Consume(ctx context.Context, destination, consumerTag string) <-chan Delivery {
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			msg, err := c.Wait(ctx, destination)
			if err != nil {
				return
			}
			d := Delivery{Properties: msg.Properties, Body: msg.Body, ConsumerTag: consumerTag, Destination: destination}
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// FailWith makes every following Publish return err. nil restores normal operation.
func (c *MemoryChannel) FailWith(err error) {
	c.mu.Lock()
	c.failWith = err
	c.mu.Unlock()
}
