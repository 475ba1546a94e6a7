/*
Package broker contains the message types exchanged with a message broker and the Channel
abstraction through which lifecycle signals are published. Connection management and topology
are the concern of concrete channels (see broker/zmq); MemoryChannel is an in-process channel.
*/
package broker

import (
	"context"
)

// Headers of a broker message. Values are strings, booleans, numbers, byte slices or lists of
// those.
type Headers map[string]any

// Clone returns a shallow copy of h.
func (h Headers) Clone() Headers {
	c := make(Headers, len(h))
	for k, v := range h {
		c[k] = v
	}
	return c
}

// Properties of a message as far as correlation is concerned.
type Properties struct {
	Headers       Headers
	ReplyTo       string
	CorrelationID string
	AppID         string
	// Expiration in milliseconds, as a decimal string.
	Expiration string
}

// A Publishing is an outbound message.
type Publishing struct {
	Properties
	Body []byte
}

// A Delivery is an inbound message.
type Delivery struct {
	Properties
	Body        []byte
	ConsumerTag string
	Destination string
}

// Channel publishes messages to a destination. Implementations must be safe for concurrent use.
type Channel interface {
	Publish(ctx context.Context, destination string, msg Publishing) error
}
