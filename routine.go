package flowrpc

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TimestampFormat is used for generated routine timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

/*
Routine is the correlation context of one invocation: routine id, routine timestamp, optional
scope and the signature of the invoked routine. It is created by the caller when an invocation
begins and is read-only afterwards; id and timestamp are echoed in every lifecycle signal.
*/
type Routine struct {
	id, timestamp    string
	scope, signature string
	tags             []string
}

// A RoutineOption sets one field of a new Routine.
type RoutineOption func(*Routine)

func WithRoutineID(id string) RoutineOption {
	return func(r *Routine) { r.id = id }
}

func WithRoutineTimestamp(ts string) RoutineOption {
	return func(r *Routine) { r.timestamp = ts }
}

func WithRoutineScope(scope string) RoutineOption {
	return func(r *Routine) { r.scope = scope }
}

func WithRoutineSignature(signature string) RoutineOption {
	return func(r *Routine) { r.signature = signature }
}

func WithRoutineTags(tags ...string) RoutineOption {
	return func(r *Routine) { r.tags = append([]string(nil), tags...) }
}

// NewRoutine builds a Routine from opts. A missing id is filled with a random UUID and a
// missing timestamp with the current UTC time.
func NewRoutine(opts ...RoutineOption) Routine {
	var r Routine
	for _, opt := range opts {
		opt(&r)
	}
	if r.id == "" {
		r.id = uuid.NewString()
	}
	if r.timestamp == "" {
		r.timestamp = time.Now().UTC().Format(TimestampFormat)
	}
	return r
}

func (r Routine) ID() string        { return r.id }
func (r Routine) Timestamp() string { return r.timestamp }
func (r Routine) Scope() string     { return r.scope }
func (r Routine) Signature() string { return r.signature }

// Tags returns a copy of the routine tags.
func (r Routine) Tags() []string {
	return append([]string(nil), r.tags...)
}

// WithSignature returns a copy of r invoking signature instead. r is not modified.
func (r Routine) WithSignature(signature string) Routine {
	c := r
	c.signature = signature
	c.tags = r.Tags()
	return c
}

func (r Routine) String() string {
	return fmt.Sprintf("%s[%s][%s]", r.signature, r.id, r.timestamp)
}
