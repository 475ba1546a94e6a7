/*
Package valve implements the admission gate shared by outbound dispatches. A Valve holds a fixed
number of permits; an action runs only while holding one, so at most Capacity() actions execute
at any instant. What happens when no permit is free is decided by the Policy.
*/
package valve

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dermesser/flowrpc/log"
	"github.com/dermesser/flowrpc/metrics"

	"github.com/juju/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrRejected is matched by every error the valve returns when it did not admit an action.
const ErrRejected = errors.ConstError("valve: no permit available")

// Policy decides how a caller waits for a permit.
type Policy int

const (
	// Wait until a permit is free or the context is done.
	Block Policy = iota
	// Wait at most the configured duration.
	BoundedWait
	// Fail immediately if no permit is free.
	Reject
)

func (p Policy) String() string {
	switch p {
	case Block:
		return "block"
	case BoundedWait:
		return "bounded-wait"
	case Reject:
		return "reject"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParsePolicy maps the configuration names "block", "bounded-wait" and "reject" to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "block":
		return Block, nil
	case "bounded-wait", "bounded_wait":
		return BoundedWait, nil
	case "reject":
		return Reject, nil
	}
	return Block, errors.NotValidf("valve policy %q", s)
}

// RejectedError describes a refused admission. errors.Is(err, ErrRejected) holds for it.
type RejectedError struct {
	Capacity int64
	Policy   Policy
	Waited   time.Duration
	// Cause is the context error that ended the wait, if any.
	Cause error
}

func (e *RejectedError) Error() string {
	msg := fmt.Sprintf("%s (capacity %d, policy %s, waited %s)", string(ErrRejected), e.Capacity, e.Policy, e.Waited)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *RejectedError) Is(target error) bool { return target == ErrRejected }
func (e *RejectedError) Unwrap() error        { return e.Cause }

// An Option configures a Valve.
type Option func(*Valve)

// WithPolicy sets the waiting policy. The default is Block.
func WithPolicy(p Policy) Option {
	return func(v *Valve) { v.policy = p }
}

// WithBoundedWait selects the BoundedWait policy with the given maximum wait.
func WithBoundedWait(d time.Duration) Option {
	return func(v *Valve) {
		v.policy = BoundedWait
		v.wait = d
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(v *Valve) { v.logger = l }
}

func WithMeasurer(m metrics.Measurer) Option {
	return func(v *Valve) { v.measurer = metrics.OrNull(m) }
}

type Valve struct {
	sem      *semaphore.Weighted
	capacity int64
	inUse    atomic.Int64

	policy   Policy
	wait     time.Duration
	logger   *zap.Logger
	measurer metrics.Measurer
}

// New returns a Valve with capacity permits.
func New(capacity int64, opts ...Option) (*Valve, error) {
	if capacity <= 0 {
		return nil, errors.NotValidf("valve capacity %d", capacity)
	}
	v := &Valve{
		sem:      semaphore.NewWeighted(capacity),
		capacity: capacity,
		policy:   Block,
		logger:   log.Named("valve"),
		measurer: metrics.NULL,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.policy == BoundedWait && v.wait <= 0 {
		return nil, errors.NotValidf("bounded wait %s", v.wait)
	}
	return v, nil
}

func (v *Valve) Capacity() int64 { return v.capacity }

// InUse returns the number of permits currently held.
func (v *Valve) InUse() int64 { return v.inUse.Load() }

func (v *Valve) Policy() Policy { return v.policy }

/*
Filter runs action while holding one permit and returns its error unchanged. If no permit could
be obtained according to the policy, action is not run and a *RejectedError is returned. The
permit is released when action returns, including when it panics.
*/
func (v *Valve) Filter(ctx context.Context, action func() error) error {
	if err := v.acquire(ctx); err != nil {
		return err
	}
	defer v.release()
	return action()
}

// Filter is the value-returning form of (*Valve).Filter.
func Filter[T any](ctx context.Context, v *Valve, action func() (T, error)) (T, error) {
	var result T
	err := v.Filter(ctx, func() error {
		var err error
		result, err = action()
		return err
	})
	return result, err
}

func (v *Valve) acquire(ctx context.Context) error {
	start := time.Now()
	var err error

	switch v.policy {
	case Reject:
		if !v.sem.TryAcquire(1) {
			err = ErrRejected
		}
	case BoundedWait:
		waitCtx, cancel := context.WithTimeout(ctx, v.wait)
		err = v.sem.Acquire(waitCtx, 1)
		cancel()
	default:
		err = v.sem.Acquire(ctx, 1)
	}

	if err != nil {
		rejected := &RejectedError{Capacity: v.capacity, Policy: v.policy, Waited: time.Since(start)}
		if err != ErrRejected {
			rejected.Cause = err
		}
		v.measurer.CountAdmission(metrics.AdmissionRejected)
		if log.IsLoggingEnabled(log.LOGLEVEL_WARNINGS) {
			v.logger.Warn("admission rejected", zap.Int64("capacity", v.capacity),
				zap.Stringer("policy", v.policy), zap.Duration("waited", rejected.Waited), zap.Error(err))
		}
		return rejected
	}

	v.measurer.CountAdmission(metrics.AdmissionAdmitted)
	v.measurer.SetInFlight(v.inUse.Add(1))
	return nil
}

func (v *Valve) release() {
	v.measurer.SetInFlight(v.inUse.Add(-1))
	v.sem.Release(1)
}
