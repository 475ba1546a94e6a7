package client

import (
	"fmt"

	"github.com/dermesser/flowrpc"
)

// Status is the outcome class of a Session.
type Status int

const (
	// The worker answered with a 2xx status.
	StatusOK Status = iota
	// The worker answered with another status.
	StatusFailed
	// The call failed on the network for another reason than a timeout.
	StatusCracked
	// A read, write or call deadline expired.
	StatusTimeout
	// No endpoint was available; nothing was sent.
	StatusBroken
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFailed:
		return "failed"
	case StatusCracked:
		return "cracked"
	case StatusTimeout:
		return "timeout"
	case StatusBroken:
		return "broken"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

/*
Session is the result of one dispatch by an HTTPMaster. It is immutable. Exactly one status
applies: OK carries the response body as Value(), Failed carries it as ErrorBody(), Cracked and
Timeout carry the network error as Err(), Broken carries nothing.
*/
type Session struct {
	status    Status
	value     []byte
	errorBody []byte
	err       error
	routine   flowrpc.Routine
}

func (s *Session) Status() Status { return s.status }

// Check whether the request was successful.
func (s *Session) IsOK() bool      { return s.status == StatusOK }
func (s *Session) IsFailed() bool  { return s.status == StatusFailed }
func (s *Session) IsCracked() bool { return s.status == StatusCracked }
func (s *Session) IsTimeout() bool { return s.status == StatusTimeout }
func (s *Session) IsBroken() bool  { return s.status == StatusBroken }

// Value returns the response body of an OK session, nil otherwise.
func (s *Session) Value() []byte { return s.value }

// ErrorBody returns the response body of a Failed session, nil otherwise.
func (s *Session) ErrorBody() []byte { return s.errorBody }

// Err returns the network error of a Cracked or Timeout session, nil otherwise.
func (s *Session) Err() error { return s.err }

// Routine returns the correlation values the call was made with.
func (s *Session) Routine() flowrpc.Routine { return s.routine }

func (s *Session) String() string {
	switch s.status {
	case StatusCracked, StatusTimeout:
		return fmt.Sprintf("%s %s: %v", s.routine, s.status, s.err)
	case StatusOK:
		return fmt.Sprintf("%s %s (%d B)", s.routine, s.status, len(s.value))
	case StatusFailed:
		return fmt.Sprintf("%s %s (%d B)", s.routine, s.status, len(s.errorBody))
	}
	return fmt.Sprintf("%s %s", s.routine, s.status)
}
