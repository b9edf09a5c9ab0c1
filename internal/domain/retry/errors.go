package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

// Class is the retry-relevant category of a failed network operation.
type Class int

const (
	ClassUnknown Class = iota
	ClassTimeout
	ClassConnectionLost
	ClassNotConnected
	ClassCannotConnect
	ClassServerUnavailable
	ClassBadServerResponse
	ClassUnauthorized
	ClassRateLimited
	ClassCancelled
)

func (c Class) String() string {
	switch c {
	case ClassTimeout:
		return "timeout"
	case ClassConnectionLost:
		return "connection_lost"
	case ClassNotConnected:
		return "not_connected"
	case ClassCannotConnect:
		return "cannot_connect"
	case ClassServerUnavailable:
		return "server_unavailable"
	case ClassBadServerResponse:
		return "bad_server_response"
	case ClassUnauthorized:
		return "unauthorized"
	case ClassRateLimited:
		return "rate_limited"
	case ClassCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Transient reports whether the class is worth another attempt at all.
func (c Class) Transient() bool {
	switch c {
	case ClassTimeout, ClassConnectionLost, ClassNotConnected, ClassCannotConnect, ClassServerUnavailable:
		return true
	}
	return false
}

// ConnectivityDependent classes are only retried while some connectivity exists.
func (c Class) ConnectivityDependent() bool {
	switch c {
	case ClassConnectionLost, ClassNotConnected, ClassCannotConnect:
		return true
	}
	return false
}

// NetworkError is a classified transport failure.
type NetworkError struct {
	Class      Class
	Op         string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *NetworkError) Error() string {
	msg := e.Class.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Is matches another *NetworkError by class so callers can write
// errors.Is(err, retry.ErrTimeout).
func (e *NetworkError) Is(target error) bool {
	t, ok := target.(*NetworkError)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Class == e.Class
}

var (
	ErrTimeout           = &NetworkError{Class: ClassTimeout}
	ErrConnectionLost    = &NetworkError{Class: ClassConnectionLost}
	ErrNotConnected      = &NetworkError{Class: ClassNotConnected}
	ErrCannotConnect     = &NetworkError{Class: ClassCannotConnect}
	ErrServerUnavailable = &NetworkError{Class: ClassServerUnavailable}
	ErrBadServerResponse = &NetworkError{Class: ClassBadServerResponse}
	ErrUnauthorized      = &NetworkError{Class: ClassUnauthorized}
	ErrRateLimited       = &NetworkError{Class: ClassRateLimited}
	ErrCancelled         = &NetworkError{Class: ClassCancelled}
)

// Classify maps any error returned by a transport onto a Class.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Class
	}
	switch {
	case errors.Is(err, context.Canceled):
		return ClassCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETDOWN):
		return ClassNotConnected
	case errors.Is(err, syscall.ECONNREFUSED):
		return ClassCannotConnect
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNABORTED), errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return ClassConnectionLost
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ClassCannotConnect
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			return ClassCannotConnect
		}
		return ClassConnectionLost
	}
	return ClassUnknown
}

// RetryAfter extracts a server-provided delay hint, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var ne *NetworkError
	if errors.As(err, &ne) && ne.RetryAfter > 0 {
		return ne.RetryAfter, true
	}
	return 0, false
}

// Cancelled wraps ctx's error as a cancelled network error.
func Cancelled(op string, cause error) error {
	return &NetworkError{Class: ClassCancelled, Op: op, Err: cause}
}
