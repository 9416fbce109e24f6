package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures by how they propagate.
type ErrorKind int

const (
	// KindConfiguration: missing or invalid credentials, returned before any I/O.
	KindConfiguration ErrorKind = iota + 1
	// KindTransport: authentication or socket failure.
	KindTransport
	// KindProtocol: malformed or unexpected wire message.
	KindProtocol
	// KindNegotiation: a description could not be created or applied.
	KindNegotiation
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindNegotiation:
		return "negotiation"
	default:
		return "unknown"
	}
}

var (
	ErrStreamNotFound    = errors.New("stream not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrNotConnected      = errors.New("signaling not connected")
	ErrUnmappedEvent     = errors.New("event has no command mapping")
	ErrProjectionTimeout = errors.New("projection resolution timed out")
	ErrClosed            = errors.New("session closed")
)

// Error is a classified failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with kind and op.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsKind reports whether err is a classified error of kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// KindOf returns the kind of err, or 0 when it is unclassified.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
