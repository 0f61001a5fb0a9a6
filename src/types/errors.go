package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies every error the engine produces.
type ErrorKind int

const (
	// KindProtocol is misuse of the session lifecycle by a handler.
	KindProtocol ErrorKind = iota + 1
	// KindValidation is event data rejected by its schema.
	KindValidation
	// KindTransport is a failed write or a dead socket.
	KindTransport
	// KindHook is a failing lifecycle hook.
	KindHook
	// KindHandler is an error returned (or a panic raised) by a handler.
	KindHandler
)

func (k ErrorKind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindValidation:
		return "validation"
	case KindTransport:
		return "transport"
	case KindHook:
		return "hook"
	case KindHandler:
		return "handler"
	default:
		return "unknown"
	}
}

// Error is the single error type crossing engine boundaries.
type Error struct {
	Kind    ErrorKind
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("sse %s error: %s", e.Kind, msg)
	}
	return fmt.Sprintf("sse %s error in %s: %s", e.Kind, e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: KindValidation}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == "" && t.Err == nil
}

// HTTPStatus returns the status to use when the error ends a request
// before any stream bytes were committed.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindTransport:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewError builds an *Error.
func NewError(kind ErrorKind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// KindOf returns the kind of err, or 0 when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// AsError converts any error into an *Error, tagging foreign errors with kind.
func AsError(err error, kind ErrorKind, op string) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Sentinel causes carried in Error.Err.
var (
	// ErrAlreadyStarted is returned by session calls after Start.
	ErrAlreadyStarted = errors.New("stream already started")
	// ErrAlreadyResponded is returned by session calls after Respond.
	ErrAlreadyResponded = errors.New("response already sent")
	// ErrHeadersSent is returned by Respond or SendHeaders once headers went out.
	ErrHeadersSent = errors.New("headers already sent")
	// ErrNoResponse marks a handler that returned without responding or starting.
	ErrNoResponse = errors.New("handler must either respond or start streaming")
	// ErrInvalidFrame marks a frame that cannot be encoded or decoded.
	ErrInvalidFrame = errors.New("invalid frame")
	// ErrConnectionLimit is returned when the hub is full.
	ErrConnectionLimit = errors.New("connection limit reached")
	// ErrConnectionClosed marks a connection that is no longer live.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrTransportClosed is returned by writes on a closed or unstarted transport.
	ErrTransportClosed = errors.New("transport closed")
	// ErrStreamUnsupported is returned when the response writer cannot flush.
	ErrStreamUnsupported = errors.New("streaming not supported")
)

// StatusError is a handler error that ends a request with status when no
// stream bytes were committed yet.
func StatusError(status int, message string) *Error {
	return &Error{Kind: KindHandler, Status: status, Message: message}
}
