package types

import "time"

// Frame is one Server-Sent Event.
//
// Data is written as one or more data lines. Strings and byte slices go out
// verbatim (split on newlines); any other value is JSON encoded. Frames
// produced by the parser always carry a string in Data.
type Frame struct {
	ID    string        `json:"id,omitempty" msgpack:"id,omitempty"`
	Event string        `json:"event,omitempty" msgpack:"event,omitempty"`
	Data  any           `json:"data" msgpack:"data"`
	Retry time.Duration `json:"retry,omitempty" msgpack:"retry,omitempty"`
}

// Transport is the narrow surface an HTTP layer provides to stream a
// response. Implementations must be safe for concurrent use.
type Transport interface {
	// SendHeaders commits the event-stream status and headers.
	SendHeaders() error
	// Write sends already-framed bytes and flushes them to the client.
	Write(p []byte) error
	// Respond sends a terminal non-stream response. It is only valid
	// before SendHeaders.
	Respond(status int, body any) error
	// Close ends the response.
	Close() error
	// Done is closed once the underlying socket is gone or Close was called.
	Done() <-chan struct{}
	// IsOpen reports whether writes can still succeed.
	IsOpen() bool
	// LastEventID is the id the client reported on reconnect, if any.
	LastEventID() string
}

// Validator checks event data before it reaches the wire.
type Validator interface {
	Validate(data any) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(data any) error

// Validate calls f(data).
func (f ValidatorFunc) Validate(data any) error { return f(data) }

// Schemas maps event names to validators.
type Schemas map[string]Validator

// ConnectionInfo holds metadata about a live stream.
type ConnectionInfo struct {
	ID            string         `json:"id"`
	EstablishedAt time.Time      `json:"established_at"`
	Rooms         []string       `json:"rooms,omitempty"`
	FramesSent    uint64         `json:"frames_sent"`
	Context       map[string]any `json:"context,omitempty"`
}
