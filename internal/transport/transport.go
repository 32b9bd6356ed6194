// Package transport abstracts the reliable, ordered, message-oriented
// connection the mux protocol runs over. The production implementation
// is a websocket; tests use an in-memory pair from Pipe.
package transport

import "fmt"

// Close codes, a subset of the RFC 6455 registry.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseProtocolError = 1002
)

// Conn is one end of a full-duplex connection that preserves message
// boundaries and ordering. Reads and writes may be called from
// different goroutines; writes are internally serialized.
type Conn interface {
	// ReadMessage blocks until the next complete message arrives.
	// After the peer closes the connection it returns a *CloseError.
	ReadMessage() ([]byte, error)

	WriteMessage(b []byte) error

	// Close tears down the connection, announcing code and reason to
	// the peer when the underlying protocol supports it.
	Close(code int, reason string) error
}

// CloseError reports that the peer closed the connection.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed: code %d: %s", e.Code, e.Reason)
}

// Graceful reports whether the close was an orderly shutdown rather
// than a failure.
func (e *CloseError) Graceful() bool {
	return e.Code == CloseNormal || e.Code == CloseGoingAway
}
