package mux

import (
	"errors"

	"github.com/skiplabs/skdb-go/internal/mux/frame"
)

// ErrorCode is a 32-bit integer indicating the type of an error condition
type ErrorCode uint32

const (
	NoError ErrorCode = iota
	ProtocolError
	InternalError
	StreamClosedError
	StreamReset
	SessionClosed
	StreamsExhausted

	ErrorUnknown ErrorCode = 0xFF
)

var (
	// ErrNotEstablished is returned by OpenStream before the socket has
	// authenticated, or after it has fully closed.
	ErrNotEstablished = errors.New("connection not established")

	// ErrClosing is returned by OpenStream while the socket is shutting down.
	ErrClosing = errors.New("connection closing")

	// ErrStreamClosed is returned by Send after the stream's send side closed.
	ErrStreamClosed = newErr(StreamClosedError, errors.New("stream closed"))

	errStreamsExhausted = newErr(StreamsExhausted, errors.New("stream ids exhausted"))
)

func fromFrameError(err error) error {
	var fe *frame.Error
	if errors.As(err, &fe) {
		switch fe.Type() {
		case frame.ErrorFrameSize, frame.ErrorProtocol:
			return &muxError{ProtocolError, err}
		}
	}
	return err
}

type muxError struct {
	ErrorCode
	error
}

func (e *muxError) Error() string {
	if e.error != nil {
		return e.error.Error()
	}
	return "<nil>"
}

func (e *muxError) Unwrap() error {
	return e.error
}

func newErr(code ErrorCode, err error) error {
	return &muxError{code, err}
}

// GetError extracts the error code from an error produced by this package.
func GetError(err error) (ErrorCode, error) {
	if err == nil {
		return NoError, nil
	}
	var me *muxError
	if errors.As(err, &me) {
		return me.ErrorCode, me.error
	}
	return ErrorUnknown, err
}
