package mux

import (
	"github.com/skiplabs/skdb-go/internal/mux/frame"
)

// StreamState tracks one stream's half-close lifecycle.
type StreamState int

const (
	StreamOpen StreamState = iota
	StreamClosing
	StreamCloseWait
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamOpen:
		return "OPEN"
	case StreamClosing:
		return "CLOSING"
	case StreamCloseWait:
		return "CLOSEWAIT"
	case StreamClosed:
		return "CLOSED"
	}
	return "INVALID"
}

// Stream is one logically independent bidirectional byte stream
// multiplexed over a Socket. A stream in CLOSEWAIT has seen the peer's
// close but may still send; closing our own send side finishes it.
type Stream struct {
	id   frame.StreamId
	sock *Socket

	// all guarded by sock.mu
	state   StreamState
	onData  func(payload []byte)
	onClose func()
	onError func(code uint32, msg string)
}

func newStream(sock *Socket, id frame.StreamId) *Stream {
	return &Stream{id: id, sock: sock, state: StreamOpen}
}

func (s *Stream) Id() uint32 {
	return uint32(s.id)
}

func (s *Stream) State() StreamState {
	s.sock.mu.Lock()
	defer s.sock.mu.Unlock()
	return s.state
}

// SetOnData registers the handler for incoming payloads. Handlers run
// serially on the socket's dispatch goroutine.
func (s *Stream) SetOnData(fn func(payload []byte)) {
	s.sock.mu.Lock()
	s.onData = fn
	s.sock.mu.Unlock()
}

// SetOnClose registers the handler invoked when the peer closes its
// send side of the stream.
func (s *Stream) SetOnClose(fn func()) {
	s.sock.mu.Lock()
	s.onClose = fn
	s.sock.mu.Unlock()
}

// SetOnError registers the handler invoked when the stream is reset.
func (s *Stream) SetOnError(fn func(code uint32, msg string)) {
	s.sock.mu.Lock()
	s.onError = fn
	s.sock.mu.Unlock()
}

// Send transmits payload on the stream. Valid while the stream is open
// or half-closed by the peer; returns ErrStreamClosed after our send
// side has closed.
func (s *Stream) Send(payload []byte) error {
	s.sock.mu.Lock()
	defer s.sock.mu.Unlock()
	switch s.state {
	case StreamOpen, StreamCloseWait:
	default:
		return ErrStreamClosed
	}
	var f frame.Data
	if err := f.Pack(s.id, payload); err != nil {
		return fromFrameError(err)
	}
	return s.sock.sendFrameLocked(&f)
}

// Close closes our send side of the stream. From OPEN the stream waits
// in CLOSING for the peer's close; from CLOSEWAIT it completes and is
// removed from the socket. Idempotent otherwise.
func (s *Stream) Close() error {
	s.sock.mu.Lock()
	defer s.sock.mu.Unlock()
	switch s.state {
	case StreamOpen:
		s.state = StreamClosing
	case StreamCloseWait:
		s.state = StreamClosed
		s.sock.removeStreamLocked(s.id)
	default:
		return nil
	}
	var f frame.Close
	if err := f.Pack(s.id); err != nil {
		return fromFrameError(err)
	}
	return s.sock.sendFrameLocked(&f)
}

// Error abruptly terminates the stream with a reset. If our close
// frame is already in flight (CLOSING) the stream just finishes
// silently. No-op once closed.
func (s *Stream) Error(code uint32, msg string) error {
	s.sock.mu.Lock()
	defer s.sock.mu.Unlock()
	switch s.state {
	case StreamOpen, StreamCloseWait:
		s.state = StreamClosed
		s.sock.removeStreamLocked(s.id)
		var f frame.Rst
		if err := f.Pack(s.id, frame.ErrorCode(code), msg); err != nil {
			return fromFrameError(err)
		}
		return s.sock.sendFrameLocked(&f)
	case StreamClosing:
		s.state = StreamClosed
		s.sock.removeStreamLocked(s.id)
	}
	return nil
}

// Ingress transitions below are driven by the socket's dispatch with
// sock.mu held. Callbacks are returned to the caller to run outside
// the lock.

func (s *Stream) handleData(payload []byte) func() {
	switch s.state {
	case StreamOpen, StreamClosing:
		if fn := s.onData; fn != nil {
			return func() { fn(payload) }
		}
	}
	return nil
}

func (s *Stream) handleClose() (removable bool, cb func()) {
	switch s.state {
	case StreamOpen:
		s.state = StreamCloseWait
		if fn := s.onClose; fn != nil {
			cb = fn
		}
		return false, cb
	case StreamClosing:
		s.state = StreamClosed
		if fn := s.onClose; fn != nil {
			cb = fn
		}
		return true, cb
	case StreamCloseWait:
		// duplicate close from the peer
		return false, nil
	default:
		return true, nil
	}
}

func (s *Stream) handleError(code uint32, msg string) func() {
	if s.state == StreamClosed {
		return nil
	}
	s.state = StreamClosed
	if fn := s.onError; fn != nil {
		return func() { fn(code, msg) }
	}
	return nil
}
