// Package mux implements the client side of the stream-multiplexing
// protocol: typed binary frames over a single message-oriented
// transport, many logically independent bidirectional streams, and an
// explicit connection state machine with graceful and abrupt shutdown
// paths.
package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	log "github.com/inconshreveable/log15"

	"github.com/skiplabs/skdb-go/internal/mux/frame"
	"github.com/skiplabs/skdb-go/internal/transport"
)

// SocketState tracks the connection lifecycle.
type SocketState int

const (
	StateIdle SocketState = iota
	StateAuthSent
	StateClosing
	StateCloseWait
	StateClosed
)

func (s SocketState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAuthSent:
		return "AUTH_SENT"
	case StateClosing:
		return "CLOSING"
	case StateCloseWait:
		return "CLOSEWAIT"
	case StateClosed:
		return "CLOSED"
	}
	return "INVALID"
}

// Socket multiplexes many streams over one transport connection.
//
// Client-opened streams carry odd ids; server-opened streams even ids.
// All dispatch runs on a single reader goroutine, so user callbacks
// are invoked serially and never re-entrantly for the same object.
type Socket struct {
	mu    sync.Mutex
	state SocketState
	conn  transport.Conn

	streams               map[frame.StreamId]*Stream
	nextStream            frame.StreamId // next client id, odd, monotonic
	serverStreamWatermark frame.StreamId // highest even id ever accepted
	err                   error          // first error that terminated the socket

	resetUnknown bool
	onStream     func(*Stream)
	onClose      func()
	onError      func(err error)

	log.Logger
}

// New wraps an already-open transport connection. The socket starts
// idle; Authenticate moves it to AUTH_SENT.
func New(conn transport.Conn, config *Config) *Socket {
	if config == nil {
		config = &Config{}
	}
	config.initDefaults()
	s := &Socket{
		state:        StateIdle,
		conn:         conn,
		streams:      make(map[frame.StreamId]*Stream),
		nextStream:   1,
		resetUnknown: config.ResetUnknownStreams,
		onStream:     config.OnStream,
		onClose:      config.OnClose,
		onError:      config.OnError,
		Logger:       config.Logger.New("obj", "mux"),
	}
	go s.reader()
	return s
}

// Connect dials endpoint, then immediately authenticates with creds.
// Any transport failure before the auth frame is on the wire rejects
// the connect.
func Connect(ctx context.Context, endpoint string, creds Credentials, config *Config) (*Socket, error) {
	conn, err := transport.Dial(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	s := New(conn, config)
	if err := s.Authenticate(creds); err != nil {
		_ = s.CloseSocket()
		return nil, err
	}
	return s, nil
}

// Authenticate emits the signed binary auth frame. Valid only while idle.
func (s *Socket) Authenticate(creds Credentials) error {
	msg, err := AuthMsg(creds, time.Now())
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return newErr(InternalError, fmt.Errorf("authenticate in state %v", s.state))
	}
	if err := s.conn.WriteMessage(msg); err != nil {
		return err
	}
	s.state = StateAuthSent
	return nil
}

func (s *Socket) State() SocketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err reports the error that terminated the socket. Nil while the
// socket is healthy, and after a graceful close.
func (s *Socket) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Socket) setErrLocked(err error) {
	if s.err == nil {
		s.err = err
	}
}

// ActiveStreams returns the ids currently held in the stream table.
func (s *Socket) ActiveStreams() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint32, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, uint32(id))
	}
	return ids
}

// OpenStream allocates the next client stream. Valid only once
// authenticated and before shutdown begins.
func (s *Socket) OpenStream() (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateAuthSent:
	case StateClosing, StateCloseWait:
		return nil, ErrClosing
	default:
		return nil, ErrNotEstablished
	}
	if s.nextStream > frame.MaxStreamId {
		return nil, errStreamsExhausted
	}
	id := s.nextStream
	s.nextStream += 2
	str := newStream(s, id)
	s.streams[id] = str
	return str, nil
}

// CloseSocket shuts the connection down gracefully: every active
// stream gets a send-side close, then the transport closes. No-op once
// shutdown has begun.
func (s *Socket) CloseSocket() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateIdle:
		s.streams = make(map[frame.StreamId]*Stream)
		s.state = StateClosed
		return s.conn.Close(transport.CloseNormal, "")
	case StateAuthSent:
		s.closeAllStreamsLocked()
		s.state = StateClosing
		return s.conn.Close(transport.CloseNormal, "")
	case StateCloseWait:
		s.closeAllStreamsLocked()
		s.streams = make(map[frame.StreamId]*Stream)
		s.state = StateClosed
		return s.conn.Close(transport.CloseNormal, "")
	default:
		return nil
	}
}

func (s *Socket) closeAllStreamsLocked() {
	for id, str := range s.streams {
		switch str.state {
		case StreamOpen:
			str.state = StreamClosing
		case StreamCloseWait:
			str.state = StreamClosed
			delete(s.streams, id)
		default:
			continue
		}
		var f frame.Close
		if err := f.Pack(id); err != nil {
			continue
		}
		if err := s.sendFrameLocked(&f); err != nil {
			s.Debug("close frame write failed during shutdown", "stream", id, "err", err)
		}
	}
}

// ErrorSocket tears the connection down abruptly: every active stream
// errors out, a goaway announces the last stream id we consider valid,
// and the transport closes with the protocol-error code.
func (s *Socket) ErrorSocket(code uint32, msg string) {
	s.mu.Lock()
	cbs := s.errorSocketLocked(code, msg)
	s.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

func (s *Socket) errorSocketLocked(code uint32, msg string) []func() {
	if s.state == StateClosed {
		return nil
	}
	s.setErrLocked(newErr(ErrorCode(code), errors.New(msg)))
	var cbs []func()
	switch s.state {
	case StateAuthSent, StateCloseWait:
		for _, str := range s.streams {
			if cb := str.handleError(code, msg); cb != nil {
				cbs = append(cbs, cb)
			}
		}
		s.streams = make(map[frame.StreamId]*Stream)
		s.state = StateClosed
		var f frame.GoAway
		if err := f.Pack(s.lastStreamLocked(), frame.ErrorCode(code), msg); err == nil {
			if err := s.sendFrameLocked(&f); err != nil {
				s.Debug("goaway write failed", "err", err)
			}
		}
		_ = s.conn.Close(transport.CloseProtocolError, msg)
	case StateIdle, StateClosing:
		s.streams = make(map[frame.StreamId]*Stream)
		s.state = StateClosed
	}
	return cbs
}

// lastStreamLocked is the goaway watermark: the highest stream id, ours
// or the server's, that we consider to have existed.
func (s *Socket) lastStreamLocked() frame.StreamId {
	last := int64(s.nextStream) - 2
	if wm := int64(s.serverStreamWatermark); wm > last {
		last = wm
	}
	if last < 0 {
		last = 0
	}
	return frame.StreamId(last)
}

func (s *Socket) removeStreamLocked(id frame.StreamId) {
	delete(s.streams, id)
}

func (s *Socket) sendFrameLocked(f frame.Frame) error {
	b, err := f.Encode()
	if err != nil {
		return fromFrameError(err)
	}
	return s.conn.WriteMessage(b)
}

// reader owns all ingress: frames, graceful closes, and failures.
func (s *Socket) reader() {
	for {
		msg, err := s.conn.ReadMessage()
		if err != nil {
			var ce *transport.CloseError
			switch {
			case errors.As(err, &ce) && ce.Graceful():
				s.onTransportClose()
			case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
				s.onTransportClose()
			default:
				s.onTransportError(err)
			}
			return
		}
		s.dispatch(msg)
	}
}

func (s *Socket) dispatch(msg []byte) {
	f, err := frame.Decode(msg)
	if err != nil {
		// a malformed frame with a known type tag is a fatal
		// protocol violation
		s.Warn("malformed frame", "err", err)
		s.ErrorSocket(uint32(ProtocolError), err.Error())
		return
	}

	s.mu.Lock()
	if s.state != StateAuthSent && s.state != StateClosing {
		s.mu.Unlock()
		return
	}

	var cbs []func()
	switch fr := f.(type) {
	case *frame.Unknown:
		s.Debug("ignoring unknown frame type", "type", uint8(fr.Type()))
	case *frame.Auth:
		s.mu.Unlock()
		s.ErrorSocket(uint32(ProtocolError), "unexpected auth frame from server")
		return
	case *frame.GoAway:
		s.Info("received goaway", "laststream", uint32(fr.LastStream), "code", uint32(fr.ErrCode), "msg", fr.Message)
		cbs = s.socketErrorLocked(uint32(fr.ErrCode), fr.Message)
	case *frame.Data:
		if str, ok := s.streams[fr.StreamId()]; ok {
			if cb := str.handleData(fr.Payload); cb != nil {
				cbs = append(cbs, cb)
			}
		} else {
			cbs = s.acceptOrDropLocked(fr)
		}
	case *frame.Close:
		if str, ok := s.streams[fr.StreamId()]; ok {
			removable, cb := str.handleClose()
			if cb != nil {
				cbs = append(cbs, cb)
			}
			if removable {
				delete(s.streams, fr.StreamId())
			}
		}
	case *frame.Rst:
		if str, ok := s.streams[fr.StreamId()]; ok {
			if cb := str.handleError(uint32(fr.ErrCode), fr.Message); cb != nil {
				cbs = append(cbs, cb)
			}
			delete(s.streams, fr.StreamId())
		}
	}
	s.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}

// acceptOrDropLocked handles a data frame for a stream id not in the
// table: a fresh even id above the watermark starts a server stream;
// everything else is dropped (or reset, when configured).
func (s *Socket) acceptOrDropLocked(fr *frame.Data) []func() {
	id := fr.StreamId()
	if s.state == StateAuthSent && id%2 == 0 && id > s.serverStreamWatermark {
		s.serverStreamWatermark = id
		str := newStream(s, id)
		s.streams[id] = str
		var cbs []func()
		if fn := s.onStream; fn != nil {
			cbs = append(cbs, func() { fn(str) })
		}
		// deliver the initiating payload after the accept handler has
		// had a chance to register callbacks
		payload := fr.Payload
		cbs = append(cbs, func() {
			s.mu.Lock()
			cb := str.handleData(payload)
			s.mu.Unlock()
			if cb != nil {
				cb()
			}
		})
		return cbs
	}

	// odd ids, reused ids, and streams arriving during shutdown
	if s.resetUnknown && s.state == StateAuthSent {
		var f frame.Rst
		if err := f.Pack(id, frame.ErrorCode(StreamReset), "unknown stream"); err == nil {
			if err := s.sendFrameLocked(&f); err != nil {
				s.Debug("reset write failed", "stream", id, "err", err)
			}
		}
	} else {
		s.Debug("dropping data frame for unknown stream", "stream", uint32(id))
	}
	return nil
}

// socketErrorLocked fans an error out to every stream and finishes the
// socket. Used for transport failures and incoming goaways.
func (s *Socket) socketErrorLocked(code uint32, msg string) []func() {
	if s.state == StateClosed {
		return nil
	}
	err := newErr(ErrorCode(code), errors.New(msg))
	s.setErrLocked(err)
	var cbs []func()
	for _, str := range s.streams {
		if cb := str.handleError(code, msg); cb != nil {
			cbs = append(cbs, cb)
		}
	}
	s.streams = make(map[frame.StreamId]*Stream)
	s.state = StateClosed
	if fn := s.onError; fn != nil {
		cbs = append(cbs, func() { fn(err) })
	}
	_ = s.conn.Close(transport.CloseNormal, "")
	return cbs
}

func (s *Socket) onTransportClose() {
	s.mu.Lock()
	var cbs []func()
	switch s.state {
	case StateIdle, StateAuthSent:
		for id, str := range s.streams {
			removable, cb := str.handleClose()
			if cb != nil {
				cbs = append(cbs, cb)
			}
			if removable {
				delete(s.streams, id)
			}
		}
		if fn := s.onClose; fn != nil {
			cbs = append(cbs, fn)
		}
		s.state = StateCloseWait
	case StateClosing:
		for _, str := range s.streams {
			_, cb := str.handleClose()
			if cb != nil {
				cbs = append(cbs, cb)
			}
		}
		s.streams = make(map[frame.StreamId]*Stream)
		if fn := s.onClose; fn != nil {
			cbs = append(cbs, fn)
		}
		s.state = StateClosed
	}
	s.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

func (s *Socket) onTransportError(err error) {
	s.Warn("transport failure", "err", err)
	s.mu.Lock()
	cbs := s.socketErrorLocked(0, err.Error())
	s.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}
