// Package skdb is the client-side transport for synchronizing an
// embedded database with a remote server: a stream-multiplexing socket
// over a single websocket connection, and a replication coordinator
// that keeps mirrored tables in sync in both directions.
package skdb

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	log "github.com/inconshreveable/log15"

	"github.com/skiplabs/skdb-go/internal/mux"
	"github.com/skiplabs/skdb-go/internal/replication"
)

// Credentials identify and authenticate a client session.
type Credentials struct {
	// AccessKey is the 20-byte ASCII key id.
	AccessKey string
	// PrivateKey is the HMAC-SHA256 signing key.
	PrivateKey []byte
	// DeviceUuid identifies this device. Defaulted to a fresh uuid
	// when empty.
	DeviceUuid string
}

// Session is an authenticated connection to the server.
type Session interface {
	// OpenStream multiplexes a new bidirectional stream over the
	// connection.
	OpenStream() (Stream, error)

	// Mirror starts bidirectional replication for table. Idempotent.
	Mirror(ctx context.Context, table string) error

	// Watermark reports the last server-acknowledged checkpoint
	// applied locally for table.
	Watermark(table string) (int64, error)

	// Err reports the error that terminated the session. Nil while the
	// session is healthy, and after a graceful close.
	Err() error

	Close() error
}

// Stream is one bidirectional byte stream over a Session. Handlers run
// serially on the connection's dispatch goroutine; register them
// before the peer starts sending.
type Stream interface {
	Send(payload []byte) error
	Close() error
	Error(code uint32, msg string) error

	OnData(fn func(payload []byte))
	OnClose(fn func())
	OnError(fn func(code uint32, msg string))
}

// Connect dials endpoint (a ws:// or wss:// URI), authenticates with
// creds, and returns the established session.
func Connect(ctx context.Context, endpoint string, creds Credentials, cfg *ConnectConfig) (Session, error) {
	if cfg == nil {
		cfg = ConnectOptions()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New()
		cfg.Logger.SetHandler(log.DiscardHandler())
	}
	if creds.DeviceUuid == "" {
		creds.DeviceUuid = cfg.DeviceUuid
	}
	if creds.DeviceUuid == "" {
		creds.DeviceUuid = uuid.NewString()
	}

	mcreds := mux.Credentials{
		AccessKey:  creds.AccessKey,
		PrivateKey: creds.PrivateKey,
		DeviceUuid: creds.DeviceUuid,
	}
	sock, err := mux.Connect(ctx, endpoint, mcreds, &mux.Config{
		Logger:              cfg.Logger,
		ResetUnknownStreams: cfg.ResetUnknownStreams,
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", endpoint, err)
	}

	var coord *replication.Coordinator
	if cfg.Engine != nil {
		coord, err = replication.NewCoordinator(sock, replication.Config{
			Engine:       cfg.Engine,
			Creds:        mcreds,
			Dir:          cfg.Dir,
			FailureDelay: cfg.FailureDelay,
			Logger:       cfg.Logger,
		})
		if err != nil {
			_ = sock.CloseSocket()
			return nil, err
		}
	}
	return &sessionImpl{sock: sock, coord: coord}, nil
}

type sessionImpl struct {
	sock  *mux.Socket
	coord *replication.Coordinator
}

func (s *sessionImpl) OpenStream() (Stream, error) {
	st, err := s.sock.OpenStream()
	if err != nil {
		return nil, err
	}
	return streamImpl{st}, nil
}

func (s *sessionImpl) Mirror(ctx context.Context, table string) error {
	if s.coord == nil {
		return ErrNoEngine
	}
	return s.coord.MirrorTable(ctx, table)
}

func (s *sessionImpl) Watermark(table string) (int64, error) {
	if s.coord == nil {
		return 0, ErrNoEngine
	}
	return s.coord.Watermark(table)
}

func (s *sessionImpl) Err() error {
	return s.sock.Err()
}

func (s *sessionImpl) Close() error {
	if s.coord != nil {
		_ = s.coord.Close()
	}
	return s.sock.CloseSocket()
}

type streamImpl struct {
	s *mux.Stream
}

func (st streamImpl) Send(payload []byte) error          { return st.s.Send(payload) }
func (st streamImpl) Close() error                       { return st.s.Close() }
func (st streamImpl) Error(code uint32, msg string) error { return st.s.Error(code, msg) }

func (st streamImpl) OnData(fn func(payload []byte))          { st.s.SetOnData(fn) }
func (st streamImpl) OnClose(fn func())                       { st.s.SetOnClose(fn) }
func (st streamImpl) OnError(fn func(code uint32, msg string)) { st.s.SetOnError(fn) }
