// Package replication keeps mirrored tables in sync with the server:
// per table a server-tail stream (server→local change fragments) and a
// local-tail stream (local→server change fragments with checkpoint
// acks), resuming from a persisted watermark so that reconnection does
// not drop rows. Delivery is at-least-once: rows past the watermark may
// be sent again.
package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/inconshreveable/log15"
	"github.com/jpillora/backoff"

	"github.com/skiplabs/skdb-go/internal/mux"
	"github.com/skiplabs/skdb-go/internal/protocol"
)

// metadataTable is the engine-side table holding the persisted
// watermark for a mirrored table.
func metadataTable(table string) string {
	return "skdb__" + table + "_sync_metadata"
}

// Config for a Coordinator.
type Config struct {
	Engine Engine
	Creds  mux.Credentials

	// Dir is where the engine writes per-table change files
	// (<table>_<accessKey>). Defaults to the working directory.
	Dir string

	// FailureDelay overrides the expected-data deadline on legacy
	// resilient connections.
	FailureDelay time.Duration

	// ReconnectBackoff overrides the pacing of legacy resilient
	// connections.
	ReconnectBackoff *backoff.Backoff

	Logger log.Logger
}

// Coordinator mirrors tables over a mux socket.
type Coordinator struct {
	// mu serializes table setup; one table mirrors at a time
	mu           sync.Mutex
	sock         *mux.Socket
	engine       Engine
	creds        mux.Credentials
	dir          string
	uid          string // replication uid, filters our own writes out of the tail
	failureDelay time.Duration
	boff         *backoff.Backoff
	mirrored     map[string]*mirroredTable

	log.Logger
}

type mirroredTable struct {
	serverTail *mux.Stream
	localTail  *mux.Stream
	watcher    *fileWatcher
	session    string // engine subscription token
}

func NewCoordinator(sock *mux.Socket, config Config) (*Coordinator, error) {
	if config.Engine == nil {
		return nil, errors.New("replication requires an engine")
	}
	if config.Logger == nil {
		config.Logger = log.New()
		config.Logger.SetHandler(log.DiscardHandler())
	}
	uid, err := config.Engine.RunLocal([]string{"uid"}, "")
	if err != nil {
		return nil, fmt.Errorf("replication uid: %w", err)
	}
	return &Coordinator{
		sock:         sock,
		engine:       config.Engine,
		creds:        config.Creds,
		dir:          config.Dir,
		uid:          strings.TrimSpace(uid),
		failureDelay: config.FailureDelay,
		boff:         config.ReconnectBackoff,
		mirrored:     make(map[string]*mirroredTable),
		Logger:       config.Logger.New("obj", "replication"),
	}, nil
}

// Watermark returns the last server-acknowledged checkpoint applied
// locally for table.
func (c *Coordinator) Watermark(table string) (int64, error) {
	out, err := c.engine.RunLocal([]string{"watermark", table}, "")
	if err != nil {
		return 0, fmt.Errorf("watermark %s: %w", table, err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("watermark %s: %w", table, err)
	}
	return n, nil
}

// MirrorTable establishes bidirectional replication for table. A no-op
// if the table is already mirrored.
func (c *Coordinator) MirrorTable(ctx context.Context, table string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.mirrored[table]; ok {
		return nil
	}

	if err := c.ensureTable(ctx, table); err != nil {
		return err
	}
	if err := c.ensureMetadataTable(table); err != nil {
		return err
	}
	wm, err := c.Watermark(table)
	if err != nil {
		return err
	}

	mt := &mirroredTable{}
	if mt.serverTail, err = c.startServerTail(table, wm); err != nil {
		return err
	}
	if err = c.startLocalTail(table, mt); err != nil {
		_ = mt.serverTail.Close()
		return err
	}
	c.mirrored[table] = mt
	c.Info("table mirrored", "table", table, "since", wm)
	return nil
}

// Close tears down every mirrored table's streams and watchers.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for table, mt := range c.mirrored {
		if mt.watcher != nil {
			_ = mt.watcher.Close()
		}
		_ = mt.serverTail.Close()
		_ = mt.localTail.Close()
		delete(c.mirrored, table)
	}
	return nil
}

// ensureTable creates the local table from the server's schema if the
// engine does not have it yet.
func (c *Coordinator) ensureTable(ctx context.Context, table string) error {
	if _, err := c.engine.RunLocal([]string{"dump-table", table}, ""); err == nil {
		return nil
	}
	ddl, err := c.request(ctx, protocol.NewTableSchema(table))
	if err != nil {
		return fmt.Errorf("fetch schema for %s: %w", table, err)
	}
	if _, err := c.engine.RunLocal(nil, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return nil
}

func (c *Coordinator) ensureMetadataTable(table string) error {
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (key TEXT PRIMARY KEY, value TEXT);", metadataTable(table))
	if _, err := c.engine.RunLocal(nil, stmt); err != nil {
		return fmt.Errorf("create metadata table for %s: %w", table, err)
	}
	return nil
}

// request performs a one-shot request/response exchange over a fresh
// stream.
func (c *Coordinator) request(ctx context.Context, req any) (string, error) {
	st, err := c.sock.OpenStream()
	if err != nil {
		return "", err
	}
	respCh := make(chan string, 1)
	errCh := make(chan error, 1)
	st.SetOnData(func(p []byte) {
		m, err := protocol.DecodeResponse(p)
		if err != nil {
			trySend(errCh, err)
			return
		}
		switch r := m.(type) {
		case *protocol.PipeMessage:
			trySend(respCh, r.Data)
		case *protocol.ErrorResponse:
			trySend(errCh, errors.New(r.Msg))
		default:
			trySend(errCh, fmt.Errorf("unexpected response kind %T", m))
		}
	})
	st.SetOnError(func(code uint32, msg string) {
		trySend(errCh, fmt.Errorf("stream reset: code %d: %s", code, msg))
	})
	st.SetOnClose(func() {
		trySend(errCh, errors.New("stream closed before response"))
	})

	b, err := json.Marshal(req)
	if err != nil {
		_ = st.Error(uint32(mux.InternalError), "encode failed")
		return "", err
	}
	if err := st.Send(b); err != nil {
		return "", err
	}

	select {
	case resp := <-respCh:
		_ = st.Close()
		return resp, nil
	case err := <-errCh:
		// the response may have landed just ahead of a close
		select {
		case resp := <-respCh:
			_ = st.Close()
			return resp, nil
		default:
		}
		_ = st.Close()
		return "", err
	case <-ctx.Done():
		_ = st.Error(uint32(mux.InternalError), "canceled")
		return "", ctx.Err()
	}
}

func trySend[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

// startServerTail subscribes to the server's change stream for table
// and feeds every fragment into the engine. The --source argument
// keeps the engine from echoing our own writes back to the server.
func (c *Coordinator) startServerTail(table string, since int64) (*mux.Stream, error) {
	st, err := c.sock.OpenStream()
	if err != nil {
		return nil, err
	}
	logger := c.New("table", table, "tail", "server")
	st.SetOnData(func(p []byte) {
		m, err := protocol.DecodeResponse(p)
		if err != nil {
			logger.Warn("bad tail payload", "err", err)
			return
		}
		pipe, ok := m.(*protocol.PipeMessage)
		if !ok {
			logger.Warn("unexpected tail response", "kind", fmt.Sprintf("%T", m))
			return
		}
		if _, err := c.engine.RunLocal([]string{"write-csv", table, "--source", c.uid}, pipe.Data+"\n"); err != nil {
			logger.Error("write-csv failed", "err", err)
		}
	})
	st.SetOnError(func(code uint32, msg string) {
		logger.Warn("server tail reset", "code", code, "msg", msg)
	})

	b, err := json.Marshal(protocol.NewTail(table, since))
	if err != nil {
		return nil, err
	}
	if err := st.Send(b); err != nil {
		return nil, err
	}
	return st, nil
}

// startLocalTail opens the write stream for table, subscribes the
// engine to the table's change file, and forwards every change. Server
// replies are checkpoint acks persisted as the table's watermark.
func (c *Coordinator) startLocalTail(table string, mt *mirroredTable) error {
	st, err := c.sock.OpenStream()
	if err != nil {
		return err
	}
	logger := c.New("table", table, "tail", "local")
	st.SetOnData(func(p []byte) {
		ack := strings.TrimSpace(string(p))
		if ack == "" {
			return
		}
		if err := c.storeWatermark(table, ack); err != nil {
			logger.Error("checkpoint ack not persisted", "ack", ack, "err", err)
		}
	})
	st.SetOnError(func(code uint32, msg string) {
		logger.Warn("local tail reset", "code", code, "msg", msg)
	})

	b, err := json.Marshal(protocol.NewWrite(table))
	if err != nil {
		return err
	}
	if err := st.Send(b); err != nil {
		return err
	}

	changeFile := c.changeFile(table)
	session, err := c.engine.RunLocal([]string{
		"subscribe", table, "--connect", "--format=csv",
		"--updates", changeFile, "--ignore-source", c.uid,
	}, "")
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("subscribe %s: %w", table, err)
	}

	watcher, err := watchFile(changeFile, func(change string) {
		if change == "" {
			return
		}
		b, err := json.Marshal(protocol.NewPipe(change))
		if err != nil {
			logger.Error("change encode failed", "err", err)
			return
		}
		if err := st.Send(b); err != nil {
			logger.Warn("local tail send failed", "err", err)
		}
	}, logger)
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("watch %s: %w", changeFile, err)
	}

	mt.localTail = st
	mt.session = strings.TrimSpace(session)
	mt.watcher = watcher
	return nil
}

func (c *Coordinator) changeFile(table string) string {
	return filepath.Join(c.dir, table+"_"+c.creds.AccessKey)
}

// storeWatermark persists a server checkpoint ack. Each ack replaces
// the stored value (last value wins); the watermark command reads it
// back.
func (c *Coordinator) storeWatermark(table, ack string) error {
	n, err := strconv.ParseInt(ack, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed checkpoint ack %q: %w", ack, err)
	}
	stmt := fmt.Sprintf("INSERT OR REPLACE INTO %s (key, value) VALUES ('watermark', '%d');", metadataTable(table), n)
	if _, err := c.engine.RunLocal(nil, stmt); err != nil {
		return err
	}
	return nil
}
