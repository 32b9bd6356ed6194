package replication

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/skiplabs/skdb-go/internal/mux"
	"github.com/skiplabs/skdb-go/internal/protocol"
	"github.com/skiplabs/skdb-go/internal/transport"
)

// The legacy replication path runs one resilient JSON-envelope
// connection per table direction instead of mux streams. On every
// (re)connect it authenticates, re-issues its subscription at the
// current watermark and, for the write side, replays any local diffs
// the server may have missed.

// TableTail is a handle on one legacy replication direction.
type TableTail struct {
	conn    *ResilientConn
	watcher *fileWatcher
}

func (t *TableTail) Close() error {
	if t.watcher != nil {
		_ = t.watcher.Close()
	}
	return t.conn.Close()
}

func (c *Coordinator) legacyDialer(endpoint string) Dialer {
	return func(ctx context.Context) (transport.Conn, error) {
		return transport.Dial(ctx, endpoint)
	}
}

// ConnectReadTable establishes the legacy server→local tail for table
// over a resilient connection to endpoint.
func (c *Coordinator) ConnectReadTable(ctx context.Context, endpoint, table string) (*TableTail, error) {
	return c.connectReadTable(ctx, c.legacyDialer(endpoint), table)
}

func (c *Coordinator) connectReadTable(ctx context.Context, dial Dialer, table string) (*TableTail, error) {
	logger := c.New("table", table, "legacy", "read")
	onMessage := func(msg []byte) {
		m, err := protocol.DecodeResponse(msg)
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
	}
	onReconnect := func(conn *ResilientConn) {
		if err := c.subscribeTail(conn, table); err != nil {
			logger.Error("tail resubscription failed", "err", err)
		}
	}
	conn, err := DialResilient(ctx, dial, ResilientConfig{
		OnMessage:    onMessage,
		OnReconnect:  onReconnect,
		FailureDelay: c.failureDelay,
		Backoff:      c.boff,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	if err := c.subscribeTail(conn, table); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &TableTail{conn: conn}, nil
}

func (c *Coordinator) subscribeTail(conn *ResilientConn, table string) error {
	if err := c.authenticate(conn); err != nil {
		return err
	}
	wm, err := c.Watermark(table)
	if err != nil {
		return err
	}
	conn.ExpectingData()
	return conn.Write(protocol.NewTail(table, wm))
}

// ConnectWriteTable establishes the legacy local→server tail for table
// over a resilient connection to endpoint.
func (c *Coordinator) ConnectWriteTable(ctx context.Context, endpoint, table string) (*TableTail, error) {
	return c.connectWriteTable(ctx, c.legacyDialer(endpoint), table)
}

func (c *Coordinator) connectWriteTable(ctx context.Context, dial Dialer, table string) (*TableTail, error) {
	logger := c.New("table", table, "legacy", "write")

	changeFile := c.changeFile(table)
	session, err := c.engine.RunLocal([]string{
		"subscribe", table, "--connect", "--format=csv",
		"--updates", changeFile, "--ignore-source", c.uid,
	}, "")
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", table, err)
	}
	session = strings.TrimSpace(session)

	onMessage := func(msg []byte) {
		ack := strings.TrimSpace(string(msg))
		if ack == "" {
			return
		}
		if err := c.storeWatermark(table, ack); err != nil {
			logger.Error("checkpoint ack not persisted", "ack", ack, "err", err)
		}
	}
	onReconnect := func(conn *ResilientConn) {
		if err := c.resubscribeWrite(conn, table, session); err != nil {
			logger.Error("write resubscription failed", "err", err)
		}
	}
	conn, err := DialResilient(ctx, dial, ResilientConfig{
		OnMessage:    onMessage,
		OnReconnect:  onReconnect,
		FailureDelay: c.failureDelay,
		Backoff:      c.boff,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	if err := c.resubscribeWrite(conn, table, session); err != nil {
		_ = conn.Close()
		return nil, err
	}

	watcher, err := watchFile(changeFile, func(change string) {
		if change == "" {
			return
		}
		conn.ExpectingData()
		if err := conn.Write(protocol.NewPipe(change)); err != nil {
			logger.Warn("change write failed", "err", err)
		}
	}, logger)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("watch %s: %w", changeFile, err)
	}
	return &TableTail{conn: conn, watcher: watcher}, nil
}

// resubscribeWrite re-opens the write subscription and replays any
// local changes since the last server-acknowledged checkpoint. Delivery
// is at-least-once; the server deduplicates on primary keys.
func (c *Coordinator) resubscribeWrite(conn *ResilientConn, table, session string) error {
	if err := c.authenticate(conn); err != nil {
		return err
	}
	if err := conn.Write(protocol.NewWrite(table)); err != nil {
		return err
	}
	wm, err := c.Watermark(table)
	if err != nil {
		return err
	}
	diff, err := c.engine.RunLocal([]string{
		"diff", "--format=csv", "--since", strconv.FormatInt(wm, 10), session,
	}, "")
	if err != nil {
		return fmt.Errorf("diff %s: %w", table, err)
	}
	if strings.TrimSpace(diff) == "" {
		return nil
	}
	conn.ExpectingData()
	return conn.Write(protocol.NewPipe(diff))
}

func (c *Coordinator) authenticate(conn *ResilientConn) error {
	if c.creds.AccessKey == "" {
		return errors.New("missing credentials")
	}
	auth, err := mux.AuthJSON(c.creds, time.Now())
	if err != nil {
		return err
	}
	return conn.Write(auth)
}
