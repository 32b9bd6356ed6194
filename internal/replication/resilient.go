package replication

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	log "github.com/inconshreveable/log15"
	"github.com/jpillora/backoff"

	"github.com/skiplabs/skdb-go/internal/transport"
)

// defaultFailureDelay is how long a resilient connection waits for
// expected data before presuming the connection silently stalled.
const defaultFailureDelay = 60 * time.Second

// Dialer opens a fresh transport connection for a resilient connection.
type Dialer func(ctx context.Context) (transport.Conn, error)

// ResilientConfig customizes a ResilientConn.
type ResilientConfig struct {
	// OnMessage receives every incoming message.
	OnMessage func(msg []byte)

	// OnReconnect runs after a connection is re-established. It is the
	// caller's hook to re-send subscriptions and replay anything the
	// server may have missed.
	OnReconnect func(c *ResilientConn)

	// FailureDelay overrides the expected-data deadline.
	FailureDelay time.Duration

	// Backoff overrides the reconnect pacing.
	Backoff *backoff.Backoff

	Logger log.Logger
}

// ResilientConn wraps a JSON-envelope connection, detecting silent
// stalls via an expected-data deadline and reconnecting with
// randomized backoff. Writes issued while a reconnect is in flight are
// dropped; the resubscription in OnReconnect closes the gap.
type ResilientConn struct {
	mu             sync.Mutex
	dial           Dialer
	conn           transport.Conn // nil while a reconnect is in flight
	failureTimer   *time.Timer    // nil when disarmed
	reconnectTimer *time.Timer    // nil unless a reconnect is sleeping
	reconnecting   bool
	closed         bool
	done           chan struct{} // closed by Close

	failureDelay time.Duration
	boff         *backoff.Backoff
	onMessage    func([]byte)
	onReconnect  func(*ResilientConn)

	log.Logger
}

// DialResilient establishes the initial connection and starts
// servicing it.
func DialResilient(ctx context.Context, dial Dialer, config ResilientConfig) (*ResilientConn, error) {
	conn, err := dial(ctx)
	if err != nil {
		return nil, err
	}
	if config.Logger == nil {
		config.Logger = log.New()
		config.Logger.SetHandler(log.DiscardHandler())
	}
	var boff *backoff.Backoff
	if config.Backoff != nil {
		// private copy so connections do not share attempt state
		b := *config.Backoff
		boff = &b
	}
	if boff == nil {
		// floor 500ms, ceiling 1500ms: reconnects land 500-1500ms
		// after teardown
		boff = &backoff.Backoff{
			Min:    500 * time.Millisecond,
			Max:    1500 * time.Millisecond,
			Factor: 3,
			Jitter: true,
		}
	}
	delay := config.FailureDelay
	if delay == 0 {
		delay = defaultFailureDelay
	}
	c := &ResilientConn{
		dial:         dial,
		conn:         conn,
		failureDelay: delay,
		boff:         boff,
		onMessage:    config.OnMessage,
		onReconnect:  config.OnReconnect,
		done:         make(chan struct{}),
		Logger:       config.Logger.New("obj", "rconn"),
	}
	go c.reader(conn)
	return c, nil
}

// ExpectingData arms the failure deadline: if no message arrives
// before it fires, the connection is presumed stalled and torn down
// for a reconnect. Every delivered message disarms it.
func (c *ResilientConn) ExpectingData() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		return
	}
	if c.failureTimer != nil {
		c.failureTimer.Stop()
	}
	c.failureTimer = time.AfterFunc(c.failureDelay, c.stalled)
}

func (c *ResilientConn) stalled() {
	c.Warn("expected data did not arrive, reconnecting")
	c.triggerReconnect()
}

// Write sends v as a JSON envelope. Silently dropped while no socket
// is attached.
func (c *ResilientConn) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.WriteMessage(b)
}

func (c *ResilientConn) reader(conn transport.Conn) {
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			c.triggerReconnect()
			return
		}
		c.mu.Lock()
		if c.failureTimer != nil {
			c.failureTimer.Stop()
			c.failureTimer = nil
		}
		fn := c.onMessage
		c.mu.Unlock()
		if fn != nil {
			fn(msg)
		}
	}
}

// triggerReconnect tears the socket down and schedules a reconnect.
// Debounced: close and error firing together cause only one attempt.
func (c *ResilientConn) triggerReconnect() {
	c.mu.Lock()
	if c.closed || c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	if c.failureTimer != nil {
		c.failureTimer.Stop()
		c.failureTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(transport.CloseGoingAway, "reconnecting")
	}
	go c.reconnect()
}

func (c *ResilientConn) reconnect() {
	for {
		wait := c.boff.Duration()
		c.Debug("sleep before reconnect", "ms", wait.Milliseconds())

		timer := time.NewTimer(wait)
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			timer.Stop()
			return
		}
		c.reconnectTimer = timer
		c.mu.Unlock()

		select {
		case <-timer.C:
		case <-c.done:
			timer.Stop()
			return
		}

		c.mu.Lock()
		c.reconnectTimer = nil
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		conn, err := c.dial(context.Background())
		if err != nil {
			c.Warn("reconnect failed", "err", err)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close(transport.CloseNormal, "")
			return
		}
		c.conn = conn
		c.reconnecting = false
		c.boff.Reset()
		cb := c.onReconnect
		c.mu.Unlock()

		c.Info("reconnected")
		go c.reader(conn)
		if cb != nil {
			cb(c)
		}
		return
	}
}

func (c *ResilientConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	if c.failureTimer != nil {
		c.failureTimer.Stop()
		c.failureTimer = nil
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close(transport.CloseNormal, "")
	}
	return nil
}
