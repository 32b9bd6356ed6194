package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	log "github.com/inconshreveable/log15"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skiplabs/skdb-go/internal/mux"
	"github.com/skiplabs/skdb-go/internal/mux/frame"
	"github.com/skiplabs/skdb-go/internal/protocol"
	"github.com/skiplabs/skdb-go/internal/transport"
)

const testTimeout = 5 * time.Second

var testCreds = mux.Credentials{
	AccessKey:  "ABCDEFGHIJKLMNOPQRST",
	PrivateKey: []byte("test-private-key"),
	DeviceUuid: "test-device",
}

func testLogger() log.Logger {
	l := log.New()
	l.SetHandler(log.DiscardHandler())
	return l
}

type engineCall struct {
	args  []string
	stdin string
}

// fakeEngine scripts the engine command interface and records every
// invocation.
type fakeEngine struct {
	mu         sync.Mutex
	calls      []engineCall
	uid        string
	session    string
	diff       string
	watermarks map[string]int64
	tables     map[string]bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		uid:        "replica-1",
		session:    "sess-1",
		watermarks: make(map[string]int64),
		tables:     make(map[string]bool),
	}
}

func (e *fakeEngine) RunLocal(args []string, stdin string) (string, error) {
	e.mu.Lock()
	e.calls = append(e.calls, engineCall{args: append([]string(nil), args...), stdin: stdin})
	e.mu.Unlock()

	if len(args) == 0 {
		return "", nil
	}
	switch args[0] {
	case "uid":
		return e.uid + "\n", nil
	case "watermark":
		e.mu.Lock()
		defer e.mu.Unlock()
		return fmt.Sprintf("%d\n", e.watermarks[args[1]]), nil
	case "dump-table":
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.tables[args[1]] {
			return "CREATE TABLE " + args[1] + " (id INTEGER PRIMARY KEY);", nil
		}
		return "", errors.New("no such table: " + args[1])
	case "subscribe":
		return e.session + "\n", nil
	case "diff":
		return e.diff, nil
	}
	return "", nil
}

func (e *fakeEngine) callsFor(cmd string) []engineCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []engineCall
	for _, c := range e.calls {
		if len(c.args) > 0 && c.args[0] == cmd {
			out = append(out, c)
		}
	}
	return out
}

func (e *fakeEngine) sqlCalls() []engineCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []engineCall
	for _, c := range e.calls {
		if len(c.args) == 0 {
			out = append(out, c)
		}
	}
	return out
}

func newTestCoordinator(t *testing.T) (*Coordinator, transport.Conn, *fakeEngine) {
	t.Helper()
	client, server := transport.Pipe()
	sock := mux.New(client, &mux.Config{Logger: testLogger()})
	require.NoError(t, sock.Authenticate(testCreds))
	f := readFrame(t, server)
	require.Equal(t, frame.TypeAuth, f.Type())

	engine := newFakeEngine()
	coord, err := NewCoordinator(sock, Config{
		Engine: engine,
		Creds:  testCreds,
		Dir:    t.TempDir(),
		Logger: testLogger(),
	})
	require.NoError(t, err)
	assert.Equal(t, "replica-1", coord.uid)
	return coord, server, engine
}

func readFrame(t *testing.T, conn transport.Conn) frame.Frame {
	t.Helper()
	type result struct {
		f   frame.Frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := conn.ReadMessage()
		if err != nil {
			ch <- result{nil, err}
			return
		}
		f, err := frame.Decode(msg)
		ch <- result{f, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.f
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

// readEnvelope reads the next data frame and returns its stream id and
// decoded JSON body.
func readEnvelope(t *testing.T, conn transport.Conn) (uint32, map[string]any) {
	t.Helper()
	f := readFrame(t, conn)
	df, ok := f.(*frame.Data)
	require.True(t, ok, "expected data frame, got %v", f.Type())
	var body map[string]any
	require.NoError(t, json.Unmarshal(df.Payload, &body))
	return uint32(df.StreamId()), body
}

func sendData(t *testing.T, conn transport.Conn, id frame.StreamId, payload []byte) {
	t.Helper()
	var f frame.Data
	require.NoError(t, f.Pack(id, payload))
	b, err := f.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(b))
}

func TestMirrorTable(t *testing.T) {
	t.Parallel()
	coord, server, engine := newTestCoordinator(t)
	engine.tables["todos"] = true
	engine.mu.Lock()
	engine.watermarks["todos"] = 17
	engine.mu.Unlock()

	require.NoError(t, coord.MirrorTable(context.Background(), "todos"))

	// server-tail subscription at the persisted watermark
	id, body := readEnvelope(t, server)
	assert.Equal(t, uint32(1), id)
	assert.Equal(t, "tail", body["request"])
	assert.Equal(t, "todos", body["table"])
	assert.Equal(t, float64(17), body["since"])

	// local-tail write subscription
	id, body = readEnvelope(t, server)
	assert.Equal(t, uint32(3), id)
	assert.Equal(t, "write", body["request"])
	assert.Equal(t, "todos", body["table"])

	// engine side: metadata table + change file subscription
	sql := engine.sqlCalls()
	require.NotEmpty(t, sql)
	assert.Contains(t, sql[0].stdin, "skdb__todos_sync_metadata")

	subs := engine.callsFor("subscribe")
	require.Len(t, subs, 1)
	assert.Equal(t, []string{
		"subscribe", "todos", "--connect", "--format=csv",
		"--updates", filepath.Join(coord.dir, "todos_"+testCreds.AccessKey),
		"--ignore-source", "replica-1",
	}, subs[0].args)
}

func TestMirrorTableIdempotent(t *testing.T) {
	t.Parallel()
	coord, server, engine := newTestCoordinator(t)
	engine.tables["todos"] = true

	require.NoError(t, coord.MirrorTable(context.Background(), "todos"))
	readEnvelope(t, server)
	readEnvelope(t, server)

	require.NoError(t, coord.MirrorTable(context.Background(), "todos"))
	assert.Len(t, engine.callsFor("subscribe"), 1)
	assert.Len(t, coord.sock.ActiveStreams(), 2)
}

func TestMirrorTableFetchesSchema(t *testing.T) {
	t.Parallel()
	coord, server, engine := newTestCoordinator(t)
	// table absent locally: schema comes from the server

	done := make(chan error, 1)
	go func() { done <- coord.MirrorTable(context.Background(), "todos") }()

	id, body := readEnvelope(t, server)
	assert.Equal(t, uint32(1), id)
	assert.Equal(t, "schema", body["request"])
	assert.Equal(t, "todos", body["table"])

	ddl := "CREATE TABLE todos (id INTEGER PRIMARY KEY, name TEXT);"
	resp, err := json.Marshal(protocol.NewPipe(ddl))
	require.NoError(t, err)
	sendData(t, server, 1, resp)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("MirrorTable never returned")
	}

	// one-shot stream closed after the response
	f := readFrame(t, server)
	assert.Equal(t, frame.TypeClose, f.Type())
	assert.Equal(t, frame.StreamId(1), f.StreamId())

	// the DDL was executed before the tails started on fresh streams
	sql := engine.sqlCalls()
	require.NotEmpty(t, sql)
	assert.Equal(t, ddl, sql[0].stdin)

	id, body = readEnvelope(t, server)
	assert.Equal(t, uint32(3), id)
	assert.Equal(t, "tail", body["request"])
	id, body = readEnvelope(t, server)
	assert.Equal(t, uint32(5), id)
	assert.Equal(t, "write", body["request"])
}

func TestServerTailFeedsEngine(t *testing.T) {
	t.Parallel()
	coord, server, engine := newTestCoordinator(t)
	engine.tables["todos"] = true

	require.NoError(t, coord.MirrorTable(context.Background(), "todos"))
	readEnvelope(t, server) // tail
	readEnvelope(t, server) // write

	payload, err := json.Marshal(protocol.NewPipe("1,\"milk\"\n"))
	require.NoError(t, err)
	sendData(t, server, 1, payload)

	require.Eventually(t, func() bool {
		return len(engine.callsFor("write-csv")) == 1
	}, testTimeout, time.Millisecond)

	call := engine.callsFor("write-csv")[0]
	assert.Equal(t, []string{"write-csv", "todos", "--source", "replica-1"}, call.args)
	assert.Equal(t, "1,\"milk\"\n\n", call.stdin)
}

func TestCheckpointAckPersistsWatermark(t *testing.T) {
	t.Parallel()
	coord, server, engine := newTestCoordinator(t)
	engine.tables["todos"] = true

	require.NoError(t, coord.MirrorTable(context.Background(), "todos"))
	readEnvelope(t, server) // tail
	readEnvelope(t, server) // write

	// checkpoint ack arrives on the local-tail stream
	sendData(t, server, 3, []byte("42\n"))

	require.Eventually(t, func() bool {
		for _, c := range engine.sqlCalls() {
			if strings.Contains(c.stdin, "'42'") {
				return true
			}
		}
		return false
	}, testTimeout, time.Millisecond)

	var ackStmt string
	for _, c := range engine.sqlCalls() {
		if strings.Contains(c.stdin, "'42'") {
			ackStmt = c.stdin
		}
	}
	assert.Contains(t, ackStmt, "skdb__todos_sync_metadata")
	assert.Contains(t, ackStmt, "'watermark'")
}

func TestMalformedAckIgnored(t *testing.T) {
	t.Parallel()
	coord, server, engine := newTestCoordinator(t)
	engine.tables["todos"] = true

	require.NoError(t, coord.MirrorTable(context.Background(), "todos"))
	readEnvelope(t, server)
	readEnvelope(t, server)

	before := len(engine.sqlCalls())
	sendData(t, server, 3, []byte("not a number"))
	sendData(t, server, 3, []byte("7"))

	require.Eventually(t, func() bool {
		for _, c := range engine.sqlCalls() {
			if strings.Contains(c.stdin, "'7'") {
				return true
			}
		}
		return false
	}, testTimeout, time.Millisecond)
	// exactly one new statement: the garbage ack wrote nothing
	assert.Len(t, engine.sqlCalls(), before+1)
}

func TestChangeFileForwarded(t *testing.T) {
	t.Parallel()
	coord, server, engine := newTestCoordinator(t)
	engine.tables["todos"] = true

	require.NoError(t, coord.MirrorTable(context.Background(), "todos"))
	readEnvelope(t, server) // tail
	readEnvelope(t, server) // write

	changeFile := filepath.Join(coord.dir, "todos_"+testCreds.AccessKey)
	appendFile(t, changeFile, "1,\"bread\"\n")

	id, body := readEnvelope(t, server)
	assert.Equal(t, uint32(3), id)
	assert.Equal(t, "pipe", body["request"])
	assert.Equal(t, "1,\"bread\"\n", body["data"])

	// a second flush carries only the new text
	appendFile(t, changeFile, "2,\"jam\"\n")
	_, body = readEnvelope(t, server)
	assert.Equal(t, "2,\"jam\"\n", body["data"])
}

func TestWatermarkParsing(t *testing.T) {
	t.Parallel()
	coord, _, engine := newTestCoordinator(t)
	engine.mu.Lock()
	engine.watermarks["todos"] = 99
	engine.mu.Unlock()

	wm, err := coord.Watermark("todos")
	require.NoError(t, err)
	assert.Equal(t, int64(99), wm)
}

func appendFile(t *testing.T, path, text string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(text)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}
