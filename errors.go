package skdb

import (
	"errors"

	"github.com/skiplabs/skdb-go/internal/mux"
)

var (
	// ErrNotConnected is returned by OpenStream before the session is
	// established or after it has fully closed.
	ErrNotConnected = mux.ErrNotEstablished

	// ErrClosing is returned by OpenStream while the session is
	// shutting down.
	ErrClosing = mux.ErrClosing

	// ErrStreamClosed is returned by Send after a stream's send side
	// has closed.
	ErrStreamClosed = mux.ErrStreamClosed

	// ErrNoEngine is returned by Mirror and Watermark on a session
	// configured without an engine.
	ErrNoEngine = errors.New("no engine configured")
)
