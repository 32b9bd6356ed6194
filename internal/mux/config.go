package mux

import (
	log "github.com/inconshreveable/log15"
)

// Config customizes a Socket. The zero value is usable.
type Config struct {
	Logger log.Logger

	// ResetUnknownStreams makes the socket answer data frames for
	// unknown stream ids with a reset instead of silently dropping
	// them.
	ResetUnknownStreams bool

	// OnStream is invoked for every stream the server initiates.
	OnStream func(*Stream)

	// OnClose is invoked when the transport closes gracefully.
	OnClose func()

	// OnError is invoked when the socket dies abruptly from a transport
	// failure or a goaway from the server. Shutdowns through
	// ErrorSocket, including protocol violations found by the
	// dispatcher, do not invoke it; their error is reported by Err.
	OnError func(err error)
}

func (c *Config) initDefaults() {
	if c.Logger == nil {
		c.Logger = log.New()
		c.Logger.SetHandler(log.DiscardHandler())
	}
}
