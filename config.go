package skdb

import (
	"time"

	log "github.com/inconshreveable/log15"
)

// Engine is the command interface to the local database engine. args
// is the argv form of an engine invocation and stdin its input text;
// an empty argv executes the SQL statements on stdin.
type Engine interface {
	RunLocal(args []string, stdin string) (string, error)
}

// ConnectConfig customizes a session.
type ConnectConfig struct {
	Logger log.Logger

	// Engine enables replication. Without one the session can still
	// multiplex streams, but Mirror fails.
	Engine Engine

	// Dir is where the engine writes per-table change files.
	Dir string

	// DeviceUuid is used when the credentials leave theirs empty.
	DeviceUuid string

	// FailureDelay overrides how long legacy resilient connections
	// wait for expected data before reconnecting.
	FailureDelay time.Duration

	// ResetUnknownStreams answers data frames for unknown stream ids
	// with a reset instead of silently dropping them.
	ResetUnknownStreams bool
}

func ConnectOptions() *ConnectConfig {
	return &ConnectConfig{}
}

func (cfg *ConnectConfig) WithLogger(logger log.Logger) *ConnectConfig {
	cfg.Logger = logger
	return cfg
}

func (cfg *ConnectConfig) WithEngine(engine Engine) *ConnectConfig {
	cfg.Engine = engine
	return cfg
}

func (cfg *ConnectConfig) WithDir(dir string) *ConnectConfig {
	cfg.Dir = dir
	return cfg
}

func (cfg *ConnectConfig) WithDeviceUuid(deviceUuid string) *ConnectConfig {
	cfg.DeviceUuid = deviceUuid
	return cfg
}

func (cfg *ConnectConfig) WithFailureDelay(delay time.Duration) *ConnectConfig {
	cfg.FailureDelay = delay
	return cfg
}

func (cfg *ConnectConfig) WithResetUnknownStreams() *ConnectConfig {
	cfg.ResetUnknownStreams = true
	return cfg
}
