package simwatch

import "errors"

// Recognized command actions.
const (
	ActionSet   Action = "set"
	ActionAdd   Action = "add"
	ActionClear Action = "clear"
)

// Server lifecycle states.
const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// Connection states. CLOSED is terminal.
const (
	ConnAccepted ConnState = iota
	ConnHandshaking
	ConnOpen
	ConnClosing
	ConnClosed
)

// WebSocket close status codes sent by the server.
const (
	CloseNormalClosure = 1000
	CloseGoingAway     = 1001
	CloseProtocolError = 1002
)

// Standard error messages
const (
	// Lifecycle errors
	ErrMsgServerAlreadyRunning = "server already running"
	ErrMsgBind                 = "failed to bind listener"
	ErrMsgNoHost               = "host is required"

	// Connection errors
	ErrMsgConnectionClosed = "client connection is closed"
	ErrMsgFailedToEncode   = "failed to encode message"

	// Command errors
	ErrMsgUnknownTarget = "unknown target"
)

var (
	// ErrServerAlreadyRunning is returned by Start unless the server is STOPPED.
	ErrServerAlreadyRunning = errors.New(ErrMsgServerAlreadyRunning)
	// ErrBind wraps listener bind failures returned by Start.
	ErrBind = errors.New(ErrMsgBind)
	// ErrNoHost is returned by Start when called with a nil host.
	ErrNoHost = errors.New(ErrMsgNoHost)
	// ErrConnectionClosed is returned when writing to a connection that left OPEN.
	ErrConnectionClosed = errors.New(ErrMsgConnectionClosed)
	// ErrUnknownTarget is returned by CommandSink.Apply for unresolvable targets.
	ErrUnknownTarget = errors.New(ErrMsgUnknownTarget)
)
