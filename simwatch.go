package simwatch

import (
	"context"
	"net"
	"time"
)

// DebugServer defines the diagnostic service embedded in a host application.
//
// The server accepts WebSocket observers, pushes a snapshot of the host's state to
// all of them at a fixed interval and forwards their control commands back to the
// host. Start and Stop are tied to the host's own lifecycle.
//
// Example usage:
//
//	import "github.com/luciancaetano/simwatch/ws"
//
//	cfg := ws.DefaultConfig()
//	cfg.Enabled = true
//	server := ws.New(ws.NewConfig(cfg, logger, nil, nil))
//
//	if err := server.Start(ctx, host); err != nil {
//	    log.Fatal(err)
//	}
//	defer server.Stop(context.Background())
type DebugServer interface {
	// Start binds the listeners, launches the acceptor and the broadcast scheduler
	// and only then reports RUNNING.
	//
	// Start is refused with ErrServerAlreadyRunning unless the server is STOPPED.
	// When the configuration has the service disabled, Start logs and returns nil
	// without leaving STOPPED. A bind failure returns an error wrapping ErrBind and
	// leaves no listener open.
	Start(ctx context.Context, host Host) error

	// Stop closes every connection, closes the listeners, cancels the scheduler and
	// waits for the connection workers. It is safe to call when never started and
	// safe to call twice.
	Stop(ctx context.Context) error

	// State returns the current lifecycle state.
	State() State

	// ClientCount returns the number of OPEN connections.
	ClientCount() int

	// WebSocketAddr returns the bound WebSocket listener address, or nil when the
	// server is not running.
	WebSocketAddr() net.Addr
}

// SnapshotSource produces the state pushed to observers.
type SnapshotSource interface {
	// Available reports whether a snapshot can be produced right now. A broadcast
	// tick is skipped while it returns false.
	Available() bool

	// Snapshot returns one serialized view of the simulation as UTF-8 text. It is
	// requested at most once per broadcast tick.
	Snapshot(ctx context.Context) ([]byte, error)
}

// CommandSink applies observer commands to the simulation.
//
// The simulation may only be mutated on its own goroutine, so commands are never
// applied from a network goroutine. Instead the dispatcher wraps each command in a
// task and hands it to Execute; the task then calls Apply on the owning goroutine.
type CommandSink interface {
	// Execute queues task for the goroutine that owns the simulation state. It must
	// not run the task inline.
	Execute(task func()) error

	// Apply mutates the simulation for cmd. It is only called from within a task
	// passed to Execute. Unknown targets are reported with ErrUnknownTarget.
	Apply(cmd Command) error
}

// Host is the external simulation observed by the server.
type Host interface {
	SnapshotSource
	CommandSink
}

// ConfigReporter is optionally implemented by a Host to publish a configuration
// summary on the dashboard's GET /api/config endpoint.
type ConfigReporter interface {
	ConfigSummary() any
}

// Client represents one OPEN observer connection.
//
// Example usage:
//
//	server := ws.New(ws.NewConfig(cfg, logger, func(client simwatch.Client) {
//	    logger.Info("observer connected", "clientId", client.ID())
//	}, nil))
type Client interface {
	// ID returns a unique identifier generated when the connection was accepted.
	ID() string

	// RemoteAddr returns the peer's network address, e.g. "127.0.0.1:54321".
	RemoteAddr() string

	// Context returns the connection's lifecycle context. It is cancelled as soon
	// as the connection starts closing.
	Context() context.Context

	// State returns the connection state.
	State() ConnState

	// LastActivity returns the time the last frame was read from the peer.
	LastActivity() time.Time

	// Send encodes text as a single text frame and writes it to the peer.
	//
	// Returns ErrConnectionClosed once the connection has left OPEN.
	Send(ctx context.Context, text string) error

	// Close closes the connection with the normal closure status.
	Close(ctx context.Context) error

	// CloseWithCode sends a close frame carrying code and reason, then closes the
	// socket. Only the first close has any effect.
	CloseWithCode(ctx context.Context, code int, reason string) error

	// IsAlive returns true while the connection is OPEN.
	IsAlive() bool
}

// Action names a control command.
type Action string

// Command is one parsed observer command. Value carries the level for set and the
// amount for add; it is zero for clear.
type Command struct {
	Action Action
	Target string
	Value  int
}

// State is the server lifecycle state.
type State int32

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// ConnState is the state of a single connection.
type ConnState int32

// String returns the state name.
func (s ConnState) String() string {
	switch s {
	case ConnAccepted:
		return "ACCEPTED"
	case ConnHandshaking:
		return "HANDSHAKING"
	case ConnOpen:
		return "OPEN"
	case ConnClosing:
		return "CLOSING"
	case ConnClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}
