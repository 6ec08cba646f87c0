package websocket

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/simwatch"
	"github.com/luciancaetano/simwatch/internal/logging"
	"github.com/luciancaetano/simwatch/internal/protocol"
)

// Read errors that end a connection.
var (
	ErrPeerClosed         = errors.New("peer sent close frame")
	ErrFragmentedMessage  = errors.New("fragmented messages are not supported")
	ErrUnsupportedOpcode  = errors.New("unsupported opcode")
	ErrInvalidUTF8        = errors.New("text frame is not valid UTF-8")
	errHandshakeAbandoned = errors.New("connection closed during handshake")
)

// closeFrameTimeout bounds the best-effort close frame written on shutdown.
const closeFrameTimeout = time.Second

var pongFrame = mustEncodeControl(protocol.OpPong)

func mustEncodeControl(op protocol.Opcode) []byte {
	frame, err := protocol.EncodeControl(op, nil)
	if err != nil {
		panic(err)
	}
	return frame
}

// ClientConfig configures a single connection.
type ClientConfig struct {
	// ReadTimeout is the idle poll interval of the read loop. An idle connection is
	// never closed for it; zero disables read deadlines.
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	// MaxPayload bounds inbound frame payloads; zero uses protocol.DefaultMaxPayloadSize.
	MaxPayload int
	RateLimit  *RateLimitConfig
	Logger     *slog.Logger
	// OnClose runs once when a connection that reached OPEN starts closing.
	OnClose func(client *Client)
}

// Client is one accepted TCP connection speaking the WebSocket framing. It
// implements simwatch.Client and Peer.
type Client struct {
	id         string
	conn       net.Conn
	br         *bufio.Reader
	remoteAddr string
	ctx        context.Context
	cancel     context.CancelFunc

	// writeMu serializes every write to conn, so frames never interleave.
	writeMu      sync.Mutex
	state        atomic.Int32
	lastActivity atomic.Int64
	voluntary    atomic.Bool
	writeFailed  atomic.Bool
	closeOnce    sync.Once

	readTimeout      time.Duration
	writeTimeout     time.Duration
	handshakeTimeout time.Duration
	maxPayload       uint64
	rateLimiter      *rate.Limiter
	logger           *slog.Logger
	onClose          func(client *Client)
}

// NewClient wraps an accepted connection. The connection starts in ACCEPTED and
// must go through Handshake before frames are exchanged.
func NewClient(conn net.Conn, cfg ClientConfig) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if cfg.RateLimit != nil && cfg.RateLimit.Enabled {
		limiter = rate.NewLimiter(cfg.RateLimit.MessagesPerSecond, cfg.RateLimit.Burst)
	}

	var remoteAddr string
	if addr := conn.RemoteAddr(); addr != nil {
		remoteAddr = addr.String()
	}

	id := uuid.New().String()
	client := &Client{
		id:               id,
		conn:             conn,
		br:               bufio.NewReader(conn),
		remoteAddr:       remoteAddr,
		ctx:              ctx,
		cancel:           cancel,
		readTimeout:      cfg.ReadTimeout,
		writeTimeout:     cfg.WriteTimeout,
		handshakeTimeout: cfg.HandshakeTimeout,
		maxPayload:       uint64(max(cfg.MaxPayload, 0)),
		rateLimiter:      limiter,
		logger:           logging.OrNop(cfg.Logger).With("clientId", id, "remoteAddr", remoteAddr),
		onClose:          cfg.OnClose,
	}
	client.state.Store(int32(simwatch.ConnAccepted))
	client.touch()
	return client
}

// ID returns a unique identifier for the connected client
func (c *Client) ID() string {
	return c.id
}

// RemoteAddr returns the client's remote network address
func (c *Client) RemoteAddr() string {
	return c.remoteAddr
}

// Context returns the client's lifecycle context
func (c *Client) Context() context.Context {
	return c.ctx
}

// State returns the connection state.
func (c *Client) State() simwatch.ConnState {
	return simwatch.ConnState(c.state.Load())
}

// IsAlive returns true if the connection is OPEN
func (c *Client) IsAlive() bool {
	return c.State() == simwatch.ConnOpen
}

// LastActivity returns when the last frame was read.
func (c *Client) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Voluntary reports whether the peer ended the connection itself.
func (c *Client) Voluntary() bool {
	return c.voluntary.Load()
}

func (c *Client) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Handshake performs the upgrade, moving the connection from ACCEPTED through
// HANDSHAKING to OPEN. On failure the socket is closed and the connection ends in
// CLOSED; a best-effort HTTP error is written when the request was readable.
func (c *Client) Handshake() error {
	if !c.state.CompareAndSwap(int32(simwatch.ConnAccepted), int32(simwatch.ConnHandshaking)) {
		return fmt.Errorf("%w: handshake from state %s", errHandshakeAbandoned, c.State())
	}

	if c.handshakeTimeout > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(c.handshakeTimeout))
	}

	_, err := Handshake(c.br, c.conn)
	if err != nil {
		var hsErr *HandshakeError
		if errors.As(err, &hsErr) && hsErr.Status != 0 {
			_ = writeHTTPError(c.conn, hsErr.Status)
		}
		c.abort()
		return err
	}

	_ = c.conn.SetDeadline(time.Time{})

	if !c.state.CompareAndSwap(int32(simwatch.ConnHandshaking), int32(simwatch.ConnOpen)) {
		return errHandshakeAbandoned
	}
	c.touch()
	return nil
}

// WriteFrame writes one encoded frame. It fails with simwatch.ErrConnectionClosed
// once the connection has left OPEN. A failed write does not close the connection;
// the caller decides.
func (c *Client) WriteFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.IsAlive() {
		return simwatch.ErrConnectionClosed
	}
	return c.writeLocked(frame, c.writeTimeout)
}

func (c *Client) writeLocked(frame []byte, timeout time.Duration) error {
	if timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	if _, err := c.conn.Write(frame); err != nil {
		c.writeFailed.Store(true)
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Send encodes text as a single text frame and writes it
func (c *Client) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	frame, err := protocol.EncodeText([]byte(text))
	if err != nil {
		return fmt.Errorf("%s: %w", simwatch.ErrMsgFailedToEncode, err)
	}
	return c.WriteFrame(frame)
}

// Close closes the client connection
func (c *Client) Close(ctx context.Context) error {
	return c.CloseWithCode(ctx, simwatch.CloseNormalClosure, "")
}

// CloseWithCode closes the connection with a close code and optional reason
func (c *Client) CloseWithCode(ctx context.Context, code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		err = c.shutdown(ctx, true, code, reason)
	})
	return err
}

// abort closes the socket without a close frame, for peers that are already gone.
func (c *Client) abort() {
	c.closeOnce.Do(func() {
		_ = c.shutdown(context.Background(), false, 0, "")
	})
}

func (c *Client) shutdown(ctx context.Context, sendClose bool, code int, reason string) error {
	prev := simwatch.ConnState(c.state.Swap(int32(simwatch.ConnClosing)))
	c.cancel()

	if prev == simwatch.ConnOpen && c.onClose != nil {
		c.onClose(c)
	}

	// A writer stuck on a slow peer holds writeMu; skip the close frame and let
	// closing the socket unblock it. After a failed write the stream is unusable.
	if sendClose && prev == simwatch.ConnOpen && !c.writeFailed.Load() && c.writeMu.TryLock() {
		timeout := closeFrameTimeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = min(timeout, time.Until(deadline))
		}
		if frame, err := protocol.EncodeClose(code, reason); err == nil && timeout > 0 {
			_ = c.writeLocked(frame, timeout)
		}
		c.writeMu.Unlock()
	}

	err := c.conn.Close()
	c.state.Store(int32(simwatch.ConnClosed))
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	return nil
}

// CheckRateLimit checks if the client has exceeded the rate limit
// Returns true if the message is allowed, false if rate limited
func (c *Client) CheckRateLimit() bool {
	if c.rateLimiter == nil {
		// Rate limiting disabled
		return true
	}
	return c.rateLimiter.Allow()
}

// ReadLoop reads frames until the connection ends and hands every text message to
// handle. Messages over the rate limit are dropped. It returns the error that ended
// the loop, or nil when ctx was cancelled or the connection was closed locally.
func (c *Client) ReadLoop(ctx context.Context, handle func(client *Client, message string)) error {
	for ctx.Err() == nil && c.IsAlive() {
		message, ok, err := c.readMessage()
		if err != nil {
			if !c.IsAlive() {
				return nil
			}
			return err
		}
		if !ok {
			continue
		}

		if !c.CheckRateLimit() {
			c.logger.Warn("command rate limit exceeded, dropping message")
			continue
		}
		handle(c, message)
	}
	return nil
}

// readMessage returns the next text message. ok is false when the frame consumed
// was a control frame or the idle poll timed out.
func (c *Client) readMessage() (message string, ok bool, err error) {
	if c.readTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}

	// An idle peer is not an error; the timeout only re-polls the loop condition.
	if _, err := c.br.Peek(1); err != nil {
		if isTimeout(err) {
			return "", false, nil
		}
		return "", false, err
	}

	if c.readTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}

	frame, err := protocol.ReadFrame(c.br, c.maxPayload)
	if err != nil {
		return "", false, err
	}
	c.touch()

	switch frame.Opcode {
	case protocol.OpClose:
		c.voluntary.Store(true)
		return "", false, ErrPeerClosed
	case protocol.OpPing:
		if err := c.WriteFrame(pongFrame); err != nil {
			return "", false, err
		}
		return "", false, nil
	case protocol.OpPong:
		return "", false, nil
	case protocol.OpText:
		if !frame.Fin {
			return "", false, ErrFragmentedMessage
		}
		if !utf8.Valid(frame.Payload) {
			return "", false, ErrInvalidUTF8
		}
		return string(frame.Payload), true, nil
	case protocol.OpContinuation:
		return "", false, ErrFragmentedMessage
	default:
		return "", false, fmt.Errorf("%w: %s", ErrUnsupportedOpcode, frame.Opcode)
	}
}

// finish closes the connection after its read loop ended with err.
func (c *Client) finish(err error) {
	switch {
	case err == nil:
		c.abort()
	case errors.Is(err, io.EOF), errors.Is(err, ErrPeerClosed):
		c.voluntary.Store(true)
		c.abort()
	case isProtocolError(err):
		_ = c.CloseWithCode(context.Background(), simwatch.CloseProtocolError, "protocol error")
	default:
		c.abort()
	}
}

func isProtocolError(err error) bool {
	for _, target := range []error{
		protocol.ErrMalformedLength,
		protocol.ErrPayloadTooLarge,
		protocol.ErrMalformedControl,
		protocol.ErrReservedBits,
		ErrFragmentedMessage,
		ErrUnsupportedOpcode,
		ErrInvalidUTF8,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
