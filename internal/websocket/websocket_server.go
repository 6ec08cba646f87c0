package websocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/simwatch"
	"github.com/luciancaetano/simwatch/internal/config"
	"github.com/luciancaetano/simwatch/internal/httpapi"
	"github.com/luciancaetano/simwatch/internal/logging"
)

// acceptBackoff is the pause after a transient accept error.
const acceptBackoff = 50 * time.Millisecond

// OnConnectFn is a callback function that is called when a new client connects.
// It is called after the handshake completes and the client is registered, before
// the read loop starts. It runs on the connection's worker goroutine, so it should
// not block.
type OnConnectFn = func(client simwatch.Client)

// OnClientDisconnectFn is invoked once when an OPEN client starts closing. voluntary
// is true when the peer ended the connection, false for failures and server-initiated
// closes.
type OnClientDisconnectFn = func(client simwatch.Client, voluntary bool)

// ServerConfig configures a Server.
type ServerConfig struct {
	Config             config.Config
	Logger             *slog.Logger
	RateLimitConfig    *RateLimitConfig
	OnConnect          OnConnectFn
	OnClientDisconnect OnClientDisconnectFn
	// Ticks replaces the broadcast ticker when set, so tests can drive ticks by hand.
	Ticks <-chan time.Time
}

// RateLimitConfig defines rate limiting configuration for clients
type RateLimitConfig struct {
	// MessagesPerSecond defines how many commands a client can send per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig returns the default rate limit configuration
// Allows 20 commands per second with burst of 40
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 20,
		Burst:             40,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

// RateLimitFromConfig derives the per-connection limit from cfg.
func RateLimitFromConfig(cfg config.Config) *RateLimitConfig {
	if cfg.CommandsPerSecond <= 0 {
		return NoRateLimit()
	}
	return &RateLimitConfig{
		MessagesPerSecond: rate.Limit(cfg.CommandsPerSecond),
		Burst:             cfg.CommandBurst,
		Enabled:           true,
	}
}

// Server is the lifecycle controller. It implements simwatch.DebugServer.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger

	// lifecycleMu serializes Start and Stop.
	lifecycleMu sync.Mutex
	state       atomic.Int32
	run         atomic.Pointer[serverRun]
}

// serverRun holds everything allocated by one Start and torn down by Stop.
type serverRun struct {
	ctx    context.Context
	cancel context.CancelFunc

	wsListener   net.Listener
	httpListener net.Listener
	httpServer   *http.Server
	ticker       *time.Ticker

	registry    *Registry
	dispatcher  *Dispatcher
	broadcaster *Broadcaster

	// workers runs one goroutine per connection, bounded by MaxConnections.
	workers *errgroup.Group
	// loops tracks the acceptor, the broadcast scheduler and the HTTP server.
	loops sync.WaitGroup
}

func (r *serverRun) stats() httpapi.Stats {
	b := r.broadcaster.Stats()
	queued, rejected := r.dispatcher.Stats()
	return httpapi.Stats{
		Broadcasts:       b.Ticks,
		Delivered:        b.Delivered,
		Pruned:           b.Pruned,
		CommandsQueued:   queued,
		CommandsRejected: rejected,
	}
}

// New creates a stopped server.
func New(cfg *ServerConfig) *Server {
	if cfg.RateLimitConfig == nil {
		cfg.RateLimitConfig = RateLimitFromConfig(cfg.Config)
	}
	return &Server{
		cfg:    *cfg,
		logger: logging.OrNop(cfg.Logger),
	}
}

// State returns the lifecycle state.
func (s *Server) State() simwatch.State {
	return simwatch.State(s.state.Load())
}

// ClientCount returns the number of OPEN connections.
func (s *Server) ClientCount() int {
	if run := s.run.Load(); run != nil {
		return run.registry.Len()
	}
	return 0
}

// WebSocketAddr returns the bound WebSocket address, or nil when not running.
func (s *Server) WebSocketAddr() net.Addr {
	if run := s.run.Load(); run != nil {
		return run.wsListener.Addr()
	}
	return nil
}

// HTTPAddr returns the bound dashboard address, or nil when it is not served.
func (s *Server) HTTPAddr() net.Addr {
	if run := s.run.Load(); run != nil && run.httpListener != nil {
		return run.httpListener.Addr()
	}
	return nil
}

// Start starts the debug server for host.
func (s *Server) Start(ctx context.Context, host simwatch.Host) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if state := s.State(); state != simwatch.StateStopped {
		s.logger.Warn("debug server start refused", "state", state)
		return simwatch.ErrServerAlreadyRunning
	}

	cfg := s.cfg.Config
	if !cfg.Enabled {
		s.logger.Info("debug server is disabled in config")
		return nil
	}
	if host == nil {
		return simwatch.ErrNoHost
	}
	if err := cfg.Validate(); err != nil {
		s.logger.Error("debug server configuration rejected", "error", err)
		return err
	}

	s.state.Store(int32(simwatch.StateStarting))

	run, err := s.bind(ctx, cfg, host)
	if err != nil {
		s.state.Store(int32(simwatch.StateStopped))
		s.logger.Error("failed to start debug server", "error", err)
		return err
	}

	s.launch(run, cfg)
	s.run.Store(run)
	s.state.Store(int32(simwatch.StateRunning))
	s.logBanner(run, cfg)
	return nil
}

// bind allocates the listeners. On failure nothing stays open.
func (s *Server) bind(ctx context.Context, cfg config.Config, host simwatch.Host) (*serverRun, error) {
	var lc net.ListenConfig

	wsListener, err := lc.Listen(ctx, "tcp", cfg.WebSocketAddr())
	if err != nil {
		return nil, fmt.Errorf("%w: websocket %s: %w", simwatch.ErrBind, cfg.WebSocketAddr(), err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	run := &serverRun{
		ctx:        runCtx,
		cancel:     cancel,
		wsListener: wsListener,
		registry:   NewRegistry(),
		workers:    &errgroup.Group{},
	}
	run.workers.SetLimit(cfg.MaxConnections)
	run.dispatcher = NewDispatcher(host, s.logger)
	run.broadcaster = NewBroadcaster(run.registry, host, s.logger, cfg.BroadcastInterval())

	if cfg.ServeDashboard {
		httpListener, err := lc.Listen(ctx, "tcp", cfg.HTTPAddr())
		if err != nil {
			cancel()
			_ = wsListener.Close()
			return nil, fmt.Errorf("%w: dashboard %s: %w", simwatch.ErrBind, cfg.HTTPAddr(), err)
		}

		opts := httpapi.Options{
			AssetsDir: cfg.AssetsDir,
			Clients:   run.registry.Len,
			Stats:     run.stats,
			Logger:    s.logger,
		}
		if reporter, ok := host.(simwatch.ConfigReporter); ok {
			opts.ConfigSummary = reporter.ConfigSummary
		}

		run.httpListener = httpListener
		run.httpServer = &http.Server{
			Handler:           httpapi.New(opts),
			ReadHeaderTimeout: cfg.HandshakeTimeout,
			WriteTimeout:      cfg.WriteTimeout,
		}
	}
	return run, nil
}

// launch starts the acceptor, the broadcast scheduler and the HTTP server.
func (s *Server) launch(run *serverRun, cfg config.Config) {
	run.loops.Add(1)
	go func() {
		defer run.loops.Done()
		s.acceptLoop(run, cfg)
	}()

	ticks := s.cfg.Ticks
	if ticks == nil {
		run.ticker = time.NewTicker(cfg.BroadcastInterval())
		ticks = run.ticker.C
	}
	run.loops.Add(1)
	go func() {
		defer run.loops.Done()
		run.broadcaster.Run(run.ctx, ticks)
	}()

	if run.httpServer != nil {
		run.loops.Add(1)
		go func() {
			defer run.loops.Done()
			if err := run.httpServer.Serve(run.httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("dashboard server stopped", "error", err)
			}
		}()
	}
}

func (s *Server) logBanner(run *serverRun, cfg config.Config) {
	if run.httpListener != nil {
		s.logger.Info("debug dashboard listening", "addr", run.httpListener.Addr().String(),
			"url", "http://"+run.httpListener.Addr().String())
	}
	s.logger.Info("debug websocket listening", "addr", run.wsListener.Addr().String(),
		"url", "ws://"+run.wsListener.Addr().String(), "interval", cfg.BroadcastInterval())
	if cfg.AllowRemote {
		s.logger.Warn("remote access is enabled, the debug server is reachable from other machines")
	}
}

// Stop stops the debug server. It is a no-op when the server is not running.
func (s *Server) Stop(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	run := s.run.Load()
	if run == nil {
		return nil
	}

	s.state.Store(int32(simwatch.StateStopping))
	run.cancel()

	closed := run.registry.CloseAll(ctx)
	_ = run.wsListener.Close()

	var errs []error
	if run.httpServer != nil {
		if err := run.httpServer.Shutdown(ctx); err != nil {
			_ = run.httpServer.Close()
			errs = append(errs, fmt.Errorf("failed to shut down dashboard: %w", err))
		}
	}
	if run.ticker != nil {
		run.ticker.Stop()
	}

	// The acceptor must be gone before waiting on workers, so no TryGo races Wait.
	done := make(chan struct{})
	go func() {
		run.loops.Wait()
		_ = run.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for connection workers: %w", ctx.Err()))
	}

	s.run.Store(nil)
	s.state.Store(int32(simwatch.StateStopped))
	stats := run.stats()
	s.logger.Info("debug server stopped", "clients", closed,
		"broadcasts", stats.Broadcasts, "delivered", stats.Delivered, "pruned", stats.Pruned,
		"commandsQueued", stats.CommandsQueued, "commandsRejected", stats.CommandsRejected)
	return errors.Join(errs...)
}

func (s *Server) acceptLoop(run *serverRun, cfg config.Config) {
	for {
		conn, err := run.wsListener.Accept()
		if err != nil {
			if run.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("error accepting websocket connection", "error", err)
			select {
			case <-run.ctx.Done():
				return
			case <-time.After(acceptBackoff):
			}
			continue
		}

		accepted := run.workers.TryGo(func() error {
			s.serveConn(run, cfg, conn)
			return nil
		})
		if !accepted {
			s.logger.Warn("connection limit reached, rejecting", "remoteAddr", conn.RemoteAddr().String(),
				"limit", cfg.MaxConnections)
			_ = conn.SetWriteDeadline(time.Now().Add(closeFrameTimeout))
			_ = writeHTTPError(conn, http.StatusServiceUnavailable)
			_ = conn.Close()
		}
	}
}

// serveConn runs one connection from handshake to close on a worker goroutine.
func (s *Server) serveConn(run *serverRun, cfg config.Config, conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
	}

	client := NewClient(conn, ClientConfig{
		ReadTimeout:      cfg.ReadTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
		MaxPayload:       cfg.MaxPayloadBytes,
		RateLimit:        s.cfg.RateLimitConfig,
		Logger:           s.logger,
		OnClose: func(c *Client) {
			run.registry.Remove(c.ID())
			s.logger.Info("websocket client disconnected", "clientId", c.ID(), "remoteAddr", c.RemoteAddr(),
				"voluntary", c.Voluntary(), "clients", run.registry.Len())
			if s.cfg.OnClientDisconnect != nil {
				s.cfg.OnClientDisconnect(c, c.Voluntary())
			}
		},
	})

	// Shutdown closes the socket directly, unblocking a handshake or read in progress.
	stopWatch := context.AfterFunc(run.ctx, func() {
		_ = client.CloseWithCode(context.Background(), simwatch.CloseGoingAway, "server shutting down")
	})
	defer stopWatch()

	if err := client.Handshake(); err != nil {
		s.logger.Warn("websocket handshake failed", "remoteAddr", client.RemoteAddr(), "error", err)
		return
	}

	if err := run.registry.Add(client); err != nil {
		_ = client.CloseWithCode(context.Background(), simwatch.CloseGoingAway, "server shutting down")
		return
	}
	if !client.IsAlive() {
		run.registry.Remove(client.ID())
		return
	}

	s.logger.Info("websocket client connected", "clientId", client.ID(), "remoteAddr", client.RemoteAddr(),
		"clients", run.registry.Len())
	if s.cfg.OnConnect != nil {
		s.cfg.OnConnect(client)
	}

	err := client.ReadLoop(run.ctx, func(c *Client, message string) {
		_ = run.dispatcher.Dispatch(c.ID(), message)
	})
	if err != nil && !errors.Is(err, ErrPeerClosed) && !errors.Is(err, io.EOF) {
		s.logger.Warn("websocket connection failed", "clientId", client.ID(), "error", err)
	}
	client.finish(err)
}
