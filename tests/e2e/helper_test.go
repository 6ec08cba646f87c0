package e2e_test

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/simwatch"
	"github.com/luciancaetano/simwatch/ws"
)

// Helper function to create a WebSocket dialer
func newDialer() *websocket.Dialer {
	return &websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) ws.Config {
	t.Helper()
	cfg := ws.DefaultConfig()
	cfg.Enabled = true
	cfg.HTTPPort = freePort(t)
	cfg.WebSocketPort = freePort(t)
	cfg.ReadTimeout = 100 * time.Millisecond
	return cfg
}

// startServer starts a server whose broadcasts are driven by the returned channel.
func startServer(t *testing.T, cfg ws.Config, host simwatch.Host) (simwatch.DebugServer, chan<- time.Time) {
	t.Helper()

	ticks := make(chan time.Time)
	serverCfg := ws.NewConfig(cfg, nil, nil, nil)
	serverCfg.Ticks = ticks

	server := ws.New(serverCfg)
	require.NoError(t, server.Start(context.Background(), host))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Stop(stopCtx)
	})
	return server, ticks
}

func connect(t *testing.T, server simwatch.DebugServer) *websocket.Conn {
	t.Helper()
	conn, _, err := newDialer().Dial("ws://"+server.WebSocketAddr().String()+"/", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitClients(t *testing.T, server simwatch.DebugServer, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return server.ClientCount() == n }, 5*time.Second, 10*time.Millisecond)
}

// rawUpgrade completes a handshake by hand and returns the socket for raw frames.
func rawUpgrade(t *testing.T, server simwatch.DebugServer) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", server.WebSocketAddr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	_, err = conn.Write([]byte("GET / HTTP/1.1\r\nHost: localhost\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\nSec-WebSocket-Version: 13\r\n\r\n"))
	require.NoError(t, err)

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	require.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", resp.Header.Get("Sec-WebSocket-Accept"))
	return conn, br
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, kind)
	return string(data)
}
