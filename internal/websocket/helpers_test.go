package websocket

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/simwatch"
	"github.com/luciancaetano/simwatch/internal/protocol"
)

const sampleKey = "dGhlIHNhbXBsZSBub25jZQ=="

var testMaskKey = [4]byte{0x37, 0xfa, 0x21, 0x3d}

// fakePeer records every frame written to it.
type fakePeer struct {
	id       string
	writeErr error

	mu        sync.Mutex
	frames    [][]byte
	closes    atomic.Int32
	closeCode atomic.Int32
}

func newFakePeer(id string) *fakePeer {
	return &fakePeer{id: id}
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) WriteFrame(frame []byte) error {
	if p.writeErr != nil {
		return p.writeErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, frame)
	return nil
}

func (p *fakePeer) CloseWithCode(_ context.Context, code int, _ string) error {
	p.closes.Add(1)
	p.closeCode.Store(int32(code))
	return nil
}

func (p *fakePeer) Frames() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.frames...)
}

// fakeSource serves a fixed snapshot.
type fakeSource struct {
	unavailable atomic.Bool
	err         error
	payload     []byte
	calls       atomic.Int32
}

func (s *fakeSource) Available() bool { return !s.unavailable.Load() }

func (s *fakeSource) Snapshot(context.Context) ([]byte, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.payload, nil
}

// fakeSink queues tasks instead of running them, like an owning goroutine would.
type fakeSink struct {
	executeErr error
	applyErr   error

	mu      sync.Mutex
	tasks   []func()
	applied []simwatch.Command
}

func (s *fakeSink) Execute(task func()) error {
	if s.executeErr != nil {
		return s.executeErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
	return nil
}

func (s *fakeSink) Apply(cmd simwatch.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, cmd)
	return s.applyErr
}

// RunPending runs the queued tasks and returns how many ran.
func (s *fakeSink) RunPending() int {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = nil
	s.mu.Unlock()

	for _, task := range tasks {
		task()
	}
	return len(tasks)
}

func (s *fakeSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *fakeSink) Applied() []simwatch.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]simwatch.Command(nil), s.applied...)
}

// fakeHost joins fakeSource and fakeSink.
type fakeHost struct {
	*fakeSource
	*fakeSink
}

func newFakeHost(payload string) *fakeHost {
	return &fakeHost{
		fakeSource: &fakeSource{payload: []byte(payload)},
		fakeSink:   &fakeSink{},
	}
}

// pipePeer is the remote end of a net.Pipe acting as a browser.
type pipePeer struct {
	conn net.Conn
	br   *bufio.Reader
}

func upgradeRequest(key string) string {
	req := "GET /ws HTTP/1.1\r\n" +
		"Host: localhost\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n"
	if key != "" {
		req += "Sec-WebSocket-Key: " + key + "\r\n"
	}
	return req + "Sec-WebSocket-Version: 13\r\n\r\n"
}

// newOpenClient returns a client that completed the handshake over an in-memory pipe.
func newOpenClient(t *testing.T, cfg ClientConfig) (*Client, *pipePeer) {
	t.Helper()

	serverConn, peerConn := net.Pipe()
	client := NewClient(serverConn, cfg)
	peer := &pipePeer{conn: peerConn, br: bufio.NewReader(peerConn)}
	t.Cleanup(func() {
		_ = peerConn.Close()
		client.abort()
	})

	errCh := make(chan error, 1)
	go func() { errCh <- client.Handshake() }()

	_, err := peerConn.Write([]byte(upgradeRequest(sampleKey)))
	require.NoError(t, err)

	resp, err := http.ReadResponse(peer.br, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	require.Equal(t, protocol.AcceptKey(sampleKey), resp.Header.Get("Sec-WebSocket-Accept"))

	require.NoError(t, <-errCh)
	require.Equal(t, simwatch.ConnOpen, client.State())
	return client, peer
}

// writeFrame sends a masked frame the way a browser does.
func (p *pipePeer) writeFrame(t *testing.T, f protocol.Frame) {
	t.Helper()
	f.Masked = true
	f.MaskKey = testMaskKey
	data, err := protocol.Encode(f)
	require.NoError(t, err)
	_, err = p.conn.Write(data)
	require.NoError(t, err)
}

func (p *pipePeer) writeText(t *testing.T, text string) {
	t.Helper()
	p.writeFrame(t, protocol.Frame{Fin: true, Opcode: protocol.OpText, Payload: []byte(text)})
}

func (p *pipePeer) readFrame(t *testing.T) protocol.Frame {
	t.Helper()
	f, err := protocol.ReadFrame(p.br, 0)
	require.NoError(t, err)
	return f
}

var errWriteFailed = errors.New("write failed")
