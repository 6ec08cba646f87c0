package websocket

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/luciancaetano/simwatch/internal/protocol"
)

// Handshake errors.
var (
	ErrMalformedRequest = errors.New("malformed upgrade request")
	ErrMethodNotAllowed = errors.New("upgrade request must use GET")
	ErrMissingKey       = errors.New("missing Sec-WebSocket-Key header")
)

// HandshakeError is a failed upgrade. Status is the HTTP status to answer with, or
// zero when the failure was an I/O error and nothing can be written back.
type HandshakeError struct {
	Err    error
	Status int
}

func (e *HandshakeError) Error() string {
	return e.Err.Error()
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// Handshake reads an upgrade request from br and answers it with 101 Switching
// Protocols on w. The connection may only be read as frames once Handshake returns
// nil, and it must keep using br since it may already hold frame bytes.
func Handshake(br *bufio.Reader, w io.Writer) (*http.Request, error) {
	req, err := http.ReadRequest(br)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || isTimeout(err) {
			return nil, &HandshakeError{Err: fmt.Errorf("%w: %w", ErrMalformedRequest, err)}
		}
		return nil, &HandshakeError{Err: fmt.Errorf("%w: %w", ErrMalformedRequest, err), Status: http.StatusBadRequest}
	}

	if req.Method != http.MethodGet {
		return nil, &HandshakeError{Err: ErrMethodNotAllowed, Status: http.StatusMethodNotAllowed}
	}

	key := strings.TrimSpace(req.Header.Get("Sec-WebSocket-Key"))
	if key == "" {
		return nil, &HandshakeError{Err: ErrMissingKey, Status: http.StatusBadRequest}
	}

	if _, err := io.WriteString(w, upgradeResponse(protocol.AcceptKey(key))); err != nil {
		return nil, &HandshakeError{Err: fmt.Errorf("failed to write upgrade response: %w", err)}
	}
	return req, nil
}

func upgradeResponse(acceptKey string) string {
	var sb strings.Builder
	sb.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	sb.WriteString("Upgrade: websocket\r\n")
	sb.WriteString("Connection: Upgrade\r\n")
	sb.WriteString("Sec-WebSocket-Accept: " + acceptKey + "\r\n")
	sb.WriteString("\r\n")
	return sb.String()
}

// writeHTTPError answers a rejected upgrade with an empty response.
func writeHTTPError(w io.Writer, status int) error {
	_, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nConnection: close\r\nContent-Length: 0\r\n\r\n",
		status, http.StatusText(status))
	return err
}
