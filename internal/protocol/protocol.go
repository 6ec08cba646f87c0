package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Opcode identifies a frame's purpose.
type Opcode byte

// Frame opcodes.
const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// IsControl reports whether o is a control opcode.
func (o Opcode) IsControl() bool {
	return o&0x8 != 0
}

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return fmt.Sprintf("opcode(0x%X)", byte(o))
	}
}

const (
	finBit      = 0x80
	rsvBits     = 0x70
	opcodeBits  = 0x0F
	maskBit     = 0x80
	lengthBits  = 0x7F
	length16    = 126
	length64    = 127
	maskKeySize = 4

	// MaxSmallLength is the largest length carried in the 7-bit length field.
	MaxSmallLength = 125
	// MaxExtended16Length is the largest length carried in the 16-bit extension.
	MaxExtended16Length = 0xFFFF
	// MaxControlPayload is the largest payload a control frame may carry.
	MaxControlPayload = 125
	// DefaultMaxPayloadSize bounds inbound payloads when no limit is given.
	DefaultMaxPayloadSize = 10 * 1024 * 1024 // 10MB
)

// LengthTier is the payload length encoding chosen for a frame.
type LengthTier int

const (
	// TierSmall carries the length in the low 7 bits of the second header byte.
	TierSmall LengthTier = iota
	// TierExtended16 uses marker 126 followed by a 2-byte big-endian length.
	TierExtended16
	// TierExtended64 uses marker 127 followed by an 8-byte big-endian length.
	TierExtended64
)

// TierFor returns the length tier used to encode a payload of n bytes.
func TierFor(n int) LengthTier {
	switch {
	case n <= MaxSmallLength:
		return TierSmall
	case n <= MaxExtended16Length:
		return TierExtended16
	default:
		return TierExtended64
	}
}

// ExtensionSize returns the number of length bytes following the second header byte.
func (t LengthTier) ExtensionSize() int {
	switch t {
	case TierExtended16:
		return 2
	case TierExtended64:
		return 8
	default:
		return 0
	}
}

// Decode errors. All of them are fatal for the connection being read.
var (
	ErrTruncatedFrame   = errors.New("frame truncated")
	ErrMalformedLength  = errors.New("malformed length field")
	ErrPayloadTooLarge  = errors.New("payload too large")
	ErrMalformedControl = errors.New("malformed control frame")
	ErrReservedBits     = errors.New("reserved bits set")
)

// Frame is one unit of the wire protocol.
type Frame struct {
	Fin     bool
	Opcode  Opcode
	Masked  bool
	MaskKey [4]byte
	Payload []byte
}

// Encode serializes f. When f.Masked is set the payload is masked with f.MaskKey in
// the output; f.Payload itself is left untouched.
func Encode(f Frame) ([]byte, error) {
	n := len(f.Payload)
	if f.Opcode.IsControl() {
		if n > MaxControlPayload {
			return nil, fmt.Errorf("%w: %s payload is %d bytes", ErrMalformedControl, f.Opcode, n)
		}
		if !f.Fin {
			return nil, fmt.Errorf("%w: %s frame cannot be fragmented", ErrMalformedControl, f.Opcode)
		}
	}

	tier := TierFor(n)
	size := 2 + tier.ExtensionSize() + n
	if f.Masked {
		size += maskKeySize
	}
	out := make([]byte, size)

	out[0] = byte(f.Opcode) & opcodeBits
	if f.Fin {
		out[0] |= finBit
	}
	if f.Masked {
		out[1] = maskBit
	}

	pos := 2
	switch tier {
	case TierSmall:
		out[1] |= byte(n)
	case TierExtended16:
		out[1] |= length16
		binary.BigEndian.PutUint16(out[pos:], uint16(n))
		pos += 2
	case TierExtended64:
		out[1] |= length64
		binary.BigEndian.PutUint64(out[pos:], uint64(n))
		pos += 8
	}

	if f.Masked {
		copy(out[pos:], f.MaskKey[:])
		pos += maskKeySize
	}
	copy(out[pos:], f.Payload)
	if f.Masked {
		Mask(out[pos:], f.MaskKey)
	}
	return out, nil
}

// EncodeText builds an unmasked final text frame. Server frames are never masked.
func EncodeText(payload []byte) ([]byte, error) {
	return Encode(Frame{Fin: true, Opcode: OpText, Payload: payload})
}

// EncodeControl builds an unmasked control frame.
func EncodeControl(op Opcode, payload []byte) ([]byte, error) {
	if !op.IsControl() {
		return nil, fmt.Errorf("%w: %s is not a control opcode", ErrMalformedControl, op)
	}
	return Encode(Frame{Fin: true, Opcode: op, Payload: payload})
}

// EncodeClose builds a close frame carrying a status code and reason. Reasons are
// truncated so the payload fits a control frame.
func EncodeClose(code int, reason string) ([]byte, error) {
	if len(reason) > MaxControlPayload-2 {
		reason = reason[:MaxControlPayload-2]
	}
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload, uint16(code))
	copy(payload[2:], reason)
	return EncodeControl(OpClose, payload)
}

// Mask XORs payload in place with key. Applying it twice restores the input.
func Mask(payload []byte, key [4]byte) {
	for i := range payload {
		payload[i] ^= key[i%4]
	}
}

// ReadFrame reads one frame from r and returns it with its payload unmasked.
//
// io.EOF is returned only when the stream ends before the first header byte, which
// signals that the peer went away. A stream ending anywhere later yields
// ErrTruncatedFrame. maxPayload bounds the accepted payload length; zero means
// DefaultMaxPayloadSize.
func ReadFrame(r io.Reader, maxPayload uint64) (Frame, error) {
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayloadSize
	}

	var header [2]byte
	if _, err := io.ReadFull(r, header[:1]); err != nil {
		return Frame{}, err
	}
	if err := readFull(r, header[1:]); err != nil {
		return Frame{}, err
	}

	f := Frame{
		Fin:    header[0]&finBit != 0,
		Opcode: Opcode(header[0] & opcodeBits),
		Masked: header[1]&maskBit != 0,
	}
	if header[0]&rsvBits != 0 {
		return Frame{}, fmt.Errorf("%w: 0x%02X", ErrReservedBits, header[0]&rsvBits)
	}

	length := uint64(header[1] & lengthBits)
	switch length {
	case length16:
		var ext [2]byte
		if err := readFull(r, ext[:]); err != nil {
			return Frame{}, err
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case length64:
		var ext [8]byte
		if err := readFull(r, ext[:]); err != nil {
			return Frame{}, err
		}
		length = binary.BigEndian.Uint64(ext[:])
		if length>>63 != 0 {
			return Frame{}, fmt.Errorf("%w: most significant bit set", ErrMalformedLength)
		}
	}

	if f.Opcode.IsControl() && (length > MaxControlPayload || !f.Fin) {
		return Frame{}, fmt.Errorf("%w: %s frame fin=%t length=%d", ErrMalformedControl, f.Opcode, f.Fin, length)
	}
	if length > maxPayload {
		return Frame{}, fmt.Errorf("%w: %d exceeds maximum %d bytes", ErrPayloadTooLarge, length, maxPayload)
	}

	if f.Masked {
		if err := readFull(r, f.MaskKey[:]); err != nil {
			return Frame{}, err
		}
	}

	f.Payload = make([]byte, length)
	if err := readFull(r, f.Payload); err != nil {
		return Frame{}, err
	}
	if f.Masked {
		Mask(f.Payload, f.MaskKey)
	}
	return f, nil
}

// readFull reads len(buf) bytes, mapping a premature end of stream to ErrTruncatedFrame.
func readFull(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: %v", ErrTruncatedFrame, io.ErrUnexpectedEOF)
		}
		return err
	}
	return nil
}
