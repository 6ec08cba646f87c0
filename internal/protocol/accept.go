package protocol

import (
	"crypto/sha1"
	"encoding/base64"
)

// acceptGUID is appended to the client key before hashing.
const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// AcceptKey computes the Sec-WebSocket-Accept token for a Sec-WebSocket-Key value.
func AcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + acceptGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}
