// Package protocol defines the frame format and the AES-CBC wire codec for
// the multiplexed tunnel.
package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Frame type constants.
const (
	TypeNew    uint8 = 0x01 // Open a channel; payload carries the hostname
	TypeData   uint8 = 0x02 // Opaque TCP bytes for the channel
	TypeClose  uint8 = 0x04 // Half-close the channel from the sender's side
	TypePing   uint8 = 0x08 // Liveness probe; extra carries an 11-byte tag
	TypePause  uint8 = 0x16 // Remote asks the sender to stop writing DATA
	TypeResume uint8 = 0x17 // Remote asks the sender to resume writing DATA
)

const (
	// HeaderSize is the fixed plaintext header size:
	// ID(16) + Type(1) + Length(4) + Extra(11). Two AES blocks, so the
	// encrypted header is also exactly 32 bytes.
	HeaderSize = 32

	// ExtraSize is the type-dependent trailer inside the header.
	ExtraSize = 11

	// MaxFrameSize caps a single frame payload.
	MaxFrameSize = 4 * 1024 * 1024

	// MaxHostnameSize caps the hostname carried by a NEW frame payload.
	MaxHostnameSize = 256

	// PingRequest and PingResponse are the first tag byte of a PING extra.
	PingRequest  uint8 = 0x00
	PingResponse uint8 = 0x01
)

// Message is one decoded tunnel frame.
type Message struct {
	ID      uuid.UUID       // channel the frame belongs to
	Type    uint8           // TypeNew, TypeData, ...
	Extra   [ExtraSize]byte // ping tag, ALPN hint, else zero
	Payload []byte          // only used for TypeNew and TypeData
}

// EncodeHostname builds the NEW frame payload: a 2-byte big-endian length
// prefix followed by the UTF-8 hostname.
func EncodeHostname(hostname string) ([]byte, error) {
	if len(hostname) == 0 || len(hostname) > MaxHostnameSize {
		return nil, fmt.Errorf("%w: hostname of %d bytes", ErrProtocol, len(hostname))
	}
	buf := make([]byte, 2+len(hostname))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(hostname)))
	copy(buf[2:], hostname)
	return buf, nil
}

// DecodeHostname parses a NEW frame payload produced by EncodeHostname.
func DecodeHostname(payload []byte) (string, error) {
	if len(payload) < 2 {
		return "", fmt.Errorf("%w: truncated hostname payload", ErrProtocol)
	}
	size := int(binary.BigEndian.Uint16(payload[0:2]))
	if size == 0 || size > MaxHostnameSize || len(payload) != 2+size {
		return "", fmt.Errorf("%w: invalid hostname length %d", ErrProtocol, size)
	}
	return string(payload[2 : 2+size]), nil
}

// knownType reports whether t is a defined frame type.
func knownType(t uint8) bool {
	switch t {
	case TypeNew, TypeData, TypeClose, TypePing, TypePause, TypeResume:
		return true
	}
	return false
}
