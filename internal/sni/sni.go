// Package sni extracts the server_name from the start of a TLS connection.
package sni

import (
	"fmt"

	"github.com/moovy2/snitun/internal/protocol"
)

// MaxHelloSize caps how many bytes the dispatcher buffers while waiting for
// a complete ClientHello.
const MaxHelloSize = 2 * 1024

const (
	recordHeaderSize     = 5
	handshakeHeaderSize  = 4
	contentTypeHandshake = 0x16
	handshakeClientHello = 0x01
	extensionServerName  = 0x0000
	nameTypeHostname     = 0x00
)

// ParseHostname extracts the SNI hostname from buf, which holds the first
// bytes read from an outside connection. It returns ErrIncomplete while the
// record is still truncated (the caller feeds more bytes, bounded by its
// connect timeout) and ErrParseSNI for anything that is not a ClientHello
// carrying a server_name extension.
func ParseHostname(buf []byte) (string, error) {
	if len(buf) < recordHeaderSize {
		return "", protocol.ErrIncomplete
	}
	if buf[0] != contentTypeHandshake || buf[1] != 0x03 {
		return "", fmt.Errorf("%w: not a TLS handshake record", protocol.ErrParseSNI)
	}

	recordLen := int(buf[3])<<8 | int(buf[4])
	if len(buf) < recordHeaderSize+recordLen {
		return "", protocol.ErrIncomplete
	}

	hello := buf[recordHeaderSize : recordHeaderSize+recordLen]
	if len(hello) < handshakeHeaderSize || hello[0] != handshakeClientHello {
		return "", fmt.Errorf("%w: not a ClientHello", protocol.ErrParseSNI)
	}

	// Skip handshake header(4) + version(2) + random(32).
	pos := handshakeHeaderSize + 2 + 32
	if len(hello) < pos+1 {
		return "", fmt.Errorf("%w: truncated ClientHello", protocol.ErrParseSNI)
	}

	// Session id.
	pos += 1 + int(hello[pos])
	// Cipher suites.
	if len(hello) < pos+2 {
		return "", fmt.Errorf("%w: truncated cipher suites", protocol.ErrParseSNI)
	}
	pos += 2 + int(hello[pos])<<8 + int(hello[pos+1])
	// Compression methods.
	if len(hello) < pos+1 {
		return "", fmt.Errorf("%w: truncated compression methods", protocol.ErrParseSNI)
	}
	pos += 1 + int(hello[pos])

	// Extensions block.
	if len(hello) < pos+2 {
		return "", fmt.Errorf("%w: no extensions", protocol.ErrParseSNI)
	}
	extEnd := pos + 2 + int(hello[pos])<<8 + int(hello[pos+1])
	pos += 2
	if len(hello) < extEnd {
		return "", fmt.Errorf("%w: truncated extensions", protocol.ErrParseSNI)
	}

	for pos+4 <= extEnd {
		extType := int(hello[pos])<<8 | int(hello[pos+1])
		extLen := int(hello[pos+2])<<8 | int(hello[pos+3])
		pos += 4
		if pos+extLen > extEnd {
			return "", fmt.Errorf("%w: extension overruns block", protocol.ErrParseSNI)
		}
		if extType == extensionServerName {
			return parseServerName(hello[pos : pos+extLen])
		}
		pos += extLen
	}

	return "", fmt.Errorf("%w: no server_name extension", protocol.ErrParseSNI)
}

// parseServerName walks the server_name extension and returns the first
// host_name entry.
func parseServerName(ext []byte) (string, error) {
	if len(ext) < 2 {
		return "", fmt.Errorf("%w: truncated server_name extension", protocol.ErrParseSNI)
	}
	listEnd := 2 + int(ext[0])<<8 + int(ext[1])
	if listEnd > len(ext) {
		return "", fmt.Errorf("%w: server_name list overruns extension", protocol.ErrParseSNI)
	}

	pos := 2
	for pos+3 <= listEnd {
		nameType := ext[pos]
		nameLen := int(ext[pos+1])<<8 | int(ext[pos+2])
		pos += 3
		if pos+nameLen > listEnd {
			return "", fmt.Errorf("%w: server_name entry overruns list", protocol.ErrParseSNI)
		}
		if nameType == nameTypeHostname {
			if nameLen == 0 {
				return "", fmt.Errorf("%w: empty hostname", protocol.ErrParseSNI)
			}
			return string(ext[pos : pos+nameLen]), nil
		}
		pos += nameLen
	}

	return "", fmt.Errorf("%w: no host_name entry", protocol.ErrParseSNI)
}
