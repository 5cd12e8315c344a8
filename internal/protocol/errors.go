package protocol

import "errors"

// Sentinel errors shared across the tunnel packages.
var (
	// ErrProtocol marks a frame invariant violation. Fatal to the peer
	// session that produced it.
	ErrProtocol = errors.New("protocol violation")

	// ErrMultiplexerTransport marks a lost transport. Surfaced to every
	// in-flight channel operation of the affected multiplexer.
	ErrMultiplexerTransport = errors.New("multiplexer transport lost")

	// ErrChannelClosed is returned for I/O on a locally closed channel.
	ErrChannelClosed = errors.New("channel closed")

	// ErrAuthentication marks an invalid or expired session token. The
	// server drops the socket without a reply.
	ErrAuthentication = errors.New("authentication failed")

	// ErrParseSNI marks a buffer that is not a ClientHello or carries no
	// usable server_name extension.
	ErrParseSNI = errors.New("unable to parse SNI")

	// ErrIncomplete signals that more bytes are needed before the TLS
	// record can be judged. Callers keep reading until their deadline.
	ErrIncomplete = errors.New("incomplete TLS record")
)
