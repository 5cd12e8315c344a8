package sni

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moovy2/snitun/internal/protocol"
)

// buildClientHello assembles a minimal TLS 1.2 ClientHello record carrying
// the given extensions.
func buildClientHello(extensions []byte) []byte {
	body := []byte{
		0x03, 0x03, // client_version
	}
	body = append(body, make([]byte, 32)...) // random
	body = append(body, 0x00)                // session_id length
	body = append(body,
		0x00, 0x04, // cipher_suites length
		0x13, 0x01, 0x13, 0x02,
		0x01, 0x00, // compression_methods
	)
	body = append(body, byte(len(extensions)>>8), byte(len(extensions)))
	body = append(body, extensions...)

	hello := []byte{
		0x01,                                                      // handshake type client_hello
		byte(len(body) >> 16), byte(len(body) >> 8), byte(len(body)), // length
	}
	hello = append(hello, body...)

	record := []byte{
		0x16,       // content type handshake
		0x03, 0x01, // record version
		byte(len(hello) >> 8), byte(len(hello)),
	}
	return append(record, hello...)
}

// sniExtension builds a server_name extension for one hostname.
func sniExtension(hostname string) []byte {
	entry := []byte{0x00} // name_type host_name
	entry = append(entry, byte(len(hostname)>>8), byte(len(hostname)))
	entry = append(entry, hostname...)

	list := []byte{byte(len(entry) >> 8), byte(len(entry))}
	list = append(list, entry...)

	ext := []byte{0x00, 0x00} // extension type server_name
	ext = append(ext, byte(len(list)>>8), byte(len(list)))
	return append(ext, list...)
}

// paddingExtension builds an opaque extension the walk has to skip.
func paddingExtension(size int) []byte {
	ext := []byte{0x00, 0x15, byte(size >> 8), byte(size)}
	return append(ext, make([]byte, size)...)
}

func TestParseHostname(t *testing.T) {
	testCases := []struct {
		name     string
		hello    []byte
		hostname string
	}{
		{
			name:     "only server_name extension",
			hello:    buildClientHello(sniExtension("example.com")),
			hostname: "example.com",
		},
		{
			name:     "server_name after other extensions",
			hello:    buildClientHello(append(paddingExtension(48), sniExtension("sub.example.com")...)),
			hostname: "sub.example.com",
		},
		{
			name:     "mixed-case hostname preserved",
			hello:    buildClientHello(sniExtension("Example.COM")),
			hostname: "Example.COM",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			hostname, err := ParseHostname(tc.hello)
			require.NoError(t, err)
			require.Equal(t, tc.hostname, hostname)
		})
	}
}

func TestParseHostnameIncomplete(t *testing.T) {
	hello := buildClientHello(sniExtension("example.com"))

	for _, cut := range []int{0, 1, 4, 5, len(hello) / 2, len(hello) - 1} {
		_, err := ParseHostname(hello[:cut])
		require.ErrorIs(t, err, protocol.ErrIncomplete, "cut at %d", cut)
	}
}

func TestParseHostnameRejectsNonTLS(t *testing.T) {
	testCases := []struct {
		name string
		buf  []byte
	}{
		{"HTTP request", []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")},
		{"wrong content type", buildAltered(buildClientHello(sniExtension("example.com")), 0, 0x17)},
		{"wrong version", buildAltered(buildClientHello(sniExtension("example.com")), 1, 0x02)},
		{"not a client hello", buildAltered(buildClientHello(sniExtension("example.com")), 5, 0x02)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseHostname(tc.buf)
			require.ErrorIs(t, err, protocol.ErrParseSNI)
		})
	}
}

func TestParseHostnameWithoutSNI(t *testing.T) {
	_, err := ParseHostname(buildClientHello(paddingExtension(16)))
	require.ErrorIs(t, err, protocol.ErrParseSNI)

	_, err = ParseHostname(buildClientHello(nil))
	require.ErrorIs(t, err, protocol.ErrParseSNI)
}

func TestParseHostnameCorruptLengths(t *testing.T) {
	hello := buildClientHello(sniExtension("example.com"))

	// Blow up the extensions block length beyond the record.
	corrupt := make([]byte, len(hello))
	copy(corrupt, hello)
	// extensions length lives right after the fixed ClientHello fields.
	pos := 5 + 4 + 2 + 32 + 1 + 2 + 4 + 2
	corrupt[pos] = 0xff
	_, err := ParseHostname(corrupt)
	require.ErrorIs(t, err, protocol.ErrParseSNI)
}

// buildAltered returns a copy of buf with one byte replaced.
func buildAltered(buf []byte, pos int, value byte) []byte {
	altered := make([]byte, len(buf))
	copy(altered, buf)
	altered[pos] = value
	return altered
}
