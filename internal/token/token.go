// Package token implements the Fernet session tokens exchanged during the
// tunnel handshake.
//
// Token plaintext layout, all integers big-endian:
//
//	challenge(32) || identity(32) || valid_until(8, unix seconds) ||
//	aes_key(32) || aes_iv(16) || hostname_count(1) || [len(1)||hostname]*
package token

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"

	"github.com/moovy2/snitun/internal/protocol"
)

const (
	// ChallengeSize is the per-connection random challenge bound into the
	// token so a captured token cannot be replayed on a new connection.
	ChallengeSize = 32

	// IdentitySize is the opaque client identity carried by the token.
	IdentitySize = 32

	// MaxTokenSize caps the wire size of an encoded token.
	MaxTokenSize = 4 * 1024

	fixedSize = ChallengeSize + IdentitySize + 8 + 32 + 16 + 1
)

// Session is the decoded token plaintext.
type Session struct {
	Challenge  [ChallengeSize]byte
	Identity   [IdentitySize]byte
	ValidUntil time.Time
	AESKey     [32]byte
	AESIV      [16]byte
	Hostnames  []string
}

// Expired reports whether the session is no longer acceptable at now.
// A ValidUntil equal to now already rejects.
func (s *Session) Expired(now time.Time) bool {
	return !s.ValidUntil.After(now)
}

// Marshal serializes the session plaintext.
func (s *Session) Marshal() ([]byte, error) {
	if len(s.Hostnames) == 0 || len(s.Hostnames) > 255 {
		return nil, fmt.Errorf("%w: token needs 1..255 hostnames, got %d", protocol.ErrAuthentication, len(s.Hostnames))
	}

	buf := make([]byte, 0, fixedSize+len(s.Hostnames)*32)
	buf = append(buf, s.Challenge[:]...)
	buf = append(buf, s.Identity[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(s.ValidUntil.Unix()))
	buf = append(buf, s.AESKey[:]...)
	buf = append(buf, s.AESIV[:]...)
	buf = append(buf, byte(len(s.Hostnames)))
	for _, hostname := range s.Hostnames {
		if len(hostname) == 0 || len(hostname) > 255 {
			return nil, fmt.Errorf("%w: hostname of %d bytes", protocol.ErrAuthentication, len(hostname))
		}
		buf = append(buf, byte(len(hostname)))
		buf = append(buf, hostname...)
	}
	return buf, nil
}

// Unmarshal parses a session plaintext.
func Unmarshal(data []byte) (*Session, error) {
	if len(data) < fixedSize {
		return nil, fmt.Errorf("%w: token plaintext too short", protocol.ErrAuthentication)
	}

	s := &Session{}
	pos := 0
	pos += copy(s.Challenge[:], data[pos:])
	pos += copy(s.Identity[:], data[pos:])
	s.ValidUntil = time.Unix(int64(binary.BigEndian.Uint64(data[pos:pos+8])), 0)
	pos += 8
	pos += copy(s.AESKey[:], data[pos:])
	pos += copy(s.AESIV[:], data[pos:])

	count := int(data[pos])
	pos++
	if count == 0 {
		return nil, fmt.Errorf("%w: token carries no hostnames", protocol.ErrAuthentication)
	}
	for i := 0; i < count; i++ {
		if pos >= len(data) {
			return nil, fmt.Errorf("%w: truncated hostname list", protocol.ErrAuthentication)
		}
		size := int(data[pos])
		pos++
		if size == 0 || pos+size > len(data) {
			return nil, fmt.Errorf("%w: invalid hostname entry", protocol.ErrAuthentication)
		}
		s.Hostnames = append(s.Hostnames, string(data[pos:pos+size]))
		pos += size
	}
	if pos != len(data) {
		return nil, fmt.Errorf("%w: trailing bytes in token plaintext", protocol.ErrAuthentication)
	}

	return s, nil
}

// Mint encrypts and signs the session with the given Fernet key.
func Mint(key *fernet.Key, s *Session) ([]byte, error) {
	plaintext, err := s.Marshal()
	if err != nil {
		return nil, err
	}
	tok, err := fernet.EncryptAndSign(plaintext, key)
	if err != nil {
		return nil, err
	}
	if len(tok) > MaxTokenSize {
		return nil, fmt.Errorf("%w: token of %d bytes exceeds wire limit", protocol.ErrAuthentication, len(tok))
	}
	return tok, nil
}

// Verify checks the Fernet signature and timestamp against every accepted
// key and decodes the plaintext. ttl bounds the token's Fernet age; the
// embedded ValidUntil is checked separately by the handshake.
func Verify(keys []*fernet.Key, tok []byte, ttl time.Duration) (*Session, error) {
	plaintext := fernet.VerifyAndDecrypt(tok, ttl, keys)
	if plaintext == nil {
		return nil, fmt.Errorf("%w: bad token signature or timestamp", protocol.ErrAuthentication)
	}
	return Unmarshal(plaintext)
}
