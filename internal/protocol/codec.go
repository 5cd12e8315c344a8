package protocol

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"io"
)

// Codec encrypts and decrypts tunnel frames with AES-CBC using the per-peer
// session key/IV. The CBC state chains across frames, so each direction is a
// continuous ciphertext stream: Encode must only be called from the writer
// goroutine and Decode from the reader goroutine.
type Codec struct {
	enc cipher.BlockMode
	dec cipher.BlockMode
}

// NewCodec creates a codec from the 32-byte AES key and 16-byte IV carried by
// the session token. Both tunnel ends derive identical CBC chains from them.
func NewCodec(key, iv []byte) (*Codec, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: AES key must be 32 bytes, got %d", ErrProtocol, len(key))
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: AES IV must be %d bytes, got %d", ErrProtocol, aes.BlockSize, len(iv))
	}

	encBlock, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	decBlock, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	return &Codec{
		enc: cipher.NewCBCEncrypter(encBlock, iv),
		dec: cipher.NewCBCDecrypter(decBlock, iv),
	}, nil
}

// Encode serializes and encrypts a message. The result is the 32-byte header
// ciphertext followed by the PKCS#7-padded payload ciphertext.
func (c *Codec) Encode(msg *Message) ([]byte, error) {
	if !knownType(msg.Type) {
		return nil, fmt.Errorf("%w: unknown frame type 0x%02x", ErrProtocol, msg.Type)
	}
	if len(msg.Payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds frame limit", ErrProtocol, len(msg.Payload))
	}

	padded := pad(msg.Payload)
	buf := make([]byte, HeaderSize+len(padded))

	copy(buf[0:16], msg.ID[:])
	buf[16] = msg.Type
	binary.BigEndian.PutUint32(buf[17:21], uint32(len(msg.Payload)))
	copy(buf[21:HeaderSize], msg.Extra[:])
	copy(buf[HeaderSize:], padded)

	c.enc.CryptBlocks(buf[:HeaderSize], buf[:HeaderSize])
	c.enc.CryptBlocks(buf[HeaderSize:], buf[HeaderSize:])

	return buf, nil
}

// Decode reads and decrypts exactly one message from r. Transport errors are
// returned as-is; malformed frames are reported as ErrProtocol.
func (c *Codec) Decode(r io.Reader) (*Message, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	c.dec.CryptBlocks(header, header)

	msg := &Message{Type: header[16]}
	copy(msg.ID[:], header[0:16])
	copy(msg.Extra[:], header[21:HeaderSize])

	size := binary.BigEndian.Uint32(header[17:21])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrProtocol, size)
	}
	if !knownType(msg.Type) {
		return nil, fmt.Errorf("%w: unknown frame type 0x%02x", ErrProtocol, msg.Type)
	}

	padded := make([]byte, paddedSize(int(size)))
	if _, err := io.ReadFull(r, padded); err != nil {
		return nil, err
	}
	c.dec.CryptBlocks(padded, padded)

	payload, err := unpad(padded, int(size))
	if err != nil {
		return nil, err
	}
	msg.Payload = payload

	return msg, nil
}

// paddedSize returns the PKCS#7 ciphertext size for a payload of n bytes.
// A full padding block is always added, so n=0 still produces one block.
func paddedSize(n int) int {
	return n + aes.BlockSize - n%aes.BlockSize
}

// pad applies PKCS#7 padding up to the AES block size.
func pad(data []byte) []byte {
	padLen := aes.BlockSize - len(data)%aes.BlockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

// unpad verifies the PKCS#7 trailer against the header's length field and
// returns the first size bytes.
func unpad(padded []byte, size int) ([]byte, error) {
	padLen := len(padded) - size
	if padLen < 1 || padLen > aes.BlockSize {
		return nil, fmt.Errorf("%w: invalid padding length %d", ErrProtocol, padLen)
	}
	for _, b := range padded[size:] {
		if b != byte(padLen) {
			return nil, fmt.Errorf("%w: corrupt frame padding", ErrProtocol)
		}
	}
	return padded[:size], nil
}
