// Package wire implements the binary framing and AES-CTR stream cipher for
// the UDP audio channel.
//
// Every datagram is nonce(16) ‖ ciphertext. The nonce is derived per packet
// from the session base nonce, the payload length, and a monotonically
// increasing 32-bit sequence counter:
//
//	nonce[0:2]  = base[0:2]
//	nonce[2:4]  = len(payload) as big-endian uint16
//	nonce[4:12] = base[4:12]
//	nonce[12:16] = seq as big-endian uint32
//
// CTR mode provides confidentiality only — there is no authentication tag
// and no replay protection beyond the sequence number. That is the existing
// wire contract with the remote service; adding an AEAD would be a protocol
// version change and is deliberately not done here.
package wire

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
)

// NonceSize is the length of the per-packet nonce prefix.
const NonceSize = 16

// Sentinel errors for per-packet failures. Callers drop the offending packet
// and continue; none of these are fatal to the session.
var (
	// ErrShortPacket reports a datagram too small to carry a nonce.
	ErrShortPacket = errors.New("wire: packet shorter than nonce")

	// ErrEmptyPayload reports a datagram with a nonce but no ciphertext.
	ErrEmptyPayload = errors.New("wire: empty payload")
)

// SessionKeys holds the symmetric key and base nonce received in the server
// hello. Lifetime is one transport session; call [SessionKeys.Destroy] when
// the channel closes.
type SessionKeys struct {
	Key       []byte
	BaseNonce []byte
}

// Destroy zeroes the key material in place.
func (k *SessionKeys) Destroy() {
	for i := range k.Key {
		k.Key[i] = 0
	}
	for i := range k.BaseNonce {
		k.BaseNonce[i] = 0
	}
}

// Codec encrypts and decrypts audio datagrams for one session. It holds no
// sequence state itself — the transport owns the send counter — so a single
// Codec may serve both directions.
//
// Codec methods are safe for concurrent use: the AES block and base nonce
// are read-only after construction.
type Codec struct {
	block cipher.Block
	base  [NonceSize]byte
}

// NewCodec creates a codec from handshake-provided keys. The key must be a
// valid AES key length (16 or 32 bytes) and the base nonce exactly 16 bytes.
func NewCodec(keys SessionKeys) (*Codec, error) {
	if len(keys.BaseNonce) != NonceSize {
		return nil, fmt.Errorf("wire: base nonce is %d bytes, want %d", len(keys.BaseNonce), NonceSize)
	}
	block, err := aes.NewCipher(keys.Key)
	if err != nil {
		return nil, fmt.Errorf("wire: create cipher: %w", err)
	}
	c := &Codec{block: block}
	copy(c.base[:], keys.BaseNonce)
	return c, nil
}

// Nonce builds the per-packet nonce for the given sequence number and payload
// length.
func (c *Codec) Nonce(seq uint32, payloadLen int) [NonceSize]byte {
	var n [NonceSize]byte
	copy(n[:], c.base[:])
	binary.BigEndian.PutUint16(n[2:4], uint16(payloadLen))
	binary.BigEndian.PutUint32(n[12:16], seq)
	return n
}

// Encrypt wraps payload into a wire packet using the per-packet nonce for
// seq. The caller must never reuse a sequence number within a session.
func (c *Codec) Encrypt(seq uint32, payload []byte) []byte {
	nonce := c.Nonce(seq, len(payload))
	packet := make([]byte, NonceSize+len(payload))
	copy(packet, nonce[:])

	stream := cipher.NewCTR(c.block, nonce[:])
	stream.XORKeyStream(packet[NonceSize:], payload)
	return packet
}

// Decrypt splits the nonce prefix off packet and decrypts the remainder.
// Sequence monotonicity is deliberately not enforced here: UDP reorders, and
// the caller consumes whatever decrypts. Malformed packets return an error
// and must simply be dropped.
func (c *Codec) Decrypt(packet []byte) ([]byte, error) {
	if len(packet) < NonceSize {
		return nil, ErrShortPacket
	}
	if len(packet) == NonceSize {
		return nil, ErrEmptyPayload
	}
	payload := make([]byte, len(packet)-NonceSize)
	stream := cipher.NewCTR(c.block, packet[:NonceSize])
	stream.XORKeyStream(payload, packet[NonceSize:])
	return payload, nil
}

// ParseNonce extracts the payload length and sequence fields embedded in a
// packet's nonce, for logging and metrics on the receive path. It does not
// validate them against the ciphertext.
func ParseNonce(packet []byte) (payloadLen uint16, seq uint32, ok bool) {
	if len(packet) < NonceSize {
		return 0, 0, false
	}
	return binary.BigEndian.Uint16(packet[2:4]), binary.BigEndian.Uint32(packet[12:16]), true
}
