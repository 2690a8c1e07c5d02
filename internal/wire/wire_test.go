package wire

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func testKeys() SessionKeys {
	return SessionKeys{
		Key:       bytes.Repeat([]byte{0x42}, 16),
		BaseNonce: []byte{0x01, 0x02, 0, 0, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0, 0, 0, 0},
	}
}

func TestNewCodec_RejectsBadKeyMaterial(t *testing.T) {
	if _, err := NewCodec(SessionKeys{Key: make([]byte, 15), BaseNonce: make([]byte, 16)}); err == nil {
		t.Error("15-byte key accepted")
	}
	if _, err := NewCodec(SessionKeys{Key: make([]byte, 16), BaseNonce: make([]byte, 12)}); err == nil {
		t.Error("12-byte base nonce accepted")
	}
	if _, err := NewCodec(SessionKeys{Key: make([]byte, 32), BaseNonce: make([]byte, 16)}); err != nil {
		t.Errorf("AES-256 key rejected: %v", err)
	}
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	c, err := NewCodec(testKeys())
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	payload := []byte("opus frame payload")
	for _, seq := range []uint32{0, 1, 77, 1 << 20, 0xffffffff} {
		packet := c.Encrypt(seq, payload)
		if len(packet) != NonceSize+len(payload) {
			t.Fatalf("seq %d: packet length %d, want %d", seq, len(packet), NonceSize+len(payload))
		}
		got, err := c.Decrypt(packet)
		if err != nil {
			t.Fatalf("seq %d: decrypt: %v", seq, err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("seq %d: round trip mismatch", seq)
		}
	}
}

func TestNonceLayout(t *testing.T) {
	c, err := NewCodec(testKeys())
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	n := c.Nonce(0xdeadbeef, 300)

	if n[0] != 0x01 || n[1] != 0x02 {
		t.Errorf("nonce[0:2] = %x, want 0102", n[0:2])
	}
	if got := binary.BigEndian.Uint16(n[2:4]); got != 300 {
		t.Errorf("payload length field = %d, want 300", got)
	}
	if !bytes.Equal(n[4:12], []byte{0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c}) {
		t.Errorf("nonce[4:12] = %x, want base[4:12]", n[4:12])
	}
	if got := binary.BigEndian.Uint32(n[12:16]); got != 0xdeadbeef {
		t.Errorf("sequence field = %x, want deadbeef", got)
	}
}

// Distinct sequence numbers must produce distinct keystreams.
func TestEncrypt_SequenceChangesCiphertext(t *testing.T) {
	c, err := NewCodec(testKeys())
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	payload := bytes.Repeat([]byte{0xAA}, 64)
	a := c.Encrypt(1, payload)
	b := c.Encrypt(2, payload)
	if bytes.Equal(a[NonceSize:], b[NonceSize:]) {
		t.Fatal("ciphertexts identical across sequence numbers")
	}
}

func TestDecrypt_MalformedPackets(t *testing.T) {
	c, err := NewCodec(testKeys())
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	if _, err := c.Decrypt(make([]byte, 7)); err != ErrShortPacket {
		t.Errorf("short packet: err = %v, want ErrShortPacket", err)
	}
	if _, err := c.Decrypt(make([]byte, NonceSize)); err != ErrEmptyPayload {
		t.Errorf("nonce-only packet: err = %v, want ErrEmptyPayload", err)
	}
}

// Packets may arrive out of order over UDP; decrypt must not care.
func TestDecrypt_OutOfOrder(t *testing.T) {
	c, err := NewCodec(testKeys())
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	p1 := c.Encrypt(10, []byte("first"))
	p2 := c.Encrypt(11, []byte("second"))

	got2, err := c.Decrypt(p2)
	if err != nil {
		t.Fatalf("decrypt p2: %v", err)
	}
	got1, err := c.Decrypt(p1)
	if err != nil {
		t.Fatalf("decrypt p1: %v", err)
	}
	if string(got1) != "first" || string(got2) != "second" {
		t.Fatal("out-of-order round trip mismatch")
	}
}

func TestParseNonce(t *testing.T) {
	c, err := NewCodec(testKeys())
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	packet := c.Encrypt(99, make([]byte, 57))
	plen, seq, ok := ParseNonce(packet)
	if !ok {
		t.Fatal("ParseNonce failed on valid packet")
	}
	if plen != 57 || seq != 99 {
		t.Errorf("ParseNonce = (%d, %d), want (57, 99)", plen, seq)
	}
	if _, _, ok := ParseNonce(make([]byte, 3)); ok {
		t.Error("ParseNonce accepted a truncated packet")
	}
}

func TestSessionKeys_Destroy(t *testing.T) {
	keys := testKeys()
	keys.Destroy()
	for i, b := range keys.Key {
		if b != 0 {
			t.Fatalf("key byte %d not zeroed", i)
		}
	}
	for i, b := range keys.BaseNonce {
		if b != 0 {
			t.Fatalf("nonce byte %d not zeroed", i)
		}
	}
}
