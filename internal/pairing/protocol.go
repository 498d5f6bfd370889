package pairing

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Names and labels fixed by the daemon's pairing sub-protocol.
var (
	ClientName  = []byte("adb pair client\x00")
	ServerName  = []byte("adb pair server\x00")
	ExportLabel = "adb-label\x00"
)

const (
	// ExportedKeySize is the amount of TLS keying material mixed into the
	// SPAKE2 password.
	ExportedKeySize = 64

	// MaxPayloadSize bounds a single packet payload.
	MaxPayloadSize = 16384

	packetVersion    = 1
	packetHeaderSize = 6

	cipherInfo    = "adb pairing_auth aes-128-gcm key"
	cipherKeySize = 16
)

// Packet types.
const (
	PacketSpake2Msg byte = 0
	PacketPeerInfo  byte = 1
)

// PeerInfo types.
const (
	PeerRSAPublicKey byte = 0
	PeerDeviceGUID   byte = 1
)

// PeerInfoSize is the fixed encoded size of a PeerInfo record.
const PeerInfoSize = 8192

var (
	ErrBadPacket     = errors.New("pairing: malformed packet")
	ErrDecryptFailed = errors.New("pairing: decrypt failed")
)

// WritePacket frames payload as {version, type, size u32 BE} + payload.
func WritePacket(w io.Writer, typ byte, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: payload %d bytes exceeds %d", ErrBadPacket, len(payload), MaxPayloadSize)
	}
	buf := make([]byte, packetHeaderSize+len(payload))
	buf[0] = packetVersion
	buf[1] = typ
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(payload)))
	copy(buf[packetHeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadPacket reads one framed packet and checks its type.
func ReadPacket(r io.Reader, wantType byte) ([]byte, error) {
	var header [packetHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	if header[0] != packetVersion {
		return nil, fmt.Errorf("%w: version %d", ErrBadPacket, header[0])
	}
	if header[1] != wantType {
		return nil, fmt.Errorf("%w: type %d, want %d", ErrBadPacket, header[1], wantType)
	}
	size := binary.BigEndian.Uint32(header[2:6])
	if size == 0 || size > MaxPayloadSize {
		return nil, fmt.Errorf("%w: size %d", ErrBadPacket, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Cipher is the AES-128-GCM channel keyed from the SPAKE2 result. Each
// direction keeps its own sequence number, used as the nonce.
type Cipher struct {
	aead   cipher.AEAD
	encSeq uint64
	decSeq uint64
}

// NewCipher derives the channel key from a SPAKE2 key.
func NewCipher(spakeKey []byte) (*Cipher, error) {
	key := make([]byte, cipherKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, spakeKey, nil, []byte(cipherInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext with the next outgoing nonce.
func (c *Cipher) Encrypt(plaintext []byte) []byte {
	nonce := sequenceNonce(c.encSeq, c.aead.NonceSize())
	c.encSeq++
	return c.aead.Seal(nil, nonce, plaintext, nil)
}

// Decrypt opens ciphertext with the next incoming nonce.
func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	nonce := sequenceNonce(c.decSeq, c.aead.NonceSize())
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	c.decSeq++
	return plaintext, nil
}

func sequenceNonce(seq uint64, size int) []byte {
	nonce := make([]byte, size)
	binary.LittleEndian.PutUint64(nonce, seq)
	return nonce
}

// PeerInfo identifies one side of a pairing to the other.
type PeerInfo struct {
	Type byte
	Data []byte
}

// Marshal encodes p into the fixed-size record, NUL-padding Data.
func (p PeerInfo) Marshal() ([]byte, error) {
	if len(p.Data) > PeerInfoSize-1 {
		return nil, fmt.Errorf("peer info data %d bytes exceeds %d", len(p.Data), PeerInfoSize-1)
	}
	buf := make([]byte, PeerInfoSize)
	buf[0] = p.Type
	copy(buf[1:], p.Data)
	return buf, nil
}

// UnmarshalPeerInfo decodes a fixed-size record. Data is cut at the first NUL.
func UnmarshalPeerInfo(b []byte) (PeerInfo, error) {
	if len(b) != PeerInfoSize {
		return PeerInfo{}, fmt.Errorf("%w: peer info size %d", ErrBadPacket, len(b))
	}
	data := b[1:]
	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}
	return PeerInfo{Type: b[0], Data: append([]byte(nil), data...)}, nil
}

// password builds the SPAKE2 password from the pairing code and the TLS
// exported keying material, binding the exchange to this TLS connection.
func password(code string, exported []byte) []byte {
	pw := make([]byte, 0, len(code)+len(exported))
	pw = append(pw, code...)
	return append(pw, exported...)
}
