package adb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Command words, little-endian ASCII.
const (
	CmdCNXN uint32 = 0x4e584e43
	CmdAUTH uint32 = 0x48545541
	CmdOPEN uint32 = 0x4e45504f
	CmdOKAY uint32 = 0x59414b4f
	CmdCLSE uint32 = 0x45534c43
	CmdWRTE uint32 = 0x45545257
	CmdSTLS uint32 = 0x534c5453
)

// AUTH message types (arg0).
const (
	AuthToken        uint32 = 1
	AuthSignature    uint32 = 2
	AuthRSAPublicKey uint32 = 3
)

const (
	// ProtocolVersion is sent in CNXN arg0.
	ProtocolVersion uint32 = 0x01000001

	// STLSVersion is sent in STLS arg0.
	STLSVersion uint32 = 0x01000000

	// MaxPayload is the largest payload we advertise and accept.
	MaxPayload = 1 << 20

	// TokenSize is the length of an AUTH challenge.
	TokenSize = 20

	headerSize = 24
)

var ErrBadMessage = errors.New("adb: malformed message")

// Message is one protocol packet.
type Message struct {
	Command uint32
	Arg0    uint32
	Arg1    uint32
	Payload []byte
}

func (m Message) String() string {
	return fmt.Sprintf("%s(%#x, %#x, %d bytes)", CommandName(m.Command), m.Arg0, m.Arg1, len(m.Payload))
}

// CommandName returns the four-letter name of a command word.
func CommandName(cmd uint32) string {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], cmd)
	return string(b[:])
}

func checksum(payload []byte) uint32 {
	var sum uint32
	for _, b := range payload {
		sum += uint32(b)
	}
	return sum
}

// WriteMessage encodes m as a 24-byte header followed by its payload.
func WriteMessage(w io.Writer, m Message) error {
	if len(m.Payload) > MaxPayload {
		return fmt.Errorf("%w: payload %d bytes", ErrBadMessage, len(m.Payload))
	}
	buf := make([]byte, headerSize+len(m.Payload))
	binary.LittleEndian.PutUint32(buf[0:], m.Command)
	binary.LittleEndian.PutUint32(buf[4:], m.Arg0)
	binary.LittleEndian.PutUint32(buf[8:], m.Arg1)
	binary.LittleEndian.PutUint32(buf[12:], uint32(len(m.Payload)))
	binary.LittleEndian.PutUint32(buf[16:], checksum(m.Payload))
	binary.LittleEndian.PutUint32(buf[20:], m.Command^0xffffffff)
	copy(buf[headerSize:], m.Payload)
	_, err := w.Write(buf)
	return err
}

// ReadMessage decodes one message. The payload checksum is not verified;
// current daemons send zero there.
func ReadMessage(r io.Reader) (Message, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Message{}, err
	}
	m := Message{
		Command: binary.LittleEndian.Uint32(header[0:]),
		Arg0:    binary.LittleEndian.Uint32(header[4:]),
		Arg1:    binary.LittleEndian.Uint32(header[8:]),
	}
	length := binary.LittleEndian.Uint32(header[12:])
	magic := binary.LittleEndian.Uint32(header[20:])
	if magic != m.Command^0xffffffff {
		return Message{}, fmt.Errorf("%w: bad magic for %#x", ErrBadMessage, m.Command)
	}
	if length > MaxPayload {
		return Message{}, fmt.Errorf("%w: payload %d bytes", ErrBadMessage, length)
	}
	if length > 0 {
		m.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return Message{}, err
		}
	}
	return m, nil
}
