package rcon

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/go-restruct/restruct"
)

type PacketType int32

const (
	TypeResponseValue PacketType = 0
	TypeExecCommand   PacketType = 2
	TypeAuthResponse  PacketType = 2
	TypeAuth          PacketType = 3
)

const (
	headerLen = 12
	// Size counts id + type + body + two NUL terminators.
	minPacketSize = 10
	// Servers split responses at 4096 bytes; anything far larger is a framing error.
	maxPacketSize = 1 << 16
	// Minecraft rejects command bodies above this length.
	MaxCommandLen = 1446
)

var (
	ErrPacketSize  = errors.New("rcon packet size out of range")
	ErrBodyTooLong = errors.New("rcon command too long")
)

type header struct {
	Size int32
	ID   int32
	Type int32
}

type Packet struct {
	ID   int32
	Type PacketType
	Body string
}

func (p Packet) String() string {
	return fmt.Sprintf("Packet(id=%d, type=%d, len=%d)", p.ID, p.Type, len(p.Body))
}

// Marshal encodes the packet as size|id|type (little endian int32) followed by the body and two NULs.
func (p Packet) Marshal() ([]byte, error) {
	h := header{
		Size: int32(minPacketSize + len(p.Body)),
		ID:   p.ID,
		Type: int32(p.Type),
	}
	data, err := restruct.Pack(binary.LittleEndian, &h)
	if err != nil {
		return nil, fmt.Errorf("failed to pack header: %w", err)
	}
	data = append(data, p.Body...)
	return append(data, 0, 0), nil
}

// ReadPacket reads one framed packet from r.
func ReadPacket(r io.Reader) (Packet, error) {
	buf := make([]byte, headerLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Packet{}, err
	}
	var h header
	if err := restruct.Unpack(buf, binary.LittleEndian, &h); err != nil {
		return Packet{}, fmt.Errorf("failed to unpack header: %w", err)
	}
	if h.Size < minPacketSize || h.Size > maxPacketSize {
		return Packet{}, fmt.Errorf("%w: %d", ErrPacketSize, h.Size)
	}
	rest := make([]byte, h.Size-8)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Packet{}, err
	}
	return Packet{
		ID:   h.ID,
		Type: PacketType(h.Type),
		Body: string(rest[:len(rest)-2]),
	}, nil
}

// WritePacket encodes p and writes it to w.
func WritePacket(w io.Writer, p Packet) error {
	data, err := p.Marshal()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
