// Package heartbeat implements the presence protocol: a 5 byte UDP packet
// carrying the sender's id and a mode byte.
package heartbeat

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PacketSize is the exact length of a discovery packet.
const PacketSize = 5

// Mode is the last byte of a packet.
type Mode byte

const (
	ModeMulticast Mode = 'h'
	ModeDirect    Mode = 'H'
	ModeOffline   Mode = 'o'
)

func (m Mode) String() string {
	switch m {
	case ModeMulticast:
		return "multicast"
	case ModeDirect:
		return "direct"
	case ModeOffline:
		return "offline"
	default:
		return fmt.Sprintf("unknown(%#x)", byte(m))
	}
}

var ErrMalformedPacket = errors.New("malformed discovery packet")

type Packet struct {
	ID   int32
	Mode Mode
}

func (p Packet) Encode() [PacketSize]byte {
	var b [PacketSize]byte
	binary.BigEndian.PutUint32(b[:4], uint32(p.ID))
	b[4] = byte(p.Mode)
	return b
}

// Parse decodes b, which must be exactly one packet with a known mode.
func Parse(b []byte) (Packet, error) {
	if len(b) != PacketSize {
		return Packet{}, fmt.Errorf("%w: length %d", ErrMalformedPacket, len(b))
	}
	p := Packet{
		ID:   int32(binary.BigEndian.Uint32(b[:4])),
		Mode: Mode(b[4]),
	}
	switch p.Mode {
	case ModeMulticast, ModeDirect, ModeOffline:
		return p, nil
	default:
		return Packet{}, fmt.Errorf("%w: mode %#x", ErrMalformedPacket, b[4])
	}
}
