// Package wire implements the PLG protocol framing used between the
// client interceptor and the relay: a fixed 10-byte header followed by an
// opaque payload.
package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed length of the PLG header in bytes.
const HeaderSize = 10

// Flag bits packed into byte offset 8.
const (
	FlagMultipathDup byte = 1 << 0
	FlagKeepalive    byte = 1 << 1
	FlagControl      byte = 1 << 2
	FlagCompressed   byte = 1 << 3 // reserved, never set by this implementation
)

// PathID identifies which relay path a packet travelled.
const (
	PathPrimary byte = 0
	PathBackup  byte = 1
)

// Packet is a decoded PLG datagram.
type Packet struct {
	SessionToken uint32
	SeqNumber    uint32
	Flags        byte
	PathID       byte
	Payload      []byte
}

// NewData builds a plain data packet for path_id 0 (primary).
func NewData(token, seq uint32, payload []byte) Packet {
	return Packet{SessionToken: token, SeqNumber: seq, Payload: payload}
}

// WithMultipath returns a copy of p flagged as a multipath duplicate on the
// given path id. The sequence number is left unchanged — duplicates must
// carry the identical sequence as the original.
func (p Packet) WithMultipath(pathID byte) Packet {
	p.Flags |= FlagMultipathDup
	p.PathID = pathID
	return p
}

// NewControl builds a control packet carrying a "ip:port" target string.
func NewControl(token, seq uint32, target string) Packet {
	return Packet{SessionToken: token, SeqNumber: seq, Flags: FlagControl, Payload: []byte(target)}
}

// NewKeepalive builds an empty-payload keepalive packet.
func NewKeepalive(token, seq uint32) Packet {
	return Packet{SessionToken: token, SeqNumber: seq, Flags: FlagKeepalive}
}

// IsKeepalive reports whether the keepalive flag bit is set.
func (p Packet) IsKeepalive() bool { return p.Flags&FlagKeepalive != 0 }

// IsControl reports whether the control flag bit is set.
func (p Packet) IsControl() bool { return p.Flags&FlagControl != 0 }

// IsMultipathDup reports whether the multipath-duplicate flag bit is set.
func (p Packet) IsMultipathDup() bool { return p.Flags&FlagMultipathDup != 0 }

// Encode serializes p into its wire representation.
func (p Packet) Encode() []byte {
	buf := make([]byte, HeaderSize+len(p.Payload))
	binary.BigEndian.PutUint32(buf[0:4], p.SessionToken)
	binary.BigEndian.PutUint32(buf[4:8], p.SeqNumber)
	buf[8] = p.Flags
	buf[9] = p.PathID
	copy(buf[HeaderSize:], p.Payload)
	return buf
}

// Parse decodes a PLG packet from data. It returns an error ("no packet")
// when data is shorter than HeaderSize. Unknown flag bits are preserved,
// never rejected, for forward compatibility.
func Parse(data []byte) (Packet, error) {
	if len(data) < HeaderSize {
		return Packet{}, fmt.Errorf("wire: no packet (%d bytes < header size %d)", len(data), HeaderSize)
	}

	return Packet{
		SessionToken: binary.BigEndian.Uint32(data[0:4]),
		SeqNumber:    binary.BigEndian.Uint32(data[4:8]),
		Flags:        data[8],
		PathID:       data[9],
		Payload:      data[HeaderSize:],
	}, nil
}
