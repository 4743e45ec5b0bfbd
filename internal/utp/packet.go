// Package utp implements the micro-transport protocol (uTP) carried inside
// discv5 TALKREQ/TALKRESP payloads: packet framing, the per-connection
// state machine, congestion control, and the demultiplexer that fans
// packets out to open connections.
package utp

import (
	"encoding/binary"

	"github.com/hollowline/portal/internal/portalerr"
)

// PacketType is the 4-bit type field of a uTP header.
type PacketType uint8

const (
	TypeData PacketType = iota
	TypeFin
	TypeState
	TypeReset
	TypeSyn
)

func (t PacketType) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeFin:
		return "FIN"
	case TypeState:
		return "STATE"
	case TypeReset:
		return "RESET"
	case TypeSyn:
		return "SYN"
	default:
		return "UNKNOWN"
	}
}

const (
	version = 1

	extensionNone         = 0
	extensionSelectiveAck = 1

	// HeaderSize is the fixed 20-byte uTP header length.
	HeaderSize = 20

	// MSS is the fixed payload size uTP splits content into (§4.B).
	MSS = 512

	// SelectiveAckWindow is the number of seq_nrs beyond ack_nr+1 the
	// selective-ACK bitmap describes.
	SelectiveAckWindow = 32
)

// SelectiveAck is the single permitted extension: a bitmap covering
// seq_nrs ack_nr+2 .. ack_nr+33, bit i set iff that seq_nr was received.
type SelectiveAck struct {
	Bitmap [4]byte
}

// Has reports whether bit i (0-indexed, corresponding to seq_nr
// ack_nr+2+i) is set.
func (s SelectiveAck) Has(i int) bool {
	if i < 0 || i >= SelectiveAckWindow {
		return false
	}
	return s.Bitmap[i/8]&(1<<uint(i%8)) != 0
}

// Set marks bit i as received.
func (s *SelectiveAck) Set(i int) {
	if i < 0 || i >= SelectiveAckWindow {
		return
	}
	s.Bitmap[i/8] |= 1 << uint(i%8)
}

// Packet is a decoded uTP packet.
type Packet struct {
	Type           PacketType
	ConnID         uint16
	TxTimestamp    uint32
	TimestampDiff  uint32
	WindowSize     uint32
	SeqNr          uint16
	AckNr          uint16
	SelectiveAck   *SelectiveAck
	Payload        []byte
}

// Encode serializes p to its wire form, big-endian, matching libutp's
// layout.
func (p Packet) Encode() []byte {
	extByte := byte(extensionNone)
	if p.SelectiveAck != nil {
		extByte = extensionSelectiveAck
	}

	size := HeaderSize
	if p.SelectiveAck != nil {
		size += 2 + len(p.SelectiveAck.Bitmap)
	}
	size += len(p.Payload)

	buf := make([]byte, size)
	buf[0] = byte(p.Type)<<4 | version
	buf[1] = extByte
	binary.BigEndian.PutUint16(buf[2:4], p.ConnID)
	binary.BigEndian.PutUint32(buf[4:8], p.TxTimestamp)
	binary.BigEndian.PutUint32(buf[8:12], p.TimestampDiff)
	binary.BigEndian.PutUint32(buf[12:16], p.WindowSize)
	binary.BigEndian.PutUint16(buf[16:18], p.SeqNr)
	binary.BigEndian.PutUint16(buf[18:20], p.AckNr)

	off := HeaderSize
	if p.SelectiveAck != nil {
		buf[off] = extensionNone // no further extensions
		buf[off+1] = byte(len(p.SelectiveAck.Bitmap))
		copy(buf[off+2:], p.SelectiveAck.Bitmap[:])
		off += 2 + len(p.SelectiveAck.Bitmap)
	}
	copy(buf[off:], p.Payload)
	return buf
}

// Decode parses raw into a Packet, returning a *portalerr.MalformedPacketError
// on unknown version, an unterminated/overlong extension chain, or a
// truncated payload (§4.A).
func Decode(raw []byte) (Packet, error) {
	if len(raw) < HeaderSize {
		return Packet{}, &portalerr.MalformedPacketError{Reason: "shorter than header"}
	}

	verType := raw[0]
	if verType&0x0f != version {
		return Packet{}, &portalerr.MalformedPacketError{Reason: "unknown version"}
	}

	p := Packet{
		Type:          PacketType(verType >> 4),
		ConnID:        binary.BigEndian.Uint16(raw[2:4]),
		TxTimestamp:   binary.BigEndian.Uint32(raw[4:8]),
		TimestampDiff: binary.BigEndian.Uint32(raw[8:12]),
		WindowSize:    binary.BigEndian.Uint32(raw[12:16]),
		SeqNr:         binary.BigEndian.Uint16(raw[16:18]),
		AckNr:         binary.BigEndian.Uint16(raw[18:20]),
	}

	off := HeaderSize
	nextExt := raw[1]
	seenExtension := false
	for nextExt != extensionNone {
		if seenExtension {
			return Packet{}, &portalerr.MalformedPacketError{Reason: "more than one extension in chain"}
		}
		if off+2 > len(raw) {
			return Packet{}, &portalerr.MalformedPacketError{Reason: "truncated extension header"}
		}
		extID := nextExt
		length := int(raw[off+1])
		nextExt = raw[off]
		off += 2
		if off+length > len(raw) {
			return Packet{}, &portalerr.MalformedPacketError{Reason: "truncated extension payload"}
		}
		if extID == extensionSelectiveAck {
			if length != 4 {
				return Packet{}, &portalerr.MalformedPacketError{Reason: "selective-ack extension must be 4 bytes"}
			}
			var ack SelectiveAck
			copy(ack.Bitmap[:], raw[off:off+length])
			p.SelectiveAck = &ack
			seenExtension = true
		}
		// Unknown extension ids are skipped (length lets us do so safely)
		// but still count toward the "single extension" bound above.
		off += length
		if extID != extensionSelectiveAck {
			seenExtension = true
		}
	}

	p.Payload = append([]byte(nil), raw[off:]...)
	return p, nil
}
