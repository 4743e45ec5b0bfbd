package utp

import (
	"bytes"
	"testing"
)

func TestPacketRoundTrip(t *testing.T) {
	types := []PacketType{TypeData, TypeFin, TypeState, TypeReset, TypeSyn}

	for _, typ := range types {
		for _, withAck := range []bool{false, true} {
			p := Packet{
				Type:          typ,
				ConnID:        0xBEEF,
				TxTimestamp:   123456,
				TimestampDiff: 789,
				WindowSize:    1 << 20,
				SeqNr:         42,
				AckNr:         41,
				Payload:       []byte("hello portal"),
			}
			if withAck {
				ack := SelectiveAck{}
				ack.Set(0)
				ack.Set(5)
				ack.Set(31)
				p.SelectiveAck = &ack
			}

			raw := p.Encode()
			got, err := Decode(raw)
			if err != nil {
				t.Fatalf("type=%v withAck=%v: decode: %v", typ, withAck, err)
			}

			if got.Type != p.Type || got.ConnID != p.ConnID || got.TxTimestamp != p.TxTimestamp ||
				got.TimestampDiff != p.TimestampDiff || got.WindowSize != p.WindowSize ||
				got.SeqNr != p.SeqNr || got.AckNr != p.AckNr {
				t.Fatalf("type=%v withAck=%v: header mismatch: got %+v want %+v", typ, withAck, got, p)
			}
			if !bytes.Equal(got.Payload, p.Payload) {
				t.Fatalf("type=%v withAck=%v: payload mismatch: got %q want %q", typ, withAck, got.Payload, p.Payload)
			}
			if withAck {
				if got.SelectiveAck == nil {
					t.Fatalf("type=%v: expected selective ack", typ)
				}
				if *got.SelectiveAck != *p.SelectiveAck {
					t.Fatalf("type=%v: selective ack mismatch: got %+v want %+v", typ, got.SelectiveAck, p.SelectiveAck)
				}
			} else if got.SelectiveAck != nil {
				t.Fatalf("type=%v: unexpected selective ack", typ)
			}
		}
	}
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	raw := make([]byte, HeaderSize)
	raw[0] = byte(TypeData)<<4 | 0x0f // bogus version
	if _, err := Decode(raw); err == nil {
		t.Fatal("expected error for unknown version")
	}
}

func TestDecodeRejectsTruncatedHeader(t *testing.T) {
	if _, err := Decode(make([]byte, HeaderSize-1)); err == nil {
		t.Fatal("expected error for truncated header")
	}
}

func TestDecodeRejectsUnterminatedExtensionChain(t *testing.T) {
	p := Packet{Type: TypeData, SeqNr: 1, AckNr: 1}
	raw := p.Encode()
	raw[1] = extensionSelectiveAck // claim an extension with no bytes to back it
	if _, err := Decode(raw); err == nil {
		t.Fatal("expected error for truncated extension")
	}
}

func TestDecodeRejectsMultipleExtensions(t *testing.T) {
	p := Packet{Type: TypeData, SeqNr: 1, AckNr: 1}
	raw := p.Encode()
	// Build a header with two chained extensions: selective-ack then a
	// second bogus one.
	buf := append([]byte(nil), raw[:HeaderSize]...)
	buf[1] = extensionSelectiveAck
	buf = append(buf, extensionSelectiveAck+1, 4, 0, 0, 0, 0) // first ext: id=2 next, len 4
	buf = append(buf, extensionNone, 0)                       // second ext terminates chain
	if _, err := Decode(buf); err == nil {
		t.Fatal("expected error for more than one extension")
	}
}
