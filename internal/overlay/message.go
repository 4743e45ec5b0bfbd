// Package overlay implements the Portal wire protocol: the selector-
// tagged message codec, the per-protocol-id network base that answers
// PING/FINDNODES/FINDCONTENT/OFFER, and the α-parallel content lookup.
package overlay

import (
	"encoding/binary"

	"github.com/hollowline/portal/internal/portalerr"
	"github.com/hollowline/portal/internal/ssz"
)

// Selector bytes for the eight overlay message kinds (§4.F).
const (
	SelPing        byte = 0x00
	SelPong        byte = 0x01
	SelFindNodes   byte = 0x02
	SelNodes       byte = 0x03
	SelFindContent byte = 0x04
	SelContent     byte = 0x05
	SelOffer       byte = 0x06
	SelAccept      byte = 0x07
)

// Message is the tagged union every overlay wire message implements.
type Message interface {
	Selector() byte
}

// Ping is a liveness probe carrying the sender's radius in CustomPayload.
type Ping struct {
	EnrSeq        uint64
	CustomPayload []byte
}

func (Ping) Selector() byte { return SelPing }

// Pong answers a Ping, echoing the same custom-payload convention.
type Pong struct {
	EnrSeq        uint64
	CustomPayload []byte
}

func (Pong) Selector() byte { return SelPong }

// FindNodes asks for ENRs at the given log-distances from the responder.
type FindNodes struct {
	Distances []uint16
}

func (FindNodes) Selector() byte { return SelFindNodes }

// Nodes answers FindNodes. Total lets a responder split a large answer
// across several NODES messages; Enrs holds this message's share.
type Nodes struct {
	Total uint8
	Enrs  []string
}

func (Nodes) Selector() byte { return SelNodes }

// FindContent asks for the bytes, or routing hints, for Key.
type FindContent struct {
	Key []byte
}

func (FindContent) Selector() byte { return SelFindContent }

// ContentKind discriminates Content's three-way union (§4.F).
type ContentKind byte

const (
	ContentKindConnectionID ContentKind = iota
	ContentKindPayload
	ContentKindEnrs
)

// Content answers FindContent with exactly one of: a uTP connection id to
// pull a large payload over, the content bytes inline, or a closer set of
// ENRs when the responder doesn't have the content.
type Content struct {
	Kind         ContentKind
	ConnectionID uint16
	Payload      []byte
	Enrs         []string
}

func (Content) Selector() byte { return SelContent }

// Offer proposes content keys a peer might want.
type Offer struct {
	Keys [][]byte
}

func (Offer) Selector() byte { return SelOffer }

// Accept answers Offer: Bitmap[i] (as a byte, 0 or 1, one per key for
// simplicity over a packed bitfield) says whether key i is wanted, and
// ConnectionID is where the sender should open its uTP SYN.
type Accept struct {
	ConnectionID uint16
	Bitmap       []byte
}

func (Accept) Selector() byte { return SelAccept }

// EncodeMessage serializes m to its wire form: one selector byte followed
// by the message's SSZ-ish body.
func EncodeMessage(m Message) []byte {
	var body []byte
	switch v := m.(type) {
	case Ping:
		body = encodePingPong(v.EnrSeq, v.CustomPayload)
	case Pong:
		body = encodePingPong(v.EnrSeq, v.CustomPayload)
	case FindNodes:
		body = ssz.EncodeUint16List(v.Distances)
	case Nodes:
		body = encodeNodes(v)
	case FindContent:
		body = v.Key
	case Content:
		body = encodeContent(v)
	case Offer:
		body = ssz.EncodeVariableList(v.Keys)
	case Accept:
		body = encodeAccept(v)
	default:
		panic("overlay: EncodeMessage given an unknown Message implementation")
	}
	out := make([]byte, 1+len(body))
	out[0] = m.Selector()
	copy(out[1:], body)
	return out
}

func encodePingPong(enrSeq uint64, payload []byte) []byte {
	out := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint64(out, enrSeq)
	copy(out[8:], payload)
	return out
}

func encodeNodes(n Nodes) []byte {
	items := make([][]byte, len(n.Enrs))
	for i, e := range n.Enrs {
		items[i] = []byte(e)
	}
	list := ssz.EncodeVariableList(items)
	out := make([]byte, 1+len(list))
	out[0] = n.Total
	copy(out[1:], list)
	return out
}

func encodeContent(c Content) []byte {
	switch c.Kind {
	case ContentKindConnectionID:
		out := make([]byte, 3)
		out[0] = byte(ContentKindConnectionID)
		binary.BigEndian.PutUint16(out[1:], c.ConnectionID)
		return out
	case ContentKindPayload:
		out := make([]byte, 1+len(c.Payload))
		out[0] = byte(ContentKindPayload)
		copy(out[1:], c.Payload)
		return out
	case ContentKindEnrs:
		items := make([][]byte, len(c.Enrs))
		for i, e := range c.Enrs {
			items[i] = []byte(e)
		}
		list := ssz.EncodeVariableList(items)
		out := make([]byte, 1+len(list))
		out[0] = byte(ContentKindEnrs)
		copy(out[1:], list)
		return out
	default:
		panic("overlay: Content has an unknown Kind")
	}
}

func encodeAccept(a Accept) []byte {
	out := make([]byte, 2+len(a.Bitmap))
	binary.BigEndian.PutUint16(out, a.ConnectionID)
	copy(out[2:], a.Bitmap)
	return out
}

// DecodeMessage parses raw into its concrete Message. A selector byte
// outside 0x00-0x07, or a body too short for its selector, returns
// portalerr.ErrProtocolMismatch.
func DecodeMessage(raw []byte) (Message, error) {
	if len(raw) < 1 {
		return nil, portalerr.ErrProtocolMismatch
	}
	body := raw[1:]
	switch raw[0] {
	case SelPing:
		seq, payload, err := decodePingPong(body)
		return Ping{EnrSeq: seq, CustomPayload: payload}, err
	case SelPong:
		seq, payload, err := decodePingPong(body)
		return Pong{EnrSeq: seq, CustomPayload: payload}, err
	case SelFindNodes:
		distances, err := ssz.DecodeUint16List(body)
		if err != nil {
			return nil, portalerr.ErrProtocolMismatch
		}
		return FindNodes{Distances: distances}, nil
	case SelNodes:
		return decodeNodes(body)
	case SelFindContent:
		return FindContent{Key: append([]byte(nil), body...)}, nil
	case SelContent:
		return decodeContent(body)
	case SelOffer:
		keys, err := ssz.DecodeVariableList(body)
		if err != nil {
			return nil, portalerr.ErrProtocolMismatch
		}
		return Offer{Keys: keys}, nil
	case SelAccept:
		return decodeAccept(body)
	default:
		return nil, portalerr.ErrProtocolMismatch
	}
}

func decodePingPong(body []byte) (uint64, []byte, error) {
	if len(body) < 8 {
		return 0, nil, portalerr.ErrProtocolMismatch
	}
	seq := binary.BigEndian.Uint64(body)
	payload := append([]byte(nil), body[8:]...)
	return seq, payload, nil
}

func decodeNodes(body []byte) (Message, error) {
	if len(body) < 1 {
		return nil, portalerr.ErrProtocolMismatch
	}
	total := body[0]
	items, err := ssz.DecodeVariableList(body[1:])
	if err != nil {
		return nil, portalerr.ErrProtocolMismatch
	}
	enrs := make([]string, len(items))
	for i, it := range items {
		enrs[i] = string(it)
	}
	return Nodes{Total: total, Enrs: enrs}, nil
}

func decodeContent(body []byte) (Message, error) {
	if len(body) < 1 {
		return nil, portalerr.ErrProtocolMismatch
	}
	switch ContentKind(body[0]) {
	case ContentKindConnectionID:
		if len(body) != 3 {
			return nil, portalerr.ErrProtocolMismatch
		}
		return Content{Kind: ContentKindConnectionID, ConnectionID: binary.BigEndian.Uint16(body[1:])}, nil
	case ContentKindPayload:
		return Content{Kind: ContentKindPayload, Payload: append([]byte(nil), body[1:]...)}, nil
	case ContentKindEnrs:
		items, err := ssz.DecodeVariableList(body[1:])
		if err != nil {
			return nil, portalerr.ErrProtocolMismatch
		}
		enrs := make([]string, len(items))
		for i, it := range items {
			enrs[i] = string(it)
		}
		return Content{Kind: ContentKindEnrs, Enrs: enrs}, nil
	default:
		return nil, portalerr.ErrProtocolMismatch
	}
}

func decodeAccept(body []byte) (Message, error) {
	if len(body) < 2 {
		return nil, portalerr.ErrProtocolMismatch
	}
	return Accept{
		ConnectionID: binary.BigEndian.Uint16(body),
		Bitmap:       append([]byte(nil), body[2:]...),
	}, nil
}
