// Package ssz holds the thin SimpleSerialize encode/decode helpers the
// overlay message codec and content-proof validator need (§1): a fixed
// vector of uint16 distances, and an offset-table list of variable-size
// byte strings (ENR texts, content-key batches). It is not a general SSZ
// library — the beacon-side containers stay an external collaborator.
package ssz

import (
	"encoding/binary"
	"fmt"
)

// EncodeUint16List serializes a fixed-size-element vector: SSZ defines no
// extra framing for this case, so it is simply big-endian concatenation.
func EncodeUint16List(vals []uint16) []byte {
	out := make([]byte, len(vals)*2)
	for i, v := range vals {
		binary.BigEndian.PutUint16(out[i*2:], v)
	}
	return out
}

// DecodeUint16List parses a buffer produced by EncodeUint16List.
func DecodeUint16List(buf []byte) ([]uint16, error) {
	if len(buf)%2 != 0 {
		return nil, fmt.Errorf("ssz: uint16 list length %d not a multiple of 2", len(buf))
	}
	out := make([]uint16, len(buf)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(buf[i*2:])
	}
	return out, nil
}

// EncodeVariableList serializes a list of variable-size byte strings
// using SSZ's offset-table convention: a 4-byte little-endian offset per
// item (pointing past the offset table, into the data section) followed
// by the concatenated item bytes.
func EncodeVariableList(items [][]byte) []byte {
	headerSize := 4 * len(items)
	out := make([]byte, headerSize)
	offset := headerSize
	for i, item := range items {
		binary.LittleEndian.PutUint32(out[i*4:], uint32(offset))
		out = append(out, item...)
		offset += len(item)
	}
	return out
}

// DecodeVariableList parses a buffer produced by EncodeVariableList. An
// empty buffer decodes to zero items.
func DecodeVariableList(buf []byte) ([][]byte, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	if len(buf) < 4 {
		return nil, fmt.Errorf("ssz: variable list shorter than one offset")
	}
	first := binary.LittleEndian.Uint32(buf[0:4])
	if first%4 != 0 || int(first) > len(buf) {
		return nil, fmt.Errorf("ssz: invalid first offset %d", first)
	}
	count := int(first) / 4
	offsets := make([]int, count)
	for i := 0; i < count; i++ {
		if i*4+4 > len(buf) {
			return nil, fmt.Errorf("ssz: truncated offset table")
		}
		off := binary.LittleEndian.Uint32(buf[i*4:])
		if int(off) > len(buf) {
			return nil, fmt.Errorf("ssz: offset %d out of range", off)
		}
		offsets[i] = int(off)
	}
	items := make([][]byte, count)
	for i := 0; i < count; i++ {
		end := len(buf)
		if i+1 < count {
			end = offsets[i+1]
		}
		if offsets[i] > end {
			return nil, fmt.Errorf("ssz: decreasing offsets at index %d", i)
		}
		items[i] = append([]byte(nil), buf[offsets[i]:end]...)
	}
	return items, nil
}
