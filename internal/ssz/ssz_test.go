package ssz

import (
	"bytes"
	"testing"
)

func TestUint16ListRoundTrip(t *testing.T) {
	vals := []uint16{0, 1, 255, 4096, 65535}
	buf := EncodeUint16List(vals)
	got, err := DecodeUint16List(buf)
	if err != nil {
		t.Fatalf("DecodeUint16List: %v", err)
	}
	if len(got) != len(vals) {
		t.Fatalf("got %d values, want %d", len(got), len(vals))
	}
	for i := range vals {
		if got[i] != vals[i] {
			t.Fatalf("value %d = %d, want %d", i, got[i], vals[i])
		}
	}
}

func TestVariableListRoundTrip(t *testing.T) {
	items := [][]byte{[]byte("enr:one"), []byte(""), []byte("enr:a-much-longer-record")}
	buf := EncodeVariableList(items)
	got, err := DecodeVariableList(buf)
	if err != nil {
		t.Fatalf("DecodeVariableList: %v", err)
	}
	if len(got) != len(items) {
		t.Fatalf("got %d items, want %d", len(got), len(items))
	}
	for i := range items {
		if !bytes.Equal(got[i], items[i]) {
			t.Fatalf("item %d = %q, want %q", i, got[i], items[i])
		}
	}
}

func TestVariableListEmpty(t *testing.T) {
	got, err := DecodeVariableList(EncodeVariableList(nil))
	if err != nil {
		t.Fatalf("DecodeVariableList: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d items, want 0", len(got))
	}
}
