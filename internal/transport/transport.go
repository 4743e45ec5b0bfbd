// Package transport declares the interfaces this module consumes from its
// environment: the authenticated datagram service discv5 provides, and a
// durable key-value store. Both are external collaborators (§1, §6); this
// package holds only the contracts, never an implementation of discv5
// itself.
package transport

import (
	"context"

	"github.com/hollowline/portal/internal/enr"
)

// Datagram is the authenticated, peer-identified datagram service the
// overlay and uTP layers ride on top of. It corresponds to discv5's
// TALKREQ/TALKRESP primitive: the session handshake, encryption, and NAT
// traversal are handled beneath this interface.
type Datagram interface {
	// SendTalkRequest sends protocol_id||payload to remote and returns the
	// matching TALKRESP payload, or an error (wrapping portalerr kinds)
	// if none arrives before ctx is done.
	SendTalkRequest(ctx context.Context, remote enr.NodeID, protocolID []byte, payload []byte) ([]byte, error)

	// SendTalkResponse replies to an inbound TALKREQ identified by
	// requestID (opaque, as handed to the OnTalkRequest callback).
	SendTalkResponse(remote enr.NodeID, requestID []byte, payload []byte) error

	// OnTalkRequest registers a callback invoked for every inbound TALKREQ
	// matching protocolID. The callback's return value, if non-nil, is
	// sent as the TALKRESP; if it wants to respond asynchronously it
	// should send nil and call SendTalkResponse itself.
	OnTalkRequest(protocolID []byte, handler func(src enr.NodeID, requestID []byte, payload []byte) []byte)

	// LocalNode returns this node's own identity and ENR text.
	LocalNode() enr.Record
}

// KV is the durable key-value store this module persists identity and
// content into. Keys are plain strings chosen by each caller (for example
// "content/" followed by a hex content id, or an identity field name) and
// values are raw bytes; this interface hex-encodes nothing itself. It can
// be swapped for a test double without touching callers.
type KV interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Batch(ops []BatchOp) error
	Size() (int64, error)
	Open() error
	Close() error
}

// BatchOp is one write or delete in a Batch call.
type BatchOp struct {
	Key    string
	Value  []byte // nil means delete
	Delete bool
}
