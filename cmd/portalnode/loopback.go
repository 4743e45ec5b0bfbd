package main

import (
	"context"
	"sync"

	"github.com/hollowline/portal/internal/enr"
	"github.com/hollowline/portal/internal/portalerr"
	"github.com/hollowline/portal/internal/transport"
)

// loopbackDatagram is a single-process transport.Datagram: it answers its
// own TALKREQs in-process rather than putting anything on a wire. It lets
// this binary stand up a full node — routing table, content store, uTP
// multiplexer, every overlay network — and prove the wiring holds
// together without a real discv5 session layer, which this module treats
// as an external collaborator (§1) it never implements.
//
// A deployment that actually wants to talk to other Portal nodes replaces
// this with a real transport.Datagram backed by discv5; nothing else in
// BuildNode changes.
type loopbackDatagram struct {
	self enr.Record

	mu       sync.Mutex
	handlers map[string]func(src enr.NodeID, requestID []byte, payload []byte) []byte
}

func newLoopbackDatagram(self enr.Record) *loopbackDatagram {
	return &loopbackDatagram{
		self:     self,
		handlers: make(map[string]func(src enr.NodeID, requestID []byte, payload []byte) []byte),
	}
}

func (l *loopbackDatagram) SendTalkRequest(ctx context.Context, remote enr.NodeID, protocolID []byte, payload []byte) ([]byte, error) {
	if remote != l.self.ID {
		return nil, portalerr.ErrPeerUnreachable
	}
	l.mu.Lock()
	handler := l.handlers[string(protocolID)]
	l.mu.Unlock()
	if handler == nil {
		return nil, portalerr.ErrProtocolMismatch
	}
	return handler(l.self.ID, nil, payload), nil
}

func (l *loopbackDatagram) SendTalkResponse(remote enr.NodeID, requestID []byte, payload []byte) error {
	return nil
}

func (l *loopbackDatagram) OnTalkRequest(protocolID []byte, handler func(src enr.NodeID, requestID []byte, payload []byte) []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[string(protocolID)] = handler
}

func (l *loopbackDatagram) LocalNode() enr.Record {
	return l.self
}

var _ transport.Datagram = (*loopbackDatagram)(nil)
