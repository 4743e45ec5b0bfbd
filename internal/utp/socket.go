package utp

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/hollowline/portal/internal/clock"
	"github.com/hollowline/portal/internal/portalerr"
)

// Role fixes whether a socket sinks (READ) or sources (WRITE) content,
// decided once at construction (§4.C).
type Role int

const (
	RoleRead Role = iota
	RoleWrite
)

// State is one of the uTP connection states in §3.
type State int

const (
	StateSynSent State = iota
	StateSynRecv
	StateConnected
	StateGotFin
	StateClosed
	StateReset
)

func (s State) String() string {
	switch s {
	case StateSynSent:
		return "SynSent"
	case StateSynRecv:
		return "SynRecv"
	case StateConnected:
		return "Connected"
	case StateGotFin:
		return "GotFin"
	case StateClosed:
		return "Closed"
	case StateReset:
		return "Reset"
	default:
		return "Unknown"
	}
}

// maxBufferedPackets bounds the READ socket's out-of-order buffer; beyond
// this the socket sends a RESET and moves to Reset (§5 backpressure).
const maxBufferedPackets = 1024

// SendFunc transmits a packet to the peer. Sockets never touch the
// network directly; the multiplexer supplies this as their one link back
// to the datagram service (§9 weak back-reference).
type SendFunc func(Packet)

// CompletionFunc is called exactly once, terminally: with the reassembled
// content on success, or with a non-nil error (wrapping a portalerr kind)
// on RESET/timeout/reassembly failure.
type CompletionFunc func(content []byte, err error)

// Socket is one uTP connection's state machine. All exported methods lock
// internally and may be called from any goroutine, but the multiplexer
// that owns a given connection is expected to serialize its calls to that
// connection's Socket, per §5.
type Socket struct {
	mu sync.Mutex

	role  Role
	state State
	clk   clock.Clock
	send  SendFunc
	onDone CompletionFunc
	doneCalled bool

	rcvConnID uint16
	sndConnID uint16

	congestion *Controller

	// Write side.
	writeData    []byte
	chunkStart   uint16 // seq_nr of chunk 0
	nextChunk    int
	totalChunks  int
	pendingData  map[uint16][]byte
	finSeq       uint16
	finSent      bool
	finAcked     bool

	// Read side.
	ackNr       uint16 // last contiguous seq_nr received (cumulative ack)
	haveAckNr   bool
	recvBuf     map[uint16][]byte
	content     []byte
	gotFin      bool
	finNr       uint16

	retransmitTimer clock.Timer
}

// NewSocket constructs a socket in its pre-SYN state. rcvConnID is this
// side's receive connection id (the multiplexer has already allocated and
// reserved it). sndConnID is derived once the handshake resolves which
// end initiated (§4.A): an initiator computes it itself (rcvConnID+1,
// handleSynSent) since it already knows both ids up front; an acceptor
// takes it from the inbound SYN's own connection id (AcceptInbound).
func NewSocket(role Role, rcvConnID uint16, clk clock.Clock, send SendFunc, onDone CompletionFunc) *Socket {
	return &Socket{
		role:        role,
		state:       StateSynSent,
		clk:         clk,
		send:        send,
		onDone:      onDone,
		rcvConnID:   rcvConnID,
		congestion:  NewController(clk),
		pendingData: make(map[uint16][]byte),
		recvBuf:     make(map[uint16][]byte),
	}
}

// State returns the current connection state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BytesInFlight returns the sum of unacknowledged write-side payload bytes
// currently buffered for retransmission, for the multiplexer's gossip-wide
// bytes-in-flight gauge (§6 metrics).
func (s *Socket) BytesInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, chunk := range s.pendingData {
		n += len(chunk)
	}
	return n
}

// CongestionWindow returns the socket's current congestion window in bytes.
func (s *Socket) CongestionWindow() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.congestion.MaxWindow()
}

// InitiateOutbound sends the opening SYN for an outbound connection
// (FINDCONTENT→uTP redirect, or an ACCEPT initiator's OFFER_WRITE). The
// socket seeds seq_nr=1 as the spec's state table requires.
func (s *Socket) InitiateOutbound(now time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.send(Packet{
		Type:        TypeSyn,
		ConnID:      s.rcvConnID,
		SeqNr:       1,
		AckNr:       0,
		TxTimestamp: s.clk.Now(),
		WindowSize:  uint32(s.congestion.MaxWindow()),
	})
}

// SetWriteData hands a WRITE socket the full payload (or varint-framed
// concatenation of several, for an OFFER/ACCEPT batch) to chunk into
// MSS-sized DATA packets once connected.
func (s *Socket) SetWriteData(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeData = data
	s.totalChunks = (len(data) + MSS - 1) / MSS
	if len(data) == 0 {
		s.totalChunks = 0
	}
}

// Deliver feeds one inbound packet, already demultiplexed to this
// connection, into the state machine.
func (s *Socket) Deliver(p Packet, now time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed || s.state == StateReset {
		return
	}

	if p.Type == TypeReset {
		s.transitionReset(nil)
		return
	}

	switch s.state {
	case StateSynSent:
		s.handleSynSent(p, now)
	case StateSynRecv, StateConnected, StateGotFin:
		s.handleEstablished(p, now)
	}
}

// handleSynSent processes the peer's reply to our own SYN (the STATE
// packet with ack_nr=1, confirming our SYN's seq_nr=1). A WRITE initiator
// starts its data stream at seq_nr=2; a READ initiator's ack_nr is seeded
// lazily by the first inbound DATA packet (handleData).
func (s *Socket) handleSynSent(p Packet, now time.Duration) {
	if p.Type != TypeState {
		return
	}
	// We are the connection's initiator: our own snd_id is always
	// rcv_id+1 (§4.A), independent of whatever connection id the peer's
	// reply carries (the peer always sends with our rcv_id, unchanged).
	s.sndConnID = s.rcvConnID + 1
	s.state = StateConnected
	if s.role == RoleWrite {
		s.chunkStart = 2
		s.sendMoreData(now)
	}
}

// ourSynAckSeq returns the seq_nr this socket committed to in its SYN-ACK,
// for re-acking a duplicate inbound SYN.
func (s *Socket) ourSynAckSeq() uint16 {
	if s.role == RoleRead {
		return 1
	}
	return s.chunkStart
}

// handleEstablished processes packets once the connection is Connected,
// GotFin, or (for the inbound SYN-ACK responder) SynRecv.
func (s *Socket) handleEstablished(p Packet, now time.Duration) {
	switch p.Type {
	case TypeSyn:
		// Duplicate SYN on an already-established connection: re-ack with
		// whatever seq_nr we already committed to, no state change.
		s.ackSynAck(p, s.ourSynAckSeq(), now)
	case TypeData:
		s.handleData(p, now)
	case TypeState:
		s.handleState(p, now)
	case TypeFin:
		s.handleFin(p, now)
	}
}

// AcceptInbound is called by the multiplexer when a fresh SYN opens a new
// connection this socket was pre-registered for: a READ socket servicing
// FINDCONTENT_READ/ACCEPT_READ, or a WRITE socket servicing
// FOUNDCONTENT_WRITE/OFFER_WRITE that the peer connected to first. Per the
// state table's inbound-SYN row, a READ acceptor starts its reader at
// peer.seq+1; a WRITE acceptor picks its own starting seq_nr and reports
// it in the SYN-ACK.
func (s *Socket) AcceptInbound(p Packet, now time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// The peer is this connection's initiator and sent its SYN with its
	// own rcv_id; our snd_id equals that value for the life of the
	// connection (§4.A) — the multiplexer, not this socket, tracks that
	// our own inbound packets arrive on rcv_id+1 from here on.
	s.sndConnID = p.ConnID
	s.state = StateConnected

	if s.role == RoleRead {
		s.ackNr = p.SeqNr
		s.haveAckNr = true
		s.ackSynAck(p, 1, now)
		return
	}

	s.chunkStart = randomStartSeq()
	s.ackSynAck(p, s.chunkStart, now)
	s.sendMoreData(now)
}

// randomStartSeq picks the WRITE acceptor's initial data seq_nr.
func randomStartSeq() uint16 {
	var b [2]byte
	_, _ = rand.Read(b[:])
	v := binary.BigEndian.Uint16(b[:])
	if v == 0 {
		v = 1
	}
	return v
}

func (s *Socket) ackSynAck(p Packet, ourSeqNr uint16, now time.Duration) {
	s.send(Packet{
		Type:          TypeState,
		ConnID:        s.sndConnID,
		SeqNr:         ourSeqNr,
		AckNr:         p.SeqNr,
		TxTimestamp:   s.clk.Now(),
		TimestampDiff: deltaMicros(s.clk.Now(), p.TxTimestamp),
		WindowSize:    uint32(s.congestion.MaxWindow()),
	})
}

func deltaMicros(now, then uint32) uint32 {
	return now - then
}

// handleData implements the READ socket's reassembly rule (P1): in-order
// data advances ack_nr and is appended; out-of-order data is buffered and
// reported via a selective-ack bitmap.
func (s *Socket) handleData(p Packet, now time.Duration) {
	if s.role != RoleRead {
		return
	}
	expected := s.ackNr + 1
	if !s.haveAckNr {
		expected = p.SeqNr // first DATA packet seeds ack_nr.
	}

	if p.SeqNr == expected {
		s.content = append(s.content, p.Payload...)
		s.ackNr = p.SeqNr
		s.haveAckNr = true
		s.drainBufferedInOrder()
	} else if seqGreater(p.SeqNr, expected) {
		if len(s.recvBuf) >= maxBufferedPackets {
			s.send(Packet{Type: TypeReset, ConnID: s.sndConnID, AckNr: s.ackNr, TxTimestamp: s.clk.Now()})
			s.transitionReset(portalerr.ErrReassemblyFailed)
			return
		}
		s.recvBuf[p.SeqNr] = p.Payload
	}
	// seq <= ackNr: duplicate, drop.

	s.sendStateAck(now)
	s.maybeCloseOnFin()
}

func (s *Socket) drainBufferedInOrder() {
	for {
		next := s.ackNr + 1
		payload, ok := s.recvBuf[next]
		if !ok {
			return
		}
		s.content = append(s.content, payload...)
		delete(s.recvBuf, next)
		s.ackNr = next
	}
}

func seqGreater(a, b uint16) bool {
	return int16(a-b) > 0
}

// sendStateAck emits a STATE packet acking s.ackNr, with a selective-ack
// bitmap describing any buffered out-of-order packets (§3 invariant a).
func (s *Socket) sendStateAck(now time.Duration) {
	var sack *SelectiveAck
	if len(s.recvBuf) > 0 {
		var bm SelectiveAck
		for seq := range s.recvBuf {
			if idx := int(seq) - int(s.ackNr) - 2; idx >= 0 && idx < SelectiveAckWindow {
				bm.Set(idx)
			}
		}
		sack = &bm
	}
	s.send(Packet{
		Type:         TypeState,
		ConnID:       s.sndConnID,
		AckNr:        s.ackNr,
		TxTimestamp:  s.clk.Now(),
		WindowSize:   uint32(s.congestion.MaxWindow()),
		SelectiveAck: sack,
	})
}

// handleState processes an incoming STATE (ack) packet on the WRITE side:
// it drives the congestion controller and, if window opened up, sends
// more data (§4.B step 6, §5 backpressure).
func (s *Socket) handleState(p Packet, now time.Duration) {
	if s.role != RoleWrite {
		return
	}
	_, writeReady := s.congestion.OnAck(p.AckNr, p.TimestampDiff, p.SelectiveAck, now)
	s.forgetAcked(p.AckNr, p.SelectiveAck)

	if writeReady {
		s.sendMoreData(now)
	}
	if s.finSent && s.allDataAcked(p.AckNr, p.SelectiveAck) {
		s.finAcked = true
		s.finishWriteSuccess()
	}
}

func (s *Socket) forgetAcked(ackNr uint16, sack *SelectiveAck) {
	for seq := range s.pendingData {
		if seqLE(seq, ackNr) {
			delete(s.pendingData, seq)
			continue
		}
		if sack != nil {
			if idx := int(seq) - int(ackNr) - 2; idx >= 0 && idx < SelectiveAckWindow && sack.Has(idx) {
				delete(s.pendingData, seq)
			}
		}
	}
}

func (s *Socket) allDataAcked(ackNr uint16, sack *SelectiveAck) bool {
	if len(s.pendingData) != 0 {
		return false
	}
	return s.nextChunk >= s.totalChunks
}

// sendMoreData emits DATA packets for as many remaining chunks as the
// congestion window allows (P2, §5 backpressure), then a FIN once every
// chunk has been sent.
func (s *Socket) sendMoreData(now time.Duration) {
	for s.nextChunk < s.totalChunks {
		start := s.nextChunk * MSS
		end := start + MSS
		if end > len(s.writeData) {
			end = len(s.writeData)
		}
		chunk := s.writeData[start:end]
		if !s.congestion.CanSend(len(chunk)) {
			break
		}
		seq := s.chunkStart + uint16(s.nextChunk)
		ts := s.clk.Now()
		s.send(Packet{
			Type:        TypeData,
			ConnID:      s.sndConnID,
			SeqNr:       seq,
			TxTimestamp: ts,
			WindowSize:  uint32(s.congestion.MaxWindow()),
			Payload:     chunk,
		})
		s.pendingData[seq] = chunk
		s.congestion.OnSend(seq, len(chunk), ts, now)
		s.nextChunk++
	}

	if s.nextChunk >= s.totalChunks && !s.finSent {
		s.finSeq = s.chunkStart + uint16(s.totalChunks)
		s.send(Packet{
			Type:        TypeFin,
			ConnID:      s.sndConnID,
			SeqNr:       s.finSeq,
			TxTimestamp: s.clk.Now(),
			WindowSize:  uint32(s.congestion.MaxWindow()),
		})
		s.finSent = true
		if s.totalChunks == 0 {
			// Nothing to ack; a zero-length transfer completes once the
			// FIN itself is acked, handled in handleState via
			// allDataAcked (pendingData and nextChunk are already empty).
		}
	}
}

// handleFin implements the FIN rules of §3/§4.C: a FIN with no gap closes
// immediately and delivers content; a FIN with a gap is recorded and the
// socket waits for the missing DATA (GotFin).
func (s *Socket) handleFin(p Packet, now time.Duration) {
	if s.role != RoleRead {
		return
	}
	if !s.haveAckNr {
		// No DATA preceded the FIN (a zero-length transfer, or a READ
		// initiator that never learned the peer's start seq_nr any other
		// way): treat the FIN's predecessor as the baseline ack_nr.
		s.ackNr = p.SeqNr - 1
		s.haveAckNr = true
	}
	s.gotFin = true
	s.finNr = p.SeqNr
	s.state = StateGotFin
	s.maybeCloseOnFin()
	if s.state != StateClosed {
		s.sendStateAck(now)
	}
}

func (s *Socket) maybeCloseOnFin() {
	if !s.gotFin {
		return
	}
	if !s.haveAckNr || s.ackNr+1 != s.finNr {
		return
	}
	s.state = StateClosed
	s.finishReadSuccess()
}

func (s *Socket) finishReadSuccess() {
	if s.doneCalled {
		return
	}
	s.doneCalled = true
	content := s.content
	go s.onDone(content, nil)
}

func (s *Socket) finishWriteSuccess() {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	if s.doneCalled {
		return
	}
	s.doneCalled = true
	go s.onDone(nil, nil)
}

// transitionReset drops all buffers and fires the terminal callback with
// err (or portalerr.ErrPeerUnreachable if nil is passed, as after an
// explicit RESET packet).
func (s *Socket) transitionReset(err error) {
	if s.state == StateReset || s.state == StateClosed {
		return
	}
	s.state = StateReset
	s.pendingData = nil
	s.recvBuf = nil
	s.content = nil
	if s.doneCalled {
		return
	}
	s.doneCalled = true
	if err == nil {
		err = portalerr.ErrPeerUnreachable
	}
	go s.onDone(nil, err)
}

// Tick drives retransmission timeouts: if called when the RTO has
// elapsed since the oldest outstanding packet, it retransmits that
// packet and applies the congestion penalty, resetting after three
// consecutive timeouts (§4.B).
func (s *Socket) Tick(now time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.role != RoleWrite || s.state == StateClosed || s.state == StateReset {
		return
	}
	if !s.congestion.HasOutstanding() {
		return
	}
	seq, ok := s.congestion.OldestUnacked()
	if !ok {
		return
	}
	payload, ok := s.pendingData[seq]
	if !ok {
		return
	}
	var lastSent time.Duration
	for _, p := range s.congestion.outstanding {
		if p.seqNr == seq && p.sentAt > lastSent {
			lastSent = p.sentAt
		}
	}
	if now-lastSent < s.congestion.RTO() {
		return
	}
	if s.congestion.OnTimeout() {
		s.transitionReset(portalerr.ErrSocketTimeout)
		return
	}
	ts := s.clk.Now()
	s.send(Packet{
		Type:        TypeData,
		ConnID:      s.sndConnID,
		SeqNr:       seq,
		TxTimestamp: ts,
		WindowSize:  uint32(s.congestion.MaxWindow()),
		Payload:     payload,
	})
	s.congestion.OnSend(seq, len(payload), ts, now)
}

// Close forces the socket into Reset without delivering content, firing
// the completion callback with portalerr.ErrSocketTimeout; used by
// the multiplexer's watchdog (§4.D, §9 open question c).
func (s *Socket) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitionReset(portalerr.ErrSocketTimeout)
}

// --- varint length-prefix framing for multi-item (OFFER/ACCEPT) transfers ---

// EncodeFrames concatenates items as repeated (uvarint length, bytes),
// the framing a multi-key uTP transfer uses (§4.C).
func EncodeFrames(items [][]byte) []byte {
	var out []byte
	var lenBuf [binary.MaxVarintLen64]byte
	for _, item := range items {
		n := binary.PutUvarint(lenBuf[:], uint64(len(item)))
		out = append(out, lenBuf[:n]...)
		out = append(out, item...)
	}
	return out
}

// DecodeFrames splits a varint length-prefixed byte stream back into
// items. It is "lazy" in the sense the caller may pass any contiguous
// prefix of the stream; DecodeFrames returns the complete frames found
// and the number of bytes consumed, so a reader can call it repeatedly as
// more bytes arrive.
func DecodeFrames(buf []byte) (items [][]byte, consumed int) {
	off := 0
	for off < len(buf) {
		length, n := binary.Uvarint(buf[off:])
		if n <= 0 {
			break // incomplete varint
		}
		start := off + n
		end := start + int(length)
		if end > len(buf) {
			break // incomplete frame
		}
		items = append(items, buf[start:end])
		off = end
	}
	return items, off
}
