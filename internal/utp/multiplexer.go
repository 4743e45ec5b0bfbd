package utp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hollowline/portal/internal/clock"
	"github.com/hollowline/portal/internal/enr"
	"github.com/hollowline/portal/internal/metrics"
	"github.com/hollowline/portal/internal/portalerr"
)

// Direction names one of the four content-transfer roles a ContentRequest
// can take (§3 data model).
type Direction int

const (
	// DirFoundContentWrite: we hold the content a peer FINDCONTENT'd and
	// are pushing it to them.
	DirFoundContentWrite Direction = iota
	// DirFindContentRead: we issued FINDCONTENT and are pulling the
	// content back from the peer that holds it.
	DirFindContentRead
	// DirOfferWrite: we OFFERed keys the peer ACCEPTed and are pushing
	// them.
	DirOfferWrite
	// DirAcceptRead: we ACCEPTed keys a peer OFFERed and are pulling them.
	DirAcceptRead
)

func (d Direction) role() Role {
	switch d {
	case DirFoundContentWrite, DirOfferWrite:
		return RoleWrite
	default:
		return RoleRead
	}
}

func (d Direction) initiates() bool {
	// FOUNDCONTENT_WRITE's peer (FINDCONTENT_READ) is the one that
	// already knows the connection id and opens the SYN; OFFER_WRITE is
	// the side that opens the SYN once its ACCEPT comes back. See
	// SPEC_FULL.md component D / go-ethereum's portal_protocol uTP
	// wiring in the example pack for the equivalent direction split.
	return d == DirFindContentRead || d == DirOfferWrite
}

// SocketKey uniquely identifies an open uTP flow: the peer and the
// connection id it is addressed with (§3, §4.D).
type SocketKey struct {
	Peer   enr.NodeID
	ConnID uint16
}

// ContentRequest is one open uTP transfer, tracked by the multiplexer
// (§3 data model).
type ContentRequest struct {
	ID        string
	Direction Direction
	NetworkID string
	Peer      enr.NodeID
	ConnID    uint16
	Keys      [][]byte
	Socket    *Socket

	openedAt time.Duration

	// routingKey is the SocketKey this request is currently filed under
	// in m.open/m.deadlines, guarded by Multiplexer.mu. It starts equal
	// to {Peer, ConnID} and is rewritten once, to {Peer, ConnID+1}, when
	// an ExpectInbound request's SYN arrives (§4.A connection-id
	// derivation): every packet the connection's initiator sends after
	// its SYN carries its snd_id (rcv_id+1), not the SYN's literal id.
	routingKey SocketKey
}

// SendPacket transmits a raw uTP packet to a peer over the datagram
// service. The multiplexer never constructs TALKREQ/TALKRESP framing
// itself — that is the overlay dispatcher's job (§6 protocol-id routing).
type SendPacket func(peer enr.NodeID, raw []byte) error

// Multiplexer demultiplexes inbound uTP packets by (peer, connection id)
// and keeps the open-request table described in §4.D. Exactly one
// Multiplexer is shared by all overlay networks riding on the same
// datagram service.
type Multiplexer struct {
	mu       sync.Mutex
	clk      clock.Clock
	send     SendPacket
	watchdog time.Duration

	open      map[SocketKey]*ContentRequest
	expected  map[SocketKey]*ContentRequest // pre-registered inbound SYNs awaiting arrival
	deadlines map[SocketKey]time.Duration

	onFailure func(req *ContentRequest, err error)
	metrics   *metrics.Metrics
}

// SetMetrics attaches m so Tick resamples open-socket count, aggregate
// bytes-in-flight, and per-socket congestion window on every call. Passing
// nil (the zero value) disables instrumentation; this is safe to call at
// any point after construction.
func (m *Multiplexer) SetMetrics(met *metrics.Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = met
}

// NewMultiplexer constructs a Multiplexer. watchdog is the idle timeout
// after which an open request is force-closed (§4.D default 180s).
func NewMultiplexer(clk clock.Clock, send SendPacket, watchdog time.Duration, onFailure func(*ContentRequest, error)) *Multiplexer {
	if watchdog <= 0 {
		watchdog = 180 * time.Second
	}
	return &Multiplexer{
		clk:       clk,
		send:      send,
		watchdog:  watchdog,
		open:      make(map[SocketKey]*ContentRequest),
		expected:  make(map[SocketKey]*ContentRequest),
		deadlines: make(map[SocketKey]time.Duration),
		onFailure: onFailure,
	}
}

// randomConnID draws a fresh 16-bit connection id for a new initiator.
func randomConnID() uint16 {
	var b [2]byte
	_, _ = rand.Read(b[:])
	v := binary.BigEndian.Uint16(b[:])
	if v == 0 {
		v = 1
	}
	return v
}

// Open registers a new ContentRequest and, if its direction initiates the
// uTP handshake, sends the opening SYN immediately. Callers that are
// instead waiting for an inbound SYN (FOUNDCONTENT_WRITE, ACCEPT_READ)
// must pass the connId the peer was already told about via ExpectInbound.
//
// connID is always the value the handshake's initiator uses as its rcv_id
// (§4.A): an initiating direction passes its own freshly-drawn id (and
// sends the SYN with it); a non-initiating direction passes the id it
// already told the peer about out of band (via CONTENT/ACCEPT), the id
// the peer's SYN will carry. The two ends never reuse one shared id for
// the life of the connection — see ExpectInbound's promotion step.
//
// writePayload is the already-framed content to push for a WRITE
// direction (DirFoundContentWrite, DirOfferWrite); it is staged on the
// socket before the SYN goes out so the handshake's own ACK can start
// the transfer immediately, and is ignored for READ directions.
func (m *Multiplexer) Open(now time.Duration, networkID string, peer enr.NodeID, dir Direction, keys [][]byte, connID uint16, writePayload []byte, onDone CompletionFunc) (*ContentRequest, error) {
	m.mu.Lock()
	key := SocketKey{Peer: peer, ConnID: connID}
	if _, exists := m.open[key]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("utp: duplicate socket key %+v", key)
	}
	if _, exists := m.expected[key]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("utp: duplicate socket key %+v", key)
	}

	req := &ContentRequest{
		ID:         uuid.NewString(),
		Direction:  dir,
		NetworkID:  networkID,
		Peer:       peer,
		ConnID:     connID,
		Keys:       keys,
		openedAt:   now,
		routingKey: key,
	}
	sock := NewSocket(dir.role(), connID, m.clk, m.sendFor(peer), m.wrapDone(req, onDone))
	if dir.role() == RoleWrite {
		sock.SetWriteData(writePayload)
	}
	req.Socket = sock

	// An initiating direction already knows the full connection: it owns
	// key for as long as the transfer runs, since the peer's every reply
	// carries this same id back (its snd_id equals our rcv_id). A
	// non-initiating direction only expects the peer's SYN on key; once
	// it arrives, HandlePacket re-files the request under the peer's
	// snd_id (key.ConnID+1) for everything that follows.
	if dir.initiates() {
		m.open[key] = req
	} else {
		m.expected[key] = req
	}
	m.deadlines[key] = now + m.watchdog
	m.mu.Unlock()

	// InitiateOutbound invokes the send callback synchronously; it must
	// run with no Multiplexer lock held so a loopback transport calling
	// back into HandlePacket before Open returns cannot self-deadlock.
	if dir.initiates() {
		sock.InitiateOutbound(now)
	}
	return req, nil
}

func (m *Multiplexer) sendFor(peer enr.NodeID) SendFunc {
	return func(p Packet) {
		_ = m.send(peer, p.Encode())
	}
}

// wrapDone guarantees that whatever terminal state a socket reaches —
// success, reset, or watchdog eviction — its ContentRequest is removed
// from the open table before the caller's completion callback runs.
func (m *Multiplexer) wrapDone(req *ContentRequest, onDone CompletionFunc) CompletionFunc {
	return func(content []byte, err error) {
		m.releaseReq(req)
		if onDone != nil {
			onDone(content, err)
		}
	}
}

// HandlePacket decodes raw and dispatches it to the open (or expected)
// request keyed by (src, connection_id), per §4.D. Packets to unknown
// keys are silently dropped unless they are SYN and there is a
// pre-registered expectation.
func (m *Multiplexer) HandlePacket(src enr.NodeID, raw []byte, now time.Duration) error {
	p, err := Decode(raw)
	if err != nil {
		return err
	}

	key := SocketKey{Peer: src, ConnID: p.ConnID}

	m.mu.Lock()
	req, ok := m.open[key]
	if ok {
		m.deadlines[key] = now + m.watchdog
		m.mu.Unlock()

		req.Socket.Deliver(p, now)
		return nil
	}

	if p.Type != TypeSyn {
		m.mu.Unlock()
		return nil // silently dropped
	}
	req, ok = m.expected[key]
	if !ok {
		m.mu.Unlock()
		return nil // no pre-registered expectation either
	}
	delete(m.expected, key)
	delete(m.deadlines, key)

	// Past the handshake, the connection's initiator sends with its
	// snd_id (key.ConnID+1, §4.A), so this request's home key moves from
	// the SYN's literal connection id to that value.
	postKey := SocketKey{Peer: src, ConnID: p.ConnID + 1}
	req.routingKey = postKey
	m.open[postKey] = req
	m.deadlines[postKey] = now + m.watchdog
	m.mu.Unlock()

	req.Socket.AcceptInbound(p, now)
	return nil
}

// Tick drives retransmission timers on every open socket and enforces
// the single watchdog deadline described in §4.D/§5 ("every deadline is
// enforced by a single timer"): it scans the deadline map and evicts any
// request past its deadline.
func (m *Multiplexer) Tick(now time.Duration) {
	m.mu.Lock()
	var expired []SocketKey
	for key, deadline := range m.deadlines {
		if now >= deadline {
			expired = append(expired, key)
		}
	}
	reqs := make([]*ContentRequest, 0, len(m.open))
	for _, req := range m.open {
		reqs = append(reqs, req)
	}
	met := m.metrics
	m.mu.Unlock()

	for _, req := range reqs {
		req.Socket.Tick(now)
	}

	for _, key := range expired {
		m.evict(key, portalerr.ErrSocketTimeout)
	}

	if met != nil {
		met.SetOpenSockets(len(reqs))
		var inFlight int64
		for _, req := range reqs {
			inFlight += int64(req.Socket.BytesInFlight())
			met.CongestionWindow.WithLabelValues(fmt.Sprintf("%d", req.ConnID)).Set(float64(req.Socket.CongestionWindow()))
		}
		met.SetBytesInFlight(inFlight)
	}
}

func (m *Multiplexer) evict(key SocketKey, err error) {
	m.mu.Lock()
	req, ok := m.open[key]
	if !ok {
		req, ok = m.expected[key]
	}
	delete(m.open, key)
	delete(m.expected, key)
	delete(m.deadlines, key)
	m.mu.Unlock()

	if !ok {
		return
	}
	req.Socket.Close()
	if m.onFailure != nil {
		m.onFailure(req, err)
	}
}

// Release removes a request from the open table once its socket has
// reached a terminal state, guaranteeing removal on any terminal
// transition (§3 ContentRequest lifecycle). It targets the request's
// original key; callers whose request may have been re-filed under a
// derived connection id (ExpectInbound's post-handshake promotion, §4.A)
// should prefer releaseReq, which always targets the request's current
// routingKey.
func (m *Multiplexer) Release(peer enr.NodeID, connID uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := SocketKey{Peer: peer, ConnID: connID}
	delete(m.open, key)
	delete(m.expected, key)
	delete(m.deadlines, key)
}

// releaseReq removes req from whichever table/key it currently lives
// under, used by wrapDone so a socket's terminal callback always cleans
// up the request's live routingKey even if that key was rewritten after
// an ExpectInbound promotion.
func (m *Multiplexer) releaseReq(req *ContentRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := req.routingKey
	delete(m.open, key)
	delete(m.expected, key)
	delete(m.deadlines, key)
}

// NewConnID is exported so the overlay layer can pick the rcv_id it
// advertises in a CONTENT(connection_id) or ACCEPT(connection_id) reply
// before calling Open/ExpectInbound.
func NewConnID() uint16 { return randomConnID() }

// ExpectInbound pre-registers a connection id an inbound SYN is expected
// to arrive on shortly (the overlay already told the peer this id via
// CONTENT or ACCEPT), without sending anything ourselves.
func (m *Multiplexer) ExpectInbound(now time.Duration, networkID string, peer enr.NodeID, dir Direction, keys [][]byte, connID uint16, writePayload []byte, onDone CompletionFunc) (*ContentRequest, error) {
	return m.Open(now, networkID, peer, dir, keys, connID, writePayload, onDone)
}

// Len reports the number of registered requests: those already open plus
// those still awaiting their peer's SYN.
func (m *Multiplexer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open) + len(m.expected)
}
