package overlay

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hollowline/portal/internal/clock"
	"github.com/hollowline/portal/internal/enr"
	"github.com/hollowline/portal/internal/kademlia"
	"github.com/hollowline/portal/internal/metrics"
	"github.com/hollowline/portal/internal/portalerr"
	"github.com/hollowline/portal/internal/store"
	"github.com/hollowline/portal/internal/transport"
	"github.com/hollowline/portal/internal/utp"
)

// Protocol-id bytes for the three sub-networks this client can run
// (§4.G), matching the Portal reference client's discv5 TALKREQ
// protocol-id registry.
var (
	ProtocolIDHistory = []byte{0x50, 0x0B}
	ProtocolIDState   = []byte{0x50, 0x0A}
	ProtocolIDBeacon  = []byte{0x50, 0x1A}
)

// maxInlineContentBytes is the largest CONTENT payload sent directly in
// a TALKRESP rather than over a uTP transfer, leaving headroom under
// discv5's ~1280-byte UDP-safe packet budget for framing overhead (§4.G).
const maxInlineContentBytes = 1165

// Config wires one Network instance together. Table, Known, and Content
// are independent per network (§4.G); Mux and Datagram are normally
// shared across every Network riding the same node.
type Config struct {
	ProtocolID []byte
	Label      string
	Self       enr.Record
	Clock      clock.Clock
	Table      *kademlia.Table
	Known      *kademlia.KnownContentCache
	Content    store.ContentStore
	Mux        *utp.Multiplexer
	Datagram   transport.Datagram
	Score      store.ScoreHook
	EnrSeq     uint64

	// Resolver recovers a NodeID from the ENR text strings a NODES or
	// CONTENT(enrs) response carries, feeding Lookup's shortlist (§4.H).
	Resolver EnrResolver

	// OfferRate/OfferBurst bound outgoing OFFERs per peer per second
	// (§DOMAIN STACK: keeps gossip from bursting a slow peer).
	OfferRate  float64
	OfferBurst int

	// Metrics is optional; a nil value disables instrumentation entirely
	// so tests can build a Network without standing up a registry.
	Metrics *metrics.Metrics

	Logger *slog.Logger
}

// Network answers one sub-network's PING/FINDNODES/FINDCONTENT/OFFER
// traffic and drives its own routing table, sharing the uTP multiplexer
// and its demultiplexing dispatcher with every other Network on this
// node (§4.G).
type Network struct {
	protocolID []byte
	label      string
	self       enr.Record
	clk        clock.Clock
	table      *kademlia.Table
	known      *kademlia.KnownContentCache
	content    store.ContentStore
	mux        *utp.Multiplexer
	datagram   transport.Datagram
	score      store.ScoreHook
	enrSeq     uint64
	resolver   EnrResolver
	metrics    *metrics.Metrics
	log        *slog.Logger

	limiterMu  sync.Mutex
	limiters   map[enr.NodeID]*rate.Limiter
	offerRate  rate.Limit
	offerBurst int

	gossipMu sync.RWMutex
	gossip   *store.Gossiper
}

// SetGossiper attaches the fan-out gossiper this Network enqueues every
// freshly-admitted key to (§4.I(c): "enqueue for gossip" on a successful
// put). A nil gossiper (the zero value) disables fan-out entirely; a
// typical embedder builds one with store.NewGossiper(network, network)
// once the network's routing table exists and wires it in after
// construction.
func (n *Network) SetGossiper(g *store.Gossiper) {
	n.gossipMu.Lock()
	defer n.gossipMu.Unlock()
	n.gossip = g
}

// gossipEnqueue fires-and-forgets an Offer fan-out for key on its own
// goroutine so a slow peer in the fan-out can never block the transfer
// completion callback that triggered it.
func (n *Network) gossipEnqueue(key store.ContentKey) {
	n.gossipMu.RLock()
	g := n.gossip
	n.gossipMu.RUnlock()
	if g == nil {
		return
	}
	go func() {
		if err := g.Offer(context.Background(), key); err != nil {
			n.log.Warn("gossip fan-out failed", "error", err)
		}
	}()
}

// NewNetwork constructs a Network from cfg.
func NewNetwork(cfg Config) *Network {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	burst := cfg.OfferBurst
	if burst <= 0 {
		burst = 1
	}
	return &Network{
		protocolID: cfg.ProtocolID,
		label:      cfg.Label,
		self:       cfg.Self,
		clk:        cfg.Clock,
		table:      cfg.Table,
		known:      cfg.Known,
		content:    cfg.Content,
		mux:        cfg.Mux,
		datagram:   cfg.Datagram,
		score:      cfg.Score,
		enrSeq:     cfg.EnrSeq,
		resolver:   cfg.Resolver,
		metrics:    cfg.Metrics,
		log:        logger.With("network", cfg.Label),
		limiters:   make(map[enr.NodeID]*rate.Limiter),
		offerRate:  rate.Limit(cfg.OfferRate),
		offerBurst: burst,
	}
}

// Start registers this network's protocol-id with the datagram service.
// uTP packet routing is registered once, separately, by the shared
// Dispatcher (dispatch.go) — it does not go through this handler.
func (n *Network) Start() {
	n.datagram.OnTalkRequest(n.protocolID, n.handleTalkRequest)
}

func (n *Network) now() time.Duration {
	return time.Duration(n.clk.Now()) * time.Microsecond
}

// handleTalkRequest decodes an inbound overlay message and returns the
// synchronous TALKRESP payload. PING, FINDNODES, FINDCONTENT, and OFFER
// are the only message kinds a peer sends as a request; the rest
// (PONG, NODES, CONTENT, ACCEPT) only ever appear as responses.
func (n *Network) handleTalkRequest(src enr.NodeID, requestID []byte, payload []byte) []byte {
	msg, err := DecodeMessage(payload)
	if err != nil {
		n.log.Warn("dropping malformed overlay message", "peer", src, "error", err)
		return nil
	}

	switch m := msg.(type) {
	case Ping:
		return EncodeMessage(n.handlePing(src, m))
	case FindNodes:
		return EncodeMessage(n.handleFindNodes(src, m))
	case FindContent:
		return EncodeMessage(n.handleFindContent(src, m))
	case Offer:
		return EncodeMessage(n.handleOffer(src, m))
	default:
		n.log.Warn("unexpected overlay message kind as a request", "peer", src, "selector", msg.Selector())
		return nil
	}
}

func (n *Network) handlePing(src enr.NodeID, m Ping) Pong {
	n.table.Add(n.now(), enr.Record{ID: src})
	if d, ok := decodeRadius(m.CustomPayload); ok {
		n.table.SetRadius(src, d)
	}
	return Pong{EnrSeq: n.enrSeq, CustomPayload: encodeRadius(n.content.Radius())}
}

func (n *Network) handleFindNodes(src enr.NodeID, m FindNodes) Nodes {
	seen := make(map[enr.NodeID]bool)
	var enrs []string
	for _, d := range m.Distances {
		for _, rec := range n.table.AtLogDistance(n.self, int(d)) {
			if rec.ID == src || seen[rec.ID] {
				continue
			}
			seen[rec.ID] = true
			enrs = append(enrs, rec.Text)
		}
	}
	return Nodes{Total: 1, Enrs: enrs}
}

func (n *Network) handleFindContent(src enr.NodeID, m FindContent) Content {
	key := store.ContentKey(m.Key)
	id := key.ContentID()

	if content, err := n.content.Get(id); err == nil {
		if len(content) <= maxInlineContentBytes {
			return Content{Kind: ContentKindPayload, Payload: content}
		}
		connID := utp.NewConnID()
		if _, err := n.mux.ExpectInbound(n.now(), n.label, src, utp.DirFoundContentWrite, [][]byte{m.Key}, connID, content, n.onTransferDone); err != nil {
			n.log.Error("registering FOUNDCONTENT_WRITE", "peer", src, "error", err)
			return Content{Kind: ContentKindEnrs}
		}
		return Content{Kind: ContentKindConnectionID, ConnectionID: connID}
	}

	nearest := n.table.Nearest(id, kademlia.K)
	var enrs []string
	for _, rec := range nearest {
		if rec.ID == src {
			continue
		}
		enrs = append(enrs, rec.Text)
	}
	return Content{Kind: ContentKindEnrs, Enrs: enrs}
}

func (n *Network) handleOffer(src enr.NodeID, m Offer) Accept {
	bitmap := make([]byte, len(m.Keys))
	var acceptedRaw [][]byte
	var acceptedKeys []store.ContentKey

	for i, raw := range m.Keys {
		key := store.ContentKey(raw)
		id := key.ContentID()
		if n.content.Has(id) {
			continue
		}
		if n.known.Known(src, id) {
			continue
		}
		if !enr.WithinRadius(enr.DistanceBetween(n.self.ID, id), n.content.Radius()) {
			continue
		}
		bitmap[i] = 1
		acceptedRaw = append(acceptedRaw, raw)
		acceptedKeys = append(acceptedKeys, key)
	}

	if len(acceptedRaw) == 0 {
		return Accept{Bitmap: bitmap}
	}

	connID := utp.NewConnID()
	if _, err := n.mux.ExpectInbound(n.now(), n.label, src, utp.DirAcceptRead, acceptedRaw, connID, nil, n.onOfferAccepted(src, acceptedKeys)); err != nil {
		n.log.Error("registering ACCEPT_READ", "peer", src, "error", err)
		return Accept{Bitmap: make([]byte, len(m.Keys))}
	}
	for _, key := range acceptedKeys {
		n.known.Record(src, key.ContentID())
	}
	return Accept{ConnectionID: connID, Bitmap: bitmap}
}

// onOfferAccepted persists each key reassembled from an inbound OFFER
// transfer once the uTP socket finishes.
func (n *Network) onOfferAccepted(src enr.NodeID, keys []store.ContentKey) utp.CompletionFunc {
	return func(content []byte, err error) {
		if err != nil {
			n.log.Warn("accepted offer transfer failed", "peer", src, "error", err)
			return
		}
		blobs, derr := decodeVarintFramedBlobs(content, len(keys))
		if derr != nil {
			n.log.Warn("reassembling accepted offer transfer", "peer", src, "error", derr)
			return
		}
		for i, key := range keys {
			if perr := n.content.Put(key, blobs[i]); perr != nil {
				n.log.Warn("storing offered content", "peer", src, "error", perr)
				if kind, ok := portalerr.KindOf(perr); ok && kind == portalerr.KindContent && n.score != nil {
					n.score.Penalize(src, "invalid proof on accepted offer")
				}
				continue
			}
			n.gossipEnqueue(key)
		}
	}
}

func (n *Network) onTransferDone(content []byte, err error) {
	if err != nil {
		n.log.Warn("outbound content transfer failed", "error", err)
	}
}

// FindContent sends FINDCONTENT(key) to peer and returns the decoded
// CONTENT response, for the content lookup (H) to interpret.
func (n *Network) FindContent(ctx context.Context, peer enr.NodeID, key []byte) (Content, error) {
	respPayload, err := n.datagram.SendTalkRequest(ctx, peer, n.protocolID, EncodeMessage(FindContent{Key: key}))
	if err != nil {
		return Content{}, err
	}
	msg, err := DecodeMessage(respPayload)
	if err != nil {
		return Content{}, err
	}
	c, ok := msg.(Content)
	if !ok {
		return Content{}, portalerr.ErrProtocolMismatch
	}
	return c, nil
}

// PullContent opens the READ side of a uTP transfer for content CONTENT
// told us it holds at connID (FINDCONTENT_READ always initiates the
// SYN, since we're the one who learned the connection id).
func (n *Network) PullContent(ctx context.Context, peer enr.NodeID, key []byte, connID uint16) ([]byte, error) {
	type result struct {
		content []byte
		err     error
	}
	done := make(chan result, 1)
	_, err := n.mux.Open(n.now(), n.label, peer, utp.DirFindContentRead, [][]byte{key}, connID, nil, func(content []byte, err error) {
		done <- result{content: content, err: err}
	})
	if err != nil {
		return nil, err
	}
	select {
	case r := <-done:
		return r.content, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendOffer implements store.OfferSender: it drops keys already offered to
// or received from peer, rate-limits per peer, sends the OFFER, and — if
// the peer ACCEPTs any key — opens the uTP write transfer itself (the
// OFFER_WRITE side always initiates the SYN).
func (n *Network) SendOffer(ctx context.Context, peer enr.NodeID, keys []store.ContentKey) error {
	var fresh []store.ContentKey
	for _, k := range keys {
		if !n.known.Known(peer, k.ContentID()) {
			fresh = append(fresh, k)
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	keys = fresh
	if err := n.limiterFor(peer).Wait(ctx); err != nil {
		return err
	}
	if n.metrics != nil {
		n.metrics.OffersSent.WithLabelValues(n.label).Inc()
	}

	raw := make([][]byte, len(keys))
	for i, k := range keys {
		raw[i] = []byte(k)
	}
	respPayload, err := n.datagram.SendTalkRequest(ctx, peer, n.protocolID, EncodeMessage(Offer{Keys: raw}))
	if err != nil {
		return err
	}
	for _, k := range keys {
		n.known.Record(peer, k.ContentID())
	}
	resp, err := DecodeMessage(respPayload)
	if err != nil {
		return err
	}
	accept, ok := resp.(Accept)
	if !ok {
		return portalerr.ErrProtocolMismatch
	}
	return n.startOfferTransfer(peer, keys, accept)
}

func (n *Network) startOfferTransfer(peer enr.NodeID, keys []store.ContentKey, accept Accept) error {
	var accepted []store.ContentKey
	for i, key := range keys {
		if i < len(accept.Bitmap) && accept.Bitmap[i] != 0 {
			accepted = append(accepted, key)
			n.known.Record(peer, key.ContentID())
		}
	}
	if len(accepted) == 0 {
		return nil
	}
	if n.metrics != nil {
		n.metrics.OffersAccepted.WithLabelValues(n.label).Add(float64(len(accepted)))
	}

	payload, err := n.buildOfferPayload(accepted)
	if err != nil {
		return err
	}
	raw := make([][]byte, len(accepted))
	for i, k := range accepted {
		raw[i] = []byte(k)
	}
	_, err = n.mux.Open(n.now(), n.label, peer, utp.DirOfferWrite, raw, accept.ConnectionID, payload, n.onTransferDone)
	return err
}

func (n *Network) buildOfferPayload(keys []store.ContentKey) ([]byte, error) {
	var buf []byte
	var lenBuf [binary.MaxVarintLen64]byte
	for _, key := range keys {
		v, err := n.content.Get(key.ContentID())
		if err != nil {
			return nil, err
		}
		ln := binary.PutUvarint(lenBuf[:], uint64(len(v)))
		buf = append(buf, lenBuf[:ln]...)
		buf = append(buf, v...)
	}
	return buf, nil
}

// Lookup runs the iterative FINDCONTENT search (H) for key, seeding its
// shortlist from this network's own routing table.
func (n *Network) Lookup(ctx context.Context, key []byte) (LookupResult, error) {
	start := time.Now()
	seed := n.table.Nearest(contentIDOf(key), kademlia.K)
	result, err := Lookup(ctx, n, n.resolver, n.self.ID, key, seed)

	if n.metrics != nil {
		n.metrics.LookupLatency.Observe(time.Since(start).Seconds())
		outcome := "not_found"
		switch {
		case err != nil:
			outcome = "deadline_exceeded"
		case result.Found:
			outcome = "found"
		}
		n.metrics.LookupsTotal.WithLabelValues(outcome).Inc()
	}
	return result, err
}

// NearestPeers implements store.GossipTarget.
func (n *Network) NearestPeers(contentID [32]byte, k int) []enr.NodeID {
	recs := n.table.Nearest(contentID, k)
	out := make([]enr.NodeID, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func (n *Network) limiterFor(peer enr.NodeID) *rate.Limiter {
	n.limiterMu.Lock()
	defer n.limiterMu.Unlock()
	lim, ok := n.limiters[peer]
	if !ok {
		lim = rate.NewLimiter(n.offerRate, n.offerBurst)
		n.limiters[peer] = lim
	}
	return lim
}

func encodeRadius(d enr.Distance) []byte {
	return append([]byte(nil), d[:]...)
}

func decodeRadius(b []byte) (enr.Distance, bool) {
	var d enr.Distance
	if len(b) != len(d) {
		return d, false
	}
	copy(d[:], b)
	return d, true
}

// decodeVarintFramedBlobs splits buf into want concatenated (len, bytes)
// records, the layout scenario 3 describes for a batch OFFER transfer.
func decodeVarintFramedBlobs(buf []byte, want int) ([][]byte, error) {
	out := make([][]byte, 0, want)
	for len(buf) > 0 {
		ln, n := binary.Uvarint(buf)
		if n <= 0 {
			return nil, portalerr.ErrReassemblyFailed
		}
		buf = buf[n:]
		if uint64(len(buf)) < ln {
			return nil, portalerr.ErrReassemblyFailed
		}
		out = append(out, buf[:ln])
		buf = buf[ln:]
	}
	if len(out) != want {
		return nil, portalerr.ErrReassemblyFailed
	}
	return out, nil
}
