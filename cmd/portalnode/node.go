package main

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hollowline/portal/internal/clock"
	"github.com/hollowline/portal/internal/enr"
	"github.com/hollowline/portal/internal/kademlia"
	"github.com/hollowline/portal/internal/metrics"
	"github.com/hollowline/portal/internal/overlay"
	"github.com/hollowline/portal/internal/store"
	"github.com/hollowline/portal/internal/transport"
	"github.com/hollowline/portal/internal/utp"
)

// subNetworkSpec names one of the three overlay sub-networks a node runs
// (§4.G): its protocol-id and a label used in logs and metrics.
type subNetworkSpec struct {
	protocolID []byte
	label      string
}

var subNetworks = []subNetworkSpec{
	{overlay.ProtocolIDHistory, "history"},
	{overlay.ProtocolIDState, "state"},
	{overlay.ProtocolIDBeacon, "beacon"},
}

// utpBaseProtocolID seeds the shared uTP channel's protocol-id, distinct
// from every sub-network's own TALKREQ protocol-id (§4.D, §4.G).
var utpBaseProtocolID = []byte{0x50, 0x00}

// Node is the fully-wired set of sub-networks and shared machinery riding
// on one datagram service: the shared uTP dispatcher, one Network plus
// content store plus gossiper per sub-network, and the metrics collector
// they all report through.
type Node struct {
	Dispatcher *overlay.Dispatcher
	Networks   map[string]*overlay.Network
	Gossipers  map[string]*store.Gossiper
	Stores     map[string]store.ContentStore
	Tables     map[string]*kademlia.Table
	Metrics    *metrics.Metrics

	clk clock.Clock
}

// BuildNode wires one node's full component graph against datagram and
// kv, following the construction order every sub-network needs: clock,
// metrics, shared uTP multiplexer and dispatcher, then one
// Table/KnownContentCache/Store/Network/Gossiper per sub-network.
//
// capacityBytes bounds each sub-network's content store independently
// (§4.I P8); 0 disables eviction.
func BuildNode(datagram transport.Datagram, kv transport.KV, reg prometheus.Registerer, watchdog time.Duration, capacityBytes int64, log *slog.Logger) *Node {
	if log == nil {
		log = slog.Default()
	}
	clk := clock.NewSystem()
	met := metrics.New(reg)

	self := datagram.LocalNode()

	utpProtocolID := overlay.UTPProtocolID(utpBaseProtocolID)
	send := overlay.NewUTPSendFunc(datagram, utpProtocolID, 5*time.Second, log)
	mux := utp.NewMultiplexer(clk, send, watchdog, func(req *utp.ContentRequest, err error) {
		log.Warn("uTP transfer evicted by watchdog", "peer", req.Peer, "conn_id", req.ConnID, "error", err)
	})
	mux.SetMetrics(met)
	dispatcher := overlay.NewDispatcher(clk, mux, datagram, utpProtocolID, log)

	n := &Node{
		Dispatcher: dispatcher,
		Networks:   make(map[string]*overlay.Network),
		Gossipers:  make(map[string]*store.Gossiper),
		Stores:     make(map[string]store.ContentStore),
		Tables:     make(map[string]*kademlia.Table),
		Metrics:    met,
		clk:        clk,
	}

	for _, spec := range subNetworks {
		table := kademlia.NewTable(self.ID)
		known := kademlia.NewKnownContentCache(kademlia.KnownContentCapacity)

		// acc/hist (trusted accumulator and historical-roots sources) and
		// score (peer penalization) are external collaborators this demo
		// wiring leaves unset; an embedder with a real checkpoint source
		// and reputation system supplies them here instead of nil.
		contentStore := store.New(kv, self.ID, nil, nil, nil, capacityBytes)
		contentStore.SetEventSink(met)

		network := overlay.NewNetwork(overlay.Config{
			ProtocolID: spec.protocolID,
			Label:      spec.label,
			Self:       self,
			Clock:      clk,
			Table:      table,
			Known:      known,
			Content:    contentStore,
			Mux:        mux,
			Datagram:   datagram,
			EnrSeq:     1,
			OfferRate:  5,
			OfferBurst: 10,
			Metrics:    met,
			Logger:     log,
		})

		gossiper := store.NewGossiper(network, network)
		network.SetGossiper(gossiper)

		n.Tables[spec.label] = table
		n.Stores[spec.label] = contentStore
		n.Networks[spec.label] = network
		n.Gossipers[spec.label] = gossiper

		dispatcher.Register(network)
	}

	dispatcher.Start()
	return n
}

// Tick drives the shared uTP watchdog/retransmission timers and refreshes
// per-bucket routing-table occupancy and content-store size metrics. The
// caller runs this on a ticker (main.go uses one second).
func (n *Node) Tick() {
	n.Dispatcher.Tick()
	for label, table := range n.Tables {
		n.Metrics.RefreshTable(label, table.BucketSizes())
	}
	for _, cs := range n.Stores {
		if size, err := cs.Size(); err == nil {
			n.Metrics.SetContentStoreBytes(size)
		}
	}
}

// Seed adds a peer to every sub-network's routing table, as the bootnode
// list or an ENR learned from an OFFER/FINDNODES reply does.
func (n *Node) Seed(rec enr.Record) {
	now := time.Duration(n.clk.Now()) * time.Microsecond
	for _, table := range n.Tables {
		table.Add(now, rec)
	}
}
