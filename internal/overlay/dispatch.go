package overlay

import (
	"context"
	"log/slog"
	"time"

	"github.com/hollowline/portal/internal/clock"
	"github.com/hollowline/portal/internal/enr"
	"github.com/hollowline/portal/internal/transport"
	"github.com/hollowline/portal/internal/utp"
)

// NewUTPSendFunc adapts the request/response Datagram.SendTalkRequest
// into the fire-and-forget utp.SendPacket shape a Multiplexer needs:
// each uTP packet becomes its own one-way TALKREQ, sent in its own
// goroutine so a slow or silent peer never blocks the socket that's
// retransmitting to it; any TALKRESP that comes back is discarded.
func NewUTPSendFunc(datagram transport.Datagram, utpProtocolID []byte, timeout time.Duration, log *slog.Logger) utp.SendPacket {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return func(peer enr.NodeID, raw []byte) error {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if _, err := datagram.SendTalkRequest(ctx, peer, utpProtocolID, raw); err != nil {
				log.Debug("uTP packet send failed", "peer", peer, "error", err)
			}
		}()
		return nil
	}
}

// utpProtocolSuffix distinguishes the shared uTP channel from every
// per-network overlay protocol-id. A uTP header's first byte packs
// type<<4|version, so a DATA packet starts with 0x01, the same byte as
// the overlay PONG selector; the two traffic kinds therefore need their
// own protocol-ids rather than sharing payload space under one
// registration (§4.D/§4.G: one shared multiplexer, registered once).
var utpProtocolSuffix = []byte{0xFF}

// UTPProtocolID derives the discv5 protocol-id the shared uTP
// multiplexer listens on, distinct from every overlay sub-network's own
// protocol-id.
func UTPProtocolID(base []byte) []byte {
	return append(append([]byte(nil), base...), utpProtocolSuffix...)
}

// Dispatcher owns the one uTP Multiplexer shared by every Network on
// this node and wires it to the datagram service exactly once, plus
// starts each registered Network's own overlay-message handler (§4.G:
// "sharing the uTP multiplexer (D) and dispatcher").
type Dispatcher struct {
	clk      clock.Clock
	mux      *utp.Multiplexer
	datagram transport.Datagram
	log      *slog.Logger

	utpProtocolID []byte
	networks      []*Network
}

// NewDispatcher constructs a Dispatcher. utpProtocolID is the protocol-id
// registered for raw uTP traffic; UTPProtocolID derives a sensible
// default from a base protocol-id.
func NewDispatcher(clk clock.Clock, mux *utp.Multiplexer, datagram transport.Datagram, utpProtocolID []byte, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{clk: clk, mux: mux, datagram: datagram, log: log, utpProtocolID: utpProtocolID}
}

// Register adds a Network to the dispatcher and starts its overlay
// message handler.
func (d *Dispatcher) Register(n *Network) {
	d.networks = append(d.networks, n)
	n.Start()
}

// Start wires the shared uTP channel into the datagram service. Call
// once, after every Network has been Registered.
func (d *Dispatcher) Start() {
	d.datagram.OnTalkRequest(d.utpProtocolID, func(src enr.NodeID, requestID []byte, payload []byte) []byte {
		now := time.Duration(d.clk.Now()) * time.Microsecond
		if err := d.mux.HandlePacket(src, payload, now); err != nil {
			d.log.Warn("dropping malformed uTP packet", "peer", src, "error", err)
		}
		return nil // uTP rides one-way TALKREQs; replies go out as their own TALKREQ
	})
}

// Tick drives every open uTP socket's retransmission timers and the
// shared watchdog (§4.D). The embedder calls this on a ticker.
func (d *Dispatcher) Tick() {
	now := time.Duration(d.clk.Now()) * time.Microsecond
	d.mux.Tick(now)
}
