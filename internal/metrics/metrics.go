// Package metrics collects the Prometheus series an embedder wires a node's
// internals through (§6): uTP socket/flow state, routing-table occupancy,
// content-store size, gossip fan-out, and lookup latency. Every collector is
// registered against a caller-supplied prometheus.Registerer rather than the
// global default registry, so an embedder running more than one node in one
// process (or in tests) can keep their series apart.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hollowline/portal/internal/store"
)

// Metrics holds every collector a Network, Multiplexer, ContentStore, and
// Gossiper report through. Fields are exported so each package can call
// straight into the collector it owns without a setter method per metric.
type Metrics struct {
	OpenSockets       prometheus.Gauge
	BytesInFlight     prometheus.Gauge
	CongestionWindow  *prometheus.GaugeVec
	RoutingTableSize  *prometheus.GaugeVec
	ContentStoreBytes prometheus.Gauge
	OffersSent        *prometheus.CounterVec
	OffersAccepted    *prometheus.CounterVec
	LookupLatency     prometheus.Histogram
	LookupsTotal      *prometheus.CounterVec
	ContentAdded      *prometheus.CounterVec
	ContentDropped    prometheus.Counter
}

// New builds the full collector set and registers it against reg. Passing
// reg rather than reaching for prometheus.DefaultRegisterer lets a test or
// an embedder running multiple nodes avoid a duplicate-registration panic.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OpenSockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "portal",
			Subsystem: "utp",
			Name:      "open_sockets",
			Help:      "Number of uTP sockets currently registered with the multiplexer.",
		}),
		BytesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "portal",
			Subsystem: "utp",
			Name:      "bytes_in_flight",
			Help:      "Total unacknowledged payload bytes across all open uTP sockets.",
		}),
		CongestionWindow: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "portal",
			Subsystem: "utp",
			Name:      "congestion_window_bytes",
			Help:      "Per-socket congestion window, labeled by connection id.",
		}, []string{"conn_id"}),
		RoutingTableSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "portal",
			Subsystem: "kademlia",
			Name:      "bucket_size",
			Help:      "Number of peers held in a routing table bucket, labeled by bucket index.",
		}, []string{"network", "bucket"}),
		ContentStoreBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "portal",
			Subsystem: "store",
			Name:      "bytes",
			Help:      "Total bytes occupied by the content store.",
		}),
		OffersSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "gossip",
			Name:      "offers_sent_total",
			Help:      "OFFER messages sent, labeled by network.",
		}, []string{"network"}),
		OffersAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "gossip",
			Name:      "offers_accepted_total",
			Help:      "Content keys accepted out of an ACCEPT bitmap, labeled by network.",
		}, []string{"network"}),
		LookupLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "portal",
			Subsystem: "overlay",
			Name:      "lookup_duration_seconds",
			Help:      "Wall-clock duration of a content Lookup call, found or not.",
			Buckets:   prometheus.DefBuckets,
		}),
		LookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "overlay",
			Name:      "lookups_total",
			Help:      "Completed Lookup calls, labeled by outcome (found, not_found, deadline_exceeded).",
		}, []string{"outcome"}),
		ContentAdded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "store",
			Name:      "content_added_total",
			Help:      "Content successfully admitted, labeled by content type.",
		}, []string{"content_type"}),
		ContentDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "store",
			Name:      "content_dropped_total",
			Help:      "Content evicted by a radius shrink.",
		}),
	}

	reg.MustRegister(
		m.OpenSockets,
		m.BytesInFlight,
		m.CongestionWindow,
		m.RoutingTableSize,
		m.ContentStoreBytes,
		m.OffersSent,
		m.OffersAccepted,
		m.LookupLatency,
		m.LookupsTotal,
		m.ContentAdded,
		m.ContentDropped,
	)
	return m
}

// HandleContentEvent implements store.EventSink: ContentAdded increments
// the per-type counter, Dropped increments the eviction counter. Wired
// from cmd/portalnode so the content store's admission/eviction path
// reports through the same registry as everything else.
func (m *Metrics) HandleContentEvent(evt store.ContentEvent) {
	switch evt.Kind {
	case store.EventContentAdded:
		m.ContentAdded.WithLabelValues(evt.Type.String()).Inc()
	case store.EventDropped:
		m.ContentDropped.Inc()
	}
}

// RefreshTable snapshots table's per-bucket occupancy into
// m.RoutingTableSize under the given network label; sizes is keyed by
// bucket index, as kademlia.Table.BucketSizes returns it. The table exposes no
// change notifications, so an embedder calls this on a ticker (matching
// the reference client's periodic bucket-refresh cadence) rather than
// this package wiring up its own.
func (m *Metrics) RefreshTable(network string, sizes map[int]int) {
	for bucket, n := range sizes {
		m.RoutingTableSize.WithLabelValues(network, strconv.Itoa(bucket)).Set(float64(n))
	}
}

// SetContentStoreBytes reports the content store's current on-disk size,
// as returned by store.ContentStore.Size.
func (m *Metrics) SetContentStoreBytes(bytes int64) {
	m.ContentStoreBytes.Set(float64(bytes))
}

// SetOpenSockets and SetBytesInFlight are called by the multiplexer's
// watchdog tick (internal/utp/multiplexer.go), which already walks every
// open socket once per tick and is the natural place to resample both
// gauges without a second pass over the same map.
func (m *Metrics) SetOpenSockets(n int) {
	m.OpenSockets.Set(float64(n))
}

func (m *Metrics) SetBytesInFlight(n int64) {
	m.BytesInFlight.Set(float64(n))
}
