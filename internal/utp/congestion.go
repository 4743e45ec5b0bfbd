package utp

import (
	"time"

	"github.com/hollowline/portal/internal/clock"
)

// Congestion/RTT tuning constants (§4.B).
const (
	targetDelay  = 100 * time.Millisecond
	gain         = 3000.0
	minWindow    = 3 * MSS
	maxWindowCap = 1 << 20 // 1 MiB

	minRTO     = 500 * time.Millisecond
	maxRTO     = 60 * time.Second
	baseDelayWindow = time.Minute
)

// outstandingPacket tracks one unacked DATA packet for RTT sampling and
// retransmission.
type outstandingPacket struct {
	seqNr       uint16
	size        int
	txTimestamp uint32
	sentAt      time.Duration // clock-relative send time, for base_delay sampling
}

// Controller implements the delay-based LEDBAT-like congestion control
// described in §4.B. It is owned by exactly one socket; all methods must
// be called from that socket's single goroutine.
type Controller struct {
	clk clock.Clock

	maxWindow int // bytes
	curWindow int // bytes in flight

	baseDelay    time.Duration
	baseSamples  []delaySample
	currentDelay time.Duration

	rtt    time.Duration
	rttVar time.Duration
	rto    time.Duration

	outstanding []outstandingPacket

	consecutiveTimeouts int
}

type delaySample struct {
	at    time.Duration
	delay time.Duration
}

// NewController returns a Controller seeded to its initial window and RTO.
func NewController(clk clock.Clock) *Controller {
	return &Controller{
		clk:       clk,
		maxWindow: minWindow,
		rto:       minRTO,
	}
}

// MaxWindow returns the current congestion window in bytes.
func (c *Controller) MaxWindow() int { return c.maxWindow }

// CurWindow returns bytes currently in flight.
func (c *Controller) CurWindow() int { return c.curWindow }

// RTO returns the current retransmission timeout.
func (c *Controller) RTO() time.Duration { return c.rto }

// CanSend reports whether a packet of size bytes may be sent without
// exceeding the congestion window (§5 backpressure rule).
func (c *Controller) CanSend(size int) bool {
	return c.curWindow+size <= c.maxWindow
}

// OnSend records size bytes of a newly transmitted packet as in flight.
func (c *Controller) OnSend(seqNr uint16, size int, txTimestamp uint32, now time.Duration) {
	c.curWindow += size
	c.outstanding = append(c.outstanding, outstandingPacket{
		seqNr: seqNr, size: size, txTimestamp: txTimestamp, sentAt: now,
	})
}

// OnAck processes one incoming STATE packet: removes ackedSeq (and, via
// the selective-ack bitmap, any later packets it reports received),
// samples one-way delay from timestampDiff, and updates the window and
// RTT estimators (§4.B steps 1-6).
func (c *Controller) OnAck(ackedSeq uint16, timestampDiff uint32, sack *SelectiveAck, now time.Duration) (ackedBytes int, writeReady bool) {
	oneWayDelay := time.Duration(timestampDiff) * time.Microsecond

	for i := 0; i < len(c.outstanding); {
		p := c.outstanding[i]
		acked := seqLE(p.seqNr, ackedSeq) // contiguous ack covers everything <= ackedSeq
		if !acked && sack != nil {
			if diff := int(p.seqNr) - int(ackedSeq) - 2; diff >= 0 && diff < SelectiveAckWindow {
				acked = sack.Has(diff)
			}
		}
		if acked {
			ackedBytes += p.size
			c.curWindow -= p.size
			if c.curWindow < 0 {
				c.curWindow = 0
			}
			c.sampleRTT(now - p.sentAt)
			c.outstanding = append(c.outstanding[:i], c.outstanding[i+1:]...)
			continue
		}
		i++
	}

	if ackedBytes == 0 {
		return 0, false
	}

	c.consecutiveTimeouts = 0
	c.sampleDelay(oneWayDelay, now)

	offTarget := (float64(targetDelay) - float64(c.currentDelay)) / float64(targetDelay)
	delta := gain * offTarget * (float64(ackedBytes) / float64(c.maxWindow))
	c.maxWindow = clampWindow(c.maxWindow + int(delta))

	return ackedBytes, true
}

// seqLE reports whether a <= b in uTP's wraparound sequence space, taking
// b as the "current" reference point (a is no more than half the space
// behind b).
func seqLE(a, b uint16) bool {
	return int16(a-b) <= 0
}

func clampWindow(w int) int {
	if w < minWindow {
		return minWindow
	}
	if w > maxWindowCap {
		return maxWindowCap
	}
	return w
}

func (c *Controller) sampleDelay(d time.Duration, now time.Duration) {
	c.baseSamples = append(c.baseSamples, delaySample{at: now, delay: d})
	cutoff := now - baseDelayWindow
	kept := c.baseSamples[:0]
	base := d
	for _, s := range c.baseSamples {
		if s.at < cutoff {
			continue
		}
		kept = append(kept, s)
		if s.delay < base {
			base = s.delay
		}
	}
	c.baseSamples = kept
	c.baseDelay = base

	// EWMA, alpha=1/8 as is conventional for this kind of delay filter.
	if c.currentDelay == 0 {
		c.currentDelay = d
	} else {
		c.currentDelay = c.currentDelay - c.currentDelay/8 + d/8
	}
	if c.currentDelay < c.baseDelay {
		c.currentDelay = c.baseDelay
	}
}

func (c *Controller) sampleRTT(sample time.Duration) {
	if sample <= 0 {
		return
	}
	if c.rtt == 0 {
		c.rtt = sample
		c.rttVar = sample / 2
	} else {
		// Jacobson/Karels.
		diff := sample - c.rtt
		if diff < 0 {
			diff = -diff
		}
		c.rttVar = c.rttVar + (diff-c.rttVar)/4
		c.rtt = c.rtt + (sample-c.rtt)/8
	}
	c.rto = c.rtt + 4*c.rttVar
	if c.rto < minRTO {
		c.rto = minRTO
	}
	if c.rto > maxRTO {
		c.rto = maxRTO
	}
}

// OnTimeout applies the retransmission-timeout penalty: halve the window,
// zero bytes in flight, double the RTO (capped), and report whether the
// socket has now seen three consecutive timeouts and must Reset.
func (c *Controller) OnTimeout() (shouldReset bool) {
	c.maxWindow = clampWindow(c.maxWindow / 2)
	c.curWindow = 0
	c.rto *= 2
	if c.rto > maxRTO {
		c.rto = maxRTO
	}
	c.consecutiveTimeouts++
	return c.consecutiveTimeouts >= 3
}

// OldestUnacked returns the earliest outstanding packet's seq_nr and
// whether one exists, for retransmission on timeout.
func (c *Controller) OldestUnacked() (uint16, bool) {
	if len(c.outstanding) == 0 {
		return 0, false
	}
	oldest := c.outstanding[0]
	for _, p := range c.outstanding[1:] {
		if int16(p.seqNr-oldest.seqNr) < 0 {
			oldest = p
		}
	}
	return oldest.seqNr, true
}

// HasOutstanding reports whether any packet is awaiting ACK.
func (c *Controller) HasOutstanding() bool { return len(c.outstanding) > 0 }
