// Package kademlia implements the 256-bucket XOR-distance routing table
// described in §4.E: standard Kademlia bucketing with k=16 per bucket and
// a single pending-replacement slot, plus per-peer radius tracking and
// the known-content suppression cache used to avoid duplicate OFFERs.
package kademlia

import (
	"crypto/rand"
	"sort"
	"sync"
	"time"

	"github.com/hollowline/portal/internal/enr"
)

// K is the maximum number of live entries per bucket.
const K = 16

// Entry is one routing-table record plus its liveness bookkeeping.
type Entry struct {
	Record   enr.Record
	LastSeen time.Duration
}

type bucket struct {
	entries []Entry
	pending *Entry
}

// Table is the 256 k-bucket routing table keyed by XOR distance to self
// (§3, §4.E). Each network owns its own Table (§4.G). All mutation is
// synchronous and expected to be driven by a single network goroutine;
// point queries (Nearest, GetRadius) take the read lock, so they may run
// concurrently with that mutation.
type Table struct {
	mu      sync.RWMutex
	self    enr.NodeID
	buckets [256]bucket
	radii   map[enr.NodeID]enr.Distance
}

// NewTable constructs an empty table centered on self.
func NewTable(self enr.NodeID) *Table {
	return &Table{
		self:  self,
		radii: make(map[enr.NodeID]enr.Distance),
	}
}

// Self returns the node id this table is centered on.
func (t *Table) Self() enr.NodeID { return t.self }

func (t *Table) bucketFor(id enr.NodeID) (int, bool) {
	d := enr.DistanceBetween(t.self, id)
	return d.BucketIndex()
}

// Add inserts or refreshes rec (§4.E rule: if present, move to tail; if
// room, append; else place in the pending replacement slot awaiting a
// liveness probe of the head).
func (t *Table) Add(now time.Duration, rec enr.Record) {
	idx, ok := t.bucketFor(rec.ID)
	if !ok {
		return // rec.ID == self
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	b := &t.buckets[idx]
	for i, e := range b.entries {
		if e.Record.ID == rec.ID {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			b.entries = append(b.entries, Entry{Record: rec, LastSeen: now})
			return
		}
	}
	if len(b.entries) < K {
		b.entries = append(b.entries, Entry{Record: rec, LastSeen: now})
		return
	}
	b.pending = &Entry{Record: rec, LastSeen: now}
}

// ConfirmHead reports that bucket idx's head answered a liveness probe:
// it is moved to the tail and the pending candidate (which lost the
// probe race) is discarded.
func (t *Table) ConfirmHead(idx int, now time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := &t.buckets[idx]
	if len(b.entries) == 0 {
		return false
	}
	head := b.entries[0]
	head.LastSeen = now
	b.entries = append(b.entries[1:], head)
	b.pending = nil
	return true
}

// EvictHead reports that bucket idx's head failed a liveness probe: it is
// dropped and the pending candidate, if any, takes its place.
func (t *Table) EvictHead(idx int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := &t.buckets[idx]
	if len(b.entries) == 0 {
		return false
	}
	b.entries = b.entries[1:]
	if b.pending != nil {
		b.entries = append(b.entries, *b.pending)
		b.pending = nil
	}
	return true
}

// Head returns bucket idx's stalest entry (candidate for a liveness
// probe) and whether one exists.
func (t *Table) Head(idx int) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b := &t.buckets[idx]
	if len(b.entries) == 0 {
		return Entry{}, false
	}
	return b.entries[0], true
}

// Nearest returns the n entries whose ids are closest to target by XOR
// distance, in non-decreasing distance order (P4). target is usually a
// NodeID for FINDNODES fan-out, or a content-id for FINDCONTENT routing.
func (t *Table) Nearest(target [32]byte, n int) []enr.Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	type scored struct {
		rec  enr.Record
		dist enr.Distance
	}
	all := make([]scored, 0, 256*K)
	for i := range t.buckets {
		for _, e := range t.buckets[i].entries {
			all = append(all, scored{rec: e.Record, dist: enr.DistanceBetween(e.Record.ID, target)})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].dist.Less(all[j].dist) })

	if n > len(all) {
		n = len(all)
	}
	out := make([]enr.Record, n)
	for i := 0; i < n; i++ {
		out[i] = all[i].rec
	}
	return out
}

// AtLogDistance returns the records at exactly the given log-distance
// from self, for answering a FINDNODES(distances) request: distance 0 is
// self's own record, anything else is bucket 255-d's contents.
func (t *Table) AtLogDistance(self enr.Record, d int) []enr.Record {
	if d == 0 {
		return []enr.Record{self}
	}
	idx := 255 - d
	if idx < 0 || idx > 255 {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	b := &t.buckets[idx]
	out := make([]enr.Record, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.Record
	}
	return out
}

// SetRadius records a peer's advertised content radius (from a PONG
// custom payload).
func (t *Table) SetRadius(id enr.NodeID, r enr.Distance) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.radii[id] = r
}

// GetRadius returns a peer's last-known radius, defaulting to
// enr.MaxRadius if none has been recorded yet.
func (t *Table) GetRadius(id enr.NodeID) enr.Distance {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if r, ok := t.radii[id]; ok {
		return r
	}
	return enr.MaxRadius
}

// LeastPopulatedNonEmptyBucket returns the index of the non-empty bucket
// with the fewest entries, the refresh target per §4.E's bucketRefresh.
func (t *Table) LeastPopulatedNonEmptyBucket() (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	best, bestCount := -1, K+1
	for i := range t.buckets {
		n := len(t.buckets[i].entries)
		if n > 0 && n < bestCount {
			best, bestCount = i, n
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}

// Size returns the total number of entries across all buckets.
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for i := range t.buckets {
		n += len(t.buckets[i].entries)
	}
	return n
}

// BucketSizes returns the entry count of every non-empty bucket, keyed by
// bucket index, for occupancy reporting (§6 metrics).
func (t *Table) BucketSizes() map[int]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[int]int)
	for i := range t.buckets {
		if n := len(t.buckets[i].entries); n > 0 {
			out[i] = n
		}
	}
	return out
}

// RandomIDInBucket synthesizes a node id whose XOR distance to self falls
// in bucket idx, for the random-target FINDNODES lookup a bucket refresh
// issues.
func RandomIDInBucket(self enr.NodeID, idx int) enr.NodeID {
	if idx < 0 {
		idx = 0
	}
	if idx > 255 {
		idx = 255
	}
	logDistance := 255 - idx
	byteIdx := 31 - logDistance/8
	bitInByte := uint(logDistance % 8)

	var d enr.Distance
	if byteIdx+1 < len(d) {
		_, _ = rand.Read(d[byteIdx+1:])
	}
	top := byte(1) << bitInByte
	if bitInByte > 0 {
		var lower [1]byte
		_, _ = rand.Read(lower[:])
		top |= lower[0] & ((1 << bitInByte) - 1)
	}
	d[byteIdx] = top

	var target enr.NodeID
	for i := range target {
		target[i] = self[i] ^ d[i]
	}
	return target
}
