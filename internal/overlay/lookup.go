package overlay

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hollowline/portal/internal/enr"
)

// LookupAlpha is the number of peers queried concurrently per round of an
// iterative content lookup (§4.H).
const LookupAlpha = 3

// DefaultLookupDeadline bounds a single Lookup call absent an explicit
// context deadline (§4.H, scenario 6).
const DefaultLookupDeadline = 10 * time.Second

// ContentLookupResultSize bounds the Peers slice a not-found Lookup
// returns, mirroring the routing table's per-bucket width (§4.E).
const ContentLookupResultSize = 16

// ContentFinder is the subset of Network a Lookup drives against one peer:
// send FINDCONTENT, and if the reply names a uTP connection rather than
// carrying the bytes inline, pull them.
type ContentFinder interface {
	FindContent(ctx context.Context, peer enr.NodeID, key []byte) (Content, error)
	PullContent(ctx context.Context, peer enr.NodeID, key []byte, connID uint16) ([]byte, error)
}

// EnrResolver recovers a NodeID from the opaque "enr:..." text strings a
// NODES or CONTENT(enrs) response carries, so a newly heard-of peer can
// join the shortlist. The ENR signature scheme and full record codec live
// with the discv5 collaborator (§1); a Lookup only needs this much of it.
type EnrResolver interface {
	Resolve(text string) (enr.Record, error)
}

// LookupResult is the outcome of a content lookup. Found reports whether
// Content holds the value; otherwise Peers holds the closest nodes the
// lookup heard of before its shortlist ran dry or its deadline passed,
// useful as OFFER/gossip targets for a cache-filling follow-up.
type LookupResult struct {
	Content []byte
	Peers   []enr.Record
	Found   bool
}

// candidate is one shortlist entry plus its distance to the lookup target,
// cached so repeated sorts don't recompute XOR distance.
type candidate struct {
	rec  enr.Record
	dist enr.Distance
}

// Lookup runs the α=3 parallel iterative FINDCONTENT search described in
// §4.H: each round queries up to LookupAlpha un-queried peers closest to
// the target, folds any returned ENRs into the shortlist, and stops as
// soon as one peer answers with the content itself. seed is the caller's
// own routing-table Nearest(contentID, k) — Lookup never consults a table
// directly so it stays testable against a fake ContentFinder/EnrResolver.
func Lookup(ctx context.Context, finder ContentFinder, resolver EnrResolver, self enr.NodeID, key []byte, seed []enr.Record) (LookupResult, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultLookupDeadline)
		defer cancel()
	}

	// traceID correlates this lookup's rounds in the debug log.
	traceID := uuid.NewString()
	log := slog.Default().With("lookup", traceID)

	l := &lookupRun{
		finder:   finder,
		resolver: resolver,
		self:     self,
		target:   contentIDOf(key),
		key:      key,
		queried:  make(map[enr.NodeID]bool),
		failed:   make(map[enr.NodeID]bool),
	}
	for _, rec := range seed {
		l.offer(rec)
	}

	for round := 1; ; round++ {
		batch := l.nextBatch(LookupAlpha)
		if len(batch) == 0 {
			break
		}
		log.Debug("lookup round", "round", round, "peers", len(batch))

		eg, egctx := errgroup.WithContext(ctx)
		results := make([]Content, len(batch))
		failed := make([]bool, len(batch))
		for i, rec := range batch {
			i, rec := i, rec
			eg.Go(func() error {
				c, err := l.finder.FindContent(egctx, rec.ID, l.key)
				if err != nil {
					l.markFailed(rec.ID)
					failed[i] = true
					return nil // a single peer's failure doesn't abort the round
				}
				results[i] = c
				return nil
			})
		}
		_ = eg.Wait() // per-peer errors are absorbed above; nothing propagates

		for i, rec := range batch {
			if failed[i] {
				continue
			}
			switch results[i].Kind {
			case ContentKindPayload:
				log.Debug("lookup found content inline", "round", round, "peer", rec.ID)
				return LookupResult{Content: results[i].Payload, Found: true}, nil

			case ContentKindConnectionID:
				content, err := l.finder.PullContent(ctx, rec.ID, l.key, results[i].ConnectionID)
				if err == nil {
					log.Debug("lookup found content over utp", "round", round, "peer", rec.ID)
					return LookupResult{Content: content, Found: true}, nil
				}
				l.markFailed(rec.ID)

			case ContentKindEnrs:
				if l.resolver == nil {
					continue
				}
				for _, text := range results[i].Enrs {
					if rec2, rerr := l.resolver.Resolve(text); rerr == nil {
						l.offer(rec2)
					}
				}
			}
		}

		select {
		case <-ctx.Done():
			log.Debug("lookup deadline exceeded", "round", round)
			return LookupResult{Peers: l.closest(ContentLookupResultSize)}, ctx.Err()
		default:
		}
	}

	log.Debug("lookup exhausted shortlist without finding content")
	return LookupResult{Peers: l.closest(ContentLookupResultSize)}, nil
}

// lookupRun holds one Lookup call's shortlist/queried/failed bookkeeping.
type lookupRun struct {
	finder   ContentFinder
	resolver EnrResolver
	self     enr.NodeID
	target   [32]byte
	key      []byte

	mu        sync.Mutex
	shortlist []candidate
	queried   map[enr.NodeID]bool
	failed    map[enr.NodeID]bool
}

// offer inserts rec into the shortlist if it's new and not self.
func (l *lookupRun) offer(rec enr.Record) {
	if rec.ID == l.self {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.shortlist {
		if c.rec.ID == rec.ID {
			return
		}
	}
	l.shortlist = append(l.shortlist, candidate{rec: rec, dist: enr.DistanceBetween(rec.ID, l.target)})
	sort.Slice(l.shortlist, func(i, j int) bool { return l.shortlist[i].dist.Less(l.shortlist[j].dist) })
}

func (l *lookupRun) markFailed(id enr.NodeID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failed[id] = true
}

// nextBatch returns up to n un-queried, non-failed peers closest to the
// target, marking them queried so the next round doesn't repick them.
func (l *lookupRun) nextBatch(n int) []enr.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []enr.Record
	for _, c := range l.shortlist {
		if len(out) == n {
			break
		}
		if l.queried[c.rec.ID] || l.failed[c.rec.ID] {
			continue
		}
		l.queried[c.rec.ID] = true
		out = append(out, c.rec)
	}
	return out
}

func (l *lookupRun) closest(n int) []enr.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > len(l.shortlist) {
		n = len(l.shortlist)
	}
	out := make([]enr.Record, n)
	for i := 0; i < n; i++ {
		out[i] = l.shortlist[i].rec
	}
	return out
}

// contentIDOf hashes a raw content key into its 32-byte content-id, the
// same derivation store.ContentKey.ContentID uses, duplicated here rather
// than pulling in internal/store for this one helper.
func contentIDOf(key []byte) [32]byte {
	return sha256.Sum256(key)
}
