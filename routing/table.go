package routing

import (
	"log/slog"
	"math/rand"
	"net/netip"

	"github.com/bits-and-blooms/bloom/v3"
)

// Node is a remote peer tracked by the routing table. Times are unix
// seconds from the host clock.
type Node struct {
	ID         ID
	Addr       netip.AddrPort
	Time       int64 // last message received
	ReplyTime  int64 // last correct reply received
	PingedTime int64 // last request sent
	Pinged     int   // requests sent since the last reply
}

// Good reports whether the node counts as known-good: it answered a
// request within the last two hours, said anything within the last
// fifteen minutes, and doesn't have a backlog of unanswered pings.
func (n *Node) Good(now int64) bool {
	return n.Pinged <= 2 &&
		n.ReplyTime > 0 && n.ReplyTime >= now-7200 &&
		n.Time >= now-900
}

// Bucket covers the range [First, next.First). Buckets partition the
// keyspace; the one containing the local ID is the only one eligible
// to split.
type Bucket struct {
	First    ID
	MaxCount int
	Time     int64 // last positive confirmation in this bucket
	Nodes    []*Node
	Cached   netip.AddrPort // likely candidate for a free slot
}

// Prober is how the table asks for packets to be sent. The confirm
// argument hints that the destination replied recently, so the send
// path may skip neighbour discovery.
type Prober interface {
	PingNode(addr netip.AddrPort, confirm bool)
	FindNode(addr netip.AddrPort, target ID, wantBoth bool, confirm bool)
}

// Stats summarizes one routing tree.
type Stats struct {
	Buckets        int `json:"buckets"`
	Good           int `json:"good"`
	Dubious        int `json:"dubious"`
	Total          int `json:"total"`
	EstimatedNodes int `json:"estimated_nodes"`
}

// NodeCounts breaks the table down for reachability diagnostics.
// Incoming counts good nodes whose last message was an unsolicited
// request, which is evidence that we are reachable from the outside.
type NodeCounts struct {
	Good     int `json:"good"`
	Dubious  int `json:"dubious"`
	Cached   int `json:"cached"`
	Incoming int `json:"incoming"`
}

const (
	rootBucketSize = 128
	minBucketSize  = 8

	// Give a pinged node this long to answer before probing it again.
	pingPatience = 15
)

// Table is one routing tree. It is not safe for concurrent use; the
// engine serializes access.
type Table struct {
	family Family
	self   ID
	// Sorted by First; together the buckets cover the whole keyspace.
	buckets []*Bucket

	probe Prober
	// Reject short-circuits Observe for martian or blacklisted
	// addresses.
	Reject func(netip.AddrPort) bool
	// OnConfirmed fires when a node replies to one of our requests,
	// so in-progress lookups can pick it up.
	OnConfirmed func(id ID, addr netip.AddrPort)

	// Probing dubious occupants is pointless while the bootstrap
	// driver is flooding the table.
	Bootstrapping bool

	growTime int64 // last time the self bucket gained a node

	seen   *bloom.BloomFilter
	rnd    *rand.Rand
	logger *slog.Logger
}

// NewTable creates a routing tree for one address family, rooted at a
// single full-range bucket.
func NewTable(family Family, self ID, probe Prober, rnd *rand.Rand, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		family:  family,
		self:    self,
		buckets: []*Bucket{{MaxCount: rootBucketSize}},
		probe:   probe,
		seen:    bloom.NewWithEstimates(500000, 0.01),
		rnd:     rnd,
		logger:  logger.With("component", "table", "family", family.String()),
	}
}

func (t *Table) Family() Family { return t.family }

// GrowTime is the last time our own bucket gained a node.
func (t *Table) GrowTime() int64 { return t.growTime }

// bucketIndex returns the index of the bucket containing id.
func (t *Table) bucketIndex(id ID) int {
	// The list is short (a saturated table has a few dozen buckets),
	// so a linear walk is fine.
	for i := 0; i < len(t.buckets)-1; i++ {
		if id.Compare(t.buckets[i+1].First) < 0 {
			return i
		}
	}
	return len(t.buckets) - 1
}

// Bucket returns the bucket whose range contains id.
func (t *Table) Bucket(id ID) *Bucket {
	return t.buckets[t.bucketIndex(id)]
}

// SelfBucket returns the bucket containing the local ID.
func (t *Table) SelfBucket() *Bucket {
	return t.Bucket(t.self)
}

// NextOf returns the bucket following b, or nil.
func (t *Table) NextOf(b *Bucket) *Bucket {
	for i, c := range t.buckets {
		if c == b && i+1 < len(t.buckets) {
			return t.buckets[i+1]
		}
	}
	return nil
}

// PrevOf returns the bucket preceding b, or nil.
func (t *Table) PrevOf(b *Bucket) *Bucket {
	for i, c := range t.buckets {
		if c == b && i > 0 {
			return t.buckets[i-1]
		}
	}
	return nil
}

func (t *Table) contains(bi int, id ID) bool {
	b := t.buckets[bi]
	if b.First.Compare(id) > 0 {
		return false
	}
	if bi+1 < len(t.buckets) {
		return id.Compare(t.buckets[bi+1].First) < 0
	}
	return true
}

// FindNode returns the table's entry for id, or nil.
func (t *Table) FindNode(id ID) *Node {
	b := t.Bucket(id)
	for _, n := range b.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// bucketMiddle computes the id that splits b: the first undecided bit
// of the range, set. Fails when the range is a single id.
func (t *Table) bucketMiddle(bi int) (ID, bool) {
	b := t.buckets[bi]
	bit1 := lowBit(b.First)
	bit2 := -1
	if bi+1 < len(t.buckets) {
		bit2 = lowBit(t.buckets[bi+1].First)
	}
	bit := max(bit1, bit2) + 1
	if bit >= 160 {
		return ID{}, false
	}
	mid := b.First
	mid[bit/8] |= 0x80 >> uint(bit%8)
	return mid, true
}

// RandomIDInBucket returns a uniformly random id within b's range.
func (t *Table) RandomIDInBucket(b *Bucket) ID {
	bi := t.bucketIndex(b.First)
	bit1 := lowBit(b.First)
	bit2 := -1
	if bi+1 < len(t.buckets) {
		bit2 = lowBit(t.buckets[bi+1].First)
	}
	bit := max(bit1, bit2) + 1

	id := b.First
	if bit >= 160 {
		return id
	}
	id[bit/8] = b.First[bit/8] & byte(uint16(0xFF00)>>uint(bit%8))
	id[bit/8] |= byte(t.rnd.Intn(256)) & (0xFF >> uint(bit%8))
	for i := bit/8 + 1; i < 20; i++ {
		id[i] = byte(t.rnd.Intn(256))
	}
	return id
}

// RandomBucket picks a bucket uniformly at random.
func (t *Table) RandomBucket() *Bucket {
	if len(t.buckets) == 0 {
		return nil
	}
	return t.buckets[t.rnd.Intn(len(t.buckets))]
}

// RandomNode picks a node of b uniformly at random, or nil if b is
// empty.
func (t *Table) RandomNode(b *Bucket) *Node {
	if len(b.Nodes) == 0 {
		return nil
	}
	return b.Nodes[t.rnd.Intn(len(b.Nodes))]
}

// sendCachedPing pings the bucket's cached candidate, if any, so it
// can earn the slot that is about to free up.
func (t *Table) sendCachedPing(b *Bucket) {
	if !b.Cached.IsValid() {
		return
	}
	t.logger.Debug("pinging cached node", "addr", b.Cached.String())
	t.probe.PingNode(b.Cached, false)
	b.Cached = netip.AddrPort{}
}

// MarkPinged records that a request was sent to the node with the
// given id, if it is in the table. Three strikes and the bucket's
// cached replacement gets pinged.
func (t *Table) MarkPinged(id ID, now int64) {
	n := t.FindNode(id)
	if n == nil {
		return
	}
	t.pinged(n, nil, now)
}

func (t *Table) pinged(n *Node, b *Bucket, now int64) {
	n.Pinged++
	n.PingedTime = now
	if n.Pinged >= 3 {
		if b == nil {
			b = t.Bucket(n.ID)
		}
		t.sendCachedPing(b)
	}
}

// Discard makes the node easy to evict: its ping budget is exhausted
// immediately. Used when a peer is blacklisted.
func (t *Table) Discard(id ID, now int64) {
	n := t.FindNode(id)
	if n == nil {
		return
	}
	n.Pinged = 3
	t.pinged(n, nil, now)
}

// splitOnce divides the bucket at bi and returns the displaced nodes,
// which must be reinserted by the caller.
func (t *Table) splitOnce(bi int) ([]*Node, bool) {
	b := t.buckets[bi]
	if !t.contains(bi, t.self) {
		t.logger.Error("attempted to split wrong bucket", "first", b.First.String())
		return nil, false
	}
	mid, ok := t.bucketMiddle(bi)
	if !ok {
		return nil, false
	}

	t.sendCachedPing(b)

	nb := &Bucket{First: mid, Time: b.Time}
	displaced := b.Nodes
	b.Nodes = nil

	t.buckets = append(t.buckets, nil)
	copy(t.buckets[bi+2:], t.buckets[bi+1:])
	t.buckets[bi+1] = nb

	// The half that keeps our own ID keeps the capacity; the other
	// half shrinks, but never below the Kademlia minimum.
	if t.contains(bi, t.self) {
		nb.MaxCount = max(b.MaxCount/2, minBucketSize)
	} else {
		nb.MaxCount = b.MaxCount
		b.MaxCount = max(b.MaxCount/2, minBucketSize)
	}
	return displaced, true
}

// split divides the bucket at bi, reinserting its nodes and splitting
// recursively while the self bucket still overflows. Nodes that land
// in a full non-self bucket are dropped.
func (t *Table) split(bi int) bool {
	t.logger.Debug("splitting bucket", "first", t.buckets[bi].First.String())
	pending, ok := t.splitOnce(bi)
	if !ok {
		t.logger.Error("failed to split bucket", "first", t.buckets[bi].First.String())
		return false
	}

	for len(pending) > 0 {
		n := pending[0]
		pending = pending[1:]

		idx := t.bucketIndex(n.ID)
		b := t.buckets[idx]
		if len(b.Nodes) < b.MaxCount {
			b.Nodes = append(b.Nodes, n)
			continue
		}
		if !t.contains(idx, t.self) {
			continue // full non-self bucket, drop
		}
		more, ok := t.splitOnce(idx)
		if !ok {
			continue
		}
		pending = append(pending, n)
		pending = append(pending, more...)
	}
	return true
}

// Observe is the central mutator: we have just learnt about a node.
// Confirm is 0 for hearsay, 1 for an unsolicited message from the
// node itself and 2 for a reply to one of our requests. Returns the
// table's entry for the node, or nil if it was not admitted.
func (t *Table) Observe(id ID, addr netip.AddrPort, confirm int, now int64) *Node {
	if id == t.self || id.IsZero() {
		return nil
	}
	if t.Reject != nil && t.Reject(addr) {
		return nil
	}

	t.seen.Add(id[:])

	for {
		bi := t.bucketIndex(id)
		b := t.buckets[bi]
		myBucket := t.contains(bi, t.self)

		if confirm == 2 {
			b.Time = now
		}

		for _, n := range b.Nodes {
			if n.ID != id {
				continue
			}
			if confirm > 0 || n.Time < now-15*60 {
				n.Addr = addr
				if confirm > 0 {
					n.Time = now
				}
				if confirm >= 2 {
					n.ReplyTime = now
					n.Pinged = 0
					n.PingedTime = 0
				}
			}
			if confirm == 2 && t.OnConfirmed != nil {
				t.OnConfirmed(id, addr)
			}
			return n
		}

		// New node.
		if myBucket {
			t.growTime = now
		}

		// Recycle a known-bad slot if there is one.
		for _, n := range b.Nodes {
			if n.Pinged >= 3 && n.PingedTime < now-pingPatience {
				n.ID = id
				n.Addr = addr
				n.Time = 0
				n.ReplyTime = 0
				if confirm > 0 {
					n.Time = now
				}
				if confirm >= 2 {
					n.ReplyTime = now
				}
				n.PingedTime = 0
				n.Pinged = 0
				if confirm == 2 && t.OnConfirmed != nil {
					t.OnConfirmed(id, addr)
				}
				return n
			}
		}

		if len(b.Nodes) >= b.MaxCount {
			// Bucket full. Ping a dubious occupant, but not while
			// bootstrapping.
			dubious := false
			if !t.Bootstrapping {
				for _, n := range b.Nodes {
					// Pick the first dubious node that hasn't been
					// pinged recently. This concentrates pings on the
					// same nodes, so bad ones get evicted fast.
					if n.Good(now) {
						continue
					}
					dubious = true
					if n.PingedTime < now-pingPatience {
						t.logger.Debug("pinging dubious node", "addr", n.Addr.String())
						t.probe.PingNode(n.Addr, false)
						n.Pinged++
						n.PingedTime = now
						break
					}
				}
			}

			if myBucket && !dubious {
				if t.split(bi) {
					continue // retry the insert
				}
				return nil
			}

			// No room. Remember the address for later.
			if confirm > 0 || !b.Cached.IsValid() {
				b.Cached = addr
			}
			if confirm == 2 && t.OnConfirmed != nil {
				t.OnConfirmed(id, addr)
			}
			return nil
		}

		n := &Node{ID: id, Addr: addr}
		if confirm > 0 {
			n.Time = now
		}
		if confirm >= 2 {
			n.ReplyTime = now
		}
		b.Nodes = append(b.Nodes, n)
		if confirm == 2 && t.OnConfirmed != nil {
			t.OnConfirmed(id, addr)
		}
		return n
	}
}

// Expire purges nodes that have failed four pings in a row. Broken
// nodes do little harm, so this is deliberately conservative. Buckets
// that lose a node get their cached candidate pinged.
func (t *Table) Expire(now int64) {
	for _, b := range t.buckets {
		kept := b.Nodes[:0]
		changed := false
		for _, n := range b.Nodes {
			if n.Pinged >= 4 {
				changed = true
				continue
			}
			kept = append(kept, n)
		}
		b.Nodes = kept
		if changed {
			t.sendCachedPing(b)
		}
	}
}

// neighbourOf picks the bucket to query for maintenance of b: usually
// b itself, sometimes a neighbour, always one that has nodes if
// possible.
func (t *Table) neighbourOf(b *Bucket) *Bucket {
	q := b
	if next := t.NextOf(b); next != nil && (len(q.Nodes) == 0 || t.rnd.Intn(8) == 0) {
		q = next
	}
	if len(q.Nodes) == 0 || t.rnd.Intn(8) == 0 {
		if prev := t.PrevOf(b); prev != nil && len(prev.Nodes) > 0 {
			q = prev
		}
	}
	return q
}

// BucketMaintenance probes one bucket that has gone too long without
// a positive confirmation. Returns true if a query was sent, in which
// case the caller should reschedule soon. other is the tree for the
// other address family (may be nil); dualStack reports that both
// sockets are up and no bootstrap is pending.
func (t *Table) BucketMaintenance(now int64, other *Table, dualStack bool) bool {
	if t.Bootstrapping {
		return false
	}

	for _, b := range t.buckets {
		// Ten minutes for an 8-node bucket, proportionally less for
		// the wider ones near the root.
		to := int64(max(600/(b.MaxCount/minBucketSize), 30))
		if b.Time >= now-to {
			continue
		}

		// No recent confirmation. Query a random node for a random id
		// within the bucket's range. Empty buckets borrow a node from
		// a neighbour; occasionally we do that anyway, to recover
		// from buckets full of broken nodes.
		target := t.RandomIDInBucket(b)
		q := t.neighbourOf(b)
		n := t.RandomNode(q)
		if n == nil {
			continue
		}

		wantBoth := false
		if dualStack && other != nil {
			ob := other.Bucket(target)
			if len(ob.Nodes) < ob.MaxCount {
				// The corresponding bucket in the other family has
				// room, so asking for both is useful.
				wantBoth = true
			} else if t.rnd.Intn(37) == 0 {
				// Mostly overhead, but might stitch the two DHTs back
				// together after a network collapse.
				wantBoth = true
			}
		}

		t.logger.Debug("bucket maintenance find_node", "addr", n.Addr.String())
		t.probe.FindNode(n.Addr, target, wantBoth, n.ReplyTime >= now-pingPatience)
		t.pinged(n, q, now)
		// Avoid sending queries back-to-back; give up and let the
		// caller reschedule us soon.
		return true
	}
	return false
}

// NeighbourhoodMaintenance queries a node near our own ID with a
// freshly randomized nearby target, keeping our closest neighbours
// warm.
func (t *Table) NeighbourhoodMaintenance(now int64, dualStack bool) bool {
	if t.Bootstrapping {
		return false
	}

	target := t.self
	target[19] = byte(t.rnd.Intn(256))

	b := t.SelfBucket()
	q := t.neighbourOf(b)
	n := t.RandomNode(q)
	if n == nil {
		return false
	}

	t.logger.Debug("neighbourhood maintenance find_node", "addr", n.Addr.String())
	t.probe.FindNode(n.Addr, target, dualStack, n.ReplyTime >= now-pingPatience)
	t.pinged(n, q, now)
	return true
}

// ClosestGoodNodes returns up to maxNodes known-good nodes sorted by
// XOR distance to target, drawn from the target's bucket and its
// immediate neighbours.
func (t *Table) ClosestGoodNodes(target ID, maxNodes int, now int64) []*Node {
	var closest []*Node
	insert := func(n *Node) {
		i := 0
		for ; i < len(closest); i++ {
			if closest[i].ID == n.ID {
				return
			}
			if CloserToRef(n.ID, closest[i].ID, target) < 0 {
				break
			}
		}
		if i >= maxNodes {
			return
		}
		if len(closest) < maxNodes {
			closest = append(closest, nil)
		}
		copy(closest[i+1:], closest[i:])
		closest[i] = n
	}
	scan := func(b *Bucket) {
		if b == nil {
			return
		}
		for _, n := range b.Nodes {
			if n.Good(now) {
				insert(n)
			}
		}
	}

	b := t.Bucket(target)
	scan(b)
	scan(t.NextOf(b))
	scan(t.PrevOf(b))
	return closest
}

// GoodAddrs returns the addresses of all known-good nodes, starting
// with our own bucket so that a restored table keeps its closest
// neighbours.
func (t *Table) GoodAddrs(now int64) []netip.AddrPort {
	var out []netip.AddrPort
	sb := t.SelfBucket()
	for _, n := range sb.Nodes {
		if n.Good(now) {
			out = append(out, n.Addr)
		}
	}
	for _, b := range t.buckets {
		if b == sb {
			continue
		}
		for _, n := range b.Nodes {
			if n.Good(now) {
				out = append(out, n.Addr)
			}
		}
	}
	return out
}

// Stats counts nodes by quality.
func (t *Table) Stats(now int64) Stats {
	var s Stats
	s.Buckets = len(t.buckets)
	for _, b := range t.buckets {
		for _, n := range b.Nodes {
			if n.Good(now) {
				s.Good++
			} else {
				s.Dubious++
			}
			s.Total++
		}
	}
	s.EstimatedNodes = int(t.seen.ApproximatedSize())
	return s
}

// Counts reports the good/dubious/cached/incoming breakdown.
func (t *Table) Counts(now int64) NodeCounts {
	var c NodeCounts
	for _, b := range t.buckets {
		for _, n := range b.Nodes {
			if n.Good(now) {
				c.Good++
				if n.Time > n.ReplyTime {
					c.Incoming++
				}
			} else {
				c.Dubious++
			}
		}
		if b.Cached.IsValid() {
			c.Cached++
		}
	}
	return c
}

// Buckets exposes the bucket list for diagnostics and seeding.
func (t *Table) Buckets() []*Bucket {
	return t.buckets
}
