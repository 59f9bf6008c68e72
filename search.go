package dht

import (
	"encoding/binary"
	"net/netip"

	"github.com/jech/dht/krpc"
	"github.com/jech/dht/routing"
	"github.com/jech/dht/transport"
)

// A search walks towards the nodes closest to a target, keeping up to
// searchNodes candidates so there is room to backtrack when some of
// the closest eight turn out to be dead.
const (
	searchNodes      = 14
	maxSearches      = 1024
	searchExpireTime = 62 * 60 // seconds
	inflightQueries  = 4
	searchRetransmit = 10 // seconds

	maxTokenBytes = 40
)

// searchNode is a candidate inside a lookup. It holds its own copies
// of the id, address and token; it never references the routing
// table.
type searchNode struct {
	id          routing.ID
	addr        netip.AddrPort
	requestTime int64 // last unanswered request
	replyTime   int64
	pinged      int
	token       []byte
	replied     bool
	acked       bool
}

func (n *searchNode) live() bool { return n.pinged < 3 }

// search is one lookup slot. The 16-bit tid identifies it in reply
// transaction ids, which is how overlapping searches for the same
// target merge their replies.
type search struct {
	tid      uint16
	family   routing.Family
	stepTime int64
	target   routing.ID
	port     uint16 // 0 for a pure lookup
	done     bool
	nodes    []*searchNode // sorted by XOR distance to target
}

func (sr *search) flush(i int) {
	sr.nodes = append(sr.nodes[:i], sr.nodes[i+1:]...)
}

func (d *DHT) findSearch(tid uint16, family routing.Family) *search {
	for _, sr := range d.searches {
		if sr.tid == tid && sr.family == family {
			return sr
		}
	}
	return nil
}

// insertSearchNode slots a candidate into the sorted array, replacing
// the entry with the same id or evicting the tail. Returns nil if the
// candidate is too far away to keep.
func (d *DHT) insertSearchNode(sr *search, id routing.ID, addr netip.AddrPort,
	replied bool, token []byte) *searchNode {

	if transport.FamilyOf(addr) != sr.family {
		d.logger.Error("search candidate in wrong address family",
			"addr", addr.String(), "family", sr.family.String())
		return nil
	}

	var n *searchNode
	i := 0
	for ; i < len(sr.nodes); i++ {
		if sr.nodes[i].id == id {
			n = sr.nodes[i]
			break
		}
		if routing.CloserToRef(id, sr.nodes[i].id, sr.target) < 0 {
			break
		}
	}

	if n == nil {
		if i == searchNodes {
			return nil
		}
		n = &searchNode{id: id}
		if len(sr.nodes) < searchNodes {
			sr.nodes = append(sr.nodes, nil)
		}
		copy(sr.nodes[i+1:], sr.nodes[i:])
		sr.nodes[i] = n
	}

	n.addr = addr
	if replied {
		n.replied = true
		n.replyTime = d.now
		n.requestTime = 0
		n.pinged = 0
	}
	if token != nil {
		if len(token) >= maxTokenBytes {
			d.logger.Error("overlong token", "len", len(token))
		} else {
			n.token = append([]byte(nil), token...)
		}
	}
	return n
}

// searchSendGetPeers sends one get_peers for the search. With n nil
// it picks the farthest live candidate that hasn't replied and whose
// previous request has timed out. Returns 1 if a request went out.
func (d *DHT) searchSendGetPeers(sr *search, n *searchNode) int {
	if n == nil {
		for _, c := range sr.nodes {
			if c.pinged < 3 && !c.replied &&
				c.requestTime < d.now-searchRetransmit {
				n = c
			}
		}
	}

	if n == nil || n.pinged >= 3 || n.replied ||
		n.requestTime >= d.now-searchRetransmit {
		return 0
	}

	d.logger.Debug("sending get_peers", "addr", n.addr.String())
	tid := krpc.MakeTID("gp", sr.tid)
	_ = d.sendGetPeers(n.addr, tid, sr.target, 0,
		n.replyTime >= d.now-searchRetransmit)
	n.pinged++
	n.requestTime = d.now
	// If the node happens to be in the routing table, charge its ping
	// budget too.
	if t := d.table(sr.family); t != nil {
		t.MarkPinged(n.id, d.now)
	}
	return 1
}

// addSearchNode offers a freshly confirmed node to every incomplete
// search of its family.
func (d *DHT) addSearchNode(id routing.ID, addr netip.AddrPort) {
	family := transport.FamilyOf(addr)
	for _, sr := range d.searches {
		if sr.family != family || len(sr.nodes) >= searchNodes {
			continue
		}
		if n := d.insertSearchNode(sr, id, addr, false, nil); n != nil {
			d.searchSendGetPeers(sr, n)
		}
	}
}

// searchStep advances one search: check for completion, run the
// announce phase, or retransmit queries.
func (d *DHT) searchStep(sr *search) {
	// Have the first 8 live candidates replied?
	allDone := true
	j := 0
	for i := 0; i < len(sr.nodes) && j < 8; i++ {
		n := sr.nodes[i]
		if !n.live() {
			continue
		}
		if !n.replied {
			allDone = false
			break
		}
		j++
	}

	if allDone {
		if sr.port == 0 {
			d.searchDone(sr)
			return
		}
		allAcked := true
		j = 0
		for i := 0; i < len(sr.nodes) && j < 8; i++ {
			n := sr.nodes[i]
			if !n.live() {
				continue
			}
			// A proposed protocol extension omits the token when the
			// callee's storage is full; treat those nodes as acked.
			if len(n.token) == 0 {
				n.acked = true
			}
			if !n.acked {
				allAcked = false
				d.logger.Debug("sending announce_peer", "addr", n.addr.String())
				tid := krpc.MakeTID("ap", sr.tid)
				_ = d.sendAnnouncePeer(n.addr, tid, sr.target, sr.port,
					n.token, n.replyTime >= d.now-15)
				n.pinged++
				n.requestTime = d.now
				if t := d.table(sr.family); t != nil {
					t.MarkPinged(n.id, d.now)
				}
			}
			j++
		}
		if allAcked {
			d.searchDone(sr)
			return
		}
		sr.stepTime = d.now
		return
	}

	if sr.stepTime+searchRetransmit >= d.now {
		return
	}

	sent := 0
	for _, n := range sr.nodes {
		sent += d.searchSendGetPeers(sr, n)
		if sent >= inflightQueries {
			break
		}
	}
	sr.stepTime = d.now
}

func (d *DHT) searchDone(sr *search) {
	d.logger.Info("search complete",
		"target", sr.target.String(), "family", sr.family.String())
	sr.done = true
	if sr.family == routing.IPv4 {
		d.emit(EventSearchDone, sr.target, nil)
	} else {
		d.emit(EventSearchDone6, sr.target, nil)
	}
	sr.stepTime = d.now
}

// newSearch finds a slot: a done slot past its expiry, a fresh
// allocation while under the cap, or failing those the oldest done
// slot. Returns nil when everything is live.
func (d *DHT) newSearch() *search {
	var oldest *search
	for _, sr := range d.searches {
		if sr.done && (oldest == nil || oldest.stepTime > sr.stepTime) {
			oldest = sr
		}
	}
	if oldest != nil && oldest.stepTime < d.now-searchExpireTime {
		return oldest
	}
	if len(d.searches) < d.maxSearches {
		sr := &search{}
		d.searches = append(d.searches, sr)
		return sr
	}
	return oldest
}

func (d *DHT) insertSearchBucket(b *routing.Bucket, sr *search) {
	for _, n := range b.Nodes {
		d.insertSearchNode(sr, n.ID, n.Addr, false, nil)
	}
}

// expireSearches drops slots whose last step is over an hour old.
// Unfinished expired searches still fire their completion event.
func (d *DHT) expireSearches() {
	kept := d.searches[:0]
	for _, sr := range d.searches {
		if sr.stepTime >= d.now-searchExpireTime {
			kept = append(kept, sr)
			continue
		}
		if !sr.done {
			d.logger.Info("search expired",
				"target", sr.target.String(), "family", sr.family.String())
			if sr.family == routing.IPv4 {
				d.emit(EventSearchDone, sr.target, nil)
			} else {
				d.emit(EventSearchDone6, sr.target, nil)
			}
		}
	}
	d.searches = kept
}

// Search starts (or rejoins) a lookup for an info-hash. A non-zero
// port announces it once the lookup converges. Locally stored peers
// are delivered through the callback right away.
//
// Starting a search for a target that is already in progress merges
// with it: the old slot keeps its tid so outstanding replies still
// count, and duplicate reports true so the caller can suppress a
// second completion notification.
func (d *DHT) Search(infoHash routing.ID, port uint16, family routing.Family) (duplicate bool, err error) {
	if d.closed {
		return false, ErrClosed
	}
	t := d.table(family)
	if t == nil {
		return false, ErrUnsupportedFamily
	}
	d.tick()

	d.logger.Info("starting search",
		"target", infoHash.String(), "family", family.String())

	// Answer locally first. In a grown DHT this almost never hits,
	// but small private deployments store their own announces.
	if d.callback != nil {
		if st := d.store.Find(infoHash); st != nil {
			d.logger.Debug("serving peers from local storage",
				"peers", st.NumPeers(), "target", infoHash.String())
			for _, p := range st.Peers() {
				var buf []byte
				if p.Addr.Is4() {
					a := p.Addr.As4()
					buf = append(buf, a[:]...)
					buf = binary.BigEndian.AppendUint16(buf, p.Port)
					d.emit(EventValues, infoHash, buf)
				} else {
					a := p.Addr.As16()
					buf = append(buf, a[:]...)
					buf = binary.BigEndian.AppendUint16(buf, p.Port)
					d.emit(EventValues6, infoHash, buf)
				}
			}
		}
	}

	var sr *search
	for _, s := range d.searches {
		if s.family == family && s.target == infoHash {
			sr = s
			break
		}
	}

	duplicate = sr != nil && !sr.done

	if sr != nil {
		// Rejoin the old slot. Keeping the tid means replies to the
		// previous wave merge into this one.
		d.logger.Debug("reusing existing search", "target", infoHash.String())
		sr.done = false
		i := 0
		for i < len(sr.nodes) {
			n := sr.nodes[i]
			if n.pinged >= 3 || n.replyTime < d.now-7200 {
				sr.flush(i)
				continue
			}
			n.pinged = 0
			n.token = nil
			n.replied = false
			n.acked = false
			i++
		}
	} else {
		d.logger.Debug("creating new search", "target", infoHash.String())
		sr = d.newSearch()
		if sr == nil {
			return false, ErrTooManySearches
		}
		sr.family = family
		sr.tid = d.searchID
		d.searchID++
		sr.stepTime = 0
		sr.target = infoHash
		sr.done = false
		sr.nodes = nil
	}

	sr.port = port

	b := t.Bucket(infoHash)
	d.insertSearchBucket(b, sr)
	if len(sr.nodes) < searchNodes {
		if next := t.NextOf(b); next != nil {
			d.insertSearchBucket(next, sr)
		}
		if prev := t.PrevOf(b); prev != nil {
			d.insertSearchBucket(prev, sr)
		}
	}
	if len(sr.nodes) < searchNodes {
		d.insertSearchBucket(t.SelfBucket(), sr)
	}

	d.searchStep(sr)
	d.searchTime = d.now
	return duplicate, nil
}
