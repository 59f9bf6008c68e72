package dht

import (
	"net/netip"
	"time"

	"github.com/jech/dht/krpc"
	"github.com/jech/dht/routing"
	"github.com/jech/dht/transport"
)

// Periodic is the engine's single entry point for time and traffic.
// The host calls it whenever a datagram arrives (packet, from) and
// whenever the previous sleep hint elapses (nil packet). The returned
// duration is how long the host may sleep if no traffic shows up.
func (d *DHT) Periodic(packet []byte, from netip.AddrPort) (time.Duration, error) {
	if d.closed {
		return 0, ErrClosed
	}
	d.tick()

	if len(packet) > 0 {
		d.processPacket(packet, from)
	}

	if d.now >= d.rotateTime {
		d.rotateSecrets()
	}

	if d.now >= d.expireTime {
		d.expireBuckets()
		d.store.Expire(d.now)
		d.expireSearches()
	}

	if d.searchTime > 0 && d.now >= d.searchTime {
		for _, sr := range d.searches {
			if !sr.done && sr.stepTime+searchRetransmit/2+1 <= d.now {
				d.searchStep(sr)
			}
		}

		d.searchTime = 0
		for _, sr := range d.searches {
			if sr.done {
				continue
			}
			tm := sr.stepTime + searchRetransmit + int64(d.rnd.Intn(searchRetransmit))
			if d.searchTime == 0 || d.searchTime > tm {
				d.searchTime = tm
			}
		}
	}

	if d.now >= d.confirmTime {
		soon := false
		if d.t4 != nil {
			soon = d.t4.BucketMaintenance(d.now, d.t6, d.dualStack()) || soon
		}
		if d.t6 != nil {
			soon = d.t6.BucketMaintenance(d.now, d.t4, d.dualStack()) || soon
		}

		if !soon {
			if d.t4 != nil && d.t4.GrowTime() >= d.now-150 {
				soon = d.t4.NeighbourhoodMaintenance(d.now, d.dualStack()) || soon
			}
			if d.t6 != nil && d.t6.GrowTime() >= d.now-150 {
				soon = d.t6.NeighbourhoodMaintenance(d.now, d.dualStack()) || soon
			}
		}

		// With a deep table the worst case is a probe every 18
		// seconds or so; keeping the "soon" case within 15 leaves
		// margin for neighbourhood maintenance.
		if soon {
			d.confirmTime = d.now + 5 + int64(d.rnd.Intn(10))
		} else {
			d.confirmTime = d.now + 60 + int64(d.rnd.Intn(120))
		}
	}

	if d.bootstrapTime > 0 && d.now >= d.bootstrapTime {
		d.bootstrapPeriodic(routing.IPv4)
		d.bootstrapPeriodic(routing.IPv6)
		d.bootstrapUpdateTimer()
	}

	return d.sleepHint(), nil
}

// dualStack reports that both sockets are up and no bootstrap
// iteration is pending, which is when dual-family queries pay off.
func (d *DHT) dualStack() bool {
	return d.t4 != nil && d.t6 != nil && d.bootstrapTime <= 0
}

func (d *DHT) expireBuckets() {
	if d.t4 != nil {
		d.t4.Expire(d.now)
	}
	if d.t6 != nil {
		d.t6.Expire(d.now)
	}
	d.expireTime = d.now + 120 + int64(d.rnd.Intn(240))
}

func (d *DHT) sleepHint() time.Duration {
	tosleep := int64(0)
	if d.confirmTime > d.now {
		tosleep = d.confirmTime - d.now
	}

	deadline := func(t int64) {
		if t <= 0 {
			return
		}
		if t <= d.now {
			tosleep = 0
		} else if tosleep > t-d.now {
			tosleep = t - d.now
		}
	}
	deadline(d.searchTime)
	deadline(d.bootstrapTime)
	deadline(d.expireTime)

	return time.Duration(tosleep) * time.Second
}

func (d *DHT) processPacket(packet []byte, from netip.AddrPort) {
	if transport.IsMartian(from) {
		return
	}
	if d.tr.Blacklisted(from) {
		d.logger.Debug("packet from blacklisted node", "addr", from.String())
		return
	}

	// The decoder's scans rely on a NUL sentinel after the payload.
	buf := make([]byte, 0, len(packet)+1)
	buf = append(buf, packet...)
	buf = append(buf, 0)

	kind, m, err := krpc.Parse(buf, d.logger)
	if err != nil || kind == krpc.Error || routing.ID(m.ID).IsZero() {
		d.logger.Warn("unparseable message", "addr", from.String())
		return
	}

	id := routing.ID(m.ID)
	if id == d.self {
		d.logger.Warn("message from self", "addr", from.String())
		return
	}

	if kind > krpc.Reply {
		// Rate limit requests; replies always get through.
		if !d.tr.AllowRequest(from, d.now) {
			d.logger.Warn("dropping request due to rate limiting", "addr", from.String())
			return
		}
	}

	family := transport.FamilyOf(from)
	t := d.table(family)
	if t == nil {
		d.logger.Warn("packet for inactive family", "addr", from.String())
		return
	}

	switch kind {
	case krpc.Reply:
		d.handleReply(t, m, id, from)
	case krpc.Ping:
		d.logger.Debug("received ping", "addr", from.String())
		t.Observe(id, from, 1, d.now)
		_ = d.sendPong(from, m.TID)
	case krpc.FindNode:
		d.logger.Debug("received find_node", "addr", from.String())
		t.Observe(id, from, 1, d.now)
		_ = d.sendClosestNodes(from, m.TID, routing.ID(m.Target), m.Want, nil, nil)
	case krpc.GetPeers:
		d.handleGetPeers(t, m, id, from)
	case krpc.AnnouncePeer:
		d.handleAnnouncePeer(t, m, id, from)
	}
}

func (d *DHT) handleReply(t *routing.Table, m *krpc.Message, id routing.ID, from netip.AddrPort) {
	if len(m.TID) != 4 {
		// Truncated tids would time out every search routed through
		// this node. Kill it.
		d.logger.Warn("blacklisting node for truncated transaction id",
			"addr", from.String())
		d.blacklistNode(id, from)
		return
	}

	switch {
	case krpc.TIDMatches(m.TID, "pn"):
		d.logger.Debug("received pong", "addr", from.String())
		t.Observe(id, from, 2, d.now)

	case krpc.TIDMatches(m.TID, "fn"), krpc.TIDMatches(m.TID, "gp"):
		var sr *search
		gp := krpc.TIDMatches(m.TID, "gp")
		if gp {
			sr = d.findSearch(krpc.TIDSeq(m.TID), t.Family())
		}
		d.logger.Debug("received nodes",
			"nodes", len(m.Nodes)/krpc.NodeLen, "nodes6", len(m.Nodes6)/krpc.Node6Len,
			"get_peers", gp, "addr", from.String())

		if len(m.Nodes)%krpc.NodeLen != 0 || len(m.Nodes6)%krpc.Node6Len != 0 {
			d.logger.Warn("blacklisting node for invalid node list length",
				"addr", from.String())
			d.blacklistNode(id, from)
			return
		} else if gp && sr == nil {
			d.logger.Warn("no matching search for peers", "addr", from.String())
			t.Observe(id, from, 1, d.now)
		} else {
			t.Observe(id, from, 2, d.now)
			d.absorbNodes(m.Nodes, krpc.NodeLen, routing.IPv4, sr)
			d.absorbNodes(m.Nodes6, krpc.Node6Len, routing.IPv6, sr)
			if sr != nil {
				// A reply means an in-flight request completed; push
				// another one.
				d.searchSendGetPeers(sr, nil)
			}
		}

		if sr != nil {
			d.insertSearchNode(sr, id, from, true, m.Token)
			if len(m.Values) > 0 || len(m.Values6) > 0 {
				d.logger.Info("received peers",
					"v4", len(m.Values)/krpc.ValueLen, "v6", len(m.Values6)/krpc.Value6Len,
					"addr", from.String(), "target", sr.target.String())
				if len(m.Values) > 0 {
					d.emit(EventValues, sr.target, m.Values)
				}
				if len(m.Values6) > 0 {
					d.emit(EventValues6, sr.target, m.Values6)
				}
			}
		}

	case krpc.TIDMatches(m.TID, "ap"):
		d.logger.Debug("received announce_peer reply", "addr", from.String())
		sr := d.findSearch(krpc.TIDSeq(m.TID), t.Family())
		if sr == nil {
			d.logger.Warn("no matching search for announce reply", "addr", from.String())
			t.Observe(id, from, 1, d.now)
			return
		}
		t.Observe(id, from, 2, d.now)
		for _, n := range sr.nodes {
			if n.id == id {
				n.requestTime = 0
				n.replyTime = d.now
				n.acked = true
				n.pinged = 0
				break
			}
		}
		d.searchSendGetPeers(sr, nil)

	default:
		d.logger.Debug("unexpected reply", "addr", from.String())
	}
}

// absorbNodes walks a packed node list from a reply: every entry goes
// into the routing table as hearsay, and into the search (if any) of
// the matching family.
func (d *DHT) absorbNodes(blob []byte, entryLen int, family routing.Family, sr *search) {
	t := d.table(family)
	for i := 0; i+entryLen <= len(blob); i += entryLen {
		entry := blob[i : i+entryLen]
		id := routing.ID(([20]byte)(entry[:20]))
		if id == d.self {
			continue
		}
		ipLen := entryLen - 22
		var addr netip.Addr
		if ipLen == 4 {
			addr = netip.AddrFrom4([4]byte(entry[20:24]))
		} else {
			addr = netip.AddrFrom16([16]byte(entry[20:36]))
		}
		port := uint16(entry[entryLen-2])<<8 | uint16(entry[entryLen-1])
		ap := netip.AddrPortFrom(addr, port)

		if t != nil {
			t.Observe(id, ap, 0, d.now)
		}
		if sr != nil && sr.family == family {
			d.insertSearchNode(sr, id, ap, false, nil)
		}
	}
}

func (d *DHT) handleGetPeers(t *routing.Table, m *krpc.Message, id routing.ID, from netip.AddrPort) {
	d.logger.Debug("received get_peers", "addr", from.String())
	t.Observe(id, from, 1, d.now)

	infoHash := routing.ID(m.InfoHash)
	if infoHash.IsZero() {
		d.logger.Warn("get_peers without info_hash", "addr", from.String())
		_ = d.sendError(from, m.TID, 203, "Get_peers without info_hash")
		return
	}

	token := d.makeToken(from, false)
	st := d.store.Find(infoHash)
	if st != nil && st.NumPeers() > 0 {
		d.logger.Debug("sending peers from local storage", "addr", from.String())
		_ = d.sendClosestNodes(from, m.TID, infoHash, m.Want, st, token)
	} else {
		_ = d.sendClosestNodes(from, m.TID, infoHash, m.Want, nil, token)
	}
}

func (d *DHT) handleAnnouncePeer(t *routing.Table, m *krpc.Message, id routing.ID, from netip.AddrPort) {
	d.logger.Debug("received announce_peer", "addr", from.String())
	t.Observe(id, from, 1, d.now)

	infoHash := routing.ID(m.InfoHash)
	if infoHash.IsZero() {
		d.logger.Warn("announce_peer without info_hash", "addr", from.String())
		_ = d.sendError(from, m.TID, 203, "Announce_peer without info_hash")
		return
	}
	if !d.tokenMatch(m.Token, from) {
		d.logger.Warn("announce_peer with incorrect token", "addr", from.String())
		_ = d.sendError(from, m.TID, 203, "Announce_peer with incorrect token")
		return
	}

	port := m.Port
	if m.ImpliedPort {
		// Use the source port even when an explicit port was also
		// given; that is what the protocol says.
		port = from.Port()
	}
	if port == 0 {
		d.logger.Warn("announce_peer with forbidden port", "addr", from.String())
		_ = d.sendError(from, m.TID, 203, "Announce_peer with forbidden port")
		return
	}

	d.store.Add(infoHash, from.Addr(), port, d.now)
	// Even if storage refused the peer we acknowledge, so the
	// requester doesn't backtrack and amplify traffic.
	d.logger.Debug("sending peer_announced", "addr", from.String())
	_ = d.sendPeerAnnounced(from, m.TID)
}
