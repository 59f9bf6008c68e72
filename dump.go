package dht

import (
	"github.com/jech/dht/routing"
	"github.com/jech/dht/storage"
)

// DumpTables logs the full engine state at INFO: buckets and their
// nodes, in-progress searches, storage and bootstrap seeds. Useful
// behind a signal handler.
func (d *DHT) DumpTables() {
	if d.closed {
		return
	}
	d.tick()

	d.logger.Info("node identity", "id", d.self.String())

	dumpTree := func(t *routing.Table) {
		if t == nil {
			return
		}
		for bi, b := range t.Buckets() {
			age := int64(0)
			if b.Time > 0 {
				age = d.now - b.Time
			}
			d.logger.Info("bucket",
				"family", t.Family().String(), "index", bi,
				"first", b.First.String(),
				"nodes", len(b.Nodes), "max", b.MaxCount,
				"age", age, "cached", b.Cached.IsValid())
			for ni, n := range b.Nodes {
				d.logger.Info("node",
					"index", ni, "id", n.ID.String(),
					"dist", routing.Distance(d.self, n.ID),
					"addr", n.Addr.String(),
					"age", ageOf(d.now, n.Time),
					"reply_age", ageOf(d.now, n.ReplyTime),
					"pinged", n.Pinged, "good", n.Good(d.now))
			}
		}
	}
	dumpTree(d.t4)
	dumpTree(d.t6)

	for si, sr := range d.searches {
		d.logger.Info("search",
			"index", si, "family", sr.family.String(),
			"target", sr.target.String(),
			"age", d.now-sr.stepTime, "done", sr.done)
		for ni, n := range sr.nodes {
			d.logger.Info("search node",
				"index", ni, "id", n.id.String(),
				"dist", routing.Distance(sr.target, n.id),
				"addr", n.addr.String(),
				"request_age", ageOf(d.now, n.requestTime),
				"reply_age", ageOf(d.now, n.replyTime),
				"pinged", n.pinged, "replied", n.replied)
		}
	}

	d.store.Each(func(id routing.ID, r *storage.Record) {
		d.logger.Info("storage", "id", id.String(), "peers", r.NumPeers())
		for pi, p := range r.Peers() {
			d.logger.Info("stored peer",
				"index", pi, "addr", p.Addr.String(), "port", p.Port,
				"age", d.now-p.Seen)
		}
	})

	for _, bs := range []*bootstrapCtx{&d.boot4, &d.boot6} {
		for _, seed := range bs.seeds {
			d.logger.Info("bootstrap seed",
				"state", bs.state.String(), "addr", seed.String())
		}
	}
}

func ageOf(now, t int64) int64 {
	if t == 0 {
		return 0
	}
	return now - t
}
