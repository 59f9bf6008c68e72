// Package dht implements the core of a BitTorrent mainline DHT node
// (BEP-5, with the BEP-32 IPv6 extensions).
//
// The engine does not own sockets or a clock: the host feeds it
// inbound datagrams and periodic ticks through Periodic, supplies the
// send hook, and receives search results through the main callback.
// All calls into a DHT value must be serialized by the host; nothing
// here blocks or spawns goroutines.
package dht

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"log/slog"
	mrand "math/rand"
	"net/netip"
	"time"

	"github.com/jech/dht/krpc"
	"github.com/jech/dht/routing"
	"github.com/jech/dht/storage"
	"github.com/jech/dht/transport"
)

// Event identifies an asynchronous notification delivered through the
// main callback.
type Event int

const (
	EventNone Event = iota
	// EventValues carries packed 6-byte IPv4 peer entries for a
	// search; EventValues6 the 18-byte IPv6 form.
	EventValues
	EventValues6
	// EventSearchDone fires once per search wave, when the closest
	// live candidates have all answered (or the search expired).
	EventSearchDone
	EventSearchDone6
	// EventBootstrap and EventBootstrap6 report bootstrap state
	// transitions; data is a single state byte.
	EventBootstrap
	EventBootstrap6
)

// Callback receives search results and bootstrap transitions. It is
// invoked only from within Periodic or Search.
type Callback func(event Event, infoHash routing.ID, data []byte)

var (
	ErrClosed            = errors.New("dht: engine is closed")
	ErrUnsupportedFamily = errors.New("dht: unsupported address family")
	ErrTooManySearches   = errors.New("dht: too many searches")
)

// Config carries the node identity and the host hooks. Only ID and
// SendTo are mandatory; every other hook has a stdlib-backed default.
type Config struct {
	ID        routing.ID
	ClientTag []byte // optional 4-byte client version
	IPv4      bool   // host has an IPv4 socket
	IPv6      bool   // host has an IPv6 socket

	SendTo transport.SendFunc
	// RandomBytes fills buf with randomness; defaults to crypto/rand.
	RandomBytes func(buf []byte)
	// Hash computes the token digest over the concatenated parts;
	// defaults to truncated SHA-256.
	Hash func(out []byte, parts ...[]byte)
	// Blacklisted is the host's blacklist predicate.
	Blacklisted func(netip.AddrPort) bool
	// Now is the monotonic wall clock; defaults to time.Now.
	Now func() time.Time

	Callback Callback
	Logger   *slog.Logger

	// Resource caps; zero selects the defaults.
	MaxSearches    int
	MaxPeers       int
	MaxHashes      int
	PerSourceRate  int64
	PerSourceBurst int64
}

// DHT is the engine. Create one with New; the host owns serialization.
type DHT struct {
	self routing.ID
	enc  krpc.Encoder

	t4, t6 *routing.Table
	tr     *transport.Transport
	store  *storage.Store

	searches    []*search
	maxSearches int
	searchID    uint16

	secret    [8]byte
	oldSecret [8]byte

	searchTime    int64
	confirmTime   int64
	rotateTime    int64
	expireTime    int64
	bootstrapTime int64

	boot4, boot6 bootstrapCtx

	randomBytes func([]byte)
	hash        func(out []byte, parts ...[]byte)
	clock       func() time.Time
	callback    Callback

	rnd    *mrand.Rand
	logger *slog.Logger

	now    int64 // snapshot of the clock during a call
	closed bool
}

// New creates an engine. At least one address family must be active.
func New(cfg Config) (*DHT, error) {
	if !cfg.IPv4 && !cfg.IPv6 {
		return nil, ErrUnsupportedFamily
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "dht")

	d := &DHT{
		self:        cfg.ID,
		randomBytes: cfg.RandomBytes,
		hash:        cfg.Hash,
		clock:       cfg.Now,
		callback:    cfg.Callback,
		maxSearches: cfg.MaxSearches,
		logger:      logger,
	}
	if d.randomBytes == nil {
		d.randomBytes = func(buf []byte) {
			if _, err := rand.Read(buf); err != nil {
				panic(err) // the system random source is gone
			}
		}
	}
	if d.hash == nil {
		d.hash = func(out []byte, parts ...[]byte) {
			h := sha256.New()
			for _, p := range parts {
				h.Write(p)
			}
			copy(out, h.Sum(nil))
		}
	}
	if d.clock == nil {
		d.clock = time.Now
	}
	if d.maxSearches <= 0 {
		d.maxSearches = maxSearches
	}

	var seed [8]byte
	d.randomBytes(seed[:])
	d.rnd = mrand.New(mrand.NewSource(int64(binary.LittleEndian.Uint64(seed[:]))))

	d.now = d.clock().Unix()

	if len(cfg.ClientTag) == 4 {
		d.enc = krpc.Encoder{ID: cfg.ID, V: append([]byte(nil), cfg.ClientTag...)}
	} else {
		d.enc = krpc.Encoder{ID: cfg.ID}
	}

	d.tr = transport.New(transport.Config{
		SendTo:         cfg.SendTo,
		Blacklisted:    cfg.Blacklisted,
		Active4:        cfg.IPv4,
		Active6:        cfg.IPv6,
		PerSourceRate:  cfg.PerSourceRate,
		PerSourceBurst: cfg.PerSourceBurst,
		Logger:         logger,
	}, d.now)

	d.store = storage.New(cfg.MaxPeers, cfg.MaxHashes, logger)

	if cfg.IPv4 {
		d.t4 = d.newTable(routing.IPv4)
	}
	if cfg.IPv6 {
		d.t6 = d.newTable(routing.IPv6)
	}

	d.confirmTime = d.now + int64(d.rnd.Intn(3))
	d.searchID = uint16(d.rnd.Intn(1 << 16))
	d.rotateSecrets()
	d.expireBuckets()

	d.logger.Info("initialized", "id", d.self.String(),
		"ipv4", cfg.IPv4, "ipv6", cfg.IPv6)
	return d, nil
}

func (d *DHT) newTable(family routing.Family) *routing.Table {
	t := routing.NewTable(family, d.self, prober{d}, d.rnd, d.logger)
	t.Reject = d.tr.Reject
	t.OnConfirmed = d.addSearchNode
	return t
}

// Close tears the engine down. Further calls fail with ErrClosed.
func (d *DHT) Close() error {
	if d.closed {
		return ErrClosed
	}
	d.logger.Info("shutting down")
	d.closed = true
	d.t4, d.t6 = nil, nil
	d.searches = nil
	return nil
}

func (d *DHT) table(family routing.Family) *routing.Table {
	switch family {
	case routing.IPv4:
		return d.t4
	case routing.IPv6:
		return d.t6
	default:
		return nil
	}
}

func (d *DHT) tick() {
	d.now = d.clock().Unix()
}

// InsertNode adds an entry directly to the routing table, as
// third-party hearsay. A table cannot absorb nodes much faster than
// it can verify them, so bulk inserts will mostly be discarded; for
// restoring saved state prefer PingNode.
func (d *DHT) InsertNode(id routing.ID, addr netip.AddrPort) error {
	if d.closed {
		return ErrClosed
	}
	t := d.table(transport.FamilyOf(addr))
	if t == nil {
		return ErrUnsupportedFamily
	}
	d.tick()
	t.Observe(id, addr, 0, d.now)
	return nil
}

// PingNode pings a prospective node; if it answers it will be
// considered for the routing table.
func (d *DHT) PingNode(addr netip.AddrPort) error {
	if d.closed {
		return ErrClosed
	}
	d.tick()
	d.logger.Debug("sending ping", "addr", addr.String())
	return d.sendPing(addr, krpc.MakeTID("pn", 0), false)
}

// Stats reports the bucket and node counts for one family.
func (d *DHT) Stats(family routing.Family) (routing.Stats, error) {
	t := d.table(family)
	if t == nil {
		return routing.Stats{}, ErrUnsupportedFamily
	}
	d.tick()
	return t.Stats(d.now), nil
}

// Nodes reports the good/dubious/cached/incoming counts for one
// family.
func (d *DHT) Nodes(family routing.Family) (routing.NodeCounts, error) {
	t := d.table(family)
	if t == nil {
		return routing.NodeCounts{}, ErrUnsupportedFamily
	}
	d.tick()
	return t.Counts(d.now), nil
}

// GetNodes returns the known-good nodes of both families, our own
// bucket first, for persistence across restarts.
func (d *DHT) GetNodes() (v4, v6 []netip.AddrPort) {
	d.tick()
	if d.t4 != nil {
		v4 = d.t4.GoodAddrs(d.now)
	}
	if d.t6 != nil {
		v6 = d.t6.GoodAddrs(d.now)
	}
	return v4, v6
}

// ID returns the local node identity.
func (d *DHT) ID() routing.ID { return d.self }

// prober adapts the engine's send path to the routing table.
type prober struct{ d *DHT }

func (p prober) PingNode(addr netip.AddrPort, confirm bool) {
	_ = p.d.sendPing(addr, krpc.MakeTID("pn", 0), confirm)
}

func (p prober) FindNode(addr netip.AddrPort, target routing.ID, wantBoth bool, confirm bool) {
	want := 0
	if wantBoth {
		want = krpc.Want4 | krpc.Want6
	}
	_ = p.d.sendFindNode(addr, krpc.MakeTID("fn", 0), target, want, confirm)
}

// blacklistNode flushes a peer from the table and every search, then
// adds its address to the blacklist ring.
func (d *DHT) blacklistNode(id routing.ID, addr netip.AddrPort) {
	d.logger.Debug("blacklisting node", "addr", addr.String())
	if !id.IsZero() {
		if t := d.table(transport.FamilyOf(addr)); t != nil {
			t.Discard(id, d.now)
		}
		for _, sr := range d.searches {
			for i := 0; i < len(sr.nodes); {
				if sr.nodes[i].id == id {
					sr.flush(i)
				} else {
					i++
				}
			}
		}
	}
	d.tr.Blacklist(addr)
}

func (d *DHT) emit(event Event, infoHash routing.ID, data []byte) {
	if d.callback != nil {
		d.callback(event, infoHash, data)
	}
}

// Outbound message helpers. The confirm hint marks destinations that
// replied recently.

func (d *DHT) sendPing(to netip.AddrPort, tid []byte, confirm bool) error {
	return d.tr.Send(d.enc.Ping(tid), to, confirm)
}

func (d *DHT) sendPong(to netip.AddrPort, tid []byte) error {
	return d.tr.Send(d.enc.Pong(tid), to, false)
}

func (d *DHT) sendFindNode(to netip.AddrPort, tid []byte, target routing.ID, want int, confirm bool) error {
	return d.tr.Send(d.enc.FindNode(tid, target, want), to, confirm)
}

func (d *DHT) sendGetPeers(to netip.AddrPort, tid []byte, infoHash routing.ID, want int, confirm bool) error {
	return d.tr.Send(d.enc.GetPeers(tid, infoHash, want), to, confirm)
}

func (d *DHT) sendAnnouncePeer(to netip.AddrPort, tid []byte, infoHash routing.ID, port uint16, token []byte, confirm bool) error {
	// Historical quirk, kept on purpose: the confirm hint is inverted
	// for announces, unlike every other send path.
	return d.tr.Send(d.enc.AnnouncePeer(tid, infoHash, port, token), to, !confirm)
}

func (d *DHT) sendPeerAnnounced(to netip.AddrPort, tid []byte) error {
	return d.tr.Send(d.enc.Pong(tid), to, false)
}

func (d *DHT) sendError(to netip.AddrPort, tid []byte, code int, message string) error {
	return d.tr.Send(d.enc.Err(tid, code, message), to, false)
}

// packNodes serializes routing-table nodes in the compact wire layout.
func packNodes(nodes []*routing.Node) []byte {
	var out []byte
	for _, n := range nodes {
		out = append(out, n.ID[:]...)
		if n.Addr.Addr().Is4() {
			a := n.Addr.Addr().As4()
			out = append(out, a[:]...)
		} else {
			a := n.Addr.Addr().As16()
			out = append(out, a[:]...)
		}
		out = binary.BigEndian.AppendUint16(out, n.Addr.Port())
	}
	return out
}

// sendClosestNodes answers find_node and get_peers: the nodes closest
// to target for the wanted families, plus an optional token and a
// sampling of stored peers.
func (d *DHT) sendClosestNodes(to netip.AddrPort, tid []byte, target routing.ID,
	want int, st *storage.Record, token []byte) error {

	if want <= 0 {
		if transport.FamilyOf(to) == routing.IPv4 {
			want = krpc.Want4
		} else {
			want = krpc.Want6
		}
	}

	var nodes, nodes6 []byte
	if want&krpc.Want4 != 0 && d.t4 != nil {
		nodes = packNodes(d.t4.ClosestGoodNodes(target, 8, d.now))
	}
	if want&krpc.Want6 != 0 && d.t6 != nil {
		nodes6 = packNodes(d.t6.ClosestGoodNodes(target, 8, d.now))
	}

	var values [][]byte
	if st != nil {
		values = st.Sample(transport.FamilyOf(to), d.rnd)
	}

	d.logger.Debug("sending closest nodes",
		"addr", to.String(),
		"nodes", len(nodes)/krpc.NodeLen, "nodes6", len(nodes6)/krpc.Node6Len,
		"values", len(values))
	return d.tr.Send(d.enc.NodesPeers(tid, nodes, nodes6, token, values), to, false)
}
