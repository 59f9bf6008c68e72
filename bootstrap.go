package dht

import (
	"net/netip"

	"github.com/jech/dht/krpc"
	"github.com/jech/dht/routing"
	"github.com/jech/dht/transport"
)

// BootstrapState is the per-family bootstrap machine:
// Disabled -> Enabled -> Running -> Complete or Failed.
type BootstrapState int

const (
	BootstrapDisabled BootstrapState = iota
	BootstrapEnabled
	BootstrapRunning
	BootstrapComplete
	BootstrapFailed
)

func (s BootstrapState) String() string {
	switch s {
	case BootstrapDisabled:
		return "disabled"
	case BootstrapEnabled:
		return "enabled"
	case BootstrapRunning:
		return "running"
	case BootstrapComplete:
		return "complete"
	case BootstrapFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Tunables of the bootstrap driver.
const (
	bootstrapInterval      = 3  // seconds between iterations
	bootstrapGoodTarget    = 50 // good nodes to reach
	bootstrapMaxDubious    = 50
	bootstrapMaxFinds      = 5  // find_nodes per iteration
	bootstrapMaxPings      = 10 // pings per iteration
	bootstrapExpectedNodes = 8  // projected yield per find_node
)

type bootstrapCtx struct {
	state     BootstrapState
	seeds     []netip.AddrPort
	startTime int64
	endTime   int64
	nextTime  int64
}

func (d *DHT) bootstrapFor(family routing.Family) *bootstrapCtx {
	if family == routing.IPv4 {
		return &d.boot4
	}
	return &d.boot6
}

// AddBootstrapNode registers a seed address for its family. Seeds
// only take effect when bootstrap is enabled.
func (d *DHT) AddBootstrapNode(addr netip.AddrPort) error {
	if d.closed {
		return ErrClosed
	}
	if !addr.IsValid() {
		return ErrUnsupportedFamily
	}
	bs := d.bootstrapFor(transport.FamilyOf(addr))
	for _, s := range bs.seeds {
		if s == addr {
			d.logger.Warn("bootstrap node already added", "addr", addr.String())
			return nil
		}
	}
	d.logger.Debug("adding bootstrap node", "addr", addr.String())
	bs.seeds = append(bs.seeds, addr)
	return nil
}

// BootstrapState returns the state of one family's bootstrap.
func (d *DHT) BootstrapState(family routing.Family) (BootstrapState, error) {
	if family != routing.IPv4 && family != routing.IPv6 {
		return BootstrapDisabled, ErrUnsupportedFamily
	}
	return d.bootstrapFor(family).state, nil
}

func (d *DHT) bootstrapUpdateTimer() {
	d.bootstrapTime = max(d.boot4.nextTime, d.boot6.nextTime)
}

func (d *DHT) bootstrapSwitchState(family routing.Family, state BootstrapState) {
	bs := d.bootstrapFor(family)
	bs.state = state
	if t := d.table(family); t != nil {
		t.Bootstrapping = state == BootstrapEnabled || state == BootstrapRunning
	}
	if family == routing.IPv4 {
		d.emit(EventBootstrap, routing.ID{}, []byte{byte(state)})
	} else {
		d.emit(EventBootstrap6, routing.ID{}, []byte{byte(state)})
	}
}

// EnableBootstrap turns bootstrapping on or off for a family.
// Enabling requires an active socket and at least one registered
// seed; a table that already has enough good nodes goes straight to
// Complete. Returns false when enabling was refused.
func (d *DHT) EnableBootstrap(family routing.Family, on bool) (bool, error) {
	if d.closed {
		return false, ErrClosed
	}
	if family != routing.IPv4 && family != routing.IPv6 {
		return false, ErrUnsupportedFamily
	}
	d.tick()
	bs := d.bootstrapFor(family)

	disable := func(state BootstrapState) {
		bs.state = state
		bs.startTime = 0
		bs.endTime = 0
		bs.nextTime = 0
		if t := d.table(family); t != nil {
			t.Bootstrapping = false
		}
		d.bootstrapUpdateTimer()
	}

	if !on {
		d.logger.Info("disabling bootstrap", "family", family.String())
		disable(BootstrapDisabled)
		return true, nil
	}

	t := d.table(family)
	if t == nil || !d.tr.Active(family) {
		d.logger.Error("unable to enable bootstrap, family not active",
			"family", family.String())
		disable(BootstrapDisabled)
		return false, nil
	}

	// A restored table may already be warm.
	if good := t.Stats(d.now).Good; good >= bootstrapGoodTarget {
		d.logger.Info("no bootstrap necessary",
			"family", family.String(), "good", good, "target", bootstrapGoodTarget)
		bs.state = BootstrapComplete
		bs.startTime = d.now
		bs.endTime = d.now
		bs.nextTime = 0
		t.Bootstrapping = false
		d.bootstrapUpdateTimer()
		return true, nil
	}

	if len(bs.seeds) == 0 {
		d.logger.Error("unable to enable bootstrap, no seeds",
			"family", family.String())
		disable(BootstrapDisabled)
		return false, nil
	}

	d.logger.Info("enabling bootstrap", "family", family.String())
	bs.state = BootstrapEnabled
	t.Bootstrapping = true
	bs.startTime = 0
	bs.endTime = 0
	bs.nextTime = d.now
	d.bootstrapUpdateTimer()
	return true, nil
}

// bootstrapPeriodic runs one iteration of the driver for a family.
func (d *DHT) bootstrapPeriodic(family routing.Family) {
	bs := d.bootstrapFor(family)
	t := d.table(family)
	if t == nil {
		return
	}

	switch bs.state {
	case BootstrapEnabled:
		d.logger.Info("starting bootstrap",
			"family", family.String(), "seeds", len(bs.seeds))
		bs.startTime = d.now

		// Insert the seeds under synthetic ids: our own id with the
		// top bit flipped and the tail randomized, so they land in a
		// far bucket we want to explore.
		id := d.self
		id[0] ^= 0x80
		for _, seed := range bs.seeds {
			d.randomBytes(id[16:20])
			d.logger.Debug("adding seed to table",
				"addr", seed.String(), "id", id.String())
			t.Observe(id, seed, 0, d.now)
		}

		s := t.Stats(d.now)
		d.logger.Info("bootstrap started", "family", family.String(),
			"buckets", s.Buckets, "good", s.Good, "dubious", s.Dubious, "total", s.Total)

		d.bootstrapSwitchState(family, BootstrapRunning)
		bs.nextTime = d.now

	case BootstrapRunning:
		s := t.Stats(d.now)

		if s.Good >= bootstrapGoodTarget {
			bs.endTime = d.now
			d.logger.Info("bootstrap complete", "family", family.String(),
				"buckets", s.Buckets, "good", s.Good, "dubious", s.Dubious,
				"total", s.Total, "seconds", bs.endTime-bs.startTime)
			d.bootstrapSwitchState(family, BootstrapComplete)
			bs.nextTime = 0
			// Kick bucket and neighbourhood maintenance right away.
			d.confirmTime = 0
			return
		}

		if s.Total <= 0 {
			bs.endTime = d.now
			d.logger.Warn("bootstrap failed, no nodes available",
				"family", family.String(), "seconds", bs.endTime-bs.startTime)
			d.bootstrapSwitchState(family, BootstrapFailed)
			bs.nextTime = 0
			return
		}

		t.Expire(d.now)
		s = t.Stats(d.now)
		d.logger.Info("bootstrap status", "family", family.String(),
			"buckets", s.Buckets, "good", s.Good, "dubious", s.Dubious,
			"total", s.Total, "seconds", d.now-bs.startTime)

		target := d.self
		finds, pings := 0, 0
		dubious := s.Dubious

		// Process buckets in random order; run the loops twice as
		// long to absorb random-pick collisions.
		for i := 0; i < s.Buckets*2; i++ {
			b := t.RandomBucket()
			if b == nil {
				return
			}
			for j := 0; j < len(b.Nodes)*2; j++ {
				n := t.RandomNode(b)
				if n == nil {
					break
				}

				// Good nodes get a find_node towards a randomized
				// nearby target, as long as the projected dubious
				// count stays manageable; dubious nodes get a ping
				// to firm them up.
				if n.Good(d.now) {
					if finds < bootstrapMaxFinds && dubious < bootstrapMaxDubious &&
						n.PingedTime < d.now-15 {
						target[19] = byte(d.rnd.Intn(256))
						d.logger.Debug("bootstrap find_node",
							"target", target.String(), "addr", n.Addr.String())
						_ = d.sendFindNode(n.Addr, krpc.MakeTID("fn", 0),
							target, 0, n.ReplyTime >= d.now-15)
						n.Pinged++
						n.PingedTime = d.now
						dubious += bootstrapExpectedNodes // projection
						finds++
					}
				} else if pings < bootstrapMaxPings && n.PingedTime < d.now-15 {
					d.logger.Debug("bootstrap ping", "addr", n.Addr.String())
					_ = d.sendPing(n.Addr, krpc.MakeTID("pn", 0), false)
					n.Pinged++
					n.PingedTime = d.now
					pings++
				}

				if finds+pings >= s.Total ||
					(finds >= bootstrapMaxFinds && pings >= bootstrapMaxPings) {
					break
				}
			}
			if finds+pings >= s.Total ||
				(finds >= bootstrapMaxFinds && pings >= bootstrapMaxPings) {
				break
			}
		}

		bs.nextTime = d.now + bootstrapInterval
	}
}
