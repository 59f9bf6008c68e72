// Package transport is the admission-control layer between the host's
// UDP sockets and the engine: it filters martian and blacklisted
// sources, rate-limits inbound requests, and guards the outbound send
// path.
package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/sony/gobreaker"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/jech/dht/routing"
)

// MaxBlacklisted is the size of the internal blacklist ring. There is
// little reason to increase it.
const MaxBlacklisted = 10

const (
	maxTokens      = 400 // token bucket capacity
	tokensPerSec   = 100
	defaultPerRate = 25 // per-source requests per second
	defaultBurst   = 50
)

var (
	ErrBlacklisted = errors.New("transport: destination is blacklisted")
	ErrNoSocket    = errors.New("transport: no socket for address family")
)

// SendFunc is the host-supplied datagram sink.
type SendFunc func(family routing.Family, payload []byte, to netip.AddrPort) error

// Config configures a Transport.
type Config struct {
	SendTo SendFunc
	// Blacklisted is the host's blacklist predicate, consulted in
	// addition to the internal ring.
	Blacklisted func(netip.AddrPort) bool
	Active4     bool
	Active6     bool

	// Per-source request limiting, on top of the global bucket.
	PerSourceRate  int64
	PerSourceBurst int64

	Logger *slog.Logger
}

// Transport owns the admission state. Like the rest of the engine it
// is single-threaded; the host serializes calls.
type Transport struct {
	send    SendFunc
	hostBL  func(netip.AddrPort) bool
	active4 bool
	active6 bool

	blacklist [MaxBlacklisted]netip.AddrPort
	nextBL    int

	tokens     int
	tokenTime  int64
	perSource  *limiter.TokenBucket
	breaker4   *gobreaker.CircuitBreaker
	breaker6   *gobreaker.CircuitBreaker

	logger *slog.Logger
}

// New creates a Transport. now is the current unix second from the
// host clock.
func New(cfg Config, now int64) *Transport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "transport")

	t := &Transport{
		send:      cfg.SendTo,
		hostBL:    cfg.Blacklisted,
		active4:   cfg.Active4,
		active6:   cfg.Active6,
		tokens:    maxTokens,
		tokenTime: now,
		logger:    logger,
	}

	rate := cfg.PerSourceRate
	if rate <= 0 {
		rate = defaultPerRate
	}
	burst := cfg.PerSourceBurst
	if burst <= 0 {
		burst = defaultBurst
	}
	st := store.NewMemoryStore(time.Minute)
	tb, err := limiter.NewTokenBucket(limiter.Config{
		Rate:     rate,
		Duration: time.Second,
		Burst:    burst,
	}, st)
	if err != nil {
		logger.Warn("per-source limiter unavailable", "error", err)
	} else {
		t.perSource = tb
	}

	breaker := func(name string) *gobreaker.CircuitBreaker {
		return gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 8
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("send breaker state changed",
					"breaker", name, "from", from.String(), "to", to.String())
			},
		})
	}
	t.breaker4 = breaker("send-ipv4")
	t.breaker6 = breaker("send-ipv6")

	return t
}

// FamilyOf maps an address to its routing tree.
func FamilyOf(addr netip.AddrPort) routing.Family {
	if addr.Addr().Is4() {
		return routing.IPv4
	}
	return routing.IPv6
}

// IsMartian reports whether the source address cannot legitimately
// appear on the public internet. For IPv4 the 224/3 test covers both
// the multicast and the reserved ranges; keep that breadth.
func IsMartian(addr netip.AddrPort) bool {
	if addr.Port() == 0 {
		return true
	}
	a := addr.Addr()
	if a.Is4() {
		b := a.As4()
		return b[0] == 0 || b[0] == 127 || b[0]&0xE0 == 0xE0
	}
	if a.Is4In6() {
		return true
	}
	b := a.As16()
	switch {
	case b[0] == 0xFF: // multicast
		return true
	case b[0] == 0xFE && b[1]&0xC0 == 0x80: // link-local
		return true
	}
	// Unspecified and loopback.
	for i := 0; i < 15; i++ {
		if b[i] != 0 {
			return false
		}
	}
	return b[15] == 0 || b[15] == 1
}

// Blacklist adds an address to the internal ring, evicting the oldest
// entry.
func (t *Transport) Blacklist(addr netip.AddrPort) {
	t.logger.Debug("blacklisting node", "addr", addr.String())
	t.blacklist[t.nextBL] = addr
	t.nextBL = (t.nextBL + 1) % MaxBlacklisted
}

// Blacklisted reports whether the address is on the host's blacklist
// or the internal ring.
func (t *Transport) Blacklisted(addr netip.AddrPort) bool {
	if t.hostBL != nil && t.hostBL(addr) {
		return true
	}
	for _, a := range t.blacklist {
		if a == addr {
			return true
		}
	}
	return false
}

// Reject reports whether packets from/to the address must be refused
// outright.
func (t *Transport) Reject(addr netip.AddrPort) bool {
	return IsMartian(addr) || t.Blacklisted(addr)
}

// AllowRequest spends a token for an inbound request; replies bypass
// rate limiting. The global bucket refills at 100 tokens per elapsed
// second, capped at 400; behind it a per-source limiter curbs
// individual flooders.
func (t *Transport) AllowRequest(from netip.AddrPort, now int64) bool {
	if t.tokens == 0 {
		t.tokens = min(maxTokens, tokensPerSec*int(now-t.tokenTime))
		t.tokenTime = now
	}
	if t.tokens == 0 {
		return false
	}
	t.tokens--

	if t.perSource != nil && !t.perSource.Allow(from.Addr().String()) {
		t.logger.Debug("per-source rate limit", "addr", from.String())
		return false
	}
	return true
}

// Tokens returns the current global bucket level, for tests and
// diagnostics.
func (t *Transport) Tokens() int { return t.tokens }

// Active reports whether the family's socket is up.
func (t *Transport) Active(family routing.Family) bool {
	if family == routing.IPv4 {
		return t.active4
	}
	return t.active6
}

// Send delivers a datagram through the host socket for the
// destination's family. Sends to blacklisted addresses are refused;
// repeated host send failures open a circuit breaker and further
// sends are dropped until it half-opens. confirm hints that the
// destination replied recently (the wire equivalent of MSG_CONFIRM);
// it is recorded for diagnostics only.
func (t *Transport) Send(payload []byte, to netip.AddrPort, confirm bool) error {
	if t.Blacklisted(to) {
		t.logger.Warn("refusing to send to blacklisted node", "addr", to.String())
		return ErrBlacklisted
	}

	family := FamilyOf(to)
	breaker := t.breaker4
	if family == routing.IPv6 {
		breaker = t.breaker6
	}
	if !t.Active(family) {
		return ErrNoSocket
	}
	if t.send == nil {
		return ErrNoSocket
	}

	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, t.send(family, payload, to)
	})
	if err != nil {
		return fmt.Errorf("send %s: %w", to.String(), err)
	}
	t.logger.Debug("sent datagram", "addr", to.String(),
		"bytes", len(payload), "confirm", confirm)
	return nil
}
