package transport

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jech/dht/routing"
)

func ap(s string) netip.AddrPort {
	a, err := netip.ParseAddrPort(s)
	if err != nil {
		panic(err)
	}
	return a
}

func TestIsMartian(t *testing.T) {
	cases := []struct {
		addr    string
		martian bool
	}{
		{"1.2.3.4:6881", false},
		{"1.2.3.4:0", true}, // port zero
		{"0.1.2.3:6881", true},
		{"127.0.0.1:6881", true},
		{"224.0.0.1:6881", true}, // multicast
		{"239.255.255.250:1900", true},
		{"240.0.0.1:6881", true}, // reserved, the 224/3 rule is broad on purpose
		{"255.255.255.255:6881", true},
		{"223.255.255.255:6881", false},
		{"[2001:db8::1]:6881", false},
		{"[2001:db8::1]:0", true},
		{"[ff02::1]:6881", true},   // multicast
		{"[fe80::1234]:6881", true}, // link-local
		{"[fec0::1]:6881", false},  // site-local is not filtered
		{"[::1]:6881", true},
		{"[::]:6881", true},
		{"[::ffff:1.2.3.4]:6881", true}, // v4-mapped
	}
	for _, c := range cases {
		assert.Equal(t, c.martian, IsMartian(ap(c.addr)), "addr %s", c.addr)
	}
}

func newTestTransport(send SendFunc) *Transport {
	return New(Config{
		SendTo:  send,
		Active4: true,
		Active6: true,
		// Keep the per-source limiter out of the way for the global
		// bucket tests.
		PerSourceRate:  1 << 20,
		PerSourceBurst: 1 << 20,
	}, 1000)
}

func TestBlacklistRing(t *testing.T) {
	tr := newTestTransport(nil)

	first := ap("10.0.0.1:1")
	tr.Blacklist(first)
	assert.True(t, tr.Blacklisted(first))

	// Ten more insertions must evict the oldest.
	for i := 0; i < MaxBlacklisted; i++ {
		tr.Blacklist(netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 1, byte(i)}), 2))
	}
	assert.False(t, tr.Blacklisted(first), "oldest entry should have been evicted")
}

func TestHostBlacklistPredicate(t *testing.T) {
	bad := ap("10.9.9.9:9")
	tr := New(Config{
		Active4:     true,
		Blacklisted: func(a netip.AddrPort) bool { return a == bad },
	}, 1000)

	assert.True(t, tr.Blacklisted(bad))
	assert.False(t, tr.Blacklisted(ap("10.9.9.9:10")))
}

func TestTokenBucketDrainsAndRefills(t *testing.T) {
	tr := newTestTransport(nil)
	from := ap("1.2.3.4:6881")

	for i := 0; i < 400; i++ {
		require.True(t, tr.AllowRequest(from, 1000), "request %d", i)
	}
	assert.False(t, tr.AllowRequest(from, 1000), "bucket must be empty")
	assert.GreaterOrEqual(t, tr.Tokens(), 0, "bucket never goes negative")

	// Two elapsed seconds refill 200 tokens.
	assert.True(t, tr.AllowRequest(from, 1002))
	assert.Equal(t, 199, tr.Tokens())
}

func TestTokenBucketCapped(t *testing.T) {
	tr := newTestTransport(nil)
	from := ap("1.2.3.4:6881")

	for i := 0; i < 400; i++ {
		tr.AllowRequest(from, 1000)
	}
	require.False(t, tr.AllowRequest(from, 1000))

	// A long idle period must not overfill the bucket.
	assert.True(t, tr.AllowRequest(from, 9000))
	assert.Equal(t, maxTokens-1, tr.Tokens())
}

func TestSendSelectsFamily(t *testing.T) {
	var families []routing.Family
	tr := newTestTransport(func(f routing.Family, payload []byte, to netip.AddrPort) error {
		families = append(families, f)
		return nil
	})

	require.NoError(t, tr.Send([]byte("x"), ap("1.2.3.4:6881"), false))
	require.NoError(t, tr.Send([]byte("x"), ap("[2001:db8::1]:6881"), false))
	assert.Equal(t, []routing.Family{routing.IPv4, routing.IPv6}, families)
}

func TestSendRefusesBlacklisted(t *testing.T) {
	sent := 0
	tr := newTestTransport(func(routing.Family, []byte, netip.AddrPort) error {
		sent++
		return nil
	})
	to := ap("1.2.3.4:6881")
	tr.Blacklist(to)

	err := tr.Send([]byte("x"), to, false)
	assert.ErrorIs(t, err, ErrBlacklisted)
	assert.Zero(t, sent)
}

func TestSendInactiveFamily(t *testing.T) {
	tr := New(Config{Active4: true, SendTo: func(routing.Family, []byte, netip.AddrPort) error {
		return nil
	}}, 1000)
	err := tr.Send([]byte("x"), ap("[2001:db8::1]:6881"), false)
	assert.ErrorIs(t, err, ErrNoSocket)
}

func TestSendBreakerOpens(t *testing.T) {
	fail := errors.New("socket gone")
	calls := 0
	tr := newTestTransport(func(routing.Family, []byte, netip.AddrPort) error {
		calls++
		return fail
	})
	to := ap("1.2.3.4:6881")

	// Enough consecutive failures to trip the breaker.
	for i := 0; i < 8; i++ {
		assert.Error(t, tr.Send([]byte("x"), to, false))
	}
	before := calls
	assert.Error(t, tr.Send([]byte("x"), to, false))
	assert.Equal(t, before, calls, "open breaker must not reach the socket")
}
