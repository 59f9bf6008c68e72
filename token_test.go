package dht

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBoundToAddress(t *testing.T) {
	h := newHarness(t, testID(0x55))
	a := netip.AddrPortFrom(netip.AddrFrom4([4]byte{1, 2, 3, 4}), 9000)
	b := netip.AddrPortFrom(netip.AddrFrom4([4]byte{1, 2, 3, 5}), 9000)
	c := netip.AddrPortFrom(netip.AddrFrom4([4]byte{1, 2, 3, 4}), 9001)

	tok := h.d.makeToken(a, false)
	require.Len(t, tok, tokenSize)
	assert.True(t, h.d.tokenMatch(tok, a))
	assert.False(t, h.d.tokenMatch(tok, b), "different address, different token")
	assert.False(t, h.d.tokenMatch(tok, c), "different port, different token")
}

func TestTokenSurvivesOneRotation(t *testing.T) {
	h := newHarness(t, testID(0x55))
	a := netip.AddrPortFrom(netip.AddrFrom4([4]byte{1, 2, 3, 4}), 9000)

	tok := h.d.makeToken(a, false)
	h.d.rotateSecrets()
	assert.True(t, h.d.tokenMatch(tok, a), "previous-secret tokens stay valid")

	h.d.rotateSecrets()
	assert.False(t, h.d.tokenMatch(tok, a), "two rotations invalidate the token")
}

func TestTokenLengthChecked(t *testing.T) {
	h := newHarness(t, testID(0x55))
	a := netip.AddrPortFrom(netip.AddrFrom4([4]byte{1, 2, 3, 4}), 9000)

	tok := h.d.makeToken(a, false)
	assert.False(t, h.d.tokenMatch(tok[:7], a))
	assert.False(t, h.d.tokenMatch(append(tok, 0), a))
	assert.False(t, h.d.tokenMatch(nil, a))
}

func TestTokenMatchesEitherSecret(t *testing.T) {
	h := newHarness(t, testID(0x55))
	a := netip.AddrPortFrom(netip.AddrFrom4([4]byte{6, 7, 8, 9}), 1234)

	cur := h.d.makeToken(a, false)
	old := h.d.makeToken(a, true)
	assert.True(t, h.d.tokenMatch(cur, a))
	assert.True(t, h.d.tokenMatch(old, a))
}

func TestRotationSchedulesNext(t *testing.T) {
	h := newHarness(t, testID(0x55))
	h.d.rotateSecrets()
	next := h.d.rotateTime - h.now
	assert.GreaterOrEqual(t, next, int64(900))
	assert.Less(t, next, int64(2700))
}
