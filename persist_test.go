package dht

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jech/dht/krpc"
	"github.com/jech/dht/routing"
)

func TestSaveAndReadNodes(t *testing.T) {
	self := testID(0x55)
	h := newHarness(t, self)
	h.fillTable(10)

	var buf bytes.Buffer
	require.NoError(t, h.d.SaveNodes(&buf))
	assert.Positive(t, buf.Len())

	id, v4, v6, err := ReadNodes(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, self, id)
	assert.Len(t, v4, 10)
	assert.Empty(t, v6)

	want, _ := h.d.GetNodes()
	assert.Equal(t, want, v4)
}

func TestReadNodesRejectsGarbage(t *testing.T) {
	_, _, _, err := ReadNodes(bytes.NewReader([]byte("not a node list")))
	assert.Error(t, err)
}

func TestLoadNodesPingsSaved(t *testing.T) {
	h := newHarness(t, testID(0x55))
	h.fillTable(6)

	var buf bytes.Buffer
	require.NoError(t, h.d.SaveNodes(&buf))

	// A second engine restores by pinging the saved addresses.
	h2 := newHarness(t, testID(0x66))
	n, err := h2.d.LoadNodes(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Len(t, h2.sendsByKind(krpc.Ping), 6)
}

func TestSaveNodesSkipsDubious(t *testing.T) {
	h := newHarness(t, testID(0x55))
	h.fillTable(4)
	// A node that was only heard from is not worth saving.
	h.d.t4.Observe(testID(0xCC), peerAddr(400), 1, h.now)

	var buf bytes.Buffer
	require.NoError(t, h.d.SaveNodes(&buf))
	_, v4, _, err := ReadNodes(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Len(t, v4, 4)
}

func TestSaveNodesEmptyTable(t *testing.T) {
	h := newHarness(t, testID(0x55))
	var buf bytes.Buffer
	require.NoError(t, h.d.SaveNodes(&buf))

	id, v4, v6, err := ReadNodes(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, testID(0x55), id)
	assert.Empty(t, v4)
	assert.Empty(t, v6)
}

func TestRoutingIDReuse(t *testing.T) {
	// The identity read back from a save is what a host feeds into
	// the next engine.
	h := newHarness(t, testID(0x42))
	var buf bytes.Buffer
	require.NoError(t, h.d.SaveNodes(&buf))
	id, _, _, err := ReadNodes(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	d2, err := New(Config{ID: id, IPv4: true, Logger: testLogger(),
		SendTo: func(routing.Family, []byte, netip.AddrPort) error { return nil }})
	require.NoError(t, err)
	assert.Equal(t, h.d.ID(), d2.ID())
}
