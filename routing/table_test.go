package routing

import (
	"crypto/sha256"
	"fmt"
	"math/rand"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockProber records the probes a table asks for.
type mockProber struct {
	pings []netip.AddrPort
	finds []netip.AddrPort
}

func (m *mockProber) PingNode(addr netip.AddrPort, confirm bool) {
	m.pings = append(m.pings, addr)
}

func (m *mockProber) FindNode(addr netip.AddrPort, target ID, wantBoth bool, confirm bool) {
	m.finds = append(m.finds, addr)
}

func testID(s string) ID {
	h := sha256.Sum256([]byte(s))
	var id ID
	copy(id[:], h[:20])
	return id
}

func testAddr(i int) netip.AddrPort {
	return netip.AddrPortFrom(
		netip.AddrFrom4([4]byte{10, byte(i >> 16), byte(i >> 8), byte(i)}),
		uint16(1024+i%60000))
}

func newTestTable(t *testing.T) (*Table, *mockProber) {
	t.Helper()
	probe := &mockProber{}
	tbl := NewTable(IPv4, testID("self"), probe, rand.New(rand.NewSource(42)), nil)
	return tbl, probe
}

// checkInvariants verifies the structural invariants: buckets sorted
// and partitioning the space, every node within its bucket's range,
// exactly one bucket holding the local id.
func checkInvariants(t *testing.T, tbl *Table) {
	t.Helper()

	buckets := tbl.Buckets()
	require.NotEmpty(t, buckets)
	assert.True(t, buckets[0].First.IsZero(), "first bucket must start at zero")

	selfCount := 0
	for i, b := range buckets {
		if i+1 < len(buckets) {
			next := buckets[i+1].First
			require.Negative(t, b.First.Compare(next), "buckets out of order")
			for _, n := range b.Nodes {
				assert.GreaterOrEqual(t, n.ID.Compare(b.First), 0)
				assert.Negative(t, n.ID.Compare(next))
			}
		} else {
			for _, n := range b.Nodes {
				assert.GreaterOrEqual(t, n.ID.Compare(b.First), 0)
			}
		}
		if tbl.contains(i, tbl.self) {
			selfCount++
		}
	}
	assert.Equal(t, 1, selfCount, "exactly one bucket must contain the local id")
}

func TestObserveInsertsNode(t *testing.T) {
	tbl, _ := newTestTable(t)
	now := int64(1000)

	n := tbl.Observe(testID("peer"), testAddr(1), 1, now)
	require.NotNil(t, n)
	assert.Equal(t, now, n.Time)
	assert.Zero(t, n.ReplyTime)

	s := tbl.Stats(now)
	assert.Equal(t, 1, s.Total)
	assert.Equal(t, 1, s.Dubious) // heard but never replied
}

func TestObserveReplyMakesGood(t *testing.T) {
	tbl, _ := newTestTable(t)
	now := int64(1000)

	n := tbl.Observe(testID("peer"), testAddr(1), 2, now)
	require.NotNil(t, n)
	assert.True(t, n.Good(now))
	assert.Equal(t, 1, tbl.Stats(now).Good)
}

func TestObserveRejectsSelfAndZero(t *testing.T) {
	tbl, _ := newTestTable(t)
	assert.Nil(t, tbl.Observe(testID("self"), testAddr(1), 2, 1000))
	assert.Nil(t, tbl.Observe(ID{}, testAddr(1), 2, 1000))
	assert.Zero(t, tbl.Stats(1000).Total)
}

func TestObserveRejectFilter(t *testing.T) {
	tbl, _ := newTestTable(t)
	tbl.Reject = func(netip.AddrPort) bool { return true }

	tbl.Observe(testID("peer"), testAddr(1), 2, 1000)
	assert.Zero(t, tbl.Stats(1000).Total, "rejected observe must leave the table unchanged")
}

func TestObserveIdempotentReply(t *testing.T) {
	tbl, _ := newTestTable(t)
	now := int64(1000)

	tbl.Observe(testID("peer"), testAddr(1), 2, now)
	tbl.Observe(testID("peer"), testAddr(1), 2, now)
	assert.Equal(t, 1, tbl.Stats(now).Total, "second reply must not duplicate the entry")
}

func TestObserveUpdatesAddress(t *testing.T) {
	tbl, _ := newTestTable(t)
	id := testID("peer")

	tbl.Observe(id, testAddr(1), 2, 1000)
	tbl.Observe(id, testAddr(2), 1, 1001)

	n := tbl.FindNode(id)
	require.NotNil(t, n)
	assert.Equal(t, testAddr(2), n.Addr)
}

func TestSplitPreservesNodes(t *testing.T) {
	tbl, _ := newTestTable(t)
	now := int64(1000)

	// Enough confirmed nodes to force the root bucket past 128 and
	// through several splits.
	inserted := 0
	for i := 0; i < 400; i++ {
		if tbl.Observe(testID(fmt.Sprintf("peer%d", i)), testAddr(i), 2, now) != nil {
			inserted++
		}
	}

	checkInvariants(t, tbl)
	assert.Greater(t, len(tbl.Buckets()), 1, "table should have split")
	assert.Equal(t, inserted, tbl.Stats(now).Total,
		"splits must preserve the set of admitted nodes")
}

func TestBucketCapacityFloor(t *testing.T) {
	tbl, _ := newTestTable(t)
	now := int64(1000)
	for i := 0; i < 2000; i++ {
		tbl.Observe(testID(fmt.Sprintf("peer%d", i)), testAddr(i), 2, now)
	}
	for _, b := range tbl.Buckets() {
		assert.GreaterOrEqual(t, b.MaxCount, minBucketSize)
		assert.LessOrEqual(t, len(b.Nodes), b.MaxCount)
	}
}

func TestExpirePurgesBadNodes(t *testing.T) {
	tbl, _ := newTestTable(t)
	now := int64(1000)

	good := testID("good")
	bad := testID("bad")
	tbl.Observe(good, testAddr(1), 2, now)
	tbl.Observe(bad, testAddr(2), 2, now)

	n := tbl.FindNode(bad)
	require.NotNil(t, n)
	n.Pinged = 4

	tbl.Expire(now)
	assert.Nil(t, tbl.FindNode(bad))
	assert.NotNil(t, tbl.FindNode(good))
}

func TestExpirePingsCachedReplacement(t *testing.T) {
	tbl, probe := newTestTable(t)
	now := int64(1000)

	id := testID("doomed")
	tbl.Observe(id, testAddr(1), 2, now)
	b := tbl.Bucket(id)
	b.Cached = testAddr(99)
	tbl.FindNode(id).Pinged = 4

	tbl.Expire(now)
	require.Len(t, probe.pings, 1)
	assert.Equal(t, testAddr(99), probe.pings[0])
	assert.False(t, b.Cached.IsValid(), "cached slot must be consumed")
}

func TestBadSlotRecycled(t *testing.T) {
	tbl, _ := newTestTable(t)
	now := int64(1000)

	stale := testID("stale")
	tbl.Observe(stale, testAddr(1), 2, now)
	n := tbl.FindNode(stale)
	n.Pinged = 3
	n.PingedTime = now - 60

	fresh := testID("fresh")
	got := tbl.Observe(fresh, testAddr(2), 1, now)
	require.NotNil(t, got)
	assert.Equal(t, fresh, got.ID)
	assert.Nil(t, tbl.FindNode(stale), "bad slot should have been recycled")
	assert.Equal(t, 1, tbl.Stats(now).Total)
}

func TestFullBucketCachesCandidate(t *testing.T) {
	probe := &mockProber{}
	// A self id of all-ones keeps low ids out of the self bucket once
	// the tree splits, so we can saturate a non-self bucket.
	var self ID
	for i := range self {
		self[i] = 0xFF
	}
	tbl := NewTable(IPv4, self, probe, rand.New(rand.NewSource(7)), nil)
	now := int64(1000)

	for i := 0; i < 3000; i++ {
		tbl.Observe(testID(fmt.Sprintf("peer%d", i)), testAddr(i), 2, now)
	}

	// Find a full non-self bucket and offer it one more node.
	var full *Bucket
	for i, b := range tbl.Buckets() {
		if len(b.Nodes) >= b.MaxCount && !tbl.contains(i, self) {
			full = b
			break
		}
	}
	require.NotNil(t, full, "expected a saturated non-self bucket")

	id := tbl.RandomIDInBucket(full)
	if tbl.FindNode(id) == nil {
		addr := testAddr(99999)
		n := tbl.Observe(id, addr, 1, now)
		assert.Nil(t, n)
		assert.Equal(t, addr, full.Cached)
	}
}

func TestClosestGoodNodesSorted(t *testing.T) {
	tbl, _ := newTestTable(t)
	now := int64(1000)
	for i := 0; i < 40; i++ {
		tbl.Observe(testID(fmt.Sprintf("peer%d", i)), testAddr(i), 2, now)
	}

	target := testID("target")
	closest := tbl.ClosestGoodNodes(target, 8, now)
	require.NotEmpty(t, closest)
	assert.LessOrEqual(t, len(closest), 8)
	for i := 1; i < len(closest); i++ {
		assert.Negative(t, CloserToRef(closest[i-1].ID, closest[i].ID, target),
			"closest nodes must be sorted by XOR distance")
	}
}

func TestRandomIDInBucketStaysInRange(t *testing.T) {
	tbl, _ := newTestTable(t)
	now := int64(1000)
	for i := 0; i < 500; i++ {
		tbl.Observe(testID(fmt.Sprintf("peer%d", i)), testAddr(i), 2, now)
	}

	for _, b := range tbl.Buckets() {
		for trial := 0; trial < 10; trial++ {
			id := tbl.RandomIDInBucket(b)
			assert.Same(t, b, tbl.Bucket(id), "random id escaped its bucket")
		}
	}
}

func TestBucketMaintenanceProbesStaleBucket(t *testing.T) {
	tbl, probe := newTestTable(t)
	now := int64(10000)

	tbl.Observe(testID("peer"), testAddr(1), 2, now)
	// Age the bucket far past its maintenance timeout.
	tbl.Bucket(testID("peer")).Time = now - 3600

	sent := tbl.BucketMaintenance(now, nil, false)
	assert.True(t, sent)
	assert.Len(t, probe.finds, 1)
}

func TestMaintenanceSuppressedWhileBootstrapping(t *testing.T) {
	tbl, probe := newTestTable(t)
	now := int64(10000)
	tbl.Observe(testID("peer"), testAddr(1), 2, now)
	tbl.Bucket(testID("peer")).Time = now - 3600
	tbl.Bootstrapping = true

	assert.False(t, tbl.BucketMaintenance(now, nil, false))
	assert.False(t, tbl.NeighbourhoodMaintenance(now, false))
	assert.Empty(t, probe.finds)
}

func TestCountsIncoming(t *testing.T) {
	tbl, _ := newTestTable(t)
	now := int64(1000)

	// A good node whose last message was an unsolicited request.
	id := testID("peer")
	tbl.Observe(id, testAddr(1), 2, now)
	tbl.Observe(id, testAddr(1), 1, now+10)

	c := tbl.Counts(now + 10)
	assert.Equal(t, 1, c.Good)
	assert.Equal(t, 1, c.Incoming)
}

func TestGoodAddrsSelfBucketFirst(t *testing.T) {
	tbl, _ := newTestTable(t)
	now := int64(1000)
	for i := 0; i < 300; i++ {
		tbl.Observe(testID(fmt.Sprintf("peer%d", i)), testAddr(i), 2, now)
	}
	require.Greater(t, len(tbl.Buckets()), 1)

	addrs := tbl.GoodAddrs(now)
	require.NotEmpty(t, addrs)

	sb := tbl.SelfBucket()
	goodInSelf := 0
	for _, n := range sb.Nodes {
		if n.Good(now) {
			goodInSelf++
		}
	}
	for i := 0; i < goodInSelf; i++ {
		found := false
		for _, n := range sb.Nodes {
			if n.Addr == addrs[i] {
				found = true
				break
			}
		}
		assert.True(t, found, "self-bucket nodes must come first")
	}
}

func TestEstimatedNodesGrows(t *testing.T) {
	tbl, _ := newTestTable(t)
	now := int64(1000)
	for i := 0; i < 1000; i++ {
		tbl.Observe(testID(fmt.Sprintf("peer%d", i)), testAddr(i), 0, now)
	}
	est := tbl.Stats(now).EstimatedNodes
	assert.Greater(t, est, 800, "estimate should track distinct observed ids")
	assert.Less(t, est, 1200)
}

func BenchmarkObserve(b *testing.B) {
	probe := &mockProber{}
	tbl := NewTable(IPv4, testID("self"), probe, rand.New(rand.NewSource(1)), nil)
	ids := make([]ID, 1024)
	for i := range ids {
		ids[i] = testID(fmt.Sprintf("peer%d", i))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tbl.Observe(ids[i%len(ids)], testAddr(i%1024), 2, int64(1000+i))
	}
}
