// Package storage keeps the peer lists announced for each info-hash.
// Records are bounded, deduplicated by (address, port), and expired
// after half an hour of silence.
package storage

import (
	"encoding/binary"
	"log/slog"
	"math/rand"
	"net/netip"

	"github.com/jech/dht/routing"
)

// Defaults for the resource caps.
const (
	DefaultMaxPeers  = 2048  // per info-hash
	DefaultMaxHashes = 16384 // total records

	// Peers that haven't re-announced in this long are dropped.
	peerExpiry = 32 * 60

	// Replies serve at most this many peers per message, so that
	// even IPv6 values fit comfortably in the reply buffer.
	sampleLimit = 50
)

// Peer is one announced address.
type Peer struct {
	Addr netip.Addr
	Port uint16
	Seen int64
}

// Record is the peer list for one info-hash.
type Record struct {
	peers []Peer
}

// NumPeers returns the number of stored peers.
func (r *Record) NumPeers() int { return len(r.peers) }

// Peers exposes the stored peers for local lookups and dumps.
func (r *Record) Peers() []Peer { return r.peers }

// Sample serves a slice of stored peers of the given family as packed
// values entries (4- or 16-byte address followed by a big-endian
// port). The record is treated as a circular list starting at a
// random offset; when entries of the other family are interleaved the
// sample may come up short even though more matches exist further
// along, which is fine.
func (r *Record) Sample(family routing.Family, rnd *rand.Rand) [][]byte {
	if len(r.peers) == 0 {
		return nil
	}

	want4 := family == routing.IPv4
	var out [][]byte
	j0 := rnd.Intn(len(r.peers))
	j := j0
	for {
		p := &r.peers[j]
		if p.Addr.Is4() == want4 {
			var entry []byte
			if want4 {
				a := p.Addr.As4()
				entry = append(entry, a[:]...)
			} else {
				a := p.Addr.As16()
				entry = append(entry, a[:]...)
			}
			entry = binary.BigEndian.AppendUint16(entry, p.Port)
			out = append(out, entry)
		}
		j = (j + 1) % len(r.peers)
		if j == j0 || len(out) >= sampleLimit {
			break
		}
	}
	return out
}

// Store holds all records, keyed by info-hash.
type Store struct {
	maxPeers  int
	maxHashes int
	records   map[routing.ID]*Record
	logger    *slog.Logger
}

// New creates a Store. Zero caps select the defaults.
func New(maxPeers, maxHashes int, logger *slog.Logger) *Store {
	if maxPeers <= 0 {
		maxPeers = DefaultMaxPeers
	}
	if maxHashes <= 0 {
		maxHashes = DefaultMaxHashes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		maxPeers:  maxPeers,
		maxHashes: maxHashes,
		records:   make(map[routing.ID]*Record),
		logger:    logger.With("component", "storage"),
	}
}

// Len returns the number of tracked info-hashes.
func (s *Store) Len() int { return len(s.records) }

// Find returns the record for an info-hash, or nil.
func (s *Store) Find(id routing.ID) *Record {
	return s.records[id]
}

// Add records an announce. An existing (address, port) pair only has
// its timestamp refreshed. Returns false when a cap prevented the
// peer from being stored; callers still acknowledge the announce, to
// keep requesters from backtracking.
func (s *Store) Add(id routing.ID, addr netip.Addr, port uint16, now int64) bool {
	if addr.Is4In6() {
		addr = addr.Unmap()
	}

	r := s.records[id]
	if r == nil {
		if len(s.records) >= s.maxHashes {
			return false
		}
		r = &Record{}
		s.records[id] = r
	}

	for i := range r.peers {
		if r.peers[i].Port == port && r.peers[i].Addr == addr {
			r.peers[i].Seen = now
			return true
		}
	}

	if len(r.peers) >= s.maxPeers {
		return false
	}
	r.peers = append(r.peers, Peer{Addr: addr, Port: port, Seen: now})
	return true
}

// Expire drops peers not seen for half an hour, and records that end
// up empty.
func (s *Store) Expire(now int64) {
	for id, r := range s.records {
		i := 0
		for i < len(r.peers) {
			if r.peers[i].Seen < now-peerExpiry {
				r.peers[i] = r.peers[len(r.peers)-1]
				r.peers = r.peers[:len(r.peers)-1]
			} else {
				i++
			}
		}
		if len(r.peers) == 0 {
			delete(s.records, id)
		}
	}
}

// Each iterates records for diagnostics dumps.
func (s *Store) Each(fn func(id routing.ID, r *Record)) {
	for id, r := range s.records {
		fn(id, r)
	}
}
