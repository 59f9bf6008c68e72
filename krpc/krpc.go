// Package krpc implements the KRPC dialect of bencode spoken by the
// BitTorrent mainline DHT (BEP-5, with the BEP-32 IPv6 extensions).
//
// DHT messages are stylised enough that a full bencode parser is not
// needed: the decoder looks for each well-known key with a bounded
// byte-string search and clips every field at its documented maximum.
package krpc

import (
	"encoding/binary"
	"errors"
)

// Kind classifies a parsed message.
type Kind int

const (
	Error Kind = iota
	Reply
	Ping
	FindNode
	GetPeers
	AnnouncePeer
)

func (k Kind) String() string {
	switch k {
	case Error:
		return "error"
	case Reply:
		return "reply"
	case Ping:
		return "ping"
	case FindNode:
		return "find_node"
	case GetPeers:
		return "get_peers"
	case AnnouncePeer:
		return "announce_peer"
	default:
		return "unknown"
	}
}

// Address-family flags for the BEP-32 "want" list.
const (
	Want4 = 1 << iota
	Want6
)

// Field size limits. Anything longer is clipped or ignored.
const (
	MaxTIDLen    = 16
	MaxTokenLen  = 128
	NodeLen      = 26 // 20-byte id, 4-byte addr, 2-byte port
	Node6Len     = 38 // 20-byte id, 16-byte addr, 2-byte port
	ValueLen     = 6
	Value6Len    = 18
	MaxNodesLen  = NodeLen * 16
	MaxNodes6Len = Node6Len * 16
	MaxValuesLen = 2048
)

// Transaction ids are 4 bytes: two ASCII characters naming the
// operation class followed by a 16-bit sequence number in host order.

// MakeTID builds a transaction id from a prefix ("pn", "fn", "gp",
// "ap") and a sequence number.
func MakeTID(prefix string, seq uint16) []byte {
	tid := make([]byte, 4)
	tid[0] = prefix[0]
	tid[1] = prefix[1]
	binary.NativeEndian.PutUint16(tid[2:], seq)
	return tid
}

// TIDMatches reports whether tid carries the given operation prefix.
func TIDMatches(tid []byte, prefix string) bool {
	return len(tid) >= 2 && tid[0] == prefix[0] && tid[1] == prefix[1]
}

// TIDSeq extracts the sequence number of a 4-byte transaction id.
func TIDSeq(tid []byte) uint16 {
	if len(tid) != 4 {
		return 0
	}
	return binary.NativeEndian.Uint16(tid[2:])
}

var (
	ErrUnterminated = errors.New("krpc: buffer not NUL-terminated")
	ErrUnparseable  = errors.New("krpc: unparseable message")
)
