package krpc

import (
	"strconv"
)

// Encoder builds outgoing messages. All messages carry our node id;
// V, when set, is the "1:v" client version blob appended before the
// message type.
type Encoder struct {
	ID [20]byte
	V  []byte // 4-byte client tag, or nil
}

func appendRaw(dst []byte, s string) []byte {
	return append(dst, s...)
}

func appendBytes(dst, b []byte) []byte {
	dst = strconv.AppendInt(dst, int64(len(b)), 10)
	dst = append(dst, ':')
	return append(dst, b...)
}

func (e *Encoder) appendV(dst []byte) []byte {
	if len(e.V) == 4 {
		dst = appendRaw(dst, "1:v4:")
		dst = append(dst, e.V...)
	}
	return dst
}

// Ping encodes a ping request.
func (e *Encoder) Ping(tid []byte) []byte {
	buf := make([]byte, 0, 512)
	buf = appendRaw(buf, "d1:ad2:id20:")
	buf = append(buf, e.ID[:]...)
	buf = appendRaw(buf, "e1:q4:ping1:t")
	buf = appendBytes(buf, tid)
	buf = e.appendV(buf)
	return appendRaw(buf, "1:y1:qe")
}

// Pong encodes the reply to a ping (and, with a different tid, the
// reply to an announce).
func (e *Encoder) Pong(tid []byte) []byte {
	buf := make([]byte, 0, 512)
	buf = appendRaw(buf, "d1:rd2:id20:")
	buf = append(buf, e.ID[:]...)
	buf = appendRaw(buf, "e1:t")
	buf = appendBytes(buf, tid)
	buf = e.appendV(buf)
	return appendRaw(buf, "1:y1:re")
}

func appendWant(dst []byte, want int) []byte {
	if want <= 0 {
		return dst
	}
	dst = appendRaw(dst, "4:wantl")
	if want&Want4 != 0 {
		dst = appendRaw(dst, "2:n4")
	}
	if want&Want6 != 0 {
		dst = appendRaw(dst, "2:n6")
	}
	return append(dst, 'e')
}

// FindNode encodes a find_node request.
func (e *Encoder) FindNode(tid []byte, target [20]byte, want int) []byte {
	buf := make([]byte, 0, 512)
	buf = appendRaw(buf, "d1:ad2:id20:")
	buf = append(buf, e.ID[:]...)
	buf = appendRaw(buf, "6:target20:")
	buf = append(buf, target[:]...)
	buf = appendWant(buf, want)
	buf = appendRaw(buf, "e1:q9:find_node1:t")
	buf = appendBytes(buf, tid)
	buf = e.appendV(buf)
	return appendRaw(buf, "1:y1:qe")
}

// GetPeers encodes a get_peers request.
func (e *Encoder) GetPeers(tid []byte, infoHash [20]byte, want int) []byte {
	buf := make([]byte, 0, 512)
	buf = appendRaw(buf, "d1:ad2:id20:")
	buf = append(buf, e.ID[:]...)
	buf = appendRaw(buf, "9:info_hash20:")
	buf = append(buf, infoHash[:]...)
	buf = appendWant(buf, want)
	buf = appendRaw(buf, "e1:q9:get_peers1:t")
	buf = appendBytes(buf, tid)
	buf = e.appendV(buf)
	return appendRaw(buf, "1:y1:qe")
}

// AnnouncePeer encodes an announce_peer request.
func (e *Encoder) AnnouncePeer(tid []byte, infoHash [20]byte, port uint16, token []byte) []byte {
	buf := make([]byte, 0, 512)
	buf = appendRaw(buf, "d1:ad2:id20:")
	buf = append(buf, e.ID[:]...)
	buf = appendRaw(buf, "9:info_hash20:")
	buf = append(buf, infoHash[:]...)
	buf = appendRaw(buf, "4:porti")
	buf = strconv.AppendUint(buf, uint64(port), 10)
	buf = appendRaw(buf, "e5:token")
	buf = appendBytes(buf, token)
	buf = appendRaw(buf, "e1:q13:announce_peer1:t")
	buf = appendBytes(buf, tid)
	buf = e.appendV(buf)
	return appendRaw(buf, "1:y1:qe")
}

// NodesPeers encodes the reply to find_node and get_peers: closest
// nodes for either family, an optional token, and an optional slice
// of stored peer values.
func (e *Encoder) NodesPeers(tid []byte, nodes, nodes6, token []byte, values [][]byte) []byte {
	buf := make([]byte, 0, 2048)
	buf = appendRaw(buf, "d1:rd2:id20:")
	buf = append(buf, e.ID[:]...)
	if len(nodes) > 0 {
		buf = appendRaw(buf, "5:nodes")
		buf = appendBytes(buf, nodes)
	}
	if len(nodes6) > 0 {
		buf = appendRaw(buf, "6:nodes6")
		buf = appendBytes(buf, nodes6)
	}
	if len(token) > 0 {
		buf = appendRaw(buf, "5:token")
		buf = appendBytes(buf, token)
	}
	if len(values) > 0 {
		buf = appendRaw(buf, "6:valuesl")
		for _, v := range values {
			buf = appendBytes(buf, v)
		}
		buf = append(buf, 'e')
	}
	buf = appendRaw(buf, "e1:t")
	buf = appendBytes(buf, tid)
	buf = e.appendV(buf)
	return appendRaw(buf, "1:y1:re")
}

// Err encodes a KRPC error reply.
func (e *Encoder) Err(tid []byte, code int, message string) []byte {
	buf := make([]byte, 0, 512)
	buf = appendRaw(buf, "d1:eli")
	buf = strconv.AppendInt(buf, int64(code), 10)
	buf = append(buf, 'e')
	buf = appendBytes(buf, []byte(message))
	buf = appendRaw(buf, "e1:t")
	buf = appendBytes(buf, tid)
	buf = e.appendV(buf)
	return appendRaw(buf, "1:y1:ee")
}
