package dht

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"

	"github.com/andybalholm/brotli"

	"github.com/jech/dht/routing"
)

// Saved node lists let a node rejoin the overlay without hitting the
// bootstrap seeds: the identity plus the known-good addresses, in the
// compact wire layout, brotli-compressed.

var nodesMagic = [4]byte{'D', 'H', 'T', 'N'}

const nodesVersion = 1

var ErrBadNodesFile = errors.New("dht: not a saved node list")

// SaveNodes writes the identity and the current good nodes of both
// families to w.
func (d *DHT) SaveNodes(w io.Writer) error {
	if d.closed {
		return ErrClosed
	}
	v4, v6 := d.GetNodes()

	bw := brotli.NewWriter(w)
	buf := make([]byte, 0, 32+6*len(v4)+18*len(v6))
	buf = append(buf, nodesMagic[:]...)
	buf = append(buf, nodesVersion)
	buf = append(buf, d.self[:]...)

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(v4)))
	for _, a := range v4 {
		ip := a.Addr().As4()
		buf = append(buf, ip[:]...)
		buf = binary.BigEndian.AppendUint16(buf, a.Port())
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(v6)))
	for _, a := range v6 {
		ip := a.Addr().As16()
		buf = append(buf, ip[:]...)
		buf = binary.BigEndian.AppendUint16(buf, a.Port())
	}

	if _, err := bw.Write(buf); err != nil {
		return fmt.Errorf("write node list: %w", err)
	}
	if err := bw.Close(); err != nil {
		return fmt.Errorf("flush node list: %w", err)
	}
	d.logger.Info("saved node list", "v4", len(v4), "v6", len(v6))
	return nil
}

// ReadNodes parses a saved node list, returning the stored identity
// and addresses.
func ReadNodes(r io.Reader) (id routing.ID, v4, v6 []netip.AddrPort, err error) {
	buf, err := io.ReadAll(brotli.NewReader(r))
	if err != nil {
		return id, nil, nil, fmt.Errorf("read node list: %w", err)
	}
	if len(buf) < 4+1+20+2 || [4]byte(buf[:4]) != nodesMagic || buf[4] != nodesVersion {
		return id, nil, nil, ErrBadNodesFile
	}
	copy(id[:], buf[5:25])
	buf = buf[25:]

	n4 := int(binary.BigEndian.Uint16(buf))
	buf = buf[2:]
	if len(buf) < n4*6+2 {
		return id, nil, nil, ErrBadNodesFile
	}
	for i := 0; i < n4; i++ {
		addr := netip.AddrFrom4([4]byte(buf[:4]))
		v4 = append(v4, netip.AddrPortFrom(addr, binary.BigEndian.Uint16(buf[4:6])))
		buf = buf[6:]
	}

	n6 := int(binary.BigEndian.Uint16(buf))
	buf = buf[2:]
	if len(buf) < n6*18 {
		return id, nil, nil, ErrBadNodesFile
	}
	for i := 0; i < n6; i++ {
		addr := netip.AddrFrom16([16]byte(buf[:16]))
		v6 = append(v6, netip.AddrPortFrom(addr, binary.BigEndian.Uint16(buf[16:18])))
		buf = buf[18:]
	}

	return id, v4, v6, nil
}

// LoadNodes reads a saved node list and pings every address, so that
// responsive ones earn their way back into the table. Returns the
// number of nodes pinged.
func (d *DHT) LoadNodes(r io.Reader) (int, error) {
	if d.closed {
		return 0, ErrClosed
	}
	_, v4, v6, err := ReadNodes(r)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, a := range v4 {
		if d.t4 == nil {
			break
		}
		if err := d.PingNode(a); err == nil {
			count++
		}
	}
	for _, a := range v6 {
		if d.t6 == nil {
			break
		}
		if err := d.PingNode(a); err == nil {
			count++
		}
	}
	d.logger.Info("loaded node list", "pinged", count)
	return count, nil
}
