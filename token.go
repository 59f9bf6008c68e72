package dht

import (
	"bytes"
	"encoding/binary"
	"net/netip"
)

// Announce authorization is stateless: a get_peers reply carries an
// opaque token bound to the requester's address, and an announce is
// accepted only if it returns a token derived from the current or the
// previous secret. Rotating the secret every 15 to 45 minutes bounds
// a token's useful life without any server-side bookkeeping.

const tokenSize = 8

func (d *DHT) rotateSecrets() {
	d.rotateTime = d.now + 900 + int64(d.rnd.Intn(1800))
	d.oldSecret = d.secret
	d.randomBytes(d.secret[:])
}

func (d *DHT) makeToken(from netip.AddrPort, old bool) []byte {
	addr := from.Addr()
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	var ip []byte
	if addr.Is4() {
		a := addr.As4()
		ip = a[:]
	} else {
		a := addr.As16()
		ip = a[:]
	}
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], from.Port())

	secret := d.secret
	if old {
		secret = d.oldSecret
	}
	token := make([]byte, tokenSize)
	d.hash(token, secret[:], ip, port[:])
	return token
}

func (d *DHT) tokenMatch(token []byte, from netip.AddrPort) bool {
	if len(token) != tokenSize {
		return false
	}
	if bytes.Equal(token, d.makeToken(from, false)) {
		return true
	}
	return bytes.Equal(token, d.makeToken(from, true))
}
