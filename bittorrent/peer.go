package bittorrent

import (
	"encoding/binary"
	"net/netip"
)

// Endpoint is a routable (IP, port) pair as stored in a swarm's per-category
// endpoint vectors and returned, packed, in announce replies.
type Endpoint struct {
	IP   netip.Addr
	Port uint16
}

// NewEndpoint builds an Endpoint from an address and port, unmapping any
// IPv4-in-IPv6 address so Is4/Is6 classify it correctly.
func NewEndpoint(addr netip.Addr, port uint16) Endpoint {
	return Endpoint{IP: addr.Unmap(), Port: port}
}

// Is6 reports whether the Endpoint holds an IPv6 address.
func (e Endpoint) Is6() bool { return e.IP.Is6() && !e.IP.Is4In6() }

// Is4 reports whether the Endpoint holds an IPv4 address.
func (e Endpoint) Is4() bool { return e.IP.Is4() || e.IP.Is4In6() }

// packedLen is the wire size of a compact endpoint: 6 bytes for IPv4
// (4-byte address + 2-byte port), 18 bytes for IPv6 (16+2).
func (e Endpoint) packedLen() int {
	if e.Is6() {
		return 18
	}
	return 6
}

// AppendCompact appends the endpoint's compact wire representation to buf
// and returns the extended slice.
func (e Endpoint) AppendCompact(buf []byte) []byte {
	start := len(buf)
	buf = append(buf, make([]byte, e.packedLen())...)
	out := buf[start:]
	if e.Is6() {
		ip := e.IP.As16()
		copy(out[:16], ip[:])
		binary.BigEndian.PutUint16(out[16:18], e.Port)
	} else {
		ip := e.IP.As4()
		copy(out[:4], ip[:])
		binary.BigEndian.PutUint16(out[4:6], e.Port)
	}
	return buf
}

// ParseCompactIPv4 decodes a packed "peers" blob (6 bytes per endpoint).
func ParseCompactIPv4(b []byte) []Endpoint {
	out := make([]Endpoint, 0, len(b)/6)
	for i := 0; i+6 <= len(b); i += 6 {
		addr := netip.AddrFrom4([4]byte(b[i : i+4]))
		port := binary.BigEndian.Uint16(b[i+4 : i+6])
		out = append(out, Endpoint{IP: addr, Port: port})
	}
	return out
}

// ParseCompactIPv6 decodes a packed "peers6" blob (18 bytes per endpoint).
func ParseCompactIPv6(b []byte) []Endpoint {
	out := make([]Endpoint, 0, len(b)/18)
	for i := 0; i+18 <= len(b); i += 18 {
		addr := netip.AddrFrom16([16]byte(b[i : i+16]))
		port := binary.BigEndian.Uint16(b[i+16 : i+18])
		out = append(out, Endpoint{IP: addr, Port: port})
	}
	return out
}

// Peer is an announcing client's claim: its identity plus whichever address
// families it presented in this request.
type Peer struct {
	ID   PeerID
	IPv4 Endpoint
	IPv6 Endpoint
	HasV4 bool
	HasV6 bool
}
