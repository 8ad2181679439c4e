package swarm

import (
	"github.com/bittorrent/helix/bittorrent"
)

// Category partitions the peers of a swarm for endpoint storage and
// handout, per spec.md §3.
type Category int

// The three peer categories, in the order the endpoint arrays are indexed.
const (
	Seeding Category = iota
	Active
	Paused
	numCategories
)

func (c Category) String() string {
	switch c {
	case Seeding:
		return "seeding"
	case Active:
		return "active"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

// Status bits, mirroring the original C++ source's peer_struct bitset
// (IS_ROUTABLE/IS_COMPLETE/IS_DOWNLOADING/IS_ROUTABLE6/HAS_V4/HAS_V6).
const (
	StatusRoutableV4 uint8 = 1 << iota
	StatusComplete
	StatusDownloading
	StatusRoutableV6
	StatusHasV4
	StatusHasV6
)

// noEndpoint is the sentinel value for a Peer's ep_index fields when it has
// no entry in the corresponding endpoint vector yet.
const noEndpoint = -1

// Peer is a single swarm participant, keyed by its 20-byte peer_id within
// the owning Swarm.
type Peer struct {
	ID bittorrent.PeerID

	LastCheckIn int64
	Status      uint8

	// Claimed endpoints as last reported by the peer; only meaningful once
	// the corresponding HAS_V* bit is set. These are what the NAT checker
	// probes and, once routable, what's mirrored into the endpoint vector.
	ClaimedV4 bittorrent.Endpoint
	ClaimedV6 bittorrent.Endpoint

	// Back-indices into the swarm's endpoint vectors for category().
	EpIndexV4 int
	EpIndexV6 int
}

func newPeer(id bittorrent.PeerID) *Peer {
	return &Peer{ID: id, EpIndexV4: noEndpoint, EpIndexV6: noEndpoint}
}

// Category derives the peer's current category from its status bits.
func (p *Peer) Category() Category {
	switch {
	case p.Status&StatusComplete != 0:
		return Seeding
	case p.Status&StatusDownloading != 0:
		return Active
	default:
		return Paused
	}
}

// IsRoutableV4 reports whether the peer has a confirmed, advertisable IPv4
// endpoint.
func (p *Peer) IsRoutableV4() bool { return p.Status&StatusRoutableV4 != 0 }

// IsRoutableV6 reports whether the peer has a confirmed, advertisable IPv6
// endpoint.
func (p *Peer) IsRoutableV6() bool { return p.Status&StatusRoutableV6 != 0 }

// HasV4 reports whether the peer has ever presented an IPv4 endpoint.
func (p *Peer) HasV4() bool { return p.Status&StatusHasV4 != 0 }

// HasV6 reports whether the peer has ever presented an IPv6 endpoint.
func (p *Peer) HasV6() bool { return p.Status&StatusHasV6 != 0 }

// updateStatus applies the COMPLETE/DOWNLOADING transition rules of
// spec.md §4.2's add_peer/update_peer: left == 0 implies complete (and
// clears downloading, since IS_COMPLETE ⇒ ¬IS_DOWNLOADING); otherwise a
// PAUSED event clears downloading, any other event sets it.
func (p *Peer) updateStatus(stats bittorrent.Stats, now int64) {
	p.LastCheckIn = now
	if stats.Left == 0 {
		p.Status |= StatusComplete
		p.Status &^= StatusDownloading
		return
	}
	p.Status &^= StatusComplete
	if stats.Event == bittorrent.Paused {
		p.Status &^= StatusDownloading
	} else {
		p.Status |= StatusDownloading
	}
}
