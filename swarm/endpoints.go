package swarm

import "github.com/bittorrent/helix/bittorrent"

// family indexes the per-address-family endpoint tables: 0 = IPv4, 1 = IPv6.
type family int

const (
	v4 family = 0
	v6 family = 1
)

// addEndpoint appends ep to the category's endpoint vector for the given
// family, records the owning peer in the parallel owner vector, and points
// the peer's back-index at the new slot. Mirrors spec.md §4.2's
// add_endpoint used both for fresh NAT-check successes and category moves.
func (s *Swarm) addEndpoint(f family, cat Category, p *Peer, ep bittorrent.Endpoint) {
	if f == v4 {
		s.epV4[cat] = append(s.epV4[cat], ep)
		s.ownerV4[cat] = append(s.ownerV4[cat], p)
		p.EpIndexV4 = len(s.epV4[cat]) - 1
	} else {
		s.epV6[cat] = append(s.epV6[cat], ep)
		s.ownerV6[cat] = append(s.ownerV6[cat], p)
		p.EpIndexV6 = len(s.epV6[cat]) - 1
	}
}

// removeEndpoint removes the entry at idx from the category's endpoint
// vector for the given family using the swap-with-last trick: the last
// entry is moved into the vacated slot (if it wasn't the one removed) and
// its owner's back-index is updated to match, preserving O(1) removal and
// index stability for every other entry (spec.md §9 "Ownership of
// back-indexed collections").
func (s *Swarm) removeEndpoint(f family, cat Category, idx int) {
	if f == v4 {
		eps, owners := s.epV4[cat], s.ownerV4[cat]
		last := len(eps) - 1
		if idx != last {
			eps[idx] = eps[last]
			owners[idx] = owners[last]
			owners[idx].EpIndexV4 = idx
		}
		s.epV4[cat] = eps[:last]
		s.ownerV4[cat] = owners[:last]
	} else {
		eps, owners := s.epV6[cat], s.ownerV6[cat]
		last := len(eps) - 1
		if idx != last {
			eps[idx] = eps[last]
			owners[idx] = owners[last]
			owners[idx].EpIndexV6 = idx
		}
		s.epV6[cat] = eps[:last]
		s.ownerV6[cat] = owners[:last]
	}
}

// moveEndpoint relocates a peer's routable endpoint in family f from
// category from to category to, preserving the handout cursors' N-relative
// invariants for both the vacated and receiving categories (spec.md §4.2
// "Category move").
func (s *Swarm) moveEndpoint(f family, from, to Category, p *Peer) {
	var idx int
	var ep bittorrent.Endpoint
	if f == v4 {
		idx = p.EpIndexV4
		ep = s.epV4[from][idx]
	} else {
		idx = p.EpIndexV6
		ep = s.epV6[from][idx]
	}
	s.fixCursorBeforeRemove(f, from, idx)
	s.removeEndpoint(f, from, idx)
	s.addEndpoint(f, to, p, ep)
}

// fixCursorBeforeRemove adjusts next_handout/cursor for a category losing
// an entry at idx via swap-with-last, so the handout invariants of
// spec.md §8 (next_handout ≤ |ep[c]|) continue to hold after the vector
// shrinks by one.
func (s *Swarm) fixCursorBeforeRemove(f family, cat Category, idx int) {
	cursor, next := s.cursorFor(f, cat)
	n := s.epLen(f, cat)
	if *next > n-1 {
		*next = n - 1
	}
	if *next < 0 {
		*next = 0
	}
	_ = idx
	_ = cursor
}

func (s *Swarm) epLen(f family, cat Category) int {
	if f == v4 {
		return len(s.epV4[cat])
	}
	return len(s.epV6[cat])
}

func (s *Swarm) cursorFor(f family, cat Category) (*float64, *int) {
	if f == v4 {
		return &s.cursorV4[cat], &s.nextV4[cat]
	}
	return &s.cursorV6[cat], &s.nextV6[cat]
}

func (s *Swarm) ownerSlice(f family, cat Category) []*Peer {
	if f == v4 {
		return s.ownerV4[cat]
	}
	return s.ownerV6[cat]
}

func (s *Swarm) epSlice(f family, cat Category) []bittorrent.Endpoint {
	if f == v4 {
		return s.epV4[cat]
	}
	return s.epV6[cat]
}
