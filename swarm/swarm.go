// Package swarm implements the core swarm-state engine of spec.md §3-4.2:
// per-swarm, dual-stack, category-partitioned peer tables with O(1)
// insertion/removal and cursor-based handout.
package swarm

import (
	"sync"

	"github.com/bittorrent/helix/bittorrent"
	"github.com/bittorrent/helix/pkg/timecache"
)

// Flag bits for a Swarm, per spec.md §3.
const (
	FlagDisabled uint8 = 1 << iota
	FlagDNAOnly
	FlagTerminate
)

// Swarm owns one torrent's peer table, endpoint vectors, and handout
// cursors. All exported methods are safe for concurrent use; this is the
// idiomatic-Go analogue of the original single-threaded event loop's
// absence of locking around swarm mutation (see SPEC_FULL.md §5).
type Swarm struct {
	InfoHash bittorrent.InfoHash

	mu    sync.Mutex
	peers map[bittorrent.PeerID]*Peer

	epV4    [numCategories][]bittorrent.Endpoint
	epV6    [numCategories][]bittorrent.Endpoint
	ownerV4 [numCategories][]*Peer
	ownerV6 [numCategories][]*Peer

	cursorV4 [numCategories]float64
	nextV4   [numCategories]int
	cursorV6 [numCategories]float64
	nextV6   [numCategories]int

	countByCategory  [numCategories]int
	count4ByCategory [numCategories]int
	count6ByCategory [numCategories]int

	flags uint8

	rank    int
	cpuLoad float64

	wBad  uint64
	cWBad uint64
}

// NewSwarm allocates an empty Swarm for the given info_hash.
func NewSwarm(ih bittorrent.InfoHash, dnaOnlyDefault bool) *Swarm {
	s := &Swarm{
		InfoHash: ih,
		peers:    make(map[bittorrent.PeerID]*Peer),
		rank:     -1,
	}
	if dnaOnlyDefault {
		s.flags |= FlagDNAOnly
	}
	return s
}

// familyCount returns count4[cat] or count6[cat] depending on f.
func (s *Swarm) familyCount(f family, cat Category) int {
	if f == v4 {
		return s.count4ByCategory[cat]
	}
	return s.count6ByCategory[cat]
}

// Disabled reports whether the swarm is flagged DISABLED.
func (s *Swarm) Disabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags&FlagDisabled != 0
}

// Terminated reports whether the swarm is flagged TERMINATE.
func (s *Swarm) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags&FlagTerminate != 0
}

// DNAOnly reports whether the swarm is flagged DNA_ONLY.
func (s *Swarm) DNAOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags&FlagDNAOnly != 0
}

// FlagNames describes the swarm's current flags as in spec.md §6
// /control/flags/<hex>: "disabled", "dna_only", "terminate", or an
// "0x<unknown>" entry for any bit this tracker doesn't name.
func (s *Swarm) FlagNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	if s.flags&FlagDisabled != 0 {
		names = append(names, "disabled")
	}
	if s.flags&FlagDNAOnly != 0 {
		names = append(names, "dna_only")
	}
	if s.flags&FlagTerminate != 0 {
		names = append(names, "terminate")
	}
	known := FlagDisabled | FlagDNAOnly | FlagTerminate
	if unknown := s.flags &^ known; unknown != 0 {
		for bit := uint8(1); bit != 0; bit <<= 1 {
			if unknown&bit != 0 {
				names = append(names, hexFlag(bit))
			}
		}
	}
	return names
}

func hexFlag(bit uint8) string {
	const hexDigits = "0123456789abcdef"
	return "0x" + string([]byte{hexDigits[bit>>4], hexDigits[bit&0xf]})
}

// SetFlag sets or clears a named flag bit; unknown names are rejected.
func (s *Swarm) SetFlag(name string, value bool) bool {
	var bit uint8
	switch name {
	case "disabled":
		bit = FlagDisabled
	case "dna_only":
		bit = FlagDNAOnly
	case "terminate":
		bit = FlagTerminate
	default:
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if value {
		s.flags |= bit
	} else {
		s.flags &^= bit
	}
	return true
}

// Rank returns the swarm's last-computed load rank (-1 if never ranked).
func (s *Swarm) Rank() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rank
}

// SetRank records the swarm's load rank, as computed by stats.Ranker.
func (s *Swarm) SetRank(r int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rank = r
}

// CPULoad returns the swarm's last-computed CPU share.
func (s *Swarm) CPULoad() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cpuLoad
}

// SetCPULoad records the swarm's CPU share, as computed by stats.Ranker.
func (s *Swarm) SetCPULoad(c float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cpuLoad = c
}

// LoadMetric returns a load comparable across swarms: total peer count,
// per the original source's get_load_metric (number of peers, including
// non-routable ones).
func (s *Swarm) LoadMetric() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// WBad returns the swarm's current and cumulative "w_bad" report-only
// counters, surfaced by the report_w_bad announce fast-path (spec.md
// §4.1).
func (s *Swarm) WBad() (current, cumulative uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wBad, s.cWBad
}

// RecordWBad folds an announce's reported w_bad value into the swarm's
// counters.
func (s *Swarm) RecordWBad(v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wBad = v
	s.cWBad += v
}

// NumPeers returns the total peer count and the per-category breakdown.
func (s *Swarm) NumPeers() (total int, byCategory [3]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers), s.countByCategory
}

// Get returns the peer with the given ID, if present.
func (s *Swarm) Get(id bittorrent.PeerID) (*Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	return p, ok
}

// AddPeer inserts a new peer with status derived from stats, per spec.md
// §4.2's add_peer: no endpoint entry is created until a NAT check succeeds.
func (s *Swarm) AddPeer(id bittorrent.PeerID, hasV4, hasV6 bool, stats bittorrent.Stats) *Peer {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := newPeer(id)
	if hasV4 {
		p.Status |= StatusHasV4
	}
	if hasV6 {
		p.Status |= StatusHasV6
	}
	p.updateStatus(stats, timecache.NowUnix())

	s.peers[id] = p
	cat := p.Category()
	s.countByCategory[cat]++
	if hasV4 {
		s.count4ByCategory[cat]++
	}
	if hasV6 {
		s.count6ByCategory[cat]++
	}
	return p
}

// UpdatePeer applies a subsequent announce to an existing peer: refreshes
// claimed addresses where already routable, recomputes status, and moves
// the peer across categories if its category changed. It returns which
// address families newly appeared on this announce (for NAT-check
// dispatch) — it never sets the ROUTABLE bits itself (spec.md §4.2).
func (s *Swarm) UpdatePeer(p *Peer, hasV4, hasV6 bool, ipv4, ipv6 bittorrent.Endpoint, stats bittorrent.Stats) (newV4, newV6 bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	newV4 = hasV4 && p.Status&StatusHasV4 == 0
	newV6 = hasV6 && p.Status&StatusHasV6 == 0

	if hasV4 {
		p.Status |= StatusHasV4
		p.ClaimedV4 = ipv4
		if p.IsRoutableV4() {
			s.epV4[p.Category()][p.EpIndexV4] = ipv4
		}
	}
	if hasV6 {
		p.Status |= StatusHasV6
		p.ClaimedV6 = ipv6
		if p.IsRoutableV6() {
			s.epV6[p.Category()][p.EpIndexV6] = ipv6
		}
	}

	oldCat := p.Category()
	p.updateStatus(stats, timecache.NowUnix())
	newCat := p.Category()

	if newCat != oldCat {
		s.moveCategory(p, oldCat, newCat)
	}

	return
}

// moveCategory updates per-category counters and relocates any routable
// endpoints when a peer's category changes (spec.md §4.2 "Category move").
func (s *Swarm) moveCategory(p *Peer, from, to Category) {
	s.countByCategory[from]--
	s.countByCategory[to]++
	if p.Status&StatusHasV4 != 0 {
		s.count4ByCategory[from]--
		s.count4ByCategory[to]++
	}
	if p.Status&StatusHasV6 != 0 {
		s.count6ByCategory[from]--
		s.count6ByCategory[to]++
	}
	if p.IsRoutableV4() {
		s.moveEndpoint(v4, from, to, p)
	}
	if p.IsRoutableV6() {
		s.moveEndpoint(v6, from, to, p)
	}
}

// AddPeerEndpoint admits a NAT-check-confirmed endpoint into the handout
// tables. Idempotent: if the family is already routable, it is a no-op
// (spec.md §4.2 add_peer_endpoint). Called only from NAT checker success
// callbacks. A peer that is no longer in the swarm (removed while its
// check was in flight) is ignored.
func (s *Swarm) AddPeerEndpoint(p *Peer, isV6 bool, ep bittorrent.Endpoint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.peers[p.ID]; !ok || cur != p {
		return false
	}
	if isV6 {
		if p.IsRoutableV6() {
			return false
		}
		s.addEndpoint(v6, p.Category(), p, ep)
		p.Status |= StatusRoutableV6
	} else {
		if p.IsRoutableV4() {
			return false
		}
		s.addEndpoint(v4, p.Category(), p, ep)
		p.Status |= StatusRoutableV4
	}
	return true
}

// RemovePeer removes the peer from its endpoint tables (O(1), swap with
// last) and from the peer map, decrementing every counter it contributed
// to (spec.md §4.2 remove_peer).
func (s *Swarm) RemovePeer(p *Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removePeerLocked(p)
}

func (s *Swarm) removePeerLocked(p *Peer) {
	cat := p.Category()
	if p.IsRoutableV4() {
		s.removeEndpoint(v4, cat, p.EpIndexV4)
	}
	if p.IsRoutableV6() {
		s.removeEndpoint(v6, cat, p.EpIndexV6)
	}

	s.countByCategory[cat]--
	if p.Status&StatusHasV4 != 0 {
		s.count4ByCategory[cat]--
	}
	if p.Status&StatusHasV6 != 0 {
		s.count6ByCategory[cat]--
	}

	delete(s.peers, p.ID)
}

// RoutablePeerCount returns the number of entries in the ACTIVE and
// SEEDING endpoint vectors of both families (a peer routable on IPv4 and
// IPv6 counts twice), used by the minimum-interval exception of spec.md
// §4.1 / §9 Open Question 2.
func (s *Swarm) RoutablePeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.epV4[Active]) + len(s.epV6[Active]) + len(s.epV4[Seeding]) + len(s.epV6[Seeding])
}

// ScrapeCounts returns (incomplete, complete) peer counts for this swarm,
// used by the §4.1 response hook and the /scrape handler.
func (s *Swarm) ScrapeCounts() (incomplete, complete uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint32(s.countByCategory[Active] + s.countByCategory[Paused]), uint32(s.countByCategory[Seeding])
}

// ForEachPeer calls fn for every peer currently in the swarm. fn must not
// call back into the Swarm (the lock is held for the duration).
func (s *Swarm) ForEachPeer(fn func(*Peer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.peers {
		fn(p)
	}
}

// EvictStale removes every peer whose last check-in is older than cutoff
// (Unix seconds), returning the number removed. Driven by the timeout
// scanner at INTERVAL/2 (spec.md §4.4).
func (s *Swarm) EvictStale(cutoff int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []*Peer
	for _, p := range s.peers {
		if p.LastCheckIn < cutoff {
			stale = append(stale, p)
		}
	}
	for _, p := range stale {
		s.removePeerLocked(p)
	}
	return len(stale)
}

// PeerRecord is the subset of peer state persisted to, or restored from,
// a checkpoint file (spec.md §4.5). IPv6 state is never persisted.
type PeerRecord struct {
	ID          bittorrent.PeerID
	LastCheckIn int64
	Status      uint8
	Endpoint    bittorrent.Endpoint
}

// SampleV4 returns up to maxPeers routable-IPv4 peer records, in category
// order (SEEDING, ACTIVE, PAUSED), for the checkpoint codec (spec.md §4.5).
func (s *Swarm) SampleV4(maxPeers int) []PeerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PeerRecord, 0, maxPeers)
	for _, cat := range []Category{Seeding, Active, Paused} {
		if len(out) >= maxPeers {
			break
		}
		eps, owners := s.epV4[cat], s.ownerV4[cat]
		for i := 0; i < len(eps) && len(out) < maxPeers; i++ {
			p := owners[i]
			out = append(out, PeerRecord{
				ID:          p.ID,
				LastCheckIn: p.LastCheckIn,
				// IS_ROUTABLE_V6 and HAS_V6 are masked out of the persisted
				// status byte; IPv6 state is deliberately never persisted
				// (spec.md §9 Open Question 3).
				Status:   p.Status &^ (StatusRoutableV6 | StatusHasV6),
				Endpoint: eps[i],
			})
		}
	}
	return out
}

// RestorePeer re-creates a peer from a checkpoint record, including its
// IPv4 routable endpoint if the record's status carries it.
func (s *Swarm) RestorePeer(rec PeerRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := newPeer(rec.ID)
	p.LastCheckIn = rec.LastCheckIn
	routable := rec.Status&StatusRoutableV4 != 0
	p.Status = rec.Status &^ StatusRoutableV4

	s.peers[rec.ID] = p
	cat := p.Category()
	s.countByCategory[cat]++
	if p.Status&StatusHasV4 != 0 {
		s.count4ByCategory[cat]++
	}

	if routable {
		s.addEndpoint(v4, cat, p, rec.Endpoint)
		p.Status |= StatusRoutableV4
	}
}
