package swarm

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bittorrent/helix/bittorrent"
)

func mustPeerID(t *testing.T, s string) bittorrent.PeerID {
	t.Helper()
	b := make([]byte, 20)
	copy(b, s)
	id, err := bittorrent.NewPeerID(b)
	require.NoError(t, err)
	return id
}

func mustInfoHash(t *testing.T, s string) bittorrent.InfoHash {
	t.Helper()
	b := make([]byte, 20)
	copy(b, s)
	ih, err := bittorrent.NewInfoHash(b)
	require.NoError(t, err)
	return ih
}

func checkInvariants(t *testing.T, s *Swarm) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cat := range []Category{Seeding, Active, Paused} {
		assert.Equal(t, len(s.epV4[cat]), len(s.ownerV4[cat]), "v4 cat %v", cat)
		assert.Equal(t, len(s.epV6[cat]), len(s.ownerV6[cat]), "v6 cat %v", cat)
	}

	var total int
	for _, p := range s.peers {
		total++
		cat := p.Category()
		if p.IsRoutableV4() {
			require.True(t, p.EpIndexV4 >= 0 && p.EpIndexV4 < len(s.epV4[cat]))
			assert.Same(t, p, s.ownerV4[cat][p.EpIndexV4])
		}
		if p.IsRoutableV6() {
			require.True(t, p.EpIndexV6 >= 0 && p.EpIndexV6 < len(s.epV6[cat]))
			assert.Same(t, p, s.ownerV6[cat][p.EpIndexV6])
		}
	}
	assert.Equal(t, total, len(s.peers))
}

func TestAddPeerCreatesNoEndpoint(t *testing.T) {
	s := NewSwarm(mustInfoHash(t, "aaaaaaaaaaaaaaaaaaaa"), false)
	id := mustPeerID(t, "pppppppppppppppppppp")

	p := s.AddPeer(id, true, false, bittorrent.Stats{Left: 100, Event: bittorrent.Started})
	assert.Equal(t, Active, p.Category())
	assert.False(t, p.IsRoutableV4())
	checkInvariants(t, s)

	total, byCat := s.NumPeers()
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, byCat[Active])
}

func TestAddPeerEndpointIdempotent(t *testing.T) {
	s := NewSwarm(mustInfoHash(t, "aaaaaaaaaaaaaaaaaaaa"), false)
	id := mustPeerID(t, "pppppppppppppppppppp")
	p := s.AddPeer(id, true, false, bittorrent.Stats{Left: 100, Event: bittorrent.Started})

	ep := bittorrent.NewEndpoint(netip.MustParseAddr("1.2.3.4"), 6881)
	assert.True(t, s.AddPeerEndpoint(p, false, ep))
	assert.True(t, p.IsRoutableV4())
	assert.False(t, s.AddPeerEndpoint(p, false, ep))
	checkInvariants(t, s)
}

func TestCompletedTransitionsCategory(t *testing.T) {
	s := NewSwarm(mustInfoHash(t, "aaaaaaaaaaaaaaaaaaaa"), false)
	id := mustPeerID(t, "pppppppppppppppppppp")
	p := s.AddPeer(id, true, false, bittorrent.Stats{Left: 100, Event: bittorrent.Started})
	ep := bittorrent.NewEndpoint(netip.MustParseAddr("1.2.3.4"), 6881)
	s.AddPeerEndpoint(p, false, ep)
	require.Equal(t, Active, p.Category())

	newV4, _ := s.UpdatePeer(p, true, false, ep, bittorrent.Endpoint{}, bittorrent.Stats{Left: 0, Event: bittorrent.Completed})
	assert.False(t, newV4)
	assert.Equal(t, Seeding, p.Category())

	_, byCat := s.NumPeers()
	assert.Equal(t, 0, byCat[Active])
	assert.Equal(t, 1, byCat[Seeding])
	assert.Equal(t, 0, len(s.epV4[Active]))
	assert.Equal(t, 1, len(s.epV4[Seeding]))
	checkInvariants(t, s)
}

func TestStoppedRemovesPeer(t *testing.T) {
	s := NewSwarm(mustInfoHash(t, "aaaaaaaaaaaaaaaaaaaa"), false)
	id := mustPeerID(t, "pppppppppppppppppppp")
	p := s.AddPeer(id, true, false, bittorrent.Stats{Left: 100, Event: bittorrent.Started})
	ep := bittorrent.NewEndpoint(netip.MustParseAddr("1.2.3.4"), 6881)
	s.AddPeerEndpoint(p, false, ep)

	s.RemovePeer(p)
	total, _ := s.NumPeers()
	assert.Equal(t, 0, total)
	assert.Equal(t, 0, len(s.epV4[Active]))
	checkInvariants(t, s)
}

func TestRemovePeerSwapWithLastUpdatesBackIndex(t *testing.T) {
	s := NewSwarm(mustInfoHash(t, "aaaaaaaaaaaaaaaaaaaa"), false)

	var peers []*Peer
	for i := 0; i < 5; i++ {
		id := mustPeerID(t, string(rune('a'+i))+"aaaaaaaaaaaaaaaaaaa")
		p := s.AddPeer(id, true, false, bittorrent.Stats{Left: 100, Event: bittorrent.Started})
		ep := bittorrent.NewEndpoint(netip.MustParseAddr("1.2.3.4"), uint16(6881+i))
		s.AddPeerEndpoint(p, false, ep)
		peers = append(peers, p)
	}

	// Remove the first peer; the last peer's back-index must now point at
	// slot 0.
	s.RemovePeer(peers[0])
	checkInvariants(t, s)
	assert.Equal(t, 4, len(s.epV4[Active]))
}

func TestEvictStale(t *testing.T) {
	s := NewSwarm(mustInfoHash(t, "aaaaaaaaaaaaaaaaaaaa"), false)
	id := mustPeerID(t, "pppppppppppppppppppp")
	p := s.AddPeer(id, true, false, bittorrent.Stats{Left: 100, Event: bittorrent.Started})
	p.LastCheckIn = 0

	removed := s.EvictStale(1000)
	assert.Equal(t, 1, removed)
	total, _ := s.NumPeers()
	assert.Equal(t, 0, total)
}

func TestCheckpointSampleAndRestore(t *testing.T) {
	src := NewSwarm(mustInfoHash(t, "aaaaaaaaaaaaaaaaaaaa"), false)
	for i := 0; i < 3; i++ {
		id := mustPeerID(t, string(rune('a'+i))+"aaaaaaaaaaaaaaaaaaa")
		p := src.AddPeer(id, true, false, bittorrent.Stats{Left: 0, Event: bittorrent.Completed})
		ep := bittorrent.NewEndpoint(netip.MustParseAddr("10.0.0.1"), uint16(6881+i))
		src.AddPeerEndpoint(p, false, ep)
	}

	records := src.SampleV4(40)
	require.Len(t, records, 3)

	dst := NewSwarm(mustInfoHash(t, "aaaaaaaaaaaaaaaaaaaa"), false)
	for _, r := range records {
		dst.RestorePeer(r)
	}
	total, byCat := dst.NumPeers()
	assert.Equal(t, 3, total)
	assert.Equal(t, 3, byCat[Seeding])
	checkInvariants(t, dst)
}
