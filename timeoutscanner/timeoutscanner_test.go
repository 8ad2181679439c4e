package timeoutscanner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bittorrent/helix/bittorrent"
	"github.com/bittorrent/helix/swarm"
)

func mustPeerID(t *testing.T, s string) bittorrent.PeerID {
	t.Helper()
	b := make([]byte, bittorrent.PeerIDLen)
	copy(b, s)
	id, err := bittorrent.NewPeerID(b)
	require.NoError(t, err)
	return id
}

func mustInfoHash(t *testing.T, s string) bittorrent.InfoHash {
	t.Helper()
	b := make([]byte, bittorrent.InfoHashLen)
	copy(b, s)
	ih, err := bittorrent.NewInfoHash(b)
	require.NoError(t, err)
	return ih
}

func TestSweepEvictsStalePeers(t *testing.T) {
	tbl := swarm.NewTable(false)
	sm, _ := tbl.GetOrCreate(mustInfoHash(t, "aaaaaaaaaaaaaaaaaaaa"))

	p := sm.AddPeer(mustPeerID(t, "pppppppppppppppppppp"), true, false, bittorrent.Stats{Left: 1, Event: bittorrent.Started})
	p.LastCheckIn = 0 // far in the past relative to any cutoff

	s := New(tbl, time.Minute)
	s.sweep()

	total, _ := sm.NumPeers()
	assert.Equal(t, 0, total)
}

func TestSweepSkipsDisabledSwarms(t *testing.T) {
	tbl := swarm.NewTable(false)
	sm, _ := tbl.GetOrCreate(mustInfoHash(t, "aaaaaaaaaaaaaaaaaaaa"))
	sm.SetFlag("disabled", true)

	p := sm.AddPeer(mustPeerID(t, "pppppppppppppppppppp"), true, false, bittorrent.Stats{Left: 1, Event: bittorrent.Started})
	p.LastCheckIn = 0

	s := New(tbl, time.Minute)
	s.sweep()

	total, _ := sm.NumPeers()
	assert.Equal(t, 1, total)
}

func TestRunStopsCleanly(t *testing.T) {
	tbl := swarm.NewTable(false)
	s := New(tbl, 50*time.Millisecond)
	go s.Run()
	time.Sleep(10 * time.Millisecond)
	assert.NoError(t, s.Stop().Wait())
}
