package stats

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

func TestRankOnceOrdersByLoad(t *testing.T) {
	tbl := swarm.NewTable(false)
	big, _ := tbl.GetOrCreate(mustInfoHash(t, "aaaaaaaaaaaaaaaaaaaa"))
	small, _ := tbl.GetOrCreate(mustInfoHash(t, "bbbbbbbbbbbbbbbbbbbb"))

	for i := 0; i < 5; i++ {
		id := mustPeerID(t, string(rune('a'+i))+"aaaaaaaaaaaaaaaaaaa")
		big.AddPeer(id, true, false, bittorrent.Stats{Left: 1, Event: bittorrent.Started})
	}
	small.AddPeer(mustPeerID(t, "pppppppppppppppppppp"), true, false, bittorrent.Stats{Left: 1, Event: bittorrent.Started})

	r := NewRanker(tbl, nil, time.Minute)
	r.rankOnce()

	assert.Equal(t, 0, big.Rank())
	assert.Equal(t, 1, small.Rank())
}

func TestRankOnceSkipsEmptyTable(t *testing.T) {
	tbl := swarm.NewTable(false)
	r := NewRanker(tbl, nil, time.Minute)
	r.rankOnce() // must not panic
}

func TestRunStopsCleanly(t *testing.T) {
	tbl := swarm.NewTable(false)
	r := NewRanker(tbl, nil, 20*time.Millisecond)
	go r.Run()
	time.Sleep(5 * time.Millisecond)
	assert.NoError(t, r.Stop().Wait())
}
