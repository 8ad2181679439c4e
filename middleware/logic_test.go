package middleware

import (
	"context"
	"net/netip"
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

func baseConfig() Config {
	maxHandout := 100
	return Config{
		AnnounceInterval:      30 * time.Minute,
		MinAnnounceInterval:   15 * time.Minute,
		NumWantDefault:        50,
		MaxHandoutPerInterval: &maxHandout,
	}
}

func TestHandleAnnounceCreatesSwarmAndAdmitsPeer(t *testing.T) {
	table := swarm.NewTable(false)
	logic := NewLogic(table, nil, baseConfig(), nil, nil)

	req := &bittorrent.AnnounceRequest{
		InfoHash: mustInfoHash(t, "aaaaaaaaaaaaaaaaaaaa"),
		PeerID:   mustPeerID(t, "peer1"),
		Port:     6881,
		IPv4:     netip.MustParseAddr("203.0.113.5"),
		Stats:    bittorrent.Stats{Left: 100, Event: bittorrent.Started},
	}

	ctx, resp, err := logic.HandleAnnounce(context.Background(), req)
	require.NoError(t, err)
	assert.NotNil(t, resp)
	assert.Equal(t, uint32(0), resp.Complete)

	logic.AfterAnnounce(ctx, req, resp)

	s, ok := table.Get(req.InfoHash)
	require.True(t, ok)
	total, _ := s.NumPeers()
	assert.Equal(t, 1, total)
}

func TestHandleAnnounceRejectsDisabledSwarm(t *testing.T) {
	table := swarm.NewTable(false)
	ih := mustInfoHash(t, "bbbbbbbbbbbbbbbbbbbb")
	s, _ := table.GetOrCreate(ih)
	s.SetFlag("disabled", true)

	logic := NewLogic(table, nil, baseConfig(), nil, nil)
	req := &bittorrent.AnnounceRequest{
		InfoHash: ih,
		PeerID:   mustPeerID(t, "peer1"),
		Port:     6881,
		IPv4:     netip.MustParseAddr("203.0.113.5"),
		Stats:    bittorrent.Stats{Left: 100, Event: bittorrent.Started},
	}

	_, _, err := logic.HandleAnnounce(context.Background(), req)
	assert.ErrorIs(t, err, bittorrent.ErrSwarmBlacklisted)
}

func TestHandleAnnounceEnforcesAuthWhenConfigured(t *testing.T) {
	table := swarm.NewTable(false)
	cfg := baseConfig()
	cfg.Auth = &AuthChecker{Enforce: true, Secret: "s3cr3t"}
	logic := NewLogic(table, nil, cfg, nil, nil)

	req := &bittorrent.AnnounceRequest{
		InfoHash: mustInfoHash(t, "cccccccccccccccccccc"),
		PeerID:   mustPeerID(t, "peer1"),
		Port:     6881,
		IPv4:     netip.MustParseAddr("203.0.113.5"),
		Stats:    bittorrent.Stats{Left: 100, Event: bittorrent.Started},
	}

	_, _, err := logic.HandleAnnounce(context.Background(), req)
	assert.ErrorIs(t, err, bittorrent.ErrUnauthorized)

	req.HasAuth = true
	req.Auth = cfg.Auth.expectedToken(req.InfoHash, req.TID)
	_, _, err = logic.HandleAnnounce(context.Background(), req)
	assert.NoError(t, err)
}

func TestStoppedEventRemovesPeer(t *testing.T) {
	table := swarm.NewTable(false)
	logic := NewLogic(table, nil, baseConfig(), nil, nil)

	ih := mustInfoHash(t, "dddddddddddddddddddd")
	id := mustPeerID(t, "peer1")
	startReq := &bittorrent.AnnounceRequest{
		InfoHash: ih,
		PeerID:   id,
		Port:     6881,
		IPv4:     netip.MustParseAddr("203.0.113.5"),
		Stats:    bittorrent.Stats{Left: 100, Event: bittorrent.Started},
	}
	ctx, resp, err := logic.HandleAnnounce(context.Background(), startReq)
	require.NoError(t, err)
	logic.AfterAnnounce(ctx, startReq, resp)

	stopReq := *startReq
	stopReq.Stats.Event = bittorrent.Stopped
	ctx, resp, err = logic.HandleAnnounce(context.Background(), &stopReq)
	require.NoError(t, err)
	logic.AfterAnnounce(ctx, &stopReq, resp)

	s, _ := table.Get(ih)
	total, _ := s.NumPeers()
	assert.Equal(t, 0, total)
}

func TestHandleScrapeReturnsKnownAndOmitsUnknownSwarms(t *testing.T) {
	table := swarm.NewTable(false)
	known := mustInfoHash(t, "eeeeeeeeeeeeeeeeeeee")
	s, _ := table.GetOrCreate(known)
	s.AddPeer(mustPeerID(t, "peer1"), true, false, bittorrent.Stats{Left: 0, Event: bittorrent.Completed})

	logic := NewLogic(table, nil, baseConfig(), nil, nil)
	unknown := mustInfoHash(t, "ffffffffffffffffffff")

	req := &bittorrent.ScrapeRequest{InfoHashes: []bittorrent.InfoHash{known, unknown}}
	_, resp, err := logic.HandleScrape(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Files, 1)
	assert.Equal(t, known, resp.Files[0].InfoHash)
	assert.Equal(t, uint32(1), resp.Files[0].Complete)
}

func TestMinIntervalRejectsTooSoonCheckinInBusySwarm(t *testing.T) {
	table := swarm.NewTable(false)
	ih := mustInfoHash(t, "1111111111111111111a")
	s, _ := table.GetOrCreate(ih)

	// Three routable peers so RoutablePeerCount() > 2 and the exception
	// doesn't apply.
	for i := 0; i < 3; i++ {
		id := mustPeerID(t, string(rune('a'+i))+"aaaaaaaaaaaaaaaaaaa")
		p := s.AddPeer(id, true, false, bittorrent.Stats{Left: 1, Event: bittorrent.Started})
		s.AddPeerEndpoint(p, false, bittorrent.NewEndpoint(netip.MustParseAddr("203.0.113.1"), 6881))
	}

	target := mustPeerID(t, "target0000000000000")
	s.AddPeer(target, true, false, bittorrent.Stats{Left: 1, Event: bittorrent.Started})

	cfg := baseConfig()
	cfg.MinAnnounceInterval = time.Hour
	logic := NewLogic(table, nil, cfg, nil, nil)

	req := &bittorrent.AnnounceRequest{
		InfoHash: ih,
		PeerID:   target,
		Port:     6881,
		IPv4:     netip.MustParseAddr("203.0.113.9"),
		Stats:    bittorrent.Stats{Left: 1, Event: bittorrent.Started},
	}
	_, _, err := logic.HandleAnnounce(context.Background(), req)
	assert.ErrorIs(t, err, bittorrent.ErrCheckedInTooSoon)
}
