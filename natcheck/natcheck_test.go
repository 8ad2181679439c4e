package natcheck

import (
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bittorrent/helix/bittorrent"
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

// fakePeer accepts a single connection, replies with a handshake carrying
// replyPeerID, and closes.
func fakePeer(t *testing.T, ih bittorrent.InfoHash, replyPeerID bittorrent.PeerID) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, handshakeLen)
		_, _ = readFull(conn, buf)

		resp := buildHandshake(ih)
		copy(resp[1+len(protocolLiteral)+8+20:], replyPeerID[:])
		_, _ = conn.Write(resp)
	}()

	return ln
}

func TestCheckSucceedsOnValidHandshake(t *testing.T) {
	ih := mustInfoHash(t, "aaaaaaaaaaaaaaaaaaaa")
	peerID := mustPeerID(t, "pppppppppppppppppppp")

	ln := fakePeer(t, ih, peerID)
	defer ln.Close()

	var mu sync.Mutex
	var got *Result
	done := make(chan struct{})

	c := New(4, 2*time.Second, func(r Result) {
		mu.Lock()
		got = &r
		mu.Unlock()
		close(done)
	})

	addrPort := ln.Addr().(*net.TCPAddr)
	ep := bittorrent.NewEndpoint(netip.MustParseAddr("127.0.0.1"), uint16(addrPort.Port))

	c.Check("token", ih, peerID, ep, false)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for nat check callback")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	assert.Equal(t, "token", got.Peer)
	assert.Equal(t, ep, got.Endpoint)

	snap := c.Snapshot()
	assert.Equal(t, int64(1), snap.Success)
}

func TestCheckFailsOnPeerIDMismatch(t *testing.T) {
	ih := mustInfoHash(t, "aaaaaaaaaaaaaaaaaaaa")
	peerID := mustPeerID(t, "pppppppppppppppppppp")
	wrongID := mustPeerID(t, "wwwwwwwwwwwwwwwwwwww")

	ln := fakePeer(t, ih, wrongID)
	defer ln.Close()

	called := make(chan struct{}, 1)
	c := New(4, 2*time.Second, func(r Result) { called <- struct{}{} })

	addrPort := ln.Addr().(*net.TCPAddr)
	ep := bittorrent.NewEndpoint(netip.MustParseAddr("127.0.0.1"), uint16(addrPort.Port))
	c.Check("token", ih, peerID, ep, false)

	select {
	case <-called:
		t.Fatal("callback should not fire on peer_id mismatch")
	case <-time.After(500 * time.Millisecond):
	}

	snap := c.Snapshot()
	assert.Equal(t, int64(0), snap.Success)
}

func TestCheckFailsOnConnectionRefused(t *testing.T) {
	ih := mustInfoHash(t, "aaaaaaaaaaaaaaaaaaaa")
	peerID := mustPeerID(t, "pppppppppppppppppppp")

	// Bind and immediately close to get a port nothing is listening on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addrPort := ln.Addr().(*net.TCPAddr)
	ln.Close()

	called := make(chan struct{}, 1)
	c := New(4, 2*time.Second, func(r Result) { called <- struct{}{} })

	ep := bittorrent.NewEndpoint(netip.MustParseAddr("127.0.0.1"), uint16(addrPort.Port))
	c.Check("token", ih, peerID, ep, false)

	select {
	case <-called:
		t.Fatal("callback should not fire on connection refused")
	case <-time.After(500 * time.Millisecond):
	}

	snap := c.Snapshot()
	assert.Equal(t, int64(1), snap.Fail)
}

func TestCheckerRespectsConcurrencyCap(t *testing.T) {
	c := New(1, 2*time.Second, nil)
	assert.Equal(t, 1, cap(c.sem))
}

func TestStopDrainsInFlight(t *testing.T) {
	ih := mustInfoHash(t, "aaaaaaaaaaaaaaaaaaaa")
	peerID := mustPeerID(t, "pppppppppppppppppppp")
	ln := fakePeer(t, ih, peerID)
	defer ln.Close()

	c := New(4, 2*time.Second, func(Result) {})
	addrPort := ln.Addr().(*net.TCPAddr)
	ep := bittorrent.NewEndpoint(netip.MustParseAddr("127.0.0.1"), uint16(addrPort.Port))
	c.Check("token", ih, peerID, ep, false)

	err := c.Stop().Wait()
	assert.NoError(t, err)
}
