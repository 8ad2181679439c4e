// Package natcheck implements the BitTorrent handshake probe that confirms
// a claimed peer endpoint is externally reachable before the swarm engine
// advertises it (spec.md §4.3), ported from the original source's
// natcheck.cpp/hpp.
package natcheck

import (
	"bytes"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bittorrent/helix/bittorrent"
	"github.com/bittorrent/helix/pkg/bytepool"
	"github.com/bittorrent/helix/pkg/log"
	"github.com/bittorrent/helix/pkg/stop"
)

var logger = log.NewLogger("natcheck")

const (
	// DefaultMaxChecking is NC_MAX_CHECKING: the bound on simultaneous
	// handshake probes.
	DefaultMaxChecking = 256
	// DefaultTimeout is NC_TIMEOUT: the per-stage deadline.
	DefaultTimeout = 15 * time.Second

	protocolLiteral = "BitTorrent protocol"
	handshakeLen    = 1 + 19 + 8 + 20 + 20 // 68 bytes
)

// Result is delivered to a Checker's success callback exactly once per
// check, never on failure (spec.md §4.3: "On any timeout or mismatch,
// silently drop").
type Result struct {
	Peer     any // opaque token supplied by the caller (e.g. *swarm.Peer)
	IsV6     bool
	Endpoint bittorrent.Endpoint
}

// Callback is invoked on successful NAT verification, on the Checker's own
// goroutine pool. Callers are responsible for posting the mutation back to
// their owning swarm (the swarm engine itself is safe for concurrent use,
// so no additional marshaling is required here).
type Callback func(Result)

// Checker runs bounded-concurrency NAT verification probes.
type Checker struct {
	sem     chan struct{}
	timeout time.Duration
	dialer  net.Dialer
	pool    *bytepool.BytePool
	onOK    Callback

	wg      sync.WaitGroup
	closing chan struct{}
	closed  atomic.Bool

	mu       sync.Mutex
	created  int64
	deleted  int64
	started  int64
	success  int64
	fail     int64
	timedOut int64
	ageSum   float64
}

// New builds a Checker bounded to maxChecking concurrent probes, each stage
// subject to the given timeout. onOK is invoked for every successful probe.
func New(maxChecking int, timeout time.Duration, onOK Callback) *Checker {
	if maxChecking <= 0 {
		maxChecking = DefaultMaxChecking
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Checker{
		sem:     make(chan struct{}, maxChecking),
		timeout: timeout,
		pool:    bytepool.NewBytePool(handshakeLen),
		onOK:    onOK,
		closing: make(chan struct{}),
	}
}

// Check queues a NAT-check probe against (ip, port) for the given
// info_hash/peer_id/family, identifying the checked peer to the eventual
// callback with the opaque token. Checks beyond the concurrency cap queue
// FIFO on the semaphore channel (spec.md §4.3).
func (c *Checker) Check(peerToken any, ih bittorrent.InfoHash, peerID bittorrent.PeerID, ep bittorrent.Endpoint, isV6 bool) {
	if c.closed.Load() {
		return
	}
	c.mu.Lock()
	c.created++
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		select {
		case c.sem <- struct{}{}:
		case <-c.closing:
			c.mu.Lock()
			c.deleted++
			c.mu.Unlock()
			return
		}
		defer func() { <-c.sem }()

		start := time.Now()
		c.mu.Lock()
		c.started++
		c.mu.Unlock()

		ok := c.probe(ih, peerID, ep, isV6)

		age := time.Since(start).Seconds()
		c.mu.Lock()
		c.deleted++
		c.ageSum += age
		if ok {
			c.success++
		}
		c.mu.Unlock()

		if ok && c.onOK != nil {
			c.onOK(Result{Peer: peerToken, IsV6: isV6, Endpoint: ep})
		}
	}()
}

// probe performs the three-stage dial/write/read handshake of spec.md
// §4.3, each stage independently bound by c.timeout.
func (c *Checker) probe(ih bittorrent.InfoHash, peerID bittorrent.PeerID, ep bittorrent.Endpoint, isV6 bool) bool {
	addr := net.JoinHostPort(ep.IP.String(), itoa(ep.Port))

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.recordFailure(err)
		return false
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	req := buildHandshake(ih)
	if _, err := conn.Write(req); err != nil {
		c.recordFailure(err)
		return false
	}

	bufPtr := c.pool.Get()
	defer c.pool.Put(bufPtr)
	buf := (*bufPtr)[:handshakeLen]

	_ = conn.SetReadDeadline(time.Now().Add(c.timeout))
	if _, err := readFull(conn, buf); err != nil {
		c.recordTimeout(err)
		return false
	}

	return validateHandshake(buf, ih, peerID)
}

func (c *Checker) recordFailure(err error) {
	c.mu.Lock()
	c.fail++
	c.mu.Unlock()
	logger.Trace().Err(err).Msg("nat check failed")
}

func (c *Checker) recordTimeout(err error) {
	c.mu.Lock()
	c.timedOut++
	c.mu.Unlock()
	logger.Trace().Err(err).Msg("nat check timed out")
}

// readFull reads exactly len(buf) bytes or returns the first error.
func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// buildHandshake encodes the standard BitTorrent handshake (BEP 3) with the
// fixed NAT-checker peer_id, as spec.md §4.3 step 2 describes.
func buildHandshake(ih bittorrent.InfoHash) []byte {
	buf := make([]byte, 0, handshakeLen)
	buf = append(buf, byte(len(protocolLiteral)))
	buf = append(buf, protocolLiteral...)
	buf = append(buf, make([]byte, 8)...) // reserved
	buf = append(buf, ih[:]...)
	pid := make([]byte, bittorrent.PeerIDLen)
	copy(pid, bittorrent.NatCheckPeerID)
	buf = append(buf, pid...)
	return buf
}

// validateHandshake checks the protocol literal, info_hash, and that the
// responder's peer_id matches either the announced peer_id or the magic
// load-test peer_id (spec.md §4.3 step 3).
func validateHandshake(buf []byte, ih bittorrent.InfoHash, peerID bittorrent.PeerID) bool {
	if len(buf) < handshakeLen {
		return false
	}
	if buf[0] != byte(len(protocolLiteral)) {
		return false
	}
	if !bytes.Equal(buf[1:1+len(protocolLiteral)], []byte(protocolLiteral)) {
		return false
	}
	gotHash := buf[1+len(protocolLiteral)+8 : 1+len(protocolLiteral)+8+20]
	if !bytes.Equal(gotHash, ih[:]) {
		return false
	}
	gotPeerID := buf[1+len(protocolLiteral)+8+20 : handshakeLen]
	if bytes.Equal(gotPeerID, peerID[:]) {
		return true
	}
	return bytes.HasPrefix(gotPeerID, []byte(bittorrent.LoadTestPrefix))
}

func itoa(port uint16) string {
	if port == 0 {
		return "0"
	}
	var b [5]byte
	i := len(b)
	for port > 0 {
		i--
		b[i] = byte('0' + port%10)
		port /= 10
	}
	return string(b[i:])
}

// Metrics is a snapshot of the Checker's counters (spec.md §4.3
// "Metrics").
type Metrics struct {
	Created    int64
	Deleted    int64
	Started    int64
	Success    int64
	Fail       int64
	Timeout    int64
	QueueLen   int
	AvgAgeSecs float64
}

// Snapshot returns the current counters.
func (c *Checker) Snapshot() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	avg := 0.0
	if c.deleted > 0 {
		avg = c.ageSum / float64(c.deleted)
	}
	return Metrics{
		Created:    c.created,
		Deleted:    c.deleted,
		Started:    c.started,
		Success:    c.success,
		Fail:       c.fail,
		Timeout:    c.timedOut,
		QueueLen:   len(c.sem),
		AvgAgeSecs: avg,
	}
}

// Stop drains and stops accepting new checks, waiting for in-flight probes
// to finish or time out.
func (c *Checker) Stop() stop.Result {
	ch := make(stop.Channel)
	go func() {
		c.closed.Store(true)
		close(c.closing)
		c.wg.Wait()
		ch.Done(nil)
	}()
	return ch.Result()
}
