// Package http implements the tracker's external HTTP surface: /announce,
// /scrape, and /statistics (spec.md §4.1, §6), atop fasthttp — the
// teacher's HTTP stack — with the generic server/router left to that
// library rather than hand-rolled.
package http

import (
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/bittorrent/helix/bittorrent"
)

// parseAnnounce extracts an AnnounceRequest from an incoming /announce,
// applying spec.md §4.1's precondition checks, numeric parsing rules, and
// address resolution order. The returned error, if any, is a
// bittorrent.ClientError suitable for a bencoded failure reply.
func parseAnnounce(ctx *fasthttp.RequestCtx) (*bittorrent.AnnounceRequest, error) {
	q := ctx.QueryArgs()

	ihRaw := q.Peek("info_hash")
	if len(ihRaw) == 0 {
		return nil, bittorrent.ErrMissingInfoHash
	}
	ih, err := bittorrent.NewInfoHash(ihRaw)
	if err != nil {
		return nil, bittorrent.ErrInvalidInfoHash
	}

	peerIDRaw := q.Peek("peer_id")
	if len(peerIDRaw) == 0 {
		return nil, bittorrent.ErrMissingPeerID
	}
	peerID, err := bittorrent.NewPeerID(peerIDRaw)
	if err != nil {
		return nil, bittorrent.ErrInvalidPeerID
	}

	event, err := bittorrent.NewEvent(string(q.Peek("event")))
	if err != nil {
		return nil, bittorrent.ErrInvalidEvent
	}

	left, err := parseLeft(q.Peek("left"))
	if err != nil {
		return nil, bittorrent.ErrMalformedRequest
	}

	req := &bittorrent.AnnounceRequest{
		InfoHash: ih,
		PeerID:   peerID,
		Stats: bittorrent.Stats{
			Left:        left,
			WDownloaded: parseUintDefault(q.Peek("w_downloaded"), 0),
			PDownloaded: parseUintDefault(q.Peek("p_downloaded"), 0),
			PUploaded:   parseUintDefault(q.Peek("p_uploaded"), 0),
			CBytes:      parseUintDefault(q.Peek("c_bytes"), 0),
			WBad:        parseUintDefault(q.Peek("w_bad"), 0),
			WFail:       parseUintDefault(q.Peek("w_fail"), 0),
			TCheckin:    parseUintDefault(q.Peek("t_checkin"), 0),
			Event:       event,
		},
	}

	if port, err := strconv.ParseUint(string(q.Peek("port")), 10, 16); err == nil {
		req.Port = uint16(port)
		req.HasPort = true
	}

	if numwant := q.Peek("numwant"); len(numwant) > 0 {
		if n, err := strconv.ParseUint(string(numwant), 10, 16); err == nil {
			req.NumWant = uint16(n)
			req.HasNumWant = true
		}
	}

	if auth := q.Peek("auth"); len(auth) > 0 {
		req.Auth = string(auth)
		req.HasAuth = true
	}
	if tid := q.Peek("tid"); len(tid) > 0 {
		req.TID = string(tid)
		req.HasTID = true
	}
	req.ReportWBad = len(q.Peek("report_w_bad")) > 0
	req.DebugToken = string(q.Peek("s"))

	resolveAddresses(ctx, q, req)

	return req, nil
}

// parseLeft implements spec.md §4.1's special-cased "left" parsing: a
// leading '−' (ASCII '-') yields the historical 16384 fallback instead of
// a hard failure.
func parseLeft(raw []byte) (uint64, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	if raw[0] == '-' {
		return 16384, nil
	}
	return strconv.ParseUint(string(raw), 10, 64)
}

// parseUintDefault parses an optional numeric field, returning def on an
// absent or malformed value (spec.md §4.1: only "left" is special-cased;
// every other reporting field simply falls back silently here since the
// handler never depends on their exact values for routing decisions).
func parseUintDefault(raw []byte, def uint64) uint64 {
	if len(raw) == 0 {
		return def
	}
	v, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return def
	}
	return v
}

// resolveAddresses fills req.IPv4/IPv6/RemoteIP per spec.md §4.1's
// resolution order: remote address, then x-forwarded-for/clientipaddr,
// then ipv4=/ipv6= query parameters filling in whichever family is still
// unknown.
func resolveAddresses(ctx *fasthttp.RequestCtx, q *fasthttp.Args, req *bittorrent.AnnounceRequest) {
	if host, _, err := net.SplitHostPort(ctx.RemoteAddr().String()); err == nil {
		if addr, err := netip.ParseAddr(host); err == nil {
			req.RemoteIP = addr
			assignByFamily(req, addr)
		}
	}

	if lit := firstHeaderAddr(ctx); lit.IsValid() {
		assignByFamily(req, lit)
	}

	if !req.IPv4.IsValid() {
		if addr, err := netip.ParseAddr(string(q.Peek("ipv4"))); err == nil && addr.Is4() {
			req.IPv4 = addr
		}
	}
	if !req.IPv6.IsValid() {
		if addr, err := netip.ParseAddr(string(q.Peek("ipv6"))); err == nil && addr.Is6() && !addr.Is4In6() {
			req.IPv6 = addr
		}
	}
}

// assignByFamily records addr in whichever of IPv4/IPv6 it belongs to,
// overwriting any value from an earlier, lower-priority source.
func assignByFamily(req *bittorrent.AnnounceRequest, addr netip.Addr) {
	addr = addr.Unmap()
	if addr.Is4() {
		req.IPv4 = addr
	} else if addr.Is6() {
		req.IPv6 = addr
	}
}

// firstHeaderAddr looks for a parsable literal in x-forwarded-for or
// clientipaddr, case-insensitively, per spec.md §4.1 step 2.
func firstHeaderAddr(ctx *fasthttp.RequestCtx) netip.Addr {
	for _, name := range []string{"X-Forwarded-For", "ClientIPAddr"} {
		v := string(ctx.Request.Header.Peek(name))
		if v == "" {
			continue
		}
		if i := strings.IndexByte(v, ','); i >= 0 {
			v = v[:i]
		}
		v = strings.TrimSpace(v)
		if addr, err := netip.ParseAddr(v); err == nil {
			return addr
		}
	}
	return netip.Addr{}
}

// parseScrape extracts zero or more info_hash values from a /scrape
// request.
func parseScrape(ctx *fasthttp.RequestCtx) *bittorrent.ScrapeRequest {
	req := &bittorrent.ScrapeRequest{}
	ctx.QueryArgs().VisitAll(func(key, value []byte) {
		if string(key) != "info_hash" {
			return
		}
		if ih, err := bittorrent.NewInfoHash(value); err == nil {
			req.InfoHashes = append(req.InfoHashes, ih)
		}
	})
	return req
}
