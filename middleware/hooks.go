// Package middleware implements the announce/scrape request pipeline as a
// chain of hooks, adapted from the teacher's Hook/Logic pattern onto the
// swarm engine (spec.md §4.1-4.3).
package middleware

import (
	"context"
	"crypto/sha1"
	"encoding/hex"

	"github.com/bittorrent/helix/bittorrent"
	"github.com/bittorrent/helix/natcheck"
	"github.com/bittorrent/helix/pkg/log"
	"github.com/bittorrent/helix/pkg/timecache"
	"github.com/bittorrent/helix/swarm"
)

var logger = log.NewLogger("middleware")

// Hook abstracts a stage of the announce/scrape pipeline. PreHooks build
// the response from existing state; PostHooks mutate the swarm
// afterwards, mirroring the teacher's separation of "read" from "write"
// stages so a reply reflects the swarm as it was before this announce (a
// peer's first announce reply never includes the peer itself).
type Hook interface {
	HandleAnnounce(context.Context, *bittorrent.AnnounceRequest, *bittorrent.AnnounceResponse) (context.Context, error)
	HandleScrape(context.Context, *bittorrent.ScrapeRequest, *bittorrent.ScrapeResponse) (context.Context, error)
}

type swarmCtxKey struct{}
type tableCtxKey struct{}

func withSwarm(ctx context.Context, s *swarm.Swarm) context.Context {
	return context.WithValue(ctx, swarmCtxKey{}, s)
}

func swarmFromCtx(ctx context.Context) (*swarm.Swarm, bool) {
	s, ok := ctx.Value(swarmCtxKey{}).(*swarm.Swarm)
	return s, ok
}

func withTable(ctx context.Context, t *swarm.Table) context.Context {
	return context.WithValue(ctx, tableCtxKey{}, t)
}

func tableFromCtx(ctx context.Context) (*swarm.Table, bool) {
	t, ok := ctx.Value(tableCtxKey{}).(*swarm.Table)
	return t, ok
}

// lookupHook resolves or creates the announcing request's Swarm and
// rejects requests against a DISABLED swarm (spec.md §4.1). It also
// threads the Table itself through the context for the scrape path.
type lookupHook struct {
	table *swarm.Table
}

func (h *lookupHook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) (context.Context, error) {
	s, _ := h.table.GetOrCreate(req.InfoHash)
	if s.Disabled() {
		return ctx, bittorrent.ErrSwarmBlacklisted
	}
	if !h.table.AdmitsDNAOnly(s, req.PeerID) {
		return ctx, bittorrent.ErrUnauthorized
	}
	resp.TerminateSwarm = s.Terminated()
	resp.InfoHash = req.InfoHash
	return withSwarm(ctx, s), nil
}

func (h *lookupHook) HandleScrape(ctx context.Context, _ *bittorrent.ScrapeRequest, _ *bittorrent.ScrapeResponse) (context.Context, error) {
	return withTable(ctx, h.table), nil
}

// AuthChecker validates an announce's auth token against spec.md §4.1's
// SHA1(info_hash || tid || secret) scheme.
type AuthChecker struct {
	Enforce bool
	Secret  string
}

func (a *AuthChecker) expectedToken(ih bittorrent.InfoHash, tid string) string {
	h := sha1.New()
	h.Write(ih[:])
	h.Write([]byte(tid))
	h.Write([]byte(a.Secret))
	return hex.EncodeToString(h.Sum(nil))
}

// authHook rejects announces with a missing or incorrect auth token when
// enforcement is on.
type authHook struct {
	checker *AuthChecker
}

func (h *authHook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, _ *bittorrent.AnnounceResponse) (context.Context, error) {
	if !h.checker.Enforce {
		return ctx, nil
	}
	if !req.HasAuth || req.Auth != h.checker.expectedToken(req.InfoHash, req.TID) {
		return ctx, bittorrent.ErrUnauthorized
	}
	return ctx, nil
}

func (h *authHook) HandleScrape(ctx context.Context, _ *bittorrent.ScrapeRequest, _ *bittorrent.ScrapeResponse) (context.Context, error) {
	return ctx, nil
}

// BlacklistSource reports whether a tid is currently blacklisted by the
// external poller (spec.md §4.7).
type BlacklistSource interface {
	IsBlacklisted(tid string) bool
}

// blacklistHook rejects announces whose tid is in the external blacklist
// when enforcement is on. enforce is a pointer so the control-variable
// registry (spec.md §9's enforce_db_blacklist) can flip it live.
type blacklistHook struct {
	source  BlacklistSource
	enforce *bool
}

func (h *blacklistHook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, _ *bittorrent.AnnounceResponse) (context.Context, error) {
	if h.source == nil || h.enforce == nil || !*h.enforce {
		return ctx, nil
	}
	if req.HasTID && h.source.IsBlacklisted(req.TID) {
		return ctx, bittorrent.ErrUnauthorized
	}
	return ctx, nil
}

func (h *blacklistHook) HandleScrape(ctx context.Context, _ *bittorrent.ScrapeRequest, _ *bittorrent.ScrapeResponse) (context.Context, error) {
	return ctx, nil
}

// minIntervalHook enforces "checked in too early" and its exceptions
// (spec.md §4.1 "Minimum-interval enforcement"): a STOPPED event, a
// peer's first announce, the debug bypass token, a load-test peer_id, a
// just-completed transition, and a thinly populated swarm (≤2 routable
// peers) all bypass the check.
type minIntervalHook struct {
	minInterval int64 // seconds
	debugToken  string
}

func (h *minIntervalHook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, _ *bittorrent.AnnounceResponse) (context.Context, error) {
	if req.Stats.Event == bittorrent.Stopped {
		return ctx, nil
	}
	s, ok := swarmFromCtx(ctx)
	if !ok {
		return ctx, nil
	}
	p, existed := s.Get(req.PeerID)
	if !existed {
		return ctx, nil
	}
	if h.debugToken != "" && req.DebugToken == h.debugToken {
		return ctx, nil
	}
	if req.PeerID.IsLoadTest() {
		return ctx, nil
	}
	if req.Stats.Left == 0 && p.Category() != swarm.Seeding {
		return ctx, nil
	}
	if s.RoutablePeerCount() <= 2 {
		return ctx, nil
	}
	if timecache.NowUnix()-p.LastCheckIn < h.minInterval {
		return ctx, bittorrent.ErrCheckedInTooSoon
	}
	return ctx, nil
}

func (h *minIntervalHook) HandleScrape(ctx context.Context, _ *bittorrent.ScrapeRequest, _ *bittorrent.ScrapeResponse) (context.Context, error) {
	return ctx, nil
}

// responseHook fills an AnnounceResponse/ScrapeResponse from the swarm's
// current state, before swarmInteractionHook mutates it (spec.md §4.1
// reply fields, §4.2 handout).
type responseHook struct {
	maxHandoutPerInterval *int // live-bound to control variable max_handouts_per_interval
	strategy              swarm.HandoutStrategy
	numWantDefault        uint16
}

// categoryFromStats derives the category this announce's own request
// implies, before swarmInteractionHook commits any mutation — mirroring
// original_source/trunk/src/swarm.cpp's handle_announce, which computes
// the requester's category from stats.left/stats.event ahead of the
// get_peers draw rather than from the peer's previously stored status.
func categoryFromStats(stats bittorrent.Stats) swarm.Category {
	switch {
	case stats.Left == 0:
		return swarm.Seeding
	case stats.Event == bittorrent.Paused:
		return swarm.Paused
	default:
		return swarm.Active
	}
}

func (h *responseHook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) (context.Context, error) {
	s, ok := swarmFromCtx(ctx)
	if !ok {
		return ctx, nil
	}

	incomplete, complete := s.ScrapeCounts()
	resp.Incomplete, resp.Complete = incomplete, complete

	want := int(h.numWantDefault)
	if req.HasNumWant {
		want = int(req.NumWant)
	}

	requesterCategory := categoryFromStats(req.Stats)

	resp.IPv4Peers = s.GetPeers(requesterCategory, false, want, *h.maxHandoutPerInterval, h.strategy)
	resp.IPv6Peers = s.GetPeers(requesterCategory, true, want, *h.maxHandoutPerInterval, h.strategy)
	return ctx, nil
}

func (h *responseHook) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest, resp *bittorrent.ScrapeResponse) (context.Context, error) {
	table, ok := tableFromCtx(ctx)
	if !ok {
		return ctx, nil
	}
	for _, ih := range req.InfoHashes {
		s, ok := table.Get(ih)
		if !ok {
			continue
		}
		incomplete, complete := s.ScrapeCounts()
		resp.Files = append(resp.Files, bittorrent.Scrape{
			InfoHash:   ih,
			Complete:   complete,
			Incomplete: incomplete,
		})
	}
	return ctx, nil
}

// natCheckToken identifies, to a NAT-check success callback, which swarm
// and peer a confirmed endpoint belongs to.
type natCheckToken struct {
	swarm *swarm.Swarm
	peer  *swarm.Peer
}

// NatCheckCallback builds the natcheck.Callback that admits a
// NAT-confirmed endpoint into its owning swarm's handout tables. It is
// independent of any single swarm: the token carried in each Result
// names the swarm to mutate, so one Checker (and one callback) serves
// every swarm in the table (spec.md §4.3).
func NatCheckCallback() natcheck.Callback {
	return func(r natcheck.Result) {
		tok, ok := r.Peer.(natCheckToken)
		if !ok {
			return
		}
		tok.swarm.AddPeerEndpoint(tok.peer, r.IsV6, r.Endpoint)
	}
}

// swarmInteractionHook mutates the swarm's peer table after the response
// has been built, and dispatches NAT checks for newly appearing address
// families (spec.md §4.1 "State transitions per announce", §4.2, §4.3).
type swarmInteractionHook struct {
	checker *natcheck.Checker
}

func (h *swarmInteractionHook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, _ *bittorrent.AnnounceResponse) (context.Context, error) {
	s, ok := swarmFromCtx(ctx)
	if !ok {
		return ctx, nil
	}

	if req.Stats.Event == bittorrent.Stopped {
		if p, existed := s.Get(req.PeerID); existed {
			s.RemovePeer(p)
		}
		return ctx, nil
	}

	hasV4 := req.IPv4.IsValid()
	hasV6 := req.IPv6.IsValid()

	p, existed := s.Get(req.PeerID)
	if !existed && req.Port == 0 {
		// spec.md §4.1: a first-time announce with no port is dropped
		// silently — no peer is created, no NAT check is dispatched.
		return ctx, nil
	}

	var newV4, newV6 bool
	if !existed {
		p = s.AddPeer(req.PeerID, hasV4, hasV6, req.Stats)
		newV4, newV6 = hasV4, hasV6
	} else {
		ipv4 := bittorrent.NewEndpoint(req.IPv4, req.Port)
		ipv6 := bittorrent.NewEndpoint(req.IPv6, req.Port)
		newV4, newV6 = s.UpdatePeer(p, hasV4, hasV6, ipv4, ipv6, req.Stats)
	}

	if req.ReportWBad {
		s.RecordWBad(req.Stats.WBad)
	}

	if h.checker == nil {
		return ctx, nil
	}
	if newV4 {
		h.checker.Check(natCheckToken{s, p}, req.InfoHash, req.PeerID, bittorrent.NewEndpoint(req.IPv4, req.Port), false)
	}
	if newV6 {
		h.checker.Check(natCheckToken{s, p}, req.InfoHash, req.PeerID, bittorrent.NewEndpoint(req.IPv6, req.Port), true)
	}
	return ctx, nil
}

func (h *swarmInteractionHook) HandleScrape(ctx context.Context, _ *bittorrent.ScrapeRequest, _ *bittorrent.ScrapeResponse) (context.Context, error) {
	return ctx, nil
}
