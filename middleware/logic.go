package middleware

import (
	"context"
	"math/rand"
	"time"

	"github.com/bittorrent/helix/bittorrent"
	"github.com/bittorrent/helix/natcheck"
	"github.com/bittorrent/helix/pkg/stop"
	"github.com/bittorrent/helix/swarm"
)

// jitteredInterval implements spec.md §4.1's
// "INTERVAL + U(−INTERVAL_RANDOM/2, INTERVAL_RANDOM/2)".
func jitteredInterval(interval, random int64) uint32 {
	if random <= 0 {
		return uint32(interval)
	}
	delta := rand.Int63n(random) - random/2
	v := interval + delta
	if v < 0 {
		v = 0
	}
	return uint32(v)
}

// Config collects the announce-pipeline's tunables, all sourced from
// spec.md §4.1's control variables.
type Config struct {
	AnnounceInterval      time.Duration
	MinAnnounceInterval   time.Duration
	IntervalRandom        time.Duration
	NumWantDefault        uint16
	MaxHandoutPerInterval *int
	Strategy              swarm.HandoutStrategy
	Auth                  *AuthChecker
	Blacklist             BlacklistSource
	EnforceBlacklist      *bool
	DebugToken            string
}

// NewLogic wires the fixed hook pipeline of spec.md §4.1: lookup → auth →
// blacklist → minimum-interval → response-building as preHooks, swarm
// mutation as the sole postHook. Additional hooks may be supplied for
// deployment-specific extensions, mirroring the teacher's pattern of
// letting callers splice in their own Hook implementations around the
// fixed core.
func NewLogic(table *swarm.Table, checker *natcheck.Checker, cfg Config, extraPre, extraPost []Hook) *Logic {
	pre := []Hook{&lookupHook{table: table}}
	auth := cfg.Auth
	if auth == nil {
		auth = &AuthChecker{}
	}
	pre = append(pre, &authHook{checker: auth})
	enforceBlacklist := cfg.EnforceBlacklist
	if enforceBlacklist == nil {
		enforceBlacklist = new(bool)
	}
	pre = append(pre, &blacklistHook{source: cfg.Blacklist, enforce: enforceBlacklist})
	pre = append(pre, &minIntervalHook{
		minInterval: int64(cfg.MinAnnounceInterval.Seconds()),
		debugToken:  cfg.DebugToken,
	})
	pre = append(pre, extraPre...)
	maxHandout := cfg.MaxHandoutPerInterval
	if maxHandout == nil {
		maxHandout = new(int)
		*maxHandout = 50
	}
	pre = append(pre, &responseHook{
		maxHandoutPerInterval: maxHandout,
		strategy:              cfg.Strategy,
		numWantDefault:        cfg.NumWantDefault,
	})

	post := append([]Hook{}, extraPost...)
	post = append(post, &swarmInteractionHook{checker: checker})

	return &Logic{
		table:               table,
		announceInterval:    cfg.AnnounceInterval,
		minAnnounceInterval: cfg.MinAnnounceInterval,
		intervalRandom:      cfg.IntervalRandom,
		preHooks:            pre,
		postHooks:           post,
	}
}

// Logic drives the announce/scrape pipeline by executing its configured
// preHooks to build a response, then (for announce) its postHooks to
// commit the resulting swarm mutation.
type Logic struct {
	table               *swarm.Table
	announceInterval    time.Duration
	minAnnounceInterval time.Duration
	intervalRandom      time.Duration
	preHooks            []Hook
	postHooks           []Hook
}

// HandleAnnounce generates a response for an Announce, per spec.md §4.1.
func (l *Logic) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest) (context.Context, *bittorrent.AnnounceResponse, error) {
	resp := &bittorrent.AnnounceResponse{
		Interval:    jitteredInterval(int64(l.announceInterval.Seconds()), int64(l.intervalRandom.Seconds())),
		MinInterval: uint32(l.minAnnounceInterval.Seconds()),
		ExternalIP:  req.GetFirst(),
	}
	var err error
	for _, h := range l.preHooks {
		if ctx, err = h.HandleAnnounce(ctx, req, resp); err != nil {
			return ctx, nil, err
		}
	}
	logger.Debug().Str("info_hash", req.InfoHash.String()).Str("peer_id", req.PeerID.String()).Msg("generated announce response")
	return ctx, resp, nil
}

// AfterAnnounce commits the swarm mutation implied by a just-answered
// announce.
func (l *Logic) AfterAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) {
	var err error
	for _, h := range l.postHooks {
		if ctx, err = h.HandleAnnounce(ctx, req, resp); err != nil {
			logger.Error().Err(err).Msg("post-announce hook failed")
			return
		}
	}
}

// HandleScrape generates a response for a Scrape, per spec.md §6.
func (l *Logic) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest) (context.Context, *bittorrent.ScrapeResponse, error) {
	resp := &bittorrent.ScrapeResponse{
		Files: make([]bittorrent.Scrape, 0, len(req.InfoHashes)),
	}
	var err error
	for _, h := range l.preHooks {
		if ctx, err = h.HandleScrape(ctx, req, resp); err != nil {
			return ctx, nil, err
		}
	}
	logger.Debug().Int("info_hashes", len(req.InfoHashes)).Msg("generated scrape response")
	return ctx, resp, nil
}

// AfterScrape runs the postHooks for a just-answered scrape (a no-op in
// the default pipeline; scrapes never mutate swarm state).
func (l *Logic) AfterScrape(ctx context.Context, req *bittorrent.ScrapeRequest, resp *bittorrent.ScrapeResponse) {
	var err error
	for _, h := range l.postHooks {
		if ctx, err = h.HandleScrape(ctx, req, resp); err != nil {
			logger.Error().Err(err).Msg("post-scrape hook failed")
			return
		}
	}
}

// Stop stops every hook (and the Logic's own table-independent
// resources) that implements stop.Stopper.
func (l *Logic) Stop() stop.Result {
	g := stop.NewGroup()
	for _, h := range l.preHooks {
		if s, ok := h.(stop.Stopper); ok {
			g.Add(s)
		}
	}
	for _, h := range l.postHooks {
		if s, ok := h.(stop.Stopper); ok {
			g.Add(s)
		}
	}
	return g.Stop()
}
