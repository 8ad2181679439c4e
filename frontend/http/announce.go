package http

import (
	"net/netip"

	"github.com/anacrolix/torrent/bencode"
	"github.com/valyala/fasthttp"

	"github.com/bittorrent/helix/bittorrent"
)

// wireAnnounceResponse is the bencoded dictionary shape of spec.md §4.1's
// announce reply.
type wireAnnounceResponse struct {
	InfoHash    string `bencode:"info_hash"`
	Peers       string `bencode:"peers"`
	Peers6      string `bencode:"peers6,omitempty"`
	Interval    uint32 `bencode:"interval"`
	MinInterval uint32 `bencode:"min interval"`
	ExternalIP  string `bencode:"external ip"`
	SnapDelta   uint32 `bencode:"snapdelta"`
	Complete    uint32 `bencode:"complete"`
	Incomplete  uint32 `bencode:"incomplete"`
	Terminate   int    `bencode:"terminate swarm,omitempty"`
}

type failureReply struct {
	Reason string `bencode:"failure reason"`
}

type wBadReply struct {
	WBad  uint64 `bencode:"w_bad"`
	CWBad uint64 `bencode:"c_w_bad"`
}

// HandleAnnounce serves GET /announce (spec.md §4.1).
func (s *Server) HandleAnnounce(ctx *fasthttp.RequestCtx) {
	req, err := parseAnnounce(ctx)
	if err != nil {
		writeFailure(ctx, err)
		return
	}

	if req.ReportWBad {
		sw, _ := s.Table.Get(req.InfoHash)
		var wBad, cWBad uint64
		if sw != nil {
			wBad, cWBad = sw.WBad()
		}
		writeBencode(ctx, wBadReply{WBad: wBad, CWBad: cWBad})
		return
	}

	rctx, resp, err := s.Logic.HandleAnnounce(ctx, req)
	if err != nil {
		writeFailure(ctx, err)
		return
	}
	s.Logic.AfterAnnounce(rctx, req, resp)

	s.setCommonHeaders(ctx, req.InfoHash)

	wire := wireAnnounceResponse{
		InfoHash:    resp.InfoHash.RawString(),
		Peers:       packEndpoints(resp.IPv4Peers),
		Interval:    resp.Interval,
		MinInterval: resp.MinInterval,
		ExternalIP:  ipBytes(resp.ExternalIP),
		SnapDelta:   uint32(snapDeltaSeconds),
		Complete:    resp.Complete,
		Incomplete:  resp.Incomplete,
	}
	if len(resp.IPv6Peers) > 0 {
		wire.Peers6 = packEndpoints(resp.IPv6Peers)
	}
	if resp.TerminateSwarm {
		wire.Terminate = 1
	}
	writeBencode(ctx, wire)
}

// snapDeltaSeconds is SNAP_DELTA, the constant statistics-window
// alignment period of spec.md §6.
const snapDeltaSeconds = 300

func packEndpoints(eps []bittorrent.Endpoint) string {
	var buf []byte
	for _, ep := range eps {
		buf = ep.AppendCompact(buf)
	}
	return string(buf)
}

func ipBytes(addr netip.Addr) string {
	if !addr.IsValid() {
		return ""
	}
	return string(addr.AsSlice())
}

func writeFailure(ctx *fasthttp.RequestCtx, err error) {
	reason := err.Error()
	writeBencode(ctx, failureReply{Reason: reason})
}

func writeBencode(ctx *fasthttp.RequestCtx, v interface{}) {
	b, err := bencode.Marshal(v)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		_, _ = writeBencodeErr(ctx)
		return
	}
	ctx.SetContentType("text/plain")
	ctx.SetStatusCode(fasthttp.StatusOK)
	_, _ = ctx.Write(b)
}

func writeBencodeErr(ctx *fasthttp.RequestCtx) (int, error) {
	b, _ := bencode.Marshal(failureReply{Reason: string(bittorrent.ErrInternal)})
	return ctx.Write(b)
}
