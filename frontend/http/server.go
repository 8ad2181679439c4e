package http

import (
	"strconv"

	"github.com/valyala/fasthttp"

	"github.com/bittorrent/helix/bittorrent"
	"github.com/bittorrent/helix/middleware"
	"github.com/bittorrent/helix/natcheck"
	"github.com/bittorrent/helix/pkg/log"
	"github.com/bittorrent/helix/stats"
	"github.com/bittorrent/helix/swarm"
)

var logger = log.NewLogger("frontend.http")

// Server binds the announce/scrape/statistics pipeline to fasthttp's
// request router, the teacher's HTTP stack.
type Server struct {
	Logic *middleware.Logic
	Table *swarm.Table

	// CPU, when set, supplies the overall-load header of spec.md §4.1 and
	// the /statistics dump.
	CPU *stats.CPUSampler

	// NAT, when set, supplies the NAT-check counters in /statistics.
	NAT *natcheck.Checker

	// HostID identifies this tracker instance in response headers (the
	// spec's "host identifier"), e.g. a hostname or instance name.
	HostID string
}

// NewServer builds a Server bound to logic and table.
func NewServer(logic *middleware.Logic, table *swarm.Table) *Server {
	return &Server{Logic: logic, Table: table}
}

// setCommonHeaders sets the response headers shared by announce replies:
// host identifier, overall CPU load and, when the swarm already exists,
// its load rank and CPU share (spec.md §4.1 "Response headers").
func (s *Server) setCommonHeaders(ctx *fasthttp.RequestCtx, ih bittorrent.InfoHash) {
	if s.HostID != "" {
		ctx.Response.Header.Set("X-Tracker-Host", s.HostID)
	}
	if s.CPU != nil {
		ctx.Response.Header.Set("X-CPU-Load", strconv.FormatFloat(s.CPU.Percent(), 'f', 2, 64))
	}
	if sw, ok := s.Table.Get(ih); ok {
		ctx.Response.Header.Set("X-Swarm-Rank", strconv.Itoa(sw.Rank()))
		ctx.Response.Header.Set("X-Swarm-CPU-Share", strconv.FormatFloat(sw.CPULoad(), 'f', 4, 64))
	}
}

// Handler dispatches requests on path, implementing the HTTP surface
// table of spec.md §6. It's registered as the fasthttp.Server's
// RequestHandler.
func (s *Server) Handler(ctx *fasthttp.RequestCtx) {
	switch path := string(ctx.Path()); {
	case path == "/announce":
		s.HandleAnnounce(ctx)
	case path == "/scrape":
		s.HandleScrape(ctx)
	case path == "/statistics":
		s.HandleStatistics(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}
