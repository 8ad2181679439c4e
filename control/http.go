package control

import (
	"net"
	"sort"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/bittorrent/helix/bittorrent"
	"github.com/bittorrent/helix/swarm"
)

// Server exposes a Registry and a swarm.Table over the /control* HTTP
// surface of spec.md §6.
type Server struct {
	Registry *Registry
	Table    *swarm.Table

	// LoopbackOnly gates mutating PUT requests to IPv4-loopback origins,
	// per spec.md §4.6 ("default: IPv4 loopback only").
	LoopbackOnly bool
}

// NewServer builds a control Server bound to reg and table.
func NewServer(reg *Registry, table *swarm.Table) *Server {
	return &Server{Registry: reg, Table: table, LoopbackOnly: true}
}

func (s *Server) originAllowed(ctx *fasthttp.RequestCtx) bool {
	if !s.LoopbackOnly {
		return true
	}
	host, _, err := net.SplitHostPort(ctx.RemoteAddr().String())
	if err != nil {
		host = ctx.RemoteAddr().String()
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.To4() != nil && ip.IsLoopback()
}

// HandleControl serves GET /control: a sorted text dump of every
// registered variable.
func (s *Server) HandleControl(ctx *fasthttp.RequestCtx) {
	if !ctx.IsGet() {
		ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
		return
	}
	ctx.SetContentType("text/plain; charset=utf-8")
	ctx.SetBodyString(s.Registry.Dump())
}

// HandleControlSet serves PUT /control/set: applies each query parameter
// as a variable assignment.
func (s *Server) HandleControlSet(ctx *fasthttp.RequestCtx) {
	if !ctx.IsPut() {
		ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
		return
	}
	if !s.originAllowed(ctx) {
		ctx.SetStatusCode(fasthttp.StatusForbidden)
		return
	}

	var failed []string
	ctx.QueryArgs().VisitAll(func(key, value []byte) {
		args := strings.Split(string(value), ",")
		if err := s.Registry.Set(string(key), args); err != nil {
			failed = append(failed, string(key))
		}
	})

	if len(failed) > 0 {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		ctx.SetBodyString("rejected: " + strings.Join(failed, ","))
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
}

// HandleBlacklist serves GET/PUT /control/blacklist: the set of
// info_hashes currently flagged DISABLED.
func (s *Server) HandleBlacklist(ctx *fasthttp.RequestCtx) {
	switch {
	case ctx.IsGet():
		var hexes []string
		s.Table.Each(func(ih bittorrent.InfoHash, sm *swarm.Swarm) {
			if sm.Disabled() {
				hexes = append(hexes, ih.String())
			}
		})
		sort.Strings(hexes)
		ctx.SetContentType("text/plain; charset=utf-8")
		ctx.SetBodyString(strings.Join(hexes, "\n"))

	case ctx.IsPut():
		if !s.originAllowed(ctx) {
			ctx.SetStatusCode(fasthttp.StatusForbidden)
			return
		}
		if ok := s.applyBlacklistEdits(ctx); !ok {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			return
		}
		ctx.SetStatusCode(fasthttp.StatusOK)

	default:
		ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
	}
}

func (s *Server) applyBlacklistEdits(ctx *fasthttp.RequestCtx) bool {
	ok := true
	applyHexList := func(raw []byte, disabled bool) {
		if len(raw) == 0 {
			return
		}
		for _, hex := range strings.Split(string(raw), ",") {
			ih, err := bittorrent.InfoHashFromHex(hex)
			if err != nil {
				ok = false
				continue
			}
			sm, _ := s.Table.GetOrCreate(ih)
			sm.SetFlag("disabled", disabled)
		}
	}
	applyHexList(ctx.QueryArgs().Peek("add"), true)
	applyHexList(ctx.QueryArgs().Peek("del"), false)
	return ok
}

// HandleFlags serves GET/PUT /control/flags/<hex_info_hash>.
func (s *Server) HandleFlags(ctx *fasthttp.RequestCtx, hexInfoHash string) {
	ih, err := bittorrent.InfoHashFromHex(hexInfoHash)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		return
	}

	switch {
	case ctx.IsGet():
		sm, ok := s.Table.Get(ih)
		if !ok {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			return
		}
		ctx.SetContentType("text/plain; charset=utf-8")
		ctx.SetBodyString("Flags: " + strings.Join(sm.FlagNames(), ","))

	case ctx.IsPut():
		if !s.originAllowed(ctx) {
			ctx.SetStatusCode(fasthttp.StatusForbidden)
			return
		}
		sm, _ := s.Table.GetOrCreate(ih)
		var bad []string
		ctx.QueryArgs().VisitAll(func(key, value []byte) {
			v, err := parseBool(string(value))
			if err != nil || !sm.SetFlag(string(key), v) {
				bad = append(bad, string(key))
			}
		})
		if len(bad) > 0 {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			ctx.SetBodyString("rejected: " + strings.Join(bad, ","))
			return
		}
		ctx.SetStatusCode(fasthttp.StatusOK)

	default:
		ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
	}
}

// ParseFlagsPath extracts the hex info_hash suffix from a
// "/control/flags/<hex>" request path.
func ParseFlagsPath(path string) (string, bool) {
	const prefix = "/control/flags/"
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	hex := strings.TrimPrefix(path, prefix)
	if hex == "" {
		return "", false
	}
	return hex, true
}
