package http

import (
	"github.com/valyala/fasthttp"
)

// wireScrapeResponse is the bencoded dictionary shape of spec.md §6's
// /scrape reply: a "files" dict keyed by raw 20-byte info_hash.
type wireScrapeResponse struct {
	Files map[string]wireScrapeFile `bencode:"files"`
}

type wireScrapeFile struct {
	Complete    uint32 `bencode:"complete"`
	Incomplete  uint32 `bencode:"incomplete"`
	Downloaded  uint32 `bencode:"downloaded"`
	Downloaders uint32 `bencode:"downloaders"`
}

// HandleScrape serves GET /scrape (spec.md §6): swarms with no entry in
// memory are simply omitted from the reply.
func (s *Server) HandleScrape(ctx *fasthttp.RequestCtx) {
	req := parseScrape(ctx)

	_, resp, err := s.Logic.HandleScrape(ctx, req)
	if err != nil {
		writeFailure(ctx, err)
		return
	}

	wire := wireScrapeResponse{Files: make(map[string]wireScrapeFile, len(resp.Files))}
	for _, f := range resp.Files {
		wire.Files[f.InfoHash.RawString()] = wireScrapeFile{
			Complete:    f.Complete,
			Incomplete:  f.Incomplete,
			Downloaded:  f.Downloaded,
			Downloaders: f.Downloaders,
		}
	}
	writeBencode(ctx, wire)
}
