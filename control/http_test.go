package control

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/bittorrent/helix/bittorrent"
	"github.com/bittorrent/helix/swarm"
)

func newCtx(method, uri, remoteIP string) *fasthttp.RequestCtx {
	var req fasthttp.Request
	req.Header.SetMethod(method)
	req.SetRequestURI(uri)

	var ctx fasthttp.RequestCtx
	ctx.Init(&req, &net.TCPAddr{IP: net.ParseIP(remoteIP), Port: 12345}, nil)
	return &ctx
}

func mustInfoHash(t *testing.T, s string) bittorrent.InfoHash {
	t.Helper()
	b := make([]byte, bittorrent.InfoHashLen)
	copy(b, s)
	ih, err := bittorrent.NewInfoHash(b)
	require.NoError(t, err)
	return ih
}

func TestHandleControlDumpsVariables(t *testing.T) {
	reg := New()
	var a bool
	reg.AddBool("swarm_default_dna_only", &a)
	srv := NewServer(reg, swarm.NewTable(false))

	ctx := newCtx("GET", "/control", "127.0.0.1")
	srv.HandleControl(ctx)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), "swarm_default_dna_only = false")
}

func TestHandleControlSetRejectsNonLoopback(t *testing.T) {
	reg := New()
	var a bool
	reg.AddBool("x", &a)
	srv := NewServer(reg, swarm.NewTable(false))

	ctx := newCtx("PUT", "/control/set?x=true", "8.8.8.8")
	srv.HandleControlSet(ctx)
	assert.Equal(t, fasthttp.StatusForbidden, ctx.Response.StatusCode())
}

func TestHandleControlSetAppliesLoopbackPut(t *testing.T) {
	reg := New()
	var x bool
	reg.AddBool("x", &x)
	srv := NewServer(reg, swarm.NewTable(false))

	ctx := newCtx("PUT", "/control/set?x=true", "127.0.0.1")
	srv.HandleControlSet(ctx)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.True(t, x)
}

func TestHandleControlSetRejectsUnknownName(t *testing.T) {
	reg := New()
	srv := NewServer(reg, swarm.NewTable(false))

	ctx := newCtx("PUT", "/control/set?nope=true", "127.0.0.1")
	srv.HandleControlSet(ctx)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}

func TestHandleBlacklistAddAndList(t *testing.T) {
	tbl := swarm.NewTable(false)
	srv := NewServer(New(), tbl)
	ih := mustInfoHash(t, "aaaaaaaaaaaaaaaaaaaa")

	ctx := newCtx("PUT", "/control/blacklist?add="+ih.String(), "127.0.0.1")
	srv.HandleBlacklist(ctx)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	ctx2 := newCtx("GET", "/control/blacklist", "127.0.0.1")
	srv.HandleBlacklist(ctx2)
	assert.Contains(t, string(ctx2.Response.Body()), ih.String())
}

func TestHandleFlagsGetAndPut(t *testing.T) {
	tbl := swarm.NewTable(false)
	ih := mustInfoHash(t, "aaaaaaaaaaaaaaaaaaaa")
	tbl.GetOrCreate(ih)
	srv := NewServer(New(), tbl)

	ctx := newCtx("PUT", "/control/flags/"+ih.String()+"?dna_only=true", "127.0.0.1")
	srv.HandleFlags(ctx, ih.String())
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	ctx2 := newCtx("GET", "/control/flags/"+ih.String(), "127.0.0.1")
	srv.HandleFlags(ctx2, ih.String())
	assert.Contains(t, string(ctx2.Response.Body()), "dna_only")
}

func TestParseFlagsPath(t *testing.T) {
	hex, ok := ParseFlagsPath("/control/flags/abc123")
	assert.True(t, ok)
	assert.Equal(t, "abc123", hex)

	_, ok = ParseFlagsPath("/control/set")
	assert.False(t, ok)
}
