package bittorrent

import "net/netip"

// Stats carries the numeric reporting fields of an announce, parsed
// per spec.md §4.1's numeric parsing rules.
type Stats struct {
	Left          uint64
	WDownloaded   uint64
	PDownloaded   uint64
	PUploaded     uint64
	CBytes        uint64
	WBad          uint64
	WFail         uint64
	TCheckin      uint64
	Event         Event
}

// AnnounceRequest is the parsed form of an incoming /announce request.
type AnnounceRequest struct {
	InfoHash InfoHash
	PeerID   PeerID
	Port     uint16
	HasPort  bool

	IPv4 netip.Addr
	IPv6 netip.Addr

	NumWant    uint16
	HasNumWant bool

	Stats Stats

	Auth         string
	HasAuth      bool
	TID          string
	HasTID       bool
	ReportWBad   bool
	DebugToken   string

	// RemoteIP is the connection's observed remote address, used as the
	// default external IP before x-forwarded-for/clientipaddr/ipv4=/ipv6=
	// overrides are applied.
	RemoteIP netip.Addr
}

// Peers returns the claimed (ID, endpoint) pairs for whichever address
// families this request carries, suitable for storage mutation and NAT
// check dispatch.
func (r *AnnounceRequest) Peers() []Peer {
	p := Peer{ID: r.PeerID}
	if r.IPv4.IsValid() {
		p.HasV4 = true
		p.IPv4 = NewEndpoint(r.IPv4, r.Port)
	}
	if r.IPv6.IsValid() {
		p.HasV6 = true
		p.IPv6 = NewEndpoint(r.IPv6, r.Port)
	}
	return []Peer{p}
}

// GetFirst returns whichever address family was resolved, preferring IPv6,
// used by Logic.HandleAnnounce as the reply's external ip.
func (r *AnnounceRequest) GetFirst() netip.Addr {
	if r.IPv6.IsValid() {
		return r.IPv6
	}
	return r.IPv4
}

// AnnounceResponse is the bencoded reply built for an announce.
type AnnounceResponse struct {
	InfoHash    InfoHash
	IPv4Peers   []Endpoint
	IPv6Peers   []Endpoint
	Interval    uint32
	MinInterval uint32
	ExternalIP  netip.Addr
	SnapDelta   uint32
	Complete    uint32
	Incomplete  uint32
	// TerminateSwarm, when true, causes "terminate swarm = 1" to be added to
	// the reply (spec.md §4.1, swarm TERMINATE flag).
	TerminateSwarm bool
}
