package http

import (
	"fmt"
	"sort"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/bittorrent/helix/pkg/timecache"
	"github.com/bittorrent/helix/swarm"
)

// HandleStatistics serves GET /statistics: a text dump of the current
// time, NAT-check counters, swarm counters, per-endpoint perfmeter, and
// per-swarm static counters (spec.md §6).
func (s *Server) HandleStatistics(ctx *fasthttp.RequestCtx) {
	var b strings.Builder

	fmt.Fprintf(&b, "current_time: %d\n", timecache.NowUnix())

	if s.NAT != nil {
		m := s.NAT.Snapshot()
		fmt.Fprintf(&b, "nat_checks_created: %d\n", m.Created)
		fmt.Fprintf(&b, "nat_checks_deleted: %d\n", m.Deleted)
		fmt.Fprintf(&b, "nat_checks_started: %d\n", m.Started)
		fmt.Fprintf(&b, "nat_checks_success: %d\n", m.Success)
		fmt.Fprintf(&b, "nat_checks_fail: %d\n", m.Fail)
		fmt.Fprintf(&b, "nat_checks_timeout: %d\n", m.Timeout)
		fmt.Fprintf(&b, "nat_checks_queue_len: %d\n", m.QueueLen)
		fmt.Fprintf(&b, "nat_checks_avg_age_secs: %.3f\n", m.AvgAgeSecs)
	}

	if s.CPU != nil {
		fmt.Fprintf(&b, "cpu_load_percent: %.2f\n", s.CPU.Percent())
	}

	swarms := s.Table.Snapshot()
	fmt.Fprintf(&b, "swarm_count: %d\n", len(swarms))

	var totalPeers int
	rows := make([]string, 0, len(swarms))
	for _, sw := range swarms {
		total, byCat := sw.NumPeers()
		totalPeers += total
		rows = append(rows, statsRow(sw, total, byCat))
	}
	sort.Strings(rows)

	fmt.Fprintf(&b, "total_peers: %d\n", totalPeers)
	b.WriteString("swarms:\n")
	for _, r := range rows {
		b.WriteString(r)
		b.WriteByte('\n')
	}

	ctx.SetContentType("text/plain; charset=utf-8")
	ctx.SetBodyString(b.String())
}

func statsRow(sw *swarm.Swarm, total int, byCat [3]int) string {
	return fmt.Sprintf("  %s peers=%d seeding=%d active=%d paused=%d rank=%d cpu_share=%.4f disabled=%t",
		sw.InfoHash.String(), total, byCat[swarm.Seeding], byCat[swarm.Active], byCat[swarm.Paused],
		sw.Rank(), sw.CPULoad(), sw.Disabled())
}
