package stats

import (
	"sort"
	"time"

	"github.com/bittorrent/helix/pkg/log"
	"github.com/bittorrent/helix/pkg/stop"
	"github.com/bittorrent/helix/swarm"
)

var rankLogger = log.NewLogger("stats.ranker")

// DefaultRankInterval is how often the Ranker recomputes swarm load ranks.
const DefaultRankInterval = 30 * time.Second

// Ranker periodically orders every swarm in a Table by its peer-count load
// metric and records each swarm's ordinal rank and a CPU-share estimate
// derived from the process-wide CPUSampler (spec.md §4.9).
type Ranker struct {
	table    *swarm.Table
	sampler  *CPUSampler
	interval time.Duration

	done    chan struct{}
	stopped chan error
}

// NewRanker builds a Ranker over table, sourcing CPU share from sampler.
func NewRanker(table *swarm.Table, sampler *CPUSampler, interval time.Duration) *Ranker {
	if interval <= 0 {
		interval = DefaultRankInterval
	}
	return &Ranker{
		table:    table,
		sampler:  sampler,
		interval: interval,
		done:     make(chan struct{}),
		stopped:  make(chan error, 1),
	}
}

// Run blocks, re-ranking on a fixed ticker until Stop is called.
func (r *Ranker) Run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.rankOnce()
		case <-r.done:
			r.stopped <- nil
			return
		}
	}
}

// rankOnce recomputes and records every swarm's rank and CPU-share
// estimate in one pass.
func (r *Ranker) rankOnce() {
	swarms := r.table.Snapshot()
	if len(swarms) == 0 {
		return
	}

	sort.Slice(swarms, func(i, j int) bool {
		return swarms[i].LoadMetric() > swarms[j].LoadMetric()
	})

	cpuPercent := 0.0
	if r.sampler != nil {
		cpuPercent = r.sampler.Percent()
	}
	share := cpuPercent / float64(len(swarms))

	for i, s := range swarms {
		s.SetRank(i)
		s.SetCPULoad(share)
	}

	rankLogger.Debug().Int("swarms", len(swarms)).Float64("cpu_percent", cpuPercent).Msg("load rank recomputed")
}

// Stop halts the ranking loop.
func (r *Ranker) Stop() stop.Result {
	ch := make(stop.Channel, 1)
	go func() {
		close(r.done)
		ch.Done(<-r.stopped)
	}()
	return ch.Result()
}
