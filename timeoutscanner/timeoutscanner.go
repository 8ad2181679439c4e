// Package timeoutscanner runs the periodic sweep that evicts peers which
// have not re-announced within the configured interval (spec.md §4.4),
// grounded on the original source's swarm.cpp (Swarm::timeout_peers()).
package timeoutscanner

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bittorrent/helix/pkg/log"
	"github.com/bittorrent/helix/pkg/metrics"
	"github.com/bittorrent/helix/pkg/stop"
	"github.com/bittorrent/helix/pkg/timecache"
	"github.com/bittorrent/helix/swarm"
)

var logger = log.NewLogger("timeoutscanner")

// Scanner walks the swarm table on a fixed period, evicting peers whose
// LastCheckIn has fallen further behind than interval + 10% grace
// (spec.md §4.4: "cutoff = now - (interval + interval/10)").
type Scanner struct {
	table    *swarm.Table
	interval time.Duration

	evicted prometheus.Counter
	swept   prometheus.Counter

	stopOnce sync.Once
	done     chan struct{}
	stopped  chan error
}

// New builds a Scanner that sweeps table every interval/2, using a cutoff
// of interval + interval/10 (spec.md §4.4).
func New(table *swarm.Table, interval time.Duration) *Scanner {
	return &Scanner{
		table:    table,
		interval: interval,
		evicted: metrics.NewCounter(prometheus.CounterOpts{
			Name: "helix_timeoutscanner_evicted_total",
			Help: "peers evicted by the timeout scanner",
		}),
		swept: metrics.NewCounter(prometheus.CounterOpts{
			Name: "helix_timeoutscanner_sweeps_total",
			Help: "number of completed scan passes",
		}),
		done:    make(chan struct{}),
		stopped: make(chan error, 1),
	}
}

// Run blocks, sweeping on a ticker until Stop is called. Callers should
// invoke it in its own goroutine.
func (s *Scanner) Run() {
	period := s.interval / 2
	if period <= 0 {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.done:
			s.stopped <- nil
			return
		}
	}
}

func (s *Scanner) sweep() {
	sw := log.NewStopwatch()
	grace := s.interval + s.interval/10
	cutoff := timecache.NowUnix() - int64(grace.Seconds())

	var total int
	for _, sm := range s.table.Snapshot() {
		if sm.Disabled() {
			continue
		}
		total += sm.EvictStale(cutoff)
	}

	if metrics.Enabled() {
		s.evicted.Add(float64(total))
		s.swept.Inc()
	}

	logger.Debug().Int("evicted", total).Dur("elapsed", sw.Elapsed()).Msg("timeout scan complete")
}

// Stop requests the scan loop to exit and waits for it to do so.
func (s *Scanner) Stop() stop.Result {
	s.stopOnce.Do(func() { close(s.done) })
	ch := make(stop.Channel, 1)
	go func() { ch.Done(<-s.stopped) }()
	return ch.Result()
}
