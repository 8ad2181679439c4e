// Package stats implements the CPU load sampler of spec.md §4.8 and the
// per-swarm load ranking of §4.9, both additions grounded on the original
// source's cpu_monitor.cpp and its swarm rank/cpuload fields.
package stats

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bittorrent/helix/pkg/log"
	"github.com/bittorrent/helix/pkg/stop"
)

var cpuLogger = log.NewLogger("stats.cpu")

// windowSize is the sliding-window length of cpu_usage_struct, carried
// verbatim from cpu_monitor.hpp.
const windowSize = 8

// cpuTimes are the jiffie counters read from /proc/stat for a single CPU
// line, mirroring cpu_info_struct.
type cpuTimes struct {
	user, nice, sys, idle float64
}

// CPUSampler maintains a weighted sliding-window CPU-usage percentage for
// the current process's current CPU, sampled once per second
// (cpu_monitor.cpp's periodic()).
type CPUSampler struct {
	mu      sync.Mutex
	percent float64

	window   [windowSize]float64
	pos      int
	weightC  float64
	lastJiff map[int]cpuTimes

	done    chan struct{}
	stopped chan error
}

// weight implements cpu_monitor.hpp's _weight: 2^(WINDOW-p-1) / (2^WINDOW - 1).
func weight(p int) float64 {
	return float64(int64(1)<<(windowSize-p-1)) / float64((int64(1)<<windowSize)-1)
}

// NewCPUSampler allocates a sampler with its weighting table precomputed.
func NewCPUSampler() *CPUSampler {
	s := &CPUSampler{
		lastJiff: make(map[int]cpuTimes),
		done:     make(chan struct{}),
		stopped:  make(chan error, 1),
	}
	for i := 0; i < windowSize; i++ {
		s.weightC += weight(i)
	}
	return s
}

// Percent returns the sampler's current weighted-average CPU percentage.
func (s *CPUSampler) Percent() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.percent
}

// Run samples /proc/stat once per second until Stop is called. Absent
// /proc/stat (non-Linux platforms), each tick is a silent no-op, matching
// the original's Windows/macOS stub.
func (s *CPUSampler) Run() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sample()
		case <-s.done:
			s.stopped <- nil
			return
		}
	}
}

func (s *CPUSampler) sample() {
	which, err := currentCPUIndex()
	if err != nil {
		cpuLogger.Trace().Err(err).Msg("could not determine current cpu index")
		return
	}

	all, err := readProcStat()
	if err != nil {
		cpuLogger.Trace().Err(err).Msg("could not read /proc/stat")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := all[which]
	if !ok {
		return
	}
	prev := s.lastJiff[which]
	s.lastJiff[which] = cur

	d := cpuTimes{
		user: cur.user - prev.user,
		nice: cur.nice - prev.nice,
		sys:  cur.sys - prev.sys,
		idle: cur.idle - prev.idle,
	}
	total := d.user + d.nice + d.sys + d.idle
	if total <= 0 {
		return
	}
	percent := (d.user + d.nice + d.sys) / total * 100.0
	s.addSample(percent)
}

// addSample folds a fresh reading into the weighted sliding window
// (cpu_usage_struct::_add_sample). Caller holds s.mu.
func (s *CPUSampler) addSample(v float64) {
	s.window[s.pos] = v

	var total float64
	for i := 0; i < windowSize; i++ {
		// i is the sample's age: 0 is the reading just stored.
		p := (s.pos - i + windowSize) % windowSize
		total += s.window[p] * (weight(i) / s.weightC)
	}
	s.percent = total
	s.pos = (s.pos + 1) % windowSize
}

// Stop halts the sampling loop.
func (s *CPUSampler) Stop() stop.Result {
	ch := make(stop.Channel, 1)
	go func() {
		close(s.done)
		ch.Done(<-s.stopped)
	}()
	return ch.Result()
}

// currentCPUIndex reads the processor field (cpu id) for this process
// from /proc/self/stat, the Linux-native equivalent of the original's
// "ps -p <pid> -o psr" shell-out.
func currentCPUIndex() (int, error) {
	data, err := os.ReadFile("/proc/self/stat")
	if err != nil {
		return 0, err
	}
	// Field 39 (1-indexed) is "processor"; the comm field (2nd, parenthesized)
	// may itself contain spaces, so split from the last ')'.
	s := string(data)
	idx := strings.LastIndexByte(s, ')')
	if idx < 0 || idx+2 >= len(s) {
		return 0, strconv.ErrSyntax
	}
	fields := strings.Fields(s[idx+2:])
	const processorFieldFromCommClose = 36 // field 39 overall minus the 3 consumed before comm close
	if len(fields) <= processorFieldFromCommClose {
		return 0, strconv.ErrSyntax
	}
	return strconv.Atoi(fields[processorFieldFromCommClose])
}

// readProcStat parses every "cpuN ..." line of /proc/stat into jiffie
// counters, keyed by CPU index.
func readProcStat() (map[int]cpuTimes, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := make(map[int]cpuTimes)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "cpu") || strings.HasPrefix(line, "cpu ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		idxStr := strings.TrimPrefix(fields[0], "cpu")
		idx, err := strconv.Atoi(idxStr)
		if err != nil {
			continue
		}
		user, _ := strconv.ParseFloat(fields[1], 64)
		nice, _ := strconv.ParseFloat(fields[2], 64)
		sys, _ := strconv.ParseFloat(fields[3], 64)
		idle, _ := strconv.ParseFloat(fields[4], 64)
		out[idx] = cpuTimes{user: user, nice: nice, sys: sys, idle: idle}
	}
	return out, scanner.Err()
}
