// Package timecache maintains a cached wall-clock value refreshed on a
// fixed tick, so hot paths that need "now" (once per peer mutation, under
// sustained announce load) avoid a syscall per call.
package timecache

import (
	"sync/atomic"
	"time"
)

const refreshInterval = 100 * time.Millisecond

var (
	cachedUnix     atomic.Int64
	cachedUnixNano atomic.Int64
)

func init() {
	update()
	go func() {
		t := time.NewTicker(refreshInterval)
		for range t.C {
			update()
		}
	}()
}

func update() {
	now := time.Now()
	cachedUnix.Store(now.Unix())
	cachedUnixNano.Store(now.UnixNano())
}

// Now returns the cached current time, accurate to within refreshInterval.
func Now() time.Time {
	return time.Unix(0, cachedUnixNano.Load())
}

// NowUnix returns the cached current time in Unix seconds.
func NowUnix() int64 {
	return cachedUnix.Load()
}

// NowUnixNano returns the cached current time in Unix nanoseconds.
func NowUnixNano() int64 {
	return cachedUnixNano.Load()
}
