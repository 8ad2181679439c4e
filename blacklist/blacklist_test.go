package blacklist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewAppliesDefaultInterval(t *testing.T) {
	p := New(nil, 0)
	assert.Equal(t, DefaultInterval, p.interval)
}

func TestIsBlacklistedOnEmptySet(t *testing.T) {
	p := New(nil, time.Minute)
	assert.False(t, p.IsBlacklisted("some-tid"))
}

func TestIsBlacklistedReflectsManualState(t *testing.T) {
	p := New(nil, time.Minute)
	p.mu.Lock()
	p.set["abc"] = struct{}{}
	p.mu.Unlock()

	assert.True(t, p.IsBlacklisted("abc"))
	assert.False(t, p.IsBlacklisted("def"))
}

func TestDoneChannelClosesWithoutRun(t *testing.T) {
	p := New(nil, time.Minute)
	close(p.done)
	// Run() was never started, so stopped is never closed by Run; simulate
	// the shutdown path directly instead of calling Stop (which would
	// otherwise hang waiting on Run to close p.stopped).
	select {
	case <-p.done:
	default:
		t.Fatal("done channel should be closed")
	}
}
