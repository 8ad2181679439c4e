package swarm

import (
	"math"
	"math/rand"

	"github.com/bittorrent/helix/bittorrent"
)

// HandoutStrategy selects the peer-selection algorithm used by
// Swarm.GetPeers. The sequential cursor strategy is the default; the
// random strategy is retained as a selectable alternative (spec.md §4.2).
type HandoutStrategy int

const (
	// SequentialHandout is the leaky-bucket cursor algorithm of spec.md
	// §4.2, guaranteeing each endpoint is handed out roughly once per pass.
	SequentialHandout HandoutStrategy = iota
	// RandomHandout picks a uniformly random start index and emits
	// contiguous endpoints with wraparound.
	RandomHandout
)

// sequentialHandout implements the per-(category,family) cursor algorithm
// of spec.md §4.2: cursor and next are advanced in place, and the emitted
// slot indices (relative to the category's endpoint vector, 0 ≤ idx < n)
// are returned. want must already be clamped to n by the caller.
func sequentialHandout(n, want int, cursor *float64, next *int) []int {
	if n <= 0 || want <= 0 {
		return nil
	}
	if want > n {
		want = n
	}

	*cursor += float64(want)

	if *cursor < float64(*next) {
		return nil
	}

	emit := int(math.Ceil(*cursor)) - *next
	if emit < 0 {
		emit = 0
	}
	if emit > n {
		emit = n
	}

	idxs := make([]int, emit)
	for i := 0; i < emit; i++ {
		idxs[i] = (*next + i) % n
	}

	*next += emit
	for *next >= n {
		*cursor -= float64(n)
		*next -= n
	}

	return idxs
}

// randomHandout picks a uniformly random starting slot and emits want
// contiguous (wrapping) indices, as the alternative strategy of spec.md
// §4.2.
func randomHandout(n, want int) []int {
	if n <= 0 || want <= 0 {
		return nil
	}
	if want > n {
		want = n
	}
	start := rand.Intn(n)
	idxs := make([]int, want)
	for i := 0; i < want; i++ {
		idxs[i] = (start + i) % n
	}
	return idxs
}

// drawOrder is the source-category sequence consulted for a requester's
// category, per the table in spec.md §4.2.
func drawOrder(requester Category) []Category {
	switch requester {
	case Active:
		return []Category{Seeding, Active, Paused}
	case Paused:
		return []Category{Active}
	case Seeding:
		return []Category{Active}
	default:
		return nil
	}
}

// ratioCap computes the per-source-category draw cap of spec.md §4.2:
// max_handout_per_interval × |ep_family[source]| / count_family[requester],
// treated as max_handout_per_interval when the denominator is zero.
func ratioCap(maxPerInterval, sourceLen, requesterFamilyCount int) int {
	if requesterFamilyCount == 0 {
		return maxPerInterval
	}
	return maxPerInterval * sourceLen / requesterFamilyCount
}

// GetPeers emits up to want packed endpoints of the given address family
// for an announcing peer in requesterCategory, drawing from source
// categories in the order and under the ratio caps of spec.md §4.2.
func (s *Swarm) GetPeers(requesterCategory Category, isV6 bool, want int, maxHandoutPerInterval int, strategy HandoutStrategy) []bittorrent.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := v4
	if isV6 {
		f = v6
	}

	var out []bittorrent.Endpoint
	for _, cat := range drawOrder(requesterCategory) {
		if want <= 0 {
			break
		}
		sourceLen := s.epLen(f, cat)
		if sourceLen == 0 {
			continue
		}

		requesterCount := s.familyCount(f, requesterCategory)
		drawCap := ratioCap(maxHandoutPerInterval, sourceLen, requesterCount)

		draw := want
		if draw > drawCap {
			draw = drawCap
		}
		if draw > sourceLen {
			draw = sourceLen
		}
		if draw <= 0 {
			continue
		}

		var idxs []int
		if strategy == RandomHandout {
			idxs = randomHandout(sourceLen, draw)
		} else {
			cursor, next := s.cursorFor(f, cat)
			idxs = sequentialHandout(sourceLen, draw, cursor, next)
		}

		eps := s.epSlice(f, cat)
		for _, idx := range idxs {
			out = append(out, eps[idx])
		}
		want -= len(idxs)
	}

	return out
}
