package tiles

import (
	"sort"
	"time"
)

// Viewport is the visible time range and lane set the UI needs rendered.
type Viewport struct {
	Span  Span
	Lanes []LaneID
}

// Grid maps continuous trace time onto discrete tile buckets. The bucket
// width at level L is BaseWidth * Growth^L, so higher levels cover wider
// spans per tile.
//
// Grid is a pure value; all methods are safe to call from any goroutine.
type Grid struct {
	// BaseWidth is the bucket width at level 0.
	BaseWidth time.Duration

	// Growth is the per-level width multiplier, >= 2.
	Growth int64
}

// DefaultGrid mirrors the tiling the converter produces: 100ms buckets at
// the finest level, doubling per level.
var DefaultGrid = Grid{
	BaseWidth: 100 * time.Millisecond,
	Growth:    2,
}

// BucketWidth returns the bucket width in nanoseconds at the given level.
func (g Grid) BucketWidth(level int32) int64 {
	w := int64(g.BaseWidth)
	for i := int32(0); i < level; i++ {
		w *= g.Growth
	}
	return w
}

// BucketFor returns the index of the bucket containing the instant t at the
// given level. The mapping is deterministic: the same inputs always produce
// the same bucket, which is what makes cache hits across repeated views
// possible.
func (g Grid) BucketFor(t int64, level int32) int64 {
	return floorDiv(t, g.BucketWidth(level))
}

// Span returns the half-open time span covered by the given key.
func (g Grid) Span(key TileKey) Span {
	w := g.BucketWidth(key.Level)
	return Span{Start: key.Bucket * w, End: (key.Bucket + 1) * w}
}

// ForViewport enumerates the tile keys at the given level whose buckets
// intersect the viewport, for every lane in the viewport. Whole buckets
// only: the result may overshoot the viewport edges but never leaves a gap.
//
// An empty lane set yields an empty result. A zero-width time range yields
// the single bucket containing that instant, per lane.
func (g Grid) ForViewport(vp Viewport, level int32) []TileKey {
	if len(vp.Lanes) == 0 {
		return nil
	}
	w := g.BucketWidth(level)
	first := floorDiv(vp.Span.Start, w)
	last := first
	if vp.Span.End > vp.Span.Start {
		// Half-open range: a viewport ending exactly on a bucket
		// boundary does not pull in the next bucket.
		last = floorDiv(vp.Span.End-1, w)
	}

	lanes := make([]LaneID, len(vp.Lanes))
	copy(lanes, vp.Lanes)
	sort.Slice(lanes, func(i, j int) bool { return lanes[i] < lanes[j] })

	keys := make([]TileKey, 0, int64(len(lanes))*(last-first+1))
	for _, lane := range lanes {
		for b := first; b <= last; b++ {
			keys = append(keys, TileKey{Level: level, Lane: lane, Bucket: b})
		}
	}
	return keys
}

// ChooseLevel picks the level in [0, maxLevels) whose bucket width best
// matches the viewport duration, minimizing the ratio between the two. The
// mapper itself never chooses a level; this is the helper the presentation
// layer calls with its pixel density before asking ForViewport.
func (g Grid) ChooseLevel(vp Viewport, maxLevels int32) int32 {
	d := vp.Span.Duration()
	if d <= 0 || maxLevels <= 1 {
		return 0
	}
	best := int32(0)
	bestRatio := ratio(g.BucketWidth(0), d)
	for level := int32(1); level < maxLevels; level++ {
		if r := ratio(g.BucketWidth(level), d); r < bestRatio {
			best = level
			bestRatio = r
		}
	}
	return best
}

func ratio(w, d int64) float64 {
	if w < d {
		return float64(d) / float64(w)
	}
	return float64(w) / float64(d)
}

// floorDiv is integer division rounding toward negative infinity, so that
// instants before time zero land in negative buckets instead of sharing
// bucket 0.
func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
