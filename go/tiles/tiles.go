// Package tiles defines the value types for tile-indexed trace data: tile
// keys, time spans, decoded tiles, and the grid arithmetic that maps a
// viewport onto a set of tile keys.
//
// Trace time is measured in nanoseconds since the start of the profile and
// stored as int64, matching the producer's timestamp resolution.
package tiles

import (
	"fmt"
	"sort"
)

// LaneID identifies a single timeline track (one processor, channel, or
// memory) within the trace.
type LaneID int32

// TileKey is the immutable address of one tile: a zoom level, a lane, and
// the index of the time bucket at that level.
//
// TileKey is a comparable value type so it can be used directly as a map
// key. Two keys are equal iff all three fields match.
type TileKey struct {
	// Level is the zoom exponent. Bucket width grows monotonically with
	// Level, see Grid.
	Level int32

	// Lane is the timeline track this tile belongs to.
	Lane LaneID

	// Bucket is the index of the time bucket at this level. May be
	// negative if the trace records events before its nominal start.
	Bucket int64
}

// String returns the level/lane/bucket slug used in URLs and log lines.
func (k TileKey) String() string {
	return fmt.Sprintf("%d/%d/%d", k.Level, k.Lane, k.Bucket)
}

// Span is a half-open time interval [Start, End) in trace nanoseconds.
type Span struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Duration returns the length of the span, which is never negative for a
// well-formed span.
func (s Span) Duration() int64 {
	return s.End - s.Start
}

// Overlaps returns true if the two spans share any instant. A zero-width
// span overlaps a span that contains its instant.
func (s Span) Overlaps(o Span) bool {
	if s.Start == s.End {
		return o.Start <= s.Start && s.Start < o.End
	}
	if o.Start == o.End {
		return s.Start <= o.Start && o.Start < s.End
	}
	return s.Start < o.End && o.Start < s.End
}

// Contains returns true if t lies within the span.
func (s Span) Contains(t int64) bool {
	return s.Start <= t && t < s.End
}

// Intersect clips s to o. The result has zero duration if they do not
// overlap.
func (s Span) Intersect(o Span) Span {
	r := Span{Start: max64(s.Start, o.Start), End: min64(s.End, o.End)}
	if r.End < r.Start {
		r.End = r.Start
	}
	return r
}

// Record is a single interval drawn on a lane: one task execution, copy,
// or busy period.
type Record struct {
	// Start and End are trace nanoseconds. End >= Start.
	Start int64 `json:"start"`
	End   int64 `json:"end"`

	// Category buckets records for styling, e.g. "task", "copy", "gap".
	Category string `json:"category"`

	// Meta carries optional per-record details (task name, arguments).
	// Nil when the record has none.
	Meta map[string]string `json:"meta,omitempty"`
}

// Tile is the decoded payload for one TileKey: the interval records whose
// spans overlap the tile's bucket, ordered by start time, plus a busy
// summary over exactly the bucket's span.
//
// Tiles are immutable once constructed. They are replaced, never modified
// in place.
type Tile struct {
	Key     TileKey
	Records []Record

	// Utilization is the fraction [0, 1] of the tile's span covered by
	// records.
	Utilization float32
}

// New returns an empty tile for the given key. A tile with no records is
// how "no data in this bucket" is represented to the UI.
func New(key TileKey) *Tile {
	return &Tile{Key: key}
}

// perRecordOverhead approximates the slice header, string headers, and map
// bookkeeping attached to each record.
const perRecordOverhead = 64

// ApproxBytes estimates the in-memory footprint of the tile for cache
// accounting. It does not need to be exact, only consistent.
func (t *Tile) ApproxBytes() int64 {
	size := int64(perRecordOverhead)
	for i := range t.Records {
		r := &t.Records[i]
		size += perRecordOverhead + int64(len(r.Category))
		for k, v := range r.Meta {
			size += perRecordOverhead + int64(len(k)+len(v))
		}
	}
	return size
}

// Sorted returns true if the tile's records are ordered by start time,
// which every well-formed tile guarantees.
func (t *Tile) Sorted() bool {
	return sort.SliceIsSorted(t.Records, func(i, j int) bool {
		return t.Records[i].Start < t.Records[j].Start
	})
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
