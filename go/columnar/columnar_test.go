package columnar

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/profviz/tileserv/go/tiles"
)

// writeDataset builds a two-lane dataset in a temp directory and returns an
// opened Store over it.
//
// Lane 1: ten 50ns tasks at 100ns intervals starting at 0.
// Lane 2: one long record [0, 1000) plus an overlapping [500, 700).
func writeDataset(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)

	var lane1 []tiles.Record
	for i := int64(0); i < 10; i++ {
		lane1 = append(lane1, tiles.Record{
			Start:    i * 100,
			End:      i*100 + 50,
			Category: "task",
			Meta:     map[string]string{"idx": string(rune('a' + i))},
		})
	}
	require.NoError(t, w.Append(1, lane1))
	require.NoError(t, w.Append(2, []tiles.Record{
		{Start: 0, End: 1000, Category: "copy"},
		{Start: 500, End: 700, Category: "copy"},
	}))
	require.NoError(t, w.Close())

	s, err := Open(dir)
	require.NoError(t, err)
	return s
}

func TestOpen_ReadsManifest(t *testing.T) {
	s := writeDataset(t)
	assert.Equal(t, []tiles.LaneID{1, 2}, s.Lanes())
	assert.Equal(t, tiles.Span{Start: 0, End: 1000}, s.Bounds())
}

func TestOpen_MissingManifest(t *testing.T) {
	_, err := Open(t.TempDir())
	require.Error(t, err)
}

func TestQuery_OverlapSemantics(t *testing.T) {
	ctx := context.Background()
	s := writeDataset(t)

	// [120, 340) overlaps the tasks starting at 100, 200 and 300. The
	// task at 100 ends at 150, inside the span; the one at 300 starts
	// inside it.
	got, err := s.Query(ctx, 1, tiles.Span{Start: 120, End: 340})
	require.NoError(t, err)
	starts := make([]int64, 0, len(got))
	for _, r := range got {
		starts = append(starts, r.Start)
	}
	require.Equal(t, []int64{100, 200, 300}, starts)

	// Half-open boundaries: a record ending exactly at span.Start and
	// one starting exactly at span.End are both excluded.
	got, err = s.Query(ctx, 1, tiles.Span{Start: 50, End: 100})
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestQuery_PreservesFields(t *testing.T) {
	ctx := context.Background()
	s := writeDataset(t)

	got, err := s.Query(ctx, 1, tiles.Span{Start: 0, End: 50})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, tiles.Record{
		Start:    0,
		End:      50,
		Category: "task",
		Meta:     map[string]string{"idx": "a"},
	}, got[0])
}

func TestQuery_StopsScanningPastSpan(t *testing.T) {
	ctx := context.Background()
	s := writeDataset(t)

	before := s.RowsScanned()
	_, err := s.Query(ctx, 1, tiles.Span{Start: 0, End: 150})
	require.NoError(t, err)
	scanned := s.RowsScanned() - before

	// Rows are start-ordered, so the scan ends at the first row whose
	// start passes the span instead of visiting all ten.
	require.Less(t, scanned, int64(10))
	require.GreaterOrEqual(t, scanned, int64(2))
}

func TestQuery_UnknownLane(t *testing.T) {
	s := writeDataset(t)
	_, err := s.Query(context.Background(), 99, tiles.Span{Start: 0, End: 100})
	require.ErrorIs(t, err, ErrNoLane)
}

func TestQuery_CancelledContext(t *testing.T) {
	s := writeDataset(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Query(ctx, 1, tiles.Span{Start: 0, End: 100})
	require.ErrorIs(t, err, context.Canceled)
}

func TestAppend_RejectsOutOfOrderRecords(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, w.Append(1, []tiles.Record{{Start: 100, End: 200}}))
	err = w.Append(1, []tiles.Record{{Start: 50, End: 80}})
	require.Error(t, err)
}

func TestUtilization(t *testing.T) {
	span := tiles.Span{Start: 0, End: 100}

	assert.Equal(t, float32(0), Utilization(nil, span))
	assert.Equal(t, float32(1), Utilization([]tiles.Record{{Start: 0, End: 100}}, span))
	assert.Equal(t, float32(0.5), Utilization([]tiles.Record{{Start: 25, End: 75}}, span))

	// Overlapping records are merged, not double counted.
	assert.Equal(t, float32(0.5), Utilization([]tiles.Record{
		{Start: 0, End: 40},
		{Start: 20, End: 50},
	}, span))

	// Records are clipped to the span.
	assert.Equal(t, float32(0.2), Utilization([]tiles.Record{
		{Start: -100, End: 10},
		{Start: 90, End: 300},
	}, span))

	// Degenerate span.
	assert.Equal(t, float32(0), Utilization([]tiles.Record{{Start: 0, End: 10}}, tiles.Span{Start: 5, End: 5}))
}
