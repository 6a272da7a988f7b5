// Package columnar implements the embedded store: an append-only columnar
// dataset of interval records, one parquet file per lane, produced by the
// external conversion tool and queried read-only by the serving path.
//
// Records within a lane file are ordered by start time, which lets queries
// stop scanning as soon as they pass the end of the requested span.
package columnar

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"

	"github.com/profviz/tileserv/go/tiles"
	"github.com/profviz/tileserv/go/timer"
)

// ErrNoLane is returned by Query for lanes the store holds no file for.
var ErrNoLane = errors.New("columnar: no such lane")

const manifestName = "manifest.json"

// row is the parquet schema of one interval record. Column names are part
// of the dataset contract with the conversion tool.
type row struct {
	Start    int64             `parquet:"start_ns"`
	End      int64             `parquet:"end_ns"`
	Category string            `parquet:"category,dict"`
	Meta     map[string]string `parquet:"meta"`
}

// manifest records what the dataset contains so readers do not have to
// scan every file at startup.
type manifest struct {
	Lanes []tiles.LaneID `json:"lanes"`
	Span  tiles.Span     `json:"span"`
}

// Store is a read-only view over one dataset directory. Safe for
// concurrent queries; each query opens its own file handle.
type Store struct {
	dir string
	man manifest

	// scanned counts rows visited by Query, for tests and diagnostics.
	scanned atomic.Int64
}

// Open reads the dataset manifest and returns a Store. The directory must
// have been populated by a Writer (or the conversion tool).
func Open(dir string) (*Store, error) {
	b, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, errors.Wrapf(err, "opening store at %q", dir)
	}
	var man manifest
	if err := json.Unmarshal(b, &man); err != nil {
		return nil, errors.Wrapf(err, "parsing manifest in %q", dir)
	}
	return &Store{dir: dir, man: man}, nil
}

// Lanes returns the lanes present in the dataset, in manifest order.
func (s *Store) Lanes() []tiles.LaneID {
	return append([]tiles.LaneID(nil), s.man.Lanes...)
}

// Bounds returns the time span covered by the dataset.
func (s *Store) Bounds() tiles.Span {
	return s.man.Span
}

// RowsScanned returns the total number of rows Query has visited over the
// lifetime of the store.
func (s *Store) RowsScanned() int64 {
	return s.scanned.Load()
}

func laneFile(dir string, lane tiles.LaneID) string {
	return filepath.Join(dir, laneFileName(lane))
}

func laneFileName(lane tiles.LaneID) string {
	return "lane-" + itoa(int64(lane)) + ".parquet"
}

// Query returns the records on the given lane whose intervals overlap the
// span, ordered by start time. Returns ErrNoLane if the dataset has no file
// for the lane.
func (s *Store) Query(ctx context.Context, lane tiles.LaneID, span tiles.Span) ([]tiles.Record, error) {
	defer timer.New("columnar query " + itoa(int64(lane))).Stop()

	f, err := os.Open(laneFile(s.dir, lane))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNoLane, "lane %d", lane)
		}
		return nil, errors.Wrapf(err, "opening lane %d", lane)
	}
	defer func() {
		_ = f.Close()
	}()

	reader := parquet.NewGenericReader[row](f)
	defer func() {
		_ = reader.Close()
	}()

	var out []tiles.Record
	buf := make([]row, 512)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := reader.Read(buf)
		for i := 0; i < n; i++ {
			r := buf[i]
			s.scanned.Add(1)
			if r.Start >= span.End {
				// Rows are ordered by start; nothing later can
				// overlap the span.
				return out, nil
			}
			if r.End <= span.Start {
				continue
			}
			out = append(out, tiles.Record{
				Start:    r.Start,
				End:      r.End,
				Category: r.Category,
				Meta:     nilIfEmpty(r.Meta),
			})
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, errors.Wrapf(err, "reading lane %d", lane)
		}
	}
}

// Utilization computes the fraction of span covered by the records. Records
// must be ordered by start time; overlapping records are merged so double
// booking never pushes the result past 1.
func Utilization(records []tiles.Record, span tiles.Span) float32 {
	total := span.Duration()
	if total <= 0 {
		return 0
	}
	var busy, cursor int64
	cursor = span.Start
	for _, r := range records {
		start := r.Start
		if start < cursor {
			start = cursor
		}
		end := r.End
		if end > span.End {
			end = span.End
		}
		if end <= start {
			continue
		}
		busy += end - start
		cursor = end
	}
	return float32(float64(busy) / float64(total))
}

func nilIfEmpty(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	return m
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
