package columnar

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"

	"github.com/profviz/tileserv/go/tiles"
)

// Writer populates a dataset directory. It is the producer half of the
// store contract, used by the log conversion tool and by tests; the serving
// path never writes.
//
// Records must be appended in start-time order within each lane. Writer is
// not safe for concurrent use.
type Writer struct {
	dir     string
	writers map[tiles.LaneID]*laneWriter
	span    tiles.Span
	first   bool
}

type laneWriter struct {
	f  *os.File
	pw *parquet.GenericWriter[row]
	// lastStart enforces the ordering contract.
	lastStart int64
	any       bool
}

// NewWriter creates the dataset directory if needed and returns a Writer.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating store directory %q", dir)
	}
	return &Writer{
		dir:     dir,
		writers: map[tiles.LaneID]*laneWriter{},
		first:   true,
	}, nil
}

// Append writes records to the given lane. Records must not precede ones
// already written to the same lane.
func (w *Writer) Append(lane tiles.LaneID, records []tiles.Record) error {
	lw, ok := w.writers[lane]
	if !ok {
		f, err := os.Create(laneFile(w.dir, lane))
		if err != nil {
			return errors.Wrapf(err, "creating lane %d", lane)
		}
		lw = &laneWriter{
			f:  f,
			pw: parquet.NewGenericWriter[row](f),
		}
		w.writers[lane] = lw
	}

	rows := make([]row, 0, len(records))
	for _, r := range records {
		if lw.any && r.Start < lw.lastStart {
			return errors.Errorf("lane %d: record at %d appended after %d", lane, r.Start, lw.lastStart)
		}
		lw.lastStart = r.Start
		lw.any = true
		rows = append(rows, row{
			Start:    r.Start,
			End:      r.End,
			Category: r.Category,
			Meta:     r.Meta,
		})
		if w.first || r.Start < w.span.Start {
			w.span.Start = r.Start
		}
		if w.first || r.End > w.span.End {
			w.span.End = r.End
		}
		w.first = false
	}
	if _, err := lw.pw.Write(rows); err != nil {
		return errors.Wrapf(err, "writing lane %d", lane)
	}
	return nil
}

// Close flushes every lane file and writes the manifest. The dataset is not
// readable until Close returns.
func (w *Writer) Close() error {
	man := manifest{
		Lanes: make([]tiles.LaneID, 0, len(w.writers)),
		Span:  w.span,
	}
	for lane, lw := range w.writers {
		if err := lw.pw.Close(); err != nil {
			return errors.Wrapf(err, "closing lane %d", lane)
		}
		if err := lw.f.Close(); err != nil {
			return errors.Wrapf(err, "closing lane %d", lane)
		}
		man.Lanes = append(man.Lanes, lane)
	}
	sort.Slice(man.Lanes, func(i, j int) bool { return man.Lanes[i] < man.Lanes[j] })

	b, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding manifest")
	}
	// Write through a temp file so a crashed converter never leaves a
	// half-written manifest behind.
	tmp := filepath.Join(w.dir, manifestName+".tmp")
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return errors.Wrap(err, "writing manifest")
	}
	if err := os.Rename(tmp, filepath.Join(w.dir, manifestName)); err != nil {
		return errors.Wrap(err, "renaming manifest")
	}
	return nil
}
