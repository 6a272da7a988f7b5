// Package fetch runs the worker pool that drains pending tile requests and
// dispatches them to the active data source.
//
// The scheduler never blocks its callers: Enqueue and Retarget only touch
// the queue. Workers block in FetchTile for the duration of a query or
// round trip, decode the payload, and hand the result back to the cache
// through the Sink callback. Ordering is best-effort (tiles nearer the
// viewport center go first); the only hard property is liveness: every
// accepted request ends in exactly one Complete or Drop.
package fetch

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/profviz/tileserv/go/log"
	"github.com/profviz/tileserv/go/source"
	"github.com/profviz/tileserv/go/tiles"
	"github.com/profviz/tileserv/go/wire"
)

// Sink receives fetch outcomes. The tile cache implements it; completions
// travel through this callback rather than a back-pointer so the scheduler
// never owns the cache.
type Sink interface {
	// Complete delivers the decoded tile, or the fetch/decode error.
	Complete(ctx context.Context, key tiles.TileKey, tile *tiles.Tile, err error)
	// Drop reports a queued request discarded before it started.
	Drop(key tiles.TileKey)
}

var metricFetchSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "tileserv_fetch_seconds",
	Help:    "Wall time of data source fetches, including decode.",
	Buckets: prometheus.DefBuckets,
})

type request struct {
	key      tiles.TileKey
	priority int64
	seq      uint64
	index    int
}

// requestHeap is a min-heap on (priority, level, arrival order).
type requestHeap []*request

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	if h[i].key.Level != h[j].key.Level {
		return h[i].key.Level < h[j].key.Level
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x interface{}) {
	r := x.(*request)
	r.index = len(*h)
	*h = append(*h, r)
}

func (h *requestHeap) Pop() interface{} {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*h = old[:n-1]
	return r
}

// Scheduler coordinates parallel tile fetches against one DataSource.
type Scheduler struct {
	src     source.DataSource
	grid    tiles.Grid
	sink    Sink
	workers int
	timeout time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	queue   requestHeap
	queued  map[tiles.TileKey]*request
	center  int64
	seq     uint64
	stopped bool

	eg *errgroup.Group
}

// New returns a Scheduler with a fixed pool of workers, each fetch bounded
// by timeout. Call Start before enqueueing.
func New(src source.DataSource, grid tiles.Grid, sink Sink, workers int, timeout time.Duration) *Scheduler {
	s := &Scheduler{
		src:     src,
		grid:    grid,
		sink:    sink,
		workers: workers,
		timeout: timeout,
		queued:  map[tiles.TileKey]*request{},
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the worker pool. Workers exit when Stop is called or ctx
// is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	eg, ctx := errgroup.WithContext(ctx)
	s.eg = eg
	for i := 0; i < s.workers; i++ {
		eg.Go(func() error {
			s.run(ctx)
			return nil
		})
	}
	// cond.Wait cannot observe context cancellation on its own.
	go func() {
		<-ctx.Done()
		s.cond.Broadcast()
	}()
}

// Stop discards the remaining queue and waits for in-flight fetches to
// finish. In-flight results still reach the sink.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	dropped := make([]tiles.TileKey, 0, len(s.queue))
	for _, r := range s.queue {
		dropped = append(dropped, r.key)
	}
	s.queue = nil
	s.queued = map[tiles.TileKey]*request{}
	s.cond.Broadcast()
	s.mu.Unlock()

	for _, key := range dropped {
		s.sink.Drop(key)
	}
	if s.eg != nil {
		_ = s.eg.Wait()
	}
}

// Enqueue adds a fetch for key unless one is already queued. The cache
// guarantees at most one Pending entry per key, so together no key ever
// has two fetches in flight.
func (s *Scheduler) Enqueue(ctx context.Context, key tiles.TileKey) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.sink.Drop(key)
		return
	}
	if _, ok := s.queued[key]; ok {
		s.mu.Unlock()
		return
	}
	s.seq++
	r := &request{
		key:      key,
		priority: s.priorityLocked(key),
		seq:      s.seq,
	}
	heap.Push(&s.queue, r)
	s.queued[key] = r
	s.cond.Signal()
	s.mu.Unlock()
}

// Retarget tells the scheduler the viewport moved: wanted lists the keys
// still visible and center is the new viewport midpoint. Queued requests
// for keys no longer wanted are dropped; everything else is reprioritized.
// Requests already dispatched are unaffected; their results are still
// useful if the user pans back.
func (s *Scheduler) Retarget(wanted []tiles.TileKey, center int64) {
	keep := make(map[tiles.TileKey]bool, len(wanted))
	for _, k := range wanted {
		keep[k] = true
	}

	s.mu.Lock()
	s.center = center
	var dropped []tiles.TileKey
	for key, r := range s.queued {
		if !keep[key] {
			heap.Remove(&s.queue, r.index)
			delete(s.queued, key)
			dropped = append(dropped, key)
			continue
		}
		r.priority = s.priorityLocked(key)
	}
	heap.Init(&s.queue)
	s.mu.Unlock()

	for _, key := range dropped {
		s.sink.Drop(key)
	}
	if len(dropped) > 0 {
		log.Debugf("retarget dropped %d queued tiles", len(dropped))
	}
}

// priorityLocked ranks a request by how far its span sits from the current
// viewport center. Ties break toward finer levels in the heap ordering.
func (s *Scheduler) priorityLocked(key tiles.TileKey) int64 {
	span := s.grid.Span(key)
	mid := span.Start + span.Duration()/2
	d := mid - s.center
	if d < 0 {
		d = -d
	}
	return d
}

func (s *Scheduler) run(ctx context.Context) {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopped && ctx.Err() == nil {
			s.cond.Wait()
		}
		if s.stopped || ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		r := heap.Pop(&s.queue).(*request)
		delete(s.queued, r.key)
		s.mu.Unlock()

		s.dispatch(ctx, r.key)
	}
}

// dispatch performs one fetch end to end and always reports the outcome to
// the sink exactly once.
func (s *Scheduler) dispatch(ctx context.Context, key tiles.TileKey) {
	begin := time.Now()
	fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	payload, err := s.src.FetchTile(fetchCtx, key)
	cancel()
	metricFetchSeconds.Observe(time.Since(begin).Seconds())

	if err != nil {
		if source.IsNotFound(err) {
			// An empty bucket is data, not a failure; the UI
			// renders it blank.
			s.sink.Complete(ctx, key, tiles.New(key), nil)
			return
		}
		s.sink.Complete(ctx, key, nil, err)
		return
	}

	tile, err := wire.Decode(payload)
	if err != nil {
		s.sink.Complete(ctx, key, nil, err)
		return
	}
	if tile.Key != key {
		s.sink.Complete(ctx, key, nil, errors.Wrapf(wire.ErrSchema, "payload addressed to %s, requested %s", tile.Key, key))
		return
	}
	s.sink.Complete(ctx, key, tile, nil)
}
