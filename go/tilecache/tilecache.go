// Package tilecache implements the bounded, concurrency-safe cache of
// decoded tiles that sits between the presentation layer and the fetch
// scheduler.
//
// The cache holds one entry per TileKey in one of three states: Pending (a
// fetch is in flight), Ready (decoded tile available), or Failed (the last
// fetch errored; retried after a cooldown). All entry-map mutations happen
// under a single mutex. Fetch completions re-acquire the mutex through
// Complete, so no reader ever observes a half-updated entry.
package tilecache

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/profviz/tileserv/go/log"
	"github.com/profviz/tileserv/go/now"
	"github.com/profviz/tileserv/go/tiles"
)

// ErrDropped is the failure waiters observe when a queued fetch was
// discarded because the viewport moved away before it started.
var ErrDropped = errors.New("tile fetch dropped before starting")

// State is the lifecycle position of a cache entry.
type State int

const (
	// Pending means exactly one fetch is in flight for the key.
	Pending State = iota
	// Ready means the decoded tile is available synchronously.
	Ready
	// Failed means the last fetch errored; the entry holds the error
	// until its retry cooldown elapses.
	Failed
)

// Enqueuer is the part of the fetch scheduler the cache depends on. The
// cache holds a non-owning reference and never learns anything else about
// scheduling.
type Enqueuer interface {
	Enqueue(ctx context.Context, key tiles.TileKey)
}

var (
	metricHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tileserv_tilecache_hits_total",
		Help: "GetOrFetch and Peek calls served from a Ready entry.",
	})
	metricMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tileserv_tilecache_misses_total",
		Help: "GetOrFetch calls that issued a new fetch.",
	})
	metricEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tileserv_tilecache_evictions_total",
		Help: "Ready entries evicted to stay under the byte budget.",
	})
	metricFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tileserv_tilecache_fetch_failures_total",
		Help: "Fetch completions that marked an entry Failed.",
	})
)

// entry wraps one tile with its bookkeeping. tile and err are written at
// most once, before done is closed; after that they are immutable, so
// Handle readers need no lock.
type entry struct {
	key        tiles.TileKey
	state      State
	tile       *tiles.Tile
	err        error
	size       int64
	retryAfter time.Time
	done       chan struct{}
}

func newEntry(key tiles.TileKey) *entry {
	return &entry{
		key:   key,
		state: Pending,
		done:  make(chan struct{}),
	}
}

// Handle resolves to the eventual tile for one GetOrFetch call. Multiple
// handles for the same key share the same underlying fetch.
type Handle struct {
	e *entry
}

// Done is closed when the entry leaves Pending. For entries that were
// already Ready or Failed at GetOrFetch time it is closed on arrival.
func (h *Handle) Done() <-chan struct{} {
	return h.e.done
}

// Wait blocks until the fetch completes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (*tiles.Tile, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.e.done:
		if h.e.err != nil {
			return nil, h.e.err
		}
		return h.e.tile, nil
	}
}

// Cache is the bounded tile cache. Construct exactly one per viewer with
// New and share it by reference; there are no package-level instances.
type Cache struct {
	budget   int64
	cooldown time.Duration

	mu      sync.Mutex
	entries map[tiles.TileKey]*entry
	// order tracks recency for Ready entries only; Pending and Failed
	// entries are never evicted by budget pressure. Guarded by mu, so
	// the non-threadsafe simplelru variant is the right fit.
	order *simplelru.LRU
	used  int64

	sched Enqueuer
}

// New returns a Cache with the given byte budget and Failed-entry retry
// cooldown. SetScheduler must be called before the first GetOrFetch.
func New(budget int64, cooldown time.Duration) *Cache {
	c := &Cache{
		budget:   budget,
		cooldown: cooldown,
		entries:  map[tiles.TileKey]*entry{},
	}
	// The LRU's own count cap never binds; eviction is driven by the
	// byte budget below.
	order, err := simplelru.NewLRU(1<<30, func(k, v interface{}) {
		e := v.(*entry)
		c.used -= e.size
		delete(c.entries, e.key)
	})
	if err != nil {
		panic(err) // Only fails for a non-positive size.
	}
	c.order = order
	return c
}

// SetScheduler hands the cache its non-owning reference to the fetch
// scheduler. Called once during wiring, before any traffic.
func (c *Cache) SetScheduler(s Enqueuer) {
	c.sched = s
}

// GetOrFetch returns a handle to the eventual tile for key. It never
// blocks: a Ready entry resolves the handle immediately, a Pending entry
// shares the in-flight fetch, and an absent entry starts exactly one fetch.
// A Failed entry inside its cooldown resolves immediately with the cached
// error; past the cooldown a new fetch is issued.
func (c *Cache) GetOrFetch(ctx context.Context, key tiles.TileKey) *Handle {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		switch e.state {
		case Ready:
			_, _ = c.order.Get(key) // Refresh recency.
			c.mu.Unlock()
			metricHits.Inc()
			return &Handle{e: e}
		case Pending:
			c.mu.Unlock()
			return &Handle{e: e}
		case Failed:
			if now.Now(ctx).Before(e.retryAfter) {
				c.mu.Unlock()
				return &Handle{e: e}
			}
			// Cooldown elapsed: replace the entry and refetch.
			// The old entry keeps its error for any handles
			// still holding it.
		}
	}
	e = newEntry(key)
	c.entries[key] = e
	c.mu.Unlock()

	metricMisses.Inc()
	c.sched.Enqueue(ctx, key)
	return &Handle{e: e}
}

// Peek returns the decoded tile if one is Ready, without triggering a
// fetch. This is what the presentation layer calls every frame to draw
// whatever is currently available.
func (c *Cache) Peek(key tiles.TileKey) (*tiles.Tile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.state != Ready {
		return nil, false
	}
	_, _ = c.order.Get(key)
	metricHits.Inc()
	return e.tile, true
}

// State reports the entry state for key. The second return is false when
// the cache holds no entry.
func (c *Cache) State(key tiles.TileKey) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return 0, false
	}
	return e.state, true
}

// Complete transitions a Pending entry to Ready or Failed. The scheduler
// calls this exactly once per dispatched fetch; completions for keys that
// are no longer Pending (e.g. invalidated meanwhile) are ignored.
func (c *Cache) Complete(ctx context.Context, key tiles.TileKey, tile *tiles.Tile, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.state != Pending {
		return
	}
	if err != nil {
		e.state = Failed
		e.err = err
		e.retryAfter = now.Now(ctx).Add(c.cooldown)
		metricFailures.Inc()
		log.Warningf("tile %s failed: %s", key, err)
	} else {
		e.state = Ready
		e.tile = tile
		e.size = tile.ApproxBytes()
		c.used += e.size
		c.order.Add(key, e)
		c.evictToBudgetLocked(key)
	}
	close(e.done)
}

// Drop discards a Pending entry whose queued fetch never started. Waiters
// observe ErrDropped; a later GetOrFetch for the key starts over.
func (c *Cache) Drop(key tiles.TileKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.state != Pending {
		return
	}
	delete(c.entries, key)
	e.err = ErrDropped
	e.state = Failed
	close(e.done)
}

// Invalidate removes the entry for key so the next request refetches.
// Pending entries are left alone; their in-flight fetch will still land.
func (c *Cache) Invalidate(key tiles.TileKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return
	}
	switch e.state {
	case Ready:
		c.order.Remove(key) // The eviction callback deletes the entry.
	case Failed:
		delete(c.entries, key)
	case Pending:
	}
}

// evictToBudgetLocked removes least-recently-used Ready entries until the
// byte budget holds. The entry just inserted is pinned for this call;
// evicting it would only re-trigger its fetch on the next frame.
func (c *Cache) evictToBudgetLocked(justInserted tiles.TileKey) {
	for c.used > c.budget {
		k, _, ok := c.order.GetOldest()
		if !ok {
			break
		}
		if k.(tiles.TileKey) == justInserted {
			break
		}
		c.order.RemoveOldest()
		metricEvictions.Inc()
	}
}

// UsedBytes returns the summed approximate size of Ready entries.
func (c *Cache) UsedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Len returns the number of entries in any state.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
