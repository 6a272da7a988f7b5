// Package viewer wires the tile subsystem together for a presentation
// layer: it owns the cache, starts the scheduler against the configured
// data source, and exposes the two calls a renderer needs every frame:
// Request for the tiles it wants, and Peek for what is available right now.
//
// The viewer never blocks the calling (UI) goroutine; fetches run on the
// scheduler's workers and land in the cache as they finish.
package viewer

import (
	"context"

	"github.com/pkg/errors"

	"github.com/profviz/tileserv/go/columnar"
	"github.com/profviz/tileserv/go/config"
	"github.com/profviz/tileserv/go/fetch"
	"github.com/profviz/tileserv/go/log"
	"github.com/profviz/tileserv/go/source"
	"github.com/profviz/tileserv/go/tilecache"
	"github.com/profviz/tileserv/go/tiles"
)

// Viewer is the data-access facade handed to the presentation layer. It is
// constructed once by the application; there are no package-level
// instances.
type Viewer struct {
	grid      tiles.Grid
	maxLevels int32
	cache     *tilecache.Cache
	sched     *fetch.Scheduler
}

// New builds the cache, data source, and scheduler described by the
// config, and starts the worker pool. The returned Viewer must be closed.
func New(ctx context.Context, cfg config.Instance) (*Viewer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	budget, err := cfg.CacheBudgetBytes()
	if err != nil {
		return nil, err
	}
	grid := cfg.Grid()

	var src source.DataSource
	if cfg.StorePath != "" {
		store, err := columnar.Open(cfg.StorePath)
		if err != nil {
			return nil, errors.Wrap(err, "opening embedded store")
		}
		src = source.NewEmbedded(store, grid)
		log.Infof("viewer using embedded store at %q", cfg.StorePath)
	} else {
		src = source.NewRemote(cfg.RemoteURL, cfg.FetchTimeout.Duration)
		log.Infof("viewer using remote server at %q", cfg.RemoteURL)
	}

	cache := tilecache.New(budget, cfg.RetryCooldown.Duration)
	sched := fetch.New(src, grid, cache, cfg.Workers, cfg.FetchTimeout.Duration)
	cache.SetScheduler(sched)
	sched.Start(ctx)

	return &Viewer{
		grid:      grid,
		maxLevels: cfg.MaxLevels,
		cache:     cache,
		sched:     sched,
	}, nil
}

// Grid returns the tile grid the viewer maps viewports with.
func (v *Viewer) Grid() tiles.Grid {
	return v.grid
}

// Request maps the viewport to tile keys at the best-fitting level,
// retargets the scheduler, and returns a handle per key. Hits resolve
// immediately; the rest resolve as fetches complete. Never blocks.
func (v *Viewer) Request(ctx context.Context, vp tiles.Viewport) []*tilecache.Handle {
	level := v.grid.ChooseLevel(vp, v.maxLevels)
	keys := v.grid.ForViewport(vp, level)
	center := vp.Span.Start + vp.Span.Duration()/2
	v.sched.Retarget(keys, center)

	handles := make([]*tilecache.Handle, 0, len(keys))
	for _, key := range keys {
		handles = append(handles, v.cache.GetOrFetch(ctx, key))
	}
	return handles
}

// Peek returns the decoded tile for key if it is already cached, without
// triggering a fetch. This is the per-frame draw path.
func (v *Viewer) Peek(key tiles.TileKey) (*tiles.Tile, bool) {
	return v.cache.Peek(key)
}

// Invalidate clears the cache entry for key so the next Request refetches
// it.
func (v *Viewer) Invalidate(key tiles.TileKey) {
	v.cache.Invalidate(key)
}

// Close stops the scheduler, waiting for in-flight fetches.
func (v *Viewer) Close() {
	v.sched.Stop()
}
