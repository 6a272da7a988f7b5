package source

import (
	"context"

	"github.com/pkg/errors"

	"github.com/profviz/tileserv/go/columnar"
	"github.com/profviz/tileserv/go/tiles"
	"github.com/profviz/tileserv/go/wire"
)

// Embedded produces tile payloads by running aggregation queries against
// the local columnar store. It serializes results with the same wire codec
// the remote server uses, so the cache and scheduler cannot tell the two
// apart.
type Embedded struct {
	store *columnar.Store
	grid  tiles.Grid
}

// NewEmbedded returns an Embedded source over the given store.
func NewEmbedded(store *columnar.Store, grid tiles.Grid) *Embedded {
	return &Embedded{
		store: store,
		grid:  grid,
	}
}

// FetchTile implements DataSource.
func (e *Embedded) FetchTile(ctx context.Context, key tiles.TileKey) ([]byte, error) {
	span := e.grid.Span(key)
	records, err := e.store.Query(ctx, key.Lane, span)
	if err != nil {
		if errors.Is(err, columnar.ErrNoLane) {
			return nil, errors.Wrapf(ErrNotFound, "%v", err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errors.Wrapf(ErrTimeout, "%v", err)
		}
		return nil, errors.Wrapf(ErrTransport, "querying store: %v", err)
	}
	if len(records) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "lane %d has no records in %v", key.Lane, span)
	}
	t := &tiles.Tile{
		Key:         key,
		Records:     records,
		Utilization: columnar.Utilization(records, span),
	}
	return wire.Encode(t)
}
