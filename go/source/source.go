// Package source abstracts where compressed tile payloads come from. The
// cache and scheduler only ever see the DataSource interface; whether the
// bytes are produced by a local columnar query or a network round trip is
// decided once at startup.
package source

import (
	"context"

	"github.com/pkg/errors"

	"github.com/profviz/tileserv/go/tiles"
)

// DataSource produces the compressed wire payload for a tile. FetchTile may
// block for the duration of a query or network round trip; callers bound it
// with the context deadline. Implementations must be safe for concurrent
// calls with distinct keys.
type DataSource interface {
	FetchTile(ctx context.Context, key tiles.TileKey) ([]byte, error)
}

// Sentinel errors for the fetch failure taxonomy. Implementations wrap
// these so callers can classify failures with errors.Is.
var (
	// ErrNotFound means the bucket holds no data. Not an error to the
	// UI, which renders the tile as empty.
	ErrNotFound = errors.New("tile not found")

	// ErrTimeout means the fetch exceeded its deadline. Transient;
	// eligible for retry after the cache cooldown.
	ErrTimeout = errors.New("fetch deadline exceeded")

	// ErrTransport means a connection-level failure. Transient, and
	// safe to retry immediately.
	ErrTransport = errors.New("transport failure")
)

// IsNotFound returns true for fetches of buckets that hold no data.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTimeout returns true for fetches that exceeded their deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsTransport returns true for connection-level failures.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}

// Retryable returns true for failures that a later identical fetch could
// plausibly succeed on.
func Retryable(err error) bool {
	return IsTimeout(err) || IsTransport(err)
}
