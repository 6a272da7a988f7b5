package fetch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/profviz/tileserv/go/source"
	"github.com/profviz/tileserv/go/tiles"
	"github.com/profviz/tileserv/go/wire"
)

// funcSource adapts a function to the DataSource interface.
type funcSource func(ctx context.Context, key tiles.TileKey) ([]byte, error)

func (f funcSource) FetchTile(ctx context.Context, key tiles.TileKey) ([]byte, error) {
	return f(ctx, key)
}

type outcome struct {
	key  tiles.TileKey
	tile *tiles.Tile
	err  error
}

// captureSink records completions and drops and signals each completion so
// tests can wait without polling.
type captureSink struct {
	mu        sync.Mutex
	completes []outcome
	drops     []tiles.TileKey
	completed chan tiles.TileKey
}

func newCaptureSink() *captureSink {
	return &captureSink{
		completed: make(chan tiles.TileKey, 100),
	}
}

func (c *captureSink) Complete(ctx context.Context, key tiles.TileKey, tile *tiles.Tile, err error) {
	c.mu.Lock()
	c.completes = append(c.completes, outcome{key: key, tile: tile, err: err})
	c.mu.Unlock()
	c.completed <- key
}

func (c *captureSink) Drop(key tiles.TileKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drops = append(c.drops, key)
}

func (c *captureSink) waitComplete(t *testing.T) tiles.TileKey {
	t.Helper()
	select {
	case key := <-c.completed:
		return key
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a completion")
		return tiles.TileKey{}
	}
}

func (c *captureSink) outcomeFor(key tiles.TileKey) (outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range c.completes {
		if o.key == key {
			return o, true
		}
	}
	return outcome{}, false
}

func (c *captureSink) dropped() []tiles.TileKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]tiles.TileKey(nil), c.drops...)
}

func key(bucket int64) tiles.TileKey {
	return tiles.TileKey{Level: 0, Lane: 0, Bucket: bucket}
}

func payloadFor(t *testing.T, k tiles.TileKey) []byte {
	t.Helper()
	b, err := wire.Encode(&tiles.Tile{
		Key:         k,
		Records:     []tiles.Record{{Start: 1, End: 2, Category: "task"}},
		Utilization: 0.1,
	})
	require.NoError(t, err)
	return b
}

func TestDispatch_DecodesPayload(t *testing.T) {
	sink := newCaptureSink()
	src := funcSource(func(ctx context.Context, k tiles.TileKey) ([]byte, error) {
		return payloadFor(t, k), nil
	})
	s := New(src, tiles.DefaultGrid, sink, 2, time.Second)
	s.Start(context.Background())
	defer s.Stop()

	s.Enqueue(context.Background(), key(3))
	require.Equal(t, key(3), sink.waitComplete(t))

	o, ok := sink.outcomeFor(key(3))
	require.True(t, ok)
	require.NoError(t, o.err)
	require.Equal(t, key(3), o.tile.Key)
	require.Len(t, o.tile.Records, 1)
}

func TestDispatch_NotFoundYieldsEmptyTile(t *testing.T) {
	sink := newCaptureSink()
	src := funcSource(func(ctx context.Context, k tiles.TileKey) ([]byte, error) {
		return nil, source.ErrNotFound
	})
	s := New(src, tiles.DefaultGrid, sink, 1, time.Second)
	s.Start(context.Background())
	defer s.Stop()

	s.Enqueue(context.Background(), key(0))
	sink.waitComplete(t)

	o, ok := sink.outcomeFor(key(0))
	require.True(t, ok)
	require.NoError(t, o.err)
	require.Equal(t, key(0), o.tile.Key)
	require.Empty(t, o.tile.Records)
}

func TestDispatch_FetchErrorPropagates(t *testing.T) {
	sink := newCaptureSink()
	src := funcSource(func(ctx context.Context, k tiles.TileKey) ([]byte, error) {
		return nil, source.ErrTransport
	})
	s := New(src, tiles.DefaultGrid, sink, 1, time.Second)
	s.Start(context.Background())
	defer s.Stop()

	s.Enqueue(context.Background(), key(0))
	sink.waitComplete(t)

	o, _ := sink.outcomeFor(key(0))
	require.ErrorIs(t, o.err, source.ErrTransport)
	require.Nil(t, o.tile)
}

func TestDispatch_CorruptPayloadPropagates(t *testing.T) {
	sink := newCaptureSink()
	src := funcSource(func(ctx context.Context, k tiles.TileKey) ([]byte, error) {
		return []byte("garbage"), nil
	})
	s := New(src, tiles.DefaultGrid, sink, 1, time.Second)
	s.Start(context.Background())
	defer s.Stop()

	s.Enqueue(context.Background(), key(0))
	sink.waitComplete(t)

	o, _ := sink.outcomeFor(key(0))
	require.ErrorIs(t, o.err, wire.ErrCorrupt)
}

func TestDispatch_MisaddressedPayloadIsSchemaError(t *testing.T) {
	sink := newCaptureSink()
	src := funcSource(func(ctx context.Context, k tiles.TileKey) ([]byte, error) {
		return payloadFor(t, key(99)), nil
	})
	s := New(src, tiles.DefaultGrid, sink, 1, time.Second)
	s.Start(context.Background())
	defer s.Stop()

	s.Enqueue(context.Background(), key(0))
	sink.waitComplete(t)

	o, _ := sink.outcomeFor(key(0))
	require.ErrorIs(t, o.err, wire.ErrSchema)
}

func TestDispatch_TimeoutBoundsTheFetch(t *testing.T) {
	sink := newCaptureSink()
	src := funcSource(func(ctx context.Context, k tiles.TileKey) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s := New(src, tiles.DefaultGrid, sink, 1, 20*time.Millisecond)
	s.Start(context.Background())
	defer s.Stop()

	s.Enqueue(context.Background(), key(0))
	sink.waitComplete(t)

	o, _ := sink.outcomeFor(key(0))
	require.ErrorIs(t, o.err, context.DeadlineExceeded)
}

// gatedScheduler sets up a single worker whose first fetch blocks until the
// returned release func is called, so later enqueues stay queued.
func gatedScheduler(t *testing.T, sink *captureSink) (*Scheduler, tiles.TileKey, func()) {
	t.Helper()
	gate := key(1_000_000)
	started := make(chan struct{})
	release := make(chan struct{})
	src := funcSource(func(ctx context.Context, k tiles.TileKey) ([]byte, error) {
		if k == gate {
			close(started)
			<-release
		}
		return payloadFor(t, k), nil
	})
	s := New(src, tiles.DefaultGrid, sink, 1, 5*time.Second)
	s.Start(context.Background())

	s.Enqueue(context.Background(), gate)
	<-started
	var once sync.Once
	return s, gate, func() { once.Do(func() { close(release) }) }
}

func TestEnqueue_DedupsQueuedKeys(t *testing.T) {
	sink := newCaptureSink()
	s, gate, release := gatedScheduler(t, sink)
	defer func() {
		release()
		s.Stop()
	}()

	for i := 0; i < 5; i++ {
		s.Enqueue(context.Background(), key(1))
	}
	release()

	require.Equal(t, gate, sink.waitComplete(t))
	require.Equal(t, key(1), sink.waitComplete(t))

	// No further completion: the duplicates collapsed into one request.
	select {
	case k := <-sink.completed:
		t.Fatalf("unexpected extra completion for %s", k)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRetarget_DropsUnwantedQueuedRequests(t *testing.T) {
	sink := newCaptureSink()
	s, gate, release := gatedScheduler(t, sink)
	defer func() {
		release()
		s.Stop()
	}()

	s.Enqueue(context.Background(), key(1))
	s.Enqueue(context.Background(), key(2))

	// The viewport moved away from bucket 1 before its fetch started.
	s.Retarget([]tiles.TileKey{gate, key(2)}, 0)
	require.Equal(t, []tiles.TileKey{key(1)}, sink.dropped())

	release()
	sink.waitComplete(t)
	sink.waitComplete(t)

	// Liveness: both surviving requests completed, the dropped one never
	// reached the source.
	_, ok := sink.outcomeFor(gate)
	require.True(t, ok)
	_, ok = sink.outcomeFor(key(2))
	require.True(t, ok)
	_, ok = sink.outcomeFor(key(1))
	require.False(t, ok)
}

func TestRetarget_ReprioritizesTowardViewportCenter(t *testing.T) {
	sink := newCaptureSink()
	s, gate, release := gatedScheduler(t, sink)
	defer func() {
		release()
		s.Stop()
	}()

	far := key(100)
	near := key(1)
	s.Enqueue(context.Background(), far)
	s.Enqueue(context.Background(), near)

	// Center the viewport on bucket 1; the single worker must pick near
	// before far even though far arrived first.
	center := tiles.DefaultGrid.Span(near).Start
	s.Retarget([]tiles.TileKey{gate, far, near}, center)
	release()

	require.Equal(t, gate, sink.waitComplete(t))
	require.Equal(t, near, sink.waitComplete(t))
	require.Equal(t, far, sink.waitComplete(t))
}

func TestStop_DrainsQueueAndWaitsForInFlight(t *testing.T) {
	sink := newCaptureSink()
	s, gate, release := gatedScheduler(t, sink)

	s.Enqueue(context.Background(), key(1))

	stopDone := make(chan struct{})
	go func() {
		s.Stop()
		close(stopDone)
	}()

	// Stop drops the queued request before waiting on the worker.
	require.Eventually(t, func() bool {
		d := sink.dropped()
		return len(d) == 1 && d[0] == key(1)
	}, 5*time.Second, time.Millisecond)

	release()
	select {
	case <-stopDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the in-flight fetch finished")
	}

	// The in-flight fetch still landed.
	_, ok := sink.outcomeFor(gate)
	require.True(t, ok)
}

func TestEnqueue_AfterStopDrops(t *testing.T) {
	sink := newCaptureSink()
	src := funcSource(func(ctx context.Context, k tiles.TileKey) ([]byte, error) {
		return payloadFor(t, k), nil
	})
	s := New(src, tiles.DefaultGrid, sink, 1, time.Second)
	s.Start(context.Background())
	s.Stop()

	s.Enqueue(context.Background(), key(0))
	require.Equal(t, []tiles.TileKey{key(0)}, sink.dropped())
}
