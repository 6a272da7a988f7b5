// Package now provides a function to return the current time that is
// also easily overridden for testing.
package now

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type contextKeyType string

// ContextKey is used by tests to make the time deterministic.
//
// That is, in a test, you can write a value into a context to use as the
// return value of Now():
//
//	var mockTime = time.Unix(0, 12).UTC()
//	ctx = context.WithValue(ctx, now.ContextKey, mockTime)
//
// The value set can also be a Provider, which is evaluated on every call to
// Now() with that context. Providers must be threadsafe if the context
// crosses goroutines.
const ContextKey contextKeyType = "overrideNow"

// Provider is the type of function that can be stored as a context value to
// supply the time.
type Provider func() time.Time

// Now returns the current time, or the time from the context.
func Now(ctx context.Context) time.Time {
	if ts := ctx.Value(ContextKey); ts != nil {
		switch v := ts.(type) {
		case Provider:
			return v()
		case time.Time:
			return v
		default:
			panic(fmt.Sprintf("unknown value for ContextKey: %v", v))
		}
	}
	return time.Now()
}

// TimeTravelCtx embeds a context whose Now() value can be moved around by a
// test:
//
//	ctx := now.TimeTravelingContext(start)
//	first := doSomething(ctx)
//	ctx.SetTime(start.Add(2 * time.Minute))
//	second := doSomething(ctx)
type TimeTravelCtx struct {
	context.Context

	mutex sync.RWMutex
	ts    time.Time
}

// TimeTravelingContext returns a TimeTravelCtx set to the given time,
// wrapping context.Background().
func TimeTravelingContext(ts time.Time) *TimeTravelCtx {
	t := &TimeTravelCtx{
		ts: ts,
	}
	t.Context = context.WithValue(context.Background(), ContextKey, Provider(t.now))
	return t
}

func (t *TimeTravelCtx) now() time.Time {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.ts
}

// SetTime updates the apparent time of the embedded context.
func (t *TimeTravelCtx) SetTime(ts time.Time) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.ts = ts
}
