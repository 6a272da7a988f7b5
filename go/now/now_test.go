package now

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var mockTime = time.Unix(0, 12).UTC()

func TestNow_NoContextValue(t *testing.T) {
	before := time.Now()
	got := Now(context.Background())
	after := time.Now()
	require.False(t, got.Before(before))
	require.False(t, got.After(after))
}

func TestNow_TimeValue(t *testing.T) {
	ctx := context.WithValue(context.Background(), ContextKey, mockTime)
	assert.Equal(t, mockTime, Now(ctx))
}

func TestNow_ProviderValue(t *testing.T) {
	calls := 0
	ctx := context.WithValue(context.Background(), ContextKey, Provider(func() time.Time {
		calls++
		return mockTime.Add(time.Duration(calls) * time.Second)
	}))
	assert.Equal(t, mockTime.Add(time.Second), Now(ctx))
	assert.Equal(t, mockTime.Add(2*time.Second), Now(ctx))
}

func TestTimeTravelingContext(t *testing.T) {
	ctx := TimeTravelingContext(mockTime)
	assert.Equal(t, mockTime, Now(ctx))

	later := mockTime.Add(time.Hour)
	ctx.SetTime(later)
	assert.Equal(t, later, Now(ctx))
}
