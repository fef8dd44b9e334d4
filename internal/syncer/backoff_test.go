package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextBackoffDoublesUpToMax(t *testing.T) {
	base := 100 * time.Millisecond
	max := 350 * time.Millisecond
	got := nextBackoff(0, base, max)
	assert.Equal(t, base, got)
	got = nextBackoff(got, base, max)
	assert.Equal(t, 200*time.Millisecond, got)
	got = nextBackoff(got, base, max)
	assert.Equal(t, max, got)
}

func TestWithJitterStaysInWindow(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := withJitter(time.Second)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, time.Second+jitterWindow)
	}
	assert.Zero(t, withJitter(0))
}

func TestSleepStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleep(ctx, time.Hour), context.Canceled)
}
