package otp

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCountdown() (*Countdown, *clockwork.FakeClock, chan int) {
	clock := clockwork.NewFakeClock()
	ticks := make(chan int, 256)
	cd := NewCountdown(WithCountdownClock(clock), OnTick(func(remaining int) { ticks <- remaining }))
	return cd, clock, ticks
}

// step advances one interval and returns the value the tick reported.
func step(t *testing.T, clock *clockwork.FakeClock, ticks <-chan int) int {
	t.Helper()
	clock.Advance(time.Second)
	select {
	case v := <-ticks:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("tick not delivered")
		return -1
	}
}

func assertNoTick(t *testing.T, ticks <-chan int) {
	t.Helper()
	select {
	case v := <-ticks:
		t.Fatalf("unexpected tick %d", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCountdown_ReachesZeroExactlyOnce(t *testing.T) {
	cd, clock, ticks := newTestCountdown()
	cd.Start(120)
	require.True(t, cd.Active())
	require.Equal(t, 120, cd.Remaining())

	zeros := 0
	for i := 1; i <= 120; i++ {
		got := step(t, clock, ticks)
		require.Equal(t, 120-i, got)
		if got == 0 {
			zeros++
		}
	}

	assert.Equal(t, 1, zeros)
	assert.Equal(t, 0, cd.Remaining())
	assert.False(t, cd.Active())

	clock.Advance(5 * time.Second)
	assertNoTick(t, ticks)
	assert.Equal(t, 0, cd.Remaining())
}

func TestCountdown_StartReplacesActiveRun(t *testing.T) {
	cd, clock, ticks := newTestCountdown()
	cd.Start(5)
	require.Equal(t, 4, step(t, clock, ticks))

	cd.Start(10)
	assert.Equal(t, 10, cd.Remaining())
	assert.Equal(t, 9, step(t, clock, ticks))
	assertNoTick(t, ticks)
	assert.Equal(t, 8, step(t, clock, ticks))
}

func TestCountdown_CancelStopsTicks(t *testing.T) {
	cd, clock, ticks := newTestCountdown()
	cd.Start(3)
	require.Equal(t, 2, step(t, clock, ticks))

	cd.Cancel()
	assert.False(t, cd.Active())
	assert.Equal(t, 0, cd.Remaining())

	clock.Advance(3 * time.Second)
	assertNoTick(t, ticks)
}

func TestCountdown_StartZeroDoesNotRun(t *testing.T) {
	cd, _, _ := newTestCountdown()
	cd.Start(0)
	assert.False(t, cd.Active())
	assert.Equal(t, 0, cd.Remaining())
}
