package rategate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGate() (*Gate, *time.Time) {
	g := NewGate()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	return g, &now
}

func TestPerSecondWindow(t *testing.T) {
	g, _ := testGate()
	lim := Limits{PerSecond: 3}

	for i := 0; i < 3; i++ {
		require.NoError(t, g.TryAcquire("k", lim))
	}

	err := g.TryAcquire("k", lim)
	require.Error(t, err)
	re := err.(*Error)
	assert.Equal(t, WindowSecond, re.Window)
}

func TestWindowRecoversAfterAdvance(t *testing.T) {
	g, now := testGate()
	lim := Limits{PerSecond: 1}

	require.NoError(t, g.TryAcquire("k", lim))
	require.Error(t, g.TryAcquire("k", lim))

	*now = now.Add(time.Second)
	assert.NoError(t, g.TryAcquire("k", lim))
}

func TestPerMinuteWindowSlides(t *testing.T) {
	g, now := testGate()
	lim := Limits{PerMinute: 5}

	for i := 0; i < 5; i++ {
		require.NoError(t, g.TryAcquire("k", lim))
		*now = now.Add(time.Second)
	}
	require.Error(t, g.TryAcquire("k", lim))

	// 56 more seconds push the first events out of the trailing minute
	*now = now.Add(56 * time.Second)
	assert.NoError(t, g.TryAcquire("k", lim))
}

func TestPerHourWindow(t *testing.T) {
	g, now := testGate()
	lim := Limits{PerHour: 10}

	for i := 0; i < 10; i++ {
		require.NoError(t, g.TryAcquire("k", lim))
		*now = now.Add(time.Minute)
	}

	err := g.TryAcquire("k", lim)
	require.Error(t, err)
	assert.Equal(t, WindowHour, err.(*Error).Window)

	*now = now.Add(55 * time.Minute)
	assert.NoError(t, g.TryAcquire("k", lim))
}

func TestAcceptedNeverExceedsLimitPlusOne(t *testing.T) {
	g, now := testGate()
	lim := Limits{PerMinute: 7}

	accepted := 0
	for i := 0; i < 300; i++ {
		if g.TryAcquire("k", lim) == nil {
			accepted++
		}
		*now = now.Add(250 * time.Millisecond)
	}

	// over any trailing minute at most limit+1 may slip through the
	// bucket boundary
	assert.LessOrEqual(t, accepted, (300/240)*(lim.PerMinute+1)+lim.PerMinute+1)
}

func TestScopesAreIndependent(t *testing.T) {
	g, _ := testGate()
	lim := Limits{PerSecond: 1}

	require.NoError(t, g.TryAcquire("ip:203.0.113.1", lim))
	require.NoError(t, g.TryAcquire("ip:203.0.113.2", lim))
	require.Error(t, g.TryAcquire("ip:203.0.113.1", lim))
}

func TestZeroLimitsNeverReject(t *testing.T) {
	g, _ := testGate()
	for i := 0; i < 1000; i++ {
		require.NoError(t, g.TryAcquire("k", Limits{}))
	}
}

func TestSweepEvictsStaleCounters(t *testing.T) {
	g, now := testGate()
	require.NoError(t, g.TryAcquire("k", Limits{PerSecond: 5}))

	g.mu.Lock()
	assert.Len(t, g.counters, 1)
	g.mu.Unlock()

	*now = now.Add(2 * time.Hour)
	g.Sweep()

	g.mu.Lock()
	assert.Len(t, g.counters, 0)
	g.mu.Unlock()
}
