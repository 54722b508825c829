package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.WindowSize = 10
	cfg.TargetLatency = 200 * time.Millisecond
	cfg.UpperThreshold = 0.8
	cfg.LowerThreshold = 0.4
	cfg.ErrorCeiling = 0.2
	cfg.AdjustmentInterval = 15 * time.Second
	cfg.LearningRateBaseline = 0.3
	cfg.LearningRateFloor = 0.05
	cfg.LearningRateCeiling = 0.5
	cfg.StableCyclesForRecovery = 3
	return cfg
}

func newTestMonitor(t *testing.T) (*Monitor, *time.Time) {
	t.Helper()

	m := NewMonitor(zap.NewNop(), testConfig())
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	m.clock = func() time.Time { return now }

	require.NoError(t, m.Register("crawler", 2, 20, 4))
	return m, &now
}

func fill(t *testing.T, m *Monitor, service string, n int, latency time.Duration, errored bool) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, m.Record(service, Sample{
			ResponseTime: latency,
			Err:          errored,
			Concurrency:  4,
		}))
	}
}

func TestEmptyWindowIsNeutral(t *testing.T) {
	m, _ := newTestMonitor(t)

	rec, err := m.Recommend("crawler")
	require.NoError(t, err)

	assert.InDelta(t, 0.5, rec.Score, 1e-9)
	assert.Equal(t, DirectionNone, rec.Direction)
	assert.Equal(t, 4, rec.Recommended)
}

func TestZeroValueConfigRecordsSafely(t *testing.T) {
	m := NewMonitor(zap.NewNop(), Config{})
	require.NoError(t, m.Register("crawler", 1, 4, 2))

	require.NoError(t, m.Record("crawler", Sample{ResponseTime: time.Second}))

	stats, err := m.Report("crawler")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SampleCount)
}

func TestUnregisteredService(t *testing.T) {
	m, _ := newTestMonitor(t)

	assert.Error(t, m.Record("nope", Sample{}))
	_, err := m.Recommend("nope")
	assert.Error(t, err)
}

func TestFastCleanWindowScalesUp(t *testing.T) {
	m, _ := newTestMonitor(t)
	fill(t, m, "crawler", 10, 50*time.Millisecond, false)

	rec, err := m.Recommend("crawler")
	require.NoError(t, err)

	assert.InDelta(t, 1.0, rec.Score, 1e-9)
	assert.Equal(t, DirectionUp, rec.Direction)
	// delta = max(1, ceil(0.3*4)) = 2
	assert.Equal(t, 6, rec.Recommended)
}

func TestErrorCeilingForcesScaleDownRegardlessOfLatency(t *testing.T) {
	m, _ := newTestMonitor(t)
	fill(t, m, "crawler", 7, 50*time.Millisecond, false)
	fill(t, m, "crawler", 3, 50*time.Millisecond, true)

	rec, err := m.Recommend("crawler")
	require.NoError(t, err)

	assert.InDelta(t, 0.3, rec.ErrorRate, 1e-9)
	assert.Equal(t, DirectionDown, rec.Direction)
	assert.Equal(t, 2, rec.Recommended) // 4 - ceil(0.3*4) = 2
}

func TestHysteresisBandHoldsSteady(t *testing.T) {
	m, _ := newTestMonitor(t)
	// 300ms vs 200ms target -> latency score 0.666, zero errors -> 0.833...
	// push latency so the blended score lands between thresholds.
	fill(t, m, "crawler", 10, 500*time.Millisecond, false)

	rec, err := m.Recommend("crawler")
	require.NoError(t, err)

	assert.Greater(t, rec.Score, 0.4)
	assert.Less(t, rec.Score, 0.8)
	assert.Equal(t, DirectionNone, rec.Direction)
	assert.Equal(t, 4, rec.Recommended)
}

func TestRateLimitingFreezesState(t *testing.T) {
	m, now := newTestMonitor(t)
	fill(t, m, "crawler", 10, 50*time.Millisecond, false)

	first, err := m.Recommend("crawler")
	require.NoError(t, err)
	require.Equal(t, DirectionUp, first.Direction)

	stateAfterFirst, err := m.State("crawler")
	require.NoError(t, err)

	// Second call lands inside the adjustment interval.
	*now = now.Add(5 * time.Second)
	second, err := m.Recommend("crawler")
	require.NoError(t, err)

	assert.True(t, second.RateLimited)
	assert.Equal(t, first.Recommended, second.Recommended)
	assert.Equal(t, DirectionNone, second.Direction)

	stateAfterSecond, err := m.State("crawler")
	require.NoError(t, err)
	assert.Equal(t, stateAfterFirst.LastAdjustmentAt, stateAfterSecond.LastAdjustmentAt)
	assert.Equal(t, stateAfterFirst.LearningRate, stateAfterSecond.LearningRate)
}

func TestMonotonicConvergenceToMax(t *testing.T) {
	m, now := newTestMonitor(t)
	fill(t, m, "crawler", 10, 50*time.Millisecond, false)

	previous := 4
	for i := 0; i < 30; i++ {
		*now = now.Add(16 * time.Second)
		rec, err := m.Recommend("crawler")
		require.NoError(t, err)

		assert.GreaterOrEqual(t, rec.Recommended, previous,
			"recommendations must be non-decreasing under a constant good feed")
		assert.LessOrEqual(t, rec.Recommended, 20)
		previous = rec.Recommended
	}
	assert.Equal(t, 20, previous, "controller must converge to max")
}

func TestBoundsInvariantUnderHostileFeed(t *testing.T) {
	m, now := newTestMonitor(t)

	for i := 0; i < 50; i++ {
		errored := i%2 == 0
		fill(t, m, "crawler", 10, time.Duration(50+i*40)*time.Millisecond, errored)

		*now = now.Add(16 * time.Second)
		rec, err := m.Recommend("crawler")
		require.NoError(t, err)

		state, err := m.State("crawler")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, state.Current, state.Min)
		assert.LessOrEqual(t, state.Current, state.Max)
		assert.GreaterOrEqual(t, rec.LearningRate, 0.05)
		assert.LessOrEqual(t, rec.LearningRate, 0.5)
	}
}

func TestOscillationHalvesLearningRate(t *testing.T) {
	m, now := newTestMonitor(t)

	feedGood := func() { fill(t, m, "crawler", 10, 50*time.Millisecond, false) }
	feedBad := func() { fill(t, m, "crawler", 10, 5*time.Second, true) }

	rates := []float64{}
	for i := 0; i < 8; i++ {
		if i%2 == 0 {
			feedGood()
		} else {
			feedBad()
		}
		*now = now.Add(16 * time.Second)
		rec, err := m.Recommend("crawler")
		require.NoError(t, err)
		if rec.Direction != DirectionNone {
			rates = append(rates, rec.LearningRate)
		}
	}

	require.GreaterOrEqual(t, len(rates), 4)
	for i := 1; i < len(rates); i++ {
		assert.LessOrEqual(t, rates[i], rates[i-1],
			"learning rate must not grow while the signal oscillates")
	}
	assert.Less(t, rates[len(rates)-1], rates[0],
		"sustained oscillation must shrink the learning rate")
	assert.GreaterOrEqual(t, rates[len(rates)-1], 0.05, "floor must hold")
}

func TestLearningRateRecoversTowardBaseline(t *testing.T) {
	m, now := newTestMonitor(t)

	// Drive the rate down with two reversals.
	fill(t, m, "crawler", 10, 50*time.Millisecond, false)
	*now = now.Add(16 * time.Second)
	_, err := m.Recommend("crawler")
	require.NoError(t, err)

	fill(t, m, "crawler", 10, 5*time.Second, true)
	*now = now.Add(16 * time.Second)
	_, err = m.Recommend("crawler")
	require.NoError(t, err)

	fill(t, m, "crawler", 10, 50*time.Millisecond, false)
	*now = now.Add(16 * time.Second)
	down, err := m.Recommend("crawler")
	require.NoError(t, err)
	require.Less(t, down.LearningRate, 0.3)

	// Now hold the feed steady; after the stable streak the rate climbs
	// back toward the baseline without exceeding the ceiling.
	last := down.LearningRate
	climbed := false
	for i := 0; i < 10; i++ {
		fill(t, m, "crawler", 10, 50*time.Millisecond, false)
		*now = now.Add(16 * time.Second)
		rec, err := m.Recommend("crawler")
		require.NoError(t, err)

		assert.LessOrEqual(t, rec.LearningRate, 0.5)
		if rec.LearningRate > last {
			climbed = true
		}
		last = rec.LearningRate
	}
	assert.True(t, climbed, "learning rate must recover toward baseline under a stable feed")
}

func TestRingBufferEvictsOldest(t *testing.T) {
	m, _ := newTestMonitor(t)

	// Fill the window with errors, then push them all out with successes.
	fill(t, m, "crawler", 10, 50*time.Millisecond, true)
	fill(t, m, "crawler", 10, 50*time.Millisecond, false)

	stats, err := m.Report("crawler")
	require.NoError(t, err)

	assert.Equal(t, 10, stats.SampleCount)
	assert.Zero(t, stats.ErrorRate)
}

func TestReportStatistics(t *testing.T) {
	m, _ := newTestMonitor(t)

	for i := 1; i <= 10; i++ {
		require.NoError(t, m.Record("crawler", Sample{
			ResponseTime: time.Duration(i*10) * time.Millisecond,
		}))
	}

	stats, err := m.Report("crawler")
	require.NoError(t, err)

	assert.Equal(t, 10, stats.SampleCount)
	assert.Equal(t, 55*time.Millisecond, stats.MeanLatency)
	assert.GreaterOrEqual(t, stats.P95Latency, 90*time.Millisecond)
	assert.Greater(t, stats.StdDevLatency, time.Duration(0))
	assert.Zero(t, stats.ErrorRate)
}

func TestSnapshotDoesNotCommit(t *testing.T) {
	m, _ := newTestMonitor(t)
	fill(t, m, "crawler", 10, 50*time.Millisecond, false)

	before, err := m.State("crawler")
	require.NoError(t, err)

	snap, err := m.Snapshot("crawler")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, snap.Score, 1e-9)

	after, err := m.State("crawler")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRegisterClampsInitial(t *testing.T) {
	m := NewMonitor(zap.NewNop(), testConfig())

	require.NoError(t, m.Register("a", 2, 10, 0))
	state, err := m.State("a")
	require.NoError(t, err)
	assert.Equal(t, 2, state.Current)

	require.NoError(t, m.Register("b", 2, 10, 50))
	state, err = m.State("b")
	require.NoError(t, err)
	assert.Equal(t, 10, state.Current)

	assert.Error(t, m.Register("a", 1, 5, 1), "duplicate registration must fail")
	assert.Error(t, m.Register("c", 5, 2, 3), "min > max must fail")
}

func TestConcurrentRecordDuringRecommend(t *testing.T) {
	m, now := newTestMonitor(t)
	fill(t, m, "crawler", 10, 50*time.Millisecond, false)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			m.Record("crawler", Sample{ResponseTime: 50 * time.Millisecond})
		}
	}()

	for i := 0; i < 20; i++ {
		*now = now.Add(16 * time.Second)
		_, err := m.Recommend("crawler")
		require.NoError(t, err)
	}
	<-done
}

func TestServicesSorted(t *testing.T) {
	m := NewMonitor(zap.NewNop(), testConfig())
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, m.Register(name, 1, 5, 1))
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, m.Services())
}

func BenchmarkRecord(b *testing.B) {
	m := NewMonitor(zap.NewNop(), DefaultConfig())
	if err := m.Register("bench", 1, 100, 10); err != nil {
		b.Fatal(err)
	}

	sample := Sample{ResponseTime: 100 * time.Millisecond}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := m.Record("bench", sample); err != nil {
			b.Fatal(err)
		}
	}
}
