package adaptive

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig returns thresholds that make the sizing rules easy to
// isolate: target 50ms, ceiling 100ms, jitter threshold 10ms.
func testConfig() *Config {
	return &Config{
		TargetLatency:   50 * time.Millisecond,
		MaxLatency:      100 * time.Millisecond,
		MinBuffer:       3,
		MaxBuffer:       20,
		JitterThreshold: 10 * time.Millisecond,
		TickInterval:    time.Second,
	}
}

// recordSteadyLatency pushes n identical latency samples so the derived
// jitter stays at zero.
func recordSteadyLatency(s *Synchronizer, latency time.Duration, n int) {
	base := time.Now()
	for i := 0; i < n; i++ {
		capture := base.Add(time.Duration(i) * 20 * time.Millisecond)
		s.RecordLatency(capture, capture.Add(latency))
	}
}

func TestQualityLevelString(t *testing.T) {
	tests := []struct {
		level    QualityLevel
		expected string
	}{
		{QualityExcellent, "Excellent"},
		{QualityGood, "Good"},
		{QualityFair, "Fair"},
		{QualityPoor, "Poor"},
		{QualityVeryPoor, "Very Poor"},
		{QualityLevel(999), "Unknown(999)"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.level.String())
	}
}

func TestNewDefaultsAndInitialDepth(t *testing.T) {
	s := New(nil)
	require.NotNil(t, s)

	// Starting depth is the midpoint of the default bounds.
	cfg := DefaultConfig()
	assert.Equal(t, (cfg.MinBuffer+cfg.MaxBuffer)/2, s.BufferDepth())
}

func TestEmptyWindowDefaults(t *testing.T) {
	s := New(testConfig())

	assert.Equal(t, 0.0, s.CurrentLatency())
	assert.Equal(t, 0.0, s.CurrentJitter())
	assert.Equal(t, 0.0, s.CurrentLossRate())
	assert.Equal(t, 100.0, s.CurrentQuality())
}

func TestJitterDerivedFromConsecutiveLatencies(t *testing.T) {
	s := New(testConfig())

	base := time.Now()
	s.RecordLatency(base, base.Add(10*time.Millisecond))
	s.RecordLatency(base, base.Add(30*time.Millisecond))
	s.RecordLatency(base, base.Add(20*time.Millisecond))

	// |30-10| = 20 and |20-30| = 10, mean 15.
	assert.InDelta(t, 15.0, s.CurrentJitter(), 1e-6)
	assert.InDelta(t, 20.0, s.CurrentLatency(), 1e-6)
}

func TestHighLatencyShrinksBufferByTwo(t *testing.T) {
	s := New(testConfig())
	start := s.BufferDepth()

	// Loss held in the neutral band so only the latency rule fires.
	s.RecordLossRate(2.0)
	recordSteadyLatency(s, 150*time.Millisecond, 10)

	s.Recalculate()
	assert.Equal(t, start-2, s.BufferDepth())
}

func TestVeryLowLatencyGrowsBufferByOne(t *testing.T) {
	s := New(testConfig())
	start := s.BufferDepth()

	s.RecordLossRate(2.0)
	recordSteadyLatency(s, 10*time.Millisecond, 10)

	s.Recalculate()
	assert.Equal(t, start+1, s.BufferDepth())
}

func TestHighLossGrowsBufferByTwo(t *testing.T) {
	s := New(testConfig())
	start := s.BufferDepth()

	// Latency pinned at target so no latency rule fires.
	recordSteadyLatency(s, 50*time.Millisecond, 10)
	for i := 0; i < 5; i++ {
		s.RecordLossRate(8.0)
	}

	s.Recalculate()
	assert.Equal(t, start+2, s.BufferDepth())
}

func TestLowLossShrinksBufferByOne(t *testing.T) {
	s := New(testConfig())
	start := s.BufferDepth()

	recordSteadyLatency(s, 50*time.Millisecond, 10)
	s.RecordLossRate(0.2)

	s.Recalculate()
	assert.Equal(t, start-1, s.BufferDepth())
}

func TestHighJitterGrowsBufferByOne(t *testing.T) {
	s := New(testConfig())
	start := s.BufferDepth()

	s.RecordLossRate(2.0)
	// Alternate latencies around the target: mean 50ms, jitter 40ms.
	base := time.Now()
	for i := 0; i < 10; i++ {
		latency := 30 * time.Millisecond
		if i%2 == 0 {
			latency = 70 * time.Millisecond
		}
		capture := base.Add(time.Duration(i) * 20 * time.Millisecond)
		s.RecordLatency(capture, capture.Add(latency))
	}

	s.Recalculate()
	assert.Equal(t, start+1, s.BufferDepth())
}

func TestDepthClampedAtMinBuffer(t *testing.T) {
	cfg := testConfig()
	s := New(cfg)
	s.ForceBufferSize(cfg.MinBuffer)

	s.RecordLossRate(2.0)
	recordSteadyLatency(s, 500*time.Millisecond, 10)

	s.Recalculate()
	assert.Equal(t, cfg.MinBuffer, s.BufferDepth())
}

func TestDepthClampedAtMaxBuffer(t *testing.T) {
	cfg := testConfig()
	s := New(cfg)
	s.ForceBufferSize(cfg.MaxBuffer)

	recordSteadyLatency(s, 50*time.Millisecond, 10)
	for i := 0; i < 5; i++ {
		s.RecordLossRate(20.0)
	}

	s.Recalculate()
	assert.Equal(t, cfg.MaxBuffer, s.BufferDepth())
}

func TestRecalculateNotifiesOnChange(t *testing.T) {
	s := New(testConfig())

	var mu sync.Mutex
	var notified []int
	s.SetNotify(func(depth int) {
		mu.Lock()
		notified = append(notified, depth)
		mu.Unlock()
	})

	s.RecordLossRate(2.0)
	recordSteadyLatency(s, 150*time.Millisecond, 10)

	before := s.BufferDepth()
	s.Recalculate()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, notified, 1)
	assert.Equal(t, before-2, notified[0])

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.Adjustments)
}

func TestRecalculateIsQuietWhenStable(t *testing.T) {
	s := New(testConfig())

	called := false
	s.SetNotify(func(int) { called = true })

	// Neutral conditions on every rule.
	recordSteadyLatency(s, 50*time.Millisecond, 10)
	s.RecordLossRate(2.0)

	s.Recalculate()
	assert.False(t, called)
	assert.Equal(t, uint64(0), s.Stats().Adjustments)
}

func TestForceBufferSizeClampsAndNotifies(t *testing.T) {
	cfg := testConfig()
	s := New(cfg)

	var got int
	s.SetNotify(func(depth int) { got = depth })

	s.ForceBufferSize(1000)
	assert.Equal(t, cfg.MaxBuffer, s.BufferDepth())
	assert.Equal(t, cfg.MaxBuffer, got)

	s.ForceBufferSize(-5)
	assert.Equal(t, cfg.MinBuffer, s.BufferDepth())
	assert.Equal(t, cfg.MinBuffer, got)
}

func TestQualityAssessmentExcellentUnderIdealConditions(t *testing.T) {
	s := New(testConfig())

	recordSteadyLatency(s, 5*time.Millisecond, 10)
	s.RecordLossRate(0)
	s.RecordQuality(100)

	assert.Equal(t, QualityExcellent, s.QualityAssessment())
}

func TestQualityAssessmentDegradesMonotonically(t *testing.T) {
	score := func(loss float64) float64 {
		s := New(testConfig())
		recordSteadyLatency(s, 50*time.Millisecond, 10)
		s.RecordLossRate(loss)
		s.RecordQuality(90)
		return s.overallScore()
	}

	prev := score(0)
	for _, loss := range []float64{2, 5, 8, 12, 20} {
		cur := score(loss)
		assert.LessOrEqual(t, cur, prev, "loss %.0f%% should not raise the score", loss)
		prev = cur
	}
}

func TestQualityAssessmentVeryPoorUnderSevereConditions(t *testing.T) {
	s := New(testConfig())

	recordSteadyLatency(s, 400*time.Millisecond, 10)
	for i := 0; i < 5; i++ {
		s.RecordLossRate(30)
	}
	s.RecordQuality(10)

	assert.Equal(t, QualityVeryPoor, s.QualityAssessment())
}

func TestDetectIssues(t *testing.T) {
	s := New(testConfig())
	assert.Empty(t, s.DetectIssues())

	recordSteadyLatency(s, 300*time.Millisecond, 5)
	s.RecordLossRate(12)
	s.RecordQuality(40)

	issues := s.DetectIssues()
	assert.Len(t, issues, 3)
}

func TestResetMeasurements(t *testing.T) {
	s := New(testConfig())

	recordSteadyLatency(s, 150*time.Millisecond, 10)
	s.RecordLossRate(2.0)
	s.Recalculate()
	require.Equal(t, uint64(1), s.Stats().Adjustments)

	depth := s.BufferDepth()
	s.ResetMeasurements()

	stats := s.Stats()
	assert.Equal(t, 0.0, stats.LatencyMs)
	assert.Equal(t, uint64(0), stats.Adjustments)
	assert.Equal(t, depth, s.BufferDepth())
}

func TestControlLoopTicksAndStops(t *testing.T) {
	cfg := testConfig()
	cfg.TickInterval = 20 * time.Millisecond
	s := New(cfg)

	var mu sync.Mutex
	notifications := 0
	s.SetNotify(func(int) {
		mu.Lock()
		notifications++
		mu.Unlock()
	})

	s.RecordLossRate(2.0)
	recordSteadyLatency(s, 150*time.Millisecond, 10)

	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), ErrAlreadyRunning)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return notifications >= 1
	}, 2*time.Second, 10*time.Millisecond)

	s.Stop()
	assert.False(t, s.Stats().Running)

	// Stopping twice is harmless.
	s.Stop()
}
