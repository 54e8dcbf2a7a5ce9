package vardiff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		TargetIntervalS:   10,
		EMAAlpha:          0.3,
		DeadBandLow:       0.8,
		DeadBandHigh:      1.2,
		Dampening:         0.5,
		CooldownS:         30,
		FastRampThreshold: 4.0,
		FastRampMaxJump:   64,
		MinDiff:           0.001,
		MaxDiff:           1000000,
	}
}

func TestStableRateNoChange(t *testing.T) {
	e := New(testConfig())
	s := NewState(1.0)
	start := time.Unix(1700000000, 0)

	for i := 0; i < 10; i++ {
		now := start.Add(time.Duration(i) * 10 * time.Second)
		r := e.RecordShare(s, now)
		require.False(t, r.Changed)
	}
	require.Greater(t, s.StableIntervals, int64(0))
	require.Equal(t, 1.0, s.CurrentDiff)
}

func TestFastRampCapsAtMaxJumpForFirstThreeAdjustments(t *testing.T) {
	e := New(testConfig())
	s := NewState(1.0)
	start := time.Unix(1700000000, 0)

	// 40 shares/sec against a 10s target is ratio 400 -- far past fast-ramp threshold.
	interval := 25 * time.Millisecond
	cooldownShares := int(time.Duration(testConfig().CooldownS) * time.Second / interval)
	now := start
	s.LastShareAt = now // anchor without consuming a cooldown window

	var lastDiff float64
	for i := 0; i < 3; i++ {
		// cross the cooldown boundary explicitly between adjustments, keeping
		// the 40/s share rate throughout
		if i > 0 {
			for j := 0; j < cooldownShares-1; j++ {
				now = now.Add(interval)
				e.RecordShare(s, now)
			}
		}
		now = now.Add(interval)
		r := e.RecordShare(s, now)
		require.True(t, r.Changed, "adjustment %d should change difficulty", i)
		lastDiff = r.NewDiff
	}

	require.InDelta(t, 1*64*64*64, lastDiff, 1e-6)
	require.Equal(t, 3, s.AdjustmentCount)
}

func TestRateInsideDeadBandLowEdgeNoChange(t *testing.T) {
	cfg := testConfig()
	e := New(cfg)

	s := NewState(1.0)
	s.initialized = true
	s.EMARate = cfg.DeadBandLow / cfg.TargetIntervalS
	s.LastShareAt = time.Unix(1700000000, 0)
	s.LastAdjustAt = s.LastShareAt

	r := e.RecordShare(s, s.LastShareAt.Add(10*time.Second))
	require.False(t, r.Changed)
}

func TestCooldownBlocksRapidAdjustment(t *testing.T) {
	e := New(testConfig())
	s := NewState(1.0)
	start := time.Unix(1700000000, 0)
	e.RecordShare(s, start) // first share anchors LastShareAt and LastAdjustAt

	now := start.Add(1 * time.Second)
	r := e.RecordShare(s, now) // establishes a high instantaneous rate, ratio > dead band
	require.False(t, r.Changed, "first post-anchor share only seeds the EMA")

	now = now.Add(1 * time.Second)
	r = e.RecordShare(s, now) // still within cooldown of LastAdjustAt
	require.False(t, r.Changed)
}

func TestClampsToMaxDiff(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDiff = 100
	e := New(cfg)
	s := NewState(50)
	s.initialized = true
	s.AdjustmentCount = 3 // past fast-ramp window, uses dampened formula
	s.EMARate = 100.0 / cfg.TargetIntervalS
	s.LastShareAt = time.Unix(1700000000, 0)
	s.LastAdjustAt = s.LastShareAt.Add(-1 * time.Hour)

	r := e.RecordShare(s, s.LastShareAt.Add(10*time.Second))
	require.True(t, r.Changed)
	require.LessOrEqual(t, r.NewDiff, 100.0)
}
