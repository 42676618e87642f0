package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSpeedTrackerFirstSampleSeedsEMA(t *testing.T) {
	tr := newSpeedTracker(0)
	start := tr.lastSampleTime

	speed, eta := tr.Sample(start.Add(100*time.Millisecond), 1000, 10000)
	assert.InDelta(t, 10000, speed, 1) // 1000 bytes / 0.1s
	assert.Greater(t, eta, 0.0)
}

func TestSpeedTrackerIgnoresTooFrequentSamples(t *testing.T) {
	tr := newSpeedTracker(0)
	start := tr.lastSampleTime

	tr.Sample(start.Add(100*time.Millisecond), 1000, 10000)
	speed, _ := tr.Sample(start.Add(110*time.Millisecond), 5000, 10000)
	// Second sample lands within minSampleInterval of the first accepted
	// sample, so it returns the unchanged EMA instead of a re-computed rate.
	assert.InDelta(t, 10000, speed, 1)
}

func TestSpeedTrackerSmoothsTowardNewRate(t *testing.T) {
	tr := newSpeedTracker(0)
	start := tr.lastSampleTime

	tr.Sample(start.Add(100*time.Millisecond), 1000, 100000) // seeds EMA at 10000 B/s
	speed, _ := tr.Sample(start.Add(300*time.Millisecond), 21000, 100000)
	// instant = (21000-1000)/0.2s = 100000 B/s; ema = 0.3*100000 + 0.7*10000
	assert.InDelta(t, 37000, speed, 1)
}

func TestSpeedTrackerETAZeroWhenUnknownTotalOrDone(t *testing.T) {
	tr := newSpeedTracker(0)
	start := tr.lastSampleTime
	_, eta := tr.Sample(start.Add(100*time.Millisecond), 1000, 0)
	assert.Zero(t, eta)

	tr2 := newSpeedTracker(0)
	start2 := tr2.lastSampleTime
	_, eta2 := tr2.Sample(start2.Add(100*time.Millisecond), 10000, 10000)
	assert.Zero(t, eta2)
}
