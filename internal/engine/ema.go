package engine

import "time"

// emaAlpha is the smoothing factor for the canonical speed tracker. Applied
// uniformly to both the multi-segment and single-connection paths so
// neither degrades to a zero reported speed.
const emaAlpha = 0.3

// minSampleInterval avoids division artifacts from back-to-back samples.
const minSampleInterval = 50 * time.Millisecond

// speedTracker smooths instantaneous byte-rate samples into an
// exponential moving average and derives an ETA from it.
type speedTracker struct {
	ema            float64
	seeded         bool
	lastSampleTime time.Time
	lastBytes      int64
}

func newSpeedTracker(initialBytes int64) *speedTracker {
	return &speedTracker{lastSampleTime: time.Now(), lastBytes: initialBytes}
}

// Sample records dlBytes at now, updating the EMA if enough time has
// passed since the last sample, and returns the current EMA and ETA given
// totalSize.
func (t *speedTracker) Sample(now time.Time, dlBytes, totalSize int64) (speed float64, eta float64) {
	elapsed := now.Sub(t.lastSampleTime)
	if elapsed < minSampleInterval {
		return t.ema, t.etaFor(dlBytes, totalSize)
	}

	instant := float64(dlBytes-t.lastBytes) / elapsed.Seconds()
	if !t.seeded {
		t.ema = instant
		t.seeded = true
	} else {
		t.ema = emaAlpha*instant + (1-emaAlpha)*t.ema
	}
	t.lastSampleTime = now
	t.lastBytes = dlBytes

	return t.ema, t.etaFor(dlBytes, totalSize)
}

func (t *speedTracker) etaFor(dlBytes, totalSize int64) float64 {
	if t.ema <= 0 || totalSize <= 0 {
		return 0
	}
	remaining := totalSize - dlBytes
	if remaining <= 0 {
		return 0
	}
	return float64(remaining) / t.ema
}
