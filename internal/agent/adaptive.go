package agent

import "time"

// adaptiveTuner adjusts capture rate and JPEG quality from the measured
// end-to-end frame send duration. Slow sends back off hard, fast sends
// recover slowly.
type adaptiveTuner struct {
	fps     int
	quality int

	minFps     int
	maxFps     int
	minQuality int
	maxQuality int
}

func newAdaptiveTuner(minFps, maxFps, minQuality, maxQuality int) *adaptiveTuner {
	return &adaptiveTuner{
		fps:        maxFps / 2,
		quality:    (minQuality + maxQuality) / 2,
		minFps:     minFps,
		maxFps:     maxFps,
		minQuality: minQuality,
		maxQuality: maxQuality,
	}
}

func (t *adaptiveTuner) observe(sendDuration time.Duration) {
	ms := sendDuration.Milliseconds()
	switch {
	case ms > 220:
		t.fps -= 2
		t.quality -= 6
	case ms > 140:
		t.fps--
		t.quality -= 3
	case ms < 55:
		t.fps++
		t.quality++
	}
	t.fps = clampInt(t.fps, t.minFps, t.maxFps)
	t.quality = clampInt(t.quality, t.minQuality, t.maxQuality)
}

// interval is the capture period for the current rate.
func (t *adaptiveTuner) interval() time.Duration {
	return time.Second / time.Duration(t.fps)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
