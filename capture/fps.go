package capture

import (
	"math"
	"time"
)

const (
	// A stream is stable when the FPS stddev is under 15% of the mean and
	// the mean jitter is under 20% of the expected frame interval.
	fpsStabilityThreshold    = 0.15
	jitterStabilityThreshold = 0.20
)

// FPSStats summarizes preview frame pacing over a window.
type FPSStats struct {
	Frames     int
	Duration   time.Duration
	Mean       float64
	StdDev     float64
	Min        float64
	Max        float64
	JitterMean float64 // seconds
	JitterMax  float64 // seconds
	Stable     bool
}

// CalculateFPSStats computes pacing statistics from frame arrival times.
func CalculateFPSStats(frameTimes []time.Time, window time.Duration) FPSStats {
	n := len(frameTimes)
	if n == 0 || window <= 0 {
		return FPSStats{Frames: n, Duration: window}
	}

	mean := float64(n) / window.Seconds()

	instant := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		if interval := frameTimes[i].Sub(frameTimes[i-1]).Seconds(); interval > 0 {
			instant = append(instant, 1.0/interval)
		}
	}
	if len(instant) == 0 {
		return FPSStats{Frames: n, Duration: window, Mean: mean}
	}

	lo, hi := instant[0], instant[0]
	var sumSquares float64
	for _, fps := range instant {
		lo = math.Min(lo, fps)
		hi = math.Max(hi, fps)
		d := fps - mean
		sumSquares += d * d
	}
	stddev := math.Sqrt(sumSquares / float64(len(instant)))

	expected := 1.0 / mean
	var jitterSum, jitterMax float64
	for i := 1; i < n; i++ {
		j := math.Abs(frameTimes[i].Sub(frameTimes[i-1]).Seconds() - expected)
		jitterSum += j
		jitterMax = math.Max(jitterMax, j)
	}
	jitterMean := jitterSum / float64(n-1)

	return FPSStats{
		Frames:     n,
		Duration:   window,
		Mean:       mean,
		StdDev:     stddev,
		Min:        lo,
		Max:        hi,
		JitterMean: jitterMean,
		JitterMax:  jitterMax,
		Stable:     stddev < mean*fpsStabilityThreshold && jitterMean < expected*jitterStabilityThreshold,
	}
}

// frameWindow keeps the arrival times of the last size frames.
type frameWindow struct {
	times []time.Time
	size  int
}

func newFrameWindow(size int) *frameWindow {
	return &frameWindow{times: make([]time.Time, 0, size), size: size}
}

func (w *frameWindow) add(t time.Time) {
	if len(w.times) == w.size {
		copy(w.times, w.times[1:])
		w.times = w.times[:w.size-1]
	}
	w.times = append(w.times, t)
}

func (w *frameWindow) reset() { w.times = w.times[:0] }

// stats computes FPS over the span of the window.
func (w *frameWindow) stats() FPSStats {
	if len(w.times) < 2 {
		return FPSStats{Frames: len(w.times)}
	}
	span := w.times[len(w.times)-1].Sub(w.times[0])
	// n frames span n-1 intervals; scale so Mean is frames per second.
	window := span * time.Duration(len(w.times)) / time.Duration(len(w.times)-1)
	return CalculateFPSStats(w.times, window)
}
