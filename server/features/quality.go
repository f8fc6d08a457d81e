package features

import "math"

// Expected heart-rate band used for peak-count plausibility, in BPM.
const (
	plausibleHRLow  = 40.0
	plausibleHRHigh = 150.0
)

// motionVarianceScale controls how quickly motion degrades the quality
// score; variance of 0.1 g² roughly halves the motion component.
const motionVarianceScale = 10.0

// QualityInputs are the four independently optional signals blended into the
// quality score. A nil field means that signal was unavailable and its weight
// is redistributed over the others.
type QualityInputs struct {
	Amplitude        *float64 // PPG amplitude score in [0,1]
	PeakPlausibility *float64 // peak-count plausibility in [0,1]
	RRValidity       *float64 // valid RR / (peaks-1)
	MotionVariance   *float64 // movement intensity (magnitude variance, g²)
}

// ComputeQualityScore blends the available signals with equal weights,
// renormalized over the subset actually present. All four absent yields
// exactly 0.
func ComputeQualityScore(in QualityInputs) float64 {
	var sum, weight float64

	add := func(score float64) {
		sum += clamp01(score)
		weight += 1.0
	}

	if in.Amplitude != nil {
		add(*in.Amplitude)
	}
	if in.PeakPlausibility != nil {
		add(*in.PeakPlausibility)
	}
	if in.RRValidity != nil {
		add(*in.RRValidity)
	}
	if in.MotionVariance != nil {
		add(1.0 / (1.0 + motionVarianceScale*math.Max(0, *in.MotionVariance)))
	}

	if weight == 0 {
		return 0.0
	}
	return clamp01(sum / weight)
}

// amplitudeScore rates the conditioned PPG by how much of its full range the
// interquartile range covers. Flat or spike-dominated signals score low.
func amplitudeScore(signal []float64) float64 {
	if len(signal) < 4 {
		return 0
	}
	lo, hi := minMax(signal)
	span := hi - lo
	if span <= 0 {
		return 0
	}
	// A clean pulsatile waveform keeps its IQR at roughly half the full
	// range; scale so that ratio maps to a full score.
	return clamp01(iqr(signal) / span * 2.0)
}

// peakPlausibility checks the detected peak count against the count implied
// by the plausible heart-rate band over the window duration.
func peakPlausibility(peakCount int, durationSec float64) float64 {
	if durationSec <= 0 {
		return 0
	}
	minExpected := plausibleHRLow / 60.0 * durationSec
	maxExpected := plausibleHRHigh / 60.0 * durationSec
	switch {
	case float64(peakCount) >= minExpected && float64(peakCount) <= maxExpected:
		return 1.0
	case peakCount > 0:
		return 0.5
	default:
		return 0.0
	}
}

func clamp01(v float64) float64 {
	return math.Min(1.0, math.Max(0.0, v))
}
