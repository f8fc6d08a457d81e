package dsp

import (
	"math"
	"sort"
)

// Conditioning parameters. These were tuned against real wrist-worn
// hardware; treat them as configuration, not derived values.
const (
	clipLowPercentile  = 2.0
	clipHighPercentile = 98.0

	outlierWindow    = 11
	outlierThreshold = 5.0
	outlierMaxIter   = 3

	spikeFactor = 8.0

	medianWindow = 3

	smoothWindow = 5

	highPassCutoff = 0.5
	bandLow        = 0.5
	bandHigh       = 8.0
)

// ConditionPPG runs the full ordered conditioning chain on a raw PPG
// signal. Order matters: each stage assumes the previous stage's output.
func ConditionPPG(sig []float64, fs float64) []float64 {
	out := RepairClipping(sig)
	out = ReplaceOutliers(out, outlierWindow, outlierThreshold, outlierMaxIter)
	out = RemoveSpikes(out, spikeFactor)
	out = MedianFilter(out, medianWindow)
	out = HighPass(out, highPassCutoff, fs)
	out = BandPass(out, bandLow, bandHigh, fs)
	out = SmoothPreservePeaks(out, smoothWindow)
	return out
}

// ConditionAccelAxis conditions a single accelerometer axis: outlier
// replacement and median filtering only, leaving slow posture changes
// intact.
func ConditionAccelAxis(sig []float64) []float64 {
	out := ReplaceOutliers(sig, outlierWindow, outlierThreshold, outlierMaxIter)
	return MedianFilter(out, medianWindow)
}

// RepairClipping finds saturated spans: samples at the extreme percentiles
// that are also flat relative to a neighbor, then linearly interpolates
// across them using only unflagged samples as anchors.
func RepairClipping(sig []float64) []float64 {
	if len(sig) < 3 {
		return copySignal(sig)
	}

	low := percentile(sig, clipLowPercentile)
	high := percentile(sig, clipHighPercentile)

	flagged := make([]bool, len(sig))
	for i := range sig {
		extreme := sig[i] <= low || sig[i] >= high
		if !extreme {
			continue
		}
		flat := false
		if i > 0 && sig[i] == sig[i-1] {
			flat = true
		}
		if i < len(sig)-1 && sig[i] == sig[i+1] {
			flat = true
		}
		if flat {
			flagged[i] = true
		}
	}

	return interpolateFlagged(sig, flagged)
}

// ReplaceOutliers repeatedly replaces samples deviating from the local
// sliding-window median by more than threshold MADs, up to maxIter passes
// or until a pass finds no new outliers.
func ReplaceOutliers(sig []float64, window int, threshold float64, maxIter int) []float64 {
	if len(sig) < window || window < 3 {
		return copySignal(sig)
	}

	out := copySignal(sig)
	half := window / 2

	for iter := 0; iter < maxIter; iter++ {
		flagged := make([]bool, len(out))
		found := false

		for i := range out {
			lo := i - half
			if lo < 0 {
				lo = 0
			}
			hi := i + half + 1
			if hi > len(out) {
				hi = len(out)
			}
			med := median(out[lo:hi])
			mad := medianAbsDeviation(out[lo:hi], med)
			if mad == 0 {
				continue
			}
			if math.Abs(out[i]-med) > threshold*mad {
				flagged[i] = true
				found = true
			}
		}

		if !found {
			break
		}
		out = interpolateFlagged(out, flagged)
	}

	return out
}

// RemoveSpikes flags samples whose first difference exceeds a multiple of
// the median absolute difference, then interpolates across them.
func RemoveSpikes(sig []float64, factor float64) []float64 {
	if len(sig) < 3 {
		return copySignal(sig)
	}

	diffs := make([]float64, len(sig)-1)
	for i := 1; i < len(sig); i++ {
		diffs[i-1] = math.Abs(sig[i] - sig[i-1])
	}
	medDiff := median(diffs)
	if medDiff == 0 {
		return copySignal(sig)
	}

	flagged := make([]bool, len(sig))
	for i := 1; i < len(sig); i++ {
		if math.Abs(sig[i]-sig[i-1]) > factor*medDiff {
			flagged[i] = true
		}
	}

	return interpolateFlagged(sig, flagged)
}

// MedianFilter applies a sliding-window median. Signals shorter than the
// window pass through unchanged.
func MedianFilter(sig []float64, window int) []float64 {
	if len(sig) < window || window < 3 {
		return copySignal(sig)
	}

	out := make([]float64, len(sig))
	half := window / 2
	for i := range sig {
		lo := i - half
		if lo < 0 {
			lo = 0
		}
		hi := i + half + 1
		if hi > len(sig) {
			hi = len(sig)
		}
		out[i] = median(sig[lo:hi])
	}
	return out
}

// SmoothPreservePeaks smooths with a parabolic weight kernel that leaves
// most of a peak's amplitude intact while flattening high-frequency
// ripple between beats.
func SmoothPreservePeaks(sig []float64, window int) []float64 {
	if len(sig) < window || window < 3 {
		return copySignal(sig)
	}

	half := window / 2
	weights := make([]float64, window)
	for k := 0; k < window; k++ {
		d := float64(k-half) / float64(half+1)
		weights[k] = 1 - d*d
	}

	out := make([]float64, len(sig))
	for i := range sig {
		var sum, wsum float64
		for k := 0; k < window; k++ {
			j := i + k - half
			if j < 0 || j >= len(sig) {
				continue
			}
			sum += sig[j] * weights[k]
			wsum += weights[k]
		}
		if wsum == 0 {
			out[i] = sig[i]
			continue
		}
		out[i] = sum / wsum
	}
	return out
}

// interpolateFlagged rebuilds flagged samples by linear interpolation
// between the nearest unflagged anchors. Flagged runs at either edge take
// the nearest anchor's value. A fully flagged signal is returned as-is.
func interpolateFlagged(sig []float64, flagged []bool) []float64 {
	out := copySignal(sig)

	anchors := make([]int, 0, len(sig))
	for i, f := range flagged {
		if !f {
			anchors = append(anchors, i)
		}
	}
	if len(anchors) == 0 {
		return out
	}

	for i, f := range flagged {
		if !f {
			continue
		}
		// nearest anchors either side
		pos := sort.SearchInts(anchors, i)
		switch {
		case pos == 0:
			out[i] = sig[anchors[0]]
		case pos == len(anchors):
			out[i] = sig[anchors[len(anchors)-1]]
		default:
			left, right := anchors[pos-1], anchors[pos]
			t := float64(i-left) / float64(right-left)
			out[i] = sig[left] + t*(sig[right]-sig[left])
		}
	}

	return out
}

func percentile(sig []float64, p float64) float64 {
	if len(sig) == 0 {
		return 0
	}
	sorted := copySignal(sig)
	sort.Float64s(sorted)

	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

func median(sig []float64) float64 {
	if len(sig) == 0 {
		return 0
	}
	sorted := copySignal(sig)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func medianAbsDeviation(sig []float64, med float64) float64 {
	devs := make([]float64, len(sig))
	for i, v := range sig {
		devs[i] = math.Abs(v - med)
	}
	return median(devs)
}
