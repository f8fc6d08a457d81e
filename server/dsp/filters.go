package dsp

import "math"

// minFilterLen mirrors the shortest input a forward-backward biquad pass
// can handle without edge transients dominating; shorter signals pass
// through untouched.
const minFilterLen = 24

type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
}

// newHighPass and newLowPass build RBJ-cookbook second-order sections with
// a Butterworth Q. The cutoff is clamped into (0, nyquist) the same way
// the analysis pipeline clamps normalized frequencies.
func newHighPass(cutoff, fs float64) biquad {
	w0 := 2 * math.Pi * clampCutoff(cutoff, fs) / fs
	return highLowSection(w0, true)
}

func newLowPass(cutoff, fs float64) biquad {
	w0 := 2 * math.Pi * clampCutoff(cutoff, fs) / fs
	return highLowSection(w0, false)
}

func clampCutoff(cutoff, fs float64) float64 {
	nyquist := fs / 2
	if cutoff >= nyquist {
		cutoff = 0.99 * nyquist
	}
	if cutoff <= 0 {
		cutoff = 0.01 * nyquist
	}
	return cutoff
}

func highLowSection(w0 float64, highpass bool) biquad {
	const q = math.Sqrt2 / 2
	cosw := math.Cos(w0)
	alpha := math.Sin(w0) / (2 * q)
	a0 := 1 + alpha

	var b0, b1 float64
	if highpass {
		b0 = (1 + cosw) / 2
		b1 = -(1 + cosw)
	} else {
		b0 = (1 - cosw) / 2
		b1 = 1 - cosw
	}

	return biquad{
		b0: b0 / a0,
		b1: b1 / a0,
		b2: b0 / a0,
		a1: -2 * cosw / a0,
		a2: (1 - alpha) / a0,
	}
}

func (f biquad) apply(sig []float64) []float64 {
	out := make([]float64, len(sig))
	var x1, x2, y1, y2 float64
	for i, x := range sig {
		y := f.b0*x + f.b1*x1 + f.b2*x2 - f.a1*y1 - f.a2*y2
		x2, x1 = x1, x
		y2, y1 = y1, y
		out[i] = y
	}
	return out
}

// filtfilt runs the section forward then backward for zero phase shift,
// matching the offline pipeline's behavior closely enough for peak timing.
func filtfilt(f biquad, sig []float64) []float64 {
	if len(sig) < minFilterLen {
		return copySignal(sig)
	}
	forward := f.apply(sig)
	reverse(forward)
	backward := f.apply(forward)
	reverse(backward)
	return backward
}

// HighPass removes baseline wander below cutoff Hz.
func HighPass(sig []float64, cutoff, fs float64) []float64 {
	return filtfilt(newHighPass(cutoff, fs), sig)
}

// LowPass attenuates content above cutoff Hz.
func LowPass(sig []float64, cutoff, fs float64) []float64 {
	return filtfilt(newLowPass(cutoff, fs), sig)
}

// BandPass isolates the band [low, high] Hz as a high-pass/low-pass
// cascade.
func BandPass(sig []float64, low, high, fs float64) []float64 {
	return LowPass(HighPass(sig, low, fs), high, fs)
}

func reverse(sig []float64) {
	for i, j := 0, len(sig)-1; i < j; i, j = i+1, j-1 {
		sig[i], sig[j] = sig[j], sig[i]
	}
}

func copySignal(sig []float64) []float64 {
	out := make([]float64, len(sig))
	copy(out, sig)
	return out
}
