package features

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foursight/biolink/server/models"
)

func TestDetectPeaksSimple(t *testing.T) {
	// 1 Hz sine at 64 Hz sampling: one peak per second.
	fs := 64.0
	n := 10 * int(fs)
	signal := make([]float64, n)
	for i := range signal {
		signal[i] = math.Sin(2 * math.Pi * float64(i) / fs)
	}

	peaks := DetectPeaks(signal, fs)
	assert.Equal(t, 10, len(peaks))
	for i := 1; i < len(peaks); i++ {
		assert.GreaterOrEqual(t, peaks[i]-peaks[i-1], int(fs*60.0/maxHeartRateBPM))
	}
}

func TestDetectPeaksReplacesHigherNeighbor(t *testing.T) {
	// Two local maxima 5 samples apart, well inside the minimum distance at
	// 64 Hz (25 samples). The later, higher one must win.
	signal := make([]float64, 64)
	signal[10] = 1.0
	signal[15] = 2.0

	peaks := DetectPeaks(signal, 64.0)
	require.Len(t, peaks, 1)
	assert.Equal(t, 15, peaks[0])
}

func TestDetectPeaksKeepsLowerLateCandidateOut(t *testing.T) {
	signal := make([]float64, 64)
	signal[10] = 2.0
	signal[15] = 1.0

	peaks := DetectPeaks(signal, 64.0)
	require.Len(t, peaks, 1)
	assert.Equal(t, 10, peaks[0])
}

func TestDetectPeaksTooShort(t *testing.T) {
	assert.Nil(t, DetectPeaks([]float64{1, 2}, 64.0))
}

func TestRRIntervalsFiltersPhysiologicalRange(t *testing.T) {
	fs := 64.0
	// Gaps: 64 samples (1000ms, valid), 16 samples (250ms, too short),
	// 160 samples (2500ms, too long), 32 samples (500ms, valid).
	peaks := []int{0, 64, 80, 240, 272}
	rr := RRIntervals(peaks, fs)
	require.Len(t, rr, 2)
	assert.InDelta(t, 1000.0, rr[0], 1e-9)
	assert.InDelta(t, 500.0, rr[1], 1e-9)
}

func TestRRIntervalsSinglePeak(t *testing.T) {
	assert.Nil(t, RRIntervals([]int{5}, 64.0))
}

func TestSDNNIsPopulationStd(t *testing.T) {
	rr := []float64{800, 810, 790, 820, 780, 830, 770, 815, 795, 805}

	rec := &models.FeatureRecord{}
	fillHRV(rec, rr)

	// Direct population standard deviation, computed independently.
	var sum float64
	for _, v := range rr {
		sum += v
	}
	m := sum / float64(len(rr))
	var ss float64
	for _, v := range rr {
		ss += (v - m) * (v - m)
	}
	want := math.Sqrt(ss / float64(len(rr)))

	require.NotNil(t, rec.SDNN)
	assert.InDelta(t, want, *rec.SDNN, 1e-9)
}

func TestRMSSDWorkedExample(t *testing.T) {
	rec := &models.FeatureRecord{}
	fillHRV(rec, []float64{800, 850})

	require.NotNil(t, rec.RMSSD)
	assert.InDelta(t, 50.0, *rec.RMSSD, 1e-9)
}

func TestPoincareWorkedExample(t *testing.T) {
	// SDNN=50, SDSD=30 directly.
	sd1 := 30.0 / math.Sqrt2
	sd2 := math.Sqrt(2*50*50 - 0.5*30*30)

	assert.InDelta(t, 21.2132, sd1, 1e-3)
	assert.InDelta(t, 67.4537, sd2, 1e-3)

	// An RR series engineered to hit SDNN=50, SDSD=30 exactly is awkward;
	// instead verify the formulas as wired through fillHRV on a known
	// series by recomputing both inputs.
	rr := []float64{800, 850, 780, 830, 760, 840}
	rec := &models.FeatureRecord{}
	fillHRV(rec, rr)

	sdnn := stdPop(rr)
	sdsd := stdPop(diffs(rr))
	wantSD1 := sdsd / math.Sqrt2
	wantSD2 := math.Sqrt(math.Max(0, 2*sdnn*sdnn-0.5*sdsd*sdsd))

	require.NotNil(t, rec.SD1)
	require.NotNil(t, rec.SD2)
	require.NotNil(t, rec.PoincareArea)
	assert.InDelta(t, wantSD1, *rec.SD1, 1e-9)
	assert.InDelta(t, wantSD2, *rec.SD2, 1e-9)
	assert.InDelta(t, math.Pi*wantSD1*wantSD2, *rec.PoincareArea, 1e-9)
}

func TestSD2RadicandClampedToZero(t *testing.T) {
	// Alternating extremes make SDSD large relative to SDNN.
	rr := []float64{500, 1500, 500, 1500, 500}
	sdnn := stdPop(rr)
	sdsd := stdPop(diffs(rr))
	if 2*sdnn*sdnn-0.5*sdsd*sdsd >= 0 {
		t.Skip("series does not produce a negative radicand")
	}

	rec := &models.FeatureRecord{}
	fillHRV(rec, rr)
	require.NotNil(t, rec.SD2)
	assert.Equal(t, 0.0, *rec.SD2)
}

func TestPNNCounts(t *testing.T) {
	// Diffs: +60, -30, +10. |d|>50: 1 of 3; |d|>20: 2 of 3.
	rr := []float64{800, 860, 830, 840}
	rec := &models.FeatureRecord{}
	fillHRV(rec, rr)

	require.NotNil(t, rec.PNN50)
	require.NotNil(t, rec.PNN20)
	assert.InDelta(t, 100.0/3.0, *rec.PNN50, 1e-9)
	assert.InDelta(t, 200.0/3.0, *rec.PNN20, 1e-9)
}

func TestQualityScoreBounds(t *testing.T) {
	assert.Equal(t, 0.0, ComputeQualityScore(QualityInputs{}))

	one := 1.0
	half := 0.5
	over := 3.0
	under := -1.0

	full := ComputeQualityScore(QualityInputs{
		Amplitude:        &one,
		PeakPlausibility: &one,
		RRValidity:       &one,
		MotionVariance:   new(float64), // zero motion scores 1.0
	})
	assert.Equal(t, 1.0, full)

	// Components outside [0,1] are clamped before blending.
	clamped := ComputeQualityScore(QualityInputs{Amplitude: &over, RRValidity: &under})
	assert.GreaterOrEqual(t, clamped, 0.0)
	assert.LessOrEqual(t, clamped, 1.0)
	assert.InDelta(t, 0.5, clamped, 1e-9)

	partial := ComputeQualityScore(QualityInputs{Amplitude: &half})
	assert.InDelta(t, 0.5, partial, 1e-9)
}

func TestQualityMotionComponent(t *testing.T) {
	still := 0.0
	busy := 1.0
	assert.InDelta(t, 1.0, ComputeQualityScore(QualityInputs{MotionVariance: &still}), 1e-9)
	assert.Less(t, ComputeQualityScore(QualityInputs{MotionVariance: &busy}), 0.2)
}

func TestPeakPlausibility(t *testing.T) {
	// 27s window: plausible band is 18 to 67.5 peaks.
	assert.Equal(t, 1.0, peakPlausibility(32, 27))
	assert.Equal(t, 0.5, peakPlausibility(5, 27))
	assert.Equal(t, 0.5, peakPlausibility(90, 27))
	assert.Equal(t, 0.0, peakPlausibility(0, 27))
}

func TestMagnitudeAndAccelStats(t *testing.T) {
	x := []float64{1, 0, 0, 1}
	y := []float64{0, 1, 0, 0}
	z := []float64{0, 0, 1, 0}

	rec := &models.FeatureRecord{}
	intensity := fillAccel(rec, x, y, z)

	require.NotNil(t, rec.AccelMagnitudeMean)
	assert.InDelta(t, 1.0, *rec.AccelMagnitudeMean, 1e-9)
	assert.InDelta(t, 0.0, intensity, 1e-9)
	require.NotNil(t, rec.AccelEnergy)
	assert.InDelta(t, 4.0, *rec.AccelEnergy, 1e-9)
}

func TestStatsHelpers(t *testing.T) {
	assert.InDelta(t, 3.0, mean([]float64{1, 2, 3, 4, 5}), 1e-9)
	assert.InDelta(t, 2.0, stdPop([]float64{2, 4, 4, 4, 5, 5, 7, 9}), 1e-9)
	assert.InDelta(t, 2.5, medianOf([]float64{4, 1, 3, 2}), 1e-9)
	assert.InDelta(t, 50.0, rms([]float64{50, -50}), 1e-9)
	assert.Equal(t, []float64{2, -1}, diffs([]float64{1, 3, 2}))
	assert.Nil(t, diffs([]float64{7}))
}
