package features

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/foursight/biolink/server/codec"
	"github.com/foursight/biolink/server/config"
	"github.com/foursight/biolink/server/dsp"
	"github.com/foursight/biolink/server/models"
)

const (
	// maxHeartRateBPM bounds how close two accepted peaks may be. At 150 BPM
	// the minimum beat-to-beat gap is 400ms.
	maxHeartRateBPM = 150.0

	// Physiological RR interval bounds in milliseconds. Intervals outside
	// this range are artifacts and are discarded before HRV statistics.
	minRRIntervalMs = 300.0
	maxRRIntervalMs = 2000.0

	// HRV statistics need at least this many peaks / valid intervals to be
	// meaningful. Below these counts all HRV fields stay nil.
	minPeaksForHRV = 3
	minValidRR     = 2
)

// Extractor turns raw window bytes into a flat feature record. It owns the
// decode, conditioning, peak detection and statistics stages; one instance is
// shared by all processing workers.
type Extractor struct {
	ppgRate   float64
	accelRate float64
	logger    *zap.Logger
}

func NewExtractor(cfg *config.Config, logger *zap.Logger) *Extractor {
	return &Extractor{
		ppgRate:   float64(cfg.Signal.PPGSampleRate),
		accelRate: float64(cfg.Signal.AccelSampleRate),
		logger:    logger,
	}
}

// Extract computes the feature record for one window. Either byte slice may
// be empty; whatever cannot be computed from the bytes that are present is
// left nil on the record. Extract itself never fails: a window with unusable
// PPG still carries motion features and a quality score.
func (e *Extractor) Extract(windowID string, ppgBytes, accelBytes []byte) *models.FeatureRecord {
	rec := &models.FeatureRecord{
		WindowID:  windowID,
		Timestamp: time.Now().UnixMilli(),
	}

	var q QualityInputs

	if len(ppgBytes) > 0 {
		ppg := codec.DecodePPG(ppgBytes)
		if n := len(ppg.Samples); n > 0 {
			rec.DurationMs = int64(float64(n) / e.ppgRate * 1000.0)

			conditioned := dsp.ConditionPPG(ppg.Samples, e.ppgRate)
			peaks := DetectPeaks(conditioned, e.ppgRate)
			rr := RRIntervals(peaks, e.ppgRate)

			q.Amplitude = models.Float(amplitudeScore(conditioned))
			q.PeakPlausibility = models.Float(peakPlausibility(len(peaks), float64(n)/e.ppgRate))
			if len(peaks) > 1 {
				q.RRValidity = models.Float(float64(len(rr)) / float64(len(peaks)-1))
			}

			rec.PeakCount = models.Int(len(peaks))
			rec.ValidRRCount = models.Int(len(rr))

			if len(peaks) >= minPeaksForHRV && len(rr) >= minValidRR {
				fillHRV(rec, rr)
			} else {
				e.logger.Debug("window below HRV threshold",
					zap.String("windowId", windowID),
					zap.Int("peaks", len(peaks)),
					zap.Int("validRR", len(rr)))
			}
		}
	}

	if len(accelBytes) > 0 {
		accel := codec.DecodeAccel(accelBytes)
		if len(accel.Samples) > 0 {
			x, y, z := accel.Axes()
			x = dsp.ConditionAccelAxis(x)
			y = dsp.ConditionAccelAxis(y)
			z = dsp.ConditionAccelAxis(z)

			intensity := fillAccel(rec, x, y, z)
			q.MotionVariance = models.Float(intensity)
		}
	}

	rec.QualityScore = ComputeQualityScore(q)
	return rec
}

// DetectPeaks finds local maxima in the conditioned PPG signal. A sample is a
// peak candidate when it is strictly greater than both neighbors. Candidates
// closer than the minimum distance to the last accepted peak are dropped,
// unless they are higher, in which case they replace it.
func DetectPeaks(signal []float64, sampleRate float64) []int {
	if len(signal) < 3 {
		return nil
	}
	minDist := int(sampleRate * 60.0 / maxHeartRateBPM)
	if minDist < 1 {
		minDist = 1
	}

	var peaks []int
	for i := 1; i < len(signal)-1; i++ {
		if !(signal[i] > signal[i-1] && signal[i] > signal[i+1]) {
			continue
		}
		if len(peaks) > 0 && i-peaks[len(peaks)-1] < minDist {
			if signal[i] > signal[peaks[len(peaks)-1]] {
				peaks[len(peaks)-1] = i
			}
			continue
		}
		peaks = append(peaks, i)
	}
	return peaks
}

// RRIntervals converts peak indices to beat-to-beat intervals in
// milliseconds, keeping only physiologically plausible values.
func RRIntervals(peaks []int, sampleRate float64) []float64 {
	if len(peaks) < 2 {
		return nil
	}
	var rr []float64
	for i := 1; i < len(peaks); i++ {
		ms := float64(peaks[i]-peaks[i-1]) / sampleRate * 1000.0
		if ms >= minRRIntervalMs && ms <= maxRRIntervalMs {
			rr = append(rr, ms)
		}
	}
	return rr
}

func fillHRV(rec *models.FeatureRecord, rr []float64) {
	hr := make([]float64, len(rr))
	for i, v := range rr {
		hr[i] = 60000.0 / v
	}
	hrLo, hrHi := minMax(hr)
	rec.HRMean = models.Float(mean(hr))
	rec.HRStd = models.Float(stdPop(hr))
	rec.HRMin = models.Float(hrLo)
	rec.HRMax = models.Float(hrHi)

	meanRR := mean(rr)
	sdnn := stdPop(rr)
	rrLo, rrHi := minMax(rr)
	rec.MeanRR = models.Float(meanRR)
	rec.MedianRR = models.Float(medianOf(rr))
	rec.RangeRR = models.Float(rrHi - rrLo)
	rec.IQRRR = models.Float(iqr(rr))
	rec.SDNN = models.Float(sdnn)

	var sdsd, rmssd float64
	d := diffs(rr)
	if len(d) > 0 {
		sdsd = stdPop(d)
		rmssd = rms(d)

		var nn50, nn20 int
		for _, x := range d {
			if math.Abs(x) > 50 {
				nn50++
			}
			if math.Abs(x) > 20 {
				nn20++
			}
		}
		rec.PNN50 = models.Float(float64(nn50) / float64(len(d)) * 100.0)
		rec.PNN20 = models.Float(float64(nn20) / float64(len(d)) * 100.0)
	} else {
		rec.PNN50 = models.Float(0)
		rec.PNN20 = models.Float(0)
	}
	rec.SDSD = models.Float(sdsd)
	rec.RMSSD = models.Float(rmssd)

	if meanRR > 0 {
		rec.CVNN = models.Float(sdnn / meanRR)
		rec.CVSD = models.Float(rmssd / meanRR)
	} else {
		rec.CVNN = models.Float(0)
		rec.CVSD = models.Float(0)
	}

	// Poincaré descriptors. The SD2 radicand is floored at zero so high
	// short-term variability never produces NaN.
	sd1 := sdsd / math.Sqrt2
	sd2 := math.Sqrt(math.Max(0, 2*sdnn*sdnn-0.5*sdsd*sdsd))
	rec.SD1 = models.Float(sd1)
	rec.SD2 = models.Float(sd2)
	if sd2 > 0 {
		rec.SD1SD2 = models.Float(sd1 / sd2)
	} else {
		rec.SD1SD2 = models.Float(0)
	}
	rec.PoincareArea = models.Float(math.Pi * sd1 * sd2)
}

// fillAccel populates the accelerometer statistics and returns the movement
// intensity for quality scoring.
func fillAccel(rec *models.FeatureRecord, x, y, z []float64) float64 {
	rec.AccelMeanX = models.Float(mean(x))
	rec.AccelMeanY = models.Float(mean(y))
	rec.AccelMeanZ = models.Float(mean(z))
	rec.AccelStdX = models.Float(stdPop(x))
	rec.AccelStdY = models.Float(stdPop(y))
	rec.AccelStdZ = models.Float(stdPop(z))

	mag := magnitude(x, y, z)
	magStd := stdPop(mag)
	rec.AccelMagnitudeMean = models.Float(mean(mag))
	rec.AccelMagnitudeStd = models.Float(magStd)
	_, hi := minMax(mag)
	rec.AccelMagnitudeMax = models.Float(hi)

	intensity := magStd * magStd
	rec.MovementIntensity = models.Float(intensity)

	var energy float64
	for _, m := range mag {
		energy += m * m
	}
	rec.AccelEnergy = models.Float(energy)

	return intensity
}

// magnitude is the per-sample Euclidean norm across the three axes.
func magnitude(x, y, z []float64) []float64 {
	n := len(x)
	if len(y) < n {
		n = len(y)
	}
	if len(z) < n {
		n = len(z)
	}
	mag := make([]float64, n)
	for i := 0; i < n; i++ {
		mag[i] = math.Sqrt(x[i]*x[i] + y[i]*y[i] + z[i]*z[i])
	}
	return mag
}
