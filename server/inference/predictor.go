package inference

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/foursight/biolink/server/models"
)

// epsilon guards the derived-ratio denominators against division by zero.
const epsilon = 1e-6

// Susceptibility and time-to-risk clamp bounds.
const (
	minTimeToRisk = 3.0
	maxTimeToRisk = 30.0
)

// Engine runs the exported tree ensembles over one feature record at a time.
// It is stateless after construction and safe for concurrent use.
type Engine struct {
	export *Export
	logger *zap.Logger
}

func NewEngine(export *Export, logger *zap.Logger) (*Engine, error) {
	for _, dim := range models.DimensionNames {
		if _, ok := export.Classifiers[dim]; !ok {
			return nil, fmt.Errorf("model bundle missing classifier %q", dim)
		}
	}
	for _, reg := range []string{"susceptibility", "time_to_risk", "time_lower_bound", "time_upper_bound"} {
		if _, ok := export.Regressors[reg]; !ok {
			return nil, fmt.Errorf("model bundle missing regressor %q", reg)
		}
	}
	return &Engine{export: export, logger: logger}, nil
}

// Predict scores one feature record across all five risk dimensions and the
// susceptibility/time regressors.
func (e *Engine) Predict(rec *models.FeatureRecord) *models.RiskPrediction {
	x := e.Vector(rec)
	e.export.Scaler.Transform(x)

	pred := &models.RiskPrediction{
		WindowID:   rec.WindowID,
		Timestamp:  rec.Timestamp,
		Dimensions: make(map[string]models.DimensionScore, len(models.DimensionNames)),
	}

	var confSum, confMin float64
	confMin = math.Inf(1)
	for _, dim := range models.DimensionNames {
		booster := e.export.Classifiers[dim]
		scores := classScores(booster.Trees(), x, e.export.Config.NClasses, booster.BaseScore())
		probs := softmax(scores)

		level := 0
		for i, p := range probs {
			if p > probs[level] {
				level = i
			}
		}
		score := models.DimensionScore{
			Level:         level,
			Label:         e.export.Config.RiskLabels[level],
			Confidence:    probs[level],
			Probabilities: probs,
		}
		pred.Dimensions[dim] = score
		confSum += score.Confidence
		if score.Confidence < confMin {
			confMin = score.Confidence
		}
	}
	pred.Confidence = models.ModelConfidence{
		Average: confSum / float64(len(models.DimensionNames)),
		Min:     confMin,
	}

	pred.Susceptibility = clamp(e.regress("susceptibility", x), 0, 1)

	t := clamp(e.regress("time_to_risk", x), minTimeToRisk, maxTimeToRisk)
	pred.TimeToRisk = models.TimeToRisk{
		Minutes: t,
		Lower:   clamp(e.regress("time_lower_bound", x), minTimeToRisk, t),
		Upper:   clamp(e.regress("time_upper_bound", x), t, maxTimeToRisk),
	}

	pred.AlertLevel = AlertLevel(pred.Susceptibility, e.export.Config.AlertThresholds)
	return pred
}

func (e *Engine) regress(name string, x []float64) float64 {
	booster := e.export.Regressors[name]
	return sumScores(booster.Trees(), x) + booster.BaseScore()
}

// AlertLevel maps susceptibility onto the configured monotonic threshold
// ladder.
func AlertLevel(susceptibility float64, t AlertThresholds) string {
	switch {
	case susceptibility >= t.Critical:
		return "critical"
	case susceptibility >= t.High:
		return "high"
	case susceptibility >= t.Moderate:
		return "moderate"
	case susceptibility >= t.Low:
		return "low"
	default:
		return "none"
	}
}

// Vector assembles the 36-entry feature vector: the 27 base record fields in
// export order with nils coerced to zero, then the nine derived ratios.
func (e *Engine) Vector(rec *models.FeatureRecord) []float64 {
	v := func(f *float64) float64 { return models.Value(f, 0) }
	vi := func(f *int) float64 {
		if f == nil {
			return 0
		}
		return float64(*f)
	}

	hrMean := v(rec.HRMean)
	hrStd := v(rec.HRStd)
	sdnn := v(rec.SDNN)
	rmssd := v(rec.RMSSD)
	sd1 := v(rec.SD1)
	sd2 := v(rec.SD2)
	pnn50 := v(rec.PNN50)
	magMean := v(rec.AccelMagnitudeMean)
	magStd := v(rec.AccelMagnitudeStd)
	intensity := v(rec.MovementIntensity)

	hrCV := 0.0
	if hrMean != 0 {
		hrCV = hrStd / hrMean
	}

	return []float64{
		// HRV
		hrMean, hrStd, v(rec.HRMin), v(rec.HRMax),
		v(rec.MeanRR), sdnn, rmssd, v(rec.SDSD),
		pnn50, v(rec.PNN20), v(rec.CVNN), v(rec.CVSD),
		v(rec.MedianRR), v(rec.RangeRR), v(rec.IQRRR),
		sd1, sd2, v(rec.SD1SD2), v(rec.PoincareArea),
		// Accelerometer
		v(rec.AccelEnergy), v(rec.AccelMagnitudeMax), magMean,
		magStd, intensity,
		// Quality
		vi(rec.PeakCount), vi(rec.ValidRRCount), rec.QualityScore,
		// Derived
		hrStd / (hrMean + epsilon),
		hrCV,
		rmssd / (sdnn + epsilon),
		math.Sqrt(sdnn*sdnn + rmssd*rmssd),
		sd1 / (sd2 + epsilon),
		magStd / (magMean + epsilon),
		(pnn50 / 100.0) * rmssd,
		hrMean / (intensity + epsilon),
		sdnn * rec.QualityScore,
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
