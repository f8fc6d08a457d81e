package models

// FeatureRecord holds the biosignal features extracted from one recording
// window. Pointer fields are nil when the underlying sensor stream was
// absent or too poor to analyze; nil must be preserved downstream and is
// distinct from zero.
type FeatureRecord struct {
	WindowID   string `json:"windowId"`
	Timestamp  int64  `json:"timestamp"`
	DurationMs int64  `json:"durationMs"`

	// Heart rate statistics (BPM)
	HRMean *float64 `json:"hrMean"`
	HRStd  *float64 `json:"hrStd"`
	HRMin  *float64 `json:"hrMin"`
	HRMax  *float64 `json:"hrMax"`

	// RR interval statistics (ms)
	MeanRR   *float64 `json:"meanRR"`
	MedianRR *float64 `json:"medianRR"`
	RangeRR  *float64 `json:"rangeRR"`
	IQRRR    *float64 `json:"iqrRR"`
	SDNN     *float64 `json:"sdnn"`
	RMSSD    *float64 `json:"rmssd"`
	SDSD     *float64 `json:"sdsd"`
	PNN50    *float64 `json:"pnn50"`
	PNN20    *float64 `json:"pnn20"`
	CVNN     *float64 `json:"cvnn"`
	CVSD     *float64 `json:"cvsd"`

	// Poincaré (nonlinear) statistics
	SD1          *float64 `json:"sd1"`
	SD2          *float64 `json:"sd2"`
	SD1SD2       *float64 `json:"sd1sd2"`
	PoincareArea *float64 `json:"poincareArea"`

	// Accelerometer statistics (g units)
	AccelMeanX         *float64 `json:"accelMeanX"`
	AccelMeanY         *float64 `json:"accelMeanY"`
	AccelMeanZ         *float64 `json:"accelMeanZ"`
	AccelStdX          *float64 `json:"accelStdX"`
	AccelStdY          *float64 `json:"accelStdY"`
	AccelStdZ          *float64 `json:"accelStdZ"`
	AccelMagnitudeMean *float64 `json:"accelMagnitudeMean"`
	AccelMagnitudeStd  *float64 `json:"accelMagnitudeStd"`
	AccelMagnitudeMax  *float64 `json:"accelMagnitudeMax"`
	MovementIntensity  *float64 `json:"movementIntensity"`
	AccelEnergy        *float64 `json:"accelEnergy"`

	// Quality metrics
	PeakCount    *int    `json:"peakCount"`
	ValidRRCount *int    `json:"validRRCount"`
	QualityScore float64 `json:"qualityScore"`
}

// HasHRV reports whether the PPG side of the record produced usable
// heart-rate-variability statistics.
func (r *FeatureRecord) HasHRV() bool {
	return r.SDNN != nil && r.MeanRR != nil
}

// HasMotion reports whether accelerometer statistics are present.
func (r *FeatureRecord) HasMotion() bool {
	return r.AccelMagnitudeMean != nil
}

// Value dereferences an optional field, returning fallback when nil.
func Value(f *float64, fallback float64) float64 {
	if f == nil {
		return fallback
	}
	return *f
}

// Float returns a pointer to v, for populating optional fields.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }
