package models

// Risk dimension names, in the order the exported model emits them.
const (
	DimStress           = "stress"
	DimHealth           = "health"
	DimSleepFatigue     = "sleep_fatigue"
	DimCognitiveFatigue = "cognitive_fatigue"
	DimPhysicalExertion = "physical_exertion"
)

// DimensionNames lists the five classifier dimensions in model order.
var DimensionNames = []string{
	DimStress,
	DimHealth,
	DimSleepFatigue,
	DimCognitiveFatigue,
	DimPhysicalExertion,
}

// DimensionScore is one classifier dimension's output: the argmax level,
// its human label, the winning probability and the full distribution.
type DimensionScore struct {
	Level         int       `json:"level"`
	Label         string    `json:"label"`
	Confidence    float64   `json:"confidence"`
	Probabilities []float64 `json:"probabilities"`
}

// TimeToRisk is the regression point estimate in minutes with an
// asymmetric confidence interval around it.
type TimeToRisk struct {
	Minutes float64 `json:"minutes"`
	Lower   float64 `json:"lower"`
	Upper   float64 `json:"upper"`
}

// ModelConfidence summarizes classifier confidence across dimensions.
type ModelConfidence struct {
	Average float64 `json:"average"`
	Min     float64 `json:"min"`
}

// RiskPrediction is the full model output for one window, or the rolling
// aggregate across recent windows.
type RiskPrediction struct {
	WindowID       string                    `json:"windowId,omitempty"`
	Timestamp      int64                     `json:"timestamp"`
	Dimensions     map[string]DimensionScore `json:"dimensions"`
	Susceptibility float64                   `json:"susceptibility"`
	TimeToRisk     TimeToRisk                `json:"timeToRisk"`
	AlertLevel     string                    `json:"alertLevel"`
	Confidence     ModelConfidence           `json:"modelConfidence"`
	WindowsUsed    int                       `json:"windowsUsed,omitempty"`
}
