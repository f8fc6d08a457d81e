package inference

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Export is the on-disk model bundle: nine gradient-boosted ensembles (five
// 4-class classifiers, four regressors) plus the feature scaler and runtime
// configuration, all produced by the training pipeline's export step.
type Export struct {
	Version      string             `json:"version"`
	FeatureOrder []string           `json:"featureOrder"`
	Scaler       Scaler             `json:"scaler"`
	Classifiers  map[string]Booster `json:"classifiers"`
	Regressors   map[string]Booster `json:"regressors"`
	Config       ExportConfig       `json:"config"`
}

// Scaler holds per-feature robust scaling parameters: subtract the center
// (training median), divide by the scale (training IQR).
type Scaler struct {
	Center []float64 `json:"center"`
	Scale  []float64 `json:"scale"`
}

// Transform scales a feature vector in place.
func (s Scaler) Transform(x []float64) {
	for i := range x {
		if i >= len(s.Center) || i >= len(s.Scale) {
			break
		}
		scale := s.Scale[i]
		if scale == 0 {
			scale = 1
		}
		x[i] = (x[i] - s.Center[i]) / scale
	}
}

type ExportConfig struct {
	NClasses        int                `json:"nClasses"`
	RiskWeights     map[string]float64 `json:"riskWeights"`
	RiskLabels      []string           `json:"riskLabels"`
	AlertThresholds AlertThresholds    `json:"alertThresholds"`
}

type AlertThresholds struct {
	Critical float64 `json:"critical"`
	High     float64 `json:"high"`
	Moderate float64 `json:"moderate"`
	Low      float64 `json:"low"`
}

// Booster mirrors the stripped XGBoost JSON layout the exporter writes.
type Booster struct {
	Learner struct {
		GradientBooster struct {
			Model struct {
				Trees    []Tree `json:"trees"`
				TreeInfo []int  `json:"tree_info"`
			} `json:"model"`
		} `json:"gradient_booster"`
		LearnerModelParam struct {
			BaseScore string `json:"base_score"`
			NumClass  string `json:"num_class"`
		} `json:"learner_model_param"`
	} `json:"learner"`
}

func (b *Booster) Trees() []Tree {
	return b.Learner.GradientBooster.Model.Trees
}

// BaseScore parses the learner's base score, stored as a decimal string
// (possibly in scientific notation) in the XGBoost export.
func (b *Booster) BaseScore() float64 {
	v, err := strconv.ParseFloat(b.Learner.LearnerModelParam.BaseScore, 64)
	if err != nil {
		return 0.5
	}
	return v
}

// Load reads and validates a model bundle from disk.
func Load(path string) (*Export, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model bundle: %w", err)
	}
	return Parse(data)
}

// Parse decodes a model bundle from raw JSON.
func Parse(data []byte) (*Export, error) {
	var exp Export
	if err := json.Unmarshal(data, &exp); err != nil {
		return nil, fmt.Errorf("decode model bundle: %w", err)
	}
	if err := exp.validate(); err != nil {
		return nil, err
	}
	return &exp, nil
}

func (e *Export) validate() error {
	if len(e.FeatureOrder) == 0 {
		return fmt.Errorf("model bundle has no feature order")
	}
	if len(e.Scaler.Center) != len(e.FeatureOrder) || len(e.Scaler.Scale) != len(e.FeatureOrder) {
		return fmt.Errorf("scaler dimensions %d/%d do not match %d features",
			len(e.Scaler.Center), len(e.Scaler.Scale), len(e.FeatureOrder))
	}
	if e.Config.NClasses < 2 {
		return fmt.Errorf("invalid class count %d", e.Config.NClasses)
	}
	if len(e.Config.RiskLabels) != e.Config.NClasses {
		return fmt.Errorf("%d risk labels for %d classes", len(e.Config.RiskLabels), e.Config.NClasses)
	}
	for name, b := range e.Classifiers {
		if len(b.Trees()) == 0 {
			return fmt.Errorf("classifier %q has no trees", name)
		}
		if len(b.Trees())%e.Config.NClasses != 0 {
			return fmt.Errorf("classifier %q tree count %d not divisible by %d classes",
				name, len(b.Trees()), e.Config.NClasses)
		}
	}
	for name, b := range e.Regressors {
		if len(b.Trees()) == 0 {
			return fmt.Errorf("regressor %q has no trees", name)
		}
	}
	return nil
}
