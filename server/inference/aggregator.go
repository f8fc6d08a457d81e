package inference

import (
	"math"
	"sync"
	"time"

	"github.com/foursight/biolink/server/models"
)

// Aggregator smooths per-window predictions over a bounded buffer of recent
// windows. Single-window predictions are noisy; the rolling mean is the
// number end users should see.
type Aggregator struct {
	mu         sync.Mutex
	capacity   int
	buffer     []*models.RiskPrediction
	thresholds AlertThresholds
	labels     []string
	nClasses   int
}

func NewAggregator(capacity int, cfg ExportConfig) *Aggregator {
	if capacity < 1 {
		capacity = 1
	}
	return &Aggregator{
		capacity:   capacity,
		thresholds: cfg.AlertThresholds,
		labels:     cfg.RiskLabels,
		nClasses:   cfg.NClasses,
	}
}

// Push adds a prediction, evicting the oldest when over capacity, and
// returns the recomputed rolling aggregate.
func (a *Aggregator) Push(pred *models.RiskPrediction) *models.RiskPrediction {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.buffer = append(a.buffer, pred)
	if len(a.buffer) > a.capacity {
		a.buffer = a.buffer[1:]
	}
	return a.aggregateLocked()
}

// Current returns the rolling aggregate without adding anything, or nil when
// no predictions have been seen yet.
func (a *Aggregator) Current() *models.RiskPrediction {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.buffer) == 0 {
		return nil
	}
	return a.aggregateLocked()
}

// Len reports how many predictions are buffered.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffer)
}

// Capacity reports the buffer bound.
func (a *Aggregator) Capacity() int {
	return a.capacity
}

// Ready reports whether the buffer is full, meaning the rolling estimate
// covers the whole temporal window.
func (a *Aggregator) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffer) >= a.capacity
}

// Reset drops all buffered predictions.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buffer = nil
}

func (a *Aggregator) aggregateLocked() *models.RiskPrediction {
	n := float64(len(a.buffer))
	agg := &models.RiskPrediction{
		Timestamp:   time.Now().UnixMilli(),
		Dimensions:  make(map[string]models.DimensionScore, len(models.DimensionNames)),
		WindowsUsed: len(a.buffer),
	}

	var confSum, confMin float64
	confMin = math.Inf(1)
	for _, dim := range models.DimensionNames {
		probs := make([]float64, a.nClasses)
		for _, p := range a.buffer {
			score, ok := p.Dimensions[dim]
			if !ok {
				continue
			}
			for i, v := range score.Probabilities {
				if i < len(probs) {
					probs[i] += v
				}
			}
		}

		// Renormalize the averaged vector and take argmax on it, not on the
		// averaged levels.
		var total float64
		for _, v := range probs {
			total += v
		}
		level := 0
		for i := range probs {
			if total > 0 {
				probs[i] /= total
			}
			if probs[i] > probs[level] {
				level = i
			}
		}

		label := ""
		if level < len(a.labels) {
			label = a.labels[level]
		}
		score := models.DimensionScore{
			Level:         level,
			Label:         label,
			Confidence:    probs[level],
			Probabilities: probs,
		}
		agg.Dimensions[dim] = score
		confSum += score.Confidence
		if score.Confidence < confMin {
			confMin = score.Confidence
		}
	}
	agg.Confidence = models.ModelConfidence{
		Average: confSum / float64(len(models.DimensionNames)),
		Min:     confMin,
	}

	var susc, t, lower, upper float64
	for _, p := range a.buffer {
		susc += p.Susceptibility
		t += p.TimeToRisk.Minutes
		lower += p.TimeToRisk.Lower
		upper += p.TimeToRisk.Upper
	}
	agg.Susceptibility = clamp(susc/n, 0, 1)
	mt := clamp(t/n, minTimeToRisk, maxTimeToRisk)
	agg.TimeToRisk = models.TimeToRisk{
		Minutes: mt,
		Lower:   clamp(lower/n, minTimeToRisk, mt),
		Upper:   clamp(upper/n, mt, maxTimeToRisk),
	}
	agg.AlertLevel = AlertLevel(agg.Susceptibility, a.thresholds)
	return agg
}
