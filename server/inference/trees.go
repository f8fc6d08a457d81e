package inference

import "math"

// Tree is one booster tree in the export's flat-array layout. Node i's
// children are at LeftChildren[i]/RightChildren[i]; a -1 child marks a leaf,
// whose value sits in BaseWeights[i].
type Tree struct {
	LeftChildren    []int32   `json:"left_children"`
	RightChildren   []int32   `json:"right_children"`
	SplitIndices    []uint32  `json:"split_indices"`
	SplitConditions []float64 `json:"split_conditions"`
	BaseWeights     []float64 `json:"base_weights"`
	DefaultLeft     []uint8   `json:"default_left"`
}

// Score walks the tree for one scaled feature vector and returns the leaf
// value. Missing or non-finite features follow the node's default direction;
// otherwise branch left when the value is below the split threshold.
func (t *Tree) Score(features []float64) float64 {
	node := int32(0)
	for t.LeftChildren[node] != -1 {
		idx := int(t.SplitIndices[node])

		var value float64
		missing := idx >= len(features)
		if !missing {
			value = features[idx]
			missing = math.IsNaN(value) || math.IsInf(value, 0)
		}

		if missing {
			if t.DefaultLeft[node] != 0 {
				node = t.LeftChildren[node]
			} else {
				node = t.RightChildren[node]
			}
		} else if value < t.SplitConditions[node] {
			node = t.LeftChildren[node]
		} else {
			node = t.RightChildren[node]
		}
	}
	return t.BaseWeights[node]
}

// sumScores adds every tree's leaf value for the given vector.
func sumScores(trees []Tree, features []float64) float64 {
	var sum float64
	for i := range trees {
		sum += trees[i].Score(features)
	}
	return sum
}

// classScores accumulates per-class raw margins. Trees are interleaved
// round-robin across classes, so tree i contributes to class i mod nClasses.
func classScores(trees []Tree, features []float64, nClasses int, base float64) []float64 {
	scores := make([]float64, nClasses)
	for i := range scores {
		scores[i] = base
	}
	for i := range trees {
		scores[i%nClasses] += trees[i].Score(features)
	}
	return scores
}

// softmax converts raw margins to a probability distribution, shifting by
// the max margin for numerical stability.
func softmax(scores []float64) []float64 {
	maxScore := scores[0]
	for _, s := range scores[1:] {
		if s > maxScore {
			maxScore = s
		}
	}
	probs := make([]float64, len(scores))
	var sum float64
	for i, s := range scores {
		probs[i] = math.Exp(s - maxScore)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}
