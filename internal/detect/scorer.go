package detect

import (
	"fmt"
	"math"
)

// Scorer maps a batch of feature vectors to maliciousness scores in [0,1].
// Implementations must be pure: same vectors, same scores.
type Scorer interface {
	// Score returns one score per input vector.
	Score(vectors [][]float64) ([]float64, error)

	// Probabilistic reports whether scores are calibrated probabilities,
	// which changes how alert confidence is derived.
	Probabilistic() bool
}

// Scaler is an optional pre-fitted standardization attached to a trained
// scorer. Mean and Std must match the feature vector length.
type Scaler struct {
	Mean []float64
	Std  []float64
}

// Apply standardizes a vector in place-safe copy.
func (s *Scaler) Apply(vec []float64) []float64 {
	out := make([]float64, len(vec))
	for i, v := range vec {
		if i < len(s.Mean) && i < len(s.Std) && s.Std[i] != 0 {
			out[i] = (v - s.Mean[i]) / s.Std[i]
		} else {
			out[i] = v
		}
	}
	return out
}

// ScaledScorer wraps a scorer with a pre-fitted scaler.
type ScaledScorer struct {
	Inner  Scorer
	Scaler *Scaler
}

func (ss *ScaledScorer) Score(vectors [][]float64) ([]float64, error) {
	scaled := make([][]float64, len(vectors))
	for i, vec := range vectors {
		scaled[i] = ss.Scaler.Apply(vec)
	}
	return ss.Inner.Score(scaled)
}

func (ss *ScaledScorer) Probabilistic() bool { return ss.Inner.Probabilistic() }

// HeuristicScorer is the fallback used when no trained scorer is configured:
// a weighted sum of normalized bytes, packets and inverse inter-arrival
// time, clamped to [0,1]. It is monotone non-decreasing in both bytes and
// packets with the other inputs held fixed.
type HeuristicScorer struct{}

// Reference scales for normalization. log1p keeps the terms monotone while
// compressing the heavy tail of flow sizes.
const (
	heuristicBytesScale   = 1 << 20 // 1 MiB saturates the bytes term
	heuristicPacketsScale = 1000    // 1000 packets saturates the packets term
)

func (HeuristicScorer) Score(vectors [][]float64) ([]float64, error) {
	scores := make([]float64, len(vectors))
	for i, vec := range vectors {
		if len(vec) < 3 {
			return nil, fmt.Errorf("feature vector too short: %d values", len(vec))
		}
		bytes, packets, iatMean := vec[0], vec[1], vec[2]
		if bytes < 0 || packets < 0 {
			return nil, fmt.Errorf("negative flow counters: bytes=%.0f packets=%.0f", bytes, packets)
		}

		normBytes := math.Min(1, math.Log1p(bytes)/math.Log1p(heuristicBytesScale))
		normPackets := math.Min(1, math.Log1p(packets)/math.Log1p(heuristicPacketsScale))
		invIAT := 1 / (1 + 50*math.Max(0, iatMean))

		score := 0.4*normBytes + 0.35*normPackets + 0.25*invIAT
		scores[i] = clamp01(score)
	}
	return scores, nil
}

func (HeuristicScorer) Probabilistic() bool { return false }

// Confidence derives alert confidence from a score: probability margin for
// calibrated scorers, the score itself for the heuristic.
func Confidence(score float64, probabilistic bool) float64 {
	if probabilistic {
		return math.Max(score, 1-score)
	}
	return score
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
