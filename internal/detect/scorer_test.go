package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func heuristicVec(bytes, packets, iatMean float64) []float64 {
	return []float64{bytes, packets, iatMean, 0, 0, 0, 1, 0, 0, 0}
}

func TestHeuristicScoreRange(t *testing.T) {
	scorer := HeuristicScorer{}
	vectors := [][]float64{
		heuristicVec(0, 1, 0),
		heuristicVec(1048576, 500, 0.01),
		heuristicVec(1e12, 1e9, 0),
	}
	scores, err := scorer.Score(vectors)
	require.NoError(t, err)
	require.Len(t, scores, len(vectors))
	for _, s := range scores {
		assert.GreaterOrEqual(t, s, 0.0)
		assert.LessOrEqual(t, s, 1.0)
	}
}

func TestHeuristicMonotoneInBytes(t *testing.T) {
	scorer := HeuristicScorer{}
	prev := -1.0
	for _, bytes := range []float64{0, 100, 10000, 1e6, 1e8} {
		scores, err := scorer.Score([][]float64{heuristicVec(bytes, 50, 0.1)})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, scores[0], prev, "score must not decrease as bytes grow")
		prev = scores[0]
	}
}

func TestHeuristicMonotoneInPackets(t *testing.T) {
	scorer := HeuristicScorer{}
	prev := -1.0
	for _, packets := range []float64{1, 10, 100, 1000, 100000} {
		scores, err := scorer.Score([][]float64{heuristicVec(50000, packets, 0.1)})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, scores[0], prev, "score must not decrease as packets grow")
		prev = scores[0]
	}
}

func TestHeuristicFloodScoresHigh(t *testing.T) {
	// 500 packets, 1 MB, 10ms mean inter-arrival: the canonical hot flow.
	scorer := HeuristicScorer{}
	scores, err := scorer.Score([][]float64{heuristicVec(1048576, 500, 0.01)})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, scores[0], 0.8)
}

func TestHeuristicRejectsBadVectors(t *testing.T) {
	scorer := HeuristicScorer{}

	_, err := scorer.Score([][]float64{{1, 2}})
	assert.Error(t, err)

	_, err = scorer.Score([][]float64{heuristicVec(-1, 5, 0)})
	assert.Error(t, err)
}

func TestConfidenceDerivation(t *testing.T) {
	// Probabilistic scorer: margin from 0.5.
	assert.InDelta(t, 0.9, Confidence(0.1, true), 1e-9)
	assert.InDelta(t, 0.9, Confidence(0.9, true), 1e-9)
	assert.InDelta(t, 0.5, Confidence(0.5, true), 1e-9)

	// Heuristic: the score itself.
	assert.InDelta(t, 0.3, Confidence(0.3, false), 1e-9)
}

func TestScaledScorer(t *testing.T) {
	scaler := &Scaler{
		Mean: []float64{10, 10, 0, 0, 0, 0, 0, 0, 0, 0},
		Std:  []float64{2, 2, 1, 1, 1, 1, 1, 1, 1, 1},
	}
	scaled := scaler.Apply([]float64{14, 8, 1, 0, 0, 0, 1, 0, 0, 0})
	assert.InDelta(t, 2.0, scaled[0], 1e-9)
	assert.InDelta(t, -1.0, scaled[1], 1e-9)
	assert.InDelta(t, 1.0, scaled[2], 1e-9)
}

func TestVectorizeLayout(t *testing.T) {
	ft, err := NewFlowTable(4)
	require.NoError(t, err)
	ft.Upsert(pkt("10.0.0.1", "10.0.0.2", 100, 1.0))
	ft.Upsert(pkt("10.0.0.1", "10.0.0.2", 200, 2.0))

	flows := ft.Active()
	require.Len(t, flows, 1)
	vec := Vectorize(flows[0])
	require.Len(t, vec, len(FeatureNames()))

	m := FeatureMap(vec)
	assert.InDelta(t, 300, m["bytes"], 1e-9)
	assert.InDelta(t, 2, m["packets"], 1e-9)
	assert.InDelta(t, 1.0, m["iat_mean"], 1e-9)
	assert.InDelta(t, 1.0, m["proto_tcp"], 1e-9)
	assert.Zero(t, m["proto_udp"])
}
