package investigate

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubDoer replies with a canned JSON body.
type stubDoer struct {
	body   string
	status int
}

func (s stubDoer) Do(req *http.Request) (*http.Response, error) {
	status := s.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader([]byte(s.body))),
		Header:     make(http.Header),
	}, nil
}

func TestOfflineFindingsAreDeterministic(t *testing.T) {
	providers, err := BuildProviders(nil, true)
	require.NoError(t, err)
	require.Len(t, providers, 6)

	for _, p := range providers {
		first, err := p.CheckIP(context.Background(), "203.0.113.7")
		require.NoError(t, err)
		second, err := p.CheckIP(context.Background(), "203.0.113.7")
		require.NoError(t, err)

		assert.True(t, first.IsMocked, "%s offline finding must be mocked", p.Name())
		assert.Equal(t, first.NormalizedScore, second.NormalizedScore,
			"%s offline finding must be stable per IP", p.Name())
		assert.GreaterOrEqual(t, first.NormalizedScore, 0.0)
		assert.LessOrEqual(t, first.NormalizedScore, 1.0)
	}
}

func TestBuildProvidersRejectsUnknownName(t *testing.T) {
	_, err := BuildProviders(map[string]ProviderSettings{"shodan": {Enabled: true}}, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shodan")
}

func TestBuildProvidersSkipsDisabled(t *testing.T) {
	providers, err := BuildProviders(map[string]ProviderSettings{
		"vt":  {Enabled: false},
		"otx": {Enabled: false},
	}, true)
	require.NoError(t, err)
	require.Len(t, providers, 4)
	for _, p := range providers {
		assert.NotContains(t, []string{"vt", "otx"}, p.Name())
	}
}

func TestVirusTotalNormalization(t *testing.T) {
	// Reputation -100 (worst) normalizes to 1.0, +100 (best) to 0.0.
	p := NewVirusTotalProvider(ProviderOptions{
		APIKey: "key",
		Client: stubDoer{body: `{"data":{"attributes":{"reputation":-100}}}`},
	})
	finding, err := p.CheckIP(context.Background(), "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, finding.IsMocked)
	assert.InDelta(t, 1.0, finding.NormalizedScore, 1e-9)

	p = NewVirusTotalProvider(ProviderOptions{
		APIKey: "key",
		Client: stubDoer{body: `{"data":{"attributes":{"reputation":100}}}`},
	})
	finding, err = p.CheckIP(context.Background(), "203.0.113.7")
	require.NoError(t, err)
	assert.InDelta(t, 0.0, finding.NormalizedScore, 1e-9)
}

func TestAbuseIPDBNormalization(t *testing.T) {
	p := NewAbuseIPDBProvider(ProviderOptions{
		APIKey: "key",
		Client: stubDoer{body: `{"data":{"abuseConfidenceScore":85}}`},
	})
	finding, err := p.CheckIP(context.Background(), "203.0.113.7")
	require.NoError(t, err)
	assert.InDelta(t, 0.85, finding.NormalizedScore, 1e-9)
	assert.InDelta(t, 85.0, finding.Raw["abuse_score"].(float64), 1e-9)
}

func TestOTXNormalizationSaturates(t *testing.T) {
	p := NewOTXProvider(ProviderOptions{
		APIKey: "key",
		Client: stubDoer{body: `{"pulse_info":{"pulses":[{},{},{},{},{},{},{}]}}`},
	})
	finding, err := p.CheckIP(context.Background(), "203.0.113.7")
	require.NoError(t, err)
	// 7 pulses: min(7/5, 1) clamps to 1.
	assert.InDelta(t, 1.0, finding.NormalizedScore, 1e-9)
}

func TestGreyNoiseClassificationScale(t *testing.T) {
	cases := map[string]float64{
		"benign":    0.0,
		"unknown":   0.3,
		"malicious": 0.9,
	}
	for classification, want := range cases {
		p := NewGreyNoiseProvider(ProviderOptions{
			Client: stubDoer{body: `{"classification":"` + classification + `"}`},
		})
		finding, err := p.CheckIP(context.Background(), "203.0.113.7")
		require.NoError(t, err)
		assert.InDelta(t, want, finding.NormalizedScore, 1e-9, classification)
	}
}

func TestThreatCrowdNormalization(t *testing.T) {
	p := NewThreatCrowdProvider(ProviderOptions{
		Client: stubDoer{body: `{"votes_malicious":3,"votes_benign":1}`},
	})
	finding, err := p.CheckIP(context.Background(), "203.0.113.7")
	require.NoError(t, err)
	// 3 / (3 + 1 + 1) = 0.6
	assert.InDelta(t, 0.6, finding.NormalizedScore, 1e-9)
}

func TestProviderErrorOnBadStatus(t *testing.T) {
	p := NewIPQualityScoreProvider(ProviderOptions{
		Client: stubDoer{body: `{}`, status: http.StatusTooManyRequests},
	})
	_, err := p.CheckIP(context.Background(), "203.0.113.7")
	assert.Error(t, err)
}
