package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ashfaaq98/sentinel-defense/internal/capture"
	"github.com/Ashfaaq98/sentinel-defense/internal/config"
	"github.com/Ashfaaq98/sentinel-defense/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		SensorID: "sensor-test",
		Bus: config.BusConfig{
			Transport:      "memory",
			QueueCapacity:  1000,
			PublishTimeout: 100 * time.Millisecond,
			DrainTimeout:   time.Second,
		},
		Database: config.DatabaseConfig{
			Path: filepath.Join(t.TempDir(), "sentinel.db"),
		},
		Detection: config.DetectionConfig{
			FlowIdleTimeout: 30 * time.Second,
			MaxFlows:        10000,
			FlushInterval:   100 * time.Millisecond,
			BatchSize:       16,
			BatchTimeout:    50 * time.Millisecond,
			EmitThreshold:   0.3,
			SeverityHigh:    0.8,
			SeverityMedium:  0.5,
			ScoringWorkers:  2,
		},
		Investigation: config.InvestigationConfig{
			FanoutTimeout:     time.Second,
			Workers:           4,
			Alpha:             0.4,
			VerdictMalicious:  0.7,
			VerdictSuspicious: 0.4,
			OfflineMode:       true,
			CacheCapacity:     256,
		},
		Response: config.ResponseConfig{
			MinConfidenceIntrusive:   0.6,
			ProductionActionsEnabled: false,
			ActionTimeout:            2 * time.Second,
			RiskHigh:                 0.7,
			RiskMedium:               0.4,
		},
	}
}

func runPipeline(t *testing.T, cfg *config.Config, source capture.Source, duration time.Duration) {
	t.Helper()
	p, err := New(cfg, Options{Source: source})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()
	_ = p.Run(ctx)
}

func TestPipelineEndToEndFlood(t *testing.T) {
	cfg := testConfig(t)
	source, err := capture.NewSyntheticSource(capture.SyntheticOptions{
		Profile: capture.ProfileFlood,
		Seed:    42,
		Limit:   2000,
	})
	require.NoError(t, err)

	runPipeline(t, cfg, source, 2*time.Second)

	st, err := store.NewStore(cfg.Database.Path)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	alerts, _, err := st.ListAlerts(ctx, 1000, 0)
	require.NoError(t, err)
	require.NotEmpty(t, alerts, "a sustained flood must raise alerts")
	for _, alert := range alerts {
		assert.Equal(t, "203.0.113.7", alert.SrcIP)
		assert.GreaterOrEqual(t, alert.ModelScore, 0.3)
	}

	investigations, err := st.CountInvestigations(ctx)
	require.NoError(t, err)
	assert.Greater(t, investigations, 0, "alerts must be investigated")

	actions, err := st.CountActions(ctx)
	require.NoError(t, err)
	assert.Greater(t, actions, 0, "reports must produce action records")
}

func TestPipelineInvestigationPerAlert(t *testing.T) {
	cfg := testConfig(t)
	source, err := capture.NewSyntheticSource(capture.SyntheticOptions{
		Profile: capture.ProfileFlood,
		Seed:    7,
		Limit:   1000,
	})
	require.NoError(t, err)

	runPipeline(t, cfg, source, 2*time.Second)

	st, err := store.NewStore(cfg.Database.Path)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	reports, _, err := st.ListInvestigations(ctx, 1000, 0)
	require.NoError(t, err)

	// At most one report per alert, and every report references a
	// persisted alert.
	seen := make(map[string]bool)
	for _, r := range reports {
		assert.False(t, seen[r.AlertID], "duplicate report for %s", r.AlertID)
		seen[r.AlertID] = true

		_, err := st.GetAlert(ctx, r.AlertID)
		assert.NoError(t, err)
	}
}

func TestPipelineWhitelistSuppressesIntrusiveActions(t *testing.T) {
	cfg := testConfig(t)
	cfg.Response.IPWhitelist = []string{"203.0.113.7"}

	source, err := capture.NewSyntheticSource(capture.SyntheticOptions{
		Profile: capture.ProfileFlood,
		Seed:    42,
		Limit:   1500,
	})
	require.NoError(t, err)

	runPipeline(t, cfg, source, 2*time.Second)

	st, err := store.NewStore(cfg.Database.Path)
	require.NoError(t, err)
	defer st.Close()

	actions, _, err := st.ListActions(context.Background(), 1000, 0)
	require.NoError(t, err)
	require.NotEmpty(t, actions)
	for _, a := range actions {
		if !a.Reverted {
			assert.Equal(t, "log_only", a.ActionType,
				"whitelisted target must only ever be logged")
		}
	}
}

func TestPipelineQuietTrafficStaysQuiet(t *testing.T) {
	cfg := testConfig(t)
	// Raise the emit threshold so benign background chatter cannot clear it.
	cfg.Detection.EmitThreshold = 0.95

	source, err := capture.NewSyntheticSource(capture.SyntheticOptions{
		Profile: capture.ProfileBenign,
		Seed:    42,
		Limit:   500,
	})
	require.NoError(t, err)

	runPipeline(t, cfg, source, 1500*time.Millisecond)

	st, err := store.NewStore(cfg.Database.Path)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	alerts, err := st.CountAlerts(ctx)
	require.NoError(t, err)
	assert.Zero(t, alerts, "sub-threshold traffic must emit nothing")

	actions, err := st.CountActions(ctx)
	require.NoError(t, err)
	assert.Zero(t, actions)
}

func TestPipelineFatalConfigRejected(t *testing.T) {
	cfg := testConfig(t)
	cfg.Response.Matrix = map[string]map[string]string{
		"high": {"high": "unknown_action"},
	}

	source, err := capture.NewSyntheticSource(capture.SyntheticOptions{Profile: capture.ProfileBenign, Seed: 1, Limit: 1})
	require.NoError(t, err)

	_, err = New(cfg, Options{Source: source})
	require.Error(t, err, "unknown action_type in the matrix must fail startup")
	assert.Contains(t, err.Error(), "unknown_action")
}
