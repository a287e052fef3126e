package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ashfaaq98/sentinel-defense/internal/event"
)

func testAlert(id string, severity event.Severity) *event.AlertEvent {
	return &event.AlertEvent{
		ID:         id,
		TS:         1756224000.5,
		SrcIP:      "203.0.113.7",
		DstIP:      "10.0.0.5",
		Proto:      "tcp",
		Features:   map[string]float64{"bytes": 1048576, "packets": 500},
		ModelScore: 0.88,
		Confidence: 0.88,
		Severity:   severity,
		SensorID:   "sensor-1",
	}
}

func TestNewStore(t *testing.T) {
	st, err := NewStore(":memory:")
	require.NoError(t, err)
	require.NotNil(t, st)
	defer st.Close()

	var count int
	err = st.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table'").Scan(&count)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, 3, "Expected alert, investigation and action tables")
}

func TestSaveAlertIdempotent(t *testing.T) {
	st, err := NewStore(":memory:")
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	alert := testAlert("alt_1", event.SeverityHigh)

	require.NoError(t, st.SaveAlert(ctx, alert))
	// Publishing the same alert twice must leave exactly one row.
	require.NoError(t, st.SaveAlert(ctx, alert))

	count, err := st.CountAlerts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	loaded, err := st.GetAlert(ctx, "alt_1")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", loaded.SrcIP)
	assert.Equal(t, event.SeverityHigh, loaded.Severity)
	assert.InDelta(t, 0.88, loaded.ModelScore, 1e-9)
	assert.InDelta(t, 1048576, loaded.Features["bytes"], 1e-9)
}

func TestSaveInvestigationIdempotent(t *testing.T) {
	st, err := NewStore(":memory:")
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	report := &event.InvestigationReport{
		AlertID: "alt_1",
		TS:      1756224001.0,
		IOCFindings: map[string]event.Finding{
			"abuseipdb": {Source: "abuseipdb", NormalizedScore: 0.95},
		},
		Sources:       []string{"vt", "abuseipdb"},
		RiskScore:     0.91,
		Verdict:       event.VerdictMalicious,
		Uncertainty:   0.0,
		Confidence:    1.0,
		AlertSeverity: event.SeverityHigh,
	}

	require.NoError(t, st.SaveInvestigation(ctx, report))
	require.NoError(t, st.SaveInvestigation(ctx, report))

	count, err := st.CountInvestigations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	reports, total, err := st.ListInvestigations(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, reports, 1)
	assert.Equal(t, event.VerdictMalicious, reports[0].Verdict)
	assert.Equal(t, []string{"vt", "abuseipdb"}, reports[0].Sources)
	assert.InDelta(t, 0.95, reports[0].IOCFindings["abuseipdb"].NormalizedScore, 1e-9)
}

func TestSaveActionAndRevertLookup(t *testing.T) {
	st, err := NewStore(":memory:")
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	original := &event.ActionRecord{
		ActionID:    "act_1",
		AlertID:     "alt_1",
		TS:          1756224002.0,
		ActionType:  "block_ip",
		Target:      "203.0.113.7",
		Parameters:  map[string]interface{}{"gate_trace": []string{"low_confidence"}},
		Result:      "simulated_block",
		SafetyGate:  "high",
		Reversible:  true,
		RevertToken: "tok-1",
	}
	require.NoError(t, st.SaveAction(ctx, original))
	require.NoError(t, st.SaveAction(ctx, original))

	count, err := st.CountActions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	loaded, err := st.GetAction(ctx, "act_1")
	require.NoError(t, err)
	assert.True(t, loaded.Reversible)
	assert.Equal(t, "tok-1", loaded.RevertToken)
	assert.Equal(t, []string{"low_confidence"}, loaded.GateTrace())

	// No revert yet.
	rev, err := st.FindRevert(ctx, "act_1")
	require.NoError(t, err)
	assert.Nil(t, rev)

	revert := &event.ActionRecord{
		ActionID:   "act_2",
		AlertID:    "alt_1",
		TS:         1756224003.0,
		ActionType: "block_ip",
		Target:     "203.0.113.7",
		Result:     "reverted",
		SafetyGate: "high",
		Reverted:   true,
		RevertOf:   "act_1",
	}
	require.NoError(t, st.SaveAction(ctx, revert))

	rev, err = st.FindRevert(ctx, "act_1")
	require.NoError(t, err)
	require.NotNil(t, rev)
	assert.Equal(t, "act_2", rev.ActionID)
	assert.True(t, rev.Reverted)
}

func TestListAlertsPagination(t *testing.T) {
	st, err := NewStore(":memory:")
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		alert := testAlert(fmt.Sprintf("alt_%d", i), event.SeverityLow)
		alert.TS += float64(i)
		require.NoError(t, st.SaveAlert(ctx, alert))
	}

	alerts, total, err := st.ListAlerts(ctx, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, alerts, 2)
	// Newest first.
	assert.Equal(t, "alt_4", alerts[0].ID)

	alerts, _, err = st.ListAlerts(ctx, 2, 4)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "alt_0", alerts[0].ID)
}

func TestGetStats(t *testing.T) {
	st, err := NewStore(":memory:")
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	require.NoError(t, st.SaveAlert(ctx, testAlert("alt_1", event.SeverityHigh)))
	require.NoError(t, st.SaveAlert(ctx, testAlert("alt_2", event.SeverityLow)))
	require.NoError(t, st.SaveAlert(ctx, testAlert("alt_3", event.SeverityLow)))

	require.NoError(t, st.SaveInvestigation(ctx, &event.InvestigationReport{
		AlertID: "alt_1", Verdict: event.VerdictMalicious, AlertSeverity: event.SeverityHigh,
	}))
	require.NoError(t, st.SaveAction(ctx, &event.ActionRecord{
		ActionID: "act_1", AlertID: "alt_1", ActionType: "block_ip", Target: "203.0.113.7",
		Result: "simulated_block", SafetyGate: "high",
	}))

	stats, err := st.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Alerts)
	assert.Equal(t, 1, stats.Investigations)
	assert.Equal(t, 1, stats.Actions)
	assert.Equal(t, 2, stats.AlertSeverities["low"])
	assert.Equal(t, 1, stats.AlertSeverities["high"])
	assert.Equal(t, 1, stats.Verdicts["malicious"])
	assert.Equal(t, 1, stats.ActionTypes["block_ip"])
}
