package respond

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegistersBuiltins(t *testing.T) {
	r := testRegistry(t)

	for _, name := range []string{
		ActionLogOnly, ActionRateLimit, ActionBlockIP,
		ActionIsolateContainer, ActionRedirectToHoneypot, ActionQuarantineFile,
	} {
		_, ok := r.Get(name)
		assert.True(t, ok, "builtin %s must be registered", name)
	}
	assert.Len(t, r.Names(), 6)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&logOnlyAction{}))
	assert.Error(t, r.Register(&logOnlyAction{}))
}

func TestLogOnlyNotReversible(t *testing.T) {
	r := testRegistry(t)
	action, _ := r.Get(ActionLogOnly)

	res, err := action.Execute(context.Background(), "203.0.113.7", nil)
	require.NoError(t, err)
	assert.Equal(t, "recorded", res.Result)
	assert.False(t, res.Reversible)
	assert.Empty(t, res.RevertToken)
}

func TestBlockIPSimulationAndRevert(t *testing.T) {
	r := testRegistry(t)
	action, _ := r.Get(ActionBlockIP)

	res, err := action.Execute(context.Background(), "203.0.113.7", nil)
	require.NoError(t, err)
	assert.Equal(t, "simulated_block", res.Result)
	assert.True(t, res.Reversible)
	require.NotEmpty(t, res.RevertToken)

	result, err := action.Revert(context.Background(), res.RevertToken)
	require.NoError(t, err)
	assert.Equal(t, "reverted", result)

	// Reverting the same token again is a no-op.
	result, err = action.Revert(context.Background(), res.RevertToken)
	require.NoError(t, err)
	assert.Equal(t, "noop", result)
}

func TestBlockIPIdempotentInstall(t *testing.T) {
	r := testRegistry(t)
	action, _ := r.Get(ActionBlockIP)

	first, err := action.Execute(context.Background(), "203.0.113.7", nil)
	require.NoError(t, err)

	// The second install against the same target records the existing
	// block instead of repeating it.
	second, err := action.Execute(context.Background(), "203.0.113.7", nil)
	require.NoError(t, err)
	assert.Equal(t, "already_blocked", second.Result)
	assert.Equal(t, first.RevertToken, second.RevertToken)
}

func TestRevertFreesTarget(t *testing.T) {
	r := testRegistry(t)
	action, _ := r.Get(ActionRateLimit)

	first, err := action.Execute(context.Background(), "203.0.113.7", nil)
	require.NoError(t, err)
	_, err = action.Revert(context.Background(), first.RevertToken)
	require.NoError(t, err)

	// After revert a fresh install is a real one again.
	again, err := action.Execute(context.Background(), "203.0.113.7", nil)
	require.NoError(t, err)
	assert.Equal(t, "simulated_rate_limit", again.Result)
	assert.NotEqual(t, first.RevertToken, again.RevertToken)
}

func TestSimulationResultsPerAction(t *testing.T) {
	r := testRegistry(t)
	cases := map[string]string{
		ActionRateLimit:          "simulated_rate_limit",
		ActionBlockIP:            "simulated_block",
		ActionIsolateContainer:   "simulated_isolation",
		ActionRedirectToHoneypot: "simulated_redirect",
		ActionQuarantineFile:     "simulated_quarantine",
	}
	for name, want := range cases {
		action, ok := r.Get(name)
		require.True(t, ok)
		res, err := action.Execute(context.Background(), "198.51.100.1", nil)
		require.NoError(t, err)
		assert.Equal(t, want, res.Result, name)
	}
}
