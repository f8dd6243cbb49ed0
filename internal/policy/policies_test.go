package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterPredefinedGuardrails(t *testing.T) {
	engine := NewOPAEngine()
	ctx := context.Background()

	require.NoError(t, RegisterPredefinedGuardrails(ctx, engine))

	policies, err := engine.ListPolicies(ctx)
	require.NoError(t, err)
	assert.Len(t, policies, len(PredefinedGuardrails))

	// Registering again is a no-op, not a conflict.
	require.NoError(t, RegisterPredefinedGuardrails(ctx, engine))
}

func TestPredefinedLatencyRegression(t *testing.T) {
	engine := NewOPAEngine()
	ctx := context.Background()
	require.NoError(t, RegisterPredefinedGuardrails(ctx, engine))

	decision, err := engine.EvaluateGuardrails(ctx, []string{"latency-regression"},
		map[string]interface{}{
			"mean_response_ms":     200.0,
			"baseline_response_ms": 100.0,
		})
	require.NoError(t, err)
	assert.True(t, decision.Breached)

	decision, err = engine.EvaluateGuardrails(ctx, []string{"latency-regression"},
		map[string]interface{}{
			"mean_response_ms":     110.0,
			"baseline_response_ms": 100.0,
		})
	require.NoError(t, err)
	assert.False(t, decision.Breached)
}

func TestPredefinedViolationRateCeiling(t *testing.T) {
	engine := NewOPAEngine()
	ctx := context.Background()
	require.NoError(t, RegisterPredefinedGuardrails(ctx, engine))

	decision, err := engine.EvaluateGuardrails(ctx, []string{"violation-rate-ceiling"},
		map[string]interface{}{"violation_rate": 0.3})
	require.NoError(t, err)
	assert.True(t, decision.Breached)
}
