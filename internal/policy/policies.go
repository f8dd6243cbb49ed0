package policy

import "context"

// PredefinedGuardrails are the built-in guardrail policies registered at
// startup. Callers reference them by name in RollbackCriteria; additional
// policies can be created at runtime.
var PredefinedGuardrails = map[string]*GuardrailPolicy{
	"violation-rate-ceiling": {
		Name:        "violation-rate-ceiling",
		Description: "Breaches when the SLA violation rate exceeds 25%",
		Rules: map[string]string{
			"violation_rate_ceiling": `
package violation_rate_ceiling

default breach := false

breach if {
	input.metrics.violation_rate > 0.25
}`,
		},
	},

	"latency-regression": {
		Name:        "latency-regression",
		Description: "Breaches when mean response time degrades more than 30% over baseline",
		Rules: map[string]string{
			"latency_regression": `
package latency_regression

default breach := false

breach if {
	input.metrics.baseline_response_ms > 0
	degradation := (input.metrics.mean_response_ms - input.metrics.baseline_response_ms) / input.metrics.baseline_response_ms
	degradation > 0.3
}`,
		},
	},

	"error-budget-burn": {
		Name:        "error-budget-burn",
		Description: "Breaches when the error rate exceeds 5% with meaningful traffic",
		Rules: map[string]string{
			"error_budget_burn": `
package error_budget_burn

default breach := false

breach if {
	input.metrics.error_rate > 0.05
	input.metrics.sample_size > 100
}`,
		},
	},
}

// RegisterPredefinedGuardrails loads the built-in guardrails into an
// engine. Policies that already exist are left untouched.
func RegisterPredefinedGuardrails(ctx context.Context, engine Engine) error {
	for _, policy := range PredefinedGuardrails {
		p := *policy
		rules := make(map[string]string, len(policy.Rules))
		for k, v := range policy.Rules {
			rules[k] = v
		}
		p.Rules = rules

		if _, err := engine.GetPolicy(ctx, p.Name); err == nil {
			continue
		}
		if err := engine.CreatePolicy(ctx, &p); err != nil {
			return err
		}
	}
	return nil
}
