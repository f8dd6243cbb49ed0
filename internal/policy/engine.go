// Package policy evaluates caller-supplied guardrail criteria, expressed
// as Rego rules, against live monitoring snapshots. A breached guardrail
// drives the AUTOMATIC rollback trigger in the threshold change manager
// and custom alert predicates in the real-time monitor.
package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"

	"github.com/threshold-rollout-controller/trc/internal/models"
)

// Engine defines the guardrail policy engine interface.
type Engine interface {
	// Policy management
	CreatePolicy(ctx context.Context, policy *GuardrailPolicy) error
	UpdatePolicy(ctx context.Context, name string, policy *GuardrailPolicy) error
	DeletePolicy(ctx context.Context, name string) error
	GetPolicy(ctx context.Context, name string) (*GuardrailPolicy, error)
	ListPolicies(ctx context.Context) ([]*GuardrailPolicy, error)

	// Evaluation
	EvaluateGuardrails(ctx context.Context, names []string, snapshot map[string]interface{}) (*Decision, error)
	ValidatePolicy(ctx context.Context, policy *GuardrailPolicy) error
}

// GuardrailPolicy is a named set of Rego rules. Each rule module must
// define a boolean `breach`; a true breach fails the guardrail.
type GuardrailPolicy struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Version     int               `json:"version"`
	Rules       map[string]string `json:"rules"` // module name -> Rego source
	CreatedAt   time.Time         `json:"created_at"`
	CreatedBy   string            `json:"created_by,omitempty"`
}

// Decision is the outcome of evaluating guardrails against a snapshot.
type Decision struct {
	Breached      bool     `json:"breached"`
	BreachedRules []string `json:"breached_rules,omitempty"`
}

// OPAEngine implements Engine using Open Policy Agent.
type OPAEngine struct {
	mu       sync.RWMutex
	policies map[string]*GuardrailPolicy
	store    storage.Store
}

// NewOPAEngine creates an OPA-based guardrail engine.
func NewOPAEngine() *OPAEngine {
	return &OPAEngine{
		policies: make(map[string]*GuardrailPolicy),
		store:    inmem.New(),
	}
}

// CreatePolicy registers a new guardrail policy after validating its Rego.
func (e *OPAEngine) CreatePolicy(ctx context.Context, policy *GuardrailPolicy) error {
	if policy == nil || policy.Name == "" {
		return fmt.Errorf("%w: guardrail policy requires a name", models.ErrValidation)
	}
	if err := e.validateRules(ctx, policy); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.policies[policy.Name]; exists {
		return fmt.Errorf("%w: guardrail policy %s already exists", models.ErrConflict, policy.Name)
	}

	policy.Version = 1
	policy.CreatedAt = time.Now().UTC()
	e.policies[policy.Name] = policy
	return nil
}

// UpdatePolicy replaces an existing policy, bumping its version.
func (e *OPAEngine) UpdatePolicy(ctx context.Context, name string, policy *GuardrailPolicy) error {
	if err := e.validateRules(ctx, policy); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	existing, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("%w: guardrail policy %s", models.ErrNotFound, name)
	}

	policy.Name = name
	policy.Version = existing.Version + 1
	policy.CreatedAt = existing.CreatedAt
	e.policies[name] = policy
	return nil
}

// DeletePolicy removes a policy.
func (e *OPAEngine) DeletePolicy(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.policies[name]; !exists {
		return fmt.Errorf("%w: guardrail policy %s", models.ErrNotFound, name)
	}
	delete(e.policies, name)
	return nil
}

// GetPolicy retrieves a policy by name.
func (e *OPAEngine) GetPolicy(ctx context.Context, name string) (*GuardrailPolicy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policy, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("%w: guardrail policy %s", models.ErrNotFound, name)
	}
	return policy, nil
}

// ListPolicies lists all registered policies.
func (e *OPAEngine) ListPolicies(ctx context.Context) ([]*GuardrailPolicy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*GuardrailPolicy, 0, len(e.policies))
	for _, policy := range e.policies {
		out = append(out, policy)
	}
	return out, nil
}

// EvaluateGuardrails evaluates the named policies against a monitoring
// snapshot. Unknown policy names are skipped: a missing guardrail must
// not block a safety decision on the monitoring path.
func (e *OPAEngine) EvaluateGuardrails(ctx context.Context, names []string, snapshot map[string]interface{}) (*Decision, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	decision := &Decision{}
	input := map[string]interface{}{"metrics": snapshot}

	for _, name := range names {
		policy, exists := e.policies[name]
		if !exists {
			continue
		}
		for ruleName, ruleContent := range policy.Rules {
			breached, err := e.evaluateRule(ctx, ruleName, ruleContent, input)
			if err != nil {
				return nil, fmt.Errorf("failed to evaluate guardrail %s/%s: %w", name, ruleName, err)
			}
			if breached {
				decision.Breached = true
				decision.BreachedRules = append(decision.BreachedRules, name+"/"+ruleName)
			}
		}
	}
	return decision, nil
}

// ValidatePolicy validates a policy's Rego rules without registering it.
func (e *OPAEngine) ValidatePolicy(ctx context.Context, policy *GuardrailPolicy) error {
	return e.validateRules(ctx, policy)
}

func (e *OPAEngine) validateRules(ctx context.Context, policy *GuardrailPolicy) error {
	if policy == nil || len(policy.Rules) == 0 {
		return fmt.Errorf("%w: guardrail policy has no rules", models.ErrValidation)
	}
	for ruleName, ruleContent := range policy.Rules {
		r := rego.New(
			rego.Query("data."+ruleName),
			rego.Module(ruleName+".rego", ruleContent),
		)
		if _, err := r.PrepareForEval(ctx); err != nil {
			return fmt.Errorf("%w: invalid Rego rule %s: %v", models.ErrValidation, ruleName, err)
		}
	}
	return nil
}

func (e *OPAEngine) evaluateRule(ctx context.Context, ruleName, ruleContent string, input map[string]interface{}) (bool, error) {
	query := fmt.Sprintf("data.%s.breach", ruleName)

	r := rego.New(
		rego.Query(query),
		rego.Module(ruleName+".rego", ruleContent),
		rego.Input(input),
		rego.Store(e.store),
	)

	rs, err := r.Eval(ctx)
	if err != nil {
		return false, err
	}

	for _, result := range rs {
		for _, expr := range result.Expressions {
			if breached, ok := expr.Value.(bool); ok && breached {
				return true, nil
			}
		}
	}
	return false, nil
}
