package tools

import (
	"fmt"
	"strings"

	"github.com/Knetic/govaluate"

	dragonpos "github.com/ZanzyTHEbar/dragonscale-pos"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/catalog"
)

// Action is what the add-item policy decides to do with search results.
type Action string

const (
	ActionAutoAddExact Action = "auto_add_exact"
	ActionAutoAddBest  Action = "auto_add_best"
	ActionClarify      Action = "clarify"
)

// Rule is one ordered policy rule. When is a boolean expression over the
// parameters result_count, exact_count, specific_count, confidence,
// auto_add_threshold and very_high_threshold.
type Rule struct {
	When   string `mapstructure:"when" yaml:"when"`
	Action Action `mapstructure:"action" yaml:"action"`
}

// PolicyConfig carries the configured thresholds and rules. None of them
// has a default.
type PolicyConfig struct {
	AutoAddConfidence  float64 `mapstructure:"auto_add_confidence"`
	VeryHighConfidence float64 `mapstructure:"very_high_confidence"`
	MaxOptions         int     `mapstructure:"max_options"`
	Rules              []Rule  `mapstructure:"rules"`
}

// Policy decides between adding a product and asking the customer to choose.
type Policy struct {
	cfg       PolicyConfig
	compiled  []*govaluate.EvaluableExpression
	functions map[string]govaluate.ExpressionFunction
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithExpressionFunction whitelists a function for use in rule expressions.
func WithExpressionFunction(name string, fn govaluate.ExpressionFunction) PolicyOption {
	return func(p *Policy) {
		p.functions[name] = fn
	}
}

// NewPolicy compiles the rules. Missing thresholds or rules are
// configuration errors.
func NewPolicy(cfg PolicyConfig, opts ...PolicyOption) (*Policy, error) {
	p := &Policy{cfg: cfg, functions: map[string]govaluate.ExpressionFunction{}}
	for _, opt := range opts {
		opt(p)
	}

	switch {
	case cfg.AutoAddConfidence <= 0 || cfg.AutoAddConfidence > 1:
		return nil, dragonpos.NewConfigurationError("disambiguation.auto_add_confidence must be in (0, 1]", nil)
	case cfg.VeryHighConfidence <= 0 || cfg.VeryHighConfidence > 1:
		return nil, dragonpos.NewConfigurationError("disambiguation.very_high_confidence must be in (0, 1]", nil)
	case cfg.VeryHighConfidence < cfg.AutoAddConfidence:
		return nil, dragonpos.NewConfigurationError("disambiguation.very_high_confidence must not be below auto_add_confidence", nil)
	case cfg.MaxOptions <= 0:
		return nil, dragonpos.NewConfigurationError("disambiguation.max_options must be positive", nil)
	case len(cfg.Rules) == 0:
		return nil, dragonpos.NewConfigurationError("disambiguation.rules must not be empty", nil)
	}

	for i, r := range cfg.Rules {
		switch r.Action {
		case ActionAutoAddExact, ActionAutoAddBest, ActionClarify:
		default:
			return nil, dragonpos.NewConfigurationError(fmt.Sprintf("disambiguation.rules[%d]: unknown action %q", i, r.Action), nil)
		}
		expr, err := govaluate.NewEvaluableExpressionWithFunctions(r.When, p.functions)
		if err != nil {
			return nil, dragonpos.NewConfigurationError(fmt.Sprintf("disambiguation.rules[%d]: invalid expression %q", i, r.When), err)
		}
		p.compiled = append(p.compiled, expr)
	}
	return p, nil
}

// MaxOptions is the size of a clarification list.
func (p *Policy) MaxOptions() int {
	return p.cfg.MaxOptions
}

// Resolution is the policy outcome for one add-item request.
type Resolution struct {
	Action  Action
	Product *catalog.Product  // set when a product was chosen
	Options []catalog.Product // set for clarification
	Rule    int               // index of the matching rule, -1 when none matched
}

// Resolve applies the rules to the search results for query. The caller
// handles the zero-result case.
func (p *Policy) Resolve(query string, results []catalog.Product, confidence float64) (*Resolution, error) {
	exact, specific := classify(query, results)
	params := map[string]interface{}{
		"result_count":        float64(len(results)),
		"exact_count":         float64(len(exact)),
		"specific_count":      float64(len(specific)),
		"confidence":          confidence,
		"auto_add_threshold":  p.cfg.AutoAddConfidence,
		"very_high_threshold": p.cfg.VeryHighConfidence,
	}

	for i, expr := range p.compiled {
		v, err := expr.Evaluate(params)
		if err != nil {
			return nil, fmt.Errorf("evaluate rule %d: %w", i, err)
		}
		matched, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("rule %d (%s) is not boolean", i, p.cfg.Rules[i].When)
		}
		if !matched {
			continue
		}

		switch p.cfg.Rules[i].Action {
		case ActionAutoAddExact:
			if len(exact) == 1 {
				return &Resolution{Action: ActionAutoAddExact, Product: &exact[0], Rule: i}, nil
			}
		case ActionAutoAddBest:
			if best := pickBest(exact, specific, results); best != nil {
				return &Resolution{Action: ActionAutoAddBest, Product: best, Rule: i}, nil
			}
		case ActionClarify:
			return p.clarify(results, i), nil
		}
	}
	return p.clarify(results, -1), nil
}

func (p *Policy) clarify(results []catalog.Product, rule int) *Resolution {
	n := len(results)
	if n > p.cfg.MaxOptions {
		n = p.cfg.MaxOptions
	}
	options := make([]catalog.Product, n)
	copy(options, results[:n])
	return &Resolution{Action: ActionClarify, Options: options, Rule: rule}
}

// classify splits results into exact name matches and "specific" matches:
// names containing every query word without being exact.
func classify(query string, results []catalog.Product) (exact, specific []catalog.Product) {
	q := strings.ToLower(strings.Join(strings.Fields(query), " "))
	words := strings.Fields(q)
	for _, r := range results {
		name := strings.ToLower(strings.Join(strings.Fields(r.Name), " "))
		if name == q {
			exact = append(exact, r)
			continue
		}
		if len(words) > 0 && containsAll(name, words) {
			specific = append(specific, r)
		}
	}
	return exact, specific
}

func containsAll(name string, words []string) bool {
	for _, w := range words {
		if !strings.Contains(name, w) {
			return false
		}
	}
	return true
}

func pickBest(exact, specific, results []catalog.Product) *catalog.Product {
	switch {
	case len(exact) > 0:
		return &exact[0]
	case len(specific) > 0:
		return &specific[0]
	case len(results) > 0:
		return &results[0]
	}
	return nil
}
