package adapters

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	dragonpos "github.com/ZanzyTHEbar/dragonscale-pos"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/gateway"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/prompt"
)

// ValidationStage asks the oracle for an independent review of a selection.
// The verdict is a structured decision coerced by the gateway, never a
// substring of free text.
type ValidationStage struct {
	stage
	retries int
}

// NewValidationStage creates the validation stage. retries bounds the extra
// calls made when the reply does not match the decision schema.
func NewValidationStage(oracle Oracle, prompts Prompter, personality string, retries int, opts ...StageOption) (*ValidationStage, error) {
	base, err := newStage("validation", oracle, prompts, personality, opts)
	if err != nil {
		return nil, err
	}
	if retries < 0 {
		return nil, dragonpos.NewConfigurationError("validation decision retries must not be negative", nil)
	}
	return &ValidationStage{stage: base, retries: retries}, nil
}

// Validate implements dragonpos.Validator.
func (v *ValidationStage) Validate(ctx context.Context, input dragonpos.ValidationInput) (*dragonpos.ValidationResult, error) {
	summary := ""
	if input.Reasoning != nil {
		summary = input.Reasoning.Summary
	}
	system, body, err := v.render(prompt.Validation, map[string]any{
		"Summary":          summary,
		"Invocations":      FormatInvocations(input.Invocations),
		"ToolCount":        len(input.Invocations),
		"TransactionState": input.TransactionState,
	})
	if err != nil {
		return nil, err
	}

	decision, err := v.oracle.Decide(ctx, gateway.Request{
		Stage:  "validation",
		System: system,
		Prompt: body,
	}, v.retries)
	if err != nil {
		return nil, err
	}

	result := &dragonpos.ValidationResult{
		Approved:  decision.Approved(),
		Rationale: decision.Rationale,
		Feedback:  decision.Feedback,
	}
	if !result.Approved && result.Feedback == "" {
		result.Feedback = decision.Rationale
	}
	v.logger.Debug("validation decision",
		zap.Bool("approved", result.Approved),
		zap.String("rationale", result.Rationale))
	return result, nil
}

// FormatInvocations serializes invocations one per line in the tool-call
// text convention. An empty selection is rendered as "(no tools)".
func FormatInvocations(invocations []dragonpos.ToolInvocation) string {
	if len(invocations) == 0 {
		return "(no tools)"
	}
	lines := make([]string, 0, len(invocations))
	for _, inv := range invocations {
		args := inv.Arguments
		if args == nil {
			args = map[string]any{}
		}
		raw, err := json.Marshal(args)
		if err != nil {
			raw = []byte("{}")
		}
		lines = append(lines, gateway.ToolCallMarker+" "+inv.FunctionName+" "+string(raw))
	}
	return strings.Join(lines, "\n")
}
