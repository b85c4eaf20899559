package adapters

import (
	"context"

	"go.uber.org/zap"

	dragonpos "github.com/ZanzyTHEbar/dragonscale-pos"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/gateway"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/prompt"
)

// ToolCatalog lists the tools the oracle may request.
type ToolCatalog interface {
	Definitions() []dragonpos.ToolDefinition
}

// SelectionStage turns the reasoning summary into tool invocations.
type SelectionStage struct {
	stage
	catalog ToolCatalog
}

// NewSelectionStage creates the tool selection stage.
func NewSelectionStage(oracle Oracle, prompts Prompter, personality string, catalog ToolCatalog, opts ...StageOption) (*SelectionStage, error) {
	base, err := newStage("selection", oracle, prompts, personality, opts)
	if err != nil {
		return nil, err
	}
	if catalog == nil {
		return nil, dragonpos.NewConfigurationError("selection stage requires a tool catalog", nil)
	}
	return &SelectionStage{stage: base, catalog: catalog}, nil
}

// Select implements dragonpos.ToolSelector.
func (s *SelectionStage) Select(ctx context.Context, input dragonpos.SelectionInput) (*dragonpos.ToolSelectionResult, error) {
	summary := ""
	if input.Reasoning != nil {
		summary = input.Reasoning.Summary
	}
	system, body, err := s.render(prompt.Selection, map[string]any{
		"Utterance":        input.Utterance,
		"Summary":          summary,
		"TransactionState": input.TransactionState,
	})
	if err != nil {
		return nil, err
	}

	resp, err := s.oracle.Call(ctx, gateway.Request{
		Stage:  "selection",
		System: system,
		Prompt: body,
		Tools:  s.catalog.Definitions(),
		Context: map[string]string{
			ContextTransactionState: input.TransactionState,
		},
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("tools selected",
		zap.Int("count", len(resp.ToolCalls)),
		zap.String("justification", resp.Display))

	return &dragonpos.ToolSelectionResult{
		Invocations:   resp.ToolCalls,
		Justification: resp.Display,
	}, nil
}
