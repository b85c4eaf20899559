package adapters

import (
	"context"
	"fmt"

	dragonpos "github.com/ZanzyTHEbar/dragonscale-pos"
)

// ToolFunc is the Go function behind a tool. Arguments are already
// normalized to their declared types.
type ToolFunc func(ctx context.Context, session *dragonpos.Session, args map[string]any) (dragonpos.ToolResult, error)

// GoToolAdapter adapts a Go function to the dragonpos.Tool interface.
type GoToolAdapter struct {
	toolFunc   ToolFunc
	definition dragonpos.ToolDefinition
	validator  func(map[string]any) error
	category   string
	mutating   bool
}

// ToolOption represents an option for configuring a GoToolAdapter.
type ToolOption func(*GoToolAdapter)

// WithValidator adds a check that runs after schema validation.
func WithValidator(validator func(map[string]any) error) ToolOption {
	return func(adapter *GoToolAdapter) {
		adapter.validator = validator
	}
}

// WithCategory sets the tool's category.
func WithCategory(category string) ToolOption {
	return func(adapter *GoToolAdapter) {
		adapter.category = category
	}
}

// WithDescription sets the description shown to the oracle.
func WithDescription(description string) ToolOption {
	return func(adapter *GoToolAdapter) {
		adapter.definition.Description = description
	}
}

// WithParameter declares one argument.
func WithParameter(name string, spec dragonpos.ParameterSpec) ToolOption {
	return func(adapter *GoToolAdapter) {
		adapter.definition.Parameters[name] = spec
	}
}

// WithMutating marks a tool that changes kernel state. Successful results of
// mutating tools trigger receipt synchronization.
func WithMutating() ToolOption {
	return func(adapter *GoToolAdapter) {
		adapter.mutating = true
	}
}

// NewGoToolAdapter creates a new adapter for a Go function.
func NewGoToolAdapter(name string, toolFunc ToolFunc, options ...ToolOption) *GoToolAdapter {
	adapter := &GoToolAdapter{
		toolFunc: toolFunc,
		definition: dragonpos.ToolDefinition{
			Name:       name,
			Parameters: map[string]dragonpos.ParameterSpec{},
		},
	}

	for _, option := range options {
		option(adapter)
	}

	return adapter
}

// Execute implements the dragonpos.Tool interface.
func (a *GoToolAdapter) Execute(ctx context.Context, session *dragonpos.Session, args map[string]any) (dragonpos.ToolResult, error) {
	if a.toolFunc == nil {
		return a.failed("tool is not implemented"), dragonpos.NewToolExecutionError(a.Name(), fmt.Errorf("tool function is nil"))
	}

	normalized, err := a.normalize(args)
	if err != nil {
		return a.failed(err.Error()), dragonpos.NewToolExecutionError(a.Name(), err)
	}

	res, err := a.toolFunc(ctx, session, normalized)
	if res.Name == "" {
		res.Name = a.Name()
	}
	if res.Status == "" {
		res.Status = dragonpos.ToolStatusOK
	}
	if err != nil && res.Status == dragonpos.ToolStatusOK {
		res.Status = dragonpos.ToolStatusFailed
	}
	res.Mutating = a.mutating && res.Status == dragonpos.ToolStatusOK
	if err != nil && !dragonpos.IsCode(err, dragonpos.ErrCodeToolExecution) {
		err = dragonpos.NewToolExecutionError(a.Name(), err)
	}
	return res, err
}

// Definition implements the dragonpos.Tool interface.
func (a *GoToolAdapter) Definition() dragonpos.ToolDefinition {
	return a.definition
}

// Validate implements the dragonpos.Tool interface.
func (a *GoToolAdapter) Validate(args map[string]any) error {
	_, err := a.normalize(args)
	return err
}

// Name implements the dragonpos.Tool interface.
func (a *GoToolAdapter) Name() string {
	return a.definition.Name
}

// Category returns the tool's category.
func (a *GoToolAdapter) Category() string {
	return a.category
}

func (a *GoToolAdapter) normalize(args map[string]any) (map[string]any, error) {
	normalized, err := a.definition.Normalize(args)
	if err != nil {
		return nil, err
	}
	if a.validator != nil {
		if err := a.validator(normalized); err != nil {
			return nil, fmt.Errorf("%s: %w", a.Name(), err)
		}
	}
	return normalized, nil
}

func (a *GoToolAdapter) failed(msg string) dragonpos.ToolResult {
	return dragonpos.ToolResult{Name: a.Name(), Status: dragonpos.ToolStatusFailed, Output: msg}
}
