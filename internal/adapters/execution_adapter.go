package adapters

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	dragonpos "github.com/ZanzyTHEbar/dragonscale-pos"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/logging"
)

// ToolRegistry resolves tools by name.
type ToolRegistry interface {
	Tool(name string) (dragonpos.Tool, bool)
}

// ExecutionStage runs approved invocations one after another. A failing
// call is recorded and does not stop the calls after it; earlier successful
// calls are not rolled back.
type ExecutionStage struct {
	registry ToolRegistry
	logger   *zap.Logger
	audit    *logging.AuditLogger
}

// ExecutionOption configures an ExecutionStage.
type ExecutionOption func(*ExecutionStage)

// WithExecutionLogger sets the logger.
func WithExecutionLogger(logger *zap.Logger) ExecutionOption {
	return func(e *ExecutionStage) {
		e.logger = logger
	}
}

// WithExecutionAudit records every tool execution on the audit trail.
func WithExecutionAudit(a *logging.AuditLogger) ExecutionOption {
	return func(e *ExecutionStage) {
		e.audit = a
	}
}

// NewExecutionStage creates the execution stage.
func NewExecutionStage(registry ToolRegistry, opts ...ExecutionOption) (*ExecutionStage, error) {
	if registry == nil {
		return nil, dragonpos.NewConfigurationError("execution stage requires a tool registry", nil)
	}
	e := &ExecutionStage{registry: registry, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Execute implements dragonpos.Executor. The only error it returns is
// cancellation; tool failures are reported in the result.
func (e *ExecutionStage) Execute(ctx context.Context, session *dragonpos.Session, invocations []dragonpos.ToolInvocation) (*dragonpos.ExecutionResult, error) {
	result := &dragonpos.ExecutionResult{}

	for _, inv := range invocations {
		if err := ctx.Err(); err != nil {
			return result, dragonpos.NewCancelledError("execution", err)
		}

		tool, ok := e.registry.Tool(inv.FunctionName)
		if !ok {
			err := dragonpos.NewUnknownToolError("execution", inv.FunctionName)
			result.Errors = append(result.Errors, err.Error())
			result.Outputs = append(result.Outputs, fmt.Sprintf("%s: unknown tool", inv.FunctionName))
			e.logger.Warn("unknown tool requested", zap.String("tool", inv.FunctionName))
			continue
		}

		start := time.Now()
		res, err := e.run(ctx, tool, session, inv.Arguments)
		elapsed := time.Since(start)

		result.ToolsExecuted = append(result.ToolsExecuted, inv.FunctionName)
		result.Results = append(result.Results, res)
		result.Outputs = append(result.Outputs, fmt.Sprintf("%s: %s", inv.FunctionName, res.Output))
		if res.Mutating {
			result.Mutated = true
		}

		switch {
		case err != nil:
			result.Errors = append(result.Errors, err.Error())
			e.logger.Warn("tool failed", zap.String("tool", inv.FunctionName), zap.Duration("elapsed", elapsed), zap.Error(err))
		case res.Failed():
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", inv.FunctionName, res.Output))
			e.logger.Info("tool reported failure", zap.String("tool", inv.FunctionName), zap.String("output", res.Output))
		default:
			e.logger.Debug("tool executed", zap.String("tool", inv.FunctionName), zap.String("status", string(res.Status)), zap.Duration("elapsed", elapsed))
		}

		e.audit.Record(logging.AuditToolExecuted, map[string]interface{}{
			"session":     sessionID(session),
			"tool":        inv.FunctionName,
			"status":      string(res.Status),
			"mutating":    res.Mutating,
			"duration_ms": elapsed.Milliseconds(),
			"ok":          err == nil && !res.Failed(),
		})
	}

	result.Success = len(result.Errors) == 0
	return result, nil
}

// run executes one tool, converting a panic into a failed result.
func (e *ExecutionStage) run(ctx context.Context, tool dragonpos.Tool, session *dragonpos.Session, args map[string]any) (res dragonpos.ToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = dragonpos.NewToolExecutionError(tool.Name(), fmt.Errorf("panic: %v", r))
			res = dragonpos.ToolResult{Name: tool.Name(), Status: dragonpos.ToolStatusFailed, Output: "The tool failed unexpectedly."}
		}
	}()
	if args == nil {
		args = map[string]any{}
	}
	res, err = tool.Execute(ctx, session, args)
	if res.Name == "" {
		res.Name = tool.Name()
	}
	if err != nil && res.Status != dragonpos.ToolStatusFailed {
		res.Status = dragonpos.ToolStatusFailed
		res.Mutating = false
	}
	if err != nil && res.Output == "" {
		res.Output = err.Error()
	}
	return res, err
}

func sessionID(s *dragonpos.Session) string {
	if s == nil {
		return ""
	}
	return s.ID
}
