package dragonpos

import (
	"context"
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/dragonscale-pos/internal/eventbus"
)

// InferenceComponents holds references to the stages needed for state transitions.
type InferenceComponents struct {
	Reasoner  Reasoner
	Selector  ToolSelector
	Validator Validator
	Executor  Executor
	Responder Responder
	Observer  Observer

	// Optional. Re-reads the transaction after tools change it.
	State TransactionStateFunc
}

// CreateInferenceStateMachine builds the state machine for one inference run.
func CreateInferenceStateMachine(components InferenceComponents, sm *StateMachine) *StateMachine {
	if components.Observer == nil {
		components.Observer = NopObserver{}
	}

	sm.RegisterTransition(StateReasoning, createReasoningTransition(components))
	sm.RegisterTransition(StateToolSelection, createToolSelectionTransition(components))
	sm.RegisterTransition(StateValidation, createValidationTransition(components))
	sm.RegisterTransition(StateExecution, createExecutionTransition(components))
	sm.RegisterTransition(StateResponse, createResponseTransition(components))
	sm.RegisterTransition(StateRetry, createRetryTransition(components))

	return sm
}

// publish sends an event when a bus is configured. Publishing is best-effort.
func publish(ctx context.Context, eb eventbus.EventBus, eventType eventbus.EventType, payload interface{}, source string, metadata map[string]interface{}) {
	if eb == nil {
		return
	}
	_ = eb.Publish(ctx, eventbus.NewEvent(eventType, payload, source, metadata))
}

// createReasoningTransition handles the reasoning state.
func createReasoningTransition(components InferenceComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, ic *InferenceContext) (ProcessState, error) {
		components.Observer.AttemptStarted(ic.Attempt)
		publish(ctx, eb, eventbus.EventAttemptStarted, ic.Utterance, "Inference.Reasoning", map[string]interface{}{
			"attempt":   ic.Attempt,
			"timestamp": time.Now().Format(time.RFC3339),
		})

		reasoning, err := components.Reasoner.Reason(ctx, ReasoningInput{
			Utterance:        ic.Utterance,
			TransactionState: ic.TransactionState,
			Attempt:          ic.Attempt,
			PreviousFeedback: ic.Feedback,
			RetryReason:      ic.RetryReason,
			History:          ic.History,
		})
		if err != nil {
			return StateFailed, fmt.Errorf("reasoning failed: %w", err)
		}

		publish(ctx, eb, eventbus.EventReasoningCompleted, reasoning.Summary, "Inference.Reasoning", map[string]interface{}{
			"attempt": ic.Attempt,
			"intent":  string(reasoning.Intent),
		})

		ic.Reasoning = reasoning
		return StateToolSelection, nil
	}
}

// createToolSelectionTransition handles the tool selection state.
func createToolSelectionTransition(components InferenceComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, ic *InferenceContext) (ProcessState, error) {
		selection, err := components.Selector.Select(ctx, SelectionInput{
			Utterance:        ic.Utterance,
			Reasoning:        ic.Reasoning,
			TransactionState: ic.TransactionState,
		})
		if err != nil {
			return StateFailed, fmt.Errorf("tool selection failed: %w", err)
		}

		names := make([]string, 0, len(selection.Invocations))
		for _, inv := range selection.Invocations {
			names = append(names, inv.FunctionName)
		}
		publish(ctx, eb, eventbus.EventToolsSelected, names, "Inference.ToolSelection", map[string]interface{}{
			"attempt":    ic.Attempt,
			"tool_count": len(names),
		})

		ic.Selection = selection
		return StateValidation, nil
	}
}

// createValidationTransition handles the validation state.
func createValidationTransition(components InferenceComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, ic *InferenceContext) (ProcessState, error) {
		validation, err := components.Validator.Validate(ctx, ValidationInput{
			Reasoning:        ic.Reasoning,
			Invocations:      ic.Selection.Invocations,
			TransactionState: ic.TransactionState,
		})
		if err != nil {
			return StateFailed, fmt.Errorf("validation failed: %w", err)
		}
		ic.Validation = validation

		if validation.Approved {
			publish(ctx, eb, eventbus.EventValidationApproved, validation.Rationale, "Inference.Validation", map[string]interface{}{
				"attempt": ic.Attempt,
			})
			return StateExecution, nil
		}

		components.Observer.ValidationRejected(ic.Attempt)
		publish(ctx, eb, eventbus.EventValidationRejected, validation.Feedback, "Inference.Validation", map[string]interface{}{
			"attempt":   ic.Attempt,
			"rationale": validation.Rationale,
		})

		if ic.IsFinalAttempt() {
			ic.SetFailed(nil, string(StateValidation),
				fmt.Sprintf("validation rejected the selected tools after %d attempt(s)", ic.Attempt))
			return StateFailed, nil
		}

		ic.Feedback = validation.Feedback
		ic.RetryReason = RetryReasonRejected
		return StateRetry, nil
	}
}

// createExecutionTransition handles the execution state.
func createExecutionTransition(components InferenceComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, ic *InferenceContext) (ProcessState, error) {
		if len(ic.Selection.Invocations) == 0 {
			ic.Execution = &ExecutionResult{Success: true}
			return StateResponse, nil
		}

		execution, err := components.Executor.Execute(ctx, ic.Session, ic.Selection.Invocations)
		if err != nil {
			return StateFailed, fmt.Errorf("execution failed: %w", err)
		}

		for _, res := range execution.Results {
			components.Observer.ToolExecuted(res.Name, res.Status)
			eventType := eventbus.EventToolExecuted
			if res.Failed() {
				eventType = eventbus.EventToolFailed
			}
			publish(ctx, eb, eventType, res.Output, "Inference.Execution", map[string]interface{}{
				"tool":   res.Name,
				"status": string(res.Status),
			})
		}

		ic.Execution = execution
		if execution.Mutated {
			refreshState(ctx, components, ic)
		}
		return StateResponse, nil
	}
}

// createResponseTransition handles the response state.
func createResponseTransition(components InferenceComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, ic *InferenceContext) (ProcessState, error) {
		response, err := components.Responder.Respond(ctx, ResponseInput{
			Utterance:        ic.Utterance,
			ReasoningSummary: ic.Reasoning.Summary,
			ToolsExecuted:    ic.Execution.ToolsExecuted,
			ToolResults:      ic.Execution.Outputs,
			TransactionState: ic.TransactionState,
		})
		if err != nil {
			return StateFailed, fmt.Errorf("response generation failed: %w", err)
		}

		publish(ctx, eb, eventbus.EventResponseGenerated, response, "Inference.Response", map[string]interface{}{
			"attempt":         ic.Attempt,
			"response_length": len(response),
		})

		ic.Response = response
		ic.Complete()
		return StateComplete, nil
	}
}

// createRetryTransition starts the next attempt. Once execution has run the
// kernel already holds its effects, so only the response is attempted again.
func createRetryTransition(components InferenceComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, ic *InferenceContext) (ProcessState, error) {
		if ic.IsFinalAttempt() {
			return StateFailed, NewInternalError(string(StateRetry), "retry requested after the final attempt", ic.LastError)
		}
		ic.recordExecution()
		ic.Attempt++
		refreshState(ctx, components, ic)

		if ic.Execution != nil {
			components.Observer.AttemptStarted(ic.Attempt)
			publish(ctx, eb, eventbus.EventAttemptStarted, ic.Utterance, "Inference.Retry", map[string]interface{}{
				"attempt":   ic.Attempt,
				"resume_at": string(StateResponse),
				"timestamp": time.Now().Format(time.RFC3339),
			})
			ic.Response = ""
			return StateResponse, nil
		}

		ic.ResetAttempt()
		return StateReasoning, nil
	}
}

// refreshState replaces the turn-start transaction summary with the kernel's
// current one.
func refreshState(ctx context.Context, components InferenceComponents, ic *InferenceContext) {
	if components.State == nil || ic.Session == nil {
		return
	}
	if state := components.State(ctx, ic.Session); state != "" {
		ic.TransactionState = state
	}
}
