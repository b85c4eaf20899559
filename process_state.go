package dragonpos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/dragonscale-pos/internal/eventbus"
	"go.uber.org/zap"
)

// ProcessState represents the current state of one inference run.
type ProcessState string

const (
	// StateReasoning asks the oracle to explain the customer's intent
	StateReasoning ProcessState = "reasoning"
	// StateToolSelection asks the oracle for tool invocations
	StateToolSelection ProcessState = "tool_selection"
	// StateValidation asks the oracle to review the selection
	StateValidation ProcessState = "validation"
	// StateExecution runs approved invocations
	StateExecution ProcessState = "execution"
	// StateResponse phrases the customer-facing reply
	StateResponse ProcessState = "response"
	// StateRetry starts the next attempt carrying feedback forward
	StateRetry ProcessState = "retry"
	// StateComplete is the success terminal state
	StateComplete ProcessState = "complete"
	// StateFailed is the failure terminal state
	StateFailed ProcessState = "failed"
	// StateCancelled is reached when the context is cancelled
	StateCancelled ProcessState = "cancelled"
)

// Retry reasons handed to the next reasoning attempt.
const (
	RetryReasonRejected     = "the previous selection was rejected by validation"
	RetryReasonFailedFormat = "the previous attempt failed during %s"
)

// InferenceContext carries the data of one inference run across states.
// Per-attempt fields are cleared by the retry transition.
type InferenceContext struct {
	// Input parameters
	Utterance        string
	TransactionState string
	History          []ConversationTurn
	Session          *Session
	MaxAttempts      int

	// Attempt bookkeeping
	Attempt     int
	Feedback    string
	RetryReason string

	// Per-attempt results
	Reasoning  *ReasoningResult
	Selection  *ToolSelectionResult
	Validation *ValidationResult
	Execution  *ExecutionResult
	Response   string

	// Tools executed across all attempts
	ExecutedTools []string
	Mutated       bool
	recorded      bool

	// Outcome
	FailureReason string
	LastError     error
	ErrorStage    string

	// State management
	CurrentState ProcessState
	StateHistory []ProcessState

	StartTime time.Time
	EndTime   time.Time
}

// NewInferenceContext creates a context positioned at the first attempt's reasoning state.
func NewInferenceContext(utterance, transactionState string, session *Session, maxAttempts int) *InferenceContext {
	return &InferenceContext{
		Utterance:        utterance,
		TransactionState: transactionState,
		Session:          session,
		MaxAttempts:      maxAttempts,
		Attempt:          1,
		CurrentState:     StateReasoning,
		StateHistory:     []ProcessState{},
		StartTime:        time.Now(),
	}
}

// moveTo records the current state and enters the next one.
func (ic *InferenceContext) moveTo(state ProcessState) {
	ic.StateHistory = append(ic.StateHistory, ic.CurrentState)
	ic.CurrentState = state
}

// IsFinalAttempt reports whether no further attempts remain.
func (ic *InferenceContext) IsFinalAttempt() bool {
	return ic.Attempt >= ic.MaxAttempts
}

// IsTerminal checks if the current state is a terminal state (Complete, Failed, Cancelled).
func (ic *InferenceContext) IsTerminal() bool {
	return ic.CurrentState == StateComplete || ic.CurrentState == StateFailed || ic.CurrentState == StateCancelled
}

// SetFailed records the failure and enters StateFailed.
func (ic *InferenceContext) SetFailed(err error, stage, reason string) {
	ic.LastError = err
	ic.ErrorStage = stage
	ic.FailureReason = reason
	ic.moveTo(StateFailed)
	ic.EndTime = time.Now()
}

// SetCancelled records the cancellation error and enters StateCancelled.
func (ic *InferenceContext) SetCancelled(err error, stage string) {
	ic.LastError = err
	ic.ErrorStage = stage
	ic.FailureReason = err.Error()
	ic.moveTo(StateCancelled)
	ic.EndTime = time.Now()
}

// Complete marks the run as successful.
func (ic *InferenceContext) Complete() {
	ic.moveTo(StateComplete)
	ic.EndTime = time.Now()
}

// recordExecution folds the current attempt's execution into the run totals.
func (ic *InferenceContext) recordExecution() {
	if ic.Execution == nil || ic.recorded {
		return
	}
	ic.recorded = true
	ic.ExecutedTools = append(ic.ExecutedTools, ic.Execution.ToolsExecuted...)
	ic.Mutated = ic.Mutated || ic.Execution.Mutated
}

// ResetAttempt clears per-attempt results before a retry.
func (ic *InferenceContext) ResetAttempt() {
	ic.Reasoning = nil
	ic.Selection = nil
	ic.Validation = nil
	ic.Execution = nil
	ic.Response = ""
	ic.recorded = false
}

// GetTotalDuration returns the total duration of the run so far.
func (ic *InferenceContext) GetTotalDuration() time.Duration {
	if !ic.EndTime.IsZero() {
		return ic.EndTime.Sub(ic.StartTime)
	}
	return time.Since(ic.StartTime)
}

// StateTransition defines a transition function for the state machine.
type StateTransition func(ctx context.Context, eventBus eventbus.EventBus, ic *InferenceContext) (ProcessState, error)

// StateMachine runs registered transitions until a terminal state is reached.
type StateMachine struct {
	transitions map[ProcessState]StateTransition
	eventBus    eventbus.EventBus
	logger      *zap.Logger
}

// NewStateMachine creates an empty state machine.
func NewStateMachine(eventBus eventbus.EventBus, logger *zap.Logger) *StateMachine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateMachine{
		transitions: make(map[ProcessState]StateTransition),
		eventBus:    eventBus,
		logger:      logger,
	}
}

// RegisterTransition registers a state transition function.
func (sm *StateMachine) RegisterTransition(state ProcessState, transition StateTransition) {
	sm.transitions[state] = transition
}

// stepBudget bounds the number of transitions a run may take.
func stepBudget(maxAttempts int) int {
	// reasoning, selection, validation, execution, response and retry per attempt
	return maxAttempts*6 + 1
}

// Execute runs the state machine until it reaches a terminal state.
//
// A transition error is caught here. On a non-final attempt it is logged and
// the run moves on to the next attempt; on the final attempt the run fails
// with the error message as the failure reason.
func (sm *StateMachine) Execute(ctx context.Context, ic *InferenceContext) error {
	budget := stepBudget(ic.MaxAttempts)
	for steps := 0; !ic.IsTerminal(); steps++ {
		if steps >= budget {
			sm.logger.DPanic("inference loop did not terminate",
				zap.Int("steps", steps),
				zap.Int("attempt", ic.Attempt),
				zap.String("state", string(ic.CurrentState)))
			err := NewInternalError(string(ic.CurrentState), "inference loop exceeded its step budget", nil)
			ic.SetFailed(err, string(ic.CurrentState), err.Error())
			break
		}

		if err := ctx.Err(); err != nil {
			ic.SetCancelled(NewCancelledError(string(ic.CurrentState), err), string(ic.CurrentState))
			break
		}

		transition, exists := sm.transitions[ic.CurrentState]
		if !exists {
			err := NewInternalError(string(ic.CurrentState), fmt.Sprintf("no transition defined for state: %s", ic.CurrentState), nil)
			ic.SetFailed(err, string(ic.CurrentState), err.Error())
			break
		}

		stage := string(ic.CurrentState)
		nextState, err := sm.run(ctx, transition, ic)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				ic.SetCancelled(NewCancelledError(stage, err), stage)
				continue
			}
			if !ic.IsFinalAttempt() {
				sm.logger.Warn("inference attempt failed, retrying",
					zap.Int("attempt", ic.Attempt),
					zap.String("stage", stage),
					zap.Error(err))
				ic.LastError = err
				ic.ErrorStage = stage
				ic.Feedback = ""
				ic.RetryReason = fmt.Sprintf(RetryReasonFailedFormat, stage)
				ic.moveTo(StateRetry)
				continue
			}
			sm.logger.Error("inference failed on final attempt",
				zap.Int("attempt", ic.Attempt),
				zap.String("stage", stage),
				zap.Error(err))
			ic.SetFailed(err, stage, err.Error())
			continue
		}

		if !ic.IsTerminal() {
			ic.moveTo(nextState)
		}
	}

	if ic.CurrentState == StateComplete {
		return nil
	}
	return ic.LastError
}

// run invokes one transition, converting a panic into an internal error.
func (sm *StateMachine) run(ctx context.Context, transition StateTransition, ic *InferenceContext) (next ProcessState, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewInternalError(string(ic.CurrentState), fmt.Sprintf("stage panicked: %v", r), nil)
		}
	}()
	return transition(ctx, sm.eventBus, ic)
}
