// Package dragonpos provides the core of a conversational point-of-sale agent:
// the bounded inference loop, its stage contracts, and the payment state machine.
package dragonpos

import (
	"context"
	"time"

	"github.com/ZanzyTHEbar/dragonscale-pos/internal/eventbus"
	"go.uber.org/zap"
)

// Observer receives inference-loop measurements. Implementations must be cheap
// and must not block.
type Observer interface {
	AttemptStarted(attempt int)
	ValidationRejected(attempt int)
	ToolExecuted(name string, status ToolStatus)
	InferenceFinished(success bool, iterations int, duration time.Duration)
}

// NopObserver discards all measurements.
type NopObserver struct{}

func (NopObserver) AttemptStarted(int)                         {}
func (NopObserver) ValidationRejected(int)                     {}
func (NopObserver) ToolExecuted(string, ToolStatus)            {}
func (NopObserver) InferenceFinished(bool, int, time.Duration) {}

// Config holds the inference loop settings. Both fields must be configured.
type Config struct {
	// Maximum number of reason/select/validate attempts per turn
	MaxAttempts int

	// Customer-facing reply used when the loop gives up
	FallbackResponse string
}

// TransactionStateFunc summarizes the session's current transaction for prompts.
type TransactionStateFunc func(ctx context.Context, session *Session) string

// TurnInput is the per-turn input of the inference loop.
type TurnInput struct {
	Utterance        string
	TransactionState string
	History          []ConversationTurn
}

// InferenceLoop composes the five stages with a bounded retry count.
type InferenceLoop struct {
	reasoner  Reasoner
	selector  ToolSelector
	validator Validator
	executor  Executor
	responder Responder
	observer  Observer
	state     TransactionStateFunc
	eventBus  eventbus.EventBus
	logger    *zap.Logger

	config Config
}

// Option is a function that configures an InferenceLoop.
type Option func(*InferenceLoop)

// WithConfig sets the loop configuration.
func WithConfig(config Config) Option {
	return func(l *InferenceLoop) {
		l.config = config
	}
}

// WithReasoner sets the reasoning stage.
func WithReasoner(r Reasoner) Option {
	return func(l *InferenceLoop) {
		l.reasoner = r
	}
}

// WithToolSelector sets the tool selection stage.
func WithToolSelector(s ToolSelector) Option {
	return func(l *InferenceLoop) {
		l.selector = s
	}
}

// WithValidator sets the validation stage.
func WithValidator(v Validator) Option {
	return func(l *InferenceLoop) {
		l.validator = v
	}
}

// WithExecutor sets the execution stage.
func WithExecutor(e Executor) Option {
	return func(l *InferenceLoop) {
		l.executor = e
	}
}

// WithResponder sets the response generation stage.
func WithResponder(r Responder) Option {
	return func(l *InferenceLoop) {
		l.responder = r
	}
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(l *InferenceLoop) {
		l.observer = o
	}
}

// WithTransactionState sets the function used to re-read the transaction
// after tools have changed it.
func WithTransactionState(fn TransactionStateFunc) Option {
	return func(l *InferenceLoop) {
		l.state = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *InferenceLoop) {
		l.logger = logger
	}
}

// NewInferenceLoop creates an inference loop. Every stage and both config
// values are required; nothing is defaulted.
func NewInferenceLoop(options ...Option) (*InferenceLoop, error) {
	l := &InferenceLoop{
		observer: NopObserver{},
		logger:   zap.NewNop(),
	}

	for _, option := range options {
		option(l)
	}

	switch {
	case l.reasoner == nil:
		return nil, NewConfigurationError("reasoning stage is required", nil)
	case l.selector == nil:
		return nil, NewConfigurationError("tool selection stage is required", nil)
	case l.validator == nil:
		return nil, NewConfigurationError("validation stage is required", nil)
	case l.executor == nil:
		return nil, NewConfigurationError("execution stage is required", nil)
	case l.responder == nil:
		return nil, NewConfigurationError("response stage is required", nil)
	case l.config.MaxAttempts < 1:
		return nil, NewConfigurationError("inference max attempts must be at least 1", nil)
	case l.config.FallbackResponse == "":
		return nil, NewConfigurationError("inference fallback response is not configured", nil)
	}

	return l, nil
}

// MaxAttempts returns the configured attempt bound.
func (l *InferenceLoop) MaxAttempts() int {
	return l.config.MaxAttempts
}

// Run processes one customer turn. It never returns an error: failures are
// reported through InferenceResult with a non-empty customer response.
func (l *InferenceLoop) Run(ctx context.Context, session *Session, input TurnInput) *InferenceResult {
	sm := CreateInferenceStateMachine(InferenceComponents{
		Reasoner:  l.reasoner,
		Selector:  l.selector,
		Validator: l.validator,
		Executor:  l.executor,
		Responder: l.responder,
		Observer:  l.observer,
		State:     l.state,
	}, NewStateMachine(l.eventBus, l.logger))

	ic := NewInferenceContext(input.Utterance, input.TransactionState, session, l.config.MaxAttempts)
	ic.History = input.History

	err := sm.Execute(ctx, ic)
	ic.recordExecution()

	result := &InferenceResult{
		Success:        err == nil && ic.CurrentState == StateComplete,
		ToolsExecuted:  ic.ExecutedTools,
		IterationsUsed: ic.Attempt,
		Mutated:        ic.Mutated,
		Intent:         IntentUnknown,
	}
	if ic.Reasoning != nil {
		result.Intent = ic.Reasoning.Intent
	}

	if result.Success {
		result.CustomerResponse = ic.Response
	} else {
		result.CustomerResponse = l.config.FallbackResponse
		result.FailureReason = ic.FailureReason
		result.Err = err
		if result.FailureReason == "" && err != nil {
			result.FailureReason = err.Error()
		}
	}

	l.observer.InferenceFinished(result.Success, result.IterationsUsed, ic.GetTotalDuration())

	eventType := eventbus.EventInferenceSucceeded
	metadata := map[string]interface{}{
		"iterations":  result.IterationsUsed,
		"duration_ms": ic.GetTotalDuration().Milliseconds(),
		"tools":       len(result.ToolsExecuted),
	}
	if !result.Success {
		eventType = eventbus.EventInferenceFailed
		metadata["failure_reason"] = result.FailureReason
		metadata["error_stage"] = ic.ErrorStage
	}
	// The turn context may already be done.
	publish(context.WithoutCancel(ctx), l.eventBus, eventType, input.Utterance, "InferenceLoop.Run", metadata)

	l.logger.Debug("inference finished",
		zap.Bool("success", result.Success),
		zap.Int("iterations", result.IterationsUsed),
		zap.Strings("tools", result.ToolsExecuted),
		zap.String("failure_reason", result.FailureReason))

	return result
}
