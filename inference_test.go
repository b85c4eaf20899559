package dragonpos

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fallback = "Sorry, I didn't catch that. Could you say it again?"

type recordingObserver struct {
	attempts   []int
	rejections []int
	tools      []string
	finished   bool
	success    bool
	iterations int
}

func (r *recordingObserver) AttemptStarted(attempt int) { r.attempts = append(r.attempts, attempt) }
func (r *recordingObserver) ValidationRejected(attempt int) {
	r.rejections = append(r.rejections, attempt)
}
func (r *recordingObserver) ToolExecuted(name string, status ToolStatus) {
	r.tools = append(r.tools, name+":"+string(status))
}
func (r *recordingObserver) InferenceFinished(success bool, iterations int, d time.Duration) {
	r.finished, r.success, r.iterations = true, success, iterations
}

func newLoop(t *testing.T, maxAttempts int, v Validator, opts ...Option) *InferenceLoop {
	t.Helper()
	base := []Option{
		WithReasoner(&dummyReasoner{}),
		WithToolSelector(&dummySelector{invocations: addKopi()}),
		WithValidator(v),
		WithExecutor(&dummyExecutor{}),
		WithResponder(&dummyResponder{}),
		WithConfig(Config{MaxAttempts: maxAttempts, FallbackResponse: fallback}),
	}
	loop, err := NewInferenceLoop(append(base, opts...)...)
	require.NoError(t, err)
	return loop
}

func TestInferenceLoop_ApprovedFirstAttempt(t *testing.T) {
	loop := newLoop(t, 2, &scriptedValidator{})

	result := loop.Run(context.Background(), NewSession("T1", "SGD"), TurnInput{Utterance: "one kopi c"})

	assert.True(t, result.Success)
	assert.Equal(t, 1, result.IterationsUsed)
	assert.Equal(t, "One Kopi C coming up.", result.CustomerResponse)
	assert.Equal(t, []string{"add_item_to_transaction"}, result.ToolsExecuted)
	assert.True(t, result.Mutated)
	assert.Empty(t, result.FailureReason)
	assert.Equal(t, IntentOrdering, result.Intent)
}

func TestInferenceLoop_RejectedUntilLastAttemptUsesAllIterations(t *testing.T) {
	for _, maxAttempts := range []int{1, 2, 3, 5} {
		loop := newLoop(t, maxAttempts, &scriptedValidator{rejections: maxAttempts - 1})
		result := loop.Run(context.Background(), NewSession("T1", "SGD"), TurnInput{Utterance: "kaya toast"})

		assert.True(t, result.Success, "max=%d", maxAttempts)
		assert.Equal(t, maxAttempts, result.IterationsUsed, "max=%d", maxAttempts)
	}
}

func TestInferenceLoop_FeedbackReachesNextReasoningAttempt(t *testing.T) {
	reasoner := &dummyReasoner{}
	loop, err := NewInferenceLoop(
		WithReasoner(reasoner),
		WithToolSelector(&dummySelector{invocations: addKopi()}),
		WithValidator(&scriptedValidator{rejections: 1}),
		WithExecutor(&dummyExecutor{}),
		WithResponder(&dummyResponder{}),
		WithConfig(Config{MaxAttempts: 2, FallbackResponse: fallback}),
	)
	require.NoError(t, err)

	loop.Run(context.Background(), NewSession("T1", "SGD"), TurnInput{Utterance: "kopi"})

	require.Len(t, reasoner.inputs, 2)
	assert.Empty(t, reasoner.inputs[0].PreviousFeedback)
	assert.Equal(t, 2, reasoner.inputs[1].Attempt)
	assert.Equal(t, "use the exact product name", reasoner.inputs[1].PreviousFeedback)
	assert.Equal(t, RetryReasonRejected, reasoner.inputs[1].RetryReason)
}

func TestInferenceLoop_NeverApprovedTerminatesWithFallback(t *testing.T) {
	obs := &recordingObserver{}
	executor := &dummyExecutor{}
	loop, err := NewInferenceLoop(
		WithReasoner(&dummyReasoner{}),
		WithToolSelector(&dummySelector{invocations: addKopi()}),
		WithValidator(&scriptedValidator{rejections: 100}),
		WithExecutor(executor),
		WithResponder(&dummyResponder{}),
		WithObserver(obs),
		WithConfig(Config{MaxAttempts: 3, FallbackResponse: fallback}),
	)
	require.NoError(t, err)

	done := make(chan *InferenceResult, 1)
	go func() { done <- loop.Run(context.Background(), NewSession("T1", "SGD"), TurnInput{Utterance: "??"}) }()

	var result *InferenceResult
	select {
	case result = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("inference loop did not terminate")
	}

	assert.False(t, result.Success)
	assert.NotEmpty(t, result.CustomerResponse)
	assert.Equal(t, fallback, result.CustomerResponse)
	assert.Equal(t, 3, result.IterationsUsed)
	assert.Contains(t, result.FailureReason, "validation rejected")
	assert.NoError(t, result.Err, "exhausted validation is not turn-fatal")
	assert.Empty(t, result.ToolsExecuted)
	assert.Zero(t, executor.calls)

	assert.Equal(t, []int{1, 2, 3}, obs.attempts)
	assert.Equal(t, []int{1, 2, 3}, obs.rejections)
	assert.True(t, obs.finished)
	assert.False(t, obs.success)
}

func TestInferenceLoop_ErrorOnFinalAttemptSetsFailureReason(t *testing.T) {
	loop := newLoop(t, 1, &scriptedValidator{},
		WithReasoner(&dummyReasoner{errOnAttempt: map[int]error{1: errors.New("oracle unavailable")}}))

	result := loop.Run(context.Background(), NewSession("T1", "SGD"), TurnInput{Utterance: "hi"})

	assert.False(t, result.Success)
	assert.Equal(t, fallback, result.CustomerResponse)
	assert.Contains(t, result.FailureReason, "oracle unavailable")
	assert.Error(t, result.Err)
}

func TestInferenceLoop_ExecutionSurvivesLaterStageFailure(t *testing.T) {
	loop := newLoop(t, 1, &scriptedValidator{},
		WithResponder(&dummyResponder{err: errors.New("response backend down")}))

	result := loop.Run(context.Background(), NewSession("T1", "SGD"), TurnInput{Utterance: "one kopi c"})

	assert.False(t, result.Success)
	assert.True(t, result.Mutated)
	assert.Equal(t, []string{"add_item_to_transaction"}, result.ToolsExecuted)
}

func TestInferenceLoop_ResponseFailureAfterExecutionDoesNotRepeatTools(t *testing.T) {
	reasoner := &dummyReasoner{}
	executor := &dummyExecutor{}
	responder := &dummyResponder{failures: 1}
	obs := &recordingObserver{}
	var stateReads int
	loop := newLoop(t, 2, &scriptedValidator{},
		WithReasoner(reasoner),
		WithExecutor(executor),
		WithResponder(responder),
		WithObserver(obs),
		WithTransactionState(func(ctx context.Context, s *Session) string {
			stateReads++
			return "1 x Kopi C, total 1.64"
		}))

	result := loop.Run(context.Background(), NewSession("T1", "SGD"), TurnInput{
		Utterance:        "one kopi c",
		TransactionState: "no transaction",
	})

	assert.True(t, result.Success)
	assert.Equal(t, "One Kopi C coming up.", result.CustomerResponse)
	assert.Equal(t, 2, result.IterationsUsed)
	assert.Equal(t, 1, executor.calls, "tools run once per turn")
	assert.Equal(t, []string{"add_item_to_transaction"}, result.ToolsExecuted)
	assert.True(t, result.Mutated)
	assert.Len(t, reasoner.inputs, 1, "reasoning is not repeated once tools ran")
	assert.Equal(t, []int{1, 2}, obs.attempts)

	require.Len(t, responder.inputs, 2)
	for _, in := range responder.inputs {
		assert.Equal(t, "1 x Kopi C, total 1.64", in.TransactionState)
	}
	assert.Positive(t, stateReads)
}

func TestInferenceLoop_RetryAfterStageErrorReportsRealReason(t *testing.T) {
	reasoner := &dummyReasoner{errOnAttempt: map[int]error{1: errors.New("oracle unavailable")}}
	loop := newLoop(t, 2, &scriptedValidator{}, WithReasoner(reasoner))

	result := loop.Run(context.Background(), NewSession("T1", "SGD"), TurnInput{Utterance: "one kopi c"})

	assert.True(t, result.Success)
	require.Len(t, reasoner.inputs, 2)
	assert.Empty(t, reasoner.inputs[0].RetryReason)
	assert.Equal(t, "the previous attempt failed during reasoning", reasoner.inputs[1].RetryReason)
	assert.Empty(t, reasoner.inputs[1].PreviousFeedback)
}

func TestInferenceLoop_ZeroToolSelectionStillResponds(t *testing.T) {
	executor := &dummyExecutor{}
	loop := newLoop(t, 2, &scriptedValidator{},
		WithToolSelector(&dummySelector{}),
		WithExecutor(executor))

	result := loop.Run(context.Background(), NewSession("T1", "SGD"), TurnInput{Utterance: "what's good here?"})

	assert.True(t, result.Success)
	assert.Empty(t, result.ToolsExecuted)
	assert.False(t, result.Mutated)
	assert.Zero(t, executor.calls)
}

func TestInferenceLoop_CancelledContext(t *testing.T) {
	loop := newLoop(t, 2, &scriptedValidator{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := loop.Run(ctx, NewSession("T1", "SGD"), TurnInput{Utterance: "one kopi c"})
	assert.False(t, result.Success)
	assert.Equal(t, fallback, result.CustomerResponse)
	assert.NotEmpty(t, result.FailureReason)
}

func TestNewInferenceLoop_RequiresConfiguration(t *testing.T) {
	stages := []Option{
		WithReasoner(&dummyReasoner{}),
		WithToolSelector(&dummySelector{}),
		WithValidator(&scriptedValidator{}),
		WithExecutor(&dummyExecutor{}),
		WithResponder(&dummyResponder{}),
	}

	_, err := NewInferenceLoop(stages...)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeConfiguration))
	assert.Contains(t, err.Error(), "design deficiency")

	_, err = NewInferenceLoop(append(stages, WithConfig(Config{MaxAttempts: 2}))...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fallback response")

	_, err = NewInferenceLoop(WithConfig(Config{MaxAttempts: 2, FallbackResponse: fallback}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reasoning stage")
}
