package dragonpos

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/dragonscale-pos/internal/eventbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dummyReasoner struct {
	errOnAttempt map[int]error
	panicOn      int
	intent       Intent
	inputs       []ReasoningInput
}

func (d *dummyReasoner) Reason(ctx context.Context, input ReasoningInput) (*ReasoningResult, error) {
	d.inputs = append(d.inputs, input)
	if d.panicOn == input.Attempt {
		panic("reasoner bug")
	}
	if err := d.errOnAttempt[input.Attempt]; err != nil {
		return nil, err
	}
	intent := d.intent
	if intent == "" {
		intent = IntentOrdering
	}
	return &ReasoningResult{Summary: "customer wants kopi", RawText: "customer wants kopi", Intent: intent}, nil
}

type dummySelector struct {
	invocations []ToolInvocation
}

func (d *dummySelector) Select(ctx context.Context, input SelectionInput) (*ToolSelectionResult, error) {
	return &ToolSelectionResult{Invocations: d.invocations, Justification: "TOOL_CALL lines"}, nil
}

// scriptedValidator rejects the first `rejections` calls, then approves.
type scriptedValidator struct {
	rejections int
	calls      int
}

func (s *scriptedValidator) Validate(ctx context.Context, input ValidationInput) (*ValidationResult, error) {
	s.calls++
	if s.calls <= s.rejections {
		return &ValidationResult{Approved: false, Rationale: "wrong item", Feedback: "use the exact product name"}, nil
	}
	return &ValidationResult{Approved: true, Rationale: "consistent"}, nil
}

type dummyExecutor struct {
	calls int
}

func (d *dummyExecutor) Execute(ctx context.Context, session *Session, invocations []ToolInvocation) (*ExecutionResult, error) {
	d.calls++
	res := &ExecutionResult{Success: true}
	for _, inv := range invocations {
		res.ToolsExecuted = append(res.ToolsExecuted, inv.FunctionName)
		res.Results = append(res.Results, ToolResult{Name: inv.FunctionName, Status: ToolStatusOK, Output: "done", Mutating: true})
		res.Outputs = append(res.Outputs, "done")
		res.Mutated = true
	}
	return res, nil
}

// dummyResponder fails its first `failures` calls, or every call when err is set.
type dummyResponder struct {
	err      error
	failures int
	inputs   []ResponseInput
}

func (d *dummyResponder) Respond(ctx context.Context, input ResponseInput) (string, error) {
	d.inputs = append(d.inputs, input)
	if d.err != nil {
		return "", d.err
	}
	if len(d.inputs) <= d.failures {
		return "", errors.New("response backend timed out")
	}
	return "One Kopi C coming up.", nil
}

func addKopi() []ToolInvocation {
	return []ToolInvocation{{FunctionName: "add_item_to_transaction", Arguments: map[string]any{"item_description": "Kopi C"}}}
}

func newTestMachine(c InferenceComponents, eb eventbus.EventBus) *StateMachine {
	return CreateInferenceStateMachine(c, NewStateMachine(eb, nil))
}

func TestStateMachine_Execute_Success(t *testing.T) {
	sm := newTestMachine(InferenceComponents{
		Reasoner:  &dummyReasoner{},
		Selector:  &dummySelector{invocations: addKopi()},
		Validator: &scriptedValidator{},
		Executor:  &dummyExecutor{},
		Responder: &dummyResponder{},
	}, nil)

	ic := NewInferenceContext("one kopi c", "Started", nil, 2)
	require.NoError(t, sm.Execute(context.Background(), ic))

	assert.Equal(t, StateComplete, ic.CurrentState)
	assert.Equal(t, "One Kopi C coming up.", ic.Response)
	assert.Equal(t, []ProcessState{StateReasoning, StateToolSelection, StateValidation, StateExecution, StateResponse}, ic.StateHistory)
}

func TestStateMachine_Execute_StageErrorOnNonFinalAttemptRetries(t *testing.T) {
	reasoner := &dummyReasoner{errOnAttempt: map[int]error{1: errors.New("backend hiccup")}}
	sm := newTestMachine(InferenceComponents{
		Reasoner:  reasoner,
		Selector:  &dummySelector{},
		Validator: &scriptedValidator{},
		Executor:  &dummyExecutor{},
		Responder: &dummyResponder{},
	}, nil)

	ic := NewInferenceContext("hello", "None", nil, 2)
	require.NoError(t, sm.Execute(context.Background(), ic))
	assert.Equal(t, 2, ic.Attempt)
	assert.Contains(t, ic.StateHistory, StateRetry)
}

func TestStateMachine_Execute_StageErrorOnFinalAttemptFails(t *testing.T) {
	sm := newTestMachine(InferenceComponents{
		Reasoner:  &dummyReasoner{},
		Selector:  &dummySelector{},
		Validator: &scriptedValidator{},
		Executor:  &dummyExecutor{},
		Responder: &dummyResponder{err: errors.New("quota exceeded")},
	}, nil)

	ic := NewInferenceContext("hello", "None", nil, 1)
	err := sm.Execute(context.Background(), ic)
	require.Error(t, err)
	assert.Equal(t, StateFailed, ic.CurrentState)
	assert.Equal(t, string(StateResponse), ic.ErrorStage)
	assert.Contains(t, ic.FailureReason, "quota exceeded")
}

func TestStateMachine_Execute_PanicBecomesInternalError(t *testing.T) {
	sm := newTestMachine(InferenceComponents{
		Reasoner:  &dummyReasoner{panicOn: 1},
		Selector:  &dummySelector{},
		Validator: &scriptedValidator{},
		Executor:  &dummyExecutor{},
		Responder: &dummyResponder{},
	}, nil)

	ic := NewInferenceContext("hello", "None", nil, 1)
	err := sm.Execute(context.Background(), ic)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInternal))
	assert.Contains(t, ic.FailureReason, "reasoner bug")
}

func TestStateMachine_Execute_Cancellation(t *testing.T) {
	sm := newTestMachine(InferenceComponents{
		Reasoner:  &dummyReasoner{},
		Selector:  &dummySelector{},
		Validator: &scriptedValidator{},
		Executor:  &dummyExecutor{},
		Responder: &dummyResponder{},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ic := NewInferenceContext("hello", "None", nil, 2)
	err := sm.Execute(ctx, ic)
	require.Error(t, err)
	assert.Equal(t, StateCancelled, ic.CurrentState)
	assert.True(t, IsCode(err, ErrCodeCancelled))
}

func TestStateMachine_Execute_MissingTransition(t *testing.T) {
	sm := NewStateMachine(nil, nil)
	ic := NewInferenceContext("hello", "None", nil, 1)
	err := sm.Execute(context.Background(), ic)
	require.Error(t, err)
	assert.Equal(t, StateFailed, ic.CurrentState)
}

func TestStateMachine_Execute_StepBudgetStopsRunawayLoop(t *testing.T) {
	sm := NewStateMachine(nil, nil)
	// A transition that never advances the attempt counter would spin forever.
	sm.RegisterTransition(StateReasoning, func(ctx context.Context, eb eventbus.EventBus, ic *InferenceContext) (ProcessState, error) {
		return StateReasoning, nil
	})

	ic := NewInferenceContext("hello", "None", nil, 2)
	err := sm.Execute(context.Background(), ic)
	require.Error(t, err)
	assert.Equal(t, StateFailed, ic.CurrentState)
	assert.Len(t, ic.StateHistory, stepBudget(2)+1)
}

func TestStateMachine_EventBus_EmitsEvents(t *testing.T) {
	eb := eventbus.NewChannelEventBus(eventbus.WithWorkerCount(1))
	defer eb.Close()

	var mu sync.Mutex
	received := map[eventbus.EventType]int{}
	responded := make(chan struct{}, 1)
	_, err := eb.SubscribeAll(func(ctx context.Context, e eventbus.Event) error {
		mu.Lock()
		received[e.Type()]++
		mu.Unlock()
		if e.Type() == eventbus.EventResponseGenerated {
			responded <- struct{}{}
		}
		return nil
	})
	require.NoError(t, err)

	sm := newTestMachine(InferenceComponents{
		Reasoner:  &dummyReasoner{},
		Selector:  &dummySelector{invocations: addKopi()},
		Validator: &scriptedValidator{rejections: 1},
		Executor:  &dummyExecutor{},
		Responder: &dummyResponder{},
	}, eb)

	ic := NewInferenceContext("one kopi c", "Started", nil, 2)
	require.NoError(t, sm.Execute(context.Background(), ic))

	select {
	case <-responded:
	case <-time.After(time.Second):
		t.Fatal("response event not delivered")
	}

	// A single worker delivers events in publish order.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, received[eventbus.EventAttemptStarted])
	assert.Equal(t, 1, received[eventbus.EventValidationRejected])
	assert.Equal(t, 1, received[eventbus.EventValidationApproved])
	assert.Equal(t, 1, received[eventbus.EventToolExecuted])
}
