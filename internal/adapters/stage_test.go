package adapters

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dragonpos "github.com/ZanzyTHEbar/dragonscale-pos"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/gateway"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/prompt"
)

const testPrompts = `
personalities:
  test:
    system: "You are a friendly kopitiam cashier."
    reasoning: |
      Customer: {{.Utterance}}
      State: {{.TransactionState}}
      {{- if .Retry}}
      Previous feedback: {{.Feedback}}
      {{- end}}
    selection: "Pick tools for: {{.Summary}}"
    validation: |
      Review: {{.Summary}}
      {{.Invocations}}
    response: "Reply to {{.Utterance}} given {{.ToolResults}}"
    apology: "Apologize for {{.Reason}}"
    ask_payment: "Ask for one of {{join .Methods \", \"}}"
    greeting: "Hello"
`

// scriptedBackend returns replies in order and records prompts.
type scriptedBackend struct {
	mu      sync.Mutex
	replies []string
	err     error
	prompts []string
}

func (s *scriptedBackend) Name() string { return "scripted" }

func (s *scriptedBackend) Generate(_ context.Context, _ string, p string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, p)
	if s.err != nil {
		return "", s.err
	}
	if len(s.replies) == 0 {
		return "", errors.New("no scripted reply left")
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r, nil
}

func (s *scriptedBackend) lastPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.prompts) == 0 {
		return ""
	}
	return s.prompts[len(s.prompts)-1]
}

func newOracle(t *testing.T, replies ...string) (*gateway.Gateway, *scriptedBackend) {
	t.Helper()
	backend := &scriptedBackend{replies: replies}
	g, err := gateway.New(backend)
	require.NoError(t, err)
	return g, backend
}

func newPrompts(t *testing.T) *prompt.Registry {
	t.Helper()
	reg, err := prompt.Parse(strings.NewReader(testPrompts))
	require.NoError(t, err)
	return reg
}

func TestReasoningStage_SummaryIntentAndContext(t *testing.T) {
	oracle, backend := newOracle(t, "Customer wants one Kopi C.\n\nINTENT: ordering")
	stage, err := NewReasoningStage(oracle, newPrompts(t), "test", ReasoningConfig{
		StoreName:       "Ah Seng Kopitiam",
		SummaryMaxChars: 200,
		Sources: map[string]ContextSource{
			ContextInventoryHint: func(context.Context) (string, error) { return "Kopi, Teh", nil },
			"broken":             func(context.Context) (string, error) { return "", errors.New("down") },
		},
	})
	require.NoError(t, err)

	res, err := stage.Reason(context.Background(), dragonpos.ReasoningInput{
		Utterance:        "one kopi c",
		TransactionState: "no transaction",
		Attempt:          1,
	})
	require.NoError(t, err)
	assert.Equal(t, "Customer wants one Kopi C.", res.Summary)
	assert.Equal(t, dragonpos.IntentOrdering, res.Intent)

	sent := backend.lastPrompt()
	assert.Contains(t, sent, "Customer: one kopi c")
	assert.Contains(t, sent, "- inventory_hint: Kopi, Teh")
	assert.Contains(t, sent, "- store: Ah Seng Kopitiam")
	assert.Contains(t, sent, "- attempt: 1")
	assert.NotContains(t, sent, "broken")
	assert.NotContains(t, sent, ContextPreviousAttempt)
}

func TestReasoningStage_RetryMentionsRejection(t *testing.T) {
	oracle, backend := newOracle(t, "Customer wants Kopi O instead.")
	stage, err := NewReasoningStage(oracle, newPrompts(t), "test", ReasoningConfig{StoreName: "Ah Seng", SummaryMaxChars: 200})
	require.NoError(t, err)

	res, err := stage.Reason(context.Background(), dragonpos.ReasoningInput{
		Utterance:        "kopi o",
		Attempt:          2,
		PreviousFeedback: "wrong drink",
		RetryReason:      dragonpos.RetryReasonRejected,
	})
	require.NoError(t, err)
	assert.Equal(t, dragonpos.IntentUnknown, res.Intent)

	sent := backend.lastPrompt()
	assert.Contains(t, sent, "- previous_attempt: the previous selection was rejected by validation; reconsider the request: wrong drink")
	assert.Contains(t, sent, "Previous feedback: wrong drink")
}

func TestReasoningStage_RetryAfterFailureDoesNotClaimRejection(t *testing.T) {
	oracle, backend := newOracle(t, "Customer still wants two Kopi.")
	stage, err := NewReasoningStage(oracle, newPrompts(t), "test", ReasoningConfig{StoreName: "Ah Seng", SummaryMaxChars: 200})
	require.NoError(t, err)

	_, err = stage.Reason(context.Background(), dragonpos.ReasoningInput{
		Utterance:        "two kopi",
		TransactionState: "2 x Kopi",
		Attempt:          2,
		RetryReason:      "the previous attempt failed during tool_selection",
	})
	require.NoError(t, err)

	sent := backend.lastPrompt()
	assert.Contains(t, sent, "- previous_attempt: the previous attempt failed during tool_selection; reconsider the request")
	assert.NotContains(t, sent, "rejected by validation")
	assert.Contains(t, sent, "- transaction_state: 2 x Kopi")
}

func TestReasoningStage_Failures(t *testing.T) {
	oracle, backend := newOracle(t)
	backend.err = errors.New("quota exceeded")
	stage, err := NewReasoningStage(oracle, newPrompts(t), "test", ReasoningConfig{StoreName: "Ah Seng", SummaryMaxChars: 200})
	require.NoError(t, err)

	_, err = stage.Reason(context.Background(), dragonpos.ReasoningInput{Utterance: "kopi", Attempt: 1})
	assert.True(t, dragonpos.IsCode(err, dragonpos.ErrCodeOracle))

	oracle, _ = newOracle(t, "INTENT: ordering")
	stage, err = NewReasoningStage(oracle, newPrompts(t), "test", ReasoningConfig{StoreName: "Ah Seng", SummaryMaxChars: 200})
	require.NoError(t, err)
	_, err = stage.Reason(context.Background(), dragonpos.ReasoningInput{Utterance: "kopi", Attempt: 1})
	assert.True(t, dragonpos.IsCode(err, dragonpos.ErrCodeOracle), "a reply with no summary is an oracle failure")

	_, err = NewReasoningStage(oracle, newPrompts(t), "test", ReasoningConfig{StoreName: "Ah Seng"})
	assert.True(t, dragonpos.IsCode(err, dragonpos.ErrCodeConfiguration))

	stage, err = NewReasoningStage(oracle, newPrompts(t), "missing", ReasoningConfig{StoreName: "Ah Seng", SummaryMaxChars: 10})
	require.NoError(t, err)
	_, err = stage.Reason(context.Background(), dragonpos.ReasoningInput{Utterance: "kopi", Attempt: 1})
	assert.True(t, dragonpos.IsCode(err, dragonpos.ErrCodeConfiguration))
}

func TestParseReasoning(t *testing.T) {
	summary, intent := ParseReasoning("\n  First line.\nSecond line.\n\nIgnored paragraph.\nintent: Completion.", 200)
	assert.Equal(t, "First line. Second line.", summary)
	assert.Equal(t, dragonpos.IntentCompletion, intent)

	summary, _ = ParseReasoning("Kopi 咖啡 with extra sugar please", 8)
	assert.Equal(t, "Kopi 咖啡", summary)
	assert.LessOrEqual(t, len([]rune(summary)), 8)

	_, intent = ParseReasoning("Pay now.\nINTENT: teleport", 50)
	assert.Equal(t, dragonpos.IntentUnknown, intent)
}

func TestSelectionStage_ExtractsInvocations(t *testing.T) {
	oracle, backend := newOracle(t, "I will add the drink.\nTOOL_CALL: add_item_to_transaction {\"item_description\":\"Kopi C\"}\nTOOL_CALL: unknown_tool {}")
	catalog := staticCatalog{{Name: "add_item_to_transaction", Parameters: map[string]dragonpos.ParameterSpec{
		"item_description": {Type: dragonpos.TypeString, Required: true},
	}}}
	stage, err := NewSelectionStage(oracle, newPrompts(t), "test", catalog)
	require.NoError(t, err)

	res, err := stage.Select(context.Background(), dragonpos.SelectionInput{
		Utterance: "kopi c",
		Reasoning: &dragonpos.ReasoningResult{Summary: "Customer wants Kopi C."},
	})
	require.NoError(t, err)
	require.Len(t, res.Invocations, 1)
	assert.Equal(t, "add_item_to_transaction", res.Invocations[0].FunctionName)
	assert.Equal(t, "Kopi C", res.Invocations[0].Arguments["item_description"])
	assert.Equal(t, "I will add the drink.", res.Justification)
	assert.Contains(t, backend.lastPrompt(), "AVAILABLE TOOLS:")
	assert.Contains(t, backend.lastPrompt(), "Pick tools for: Customer wants Kopi C.")

	_, err = NewSelectionStage(oracle, newPrompts(t), "test", nil)
	assert.True(t, dragonpos.IsCode(err, dragonpos.ErrCodeConfiguration))
}

func TestSelectionStage_MalformedArgumentsAreFatal(t *testing.T) {
	oracle, _ := newOracle(t, "TOOL_CALL: add_item_to_transaction {not json}")
	stage, err := NewSelectionStage(oracle, newPrompts(t), "test", staticCatalog{{Name: "add_item_to_transaction"}})
	require.NoError(t, err)

	_, err = stage.Select(context.Background(), dragonpos.SelectionInput{Reasoning: &dragonpos.ReasoningResult{Summary: "x"}})
	assert.True(t, dragonpos.IsCode(err, dragonpos.ErrCodeMalformedToolCall))
}

func TestValidationStage_Decisions(t *testing.T) {
	oracle, backend := newOracle(t,
		`{"decision": "APPROVED", "rationale": "Matches the request."}`,
		`{"decision": "REJECTED", "rationale": "Wrong drink."}`,
	)
	stage, err := NewValidationStage(oracle, newPrompts(t), "test", 1)
	require.NoError(t, err)

	input := dragonpos.ValidationInput{
		Reasoning: &dragonpos.ReasoningResult{Summary: "Customer wants Kopi C."},
		Invocations: []dragonpos.ToolInvocation{
			{FunctionName: "add_item_to_transaction", Arguments: map[string]any{"item_description": "Kopi C"}},
		},
	}
	res, err := stage.Validate(context.Background(), input)
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.Contains(t, backend.lastPrompt(), `TOOL_CALL: add_item_to_transaction {"item_description":"Kopi C"}`)

	res, err = stage.Validate(context.Background(), input)
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Equal(t, "Wrong drink.", res.Feedback, "rationale stands in for missing feedback")
}

func TestValidationStage_SchemaViolations(t *testing.T) {
	oracle, _ := newOracle(t, "Looks APPROVED to me", "still no json")
	stage, err := NewValidationStage(oracle, newPrompts(t), "test", 1)
	require.NoError(t, err)

	_, err = stage.Validate(context.Background(), dragonpos.ValidationInput{Reasoning: &dragonpos.ReasoningResult{Summary: "x"}})
	assert.True(t, dragonpos.IsCode(err, dragonpos.ErrCodeMalformedDecision))

	_, err = NewValidationStage(oracle, newPrompts(t), "test", -1)
	assert.True(t, dragonpos.IsCode(err, dragonpos.ErrCodeConfiguration))
}

func TestFormatInvocations(t *testing.T) {
	assert.Equal(t, "(no tools)", FormatInvocations(nil))
	assert.Equal(t, "TOOL_CALL: get_transaction {}", FormatInvocations([]dragonpos.ToolInvocation{{FunctionName: "get_transaction"}}))
}

func TestResponseStage(t *testing.T) {
	oracle, backend := newOracle(t, "One Kopi C coming up!", "  ", "Sorry, something went wrong.", "Cash or card?")
	stage, err := NewResponseStage(oracle, newPrompts(t), "test")
	require.NoError(t, err)

	reply, err := stage.Respond(context.Background(), dragonpos.ResponseInput{
		Utterance:   "kopi c",
		ToolResults: []string{"add_item_to_transaction: Added 1 x Kopi C"},
	})
	require.NoError(t, err)
	assert.Equal(t, "One Kopi C coming up!", reply)
	assert.Contains(t, backend.lastPrompt(), "Added 1 x Kopi C")

	_, err = stage.Respond(context.Background(), dragonpos.ResponseInput{Utterance: "kopi c"})
	assert.True(t, dragonpos.IsCode(err, dragonpos.ErrCodeOracle))

	reply, err = stage.Apologize(context.Background(), "kopi c", "kernel down")
	require.NoError(t, err)
	assert.Equal(t, "Sorry, something went wrong.", reply)
	assert.Contains(t, backend.lastPrompt(), "Apologize for kernel down")

	reply, err = stage.AskPayment(context.Background(), "that's all", "InProgress", []string{"cash", "card"})
	require.NoError(t, err)
	assert.Equal(t, "Cash or card?", reply)
	assert.Contains(t, backend.lastPrompt(), "cash, card")
}

func TestNewStage_RequiresCollaborators(t *testing.T) {
	oracle, _ := newOracle(t)
	_, err := NewResponseStage(nil, newPrompts(t), "test")
	assert.True(t, dragonpos.IsCode(err, dragonpos.ErrCodeConfiguration))
	_, err = NewResponseStage(oracle, nil, "test")
	assert.True(t, dragonpos.IsCode(err, dragonpos.ErrCodeConfiguration))
	_, err = NewResponseStage(oracle, newPrompts(t), "")
	assert.True(t, dragonpos.IsCode(err, dragonpos.ErrCodeConfiguration))
}

type staticCatalog []dragonpos.ToolDefinition

func (c staticCatalog) Definitions() []dragonpos.ToolDefinition { return c }
