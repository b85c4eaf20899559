package adapters

import (
	"context"
	"errors"
	"strings"

	dragonpos "github.com/ZanzyTHEbar/dragonscale-pos"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/gateway"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/prompt"
)

var errEmptyReply = errors.New("oracle returned an empty reply")

// ResponseStage phrases the customer-facing reply.
type ResponseStage struct {
	stage
}

// NewResponseStage creates the response generation stage.
func NewResponseStage(oracle Oracle, prompts Prompter, personality string, opts ...StageOption) (*ResponseStage, error) {
	base, err := newStage("response", oracle, prompts, personality, opts)
	if err != nil {
		return nil, err
	}
	return &ResponseStage{stage: base}, nil
}

// Respond implements dragonpos.Responder.
func (r *ResponseStage) Respond(ctx context.Context, input dragonpos.ResponseInput) (string, error) {
	system, body, err := r.render(prompt.Response, map[string]any{
		"Utterance":        input.Utterance,
		"Summary":          input.ReasoningSummary,
		"ToolsExecuted":    input.ToolsExecuted,
		"ToolResults":      strings.Join(input.ToolResults, "\n"),
		"TransactionState": input.TransactionState,
	})
	if err != nil {
		return "", err
	}
	return r.say(ctx, "response", system, body)
}

// Apologize asks the oracle for a short apology after a turn-fatal error.
// Callers fall back to fixed text when this fails too.
func (r *ResponseStage) Apologize(ctx context.Context, utterance, reason string) (string, error) {
	system, body, err := r.render(prompt.Apology, map[string]any{
		"Utterance": utterance,
		"Reason":    reason,
	})
	if err != nil {
		return "", err
	}
	return r.say(ctx, "apology", system, body)
}

// AskPayment phrases the request for a payment method.
func (r *ResponseStage) AskPayment(ctx context.Context, utterance, transactionState string, methods []string) (string, error) {
	system, body, err := r.render(prompt.AskPayment, map[string]any{
		"Utterance":        utterance,
		"TransactionState": transactionState,
		"Methods":          methods,
	})
	if err != nil {
		return "", err
	}
	return r.say(ctx, "ask_payment", system, body)
}

func (r *ResponseStage) say(ctx context.Context, stage, system, body string) (string, error) {
	resp, err := r.oracle.Call(ctx, gateway.Request{
		Stage:  stage,
		System: system,
		Prompt: body,
	})
	if err != nil {
		return "", err
	}
	reply := strings.TrimSpace(resp.Display)
	if reply == "" {
		return "", dragonpos.NewOracleError(stage, errEmptyReply)
	}
	return reply, nil
}
