package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	dragonpos "github.com/ZanzyTHEbar/dragonscale-pos"
	"go.uber.org/zap"
)

// Verdict is the enumerated decision of a review.
type Verdict string

const (
	VerdictApproved Verdict = "APPROVED"
	VerdictRejected Verdict = "REJECTED"
)

// Decision is the structured review the oracle must return.
type Decision struct {
	Verdict   Verdict `json:"decision"`
	Rationale string  `json:"rationale"`
	Feedback  string  `json:"feedback,omitempty"`
}

// Approved reports whether the verdict is APPROVED.
func (d Decision) Approved() bool {
	return d.Verdict == VerdictApproved
}

// DecisionSchema is appended to review prompts.
const DecisionSchema = `Reply with a single JSON object and nothing else:
{"decision": "APPROVED" | "REJECTED", "rationale": "<one sentence>", "feedback": "<what to change, when rejected>"}`

// Decide asks the oracle for a structured decision. Output that does not
// match the schema is rejected and the call is repeated with a correction,
// up to retries extra calls. Business code never sees unparsed text.
func (g *Gateway) Decide(ctx context.Context, req Request, retries int) (*Decision, error) {
	stage := req.Stage
	if stage == "" {
		stage = "validation"
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, dragonpos.NewValidationError(stage, "oracle prompt must not be empty", nil)
	}

	base := Request{Stage: stage, System: req.System, Context: req.Context}
	prompt := strings.TrimSpace(req.Prompt) + "\n\n" + DecisionSchema

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		call := base
		call.Prompt = prompt
		if lastErr != nil {
			call.Prompt = prompt + fmt.Sprintf("\n\nYour previous reply was rejected (%v). Follow the JSON format exactly.", lastErr)
		}

		resp, err := g.Call(ctx, call)
		if err != nil {
			return nil, err
		}

		decision, err := ParseDecision(resp.Text)
		if err == nil {
			return decision, nil
		}
		lastErr = err
		g.logger.Warn("oracle decision violated schema",
			zap.String("stage", stage),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, dragonpos.NewMalformedDecisionError(
		fmt.Sprintf("oracle decision did not match schema after %d attempt(s)", retries+1), lastErr)
}

// ParseDecision coerces oracle text into a Decision. The first JSON object in
// the text is used; code fences are tolerated. The verdict is compared
// case-insensitively.
func ParseDecision(text string) (*Decision, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON object in reply")
	}

	var raw struct {
		Decision  *string `json:"decision"`
		Rationale string  `json:"rationale"`
		Feedback  string  `json:"feedback"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("invalid decision JSON: %w", err)
	}
	if raw.Decision == nil {
		return nil, fmt.Errorf("missing decision field")
	}

	d := &Decision{
		Verdict:   Verdict(strings.ToUpper(strings.TrimSpace(*raw.Decision))),
		Rationale: strings.TrimSpace(raw.Rationale),
		Feedback:  strings.TrimSpace(raw.Feedback),
	}
	switch d.Verdict {
	case VerdictApproved, VerdictRejected:
	default:
		return nil, fmt.Errorf("decision must be APPROVED or REJECTED, got %q", *raw.Decision)
	}
	return d, nil
}
