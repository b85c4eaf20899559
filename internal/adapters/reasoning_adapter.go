package adapters

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	dragonpos "github.com/ZanzyTHEbar/dragonscale-pos"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/gateway"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/prompt"
)

// Context bundle keys.
const (
	ContextStore            = "store"
	ContextTimestamp        = "timestamp"
	ContextTransactionState = "transaction_state"
	ContextInventoryHint    = "inventory_hint"
	ContextAttempt          = "attempt"
	ContextPreviousAttempt  = "previous_attempt"
)

// intentMarker prefixes the line carrying the recognized intent.
const intentMarker = "INTENT:"

// ContextSource produces one entry of the reasoning context bundle.
type ContextSource func(ctx context.Context) (string, error)

// ReasoningConfig holds the reasoning stage settings.
type ReasoningConfig struct {
	// Store identity shown to the oracle
	StoreName string

	// Upper bound on the summary length, in characters
	SummaryMaxChars int

	// Named entries gathered concurrently into the context bundle.
	// ContextInventoryHint is the usual one.
	Sources map[string]ContextSource
}

// ReasoningStage explains the customer's intent in natural language.
type ReasoningStage struct {
	stage
	config ReasoningConfig
	now    func() time.Time
}

// NewReasoningStage creates the reasoning stage.
func NewReasoningStage(oracle Oracle, prompts Prompter, personality string, config ReasoningConfig, opts ...StageOption) (*ReasoningStage, error) {
	base, err := newStage("reasoning", oracle, prompts, personality, opts)
	if err != nil {
		return nil, err
	}
	if config.SummaryMaxChars < 1 {
		return nil, dragonpos.NewConfigurationError("reasoning summary_max_chars must be positive", nil)
	}
	if config.StoreName == "" {
		return nil, dragonpos.NewConfigurationError("reasoning stage requires a store name", nil)
	}
	return &ReasoningStage{stage: base, config: config, now: time.Now}, nil
}

// Reason implements dragonpos.Reasoner.
func (r *ReasoningStage) Reason(ctx context.Context, input dragonpos.ReasoningInput) (*dragonpos.ReasoningResult, error) {
	bundle := r.gather(ctx)
	bundle[ContextStore] = r.config.StoreName
	bundle[ContextTimestamp] = r.now().Format(time.RFC3339)
	bundle[ContextTransactionState] = input.TransactionState
	bundle[ContextAttempt] = strconv.Itoa(input.Attempt)
	if input.Attempt > 1 {
		note := input.RetryReason
		if note == "" {
			note = "the previous attempt did not succeed"
		}
		note += "; reconsider the request"
		if input.PreviousFeedback != "" {
			note += ": " + input.PreviousFeedback
		}
		bundle[ContextPreviousAttempt] = note
	}

	system, body, err := r.render(prompt.Reasoning, map[string]any{
		"StoreName":        r.config.StoreName,
		"Utterance":        input.Utterance,
		"TransactionState": input.TransactionState,
		"Attempt":          input.Attempt,
		"Retry":            input.Attempt > 1,
		"Feedback":         input.PreviousFeedback,
		"RetryReason":      input.RetryReason,
		"History":          formatHistory(input.History),
	})
	if err != nil {
		return nil, err
	}

	resp, err := r.oracle.Call(ctx, gateway.Request{
		Stage:   "reasoning",
		System:  system,
		Prompt:  body,
		Context: bundle,
	})
	if err != nil {
		return nil, err
	}

	summary, intent := ParseReasoning(resp.Text, r.config.SummaryMaxChars)
	if summary == "" {
		return nil, dragonpos.NewOracleError("reasoning", errEmptyReply)
	}
	r.logger.Debug("reasoning summary",
		zap.Int("attempt", input.Attempt),
		zap.String("intent", string(intent)),
		zap.String("summary", summary))

	return &dragonpos.ReasoningResult{
		Summary: summary,
		RawText: resp.Text,
		Intent:  intent,
	}, nil
}

// gather resolves every context source concurrently. A failing source is
// logged and left out of the bundle.
func (r *ReasoningStage) gather(ctx context.Context) map[string]string {
	bundle := make(map[string]string, len(r.config.Sources)+6)
	if len(r.config.Sources) == 0 {
		return bundle
	}

	names := make([]string, 0, len(r.config.Sources))
	for name := range r.config.Sources {
		names = append(names, name)
	}
	sort.Strings(names)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		source := r.config.Sources[name]
		g.Go(func() error {
			value, err := source(gctx)
			if err != nil {
				r.logger.Warn("context source failed", zap.String("source", name), zap.Error(err))
				return nil
			}
			if value = strings.TrimSpace(value); value == "" {
				return nil
			}
			mu.Lock()
			bundle[name] = value
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return bundle
}

// ParseReasoning extracts the bounded summary and the intent from an oracle
// reply. The summary is built from the first non-empty lines, excluding the
// intent line, and truncated to maxChars characters.
func ParseReasoning(text string, maxChars int) (string, dragonpos.Intent) {
	intent := dragonpos.IntentUnknown
	var parts []string
	length := 0
	done := false
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			done = done || len(parts) > 0
			continue
		}
		if rest, ok := cutPrefixFold(line, intentMarker); ok {
			intent = parseIntent(rest)
			continue
		}
		if done || length >= maxChars {
			continue
		}
		parts = append(parts, line)
		length += len([]rune(line)) + 1
	}
	return truncate(strings.Join(parts, " "), maxChars), intent
}

func parseIntent(s string) dragonpos.Intent {
	switch dragonpos.Intent(strings.ToLower(strings.Trim(strings.TrimSpace(s), ".*`\""))) {
	case dragonpos.IntentOrdering:
		return dragonpos.IntentOrdering
	case dragonpos.IntentCompletion:
		return dragonpos.IntentCompletion
	case dragonpos.IntentPayment:
		return dragonpos.IntentPayment
	case dragonpos.IntentQuestion:
		return dragonpos.IntentQuestion
	}
	return dragonpos.IntentUnknown
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return s[len(prefix):], true
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return strings.TrimSpace(string(runes[:n]))
}
