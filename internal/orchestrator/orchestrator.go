// Package orchestrator is the chat orchestrator: it owns the conversation,
// gates each turn through the payment state machine, and keeps the receipt
// in step with the kernel after every turn that ran a tool.
package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	dragonpos "github.com/ZanzyTHEbar/dragonscale-pos"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/logging"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/prompt"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/receipt"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/tools"
)

// Mode selects how ordering turns are handled.
type Mode string

const (
	ModeInference Mode = "inference"
	ModeDirect    Mode = "direct"
)

// Turn handling paths, used in replies, metrics and the audit trail.
const (
	PathInference  = "inference"
	PathDirect     = "direct"
	PathCompletion = "completion"
	PathPayment    = "payment"
	PathCompleted  = "completed"
)

// neutralFallback is shown when even the apology call fails.
const neutralFallback = "Sorry, something went wrong on our side. Please try again."

// Config holds the orchestrator settings.
type Config struct {
	Mode        Mode
	Personality string
	StoreName   string
	TerminalID  string

	// Phrases that close the order, matched on word boundaries
	CompletionPhrases []string

	// Accepted payment method -> phrases that select it
	PaymentMethods map[string][]string

	// Number of earlier customer turns passed to reasoning
	HistoryWindow int

	// Delay before the next customer is prepared after payment. Zero disables.
	AutoClearAfter time.Duration
}

// Inferrer runs the inference loop for one turn.
type Inferrer interface {
	Run(ctx context.Context, session *dragonpos.Session, input dragonpos.TurnInput) *dragonpos.InferenceResult
}

// SessionProvider is the part of the tool execution provider the
// orchestrator drives directly.
type SessionProvider interface {
	NewSession(terminalID string) *dragonpos.Session
	TransactionState(ctx context.Context, s *dragonpos.Session) string
	CloseSession(ctx context.Context, s *dragonpos.Session) error
}

// Speaker phrases replies outside the inference loop.
type Speaker interface {
	Apologize(ctx context.Context, utterance, reason string) (string, error)
	AskPayment(ctx context.Context, utterance, transactionState string, methods []string) (string, error)
}

// ReceiptKeeper owns the local receipt.
type ReceiptKeeper interface {
	Sync(ctx context.Context, s *dragonpos.Session, hint dragonpos.ReceiptStatus) (*receipt.Change, error)
	Clear(ctx context.Context, reason string) *receipt.Change
	SetStatus(ctx context.Context, st dragonpos.ReceiptStatus) *receipt.Change
	Receipt() *dragonpos.Receipt
}

// Prompter renders named templates.
type Prompter interface {
	Render(personality, name string, data any) (string, error)
}

// TurnObserver receives per-turn measurements.
type TurnObserver interface {
	TurnCompleted(path string, success bool, d time.Duration)
}

// Reply is the outcome of one customer turn.
type Reply struct {
	Text          string
	Path          string
	Success       bool
	ToolsExecuted []string
	PaymentState  dragonpos.PaymentState
	Receipt       *dragonpos.Receipt
}

// Orchestrator handles one conversation at a time. Turns are processed
// strictly one after another.
type Orchestrator struct {
	config    Config
	provider  SessionProvider
	executor  dragonpos.Executor
	inference Inferrer
	receipts  ReceiptKeeper
	prompts   Prompter
	speaker   Speaker
	observer  TurnObserver
	eventBus  eventbus.EventBus
	logger    *zap.Logger
	audit     *logging.AuditLogger

	completion []*regexp.Regexp
	methods    []methodMatcher
	payment    *dragonpos.PaymentStateMachine

	// turn serializes turns, resets and the auto-clear callback
	turn sync.Mutex

	mu         sync.Mutex
	session    *dragonpos.Session
	history    []dragonpos.ConversationTurn
	clearTimer *time.Timer
	generation uint64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithProvider sets the tool execution provider.
func WithProvider(p SessionProvider) Option {
	return func(o *Orchestrator) {
		o.provider = p
	}
}

// WithExecutor sets the execution stage used by the payment and direct paths.
func WithExecutor(e dragonpos.Executor) Option {
	return func(o *Orchestrator) {
		o.executor = e
	}
}

// WithInference sets the inference loop.
func WithInference(i Inferrer) Option {
	return func(o *Orchestrator) {
		o.inference = i
	}
}

// WithReceipts sets the receipt synchronizer.
func WithReceipts(r ReceiptKeeper) Option {
	return func(o *Orchestrator) {
		o.receipts = r
	}
}

// WithPrompter sets the prompt provider.
func WithPrompter(p Prompter) Option {
	return func(o *Orchestrator) {
		o.prompts = p
	}
}

// WithSpeaker sets the oracle-backed phrasing used outside the loop.
func WithSpeaker(s Speaker) Option {
	return func(o *Orchestrator) {
		o.speaker = s
	}
}

// WithTurnObserver sets the per-turn metrics observer.
func WithTurnObserver(obs TurnObserver) Option {
	return func(o *Orchestrator) {
		o.observer = obs
	}
}

// WithEventBus publishes conversation events.
func WithEventBus(eb eventbus.EventBus) Option {
	return func(o *Orchestrator) {
		o.eventBus = eb
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithAudit records turns and resets on the audit trail.
func WithAudit(a *logging.AuditLogger) Option {
	return func(o *Orchestrator) {
		o.audit = a
	}
}

// New creates an orchestrator and opens the first conversation.
func New(config Config, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		config:  config,
		logger:  zap.NewNop(),
		payment: dragonpos.NewPaymentStateMachine(),
	}
	for _, opt := range opts {
		opt(o)
	}

	switch {
	case o.provider == nil:
		return nil, dragonpos.NewConfigurationError("orchestrator requires a tool execution provider", nil)
	case o.executor == nil:
		return nil, dragonpos.NewConfigurationError("orchestrator requires an execution stage", nil)
	case o.receipts == nil:
		return nil, dragonpos.NewConfigurationError("orchestrator requires a receipt synchronizer", nil)
	case o.prompts == nil:
		return nil, dragonpos.NewConfigurationError("orchestrator requires a prompt provider", nil)
	case config.Personality == "":
		return nil, dragonpos.NewConfigurationError("orchestrator personality is not configured", nil)
	case config.TerminalID == "":
		return nil, dragonpos.NewConfigurationError("orchestrator terminal id is not configured", nil)
	case len(config.PaymentMethods) == 0:
		return nil, dragonpos.NewConfigurationError("payment methods are not configured", nil)
	case len(config.CompletionPhrases) == 0:
		return nil, dragonpos.NewConfigurationError("completion phrases are not configured", nil)
	case config.HistoryWindow < 0:
		return nil, dragonpos.NewConfigurationError("history window must not be negative", nil)
	}
	switch config.Mode {
	case ModeInference:
		if o.inference == nil {
			return nil, dragonpos.NewConfigurationError("inference mode requires an inference loop", nil)
		}
	case ModeDirect:
	default:
		return nil, dragonpos.NewConfigurationError(fmt.Sprintf("unknown orchestrator mode %q", config.Mode), nil)
	}

	o.completion = make([]*regexp.Regexp, 0, len(config.CompletionPhrases))
	for _, phrase := range config.CompletionPhrases {
		o.completion = append(o.completion, wordPattern(phrase))
	}
	o.methods = newMethodMatchers(config.PaymentMethods)
	o.session = o.provider.NewSession(config.TerminalID)
	return o, nil
}

// Greeting returns the store greeting.
func (o *Orchestrator) Greeting() (string, error) {
	return o.prompts.Render(o.config.Personality, prompt.Greeting, map[string]any{"StoreName": o.config.StoreName})
}

// PaymentState returns the conversation's payment state.
func (o *Orchestrator) PaymentState() dragonpos.PaymentState {
	return o.payment.State()
}

// Receipt returns a copy of the current receipt.
func (o *Orchestrator) Receipt() *dragonpos.Receipt {
	return o.receipts.Receipt()
}

// Session returns the current conversation handle.
func (o *Orchestrator) Session() *dragonpos.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

// History returns a copy of the conversation so far.
func (o *Orchestrator) History() []dragonpos.ConversationTurn {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]dragonpos.ConversationTurn, len(o.history))
	copy(out, o.history)
	return out
}

// HandleMessage processes one customer turn. It only returns an error for
// input it refuses to process; every other failure becomes a reply.
func (o *Orchestrator) HandleMessage(ctx context.Context, text string) (*Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, dragonpos.NewValidationError("orchestrator", "message must not be empty", nil)
	}

	o.turn.Lock()
	defer o.turn.Unlock()

	start := time.Now()
	session := o.Session()
	o.record(dragonpos.SenderCustomer, text, false)
	o.audit.Record(logging.AuditTurnStarted, map[string]interface{}{
		"session": session.ID,
		"state":   string(o.payment.State()),
	})
	o.publish(ctx, eventbus.EventTurnStarted, text, nil)

	var reply *Reply
	switch {
	case o.payment.IsCompleted():
		reply = o.handleCompleted()
	case o.payment.AwaitingPayment():
		reply = o.handlePayment(ctx, session, text)
	case o.isCompletion(text) && !o.receipts.Receipt().IsEmpty():
		reply = o.handleCompletion(ctx, session, text)
	case o.config.Mode == ModeDirect:
		reply = o.handleDirect(ctx, session, text)
	default:
		reply = o.handleInference(ctx, session, text)
	}

	reply.PaymentState = o.payment.State()
	reply.Receipt = o.receipts.Receipt()
	o.record(dragonpos.SenderAssistant, reply.Text, !reply.Success)

	elapsed := time.Since(start)
	if o.observer != nil {
		o.observer.TurnCompleted(reply.Path, reply.Success, elapsed)
	}
	o.audit.Record(logging.AuditTurnCompleted, map[string]interface{}{
		"session":     session.ID,
		"path":        reply.Path,
		"success":     reply.Success,
		"tools":       reply.ToolsExecuted,
		"state":       string(reply.PaymentState),
		"duration_ms": elapsed.Milliseconds(),
	})
	o.publish(ctx, eventbus.EventTurnCompleted, reply.Text, map[string]interface{}{
		"path":    reply.Path,
		"success": reply.Success,
	})
	o.logger.Info("turn handled",
		zap.String("path", reply.Path),
		zap.Bool("success", reply.Success),
		zap.Strings("tools", reply.ToolsExecuted),
		zap.String("payment_state", string(reply.PaymentState)),
		zap.Duration("elapsed", elapsed))
	return reply, nil
}

func (o *Orchestrator) handleCompleted() *Reply {
	text, err := o.prompts.Render(o.config.Personality, prompt.Completed, map[string]any{"StoreName": o.config.StoreName})
	if err != nil {
		o.logger.Error("order complete template failed", zap.Error(err))
		text = neutralFallback
	}
	return &Reply{Text: text, Path: PathCompleted, Success: err == nil}
}

// handleCompletion closes the order and asks how the customer pays.
func (o *Orchestrator) handleCompletion(ctx context.Context, session *dragonpos.Session, text string) *Reply {
	if o.payment.MarkReadyForPayment() {
		o.receipts.SetStatus(ctx, dragonpos.ReceiptReadyForPayment)
		o.publishState(ctx)
	}
	return &Reply{Text: o.askPayment(ctx, session, text), Path: PathCompletion, Success: true}
}

// handlePayment resolves the payment method from the utterance and pays
// through the process_payment tool. Without a recognizable method the
// customer is asked again.
func (o *Orchestrator) handlePayment(ctx context.Context, session *dragonpos.Session, text string) *Reply {
	method := o.resolveMethod(text)
	if method == "" {
		return &Reply{Text: o.askPayment(ctx, session, text), Path: PathPayment, Success: true}
	}

	exec, err := o.executor.Execute(ctx, session, []dragonpos.ToolInvocation{{
		FunctionName: tools.ToolProcessPayment,
		Arguments:    map[string]any{tools.ArgPaymentMethod: method},
	}})
	if err != nil {
		return &Reply{Text: o.apologize(ctx, text, err.Error()), Path: PathPayment}
	}
	if len(exec.Results) == 0 {
		return &Reply{Text: o.apologize(ctx, text, strings.Join(exec.Errors, "; ")), Path: PathPayment}
	}

	res := exec.Results[0]
	reply := &Reply{Text: res.Output, Path: PathPayment, ToolsExecuted: exec.ToolsExecuted}
	if res.Status != dragonpos.ToolStatusOK {
		return reply
	}

	reply.Success = true
	if o.payment.MarkCompleted() {
		o.publishState(ctx)
		o.paymentCompleted(ctx, session, method)
	}
	o.sync(ctx, session)
	return reply
}

// handleDirect adds the item named in the utterance without the oracle.
func (o *Orchestrator) handleDirect(ctx context.Context, session *dragonpos.Session, text string) *Reply {
	quantity, description := ParseDirect(text)
	if description == "" {
		return &Reply{Text: "Sorry, which item would you like?", Path: PathDirect}
	}

	exec, err := o.executor.Execute(ctx, session, []dragonpos.ToolInvocation{{
		FunctionName: tools.ToolAddItem,
		Arguments: map[string]any{
			tools.ArgItemDescription: description,
			tools.ArgQuantity:        quantity,
		},
	}})
	if err != nil {
		return &Reply{Text: o.apologize(ctx, text, err.Error()), Path: PathDirect}
	}

	reply := &Reply{Path: PathDirect, ToolsExecuted: exec.ToolsExecuted, Success: exec.Success}
	outputs := make([]string, 0, len(exec.Results))
	for _, res := range exec.Results {
		outputs = append(outputs, res.Output)
	}
	reply.Text = strings.Join(outputs, "\n")
	if reply.Text == "" {
		reply.Text = o.apologize(ctx, text, strings.Join(exec.Errors, "; "))
	}
	if len(exec.ToolsExecuted) > 0 {
		o.sync(ctx, session)
	}
	return reply
}

func (o *Orchestrator) handleInference(ctx context.Context, session *dragonpos.Session, text string) *Reply {
	result := o.inference.Run(ctx, session, dragonpos.TurnInput{
		Utterance:        text,
		TransactionState: o.provider.TransactionState(ctx, session),
		History:          o.recentHistory(),
	})

	reply := &Reply{
		Text:          result.CustomerResponse,
		Path:          PathInference,
		Success:       result.Success,
		ToolsExecuted: result.ToolsExecuted,
	}
	if !result.Success && result.Err != nil {
		reply.Text = o.apologize(ctx, text, result.FailureReason)
	}

	if len(result.ToolsExecuted) > 0 {
		o.sync(ctx, session)
	}
	if result.Success && result.Intent == dragonpos.IntentCompletion && !o.receipts.Receipt().IsEmpty() {
		if o.payment.MarkReadyForPayment() {
			o.receipts.SetStatus(ctx, dragonpos.ReceiptReadyForPayment)
			o.publishState(ctx)
		}
	}
	return reply
}

// sync refreshes the receipt. A failure is logged and the turn goes on. A
// kernel that reports completion moves the payment state forward.
func (o *Orchestrator) sync(ctx context.Context, session *dragonpos.Session) {
	change, err := o.receipts.Sync(ctx, session, o.payment.ReceiptStatus())
	if err != nil {
		o.logger.Warn("receipt sync failed, keeping the previous receipt", zap.Error(err))
		return
	}
	wasCompleted := o.payment.IsCompleted()
	if o.payment.Advance(change.Receipt.Status) {
		o.publishState(ctx)
		if !wasCompleted && o.payment.IsCompleted() {
			o.paymentCompleted(ctx, session, "")
		}
	}
}

func (o *Orchestrator) paymentCompleted(ctx context.Context, session *dragonpos.Session, method string) {
	o.publish(ctx, eventbus.EventPaymentCompleted, session.ID, map[string]interface{}{"method": method})
	o.scheduleAutoClear()
}

func (o *Orchestrator) askPayment(ctx context.Context, session *dragonpos.Session, text string) string {
	o.payment.MarkMethodRequested()
	methods := o.methodNames()
	if o.speaker != nil {
		reply, err := o.speaker.AskPayment(ctx, text, o.provider.TransactionState(ctx, session), methods)
		if err == nil {
			return reply
		}
		o.logger.Warn("payment prompt failed, using fixed text", zap.Error(err))
	}
	return fmt.Sprintf("How would you like to pay? We accept %s.", strings.Join(methods, ", "))
}

// apologize asks the oracle for an apology and falls back to fixed text.
func (o *Orchestrator) apologize(ctx context.Context, text, reason string) string {
	o.logger.Error("turn failed", zap.String("reason", reason))
	if o.speaker == nil {
		return neutralFallback
	}
	reply, err := o.speaker.Apologize(ctx, text, reason)
	if err != nil {
		o.logger.Warn("apology failed, using fixed text", zap.Error(err))
		return neutralFallback
	}
	return reply
}

// StartNextCustomer closes the kernel session, clears the receipt, resets
// the payment state and forgets the conversation. The reset happens even
// when closing the kernel session fails; that error is returned.
func (o *Orchestrator) StartNextCustomer(ctx context.Context) error {
	o.turn.Lock()
	defer o.turn.Unlock()
	return o.reset(ctx, "next customer")
}

// Close stops the pending auto-clear, if any.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.clearTimer != nil {
		o.clearTimer.Stop()
		o.clearTimer = nil
	}
	o.generation++
}

// reset requires o.turn to be held.
func (o *Orchestrator) reset(ctx context.Context, reason string) error {
	o.mu.Lock()
	if o.clearTimer != nil {
		o.clearTimer.Stop()
		o.clearTimer = nil
	}
	o.generation++
	old := o.session
	o.mu.Unlock()

	err := o.provider.CloseSession(ctx, old)
	if err != nil {
		o.logger.Warn("closing kernel session failed", zap.Error(err))
	}

	o.receipts.Clear(ctx, reason)
	abandoned := o.payment.Reset() != nil
	if abandoned {
		o.logger.Warn("abandoning unpaid order",
			zap.String("session_id", old.ID),
			zap.String("payment_state", string(o.payment.State())))
		o.payment.ForceReset()
	}

	o.mu.Lock()
	o.history = nil
	o.session = o.provider.NewSession(o.config.TerminalID)
	o.mu.Unlock()

	o.audit.Record(logging.AuditSessionReset, map[string]interface{}{
		"previous_session": old.ID,
		"reason":           reason,
		"abandoned_order":  abandoned,
	})
	o.publish(ctx, eventbus.EventNextCustomerPrepared, reason, map[string]interface{}{
		"abandoned_order": abandoned,
	})
	o.publishState(ctx)
	if err != nil {
		return dragonpos.NewKernelError("close_session", err)
	}
	return nil
}

// scheduleAutoClear arms a detached timer. It is never awaited.
func (o *Orchestrator) scheduleAutoClear() {
	if o.config.AutoClearAfter <= 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.clearTimer != nil {
		o.clearTimer.Stop()
	}
	gen := o.generation
	o.clearTimer = time.AfterFunc(o.config.AutoClearAfter, func() { o.autoClear(gen) })
}

func (o *Orchestrator) autoClear(gen uint64) {
	o.turn.Lock()
	defer o.turn.Unlock()

	o.mu.Lock()
	stale := gen != o.generation
	o.mu.Unlock()
	if stale || !o.payment.IsCompleted() {
		return
	}
	if err := o.reset(context.Background(), "auto-clear after payment"); err != nil {
		o.logger.Warn("auto-clear finished with an error", zap.Error(err))
	}
}

func (o *Orchestrator) record(sender dragonpos.Sender, text string, system bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = append(o.history, dragonpos.ConversationTurn{
		Sender:            sender,
		Text:              text,
		Timestamp:         time.Now(),
		IsSystemGenerated: system,
	})
}

// recentHistory returns the last HistoryWindow customer turns before the
// one being handled.
func (o *Orchestrator) recentHistory() []dragonpos.ConversationTurn {
	if o.config.HistoryWindow == 0 {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []dragonpos.ConversationTurn
	// the newest entry is the current utterance
	for i := len(o.history) - 2; i >= 0 && len(out) < o.config.HistoryWindow; i-- {
		if o.history[i].Sender == dragonpos.SenderCustomer {
			out = append(out, o.history[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (o *Orchestrator) isCompletion(text string) bool {
	for _, re := range o.completion {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) methodNames() []string {
	names := make([]string, 0, len(o.config.PaymentMethods))
	for m := range o.config.PaymentMethods {
		names = append(names, m)
	}
	sort.Strings(names)
	return names
}

func (o *Orchestrator) publish(ctx context.Context, eventType eventbus.EventType, payload interface{}, metadata map[string]interface{}) {
	if o.eventBus == nil {
		return
	}
	_ = o.eventBus.Publish(context.WithoutCancel(ctx), eventbus.NewEvent(eventType, payload, "Orchestrator", metadata))
}

func (o *Orchestrator) publishState(ctx context.Context) {
	o.publish(ctx, eventbus.EventPaymentStateChanged, string(o.payment.State()), nil)
}
