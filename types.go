package dragonpos

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sender identifies who produced a conversation turn.
type Sender string

const (
	SenderCustomer  Sender = "customer"
	SenderAssistant Sender = "assistant"
	SenderSystem    Sender = "system"
)

// ConversationTurn is one immutable entry of the conversation history.
type ConversationTurn struct {
	Sender            Sender    `json:"sender"`
	Text              string    `json:"text"`
	Timestamp         time.Time `json:"timestamp"`
	IsSystemGenerated bool      `json:"is_system_generated"`
}

// ReceiptStatus is the UI-facing status of the current order.
type ReceiptStatus string

const (
	ReceiptBuilding        ReceiptStatus = "Building"
	ReceiptReadyForPayment ReceiptStatus = "ReadyForPayment"
	ReceiptCompleted       ReceiptStatus = "Completed"
)

// ReceiptLineItem is a single line of the receipt, identified by the kernel-issued LineItemID.
type ReceiptLineItem struct {
	LineItemID       string  `json:"line_item_id"`
	LineNumber       int     `json:"line_number"`
	ProductSKU       string  `json:"product_sku"`
	ProductName      string  `json:"product_name"`
	Quantity         int     `json:"quantity"`
	UnitPrice        float64 `json:"unit_price"`
	ParentLineItemID string  `json:"parent_line_item_id,omitempty"`
}

// Extended returns quantity times unit price.
func (li ReceiptLineItem) Extended() float64 {
	return float64(li.Quantity) * li.UnitPrice
}

// Receipt is the locally held view of the current order. It is always rebuilt
// wholesale from the kernel's snapshot, never patched from deltas.
type Receipt struct {
	TransactionID string            `json:"transaction_id"`
	StoreID       string            `json:"store_id"`
	StoreName     string            `json:"store_name"`
	Currency      string            `json:"currency"`
	Items         []ReceiptLineItem `json:"items"`
	Subtotal      float64           `json:"subtotal"`
	Tax           float64           `json:"tax"`
	Total         float64           `json:"total"`
	Status        ReceiptStatus     `json:"status"`
}

// NewReceipt returns an empty receipt for the given store.
func NewReceipt(storeID, storeName, currency string) *Receipt {
	return &Receipt{
		StoreID:   storeID,
		StoreName: storeName,
		Currency:  currency,
		Items:     []ReceiptLineItem{},
		Status:    ReceiptBuilding,
	}
}

// Clone returns a deep copy of the receipt.
func (r *Receipt) Clone() *Receipt {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Items = make([]ReceiptLineItem, len(r.Items))
	copy(cp.Items, r.Items)
	return &cp
}

// IsEmpty reports whether the receipt holds no transaction and no items.
func (r *Receipt) IsEmpty() bool {
	return r == nil || (r.TransactionID == "" && len(r.Items) == 0)
}

// Snapshot serializes the receipt deterministically.
func (r *Receipt) Snapshot() ([]byte, error) {
	return json.Marshal(r)
}

// ParameterSpec describes one argument of a tool.
type ParameterSpec struct {
	Type        string `json:"type"` // string, integer, number, boolean
	Description string `json:"description"`
	Required    bool   `json:"required,omitempty"`
}

// ToolDefinition is the schema the oracle sees for a tool.
type ToolDefinition struct {
	Name        string                   `json:"name"`
	Description string                   `json:"description"`
	Parameters  map[string]ParameterSpec `json:"parameters"`
}

// ToolInvocation is a request to run a named tool with typed arguments.
type ToolInvocation struct {
	FunctionName string         `json:"function_name"`
	Arguments    map[string]any `json:"arguments"`
}

// ToolStatus classifies a tool result.
type ToolStatus string

const (
	ToolStatusOK            ToolStatus = "ok"
	ToolStatusClarification ToolStatus = "needs_clarification"
	ToolStatusNotFound      ToolStatus = "not_found"
	ToolStatusFailed        ToolStatus = "failed"
)

// ToolResult is the outcome of one tool execution. A failed status is the
// recognizable failure marker; Output is always human-readable.
type ToolResult struct {
	Name     string     `json:"name"`
	Status   ToolStatus `json:"status"`
	Output   string     `json:"output"`
	Options  []string   `json:"options,omitempty"`
	Mutating bool       `json:"mutating"`
}

// Failed reports whether the result carries the failure marker.
func (r ToolResult) Failed() bool {
	return r.Status == ToolStatusFailed
}

// Intent is the coarse customer intent recognized by the reasoning stage.
type Intent string

const (
	IntentOrdering   Intent = "ordering"
	IntentCompletion Intent = "completion"
	IntentPayment    Intent = "payment"
	IntentQuestion   Intent = "question"
	IntentUnknown    Intent = "unknown"
)

// ReasoningInput contains the information needed by the reasoning stage.
type ReasoningInput struct {
	Utterance        string
	TransactionState string
	Attempt          int
	PreviousFeedback string
	// Why the previous attempt ended; empty on the first attempt
	RetryReason string
	History     []ConversationTurn
}

// ReasoningResult is the bounded natural-language explanation of customer intent.
type ReasoningResult struct {
	Summary string
	RawText string
	Intent  Intent
}

// ToolSelectionResult holds the invocations harvested from the oracle.
type ToolSelectionResult struct {
	Invocations   []ToolInvocation
	Justification string
}

// ValidationInput contains what the reviewer needs to judge a selection.
type ValidationInput struct {
	Reasoning        *ReasoningResult
	Invocations      []ToolInvocation
	TransactionState string
}

// ValidationResult is the single approve/reject signal plus free-text feedback.
type ValidationResult struct {
	Approved  bool
	Rationale string
	Feedback  string
}

// ExecutionResult collects per-call outcomes of one execution pass.
type ExecutionResult struct {
	ToolsExecuted []string
	Results       []ToolResult
	Outputs       []string
	Errors        []string
	Success       bool
	Mutated       bool
}

// ResponseInput contains what the response stage needs to phrase a reply.
type ResponseInput struct {
	Utterance        string
	ReasoningSummary string
	ToolsExecuted    []string
	ToolResults      []string
	TransactionState string
}

// InferenceResult is the only externally visible output of the inference loop.
type InferenceResult struct {
	Success          bool
	CustomerResponse string
	ToolsExecuted    []string
	IterationsUsed   int
	FailureReason    string

	Intent  Intent
	Mutated bool

	// Err is the turn-fatal error. It is nil when the loop gave up because
	// validation kept rejecting.
	Err error
}

// SessionOpener lazily opens kernel sessions and transactions.
type SessionOpener interface {
	OpenSession(ctx context.Context, terminalID string) (string, error)
	OpenTransaction(ctx context.Context, sessionID, currency string) (string, error)
}

// Session is the explicit handle to one conversation's kernel session and
// transaction. Handles are established lazily under a single mutex.
type Session struct {
	ID         string
	TerminalID string
	Currency   string

	mu            sync.Mutex
	kernelSession string
	transaction   string
}

// NewSession creates a handle for one conversation.
func NewSession(terminalID, currency string) *Session {
	return &Session{
		ID:         uuid.New().String(),
		TerminalID: terminalID,
		Currency:   currency,
	}
}

// Handles returns the current kernel session and transaction identifiers.
func (s *Session) Handles() (sessionID, transactionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kernelSession, s.transaction
}

// EnsureSession opens the kernel session on first use.
func (s *Session) EnsureSession(ctx context.Context, opener SessionOpener) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kernelSession != "" {
		return s.kernelSession, nil
	}
	id, err := opener.OpenSession(ctx, s.TerminalID)
	if err != nil {
		return "", err
	}
	s.kernelSession = id
	return id, nil
}

// EnsureTransaction opens the kernel session and transaction on first use.
func (s *Session) EnsureTransaction(ctx context.Context, opener SessionOpener) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kernelSession == "" {
		id, err := opener.OpenSession(ctx, s.TerminalID)
		if err != nil {
			return "", "", err
		}
		s.kernelSession = id
	}
	if s.transaction == "" {
		id, err := opener.OpenTransaction(ctx, s.kernelSession, s.Currency)
		if err != nil {
			return "", "", err
		}
		s.transaction = id
	}
	return s.kernelSession, s.transaction, nil
}

// Reset forgets both handles and returns the session id that was active.
func (s *Session) Reset() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	sid := s.kernelSession
	s.kernelSession = ""
	s.transaction = ""
	return sid
}
