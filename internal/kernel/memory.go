package kernel

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MemoryKernel is an in-process kernel. It is safe for concurrent use.
type MemoryKernel struct {
	mu       sync.Mutex
	sessions map[string]*kernelSession
	taxRate  float64
	logger   *zap.Logger
}

type kernelSession struct {
	terminalID   string
	transactions map[string]*transaction
}

type transaction struct {
	id       string
	state    TransactionState
	currency string
	lines    []LineItem
}

// MemoryOption configures a MemoryKernel.
type MemoryOption func(*MemoryKernel)

// WithTaxRate sets the tax rate applied to subtotals (0.09 for 9%).
func WithTaxRate(rate float64) MemoryOption {
	return func(k *MemoryKernel) {
		k.taxRate = rate
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) MemoryOption {
	return func(k *MemoryKernel) {
		k.logger = logger
	}
}

// NewMemoryKernel creates an empty in-process kernel.
func NewMemoryKernel(opts ...MemoryOption) *MemoryKernel {
	k := &MemoryKernel{
		sessions: make(map[string]*kernelSession),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

var _ Client = (*MemoryKernel)(nil)

// CreateSession implements Client.
func (k *MemoryKernel) CreateSession(ctx context.Context, terminalID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	id := uuid.New().String()
	k.sessions[id] = &kernelSession{terminalID: terminalID, transactions: make(map[string]*transaction)}
	k.logger.Debug("kernel session created", zap.String("session_id", id), zap.String("terminal_id", terminalID))
	return id, nil
}

// StartTransaction implements Client.
func (k *MemoryKernel) StartTransaction(ctx context.Context, sessionID, currency string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(currency) == "" {
		return "", fmt.Errorf("%w: currency is required", ErrInvalidRequest)
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	s, ok := k.sessions[sessionID]
	if !ok {
		return "", ErrSessionNotFound
	}
	id := uuid.New().String()
	s.transactions[id] = &transaction{id: id, state: StateStarted, currency: currency}
	return id, nil
}

// AddLineItem implements Client.
func (k *MemoryKernel) AddLineItem(ctx context.Context, sessionID, transactionID string, req AddLineItemRequest) (*LineItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.SKU == "" || req.Quantity <= 0 || req.UnitPrice < 0 {
		return nil, fmt.Errorf("%w: sku, positive quantity and non-negative price are required", ErrInvalidLineItem)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	tx, err := k.lookup(sessionID, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.state != StateStarted && tx.state != StateInProgress {
		return nil, ErrTransactionClosed
	}
	if req.ParentLineItemID != "" && !tx.hasLine(req.ParentLineItemID) {
		return nil, fmt.Errorf("%w: parent line %s does not exist", ErrInvalidLineItem, req.ParentLineItemID)
	}

	line := LineItem{
		LineItemID:       uuid.New().String(),
		LineNumber:       len(tx.lines) + 1,
		SKU:              req.SKU,
		Name:             req.Name,
		Quantity:         req.Quantity,
		UnitPrice:        req.UnitPrice,
		ParentLineItemID: req.ParentLineItemID,
	}
	tx.lines = append(tx.lines, line)
	tx.state = StateInProgress
	return &line, nil
}

// GetTransaction implements Client.
func (k *MemoryKernel) GetTransaction(ctx context.Context, sessionID, transactionID string) (*TransactionSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	tx, err := k.lookup(sessionID, transactionID)
	if err != nil {
		return nil, err
	}
	return k.snapshot(tx), nil
}

// ProcessPayment implements Client. Tender below the total is rejected.
func (k *MemoryKernel) ProcessPayment(ctx context.Context, sessionID, transactionID string, req PaymentRequest) (*PaymentResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	tx, err := k.lookup(sessionID, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.state != StateInProgress {
		return nil, ErrTransactionClosed
	}

	total := k.total(tx)
	// Negated so a NaN tender is refused.
	if !(Round2(req.Amount) >= total) {
		return &PaymentResult{Accepted: false, Method: req.Method, AmountTendered: req.Amount, Total: total}, ErrInsufficientTender
	}
	tx.state = StateCompleted
	k.logger.Info("payment accepted",
		zap.String("transaction_id", tx.id),
		zap.String("method", req.Method),
		zap.Float64("total", total))
	return &PaymentResult{
		Accepted:       true,
		Method:         req.Method,
		AmountTendered: req.Amount,
		Total:          total,
		Change:         Round2(req.Amount - total),
	}, nil
}

// CloseSession implements Client. Open transactions are voided.
func (k *MemoryKernel) CloseSession(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	s, ok := k.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	for _, tx := range s.transactions {
		if tx.state == StateStarted || tx.state == StateInProgress {
			tx.state = StateVoided
		}
	}
	delete(k.sessions, sessionID)
	return nil
}

func (k *MemoryKernel) lookup(sessionID, transactionID string) (*transaction, error) {
	s, ok := k.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	tx, ok := s.transactions[transactionID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return tx, nil
}

func (k *MemoryKernel) total(tx *transaction) float64 {
	var subtotal float64
	for _, li := range tx.lines {
		subtotal += float64(li.Quantity) * li.UnitPrice
	}
	return Round2(subtotal * (1 + k.taxRate))
}

func (k *MemoryKernel) snapshot(tx *transaction) *TransactionSnapshot {
	lines := make([]LineItem, len(tx.lines))
	copy(lines, tx.lines)
	return &TransactionSnapshot{
		SchemaVersion: SchemaVersion,
		TransactionID: tx.id,
		State:         tx.state,
		Currency:      tx.currency,
		Total:         k.total(tx),
		LineItems:     lines,
	}
}

func (tx *transaction) hasLine(id string) bool {
	for _, li := range tx.lines {
		if li.LineItemID == id {
			return true
		}
	}
	return false
}
