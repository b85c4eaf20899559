// Package kernel holds the contract with the authoritative transaction
// service: versioned transfer objects, an in-process implementation, and an
// HTTP binding (server and client).
package kernel

import (
	"context"
	"errors"
	"math"
)

// SchemaVersion is the version of the transfer objects in this package.
// Consumers reject snapshots with a different version.
const SchemaVersion = 1

// TransactionState is the kernel's lifecycle state of a transaction.
type TransactionState string

const (
	StateStarted    TransactionState = "Started"
	StateInProgress TransactionState = "InProgress"
	StateCompleted  TransactionState = "Completed"
	StateVoided     TransactionState = "Voided"
)

// Kernel errors
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrTransactionClosed   = errors.New("transaction is not open")
	ErrInvalidLineItem     = errors.New("invalid line item")
	ErrInsufficientTender  = errors.New("tendered amount is below the transaction total")
	ErrIncompatibleSchema  = errors.New("incompatible snapshot schema version")
	ErrInvalidRequest      = errors.New("invalid request")
)

// LineItem is one line of a kernel transaction.
type LineItem struct {
	LineItemID       string  `json:"line_item_id"`
	LineNumber       int     `json:"line_number"`
	SKU              string  `json:"sku"`
	Name             string  `json:"name,omitempty"`
	Quantity         int     `json:"quantity"`
	UnitPrice        float64 `json:"unit_price"`
	ParentLineItemID string  `json:"parent_line_item_id,omitempty"`
}

// TransactionSnapshot is the versioned transfer object returned by GetTransaction.
type TransactionSnapshot struct {
	SchemaVersion int              `json:"schema_version"`
	TransactionID string           `json:"transaction_id"`
	State         TransactionState `json:"state"`
	Currency      string           `json:"currency"`
	Total         float64          `json:"total"`
	LineItems     []LineItem       `json:"line_items"`
}

// Subtotal sums quantity times unit price over all lines.
func (s *TransactionSnapshot) Subtotal() float64 {
	var sum float64
	for _, li := range s.LineItems {
		sum += float64(li.Quantity) * li.UnitPrice
	}
	return Round2(sum)
}

// IsEmptyStart reports a just-started transaction with no lines.
func (s *TransactionSnapshot) IsEmptyStart() bool {
	return s.State == StateStarted && len(s.LineItems) == 0
}

// Validate checks the schema version.
func (s *TransactionSnapshot) Validate() error {
	if s.SchemaVersion != SchemaVersion {
		return ErrIncompatibleSchema
	}
	return nil
}

// AddLineItemRequest adds a product line, optionally nested under a parent line.
type AddLineItemRequest struct {
	SKU              string  `json:"sku"`
	Name             string  `json:"name,omitempty"`
	Quantity         int     `json:"quantity"`
	UnitPrice        float64 `json:"unit_price"`
	ParentLineItemID string  `json:"parent_line_item_id,omitempty"`
}

// PaymentRequest tenders an amount with a method.
type PaymentRequest struct {
	Amount float64 `json:"amount"`
	Method string  `json:"method"`
}

// PaymentResult is the kernel's answer to a payment.
type PaymentResult struct {
	Accepted       bool    `json:"accepted"`
	Method         string  `json:"method"`
	AmountTendered float64 `json:"amount_tendered"`
	Total          float64 `json:"total"`
	Change         float64 `json:"change"`
}

// Client is the RPC-like contract consumed by the tool execution provider.
type Client interface {
	CreateSession(ctx context.Context, terminalID string) (string, error)
	StartTransaction(ctx context.Context, sessionID, currency string) (string, error)
	AddLineItem(ctx context.Context, sessionID, transactionID string, req AddLineItemRequest) (*LineItem, error)
	GetTransaction(ctx context.Context, sessionID, transactionID string) (*TransactionSnapshot, error)
	ProcessPayment(ctx context.Context, sessionID, transactionID string, req PaymentRequest) (*PaymentResult, error)
	CloseSession(ctx context.Context, sessionID string) error
}

// Opener adapts a Client to dragonpos.SessionOpener.
type Opener struct {
	Client Client
}

// OpenSession creates a kernel session.
func (o Opener) OpenSession(ctx context.Context, terminalID string) (string, error) {
	return o.Client.CreateSession(ctx, terminalID)
}

// OpenTransaction starts a transaction in the session.
func (o Opener) OpenTransaction(ctx context.Context, sessionID, currency string) (string, error) {
	return o.Client.StartTransaction(ctx, sessionID, currency)
}

// Round2 rounds half away from zero to two decimals.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
