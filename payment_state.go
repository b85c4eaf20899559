package dragonpos

import (
	"fmt"
	"sync"
)

// PaymentState is the conversation-level order state.
type PaymentState string

const (
	PaymentOrdering        PaymentState = "Ordering"
	PaymentReadyForPayment PaymentState = "ReadyForPayment"
	PaymentMethodRequested PaymentState = "PaymentMethodRequested"
	PaymentCompleted       PaymentState = "Completed"
)

var paymentStateOrder = map[PaymentState]int{
	PaymentOrdering:        0,
	PaymentReadyForPayment: 1,
	PaymentMethodRequested: 2,
	PaymentCompleted:       3,
}

// PaymentStateMachine gates which handling path the orchestrator takes.
// Transitions only move forward; Reset is the sole way back to Ordering.
type PaymentStateMachine struct {
	mu    sync.RWMutex
	state PaymentState
}

// NewPaymentStateMachine returns a machine in the Ordering state.
func NewPaymentStateMachine() *PaymentStateMachine {
	return &PaymentStateMachine{state: PaymentOrdering}
}

// State returns the current state.
func (p *PaymentStateMachine) State() PaymentState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// IsCompleted reports whether payment has completed.
func (p *PaymentStateMachine) IsCompleted() bool {
	return p.State() == PaymentCompleted
}

// AwaitingPayment reports whether the order is closed for items and waiting on payment.
func (p *PaymentStateMachine) AwaitingPayment() bool {
	s := p.State()
	return s == PaymentReadyForPayment || s == PaymentMethodRequested
}

// Transition moves to next. Moving backwards or staying put is an error.
func (p *PaymentStateMachine) Transition(next PaymentState) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	to, ok := paymentStateOrder[next]
	if !ok {
		return NewValidationError("payment_state", fmt.Sprintf("unknown payment state %q", next), nil)
	}
	if to <= paymentStateOrder[p.state] {
		return NewValidationError("payment_state",
			fmt.Sprintf("illegal payment transition %s -> %s", p.state, next), nil)
	}
	p.state = next
	return nil
}

// MarkReadyForPayment records a completion signal. It is a no-op unless ordering.
func (p *PaymentStateMachine) MarkReadyForPayment() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != PaymentOrdering {
		return false
	}
	p.state = PaymentReadyForPayment
	return true
}

// MarkMethodRequested records that the customer has been asked how they pay.
func (p *PaymentStateMachine) MarkMethodRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != PaymentReadyForPayment {
		return false
	}
	p.state = PaymentMethodRequested
	return true
}

// MarkCompleted records a successful kernel payment from any open state.
func (p *PaymentStateMachine) MarkCompleted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PaymentCompleted {
		return false
	}
	p.state = PaymentCompleted
	return true
}

// Advance aligns the machine with the receipt status written from kernel
// truth. It only ever moves forward, so it never reopens a completed order.
func (p *PaymentStateMachine) Advance(status ReceiptStatus) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	var target PaymentState
	switch status {
	case ReceiptCompleted:
		target = PaymentCompleted
	case ReceiptReadyForPayment:
		target = PaymentReadyForPayment
	default:
		return false
	}
	if paymentStateOrder[target] <= paymentStateOrder[p.state] {
		return false
	}
	p.state = target
	return true
}

// ReceiptStatus maps the payment state onto the receipt status it implies.
func (p *PaymentStateMachine) ReceiptStatus() ReceiptStatus {
	switch p.State() {
	case PaymentCompleted:
		return ReceiptCompleted
	case PaymentReadyForPayment, PaymentMethodRequested:
		return ReceiptReadyForPayment
	default:
		return ReceiptBuilding
	}
}

// Reset returns to Ordering. It is only legal after completion and is only
// called when preparing for the next customer.
func (p *PaymentStateMachine) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != PaymentCompleted {
		return NewValidationError("payment_state",
			fmt.Sprintf("reset requires a completed payment, state is %s", p.state), nil)
	}
	p.state = PaymentOrdering
	return nil
}

// ForceReset returns to Ordering from any state. It is used only when the
// next customer is started before the current order was paid.
func (p *PaymentStateMachine) ForceReset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = PaymentOrdering
}
