package dragonpos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingOpener struct {
	mu           sync.Mutex
	sessions     int
	transactions int
	failSession  bool
}

func (c *countingOpener) OpenSession(ctx context.Context, terminalID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSession {
		return "", errors.New("kernel down")
	}
	c.sessions++
	return fmt.Sprintf("S%d", c.sessions), nil
}

func (c *countingOpener) OpenTransaction(ctx context.Context, sessionID, currency string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transactions++
	return fmt.Sprintf("%s-T%d", sessionID, c.transactions), nil
}

func TestSession_LazyInitializationHappensOnce(t *testing.T) {
	opener := &countingOpener{}
	s := NewSession("T1", "SGD")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.EnsureTransaction(context.Background(), opener)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, opener.sessions)
	assert.Equal(t, 1, opener.transactions)
	sid, tid := s.Handles()
	assert.Equal(t, "S1", sid)
	assert.Equal(t, "S1-T1", tid)
}

func TestSession_ResetForgetsHandles(t *testing.T) {
	opener := &countingOpener{}
	s := NewSession("T1", "SGD")
	_, _, err := s.EnsureTransaction(context.Background(), opener)
	require.NoError(t, err)

	assert.Equal(t, "S1", s.Reset())
	sid, tid := s.Handles()
	assert.Empty(t, sid)
	assert.Empty(t, tid)

	_, tid, err = s.EnsureTransaction(context.Background(), opener)
	require.NoError(t, err)
	assert.Equal(t, "S2-T2", tid)
}

func TestSession_OpenFailureLeavesNoHandle(t *testing.T) {
	s := NewSession("T1", "SGD")
	_, err := s.EnsureSession(context.Background(), &countingOpener{failSession: true})
	require.Error(t, err)
	sid, _ := s.Handles()
	assert.Empty(t, sid)
}

func TestReceipt_CloneIsDeep(t *testing.T) {
	r := NewReceipt("S001", "Kopitiam", "SGD")
	r.Items = append(r.Items, ReceiptLineItem{LineItemID: "L1", Quantity: 2, UnitPrice: 1.4})

	cp := r.Clone()
	cp.Items[0].Quantity = 5

	assert.Equal(t, 2, r.Items[0].Quantity)
	assert.InDelta(t, 2.8, r.Items[0].Extended(), 1e-9)
	assert.False(t, r.IsEmpty())
	assert.True(t, NewReceipt("S001", "Kopitiam", "SGD").IsEmpty())
}

func TestIsCode_WalksWrappedErrors(t *testing.T) {
	inner := NewKernelError("AddLineItem", errors.New("timeout"))
	outer := NewToolExecutionError("add_item_to_transaction", fmt.Errorf("adding: %w", inner))

	assert.True(t, IsCode(outer, ErrCodeToolExecution))
	assert.True(t, IsCode(outer, ErrCodeKernel))
	assert.False(t, IsCode(outer, ErrCodeSync))
	assert.False(t, IsCode(errors.New("plain"), ErrCodeKernel))
	assert.Contains(t, NewConfigurationError("max attempts", nil).Error(), "design deficiency: max attempts")
}
